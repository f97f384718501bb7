package notify

import (
	"context"
	"errors"
	"sync"
	"testing"
)

type stubSink struct {
	mu     sync.Mutex
	events []Event
	err    error
}

func (s *stubSink) Deliver(_ context.Context, event Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.events = append(s.events, event)
	return nil
}

type stubQueue struct {
	published []Event
	err       error
}

func (q *stubQueue) Publish(_ context.Context, event Event) error {
	if q.err != nil {
		return q.err
	}
	q.published = append(q.published, event)
	return nil
}

func (q *stubQueue) Consume(ctx context.Context, handler func(ctx context.Context, event Event) error) error {
	for _, event := range q.published {
		if err := handler(ctx, event); err != nil {
			return err
		}
	}
	return nil
}

func (q *stubQueue) Close() error { return nil }

func TestNotifyPublishesToQueue(t *testing.T) {
	queue := &stubQueue{}
	svc := NewService(queue, nil)

	svc.Notify(context.Background(), "loan_submitted", map[string]string{"tx": "0xabc"})
	if len(queue.published) != 1 {
		t.Fatalf("入队事件数 = %d, 期望 1", len(queue.published))
	}
	if queue.published[0].Name != "loan_submitted" {
		t.Fatalf("事件名 = %s", queue.published[0].Name)
	}
	if queue.published[0].At == 0 {
		t.Fatal("事件应带时间戳")
	}
}

func TestNotifyDirectDeliveryWithoutQueue(t *testing.T) {
	sink := &stubSink{}
	svc := NewService(nil, sink)

	svc.Notify(context.Background(), "relayer_low_balance", nil)
	if len(sink.events) != 1 {
		t.Fatalf("投递事件数 = %d, 期望 1", len(sink.events))
	}
}

func TestNotifyNeverPanicsOnFailure(t *testing.T) {
	svc := NewService(&stubQueue{err: errors.New("broker down")}, nil)
	// 失败只记日志。
	svc.Notify(context.Background(), "loan_submitted", nil)
}

func TestRunDrainsQueueIntoSink(t *testing.T) {
	queue := &stubQueue{}
	sink := &stubSink{}
	svc := NewService(queue, sink)

	svc.Notify(context.Background(), "loan_submitted", map[string]string{"tx": "0x1"})
	svc.Notify(context.Background(), "loan_completed", map[string]string{"tx": "0x1"})

	if err := svc.Run(context.Background()); err != nil {
		t.Fatalf("消费失败: %v", err)
	}
	if len(sink.events) != 2 {
		t.Fatalf("投递事件数 = %d, 期望 2", len(sink.events))
	}
}

func TestFormatEventStableOrder(t *testing.T) {
	event := Event{Name: "loan_submitted", Fields: map[string]string{
		"user": "0xee", "amount": "100", "tx": "0xabc",
	}}
	got := FormatEvent(event)
	want := "[lootpang] loan_submitted\namount: 100\ntx: 0xabc\nuser: 0xee"
	if got != want {
		t.Fatalf("格式化结果 = %q, 期望 %q", got, want)
	}
}
