// Package notify 把借贷流程中的关键事件送往运维通道。事件先进入
// RabbitMQ 队列削峰，再由转发器投递到 Telegram。通知失败只记日志，
// 绝不影响借贷主流程。
package notify

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	xerrors "github.com/cmdhema/lootpang-agent-llm/internal/errors"
	"github.com/cmdhema/lootpang-agent-llm/pkg/logger"
)

// Event 是一条待投递的运维事件。
type Event struct {
	Name   string            `json:"name"`
	Fields map[string]string `json:"fields,omitempty"`
	At     int64             `json:"at"`
}

// Sink 接收最终投递的事件。
type Sink interface {
	Deliver(ctx context.Context, event Event) error
}

// Queue 抽象事件的暂存通道。
type Queue interface {
	Publish(ctx context.Context, event Event) error
	Consume(ctx context.Context, handler func(ctx context.Context, event Event) error) error
	Close() error
}

// Service 实现编排器的通知出口。
type Service struct {
	queue Queue
	sink  Sink
	log   *slog.Logger
}

// NewService 创建通知服务。queue 为 nil 时事件直接投递到 sink。
func NewService(queue Queue, sink Sink) *Service {
	return &Service{
		queue: queue,
		sink:  sink,
		log:   logger.Named("notify"),
	}
}

// Notify 投递一条事件，永不向调用方返回错误。
func (s *Service) Notify(ctx context.Context, name string, fields map[string]string) {
	event := Event{Name: name, Fields: fields, At: time.Now().Unix()}

	if s.queue != nil {
		if err := s.queue.Publish(ctx, event); err != nil {
			s.log.Error("事件入队失败", "event", name, "error", err)
		}
		return
	}
	if s.sink != nil {
		if err := s.sink.Deliver(ctx, event); err != nil {
			s.log.Error("事件投递失败", "event", name, "error", err)
		}
	}
}

// Run 消费队列并把事件投递到 sink，阻塞直到 ctx 结束。
// 没有配置队列或 sink 时直接返回。
func (s *Service) Run(ctx context.Context) error {
	if s.queue == nil || s.sink == nil {
		return nil
	}
	return s.queue.Consume(ctx, func(ctx context.Context, event Event) error {
		if err := s.sink.Deliver(ctx, event); err != nil {
			s.log.Error("事件投递失败", "event", event.Name, "error", err)
			return err
		}
		return nil
	})
}

// Close 释放队列资源。
func (s *Service) Close() error {
	if s.queue == nil {
		return nil
	}
	return s.queue.Close()
}

func encodeEvent(event Event) ([]byte, error) {
	body, err := json.Marshal(event)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeQueueFailure, err, "事件编码失败")
	}
	return body, nil
}

func decodeEvent(body []byte) (Event, error) {
	var event Event
	if err := json.Unmarshal(body, &event); err != nil {
		return Event{}, xerrors.Wrap(xerrors.CodeQueueFailure, err, "事件解码失败")
	}
	return event, nil
}
