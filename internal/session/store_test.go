package session

import (
	"fmt"
	"sync"
	"testing"
)

func TestStoreGetCreatesIdleSession(t *testing.T) {
	store := NewStore()

	sess := store.Get("0xabc")
	if sess.State != StateIdle {
		t.Fatalf("expected IDLE, got %s", sess.State)
	}
	if len(sess.Context) != 0 {
		t.Fatalf("expected empty context, got %v", sess.Context)
	}

	// 返回的是副本，修改不应影响存储内的会话。
	sess.Context[CtxAmount] = "3"
	if got := store.Get("0xabc"); len(got.Context) != 0 {
		t.Fatalf("store session mutated through clone: %v", got.Context)
	}
}

func TestStoreUpdateVisibleToNextGet(t *testing.T) {
	store := NewStore()

	awaiting := StateAwaitingDeposit
	store.Update("0xabc", Partial{
		State:   &awaiting,
		Context: map[string]string{CtxAmount: "3", CtxToken: "kkcoin"},
	})

	sess := store.Get("0xabc")
	if sess.State != StateAwaitingDeposit {
		t.Fatalf("unexpected state: %s", sess.State)
	}
	if sess.Context[CtxAmount] != "3" || sess.Context[CtxToken] != "kkcoin" {
		t.Fatalf("unexpected context: %v", sess.Context)
	}

	// 合并语义：新键并入，旧键保留。
	store.Update("0xabc", Partial{Context: map[string]string{CtxShortfall: "0.015"}})
	sess = store.Get("0xabc")
	if sess.Context[CtxAmount] != "3" || sess.Context[CtxShortfall] != "0.015" {
		t.Fatalf("merge lost keys: %v", sess.Context)
	}
}

func TestStoreResetClearsContext(t *testing.T) {
	store := NewStore()

	awaiting := StateAwaitingSignature
	store.Update("0xabc", Partial{State: &awaiting, Context: map[string]string{CtxAmount: "3"}})
	store.Reset("0xabc")

	sess := store.Get("0xabc")
	if sess.State != StateIdle {
		t.Fatalf("expected IDLE after reset, got %s", sess.State)
	}
	if len(sess.Context) != 0 {
		t.Fatalf("expected cleared context, got %v", sess.Context)
	}
}

func TestStoreHistoryBounded(t *testing.T) {
	store := NewStore()

	for i := 0; i < historyLimit+5; i++ {
		store.AppendHistory("0xabc", RoleUser, fmt.Sprintf("msg-%d", i))
	}

	sess := store.Get("0xabc")
	if len(sess.History) != historyLimit {
		t.Fatalf("expected %d entries, got %d", historyLimit, len(sess.History))
	}
	// 最旧的条目应已被淘汰。
	if sess.History[0].Message != "msg-5" {
		t.Fatalf("unexpected oldest entry: %s", sess.History[0].Message)
	}
	if sess.History[len(sess.History)-1].Message != fmt.Sprintf("msg-%d", historyLimit+4) {
		t.Fatalf("unexpected newest entry: %s", sess.History[len(sess.History)-1].Message)
	}
}

func TestStoreTransactionLogFIFO(t *testing.T) {
	store := NewStore()

	for i := 0; i < txLogLimit+3; i++ {
		store.RecordTransaction("0xabc", TransactionRecord{
			TxHash: fmt.Sprintf("0x%064x", i),
			Kind:   TxKindLoan,
			Amount: "3",
		})
	}

	log := store.Transactions("0xabc")
	if len(log) != txLogLimit {
		t.Fatalf("expected %d records, got %d", txLogLimit, len(log))
	}
	if log[0].TxHash != fmt.Sprintf("0x%064x", 3) {
		t.Fatalf("expected oldest records evicted, got %s", log[0].TxHash)
	}
	if log[0].Status != TxStatusPending {
		t.Fatalf("expected default PENDING status, got %s", log[0].Status)
	}
}

func TestStoreUpdateTransactionStatus(t *testing.T) {
	store := NewStore()

	hash := fmt.Sprintf("0x%064x", 1)
	store.RecordTransaction("0xabc", TransactionRecord{TxHash: hash, Kind: TxKindLoan, Amount: "3"})
	store.UpdateTransaction("0xabc", hash, TxStatusProcessing)

	log := store.Transactions("0xabc")
	if log[0].Status != TxStatusProcessing {
		t.Fatalf("expected CCIP_PROCESSING, got %s", log[0].Status)
	}

	// 未知哈希不应有任何影响。
	store.UpdateTransaction("0xabc", "0xdeadbeef", TxStatusCompleted)
	if got := store.Transactions("0xabc"); got[0].Status != TxStatusProcessing {
		t.Fatalf("unexpected status mutation: %s", got[0].Status)
	}
}

func TestStorePerUserIsolation(t *testing.T) {
	store := NewStore()

	awaiting := StateLoanProcessing
	store.Update("0xaaa", Partial{State: &awaiting})

	if got := store.Get("0xbbb"); got.State != StateIdle {
		t.Fatalf("cross-user state leak: %s", got.State)
	}
}

func TestStoreLockSerializesSameUser(t *testing.T) {
	store := NewStore()

	var order []int
	var mu sync.Mutex
	var wg sync.WaitGroup

	store.Lock("0xabc")
	wg.Add(1)
	go func() {
		defer wg.Done()
		store.Lock("0xabc")
		defer store.Unlock("0xabc")
		mu.Lock()
		order = append(order, 2)
		mu.Unlock()
	}()

	mu.Lock()
	order = append(order, 1)
	mu.Unlock()
	store.Unlock("0xabc")
	wg.Wait()

	if len(order) != 2 || order[0] != 1 || order[1] != 2 {
		t.Fatalf("expected strict ordering, got %v", order)
	}
}
