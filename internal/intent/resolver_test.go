package intent

import (
	"context"
	"errors"
	"testing"

	"github.com/cmdhema/lootpang-agent-llm/internal/nlu"
	"github.com/cmdhema/lootpang-agent-llm/internal/session"
)

type stubNLU struct {
	analysis *nlu.Analysis
	err      error
	calls    int
}

func (s *stubNLU) Analyze(_ context.Context, _ nlu.Request) (*nlu.Analysis, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return s.analysis, nil
}

func newSession(state session.State) *session.UserSession {
	return &session.UserSession{
		UserID:  "alice",
		State:   state,
		Context: map[string]string{},
	}
}

func TestResolveConfirmDepositRule(t *testing.T) {
	stub := &stubNLU{}
	r := NewResolver(stub)

	it := r.Resolve(context.Background(), "yes please", newSession(session.StateAwaitingDepositOK), "0", "0")
	if it.Name != NameConfirmDeposit {
		t.Fatalf("意图 = %s, 期望 %s", it.Name, NameConfirmDeposit)
	}
	if it.NextState != session.StateAwaitingDeposit {
		t.Fatalf("下一状态 = %s, 期望 %s", it.NextState, session.StateAwaitingDeposit)
	}
	if !it.FromRule {
		t.Fatal("确认应答应当来自规则表")
	}
	if stub.calls != 0 {
		t.Fatalf("规则命中时不应调用语义分析, 调用了 %d 次", stub.calls)
	}
}

func TestResolveDeclineDepositReturnsIdle(t *testing.T) {
	r := NewResolver(&stubNLU{})

	it := r.Resolve(context.Background(), "no thanks", newSession(session.StateAwaitingDepositOK), "0", "0")
	if it.Name != NameGeneral {
		t.Fatalf("意图 = %s, 期望 %s", it.Name, NameGeneral)
	}
	if it.NextState != session.StateIdle {
		t.Fatalf("下一状态 = %s, 期望 %s", it.NextState, session.StateIdle)
	}
}

func TestResolveSignatureRuleByState(t *testing.T) {
	sig := "0x" + repeatHex(130)
	r := NewResolver(&stubNLU{})

	it := r.Resolve(context.Background(), sig, newSession(session.StateAwaitingSignature), "0", "0")
	if it.Name != NameSignature {
		t.Fatalf("意图 = %s, 期望 %s", it.Name, NameSignature)
	}

	it = r.Resolve(context.Background(), sig, newSession(session.StateAwaitingDepositSig), "0", "0")
	if it.Name != NameDepositSignature {
		t.Fatalf("意图 = %s, 期望 %s", it.Name, NameDepositSignature)
	}
}

func TestResolveSignatureIgnoredInIdle(t *testing.T) {
	sig := "0x" + repeatHex(130)
	stub := &stubNLU{analysis: &nlu.Analysis{Action: "GENERAL", Reply: "hi", Confidence: 0.4}}
	r := NewResolver(stub)

	it := r.Resolve(context.Background(), sig, newSession(session.StateIdle), "0", "0")
	if it.Name != NameGeneral {
		t.Fatalf("空闲状态下的签名串应落到语义分析, 得到 %s", it.Name)
	}
	if stub.calls != 1 {
		t.Fatalf("语义分析调用次数 = %d, 期望 1", stub.calls)
	}
}

func TestResolveBorrowExtraction(t *testing.T) {
	r := NewResolver(&stubNLU{})

	it := r.Resolve(context.Background(), "I want to borrow 100 kkcoin", newSession(session.StateIdle), "0", "0")
	if it.Name != NameBorrow {
		t.Fatalf("意图 = %s, 期望 %s", it.Name, NameBorrow)
	}
	if it.Context[session.CtxAmount] != "100" {
		t.Fatalf("金额 = %q, 期望 100", it.Context[session.CtxAmount])
	}
	if it.Context[session.CtxToken] != "kkcoin" {
		t.Fatalf("代币 = %q, 期望 kkcoin", it.Context[session.CtxToken])
	}
}

func TestResolveDepositWithAmount(t *testing.T) {
	r := NewResolver(&stubNLU{})

	it := r.Resolve(context.Background(), "deposit 0.05 ETH", newSession(session.StateIdle), "0", "0")
	if it.Name != NameDepositWithAmount {
		t.Fatalf("意图 = %s, 期望 %s", it.Name, NameDepositWithAmount)
	}
	if it.Context[session.CtxDepositAmount] != "0.05" {
		t.Fatalf("预充金额 = %q, 期望 0.05", it.Context[session.CtxDepositAmount])
	}
}

func TestResolveDepositCompleted(t *testing.T) {
	r := NewResolver(&stubNLU{})

	it := r.Resolve(context.Background(), "I have deposited", newSession(session.StateAwaitingDeposit), "0", "0")
	if it.Name != NameDepositCompleted {
		t.Fatalf("意图 = %s, 期望 %s", it.Name, NameDepositCompleted)
	}
}

func TestResolveLoanStatusWithTxHash(t *testing.T) {
	r := NewResolver(&stubNLU{})
	hash := "0x" + repeatHex(64)

	it := r.Resolve(context.Background(), "what's the status of "+hash, newSession(session.StateIdle), "0", "0")
	if it.Name != NameCheckLoanStatus {
		t.Fatalf("意图 = %s, 期望 %s", it.Name, NameCheckLoanStatus)
	}
	if it.Context[session.CtxTxHash] != hash {
		t.Fatalf("交易哈希 = %q, 期望 %q", it.Context[session.CtxTxHash], hash)
	}
}

func TestResolveUnknownActionFallsBackToGeneral(t *testing.T) {
	stub := &stubNLU{analysis: &nlu.Analysis{Action: "SELF_DESTRUCT", Reply: "boom", Confidence: 0.9}}
	r := NewResolver(stub)

	it := r.Resolve(context.Background(), "hello there", newSession(session.StateIdle), "0", "0")
	if it.Name != NameGeneral {
		t.Fatalf("未知动作应降级为 GENERAL, 得到 %s", it.Name)
	}
	if it.Reply != "boom" {
		t.Fatalf("应保留原始回复, 得到 %q", it.Reply)
	}
}

func TestResolveNLUSignatureActionRejected(t *testing.T) {
	stub := &stubNLU{analysis: &nlu.Analysis{Action: "SIGNATURE", Reply: "sign", Confidence: 0.9}}
	r := NewResolver(stub)

	it := r.Resolve(context.Background(), "hello there", newSession(session.StateIdle), "0", "0")
	if it.Name != NameGeneral {
		t.Fatalf("分类器不得产生签名意图, 得到 %s", it.Name)
	}
}

func TestResolveNLUErrorYieldsErrorIntent(t *testing.T) {
	stub := &stubNLU{err: errors.New("upstream down")}
	r := NewResolver(stub)

	it := r.Resolve(context.Background(), "hello there", newSession(session.StateIdle), "0", "0")
	if it.Name != NameError {
		t.Fatalf("意图 = %s, 期望 %s", it.Name, NameError)
	}
	if it.NextState != "" {
		t.Fatalf("出错时不应迁移状态, 得到 %s", it.NextState)
	}
}

func repeatHex(n int) string {
	buf := make([]byte, n)
	for i := range buf {
		buf[i] = "0123456789abcdef"[i%16]
	}
	return string(buf)
}
