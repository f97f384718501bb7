package quest

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	"github.com/cmdhema/lootpang-agent-llm/internal/config"
	"github.com/cmdhema/lootpang-agent-llm/internal/web3"
)

type stubChain struct {
	transferResult web3.SubmissionResult
	transferErr    error
	lastToken      common.Address
	lastTo         common.Address
	lastAmount     *big.Int
	transfers      int
}

func (s *stubChain) Name() string                              { return "base-sepolia" }
func (s *stubChain) ChainID(context.Context) (*big.Int, error) { return big.NewInt(84532), nil }
func (s *stubChain) RelayerAddress() common.Address            { return common.Address{} }
func (s *stubChain) Close()                                    {}

func (s *stubChain) BalanceAt(context.Context, common.Address) (*big.Int, error) {
	return big.NewInt(0), nil
}

func (s *stubChain) VaultCollateral(context.Context, common.Address, common.Address) (*big.Int, error) {
	return big.NewInt(0), nil
}

func (s *stubChain) VaultDebt(context.Context, common.Address, common.Address) (*big.Int, error) {
	return big.NewInt(0), nil
}

func (s *stubChain) VaultNonce(context.Context, common.Address, common.Address) (*big.Int, error) {
	return big.NewInt(0), nil
}

func (s *stubChain) TokenBalance(context.Context, common.Address, common.Address) (*big.Int, error) {
	return big.NewInt(0), nil
}

func (s *stubChain) TokenDecimals(context.Context, common.Address) (uint8, error) { return 18, nil }

func (s *stubChain) SendLendRequest(context.Context, common.Address, web3.LendParams) (web3.SubmissionResult, error) {
	return web3.SubmissionResult{}, errors.New("not implemented")
}

func (s *stubChain) DepositCollateral(context.Context, common.Address, web3.DepositParams) (web3.SubmissionResult, error) {
	return web3.SubmissionResult{}, errors.New("not implemented")
}

func (s *stubChain) TokenTransfer(_ context.Context, token, to common.Address, amount *big.Int) (web3.SubmissionResult, error) {
	s.transfers++
	s.lastToken = token
	s.lastTo = to
	s.lastAmount = amount
	return s.transferResult, s.transferErr
}

func (s *stubChain) TransactionStatus(context.Context, common.Hash) (web3.TxStatus, error) {
	return web3.TxStatus{State: web3.TxStateNotFound}, nil
}

func (s *stubChain) FilterLoanIssued(context.Context, common.Address, common.Address, uint64) ([]web3.LoanIssued, error) {
	return nil, nil
}

var testContracts = config.ContractsConfig{
	IssuedToken: "0x00000000000000000000000000000000000000c5",
}

const testUser = "0x00000000000000000000000000000000000000ee"

func seedQuest(t *testing.T, store Store) *Quest {
	t.Helper()
	q := &Quest{ID: "first-loan", Title: "First Loan", RewardTokens: "10", Active: true}
	if err := store.CreateQuest(context.Background(), q); err != nil {
		t.Fatalf("登记任务失败: %v", err)
	}
	return q
}

func TestMemoryStoreDuplicateCompletion(t *testing.T) {
	store := NewMemoryStore()
	seedQuest(t, store)

	first := &Completion{ID: "c1", QuestID: "first-loan", UserID: testUser}
	if err := store.RecordCompletion(context.Background(), first); err != nil {
		t.Fatalf("首次完成登记失败: %v", err)
	}

	dup := &Completion{ID: "c2", QuestID: "first-loan", UserID: testUser}
	if err := store.RecordCompletion(context.Background(), dup); !errors.Is(err, ErrAlreadyCompleted) {
		t.Fatalf("重复完成应拒绝, 得到 %v", err)
	}
}

func TestMemoryStoreListActiveOnly(t *testing.T) {
	store := NewMemoryStore()
	seedQuest(t, store)
	inactive := &Quest{ID: "old-quest", Title: "retired", RewardTokens: "1", Active: false}
	if err := store.CreateQuest(context.Background(), inactive); err != nil {
		t.Fatalf("登记任务失败: %v", err)
	}

	active, err := store.ListQuests(context.Background(), true)
	if err != nil {
		t.Fatalf("列出任务失败: %v", err)
	}
	if len(active) != 1 || active[0].ID != "first-loan" {
		t.Fatalf("活跃任务 = %+v, 期望仅 first-loan", active)
	}
}

func TestServiceClaimTransfersReward(t *testing.T) {
	store := NewMemoryStore()
	seedQuest(t, store)
	chain := &stubChain{transferResult: web3.SubmissionResult{TxHash: common.HexToHash("0x3333")}}
	svc := NewService(store, chain, testContracts)

	c, err := svc.Complete(context.Background(), "first-loan", testUser)
	if err != nil {
		t.Fatalf("完成登记失败: %v", err)
	}

	claimed, err := svc.Claim(context.Background(), c.ID)
	if err != nil {
		t.Fatalf("领取失败: %v", err)
	}
	if claimed.Status != StatusClaimed {
		t.Fatalf("状态 = %s, 期望 CLAIMED", claimed.Status)
	}
	if chain.transfers != 1 {
		t.Fatalf("转账次数 = %d, 期望 1", chain.transfers)
	}
	if chain.lastTo != common.HexToAddress(testUser) {
		t.Fatalf("收款地址 = %s, 期望 %s", chain.lastTo, testUser)
	}
	// 10 代币按 18 位小数转换。
	if chain.lastAmount.String() != "10000000000000000000" {
		t.Fatalf("转账金额 = %s", chain.lastAmount)
	}

	if _, err := svc.Claim(context.Background(), c.ID); !errors.Is(err, ErrAlreadyClaimed) {
		t.Fatalf("重复领取应拒绝, 得到 %v", err)
	}
}

func TestServiceClaimTransferFailureKeepsPending(t *testing.T) {
	store := NewMemoryStore()
	seedQuest(t, store)
	chain := &stubChain{transferErr: errors.New("execution reverted")}
	svc := NewService(store, chain, testContracts)

	c, err := svc.Complete(context.Background(), "first-loan", testUser)
	if err != nil {
		t.Fatalf("完成登记失败: %v", err)
	}

	if _, err := svc.Claim(context.Background(), c.ID); err == nil {
		t.Fatal("转账失败应返回错误")
	}
	got, err := store.GetCompletion(context.Background(), c.ID)
	if err != nil {
		t.Fatalf("查询完成记录失败: %v", err)
	}
	if got.Status != StatusPending {
		t.Fatalf("转账失败后状态 = %s, 期望保持 PENDING", got.Status)
	}
}

func TestServiceClaimRejectsNonAddressUser(t *testing.T) {
	store := NewMemoryStore()
	seedQuest(t, store)
	chain := &stubChain{}
	svc := NewService(store, chain, testContracts)

	c, err := svc.Complete(context.Background(), "first-loan", "room-42")
	if err != nil {
		t.Fatalf("完成登记失败: %v", err)
	}
	if _, err := svc.Claim(context.Background(), c.ID); err == nil {
		t.Fatal("非地址用户不能领取链上奖励")
	}
	if chain.transfers != 0 {
		t.Fatal("校验失败时不得转账")
	}
}
