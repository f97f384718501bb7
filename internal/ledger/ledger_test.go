package ledger

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/cmdhema/lootpang-agent-llm/internal/config"
	"github.com/cmdhema/lootpang-agent-llm/internal/web3"
)

type stubClient struct {
	name       string
	collateral *big.Int
	debt       *big.Int
	nonce      *big.Int
	balance    *big.Int
	err        error
}

func (s *stubClient) Name() string                              { return s.name }
func (s *stubClient) ChainID(context.Context) (*big.Int, error) { return big.NewInt(1), nil }
func (s *stubClient) RelayerAddress() common.Address            { return common.Address{} }
func (s *stubClient) TokenDecimals(context.Context, common.Address) (uint8, error) {
	return 18, nil
}
func (s *stubClient) Close() {}

func (s *stubClient) BalanceAt(context.Context, common.Address) (*big.Int, error) {
	return s.balance, s.err
}

func (s *stubClient) VaultCollateral(context.Context, common.Address, common.Address) (*big.Int, error) {
	return s.collateral, s.err
}

func (s *stubClient) VaultDebt(context.Context, common.Address, common.Address) (*big.Int, error) {
	return s.debt, s.err
}

func (s *stubClient) VaultNonce(context.Context, common.Address, common.Address) (*big.Int, error) {
	return s.nonce, s.err
}

func (s *stubClient) TokenBalance(context.Context, common.Address, common.Address) (*big.Int, error) {
	return s.balance, s.err
}

func (s *stubClient) SendLendRequest(context.Context, common.Address, web3.LendParams) (web3.SubmissionResult, error) {
	return web3.SubmissionResult{}, errors.New("not implemented")
}

func (s *stubClient) DepositCollateral(context.Context, common.Address, web3.DepositParams) (web3.SubmissionResult, error) {
	return web3.SubmissionResult{}, errors.New("not implemented")
}

func (s *stubClient) TokenTransfer(context.Context, common.Address, common.Address, *big.Int) (web3.SubmissionResult, error) {
	return web3.SubmissionResult{}, errors.New("not implemented")
}

func (s *stubClient) TransactionStatus(context.Context, common.Hash) (web3.TxStatus, error) {
	return web3.TxStatus{State: web3.TxStateNotFound}, s.err
}

func (s *stubClient) FilterLoanIssued(context.Context, common.Address, common.Address, uint64) ([]web3.LoanIssued, error) {
	return nil, s.err
}

var testContracts = config.ContractsConfig{
	CollateralVault: "0x00000000000000000000000000000000000000c1",
	IssuanceVault:   "0x00000000000000000000000000000000000000c2",
	IssuedToken:     "0x00000000000000000000000000000000000000c3",
}

func eth(v string) *big.Int {
	d, _ := decimal.NewFromString(v)
	return ToWei(d)
}

func TestSnapshotHealthy(t *testing.T) {
	reader := NewReader(
		&stubClient{name: "sepolia", collateral: eth("1.5"), debt: eth("300")},
		&stubClient{name: "base-sepolia"},
		testContracts,
	)

	snap := reader.Snapshot(context.Background(), common.Address{})
	if snap.Degraded {
		t.Fatal("健康读取不应标记降级")
	}
	if !snap.Collateral.Equal(decimal.RequireFromString("1.5")) {
		t.Fatalf("担保 = %s, 期望 1.5", snap.Collateral)
	}
	if !snap.Debt.Equal(decimal.RequireFromString("300")) {
		t.Fatalf("负债 = %s, 期望 300", snap.Debt)
	}
}

func TestSnapshotDegradesToZero(t *testing.T) {
	reader := NewReader(
		&stubClient{name: "sepolia", err: errors.New("rpc timeout")},
		&stubClient{name: "base-sepolia"},
		testContracts,
	)

	snap := reader.Snapshot(context.Background(), common.Address{})
	if !snap.Degraded {
		t.Fatal("读取失败必须标记降级")
	}
	if !snap.Collateral.IsZero() || !snap.Debt.IsZero() {
		t.Fatalf("降级读数必须为零, 得到 collateral=%s debt=%s", snap.Collateral, snap.Debt)
	}
}

func TestNonceRouting(t *testing.T) {
	collateralChain := &stubClient{name: "sepolia", nonce: big.NewInt(7)}
	issuanceChain := &stubClient{name: "base-sepolia", nonce: big.NewInt(3)}
	reader := NewReader(collateralChain, issuanceChain, testContracts)

	loanNonce, err := reader.LoanNonce(context.Background(), common.Address{})
	if err != nil {
		t.Fatalf("放款 nonce 读取失败: %v", err)
	}
	if loanNonce.Int64() != 3 {
		t.Fatalf("放款 nonce 应来自发行链, 得到 %d", loanNonce.Int64())
	}

	depositNonce, err := reader.DepositNonce(context.Background(), common.Address{})
	if err != nil {
		t.Fatalf("预充 nonce 读取失败: %v", err)
	}
	if depositNonce.Int64() != 7 {
		t.Fatalf("预充 nonce 应来自抵押链, 得到 %d", depositNonce.Int64())
	}
}

func TestWeiConversions(t *testing.T) {
	half := decimal.RequireFromString("0.5")
	wei := ToWei(half)
	if wei.String() != "500000000000000000" {
		t.Fatalf("0.5 ETH = %s wei", wei)
	}
	if !FromWei(wei).Equal(half) {
		t.Fatalf("往返转换不一致: %s", FromWei(wei))
	}
	if !FromWei(nil).IsZero() {
		t.Fatal("nil 读数应转换为零")
	}
}
