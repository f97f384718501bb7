package reconcile

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	"github.com/cmdhema/lootpang-agent-llm/internal/config"
	"github.com/cmdhema/lootpang-agent-llm/internal/ledger"
	"github.com/cmdhema/lootpang-agent-llm/internal/web3"
)

type stubClient struct {
	name     string
	debt     *big.Int
	balance  *big.Int
	readErr  error
	txStatus web3.TxStatus
	txErr    error
	issued   []web3.LoanIssued
	fltErr   error
}

func (s *stubClient) Name() string                              { return s.name }
func (s *stubClient) ChainID(context.Context) (*big.Int, error) { return big.NewInt(1), nil }
func (s *stubClient) RelayerAddress() common.Address            { return common.Address{} }
func (s *stubClient) Close()                                    {}

func (s *stubClient) BalanceAt(context.Context, common.Address) (*big.Int, error) {
	return big.NewInt(0), s.readErr
}

func (s *stubClient) VaultCollateral(context.Context, common.Address, common.Address) (*big.Int, error) {
	return big.NewInt(0), s.readErr
}

func (s *stubClient) VaultDebt(context.Context, common.Address, common.Address) (*big.Int, error) {
	return s.debt, s.readErr
}

func (s *stubClient) VaultNonce(context.Context, common.Address, common.Address) (*big.Int, error) {
	return big.NewInt(0), s.readErr
}

func (s *stubClient) TokenBalance(context.Context, common.Address, common.Address) (*big.Int, error) {
	return s.balance, s.readErr
}

func (s *stubClient) TokenDecimals(context.Context, common.Address) (uint8, error) { return 18, nil }

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
	return s.txStatus, s.txErr
}

func (s *stubClient) FilterLoanIssued(context.Context, common.Address, common.Address, uint64) ([]web3.LoanIssued, error) {
	return s.issued, s.fltErr
}

var testContracts = config.ContractsConfig{
	CollateralVault: "0x00000000000000000000000000000000000000c1",
	IssuanceVault:   "0x00000000000000000000000000000000000000c2",
	IssuedToken:     "0x00000000000000000000000000000000000000c3",
}

func wei(eth int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(eth), new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil))
}

func newReconciler(collateral, issuance *stubClient) *Reconciler {
	reader := ledger.NewReader(collateral, issuance, testContracts)
	return NewReconciler(reader, collateral, issuance, testContracts)
}

func TestLoanStatusHeuristic(t *testing.T) {
	cases := []struct {
		name    string
		debt    *big.Int
		balance *big.Int
		want    Status
	}{
		{"无负债视为未发起", big.NewInt(0), big.NewInt(0), StatusNotStarted},
		{"有负债无代币视为处理中", wei(100), big.NewInt(0), StatusProcessing},
		{"有负债有代币视为完成", wei(100), wei(100), StatusCompleted},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := newReconciler(
				&stubClient{name: "sepolia", debt: tc.debt},
				&stubClient{name: "base-sepolia", balance: tc.balance},
			)
			report := r.LoanStatus(context.Background(), common.Address{}, "")
			if report.Status != tc.want {
				t.Fatalf("状态 = %s, 期望 %s", report.Status, tc.want)
			}
			if report.Degraded {
				t.Fatal("健康读取不应降级")
			}
		})
	}
}

func TestLoanStatusIssuedEventNarrowsProcessing(t *testing.T) {
	issued := []web3.LoanIssued{{Amount: wei(100), BlockNumber: 42}}
	r := newReconciler(
		&stubClient{name: "sepolia", debt: wei(100)},
		&stubClient{name: "base-sepolia", balance: big.NewInt(0), issued: issued},
	)

	report := r.LoanStatus(context.Background(), common.Address{}, "")
	if report.Status != StatusCompleted {
		t.Fatalf("命中放款事件应判定完成, 得到 %s", report.Status)
	}
	if len(report.Issued) != 1 {
		t.Fatalf("事件数 = %d, 期望 1", len(report.Issued))
	}
}

func TestLoanStatusEventScanFailureKeepsProcessing(t *testing.T) {
	r := newReconciler(
		&stubClient{name: "sepolia", debt: wei(100)},
		&stubClient{name: "base-sepolia", balance: big.NewInt(0), fltErr: errors.New("rpc down")},
	)

	report := r.LoanStatus(context.Background(), common.Address{}, "")
	if report.Status != StatusProcessing {
		t.Fatalf("事件扫描失败不应改变推断, 得到 %s", report.Status)
	}
}

func TestLoanStatusWithTxHash(t *testing.T) {
	r := newReconciler(
		&stubClient{name: "sepolia", debt: wei(100), txStatus: web3.TxStatus{State: web3.TxStateSuccess, BlockNumber: 10}},
		&stubClient{name: "base-sepolia", balance: wei(100)},
	)

	hash := "0xab00000000000000000000000000000000000000000000000000000000000000"
	report := r.LoanStatus(context.Background(), common.Address{}, hash)
	if report.TxStatus == nil || report.TxStatus.State != web3.TxStateSuccess {
		t.Fatalf("应填充源链回执, 得到 %+v", report.TxStatus)
	}
}

func TestLoanStatusRevertedReceiptWinsOverHeuristic(t *testing.T) {
	r := newReconciler(
		&stubClient{name: "sepolia", debt: wei(100), txStatus: web3.TxStatus{State: web3.TxStateFailed, BlockNumber: 10}},
		&stubClient{name: "base-sepolia", balance: wei(100)},
	)

	hash := "0xab00000000000000000000000000000000000000000000000000000000000000"
	report := r.LoanStatus(context.Background(), common.Address{}, hash)
	if report.Status != StatusFailed {
		t.Fatalf("回执失败应直接判定 FAILED, 得到 %s", report.Status)
	}
}

func TestLoanStatusMissingReceipt(t *testing.T) {
	r := newReconciler(
		&stubClient{name: "sepolia", debt: wei(100), txStatus: web3.TxStatus{State: web3.TxStateNotFound}},
		&stubClient{name: "base-sepolia", balance: big.NewInt(0)},
	)

	hash := "0xab00000000000000000000000000000000000000000000000000000000000000"
	report := r.LoanStatus(context.Background(), common.Address{}, hash)
	if report.Status != StatusNotFound {
		t.Fatalf("回执缺失应判定 NOT_FOUND, 得到 %s", report.Status)
	}
}

func TestLoanStatusDegradedReads(t *testing.T) {
	r := newReconciler(
		&stubClient{name: "sepolia", readErr: errors.New("timeout")},
		&stubClient{name: "base-sepolia", readErr: errors.New("timeout")},
	)

	report := r.LoanStatus(context.Background(), common.Address{}, "")
	if !report.Degraded {
		t.Fatal("读取失败必须标记降级")
	}
	if report.Status != StatusNotStarted {
		t.Fatalf("降级下按零值推断, 得到 %s", report.Status)
	}
}

func TestTransactionStatusFallsBackToIssuanceChain(t *testing.T) {
	r := newReconciler(
		&stubClient{name: "sepolia", txStatus: web3.TxStatus{State: web3.TxStateNotFound}},
		&stubClient{name: "base-sepolia", txStatus: web3.TxStatus{State: web3.TxStatePending}},
	)

	status, chain, err := r.TransactionStatus(context.Background(), "0xdead")
	if err != nil {
		t.Fatalf("查询失败: %v", err)
	}
	if status.State != web3.TxStatePending {
		t.Fatalf("状态 = %s, 期望 PENDING", status.State)
	}
	if chain != "base-sepolia" {
		t.Fatalf("命中链 = %s, 期望 base-sepolia", chain)
	}
}
