// Package reconcile 跨链对账：根据抵押链负债与发行链代币余额推断
// 放款进度，可选地结合源链交易回执与金库放款事件收窄判断。
package reconcile

import (
	"context"
	"log/slog"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/cmdhema/lootpang-agent-llm/internal/config"
	"github.com/cmdhema/lootpang-agent-llm/internal/ledger"
	"github.com/cmdhema/lootpang-agent-llm/internal/web3"
	"github.com/cmdhema/lootpang-agent-llm/pkg/logger"
)

// Status 是对账得出的放款进度。
type Status string

const (
	StatusNotStarted Status = "NOT_STARTED"
	StatusProcessing Status = "PROCESSING"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
	StatusNotFound   Status = "NOT_FOUND"
)

// 扫描金库放款事件时回看的区块数。
const issuedEventLookback = 2000

// Report 是一次对账的完整结果。
type Report struct {
	Status Status

	// Debt 是抵押链上的未偿负债，TokenBalance 是发行链上的代币余额。
	Debt         decimal.Decimal
	TokenBalance decimal.Decimal

	// TxStatus 在调用方提供交易哈希时才会填充，来自源链回执。
	TxStatus *web3.TxStatus

	// Issued 是回看窗口内命中的放款事件。
	Issued []web3.LoanIssued

	// Degraded 表示部分链上读取失败，结论基于不完整数据。
	Degraded bool
}

// Reconciler 持有对账所需的链访问能力。
type Reconciler struct {
	ledger     *ledger.Reader
	collateral web3.Client
	issuance   web3.Client

	issuanceVault common.Address
	log           *slog.Logger
}

// NewReconciler 创建对账器。collateral 是放款请求的提交链。
func NewReconciler(reader *ledger.Reader, collateral, issuance web3.Client, contracts config.ContractsConfig) *Reconciler {
	return &Reconciler{
		ledger:        reader,
		collateral:    collateral,
		issuance:      issuance,
		issuanceVault: common.HexToAddress(contracts.IssuanceVault),
		log:           logger.Named("reconcile"),
	}
}

// LoanStatus 对账用户的放款进度。txHash 可为空；给出时优先核对源链回执：
// 回执缺失判为 NOT_FOUND，回执失败判为 FAILED，否则落入余额推断，
// 并在推断为处理中时用放款事件收窄结论。
//
// 推断规则（跨链消息没有单一事实源，只能从两侧账本近似）：
//   - 负债 > 0 且代币余额 > 0：代币已到账，视为完成；
//   - 负债 > 0 且代币余额 = 0：源链已记账、目标链未到账，处理中；
//   - 负债 = 0：未发起。
func (r *Reconciler) LoanStatus(ctx context.Context, user common.Address, txHash string) Report {
	report := Report{
		Debt:         decimal.Zero,
		TokenBalance: decimal.Zero,
	}

	if txHash != "" {
		if status, err := r.collateral.TransactionStatus(ctx, common.HexToHash(txHash)); err != nil {
			r.log.Warn("源链回执查询失败", "tx", txHash, "error", err)
			report.Degraded = true
		} else {
			report.TxStatus = &status
			switch status.State {
			case web3.TxStateNotFound:
				report.Status = StatusNotFound
				return report
			case web3.TxStateFailed:
				report.Status = StatusFailed
				return report
			}
		}
	}

	if debt, err := r.ledger.DebtOf(ctx, user); err != nil {
		r.log.Warn("对账时负债读取失败", "user", user.Hex(), "error", err)
		report.Degraded = true
	} else {
		report.Debt = ledger.FromWei(debt)
	}

	if balance, err := r.ledger.IssuedTokenBalance(ctx, user); err != nil {
		r.log.Warn("对账时代币余额读取失败", "user", user.Hex(), "error", err)
		report.Degraded = true
	} else {
		report.TokenBalance = ledger.FromWei(balance)
	}

	switch {
	case report.Debt.IsPositive() && report.TokenBalance.IsPositive():
		report.Status = StatusCompleted
	case report.Debt.IsPositive():
		report.Status = StatusProcessing
	default:
		report.Status = StatusNotStarted
	}

	// 处理中的结论可能落后于链上事实：目标链可能刚刚放款。
	if report.Status == StatusProcessing {
		if issued, err := r.issuance.FilterLoanIssued(ctx, r.issuanceVault, user, issuedEventLookback); err != nil {
			r.log.Warn("放款事件扫描失败", "user", user.Hex(), "error", err)
		} else if len(issued) > 0 {
			report.Issued = issued
			report.Status = StatusCompleted
		}
	}

	return report
}

// TransactionStatus 查询任一条链上交易的回执状态。先查源链，
// 未找到再查发行链。
func (r *Reconciler) TransactionStatus(ctx context.Context, txHash string) (web3.TxStatus, string, error) {
	hash := common.HexToHash(txHash)

	status, err := r.collateral.TransactionStatus(ctx, hash)
	if err == nil && status.State != web3.TxStateNotFound {
		return status, r.collateral.Name(), nil
	}
	if err != nil {
		r.log.Warn("抵押链回执查询失败", "tx", txHash, "error", err)
	}

	status, err = r.issuance.TransactionStatus(ctx, hash)
	if err != nil {
		return web3.TxStatus{State: web3.TxStateNotFound}, "", err
	}
	return status, r.issuance.Name(), nil
}
