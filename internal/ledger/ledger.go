// Package ledger 聚合两条链上的账本读数：抵押链金库的担保与负债、
// 发行链上的代币余额与授权 nonce。所有读失败都降级为零值并打上
// Degraded 标记，由上层决定是否继续。
package ledger

import (
	"context"
	"log/slog"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/cmdhema/lootpang-agent-llm/internal/config"
	xerrors "github.com/cmdhema/lootpang-agent-llm/internal/errors"
	"github.com/cmdhema/lootpang-agent-llm/internal/web3"
	"github.com/cmdhema/lootpang-agent-llm/pkg/logger"
)

var weiPerETH = decimal.New(1, 18)

// Snapshot 是一次用户账本读取的汇总结果。金额为人类可读单位。
type Snapshot struct {
	// Collateral 是抵押链金库中锁定的 ETH。
	Collateral decimal.Decimal
	// Debt 是尚未偿还的代币数量。
	Debt decimal.Decimal
	// CollateralWei、DebtWei 保留原始链上读数。
	CollateralWei *big.Int
	DebtWei       *big.Int
	// Degraded 表示至少一次链上读取失败，数值按零处理。
	Degraded bool
}

// Reader 持有两条链的客户端与合约地址。
type Reader struct {
	collateral web3.Client
	issuance   web3.Client

	collateralVault common.Address
	issuanceVault   common.Address
	issuedToken     common.Address

	log *slog.Logger
}

// NewReader 创建账本读取器。
func NewReader(collateral, issuance web3.Client, contracts config.ContractsConfig) *Reader {
	return &Reader{
		collateral:      collateral,
		issuance:        issuance,
		collateralVault: common.HexToAddress(contracts.CollateralVault),
		issuanceVault:   common.HexToAddress(contracts.IssuanceVault),
		issuedToken:     common.HexToAddress(contracts.IssuedToken),
		log:             logger.Named("ledger"),
	}
}

// Snapshot 读取用户的担保与负债。任一读取失败不会中断整体流程：
// 失败项按零计，并在返回值上标记 Degraded。
func (r *Reader) Snapshot(ctx context.Context, user common.Address) Snapshot {
	snap := Snapshot{
		CollateralWei: big.NewInt(0),
		DebtWei:       big.NewInt(0),
	}

	if collateral, err := r.collateral.VaultCollateral(ctx, r.collateralVault, user); err != nil {
		r.log.Warn("担保读取失败，按零处理", "user", user.Hex(), "error", err)
		snap.Degraded = true
	} else {
		snap.CollateralWei = collateral
	}

	if debt, err := r.collateral.VaultDebt(ctx, r.collateralVault, user); err != nil {
		r.log.Warn("负债读取失败，按零处理", "user", user.Hex(), "error", err)
		snap.Degraded = true
	} else {
		snap.DebtWei = debt
	}

	snap.Collateral = FromWei(snap.CollateralWei)
	snap.Debt = FromWei(snap.DebtWei)
	return snap
}

// CollateralOf 返回抵押链金库中用户的担保（wei）。
func (r *Reader) CollateralOf(ctx context.Context, user common.Address) (*big.Int, error) {
	value, err := r.collateral.VaultCollateral(ctx, r.collateralVault, user)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeChainFailure, err, "担保读取失败")
	}
	return value, nil
}

// DebtOf 返回用户的未偿负债（代币最小单位）。
func (r *Reader) DebtOf(ctx context.Context, user common.Address) (*big.Int, error) {
	value, err := r.collateral.VaultDebt(ctx, r.collateralVault, user)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeChainFailure, err, "负债读取失败")
	}
	return value, nil
}

// LoanNonce 返回发行链金库上用户的授权 nonce。
func (r *Reader) LoanNonce(ctx context.Context, user common.Address) (*big.Int, error) {
	value, err := r.issuance.VaultNonce(ctx, r.issuanceVault, user)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeChainFailure, err, "放款 nonce 读取失败")
	}
	return value, nil
}

// DepositNonce 返回抵押链金库上用户的授权 nonce。
func (r *Reader) DepositNonce(ctx context.Context, user common.Address) (*big.Int, error) {
	value, err := r.collateral.VaultNonce(ctx, r.collateralVault, user)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeChainFailure, err, "预充 nonce 读取失败")
	}
	return value, nil
}

// IssuedTokenBalance 返回用户在发行链上的代币余额。
func (r *Reader) IssuedTokenBalance(ctx context.Context, user common.Address) (*big.Int, error) {
	value, err := r.issuance.TokenBalance(ctx, r.issuedToken, user)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeChainFailure, err, "代币余额读取失败")
	}
	return value, nil
}

// RelayerBalance 返回抵押链上中继账户的原生币余额（wei）。
// 放款与预充两类交易都由中继在抵押链上提交。
func (r *Reader) RelayerBalance(ctx context.Context) (*big.Int, error) {
	value, err := r.collateral.BalanceAt(ctx, r.collateral.RelayerAddress())
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeChainFailure, err, "中继余额读取失败")
	}
	return value, nil
}

// FromWei 把 wei 转成 18 位小数的人类可读值。
func FromWei(wei *big.Int) decimal.Decimal {
	if wei == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(wei, 0).Div(weiPerETH)
}

// ToWei 把人类可读值转成 wei，向下取整到整数 wei。
func ToWei(value decimal.Decimal) *big.Int {
	return value.Mul(weiPerETH).Floor().BigInt()
}
