package web3

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// TxState classifies the lifecycle of an on-chain transaction as seen from
// the origin chain.
type TxState string

const (
	TxStateNotFound TxState = "NOT_FOUND"
	TxStatePending  TxState = "PENDING"
	TxStateSuccess  TxState = "SUCCESS"
	TxStateFailed   TxState = "FAILED"
)

// TxStatus is the result of a receipt lookup.
type TxStatus struct {
	State       TxState
	BlockNumber uint64
	GasUsed     uint64
}

// SubmissionResult captures a mined transaction.
type SubmissionResult struct {
	TxHash      common.Hash
	BlockNumber uint64
}

// LendParams carries everything the vault sender contract needs to relay a
// signed loan authorization across chains.
type LendParams struct {
	ChainSelector *big.Int
	Receiver      common.Address
	User          common.Address
	Amount        *big.Int
	Nonce         *big.Int
	Deadline      *big.Int
	Signature     []byte
}

// DepositParams carries a signed collateral deposit. Value is attached to the
// call as native currency.
type DepositParams struct {
	User      common.Address
	Amount    *big.Int
	Nonce     *big.Int
	Deadline  *big.Int
	Signature []byte
}

// LoanIssued is a decoded vault issuance event.
type LoanIssued struct {
	User        common.Address
	Amount      *big.Int
	BlockNumber uint64
	TxHash      common.Hash
}

// Client defines the chain capability consumed by the lending core. Two
// instances exist at runtime: one per chain endpoint (collateral chain and
// issuance chain). All amounts cross this boundary in wei.
type Client interface {
	Name() string
	ChainID(ctx context.Context) (*big.Int, error)

	// Read-only queries.
	BalanceAt(ctx context.Context, account common.Address) (*big.Int, error)
	VaultCollateral(ctx context.Context, vault, user common.Address) (*big.Int, error)
	VaultDebt(ctx context.Context, vault, user common.Address) (*big.Int, error)
	VaultNonce(ctx context.Context, vault, user common.Address) (*big.Int, error)
	TokenBalance(ctx context.Context, token, owner common.Address) (*big.Int, error)
	TokenDecimals(ctx context.Context, token common.Address) (uint8, error)

	// Relayer-signed submissions. Each awaits inclusion before returning.
	RelayerAddress() common.Address
	SendLendRequest(ctx context.Context, sender common.Address, params LendParams) (SubmissionResult, error)
	DepositCollateral(ctx context.Context, vault common.Address, params DepositParams) (SubmissionResult, error)
	TokenTransfer(ctx context.Context, token, to common.Address, amount *big.Int) (SubmissionResult, error)

	// Reconciliation queries.
	TransactionStatus(ctx context.Context, hash common.Hash) (TxStatus, error)
	FilterLoanIssued(ctx context.Context, vault, user common.Address, lookbackBlocks uint64) ([]LoanIssued, error)

	Close()
}
