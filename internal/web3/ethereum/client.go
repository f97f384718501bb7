package ethereum

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	gethrpc "github.com/ethereum/go-ethereum/rpc"

	"github.com/cmdhema/lootpang-agent-llm/internal/web3"
)

// The lending protocol surface. Only the fragments the agent calls are
// declared; the deployed contracts carry more.
const vaultABIJSON = `[
	{"type":"function","name":"getCollateral","stateMutability":"view","inputs":[{"name":"user","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"getDebt","stateMutability":"view","inputs":[{"name":"user","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"nonces","stateMutability":"view","inputs":[{"name":"user","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"depositCollateralWithSignature","stateMutability":"payable","inputs":[{"name":"user","type":"address"},{"name":"amount","type":"uint256"},{"name":"nonce","type":"uint256"},{"name":"deadline","type":"uint256"},{"name":"signature","type":"bytes"}],"outputs":[]},
	{"type":"event","name":"LoanIssued","inputs":[{"name":"user","type":"address","indexed":true},{"name":"amount","type":"uint256","indexed":false}],"anonymous":false}
]`

const senderABIJSON = `[
	{"type":"function","name":"sendLendRequestWithSignature","stateMutability":"payable","inputs":[{"name":"destinationChainSelector","type":"uint64"},{"name":"receiver","type":"address"},{"name":"user","type":"address"},{"name":"amount","type":"uint256"},{"name":"nonce","type":"uint256"},{"name":"deadline","type":"uint256"},{"name":"signature","type":"bytes"}],"outputs":[]}
]`

const erc20ABIJSON = `[
	{"type":"function","name":"balanceOf","stateMutability":"view","inputs":[{"name":"owner","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"decimals","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint8"}]},
	{"type":"function","name":"transfer","stateMutability":"nonpayable","inputs":[{"name":"to","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]}
]`

// Gas limits mirror what the deployed contracts were observed to need.
const (
	lendGasLimit     = 500_000
	depositGasLimit  = 200_000
	transferGasLimit = 100_000
)

// Config describes how to construct an EVM compatible client.
type Config struct {
	Name       string
	RPCURL     string
	ChainID    int64
	RelayerKey string
}

// Client implements the web3.Client interface for EVM compatible chains.
type Client struct {
	name      string
	rpcClient *gethrpc.Client
	eth       *ethclient.Client
	chainID   *big.Int

	relayerKey  *ecdsa.PrivateKey
	relayerAddr common.Address

	vaultABI  abi.ABI
	senderABI abi.ABI
	erc20ABI  abi.ABI
}

// NewClient dials the configured RPC endpoint and returns a ready-to-use client.
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	rpcURL := strings.TrimSpace(cfg.RPCURL)
	if rpcURL == "" {
		return nil, errors.New("未配置链节点 RPC 地址")
	}
	if cfg.ChainID <= 0 {
		return nil, errors.New("未配置链 ID")
	}

	rpcClient, err := gethrpc.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("连接链节点失败: %w", err)
	}

	c := &Client{
		name:      cfg.Name,
		rpcClient: rpcClient,
		eth:       ethclient.NewClient(rpcClient),
		chainID:   big.NewInt(cfg.ChainID),
	}

	if key := strings.TrimSpace(strings.TrimPrefix(cfg.RelayerKey, "0x")); key != "" {
		privKey, err := crypto.HexToECDSA(key)
		if err != nil {
			rpcClient.Close()
			return nil, fmt.Errorf("解析中继私钥失败: %w", err)
		}
		c.relayerKey = privKey
		c.relayerAddr = crypto.PubkeyToAddress(privKey.PublicKey)
	}

	if c.vaultABI, err = abi.JSON(strings.NewReader(vaultABIJSON)); err != nil {
		return nil, fmt.Errorf("解析 Vault ABI 失败: %w", err)
	}
	if c.senderABI, err = abi.JSON(strings.NewReader(senderABIJSON)); err != nil {
		return nil, fmt.Errorf("解析 Sender ABI 失败: %w", err)
	}
	if c.erc20ABI, err = abi.JSON(strings.NewReader(erc20ABIJSON)); err != nil {
		return nil, fmt.Errorf("解析 ERC20 ABI 失败: %w", err)
	}

	return c, nil
}

// Name identifies the chain endpoint.
func (c *Client) Name() string {
	return c.name
}

// ChainID returns the configured chain identifier.
func (c *Client) ChainID(_ context.Context) (*big.Int, error) {
	if c.chainID == nil {
		return nil, errors.New("未配置链 ID")
	}
	return new(big.Int).Set(c.chainID), nil
}

// Close releases network connections held by the client.
func (c *Client) Close() {
	if c.rpcClient != nil {
		c.rpcClient.Close()
		c.rpcClient = nil
		c.eth = nil
	}
}

// BalanceAt returns the native currency balance of an account.
func (c *Client) BalanceAt(ctx context.Context, account common.Address) (*big.Int, error) {
	if c.eth == nil {
		return nil, errors.New("未初始化的链客户端")
	}
	return c.eth.BalanceAt(ctx, account, nil)
}

// VaultCollateral reads the collateral an account holds in the vault.
func (c *Client) VaultCollateral(ctx context.Context, vault, user common.Address) (*big.Int, error) {
	return c.callUint256(ctx, vault, c.vaultABI, "getCollateral", user)
}

// VaultDebt reads the outstanding debt recorded for an account.
func (c *Client) VaultDebt(ctx context.Context, vault, user common.Address) (*big.Int, error) {
	return c.callUint256(ctx, vault, c.vaultABI, "getDebt", user)
}

// VaultNonce reads the current authorization nonce for an account. This is
// the counter every signed authorization must bind exactly.
func (c *Client) VaultNonce(ctx context.Context, vault, user common.Address) (*big.Int, error) {
	return c.callUint256(ctx, vault, c.vaultABI, "nonces", user)
}

// TokenBalance reads the ERC-20 balance of an owner.
func (c *Client) TokenBalance(ctx context.Context, token, owner common.Address) (*big.Int, error) {
	return c.callUint256(ctx, token, c.erc20ABI, "balanceOf", owner)
}

// TokenDecimals reads the ERC-20 decimals value.
func (c *Client) TokenDecimals(ctx context.Context, token common.Address) (uint8, error) {
	if c.eth == nil {
		return 0, errors.New("未初始化的链客户端")
	}
	contract := bind.NewBoundContract(token, c.erc20ABI, c.eth, c.eth, c.eth)
	var out []any
	if err := contract.Call(&bind.CallOpts{Context: ctx}, &out, "decimals"); err != nil {
		return 0, fmt.Errorf("查询 decimals 失败: %w", err)
	}
	if len(out) == 0 {
		return 0, errors.New("decimals 响应为空")
	}
	decimals, ok := out[0].(uint8)
	if !ok {
		return 0, fmt.Errorf("decimals 类型异常: %T", out[0])
	}
	return decimals, nil
}

// RelayerAddress returns the address of the configured submission key.
func (c *Client) RelayerAddress() common.Address {
	return c.relayerAddr
}

// SendLendRequest relays a signed loan authorization through the vault sender
// contract and waits for origin-chain inclusion. Cross-chain delivery keeps
// running long after this returns.
func (c *Client) SendLendRequest(ctx context.Context, sender common.Address, params web3.LendParams) (web3.SubmissionResult, error) {
	return c.transact(ctx, sender, c.senderABI, lendGasLimit, nil,
		"sendLendRequestWithSignature",
		params.ChainSelector.Uint64(),
		params.Receiver,
		params.User,
		params.Amount,
		params.Nonce,
		params.Deadline,
		params.Signature,
	)
}

// DepositCollateral submits a signed collateral deposit. The deposit amount
// rides along as call value.
func (c *Client) DepositCollateral(ctx context.Context, vault common.Address, params web3.DepositParams) (web3.SubmissionResult, error) {
	return c.transact(ctx, vault, c.vaultABI, depositGasLimit, params.Amount,
		"depositCollateralWithSignature",
		params.User,
		params.Amount,
		params.Nonce,
		params.Deadline,
		params.Signature,
	)
}

// TokenTransfer pays out ERC-20 tokens from the relayer wallet.
func (c *Client) TokenTransfer(ctx context.Context, token, to common.Address, amount *big.Int) (web3.SubmissionResult, error) {
	return c.transact(ctx, token, c.erc20ABI, transferGasLimit, nil, "transfer", to, amount)
}

// TransactionStatus looks up a transaction and its receipt on this chain.
func (c *Client) TransactionStatus(ctx context.Context, hash common.Hash) (web3.TxStatus, error) {
	if c.eth == nil {
		return web3.TxStatus{}, errors.New("未初始化的链客户端")
	}
	_, pending, err := c.eth.TransactionByHash(ctx, hash)
	if err != nil {
		if errors.Is(err, gethcore.NotFound) {
			return web3.TxStatus{State: web3.TxStateNotFound}, nil
		}
		return web3.TxStatus{}, fmt.Errorf("查询交易失败: %w", err)
	}
	if pending {
		return web3.TxStatus{State: web3.TxStatePending}, nil
	}

	receipt, err := c.eth.TransactionReceipt(ctx, hash)
	if err != nil {
		if errors.Is(err, gethcore.NotFound) {
			return web3.TxStatus{State: web3.TxStatePending}, nil
		}
		return web3.TxStatus{}, fmt.Errorf("查询交易回执失败: %w", err)
	}

	status := web3.TxStatus{
		BlockNumber: receipt.BlockNumber.Uint64(),
		GasUsed:     receipt.GasUsed,
	}
	if receipt.Status == 1 {
		status.State = web3.TxStateSuccess
	} else {
		status.State = web3.TxStateFailed
	}
	return status, nil
}

// FilterLoanIssued scans a bounded recent block range for the vault's
// LoanIssued events concerning a single user.
func (c *Client) FilterLoanIssued(ctx context.Context, vault, user common.Address, lookbackBlocks uint64) ([]web3.LoanIssued, error) {
	if c.eth == nil {
		return nil, errors.New("未初始化的链客户端")
	}

	head, err := c.eth.BlockNumber(ctx)
	if err != nil {
		return nil, fmt.Errorf("查询最新区块失败: %w", err)
	}
	fromBlock := uint64(0)
	if head > lookbackBlocks {
		fromBlock = head - lookbackBlocks
	}

	eventID := c.vaultABI.Events["LoanIssued"].ID
	logs, err := c.eth.FilterLogs(ctx, gethcore.FilterQuery{
		FromBlock: new(big.Int).SetUint64(fromBlock),
		ToBlock:   new(big.Int).SetUint64(head),
		Addresses: []common.Address{vault},
		Topics:    [][]common.Hash{{eventID}, {common.BytesToHash(user.Bytes())}},
	})
	if err != nil {
		return nil, fmt.Errorf("查询 LoanIssued 事件失败: %w", err)
	}

	events := make([]web3.LoanIssued, 0, len(logs))
	for _, entry := range logs {
		unpacked, err := c.vaultABI.Unpack("LoanIssued", entry.Data)
		if err != nil || len(unpacked) == 0 {
			continue
		}
		amount, ok := unpacked[0].(*big.Int)
		if !ok {
			continue
		}
		events = append(events, web3.LoanIssued{
			User:        user,
			Amount:      amount,
			BlockNumber: entry.BlockNumber,
			TxHash:      entry.TxHash,
		})
	}
	return events, nil
}

func (c *Client) callUint256(ctx context.Context, target common.Address, parsed abi.ABI, method string, args ...any) (*big.Int, error) {
	if c.eth == nil {
		return nil, errors.New("未初始化的链客户端")
	}
	contract := bind.NewBoundContract(target, parsed, c.eth, c.eth, c.eth)
	var out []any
	if err := contract.Call(&bind.CallOpts{Context: ctx}, &out, method, args...); err != nil {
		return nil, fmt.Errorf("调用 %s 失败: %w", method, err)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%s 响应为空", method)
	}
	value, ok := out[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("%s 返回类型异常: %T", method, out[0])
	}
	return value, nil
}

func (c *Client) transact(ctx context.Context, target common.Address, parsed abi.ABI, gasLimit uint64, value *big.Int, method string, args ...any) (web3.SubmissionResult, error) {
	if c.eth == nil {
		return web3.SubmissionResult{}, errors.New("未初始化的链客户端")
	}
	if c.relayerKey == nil {
		return web3.SubmissionResult{}, errors.New("当前客户端未配置中继私钥")
	}

	opts, err := bind.NewKeyedTransactorWithChainID(c.relayerKey, c.chainID)
	if err != nil {
		return web3.SubmissionResult{}, fmt.Errorf("构建交易签名器失败: %w", err)
	}
	opts.Context = ctx
	opts.GasLimit = gasLimit
	if value != nil {
		opts.Value = new(big.Int).Set(value)
	}

	contract := bind.NewBoundContract(target, parsed, c.eth, c.eth, c.eth)
	tx, err := contract.Transact(opts, method, args...)
	if err != nil {
		return web3.SubmissionResult{}, fmt.Errorf("发送 %s 交易失败: %w", method, err)
	}

	receipt, err := bind.WaitMined(ctx, c.eth, tx)
	if err != nil {
		return web3.SubmissionResult{}, fmt.Errorf("等待交易上链失败: %w", err)
	}
	if receipt.Status != 1 {
		return web3.SubmissionResult{TxHash: tx.Hash(), BlockNumber: receipt.BlockNumber.Uint64()},
			fmt.Errorf("交易 %s 执行回滚", tx.Hash())
	}

	return web3.SubmissionResult{TxHash: tx.Hash(), BlockNumber: receipt.BlockNumber.Uint64()}, nil
}
