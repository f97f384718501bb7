// Package loan 实现借贷会话编排器：把解析出的意图映射到状态迁移、
// 链上读写与签名协议动作。一个用户一次只处理一条消息。
package loan

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/cmdhema/lootpang-agent-llm/internal/config"
	xerrors "github.com/cmdhema/lootpang-agent-llm/internal/errors"
	"github.com/cmdhema/lootpang-agent-llm/internal/intent"
	"github.com/cmdhema/lootpang-agent-llm/internal/ledger"
	"github.com/cmdhema/lootpang-agent-llm/internal/reconcile"
	"github.com/cmdhema/lootpang-agent-llm/internal/session"
	"github.com/cmdhema/lootpang-agent-llm/internal/signing"
	"github.com/cmdhema/lootpang-agent-llm/internal/web3"
	"github.com/cmdhema/lootpang-agent-llm/pkg/logger"
)

// 回包中提示前端发起钱包签名的动作名。
const (
	ActionRequestLoanSignature    = "request_loan_signature"
	ActionRequestDepositSignature = "request_deposit_signature"
)

// Response 是编排器对一条入站消息的完整应答。
type Response struct {
	ID     string `json:"id"`
	Text   string `json:"text"`
	IsUser bool   `json:"isUser"`
	// Action 非空时提示前端执行本地动作（通常是发起钱包签名）。
	Action string `json:"action,omitempty"`
	// DataToSign 是 eth_signTypedData_v4 的完整入参。
	DataToSign *apitypes.TypedData `json:"dataToSign,omitempty"`
	TxHash     string              `json:"txHash,omitempty"`
}

// Notifier 把关键事件转发到外部通道，失败不影响主流程。
type Notifier interface {
	Notify(ctx context.Context, event string, fields map[string]string)
}

// Config 汇总编排器的全部依赖。
type Config struct {
	Sessions   *session.Store
	Resolver   *intent.Resolver
	Ledger     *ledger.Reader
	Reconciler *reconcile.Reconciler
	Protocol   *signing.Protocol

	// Collateral 是提交链客户端，Issuance 是放款链客户端。
	Collateral web3.Client
	Issuance   web3.Client

	Contracts     config.ContractsConfig
	ChainSelector string
	Lending       config.LendingConfig

	// Notifier 可为 nil。
	Notifier Notifier
}

// Orchestrator 是借贷会话的唯一写入方。
type Orchestrator struct {
	sessions   *session.Store
	resolver   *intent.Resolver
	ledger     *ledger.Reader
	reconciler *reconcile.Reconciler
	protocol   *signing.Protocol

	collateral web3.Client
	issuance   web3.Client

	collateralVault common.Address
	vaultSender     common.Address
	issuanceVault   common.Address
	vaultReceiver   common.Address
	chainSelector   *big.Int

	tokensPerETH  decimal.Decimal
	ratio         decimal.Decimal
	minRelayerWei *big.Int

	chainIDMu         sync.Mutex
	collateralChainID *big.Int
	issuanceChainID   *big.Int

	notifier Notifier
	log      *slog.Logger
}

// NewOrchestrator 校验静态配置并创建编排器。
func NewOrchestrator(cfg Config) (*Orchestrator, error) {
	selector, ok := new(big.Int).SetString(cfg.ChainSelector, 10)
	if !ok {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "链路选择器不是十进制整数",
			xerrors.WithMetadata("chain_selector", cfg.ChainSelector))
	}
	tokensPerETH, err := decimal.NewFromString(cfg.Lending.TokensPerETH)
	if err != nil || !tokensPerETH.IsPositive() {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "tokens_per_eth 配置非法")
	}
	ratio, err := decimal.NewFromString(cfg.Lending.CollateralRatio)
	if err != nil || !ratio.IsPositive() {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "collateral_ratio 配置非法")
	}
	minBalance, err := decimal.NewFromString(cfg.Lending.MinRelayerBalanceETH)
	if err != nil || minBalance.IsNegative() {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "min_relayer_balance_eth 配置非法")
	}

	return &Orchestrator{
		sessions:        cfg.Sessions,
		resolver:        cfg.Resolver,
		ledger:          cfg.Ledger,
		reconciler:      cfg.Reconciler,
		protocol:        cfg.Protocol,
		collateral:      cfg.Collateral,
		issuance:        cfg.Issuance,
		collateralVault: common.HexToAddress(cfg.Contracts.CollateralVault),
		vaultSender:     common.HexToAddress(cfg.Contracts.VaultSender),
		issuanceVault:   common.HexToAddress(cfg.Contracts.IssuanceVault),
		vaultReceiver:   common.HexToAddress(cfg.Contracts.VaultReceiver),
		chainSelector:   selector,
		tokensPerETH:    tokensPerETH,
		ratio:           ratio,
		minRelayerWei:   ledger.ToWei(minBalance),
		notifier:        cfg.Notifier,
		log:             logger.Named("loan"),
	}, nil
}

// HandleMessage 处理一条用户消息并返回应答。整个回合持有该用户的
// 会话锁，同一用户的并发消息被严格串行化。
func (o *Orchestrator) HandleMessage(ctx context.Context, userID, text string) *Response {
	o.sessions.Lock(userID)
	defer o.sessions.Unlock(userID)

	sess := o.sessions.Get(userID)
	o.sessions.AppendHistory(userID, session.RoleUser, text)

	snap := o.snapshotFor(ctx, userID)
	it := o.resolver.Resolve(ctx, text, sess, snap.Collateral.String(), snap.Debt.String())
	o.log.Info("消息解析完成",
		"user", userID, "state", sess.State, "intent", it.Name, "from_rule", it.FromRule)

	resp := o.dispatch(ctx, sess, it, text, snap)
	if resp.ID == "" {
		resp.ID = uuid.NewString()
	}
	o.sessions.AppendHistory(userID, session.RoleAssistant, resp.Text)
	return resp
}

func (o *Orchestrator) dispatch(ctx context.Context, sess *session.UserSession, it intent.Intent, text string, snap ledger.Snapshot) *Response {
	switch it.Name {
	case intent.NameBorrow:
		return o.handleBorrow(ctx, sess, it, snap)
	case intent.NameDeposit:
		return o.handleDepositInquiry(sess, snap)
	case intent.NameDepositWithAmount:
		return o.handleDepositWithAmount(ctx, sess, it)
	case intent.NameConfirmDeposit:
		return o.handleConfirmDeposit(sess)
	case intent.NameDepositCompleted:
		return o.handleDepositCompleted(ctx, sess)
	case intent.NameSignature:
		return o.handleLoanSignature(ctx, sess, text)
	case intent.NameDepositSignature:
		return o.handleDepositSignature(ctx, sess, text)
	case intent.NameCheckLoanStatus:
		return o.handleCheckLoanStatus(ctx, sess, it)
	default:
		return o.handleGeneral(sess, it)
	}
}

// snapshotFor 读取用户账本。用户标识不是合法地址时返回零值快照。
func (o *Orchestrator) snapshotFor(ctx context.Context, userID string) ledger.Snapshot {
	if !common.IsHexAddress(userID) {
		return ledger.Snapshot{
			CollateralWei: big.NewInt(0),
			DebtWei:       big.NewInt(0),
		}
	}
	return o.ledger.Snapshot(ctx, common.HexToAddress(userID))
}

// requiredCollateral 计算金额对应的最低担保：amount * ratio / tokensPerETH。
// 先乘后除，避免中间商数被截断。
func (o *Orchestrator) requiredCollateral(amount decimal.Decimal) decimal.Decimal {
	return amount.Mul(o.ratio).Div(o.tokensPerETH)
}

func (o *Orchestrator) handleBorrow(ctx context.Context, sess *session.UserSession, it intent.Intent, snap ledger.Snapshot) *Response {
	userAddr, ok := o.userAddress(sess.UserID)
	if !ok {
		return reply("To take out a loan I need your wallet address as your user id. Please reconnect with your address.")
	}

	amountStr := it.Context[session.CtxAmount]
	amount, err := decimal.NewFromString(amountStr)
	if err != nil || !amount.IsPositive() {
		return reply("How much would you like to borrow? For example: \"borrow 100 kkcoin\".")
	}
	token := it.Context[session.CtxToken]
	if token == "" {
		token = "kkcoin"
	}

	if snap.Degraded {
		return reply("I couldn't read your on-chain collateral right now. Please try again in a moment.")
	}

	required := o.requiredCollateral(amount)
	if snap.Collateral.GreaterThanOrEqual(required) {
		return o.prepareLoanSignature(ctx, sess, userAddr, amount, token)
	}

	shortfall := required.Sub(snap.Collateral)
	next := session.StateAwaitingDepositOK
	o.sessions.Update(sess.UserID, session.Partial{
		State: &next,
		Context: map[string]string{
			session.CtxAmount:             amount.String(),
			session.CtxToken:              token,
			session.CtxRequiredCollateral: required.String(),
			session.CtxShortfall:          shortfall.String(),
		},
	})
	return reply(fmt.Sprintf(
		"Borrowing %s %s requires %s ETH of collateral, but you currently have %s ETH. "+
			"You need to deposit %s ETH more. Would you like to proceed with the deposit? (yes/no)",
		amount, token, required, snap.Collateral, shortfall))
}

func (o *Orchestrator) handleDepositInquiry(sess *session.UserSession, snap ledger.Snapshot) *Response {
	if snap.Degraded {
		return reply("I couldn't read your on-chain collateral right now. Please try again in a moment.")
	}
	next := session.StateAwaitingDeposit
	o.sessions.Update(sess.UserID, session.Partial{State: &next})
	return reply(fmt.Sprintf(
		"Your current collateral is %s ETH. Tell me how much you'd like to deposit, "+
			"for example: \"deposit 0.1 ETH\".", snap.Collateral))
}

func (o *Orchestrator) handleConfirmDeposit(sess *session.UserSession) *Response {
	shortfall := sess.Context[session.CtxShortfall]
	next := session.StateAwaitingDeposit
	o.sessions.Update(sess.UserID, session.Partial{State: &next})

	if shortfall == "" {
		return reply("Tell me how much ETH you'd like to deposit, for example: \"deposit 0.1 ETH\".")
	}
	return reply(fmt.Sprintf(
		"Please deposit %s ETH as collateral. Say \"deposit %s ETH\" and I'll prepare a "+
			"signature request, or tell me \"done\" once you've deposited on your own.",
		shortfall, shortfall))
}

func (o *Orchestrator) handleDepositWithAmount(ctx context.Context, sess *session.UserSession, it intent.Intent) *Response {
	userAddr, ok := o.userAddress(sess.UserID)
	if !ok {
		return reply("To deposit collateral I need your wallet address as your user id. Please reconnect with your address.")
	}
	amount, err := decimal.NewFromString(it.Context[session.CtxDepositAmount])
	if err != nil || !amount.IsPositive() {
		return reply("How much ETH would you like to deposit? For example: \"deposit 0.1 ETH\".")
	}
	return o.prepareDepositSignature(ctx, sess, userAddr, amount)
}

func (o *Orchestrator) handleDepositCompleted(ctx context.Context, sess *session.UserSession) *Response {
	userAddr, ok := o.userAddress(sess.UserID)
	if !ok {
		return reply("I need your wallet address as your user id to check collateral.")
	}

	snap := o.ledger.Snapshot(ctx, userAddr)
	if snap.Degraded {
		return reply("I couldn't verify your collateral on-chain yet. Please try again in a moment.")
	}

	amountStr := sess.Context[session.CtxAmount]
	if amountStr == "" {
		o.sessions.Reset(sess.UserID)
		return reply(fmt.Sprintf("Your collateral is now %s ETH. What would you like to do next?", snap.Collateral))
	}

	amount, err := decimal.NewFromString(amountStr)
	if err != nil || !amount.IsPositive() {
		o.sessions.Reset(sess.UserID)
		return reply(fmt.Sprintf("Your collateral is now %s ETH. What would you like to do next?", snap.Collateral))
	}

	required := o.requiredCollateral(amount)
	if snap.Collateral.GreaterThanOrEqual(required) {
		token := sess.Context[session.CtxToken]
		if token == "" {
			token = "kkcoin"
		}
		return o.prepareLoanSignature(ctx, sess, userAddr, amount, token)
	}

	shortfall := required.Sub(snap.Collateral)
	o.sessions.Update(sess.UserID, session.Partial{
		Context: map[string]string{session.CtxShortfall: shortfall.String()},
	})
	return reply(fmt.Sprintf(
		"Your collateral is %s ETH but borrowing %s requires %s ETH. "+
			"You still need %s ETH more.", snap.Collateral, amountStr, required, shortfall))
}

// prepareLoanSignature 用实时 nonce 签发放款授权并请求钱包签名。
func (o *Orchestrator) prepareLoanSignature(ctx context.Context, sess *session.UserSession, user common.Address, amount decimal.Decimal, token string) *Response {
	nonce, err := o.ledger.LoanNonce(ctx, user)
	if err != nil {
		o.log.Error("放款 nonce 读取失败", "user", sess.UserID, "error", err)
		return reply("I couldn't reach the issuance chain to prepare your loan. Please try again in a moment.")
	}
	chainID, err := o.issuanceChain(ctx)
	if err != nil {
		o.log.Error("发行链 chainId 读取失败", "error", err)
		return reply("I couldn't reach the issuance chain to prepare your loan. Please try again in a moment.")
	}

	auth := o.protocol.Issue(signing.KindLoan, user, ledger.ToWei(amount), nonce, chainID, o.issuanceVault)
	typed := auth.TypedData()

	next := session.StateAwaitingSignature
	o.sessions.Update(sess.UserID, session.Partial{
		State: &next,
		Context: map[string]string{
			session.CtxAmount:       amount.String(),
			session.CtxToken:        token,
			session.CtxLoanNonce:    auth.Nonce.String(),
			session.CtxLoanDeadline: auth.Deadline.String(),
		},
	})
	return &Response{
		Text: fmt.Sprintf(
			"You have sufficient collateral. Please sign the loan authorization for %s %s "+
				"with your wallet to proceed.", amount, token),
		Action:     ActionRequestLoanSignature,
		DataToSign: &typed,
	}
}

// prepareDepositSignature 用实时 nonce 签发预充授权并请求钱包签名。
func (o *Orchestrator) prepareDepositSignature(ctx context.Context, sess *session.UserSession, user common.Address, amount decimal.Decimal) *Response {
	nonce, err := o.ledger.DepositNonce(ctx, user)
	if err != nil {
		o.log.Error("预充 nonce 读取失败", "user", sess.UserID, "error", err)
		return reply("I couldn't reach the collateral chain to prepare your deposit. Please try again in a moment.")
	}
	chainID, err := o.collateralChain(ctx)
	if err != nil {
		o.log.Error("抵押链 chainId 读取失败", "error", err)
		return reply("I couldn't reach the collateral chain to prepare your deposit. Please try again in a moment.")
	}

	auth := o.protocol.Issue(signing.KindDeposit, user, ledger.ToWei(amount), nonce, chainID, o.collateralVault)
	typed := auth.TypedData()

	next := session.StateAwaitingDepositSig
	o.sessions.Update(sess.UserID, session.Partial{
		State: &next,
		Context: map[string]string{
			session.CtxDepositAmount:   amount.String(),
			session.CtxDepositNonce:    auth.Nonce.String(),
			session.CtxDepositDeadline: auth.Deadline.String(),
		},
	})
	return &Response{
		Text: fmt.Sprintf(
			"Please sign the deposit authorization for %s ETH with your wallet. "+
				"I'll submit the deposit once I receive your signature.", amount),
		Action:     ActionRequestDepositSignature,
		DataToSign: &typed,
	}
}

func (o *Orchestrator) handleLoanSignature(ctx context.Context, sess *session.UserSession, signatureHex string) *Response {
	userAddr, ok := o.userAddress(sess.UserID)
	if !ok {
		return reply("I need your wallet address as your user id to process the signature.")
	}

	amount, err := decimal.NewFromString(sess.Context[session.CtxAmount])
	if err != nil || !amount.IsPositive() {
		o.sessions.Reset(sess.UserID)
		return reply("I lost track of your loan request. Please start over, for example: \"borrow 100 kkcoin\".")
	}
	token := sess.Context[session.CtxToken]
	if token == "" {
		token = "kkcoin"
	}

	signedNonce, nok := new(big.Int).SetString(sess.Context[session.CtxLoanNonce], 10)
	deadline, dok := new(big.Int).SetString(sess.Context[session.CtxLoanDeadline], 10)
	if !nok || !dok {
		o.sessions.Reset(sess.UserID)
		return reply("I lost track of your loan request. Please start over, for example: \"borrow 100 kkcoin\".")
	}

	currentNonce, err := o.ledger.LoanNonce(ctx, userAddr)
	if err != nil {
		o.log.Error("放款 nonce 读取失败", "user", sess.UserID, "error", err)
		return reply("I couldn't reach the issuance chain to verify your signature. Please try again in a moment.")
	}
	chainID, err := o.issuanceChain(ctx)
	if err != nil {
		return reply("I couldn't reach the issuance chain to verify your signature. Please try again in a moment.")
	}

	auth := signing.Authorization{
		Kind:     signing.KindLoan,
		User:     userAddr,
		Amount:   ledger.ToWei(amount),
		Nonce:    signedNonce,
		Deadline: deadline,
		ChainID:  chainID,
		Contract: o.issuanceVault,
	}
	if err := o.protocol.Verify(auth, signatureHex, currentNonce); err != nil {
		return o.handleVerifyFailure(sess, err)
	}

	if resp := o.ensureRelayerFunded(ctx, sess); resp != nil {
		return resp
	}

	sigBytes, err := signing.SignatureBytes(signatureHex)
	if err != nil {
		return reply("That signature looks malformed. Please sign the authorization again.")
	}

	result, err := o.collateral.SendLendRequest(ctx, o.vaultSender, web3.LendParams{
		ChainSelector: o.chainSelector,
		Receiver:      o.vaultReceiver,
		User:          userAddr,
		Amount:        auth.Amount,
		Nonce:         auth.Nonce,
		Deadline:      auth.Deadline,
		Signature:     sigBytes,
	})
	if err != nil {
		o.log.Error("放款请求提交失败", "user", sess.UserID, "error", err)
		o.sessions.Reset(sess.UserID)
		return reply("Your loan request could not be submitted on-chain. The session has been reset. Please try again.")
	}

	txHash := result.TxHash.Hex()
	o.sessions.RecordTransaction(sess.UserID, session.TransactionRecord{
		TxHash: txHash,
		Kind:   session.TxKindLoan,
		Amount: amount.String(),
		Status: session.TxStatusProcessing,
	})
	next := session.StateLoanProcessing
	o.sessions.Update(sess.UserID, session.Partial{
		State:        &next,
		ClearContext: true,
		Context:      map[string]string{session.CtxTxHash: txHash},
	})
	o.notify(ctx, "loan_submitted", map[string]string{
		"user": sess.UserID, "amount": amount.String(), "token": token, "tx": txHash,
	})
	return &Response{
		Text: fmt.Sprintf(
			"Your loan request for %s %s has been submitted across chains (tx %s). "+
				"Token delivery usually takes a few minutes. Ask me \"what's my loan status\" anytime.",
			amount, token, txHash),
		TxHash: txHash,
	}
}

func (o *Orchestrator) handleDepositSignature(ctx context.Context, sess *session.UserSession, signatureHex string) *Response {
	userAddr, ok := o.userAddress(sess.UserID)
	if !ok {
		return reply("I need your wallet address as your user id to process the signature.")
	}

	amount, err := decimal.NewFromString(sess.Context[session.CtxDepositAmount])
	if err != nil || !amount.IsPositive() {
		o.sessions.Reset(sess.UserID)
		return reply("I lost track of your deposit request. Please start over, for example: \"deposit 0.1 ETH\".")
	}

	signedNonce, nok := new(big.Int).SetString(sess.Context[session.CtxDepositNonce], 10)
	deadline, dok := new(big.Int).SetString(sess.Context[session.CtxDepositDeadline], 10)
	if !nok || !dok {
		o.sessions.Reset(sess.UserID)
		return reply("I lost track of your deposit request. Please start over, for example: \"deposit 0.1 ETH\".")
	}

	currentNonce, err := o.ledger.DepositNonce(ctx, userAddr)
	if err != nil {
		return reply("I couldn't reach the collateral chain to verify your signature. Please try again in a moment.")
	}
	chainID, err := o.collateralChain(ctx)
	if err != nil {
		return reply("I couldn't reach the collateral chain to verify your signature. Please try again in a moment.")
	}

	auth := signing.Authorization{
		Kind:     signing.KindDeposit,
		User:     userAddr,
		Amount:   ledger.ToWei(amount),
		Nonce:    signedNonce,
		Deadline: deadline,
		ChainID:  chainID,
		Contract: o.collateralVault,
	}
	if err := o.protocol.Verify(auth, signatureHex, currentNonce); err != nil {
		return o.handleVerifyFailure(sess, err)
	}

	if resp := o.ensureRelayerFunded(ctx, sess); resp != nil {
		return resp
	}

	sigBytes, err := signing.SignatureBytes(signatureHex)
	if err != nil {
		return reply("That signature looks malformed. Please sign the authorization again.")
	}

	result, err := o.collateral.DepositCollateral(ctx, o.collateralVault, web3.DepositParams{
		User:      userAddr,
		Amount:    auth.Amount,
		Nonce:     auth.Nonce,
		Deadline:  auth.Deadline,
		Signature: sigBytes,
	})
	if err != nil {
		o.log.Error("预充提交失败", "user", sess.UserID, "error", err)
		o.sessions.Reset(sess.UserID)
		return reply("Your deposit could not be submitted on-chain. The session has been reset. Please try again.")
	}

	txHash := result.TxHash.Hex()
	o.sessions.RecordTransaction(sess.UserID, session.TransactionRecord{
		TxHash: txHash,
		Kind:   session.TxKindDeposit,
		Amount: amount.String(),
		Status: session.TxStatusCompleted,
	})
	o.notify(ctx, "deposit_confirmed", map[string]string{
		"user": sess.UserID, "amount": amount.String(), "tx": txHash,
	})

	// 预充是为了补足某笔待处理借款时，直接接着走放款签名。
	if pending := sess.Context[session.CtxAmount]; pending != "" {
		loanAmount, perr := decimal.NewFromString(pending)
		if perr == nil && loanAmount.IsPositive() {
			snap := o.ledger.Snapshot(ctx, userAddr)
			if !snap.Degraded && snap.Collateral.GreaterThanOrEqual(o.requiredCollateral(loanAmount)) {
				token := sess.Context[session.CtxToken]
				if token == "" {
					token = "kkcoin"
				}
				loanResp := o.prepareLoanSignature(ctx, sess, userAddr, loanAmount, token)
				loanResp.Text = fmt.Sprintf(
					"Deposit of %s ETH confirmed (tx %s). %s", amount, txHash, loanResp.Text)
				loanResp.TxHash = txHash
				return loanResp
			}
		}
	}

	o.sessions.Reset(sess.UserID)
	return &Response{
		Text: fmt.Sprintf(
			"Deposit of %s ETH confirmed on-chain (tx %s). What would you like to do next?",
			amount, txHash),
		TxHash: txHash,
	}
}

// handleVerifyFailure 把校验错误翻译成用户可读的应答。签名格式问题属于
// 输入错误，保持当前状态等用户重新粘贴；其余都是协议违例，授权一次性
// 有效，会话强制回到 IDLE，由用户重新发起借款。
func (o *Orchestrator) handleVerifyFailure(sess *session.UserSession, err error) *Response {
	code := xerrors.CodeOf(err)
	o.log.Warn("签名校验未通过", "user", sess.UserID, "code", code)

	if code == xerrors.CodeSignatureMalformed {
		return reply("That doesn't look like a valid signature. Please sign the authorization with your wallet and paste the result.")
	}

	o.sessions.Reset(sess.UserID)
	switch code {
	case xerrors.CodeNonceConsumed:
		return reply("That authorization was already consumed, likely by another request in flight. The session has been reset. Please start over.")
	case xerrors.CodeNonceAhead:
		return reply("That authorization is ahead of the contract's counter, which means another one is pending. The session has been reset. Please start over.")
	case xerrors.CodeDeadlineExpired:
		return reply("That authorization has expired. The session has been reset. Please start over.")
	case xerrors.CodeSignerMismatch:
		return reply("That signature was produced by a different wallet. The session has been reset. Please sign with the wallet you connected as.")
	default:
		return reply("That signature doesn't match the pending authorization. The session has been reset. Please start over.")
	}
}

// ensureRelayerFunded 在提交前确认中继账户的 gas 余额。余额不足按提交
// 失败处理：会话回到 IDLE，等用户重新发起（届时 nonce 可能已变化）。
func (o *Orchestrator) ensureRelayerFunded(ctx context.Context, sess *session.UserSession) *Response {
	balance, err := o.ledger.RelayerBalance(ctx)
	if err != nil {
		o.log.Error("中继余额读取失败", "error", err)
		return reply("I couldn't verify the relayer account right now. Please try again in a moment.")
	}
	if balance.Cmp(o.minRelayerWei) < 0 {
		o.log.Error("中继余额不足",
			"balance_wei", balance.String(), "min_wei", o.minRelayerWei.String())
		o.notify(ctx, "relayer_low_balance", map[string]string{"balance_wei": balance.String()})
		o.sessions.Reset(sess.UserID)
		return reply("The relayer account is temporarily out of gas, so I couldn't submit your request. The session has been reset. Please try again later. The operators have been notified.")
	}
	return nil
}

func (o *Orchestrator) handleCheckLoanStatus(ctx context.Context, sess *session.UserSession, it intent.Intent) *Response {
	userAddr, ok := o.userAddress(sess.UserID)
	if !ok {
		return reply("I need your wallet address as your user id to check loan status.")
	}

	txHash := it.Context[session.CtxTxHash]
	if txHash == "" {
		txHash = sess.Context[session.CtxTxHash]
	}

	report := o.reconciler.LoanStatus(ctx, userAddr, txHash)
	switch report.Status {
	case reconcile.StatusCompleted:
		// 状态查询只读会话，不迁移状态；回到 IDLE 由显式的终结事件负责。
		if txHash != "" {
			o.sessions.UpdateTransaction(sess.UserID, txHash, session.TxStatusCompleted)
		}
		if sess.State == session.StateLoanProcessing {
			o.notify(ctx, "loan_completed", map[string]string{
				"user": sess.UserID, "balance": report.TokenBalance.String(),
			})
		}
		return reply(fmt.Sprintf(
			"Your loan is complete! You now hold %s tokens, with %s outstanding debt backed by your collateral.",
			report.TokenBalance, report.Debt))
	case reconcile.StatusFailed:
		if txHash != "" {
			o.sessions.UpdateTransaction(sess.UserID, txHash, session.TxStatusFailed)
		}
		o.sessions.Reset(sess.UserID)
		return reply("The cross-chain transaction failed on the source chain. Your session has been reset. Please try borrowing again.")
	case reconcile.StatusNotFound:
		return reply("I couldn't find that transaction on-chain. Double-check the hash, or ask me again without one.")
	case reconcile.StatusProcessing:
		return reply("Your loan is still being processed by the cross-chain relay. Tokens usually arrive within a few minutes. I'll keep the session open.")
	default:
		if report.Degraded {
			return reply("I couldn't read the chain reliably just now, so I can't confirm your loan status. Please try again in a moment.")
		}
		if sess.State == session.StateLoanProcessing {
			return reply("I don't see your loan recorded on-chain yet. The source transaction may still be pending. Ask me again shortly.")
		}
		return reply("You don't have an active loan. Say \"borrow 100 kkcoin\" to start one.")
	}
}

// generalMergeKeys 限定 NLU 可以写回会话的上下文键。签名协议快照
// （nonce、deadline）只能由编排器自己写入。
var generalMergeKeys = map[string]bool{
	session.CtxAmount:        true,
	session.CtxToken:         true,
	session.CtxDepositAmount: true,
}

func (o *Orchestrator) handleGeneral(sess *session.UserSession, it intent.Intent) *Response {
	merged := make(map[string]string, len(it.Context))
	for k, v := range it.Context {
		if generalMergeKeys[k] {
			merged[k] = v
		}
	}
	partial := session.Partial{Context: merged}
	if it.NextState != "" {
		state := it.NextState
		partial.State = &state
		if state == session.StateIdle {
			partial.ClearContext = true
		}
	}
	if partial.State != nil || len(partial.Context) > 0 {
		o.sessions.Update(sess.UserID, partial)
	}

	text := it.Reply
	if text == "" {
		text = "I can help you borrow tokens against ETH collateral. Try \"borrow 100 kkcoin\"."
	}
	return reply(text)
}

// Transactions 返回用户的有界交易日志。
func (o *Orchestrator) Transactions(userID string) []session.TransactionRecord {
	return o.sessions.Transactions(userID)
}

func (o *Orchestrator) userAddress(userID string) (common.Address, bool) {
	if !common.IsHexAddress(userID) {
		return common.Address{}, false
	}
	return common.HexToAddress(userID), true
}

func (o *Orchestrator) issuanceChain(ctx context.Context) (*big.Int, error) {
	o.chainIDMu.Lock()
	defer o.chainIDMu.Unlock()
	if o.issuanceChainID != nil {
		return o.issuanceChainID, nil
	}
	id, err := o.issuance.ChainID(ctx)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeChainFailure, err, "发行链 chainId 读取失败")
	}
	o.issuanceChainID = id
	return id, nil
}

func (o *Orchestrator) collateralChain(ctx context.Context) (*big.Int, error) {
	o.chainIDMu.Lock()
	defer o.chainIDMu.Unlock()
	if o.collateralChainID != nil {
		return o.collateralChainID, nil
	}
	id, err := o.collateral.ChainID(ctx)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeChainFailure, err, "抵押链 chainId 读取失败")
	}
	o.collateralChainID = id
	return id, nil
}

func (o *Orchestrator) notify(ctx context.Context, event string, fields map[string]string) {
	if o.notifier == nil {
		return
	}
	o.notifier.Notify(ctx, event, fields)
}

func reply(text string) *Response {
	return &Response{Text: text}
}
