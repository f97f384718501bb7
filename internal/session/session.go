package session

// State 表示单个用户会话所处的对话阶段。
// 状态迁移只能由借贷编排器发起。
type State string

const (
	StateIdle               State = "IDLE"
	StateAwaitingDepositOK  State = "AWAITING_DEPOSIT_CONFIRMATION"
	StateAwaitingDeposit    State = "AWAITING_DEPOSIT"
	StateAwaitingSignature  State = "AWAITING_SIGNATURE"
	StateAwaitingDepositSig State = "AWAITING_DEPOSIT_SIGNATURE"
	StateLoanProcessing     State = "LOAN_PROCESSING"
)

// 会话上下文中约定的键名。
const (
	CtxAmount             = "amount"
	CtxToken              = "token"
	CtxRequiredCollateral = "requiredCollateral"
	CtxShortfall          = "shortfall"
	CtxDepositAmount      = "depositAmount"
	CtxTxHash             = "txHash"

	// 待签授权的快照：签名回传时必须按签发时的字段校验。
	CtxLoanNonce       = "loanNonce"
	CtxLoanDeadline    = "loanDeadline"
	CtxDepositNonce    = "depositNonce"
	CtxDepositDeadline = "depositDeadline"
)

// Role 标识历史消息的来源。
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// HistoryEntry 是一条有界历史中的消息，用于给语义分析提供短期记忆。
type HistoryEntry struct {
	Role      Role
	Message   string
	Timestamp int64
}

// UserSession 保存一个用户标识对应的完整会话状态。
// 会话在首条消息时惰性创建，进程存活期间常驻内存。
type UserSession struct {
	UserID  string
	State   State
	Context map[string]string
	History []HistoryEntry
}

// TransactionKind 区分交易日志中的条目类型。
type TransactionKind string

const (
	TxKindLoan    TransactionKind = "LOAN"
	TxKindDeposit TransactionKind = "DEPOSIT"
)

// TransactionStatus 是面向运维的粗粒度交易状态，不参与正确性判断。
type TransactionStatus string

const (
	TxStatusPending    TransactionStatus = "PENDING"
	TxStatusProcessing TransactionStatus = "CCIP_PROCESSING"
	TxStatusCompleted  TransactionStatus = "COMPLETED"
	TxStatusFailed     TransactionStatus = "FAILED"
)

// TransactionRecord 是每用户有界交易日志中的一条记录。
type TransactionRecord struct {
	TxHash    string
	Kind      TransactionKind
	Amount    string
	Status    TransactionStatus
	CreatedAt int64
	UpdatedAt int64
}

// Partial 描述一次会话更新。调用方应一次性组装完整的更新内容，
// 避免出现可见的中间状态。
type Partial struct {
	// State 非空时迁移到新状态。
	State *State
	// Context 非空时逐键合并进会话上下文。
	Context map[string]string
	// ClearContext 为 true 时先清空上下文再合并，回到 IDLE 时使用。
	ClearContext bool
}
