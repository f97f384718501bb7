package intent

import "github.com/cmdhema/lootpang-agent-llm/internal/session"

// Name 是结构化意图的名称。
type Name string

const (
	NameBorrow            Name = "BORROW"
	NameDeposit           Name = "DEPOSIT"
	NameDepositWithAmount Name = "DEPOSIT_WITH_AMOUNT"
	NameDepositCompleted  Name = "DEPOSIT_COMPLETED"
	NameConfirmDeposit    Name = "CONFIRM_DEPOSIT"
	NameSignature         Name = "SIGNATURE"
	NameDepositSignature  Name = "DEPOSIT_SIGNATURE"
	NameCheckLoanStatus   Name = "CHECK_LOAN_STATUS"
	NameGeneral           Name = "GENERAL"
	NameError             Name = "ERROR"
)

// validNames 是语义分析服务允许返回的意图全集。
// 注意：协议关键意图（SIGNATURE、DEPOSIT_SIGNATURE）只能由确定性规则
// 产生，不在此列。
var validNames = map[Name]bool{
	NameBorrow:            true,
	NameDeposit:           true,
	NameDepositWithAmount: true,
	NameDepositCompleted:  true,
	NameConfirmDeposit:    true,
	NameCheckLoanStatus:   true,
	NameGeneral:           true,
}

// Intent 是一条入站消息解析后的结构化结果。
type Intent struct {
	Name       Name
	Reply      string
	Confidence float64
	// NextState 非空时建议编排器迁移状态；编排器仍拥有最终决定权。
	NextState session.State
	Context   map[string]string
	// FromRule 标记该意图来自确定性规则而非语义分析服务。
	FromRule bool
}
