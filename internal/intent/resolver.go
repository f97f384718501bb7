package intent

import (
	"context"
	"log/slog"
	"regexp"
	"strings"

	"github.com/cmdhema/lootpang-agent-llm/internal/nlu"
	"github.com/cmdhema/lootpang-agent-llm/internal/session"
	"github.com/cmdhema/lootpang-agent-llm/pkg/logger"
)

var (
	txHashPattern = regexp.MustCompile(`0x[a-fA-F0-9]{64}`)
	borrowPattern = regexp.MustCompile(`(?i)(?:borrow|lend\s+me)\s+(\d+(?:\.\d+)?)\s*([a-zA-Z]*)`)
	// 预充金额模式："deposit 0.1 eth"、"0.05 ETH" 等。
	ethAmountPattern = regexp.MustCompile(`(?i)(\d+(?:\.\d+)?)\s*(?:eth|ether)\b`)

	positiveReplies = []string{"yes", "y", "ok", "okay", "sure", "proceed", "go ahead"}
	negativeReplies = []string{"no", "n", "nope", "cancel", "not now", "later"}

	statusKeywords   = []string{"status", "complete", "completed", "done", "finished", "progress"}
	loanKeywords     = []string{"loan", "borrow", "lending", "lent"}
	depositKeywords  = []string{"deposit", "collateral", "send", "transfer"}
	depositDoneWords = []string{"deposited", "completed", "done", "sent", "transferred"}
)

// Resolver 将原始文本和会话状态解析成结构化意图。
// 先走确定性规则表，规则不命中时委托给语义分析服务。
type Resolver struct {
	nluClient nlu.Client
	log       *slog.Logger
}

// NewResolver 创建 Resolver。
func NewResolver(nluClient nlu.Client) *Resolver {
	return &Resolver{
		nluClient: nluClient,
		log:       logger.Named("intent"),
	}
}

// Resolve 解析一条入站消息。collateral、debt 是实时链上读数（人类单位），
// 仅作为语义分析的上下文，规则路径完全不依赖它们。
func (r *Resolver) Resolve(ctx context.Context, text string, sess *session.UserSession, collateral, debt string) Intent {
	if matched, ok := r.matchRule(text, sess); ok {
		r.log.Info("确定性规则命中", "user", sess.UserID, "intent", matched.Name, "state", sess.State)
		return matched
	}
	return r.delegate(ctx, text, sess, collateral, debt)
}

// matchRule 依次检查确定性规则表。协议关键的状态迁移（签名提交、
// 状态确认）必须由这里产生，绝不交给概率性的分类器。
func (r *Resolver) matchRule(text string, sess *session.UserSession) (Intent, bool) {
	trimmed := strings.TrimSpace(text)
	lower := strings.ToLower(trimmed)

	// 1. 预充确认等待中的是/否应答。
	if sess.State == session.StateAwaitingDepositOK {
		if matchesReply(lower, positiveReplies) {
			return Intent{
				Name:       NameConfirmDeposit,
				Reply:      "Great! I'll provide you with deposit instructions.",
				Confidence: 0.95,
				NextState:  session.StateAwaitingDeposit,
				FromRule:   true,
			}, true
		}
		if matchesReply(lower, negativeReplies) {
			return Intent{
				Name:       NameGeneral,
				Reply:      "No problem! You can request a deposit later when you're ready. Just say \"deposit\" when you want to add collateral.",
				Confidence: 0.95,
				NextState:  session.StateIdle,
				FromRule:   true,
			}, true
		}
	}

	// 2. 带具体金额的预充请求。
	if amount := extractETHAmount(trimmed); amount != "" && containsAny(lower, depositKeywords) {
		return Intent{
			Name:       NameDepositWithAmount,
			Reply:      "You want to deposit " + amount + " ETH. Let me provide the deposit instructions.",
			Confidence: 0.9,
			Context:    map[string]string{session.CtxDepositAmount: amount},
			FromRule:   true,
		}, true
	}

	// 3. 签名等待状态下的十六进制签名串。
	if looksLikeSignature(trimmed) {
		switch sess.State {
		case session.StateAwaitingSignature:
			return Intent{
				Name:       NameSignature,
				Reply:      "Processing your loan signature...",
				Confidence: 0.95,
				FromRule:   true,
			}, true
		case session.StateAwaitingDepositSig:
			return Intent{
				Name:       NameDepositSignature,
				Reply:      "Processing your deposit signature...",
				Confidence: 0.95,
				FromRule:   true,
			}, true
		}
	}

	// 4. 放款处理中状态下的进度询问。
	if sess.State == session.StateLoanProcessing && containsAny(lower, statusKeywords) {
		return Intent{
			Name:       NameCheckLoanStatus,
			Reply:      "Let me check your loan status...",
			Confidence: 0.9,
			FromRule:   true,
		}, true
	}

	// 5. 预充完成通知。
	if sess.State == session.StateAwaitingDeposit && containsAny(lower, depositDoneWords) {
		return Intent{
			Name:       NameDepositCompleted,
			Reply:      "Let me check your collateral and proceed with your loan...",
			Confidence: 0.9,
			FromRule:   true,
		}, true
	}

	// 6. 任意状态下的借款状态询问（状态词 + 借款词或交易哈希）。
	if containsAny(lower, statusKeywords) {
		txHash := txHashPattern.FindString(trimmed)
		if txHash != "" || containsAny(lower, loanKeywords) {
			it := Intent{
				Name:       NameCheckLoanStatus,
				Reply:      "Let me check your loan status...",
				Confidence: 0.85,
				FromRule:   true,
			}
			if txHash != "" {
				it.Context = map[string]string{session.CtxTxHash: txHash}
			}
			return it, true
		}
	}

	// 7. 借款请求模式。
	if match := borrowPattern.FindStringSubmatch(trimmed); match != nil {
		token := strings.ToLower(match[2])
		if token == "" {
			token = "kkcoin"
		}
		return Intent{
			Name:       NameBorrow,
			Reply:      "Preparing a loan of " + match[1] + " " + token + ".",
			Confidence: 0.9,
			Context: map[string]string{
				session.CtxAmount: match[1],
				session.CtxToken:  token,
			},
			FromRule: true,
		}, true
	}

	return Intent{}, false
}

// delegate 把规则无法处理的消息交给语义分析服务，并对结果做严格校验。
func (r *Resolver) delegate(ctx context.Context, text string, sess *session.UserSession, collateral, debt string) Intent {
	if r.nluClient == nil {
		return errorIntent()
	}

	history := make([]nlu.HistoryEntry, 0, len(sess.History))
	for _, entry := range sess.History {
		history = append(history, nlu.HistoryEntry{Role: string(entry.Role), Message: entry.Message})
	}

	analysis, err := r.nluClient.Analyze(ctx, nlu.Request{
		Text:       text,
		State:      string(sess.State),
		Context:    sess.Context,
		History:    history,
		Collateral: collateral,
		Debt:       debt,
	})
	if err != nil {
		r.log.Error("语义分析调用失败", "user", sess.UserID, "error", err)
		return errorIntent()
	}

	name := Name(strings.ToUpper(strings.TrimSpace(analysis.Action)))
	if !validNames[name] {
		// 无法纳入白名单的动作一律按 GENERAL 处理，保留原始回复。
		r.log.Warn("语义分析返回未知动作", "user", sess.UserID, "action", analysis.Action)
		return Intent{
			Name:       NameGeneral,
			Reply:      analysis.Reply,
			Confidence: analysis.Confidence,
		}
	}

	it := Intent{
		Name:       name,
		Reply:      analysis.Reply,
		Confidence: analysis.Confidence,
		Context:    analysis.Context,
	}
	if next, ok := parseState(analysis.NextState); ok {
		it.NextState = next
	}
	return it
}

func errorIntent() Intent {
	return Intent{
		Name:  NameError,
		Reply: "Sorry, I encountered an error while processing your message. Please try again.",
	}
}

func parseState(raw string) (session.State, bool) {
	switch session.State(strings.ToUpper(strings.TrimSpace(raw))) {
	case session.StateIdle:
		return session.StateIdle, true
	case session.StateAwaitingDepositOK:
		return session.StateAwaitingDepositOK, true
	case session.StateAwaitingDeposit:
		return session.StateAwaitingDeposit, true
	default:
		// 签名等待与放款处理中只能由编排器自己进入。
		return "", false
	}
}

func looksLikeSignature(text string) bool {
	if !strings.HasPrefix(text, "0x") || len(text) <= 50 {
		return false
	}
	for _, r := range text[2:] {
		if !isHexRune(r) {
			return false
		}
	}
	return true
}

func isHexRune(r rune) bool {
	switch {
	case r >= '0' && r <= '9', r >= 'a' && r <= 'f', r >= 'A' && r <= 'F':
		return true
	default:
		return false
	}
}

func extractETHAmount(text string) string {
	match := ethAmountPattern.FindStringSubmatch(text)
	if match == nil {
		return ""
	}
	return match[1]
}

// matchesReply 按整词匹配是/否应答，避免单字母关键字误命中长句。
func matchesReply(text string, replies []string) bool {
	words := strings.FieldsFunc(text, func(r rune) bool {
		return r == ' ' || r == ',' || r == '.' || r == '!' || r == '?'
	})
	for _, reply := range replies {
		if strings.Contains(reply, " ") {
			if strings.Contains(text, reply) {
				return true
			}
			continue
		}
		for _, word := range words {
			if word == reply {
				return true
			}
		}
	}
	return false
}

func containsAny(text string, keywords []string) bool {
	for _, keyword := range keywords {
		if strings.Contains(text, keyword) {
			return true
		}
	}
	return false
}
