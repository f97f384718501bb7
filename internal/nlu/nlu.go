package nlu

import "context"

// Request 描述发送给语义分析服务的完整上下文。
type Request struct {
	Text       string
	State      string
	Context    map[string]string
	History    []HistoryEntry
	Collateral string
	Debt       string
}

// HistoryEntry 是近期对话中的一条消息。
type HistoryEntry struct {
	Role    string
	Message string
}

// Analysis 是语义分析服务输出的严格中间结构。任何无法解析成该结构的
// 响应都会被上层降级为 GENERAL 意图，绝不会触发协议关键的状态迁移。
type Analysis struct {
	Action     string            `json:"action"`
	Reply      string            `json:"response"`
	Confidence float64           `json:"confidence"`
	NextState  string            `json:"nextState,omitempty"`
	Context    map[string]string `json:"context,omitempty"`
}

// Client 定义了调用语义分析服务的统一接口。
// 实现必须容忍同一问题被反复询问。
type Client interface {
	Analyze(ctx context.Context, req Request) (*Analysis, error)
}
