package gemini

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cmdhema/lootpang-agent-llm/internal/nlu"
)

const (
	defaultBaseURL   = "https://generativelanguage.googleapis.com/v1beta"
	defaultModelName = "gemini-2.5-flash"
	defaultTimeout   = 30 * time.Second
)

// Config 描述了调用 Gemini generateContent API 所需的信息。
type Config struct {
	APIKey  string
	BaseURL string
	Model   string
	Timeout time.Duration
}

// Client 通过 HTTP 调用 Gemini 完成意图分析。
type Client struct {
	apiKey     string
	baseURL    string
	model      string
	httpClient *http.Client
}

// NewClient 根据配置创建 Gemini 客户端。
func NewClient(cfg Config) (*Client, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, errors.New("未提供 Gemini API Key")
	}

	baseURL := strings.TrimSpace(cfg.BaseURL)
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	baseURL = strings.TrimRight(baseURL, "/")

	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = defaultModelName
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	return &Client{
		apiKey:  apiKey,
		baseURL: baseURL,
		model:   model,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}, nil
}

// Analyze 调用 Gemini 并把自由文本响应解析成严格的中间结构。
func (c *Client) Analyze(ctx context.Context, req nlu.Request) (*nlu.Analysis, error) {
	payload, err := c.buildPayload(req)
	if err != nil {
		return nil, err
	}

	endpoint := fmt.Sprintf("%s/models/%s:generateContent?key=%s", c.baseURL, c.model, c.apiKey)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("构建 Gemini 请求失败: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("请求 Gemini 失败: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, fmt.Errorf("Gemini 返回错误状态 %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var decoded struct {
		Candidates []struct {
			Content struct {
				Parts []struct {
					Text string `json:"text"`
				} `json:"parts"`
			} `json:"content"`
		} `json:"candidates"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("解析 Gemini 响应失败: %w", err)
	}
	if len(decoded.Candidates) == 0 || len(decoded.Candidates[0].Content.Parts) == 0 {
		return nil, errors.New("Gemini 响应中没有有效的候选")
	}

	content := strings.TrimSpace(decoded.Candidates[0].Content.Parts[0].Text)
	if content == "" {
		return nil, errors.New("Gemini 响应内容为空")
	}

	return ParseAnalysis(content), nil
}

// ParseAnalysis 从模型的自由文本中提取结构化结果。提取失败时降级为
// GENERAL 意图并把原始文本作为回复，绝不返回协议关键的意图。
func ParseAnalysis(content string) *nlu.Analysis {
	fallback := &nlu.Analysis{
		Action:     "GENERAL",
		Reply:      content,
		Confidence: 0.5,
	}

	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")
	if start < 0 || end <= start {
		return fallback
	}

	// Gemini 习惯在 JSON 外包一层说明文字或代码块标记，只取花括号内部分。
	var raw struct {
		Action     string         `json:"action"`
		Response   string         `json:"response"`
		Confidence float64        `json:"confidence"`
		NextState  string         `json:"nextState"`
		Context    map[string]any `json:"context"`
	}
	if err := json.Unmarshal([]byte(content[start:end+1]), &raw); err != nil {
		return fallback
	}
	if strings.TrimSpace(raw.Action) == "" || strings.TrimSpace(raw.Response) == "" {
		return fallback
	}

	analysis := &nlu.Analysis{
		Action:     strings.ToUpper(strings.TrimSpace(raw.Action)),
		Reply:      raw.Response,
		Confidence: raw.Confidence,
		NextState:  strings.TrimSpace(raw.NextState),
	}
	if len(raw.Context) > 0 {
		analysis.Context = make(map[string]string, len(raw.Context))
		for key, value := range raw.Context {
			switch v := value.(type) {
			case string:
				if v != "" {
					analysis.Context[key] = v
				}
			case float64:
				analysis.Context[key] = strings.TrimRight(strings.TrimRight(fmt.Sprintf("%f", v), "0"), ".")
			}
		}
	}
	return analysis
}

func (c *Client) buildPayload(req nlu.Request) ([]byte, error) {
	body := map[string]any{
		"contents": []map[string]any{
			{
				"parts": []map[string]string{
					{"text": buildPrompt(req)},
				},
			},
		},
		"generationConfig": map[string]any{
			"temperature": 0.2,
		},
	}

	encoded, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("序列化 Gemini 请求失败: %w", err)
	}
	return encoded, nil
}

func buildPrompt(req nlu.Request) string {
	var builder strings.Builder

	builder.WriteString("You are LootPang's cross-chain lending assistant. Analyze the user's message and respond appropriately.\n\n")

	builder.WriteString("CURRENT CONTEXT:\n")
	builder.WriteString(fmt.Sprintf("- User State: %s\n", req.State))
	builder.WriteString(fmt.Sprintf("- User Collateral (ETH): %s\n", orUnknown(req.Collateral)))
	builder.WriteString(fmt.Sprintf("- User Debt (KKCoin): %s\n", orUnknown(req.Debt)))
	if len(req.Context) > 0 {
		encoded, _ := json.Marshal(req.Context)
		builder.WriteString(fmt.Sprintf("- Previous Context: %s\n", encoded))
	}

	if len(req.History) > 0 {
		builder.WriteString("\nRECENT CONVERSATION:\n")
		history := req.History
		if len(history) > 5 {
			history = history[len(history)-5:]
		}
		for _, entry := range history {
			builder.WriteString(fmt.Sprintf("%s: %s\n", entry.Role, entry.Message))
		}
	}

	builder.WriteString(fmt.Sprintf("\nCURRENT USER MESSAGE: %q\n", req.Text))

	builder.WriteString(`
AVAILABLE ACTIONS:
- BORROW: User wants to borrow tokens
- DEPOSIT: User asking about deposit process (general)
- DEPOSIT_WITH_AMOUNT: User wants to deposit specific ETH amount
- DEPOSIT_COMPLETED: User notifying deposit completion
- CHECK_LOAN_STATUS: User asking about loan completion status
- CONFIRM_DEPOSIT: User confirming they want to deposit (only when state is AWAITING_DEPOSIT_CONFIRMATION)
- GENERAL: General conversation or unclear intent

BUSINESS RULES:
- Collateral ratio: 1 ETH = 300 KKCoin borrowing power (150% collateralization)
- Cross-chain transfers take ~20 minutes to complete
- Users deposit collateral on Sepolia; loans are issued on Base Sepolia

Respond in JSON format:
{
  "action": "ACTION_NAME",
  "response": "Your helpful response to the user",
  "confidence": 0.9,
  "nextState": "NEW_STATE_IF_NEEDED",
  "context": {
    "amount": "extracted_amount_if_any",
    "token": "extracted_token_if_any"
  }
}

Always be helpful, clear, and guide users through the lending process step by step.`)

	return builder.String()
}

func orUnknown(value string) string {
	if strings.TrimSpace(value) == "" {
		return "Unknown"
	}
	return value
}
