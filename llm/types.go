package llm

import (
	"strings"
	"time"
)

// 统一的 LLM 错误码，用于对齐 HTTP 状态与可重试性。
type ErrorCode string

const (
	ErrInvalidRequest ErrorCode = "LLM_INVALID_REQUEST" // 参数/格式错误
	ErrUnauthorized   ErrorCode = "LLM_UNAUTHORIZED"    // 未授权或密钥失效
	ErrRateLimited    ErrorCode = "LLM_RATE_LIMITED"    // 上游或本地限流
	ErrQuotaExceeded  ErrorCode = "LLM_QUOTA_EXCEEDED"  // 额度/配额用尽
	ErrUpstreamError  ErrorCode = "LLM_UPSTREAM_ERROR"  // 上游 5xx/网络错误
)

type Error struct {
	Code       ErrorCode `json:"code"`
	Message    string    `json:"message"`
	HTTPStatus int       `json:"http_status"`
	Retryable  bool      `json:"retryable"`
	Provider   string    `json:"provider,omitempty"`
}

func (e *Error) Error() string { return e.Message }

type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content,omitempty"`
}

type ChatRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	Temperature float32   `json:"temperature,omitempty"`
	TopP        float32   `json:"top_p,omitempty"`
	Stop        []string  `json:"stop,omitempty"`
	// JSONMode 为 true 时要求模型输出严格 JSON
	JSONMode bool `json:"-"`
}

type ChatUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type ChatChoice struct {
	Index        int     `json:"index"`
	FinishReason string  `json:"finish_reason,omitempty"`
	Message      Message `json:"message"`
}

type ChatResponse struct {
	ID        string       `json:"id,omitempty"`
	Provider  string       `json:"provider,omitempty"`
	Model     string       `json:"model,omitempty"`
	Choices   []ChatChoice `json:"choices"`
	Usage     ChatUsage    `json:"usage"`
	CreatedAt time.Time    `json:"created_at,omitempty"`
}

// Text 第一个候选的文本内容，没有候选时返回空串。
func (r *ChatResponse) Text() string {
	if r == nil || len(r.Choices) == 0 {
		return ""
	}
	return r.Choices[0].Message.Content
}

// JSONText Text 剥掉 markdown 代码栅栏后的内容，供结构化解析。
// 模型即便被要求 JSON 输出，也偶尔会包一层 ```json 栅栏。
func (r *ChatResponse) JSONText() string {
	text := strings.TrimSpace(r.Text())
	if strings.HasPrefix(text, "```") {
		text = strings.TrimPrefix(text, "```json")
		text = strings.TrimPrefix(text, "```")
		if idx := strings.LastIndex(text, "```"); idx >= 0 {
			text = text[:idx]
		}
		text = strings.TrimSpace(text)
	}
	return text
}
