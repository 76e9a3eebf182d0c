// Package providers defines the LLM provider contract and the manager that
// routes users to tiered (provider, model) pairs with failover.
package providers

import "context"

// Stop reasons reported by providers.
const (
	StopEndTurn   = "end_turn"
	StopToolUse   = "tool_use"
	StopMaxTokens = "max_tokens"
)

// Provider is the interface all LLM providers implement.
type Provider interface {
	// Chat sends one request and blocks until the full response arrives.
	// ctx cancellation aborts the underlying call.
	Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error)

	// DefaultModel returns the provider's default model name.
	DefaultModel() string

	// Name returns the provider identifier (e.g. "anthropic", "openai").
	Name() string

	// Capabilities advertises what the provider can do.
	Capabilities() Capabilities
}

// ToolSupport is the capability hint for tool use.
type ToolSupport string

const (
	ToolsSupported      ToolSupport = "true"
	ToolsUnsupported    ToolSupport = "false"
	ToolsModelDependent ToolSupport = "model_dependent"
)

// Capabilities describes provider features the caller must respect.
type Capabilities struct {
	Tools ToolSupport `json:"tools"`
}

// ModelToolSupport is implemented by providers whose tool support varies by
// model. Consulted only when Capabilities().Tools is ToolsModelDependent.
type ModelToolSupport interface {
	ModelSupportsTools(model string) bool
}

// OffersTools resolves the tool capability hint for a concrete model.
// Callers must not send tool definitions when this returns false.
func OffersTools(p Provider, model string) bool {
	switch p.Capabilities().Tools {
	case ToolsSupported:
		return true
	case ToolsModelDependent:
		if ms, ok := p.(ModelToolSupport); ok {
			return ms.ModelSupportsTools(model)
		}
		return true
	default:
		return false
	}
}

// ChatRequest contains the input for a Chat call.
type ChatRequest struct {
	Model     string           `json:"model,omitempty"`
	System    string           `json:"system,omitempty"`
	Messages  []Message        `json:"messages"`
	Tools     []ToolDefinition `json:"tools,omitempty"`
	MaxTokens int              `json:"maxTokens,omitempty"`
	// Temperature applies when non-nil; providers use their default otherwise.
	Temperature *float64 `json:"temperature,omitempty"`
}

// ChatResponse is the result from an LLM call.
type ChatResponse struct {
	Text       string     `json:"text,omitempty"`
	ToolCalls  []ToolCall `json:"toolCalls,omitempty"`
	StopReason string     `json:"stopReason"`
	Usage      Usage      `json:"usage"`
	Model      string     `json:"model"`
	Provider   string     `json:"provider"`
}

// Message is one conversation turn. Content carries plain text; Blocks
// carries structured content (tool_use / tool_result exchanges). Exactly one
// of the two is set. Images may accompany a user message.
type Message struct {
	Role    string         `json:"role"` // "user" or "assistant"
	Content string         `json:"content,omitempty"`
	Blocks  []ContentBlock `json:"blocks,omitempty"`
	Images  []ImageContent `json:"images,omitempty"`
}

// ImageContent is a base64-encoded image attached to a user message.
type ImageContent struct {
	MimeType string `json:"mimeType"` // "image/jpeg", "image/png", ...
	Data     string `json:"data"`     // base64, no data: URI prefix
}

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ContentBlock is one element of a structured message.
type ContentBlock struct {
	Type string `json:"type"` // "text", "tool_use", "tool_result"

	// text
	Text string `json:"text,omitempty"`

	// tool_use
	ID    string         `json:"id,omitempty"`
	Name  string         `json:"name,omitempty"`
	Input map[string]any `json:"input,omitempty"`

	// tool_result
	ToolUseID string `json:"tool_use_id,omitempty"`
	Content   string `json:"content,omitempty"`
	IsError   bool   `json:"is_error,omitempty"`
}

func TextBlock(text string) ContentBlock {
	return ContentBlock{Type: "text", Text: text}
}

func ToolUseBlock(id, name string, input map[string]any) ContentBlock {
	return ContentBlock{Type: "tool_use", ID: id, Name: name, Input: input}
}

func ToolResultBlock(toolUseID, content string, isError bool) ContentBlock {
	return ContentBlock{Type: "tool_result", ToolUseID: toolUseID, Content: content, IsError: isError}
}

// ToolCall is a tool invocation requested by the LLM.
type ToolCall struct {
	ID    string         `json:"id"`
	Name  string         `json:"name"`
	Input map[string]any `json:"input"`
}

// ToolDefinition describes a tool offered to the LLM.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"inputSchema"`
}

// Usage tracks token consumption for one call.
type Usage struct {
	InputTokens  int64 `json:"inputTokens"`
	OutputTokens int64 `json:"outputTokens"`
}

func (u Usage) Total() int64 { return u.InputTokens + u.OutputTokens }

func (u *Usage) Add(other Usage) {
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
}
