package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wardenlabs/warden/internal/providers"
)

type stubService struct {
	lastParams sdk.MessageNewParams
	resp       *sdk.Message
	err        error
}

func (s *stubService) New(_ context.Context, params sdk.MessageNewParams, _ ...option.RequestOption) (*sdk.Message, error) {
	s.lastParams = params
	return s.resp, s.err
}

// paramsJSON round-trips the built params through JSON so assertions hit the
// wire shape instead of SDK union internals.
func paramsJSON(t *testing.T, params sdk.MessageNewParams) map[string]any {
	t.Helper()
	raw, err := json.Marshal(params)
	require.NoError(t, err)
	var out map[string]any
	require.NoError(t, json.Unmarshal(raw, &out))
	return out
}

func TestChatTextResponse(t *testing.T) {
	stub := &stubService{resp: &sdk.Message{
		Content:    []sdk.ContentBlockUnion{{Type: "text", Text: "hello there"}},
		StopReason: sdk.StopReasonEndTurn,
		Model:      "claude-sonnet-4-5",
		Usage:      sdk.Usage{InputTokens: 12, OutputTokens: 7},
	}}
	p := NewWithService(stub, "")

	resp, err := p.Chat(context.Background(), providers.ChatRequest{
		System:   "be brief",
		Messages: []providers.Message{{Role: providers.RoleUser, Content: "hi"}},
	})
	require.NoError(t, err)

	assert.Equal(t, "hello there", resp.Text)
	assert.Empty(t, resp.ToolCalls)
	assert.Equal(t, providers.StopEndTurn, resp.StopReason)
	assert.Equal(t, int64(12), resp.Usage.InputTokens)
	assert.Equal(t, int64(7), resp.Usage.OutputTokens)
	assert.Equal(t, "anthropic", resp.Provider)

	// Default model and max_tokens fill in when the request leaves them out.
	assert.Equal(t, sdk.Model(DefaultModel), stub.lastParams.Model)
	assert.Equal(t, int64(defaultMaxTokens), stub.lastParams.MaxTokens)
	require.Len(t, stub.lastParams.System, 1)
	assert.Equal(t, "be brief", stub.lastParams.System[0].Text)
}

func TestChatToolUseResponse(t *testing.T) {
	stub := &stubService{resp: &sdk.Message{
		Content: []sdk.ContentBlockUnion{
			{Type: "text", Text: "let me check"},
			{Type: "tool_use", ID: "t1", Name: "note_search", Input: json.RawMessage(`{"query":"api keys"}`)},
		},
		StopReason: sdk.StopReasonToolUse,
	}}
	p := NewWithService(stub, "claude-sonnet-4-5")

	resp, err := p.Chat(context.Background(), providers.ChatRequest{
		Messages: []providers.Message{{Role: providers.RoleUser, Content: "search notes"}},
		Tools: []providers.ToolDefinition{{
			Name:        "note_search",
			Description: "Search notes",
			InputSchema: map[string]any{
				"type":       "object",
				"properties": map[string]any{"query": map[string]any{"type": "string"}},
				"required":   []any{"query"},
			},
		}},
	})
	require.NoError(t, err)

	assert.Equal(t, providers.StopToolUse, resp.StopReason)
	require.Len(t, resp.ToolCalls, 1)
	assert.Equal(t, "t1", resp.ToolCalls[0].ID)
	assert.Equal(t, "note_search", resp.ToolCalls[0].Name)
	assert.Equal(t, map[string]any{"query": "api keys"}, resp.ToolCalls[0].Input)

	body := paramsJSON(t, stub.lastParams)
	tools, ok := body["tools"].([]any)
	require.True(t, ok)
	require.Len(t, tools, 1)
	tool := tools[0].(map[string]any)
	assert.Equal(t, "note_search", tool["name"])
	schema := tool["input_schema"].(map[string]any)
	assert.Equal(t, []any{"query"}, schema["required"])
}

func TestChatStructuredHistory(t *testing.T) {
	stub := &stubService{resp: &sdk.Message{
		Content:    []sdk.ContentBlockUnion{{Type: "text", Text: "No matching notes."}},
		StopReason: sdk.StopReasonEndTurn,
	}}
	p := NewWithService(stub, "claude-sonnet-4-5")

	_, err := p.Chat(context.Background(), providers.ChatRequest{
		Messages: []providers.Message{
			{Role: providers.RoleUser, Content: "search notes for 'api keys'"},
			{Role: providers.RoleAssistant, Blocks: []providers.ContentBlock{
				providers.ToolUseBlock("t1", "note_search", map[string]any{"query": "api keys"}),
			}},
			{Role: providers.RoleUser, Blocks: []providers.ContentBlock{
				providers.ToolResultBlock("t1", `{"results":[]}`, false),
			}},
		},
	})
	require.NoError(t, err)

	body := paramsJSON(t, stub.lastParams)
	msgs := body["messages"].([]any)
	require.Len(t, msgs, 3)

	second := msgs[1].(map[string]any)
	assert.Equal(t, "assistant", second["role"])
	blocks := second["content"].([]any)
	require.Len(t, blocks, 1)
	assert.Equal(t, "tool_use", blocks[0].(map[string]any)["type"])
	assert.Equal(t, "t1", blocks[0].(map[string]any)["id"])

	third := msgs[2].(map[string]any)
	assert.Equal(t, "user", third["role"])
	blocks = third["content"].([]any)
	require.Len(t, blocks, 1)
	assert.Equal(t, "tool_result", blocks[0].(map[string]any)["type"])
	assert.Equal(t, "t1", blocks[0].(map[string]any)["tool_use_id"])
}

func TestChatMaxTokensStop(t *testing.T) {
	stub := &stubService{resp: &sdk.Message{
		Content:    []sdk.ContentBlockUnion{{Type: "text", Text: "truncated..."}},
		StopReason: sdk.StopReasonMaxTokens,
	}}
	p := NewWithService(stub, "claude-sonnet-4-5")

	resp, err := p.Chat(context.Background(), providers.ChatRequest{
		Messages:  []providers.Message{{Role: providers.RoleUser, Content: "write a novel"}},
		MaxTokens: 32,
	})
	require.NoError(t, err)
	assert.Equal(t, providers.StopMaxTokens, resp.StopReason)
	assert.Equal(t, int64(32), stub.lastParams.MaxTokens)
}

func TestChatUndecodableToolInput(t *testing.T) {
	stub := &stubService{resp: &sdk.Message{
		Content: []sdk.ContentBlockUnion{
			{Type: "tool_use", ID: "t9", Name: "broken", Input: json.RawMessage(`not json`)},
		},
		StopReason: sdk.StopReasonToolUse,
	}}
	p := NewWithService(stub, "claude-sonnet-4-5")

	resp, err := p.Chat(context.Background(), providers.ChatRequest{
		Messages: []providers.Message{{Role: providers.RoleUser, Content: "go"}},
	})
	require.NoError(t, err)
	require.Len(t, resp.ToolCalls, 1)
	assert.Equal(t, map[string]any{"raw": "not json"}, resp.ToolCalls[0].Input)
}

func TestChatAPIError(t *testing.T) {
	stub := &stubService{err: errors.New("overloaded")}
	p := NewWithService(stub, "claude-sonnet-4-5")

	_, err := p.Chat(context.Background(), providers.ChatRequest{
		Messages: []providers.Message{{Role: providers.RoleUser, Content: "hi"}},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "anthropic messages call")
}

func TestCapabilities(t *testing.T) {
	p := NewWithService(&stubService{}, "")
	assert.Equal(t, providers.ToolsSupported, p.Capabilities().Tools)
	assert.Equal(t, DefaultModel, p.DefaultModel())
	assert.Equal(t, "anthropic", p.Name())
}
