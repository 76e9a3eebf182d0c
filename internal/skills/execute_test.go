package skills

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wardenlabs/warden/internal/health"
	"github.com/wardenlabs/warden/internal/ratelimit"
)

func TestExecutePipelineHappyPath(t *testing.T) {
	reg, audit := newTestRegistry(t)
	sk := &fakeSkill{
		name: "email",
		defs: []ToolDefinition{searchTool()},
		exec: func(_ context.Context, _ string, input map[string]any, caller CallerContext) (string, error) {
			assert.Equal(t, "alice", caller.UserID)
			return "found 3 messages for " + input["query"].(string), nil
		},
	}
	require.NoError(t, reg.Register(sk))

	res := reg.ExecuteToolCall(context.Background(), "search_email",
		map[string]any{"query": "invoices"}, CallerContext{UserID: "alice", Channel: "cli"})

	assert.False(t, res.IsError)
	assert.Equal(t, "found 3 messages for invoices", res.Content)

	rec := audit.last(t)
	assert.Equal(t, "executed", rec.Outcome)
	assert.Equal(t, "email", rec.Skill)
	assert.Equal(t, "search_email", rec.Tool)
}

func TestExecuteUnknownTool(t *testing.T) {
	reg, audit := newTestRegistry(t)

	res := reg.ExecuteToolCall(context.Background(), "no_such_tool", nil, CallerContext{UserID: "alice"})
	assert.True(t, res.IsError)
	assert.Contains(t, res.Content, `"no_such_tool"`)
	assert.Equal(t, "unknown_tool", audit.last(t).Outcome)
}

func TestExecuteBlocksMainAgentOnlyForSubagents(t *testing.T) {
	reg, audit := newTestRegistry(t)
	sk := &fakeSkill{name: "core", defs: []ToolDefinition{{Name: "spawn_subagent", MainAgentOnly: true}}}
	require.NoError(t, reg.Register(sk))

	res := reg.ExecuteToolCall(context.Background(), "spawn_subagent", nil,
		CallerContext{UserID: "alice", IsSubagent: true, RunID: "r1"})

	assert.True(t, res.IsError)
	assert.Equal(t, `Tool "spawn_subagent" is restricted to the main agent only.`, res.Content)
	assert.Zero(t, sk.callCount(), "skill must never see the call")
	assert.Equal(t, "blocked", audit.last(t).Outcome)

	// The main agent passes the gate.
	res = reg.ExecuteToolCall(context.Background(), "spawn_subagent", nil, CallerContext{UserID: "alice"})
	assert.False(t, res.IsError)
}

func TestExecuteValidatesInput(t *testing.T) {
	reg, _ := newTestRegistry(t)
	sk := &fakeSkill{name: "email", defs: []ToolDefinition{searchTool()}}
	require.NoError(t, reg.Register(sk))

	res := reg.ExecuteToolCall(context.Background(), "search_email",
		map[string]any{"limit": float64(500)}, CallerContext{UserID: "alice"})

	assert.True(t, res.IsError)
	assert.Contains(t, res.Content, `"query"`)
	assert.Contains(t, res.Content, `"limit"`)
	assert.Zero(t, sk.callCount())
}

func TestExecuteRefusesUnavailableSkill(t *testing.T) {
	reg, _ := newTestRegistry(t)
	boom := errors.New("upstream down")
	sk := &fakeSkill{
		name: "email",
		defs: []ToolDefinition{searchTool()},
		exec: func(context.Context, string, map[string]any, CallerContext) (string, error) {
			return "", boom
		},
	}
	require.NoError(t, reg.Register(sk))

	in := map[string]any{"query": "x"}
	caller := CallerContext{UserID: "alice"}
	for i := 0; i < health.DefaultUnavailableThreshold; i++ {
		res := reg.ExecuteToolCall(context.Background(), "search_email", in, caller)
		assert.True(t, res.IsError)
		assert.Contains(t, res.Content, "failed")
	}

	// Sixth call is refused before dispatch.
	res := reg.ExecuteToolCall(context.Background(), "search_email", in, caller)
	assert.True(t, res.IsError)
	assert.Contains(t, res.Content, "temporarily unavailable")
	assert.Equal(t, health.DefaultUnavailableThreshold, sk.callCount())
}

func TestExecuteAppliesPerToolRateLimit(t *testing.T) {
	reg, audit := newTestRegistry(t)
	def := searchTool()
	def.RateLimit = &ratelimit.Limit{MaxRequests: 2, WindowSeconds: 60}
	sk := &fakeSkill{name: "email", defs: []ToolDefinition{def}}
	require.NoError(t, reg.Register(sk))

	in := map[string]any{"query": "x"}
	alice := CallerContext{UserID: "alice"}
	assert.False(t, reg.ExecuteToolCall(context.Background(), "search_email", in, alice).IsError)
	assert.False(t, reg.ExecuteToolCall(context.Background(), "search_email", in, alice).IsError)

	res := reg.ExecuteToolCall(context.Background(), "search_email", in, alice)
	assert.True(t, res.IsError)
	assert.Contains(t, res.Content, "Rate limit exceeded")
	assert.Equal(t, "rate_limited", audit.last(t).Outcome)

	// Another principal is unaffected.
	bob := CallerContext{UserID: "bob"}
	assert.False(t, reg.ExecuteToolCall(context.Background(), "search_email", in, bob).IsError)
}

func TestExecuteRecordsSanitizedInputInAudit(t *testing.T) {
	reg, audit := newTestRegistry(t)
	def := ToolDefinition{
		Name: "note_write",
		InputSchema: map[string]any{
			"type":       "object",
			"properties": map[string]any{"body": map[string]any{"type": "string"}},
		},
		Sensitive: true,
	}
	require.NoError(t, reg.Register(&fakeSkill{name: "notes", defs: []ToolDefinition{def}}))

	res := reg.ExecuteToolCall(context.Background(), "note_write",
		map[string]any{"body": "hi"}, CallerContext{UserID: "alice"})
	require.False(t, res.IsError)

	rec := audit.last(t)
	assert.True(t, rec.Sensitive)
	assert.Equal(t, map[string]any{"body": "hi"}, rec.Input)
}

func TestEnvelopeRoundTrip(t *testing.T) {
	s := EncodeFileResult("rendered chart", "/tmp/chart.png", "/tmp/data.csv")
	env, ok := DecodeEnvelope(s)
	require.True(t, ok)
	assert.Equal(t, "rendered chart", env.Text)
	assert.Equal(t, []string{"/tmp/chart.png", "/tmp/data.csv"}, env.OutputFiles)

	_, ok = DecodeEnvelope("just plain text")
	assert.False(t, ok)
	_, ok = DecodeEnvelope(`{"some":"json"}`)
	assert.False(t, ok)
}
