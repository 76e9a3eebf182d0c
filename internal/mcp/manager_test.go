package mcp

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	mcpgo "github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wardenlabs/warden/internal/config"
	"github.com/wardenlabs/warden/internal/health"
	"github.com/wardenlabs/warden/internal/ratelimit"
	"github.com/wardenlabs/warden/internal/skills"
)

func TestRegistryToolName(t *testing.T) {
	cases := []struct {
		prefix string
		remote string
		want   string
	}{
		{"", "search", "search"},
		{"", "create-issue", "create_issue"},
		{"", "CamelCaseTool", "camelcasetool"},
		{"gh", "list-prs", "gh_list_prs"},
		{"api-v2", "get.user", "api_v2_get_user"},
		{"", "weird!!name", "weird_name"},
		{"", "123abc", "mcp_123abc"},
		{"", "---", "mcp_"},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, registryToolName(tc.prefix, tc.remote), "prefix=%q remote=%q", tc.prefix, tc.remote)
	}
}

func TestDescribeTool(t *testing.T) {
	assert.Equal(t, "[github] Create an issue.", describeTool("github", "create-issue", "Create an issue."))
	assert.Equal(t, `[github] Remote tool "create-issue".`, describeTool("github", "create-issue", "  "))
}

func TestSchemaToMap(t *testing.T) {
	schema := mcpgo.ToolInputSchema{
		Type: "object",
		Properties: map[string]any{
			"query": map[string]any{"type": "string"},
		},
		Required: []string{"query"},
	}
	out := schemaToMap(schema)
	assert.Equal(t, "object", out["type"])
	props, ok := out["properties"].(map[string]any)
	require.True(t, ok)
	assert.Contains(t, props, "query")

	// Zero-value schemas degrade to a callable bare object.
	out = schemaToMap(mcpgo.ToolInputSchema{})
	assert.Equal(t, "object", out["type"])
	assert.NotNil(t, out["properties"])
}

type fakeCaller struct {
	lastTool    string
	hadDeadline bool
	result      *mcpgo.CallToolResult
	err         error
}

func (f *fakeCaller) CallTool(ctx context.Context, req mcpgo.CallToolRequest) (*mcpgo.CallToolResult, error) {
	f.lastTool = req.Params.Name
	_, f.hadDeadline = ctx.Deadline()
	return f.result, f.err
}

func newTestSkill(caller toolCaller) (*serverSkill, *atomic.Bool) {
	connected := &atomic.Bool{}
	connected.Store(true)
	return &serverSkill{
		server: "github",
		client: caller,
		defs: []skills.ToolDefinition{
			{Name: "gh_search", InputSchema: map[string]any{"type": "object"}, PermissionTier: skills.TierExternal},
		},
		remote:    map[string]string{"gh_search": "search"},
		timeout:   5 * time.Second,
		connected: connected,
	}, connected
}

func TestServerSkillExecuteProxiesCall(t *testing.T) {
	caller := &fakeCaller{
		result: &mcpgo.CallToolResult{
			Content: []mcpgo.Content{
				mcpgo.NewTextContent("first"),
				mcpgo.NewTextContent("second"),
			},
		},
	}
	sk, _ := newTestSkill(caller)

	out, err := sk.Execute(context.Background(), "gh_search", map[string]any{"query": "bug"}, skills.CallerContext{})
	require.NoError(t, err)
	assert.Equal(t, "first\nsecond", out)
	assert.Equal(t, "search", caller.lastTool, "must call the server-side name")
	assert.True(t, caller.hadDeadline, "call must carry the per-server timeout")
}

func TestServerSkillExecuteUnknownTool(t *testing.T) {
	sk, _ := newTestSkill(&fakeCaller{})
	_, err := sk.Execute(context.Background(), "nope", nil, skills.CallerContext{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no tool")
}

func TestServerSkillExecuteDisconnected(t *testing.T) {
	sk, connected := newTestSkill(&fakeCaller{})
	connected.Store(false)
	_, err := sk.Execute(context.Background(), "gh_search", nil, skills.CallerContext{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not connected")
}

func TestServerSkillExecuteToolError(t *testing.T) {
	caller := &fakeCaller{
		result: &mcpgo.CallToolResult{
			IsError: true,
			Content: []mcpgo.Content{mcpgo.NewTextContent("rate limited upstream")},
		},
	}
	sk, _ := newTestSkill(caller)
	_, err := sk.Execute(context.Background(), "gh_search", nil, skills.CallerContext{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rate limited upstream")
}

func TestServerSkillExecuteTransportError(t *testing.T) {
	caller := &fakeCaller{err: errors.New("pipe closed")}
	sk, _ := newTestSkill(caller)
	_, err := sk.Execute(context.Background(), "gh_search", nil, skills.CallerContext{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "pipe closed")
}

func TestFlattenContentSummarizesNonText(t *testing.T) {
	out := flattenContent([]mcpgo.Content{
		mcpgo.NewTextContent("caption"),
		mcpgo.NewImageContent("aGk=", "image/png"),
	})
	assert.Equal(t, "caption\n[image image/png]", out)
}

func newTestRegistry() *skills.Registry {
	return skills.NewRegistry(health.NewTracker(), ratelimit.New(ratelimit.NewMemoryStore()), nil)
}

func boolPtr(b bool) *bool { return &b }

func TestManagerStartSkipsDisabled(t *testing.T) {
	reg := newTestRegistry()
	m := NewManager(reg, map[string]*config.MCPServerConfig{
		"off": {Transport: "stdio", Command: "true", Enabled: boolPtr(false)},
	})

	require.NoError(t, m.Start(context.Background()))
	assert.Empty(t, m.ServerStatus())
	assert.Empty(t, reg.SkillNames())
}

func TestManagerStartReportsBadTransport(t *testing.T) {
	reg := newTestRegistry()
	m := NewManager(reg, map[string]*config.MCPServerConfig{
		"pigeon": {Transport: "carrier-pigeon", URL: "http://example.test"},
	})

	err := m.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "pigeon")
	assert.Contains(t, err.Error(), "unsupported transport")
	assert.Empty(t, m.ServerStatus())
}

func TestManagerStartRequiresCommandForStdio(t *testing.T) {
	reg := newTestRegistry()
	m := NewManager(reg, map[string]*config.MCPServerConfig{
		"cmdless": {Transport: "stdio"},
	})

	err := m.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "requires a command")
}

func TestManagerStopIsIdempotent(t *testing.T) {
	m := NewManager(newTestRegistry(), nil)
	m.Stop()
	m.Stop()
	assert.Empty(t, m.ServerStatus())
}
