package mcp

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	mcpgo "github.com/mark3labs/mcp-go/mcp"

	"github.com/wardenlabs/warden/internal/skills"
)

// toolCaller is the slice of the MCP client a serverSkill needs. The Manager
// owns the full client and its lifecycle.
type toolCaller interface {
	CallTool(ctx context.Context, req mcpgo.CallToolRequest) (*mcpgo.CallToolResult, error)
}

// serverSkill exposes one connected MCP server as an integration skill. Tool
// names are normalized to registry form on the way in; the server-side names
// are kept for the wire call.
type serverSkill struct {
	skills.NopLifecycle

	server    string
	client    toolCaller
	defs      []skills.ToolDefinition
	remote    map[string]string // registry tool name -> server-side tool name
	timeout   time.Duration
	connected *atomic.Bool
}

func (s *serverSkill) Name() string { return "mcp:" + s.server }

func (s *serverSkill) Kind() skills.Kind { return skills.KindIntegration }

func (s *serverSkill) ListTools() []skills.ToolDefinition { return s.defs }

func (s *serverSkill) Execute(ctx context.Context, tool string, input map[string]any, _ skills.CallerContext) (string, error) {
	remoteName, ok := s.remote[tool]
	if !ok {
		return "", fmt.Errorf("mcp server %q has no tool %q", s.server, tool)
	}
	if !s.connected.Load() {
		return "", fmt.Errorf("mcp server %q is not connected", s.server)
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	req := mcpgo.CallToolRequest{}
	req.Params.Name = remoteName
	req.Params.Arguments = input

	res, err := s.client.CallTool(ctx, req)
	if err != nil {
		return "", fmt.Errorf("mcp call %s/%s: %w", s.server, remoteName, err)
	}
	text := flattenContent(res.Content)
	if res.IsError {
		if text == "" {
			text = "tool reported an error without details"
		}
		return "", fmt.Errorf("mcp call %s/%s: %s", s.server, remoteName, text)
	}
	return text, nil
}

// flattenContent joins text blocks into one result string. Non-text blocks
// are summarized rather than dropped so the model knows they existed.
func flattenContent(blocks []mcpgo.Content) string {
	var parts []string
	for _, block := range blocks {
		if tc, ok := mcpgo.AsTextContent(block); ok {
			parts = append(parts, tc.Text)
			continue
		}
		if ic, ok := mcpgo.AsImageContent(block); ok {
			parts = append(parts, fmt.Sprintf("[image %s]", ic.MIMEType))
			continue
		}
		if _, ok := mcpgo.AsEmbeddedResource(block); ok {
			parts = append(parts, "[embedded resource]")
		}
	}
	return strings.Join(parts, "\n")
}
