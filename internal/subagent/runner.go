package subagent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/wardenlabs/warden/internal/providers"
	"github.com/wardenlabs/warden/internal/skills"
)

// errTokenBudget terminates a run whose accumulated input+output tokens
// exceed the configured budget. The text reaches the user as-is.
var errTokenBudget = errors.New("Token budget exceeded")

// noResponseSentinel replaces an empty final reply so callers always get
// something announceable.
const noResponseSentinel = "No response generated."

const runnerMaxTokens = 4096

// runLoop drives one restricted tool-use loop to a final text. The context
// is the run's abort signal: it is checked between iterations and passed to
// every LLM call and tool execution.
func (m *Manager) runLoop(ctx context.Context, id string, route providers.Route, opts Options) (string, error) {
	rec, ok := m.snapshot(id)
	if !ok {
		return "", fmt.Errorf("run %s disappeared before starting", id)
	}
	caller := skills.CallerContext{
		UserID:     rec.UserID,
		Channel:    rec.Channel,
		SessionKey: "subagent:" + id,
		IsSubagent: true,
		RunID:      id,
	}
	ctx = skills.WithCaller(ctx, caller)

	tools := m.visibleTools(opts.AllowedTools, opts.BlockedTools)
	system := buildSystemPrompt(rec.Task, opts.Instructions)

	messages := []providers.Message{{Role: providers.RoleUser, Content: rec.Task}}
	m.appendTranscript(id, roleUser, rec.Task, "")

	providerName := route.Provider.Name()
	for iter := 0; iter < m.cfg.MaxIterations; iter++ {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		for _, queued := range m.drainQueue(id) {
			messages = append(messages, providers.Message{Role: providers.RoleUser, Content: queued})
			m.appendTranscript(id, roleUser, queued, "")
		}

		resp, err := route.Provider.Chat(ctx, providers.ChatRequest{
			Model:     route.Model,
			System:    system,
			Messages:  messages,
			Tools:     tools,
			MaxTokens: runnerMaxTokens,
		})
		if err != nil {
			m.providers.ReportFailure(providerName, err)
			if ctxErr := ctx.Err(); ctxErr != nil {
				return "", ctxErr
			}
			return "", fmt.Errorf("llm call failed: %w", err)
		}
		m.providers.ReportSuccess(providerName)
		m.providers.TrackUsage(providerName, resp.Model, resp.Usage, "")
		if m.addUsage(id, resp.Usage) {
			return "", errTokenBudget
		}

		if resp.StopReason == providers.StopToolUse && len(resp.ToolCalls) > 0 {
			messages = append(messages, assistantToolUseMessage(resp))
			if resp.Text != "" {
				m.appendTranscript(id, roleAssistant, resp.Text, "")
			}
			var results []providers.ContentBlock
			for _, call := range resp.ToolCalls {
				res := m.execTool(ctx, id, call, caller)
				m.appendTranscript(id, roleToolResult, res.Content, call.Name)
				results = append(results, providers.ToolResultBlock(call.ID, res.Content, res.IsError))
			}
			messages = append(messages, providers.Message{Role: providers.RoleUser, Blocks: results})
			continue
		}

		final := strings.TrimSpace(resp.Text)
		if final == "" {
			final = noResponseSentinel
		}
		m.appendTranscript(id, roleAssistant, final, "")
		return final, nil
	}
	return "", fmt.Errorf("run did not converge within %d iterations", m.cfg.MaxIterations)
}

// execTool dispatches one tool call through the registry with the per-call
// timeout. Past the per-run cap, calls are refused with an error result so
// the model wraps up instead of looping.
func (m *Manager) execTool(ctx context.Context, id string, call providers.ToolCall, caller skills.CallerContext) *skills.Result {
	if !m.countToolCall(id) {
		return &skills.Result{
			Content: "Tool call limit reached for this run. Finish with the information you have.",
			IsError: true,
		}
	}
	callCtx, cancel := context.WithTimeout(ctx, time.Duration(m.cfg.ToolTimeoutSeconds)*time.Second)
	defer cancel()
	return m.registry.ExecuteToolCall(callCtx, call.Name, call.Input, caller)
}

// countToolCall increments the run's tool-call counter, reporting false once
// the cap is reached.
func (m *Manager) countToolCall(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	ar, ok := m.runs[id]
	if !ok {
		return false
	}
	if ar.rec.ToolCallCount >= m.cfg.MaxToolCalls {
		return false
	}
	ar.rec.ToolCallCount++
	return true
}

// addUsage accumulates token spend and reports whether the budget is blown.
func (m *Manager) addUsage(id string, u providers.Usage) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	ar, ok := m.runs[id]
	if !ok {
		return false
	}
	ar.rec.InputTokens += u.InputTokens
	ar.rec.OutputTokens += u.OutputTokens
	return ar.rec.InputTokens+ar.rec.OutputTokens > m.cfg.MaxTokenBudget
}

// drainQueue takes any messages sent to the run since the last iteration.
func (m *Manager) drainQueue(id string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ar, ok := m.runs[id]
	if !ok || len(ar.queue) == 0 {
		return nil
	}
	q := ar.queue
	ar.queue = nil
	return q
}

// appendTranscript records one transcript entry, keeping only the newest
// MaxTranscriptEntries.
func (m *Manager) appendTranscript(id, role, content, toolName string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ar, ok := m.runs[id]
	if !ok {
		return
	}
	ar.rec.Transcript = append(ar.rec.Transcript, TranscriptEntry{
		Role:     role,
		Content:  content,
		ToolName: toolName,
		At:       m.now(),
	})
	if max := m.cfg.MaxTranscriptEntries; len(ar.rec.Transcript) > max {
		ar.rec.Transcript = ar.rec.Transcript[len(ar.rec.Transcript)-max:]
	}
}

// visibleTools builds the restricted tool list. The registry already drops
// main-agent-only tools; the run's allow/block lists narrow it further.
func (m *Manager) visibleTools(allowed, blocked []string) []providers.ToolDefinition {
	defs := m.registry.ToolDefinitions(true)
	allowSet := toSet(allowed)
	blockSet := toSet(blocked)
	var out []providers.ToolDefinition
	for _, d := range defs {
		if len(allowSet) > 0 && !allowSet[d.Name] {
			continue
		}
		if blockSet[d.Name] {
			continue
		}
		out = append(out, providers.ToolDefinition{
			Name:        d.Name,
			Description: d.Description,
			InputSchema: d.InputSchema,
		})
	}
	return out
}

func toSet(names []string) map[string]bool {
	if len(names) == 0 {
		return nil
	}
	set := make(map[string]bool, len(names))
	for _, n := range names {
		set[n] = true
	}
	return set
}

func assistantToolUseMessage(resp *providers.ChatResponse) providers.Message {
	var blocks []providers.ContentBlock
	if resp.Text != "" {
		blocks = append(blocks, providers.TextBlock(resp.Text))
	}
	for _, call := range resp.ToolCalls {
		blocks = append(blocks, providers.ToolUseBlock(call.ID, call.Name, call.Input))
	}
	return providers.Message{Role: providers.RoleAssistant, Blocks: blocks}
}
