package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/wardenlabs/warden/internal/confirm"
	"github.com/wardenlabs/warden/internal/media"
	"github.com/wardenlabs/warden/internal/providers"
	"github.com/wardenlabs/warden/internal/sanitize"
	"github.com/wardenlabs/warden/internal/sessions"
	"github.com/wardenlabs/warden/internal/skills"
)

// turnState carries everything one handleMessage call accumulates across
// loop iterations.
type turnState struct {
	key    string
	caller skills.CallerContext
	route  providers.Route
	tier   string

	usage               providers.Usage
	toolCalls           int
	pendingConfirmation bool
	files               []string

	continued bool   // one truncation continuation per turn
	prefix    string // text accepted from a truncated response
}

func (o *Orchestrator) handle(ctx context.Context, req Request) (*Reply, error) {
	key := sessions.Key(req.UserID, req.Channel)
	caller := skills.CallerContext{UserID: req.UserID, Channel: req.Channel, SessionKey: key}
	ctx = skills.WithCaller(ctx, caller)

	// Confirmation replies bypass the LLM entirely.
	if tok := confirm.Match(strings.TrimSpace(req.Message)); tok != "" {
		return o.resolveConfirmation(ctx, req, key, caller, tok), nil
	}

	if n := utf8.RuneCountInString(req.Message); n > o.cfg.MaxMessageChars {
		return &Reply{Text: fmt.Sprintf(
			"That message is %d characters; the limit is %d. Please shorten it and send it again.",
			n, o.cfg.MaxMessageChars)}, nil
	}

	// History, compacted first when it has outgrown the threshold. A failed
	// compaction degrades to full history.
	o.store.CompactIfDue(ctx, key, o.summarizer(req.UserID))
	history := o.store.History(key)
	summary := o.store.Summary(key)

	tier := ""
	var route providers.Route
	var err error
	if o.providers.IsTierEnabled() {
		tier = ClassifyTier(req.Message, o.cfg.HeavyToolHints)
		route, err = o.providers.GetForUserTiered(req.UserID, tier)
	} else {
		route, err = o.providers.GetForUser(req.UserID)
	}
	if err != nil {
		return nil, err
	}

	system := o.systemPrompt(ctx, req)
	messages := buildMessages(history, summary, o.augmentMessage(req))
	if imgs := media.LoadImages(req.Attachments); len(imgs) > 0 {
		messages[len(messages)-1].Images = imgs
	}

	turn := &turnState{key: key, caller: caller, route: route, tier: tier}
	reply, err := o.runLoop(ctx, turn, system, messages)
	if err != nil {
		return nil, err
	}

	o.store.AddEntry(key, sessions.Entry{Role: sessions.RoleUser, Content: req.Message})
	o.store.AddEntry(key, sessions.Entry{Role: sessions.RoleAssistant, Content: reply.Text})
	o.store.AccumulateTokens(key, turn.usage.InputTokens, turn.usage.OutputTokens)
	o.ingestMemory(req)
	return reply, nil
}

// Cap responses. Both gates shed work with a user-visible message instead of
// an error.
const (
	maxActionsText = "I've hit the maximum number of actions allowed in one turn. " +
		"Send a follow-up message and I'll continue from here."
	coolDownText = "I've used up the hourly action budget for this conversation. " +
		"Give it a little while and try again."
)

func (o *Orchestrator) runLoop(ctx context.Context, t *turnState, system string, messages []providers.Message) (*Reply, error) {
	for {
		resp, err := o.chat(ctx, t, system, messages)
		if err != nil {
			return nil, err
		}

		if resp.StopReason == providers.StopToolUse && len(resp.ToolCalls) > 0 {
			if t.toolCalls+len(resp.ToolCalls) > o.cfg.MaxToolCallsPerTurn {
				slog.Warn("per-turn tool call cap reached",
					"user", t.caller.UserID, "executed", t.toolCalls, "requested", len(resp.ToolCalls))
				return o.finishReply(t, maxActionsText), nil
			}
			if o.store.ToolCallsInWindow(t.key)+len(resp.ToolCalls) > sessions.SessionToolCallLimit {
				slog.Warn("session tool call budget reached", "session", t.key)
				return o.finishReply(t, coolDownText), nil
			}

			outcomes := o.executeBatch(ctx, t, resp.ToolCalls)

			messages = append(messages, assistantToolUseMessage(resp))
			blocks := make([]providers.ContentBlock, 0, len(outcomes))
			for _, oc := range outcomes {
				blocks = append(blocks, providers.ToolResultBlock(oc.call.ID, oc.content, oc.isError))
			}
			messages = append(messages, providers.Message{Role: providers.RoleUser, Blocks: blocks})

			o.maybeEscalate(t, outcomes)
			continue
		}

		if resp.StopReason == providers.StopMaxTokens && !t.continued {
			t.continued = true
			t.prefix = resp.Text
			messages = append(messages,
				providers.Message{Role: providers.RoleAssistant, Content: resp.Text},
				providers.Message{Role: providers.RoleUser,
					Content: "Your previous response was truncated. Please continue from where it cut off."},
			)
			continue
		}

		return o.finishReply(t, t.prefix+resp.Text), nil
	}
}

// chat performs one LLM call, feeding the outcome back into failover state
// and usage accounting.
func (o *Orchestrator) chat(ctx context.Context, t *turnState, system string, messages []providers.Message) (*providers.ChatResponse, error) {
	req := providers.ChatRequest{
		Model:     t.route.Model,
		System:    system,
		Messages:  messages,
		MaxTokens: o.cfg.MaxTokens,
	}
	if providers.OffersTools(t.route.Provider, t.route.Model) {
		req.Tools = o.visibleTools()
	}

	llmCtx, span := startLLMSpan(ctx, t.route, len(messages))
	resp, err := t.route.Provider.Chat(llmCtx, req)
	endLLMSpan(span, resp, err)
	if err != nil {
		o.providers.ReportFailure(t.route.Provider.Name(), err)
		return nil, fmt.Errorf("llm call failed: %w", err)
	}
	o.providers.ReportSuccess(t.route.Provider.Name())
	o.providers.TrackUsage(t.route.Provider.Name(), resp.Model, resp.Usage, t.tier)
	t.usage.Add(resp.Usage)
	return resp, nil
}

// visibleTools maps the full registry catalog to provider definitions. The
// main agent sees every tool, including main-agent-only ones.
func (o *Orchestrator) visibleTools() []providers.ToolDefinition {
	defs := o.registry.ToolDefinitions(false)
	out := make([]providers.ToolDefinition, 0, len(defs))
	for _, d := range defs {
		out = append(out, providers.ToolDefinition{
			Name:        d.Name,
			Description: d.Description,
			InputSchema: d.InputSchema,
		})
	}
	return out
}

// maybeEscalate switches a light-tier turn to the heavy tier after a tool on
// the heavy hint list ran. Escalation failures keep the current route.
func (o *Orchestrator) maybeEscalate(t *turnState, outcomes []toolOutcome) {
	if t.tier != providers.TierLight {
		return
	}
	hit := ""
	for _, oc := range outcomes {
		if oc.pending {
			continue
		}
		for _, hint := range o.cfg.HeavyToolHints {
			if oc.call.Name == hint {
				hit = hint
				break
			}
		}
	}
	if hit == "" {
		return
	}
	route, err := o.providers.GetForUserTiered(t.caller.UserID, providers.TierHeavy)
	if err != nil {
		slog.Warn("tier escalation failed, staying on light", "user", t.caller.UserID, "error", err)
		return
	}
	slog.Debug("escalated to heavy tier", "user", t.caller.UserID, "tool", hit, "model", route.Model)
	t.route = route
	t.tier = providers.TierHeavy
}

// finishReply applies the final text hygiene and prepends the failover
// notice when this turn ran on a fallback provider.
func (o *Orchestrator) finishReply(t *turnState, text string) *Reply {
	text = sanitize.AssistantText(text)
	if text == "" {
		text = "..."
	}
	if t.route.FailedOver {
		text = fmt.Sprintf("[Note: %s is unavailable; this reply came from %s.]\n\n%s",
			t.route.OriginalProvider, t.route.Provider.Name(), text)
	}
	return &Reply{Text: text, Files: t.files, PendingConfirmation: t.pendingConfirmation}
}

// resolveConfirmation consumes a "confirm <token>" reply: the pending tool is
// dispatched directly through the registry, no LLM involved.
func (o *Orchestrator) resolveConfirmation(ctx context.Context, req Request, key string, caller skills.CallerContext, tok string) *Reply {
	if !o.confirms.AllowAttempt(req.UserID) {
		return &Reply{Text: "Too many confirmation attempts. Wait a moment and try again."}
	}
	act := o.confirms.Consume(tok, req.UserID)
	if act == nil {
		return &Reply{Text: "Invalid or expired confirmation token."}
	}

	slog.Info("confirmed action dispatched",
		"user", req.UserID, "skill", act.SkillName, "tool", act.ToolName)
	res := o.registry.ExecuteToolCall(ctx, act.ToolName, act.Input, caller)
	o.store.CountToolCall(key)
	if act.TempDir != "" {
		if err := os.RemoveAll(act.TempDir); err != nil {
			slog.Warn("confirmation temp dir cleanup failed", "dir", act.TempDir, "error", err)
		}
	}

	o.store.AddEntry(key, sessions.Entry{Role: sessions.RoleUser, Content: req.Message})
	o.store.AddEntry(key, sessions.Entry{Role: sessions.RoleToolResult, Content: res.Content})
	return &Reply{Text: res.Content, Files: extractOutputFiles(res.Content)}
}

// summarizer returns the compaction function for one user, riding the light
// tier so compaction never competes with the turn's own model budget.
func (o *Orchestrator) summarizer(userID string) sessions.Summarizer {
	return func(ctx context.Context, prior string, entries []sessions.Entry) (string, error) {
		route, err := o.lightRoute(userID)
		if err != nil {
			return "", err
		}
		var b strings.Builder
		b.WriteString("Provide a concise summary of this conversation, preserving key facts, names, and decisions:\n")
		if prior != "" {
			b.WriteString("Existing context: " + prior + "\n")
		}
		b.WriteString("\n")
		for _, e := range entries {
			fmt.Fprintf(&b, "%s: %s\n", e.Role, sanitize.Truncate(entryText(e), 500))
		}
		resp, err := route.Provider.Chat(ctx, providers.ChatRequest{
			Model:     route.Model,
			Messages:  []providers.Message{{Role: providers.RoleUser, Content: b.String()}},
			MaxTokens: 1024,
		})
		if err != nil {
			return "", err
		}
		return strings.TrimSpace(resp.Text), nil
	}
}

func (o *Orchestrator) lightRoute(userID string) (providers.Route, error) {
	if o.providers.IsTierEnabled() {
		return o.providers.GetForUserTiered(userID, providers.TierLight)
	}
	return o.providers.GetForUser(userID)
}

// augmentMessage appends attachment and working-directory hints when tools
// that could act on them are registered.
func (o *Orchestrator) augmentMessage(req Request) string {
	msg := req.Message
	if len(req.Attachments) > 0 && o.hasToolMatching("file", "image", "media", "read") {
		msg += fmt.Sprintf("\n\n[Attached files: %s]", strings.Join(req.Attachments, ", "))
	}
	if req.WorkingDir != "" && o.hasToolMatching("file", "dir", "exec", "shell") {
		msg += fmt.Sprintf("\n\n[Working directory: %s]", req.WorkingDir)
	}
	return msg
}

func (o *Orchestrator) hasToolMatching(fragments ...string) bool {
	for _, name := range o.registry.RegisteredToolNames() {
		for _, f := range fragments {
			if strings.Contains(name, f) {
				return true
			}
		}
	}
	return false
}

// ingestMemory forwards substantial messages to long-term memory.
// Fire-and-forget: a slow or failing memory service never blocks the reply.
func (o *Orchestrator) ingestMemory(req Request) {
	if o.memory == nil || utf8.RuneCountInString(req.Message) < 50 || strings.HasPrefix(req.Message, "/") {
		return
	}
	go func() {
		defer func() {
			if r := recover(); r != nil {
				slog.Error("memory ingestion panic", "panic", r)
			}
		}()
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := o.memory.Ingest(ctx, req.UserID, req.Channel, req.Message); err != nil {
			slog.Warn("memory ingestion failed", "user", req.UserID, "error", err)
		}
	}()
}

// buildMessages lays out the provider message list: summary prefix, prior
// history, then the current user message.
func buildMessages(history []sessions.Entry, summary, userMsg string) []providers.Message {
	msgs := make([]providers.Message, 0, len(history)+3)
	if summary != "" {
		msgs = append(msgs,
			providers.Message{Role: providers.RoleUser,
				Content: "[Previous conversation summary]\n" + summary},
			providers.Message{Role: providers.RoleAssistant,
				Content: "Understood. I have the context from our earlier conversation."},
		)
	}
	for _, e := range history {
		switch e.Role {
		case sessions.RoleUser:
			msgs = append(msgs, providers.Message{Role: providers.RoleUser, Content: e.Content, Blocks: e.Blocks})
		case sessions.RoleAssistant:
			msgs = append(msgs, providers.Message{Role: providers.RoleAssistant, Content: e.Content, Blocks: e.Blocks})
		case sessions.RoleToolResult:
			msgs = append(msgs, providers.Message{Role: providers.RoleUser,
				Content: "[Earlier action result]\n" + e.Content})
		}
	}
	msgs = append(msgs, providers.Message{Role: providers.RoleUser, Content: userMsg})
	return msgs
}

func entryText(e sessions.Entry) string {
	if e.Content != "" {
		return e.Content
	}
	var b strings.Builder
	for _, blk := range e.Blocks {
		switch blk.Type {
		case "text":
			b.WriteString(blk.Text)
		case "tool_use":
			fmt.Fprintf(&b, "[tool call: %s]", blk.Name)
		case "tool_result":
			b.WriteString(blk.Content)
		}
	}
	return b.String()
}

// assistantToolUseMessage rebuilds the assistant turn as content blocks so
// the follow-up tool_result blocks can reference the tool_use ids.
func assistantToolUseMessage(resp *providers.ChatResponse) providers.Message {
	blocks := make([]providers.ContentBlock, 0, len(resp.ToolCalls)+1)
	if resp.Text != "" {
		blocks = append(blocks, providers.TextBlock(resp.Text))
	}
	for _, call := range resp.ToolCalls {
		blocks = append(blocks, providers.ToolUseBlock(call.ID, call.Name, call.Input))
	}
	return providers.Message{Role: providers.RoleAssistant, Blocks: blocks}
}

// extractOutputFiles pulls the output_files array from a JSON tool result
// envelope. Plain-text results return nil.
func extractOutputFiles(content string) []string {
	trimmed := strings.TrimSpace(content)
	if !strings.HasPrefix(trimmed, "{") {
		return nil
	}
	var envelope struct {
		OutputFiles []string `json:"output_files"`
	}
	if err := json.Unmarshal([]byte(trimmed), &envelope); err != nil {
		return nil
	}
	return envelope.OutputFiles
}
