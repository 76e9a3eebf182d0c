package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/wardenlabs/warden/internal/providers"
	"github.com/wardenlabs/warden/internal/sanitize"
	"github.com/wardenlabs/warden/internal/skills"
)

// toolOutcome is the tool_result produced for one requested call.
type toolOutcome struct {
	call    providers.ToolCall
	content string
	isError bool
	// pending marks a confirmation stub: the tool did not run.
	pending bool
}

// executeBatch runs one response's tool calls — sequentially for a single
// call, in parallel otherwise — and folds the outcomes into the turn state
// in request order.
func (o *Orchestrator) executeBatch(ctx context.Context, t *turnState, calls []providers.ToolCall) []toolOutcome {
	outcomes := make([]toolOutcome, len(calls))
	if len(calls) == 1 {
		outcomes[0] = o.execToolCall(ctx, t.caller, calls[0])
	} else {
		var wg sync.WaitGroup
		for i, call := range calls {
			wg.Add(1)
			go func(i int, call providers.ToolCall) {
				defer wg.Done()
				outcomes[i] = o.execToolCall(ctx, t.caller, call)
			}(i, call)
		}
		wg.Wait()
	}

	t.toolCalls += len(calls)
	for _, oc := range outcomes {
		if oc.pending {
			t.pendingConfirmation = true
			continue
		}
		o.store.CountToolCall(t.key)
		if files := extractOutputFiles(oc.content); len(files) > 0 {
			t.files = append(t.files, files...)
		}
	}
	return outcomes
}

// execToolCall applies the per-call policy: confirmation gate, 30 s timeout,
// one retry on a retryable failure, sanitized terminal error text.
func (o *Orchestrator) execToolCall(ctx context.Context, caller skills.CallerContext, call providers.ToolCall) toolOutcome {
	if def, ok := o.registry.Definition(call.Name); ok && o.requiresConfirmation(def) {
		return o.mintConfirmation(caller, call)
	}

	ctx, span := startToolSpan(ctx, call)
	defer span.End()

	res, err := o.dispatchOnce(ctx, call, caller)
	if err != nil {
		o.recordToolError(call.Name, err)
		if class := Classify(err); class.Retryable() {
			slog.Warn("retrying tool after failure",
				"tool", call.Name, "class", string(class), "error", err)
			if !sleepCtx(ctx, class.RetryDelay()) {
				return o.terminalOutcome(span, call, ctx.Err())
			}
			if res, err = o.dispatchOnce(ctx, call, caller); err != nil {
				o.recordToolError(call.Name, err)
			}
		}
	}
	if err != nil {
		return o.terminalOutcome(span, call, err)
	}

	recordToolSpanResult(span, res.IsError)
	return toolOutcome{call: call, content: res.Content, isError: res.IsError}
}

func (o *Orchestrator) dispatchOnce(ctx context.Context, call providers.ToolCall, caller skills.CallerContext) (*skills.Result, error) {
	callCtx, cancel := context.WithTimeout(ctx, o.cfg.ToolTimeout)
	defer cancel()
	res, err := o.registry.Dispatch(callCtx, call.Name, call.Input, caller)
	if err != nil && callCtx.Err() == context.DeadlineExceeded {
		return nil, fmt.Errorf("timed out after %s: %w", o.cfg.ToolTimeout, err)
	}
	return res, err
}

func (o *Orchestrator) terminalOutcome(span toolSpan, call providers.ToolCall, err error) toolOutcome {
	recordSpanError(span, err)
	return toolOutcome{
		call:    call,
		content: fmt.Sprintf("Error executing %s: %s", call.Name, sanitize.RedactError(err)),
		isError: true,
	}
}

// requiresConfirmation applies the tool's own confirmation flag plus the
// platform's sensitive-tool policy.
func (o *Orchestrator) requiresConfirmation(def skills.ToolDefinition) bool {
	if def.NeedsConfirmation() {
		return true
	}
	return def.Sensitive && o.cfg.SensitiveToolPolicy == "always_confirm"
}

// mintConfirmation parks the call behind a single-use token. The LLM sees
// the stub as a tool result and relays the confirmation request.
func (o *Orchestrator) mintConfirmation(caller skills.CallerContext, call providers.ToolCall) toolOutcome {
	skillName := ""
	if s, ok := o.registry.SkillForTool(call.Name); ok {
		skillName = s.Name()
	}
	desc := describeAction(call)
	tok, err := o.confirms.Create(caller.UserID, skillName, call.Name, call.Input, desc, "")
	if err != nil {
		slog.Error("confirmation mint failed", "tool", call.Name, "error", err)
		return toolOutcome{call: call,
			content: "Could not set up the confirmation for this action. Try again.", isError: true}
	}
	slog.Info("confirmation required", "user", caller.UserID, "tool", call.Name)
	return toolOutcome{
		call: call,
		content: fmt.Sprintf(
			"This action requires confirmation. Reply with \"confirm %s\" to proceed. Action: %s",
			tok, desc),
		pending: true,
	}
}

// describeAction renders a call as name({"arg":...}) for confirmation
// prompts and audit lines.
func describeAction(call providers.ToolCall) string {
	args, err := json.Marshal(call.Input)
	if err != nil || string(args) == "null" {
		return call.Name + "({})"
	}
	return fmt.Sprintf("%s(%s)", call.Name, args)
}

// sleepCtx pauses for d unless ctx ends first. Returns false when the
// context won.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	select {
	case <-time.After(d):
		return true
	case <-ctx.Done():
		return false
	}
}
