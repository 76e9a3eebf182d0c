package skills

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/wardenlabs/warden/internal/schema"
)

// Result is the outcome of a tool execution as seen by the LLM. Policy
// refusals (unknown tool, restricted tool, bad input, unavailable skill,
// rate limit) are results, not errors: the model reads the refusal and
// adjusts, instead of the loop crashing.
type Result struct {
	Content string
	IsError bool
}

func okResult(content string) *Result  { return &Result{Content: content} }
func errResult(content string) *Result { return &Result{Content: content, IsError: true} }

// ToolAudit is the record handed to the audit sink after every dispatch
// attempt that reached a decision.
type ToolAudit struct {
	UserID     string
	Channel    string
	Skill      string
	Tool       string
	Input      map[string]any
	Sensitive  bool
	IsSubagent bool
	Outcome    string // executed | error | blocked | invalid | unavailable | rate_limited | unknown_tool
	Error      string
	Duration   time.Duration
}

// Auditor receives tool execution records. Implementations must not block;
// the registry calls Record inline on the execution path.
type Auditor interface {
	Record(ctx context.Context, rec ToolAudit)
}

// ExecuteToolCall resolves, gates, validates and dispatches one tool call,
// folding dispatch errors into the result so the LLM always gets a string.
func (r *Registry) ExecuteToolCall(ctx context.Context, tool string, input map[string]any, caller CallerContext) *Result {
	res, err := r.Dispatch(ctx, tool, input, caller)
	if err != nil {
		return errResult(fmt.Sprintf("Tool %q failed: %v", tool, err))
	}
	return res
}

// Dispatch runs the same pipeline as ExecuteToolCall but hands execution
// errors back to the caller for classification and retry. Policy refusals
// (unknown tool, restricted tool, bad input, unavailable skill, rate limit)
// still come back as results, never errors.
//
// The pipeline order is fixed: lookup, main-agent gate, input validation,
// health, rate limit, dispatch. Only dispatch outcomes feed health tracking.
func (r *Registry) Dispatch(ctx context.Context, tool string, input map[string]any, caller CallerContext) (*Result, error) {
	start := time.Now()
	rec := ToolAudit{
		UserID:     caller.UserID,
		Channel:    caller.Channel,
		Tool:       tool,
		Input:      input,
		IsSubagent: caller.IsSubagent,
	}

	def, ok := r.Definition(tool)
	if !ok {
		rec.Outcome = "unknown_tool"
		r.record(ctx, rec, start)
		return errResult(fmt.Sprintf("Unknown tool %q.", tool)), nil
	}
	skill, ok := r.SkillForTool(tool)
	if !ok {
		rec.Outcome = "unknown_tool"
		r.record(ctx, rec, start)
		return errResult(fmt.Sprintf("Unknown tool %q.", tool)), nil
	}
	rec.Skill = skill.Name()
	rec.Sensitive = def.Sensitive

	if def.MainAgentOnly && caller.IsSubagent {
		slog.Warn("blocked main-agent-only tool from subagent",
			"tool", tool, "user", caller.UserID, "run_id", caller.RunID)
		rec.Outcome = "blocked"
		r.record(ctx, rec, start)
		return errResult(fmt.Sprintf("Tool %q is restricted to the main agent only.", tool)), nil
	}

	sanitized, verrs := schema.Validate(input, def.InputSchema)
	if len(verrs) > 0 {
		rec.Outcome = "invalid"
		rec.Error = strings.Join(verrs, "; ")
		r.record(ctx, rec, start)
		return errResult(fmt.Sprintf("Invalid input for tool %q: %s", tool, strings.Join(verrs, "; "))), nil
	}
	rec.Input = sanitized

	if !r.health.IsAvailable(skill.Name()) {
		rec.Outcome = "unavailable"
		r.record(ctx, rec, start)
		return errResult(fmt.Sprintf("Skill %q is temporarily unavailable. Try again later.", skill.Name())), nil
	}

	if def.RateLimit != nil {
		d := r.limiter.Check(ctx, "tool:"+tool, caller.UserID, *def.RateLimit)
		if !d.Allowed {
			rec.Outcome = "rate_limited"
			r.record(ctx, rec, start)
			return errResult(fmt.Sprintf("Rate limit exceeded for tool %q. Retry in %d seconds.", tool, d.RetryAfterSeconds)), nil
		}
	}

	out, err := skill.Execute(ctx, tool, sanitized, caller)
	if err != nil {
		r.health.RecordFailure(skill.Name(), err)
		rec.Outcome = "error"
		rec.Error = err.Error()
		r.record(ctx, rec, start)
		slog.Warn("tool execution failed", "tool", tool, "skill", skill.Name(), "user", caller.UserID, "error", err)
		return nil, err
	}
	r.health.RecordSuccess(skill.Name())
	rec.Outcome = "executed"
	r.record(ctx, rec, start)
	return okResult(out), nil
}

func (r *Registry) record(ctx context.Context, rec ToolAudit, start time.Time) {
	if r.auditor == nil {
		return
	}
	rec.Duration = time.Since(start)
	r.auditor.Record(ctx, rec)
}
