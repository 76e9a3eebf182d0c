package subagent

import (
	"context"
	"fmt"
	"strings"

	"github.com/wardenlabs/warden/internal/sanitize"
	"github.com/wardenlabs/warden/internal/skills"
)

// Skill exposes the manager to the main agent as tools. Every tool is
// main-agent-only; together with the recursion guard this keeps sub-agents
// from ever seeing or reaching the spawn surface.
type Skill struct {
	skills.NopLifecycle
	mgr *Manager
}

func NewSkill(mgr *Manager) *Skill { return &Skill{mgr: mgr} }

func (s *Skill) Name() string      { return "subagent" }
func (s *Skill) Kind() skills.Kind { return skills.KindSkill }

func (s *Skill) ListTools() []skills.ToolDefinition {
	taskProp := map[string]any{
		"type":        "string",
		"description": "Complete, self-contained task description. The sub-agent sees nothing else.",
	}
	runIDProp := map[string]any{
		"type":        "string",
		"description": "Run id returned by subagent_spawn.",
	}
	return []skills.ToolDefinition{
		{
			Name:        "subagent_spawn",
			Description: "Start a background sub-agent for a long or parallel task. Returns a run id immediately; the result is announced to this channel when ready.",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"task":            taskProp,
					"preferred_model": map[string]any{"type": "string", "description": "Optional model override."},
					"timeout_seconds": map[string]any{"type": "number", "minimum": float64(10), "maximum": float64(3600)},
					"instructions":    map[string]any{"type": "string", "description": "Extra guidance appended to the sub-agent prompt."},
				},
				"required": []any{"task"},
			},
			PermissionTier: skills.TierExternal,
			MainAgentOnly:  true,
		},
		{
			Name:        "subagent_delegate",
			Description: "Run a focused sub-agent and wait for its result. Use for bounded research or analysis that benefits from a clean context.",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"task":            taskProp,
					"preferred_model": map[string]any{"type": "string", "description": "Optional model override."},
					"instructions":    map[string]any{"type": "string", "description": "Extra guidance appended to the sub-agent prompt."},
				},
				"required": []any{"task"},
			},
			PermissionTier: skills.TierExternal,
			MainAgentOnly:  true,
		},
		{
			Name:        "subagent_stop",
			Description: "Cancel one of your active sub-agent runs.",
			InputSchema: map[string]any{
				"type":       "object",
				"properties": map[string]any{"run_id": runIDProp},
				"required":   []any{"run_id"},
			},
			PermissionTier: skills.TierReadOnly,
			MainAgentOnly:  true,
		},
		{
			Name:        "subagent_send",
			Description: "Send a follow-up message to one of your running sub-agents.",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"run_id":  runIDProp,
					"message": map[string]any{"type": "string"},
				},
				"required": []any{"run_id", "message"},
			},
			PermissionTier: skills.TierReadOnly,
			MainAgentOnly:  true,
		},
		{
			Name:        "subagent_status",
			Description: "List your sub-agent runs and their statuses.",
			InputSchema: map[string]any{
				"type":       "object",
				"properties": map[string]any{},
			},
			PermissionTier: skills.TierReadOnly,
			MainAgentOnly:  true,
		},
	}
}

func (s *Skill) Execute(ctx context.Context, tool string, input map[string]any, caller skills.CallerContext) (string, error) {
	switch tool {
	case "subagent_spawn":
		receipt, err := s.mgr.Spawn(ctx, caller.UserID, caller.Channel, strInput(input, "task"), optionsFromInput(input))
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("Sub-agent accepted with run id %s. Its result will be announced here when ready.", receipt.RunID), nil

	case "subagent_delegate":
		result, err := s.mgr.DelegateSync(ctx, caller.UserID, caller.Channel, strInput(input, "task"), optionsFromInput(input))
		if err != nil {
			return "", err
		}
		return WrapResult(result), nil

	case "subagent_stop":
		stopped, err := s.mgr.StopRun(caller.UserID, strInput(input, "run_id"))
		if err != nil {
			return "", err
		}
		if !stopped {
			return "No active run with that id.", nil
		}
		return "Run stopped.", nil

	case "subagent_send":
		if !s.mgr.SendToRun(caller.UserID, strInput(input, "run_id"), strInput(input, "message")) {
			return "Message not delivered: the run is not active or not yours.", nil
		}
		return "Message queued for the run.", nil

	case "subagent_status":
		runs := s.mgr.RunsForUser(caller.UserID)
		if len(runs) == 0 {
			return "No sub-agent runs.", nil
		}
		var b strings.Builder
		for _, r := range runs {
			fmt.Fprintf(&b, "- %s [%s/%s] %s\n", r.ID, r.Status, r.Mode, sanitize.Truncate(r.Task, 80))
		}
		return strings.TrimSpace(b.String()), nil
	}
	return "", fmt.Errorf("unknown tool %q", tool)
}

// WrapResult marks sub-agent output as untrusted content before the main
// agent's LLM sees it.
func WrapResult(s string) string {
	return "<subagent_result>\n" + sanitize.AssistantText(s) + "\n</subagent_result>"
}

func strInput(input map[string]any, key string) string {
	v, _ := input[key].(string)
	return v
}

func optionsFromInput(input map[string]any) Options {
	var o Options
	o.PreferredModel = strInput(input, "preferred_model")
	o.Instructions = strInput(input, "instructions")
	if secs, ok := input["timeout_seconds"].(float64); ok && secs > 0 {
		o.TimeoutMs = int(secs * 1000)
	}
	return o
}
