// Package skills is the capability layer: skills own tools, the registry
// resolves and dispatches them, and every execution passes one policy
// pipeline (caller gate, input validation, health, rate limit, audit).
package skills

import (
	"context"
	"encoding/json"
	"strings"
)

// Kind distinguishes externally-backed integrations from local skills.
type Kind string

const (
	KindIntegration Kind = "integration"
	KindSkill       Kind = "skill"
)

// Skill owns a set of tools and executes them. Implementations must be safe
// for concurrent Execute calls; per-call state travels in ctx and caller.
type Skill interface {
	Name() string
	Kind() Kind
	ListTools() []ToolDefinition
	Execute(ctx context.Context, tool string, input map[string]any, caller CallerContext) (string, error)
	Startup(ctx context.Context) error
	Shutdown(ctx context.Context) error
	// RequiredConfig names config keys that must be set for the skill to be
	// registered at all.
	RequiredConfig() []string
}

// NopLifecycle provides no-op Startup/Shutdown/RequiredConfig for skills
// without external state. Embed it.
type NopLifecycle struct{}

func (NopLifecycle) Startup(context.Context) error  { return nil }
func (NopLifecycle) Shutdown(context.Context) error { return nil }
func (NopLifecycle) RequiredConfig() []string       { return nil }

// Envelope is the JSON wrapper skills return when an execution produces
// files alongside text. Plain-text results skip the envelope entirely.
type Envelope struct {
	Text        string   `json:"text,omitempty"`
	OutputFiles []string `json:"output_files"`
}

// EncodeFileResult wraps text and file paths into an envelope string.
func EncodeFileResult(text string, files ...string) string {
	b, err := json.Marshal(Envelope{Text: text, OutputFiles: files})
	if err != nil {
		return text
	}
	return string(b)
}

// DecodeEnvelope recognizes an envelope produced by EncodeFileResult.
// Returns false for plain-text results.
func DecodeEnvelope(s string) (*Envelope, bool) {
	trimmed := strings.TrimSpace(s)
	if !strings.HasPrefix(trimmed, "{") || !strings.Contains(trimmed, "output_files") {
		return nil, false
	}
	var env Envelope
	if err := json.Unmarshal([]byte(trimmed), &env); err != nil {
		return nil, false
	}
	return &env, true
}
