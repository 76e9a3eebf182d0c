package skills

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/wardenlabs/warden/internal/health"
	"github.com/wardenlabs/warden/internal/ratelimit"
)

// Registry holds every installed skill and the global tool namespace.
// Tool names are unique across skills; registration rejects collisions.
type Registry struct {
	mu     sync.RWMutex
	skills map[string]Skill
	tools  map[string]ToolDefinition
	owner  map[string]string // tool name -> skill name

	health  *health.Tracker
	limiter *ratelimit.Limiter
	auditor Auditor
}

// NewRegistry creates an empty registry. auditor may be nil.
func NewRegistry(tracker *health.Tracker, limiter *ratelimit.Limiter, auditor Auditor) *Registry {
	return &Registry{
		skills:  make(map[string]Skill),
		tools:   make(map[string]ToolDefinition),
		owner:   make(map[string]string),
		health:  tracker,
		limiter: limiter,
		auditor: auditor,
	}
}

// Register installs a skill and claims names for all its tools. The whole
// registration is rejected on the first invalid or colliding tool so a
// half-registered skill never exists.
func (r *Registry) Register(skill Skill) error {
	name := skill.Name()
	if name == "" {
		return fmt.Errorf("skill has empty name")
	}
	defs := skill.ListTools()

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.skills[name]; exists {
		return fmt.Errorf("skill %q already registered", name)
	}
	for _, d := range defs {
		if err := d.validate(); err != nil {
			return fmt.Errorf("skill %q: %w", name, err)
		}
		if owner, taken := r.owner[d.Name]; taken {
			return fmt.Errorf("skill %q: tool %q already registered by skill %q", name, d.Name, owner)
		}
	}
	r.skills[name] = skill
	for _, d := range defs {
		r.tools[d.Name] = d
		r.owner[d.Name] = name
	}
	slog.Info("skill registered", "skill", name, "kind", string(skill.Kind()), "tools", len(defs))
	return nil
}

// Unregister removes a skill and frees its tool names.
func (r *Registry) Unregister(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.skills[name]; !ok {
		return false
	}
	delete(r.skills, name)
	for tool, owner := range r.owner {
		if owner == name {
			delete(r.owner, tool)
			delete(r.tools, tool)
		}
	}
	return true
}

// ToolDefinitions returns a snapshot of registered tools, optionally hiding
// those restricted to the main agent. Order is stable (sorted by name).
func (r *Registry) ToolDefinitions(excludeMainAgentOnly bool) []ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ToolDefinition, 0, len(r.tools))
	for _, d := range r.tools {
		if excludeMainAgentOnly && d.MainAgentOnly {
			continue
		}
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// SkillForTool resolves the skill owning a tool name.
func (r *Registry) SkillForTool(tool string) (Skill, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	owner, ok := r.owner[tool]
	if !ok {
		return nil, false
	}
	s, ok := r.skills[owner]
	return s, ok
}

// Definition returns the definition of a registered tool.
func (r *Registry) Definition(tool string) (ToolDefinition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.tools[tool]
	return d, ok
}

// ToolRequiresConfirmation reports whether invoking the tool must be gated
// behind a confirmation token. Unknown tools do not.
func (r *Registry) ToolRequiresConfirmation(tool string) bool {
	d, ok := r.Definition(tool)
	return ok && d.NeedsConfirmation()
}

// IsSensitiveTool reports whether the tool's inputs must be flagged in audit.
func (r *Registry) IsSensitiveTool(tool string) bool {
	d, ok := r.Definition(tool)
	return ok && d.Sensitive
}

// RegisteredToolNames returns all tool names, sorted.
func (r *Registry) RegisteredToolNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// SkillNames returns all registered skill names, sorted.
func (r *Registry) SkillNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.skills))
	for name := range r.skills {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Health exposes the tracker for status surfaces.
func (r *Registry) Health() *health.Tracker {
	return r.health
}

// StartupAll runs Startup on every skill. A failing skill is unregistered
// and reported; the rest keep running.
func (r *Registry) StartupAll(ctx context.Context) []error {
	r.mu.RLock()
	snapshot := make([]Skill, 0, len(r.skills))
	for _, s := range r.skills {
		snapshot = append(snapshot, s)
	}
	r.mu.RUnlock()

	var errs []error
	for _, s := range snapshot {
		if err := s.Startup(ctx); err != nil {
			slog.Error("skill startup failed, unregistering", "skill", s.Name(), "error", err)
			r.Unregister(s.Name())
			errs = append(errs, fmt.Errorf("skill %q startup: %w", s.Name(), err))
		}
	}
	return errs
}

// ShutdownAll runs Shutdown on every skill, logging failures.
func (r *Registry) ShutdownAll(ctx context.Context) {
	r.mu.RLock()
	snapshot := make([]Skill, 0, len(r.skills))
	for _, s := range r.skills {
		snapshot = append(snapshot, s)
	}
	r.mu.RUnlock()

	for _, s := range snapshot {
		if err := s.Shutdown(ctx); err != nil {
			slog.Warn("skill shutdown failed", "skill", s.Name(), "error", err)
		}
	}
}
