package skills

import (
	"fmt"
	"regexp"

	"github.com/wardenlabs/warden/internal/ratelimit"
)

// Permission tiers order tools by blast radius. Tiers 3 and 4 mutate or
// destroy external state and always require confirmation.
const (
	TierReadOnly    = 0
	TierLocalWrite  = 1
	TierExternal    = 2
	TierMutating    = 3
	TierDestructive = 4
)

// ToolDefinition describes one tool as presented to the LLM and enforced by
// the registry.
type ToolDefinition struct {
	Name                 string           `json:"name"`
	Description          string           `json:"description"`
	InputSchema          map[string]any   `json:"inputSchema"`
	PermissionTier       int              `json:"permissionTier"`
	RequiresConfirmation bool             `json:"requiresConfirmation,omitempty"`
	MainAgentOnly        bool             `json:"mainAgentOnly,omitempty"`
	Sensitive            bool             `json:"sensitive,omitempty"`
	RequiresCritique     bool             `json:"requiresCritique,omitempty"`
	RateLimit            *ratelimit.Limit `json:"rateLimit,omitempty"`
}

var toolNameRe = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

// validate rejects definitions that would confuse the LLM or the registry.
func (d ToolDefinition) validate() error {
	if !toolNameRe.MatchString(d.Name) {
		return fmt.Errorf("tool name %q must be lowercase snake_case", d.Name)
	}
	if d.PermissionTier < TierReadOnly || d.PermissionTier > TierDestructive {
		return fmt.Errorf("tool %q has permission tier %d outside 0..4", d.Name, d.PermissionTier)
	}
	if d.InputSchema != nil {
		if typ, _ := d.InputSchema["type"].(string); typ != "" && typ != "object" {
			return fmt.Errorf("tool %q input schema must be object-typed, got %q", d.Name, typ)
		}
	}
	return nil
}

// NeedsConfirmation reports whether an invocation must be gated behind a
// confirmation token. Mutating and destructive tiers imply it.
func (d ToolDefinition) NeedsConfirmation() bool {
	return d.RequiresConfirmation || d.PermissionTier >= TierMutating
}
