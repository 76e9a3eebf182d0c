package subagent

import (
	"context"
	"errors"
	"fmt"

	"github.com/wardenlabs/warden/internal/skills"
)

// validateSpawn runs the admission checks that need no map state, in fixed
// order: feature flag, recursion guard, spawn rate limit. The per-user and
// global caps are enforced in admit under the map lock so concurrent spawns
// cannot overshoot them.
func (m *Manager) validateSpawn(ctx context.Context, userID string) error {
	if !m.cfg.Enabled {
		return errors.New("cannot spawn sub-agent: the feature is disabled")
	}
	if caller := skills.CallerFromCtx(ctx); caller.IsSubagent {
		return errors.New("cannot spawn sub-agent: sub-agents may not spawn further sub-agents")
	}
	if m.limiter != nil {
		if d := m.limiter.Check(ctx, "subagent:spawn", userID, m.cfg.SpawnLimit); !d.Allowed {
			return fmt.Errorf("cannot spawn sub-agent: spawn rate limit reached, retry in %d seconds", d.RetryAfterSeconds)
		}
	}
	return nil
}

// admit enforces the per-user and global active caps and registers the run,
// all under one lock.
func (m *Manager) admit(ar *activeRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var user, total int
	for _, other := range m.runs {
		if isTerminal(other.rec.Status) {
			continue
		}
		total++
		if other.rec.UserID == ar.rec.UserID {
			user++
		}
	}
	if user >= m.cfg.MaxPerUser {
		return fmt.Errorf("cannot spawn sub-agent: you already have %d active runs (limit %d)", user, m.cfg.MaxPerUser)
	}
	if total >= m.cfg.MaxConcurrent {
		return fmt.Errorf("cannot spawn sub-agent: the platform is at its concurrent run limit (%d)", m.cfg.MaxConcurrent)
	}
	m.runs[ar.rec.ID] = ar
	return nil
}
