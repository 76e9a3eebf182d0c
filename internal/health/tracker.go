// Package health tracks per-skill availability from execution outcomes.
// A skill degrades after repeated consecutive failures and comes back
// through a quiet recovery window, so one flaky upstream cannot keep a
// skill permanently dark.
package health

import (
	"log/slog"
	"sync"
	"time"
)

// State is the availability classification of a skill.
type State string

const (
	StateHealthy     State = "healthy"
	StateDegraded    State = "degraded"
	StateUnavailable State = "unavailable"
)

const (
	// DefaultDegradedThreshold is the consecutive-failure count at which a
	// skill is marked degraded.
	DefaultDegradedThreshold = 3
	// DefaultUnavailableThreshold is the consecutive-failure count at which
	// a skill stops receiving calls.
	DefaultUnavailableThreshold = 5
	// DefaultRecoveryWindow is how long an unavailable skill must stay
	// quiet before it is allowed to try again.
	DefaultRecoveryWindow = 5 * time.Minute
)

// Status is a point-in-time copy of one skill's health.
type Status struct {
	State               State
	ConsecutiveFailures int
	LastFailureAt       time.Time
	LastError           string
}

type entry struct {
	state       State
	failures    int
	lastFailure time.Time
	lastError   string
}

// Option configures a Tracker.
type Option func(*Tracker)

func WithThresholds(degraded, unavailable int) Option {
	return func(t *Tracker) {
		t.degradedAt = degraded
		t.unavailableAt = unavailable
	}
}

func WithRecoveryWindow(d time.Duration) Option {
	return func(t *Tracker) {
		t.recoveryWindow = d
	}
}

// Tracker holds health state for every registered skill. Skills it has
// never seen are healthy. Safe for concurrent use.
type Tracker struct {
	mu             sync.Mutex
	skills         map[string]*entry
	degradedAt     int
	unavailableAt  int
	recoveryWindow time.Duration
}

func NewTracker(opts ...Option) *Tracker {
	t := &Tracker{
		skills:         make(map[string]*entry),
		degradedAt:     DefaultDegradedThreshold,
		unavailableAt:  DefaultUnavailableThreshold,
		recoveryWindow: DefaultRecoveryWindow,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// RecordSuccess resets the skill to healthy.
func (t *Tracker) RecordSuccess(skill string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e := t.entryFor(skill)
	if e.state != StateHealthy {
		slog.Info("skill recovered", "skill", skill, "previous_state", string(e.state))
	}
	e.state = StateHealthy
	e.failures = 0
	e.lastError = ""
}

// RecordFailure counts a consecutive failure and transitions state when a
// threshold is crossed.
func (t *Tracker) RecordFailure(skill string, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e := t.entryFor(skill)
	e.failures++
	e.lastFailure = time.Now()
	if err != nil {
		e.lastError = err.Error()
	}
	prev := e.state
	switch {
	case e.failures >= t.unavailableAt:
		e.state = StateUnavailable
	case e.failures >= t.degradedAt:
		e.state = StateDegraded
	}
	if e.state != prev {
		slog.Warn("skill health transition",
			"skill", skill, "state", string(e.state), "consecutive_failures", e.failures, "error", e.lastError)
	}
}

// IsAvailable reports whether the skill may receive calls. Only the
// unavailable state blocks dispatch; degraded skills still run.
func (t *Tracker) IsAvailable(skill string) bool {
	return t.State(skill) != StateUnavailable
}

// State returns the current state of the skill, applying the recovery
// window: an unavailable skill with no failures inside the window drops
// back to degraded and gets another chance.
func (t *Tracker) State(skill string) State {
	t.mu.Lock()
	defer t.mu.Unlock()
	e := t.entryFor(skill)
	t.refresh(skill, e)
	return e.state
}

// Snapshot returns a copy of every tracked skill's status.
func (t *Tracker) Snapshot() map[string]Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]Status, len(t.skills))
	for name, e := range t.skills {
		t.refresh(name, e)
		out[name] = Status{
			State:               e.state,
			ConsecutiveFailures: e.failures,
			LastFailureAt:       e.lastFailure,
			LastError:           e.lastError,
		}
	}
	return out
}

func (t *Tracker) entryFor(skill string) *entry {
	e, ok := t.skills[skill]
	if !ok {
		e = &entry{state: StateHealthy}
		t.skills[skill] = e
	}
	return e
}

// refresh applies the recovery-window transition. Caller holds t.mu.
func (t *Tracker) refresh(skill string, e *entry) {
	if e.state != StateUnavailable {
		return
	}
	if time.Since(e.lastFailure) < t.recoveryWindow {
		return
	}
	e.state = StateDegraded
	// Next failure re-crosses the unavailable threshold immediately; a
	// recovered upstream clears everything on its first success.
	e.failures = t.unavailableAt - 1
	slog.Info("skill recovery window elapsed", "skill", skill, "state", string(e.state))
}
