// Package confirm holds short-lived capability tokens that gate destructive
// tool invocations. A token is minted when a tool requires confirmation,
// handed to the user inside the assistant reply, and consumed exactly once
// when the user replies "confirm <token>".
package confirm

import (
	"log/slog"
	"os"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	// DefaultTTL is how long a minted token stays valid.
	DefaultTTL = 5 * time.Minute
	// sweepInterval is the cadence of the expired-token sweep.
	sweepInterval = 5 * time.Minute

	// attemptRate and attemptBurst bound how fast a single user may submit
	// confirmation replies, valid or not.
	attemptRate  = rate.Limit(0.5) // one attempt per 2s sustained
	attemptBurst = 5
)

// Action is the pending tool invocation a token stands for.
type Action struct {
	Token       string
	UserID      string
	SkillName   string
	ToolName    string
	Input       map[string]any
	Description string
	TempDir     string
	ExpiresAt   time.Time
}

// Manager stores pending actions keyed by token. All methods are safe for
// concurrent use.
type Manager struct {
	mu       sync.Mutex
	pending  map[string]*Action
	attempts map[string]*rate.Limiter
	ttl      time.Duration

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewManager creates a Manager and starts its background sweep.
func NewManager() *Manager {
	m := &Manager{
		pending:  make(map[string]*Action),
		attempts: make(map[string]*rate.Limiter),
		ttl:      DefaultTTL,
		stop:     make(chan struct{}),
	}
	m.wg.Add(1)
	go m.sweepLoop()
	return m
}

// Create mints a single-use token for the given tool invocation and stores
// the pending action. tempDir may be empty.
func (m *Manager) Create(userID, skillName, toolName string, input map[string]any, description, tempDir string) (string, error) {
	tok, err := newToken()
	if err != nil {
		return "", err
	}
	act := &Action{
		Token:       tok,
		UserID:      userID,
		SkillName:   skillName,
		ToolName:    toolName,
		Input:       input,
		Description: description,
		TempDir:     tempDir,
		ExpiresAt:   time.Now().Add(m.ttl),
	}
	m.mu.Lock()
	m.pending[tok] = act
	m.mu.Unlock()
	slog.Debug("confirmation created", "user", userID, "tool", toolName, "expires_at", act.ExpiresAt)
	return tok, nil
}

// AllowAttempt reports whether userID may submit another confirmation reply.
// Attempts are throttled per user so tokens cannot be guessed by volume.
func (m *Manager) AllowAttempt(userID string) bool {
	m.mu.Lock()
	lim, ok := m.attempts[userID]
	if !ok {
		lim = rate.NewLimiter(attemptRate, attemptBurst)
		m.attempts[userID] = lim
	}
	m.mu.Unlock()
	return lim.Allow()
}

// Consume atomically takes the pending action for tok. It returns nil when
// the token is unknown, expired, already consumed, or owned by another user.
// The caller becomes responsible for the action's TempDir.
func (m *Manager) Consume(tok, userID string) *Action {
	m.mu.Lock()
	defer m.mu.Unlock()
	act, ok := m.pending[tok]
	if !ok {
		return nil
	}
	if act.UserID != userID {
		slog.Warn("confirmation user mismatch", "user", userID, "owner", act.UserID, "tool", act.ToolName)
		return nil
	}
	if time.Now().After(act.ExpiresAt) {
		delete(m.pending, tok)
		removeTempDir(act)
		return nil
	}
	delete(m.pending, tok)
	return act
}

// Cleanup removes expired tokens and their temp directories, and drops idle
// attempt limiters. It is called by the background sweep and may be called
// directly.
func (m *Manager) Cleanup() int {
	now := time.Now()
	m.mu.Lock()
	var evicted []*Action
	for tok, act := range m.pending {
		if now.After(act.ExpiresAt) {
			delete(m.pending, tok)
			evicted = append(evicted, act)
		}
	}
	for user, lim := range m.attempts {
		if lim.Tokens() >= float64(attemptBurst) {
			delete(m.attempts, user)
		}
	}
	m.mu.Unlock()

	for _, act := range evicted {
		removeTempDir(act)
	}
	if len(evicted) > 0 {
		slog.Debug("expired confirmations swept", "count", len(evicted))
	}
	return len(evicted)
}

// Pending returns the number of live tokens.
func (m *Manager) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}

// Stop halts the background sweep. Pending tokens are left in place.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() { close(m.stop) })
	m.wg.Wait()
}

func (m *Manager) sweepLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			m.Cleanup()
		}
	}
}

func removeTempDir(act *Action) {
	if act.TempDir == "" {
		return
	}
	if err := os.RemoveAll(act.TempDir); err != nil {
		slog.Warn("failed to remove confirmation temp dir", "dir", act.TempDir, "error", err)
	}
}
