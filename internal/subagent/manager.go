// Package subagent manages delegated agent runs: spawn accounting,
// cancellation, wall-clock timeouts, bounded transcripts, and completion
// announcements. Each run drives its own restricted tool-use loop against
// a provider picked at start time; the main agent only ever sees the
// wrapped result.
package subagent

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/wardenlabs/warden/internal/bus"
	"github.com/wardenlabs/warden/internal/providers"
	"github.com/wardenlabs/warden/internal/ratelimit"
	"github.com/wardenlabs/warden/internal/sanitize"
	"github.com/wardenlabs/warden/internal/skills"
)

// Run statuses. A run moves accepted → running → one terminal status.
const (
	StatusAccepted  = "accepted"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
	StatusTimeout   = "timeout"
)

// Run modes.
const (
	ModeSync  = "sync"
	ModeAsync = "async"
)

func isTerminal(status string) bool {
	switch status {
	case StatusCompleted, StatusFailed, StatusCancelled, StatusTimeout:
		return true
	}
	return false
}

// TranscriptEntry is one step of a run's in-memory transcript. Roles are
// user, assistant, and tool_result; tool results carry the tool name.
type TranscriptEntry struct {
	Role     string    `json:"role"`
	Content  string    `json:"content"`
	ToolName string    `json:"toolName,omitempty"`
	At       time.Time `json:"at"`
}

const (
	roleUser       = "user"
	roleAssistant  = "assistant"
	roleToolResult = "tool_result"
)

// Run is the record of one sub-agent execution. Completed records linger in
// memory until the archive sweep drops them; nothing survives a restart.
type Run struct {
	ID            string            `json:"id"`
	UserID        string            `json:"userId"`
	Channel       string            `json:"channel"`
	ParentRunID   string            `json:"parentRunId,omitempty"`
	Task          string            `json:"task"`
	Status        string            `json:"status"`
	Mode          string            `json:"mode"`
	Model         string            `json:"model,omitempty"`
	Provider      string            `json:"provider,omitempty"`
	Result        string            `json:"result,omitempty"`
	Error         string            `json:"error,omitempty"`
	InputTokens   int64             `json:"inputTokens"`
	OutputTokens  int64             `json:"outputTokens"`
	ToolCallCount int               `json:"toolCallCount"`
	TimeoutMs     int               `json:"timeoutMs"`
	Transcript    []TranscriptEntry `json:"transcript,omitempty"`
	AllowedTools  []string          `json:"allowedTools,omitempty"`
	BlockedTools  []string          `json:"blockedTools,omitempty"`
	CreatedAt     time.Time         `json:"createdAt"`
	StartedAt     *time.Time        `json:"startedAt,omitempty"`
	CompletedAt   *time.Time        `json:"completedAt,omitempty"`
}

// Options tune a single spawn or delegation.
type Options struct {
	PreferredModel string
	AllowedTools   []string
	BlockedTools   []string
	TimeoutMs      int
	// Instructions are appended to the system prompt after the safety
	// preamble and task context. They can add to the prompt, never
	// replace it.
	Instructions string
}

// SpawnReceipt acknowledges an accepted async run.
type SpawnReceipt struct {
	Status string `json:"status"`
	RunID  string `json:"runId"`
}

// Config bounds sub-agent execution. Zero numeric fields fall back to the
// defaults; Enabled and SpawnLimit are taken as configured.
type Config struct {
	Enabled                bool            `json:"enabled"`
	MaxConcurrent          int             `json:"maxConcurrent"`
	MaxPerUser             int             `json:"maxPerUser"`
	SpawnLimit             ratelimit.Limit `json:"spawnLimit"`
	DefaultTimeoutMs       int             `json:"defaultTimeoutMs"`
	SyncTimeoutSeconds     int             `json:"syncTimeoutSeconds"`
	CleanupIntervalSeconds int             `json:"cleanupIntervalSeconds"`
	ArchiveTTLSeconds      int             `json:"archiveTtlSeconds"`
	MaxTranscriptEntries   int             `json:"maxTranscriptEntries"`
	MaxTokenBudget         int64           `json:"maxTokenBudget"`
	MaxToolCalls           int             `json:"maxToolCalls"`
	ToolTimeoutSeconds     int             `json:"toolTimeoutSeconds"`
	MaxIterations          int             `json:"maxIterations"`
}

// DefaultConfig returns the stock limits.
func DefaultConfig() Config {
	return Config{
		Enabled:                true,
		MaxConcurrent:          8,
		MaxPerUser:             3,
		SpawnLimit:             ratelimit.Limit{MaxRequests: 10, WindowSeconds: 3600},
		DefaultTimeoutMs:       300_000,
		SyncTimeoutSeconds:     120,
		CleanupIntervalSeconds: 60,
		ArchiveTTLSeconds:      3600,
		MaxTranscriptEntries:   100,
		MaxTokenBudget:         200_000,
		MaxToolCalls:           20,
		ToolTimeoutSeconds:     30,
		MaxIterations:          12,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = def.MaxConcurrent
	}
	if c.MaxPerUser <= 0 {
		c.MaxPerUser = def.MaxPerUser
	}
	if c.DefaultTimeoutMs <= 0 {
		c.DefaultTimeoutMs = def.DefaultTimeoutMs
	}
	if c.SyncTimeoutSeconds <= 0 {
		c.SyncTimeoutSeconds = def.SyncTimeoutSeconds
	}
	if c.CleanupIntervalSeconds <= 0 {
		c.CleanupIntervalSeconds = def.CleanupIntervalSeconds
	}
	if c.ArchiveTTLSeconds <= 0 {
		c.ArchiveTTLSeconds = def.ArchiveTTLSeconds
	}
	if c.MaxTranscriptEntries <= 0 {
		c.MaxTranscriptEntries = def.MaxTranscriptEntries
	}
	if c.MaxTokenBudget <= 0 {
		c.MaxTokenBudget = def.MaxTokenBudget
	}
	if c.MaxToolCalls <= 0 {
		c.MaxToolCalls = def.MaxToolCalls
	}
	if c.ToolTimeoutSeconds <= 0 {
		c.ToolTimeoutSeconds = def.ToolTimeoutSeconds
	}
	if c.MaxIterations <= 0 {
		c.MaxIterations = def.MaxIterations
	}
	return c
}

// activeRun couples a run record with its control handles. All fields are
// guarded by Manager.mu.
type activeRun struct {
	rec    Run
	cancel context.CancelFunc
	timer  *time.Timer
	queue  []string
}

// Manager owns every sub-agent run. One mutex guards the run map and all
// record mutation; the semaphore bounds how many runs execute in parallel.
type Manager struct {
	cfg       Config
	providers *providers.Manager
	registry  *skills.Registry
	limiter   *ratelimit.Limiter
	publisher bus.Publisher
	announce  AnnounceCallback
	sem       *semaphore.Weighted

	mu   sync.Mutex
	runs map[string]*activeRun

	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
	now      func() time.Time
}

// NewManager wires a Manager. Call Start to begin the archive sweep and
// Shutdown to stop everything.
func NewManager(cfg Config, pm *providers.Manager, reg *skills.Registry, limiter *ratelimit.Limiter, publisher bus.Publisher, announce AnnounceCallback) *Manager {
	cfg = cfg.withDefaults()
	return &Manager{
		cfg:       cfg,
		providers: pm,
		registry:  reg,
		limiter:   limiter,
		publisher: publisher,
		announce:  announce,
		sem:       semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
		runs:      make(map[string]*activeRun),
		done:      make(chan struct{}),
		now:       time.Now,
	}
}

// Start launches the background archive sweep.
func (m *Manager) Start() {
	m.wg.Add(1)
	go m.sweepLoop()
}

// Spawn accepts an async run: validate, mint an id, publish
// subagent.spawned, arm the wall-clock timeout, hand the run to a
// background executor, return immediately.
func (m *Manager) Spawn(ctx context.Context, userID, channel, task string, opts Options) (SpawnReceipt, error) {
	if strings.TrimSpace(task) == "" {
		return SpawnReceipt{}, fmt.Errorf("cannot spawn sub-agent: task is empty")
	}
	if err := m.validateSpawn(ctx, userID); err != nil {
		return SpawnReceipt{}, err
	}

	timeoutMs := opts.TimeoutMs
	if timeoutMs <= 0 {
		timeoutMs = m.cfg.DefaultTimeoutMs
	}
	id := uuid.NewString()
	runCtx, cancel := context.WithCancel(context.Background())
	ar := &activeRun{
		rec: Run{
			ID:           id,
			UserID:       userID,
			Channel:      channel,
			ParentRunID:  skills.CallerFromCtx(ctx).RunID,
			Task:         task,
			Status:       StatusAccepted,
			Mode:         ModeAsync,
			TimeoutMs:    timeoutMs,
			AllowedTools: opts.AllowedTools,
			BlockedTools: opts.BlockedTools,
			CreatedAt:    m.now(),
		},
		cancel: cancel,
	}
	if err := m.admit(ar); err != nil {
		cancel()
		return SpawnReceipt{}, err
	}

	m.mu.Lock()
	ar.timer = time.AfterFunc(time.Duration(timeoutMs)*time.Millisecond, func() { m.timeoutRun(id) })
	m.mu.Unlock()

	m.publish(bus.EventSubagentSpawned, bus.SeverityLow, map[string]any{
		"runId":   id,
		"userId":  userID,
		"channel": channel,
		"task":    sanitize.Truncate(task, 200),
	})
	slog.Info("subagent spawned", "run_id", id, "user", userID, "timeout_ms", timeoutMs)

	m.wg.Add(1)
	go m.executeAsync(runCtx, id, opts)

	return SpawnReceipt{Status: "accepted", RunID: id}, nil
}

// DelegateSync runs a sub-agent inline and waits for the result, bounded by
// the sync timeout. The caller wraps the returned text in untrusted-content
// delimiters before any LLM sees it.
func (m *Manager) DelegateSync(ctx context.Context, userID, channel, task string, opts Options) (string, error) {
	if strings.TrimSpace(task) == "" {
		return "", fmt.Errorf("cannot spawn sub-agent: task is empty")
	}
	if err := m.validateSpawn(ctx, userID); err != nil {
		return "", err
	}

	syncTimeout := time.Duration(m.cfg.SyncTimeoutSeconds) * time.Second
	id := uuid.NewString()
	runCtx, cancel := context.WithTimeout(ctx, syncTimeout)
	defer cancel()
	ar := &activeRun{
		rec: Run{
			ID:           id,
			UserID:       userID,
			Channel:      channel,
			ParentRunID:  skills.CallerFromCtx(ctx).RunID,
			Task:         task,
			Status:       StatusAccepted,
			Mode:         ModeSync,
			TimeoutMs:    int(syncTimeout.Milliseconds()),
			AllowedTools: opts.AllowedTools,
			BlockedTools: opts.BlockedTools,
			CreatedAt:    m.now(),
		},
		cancel: cancel,
	}
	if err := m.admit(ar); err != nil {
		return "", err
	}

	if err := m.sem.Acquire(runCtx, 1); err != nil {
		m.finish(id, StatusFailed, "", "timed out waiting for an execution slot")
		return "", fmt.Errorf("sub-agent could not start: %w", err)
	}
	defer m.sem.Release(1)

	route, err := m.selectRoute(userID, opts.PreferredModel)
	if err != nil {
		m.finish(id, StatusFailed, "", err.Error())
		return "", err
	}
	if !m.markRunning(id, route) {
		return "", fmt.Errorf("sub-agent run was stopped before it started")
	}
	m.publish(bus.EventSubagentRunning, bus.SeverityLow, map[string]any{
		"runId":    id,
		"userId":   userID,
		"provider": route.Provider.Name(),
		"model":    route.Model,
	})

	result, err := m.runLoop(runCtx, id, route, opts)
	if err != nil {
		status := StatusFailed
		errText := sanitize.RedactError(err)
		if runCtx.Err() == context.DeadlineExceeded {
			status = StatusTimeout
			errText = fmt.Sprintf("timed out after %d seconds", m.cfg.SyncTimeoutSeconds)
		}
		if _, ok := m.finish(id, status, "", errText); ok {
			m.publish(bus.EventSubagentFailed, bus.SeverityMedium, map[string]any{
				"runId":  id,
				"userId": userID,
				"error":  errText,
			})
		}
		return "", fmt.Errorf("sub-agent run failed: %s", errText)
	}

	if _, ok := m.finish(id, StatusCompleted, result, ""); ok {
		m.publish(bus.EventSubagentCompleted, bus.SeverityLow, map[string]any{
			"runId":  id,
			"userId": userID,
			"mode":   ModeSync,
		})
	}
	return result, nil
}

// executeAsync drives one accepted async run to a terminal status.
func (m *Manager) executeAsync(ctx context.Context, id string, opts Options) {
	defer m.wg.Done()

	if err := m.sem.Acquire(ctx, 1); err != nil {
		// Aborted while queued: the timeout timer or StopRun already
		// finished the run.
		return
	}
	defer m.sem.Release(1)

	rec, ok := m.snapshot(id)
	if !ok || isTerminal(rec.Status) {
		return
	}

	route, err := m.selectRoute(rec.UserID, opts.PreferredModel)
	if err != nil {
		if done, ok := m.finish(id, StatusFailed, "", err.Error()); ok {
			m.publish(bus.EventSubagentFailed, bus.SeverityMedium, map[string]any{
				"runId":  id,
				"userId": done.UserID,
				"error":  done.Error,
			})
			m.announceOutcome(done)
		}
		return
	}
	if !m.markRunning(id, route) {
		return
	}
	m.publish(bus.EventSubagentRunning, bus.SeverityLow, map[string]any{
		"runId":    id,
		"userId":   rec.UserID,
		"provider": route.Provider.Name(),
		"model":    route.Model,
	})

	result, err := m.runLoop(ctx, id, route, opts)
	switch {
	case err == nil:
		if done, ok := m.finish(id, StatusCompleted, result, ""); ok {
			m.publish(bus.EventSubagentCompleted, bus.SeverityLow, map[string]any{
				"runId":  id,
				"userId": done.UserID,
				"mode":   ModeAsync,
			})
			m.announceOutcome(done)
		}
	case ctx.Err() != nil:
		// StopRun, the timeout timer, or Shutdown cancelled the context
		// and already finished the run and published its event.
	default:
		errText := sanitize.RedactError(err)
		if done, ok := m.finish(id, StatusFailed, "", errText); ok {
			m.publish(bus.EventSubagentFailed, bus.SeverityMedium, map[string]any{
				"runId":  id,
				"userId": done.UserID,
				"error":  errText,
			})
			m.announceOutcome(done)
		}
	}
}

// timeoutRun fires when a run's wall-clock timer lapses before completion.
func (m *Manager) timeoutRun(id string) {
	rec, ok := m.finish(id, StatusTimeout, "", "run exceeded its wall-clock timeout")
	if !ok {
		return
	}
	slog.Warn("subagent run timed out", "run_id", id, "timeout_ms", rec.TimeoutMs)
	m.publish(bus.EventSubagentTimeout, bus.SeverityMedium, map[string]any{
		"runId":     id,
		"userId":    rec.UserID,
		"timeoutMs": rec.TimeoutMs,
	})
	m.announceOutcome(rec)
}

// StopRun aborts a run the caller owns. Unknown ids return false; stopping
// another user's run is an error.
func (m *Manager) StopRun(userID, runID string) (bool, error) {
	m.mu.Lock()
	ar, ok := m.runs[runID]
	if !ok {
		m.mu.Unlock()
		return false, nil
	}
	if ar.rec.UserID != userID {
		m.mu.Unlock()
		return false, fmt.Errorf("run %s belongs to another user", runID)
	}
	rec, stopped := m.finishLocked(ar, StatusCancelled, "", "cancelled by user")
	m.mu.Unlock()
	if !stopped {
		return false, nil
	}
	slog.Info("subagent run cancelled", "run_id", runID, "user", userID)
	m.publish(bus.EventSubagentCancelled, bus.SeverityLow, map[string]any{
		"runId":  runID,
		"userId": rec.UserID,
	})
	return true, nil
}

// SendToRun queues a message for a running, owned run. The runner drains
// the queue between loop iterations.
func (m *Manager) SendToRun(userID, runID, message string) bool {
	if strings.TrimSpace(message) == "" {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	ar, ok := m.runs[runID]
	if !ok || ar.rec.UserID != userID || ar.rec.Status != StatusRunning {
		return false
	}
	ar.queue = append(ar.queue, message)
	return true
}

// Lookup returns a snapshot of one run.
func (m *Manager) Lookup(id string) (Run, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ar, ok := m.runs[id]
	if !ok {
		return Run{}, false
	}
	return copyRun(ar.rec), true
}

// RunsForUser returns snapshots of a user's runs, newest first.
func (m *Manager) RunsForUser(userID string) []Run {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Run
	for _, ar := range m.runs {
		if ar.rec.UserID == userID {
			out = append(out, copyRun(ar.rec))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

// ActiveCount reports non-terminal runs across all users.
func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, ar := range m.runs {
		if !isTerminal(ar.rec.Status) {
			n++
		}
	}
	return n
}

// Shutdown cancels every active run, stops the sweeper, and waits for
// executors to drain or ctx to lapse. Safe to call more than once.
func (m *Manager) Shutdown(ctx context.Context) {
	m.stopOnce.Do(func() { close(m.done) })

	m.mu.Lock()
	var ids []string
	for id, ar := range m.runs {
		if !isTerminal(ar.rec.Status) {
			ids = append(ids, id)
		}
	}
	m.mu.Unlock()
	for _, id := range ids {
		if rec, ok := m.finish(id, StatusCancelled, "", "manager shutting down"); ok {
			m.publish(bus.EventSubagentCancelled, bus.SeverityLow, map[string]any{
				"runId":  rec.ID,
				"userId": rec.UserID,
				"reason": "shutdown",
			})
		}
	}

	drained := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-ctx.Done():
		slog.Warn("subagent shutdown timed out waiting for runs to drain")
	}
}

// markRunning transitions accepted → running and records the route.
func (m *Manager) markRunning(id string, route providers.Route) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	ar, ok := m.runs[id]
	if !ok || isTerminal(ar.rec.Status) {
		return false
	}
	now := m.now()
	ar.rec.Status = StatusRunning
	ar.rec.StartedAt = &now
	ar.rec.Provider = route.Provider.Name()
	ar.rec.Model = route.Model
	return true
}

func (m *Manager) finish(id, status, result, errText string) (Run, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ar, ok := m.runs[id]
	if !ok {
		return Run{}, false
	}
	return m.finishLocked(ar, status, result, errText)
}

// finishLocked moves a run to a terminal status. Caller holds m.mu. Returns
// false when the run already reached one: completion, cancellation, and the
// timeout timer race each other and the first writer wins.
func (m *Manager) finishLocked(ar *activeRun, status, result, errText string) (Run, bool) {
	if isTerminal(ar.rec.Status) {
		return Run{}, false
	}
	now := m.now()
	ar.rec.Status = status
	ar.rec.Result = result
	ar.rec.Error = errText
	ar.rec.CompletedAt = &now
	if ar.timer != nil {
		ar.timer.Stop()
	}
	ar.cancel()
	return copyRun(ar.rec), true
}

func (m *Manager) snapshot(id string) (Run, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ar, ok := m.runs[id]
	if !ok {
		return Run{}, false
	}
	return copyRun(ar.rec), true
}

func copyRun(rec Run) Run {
	if rec.Transcript != nil {
		rec.Transcript = append([]TranscriptEntry(nil), rec.Transcript...)
	}
	return rec
}

// selectRoute picks provider and model for a run: explicit preference wins,
// then the heavy tier when configured, then the default route.
func (m *Manager) selectRoute(userID, preferredModel string) (providers.Route, error) {
	if preferredModel != "" {
		return m.providers.GetForUserModel(userID, preferredModel)
	}
	if m.providers.IsTierEnabled() {
		return m.providers.GetForUserTiered(userID, providers.TierHeavy)
	}
	return m.providers.GetForUser(userID)
}

func (m *Manager) publish(eventType, severity string, payload map[string]any) {
	if m.publisher == nil {
		return
	}
	m.publisher.Publish(bus.Event{
		Type:        eventType,
		Timestamp:   m.now(),
		SourceSkill: "subagent",
		Severity:    severity,
		Payload:     payload,
	})
}

func (m *Manager) sweepLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(time.Duration(m.cfg.CleanupIntervalSeconds) * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			m.sweep()
		}
	}
}

// sweep drops terminal runs whose records outlived the archive TTL.
func (m *Manager) sweep() {
	cutoff := m.now().Add(-time.Duration(m.cfg.ArchiveTTLSeconds) * time.Second)
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, ar := range m.runs {
		if isTerminal(ar.rec.Status) && ar.rec.CompletedAt != nil && ar.rec.CompletedAt.Before(cutoff) {
			delete(m.runs, id)
		}
	}
}
