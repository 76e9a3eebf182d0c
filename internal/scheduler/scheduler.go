// Package scheduler runs named cron tasks with bounded retry and failure
// alerts. Skills register tasks through namespaced clients; fires of the same
// task never overlap.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/adhocore/gronx"

	"github.com/wardenlabs/warden/internal/bus"
)

// Handler is the unit of work a task runs. A non-nil error counts as a
// failed attempt.
type Handler func(ctx context.Context) error

// TaskDef describes a task at registration time.
type TaskDef struct {
	Name    string
	Cron    string
	Handler Handler
	Enabled bool
}

// Override selectively replaces parts of a TaskDef at registration.
type Override struct {
	Cron    *string
	Enabled *bool
}

// Task results.
const (
	ResultSuccess = "success"
	ResultFailure = "failure"
)

// Metadata is the mutable run bookkeeping attached to a task.
type Metadata struct {
	LastRun        time.Time `json:"lastRun,omitzero"`
	LastResult     string    `json:"lastResult,omitempty"`
	LastDurationMs int64     `json:"lastDurationMs,omitempty"`
	NextRun        time.Time `json:"nextRun,omitzero"`
}

// Snapshot is a read-only view of one task for listings.
type Snapshot struct {
	Name     string   `json:"name"`
	Cron     string   `json:"cron"`
	Enabled  bool     `json:"enabled"`
	Metadata Metadata `json:"metadata"`
}

type task struct {
	def      TaskDef
	meta     Metadata
	inFlight bool
}

// Scheduler owns the task table and the tick loop that fires due tasks.
type Scheduler struct {
	mu    sync.Mutex
	tasks map[string]*task

	publisher bus.Publisher
	gron      *gronx.Gronx
	tick      time.Duration
	now       func() time.Time

	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithTick overrides the due-check interval. Tests shorten it.
func WithTick(d time.Duration) Option {
	return func(s *Scheduler) { s.tick = d }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// New builds a Scheduler publishing failure alerts to publisher.
func New(publisher bus.Publisher, opts ...Option) *Scheduler {
	s := &Scheduler{
		tasks:     make(map[string]*task),
		publisher: publisher,
		gron:      gronx.New(),
		tick:      30 * time.Second,
		now:       time.Now,
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start launches the tick loop. Tasks registered before or after Start are
// picked up on the next tick.
func (s *Scheduler) Start() {
	s.wg.Add(1)
	go s.loop()
}

func (s *Scheduler) loop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.fireDue()
		}
	}
}

// fireDue executes every enabled task whose nextRun has passed. Tasks still
// in flight from a previous fire are skipped.
func (s *Scheduler) fireDue() {
	now := s.now()
	s.mu.Lock()
	var due []string
	for name, t := range s.tasks {
		if !t.def.Enabled || t.inFlight || t.meta.NextRun.IsZero() {
			continue
		}
		if !t.meta.NextRun.After(now) {
			due = append(due, name)
		}
	}
	s.mu.Unlock()

	for _, name := range due {
		name := name
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if err := s.ExecuteTask(context.Background(), name); err != nil {
				slog.Debug("scheduled task fire", "task", name, "error", err)
			}
		}()
	}
}

// RegisterTask installs def, applying override on top. Re-registering a name
// replaces the prior task, discarding its metadata. Enabled tasks get their
// next run computed immediately.
func (s *Scheduler) RegisterTask(def TaskDef, override *Override) error {
	if override != nil {
		if override.Cron != nil {
			def.Cron = *override.Cron
		}
		if override.Enabled != nil {
			def.Enabled = *override.Enabled
		}
	}
	if def.Name == "" {
		return fmt.Errorf("task name is required")
	}
	if def.Handler == nil {
		return fmt.Errorf("task %q has no handler", def.Name)
	}
	if !s.gron.IsValid(def.Cron) {
		return fmt.Errorf("task %q has invalid cron expression %q", def.Name, def.Cron)
	}

	t := &task{def: def}
	if def.Enabled {
		next, err := gronx.NextTickAfter(def.Cron, s.now(), false)
		if err != nil {
			return fmt.Errorf("task %q next run: %w", def.Name, err)
		}
		t.meta.NextRun = next
	}

	s.mu.Lock()
	if _, replaced := s.tasks[def.Name]; replaced {
		slog.Info("replacing scheduled task", "task", def.Name)
	}
	s.tasks[def.Name] = t
	s.mu.Unlock()

	slog.Debug("task registered",
		"task", def.Name, "cron", def.Cron, "enabled", def.Enabled)
	return nil
}

// ExecuteTask runs name now with at most two attempts total. Success updates
// lastResult/lastDurationMs/nextRun; a second consecutive failure publishes
// one alert.system.task_failed event. An execution already in flight for the
// task makes this call a no-op.
func (s *Scheduler) ExecuteTask(ctx context.Context, name string) error {
	s.mu.Lock()
	t, ok := s.tasks[name]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("unknown task %q", name)
	}
	if t.inFlight {
		s.mu.Unlock()
		slog.Debug("task fire skipped, previous run still in flight", "task", name)
		return nil
	}
	t.inFlight = true
	handler := t.def.Handler
	cron := t.def.Cron
	s.mu.Unlock()

	start := s.now()
	err := runAttempt(ctx, handler)
	if err != nil {
		slog.Warn("task attempt failed, retrying", "task", name, "error", err)
		err = runAttempt(ctx, handler)
	}
	duration := s.now().Sub(start)

	next, nextErr := gronx.NextTickAfter(cron, s.now(), false)
	if nextErr != nil {
		slog.Warn("task next run computation failed", "task", name, "error", nextErr)
	}

	s.mu.Lock()
	t.inFlight = false
	t.meta.LastRun = start
	t.meta.LastDurationMs = duration.Milliseconds()
	if err != nil {
		t.meta.LastResult = ResultFailure
	} else {
		t.meta.LastResult = ResultSuccess
	}
	if t.def.Enabled && nextErr == nil {
		t.meta.NextRun = next
	}
	s.mu.Unlock()

	if err != nil {
		s.publisher.Publish(bus.Event{
			Type:        bus.EventTaskFailed,
			SourceSkill: "scheduler",
			Severity:    bus.SeverityHigh,
			Payload: map[string]any{
				"taskName": name,
				"error":    err.Error(),
			},
		})
		return fmt.Errorf("task %q failed after retry: %w", name, err)
	}
	return nil
}

// runAttempt invokes handler, converting a panic into an error so one bad
// task cannot take down the loop.
func runAttempt(ctx context.Context, handler Handler) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task panicked: %v", r)
		}
	}()
	return handler(ctx)
}

// ToggleTask enables or disables name. Disabling clears the next run;
// enabling computes it.
func (s *Scheduler) ToggleTask(name string, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[name]
	if !ok {
		return fmt.Errorf("unknown task %q", name)
	}
	t.def.Enabled = enabled
	if !enabled {
		t.meta.NextRun = time.Time{}
		return nil
	}
	next, err := gronx.NextTickAfter(t.def.Cron, s.now(), false)
	if err != nil {
		return fmt.Errorf("task %q next run: %w", name, err)
	}
	t.meta.NextRun = next
	return nil
}

// RemoveTask deletes name from the table. Unknown names are a no-op.
func (s *Scheduler) RemoveTask(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tasks, name)
}

// Tasks returns a snapshot of all tasks sorted by name.
func (s *Scheduler) Tasks() []Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Snapshot, 0, len(s.tasks))
	for name, t := range s.tasks {
		out = append(out, Snapshot{
			Name:     name,
			Cron:     t.def.Cron,
			Enabled:  t.def.Enabled,
			Metadata: t.meta,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Task returns the snapshot for one task.
func (s *Scheduler) Task(name string) (Snapshot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[name]
	if !ok {
		return Snapshot{}, false
	}
	return Snapshot{Name: name, Cron: t.def.Cron, Enabled: t.def.Enabled, Metadata: t.meta}, true
}

// Shutdown stops the tick loop and waits for in-flight runs to finish.
func (s *Scheduler) Shutdown() {
	s.stopOnce.Do(func() { close(s.done) })
	s.wg.Wait()
	slog.Debug("scheduler stopped")
}

// qualifiedName joins a skill namespace and a task name.
func qualifiedName(namespace, name string) string {
	name = strings.TrimSpace(name)
	if namespace == "" {
		return name
	}
	return namespace + "." + name
}
