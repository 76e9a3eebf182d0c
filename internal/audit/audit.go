// Package audit persists tool execution records. The Trail buffers writes
// and drains them on a single background goroutine, so recording never
// blocks the execution path; when the buffer is full, records are dropped
// and counted rather than slowing a turn down. Input previews are redacted
// before they leave the process.
package audit

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/wardenlabs/warden/internal/sanitize"
	"github.com/wardenlabs/warden/internal/skills"
)

const (
	bufferSize    = 256
	previewLimit  = 200
	insertTimeout = 5 * time.Second
)

// Entry is one persisted tool execution record.
type Entry struct {
	ID           int64     `json:"id"`
	Time         time.Time `json:"time"`
	UserID       string    `json:"userId"`
	Channel      string    `json:"channel,omitempty"`
	Skill        string    `json:"skill,omitempty"`
	Tool         string    `json:"tool"`
	InputPreview string    `json:"inputPreview,omitempty"`
	Sensitive    bool      `json:"sensitive,omitempty"`
	IsSubagent   bool      `json:"isSubagent,omitempty"`
	Outcome      string    `json:"outcome"`
	Error        string    `json:"error,omitempty"`
	DurationMs   int64     `json:"durationMs"`
}

// Store is the persistence backend behind a Trail.
type Store interface {
	Insert(ctx context.Context, e Entry) error
	Recent(ctx context.Context, limit int) ([]Entry, error)
	Close() error
}

// Trail is the fire-and-forget audit writer handed to the skill registry.
type Trail struct {
	store   Store
	ch      chan Entry
	done    chan struct{}
	stopped chan struct{}
	once    sync.Once
	dropped atomic.Int64
}

// NewTrail starts the writer goroutine over the given store.
func NewTrail(store Store) *Trail {
	t := &Trail{
		store:   store,
		ch:      make(chan Entry, bufferSize),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	go t.run()
	return t
}

// Record buffers one record and returns immediately. Satisfies
// skills.Auditor.
func (t *Trail) Record(_ context.Context, rec skills.ToolAudit) {
	select {
	case <-t.done:
		return
	default:
	}
	select {
	case t.ch <- fromToolAudit(rec):
	default:
		t.dropped.Add(1)
	}
}

// Recent returns the newest entries, most recent first.
func (t *Trail) Recent(ctx context.Context, limit int) ([]Entry, error) {
	return t.store.Recent(ctx, limit)
}

// Dropped reports how many records were shed because the buffer was full.
func (t *Trail) Dropped() int64 { return t.dropped.Load() }

// Close drains the buffer, stops the writer and closes the store.
func (t *Trail) Close() error {
	t.once.Do(func() { close(t.done) })
	<-t.stopped
	return t.store.Close()
}

func (t *Trail) run() {
	defer close(t.stopped)
	for {
		select {
		case e := <-t.ch:
			t.write(e)
		case <-t.done:
			for {
				select {
				case e := <-t.ch:
					t.write(e)
				default:
					if n := t.dropped.Load(); n > 0 {
						slog.Warn("audit records dropped under load", "count", n)
					}
					return
				}
			}
		}
	}
}

func (t *Trail) write(e Entry) {
	ctx, cancel := context.WithTimeout(context.Background(), insertTimeout)
	defer cancel()
	if err := t.store.Insert(ctx, e); err != nil {
		slog.Warn("audit insert failed", "tool", e.Tool, "error", err)
	}
}

func fromToolAudit(rec skills.ToolAudit) Entry {
	return Entry{
		Time:         time.Now().UTC(),
		UserID:       rec.UserID,
		Channel:      rec.Channel,
		Skill:        rec.Skill,
		Tool:         rec.Tool,
		InputPreview: previewInput(rec.Input),
		Sensitive:    rec.Sensitive,
		IsSubagent:   rec.IsSubagent,
		Outcome:      rec.Outcome,
		Error:        sanitize.Redact(rec.Error),
		DurationMs:   rec.Duration.Milliseconds(),
	}
}

func previewInput(input map[string]any) string {
	if len(input) == 0 {
		return ""
	}
	raw, err := json.Marshal(input)
	if err != nil {
		return ""
	}
	return sanitize.Truncate(sanitize.Redact(string(raw)), previewLimit)
}
