package audit

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wardenlabs/warden/internal/skills"
)

func TestTrailPersistsRecords(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.db")
	store, err := NewSQLiteStore(path)
	require.NoError(t, err)
	trail := NewTrail(store)

	trail.Record(context.Background(), skills.ToolAudit{
		UserID:    "alice",
		Channel:   "cli",
		Skill:     "files",
		Tool:      "file_write",
		Input:     map[string]any{"path": "/tmp/notes.txt", "key": "sk-ant-REDACTED"},
		Sensitive: true,
		Outcome:   "executed",
		Duration:  42 * time.Millisecond,
	})
	trail.Record(context.Background(), skills.ToolAudit{
		UserID:  "alice",
		Tool:    "web_search",
		Outcome: "error",
		Error:   "401 unauthorized: bearer SECRETTOKENVALUE123456",
	})
	require.NoError(t, trail.Close(), "close drains the buffer")

	store2, err := NewSQLiteStore(path)
	require.NoError(t, err)
	defer store2.Close()

	entries, err := store2.Recent(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, entries, 2)

	// Newest first.
	assert.Equal(t, "web_search", entries[0].Tool)
	assert.Equal(t, "error", entries[0].Outcome)
	assert.NotContains(t, entries[0].Error, "SECRETTOKENVALUE123456")
	assert.Contains(t, entries[0].Error, "[REDACTED]")

	wrote := entries[1]
	assert.Equal(t, "alice", wrote.UserID)
	assert.Equal(t, "cli", wrote.Channel)
	assert.Equal(t, "files", wrote.Skill)
	assert.Equal(t, "file_write", wrote.Tool)
	assert.True(t, wrote.Sensitive)
	assert.Equal(t, "executed", wrote.Outcome)
	assert.Equal(t, int64(42), wrote.DurationMs)
	assert.Contains(t, wrote.InputPreview, "/tmp/notes.txt")
	assert.NotContains(t, wrote.InputPreview, "sk-ant-REDACTED")
	assert.Contains(t, wrote.InputPreview, "[REDACTED]")
	assert.False(t, wrote.Time.IsZero())
}

func TestRecentHonorsLimit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.db")
	store, err := NewSQLiteStore(path)
	require.NoError(t, err)
	trail := NewTrail(store)

	for i := 0; i < 8; i++ {
		trail.Record(context.Background(), skills.ToolAudit{UserID: "u", Tool: "echo", Outcome: "executed"})
	}
	require.NoError(t, trail.Close())

	reopened, err := NewSQLiteStore(path)
	require.NoError(t, err)
	defer reopened.Close()

	entries, err := reopened.Recent(context.Background(), 3)
	require.NoError(t, err)
	assert.Len(t, entries, 3)

	all, err := reopened.Recent(context.Background(), 0)
	require.NoError(t, err)
	assert.Len(t, all, 8, "limit <= 0 falls back to the default cap")
}

// blockingStore blocks every Insert until released.
type blockingStore struct {
	release chan struct{}
	once    sync.Once
}

func (b *blockingStore) Insert(context.Context, Entry) error {
	<-b.release
	return nil
}

func (b *blockingStore) Recent(context.Context, int) ([]Entry, error) {
	return nil, errors.New("not implemented")
}

func (b *blockingStore) Close() error {
	b.once.Do(func() { close(b.release) })
	return nil
}

func TestRecordShedsWhenBufferFull(t *testing.T) {
	store := &blockingStore{release: make(chan struct{})}
	trail := NewTrail(store)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < bufferSize+50; i++ {
			trail.Record(context.Background(), skills.ToolAudit{Tool: "echo", Outcome: "executed"})
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Record blocked on a slow store")
	}
	assert.Greater(t, trail.Dropped(), int64(0))

	store.Close()
	require.NoError(t, trail.Close())
}

func TestRecordAfterCloseIsNoop(t *testing.T) {
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "audit.db"))
	require.NoError(t, err)
	trail := NewTrail(store)
	require.NoError(t, trail.Close())

	// Must not panic or block.
	trail.Record(context.Background(), skills.ToolAudit{Tool: "echo", Outcome: "executed"})
}
