package sessions

import (
	"context"
	"log/slog"
	"time"
)

// Summarizer condenses prior conversation into a new summary. It receives
// the existing summary prefix (empty on first compaction) and the entries
// being folded in.
type Summarizer func(ctx context.Context, priorSummary string, entries []Entry) (string, error)

// CompactIfDue folds the oldest entries of key into the summary prefix when
// the history has outgrown the compaction threshold. The most recent
// keepRecent entries always survive verbatim. Returns true when a compaction
// ran to completion.
//
// Compaction is serialized per key: a second caller returns immediately and
// proceeds with full history. Appends during summarization are safe; they
// only extend the tail, which is left untouched.
func (s *Store) CompactIfDue(ctx context.Context, key string, summarize Summarizer) bool {
	s.mu.Lock()
	sess, ok := s.sessions[key]
	if !ok || len(sess.entries) <= s.compactAfter {
		s.mu.Unlock()
		return false
	}
	n := len(sess.entries) - s.keepRecent
	if n <= 0 {
		s.mu.Unlock()
		return false
	}
	if !sess.compacting.TryLock() {
		s.mu.Unlock()
		return false
	}
	gen := sess.gen
	head := make([]Entry, n)
	copy(head, sess.entries[:n])
	prior := sess.summary
	s.mu.Unlock()
	defer sess.compacting.Unlock()

	summary, err := summarize(ctx, prior, head)
	if err != nil {
		slog.Warn("history compaction failed, continuing with full history",
			"session", key, "entries", n, "error", err)
		return false
	}
	if summary == "" {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if sess.gen != gen {
		// Session was reset while summarizing; the summary describes
		// history that no longer exists.
		return false
	}
	sess.entries = append([]Entry(nil), sess.entries[n:]...)
	sess.summary = summary
	sess.compactionCount++
	sess.updated = time.Now()
	slog.Debug("history compacted", "session", key, "folded", n, "kept", len(sess.entries))
	return true
}

// CompactionDue reports whether the next CompactIfDue call would attempt a
// compaction for key.
func (s *Store) CompactionDue(key string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[key]
	return ok && len(sess.entries) > s.compactAfter
}
