package sessions

import "time"

// Session tool-call budget: at most SessionToolCallLimit calls within a
// sliding window of toolCallWindow per (userId, channel).
const (
	SessionToolCallLimit = 50
	toolCallWindow       = 3600 * time.Second
)

// CountToolCall records one tool call for key and returns the number of
// calls inside the current window, including this one.
func (s *Store) CountToolCall(key string) int {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	sess := s.getOrCreate(key)
	sess.toolCalls = pruneWindow(sess.toolCalls, now)
	sess.toolCalls = append(sess.toolCalls, now)
	return len(sess.toolCalls)
}

// ToolCallsInWindow returns the current in-window count without recording.
func (s *Store) ToolCallsInWindow(key string) int {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[key]
	if !ok {
		return 0
	}
	sess.toolCalls = pruneWindow(sess.toolCalls, now)
	return len(sess.toolCalls)
}

func pruneWindow(ts []time.Time, now time.Time) []time.Time {
	cutoff := now.Add(-toolCallWindow)
	kept := ts[:0]
	for _, t := range ts {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	return kept
}
