// Package sessions is the in-memory conversation store. History lives per
// (userId, channel) key, bounded by capacity and compacted into a summary
// prefix when it grows long. Nothing here survives a restart.
package sessions

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/wardenlabs/warden/internal/providers"
)

// Entry roles. tool_result entries record tool output persisted outside the
// normal user/assistant exchange (confirmation short-circuit results).
const (
	RoleUser       = "user"
	RoleAssistant  = "assistant"
	RoleToolResult = "tool_result"
)

// Entry is one element of a conversation history.
type Entry struct {
	Role    string                   `json:"role"`
	Content string                   `json:"content,omitempty"`
	Blocks  []providers.ContentBlock `json:"blocks,omitempty"`
	At      time.Time                `json:"at"`
}

// Default history bounds.
const (
	DefaultCapacity     = 50
	DefaultCompactAfter = 30
	DefaultKeepRecent   = 10
)

// session holds one key's state. Guarded by the store mutex; compactMu
// additionally serializes compaction attempts per key.
type session struct {
	entries    []Entry
	summary    string
	created    time.Time
	updated    time.Time
	gen        uint64 // bumped on reset; aborts in-flight compaction
	compacting sync.Mutex

	compactionCount int
	inputTokens     int64
	outputTokens    int64

	toolCalls []time.Time // sliding-window tool call timestamps
}

// Store holds every live session.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*session

	capacity     int
	compactAfter int
	keepRecent   int
}

// Option configures a Store.
type Option func(*Store)

// WithBounds overrides capacity, the compaction trigger, and how many recent
// entries survive a compaction.
func WithBounds(capacity, compactAfter, keepRecent int) Option {
	return func(s *Store) {
		s.capacity = capacity
		s.compactAfter = compactAfter
		s.keepRecent = keepRecent
	}
}

func NewStore(opts ...Option) *Store {
	s := &Store{
		sessions:     make(map[string]*session),
		capacity:     DefaultCapacity,
		compactAfter: DefaultCompactAfter,
		keepRecent:   DefaultKeepRecent,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Key builds the session key for a user on a channel.
func Key(userID, channel string) string {
	return fmt.Sprintf("%s:%s", userID, channel)
}

func (s *Store) getOrCreate(key string) *session {
	if sess, ok := s.sessions[key]; ok {
		return sess
	}
	sess := &session{created: time.Now(), updated: time.Now()}
	s.sessions[key] = sess
	return sess
}

// AddEntry appends an entry, evicting the oldest entries beyond capacity.
func (s *Store) AddEntry(key string, e Entry) {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	sess := s.getOrCreate(key)
	sess.entries = append(sess.entries, e)
	if over := len(sess.entries) - s.capacity; over > 0 {
		sess.entries = append([]Entry(nil), sess.entries[over:]...)
	}
	sess.updated = time.Now()
}

// History returns a copy of the entries for key, oldest first.
func (s *Store) History(key string) []Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[key]
	if !ok {
		return nil
	}
	out := make([]Entry, len(sess.entries))
	copy(out, sess.entries)
	return out
}

// Summary returns the compacted summary prefix, empty until the first
// compaction.
func (s *Store) Summary(key string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if sess, ok := s.sessions[key]; ok {
		return sess.summary
	}
	return ""
}

// SetSummary replaces the summary prefix.
func (s *Store) SetSummary(key, summary string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess := s.getOrCreate(key)
	sess.summary = summary
	sess.updated = time.Now()
}

// CompactionCount reports how many compactions have run for key.
func (s *Store) CompactionCount(key string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if sess, ok := s.sessions[key]; ok {
		return sess.compactionCount
	}
	return 0
}

// AccumulateTokens adds usage from a completed turn.
func (s *Store) AccumulateTokens(key string, input, output int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess := s.getOrCreate(key)
	sess.inputTokens += input
	sess.outputTokens += output
}

// Reset clears history, summary and counters for key. In-flight compactions
// for the key abandon their results.
func (s *Store) Reset(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[key]; ok {
		sess.entries = nil
		sess.summary = ""
		sess.toolCalls = nil
		sess.gen++
		sess.updated = time.Now()
	}
}

// Delete removes the session entirely.
func (s *Store) Delete(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, key)
}

// Info is a lightweight session descriptor for listing.
type Info struct {
	Key             string    `json:"key"`
	EntryCount      int       `json:"entryCount"`
	CompactionCount int       `json:"compactionCount"`
	InputTokens     int64     `json:"inputTokens"`
	OutputTokens    int64     `json:"outputTokens"`
	Created         time.Time `json:"created"`
	Updated         time.Time `json:"updated"`
}

// List returns a snapshot of all sessions, sorted by key.
func (s *Store) List() []Info {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Info, 0, len(s.sessions))
	for key, sess := range s.sessions {
		out = append(out, Info{
			Key:             key,
			EntryCount:      len(sess.entries),
			CompactionCount: sess.compactionCount,
			InputTokens:     sess.inputTokens,
			OutputTokens:    sess.outputTokens,
			Created:         sess.created,
			Updated:         sess.updated,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}
