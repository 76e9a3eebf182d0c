package ratelimit

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps hit timestamps in process memory. It is the default
// store for single-node deployments.
type MemoryStore struct {
	mu   sync.Mutex
	hits map[string][]time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{hits: make(map[string][]time.Time)}
}

func (s *MemoryStore) Take(_ context.Context, key string, window time.Duration, max int) (bool, time.Time, error) {
	now := time.Now()
	cutoff := now.Add(-window)

	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.hits[key][:0]
	for _, t := range s.hits[key] {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	if len(kept) >= max {
		s.hits[key] = kept
		return false, kept[0], nil
	}
	s.hits[key] = append(kept, now)
	return true, time.Time{}, nil
}

// Len returns the number of tracked keys.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.hits)
}
