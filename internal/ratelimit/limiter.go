// Package ratelimit implements a sliding-window rate limiter keyed by
// (scope, principal). Scopes separate concerns (tool names, subagent spawns,
// gateway connections) so one noisy principal cannot starve another scope.
package ratelimit

import (
	"context"
	"log/slog"
	"math"
	"time"
)

// Limit configures one sliding window.
type Limit struct {
	MaxRequests   int `json:"maxRequests"`
	WindowSeconds int `json:"windowSeconds"`
}

// Decision is the outcome of a Check call.
type Decision struct {
	Allowed           bool
	RetryAfterSeconds int
}

// Store records hits in a sliding window. Take prunes hits older than
// window, records a new hit if fewer than max remain, and otherwise returns
// the timestamp of the oldest surviving hit.
type Store interface {
	Take(ctx context.Context, key string, window time.Duration, max int) (allowed bool, oldest time.Time, err error)
}

// Limiter answers allow/deny questions against a Store.
type Limiter struct {
	store Store
}

func New(store Store) *Limiter {
	return &Limiter{store: store}
}

// Check reports whether principal may perform another action under scope.
// A zero or negative limit means unlimited. On store failure the limiter
// fails open: availability wins over strict quota enforcement.
func (l *Limiter) Check(ctx context.Context, scope, principal string, lim Limit) Decision {
	if lim.MaxRequests <= 0 || lim.WindowSeconds <= 0 {
		return Decision{Allowed: true}
	}
	window := time.Duration(lim.WindowSeconds) * time.Second
	allowed, oldest, err := l.store.Take(ctx, scope+":"+principal, window, lim.MaxRequests)
	if err != nil {
		slog.Warn("rate limit check failed, allowing request",
			"scope", scope, "principal", principal, "error", err)
		return Decision{Allowed: true}
	}
	if allowed {
		return Decision{Allowed: true}
	}
	retry := int(math.Ceil(time.Until(oldest.Add(window)).Seconds()))
	if retry < 1 {
		retry = 1
	}
	return Decision{Allowed: false, RetryAfterSeconds: retry}
}
