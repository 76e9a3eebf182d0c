// Package bus implements the event bus carrying alerts, sub-agent lifecycle
// events, and scheduler failures between components. Subscriptions use glob
// patterns; delivery runs through an inbox drained by a single dispatcher so
// publishers that are also subscribers cannot deadlock, and per-publisher
// ordering is preserved.
package bus

import (
	"log/slog"
	"regexp"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
)

const inboxSize = 256

type subscription struct {
	id      string
	pattern string
	re      *regexp.Regexp
	handler Handler
}

// EventBus is a glob-pattern publish/subscribe hub.
type EventBus struct {
	mu     sync.RWMutex
	subs   []*subscription
	inbox  chan Event
	closed bool
	wg     sync.WaitGroup
}

// New creates an event bus and starts its dispatcher.
func New() *EventBus {
	b := &EventBus{
		inbox: make(chan Event, inboxSize),
	}
	b.wg.Add(1)
	go b.dispatch()
	return b
}

// Subscribe registers a handler for events whose type matches pattern.
// Returns the subscription id for Unsubscribe.
func (b *EventBus) Subscribe(pattern string, h Handler) (string, error) {
	re, err := compilePattern(pattern)
	if err != nil {
		return "", err
	}

	sub := &subscription{
		id:      uuid.NewString(),
		pattern: pattern,
		re:      re,
		handler: h,
	}

	b.mu.Lock()
	b.subs = append(b.subs, sub)
	b.mu.Unlock()

	return sub.id, nil
}

// Unsubscribe removes a subscription. Unknown ids are ignored.
func (b *EventBus) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, sub := range b.subs {
		if sub.id == id {
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			return
		}
	}
}

// Publish enqueues an event for delivery. Timestamp and EventID are filled
// in when empty. Events published after Close are dropped with a warning.
func (b *EventBus) Publish(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	if ev.EventID == "" {
		ev.EventID = uuid.NewString()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		slog.Warn("event bus closed, dropping event", "type", ev.Type)
		return
	}
	b.inbox <- ev
}

// Close stops accepting events, drains the inbox, and waits for the
// dispatcher to finish delivering.
func (b *EventBus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	close(b.inbox)
	b.mu.Unlock()

	b.wg.Wait()
}

// SubscriptionCount reports the number of live subscriptions.
func (b *EventBus) SubscriptionCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

func (b *EventBus) dispatch() {
	defer b.wg.Done()
	for ev := range b.inbox {
		b.deliver(ev)
	}
}

// deliver fans an event out to every matching subscription in subscribe
// order. Each handler is invoked synchronously; a panicking handler is
// logged and must not prevent delivery to siblings.
func (b *EventBus) deliver(ev Event) {
	b.mu.RLock()
	matching := make([]*subscription, 0, len(b.subs))
	for _, sub := range b.subs {
		if sub.re.MatchString(ev.Type) {
			matching = append(matching, sub)
		}
	}
	b.mu.RUnlock()

	for _, sub := range matching {
		b.safeInvoke(sub, ev)
	}
}

func (b *EventBus) safeInvoke(sub *subscription, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("event handler panicked",
				"pattern", sub.pattern,
				"event_type", ev.Type,
				"panic", r,
				"stack", string(debug.Stack()),
			)
		}
	}()
	sub.handler(ev)
}
