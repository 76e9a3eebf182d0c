package bus

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// collect subscribes and appends received events to a slice behind a mutex.
func collect(t *testing.T, b *EventBus, pattern string) (*[]Event, *sync.Mutex) {
	t.Helper()
	var (
		mu  sync.Mutex
		got []Event
	)
	_, err := b.Subscribe(pattern, func(ev Event) {
		mu.Lock()
		got = append(got, ev)
		mu.Unlock()
	})
	require.NoError(t, err)
	return &got, &mu
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestPatternMatching(t *testing.T) {
	cases := []struct {
		pattern string
		typ     string
		match   bool
	}{
		{"alert.email.urgent", "alert.email.urgent", true},
		{"alert.*", "alert.email.urgent", true},
		{"alert.*", "subagent.spawned", false},
		{"*", "anything.at.all", true},
		{"alert.*.urgent", "alert.email.urgent", true},
		{"alert.*.urgent", "alert.email.normal", false},
		// "." must be literal, not a regex any-char.
		{"alert.email", "alertXemail", false},
		{"subagent.*", "subagent.timeout", true},
	}
	for _, tc := range cases {
		re, err := compilePattern(tc.pattern)
		require.NoError(t, err, tc.pattern)
		assert.Equal(t, tc.match, re.MatchString(tc.typ),
			"pattern %q vs %q", tc.pattern, tc.typ)
	}
}

func TestPublishDeliversToMatchingSubscribers(t *testing.T) {
	b := New()
	defer b.Close()

	alerts, alertsMu := collect(t, b, "alert.*")
	all, allMu := collect(t, b, "*")
	sub, subMu := collect(t, b, "subagent.spawned")

	b.Publish(Event{Type: "alert.system.error", Severity: SeverityHigh})
	b.Publish(Event{Type: "subagent.spawned"})

	waitFor(t, func() bool {
		allMu.Lock()
		defer allMu.Unlock()
		return len(*all) == 2
	})

	alertsMu.Lock()
	require.Len(t, *alerts, 1)
	assert.Equal(t, "alert.system.error", (*alerts)[0].Type)
	assert.NotEmpty(t, (*alerts)[0].EventID)
	assert.False(t, (*alerts)[0].Timestamp.IsZero())
	alertsMu.Unlock()

	subMu.Lock()
	require.Len(t, *sub, 1)
	subMu.Unlock()
}

func TestHandlerPanicDoesNotBlockSiblings(t *testing.T) {
	b := New()
	defer b.Close()

	_, err := b.Subscribe("alert.*", func(Event) {
		panic("boom")
	})
	require.NoError(t, err)

	var delivered atomic.Int32
	_, err = b.Subscribe("alert.*", func(Event) {
		delivered.Add(1)
	})
	require.NoError(t, err)

	b.Publish(Event{Type: "alert.system.error"})
	b.Publish(Event{Type: "alert.system.error"})

	waitFor(t, func() bool { return delivered.Load() == 2 })
}

func TestPublishOrderPreservedPerSubscriber(t *testing.T) {
	b := New()
	defer b.Close()

	got, mu := collect(t, b, "seq.*")

	const n = 100
	for i := 0; i < n; i++ {
		b.Publish(Event{Type: "seq.tick", Payload: map[string]any{"i": i}})
	}

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(*got) == n
	})

	mu.Lock()
	defer mu.Unlock()
	for i, ev := range *got {
		assert.Equal(t, i, ev.Payload["i"])
	}
}

func TestExactlyOncePerMatchingSubscription(t *testing.T) {
	b := New()
	defer b.Close()

	// Two overlapping patterns on the same bus: each sees the event once.
	var a, c atomic.Int32
	_, err := b.Subscribe("alert.*", func(Event) { a.Add(1) })
	require.NoError(t, err)
	_, err = b.Subscribe("alert.system.*", func(Event) { c.Add(1) })
	require.NoError(t, err)

	b.Publish(Event{Type: "alert.system.error"})

	waitFor(t, func() bool { return a.Load() == 1 && c.Load() == 1 })
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(1), a.Load())
	assert.Equal(t, int32(1), c.Load())
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := New()
	defer b.Close()

	var n atomic.Int32
	id, err := b.Subscribe("x.*", func(Event) { n.Add(1) })
	require.NoError(t, err)

	b.Publish(Event{Type: "x.one"})
	waitFor(t, func() bool { return n.Load() == 1 })

	b.Unsubscribe(id)
	assert.Equal(t, 0, b.SubscriptionCount())

	b.Publish(Event{Type: "x.two"})
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(1), n.Load())
}

func TestCloseDrainsInbox(t *testing.T) {
	b := New()

	var n atomic.Int32
	_, err := b.Subscribe("*", func(Event) { n.Add(1) })
	require.NoError(t, err)

	for i := 0; i < 50; i++ {
		b.Publish(Event{Type: "drain.me"})
	}
	b.Close()

	assert.Equal(t, int32(50), n.Load())

	// Publishing after close is a no-op, not a panic.
	b.Publish(Event{Type: "late"})
	assert.Equal(t, int32(50), n.Load())
}

func TestConcurrentPublishers(t *testing.T) {
	b := New()
	defer b.Close()

	var n atomic.Int32
	_, err := b.Subscribe("load.*", func(Event) { n.Add(1) })
	require.NoError(t, err)

	var wg sync.WaitGroup
	for p := 0; p < 8; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 25; i++ {
				b.Publish(Event{Type: "load.tick"})
			}
		}()
	}
	wg.Wait()

	waitFor(t, func() bool { return n.Load() == 200 })
}
