package subagent

import (
	"fmt"
	"log/slog"

	"github.com/wardenlabs/warden/internal/sanitize"
)

// AnnounceCallback delivers an async run outcome back to the channel the
// run came from. The manager calls it fire-and-forget: failures are the
// callback's problem, never the run's.
type AnnounceCallback func(channel, message string)

const announceLimit = 1800

// announceOutcome formats and delivers the outcome of an async run. Sync
// results return inline to the caller and are never announced.
func (m *Manager) announceOutcome(rec Run) {
	if m.announce == nil || rec.Mode != ModeAsync {
		return
	}
	var msg string
	switch rec.Status {
	case StatusCompleted:
		msg = rec.Result
	case StatusFailed:
		msg = fmt.Sprintf("Sub-agent task failed: %s", rec.Error)
	case StatusTimeout:
		msg = fmt.Sprintf("Sub-agent task timed out after %d seconds before completing.", rec.TimeoutMs/1000)
	default:
		return
	}
	msg = sanitize.Truncate(sanitize.AssistantText(msg), announceLimit)
	if msg == "" {
		return
	}
	cb := m.announce
	go func() {
		defer func() {
			if r := recover(); r != nil {
				slog.Error("announce callback panicked", "run_id", rec.ID, "panic", r)
			}
		}()
		cb(rec.Channel, msg)
	}()
}
