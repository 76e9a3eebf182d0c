package bus

import "time"

// Severity levels for published events.
const (
	SeverityHigh   = "high"
	SeverityMedium = "medium"
	SeverityLow    = "low"
)

// Stable event types consumed by sinks (gateway clients, announcers, tests).
// These names are part of the external contract and must not change.
const (
	EventSystemError = "alert.system.error"
	EventTaskFailed  = "alert.system.task_failed"

	EventSubagentSpawned   = "subagent.spawned"
	EventSubagentRunning   = "subagent.running"
	EventSubagentCompleted = "subagent.completed"
	EventSubagentFailed    = "subagent.failed"
	EventSubagentCancelled = "subagent.cancelled"
	EventSubagentTimeout   = "subagent.timeout"

	// EventChatAnnounce carries the result text of an async sub-agent run
	// back to the channel it came from. Payload: {channel, message}.
	EventChatAnnounce = "chat.announce"

	EventConfigReloaded = "config.reloaded"
)

// Event is a typed notification published on the bus. Immutable once
// published: handlers must not mutate Payload.
type Event struct {
	Type        string         `json:"type"`
	Timestamp   time.Time      `json:"timestamp"`
	SourceSkill string         `json:"source_skill,omitempty"`
	Payload     map[string]any `json:"payload,omitempty"`
	Severity    string         `json:"severity,omitempty"`
	EventID     string         `json:"event_id,omitempty"`
}

// Handler receives events whose type matches the subscription pattern.
type Handler func(Event)

// Publisher is the subscribe side of the bus, for components that only
// need to listen (gateway clients, announcers).
type Publisher interface {
	Subscribe(pattern string, h Handler) (string, error)
	Unsubscribe(id string)
	Publish(ev Event)
}
