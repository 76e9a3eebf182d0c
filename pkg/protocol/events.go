package protocol

// Event names pushed to WebSocket clients. The platform bus forwards its
// events verbatim, so these mirror the internal bus vocabulary; the last
// two originate in the gateway itself.
const (
	EventSystemError = "alert.system.error"
	EventTaskFailed  = "alert.system.task_failed"

	EventSubagentSpawned   = "subagent.spawned"
	EventSubagentRunning   = "subagent.running"
	EventSubagentCompleted = "subagent.completed"
	EventSubagentFailed    = "subagent.failed"
	EventSubagentCancelled = "subagent.cancelled"
	EventSubagentTimeout   = "subagent.timeout"

	// EventChatAnnounce delivers an async sub-agent result as an incoming
	// message. Payload: {channel, message}.
	EventChatAnnounce = "chat.announce"

	EventConfigReloaded = "config.reloaded"
	EventShutdown       = "shutdown"
)
