package protocol

// RPC method names served over the WebSocket.
const (
	// Chat
	MethodChatSend  = "chat.send"
	MethodChatAbort = "chat.abort"

	// Background runs
	MethodRunsList = "runs.list"
	MethodRunsStop = "runs.stop"

	// Scheduled tasks
	MethodTasksList = "tasks.list"
	MethodTasksRun  = "tasks.run"

	// Skills
	MethodSkillsList   = "skills.list"
	MethodHealthSkills = "health.skills"

	// System
	MethodStatus = "status"
)

// ChatSendParams asks the orchestrator to handle one user message.
type ChatSendParams struct {
	User        string   `json:"user"`
	Channel     string   `json:"channel,omitempty"`     // defaults to "gateway"
	Message     string   `json:"message"`
	Attachments []string `json:"attachments,omitempty"` // server-local file paths
	WorkingDir  string   `json:"working_dir,omitempty"`
}

// ChatSendResult carries the assistant reply.
type ChatSendResult struct {
	Reply               string   `json:"reply"`
	Files               []string `json:"files,omitempty"`
	PendingConfirmation bool     `json:"pendingConfirmation,omitempty"`
}

// ChatAbortParams cancels the in-flight turn for a user, if any.
type ChatAbortParams struct {
	User string `json:"user"`
}

// RunsListParams lists the background runs owned by a user.
type RunsListParams struct {
	User string `json:"user"`
}

// RunsStopParams cancels one background run. Ownership is enforced: the
// user must match the run's owner.
type RunsStopParams struct {
	User   string `json:"user"`
	RunID  string `json:"run_id"`
	Reason string `json:"reason,omitempty"`
}

// TasksRunParams triggers a scheduled task outside its cron schedule.
type TasksRunParams struct {
	Name string `json:"name"`
}

// StatusResult is the gateway status snapshot.
type StatusResult struct {
	Version    string `json:"version"`
	Protocol   int    `json:"protocol"`
	ConfigHash string `json:"config_hash"`
	UptimeSec  int64  `json:"uptime_sec"`
	Clients    int    `json:"clients"`
	Provider   string `json:"provider"`
}
