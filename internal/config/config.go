// Package config defines the Warden configuration file format and its
// loading rules. Config is read from a JSON5 file, overlaid with WARDEN_*
// environment variables (env wins), and can be hot-reloaded at runtime via
// Watch. Secrets (API keys, DSNs, auth keys) are never written to the file;
// they come from the environment only.
package config

import (
	"sync"
)

// Config is the root configuration document.
//
// The struct is shared between the gateway, the CLI and the watcher; reads
// and the ReplaceFrom swap are guarded by mu so a hot reload cannot tear a
// reader mid-struct.
type Config struct {
	Agent      AgentConfig                 `json:"agent,omitempty"`
	Providers  ProvidersConfig             `json:"providers,omitempty"`
	Gateway    GatewayConfig               `json:"gateway"`
	Skills     SkillsConfig                `json:"skills,omitempty"`
	Subagents  SubagentsConfig             `json:"subagents,omitempty"`
	Sessions   SessionsConfig              `json:"sessions,omitempty"`
	Scheduler  SchedulerConfig             `json:"scheduler,omitempty"`
	Audit      AuditConfig                 `json:"audit,omitempty"`
	RateLimit  RateLimitConfig             `json:"rate_limit,omitempty"`
	Telemetry  TelemetryConfig             `json:"telemetry,omitempty"`
	McpServers map[string]*MCPServerConfig `json:"mcp_servers,omitempty"`
	Tailscale  TailscaleConfig             `json:"tailscale,omitempty"`

	mu sync.RWMutex
}

// AgentConfig tunes the orchestrator gates. Zero values fall back to the
// orchestrator's own defaults, so an empty section is valid.
type AgentConfig struct {
	MaxTokens           int      `json:"max_tokens,omitempty"`               // output budget per LLM call (default 4096)
	MaxMessageChars     int      `json:"max_message_chars,omitempty"`        // reject longer user messages (default 4000)
	MaxToolCallsPerTurn int      `json:"max_tool_calls_per_turn,omitempty"`  // tool executions per turn (default 10)
	ToolTimeoutSec      int      `json:"tool_timeout_sec,omitempty"`         // per-tool wall clock (default 30)
	SensitiveToolPolicy string   `json:"sensitive_tool_policy,omitempty"`    // "always_confirm" gates sensitive tools
	HeavyToolHints      []string `json:"heavy_tool_hints,omitempty"`         // tool names that mark a request heavy
	ContextNotes        string   `json:"context_notes,omitempty"`            // extra system prompt section
	CodeGuidance        string   `json:"code_guidance,omitempty"`            // code execution guidance section
	FewShotExamples     string   `json:"few_shot_examples,omitempty"`        // examples section
}

// ProvidersConfig selects and tunes the LLM providers.
type ProvidersConfig struct {
	Default          string               `json:"default,omitempty"`           // "anthropic" (default) or "openai"
	Model            string               `json:"model,omitempty"`             // default model override
	Anthropic        ProviderConfig       `json:"anthropic,omitempty"`
	OpenAI           ProviderConfig       `json:"openai,omitempty"`
	Tiers            map[string]TierRoute `json:"tiers,omitempty"`             // "light" / "heavy" routing overrides
	FailureThreshold int                  `json:"failure_threshold,omitempty"` // consecutive failures before cooldown (default 3)
	CooldownSec      int                  `json:"cooldown_sec,omitempty"`      // failover cooldown in seconds (default 120)
}

// ProviderConfig configures a single provider. APIKey is NEVER read from the
// file — only from env (WARDEN_ANTHROPIC_API_KEY / WARDEN_OPENAI_API_KEY).
type ProviderConfig struct {
	APIKey  string `json:"-"`
	BaseURL string `json:"base_url,omitempty"` // override for proxies and compatible endpoints
	Model   string `json:"model,omitempty"`    // default model for this provider
}

// TierRoute pins a request tier to a provider/model pair.
type TierRoute struct {
	Provider string `json:"provider"`
	Model    string `json:"model,omitempty"`
}

// GatewayConfig configures the WebSocket control plane.
type GatewayConfig struct {
	Host           string   `json:"host"`
	Port           int      `json:"port"`
	Token          string   `json:"token,omitempty"`           // bearer token for WS auth; env WARDEN_GATEWAY_TOKEN wins
	AllowedOrigins []string `json:"allowed_origins,omitempty"` // Origin allowlist (empty = non-browser clients only assumption, allow all)
	AllowedUsers   []string `json:"allowed_users,omitempty"`   // user IDs permitted to chat (empty = any)
	RateLimitRPM   int      `json:"rate_limit_rpm,omitempty"`  // per-connection requests per minute (default 60, 0 = disabled)
}

// SkillsConfig toggles registered skills without removing their wiring.
// Disabled skills are withheld from the registry; a hot reload re-applies
// the list, so a skill can be pulled or restored without a restart.
type SkillsConfig struct {
	Disabled []string `json:"disabled,omitempty"`
}

// SubagentsConfig bounds background agent runs. Zero values fall back to the
// manager's defaults.
type SubagentsConfig struct {
	Enabled        *bool `json:"enabled,omitempty"`          // default true
	MaxConcurrent  int   `json:"max_concurrent,omitempty"`   // platform-wide parallel runs (default 8)
	MaxPerUser     int   `json:"max_per_user,omitempty"`     // per-requester parallel runs (default 3)
	TimeoutSec     int   `json:"timeout_sec,omitempty"`      // per-run wall clock (default 300)
	MaxIterations  int   `json:"max_iterations,omitempty"`   // tool loop rounds per run (default 12)
	MaxToolCalls   int   `json:"max_tool_calls,omitempty"`   // tool executions per run (default 20)
	MaxTokenBudget int64 `json:"max_token_budget,omitempty"` // token spend per run (default 200000)
	ArchiveTTLSec  int   `json:"archive_ttl_sec,omitempty"`  // finished-run retention (default 3600)
}

// IsEnabled returns whether subagents are enabled (default true).
func (c SubagentsConfig) IsEnabled() bool {
	return c.Enabled == nil || *c.Enabled
}

// SessionsConfig bounds the conversation store.
type SessionsConfig struct {
	Capacity     int `json:"capacity,omitempty"`      // max tracked sessions before LRU eviction (default 50)
	CompactAfter int `json:"compact_after,omitempty"` // history length that triggers summarization (default 30)
	KeepRecent   int `json:"keep_recent,omitempty"`   // entries kept verbatim after compaction (default 10)
}

// SchedulerConfig declares recurring tasks.
type SchedulerConfig struct {
	Tasks     []TaskConfig            `json:"tasks,omitempty"`
	Overrides map[string]TaskOverride `json:"overrides,omitempty"` // per-task-name tweaks for config-declared tasks
}

// TaskConfig declares a cron-driven tool invocation.
type TaskConfig struct {
	Name    string         `json:"name"`
	Cron    string         `json:"cron"`              // standard 5-field cron expression
	Tool    string         `json:"tool"`              // registered tool to invoke
	Input   map[string]any `json:"input,omitempty"`   // tool input document
	User    string         `json:"user,omitempty"`    // principal the run executes as (default "scheduler")
	Enabled *bool          `json:"enabled,omitempty"` // default true
}

// IsEnabled returns whether this task is enabled (default true).
func (t TaskConfig) IsEnabled() bool {
	return t.Enabled == nil || *t.Enabled
}

// TaskOverride selectively replaces parts of a built-in task definition.
type TaskOverride struct {
	Cron    *string `json:"cron,omitempty"`
	Enabled *bool   `json:"enabled,omitempty"`
}

// AuditConfig selects the audit trail backend.
// PostgresDSN is NEVER read from the file — only from env WARDEN_POSTGRES_DSN.
type AuditConfig struct {
	Driver      string `json:"driver,omitempty"`      // "sqlite" (default), "postgres", "off"
	SQLitePath  string `json:"sqlite_path,omitempty"` // default "~/.warden/audit.db"
	PostgresDSN string `json:"-"`
}

// RateLimitConfig selects the rate limiter backend. An empty RedisAddr keeps
// counters in process memory, which is correct for a single gateway.
// RedisPassword is NEVER read from the file — only from env WARDEN_REDIS_PASSWORD.
type RateLimitConfig struct {
	RedisAddr     string `json:"redis_addr,omitempty"` // e.g. "localhost:6379"
	RedisDB       int    `json:"redis_db,omitempty"`
	RedisPassword string `json:"-"`
}

// TelemetryConfig configures OTLP trace export.
type TelemetryConfig struct {
	Enabled     bool              `json:"enabled,omitempty"`      // enable OTLP export (default false)
	Endpoint    string            `json:"endpoint,omitempty"`     // OTLP endpoint (e.g. "localhost:4317")
	Protocol    string            `json:"protocol,omitempty"`     // "grpc" (default) or "http"
	Insecure    bool              `json:"insecure,omitempty"`     // plaintext export for local collectors
	ServiceName string            `json:"service_name,omitempty"` // OTEL service name (default "warden")
	Headers     map[string]string `json:"headers,omitempty"`      // extra headers (auth tokens for cloud backends)
}

// MCPServerConfig configures a single external MCP server connection.
// Connected servers surface their tools as integration skills.
type MCPServerConfig struct {
	Transport  string            `json:"transport"`             // "stdio", "sse", "streamable-http"
	Command    string            `json:"command,omitempty"`     // stdio: command to spawn
	Args       []string          `json:"args,omitempty"`        // stdio: command arguments
	Env        map[string]string `json:"env,omitempty"`         // stdio: extra environment variables
	URL        string            `json:"url,omitempty"`         // sse/http: server URL
	Headers    map[string]string `json:"headers,omitempty"`     // sse/http: extra HTTP headers
	Enabled    *bool             `json:"enabled,omitempty"`     // default true
	ToolPrefix string            `json:"tool_prefix,omitempty"` // prefix for tool names (avoids collisions)
	TimeoutSec int               `json:"timeout_sec,omitempty"` // per-tool-call timeout in seconds (default 60)
}

// IsEnabled returns whether this MCP server is enabled (default true).
func (c *MCPServerConfig) IsEnabled() bool {
	return c.Enabled == nil || *c.Enabled
}

// TailscaleConfig exposes the gateway on a tailnet instead of a plain TCP
// listener. AuthKey is NEVER read from the file — only from env
// WARDEN_TSNET_AUTH_KEY.
type TailscaleConfig struct {
	Hostname  string `json:"hostname,omitempty"`   // tailnet machine name (e.g. "warden")
	StateDir  string `json:"state_dir,omitempty"`  // persistent tsnet state (default "~/.warden/tsnet")
	AuthKey   string `json:"-"`
	Ephemeral bool   `json:"ephemeral,omitempty"`  // remove the node on exit
	EnableTLS bool   `json:"enable_tls,omitempty"` // serve over tailnet HTTPS certs
}

// ReplaceFrom swaps in the contents of src under the write lock. Used by the
// file watcher so long-lived components holding the *Config see updates.
func (c *Config) ReplaceFrom(src *Config) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Agent = src.Agent
	c.Providers = src.Providers
	c.Gateway = src.Gateway
	c.Skills = src.Skills
	c.Subagents = src.Subagents
	c.Sessions = src.Sessions
	c.Scheduler = src.Scheduler
	c.Audit = src.Audit
	c.RateLimit = src.RateLimit
	c.Telemetry = src.Telemetry
	c.McpServers = src.McpServers
	c.Tailscale = src.Tailscale
}

// AgentGates returns the agent section under the read lock. Hot reload
// swaps sections in place, so goroutines that outlive a reload read through
// accessors instead of holding field references.
func (c *Config) AgentGates() AgentConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Agent
}

// SchedulerSettings returns the scheduler section under the read lock.
func (c *Config) SchedulerSettings() SchedulerConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Scheduler
}

// GatewaySettings returns the gateway section under the read lock. Callers
// treat the contained slices as read-only.
func (c *Config) GatewaySettings() GatewayConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Gateway
}

// ProviderSettings returns the providers section under the read lock.
func (c *Config) ProviderSettings() ProvidersConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Providers
}

// SkillsDisabled returns the disabled-skill list under the read lock.
func (c *Config) SkillsDisabled() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Skills.Disabled
}
