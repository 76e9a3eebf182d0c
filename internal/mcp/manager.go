// Package mcp connects configured MCP servers and surfaces each one as an
// integration skill. Remote tools are discovered once at connect time; calls
// proxy to the server with a per-server timeout. A background loop pings each
// server and tries to reconnect with backoff when it goes quiet.
package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	mcpclient "github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	mcpgo "github.com/mark3labs/mcp-go/mcp"

	"github.com/wardenlabs/warden/internal/config"
	"github.com/wardenlabs/warden/internal/skills"
)

const (
	healthCheckInterval  = 30 * time.Second
	initialBackoff       = 2 * time.Second
	maxBackoff           = 60 * time.Second
	maxReconnectAttempts = 10
	defaultCallTimeout   = 60 // seconds
)

// ServerStatus is a point-in-time snapshot of one server, for doctor output
// and the skills health report.
type ServerStatus struct {
	Name      string `json:"name"`
	Transport string `json:"transport"`
	Connected bool   `json:"connected"`
	ToolCount int    `json:"toolCount"`
	Error     string `json:"error,omitempty"`
}

type serverState struct {
	name      string
	transport string
	client    *mcpclient.Client
	connected atomic.Bool
	skillName string
	toolCount int
	cancel    context.CancelFunc

	mu             sync.Mutex
	reconnAttempts int
	lastErr        string
}

// Manager owns the MCP client connections and registers one integration
// skill per connected server.
type Manager struct {
	mu       sync.RWMutex
	servers  map[string]*serverState
	registry *skills.Registry
	configs  map[string]*config.MCPServerConfig
}

func NewManager(registry *skills.Registry, configs map[string]*config.MCPServerConfig) *Manager {
	return &Manager{
		servers:  make(map[string]*serverState),
		registry: registry,
		configs:  configs,
	}
}

// Start connects every enabled server. A server that fails to connect is
// skipped, not fatal: the joined error reports what failed so the caller can
// log it and keep going.
func (m *Manager) Start(ctx context.Context) error {
	names := make([]string, 0, len(m.configs))
	for name := range m.configs {
		names = append(names, name)
	}
	sort.Strings(names)

	var errs []error
	for _, name := range names {
		cfg := m.configs[name]
		if cfg == nil {
			continue
		}
		if !cfg.IsEnabled() {
			slog.Debug("mcp server disabled", "server", name)
			continue
		}
		if err := m.connectServer(ctx, name, cfg); err != nil {
			slog.Error("mcp server connect failed", "server", name, "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}

func (m *Manager) connectServer(ctx context.Context, name string, cfg *config.MCPServerConfig) error {
	transportType := cfg.Transport
	if transportType == "" {
		transportType = "stdio"
	}

	client, err := createClient(transportType, cfg)
	if err != nil {
		return fmt.Errorf("create client: %w", err)
	}

	// SSE and streamable-http transports need an explicit Start; stdio
	// starts the child process in the constructor.
	if transportType != "stdio" {
		if err := client.Start(ctx); err != nil {
			_ = client.Close()
			return fmt.Errorf("start transport: %w", err)
		}
	}

	initReq := mcpgo.InitializeRequest{}
	initReq.Params.ProtocolVersion = mcpgo.LATEST_PROTOCOL_VERSION
	initReq.Params.ClientInfo = mcpgo.Implementation{
		Name:    "warden",
		Version: "1.0.0",
	}
	if _, err := client.Initialize(ctx, initReq); err != nil {
		_ = client.Close()
		return fmt.Errorf("initialize: %w", err)
	}

	toolsResult, err := client.ListTools(ctx, mcpgo.ListToolsRequest{})
	if err != nil {
		_ = client.Close()
		return fmt.Errorf("list tools: %w", err)
	}

	timeoutSec := cfg.TimeoutSec
	if timeoutSec <= 0 {
		timeoutSec = defaultCallTimeout
	}

	ss := &serverState{
		name:      name,
		transport: transportType,
	}
	ss.connected.Store(true)

	taken := make(map[string]struct{})
	for _, existing := range m.registry.RegisteredToolNames() {
		taken[existing] = struct{}{}
	}

	var defs []skills.ToolDefinition
	remote := make(map[string]string)
	for _, mcpTool := range toolsResult.Tools {
		toolName := registryToolName(cfg.ToolPrefix, mcpTool.Name)
		if _, dup := taken[toolName]; dup {
			slog.Warn("mcp tool name collision, skipping",
				"server", name,
				"tool", toolName,
			)
			continue
		}
		taken[toolName] = struct{}{}
		defs = append(defs, skills.ToolDefinition{
			Name:           toolName,
			Description:    describeTool(name, mcpTool.Name, mcpTool.Description),
			InputSchema:    schemaToMap(mcpTool.InputSchema),
			PermissionTier: skills.TierExternal,
		})
		remote[toolName] = mcpTool.Name
	}

	sk := &serverSkill{
		server:    name,
		client:    client,
		defs:      defs,
		remote:    remote,
		timeout:   time.Duration(timeoutSec) * time.Second,
		connected: &ss.connected,
	}
	if err := m.registry.Register(sk); err != nil {
		_ = client.Close()
		return fmt.Errorf("register skill: %w", err)
	}

	ss.client = client
	ss.skillName = sk.Name()
	ss.toolCount = len(defs)

	// The health loop outlives the startup context.
	hctx, hcancel := context.WithCancel(context.Background())
	ss.cancel = hcancel
	go m.healthLoop(hctx, ss)

	m.mu.Lock()
	m.servers[name] = ss
	m.mu.Unlock()

	slog.Info("mcp server connected",
		"server", name,
		"transport", transportType,
		"tools", len(defs),
	)
	return nil
}

func createClient(transportType string, cfg *config.MCPServerConfig) (*mcpclient.Client, error) {
	switch transportType {
	case "stdio":
		if cfg.Command == "" {
			return nil, fmt.Errorf("stdio transport requires a command")
		}
		return mcpclient.NewStdioMCPClient(cfg.Command, envSlice(cfg.Env), cfg.Args...)

	case "sse":
		if cfg.URL == "" {
			return nil, fmt.Errorf("sse transport requires a url")
		}
		var opts []transport.ClientOption
		if len(cfg.Headers) > 0 {
			opts = append(opts, mcpclient.WithHeaders(cfg.Headers))
		}
		return mcpclient.NewSSEMCPClient(cfg.URL, opts...)

	case "streamable-http":
		if cfg.URL == "" {
			return nil, fmt.Errorf("streamable-http transport requires a url")
		}
		var opts []transport.StreamableHTTPCOption
		if len(cfg.Headers) > 0 {
			opts = append(opts, transport.WithHTTPHeaders(cfg.Headers))
		}
		return mcpclient.NewStreamableHttpClient(cfg.URL, opts...)

	default:
		return nil, fmt.Errorf("unsupported transport: %q", transportType)
	}
}

// healthLoop pings the server on an interval and flips connectivity state.
func (m *Manager) healthLoop(ctx context.Context, ss *serverState) {
	ticker := time.NewTicker(healthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := ss.client.Ping(ctx)
			if err == nil {
				ss.markHealthy()
				continue
			}
			// Servers that never implemented "ping" are still alive.
			if strings.Contains(strings.ToLower(err.Error()), "method not found") {
				ss.markHealthy()
				continue
			}
			ss.connected.Store(false)
			ss.mu.Lock()
			ss.lastErr = err.Error()
			ss.mu.Unlock()

			slog.Warn("mcp health check failed", "server", ss.name, "error", err)
			m.tryReconnect(ctx, ss)
		}
	}
}

func (ss *serverState) markHealthy() {
	ss.connected.Store(true)
	ss.mu.Lock()
	ss.reconnAttempts = 0
	ss.lastErr = ""
	ss.mu.Unlock()
}

// tryReconnect waits out an exponential backoff and re-pings. The transports
// reconnect under the hood, so a successful ping means we are back.
func (m *Manager) tryReconnect(ctx context.Context, ss *serverState) {
	ss.mu.Lock()
	if ss.reconnAttempts >= maxReconnectAttempts {
		ss.lastErr = fmt.Sprintf("gave up after %d reconnect attempts", maxReconnectAttempts)
		ss.mu.Unlock()
		slog.Error("mcp reconnect exhausted", "server", ss.name)
		return
	}
	ss.reconnAttempts++
	attempt := ss.reconnAttempts
	ss.mu.Unlock()

	backoff := initialBackoff * time.Duration(1<<(attempt-1))
	if backoff > maxBackoff {
		backoff = maxBackoff
	}

	slog.Info("mcp server reconnecting",
		"server", ss.name,
		"attempt", attempt,
		"backoff", backoff,
	)

	select {
	case <-ctx.Done():
		return
	case <-time.After(backoff):
	}

	if err := ss.client.Ping(ctx); err == nil {
		ss.markHealthy()
		slog.Info("mcp server reconnected", "server", ss.name)
	}
}

// Stop tears down every connection and unregisters the skills.
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for name, ss := range m.servers {
		if ss.cancel != nil {
			ss.cancel()
		}
		if ss.client != nil {
			_ = ss.client.Close()
		}
		m.registry.Unregister(ss.skillName)
		slog.Debug("mcp server unregistered", "server", name, "tools", ss.toolCount)
	}
	m.servers = make(map[string]*serverState)
}

// ServerStatus reports all servers sorted by name.
func (m *Manager) ServerStatus() []ServerStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]ServerStatus, 0, len(m.servers))
	for _, ss := range m.servers {
		ss.mu.Lock()
		lastErr := ss.lastErr
		ss.mu.Unlock()
		out = append(out, ServerStatus{
			Name:      ss.name,
			Transport: ss.transport,
			Connected: ss.connected.Load(),
			ToolCount: ss.toolCount,
			Error:     lastErr,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

var toolNameCleaner = regexp.MustCompile(`[^a-z0-9_]+`)

// registryToolName maps a server-side tool name (often dashed or camelCase)
// onto the registry's snake_case form, with the configured prefix applied.
func registryToolName(prefix, remoteName string) string {
	name := remoteName
	if prefix != "" {
		name = prefix + "_" + remoteName
	}
	name = strings.ToLower(name)
	name = toolNameCleaner.ReplaceAllString(name, "_")
	name = strings.Trim(name, "_")
	if name == "" || name[0] < 'a' || name[0] > 'z' {
		name = "mcp_" + name
	}
	return name
}

func describeTool(server, remoteName, description string) string {
	description = strings.TrimSpace(description)
	if description == "" {
		description = fmt.Sprintf("Remote tool %q.", remoteName)
	}
	return fmt.Sprintf("[%s] %s", server, description)
}

// schemaToMap converts the discovered input schema to the registry's map
// form. Anything unusable degrades to a bare object schema; the registry
// rejects non-object tools outright, so the type is forced.
func schemaToMap(schema mcpgo.ToolInputSchema) map[string]any {
	fallback := map[string]any{
		"type":       "object",
		"properties": map[string]any{},
	}
	data, err := json.Marshal(schema)
	if err != nil {
		return fallback
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil || out == nil {
		return fallback
	}
	if typ, _ := out["type"].(string); typ != "object" {
		out["type"] = "object"
	}
	if _, ok := out["properties"]; !ok {
		out["properties"] = map[string]any{}
	}
	return out
}

func envSlice(env map[string]string) []string {
	if len(env) == 0 {
		return nil
	}
	s := make([]string, 0, len(env))
	for k, v := range env {
		s = append(s, k+"="+v)
	}
	return s
}
