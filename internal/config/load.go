package config

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/titanous/json5"
)

// Default returns a Config with sensible defaults for a standalone gateway.
func Default() *Config {
	return &Config{
		Providers: ProvidersConfig{
			Default: "anthropic",
		},
		Gateway: GatewayConfig{
			Host:         "127.0.0.1",
			Port:         18900,
			RateLimitRPM: 60,
		},
		Sessions: SessionsConfig{
			Capacity:     50,
			CompactAfter: 30,
			KeepRecent:   10,
		},
		Audit: AuditConfig{
			Driver:     "sqlite",
			SQLitePath: "~/.warden/audit.db",
		},
		Telemetry: TelemetryConfig{
			ServiceName: "warden",
		},
	}
}

// Load reads config from a JSON5 file, then overlays env vars.
// A missing file is not an error: defaults plus env apply.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	cfg.warnSuspectValues(path)
	return cfg, nil
}

// applyEnvOverrides overlays env vars onto the config.
// Env vars take precedence over file values. Secrets have no file
// representation at all, so this is the only place they enter.
func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	envBool := func(key string, dst *bool) {
		if v := os.Getenv(key); v != "" {
			*dst = v == "true" || v == "1"
		}
	}

	// Provider keys: WARDEN_-prefixed wins, bare SDK-conventional names
	// work too so existing shells need no changes.
	envStr("ANTHROPIC_API_KEY", &c.Providers.Anthropic.APIKey)
	envStr("WARDEN_ANTHROPIC_API_KEY", &c.Providers.Anthropic.APIKey)
	envStr("OPENAI_API_KEY", &c.Providers.OpenAI.APIKey)
	envStr("WARDEN_OPENAI_API_KEY", &c.Providers.OpenAI.APIKey)

	envStr("WARDEN_PROVIDER", &c.Providers.Default)
	envStr("WARDEN_MODEL", &c.Providers.Model)

	// Gateway
	envStr("WARDEN_GATEWAY_TOKEN", &c.Gateway.Token)
	envStr("WARDEN_HOST", &c.Gateway.Host)
	if v := os.Getenv("WARDEN_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil && port > 0 {
			c.Gateway.Port = port
		}
	}
	if v := os.Getenv("WARDEN_ALLOWED_USERS"); v != "" {
		c.Gateway.AllowedUsers = splitTrim(v)
	}

	// Audit store. A DSN in the environment implies the Postgres driver:
	// providing the secret is the opt-in.
	envStr("WARDEN_POSTGRES_DSN", &c.Audit.PostgresDSN)
	envStr("WARDEN_AUDIT_DRIVER", &c.Audit.Driver)
	envStr("WARDEN_AUDIT_SQLITE_PATH", &c.Audit.SQLitePath)
	if c.Audit.PostgresDSN != "" && os.Getenv("WARDEN_AUDIT_DRIVER") == "" {
		c.Audit.Driver = "postgres"
	}

	// Rate limiter backend
	envStr("WARDEN_REDIS_ADDR", &c.RateLimit.RedisAddr)
	envStr("WARDEN_REDIS_PASSWORD", &c.RateLimit.RedisPassword)

	// Telemetry
	envStr("WARDEN_TELEMETRY_ENDPOINT", &c.Telemetry.Endpoint)
	envStr("WARDEN_TELEMETRY_PROTOCOL", &c.Telemetry.Protocol)
	envStr("WARDEN_TELEMETRY_SERVICE_NAME", &c.Telemetry.ServiceName)
	envBool("WARDEN_TELEMETRY_ENABLED", &c.Telemetry.Enabled)
	envBool("WARDEN_TELEMETRY_INSECURE", &c.Telemetry.Insecure)

	// Tailscale (tsnet)
	envStr("WARDEN_TSNET_HOSTNAME", &c.Tailscale.Hostname)
	envStr("WARDEN_TSNET_AUTH_KEY", &c.Tailscale.AuthKey)
	envStr("WARDEN_TSNET_DIR", &c.Tailscale.StateDir)
}

// warnSuspectValues logs configuration that will be ignored or fall back at
// runtime. Load never fails on these: a typo in one section should not take
// the gateway down.
func (c *Config) warnSuspectValues(path string) {
	switch c.Providers.Default {
	case "", "anthropic", "openai":
	default:
		slog.Warn("unknown default provider, falling back to anthropic",
			"path", path, "provider", c.Providers.Default)
	}
	switch c.Audit.Driver {
	case "", "sqlite", "postgres", "off":
	default:
		slog.Warn("unknown audit driver, audit trail disabled",
			"path", path, "driver", c.Audit.Driver)
	}
	switch c.Agent.SensitiveToolPolicy {
	case "", "always_confirm", "open":
	default:
		slog.Warn("unknown sensitive_tool_policy, treating as open",
			"path", path, "policy", c.Agent.SensitiveToolPolicy)
	}
	for tier := range c.Providers.Tiers {
		if tier != "light" && tier != "heavy" {
			slog.Warn("unknown provider tier, entry ignored", "path", path, "tier", tier)
		}
	}
	for _, t := range c.Scheduler.Tasks {
		if t.Name == "" || t.Cron == "" || t.Tool == "" {
			slog.Warn("scheduler task missing name, cron or tool, entry ignored",
				"path", path, "task", t.Name)
		}
	}
}

// Save writes the config to a JSON file. Fields tagged `json:"-"` (all
// secrets) never reach disk.
func Save(path string, cfg *Config) error {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	return os.WriteFile(path, data, 0600)
}

// Hash returns a short SHA-256 hash of the config, used to detect real
// changes on hot reload and surfaced by the gateway status method.
func (c *Config) Hash() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	data, _ := json.Marshal(c)
	h := sha256.Sum256(data)
	return fmt.Sprintf("%x", h[:8])
}

// ExpandHome expands a leading ~ to the user's home directory.
func ExpandHome(path string) string {
	if path == "" || path[0] != '~' {
		return path
	}
	home, _ := os.UserHomeDir()
	if len(path) > 1 && path[1] == '/' {
		return home + path[1:]
	}
	return home
}

func splitTrim(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
