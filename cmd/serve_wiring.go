package cmd

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/wardenlabs/warden/internal/agent"
	"github.com/wardenlabs/warden/internal/audit"
	"github.com/wardenlabs/warden/internal/bus"
	"github.com/wardenlabs/warden/internal/config"
	"github.com/wardenlabs/warden/internal/providers"
	"github.com/wardenlabs/warden/internal/providers/anthropic"
	"github.com/wardenlabs/warden/internal/providers/openai"
	"github.com/wardenlabs/warden/internal/ratelimit"
	"github.com/wardenlabs/warden/internal/scheduler"
	"github.com/wardenlabs/warden/internal/skills"
	"github.com/wardenlabs/warden/internal/subagent"
)

// buildAuditTrail creates the audit writer for the configured driver.
// Returns nil when auditing is off; store failures are fatal because a
// configured-but-broken trail silently losing records is worse than not
// starting.
func buildAuditTrail(cfg *config.Config) *audit.Trail {
	switch cfg.Audit.Driver {
	case "off":
		slog.Info("audit trail disabled")
		return nil
	case "postgres":
		store, err := audit.NewPGStore(context.Background(), cfg.Audit.PostgresDSN)
		if err != nil {
			slog.Error("postgres audit store unavailable", "error", err)
			os.Exit(1)
		}
		return audit.NewTrail(store)
	default:
		path := config.ExpandHome(cfg.Audit.SQLitePath)
		if path == "" {
			path = config.ExpandHome("~/.warden/audit.db")
		}
		os.MkdirAll(filepath.Dir(path), 0o700)
		store, err := audit.NewSQLiteStore(path)
		if err != nil {
			slog.Error("sqlite audit store unavailable", "path", path, "error", err)
			os.Exit(1)
		}
		return audit.NewTrail(store)
	}
}

// buildRateLimitStore picks the rate limiter backend: Redis when an address
// is configured, process memory otherwise.
func buildRateLimitStore(cfg *config.Config) ratelimit.Store {
	rl := cfg.RateLimit
	if rl.RedisAddr == "" {
		return ratelimit.NewMemoryStore()
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     rl.RedisAddr,
		Password: rl.RedisPassword,
		DB:       rl.RedisDB,
	})
	slog.Info("rate limit counters in redis", "addr", rl.RedisAddr)
	return ratelimit.NewRedisStore(rdb)
}

func buildProviderManager(cfg *config.Config) *providers.Manager {
	ps := cfg.ProviderSettings()

	mc := providers.ManagerConfig{
		DefaultProvider:  ps.Default,
		DefaultModel:     ps.Model,
		FailureThreshold: ps.FailureThreshold,
	}
	if ps.CooldownSec > 0 {
		mc.Cooldown = time.Duration(ps.CooldownSec) * time.Second
	}
	if len(ps.Tiers) > 0 {
		mc.Tiers = make(map[string]providers.TierModel, len(ps.Tiers))
		for tier, route := range ps.Tiers {
			mc.Tiers[tier] = providers.TierModel{Provider: route.Provider, Model: route.Model}
		}
	}

	pm := providers.NewManager(mc)
	if ps.Anthropic.APIKey != "" {
		p := anthropic.New(anthropic.Config{
			APIKey:  ps.Anthropic.APIKey,
			BaseURL: ps.Anthropic.BaseURL,
			Model:   ps.Anthropic.Model,
		})
		if err := pm.Register(p); err != nil {
			slog.Warn("provider registration failed", "provider", "anthropic", "error", err)
		}
	}
	if ps.OpenAI.APIKey != "" {
		p := openai.New(openai.Config{
			APIKey:  ps.OpenAI.APIKey,
			BaseURL: ps.OpenAI.BaseURL,
			Model:   ps.OpenAI.Model,
		})
		if err := pm.Register(p); err != nil {
			slog.Warn("provider registration failed", "provider", "openai", "error", err)
		}
	}
	slog.Info("providers registered", "providers", pm.Names(), "default", ps.Default)
	return pm
}

func agentConfig(ac config.AgentConfig) agent.Config {
	return agent.Config{
		MaxMessageChars:     ac.MaxMessageChars,
		MaxTokens:           ac.MaxTokens,
		MaxToolCallsPerTurn: ac.MaxToolCallsPerTurn,
		ToolTimeout:         time.Duration(ac.ToolTimeoutSec) * time.Second,
		HeavyToolHints:      ac.HeavyToolHints,
		SensitiveToolPolicy: ac.SensitiveToolPolicy,
		ContextNotes:        ac.ContextNotes,
		CodeGuidance:        ac.CodeGuidance,
		FewShotExamples:     ac.FewShotExamples,
	}
}

func subagentConfig(sc config.SubagentsConfig) subagent.Config {
	return subagent.Config{
		Enabled:           sc.IsEnabled(),
		MaxConcurrent:     sc.MaxConcurrent,
		MaxPerUser:        sc.MaxPerUser,
		DefaultTimeoutMs:  sc.TimeoutSec * 1000,
		MaxIterations:     sc.MaxIterations,
		MaxToolCalls:      sc.MaxToolCalls,
		MaxTokenBudget:    sc.MaxTokenBudget,
		ArchiveTTLSeconds: sc.ArchiveTTLSec,
	}
}

// announceVia delivers async run outcomes as chat.announce events; the
// gateway pushes them to connected clients.
func announceVia(events bus.Publisher) subagent.AnnounceCallback {
	return func(channel, message string) {
		events.Publish(bus.Event{
			Type:        bus.EventChatAnnounce,
			SourceSkill: "subagent",
			Severity:    bus.SeverityLow,
			Payload:     map[string]any{"channel": channel, "message": message},
		})
	}
}

// applySkillToggles reconciles the disabled-skill list against the locally
// constructed skills. MCP servers carry their own enabled flag and are not
// managed here.
func applySkillToggles(cfg *config.Config, registry *skills.Registry, local []skills.Skill) {
	disabled := make(map[string]bool)
	for _, name := range cfg.SkillsDisabled() {
		disabled[name] = true
	}
	registered := make(map[string]bool)
	for _, name := range registry.SkillNames() {
		registered[name] = true
	}
	for _, sk := range local {
		name := sk.Name()
		switch {
		case disabled[name] && registered[name]:
			registry.Unregister(name)
			slog.Info("skill disabled by config", "skill", name)
		case !disabled[name] && !registered[name]:
			if err := registry.Register(sk); err != nil {
				slog.Warn("skill registration failed", "skill", name, "error", err)
			}
		}
	}
}

// taskApplier reconciles config-declared tasks into the scheduler across
// reloads: declared names are (re)registered, removed ones stop.
type taskApplier struct {
	sched    *scheduler.Scheduler
	registry *skills.Registry
	applied  map[string]bool
}

func newTaskApplier(sched *scheduler.Scheduler, registry *skills.Registry) *taskApplier {
	return &taskApplier{sched: sched, registry: registry, applied: make(map[string]bool)}
}

func (a *taskApplier) apply(cfg *config.Config) {
	sc := cfg.SchedulerSettings()
	next := make(map[string]bool, len(sc.Tasks))
	for _, tc := range sc.Tasks {
		if tc.Name == "" || tc.Cron == "" || tc.Tool == "" {
			slog.Warn("scheduler task ignored, name, cron and tool are all required", "task", tc.Name)
			continue
		}
		def := scheduler.TaskDef{
			Name:    tc.Name,
			Cron:    tc.Cron,
			Handler: toolTaskHandler(a.registry, tc),
			Enabled: tc.IsEnabled(),
		}
		var ov *scheduler.Override
		if o, ok := sc.Overrides[tc.Name]; ok {
			ov = &scheduler.Override{Cron: o.Cron, Enabled: o.Enabled}
		}
		if err := a.sched.RegisterTask(def, ov); err != nil {
			slog.Warn("scheduler task rejected", "task", tc.Name, "error", err)
			continue
		}
		next[tc.Name] = true
	}
	for name := range a.applied {
		if !next[name] {
			a.sched.RemoveTask(name)
			slog.Info("scheduler task removed", "task", name)
		}
	}
	a.applied = next
}

// toolTaskHandler runs one registered tool as the task's principal. Tool
// errors come back as strings, so IsError is the failure signal.
func toolTaskHandler(registry *skills.Registry, tc config.TaskConfig) scheduler.Handler {
	user := tc.User
	if user == "" {
		user = "scheduler"
	}
	tool, input := tc.Tool, tc.Input
	return func(ctx context.Context) error {
		res := registry.ExecuteToolCall(ctx, tool, input, skills.CallerContext{
			UserID:  user,
			Channel: "scheduler",
		})
		if res.IsError {
			return errors.New(res.Content)
		}
		return nil
	}
}
