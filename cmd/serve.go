package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/wardenlabs/warden/internal/agent"
	"github.com/wardenlabs/warden/internal/bus"
	"github.com/wardenlabs/warden/internal/config"
	"github.com/wardenlabs/warden/internal/confirm"
	"github.com/wardenlabs/warden/internal/gateway"
	"github.com/wardenlabs/warden/internal/health"
	"github.com/wardenlabs/warden/internal/mcp"
	"github.com/wardenlabs/warden/internal/ratelimit"
	"github.com/wardenlabs/warden/internal/scheduler"
	"github.com/wardenlabs/warden/internal/sessions"
	"github.com/wardenlabs/warden/internal/skills"
	"github.com/wardenlabs/warden/internal/subagent"
	"github.com/wardenlabs/warden/internal/telemetry"
	"github.com/wardenlabs/warden/pkg/protocol"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the gateway and all platform services",
		Run: func(cmd *cobra.Command, args []string) {
			runServe()
		},
	}
}

func runServe() {
	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})))

	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	ps := cfg.ProviderSettings()
	if ps.Anthropic.APIKey == "" && ps.OpenAI.APIKey == "" {
		fmt.Println("No AI provider API key found.")
		fmt.Println()
		fmt.Println("Set WARDEN_ANTHROPIC_API_KEY or WARDEN_OPENAI_API_KEY,")
		fmt.Println("or run the setup wizard:  warden onboard")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	telShutdown, err := telemetry.Setup(ctx, cfg.Telemetry)
	if err != nil {
		slog.Warn("telemetry setup failed", "error", err)
	} else {
		defer telShutdown(context.Background())
	}

	events := bus.New()
	defer events.Close()

	trail := buildAuditTrail(cfg)
	var auditor skills.Auditor
	if trail != nil {
		auditor = trail
		defer trail.Close()
	}

	limiter := ratelimit.New(buildRateLimitStore(cfg))
	registry := skills.NewRegistry(health.NewTracker(), limiter, auditor)

	pm := buildProviderManager(cfg)

	store := sessions.NewStore(sessions.WithBounds(
		cfg.Sessions.Capacity, cfg.Sessions.CompactAfter, cfg.Sessions.KeepRecent))

	confirms := confirm.NewManager()
	defer confirms.Stop()

	subMgr := subagent.NewManager(subagentConfig(cfg.Subagents), pm, registry, limiter, events, announceVia(events))
	subMgr.Start()
	defer subMgr.Shutdown(context.Background())

	var local []skills.Skill
	if cfg.Subagents.IsEnabled() {
		local = append(local, subagent.NewSkill(subMgr))
	}
	applySkillToggles(cfg, registry, local)

	orch := agent.New(agentConfig(cfg.AgentGates()), pm, registry, store, confirms, events, nil, nil)

	sched := scheduler.New(events)
	tasks := newTaskApplier(sched, registry)
	tasks.apply(cfg)
	sched.Start()
	defer sched.Shutdown()

	if len(cfg.McpServers) > 0 {
		mcpMgr := mcp.NewManager(registry, cfg.McpServers)
		if err := mcpMgr.Start(ctx); err != nil {
			slog.Warn("mcp startup errors", "error", err)
		}
		defer mcpMgr.Stop()
	}

	for _, serr := range registry.StartupAll(ctx) {
		slog.Warn("skill startup failed", "error", serr)
	}
	defer registry.ShutdownAll(context.Background())

	srv := gateway.NewServer(cfg, events, orch, subMgr, sched, registry)
	srv.SetVersion(Version)

	watcher, err := config.Watch(cfgPath, cfg, func() {
		tasks.apply(cfg)
		applySkillToggles(cfg, registry, local)
		events.Publish(bus.Event{
			Type:     bus.EventConfigReloaded,
			Severity: bus.SeverityLow,
			Payload:  map[string]any{"hash": cfg.Hash()},
		})
	})
	if err != nil {
		slog.Warn("config watcher unavailable", "error", err)
	} else {
		defer watcher.Close()
	}

	slog.Info("warden starting",
		"version", Version,
		"protocol", protocol.ProtocolVersion,
		"skills", registry.SkillNames(),
		"tools", len(registry.RegisteredToolNames()),
		"tasks", len(sched.Tasks()),
	)

	// Tailscale listener serves the same mux as the main listener.
	// Compiled via build tags: `go build -tags tsnet` to enable.
	tsCleanup := gateway.StartTailscale(ctx, cfg.Tailscale, srv.BuildMux())
	if tsCleanup != nil {
		defer tsCleanup()
	}

	if err := srv.Start(ctx); err != nil {
		slog.Error("gateway error", "error", err)
		os.Exit(1)
	}
}
