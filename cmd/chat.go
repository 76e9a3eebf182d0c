package cmd

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/mattn/go-runewidth"
	"github.com/spf13/cobra"

	"github.com/wardenlabs/warden/internal/agent"
	"github.com/wardenlabs/warden/internal/bus"
	"github.com/wardenlabs/warden/internal/config"
	"github.com/wardenlabs/warden/internal/confirm"
	"github.com/wardenlabs/warden/internal/health"
	"github.com/wardenlabs/warden/internal/mcp"
	"github.com/wardenlabs/warden/internal/ratelimit"
	"github.com/wardenlabs/warden/internal/sessions"
	"github.com/wardenlabs/warden/internal/skills"
	"github.com/wardenlabs/warden/internal/subagent"
)

const replWidth = 100

func chatCmd() *cobra.Command {
	var (
		user    string
		message string
		workdir string
	)

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Chat with the orchestrator locally, without the gateway",
		Long: `Drives the orchestrator directly for development. Sub-agent tools and
configured MCP servers are available; scheduled tasks and the WebSocket
gateway are not started.

Examples:
  warden chat                         # interactive REPL
  warden chat -m "ping"               # one-shot message
  warden chat -u alice -w ~/project   # principal + working directory`,
		Run: func(cmd *cobra.Command, args []string) {
			runChat(user, message, workdir)
		},
	}

	cmd.Flags().StringVarP(&user, "user", "u", "local", "principal the turn runs as")
	cmd.Flags().StringVarP(&message, "message", "m", "", "one-shot message (omit for interactive mode)")
	cmd.Flags().StringVarP(&workdir, "workdir", "w", "", "working directory passed to tools")

	return cmd
}

func runChat(user, message, workdir string) {
	logLevel := slog.LevelWarn
	if verbose {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel,
	})))

	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	ps := cfg.ProviderSettings()
	if ps.Anthropic.APIKey == "" && ps.OpenAI.APIKey == "" {
		fmt.Fprintln(os.Stderr, "No AI provider API key found. Run:  warden onboard")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	events := bus.New()
	defer events.Close()

	limiter := ratelimit.New(ratelimit.NewMemoryStore())
	registry := skills.NewRegistry(health.NewTracker(), limiter, nil)
	pm := buildProviderManager(cfg)

	store := sessions.NewStore(sessions.WithBounds(
		cfg.Sessions.Capacity, cfg.Sessions.CompactAfter, cfg.Sessions.KeepRecent))

	confirms := confirm.NewManager()
	defer confirms.Stop()

	subMgr := subagent.NewManager(subagentConfig(cfg.Subagents), pm, registry, limiter, events, nil)
	subMgr.Start()
	defer subMgr.Shutdown(context.Background())
	if cfg.Subagents.IsEnabled() {
		if err := registry.Register(subagent.NewSkill(subMgr)); err != nil {
			slog.Warn("skill registration failed", "skill", "subagent", "error", err)
		}
	}

	if len(cfg.McpServers) > 0 {
		mcpMgr := mcp.NewManager(registry, cfg.McpServers)
		if err := mcpMgr.Start(ctx); err != nil {
			slog.Warn("mcp startup errors", "error", err)
		}
		defer mcpMgr.Stop()
	}

	orch := agent.New(agentConfig(cfg.AgentGates()), pm, registry, store, confirms, events, nil, nil)

	ask := func(msg string) {
		reply, err := orch.HandleMessage(ctx, agent.Request{
			UserID:     user,
			Message:    msg,
			Channel:    "cli",
			WorkingDir: workdir,
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return
		}
		fmt.Println()
		fmt.Println(wrapText(reply.Text, replWidth))
		for _, f := range reply.Files {
			fmt.Printf("  file: %s\n", f)
		}
		if reply.PendingConfirmation {
			fmt.Println("  (a destructive action is waiting for confirmation — reply with the token to proceed)")
		}
		fmt.Println()
	}

	if message != "" {
		ask(message)
		return
	}

	fmt.Fprintf(os.Stderr, "warden chat — user %s, tools %d\n", user, len(registry.RegisteredToolNames()))
	fmt.Fprintf(os.Stderr, "Type /quit to exit, /reset for a fresh session\n\n")

	scanner := bufio.NewScanner(os.Stdin)
	for {
		select {
		case <-ctx.Done():
			fmt.Fprintln(os.Stderr, "\nGoodbye!")
			return
		default:
		}

		fmt.Fprint(os.Stderr, "you> ")
		if !scanner.Scan() {
			return
		}
		input := strings.TrimSpace(scanner.Text())
		switch input {
		case "":
			continue
		case "/quit", "/exit":
			fmt.Fprintln(os.Stderr, "Goodbye!")
			return
		case "/reset":
			store.Reset(sessions.Key(user, "cli"))
			fmt.Fprintln(os.Stderr, "Session cleared.")
			continue
		}
		ask(input)
	}
}

// wrapText folds long lines at word boundaries using display width, so CJK
// and other wide runes count as two columns.
func wrapText(s string, width int) string {
	var out []string
	for _, line := range strings.Split(s, "\n") {
		if runewidth.StringWidth(line) <= width {
			out = append(out, line)
			continue
		}
		var b strings.Builder
		lineWidth := 0
		for _, word := range strings.Fields(line) {
			w := runewidth.StringWidth(word)
			if lineWidth > 0 && lineWidth+1+w > width {
				out = append(out, b.String())
				b.Reset()
				lineWidth = 0
			}
			if lineWidth > 0 {
				b.WriteByte(' ')
				lineWidth++
			}
			b.WriteString(word)
			lineWidth += w
		}
		if b.Len() > 0 {
			out = append(out, b.String())
		}
	}
	return strings.Join(out, "\n")
}
