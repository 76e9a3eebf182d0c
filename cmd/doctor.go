package cmd

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"sort"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/wardenlabs/warden/internal/config"
	"github.com/wardenlabs/warden/pkg/protocol"
)

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check system environment and configuration health",
		Run: func(cmd *cobra.Command, args []string) {
			runDoctor()
		},
	}
}

func runDoctor() {
	fmt.Println("warden doctor")
	fmt.Printf("  Version:  %s (protocol %d)\n", Version, protocol.ProtocolVersion)
	fmt.Printf("  OS:       %s/%s\n", runtime.GOOS, runtime.GOARCH)
	fmt.Printf("  Go:       %s\n", runtime.Version())
	fmt.Println()

	// Config
	cfgPath := resolveConfigPath()
	fmt.Printf("  Config:   %s", cfgPath)
	if _, err := os.Stat(cfgPath); err != nil {
		fmt.Println(" (NOT FOUND — using defaults and environment)")
	} else {
		fmt.Println(" (OK)")
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Printf("  Config load error: %s\n", err)
		return
	}

	// Providers
	fmt.Println()
	fmt.Println("  Providers:")
	ps := cfg.ProviderSettings()
	checkProvider("Anthropic", ps.Anthropic.APIKey)
	checkProvider("OpenAI", ps.OpenAI.APIKey)
	fmt.Printf("    %-12s %s\n", "Default:", ps.Default)
	if ps.Model != "" {
		fmt.Printf("    %-12s %s\n", "Model:", ps.Model)
	}

	// Gateway
	fmt.Println()
	fmt.Println("  Gateway:")
	gw := cfg.GatewaySettings()
	fmt.Printf("    %-12s %s:%d\n", "Bind:", gw.Host, gw.Port)
	if gw.Token != "" {
		fmt.Printf("    %-12s set\n", "Auth token:")
	} else {
		fmt.Printf("    %-12s NOT SET (any client on the bind address can connect)\n", "Auth token:")
	}
	if gw.RateLimitRPM > 0 {
		fmt.Printf("    %-12s %d req/min per connection\n", "Rate limit:", gw.RateLimitRPM)
	} else {
		fmt.Printf("    %-12s disabled\n", "Rate limit:")
	}
	if cfg.Tailscale.Hostname != "" {
		hasKey := "NO AUTH KEY (set WARDEN_TSNET_AUTH_KEY)"
		if cfg.Tailscale.AuthKey != "" {
			hasKey = "auth key set"
		}
		fmt.Printf("    %-12s %s (%s)\n", "Tailscale:", cfg.Tailscale.Hostname, hasKey)
	}

	// Audit trail
	fmt.Println()
	fmt.Println("  Audit:")
	switch cfg.Audit.Driver {
	case "off":
		fmt.Printf("    %-12s off\n", "Driver:")
	case "postgres":
		fmt.Printf("    %-12s postgres\n", "Driver:")
		checkPostgres(cfg.Audit.PostgresDSN)
	default:
		fmt.Printf("    %-12s sqlite\n", "Driver:")
		path := cfg.Audit.SQLitePath
		if path == "" {
			path = "~/.warden/audit.db"
		}
		path = config.ExpandHome(path)
		fmt.Printf("    %-12s %s", "Path:", path)
		if _, err := os.Stat(path); err != nil {
			fmt.Println(" (will be created on first start)")
		} else {
			fmt.Println(" (OK)")
		}
	}

	// Rate limit store
	fmt.Println()
	fmt.Println("  Rate limits:")
	if cfg.RateLimit.RedisAddr == "" {
		fmt.Printf("    %-12s in-memory (single process)\n", "Store:")
	} else {
		fmt.Printf("    %-12s redis %s\n", "Store:", cfg.RateLimit.RedisAddr)
		checkRedis(cfg.RateLimit)
	}

	// Sub-agents
	fmt.Println()
	fmt.Println("  Sub-agents:")
	if cfg.Subagents.IsEnabled() {
		fmt.Printf("    %-12s enabled\n", "Status:")
	} else {
		fmt.Printf("    %-12s disabled\n", "Status:")
	}

	// MCP servers
	fmt.Println()
	fmt.Println("  MCP servers:")
	if len(cfg.McpServers) == 0 {
		fmt.Println("    (none configured)")
	} else {
		names := make([]string, 0, len(cfg.McpServers))
		for name := range cfg.McpServers {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			sc := cfg.McpServers[name]
			status := "enabled"
			if !sc.IsEnabled() {
				status = "disabled"
			}
			fmt.Printf("    %-16s %s (%s)\n", name+":", status, sc.Transport)
			if sc.Transport == "stdio" && sc.IsEnabled() {
				checkBinary(sc.Command)
			}
		}
	}

	// Scheduler
	fmt.Println()
	sc := cfg.SchedulerSettings()
	fmt.Printf("  Scheduler: %d task(s) configured\n", len(sc.Tasks))

	// Telemetry
	if cfg.Telemetry.Enabled {
		fmt.Printf("  Telemetry: OTLP %s via %s\n", cfg.Telemetry.Endpoint, cfg.Telemetry.Protocol)
	}

	fmt.Println()
	fmt.Println("Doctor check complete.")
}

func checkProvider(name, apiKey string) {
	if apiKey != "" && len(apiKey) > 8 {
		maskedKey := apiKey[:4] + strings.Repeat("*", len(apiKey)-8) + apiKey[len(apiKey)-4:]
		fmt.Printf("    %-12s %s\n", name+":", maskedKey)
	} else if apiKey != "" {
		fmt.Printf("    %-12s set\n", name+":")
	} else {
		fmt.Printf("    %-12s (not configured)\n", name+":")
	}
}

func checkPostgres(dsn string) {
	if dsn == "" {
		fmt.Printf("    %-12s NO DSN (set WARDEN_POSTGRES_DSN)\n", "Status:")
		return
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		fmt.Printf("    %-12s CONNECT FAILED (%s)\n", "Status:", err)
		return
	}
	defer db.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		fmt.Printf("    %-12s CONNECT FAILED (%s)\n", "Status:", err)
	} else {
		fmt.Printf("    %-12s OK\n", "Status:")
	}
}

func checkRedis(rc config.RateLimitConfig) {
	client := redis.NewClient(&redis.Options{
		Addr:     rc.RedisAddr,
		Password: rc.RedisPassword,
		DB:       rc.RedisDB,
	})
	defer client.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		fmt.Printf("    %-12s CONNECT FAILED (%s)\n", "Status:", err)
	} else {
		fmt.Printf("    %-12s OK\n", "Status:")
	}
}

func checkBinary(name string) {
	if name == "" {
		return
	}
	path, err := exec.LookPath(name)
	if err != nil {
		fmt.Printf("      %-14s NOT FOUND in PATH\n", name+":")
	} else {
		fmt.Printf("      %-14s %s\n", name+":", path)
	}
}
