package cmd

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/wardenlabs/warden/internal/config"
)

func onboardCmd() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "onboard",
		Short: "Interactive setup wizard",
		Long: `Walks through the initial configuration and writes the config file.
API keys are never stored in the file; the wizard tells you which
environment variables to set instead.`,
		Run: func(cmd *cobra.Command, args []string) {
			runOnboard(force)
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing config file")

	return cmd
}

func runOnboard(force bool) {
	path := resolveConfigPath()
	if _, err := os.Stat(path); err == nil && !force {
		fmt.Fprintf(os.Stderr, "Config already exists at %s (use --force to overwrite)\n", path)
		os.Exit(1)
	}

	cfg := config.Default()

	var (
		provider  = cfg.Providers.Default
		model     string
		portStr   = strconv.Itoa(cfg.Gateway.Port)
		genToken  = true
		subagents = true
	)

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewSelect[string]().
				Title("Default AI provider").
				Options(
					huh.NewOption("Anthropic (Claude)", "anthropic"),
					huh.NewOption("OpenAI (GPT)", "openai"),
				).
				Value(&provider),
			huh.NewInput().
				Title("Default model").
				Description("Leave empty to use the provider's default").
				Value(&model),
		),
		huh.NewGroup(
			huh.NewInput().
				Title("Gateway port").
				Validate(func(s string) error {
					n, err := strconv.Atoi(strings.TrimSpace(s))
					if err != nil || n < 1 || n > 65535 {
						return fmt.Errorf("enter a port between 1 and 65535")
					}
					return nil
				}).
				Value(&portStr),
			huh.NewConfirm().
				Title("Generate a gateway auth token?").
				Description("Required before exposing the gateway beyond localhost").
				Value(&genToken),
			huh.NewConfirm().
				Title("Enable sub-agents?").
				Value(&subagents),
		),
	)

	if err := form.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "Setup aborted: %v\n", err)
		os.Exit(1)
	}

	cfg.Providers.Default = provider
	cfg.Providers.Model = strings.TrimSpace(model)
	if port, err := strconv.Atoi(strings.TrimSpace(portStr)); err == nil {
		cfg.Gateway.Port = port
	}
	if genToken {
		cfg.Gateway.Token = uuid.NewString()
	}
	if !subagents {
		enabled := false
		cfg.Subagents.Enabled = &enabled
	}

	if err := config.Save(path, cfg); err != nil {
		fmt.Fprintf(os.Stderr, "Error writing config: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("\nConfig written to %s\n\n", path)

	envVar := "WARDEN_ANTHROPIC_API_KEY"
	if provider == "openai" {
		envVar = "WARDEN_OPENAI_API_KEY"
	}
	fmt.Println("API keys stay out of the config file. Before starting, set:")
	fmt.Printf("  export %s=...\n\n", envVar)
	if genToken {
		fmt.Println("Gateway clients authenticate with the token in the config file")
		fmt.Println("(or set WARDEN_GATEWAY_TOKEN to override it).")
		fmt.Println()
	}
	fmt.Println("Then start the platform:")
	fmt.Println("  warden")
}
