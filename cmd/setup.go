package cmd

import (
	"fmt"
	"os"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/fredabila/orcbot-sub005/internal/bootstrap"
)

func setupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "setup",
		Short: "Interactive wizard: write the config and seed the data home",
		Run: func(cmd *cobra.Command, args []string) {
			initLogging()
			if err := runSetup(); err != nil {
				fmt.Fprintf(os.Stderr, "setup failed: %s\n", err)
				os.Exit(1)
			}
		},
	}
}

func runSetup() error {
	home, cfg, err := loadConfig()
	if err != nil {
		return err
	}

	provider := cfg.Get("provider")
	model := cfg.Get("model")
	agentName := cfg.Get("agentName")
	apiKey := ""
	autonomy := cfg.GetBool("autonomyEnabled", false)
	heartbeatCron := cfg.Get("heartbeatCron")

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewSelect[string]().
				Title("LLM provider").
				Options(
					huh.NewOption("Anthropic", "anthropic"),
					huh.NewOption("OpenAI-compatible", "openai"),
				).
				Value(&provider),
			huh.NewInput().
				Title("API key").
				EchoMode(huh.EchoModePassword).
				Value(&apiKey),
			huh.NewInput().
				Title("Model (empty for the provider default)").
				Value(&model),
		),
		huh.NewGroup(
			huh.NewInput().
				Title("Agent name").
				Value(&agentName),
			huh.NewConfirm().
				Title("Enable proactive autonomy (heartbeat task synthesis)?").
				Value(&autonomy),
			huh.NewInput().
				Title("Heartbeat cron (empty = every heartbeat)").
				Placeholder("0 9 * * *").
				Value(&heartbeatCron),
		),
	)
	if err := form.Run(); err != nil {
		return err
	}

	settings := map[string]string{
		"provider":        provider,
		"model":           model,
		"agentName":       agentName,
		"autonomyEnabled": fmt.Sprintf("%t", autonomy),
		"heartbeatCron":   heartbeatCron,
	}
	if apiKey != "" {
		keyName := "anthropicApiKey"
		if provider == "openai" {
			keyName = "openaiApiKey"
		}
		settings[keyName] = apiKey
	}
	for k, v := range settings {
		if err := cfg.Set(k, v); err != nil {
			return fmt.Errorf("write %s: %w", k, err)
		}
	}

	created, err := bootstrap.Seed(home)
	if err != nil {
		return err
	}

	fmt.Printf("Config written to %s\n", home.ConfigFile())
	for _, f := range created {
		fmt.Printf("Seeded %s\n", f)
	}
	fmt.Println("Edit USER.md so the agent knows who it works for, then: orcbot run")
	return nil
}
