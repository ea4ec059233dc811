package cmd

import (
	"fmt"
	"os"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/fredabila/orcbot-sub005/internal/state"
)

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check environment and configuration health",
		Run: func(cmd *cobra.Command, args []string) {
			runDoctor()
		},
	}
}

func runDoctor() {
	fmt.Println("orcbot doctor")
	fmt.Printf("  Version:  %s\n", Version)
	fmt.Printf("  OS:       %s/%s\n", runtime.GOOS, runtime.GOARCH)
	fmt.Printf("  Go:       %s\n", runtime.Version())
	fmt.Println()

	home, cfg, err := loadConfig()
	if err != nil {
		fmt.Printf("  Config:   ERROR %s\n", err)
		os.Exit(1)
	}
	fmt.Printf("  Data home: %s\n", home.Root)
	check := func(label, path string) {
		if _, err := os.Stat(path); err != nil {
			fmt.Printf("  %-10s %s (missing)\n", label+":", path)
			return
		}
		fmt.Printf("  %-10s %s (OK)\n", label+":", path)
	}
	check("Config", home.ConfigFile())
	check("Queue", home.QueueFile())
	check("Memory", home.MemoryFile())
	check("Profile", home.UserProfileFile())
	fmt.Println()

	fmt.Printf("  Provider:  %s (model %s)\n", cfg.Get("provider"), cfg.Get("model"))
	keyName := "anthropicApiKey"
	if cfg.Get("provider") == "openai" {
		keyName = "openaiApiKey"
	}
	if cfg.Get(keyName) == "" {
		fmt.Printf("  API key:   NOT SET (%s)\n", keyName)
	} else {
		fmt.Println("  API key:   set")
	}

	usage := state.NewTokenTracker(home).Snapshot()
	fmt.Printf("  Tokens:    %d prompt / %d completion recorded\n", usage.PromptTokens, usage.CompletionTokens)
}
