package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/fredabila/orcbot-sub005/internal/browser"
)

func lightpandaCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "lightpanda",
		Short: "Manage the lightpanda headless browser engine",
	}

	newEngine := func() (*browser.Engine, error) {
		home, cfg, err := loadConfig()
		if err != nil {
			return nil, err
		}
		return browser.NewEngine(browser.EngineOptions{
			BinDir: home.BinDir(),
			Port:   cfg.GetInt("lightpandaPort", 9222),
		}), nil
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "install",
		Short: "Download the lightpanda binary for this platform",
		Run: func(cmd *cobra.Command, args []string) {
			initLogging()
			engine, err := newEngine()
			if err == nil {
				err = engine.Install()
			}
			if err != nil {
				fmt.Fprintf(os.Stderr, "install failed: %s\n", err)
				os.Exit(1)
			}
		},
	})

	var background bool
	start := &cobra.Command{
		Use:   "start",
		Short: "Start the CDP server",
		Run: func(cmd *cobra.Command, args []string) {
			initLogging()
			engine, err := newEngine()
			if err == nil {
				err = engine.Start(background)
			}
			if err != nil {
				fmt.Fprintf(os.Stderr, "start failed: %s\n", err)
				os.Exit(1)
			}
		},
	}
	start.Flags().BoolVarP(&background, "background", "b", false, "detach the browser process")
	cmd.AddCommand(start)

	cmd.AddCommand(&cobra.Command{
		Use:   "enable",
		Short: "Enable the browser skills in the agent config",
		Run: func(cmd *cobra.Command, args []string) {
			initLogging()
			_, cfg, err := loadConfig()
			if err == nil {
				err = cfg.Set("lightpandaEnabled", "true")
			}
			if err != nil {
				fmt.Fprintf(os.Stderr, "enable failed: %s\n", err)
				os.Exit(1)
			}
			fmt.Println("browser skills enabled; restart orcbot run to pick them up")
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Report install and runtime state",
		Run: func(cmd *cobra.Command, args []string) {
			engine, err := newEngine()
			if err != nil {
				fmt.Fprintf(os.Stderr, "status failed: %s\n", err)
				os.Exit(1)
			}
			fmt.Println(engine.StatusText())
		},
	})

	return cmd
}
