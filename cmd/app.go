package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/fredabila/orcbot-sub005/internal/config"
	"github.com/fredabila/orcbot-sub005/internal/state"
)

// loadConfig resolves the data home and builds the layered config
// store: custom path > env > ./orcbot.conf > ~/.orcbot.conf > the data
// home file > defaults.
func loadConfig() (*state.Home, *config.Store, error) {
	home, err := state.Resolve()
	if err != nil {
		return nil, nil, err
	}

	operatorFile := ""
	if userHome, err := os.UserHomeDir(); err == nil {
		operatorFile = filepath.Join(userHome, ".orcbot.conf")
	}

	cfg, err := config.Load(cfgFile, "orcbot.conf", operatorFile, home.ConfigFile(), home.EnvFile())
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	return home, cfg, nil
}
