// Package state owns the on-disk data home: directory layout, the process
// lockfile, and the token usage summary.
package state

import (
	"fmt"
	"os"
	"path/filepath"
)

// Home describes the persisted state layout under the data home directory.
type Home struct {
	Root string
}

// Resolve returns the data home, creating it if needed.
// Precedence: ORCBOT_DATA_HOME > ~/.orcbot.
func Resolve() (*Home, error) {
	root := os.Getenv("ORCBOT_DATA_HOME")
	if root == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("resolve home dir: %w", err)
		}
		root = filepath.Join(home, ".orcbot")
	}
	h := &Home{Root: root}
	for _, dir := range []string{root, h.PluginsDir(), h.SkillPackagesDir(), h.ContactsDir(), h.BinDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir %s: %w", dir, err)
		}
	}
	return h, nil
}

func (h *Home) ConfigFile() string        { return filepath.Join(h.Root, "orcbot.conf") }
func (h *Home) EnvFile() string           { return filepath.Join(h.Root, ".env") }
func (h *Home) QueueFile() string         { return filepath.Join(h.Root, "actions.json") }
func (h *Home) MemoryFile() string        { return filepath.Join(h.Root, "memory.json") }
func (h *Home) UserProfileFile() string   { return filepath.Join(h.Root, "USER.md") }
func (h *Home) JournalFile() string       { return filepath.Join(h.Root, "journal.md") }
func (h *Home) LearningFile() string      { return filepath.Join(h.Root, "learning.md") }
func (h *Home) ContactsDir() string       { return filepath.Join(h.Root, "contacts") }
func (h *Home) PluginsDir() string        { return filepath.Join(h.Root, "plugins") }
func (h *Home) SkillPackagesDir() string  { return filepath.Join(h.Root, "plugins", "skills") }
func (h *Home) InterventionsFile() string { return filepath.Join(h.Root, "interventions.json") }
func (h *Home) TokenUsageFile() string    { return filepath.Join(h.Root, "token-usage.json") }
func (h *Home) LockFile() string          { return filepath.Join(h.Root, "orcbot.lock") }
func (h *Home) BinDir() string            { return filepath.Join(h.Root, "bin") }
