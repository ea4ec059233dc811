// Package bootstrap seeds a fresh data home with starter identity
// files. Existing files are never overwritten; the operator's edits
// are the source of truth.
package bootstrap

import (
	"embed"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/fredabila/orcbot-sub005/internal/state"
)

//go:embed templates/*.md
var templateFS embed.FS

// Seed writes the starter files a brand-new data home needs and
// returns the names of the files it created.
func Seed(home *state.Home) ([]string, error) {
	targets := map[string]string{
		"USER.md":     home.UserProfileFile(),
		"journal.md":  home.JournalFile(),
		"learning.md": home.LearningFile(),
	}

	var created []string
	for name, dst := range targets {
		ok, err := seedFile(name, dst)
		if err != nil {
			slog.Warn("bootstrap: failed to seed file", "file", name, "error", err)
			continue
		}
		if ok {
			created = append(created, filepath.Base(dst))
		}
	}
	return created, nil
}

// seedFile copies an embedded template to dst unless dst exists.
func seedFile(name, dst string) (bool, error) {
	f, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return false, nil
		}
		return false, err
	}
	defer f.Close()

	content, err := templateFS.ReadFile(filepath.Join("templates", name))
	if err != nil {
		os.Remove(dst)
		return false, err
	}
	if _, err := f.Write(content); err != nil {
		return false, err
	}
	return true, nil
}
