package skills

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/titanous/json5"
)

const (
	packageManifestName = "manifest.json5"
	defaultBodyFile     = "SKILL.md"
	maxPackageDescRunes = 1024
	maxResourceBytes    = 64 * 1024
)

// packageManifest is the on-disk metadata of a declarative skill
// package directory.
type packageManifest struct {
	Name         string   `json:"name"`
	Description  string   `json:"description"`
	Triggers     []string `json:"triggers"`
	Instructions string   `json:"instructions"` // body file, default SKILL.md
}

// Package is one discovered skill package. Only its metadata is shown
// to the model until the package is activated.
type Package struct {
	Name        string
	Description string
	Triggers    []string
	Dir         string
	bodyFile    string
	active      bool
	body        string
}

// PackageSet discovers and manages declarative skill packages beneath a
// root directory (one package per subdirectory with a manifest).
type PackageSet struct {
	mu       sync.RWMutex
	root     string
	packages map[string]*Package
	logger   *slog.Logger
}

func NewPackageSet(root string, logger *slog.Logger) *PackageSet {
	if logger == nil {
		logger = slog.Default()
	}
	return &PackageSet{
		root:     root,
		packages: make(map[string]*Package),
		logger:   logger,
	}
}

// Discover scans the root for package directories. Already-known
// packages keep their activation state; removed directories are
// dropped.
func (ps *PackageSet) Discover() error {
	entries, err := os.ReadDir(ps.root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read skill packages dir: %w", err)
	}

	found := make(map[string]bool)
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		dir := filepath.Join(ps.root, e.Name())
		manifestPath := filepath.Join(dir, packageManifestName)
		data, err := os.ReadFile(manifestPath)
		if err != nil {
			continue // not a package
		}
		var m packageManifest
		if err := json5.Unmarshal(data, &m); err != nil {
			ps.logger.Warn("skill package manifest invalid", "dir", dir, "error", err)
			continue
		}
		// Manifest name must match the directory name so prompt
		// references and filesystem layout cannot drift apart.
		if m.Name != "" && m.Name != e.Name() {
			ps.logger.Warn("skill package name mismatch", "dir", e.Name(), "manifest", m.Name)
			continue
		}
		name := e.Name()
		desc := m.Description
		if n := []rune(desc); len(n) > maxPackageDescRunes {
			desc = string(n[:maxPackageDescRunes])
		}
		bodyFile := m.Instructions
		if bodyFile == "" {
			bodyFile = defaultBodyFile
		}

		found[name] = true
		ps.mu.Lock()
		if existing, ok := ps.packages[name]; ok {
			existing.Description = desc
			existing.Triggers = m.Triggers
			existing.bodyFile = bodyFile
		} else {
			ps.packages[name] = &Package{
				Name:        name,
				Description: desc,
				Triggers:    m.Triggers,
				Dir:         dir,
				bodyFile:    bodyFile,
			}
		}
		ps.mu.Unlock()
	}

	ps.mu.Lock()
	for name := range ps.packages {
		if !found[name] {
			delete(ps.packages, name)
		}
	}
	ps.mu.Unlock()
	return nil
}

// List returns package metadata sorted by name.
func (ps *PackageSet) List() []*Package {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	out := make([]*Package, 0, len(ps.packages))
	for _, p := range ps.packages {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Activate loads the package body into memory so it can be added to
// prompt context. Activating an active package is a no-op.
func (ps *PackageSet) Activate(name string) error {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	p, ok := ps.packages[name]
	if !ok {
		return fmt.Errorf("%w: package %s", ErrUnknownSkill, name)
	}
	if p.active {
		return nil
	}
	data, err := os.ReadFile(filepath.Join(p.Dir, p.bodyFile))
	if err != nil {
		return fmt.Errorf("activate %s: %w", name, err)
	}
	p.body = string(data)
	p.active = true
	ps.logger.Info("skill package activated", "name", name)
	return nil
}

// Deactivate drops the package body from prompt context.
func (ps *PackageSet) Deactivate(name string) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	if p, ok := ps.packages[name]; ok {
		p.active = false
		p.body = ""
	}
}

// AutoActivate activates every package whose triggers match the task
// description, with a fuzzy word-overlap fallback. It returns the names
// it activated.
func (ps *PackageSet) AutoActivate(taskDescription string) []string {
	taskLower := strings.ToLower(taskDescription)
	taskWords := nontrivialWords(taskLower)

	var matched []string
	for _, p := range ps.List() {
		ps.mu.RLock()
		active := p.active
		ps.mu.RUnlock()
		if active {
			continue
		}
		if packageMatches(p, taskLower, taskWords) {
			if err := ps.Activate(p.Name); err != nil {
				ps.logger.Warn("auto-activation failed", "package", p.Name, "error", err)
				continue
			}
			matched = append(matched, p.Name)
		}
	}
	return matched
}

func packageMatches(p *Package, taskLower string, taskWords map[string]bool) bool {
	for _, trig := range p.Triggers {
		if trig != "" && strings.Contains(taskLower, strings.ToLower(trig)) {
			return true
		}
	}

	// Fuzzy fallback on description word overlap.
	descWords := nontrivialWords(strings.ToLower(p.Description))
	overlap := 0
	for w := range descWords {
		if taskWords[w] {
			overlap++
		}
	}
	needed := 3
	if len(descWords) <= 8 {
		needed = 2
	}
	return overlap >= needed
}

func nontrivialWords(s string) map[string]bool {
	out := make(map[string]bool)
	for _, w := range strings.FieldsFunc(s, func(r rune) bool {
		return !('a' <= r && r <= 'z' || 'A' <= r && r <= 'Z' || '0' <= r && r <= '9')
	}) {
		if len(w) >= 4 {
			out[w] = true
		}
	}
	return out
}

// ReadResource reads a file belonging to a package. The resolved path
// must stay inside the package directory.
func (ps *PackageSet) ReadResource(pkgName, rel string) (string, error) {
	ps.mu.RLock()
	p, ok := ps.packages[pkgName]
	ps.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("%w: package %s", ErrUnknownSkill, pkgName)
	}

	if filepath.IsAbs(rel) {
		return "", fmt.Errorf("resource %q escapes package %s", rel, pkgName)
	}
	base, err := filepath.Abs(p.Dir)
	if err != nil {
		return "", err
	}
	target, err := filepath.Abs(filepath.Join(base, rel))
	if err != nil {
		return "", err
	}
	if target != base && !strings.HasPrefix(target, base+string(filepath.Separator)) {
		return "", fmt.Errorf("resource %q escapes package %s", rel, pkgName)
	}

	data, err := os.ReadFile(target)
	if err != nil {
		return "", fmt.Errorf("read resource: %w", err)
	}
	if len(data) > maxResourceBytes {
		data = data[:maxResourceBytes]
	}
	return string(data), nil
}

// MetadataSurface renders the progressive-disclosure catalog: names and
// descriptions only, bodies withheld until activation.
func (ps *PackageSet) MetadataSurface(mode SurfaceMode, keywords []string) string {
	pkgs := ps.List()
	if len(pkgs) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("Skill packages (activate with skill_activate before use):\n")
	wrote := false
	for _, p := range pkgs {
		if mode == SurfaceRelevant && !matchesKeywords(p.Name+" "+p.Description, keywords) {
			continue
		}
		desc := p.Description
		if mode == SurfaceCompact {
			desc = firstSentence(desc)
		}
		fmt.Fprintf(&b, "- %s: %s\n", p.Name, desc)
		wrote = true
	}
	if !wrote {
		return ""
	}
	return b.String()
}

// ActiveBodies renders the full instructions of every activated
// package.
func (ps *PackageSet) ActiveBodies() string {
	ps.mu.RLock()
	defer ps.mu.RUnlock()

	names := make([]string, 0, len(ps.packages))
	for n, p := range ps.packages {
		if p.active {
			names = append(names, n)
		}
	}
	if len(names) == 0 {
		return ""
	}
	sort.Strings(names)

	var b strings.Builder
	for _, n := range names {
		fmt.Fprintf(&b, "\n--- skill package: %s ---\n%s\n", n, ps.packages[n].body)
	}
	return b.String()
}
