package skills

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"
)

// ErrUnknownSkill is returned by Execute when no skill matches the name.
var ErrUnknownSkill = errors.New("unknown skill")

// ErrSkillDenied is returned when a skill is blocked by the deny list.
var ErrSkillDenied = errors.New("skill denied by policy")

// Events published by the registry.
type Publisher interface {
	Publish(name string, payload interface{})
}

// SurfaceMode selects how much of the catalog the prompt carries.
type SurfaceMode string

const (
	SurfaceFull     SurfaceMode = "full"
	SurfaceCompact  SurfaceMode = "compact"
	SurfaceRelevant SurfaceMode = "relevant"
)

// HealthReport is the outcome of a registry health check.
type HealthReport struct {
	Healthy []string `json:"healthy"`
	Issues  []string `json:"issues"`
}

// Registry owns the set of callable skills: builtins, plugin manifests
// and activated declarative packages.
type Registry struct {
	mu       sync.RWMutex
	skills   map[string]*Skill
	health   map[string]*skillHealth
	allow    map[string]bool // empty means allow everything
	deny     map[string]bool
	packages *PackageSet
	events   Publisher
	queue    QueueOps
	logger   *slog.Logger

	pluginDir   string
	pluginFiles map[string]string // manifest path -> skill name
	pluginErrs  map[string]string // manifest path -> last load error
}

type Options struct {
	Events    Publisher
	Queue     QueueOps
	Logger    *slog.Logger
	Allow     []string
	Deny      []string
	Packages  *PackageSet
	PluginDir string
}

func NewRegistry(opts Options) *Registry {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	r := &Registry{
		skills:   make(map[string]*Skill),
		health:   make(map[string]*skillHealth),
		allow:    make(map[string]bool),
		deny:     make(map[string]bool),
		packages: opts.Packages,
		events:   opts.Events,
		queue:    opts.Queue,
		logger:   opts.Logger,

		pluginDir:   opts.PluginDir,
		pluginFiles: make(map[string]string),
		pluginErrs:  make(map[string]string),
	}
	for _, n := range opts.Allow {
		r.allow[strings.TrimSpace(n)] = true
	}
	for _, n := range opts.Deny {
		r.deny[strings.TrimSpace(n)] = true
	}
	return r
}

// validName enforces the skill naming contract: lowercase letters,
// digits and single hyphen or underscore separators, at most 64 runes.
func validName(name string) bool {
	if name == "" || len([]rune(name)) > 64 {
		return false
	}
	prevSep := true // also rejects a leading separator
	for _, r := range name {
		switch {
		case 'a' <= r && r <= 'z' || '0' <= r && r <= '9':
			prevSep = false
		case r == '-' || r == '_':
			if prevSep {
				return false
			}
			prevSep = true
		default:
			return false
		}
	}
	return !prevSep
}

// Register adds or replaces a skill. Deny-listed names are rejected;
// when an allow list is configured, non-builtin skills outside it are
// rejected too.
func (r *Registry) Register(s *Skill) error {
	if s == nil || s.Name == "" {
		return errors.New("skill requires a name")
	}
	if !validName(s.Name) {
		return fmt.Errorf("invalid skill name %q: want lowercase words separated by single hyphens or underscores, 64 chars max", s.Name)
	}
	if s.Handler == nil {
		return fmt.Errorf("skill %q has no handler", s.Name)
	}
	if r.deny[s.Name] {
		return fmt.Errorf("%w: %s", ErrSkillDenied, s.Name)
	}
	if len(r.allow) > 0 && s.Source != "builtin" && !r.allow[s.Name] {
		return fmt.Errorf("%w: %s not in allow list", ErrSkillDenied, s.Name)
	}

	r.mu.Lock()
	r.skills[s.Name] = s
	if _, ok := r.health[s.Name]; !ok {
		r.health[s.Name] = &skillHealth{}
	}
	r.mu.Unlock()

	r.logger.Debug("skill registered", "name", s.Name, "source", s.Source)
	return nil
}

// Unregister removes a skill by name. Unknown names are a no-op.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	delete(r.skills, name)
	delete(r.health, name)
	r.mu.Unlock()
}

// Packages exposes the declarative package set, nil when none was
// configured.
func (r *Registry) Packages() *PackageSet { return r.packages }

// Get returns the skill by name.
func (r *Registry) Get(name string) (*Skill, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.skills[name]
	return s, ok
}

// Execute runs the named skill and records the outcome for health
// reporting.
func (r *Registry) Execute(ctx context.Context, name string, args Args) (string, error) {
	r.mu.RLock()
	s, ok := r.skills[name]
	r.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownSkill, name)
	}
	if r.deny[name] {
		return "", fmt.Errorf("%w: %s", ErrSkillDenied, name)
	}

	start := time.Now()
	out, err := s.Handler(ctx, args)

	r.mu.Lock()
	h := r.health[name]
	if h == nil {
		h = &skillHealth{}
		r.health[name] = h
	}
	h.Runs++
	h.LastRun = start
	if err != nil {
		h.Failures++
		h.LastError = err.Error()
	} else {
		h.LastError = ""
	}
	r.mu.Unlock()

	if err != nil {
		r.logger.Warn("skill failed", "name", name, "error", err, "elapsed", time.Since(start))
		return out, err
	}
	r.logger.Debug("skill executed", "name", name, "elapsed", time.Since(start))
	return out, nil
}

// List returns all skills sorted by name.
func (r *Registry) List() []*Skill {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Skill, 0, len(r.skills))
	for _, s := range r.skills {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// CheckHealth reports which skills are currently usable. A skill is
// unhealthy when its most recent run failed.
func (r *Registry) CheckHealth() HealthReport {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var report HealthReport
	names := make([]string, 0, len(r.skills))
	for n := range r.skills {
		names = append(names, n)
	}
	sort.Strings(names)
	for _, n := range names {
		h := r.health[n]
		if h != nil && h.LastError != "" {
			report.Issues = append(report.Issues, fmt.Sprintf("%s: %s", n, h.LastError))
			continue
		}
		report.Healthy = append(report.Healthy, n)
	}
	return report
}

// PromptSurface renders the skill catalog for inclusion in a prompt.
// Keywords only matter in relevant mode; skills and package metadata
// with no keyword overlap are dropped there.
func (r *Registry) PromptSurface(mode SurfaceMode, keywords ...string) string {
	skills := r.List()

	var b strings.Builder
	b.WriteString("Available tools:\n")
	for _, s := range skills {
		if mode == SurfaceRelevant && !matchesKeywords(s.Name+" "+s.Description, keywords) {
			continue
		}
		switch mode {
		case SurfaceCompact:
			fmt.Fprintf(&b, "- %s: %s\n", s.Name, firstSentence(s.Description))
		default:
			fmt.Fprintf(&b, "- %s: %s", s.Name, s.Description)
			if s.Usage != "" {
				fmt.Fprintf(&b, " Usage: %s", s.Usage)
			}
			b.WriteString("\n")
		}
	}

	if r.packages != nil {
		if meta := r.packages.MetadataSurface(mode, keywords); meta != "" {
			b.WriteString(meta)
		}
		if bodies := r.packages.ActiveBodies(); bodies != "" {
			b.WriteString(bodies)
		}
	}
	return b.String()
}

func matchesKeywords(text string, keywords []string) bool {
	if len(keywords) == 0 {
		return true
	}
	lower := strings.ToLower(text)
	for _, k := range keywords {
		k = strings.ToLower(strings.TrimSpace(k))
		if k != "" && strings.Contains(lower, k) {
			return true
		}
	}
	return false
}

func firstSentence(s string) string {
	if i := strings.IndexAny(s, ".!?\n"); i >= 0 {
		return strings.TrimSpace(s[:i+1])
	}
	return s
}
