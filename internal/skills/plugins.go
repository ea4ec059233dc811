package skills

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/titanous/json5"
)

const (
	pluginExt          = ".json5"
	repairTaskPriority = 8
	maxPluginOutput    = 8 * 1024
)

// pluginManifest is the on-disk shape of a plugin file.
type pluginManifest struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Usage       string `json:"usage"`
	Kind        string `json:"kind"` // command, http, builtin
	SourceURL   string `json:"sourceUrl"`

	Command struct {
		Template  string `json:"template"`
		TimeoutMs int    `json:"timeoutMs"`
	} `json:"command"`

	HTTP struct {
		Method string `json:"method"`
		URL    string `json:"url"`
	} `json:"http"`

	Builtin string `json:"builtin"`
}

// Commands matching any of these fragments are refused outright.
var commandDenyPatterns = []string{
	"rm -rf /",
	"mkfs",
	"dd if=",
	":(){", // fork bomb
	"shutdown",
	"reboot",
	"> /dev/sd",
}

// LoadPlugins scans the plugin directory and loads every manifest.
// A malformed manifest is logged and turned into a high-priority repair
// task so the loop can fix it with self_repair_skill.
func (r *Registry) LoadPlugins(ctx context.Context) error {
	if r.pluginDir == "" {
		return nil
	}
	entries, err := os.ReadDir(r.pluginDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read plugin dir: %w", err)
	}

	seen := make(map[string]bool)
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), pluginExt) {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)

	for _, name := range names {
		path := filepath.Join(r.pluginDir, name)
		seen[path] = true
		if err := r.loadPluginFile(ctx, path); err != nil {
			r.reportPluginFailure(path, err)
		}
	}

	// Unregister skills whose manifest file disappeared.
	r.mu.Lock()
	var gone []string
	for path, skillName := range r.pluginFiles {
		if !seen[path] {
			gone = append(gone, skillName)
			delete(r.pluginFiles, path)
			delete(r.pluginErrs, path)
		}
	}
	r.mu.Unlock()
	for _, n := range gone {
		r.Unregister(n)
		r.logger.Info("plugin removed", "skill", n)
	}
	return nil
}

// Rescan is the hot-reload entry point used by the scheduler tick.
func (r *Registry) Rescan(ctx context.Context) {
	if err := r.LoadPlugins(ctx); err != nil {
		r.logger.Warn("plugin rescan failed", "error", err)
	}
}

func (r *Registry) loadPluginFile(ctx context.Context, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %s: %w", filepath.Base(path), err)
	}

	var m pluginManifest
	if err := json5.Unmarshal(data, &m); err != nil {
		return fmt.Errorf("parse %s: %w", filepath.Base(path), err)
	}
	if m.Name == "" {
		return fmt.Errorf("parse %s: manifest has no name", filepath.Base(path))
	}

	handler, err := r.pluginHandler(&m)
	if err != nil {
		return fmt.Errorf("plugin %s: %w", m.Name, err)
	}

	skill := &Skill{
		Name:        m.Name,
		Description: m.Description,
		Usage:       m.Usage,
		Source:      "plugin",
		SourceURL:   m.SourceURL,
		File:        path,
		Handler:     handler,
	}
	if err := r.Register(skill); err != nil {
		return err
	}

	r.mu.Lock()
	prev := r.pluginFiles[path]
	r.pluginFiles[path] = m.Name
	delete(r.pluginErrs, path)
	r.mu.Unlock()

	if prev != "" && prev != m.Name {
		r.Unregister(prev)
	}
	return nil
}

// pluginHandler compiles the manifest's tagged handler.
func (r *Registry) pluginHandler(m *pluginManifest) (Handler, error) {
	switch m.Kind {
	case "command":
		if m.Command.Template == "" {
			return nil, fmt.Errorf("command plugin has no template")
		}
		template := m.Command.Template
		timeout := time.Duration(m.Command.TimeoutMs) * time.Millisecond
		if timeout <= 0 {
			timeout = 2 * time.Minute
		}
		return func(ctx context.Context, args Args) (string, error) {
			return runCommand(ctx, template, args, timeout)
		}, nil

	case "http":
		if m.HTTP.URL == "" {
			return nil, fmt.Errorf("http plugin has no url")
		}
		method := m.HTTP.Method
		if method == "" {
			method = http.MethodGet
		}
		urlTemplate := m.HTTP.URL
		return func(ctx context.Context, args Args) (string, error) {
			return runHTTP(ctx, method, urlTemplate, args)
		}, nil

	case "builtin":
		if m.Builtin == "" {
			return nil, fmt.Errorf("builtin plugin names no target")
		}
		target := m.Builtin
		return func(ctx context.Context, args Args) (string, error) {
			return r.Execute(ctx, target, args)
		}, nil

	default:
		return nil, fmt.Errorf("unknown plugin kind %q", m.Kind)
	}
}

// reportPluginFailure logs the load error and enqueues a repair task
// once per distinct error text, so each tick does not re-enqueue the
// same breakage.
func (r *Registry) reportPluginFailure(path string, loadErr error) {
	r.logger.Error("plugin load failed", "file", path, "error", loadErr)

	r.mu.Lock()
	prev := r.pluginErrs[path]
	r.pluginErrs[path] = loadErr.Error()
	r.mu.Unlock()
	if prev == loadErr.Error() {
		return
	}

	skillName := strings.TrimSuffix(filepath.Base(path), pluginExt)
	if r.queue != nil {
		desc := fmt.Sprintf(
			"Repair the broken skill plugin %q using self_repair_skill. Load failed with: %s (file: %s)",
			skillName, loadErr.Error(), path)
		if _, err := r.queue.Push(desc, repairTaskPriority, map[string]interface{}{
			"kind":       "plugin-repair",
			"skill":      skillName,
			"pluginFile": path,
		}); err != nil {
			r.logger.Error("failed to enqueue repair task", "skill", skillName, "error", err)
		}
	}
}

// InstallFromPath copies a manifest file into the plugin directory and
// loads it.
func (r *Registry) InstallFromPath(ctx context.Context, src string) (string, error) {
	data, err := os.ReadFile(src)
	if err != nil {
		return "", fmt.Errorf("read plugin source: %w", err)
	}
	return r.installBytes(ctx, filepath.Base(src), data)
}

// InstallFromURL downloads a manifest and installs it.
func (r *Registry) InstallFromURL(ctx context.Context, url string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch plugin: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("fetch plugin: status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("fetch plugin: %w", err)
	}

	base := filepath.Base(url)
	if !strings.HasSuffix(base, pluginExt) {
		base += pluginExt
	}
	name, err := r.installBytes(ctx, base, data)
	if err != nil {
		return "", err
	}
	return name, nil
}

func (r *Registry) installBytes(ctx context.Context, filename string, data []byte) (string, error) {
	// Validate before writing anything into the plugin dir.
	var m pluginManifest
	if err := json5.Unmarshal(data, &m); err != nil {
		return "", fmt.Errorf("invalid plugin manifest: %w", err)
	}
	if m.Name == "" {
		return "", fmt.Errorf("invalid plugin manifest: no name")
	}

	if err := os.MkdirAll(r.pluginDir, 0o755); err != nil {
		return "", err
	}
	dest := filepath.Join(r.pluginDir, filepath.Base(filename))
	if err := os.WriteFile(dest, data, 0o644); err != nil {
		return "", fmt.Errorf("write plugin: %w", err)
	}
	if err := r.loadPluginFile(ctx, dest); err != nil {
		return "", err
	}
	r.logger.Info("plugin installed", "skill", m.Name, "file", dest)
	return m.Name, nil
}

// Uninstall removes a plugin skill and deletes its manifest file.
func (r *Registry) Uninstall(name string) error {
	r.mu.RLock()
	var path string
	for p, n := range r.pluginFiles {
		if n == name {
			path = p
			break
		}
	}
	r.mu.RUnlock()
	if path == "" {
		return fmt.Errorf("%w: %s is not an installed plugin", ErrUnknownSkill, name)
	}

	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove plugin file: %w", err)
	}
	r.mu.Lock()
	delete(r.pluginFiles, path)
	delete(r.pluginErrs, path)
	r.mu.Unlock()
	r.Unregister(name)
	r.logger.Info("plugin uninstalled", "skill", name)
	return nil
}

// StartWatcher reloads plugins as soon as manifest files change on
// disk, complementing the scheduler's periodic rescan. It returns once
// the watcher is running; the watch goroutine stops with ctx.
func (r *Registry) StartWatcher(ctx context.Context) error {
	if r.pluginDir == "" {
		return nil
	}
	if err := os.MkdirAll(r.pluginDir, 0o755); err != nil {
		return err
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("plugin watcher: %w", err)
	}
	if err := watcher.Add(r.pluginDir); err != nil {
		watcher.Close()
		return fmt.Errorf("plugin watcher: %w", err)
	}

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if strings.HasSuffix(ev.Name, pluginExt) {
					r.Rescan(ctx)
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				r.logger.Warn("plugin watcher error", "error", err)
			}
		}
	}()
	return nil
}

func runCommand(ctx context.Context, template string, args Args, timeout time.Duration) (string, error) {
	cmdline := expandTemplate(template, args)
	for _, pattern := range commandDenyPatterns {
		if strings.Contains(cmdline, pattern) {
			return "", fmt.Errorf("command refused: matches deny pattern %q", pattern)
		}
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "sh", "-c", cmdline)
	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf
	err := cmd.Run()
	out := truncateOutput(buf.String())
	if ctx.Err() == context.DeadlineExceeded {
		return out, fmt.Errorf("command timed out after %s", timeout)
	}
	if err != nil {
		return out, fmt.Errorf("command failed: %w: %s", err, out)
	}
	return out, nil
}

func runHTTP(ctx context.Context, method, urlTemplate string, args Args) (string, error) {
	url := expandTemplate(urlTemplate, args)
	var body io.Reader
	if b := args.String("body"); b != "" && method != http.MethodGet {
		body = strings.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return "", err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("http skill: %w", err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxPluginOutput))
	if err != nil {
		return "", fmt.Errorf("http skill: read body: %w", err)
	}
	if resp.StatusCode >= 400 {
		return "", fmt.Errorf("http skill: status %d: %s", resp.StatusCode, truncateOutput(string(data)))
	}
	return string(data), nil
}

// expandTemplate substitutes {{key}} placeholders with argument values.
func expandTemplate(template string, args Args) string {
	out := template
	for key, val := range args {
		out = strings.ReplaceAll(out, "{{"+key+"}}", fmt.Sprintf("%v", val))
	}
	return out
}

func truncateOutput(s string) string {
	if len(s) > maxPluginOutput {
		return s[:maxPluginOutput] + "\n...[truncated]"
	}
	return strings.TrimSpace(s)
}
