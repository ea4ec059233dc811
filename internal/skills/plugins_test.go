package skills

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writePlugin(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write plugin: %v", err)
	}
	return path
}

func TestLoadCommandPlugin(t *testing.T) {
	dir := t.TempDir()
	writePlugin(t, dir, "greet.json5", `{
		// greets whoever asks
		name: "greet",
		description: "Prints a greeting.",
		kind: "command",
		command: { template: "echo hello {{who}}" },
	}`)

	r := NewRegistry(Options{PluginDir: dir})
	if err := r.LoadPlugins(context.Background()); err != nil {
		t.Fatalf("LoadPlugins: %v", err)
	}

	out, err := r.Execute(context.Background(), "greet", Args{"who": "world"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if out != "hello world" {
		t.Errorf("output = %q, want %q", out, "hello world")
	}
}

func TestCommandDenyPattern(t *testing.T) {
	dir := t.TempDir()
	writePlugin(t, dir, "wipe.json5", `{
		name: "wipe",
		description: "Destroys everything.",
		kind: "command",
		command: { template: "rm -rf /{{path}}" },
	}`)

	r := NewRegistry(Options{PluginDir: dir})
	if err := r.LoadPlugins(context.Background()); err != nil {
		t.Fatalf("LoadPlugins: %v", err)
	}
	if _, err := r.Execute(context.Background(), "wipe", Args{"path": ""}); err == nil {
		t.Error("deny-pattern command should be refused")
	}
}

func TestMalformedPluginEnqueuesRepairTask(t *testing.T) {
	dir := t.TempDir()
	writePlugin(t, dir, "broken.json5", `{ name: "broken", kind: `)

	q := &fakeQueue{}
	r := NewRegistry(Options{PluginDir: dir, Queue: q})
	if err := r.LoadPlugins(context.Background()); err != nil {
		t.Fatalf("LoadPlugins: %v", err)
	}

	if len(q.pushes) != 1 {
		t.Fatalf("repair tasks = %d, want 1", len(q.pushes))
	}
	task := q.pushes[0]
	if task.Priority != repairTaskPriority {
		t.Errorf("priority = %d, want %d", task.Priority, repairTaskPriority)
	}
	if !strings.Contains(task.Description, "broken") {
		t.Errorf("description should name the skill: %q", task.Description)
	}
	if !strings.Contains(task.Description, "self_repair_skill") {
		t.Errorf("description should point at self_repair_skill: %q", task.Description)
	}
	if task.Payload["kind"] != "plugin-repair" {
		t.Errorf("payload kind = %v", task.Payload["kind"])
	}

	// A second scan with the same error must not enqueue again.
	if err := r.LoadPlugins(context.Background()); err != nil {
		t.Fatalf("LoadPlugins: %v", err)
	}
	if len(q.pushes) != 1 {
		t.Errorf("repair tasks after rescan = %d, want still 1", len(q.pushes))
	}
}

func TestHotReloadAddAndRemove(t *testing.T) {
	dir := t.TempDir()
	r := NewRegistry(Options{PluginDir: dir})
	if err := r.LoadPlugins(context.Background()); err != nil {
		t.Fatalf("LoadPlugins: %v", err)
	}
	if _, ok := r.Get("late"); ok {
		t.Fatal("skill should not exist yet")
	}

	path := writePlugin(t, dir, "late.json5", `{
		name: "late",
		description: "Arrives after startup.",
		kind: "command",
		command: { template: "true" },
	}`)
	r.Rescan(context.Background())
	if _, ok := r.Get("late"); !ok {
		t.Fatal("new plugin file should register on rescan")
	}

	os.Remove(path)
	r.Rescan(context.Background())
	if _, ok := r.Get("late"); ok {
		t.Error("removed plugin file should unregister on rescan")
	}
}

func TestInstallFromPathAndUninstall(t *testing.T) {
	srcDir := t.TempDir()
	src := writePlugin(t, srcDir, "ping.json5", `{
		name: "ping",
		description: "Echoes pong.",
		kind: "command",
		command: { template: "echo pong" },
	}`)

	pluginDir := filepath.Join(t.TempDir(), "plugins")
	r := NewRegistry(Options{PluginDir: pluginDir})

	name, err := r.InstallFromPath(context.Background(), src)
	if err != nil {
		t.Fatalf("InstallFromPath: %v", err)
	}
	if name != "ping" {
		t.Errorf("installed name = %q", name)
	}
	if _, err := os.Stat(filepath.Join(pluginDir, "ping.json5")); err != nil {
		t.Errorf("manifest should be copied into the plugin dir: %v", err)
	}

	if err := r.Uninstall("ping"); err != nil {
		t.Fatalf("Uninstall: %v", err)
	}
	if _, ok := r.Get("ping"); ok {
		t.Error("uninstalled skill should be gone")
	}
	if _, err := os.Stat(filepath.Join(pluginDir, "ping.json5")); !os.IsNotExist(err) {
		t.Error("uninstall should remove the manifest file")
	}
}

func TestInstallRejectsInvalidManifest(t *testing.T) {
	srcDir := t.TempDir()
	src := writePlugin(t, srcDir, "bad.json5", `{ not even close`)

	r := NewRegistry(Options{PluginDir: filepath.Join(t.TempDir(), "plugins")})
	if _, err := r.InstallFromPath(context.Background(), src); err == nil {
		t.Error("invalid manifest should not install")
	}
}

func TestSelfRepairReadsAndRewrites(t *testing.T) {
	dir := t.TempDir()
	writePlugin(t, dir, "fixme.json5", `{ name: "fixme", kind: "command" }`)

	q := &fakeQueue{}
	r := NewRegistry(Options{PluginDir: dir, Queue: q})
	if err := RegisterBuiltins(r, Caps{}); err != nil {
		t.Fatalf("RegisterBuiltins: %v", err)
	}
	r.LoadPlugins(context.Background())

	// Read pass surfaces the load error and the manifest body.
	out, err := r.Execute(context.Background(), "self_repair_skill", Args{"skill": "fixme"})
	if err != nil {
		t.Fatalf("self_repair_skill read: %v", err)
	}
	if !strings.Contains(out, "load error:") || !strings.Contains(out, "fixme") {
		t.Errorf("read output should carry error and manifest: %q", out)
	}

	// Write pass repairs the manifest and reloads the skill.
	fixed := `{
		name: "fixme",
		description: "Now it works.",
		kind: "command",
		command: { template: "echo fixed" },
	}`
	out, err = r.Execute(context.Background(), "self_repair_skill", Args{"skill": "fixme", "content": fixed})
	if err != nil {
		t.Fatalf("self_repair_skill write: %v", err)
	}
	if !strings.Contains(out, "repaired") {
		t.Errorf("unexpected repair output: %q", out)
	}

	got, err := r.Execute(context.Background(), "fixme", nil)
	if err != nil {
		t.Fatalf("repaired skill: %v", err)
	}
	if got != "fixed" {
		t.Errorf("repaired output = %q, want %q", got, "fixed")
	}
}
