package skills

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writePackage(t *testing.T, root, name, manifest, body string) string {
	t.Helper()
	dir := filepath.Join(root, name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, packageManifestName), []byte(manifest), 0o644); err != nil {
		t.Fatal(err)
	}
	if body != "" {
		if err := os.WriteFile(filepath.Join(dir, defaultBodyFile), []byte(body), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	return dir
}

func TestDiscoverAndProgressiveDisclosure(t *testing.T) {
	root := t.TempDir()
	writePackage(t, root, "invoicing",
		`{ name: "invoicing", description: "Create and send invoices to clients.", triggers: ["invoice"] }`,
		"# Invoicing\nFull step-by-step instructions live here.")

	ps := NewPackageSet(root, nil)
	if err := ps.Discover(); err != nil {
		t.Fatalf("Discover: %v", err)
	}

	pkgs := ps.List()
	if len(pkgs) != 1 || pkgs[0].Name != "invoicing" {
		t.Fatalf("packages = %v", pkgs)
	}

	meta := ps.MetadataSurface(SurfaceFull, nil)
	if !strings.Contains(meta, "invoicing") {
		t.Error("metadata surface should list the package")
	}
	if strings.Contains(meta, "step-by-step") {
		t.Error("body must stay hidden before activation")
	}
	if ps.ActiveBodies() != "" {
		t.Error("no bodies before activation")
	}

	if err := ps.Activate("invoicing"); err != nil {
		t.Fatalf("Activate: %v", err)
	}
	if !strings.Contains(ps.ActiveBodies(), "step-by-step") {
		t.Error("activated body should be exposed")
	}

	ps.Deactivate("invoicing")
	if ps.ActiveBodies() != "" {
		t.Error("deactivation should drop the body")
	}
}

func TestDiscoverRejectsNameMismatch(t *testing.T) {
	root := t.TempDir()
	writePackage(t, root, "diskname",
		`{ name: "othername", description: "Mismatch." }`, "body")

	ps := NewPackageSet(root, nil)
	if err := ps.Discover(); err != nil {
		t.Fatalf("Discover: %v", err)
	}
	if len(ps.List()) != 0 {
		t.Error("mismatched manifest name should be skipped")
	}
}

func TestAutoActivateByTrigger(t *testing.T) {
	root := t.TempDir()
	writePackage(t, root, "invoicing",
		`{ name: "invoicing", description: "Create and send invoices.", triggers: ["invoice", "billing"] }`,
		"instructions")

	ps := NewPackageSet(root, nil)
	ps.Discover()

	got := ps.AutoActivate("Please prepare the March invoice for Acme")
	if len(got) != 1 || got[0] != "invoicing" {
		t.Errorf("activated = %v, want [invoicing]", got)
	}

	// Already active: not re-reported.
	if again := ps.AutoActivate("another invoice task"); len(again) != 0 {
		t.Errorf("second activation = %v, want none", again)
	}
}

func TestAutoActivateFuzzyOverlap(t *testing.T) {
	root := t.TempDir()
	// Long description (>8 words): needs >=3 overlapping non-trivial words.
	writePackage(t, root, "travel",
		`{ name: "travel", description: "Plan flights and hotel bookings for business trips, including visa paperwork for the traveller." }`,
		"instructions")
	// Short description (<=8 words): needs only 2.
	writePackage(t, root, "weather",
		`{ name: "weather", description: "Check weather forecast" }`,
		"instructions")

	ps := NewPackageSet(root, nil)
	ps.Discover()

	if got := ps.AutoActivate("book flights and a hotel"); len(got) != 0 {
		t.Errorf("two-word overlap on a long description should not activate, got %v", got)
	}
	if got := ps.AutoActivate("book flights and hotel bookings for the upcoming trips"); len(got) != 1 || got[0] != "travel" {
		t.Errorf("three-word overlap should activate travel, got %v", got)
	}
	if got := ps.AutoActivate("what is the weather forecast tomorrow"); len(got) != 1 || got[0] != "weather" {
		t.Errorf("short descriptions activate on two overlapping words, got %v", got)
	}
}

func TestReadResourceSandbox(t *testing.T) {
	root := t.TempDir()
	dir := writePackage(t, root, "docs",
		`{ name: "docs", description: "Reference documents." }`, "body")
	if err := os.MkdirAll(filepath.Join(dir, "references"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "references", "guide.txt"), []byte("inside"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(root, "secret.txt"), []byte("outside"), 0o644); err != nil {
		t.Fatal(err)
	}

	ps := NewPackageSet(root, nil)
	ps.Discover()

	got, err := ps.ReadResource("docs", "references/guide.txt")
	if err != nil {
		t.Fatalf("ReadResource: %v", err)
	}
	if got != "inside" {
		t.Errorf("resource = %q", got)
	}

	if _, err := ps.ReadResource("docs", "../secret.txt"); err == nil {
		t.Error("path traversal must be refused")
	}
	if _, err := ps.ReadResource("docs", "/etc/passwd"); err == nil {
		t.Error("absolute escape must be refused")
	}
}
