package browser

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
)

func TestEngineStatusNotInstalled(t *testing.T) {
	e := NewEngine(EngineOptions{BinDir: t.TempDir(), Port: 1}) // nothing listens on port 1
	if e.Installed() {
		t.Error("Installed = true for empty bin dir")
	}
	got := e.StatusText()
	if !strings.Contains(got, "not installed") || !strings.Contains(got, "not running") {
		t.Errorf("StatusText = %q", got)
	}
}

func TestEngineDetectsBinaryAndRunningEndpoint(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "lightpanda"), []byte("#!/bin/sh\n"), 0o755); err != nil {
		t.Fatal(err)
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/json/version" {
			http.NotFound(w, r)
			return
		}
		w.Write([]byte(`{"Browser":"lightpanda"}`))
	}))
	defer srv.Close()

	host, portStr, err := net.SplitHostPort(strings.TrimPrefix(srv.URL, "http://"))
	if err != nil {
		t.Fatal(err)
	}
	port, _ := strconv.Atoi(portStr)

	e := NewEngine(EngineOptions{BinDir: dir, Host: host, Port: port})
	if !e.Installed() {
		t.Error("Installed = false with binary present")
	}
	if !e.Running() {
		t.Error("Running = false with version endpoint up")
	}
	if got := e.StatusText(); !strings.Contains(got, "running at ws://") {
		t.Errorf("StatusText = %q", got)
	}
}

func TestNavigateFailsWhenEngineDown(t *testing.T) {
	e := NewEngine(EngineOptions{BinDir: t.TempDir(), Port: 1})
	b := New(e, nil)
	if _, err := b.Navigate(context.Background(), "https://example.com"); err == nil {
		t.Fatal("Navigate should fail with the engine down")
	}
	if b.Status() == "" {
		t.Error("Status should describe the engine state")
	}
}

func TestStartRequiresInstall(t *testing.T) {
	e := NewEngine(EngineOptions{BinDir: t.TempDir(), Port: 1})
	if err := e.Start(true); err == nil {
		t.Fatal("Start should fail when the binary is missing")
	}
}
