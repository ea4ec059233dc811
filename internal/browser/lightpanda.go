// Package browser manages the lightpanda headless browser engine and
// exposes a CDP-backed page capability to the skills registry.
package browser

import (
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strconv"
	"time"
)

const (
	downloadBase   = "https://github.com/lightpanda-io/browser/releases/download/nightly"
	defaultCDPHost = "127.0.0.1"
	defaultCDPPort = 9222
)

// Engine drives the lightpanda binary lifecycle: install, start, enable
// and status probing.
type Engine struct {
	binDir string
	host   string
	port   int
	logger *slog.Logger
}

type EngineOptions struct {
	BinDir string
	Host   string
	Port   int
	Logger *slog.Logger
}

func NewEngine(opts EngineOptions) *Engine {
	if opts.Host == "" {
		opts.Host = defaultCDPHost
	}
	if opts.Port == 0 {
		opts.Port = defaultCDPPort
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Engine{binDir: opts.BinDir, host: opts.Host, port: opts.Port, logger: opts.Logger}
}

func (e *Engine) BinaryPath() string {
	return filepath.Join(e.binDir, "lightpanda")
}

func (e *Engine) Endpoint() string {
	return "ws://" + net.JoinHostPort(e.host, strconv.Itoa(e.port))
}

// releaseAsset maps GOOS/GOARCH onto the published binary name.
func releaseAsset() (string, error) {
	switch runtime.GOOS + "/" + runtime.GOARCH {
	case "linux/amd64":
		return "lightpanda-x86_64-linux", nil
	case "linux/arm64":
		return "lightpanda-aarch64-linux", nil
	case "darwin/arm64":
		return "lightpanda-aarch64-macos", nil
	case "darwin/amd64":
		return "lightpanda-x86_64-macos", nil
	}
	return "", fmt.Errorf("no lightpanda build for %s/%s", runtime.GOOS, runtime.GOARCH)
}

// Install downloads the release binary into the bin directory.
func (e *Engine) Install() error {
	asset, err := releaseAsset()
	if err != nil {
		return err
	}
	url := downloadBase + "/" + asset

	e.logger.Info("downloading lightpanda", "url", url)
	client := &http.Client{Timeout: 5 * time.Minute}
	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("download lightpanda: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("download lightpanda: unexpected status %s", resp.Status)
	}

	if err := os.MkdirAll(e.binDir, 0o755); err != nil {
		return err
	}
	tmp := e.BinaryPath() + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o755)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, resp.Body); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("write lightpanda binary: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, e.BinaryPath()); err != nil {
		return err
	}
	e.logger.Info("lightpanda installed", "path", e.BinaryPath())
	return nil
}

// Installed reports whether the binary is present.
func (e *Engine) Installed() bool {
	info, err := os.Stat(e.BinaryPath())
	return err == nil && !info.IsDir()
}

// Start launches the CDP server. With background=true the process is
// detached and left running after we return.
func (e *Engine) Start(background bool) error {
	if !e.Installed() {
		return fmt.Errorf("lightpanda is not installed (run: orcbot lightpanda install)")
	}
	cmd := exec.Command(e.BinaryPath(), "serve", "--host", e.host, "--port", strconv.Itoa(e.port))
	if background {
		cmd.Stdout = nil
		cmd.Stderr = nil
		if err := cmd.Start(); err != nil {
			return fmt.Errorf("start lightpanda: %w", err)
		}
		if err := cmd.Process.Release(); err != nil {
			return err
		}
		e.logger.Info("lightpanda started", "endpoint", e.Endpoint())
		return nil
	}
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	return cmd.Run()
}

// Running probes the CDP version endpoint.
func (e *Engine) Running() bool {
	client := &http.Client{Timeout: 2 * time.Second}
	resp, err := client.Get(fmt.Sprintf("http://%s/json/version", net.JoinHostPort(e.host, strconv.Itoa(e.port))))
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// StatusText renders install and runtime state for the CLI and the
// browser_status skill.
func (e *Engine) StatusText() string {
	installed := "not installed"
	if e.Installed() {
		installed = "installed at " + e.BinaryPath()
	}
	running := "not running"
	if e.Running() {
		running = "running at " + e.Endpoint()
	}
	return fmt.Sprintf("lightpanda: %s, %s", installed, running)
}
