package browser

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
)

const (
	pageLoadTimeout = 45 * time.Second
	maxPageText     = 16 * 1024
)

// Browser is the CDP-connected page capability backing the browser
// skills. The connection is established lazily on first use so the
// engine can be started after the agent.
type Browser struct {
	engine *Engine
	logger *slog.Logger

	mu  sync.Mutex
	rod *rod.Browser
}

func New(engine *Engine, logger *slog.Logger) *Browser {
	if logger == nil {
		logger = slog.Default()
	}
	return &Browser{engine: engine, logger: logger}
}

func (b *Browser) connect() (*rod.Browser, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.rod != nil {
		return b.rod, nil
	}
	if !b.engine.Running() {
		return nil, fmt.Errorf("browser engine is not running (%s)", b.engine.StatusText())
	}
	wsURL, err := launcher.ResolveURL(b.engine.Endpoint())
	if err != nil {
		return nil, fmt.Errorf("resolve CDP endpoint: %w", err)
	}
	browser := rod.New().ControlURL(wsURL)
	if err := browser.Connect(); err != nil {
		return nil, fmt.Errorf("connect to browser: %w", err)
	}
	b.rod = browser
	return browser, nil
}

// Navigate opens the URL and returns the visible page text, truncated
// to a prompt-safe size.
func (b *Browser) Navigate(ctx context.Context, url string) (string, error) {
	browser, err := b.connect()
	if err != nil {
		return "", err
	}

	ctx, cancel := context.WithTimeout(ctx, pageLoadTimeout)
	defer cancel()

	page, err := browser.Context(ctx).Page(proto.TargetCreateTarget{URL: url})
	if err != nil {
		b.reset()
		return "", fmt.Errorf("open %s: %w", url, err)
	}
	defer page.Close()

	if err := page.WaitLoad(); err != nil {
		return "", fmt.Errorf("load %s: %w", url, err)
	}
	el, err := page.Element("body")
	if err != nil {
		return "", fmt.Errorf("read %s: %w", url, err)
	}
	text, err := el.Text()
	if err != nil {
		return "", fmt.Errorf("read %s: %w", url, err)
	}
	if len(text) > maxPageText {
		text = text[:maxPageText] + "\n[truncated]"
	}
	return text, nil
}

// HTML returns the raw page HTML, for skills that parse structure.
func (b *Browser) HTML(ctx context.Context, url string) (string, error) {
	browser, err := b.connect()
	if err != nil {
		return "", err
	}

	ctx, cancel := context.WithTimeout(ctx, pageLoadTimeout)
	defer cancel()

	page, err := browser.Context(ctx).Page(proto.TargetCreateTarget{URL: url})
	if err != nil {
		b.reset()
		return "", fmt.Errorf("open %s: %w", url, err)
	}
	defer page.Close()

	if err := page.WaitLoad(); err != nil {
		return "", fmt.Errorf("load %s: %w", url, err)
	}
	html, err := page.HTML()
	if err != nil {
		return "", fmt.Errorf("read %s: %w", url, err)
	}
	if len(html) > maxPageText {
		html = html[:maxPageText] + "\n[truncated]"
	}
	return html, nil
}

// Status satisfies the skills browser capability.
func (b *Browser) Status() string {
	return b.engine.StatusText()
}

// reset drops a connection that errored so the next call redials.
func (b *Browser) reset() {
	b.mu.Lock()
	b.rod = nil
	b.mu.Unlock()
}

// Close disconnects from the engine without stopping it.
func (b *Browser) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.rod == nil {
		return nil
	}
	err := b.rod.Close()
	b.rod = nil
	return err
}
