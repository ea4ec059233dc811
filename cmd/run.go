package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/fredabila/orcbot-sub005/internal/agent"
	"github.com/fredabila/orcbot-sub005/internal/bootstrap"
	"github.com/fredabila/orcbot-sub005/internal/browser"
	"github.com/fredabila/orcbot-sub005/internal/bus"
	"github.com/fredabila/orcbot-sub005/internal/config"
	"github.com/fredabila/orcbot-sub005/internal/gateway"
	"github.com/fredabila/orcbot-sub005/internal/guard"
	"github.com/fredabila/orcbot-sub005/internal/hitl"
	"github.com/fredabila/orcbot-sub005/internal/memory"
	"github.com/fredabila/orcbot-sub005/internal/orchestrator"
	"github.com/fredabila/orcbot-sub005/internal/providers"
	"github.com/fredabila/orcbot-sub005/internal/queue"
	"github.com/fredabila/orcbot-sub005/internal/scheduler"
	"github.com/fredabila/orcbot-sub005/internal/skills"
	"github.com/fredabila/orcbot-sub005/internal/state"
	"github.com/fredabila/orcbot-sub005/internal/telemetry"
)

const backgroundEnv = "ORCBOT_BACKGROUND"

func runCmd() *cobra.Command {
	var background bool
	var initialTask string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the agent loop",
		Run: func(cmd *cobra.Command, args []string) {
			initLogging()
			if background && os.Getenv(backgroundEnv) == "" {
				if err := respawnBackground(); err != nil {
					fmt.Fprintf(os.Stderr, "failed to go to background: %s\n", err)
					os.Exit(1)
				}
				return
			}
			if err := runAgent(initialTask); err != nil && err != context.Canceled {
				fmt.Fprintf(os.Stderr, "orcbot: %s\n", err)
				os.Exit(1)
			}
		},
	}
	cmd.Flags().BoolVar(&background, "background", false, "detach and run as a background process")
	cmd.Flags().StringVar(&initialTask, "task", "", "queue this task before the first tick")
	return cmd
}

// respawnBackground re-executes the current command detached from the
// terminal.
func respawnBackground() error {
	exe, err := os.Executable()
	if err != nil {
		return err
	}
	args := make([]string, 0, len(os.Args)-1)
	for _, a := range os.Args[1:] {
		if a != "--background" {
			args = append(args, a)
		}
	}
	child := exec.Command(exe, args...)
	child.Env = append(os.Environ(), backgroundEnv+"=1")
	child.Stdout = nil
	child.Stderr = nil
	if err := child.Start(); err != nil {
		return err
	}
	fmt.Printf("orcbot running in background (pid %d)\n", child.Process.Pid)
	return child.Process.Release()
}

// loopControl gates the scheduler loop for the gateway's loop.start /
// loop.stop operations.
type loopControl struct {
	sched  *scheduler.Scheduler
	parent context.Context

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func (lc *loopControl) StartLoop() error {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	if lc.cancel != nil {
		return fmt.Errorf("loop already running")
	}
	ctx, cancel := context.WithCancel(lc.parent)
	lc.cancel = cancel
	lc.done = make(chan struct{})
	go func(done chan struct{}) {
		defer close(done)
		if err := lc.sched.Run(ctx); err != nil && ctx.Err() == nil {
			slog.Error("scheduler stopped", "error", err)
		}
	}(lc.done)
	return nil
}

func (lc *loopControl) StopLoop() error {
	lc.mu.Lock()
	cancel, done := lc.cancel, lc.done
	lc.cancel = nil
	lc.mu.Unlock()
	if cancel == nil {
		return fmt.Errorf("loop is not running")
	}
	cancel()
	<-done
	return nil
}

func runAgent(initialTask string) error {
	home, cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if _, err := bootstrap.Seed(home); err != nil {
		slog.Warn("bootstrap seed failed", "error", err)
	}
	if err := home.AcquireLock(); err != nil {
		return err
	}
	defer home.ReleaseLock()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.GetBool("telemetryEnabled", false) {
		shutdown, err := telemetry.Init(ctx, telemetry.Options{
			Endpoint: cfg.Get("telemetryEndpoint"),
			Protocol: cfg.Get("telemetryProtocol"),
			Version:  Version,
		})
		if err != nil {
			return err
		}
		defer shutdown(context.Background())
	}

	b := bus.New()
	cfg.BindEvents(b)

	q, err := queue.New(queue.Options{
		Path:      home.QueueFile(),
		Events:    b,
		Retention: cfg.GetInt("queueRetention", 200),
	})
	if err != nil {
		return fmt.Errorf("open action queue: %w", err)
	}

	mem, err := memory.NewManager(memory.Options{
		Path:        home.MemoryFile(),
		ContactsDir: home.ContactsDir(),
		UserFile:    home.UserProfileFile(),
		JournalPath: home.JournalFile(),
		LearnPath:   home.LearningFile(),
		Events:      b,
	})
	if err != nil {
		return fmt.Errorf("open memory: %w", err)
	}

	provider, err := buildProvider(cfg)
	if err != nil {
		return err
	}
	tokens := state.NewTokenTracker(home)

	packages := skills.NewPackageSet(home.SkillPackagesDir(), slog.Default())
	registry := skills.NewRegistry(skills.Options{
		Events:    b,
		Queue:     q,
		Packages:  packages,
		PluginDir: home.PluginsDir(),
		Allow:     splitList(cfg.Get("skillAllowList")),
		Deny:      splitList(cfg.Get("skillDenyList")),
	})

	orch := orchestrator.New(orchestrator.Options{Queue: q, Memory: mem, Events: b})
	outbound := gateway.NewOutbound(b, slog.Default())

	caps := skills.Caps{
		Config:       cfg,
		Memory:       mem,
		Queue:        q,
		Orchestrator: orch,
		Outbound:     outbound,
	}
	if cfg.GetBool("lightpandaEnabled", false) {
		engine := browser.NewEngine(browser.EngineOptions{
			BinDir: home.BinDir(),
			Port:   cfg.GetInt("lightpandaPort", 9222),
		})
		caps.Browser = browser.New(engine, slog.Default())
	}
	if err := skills.RegisterBuiltins(registry, caps); err != nil {
		return fmt.Errorf("register builtins: %w", err)
	}
	if err := registry.LoadPlugins(ctx); err != nil {
		slog.Warn("plugin load failed", "error", err)
	}
	if err := packages.Discover(); err != nil {
		slog.Warn("skill package discovery failed", "error", err)
	}
	if err := registry.StartWatcher(ctx); err != nil {
		slog.Warn("plugin watcher unavailable, falling back to tick rescan", "error", err)
	}

	routing, err := agent.LoadRoutingRules(filepath.Join(home.Root, "routing.json5"))
	if err != nil {
		slog.Warn("routing rules ignored", "error", err)
	}

	loop := agent.NewLoop(agent.Options{
		Provider: provider,
		Model:    cfg.Get("model"),
		Queue:    q,
		Memory:   mem,
		Registry: registry,
		Guard:    guard.New(guard.HighlightFunc(mem.SemanticSearchText), nil),
		Events:   b,
		Config:   cfg,
		Routing:  routing,
		OnUsage: func(model string, usage *providers.Usage) {
			if usage != nil {
				tokens.Record(usage.PromptTokens, usage.CompletionTokens)
			}
		},
	})

	proxy := hitl.New(hitl.Options{
		Config:   cfg,
		Queue:    q,
		Memory:   mem,
		Provider: provider,
		Events:   b,
		LogPath:  home.InterventionsFile(),
	})

	sched := scheduler.New(scheduler.Options{
		Config:      cfg,
		Queue:       q,
		Memory:      mem,
		Registry:    registry,
		Runner:      loop,
		Summarizer:  agent.NewSummarizer(provider, cfg.Get("model")),
		Provider:    provider,
		Events:      b,
		Sweepers:    []scheduler.Sweeper{proxy},
		Distributor: orch,
	})

	lc := &loopControl{sched: sched, parent: ctx}
	facade := gateway.New(gateway.Options{
		Queue:      q,
		Registry:   registry,
		Memory:     mem,
		Config:     cfg,
		Dispatcher: bus.NewDispatcher(cfg, mem, q, b),
		Loop:       lc,
	})

	health := facade.Health(ctx)
	slog.Info("orcbot starting",
		"version", Version,
		"dataHome", home.Root,
		"provider", provider.Name(),
		"skills", health.Skills["healthy"],
		"queue", q.CountsText(),
	)
	if initialTask != "" {
		if id, err := facade.PushTask(initialTask, 5, nil); err != nil {
			slog.Warn("initial task rejected", "error", err)
		} else {
			slog.Info("initial task queued", "action", id)
		}
	}

	if err := lc.StartLoop(); err != nil {
		return err
	}
	<-ctx.Done()

	// Graceful drain: the scheduler finishes its current step before
	// Run returns; all stores persist on every mutation.
	slog.Info("shutting down, finishing current step")
	_ = lc.StopLoop()
	return nil
}

func buildProvider(cfg *config.Store) (providers.Provider, error) {
	switch cfg.Get("provider") {
	case "", "anthropic":
		key := cfg.Get("anthropicApiKey")
		if key == "" {
			return nil, fmt.Errorf("anthropicApiKey is not set (run: orcbot setup)")
		}
		var opts []providers.AnthropicOption
		if m := cfg.Get("model"); m != "" {
			opts = append(opts, providers.WithAnthropicModel(m))
		}
		if u := cfg.Get("anthropicBaseUrl"); u != "" {
			opts = append(opts, providers.WithAnthropicBaseURL(u))
		}
		return providers.NewAnthropicProvider(key, opts...), nil
	case "openai":
		key := cfg.Get("openaiApiKey")
		if key == "" {
			return nil, fmt.Errorf("openaiApiKey is not set (run: orcbot setup)")
		}
		var opts []providers.OpenAIOption
		if m := cfg.Get("model"); m != "" {
			opts = append(opts, providers.WithOpenAIModel(m))
		}
		if u := cfg.Get("openaiBaseUrl"); u != "" {
			opts = append(opts, providers.WithOpenAIBaseURL(u))
		}
		return providers.NewOpenAIProvider(key, opts...), nil
	}
	return nil, fmt.Errorf("unknown provider %q", cfg.Get("provider"))
}

func splitList(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
