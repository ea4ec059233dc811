package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/adhocore/gronx"
	"golang.org/x/sync/errgroup"

	"github.com/fredabila/orcbot-sub005/internal/bus"
	"github.com/fredabila/orcbot-sub005/internal/memory"
	"github.com/fredabila/orcbot-sub005/internal/providers"
	"github.com/fredabila/orcbot-sub005/internal/queue"
	"github.com/fredabila/orcbot-sub005/internal/skills"
	"github.com/fredabila/orcbot-sub005/pkg/protocol"
)

// ConfigStore is the slice of the config store the scheduler needs.
type ConfigStore interface {
	Get(key string) string
	GetInt(key string, def int) int
	GetBool(key string, def bool) bool
	GetDuration(key string, def time.Duration) time.Duration
	ReloadIfChanged() ([]string, error)
}

// Runner executes one leased action to a terminal status.
type Runner interface {
	RunAction(ctx context.Context, a *queue.Action) error
}

// Sweeper is a per-tick pass over the queue; the HITL proxy hooks in
// through it.
type Sweeper interface {
	Sweep(ctx context.Context)
}

// Distributor assigns unowned delegated tasks to sub-agents.
type Distributor interface {
	Distribute() int
}

// Scheduler is the heartbeat: a fixed-cadence tick plus wake-on-push,
// driving sweeps, hot-reload, consolidation, the drain and proactive
// work synthesis.
type Scheduler struct {
	cfg        ConfigStore
	queue      *queue.Queue
	memory     *memory.Manager
	registry   *skills.Registry
	runner     Runner
	summarizer memory.Summarizer
	provider   providers.Provider
	events     bus.Publisher
	sweepers   []Sweeper
	distrib    Distributor
	logger     *slog.Logger

	gron *gronx.Gronx
	wake chan struct{}
}

type Options struct {
	Config      ConfigStore
	Queue       *queue.Queue
	Memory      *memory.Manager
	Registry    *skills.Registry
	Runner      Runner
	Summarizer  memory.Summarizer
	Provider    providers.Provider
	Events      bus.Publisher
	Sweepers    []Sweeper
	Distributor Distributor
	Logger      *slog.Logger
}

func New(opts Options) *Scheduler {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Scheduler{
		cfg:        opts.Config,
		queue:      opts.Queue,
		memory:     opts.Memory,
		registry:   opts.Registry,
		runner:     opts.Runner,
		summarizer: opts.Summarizer,
		provider:   opts.Provider,
		events:     opts.Events,
		sweepers:   opts.Sweepers,
		distrib:    opts.Distributor,
		logger:     opts.Logger,
		gron:       gronx.New(),
		wake:       make(chan struct{}, 1),
	}
}

// Wake requests an immediate tick, coalescing concurrent requests.
func (s *Scheduler) Wake() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Run ticks at the configured heartbeat interval and whenever an action
// is pushed, until ctx is done.
func (s *Scheduler) Run(ctx context.Context) error {
	if s.events != nil {
		s.events.Subscribe("scheduler", func(ev bus.Event) {
			if ev.Name == protocol.EventActionPush {
				s.Wake()
			}
		})
		defer s.events.Unsubscribe("scheduler")
	}

	interval := time.Duration(s.cfg.GetInt("heartbeatIntervalMinutes", 15)) * time.Minute
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.Tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.Tick(ctx)
		case <-s.wake:
			s.Tick(ctx)
		}
	}
}

// Tick runs one full scheduler pass. Order matters: config first so the
// rest of the pass sees fresh values, sweeps before the drain so stale
// leases do not block it, synthesis last so it observes the real
// backlog.
func (s *Scheduler) Tick(ctx context.Context) {
	if changed, err := s.cfg.ReloadIfChanged(); err != nil {
		s.logger.Warn("config reload failed", "error", err)
	} else if len(changed) > 0 {
		s.logger.Info("config reloaded", "keys", strings.Join(changed, ","))
	}

	maxRun := time.Duration(s.cfg.GetInt("maxActionRunMinutes", 30)) * time.Minute
	maxStale := time.Duration(s.cfg.GetInt("maxStaleActionMinutes", 720)) * time.Minute
	if swept := s.queue.SweepStale(maxRun, maxStale); len(swept) > 0 {
		s.logger.Info("swept stale actions", "count", len(swept))
	}

	s.registry.Rescan(ctx)
	if ps := s.registry.Packages(); ps != nil {
		if err := ps.Discover(); err != nil {
			s.logger.Warn("skill package discovery failed", "error", err)
		}
	}

	s.consolidate(ctx)
	for _, sw := range s.sweepers {
		sw.Sweep(ctx)
	}
	if s.distrib != nil {
		if n := s.distrib.Distribute(); n > 0 {
			s.logger.Info("delegated tasks distributed", "count", n)
		}
	}
	s.drain(ctx)
	s.synthesize(ctx)

	if s.events != nil {
		s.events.Publish(protocol.EventSchedulerTick, s.queue.GetCounts())
	}
}

func (s *Scheduler) consolidate(ctx context.Context) {
	if s.summarizer == nil {
		return
	}
	threshold := s.cfg.GetInt("memoryConsolidationThreshold", 60)
	batch := s.cfg.GetInt("memoryConsolidationBatch", 30)
	for scope, count := range s.memory.ShortScopeCounts() {
		if count < threshold {
			continue
		}
		if _, err := s.memory.Consolidate(ctx, scope, threshold, batch, s.summarizer); err != nil {
			s.logger.Warn("consolidation failed", "scope", scope, "error", err)
		}
	}
}

// drain pops and runs pending work. One action at a time by default; a
// parallelActions setting above 1 runs a bounded worker group.
func (s *Scheduler) drain(ctx context.Context) {
	if s.runner == nil {
		return
	}
	counts := s.queue.GetCounts()
	if counts.InProgress > 0 {
		return
	}

	parallel := s.cfg.GetInt("parallelActions", 1)
	if parallel <= 1 {
		a, err := s.queue.Pop()
		if err != nil || a == nil {
			return
		}
		if err := s.runner.RunAction(ctx, a); err != nil && ctx.Err() == nil {
			s.logger.Error("action run failed", "action", a.ID, "error", err)
		}
		return
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(parallel)
	for i := 0; i < parallel; i++ {
		a, err := s.queue.Pop()
		if err != nil || a == nil {
			break
		}
		g.Go(func() error {
			if err := s.runner.RunAction(gctx, a); err != nil && gctx.Err() == nil {
				s.logger.Error("action run failed", "action", a.ID, "error", err)
			}
			return nil
		})
	}
	_ = g.Wait()
}

// synthesisDecision is the model's proactive-task suggestion.
type synthesisDecision struct {
	Task     string `json:"task"`
	Priority int    `json:"priority"`
}

// synthesize proposes one proactive task when the agent is idle, the
// heartbeat cron is due and the self-made backlog has room.
func (s *Scheduler) synthesize(ctx context.Context) {
	if s.provider == nil || !s.cfg.GetBool("autonomyEnabled", false) {
		return
	}
	counts := s.queue.GetCounts()
	if counts.Pending > 0 || counts.InProgress > 0 {
		return
	}

	cron := s.cfg.Get("heartbeatCron")
	if cron != "" {
		due, err := s.gron.IsDue(cron, time.Now())
		if err != nil {
			s.logger.Warn("bad heartbeatCron expression", "cron", cron, "error", err)
			return
		}
		if !due {
			return
		}
	}

	limit := s.cfg.GetInt("autonomyBacklogLimit", 3)
	if s.autonomyBacklog() >= limit {
		return
	}

	journal := s.memory.JournalTail(20)
	learning := s.memory.LearningTail(10)
	resp, err := s.provider.Chat(ctx, providers.ChatRequest{
		Messages: []providers.Message{
			{Role: "user", Content: fmt.Sprintf(
				`You are an autonomous assistant with idle time. Based on your recent journal and lessons, propose ONE useful proactive task, or an empty task if nothing is worth doing.

Journal:
%s

Lessons:
%s

Answer with only: {"task": "<description or empty>", "priority": 1-5}`,
				journal, learning)},
		},
		MaxTokens: 300,
		ForceJSON: true,
	})
	if err != nil {
		s.logger.Warn("proactive synthesis failed", "error", err)
		return
	}

	var d synthesisDecision
	if err := json.Unmarshal([]byte(extractObject(resp.Content)), &d); err != nil || strings.TrimSpace(d.Task) == "" {
		return
	}
	if d.Priority < 1 || d.Priority > 5 {
		d.Priority = 2
	}

	id, err := s.queue.Push(d.Task, d.Priority, map[string]interface{}{"origin": "autonomy"})
	if err != nil {
		s.logger.Error("failed to push proactive task", "error", err)
		return
	}
	s.logger.Info("proactive task queued", "action", id, "priority", d.Priority)
}

// autonomyBacklog counts open self-made tasks.
func (s *Scheduler) autonomyBacklog() int {
	n := 0
	for _, a := range s.queue.List() {
		if a.Status.Terminal() {
			continue
		}
		if origin, _ := a.Payload["origin"].(string); origin == "autonomy" {
			n++
		}
	}
	return n
}

func extractObject(s string) string {
	start := strings.IndexByte(s, '{')
	end := strings.LastIndexByte(s, '}')
	if start < 0 || end <= start {
		return ""
	}
	return s[start : end+1]
}
