package hitl

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/fredabila/orcbot-sub005/internal/bus"
	"github.com/fredabila/orcbot-sub005/internal/memory"
	"github.com/fredabila/orcbot-sub005/internal/providers"
	"github.com/fredabila/orcbot-sub005/internal/queue"
	"github.com/fredabila/orcbot-sub005/pkg/protocol"
)

// ConfigReader is the slice of the config store the proxy needs.
type ConfigReader interface {
	GetInt(key string, def int) int
	GetBool(key string, def bool) bool
	Get(key string) string
}

const maxBackoffAttempts = 5

// tracked is the per-waiting-action evaluation state.
type tracked struct {
	attempts      int
	nextEval      time.Time
	interventions int
}

// evaluation is the model's judgement of how the absent user would
// respond.
type evaluation struct {
	Confidence       int    `json:"confidence"`
	Reasoning        string `json:"reasoning"`
	Response         string `json:"response"`
	Restricted       bool   `json:"restricted"`
	RestrictedReason string `json:"restrictedReason"`
	SafeDefault      string `json:"safeDefault"`
}

// Intervention is one applied (or attempted) synthetic response,
// appended to the interventions log.
type Intervention struct {
	ActionID   string    `json:"actionId"`
	Time       time.Time `json:"time"`
	Kind       string    `json:"kind"`    // response, direction-guidance, stuck-guidance
	Applied    bool      `json:"applied"` // false when only guidance was injected
	Trigger    string    `json:"trigger"` // the waiting question or stall evidence
	Context    string    `json:"context"` // summary of what the evaluation saw
	Confidence int       `json:"confidence"`
	Reasoning  string    `json:"reasoning"`
	Response   string    `json:"response"`
}

// Proxy stands in for an absent operator: it answers clarification
// questions on waiting actions and nudges stuck ones, under strict
// cooldowns so it never races a real user.
type Proxy struct {
	cfg      ConfigReader
	queue    *queue.Queue
	memory   *memory.Manager
	provider providers.Provider
	events   bus.Publisher
	logger   *slog.Logger
	logPath  string

	mu               sync.Mutex
	tracked          map[string]*tracked
	activity         map[string]time.Time
	lastIntervention time.Time

	now func() time.Time
}

type Options struct {
	Config   ConfigReader
	Queue    *queue.Queue
	Memory   *memory.Manager
	Provider providers.Provider
	Events   bus.Publisher
	Logger   *slog.Logger
	LogPath  string
	Now      func() time.Time // test clock, defaults to time.Now
}

func New(opts Options) *Proxy {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	p := &Proxy{
		cfg:      opts.Config,
		queue:    opts.Queue,
		memory:   opts.Memory,
		provider: opts.Provider,
		events:   opts.Events,
		logger:   opts.Logger,
		logPath:  opts.LogPath,
		tracked:  make(map[string]*tracked),
		activity: make(map[string]time.Time),
		now:      opts.Now,
	}
	if opts.Events != nil {
		opts.Events.Subscribe("hitl", p.handleEvent)
	}
	return p
}

// handleEvent records real operator activity so evaluations can yield
// to a returning user.
func (p *Proxy) handleEvent(ev bus.Event) {
	if ev.Name != protocol.EventUserActivity {
		return
	}
	var source, sourceID string
	switch payload := ev.Payload.(type) {
	case map[string]string:
		source, sourceID = payload["source"], payload["sourceId"]
	case map[string]interface{}:
		source, _ = payload["source"].(string)
		sourceID, _ = payload["sourceId"].(string)
	default:
		return
	}
	if source == "" {
		return
	}
	p.mu.Lock()
	p.activity[source+"|"+sourceID] = p.now()
	p.mu.Unlock()
}

// Sweep runs one evaluation pass over waiting actions and one stuck
// check over in-progress ones. Call it from the scheduler tick.
func (p *Proxy) Sweep(ctx context.Context) {
	if !p.cfg.GetBool("agenticUserEnabled", true) {
		return
	}
	for _, a := range p.queue.List() {
		switch a.Status {
		case queue.StatusWaiting:
			p.evaluateWaiting(ctx, a)
		case queue.StatusInProgress:
			p.checkStuck(ctx, a)
		default:
			if a.Status.Terminal() {
				p.mu.Lock()
				delete(p.tracked, a.ID)
				p.mu.Unlock()
			}
		}
	}
}

func (p *Proxy) evaluateWaiting(ctx context.Context, a *queue.Action) {
	now := p.now()
	responseDelay := time.Duration(p.cfg.GetInt("agenticResponseDelaySeconds", 90)) * time.Second

	p.mu.Lock()
	t := p.tracked[a.ID]
	if t == nil {
		t = &tracked{nextEval: now.Add(responseDelay)}
		p.tracked[a.ID] = t
	}
	due := !now.Before(t.nextEval)
	exhausted := t.attempts >= maxBackoffAttempts
	maxApplied := t.interventions >= p.cfg.GetInt("agenticMaxInterventionsPerAction", 3)
	p.mu.Unlock()

	if !due || exhausted || maxApplied {
		return
	}

	eval, ok := p.runEvaluation(ctx, a)

	// Re-verify after the (slow) model call: a real user may have
	// answered, or activity may have arrived mid-flight.
	if !ok || p.userActiveFor(a) || p.cooldownActive() || !p.stillWaiting(a.ID) {
		p.deferEvaluation(a.ID)
		return
	}

	threshold := p.cfg.GetInt("agenticConfidenceThreshold", 75)
	switch {
	case eval.Confidence >= threshold && !eval.Restricted && strings.TrimSpace(eval.Response) != "":
		p.apply(a, "response", eval, eval.Response)
	case strings.TrimSpace(eval.SafeDefault) != "" && !eval.Restricted:
		p.apply(a, "direction-guidance", eval, eval.SafeDefault)
	default:
		if eval.Restricted {
			p.logger.Info("agentic intervention withheld",
				"action", a.ID, "reason", eval.RestrictedReason)
		}
		p.deferEvaluation(a.ID)
	}
}

// runEvaluation builds the context bundle and asks the model how the
// user would respond. Cooldown checks run before spending the call.
func (p *Proxy) runEvaluation(ctx context.Context, a *queue.Action) (evaluation, bool) {
	if p.userActiveFor(a) || p.cooldownActive() {
		p.deferEvaluation(a.ID)
		return evaluation{}, false
	}

	bundle := p.contextBundle(a)
	question, _ := a.Payload["lastUserMessageText"].(string)

	resp, err := p.provider.Chat(ctx, providers.ChatRequest{
		Model: p.cfg.Get("agenticModel"),
		Messages: []providers.Message{
			{Role: "system", Content: bundle},
			{Role: "user", Content: fmt.Sprintf(
				`The assistant asked the user: %q
The user is away. Based on everything you know about them, decide whether you can answer on their behalf.
Answer with only: {"confidence": 0-100, "reasoning": "...", "response": "...", "restricted": false, "restrictedReason": "", "safeDefault": "..."}
Mark restricted=true for anything financial, legal, medical, destructive, or relationship-sensitive. safeDefault is an optional low-risk direction ("proceed conservatively with X") usable when confidence is low.`,
				question)},
		},
		MaxTokens: 600,
		ForceJSON: true,
	})
	if err != nil {
		p.logger.Warn("agentic evaluation failed", "action", a.ID, "error", err)
		return evaluation{}, false
	}

	var eval evaluation
	if err := json.Unmarshal([]byte(extractObject(resp.Content)), &eval); err != nil {
		p.logger.Warn("agentic evaluation unparseable", "action", a.ID)
		return evaluation{}, false
	}
	return eval, true
}

// apply injects the synthetic answer and releases the action back to
// pending.
func (p *Proxy) apply(a *queue.Action, kind string, eval evaluation, text string) {
	tag := "[agentic-user]"
	if kind == "direction-guidance" {
		tag = "[agentic-user:direction-guidance]"
	}

	// Capture the trail before the synthetic entry joins it.
	var trail []string
	for _, e := range p.memory.ByAction(a.ID) {
		trail = append(trail, e.Content)
	}
	if len(trail) > 3 {
		trail = trail[len(trail)-3:]
	}

	if scope, _ := a.Payload["sessionScopeId"].(string); scope != "" {
		if err := p.memory.SaveShort(scope, tag+" "+text, map[string]string{
			"origin": "agentic-user", "actionId": a.ID, "kind": kind,
		}); err != nil {
			p.logger.Warn("failed to store synthetic response", "action", a.ID, "error", err)
		}
	}
	if err := p.queue.AppendDescription(a.ID, fmt.Sprintf("\n%s %s", tag, text)); err != nil {
		p.logger.Warn("failed to append synthetic response", "action", a.ID, "error", err)
	}
	if err := p.queue.UpdateStatus(a.ID, queue.StatusPending, "agentic "+kind); err != nil {
		p.logger.Warn("failed to release waiting action", "action", a.ID, "error", err)
		return
	}

	now := p.now()
	p.mu.Lock()
	p.lastIntervention = now
	if t := p.tracked[a.ID]; t != nil {
		t.interventions++
	}
	p.mu.Unlock()

	iv := Intervention{
		ActionID:   a.ID,
		Time:       now,
		Kind:       kind,
		Applied:    kind == "response",
		Trigger:    truncate(a.Description, 200),
		Context:    truncate(strings.Join(trail, " | "), 240),
		Confidence: eval.Confidence,
		Reasoning:  eval.Reasoning,
		Response:   text,
	}
	p.appendLog(iv)
	if p.events != nil {
		p.events.Publish(protocol.EventAgenticIntervention, iv)
	}
	p.logger.Info("agentic intervention applied",
		"action", a.ID, "kind", kind, "confidence", eval.Confidence)
}

// checkStuck nudges an in-progress action that shows stall signals.
// The step marker in the payload gates re-injection.
func (p *Proxy) checkStuck(ctx context.Context, a *queue.Action) {
	minSteps := p.cfg.GetInt("agenticStuckAfterSteps", 5)
	if a.Steps < minSteps {
		return
	}
	if payloadInt(a.Payload["stuckGuidanceStep"]) >= a.Steps {
		return
	}

	signals := stuckSignals(p.memory.ByAction(a.ID), a.Steps)
	if len(signals) == 0 {
		return
	}

	resp, err := p.provider.Chat(ctx, providers.ChatRequest{
		Model: p.cfg.Get("agenticModel"),
		Messages: []providers.Message{
			{Role: "system", Content: p.contextBundle(a)},
			{Role: "user", Content: fmt.Sprintf(
				"The task %q looks stuck: %s. Give one short, concrete instruction that unblocks it.",
				a.Description, strings.Join(signals, "; "))},
		},
		MaxTokens: 300,
	})
	if err != nil {
		p.logger.Warn("stuck guidance failed", "action", a.ID, "error", err)
		return
	}
	guidance := strings.TrimSpace(resp.Content)
	if guidance == "" {
		return
	}

	if scope, _ := a.Payload["sessionScopeId"].(string); scope != "" {
		_ = p.memory.SaveShort(scope, "[agentic-user:stuck-guidance] "+guidance, map[string]string{
			"origin": "agentic-user", "actionId": a.ID, "kind": "stuck-guidance",
		})
	}
	_ = p.queue.UpdatePayload(a.ID, map[string]interface{}{"stuckGuidanceStep": a.Steps})

	p.appendLog(Intervention{
		ActionID: a.ID,
		Time:     p.now(),
		Kind:     "stuck-guidance",
		Applied:  true,
		Trigger:  strings.Join(signals, "; "),
		Response: guidance,
	})
	if p.events != nil {
		p.events.Publish(protocol.EventAgenticIntervention, map[string]interface{}{
			"actionId": a.ID, "kind": "stuck-guidance",
		})
	}
}

// stuckSignals derives stall evidence from the action's memory trail.
func stuckSignals(entries []*memory.Entry, steps int) []string {
	var observations []*memory.Entry
	planTurns := 0
	responded := false
	for _, e := range entries {
		switch e.Meta["origin"] {
		case "observation":
			observations = append(observations, e)
		case "plan":
			planTurns++
		case "response":
			responded = true
		}
	}
	if len(observations) > 6 {
		observations = observations[len(observations)-6:]
	}

	failures := 0
	toolCounts := make(map[string]int)
	for _, e := range observations {
		if strings.Contains(e.Content, "error:") {
			failures++
		}
		toolCounts[e.Meta["tool"]]++
	}

	var signals []string
	if failures >= 3 {
		signals = append(signals, fmt.Sprintf("%d failures in the last %d tool steps", failures, len(observations)))
	}
	for tool, n := range toolCounts {
		if tool != "" && n >= 3 {
			signals = append(signals, fmt.Sprintf("tool %s called %d times", tool, n))
		}
	}
	if !responded && steps >= 5 {
		signals = append(signals, fmt.Sprintf("no user communication in %d steps", steps))
	}
	if planTurns >= 3 {
		signals = append(signals, fmt.Sprintf("%d planning-only turns", planTurns))
	}
	return signals
}

func (p *Proxy) userActiveFor(a *queue.Action) bool {
	source, _ := a.Payload["source"].(string)
	sourceID, _ := a.Payload["sourceId"].(string)
	cooldown := time.Duration(p.cfg.GetInt("agenticActivityCooldownMinutes", 5)) * time.Minute

	p.mu.Lock()
	defer p.mu.Unlock()
	last, ok := p.activity[source+"|"+sourceID]
	return ok && p.now().Sub(last) < cooldown
}

func (p *Proxy) cooldownActive() bool {
	cooldown := time.Duration(p.cfg.GetInt("agenticInterventionCooldownMinutes", 10)) * time.Minute
	p.mu.Lock()
	defer p.mu.Unlock()
	return !p.lastIntervention.IsZero() && p.now().Sub(p.lastIntervention) < cooldown
}

func (p *Proxy) stillWaiting(id string) bool {
	a, err := p.queue.Get(id)
	return err == nil && a.Status == queue.StatusWaiting
}

// deferEvaluation backs off the next evaluation exponentially: base
// 60s, doubled per attempt, dropped after five attempts.
func (p *Proxy) deferEvaluation(id string) {
	base := time.Duration(p.cfg.GetInt("agenticBackoffBaseSeconds", 60)) * time.Second

	p.mu.Lock()
	defer p.mu.Unlock()
	t := p.tracked[id]
	if t == nil {
		return
	}
	t.attempts++
	t.nextEval = p.now().Add(base << (t.attempts - 1))
}

// Attempts reports the evaluation attempts tracked for an action.
func (p *Proxy) Attempts(actionID string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if t := p.tracked[actionID]; t != nil {
		return t.attempts
	}
	return 0
}

func (p *Proxy) appendLog(iv Intervention) {
	if p.logPath == "" {
		return
	}
	f, err := os.OpenFile(p.logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		p.logger.Warn("failed to open interventions log", "error", err)
		return
	}
	defer f.Close()
	data, err := json.Marshal(iv)
	if err != nil {
		return
	}
	f.Write(append(data, '\n'))
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "…"
}

// payloadInt reads an int that may come back as float64 after a JSON
// round trip. Missing or non-numeric values read as -1.
func payloadInt(v interface{}) int {
	switch n := v.(type) {
	case int:
		return n
	case float64:
		return int(n)
	}
	return -1
}

func extractObject(s string) string {
	start := strings.IndexByte(s, '{')
	end := strings.LastIndexByte(s, '}')
	if start < 0 || end <= start {
		return ""
	}
	return s[start : end+1]
}
