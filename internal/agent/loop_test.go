package agent

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/fredabila/orcbot-sub005/internal/guard"
	"github.com/fredabila/orcbot-sub005/internal/memory"
	"github.com/fredabila/orcbot-sub005/internal/providers"
	"github.com/fredabila/orcbot-sub005/internal/queue"
	"github.com/fredabila/orcbot-sub005/internal/skills"
)

type fakeCfg map[string]string

func (c fakeCfg) Get(k string) string { return c[k] }

func (c fakeCfg) GetInt(k string, def int) int {
	if v, ok := c[k]; ok {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func (c fakeCfg) GetBool(k string, def bool) bool {
	if v, ok := c[k]; ok {
		return v == "true"
	}
	return def
}

// scriptedProvider returns canned responses in order and records every
// request it sees.
type scriptedProvider struct {
	mu        sync.Mutex
	responses []string
	requests  []providers.ChatRequest
}

func (p *scriptedProvider) Name() string         { return "scripted" }
func (p *scriptedProvider) DefaultModel() string { return "scripted-model" }

func (p *scriptedProvider) Chat(ctx context.Context, req providers.ChatRequest) (*providers.ChatResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.requests = append(p.requests, req)
	if len(p.responses) == 0 {
		return &providers.ChatResponse{Content: `{"type":"complete"}`}, nil
	}
	next := p.responses[0]
	p.responses = p.responses[1:]
	return &providers.ChatResponse{Content: next}, nil
}

type capturedEvents struct {
	mu    sync.Mutex
	names []string
}

func (c *capturedEvents) Publish(name string, payload interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.names = append(c.names, name)
}

func (c *capturedEvents) has(name string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, n := range c.names {
		if n == name {
			return true
		}
	}
	return false
}

type testRig struct {
	loop     *Loop
	queue    *queue.Queue
	memory   *memory.Manager
	registry *skills.Registry
	provider *scriptedProvider
	outbound *fakeOutbound
	events   *capturedEvents
}

type fakeOutbound struct {
	mu    sync.Mutex
	sends []string
}

func (f *fakeOutbound) Send(ctx context.Context, source, sourceID, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sends = append(f.sends, source+":"+text)
	return nil
}

func newRig(t *testing.T, cfg fakeCfg, responses ...string) *testRig {
	t.Helper()
	dir := t.TempDir()

	q, err := queue.New(queue.Options{Path: filepath.Join(dir, "actions.json")})
	if err != nil {
		t.Fatal(err)
	}
	mem, err := memory.NewManager(memory.Options{
		Path:        filepath.Join(dir, "memory.json"),
		ContactsDir: filepath.Join(dir, "contacts"),
		UserFile:    filepath.Join(dir, "USER.md"),
	})
	if err != nil {
		t.Fatal(err)
	}

	registry := skills.NewRegistry(skills.Options{})
	outbound := &fakeOutbound{}
	if err := skills.RegisterBuiltins(registry, skills.Caps{Outbound: outbound}); err != nil {
		t.Fatal(err)
	}

	provider := &scriptedProvider{responses: responses}
	events := &capturedEvents{}

	loop := NewLoop(Options{
		Provider: provider,
		Model:    "scripted-model",
		Queue:    q,
		Memory:   mem,
		Registry: registry,
		Guard:    guard.New(nil, nil),
		Events:   events,
		Config:   cfg,
	})
	return &testRig{loop: loop, queue: q, memory: mem, registry: registry, provider: provider, outbound: outbound, events: events}
}

func leaseAction(t *testing.T, rig *testRig, description string, payload map[string]interface{}) *queue.Action {
	t.Helper()
	if _, err := rig.queue.Push(description, 5, payload); err != nil {
		t.Fatal(err)
	}
	a, err := rig.queue.Pop()
	if err != nil {
		t.Fatal(err)
	}
	return a
}

func TestParseDecision(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		want    DecisionKind
		wantErr bool
	}{
		{"plain tool", `{"type":"tool","tool":"echo","args":{"text":"hi"}}`, DecideTool, false},
		{"fenced", "Here you go:\n```json\n{\"type\":\"respond\",\"message\":\"hi\"}\n```", DecideRespond, false},
		{"prose wrapped", `I think {"type":"complete","summary":"all done"} covers it`, DecideComplete, false},
		{"braces in strings", `{"type":"respond","message":"use {curly} braces"}`, DecideRespond, false},
		{"tool without name", `{"type":"tool"}`, "", true},
		{"unknown kind", `{"type":"dance"}`, "", true},
		{"no json", `sure, I'll get right on that`, "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, err := parseDecision(tt.raw)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error, got %+v", d)
				}
				return
			}
			if err != nil {
				t.Fatalf("parseDecision: %v", err)
			}
			if d.Kind != tt.want {
				t.Errorf("kind = %s, want %s", d.Kind, tt.want)
			}
		})
	}
}

// A package whose trigger matches the task description must be active
// by the time the first prompt is built, without an explicit
// skill_activate call.
func TestRunActionAutoActivatesSkillPackage(t *testing.T) {
	rig := newRig(t, fakeCfg{},
		`{"type":"complete","summary":"done"}`,
		`{"satisfied":true}`,
	)

	pkgDir := filepath.Join(t.TempDir(), "invoicing")
	if err := os.MkdirAll(pkgDir, 0o755); err != nil {
		t.Fatal(err)
	}
	manifest := `{ name: "invoicing", description: "Create and send invoices.", triggers: ["invoice"] }`
	if err := os.WriteFile(filepath.Join(pkgDir, "manifest.json5"), []byte(manifest), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(pkgDir, "SKILL.md"), []byte("# Invoicing\nNumber invoices sequentially."), 0o644); err != nil {
		t.Fatal(err)
	}
	ps := skills.NewPackageSet(filepath.Dir(pkgDir), nil)
	if err := ps.Discover(); err != nil {
		t.Fatal(err)
	}
	rig.loop.registry = skills.NewRegistry(skills.Options{Packages: ps})

	a := leaseAction(t, rig, "Send the March invoice to Dana", nil)
	if err := rig.loop.RunAction(context.Background(), a); err != nil {
		t.Fatalf("RunAction: %v", err)
	}

	if !strings.Contains(ps.ActiveBodies(), "sequentially") {
		t.Error("matching package should be activated at task start")
	}
}

func TestToolStepThenComplete(t *testing.T) {
	rig := newRig(t, fakeCfg{},
		`{"type":"tool","tool":"journal_fake","args":{}}`,
		`{"type":"complete","summary":"finished"}`,
		`{"satisfied":true}`,
	)
	rig.registry.Register(&skills.Skill{
		Name:        "journal_fake",
		Description: "test skill",
		Handler: func(ctx context.Context, args skills.Args) (string, error) {
			return "did the thing", nil
		},
	})

	scope := rig.memory.ResolveScope("gateway", "gateway", "u1")
	a := leaseAction(t, rig, "Do one small thing", map[string]interface{}{
		"sessionScopeId": scope, "source": "gateway", "userId": "u1",
	})

	if err := rig.loop.RunAction(context.Background(), a); err != nil {
		t.Fatalf("RunAction: %v", err)
	}

	got, _ := rig.queue.Get(a.ID)
	if got.Status != queue.StatusCompleted {
		t.Fatalf("status = %s, want completed", got.Status)
	}
	if got.StatusNote != "finished" {
		t.Errorf("note = %q", got.StatusNote)
	}

	// The observation was persisted and tagged with the tool name.
	obs := rig.memory.ByAction(a.ID)
	found := false
	for _, e := range obs {
		if strings.Contains(e.Content, "did the thing") && e.Meta["tool"] == "journal_fake" {
			found = true
		}
	}
	if !found {
		t.Error("tool observation should be saved to memory with tool meta")
	}

	if !rig.events.has("agent:thinking") || !rig.events.has("agent:action") || !rig.events.has("agent:completed") {
		t.Errorf("missing loop events, got %v", rig.events.names)
	}
}

func TestTerminationReviewBlocksEarlyCompletion(t *testing.T) {
	rig := newRig(t, fakeCfg{},
		`{"type":"complete","summary":"done"}`,
		`{"satisfied":false,"missing":["send confirmation to the user"]}`,
		`{"type":"respond","message":"Confirmed: the report is out."}`,
		`{"type":"complete","summary":"really done"}`,
		`{"satisfied":true}`,
	)

	scope := rig.memory.ResolveScope("whatsapp", "123", "u1")
	a := leaseAction(t, rig, "Send the weekly report and confirm", map[string]interface{}{
		"sessionScopeId": scope, "source": "whatsapp", "sourceId": "123", "userId": "u1",
	})

	if err := rig.loop.RunAction(context.Background(), a); err != nil {
		t.Fatalf("RunAction: %v", err)
	}

	got, _ := rig.queue.Get(a.ID)
	if got.Status != queue.StatusCompleted {
		t.Fatalf("status = %s, want completed", got.Status)
	}

	// The review's missing list steered the next step.
	if len(rig.provider.requests) < 3 {
		t.Fatalf("requests = %d", len(rig.provider.requests))
	}
	sys := rig.provider.requests[2].Messages[0].Content
	if !strings.Contains(sys, "send confirmation to the user") {
		t.Error("missing-goals guidance should appear in the following prompt")
	}

	// The respond step went out over the action's channel.
	if len(rig.outbound.sends) != 1 || !strings.Contains(rig.outbound.sends[0], "whatsapp:Confirmed") {
		t.Errorf("sends = %v", rig.outbound.sends)
	}
}

func TestClarifyParksActionWaiting(t *testing.T) {
	rig := newRig(t, fakeCfg{},
		`{"type":"clarify","question":"Which account should I use?"}`,
	)

	scope := rig.memory.ResolveScope("telegram", "42", "u2")
	a := leaseAction(t, rig, "Pay the invoice", map[string]interface{}{
		"sessionScopeId": scope, "source": "telegram", "sourceId": "42", "userId": "u2",
	})

	if err := rig.loop.RunAction(context.Background(), a); err != nil {
		t.Fatalf("RunAction: %v", err)
	}

	got, _ := rig.queue.Get(a.ID)
	if got.Status != queue.StatusWaiting {
		t.Fatalf("status = %s, want waiting", got.Status)
	}
	if q, _ := got.Payload["lastUserMessageText"].(string); !strings.Contains(q, "Which account") {
		t.Errorf("question not stored in payload: %v", got.Payload)
	}
	if m, _ := got.Payload["clarificationPending"].(string); m != "1" {
		t.Error("clarification marker missing")
	}
}

func TestMaxStepsFailsAction(t *testing.T) {
	rig := newRig(t, fakeCfg{"maxStepsPerAction": "2"},
		`{"type":"plan","steps":["a","b"]}`,
		`{"type":"plan","steps":["c"]}`,
	)

	a := leaseAction(t, rig, "Loop forever", map[string]interface{}{})
	if err := rig.loop.RunAction(context.Background(), a); err != nil {
		t.Fatalf("RunAction: %v", err)
	}

	got, _ := rig.queue.Get(a.ID)
	if got.Status != queue.StatusFailed {
		t.Fatalf("status = %s, want failed", got.Status)
	}
	if !strings.Contains(got.StatusNote, "maxStepsPerAction") {
		t.Errorf("note = %q", got.StatusNote)
	}
}

func TestRepeatedToolFailuresEscalate(t *testing.T) {
	rig := newRig(t, fakeCfg{},
		`{"type":"tool","tool":"broken_tool","args":{}}`,
		`{"type":"tool","tool":"broken_tool","args":{}}`,
		"I could not finish: the external service keeps timing out.", // blocker report
	)
	rig.registry.Register(&skills.Skill{
		Name:        "broken_tool",
		Description: "always fails",
		Handler: func(ctx context.Context, args skills.Args) (string, error) {
			return "", context.DeadlineExceeded
		},
	})

	scope := rig.memory.ResolveScope("gateway", "gateway", "u3")
	a := leaseAction(t, rig, "Fetch the report", map[string]interface{}{
		"sessionScopeId": scope, "source": "gateway", "userId": "u3",
	})

	if err := rig.loop.RunAction(context.Background(), a); err != nil {
		t.Fatalf("RunAction: %v", err)
	}

	got, _ := rig.queue.Get(a.ID)
	if got.Status != queue.StatusCompleted {
		t.Fatalf("status = %s, want completed (with escalation)", got.Status)
	}
	if !strings.Contains(got.StatusNote, "completed-with-escalation") {
		t.Errorf("note = %q", got.StatusNote)
	}

	// The blocker report reached the user.
	rig.outbound.mu.Lock()
	defer rig.outbound.mu.Unlock()
	if len(rig.outbound.sends) != 1 || !strings.Contains(rig.outbound.sends[0], "could not finish") {
		t.Errorf("sends = %v", rig.outbound.sends)
	}
}

func TestContextCancelReleasesLease(t *testing.T) {
	rig := newRig(t, fakeCfg{})
	a := leaseAction(t, rig, "Interrupted work", map[string]interface{}{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := rig.loop.RunAction(ctx, a); err == nil {
		t.Fatal("expected context error")
	}

	got, _ := rig.queue.Get(a.ID)
	if got.Status != queue.StatusPending {
		t.Errorf("status = %s, want pending after cancel", got.Status)
	}
}
