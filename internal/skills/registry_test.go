package skills

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
)

type fakeQueue struct {
	mu     sync.Mutex
	pushes []pushedTask
}

type pushedTask struct {
	Description string
	Priority    int
	Payload     map[string]interface{}
}

func (f *fakeQueue) Push(description string, priority int, payload map[string]interface{}) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pushes = append(f.pushes, pushedTask{description, priority, payload})
	return fmt.Sprintf("task-%d", len(f.pushes)), nil
}

func (f *fakeQueue) Cancel(id, reason string) error { return nil }
func (f *fakeQueue) CountsText() string             { return "pending=0" }

func echoSkill(name string) *Skill {
	return &Skill{
		Name:        name,
		Description: "Echoes its input back.",
		Handler: func(ctx context.Context, args Args) (string, error) {
			return args.String("text"), nil
		},
	}
}

func TestRegisterAndExecute(t *testing.T) {
	r := NewRegistry(Options{})
	if err := r.Register(echoSkill("echo")); err != nil {
		t.Fatalf("Register: %v", err)
	}

	out, err := r.Execute(context.Background(), "echo", Args{"text": "hello"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if out != "hello" {
		t.Errorf("output = %q, want %q", out, "hello")
	}

	if _, err := r.Execute(context.Background(), "nope", nil); !errors.Is(err, ErrUnknownSkill) {
		t.Errorf("unknown skill error = %v, want ErrUnknownSkill", err)
	}
}

func TestDenyListBlocksRegistrationAndExecution(t *testing.T) {
	r := NewRegistry(Options{Deny: []string{"dangerous"}})
	if err := r.Register(echoSkill("dangerous")); !errors.Is(err, ErrSkillDenied) {
		t.Errorf("deny-listed register error = %v, want ErrSkillDenied", err)
	}
}

func TestAllowListAppliesToNonBuiltins(t *testing.T) {
	r := NewRegistry(Options{Allow: []string{"permitted"}})

	builtin := echoSkill("anything")
	builtin.Source = "builtin"
	if err := r.Register(builtin); err != nil {
		t.Errorf("builtin should bypass allow list: %v", err)
	}

	plugin := echoSkill("stranger")
	plugin.Source = "plugin"
	if err := r.Register(plugin); !errors.Is(err, ErrSkillDenied) {
		t.Errorf("off-list plugin error = %v, want ErrSkillDenied", err)
	}

	ok := echoSkill("permitted")
	ok.Source = "plugin"
	if err := r.Register(ok); err != nil {
		t.Errorf("allow-listed plugin should register: %v", err)
	}
}

func TestHealthReflectsLastRun(t *testing.T) {
	r := NewRegistry(Options{})
	fail := true
	r.Register(&Skill{
		Name:        "flaky",
		Description: "Fails on demand.",
		Handler: func(ctx context.Context, args Args) (string, error) {
			if fail {
				return "", errors.New("kaboom")
			}
			return "ok", nil
		},
	})
	r.Register(echoSkill("echo"))
	r.Execute(context.Background(), "echo", Args{"text": "x"})
	r.Execute(context.Background(), "flaky", nil)

	report := r.CheckHealth()
	if len(report.Issues) != 1 || !strings.Contains(report.Issues[0], "kaboom") {
		t.Errorf("issues = %v, want one containing kaboom", report.Issues)
	}
	if len(report.Healthy) != 1 || report.Healthy[0] != "echo" {
		t.Errorf("healthy = %v, want [echo]", report.Healthy)
	}

	// A subsequent success clears the issue.
	fail = false
	r.Execute(context.Background(), "flaky", nil)
	report = r.CheckHealth()
	if len(report.Issues) != 0 {
		t.Errorf("issues after recovery = %v, want none", report.Issues)
	}
}

func TestPromptSurfaceModes(t *testing.T) {
	r := NewRegistry(Options{})
	r.Register(&Skill{
		Name:        "send_email",
		Description: "Send an email. Supports threading.",
		Usage:       `send_email {"to": "...", "text": "..."}`,
		Handler:     func(ctx context.Context, args Args) (string, error) { return "", nil },
	})
	r.Register(&Skill{
		Name:        "browser_navigate",
		Description: "Open a URL in the browser.",
		Handler:     func(ctx context.Context, args Args) (string, error) { return "", nil },
	})

	full := r.PromptSurface(SurfaceFull)
	if !strings.Contains(full, "Usage:") {
		t.Error("full surface should include usage strings")
	}

	compact := r.PromptSurface(SurfaceCompact)
	if strings.Contains(compact, "Usage:") {
		t.Error("compact surface should omit usage strings")
	}
	if !strings.Contains(compact, "Send an email.") || strings.Contains(compact, "threading") {
		t.Errorf("compact surface should keep only the first sentence: %q", compact)
	}

	relevant := r.PromptSurface(SurfaceRelevant, "email")
	if !strings.Contains(relevant, "send_email") {
		t.Error("relevant surface should include the matching skill")
	}
	if strings.Contains(relevant, "browser_navigate") {
		t.Error("relevant surface should exclude non-matching skills")
	}
}

func TestRegisterRejectsMalformedNames(t *testing.T) {
	r := NewRegistry(Options{})
	handler := func(ctx context.Context, args Args) (string, error) { return "", nil }

	bad := []string{
		"Greet",
		"greet tool",
		"greet--tool",
		"-greet",
		"greet-",
		"greet.tool",
		strings.Repeat("a", 65),
	}
	for _, name := range bad {
		if err := r.Register(&Skill{Name: name, Handler: handler}); err == nil {
			t.Errorf("Register(%q) should fail", name)
		}
	}

	good := []string{"greet", "send_email", "browse-page", "self_repair_skill", "tool2"}
	for _, name := range good {
		if err := r.Register(&Skill{Name: name, Handler: handler}); err != nil {
			t.Errorf("Register(%q): %v", name, err)
		}
	}
}

func TestRegisterBuiltinsRespectsNilCaps(t *testing.T) {
	r := NewRegistry(Options{})
	if err := RegisterBuiltins(r, Caps{}); err != nil {
		t.Fatalf("RegisterBuiltins: %v", err)
	}

	if _, ok := r.Get("self_repair_skill"); !ok {
		t.Error("self_repair_skill should always be registered")
	}
	if _, ok := r.Get("send_whatsapp"); ok {
		t.Error("send_* should be absent without an outbound sender")
	}
	if _, ok := r.Get("memory_search"); ok {
		t.Error("memory skills should be absent without memory caps")
	}
}

type fakeOrchestrator struct {
	settled []string
}

func (f *fakeOrchestrator) Spawn(name, role string) (string, error) { return "agent-1", nil }
func (f *fakeOrchestrator) Delegate(subAgentID, task string, priority int) (string, error) {
	return "task-1", nil
}
func (f *fakeOrchestrator) Send(subAgentID, text string) error { return nil }
func (f *fakeOrchestrator) Broadcast(text string) error        { return nil }
func (f *fakeOrchestrator) ListText() string                   { return "no sub-agents" }
func (f *fakeOrchestrator) Terminate(subAgentID string) error  { return nil }
func (f *fakeOrchestrator) Complete(taskID, result string) error {
	f.settled = append(f.settled, "complete:"+taskID+":"+result)
	return nil
}
func (f *fakeOrchestrator) Fail(taskID, errText string) error {
	f.settled = append(f.settled, "fail:"+taskID+":"+errText)
	return nil
}

func TestDelegatedTaskSettlementSkills(t *testing.T) {
	r := NewRegistry(Options{})
	orch := &fakeOrchestrator{}
	if err := RegisterBuiltins(r, Caps{Orchestrator: orch}); err != nil {
		t.Fatalf("RegisterBuiltins: %v", err)
	}

	if _, err := r.Execute(context.Background(), "agent_task_complete", Args{"task": "t1", "result": "report written"}); err != nil {
		t.Fatalf("agent_task_complete: %v", err)
	}
	if _, err := r.Execute(context.Background(), "agent_task_fail", Args{"task": "t2", "error": "no access"}); err != nil {
		t.Fatalf("agent_task_fail: %v", err)
	}

	want := []string{"complete:t1:report written", "fail:t2:no access"}
	if len(orch.settled) != 2 || orch.settled[0] != want[0] || orch.settled[1] != want[1] {
		t.Errorf("settled = %v, want %v", orch.settled, want)
	}
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

func TestSendFamilyRoutesThroughOutbound(t *testing.T) {
	r := NewRegistry(Options{})
	out := &fakeOutbound{}
	if err := RegisterBuiltins(r, Caps{Outbound: out}); err != nil {
		t.Fatalf("RegisterBuiltins: %v", err)
	}

	for _, ch := range sendChannels {
		if _, err := r.Execute(context.Background(), "send_"+ch, Args{"text": "hi"}); err != nil {
			t.Errorf("send_%s: %v", ch, err)
		}
	}
	if len(out.sends) != len(sendChannels) {
		t.Errorf("sends = %d, want %d", len(out.sends), len(sendChannels))
	}

	if _, err := r.Execute(context.Background(), "send_whatsapp", Args{}); err == nil {
		t.Error("send without text should fail")
	}
}
