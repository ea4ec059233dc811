package gateway

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/fredabila/orcbot-sub005/internal/bus"
	"github.com/fredabila/orcbot-sub005/internal/memory"
	"github.com/fredabila/orcbot-sub005/internal/queue"
	"github.com/fredabila/orcbot-sub005/internal/skills"
	"github.com/fredabila/orcbot-sub005/pkg/protocol"
)

type fakeConfig map[string]string

func (c fakeConfig) Get(key string) string        { return c[key] }
func (c fakeConfig) Set(key, value string) error  { c[key] = value; return nil }
func (c fakeConfig) IsSecret(key string) bool     { return key == "anthropicApiKey" }
func (c fakeConfig) GetBool(key string, def bool) bool { return def }

func (c fakeConfig) GetDuration(key string, def time.Duration) time.Duration { return def }

type fakeLoop struct{ started, stopped int }

func (l *fakeLoop) StartLoop() error { l.started++; return nil }
func (l *fakeLoop) StopLoop() error  { l.stopped++; return nil }

func newFacade(t *testing.T) (*Facade, *fakeLoop) {
	t.Helper()
	dir := t.TempDir()
	b := bus.New()

	q, err := queue.New(queue.Options{Path: filepath.Join(dir, "actions.json"), Events: b})
	if err != nil {
		t.Fatal(err)
	}
	mem, err := memory.NewManager(memory.Options{
		Path:        filepath.Join(dir, "memory.json"),
		JournalPath: filepath.Join(dir, "journal.log"),
		LearnPath:   filepath.Join(dir, "learning.log"),
	})
	if err != nil {
		t.Fatal(err)
	}

	reg := skills.NewRegistry(skills.Options{})
	if err := reg.Register(&skills.Skill{
		Name:        "echo",
		Description: "repeat the input",
		Source:      "builtin",
		Handler: func(ctx context.Context, args skills.Args) (string, error) {
			return args.String("text"), nil
		},
	}); err != nil {
		t.Fatal(err)
	}

	cfg := fakeConfig{"agentName": "orcbot", "anthropicApiKey": "sk-secret"}
	loop := &fakeLoop{}
	f := New(Options{
		Queue:      q,
		Registry:   reg,
		Memory:     mem,
		Config:     cfg,
		Dispatcher: bus.NewDispatcher(cfg, mem, q, b),
		Loop:       loop,
	})
	return f, loop
}

func TestCallDispatchesTaskLifecycle(t *testing.T) {
	f, _ := newFacade(t)
	ctx := context.Background()

	res, err := f.Call(ctx, protocol.MethodTaskPush, map[string]interface{}{
		"description": "water the plants",
		"priority":    float64(7),
	})
	if err != nil {
		t.Fatal(err)
	}
	id, ok := res.(string)
	if !ok || id == "" {
		t.Fatalf("task.push returned %v", res)
	}

	res, err = f.Call(ctx, protocol.MethodActionsGet, map[string]interface{}{"id": id})
	if err != nil {
		t.Fatal(err)
	}
	act := res.(*queue.Action)
	if act.Priority != 7 || act.Payload["origin"] != "gateway" {
		t.Errorf("pushed action = %+v", act)
	}

	if _, err := f.Call(ctx, protocol.MethodActionsCancel, map[string]interface{}{"id": id}); err != nil {
		t.Fatal(err)
	}
	act, _ = f.GetAction(id)
	if act.Status != queue.StatusCancelled {
		t.Errorf("status after cancel = %s", act.Status)
	}

	if got := f.ListActions("cancelled"); len(got) != 1 {
		t.Errorf("ListActions(cancelled) = %d entries", len(got))
	}
	if got := f.ListActions("pending"); len(got) != 0 {
		t.Errorf("ListActions(pending) = %d entries", len(got))
	}
}

func TestPushTaskRequiresDescription(t *testing.T) {
	f, _ := newFacade(t)
	if _, err := f.PushTask("   ", 5, nil); err == nil {
		t.Fatal("expected an error for a blank description")
	}
}

func TestSkillsListAndExecute(t *testing.T) {
	f, _ := newFacade(t)
	ctx := context.Background()

	list := f.ListSkills()
	if len(list) != 1 || list[0].Name != "echo" {
		t.Fatalf("ListSkills = %v", list)
	}

	res, err := f.Call(ctx, protocol.MethodSkillsExecute, map[string]interface{}{
		"name": "echo",
		"args": map[string]interface{}{"text": "hello"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if res != "hello" {
		t.Errorf("skills.execute = %v", res)
	}

	if _, err := f.ExecuteSkill(ctx, "", nil); err == nil {
		t.Error("executing an unnamed skill should fail")
	}
}

func TestConfigGetMasksSecrets(t *testing.T) {
	f, _ := newFacade(t)

	got, err := f.ConfigGet("anthropicApiKey")
	if err != nil {
		t.Fatal(err)
	}
	if got != "***" {
		t.Errorf("secret value = %q, want masked", got)
	}

	got, _ = f.ConfigGet("agentName")
	if got != "orcbot" {
		t.Errorf("agentName = %q", got)
	}

	if err := f.ConfigSet("heartbeatCron", "0 * * * *"); err != nil {
		t.Fatal(err)
	}
	if v, _ := f.ConfigGet("heartbeatCron"); v != "0 * * * *" {
		t.Errorf("set/get roundtrip = %q", v)
	}
}

func TestLoopControl(t *testing.T) {
	f, loop := newFacade(t)
	ctx := context.Background()

	if _, err := f.Call(ctx, protocol.MethodLoopStart, nil); err != nil {
		t.Fatal(err)
	}
	if _, err := f.Call(ctx, protocol.MethodLoopStop, nil); err != nil {
		t.Fatal(err)
	}
	if loop.started != 1 || loop.stopped != 1 {
		t.Errorf("loop calls = %d/%d", loop.started, loop.stopped)
	}
}

func TestChatSendFeedsHistory(t *testing.T) {
	f, _ := newFacade(t)
	ctx := context.Background()

	res, err := f.Call(ctx, protocol.MethodChatSend, map[string]interface{}{
		"userId":    "op",
		"content":   "status report please",
		"messageId": "m1",
	})
	if err != nil {
		t.Fatal(err)
	}
	if actionID, _ := res.(string); actionID == "" {
		t.Fatal("chat.send did not enqueue an action")
	}

	history := f.ChatHistory("op", 10)
	if len(history) == 0 {
		t.Fatal("chat history is empty after chat.send")
	}
	found := false
	for _, e := range history {
		if strings.Contains(e.Content, "status report please") {
			found = true
		}
	}
	if !found {
		t.Errorf("history = %v", history)
	}
}

func TestHealthReflectsSkillIssues(t *testing.T) {
	f, _ := newFacade(t)

	h := f.Health(context.Background())
	if !h.OK {
		t.Errorf("Health not OK with healthy skills: %+v", h)
	}
	if h.Skills["healthy"] != 1 {
		t.Errorf("healthy skills = %d", h.Skills["healthy"])
	}
}

func TestCallUnknownMethod(t *testing.T) {
	f, _ := newFacade(t)
	if _, err := f.Call(context.Background(), "nope.nope", nil); err == nil {
		t.Fatal("unknown method should error")
	}
}
