package orchestrator

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/fredabila/orcbot-sub005/internal/bus"
	"github.com/fredabila/orcbot-sub005/internal/memory"
	"github.com/fredabila/orcbot-sub005/internal/queue"
	"github.com/fredabila/orcbot-sub005/pkg/protocol"
)

func newOrchestrator(t *testing.T) (*Orchestrator, *queue.Queue, *memory.Manager) {
	t.Helper()
	dir := t.TempDir()
	q, err := queue.New(queue.Options{Path: filepath.Join(dir, "actions.json")})
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
	return New(Options{Queue: q, Memory: mem}), q, mem
}

func TestSpawnListTerminate(t *testing.T) {
	o, _, _ := newOrchestrator(t)

	id1, err := o.Spawn("scout", "research")
	if err != nil {
		t.Fatal(err)
	}
	id2, err := o.Spawn("scribe", "writing")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := o.Spawn("", "nameless"); err == nil {
		t.Error("spawn with empty name should fail")
	}

	agents := o.List()
	if len(agents) != 2 || agents[0].ID != id1 || agents[1].ID != id2 {
		t.Fatalf("List = %v", agents)
	}
	if !strings.Contains(o.ListText(), "scout") || !strings.Contains(o.ListText(), "role=writing") {
		t.Errorf("ListText = %q", o.ListText())
	}

	if err := o.Terminate(id1); err != nil {
		t.Fatal(err)
	}
	if got := o.List()[0].Status; got != StatusTerminated {
		t.Errorf("status after terminate = %s", got)
	}
	if err := o.Terminate("nope"); err == nil {
		t.Error("terminating unknown agent should fail")
	}
}

func TestDelegateRecordsLinkage(t *testing.T) {
	o, q, _ := newOrchestrator(t)
	events := bus.New()
	o.events = events
	var delegated []bus.Event
	events.Subscribe("test", func(e bus.Event) {
		if e.Name == protocol.EventTaskDelegated {
			delegated = append(delegated, e)
		}
	})
	agentID, _ := o.Spawn("scout", "research")

	parentID, err := q.Push("plan the trip", 5, nil)
	if err != nil {
		t.Fatal(err)
	}

	taskID, err := o.DelegateFrom(parentID, agentID, "find flight options", 4)
	if err != nil {
		t.Fatal(err)
	}

	task, err := q.Get(taskID)
	if err != nil {
		t.Fatal(err)
	}
	if got, _ := task.Payload["subAgentId"].(string); got != agentID {
		t.Errorf("subAgentId = %q, want %q", got, agentID)
	}
	if got, _ := task.Payload["parentActionId"].(string); got != parentID {
		t.Errorf("parentActionId = %q, want %q", got, parentID)
	}
	if got := o.List()[0]; got.Status != StatusBusy || got.Assigned != 1 {
		t.Errorf("agent after delegate = %+v", got)
	}

	if len(delegated) != 1 {
		t.Fatalf("delegation events = %d, want 1", len(delegated))
	}
	if p, _ := delegated[0].Payload.(map[string]string); p["actionId"] != taskID || p["parentId"] != parentID {
		t.Errorf("delegation event payload = %v", delegated[0].Payload)
	}

	if _, err := o.Delegate("missing-agent", "anything", 3); err == nil {
		t.Error("delegating to unknown agent should fail")
	}
}

func TestDistributeRoundRobin(t *testing.T) {
	o, q, _ := newOrchestrator(t)
	a1, _ := o.Spawn("one", "worker")
	a2, _ := o.Spawn("two", "worker")

	var tasks []string
	for i := 0; i < 3; i++ {
		id, err := o.Delegate("", "chunk of work", 5)
		if err != nil {
			t.Fatal(err)
		}
		tasks = append(tasks, id)
	}
	// A non-delegated action must not be touched.
	plainID, _ := q.Push("unrelated", 5, nil)

	if got := o.Distribute(); got != 3 {
		t.Fatalf("Distribute = %d, want 3", got)
	}

	owners := make(map[string]int)
	for _, id := range tasks {
		task, _ := q.Get(id)
		owner, _ := task.Payload["subAgentId"].(string)
		owners[owner]++
	}
	if owners[a1]+owners[a2] != 3 || owners[a1] == 0 || owners[a2] == 0 {
		t.Errorf("distribution = %v", owners)
	}

	plain, _ := q.Get(plainID)
	if _, assigned := plain.Payload["subAgentId"]; assigned {
		t.Error("non-delegated action was assigned an agent")
	}

	// Nothing left to assign.
	if got := o.Distribute(); got != 0 {
		t.Errorf("second Distribute = %d, want 0", got)
	}
}

func TestSendAndBroadcast(t *testing.T) {
	o, _, mem := newOrchestrator(t)
	a1, _ := o.Spawn("one", "worker")
	a2, _ := o.Spawn("two", "worker")

	if err := o.Send(a1, "focus on hotels first"); err != nil {
		t.Fatal(err)
	}
	entries := mem.ByScope(agentScope(a1), 10)
	if len(entries) != 1 || !strings.Contains(entries[0].Content, "focus on hotels first") {
		t.Fatalf("agent scope entries = %v", entries)
	}
	if entries[0].Meta["role"] != "system" {
		t.Errorf("message role = %q, want system", entries[0].Meta["role"])
	}

	if err := o.Broadcast("new priority: the friday deadline"); err != nil {
		t.Fatal(err)
	}
	for _, id := range []string{a1, a2} {
		found := false
		for _, e := range mem.ByScope(agentScope(id), 10) {
			if strings.Contains(e.Content, "friday deadline") {
				found = true
			}
		}
		if !found {
			t.Errorf("broadcast missing for agent %s", id)
		}
	}

	o.Terminate(a2)
	if err := o.Send(a2, "anything"); err == nil {
		t.Error("send to terminated agent should fail")
	}
}

func TestCompleteAndFailPropagateToParent(t *testing.T) {
	o, q, _ := newOrchestrator(t)
	agentID, _ := o.Spawn("scout", "research")

	parentID, _ := q.Push("plan the trip", 5, nil)
	okTask, _ := o.DelegateFrom(parentID, agentID, "find flights", 4)
	badTask, _ := o.DelegateFrom(parentID, agentID, "find hotels", 4)

	if err := o.Complete(okTask, "three options found"); err != nil {
		t.Fatal(err)
	}
	if err := o.Fail(badTask, "hotel API unreachable"); err != nil {
		t.Fatal(err)
	}

	done, _ := q.Get(okTask)
	if done.Status != queue.StatusCompleted {
		t.Errorf("completed task status = %s", done.Status)
	}
	failed, _ := q.Get(badTask)
	if failed.Status != queue.StatusFailed {
		t.Errorf("failed task status = %s", failed.Status)
	}

	parent, _ := q.Get(parentID)
	if res, _ := parent.Payload["delegationResult"].(string); !strings.Contains(res, "three options found") {
		t.Errorf("delegationResult = %q", res)
	}
	if res, _ := parent.Payload["delegationError"].(string); !strings.Contains(res, "hotel API unreachable") {
		t.Errorf("delegationError = %q", res)
	}
	if got := o.List()[0].Status; got != StatusIdle {
		t.Errorf("agent status after settle = %s", got)
	}
}

func TestTerminateCancelsDelegatedWork(t *testing.T) {
	o, q, _ := newOrchestrator(t)
	agentID, _ := o.Spawn("scout", "research")
	taskID, _ := o.Delegate(agentID, "long research task", 4)

	if err := o.Terminate(agentID); err != nil {
		t.Fatal(err)
	}
	task, _ := q.Get(taskID)
	if task.Status != queue.StatusCancelled {
		t.Errorf("delegated task status = %s, want cancelled", task.Status)
	}
}
