// Package orchestrator manages named sub-agent instances and the
// delegation of queue actions to them.
package orchestrator

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fredabila/orcbot-sub005/internal/bus"
	"github.com/fredabila/orcbot-sub005/internal/memory"
	"github.com/fredabila/orcbot-sub005/internal/queue"
	"github.com/fredabila/orcbot-sub005/pkg/protocol"
)

// Sub-agent status constants.
const (
	StatusIdle       = "idle"
	StatusBusy       = "busy"
	StatusTerminated = "terminated"
)

// SubAgent is one named, role-tagged agent instance.
type SubAgent struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Role      string    `json:"role"`
	Caps      []string  `json:"caps,omitempty"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"createdAt"`
	Assigned  int       `json:"assigned"` // delegations handed to this agent
}

// Orchestrator tracks sub-agents and routes delegated work through the
// action queue. Sub-agent messaging is memory-mediated: each agent has
// a scope that its reasoning steps read.
type Orchestrator struct {
	queue  *queue.Queue
	memory *memory.Manager
	events bus.Publisher
	logger *slog.Logger

	mu         sync.RWMutex
	agents     map[string]*SubAgent
	order      []string // spawn order, for round-robin distribution
	nextAssign int
}

type Options struct {
	Queue  *queue.Queue
	Memory *memory.Manager
	Events bus.Publisher
	Logger *slog.Logger
}

func New(opts Options) *Orchestrator {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Orchestrator{
		queue:  opts.Queue,
		memory: opts.Memory,
		events: opts.Events,
		logger: opts.Logger,
		agents: make(map[string]*SubAgent),
	}
}

// agentScope is the memory scope a sub-agent reads its messages from.
func agentScope(id string) string { return "agent:" + id }

// Spawn registers a new sub-agent and returns its id.
func (o *Orchestrator) Spawn(name, role string) (string, error) {
	return o.SpawnWithCaps(name, role, nil)
}

func (o *Orchestrator) SpawnWithCaps(name, role string, caps []string) (string, error) {
	if strings.TrimSpace(name) == "" {
		return "", fmt.Errorf("spawn: name is required")
	}
	a := &SubAgent{
		ID:        uuid.NewString(),
		Name:      name,
		Role:      role,
		Caps:      caps,
		Status:    StatusIdle,
		CreatedAt: time.Now(),
	}
	o.mu.Lock()
	o.agents[a.ID] = a
	o.order = append(o.order, a.ID)
	o.mu.Unlock()

	o.logger.Info("sub-agent spawned", "id", a.ID, "name", name, "role", role)
	return a.ID, nil
}

// List returns all sub-agents, spawn order preserved.
func (o *Orchestrator) List() []*SubAgent {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make([]*SubAgent, 0, len(o.order))
	for _, id := range o.order {
		if a := o.agents[id]; a != nil {
			cp := *a
			out = append(out, &cp)
		}
	}
	return out
}

// ListText renders the roster for a prompt surface.
func (o *Orchestrator) ListText() string {
	agents := o.List()
	if len(agents) == 0 {
		return "no sub-agents"
	}
	var b strings.Builder
	for _, a := range agents {
		fmt.Fprintf(&b, "%s (%s, role=%s, status=%s, assigned=%d)\n",
			a.Name, a.ID, a.Role, a.Status, a.Assigned)
	}
	return strings.TrimRight(b.String(), "\n")
}

// Terminate marks a sub-agent terminated and cancels its open work.
func (o *Orchestrator) Terminate(id string) error {
	o.mu.Lock()
	a, ok := o.agents[id]
	if ok {
		a.Status = StatusTerminated
	}
	o.mu.Unlock()
	if !ok {
		return fmt.Errorf("terminate: unknown sub-agent %q", id)
	}

	for _, act := range o.queue.List() {
		if act.Status.Terminal() {
			continue
		}
		if owner, _ := act.Payload["subAgentId"].(string); owner == id {
			if err := o.queue.Cancel(act.ID, "sub-agent terminated"); err != nil {
				o.logger.Warn("failed to cancel delegated action", "action", act.ID, "error", err)
			}
		}
	}
	o.logger.Info("sub-agent terminated", "id", id, "name", a.Name)
	return nil
}

// Delegate pushes a delegated action. An empty targetID leaves the task
// unassigned until Distribute picks an agent for it.
func (o *Orchestrator) Delegate(targetID, description string, priority int) (string, error) {
	return o.DelegateFrom("", targetID, description, priority)
}

// DelegateFrom records the delegating parent action so the loop and
// guard can follow the chain.
func (o *Orchestrator) DelegateFrom(parentActionID, targetID, description string, priority int) (string, error) {
	if strings.TrimSpace(description) == "" {
		return "", fmt.Errorf("delegate: description is required")
	}
	payload := map[string]interface{}{"origin": "delegation"}
	if parentActionID != "" {
		payload["parentActionId"] = parentActionID
	}

	if targetID != "" {
		o.mu.Lock()
		a, ok := o.agents[targetID]
		switch {
		case !ok:
			o.mu.Unlock()
			return "", fmt.Errorf("delegate: unknown sub-agent %q", targetID)
		case a.Status == StatusTerminated:
			o.mu.Unlock()
			return "", fmt.Errorf("delegate: sub-agent %q is terminated", targetID)
		}
		a.Assigned++
		a.Status = StatusBusy
		payload["subAgentId"] = targetID
		payload["subAgentRole"] = a.Role
		o.mu.Unlock()
	}

	id, err := o.queue.Push(description, priority, payload)
	if err != nil {
		return "", fmt.Errorf("delegate: %w", err)
	}
	if o.events != nil {
		o.events.Publish(protocol.EventTaskDelegated, map[string]string{
			"actionId":   id,
			"subAgentId": targetID,
			"parentId":   parentActionID,
		})
	}
	o.logger.Info("task delegated", "action", id, "target", targetID, "parent", parentActionID)
	return id, nil
}

// Distribute assigns every unassigned delegated task to a live agent,
// round-robin over spawn order. Returns the number assigned.
func (o *Orchestrator) Distribute() int {
	live := o.liveIDs()
	if len(live) == 0 {
		return 0
	}

	assigned := 0
	for _, act := range o.queue.List() {
		if act.Status.Terminal() {
			continue
		}
		if origin, _ := act.Payload["origin"].(string); origin != "delegation" {
			continue
		}
		if owner, _ := act.Payload["subAgentId"].(string); owner != "" {
			continue
		}

		o.mu.Lock()
		target := live[o.nextAssign%len(live)]
		o.nextAssign++
		if a := o.agents[target]; a != nil {
			a.Assigned++
			a.Status = StatusBusy
		}
		o.mu.Unlock()

		if err := o.queue.UpdatePayload(act.ID, map[string]interface{}{
			"subAgentId": target,
		}); err != nil {
			o.logger.Warn("failed to assign delegated action", "action", act.ID, "error", err)
			continue
		}
		assigned++
	}
	return assigned
}

func (o *Orchestrator) liveIDs() []string {
	o.mu.RLock()
	defer o.mu.RUnlock()
	var live []string
	for _, id := range o.order {
		if a := o.agents[id]; a != nil && a.Status != StatusTerminated {
			live = append(live, id)
		}
	}
	return live
}

// Send drops a message into a sub-agent's scope.
func (o *Orchestrator) Send(id, text string) error {
	return o.SendTyped(id, text, "instruction")
}

func (o *Orchestrator) SendTyped(id, text, msgType string) error {
	o.mu.RLock()
	a, ok := o.agents[id]
	o.mu.RUnlock()
	if !ok {
		return fmt.Errorf("send: unknown sub-agent %q", id)
	}
	if a.Status == StatusTerminated {
		return fmt.Errorf("send: sub-agent %q is terminated", id)
	}
	return o.memory.SaveShort(agentScope(id), "[orchestrator] "+text, map[string]string{
		"role":    "system",
		"origin":  "orchestrator",
		"msgType": msgType,
	})
}

// Broadcast sends a message to every live sub-agent.
func (o *Orchestrator) Broadcast(text string) error {
	var errs []string
	for _, id := range o.liveIDs() {
		if err := o.SendTyped(id, text, "broadcast"); err != nil {
			errs = append(errs, err.Error())
		}
	}
	if len(errs) > 0 {
		sort.Strings(errs)
		return fmt.Errorf("broadcast: %s", strings.Join(errs, "; "))
	}
	return nil
}

// Complete marks a delegated action completed and propagates the result
// to the parent action's payload.
func (o *Orchestrator) Complete(taskID, result string) error {
	note := "delegation completed"
	if result != "" {
		note = result
	}
	if err := o.queue.UpdateStatus(taskID, queue.StatusCompleted, note); err != nil {
		return fmt.Errorf("complete %s: %w", taskID, err)
	}
	o.settle(taskID, "delegationResult", note)
	return nil
}

// Fail marks a delegated action failed and propagates the error to the
// parent action's payload.
func (o *Orchestrator) Fail(taskID, errText string) error {
	if errText == "" {
		errText = "delegation failed"
	}
	if err := o.queue.UpdateStatus(taskID, queue.StatusFailed, errText); err != nil {
		return fmt.Errorf("fail %s: %w", taskID, err)
	}
	o.settle(taskID, "delegationError", errText)
	return nil
}

// settle releases the owning agent and annotates the parent action.
func (o *Orchestrator) settle(taskID, key, note string) {
	act, err := o.queue.Get(taskID)
	if err != nil {
		return
	}

	if owner, _ := act.Payload["subAgentId"].(string); owner != "" {
		o.mu.Lock()
		if a := o.agents[owner]; a != nil && a.Status == StatusBusy {
			a.Status = StatusIdle
		}
		o.mu.Unlock()
	}

	parentID, _ := act.Payload["parentActionId"].(string)
	if parentID == "" {
		return
	}
	if err := o.queue.UpdatePayload(parentID, map[string]interface{}{
		key: fmt.Sprintf("[%s] %s", taskID, note),
	}); err != nil {
		o.logger.Warn("failed to annotate parent action", "parent", parentID, "error", err)
	}
}
