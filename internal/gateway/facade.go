// Package gateway exposes the core's operations to an external
// transport. The transport itself (REST, WebSocket) lives outside this
// repo; it dispatches protocol method names against the Facade.
package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/fredabila/orcbot-sub005/internal/bus"
	"github.com/fredabila/orcbot-sub005/internal/memory"
	"github.com/fredabila/orcbot-sub005/internal/queue"
	"github.com/fredabila/orcbot-sub005/internal/skills"
	"github.com/fredabila/orcbot-sub005/pkg/protocol"
)

// LoopController starts and stops the scheduler's run loop.
type LoopController interface {
	StartLoop() error
	StopLoop() error
}

// ConfigStore is the config surface the gateway exposes.
type ConfigStore interface {
	Get(key string) string
	Set(key, value string) error
	IsSecret(key string) bool
}

// Facade is the transport-free gateway core.
type Facade struct {
	queue      *queue.Queue
	registry   *skills.Registry
	memory     *memory.Manager
	config     ConfigStore
	dispatcher *bus.Dispatcher
	loop       LoopController
	logger     *slog.Logger
}

type Options struct {
	Queue      *queue.Queue
	Registry   *skills.Registry
	Memory     *memory.Manager
	Config     ConfigStore
	Dispatcher *bus.Dispatcher
	Loop       LoopController
	Logger     *slog.Logger
}

func New(opts Options) *Facade {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Facade{
		queue:      opts.Queue,
		registry:   opts.Registry,
		memory:     opts.Memory,
		config:     opts.Config,
		dispatcher: opts.Dispatcher,
		loop:       opts.Loop,
		logger:     opts.Logger,
	}
}

// Call dispatches a protocol method by name. Transports funnel all
// requests through here.
func (f *Facade) Call(ctx context.Context, method string, params map[string]interface{}) (interface{}, error) {
	str := func(key string) string {
		s, _ := params[key].(string)
		return s
	}
	num := func(key string, def int) int {
		switch v := params[key].(type) {
		case float64:
			return int(v)
		case int:
			return v
		}
		return def
	}

	switch method {
	case protocol.MethodTaskPush:
		payload, _ := params["payload"].(map[string]interface{})
		return f.PushTask(str("description"), num("priority", 5), payload)
	case protocol.MethodActionsList:
		return f.ListActions(str("status")), nil
	case protocol.MethodActionsGet:
		return f.GetAction(str("id"))
	case protocol.MethodActionsCancel:
		return nil, f.CancelAction(str("id"), str("reason"))
	case protocol.MethodActionsClear:
		return nil, f.ClearActions(str("reason"))
	case protocol.MethodSkillsList:
		return f.ListSkills(), nil
	case protocol.MethodSkillsExecute:
		args, _ := params["args"].(map[string]interface{})
		return f.ExecuteSkill(ctx, str("name"), args)
	case protocol.MethodSkillsHealth:
		return f.registry.CheckHealth(), nil
	case protocol.MethodMemoryRecent:
		return f.MemoryRecent(num("limit", 20)), nil
	case protocol.MethodMemorySearch:
		return f.MemorySearch(str("query"), num("limit", 10)), nil
	case protocol.MethodConfigGet:
		return f.ConfigGet(str("key"))
	case protocol.MethodConfigSet:
		return nil, f.ConfigSet(str("key"), str("value"))
	case protocol.MethodLoopStart:
		return nil, f.loop.StartLoop()
	case protocol.MethodLoopStop:
		return nil, f.loop.StopLoop()
	case protocol.MethodChatSend:
		return f.ChatSend(str("userId"), str("content"), str("messageId"))
	case protocol.MethodChatHistory:
		return f.ChatHistory(str("userId"), num("limit", 50)), nil
	case protocol.MethodHealth:
		return f.Health(ctx), nil
	}
	return nil, fmt.Errorf("gateway: unknown method %q", method)
}

func (f *Facade) PushTask(description string, priority int, payload map[string]interface{}) (string, error) {
	if strings.TrimSpace(description) == "" {
		return "", fmt.Errorf("task.push: description is required")
	}
	if payload == nil {
		payload = map[string]interface{}{}
	}
	if _, ok := payload["origin"]; !ok {
		payload["origin"] = "gateway"
	}
	return f.queue.Push(description, priority, payload)
}

// ListActions filters by status when one is given.
func (f *Facade) ListActions(status string) []*queue.Action {
	all := f.queue.List()
	if status == "" {
		return all
	}
	var out []*queue.Action
	for _, a := range all {
		if string(a.Status) == status {
			out = append(out, a)
		}
	}
	return out
}

func (f *Facade) GetAction(id string) (*queue.Action, error) {
	return f.queue.Get(id)
}

func (f *Facade) CancelAction(id, reason string) error {
	if reason == "" {
		reason = "cancelled via gateway"
	}
	return f.queue.Cancel(id, reason)
}

func (f *Facade) ClearActions(reason string) error {
	if reason == "" {
		reason = "cleared via gateway"
	}
	return f.queue.Clear(reason)
}

// SkillInfo is the listing shape for transports.
type SkillInfo struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Usage       string `json:"usage,omitempty"`
	Source      string `json:"source"`
}

func (f *Facade) ListSkills() []SkillInfo {
	var out []SkillInfo
	for _, s := range f.registry.List() {
		out = append(out, SkillInfo{
			Name:        s.Name,
			Description: s.Description,
			Usage:       s.Usage,
			Source:      s.Source,
		})
	}
	return out
}

func (f *Facade) ExecuteSkill(ctx context.Context, name string, args map[string]interface{}) (string, error) {
	if name == "" {
		return "", fmt.Errorf("skills.execute: name is required")
	}
	return f.registry.Execute(ctx, name, skills.Args(args))
}

func (f *Facade) MemoryRecent(limit int) []*memory.Entry {
	return f.memory.Recent(limit)
}

func (f *Facade) MemorySearch(query string, limit int) []*memory.Entry {
	return f.memory.SemanticSearch(query, limit)
}

// ConfigGet masks secret values; the gateway never leaks credentials
// to a transport.
func (f *Facade) ConfigGet(key string) (string, error) {
	if key == "" {
		return "", fmt.Errorf("config.get: key is required")
	}
	v := f.config.Get(key)
	if v != "" && f.config.IsSecret(key) {
		return "***", nil
	}
	return v, nil
}

func (f *Facade) ConfigSet(key, value string) error {
	if key == "" {
		return fmt.Errorf("config.set: key is required")
	}
	return f.config.Set(key, value)
}

// ChatSend injects a gateway chat message as a regular inbound event.
func (f *Facade) ChatSend(userID, content, messageID string) (string, error) {
	return f.dispatcher.Dispatch(bus.InboundMessage{
		Source:    "gateway",
		SourceID:  "gateway",
		UserID:    userID,
		Content:   content,
		MessageID: messageID,
	})
}

// ChatHistory reads the gateway channel's scope from memory, oldest
// first.
func (f *Facade) ChatHistory(userID string, limit int) []*memory.Entry {
	scope := memory.ResolveScope("gateway", "gateway", userID)
	return f.memory.ByScope(scope, limit)
}

// HealthStatus is the health check result.
type HealthStatus struct {
	OK     bool              `json:"ok"`
	Queue  queue.Counts      `json:"queue"`
	Skills map[string]int    `json:"skills"`
	Issues []string          `json:"issues,omitempty"`
	Config map[string]string `json:"config,omitempty"`
}

func (f *Facade) Health(ctx context.Context) HealthStatus {
	report := f.registry.CheckHealth()
	return HealthStatus{
		OK:     len(report.Issues) == 0,
		Queue:  f.queue.GetCounts(),
		Skills: map[string]int{"healthy": len(report.Healthy), "issues": len(report.Issues)},
		Issues: report.Issues,
	}
}
