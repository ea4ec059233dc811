package skills

import (
	"context"
	"log/slog"
	"time"
)

// Args carries the decoded arguments for one skill invocation.
type Args map[string]interface{}

// String returns the named argument as a string, or "" when absent.
func (a Args) String(key string) string {
	if v, ok := a[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

// Int returns the named argument as an int, or def when absent.
func (a Args) Int(key string, def int) int {
	switch v := a[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return def
}

// Handler executes one skill call and returns a textual observation.
type Handler func(ctx context.Context, args Args) (string, error)

// Skill is one callable capability surfaced to the model.
type Skill struct {
	Name        string
	Description string
	Usage       string
	Source      string // builtin, plugin, package
	SourceURL   string
	File        string // plugin manifest path, when Source == plugin
	Handler     Handler
}

// Execution outcome book-keeping used by health checks.
type skillHealth struct {
	LastError string
	LastRun   time.Time
	Failures  int
	Runs      int
}

// ConfigReader is the slice of the config store skills need.
type ConfigReader interface {
	Get(key string) string
	GetBool(key string, def bool) bool
	GetDuration(key string, def time.Duration) time.Duration
}

// MemoryOps is the slice of the memory manager exposed to builtins.
type MemoryOps interface {
	SaveShort(scopeID, content string, meta map[string]string) error
	SemanticSearchText(query string, limit int) []string
	AppendJournal(text string) error
	AppendLearning(text string) error
	JournalTail(n int) string
	LearningTail(n int) string
}

// QueueOps is the slice of the action queue exposed to builtins.
type QueueOps interface {
	Push(description string, priority int, payload map[string]interface{}) (string, error)
	Cancel(id, reason string) error
	CountsText() string
}

// OrchestratorOps is the slice of the orchestrator exposed to builtins.
type OrchestratorOps interface {
	Spawn(name, role string) (string, error)
	Delegate(subAgentID, task string, priority int) (string, error)
	Send(subAgentID, text string) error
	Broadcast(text string) error
	ListText() string
	Terminate(subAgentID string) error
	Complete(taskID, result string) error
	Fail(taskID, errText string) error
}

// BrowserOps is the slice of the browser capability exposed to builtins.
type BrowserOps interface {
	Navigate(ctx context.Context, url string) (string, error)
	Status() string
}

// OutboundSender delivers a direct response back over a channel.
type OutboundSender interface {
	Send(ctx context.Context, source, sourceID, text string) error
}

// Caps bundles the capabilities handed to builtin skills. Nil fields
// disable the corresponding skill family at registration time.
type Caps struct {
	Logger       *slog.Logger
	Config       ConfigReader
	Memory       MemoryOps
	Queue        QueueOps
	Orchestrator OrchestratorOps
	Browser      BrowserOps
	Outbound     OutboundSender
}
