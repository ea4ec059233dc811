package state

import (
	"encoding/json"
	"os"
	"sync"
	"time"
)

// TokenUsage is the accumulated LLM token summary persisted across runs.
type TokenUsage struct {
	PromptTokens     int64     `json:"promptTokens"`
	CompletionTokens int64     `json:"completionTokens"`
	Calls            int64     `json:"calls"`
	Updated          time.Time `json:"updated"`
}

// TokenTracker accumulates usage and flushes it to the token usage file.
type TokenTracker struct {
	mu    sync.Mutex
	path  string
	usage TokenUsage
}

func NewTokenTracker(h *Home) *TokenTracker {
	t := &TokenTracker{path: h.TokenUsageFile()}
	if data, err := os.ReadFile(t.path); err == nil {
		json.Unmarshal(data, &t.usage)
	}
	return t
}

// Record adds one LLM call's usage and persists the summary.
func (t *TokenTracker) Record(prompt, completion int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.usage.PromptTokens += int64(prompt)
	t.usage.CompletionTokens += int64(completion)
	t.usage.Calls++
	t.usage.Updated = time.Now()
	if data, err := json.MarshalIndent(t.usage, "", "  "); err == nil {
		os.WriteFile(t.path, data, 0o644)
	}
}

// Snapshot returns a copy of the current summary.
func (t *TokenTracker) Snapshot() TokenUsage {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.usage
}
