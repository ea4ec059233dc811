package agent

import (
	"context"
	"fmt"
	"strings"

	"github.com/fredabila/orcbot-sub005/internal/providers"
)

// Summarizer condenses a batch of short memories into one episodic
// summary using the loop's provider. It satisfies memory.Summarizer.
type Summarizer struct {
	provider providers.Provider
	model    string
}

func NewSummarizer(provider providers.Provider, model string) *Summarizer {
	return &Summarizer{provider: provider, model: model}
}

func (s *Summarizer) Summarize(ctx context.Context, scopeID string, contents []string) (string, error) {
	resp, err := s.provider.Chat(ctx, providers.ChatRequest{
		Model: s.model,
		Messages: []providers.Message{
			{Role: "user", Content: fmt.Sprintf(
				"Condense this conversation and activity log into one short paragraph that preserves facts, decisions, open threads and names. Session %s:\n%s",
				scopeID, strings.Join(contents, "\n"))},
		},
		MaxTokens: 600,
	})
	if err != nil {
		return "", fmt.Errorf("summarize %s: %w", scopeID, err)
	}
	out := strings.TrimSpace(resp.Content)
	if out == "" {
		return "", fmt.Errorf("summarize %s: empty summary", scopeID)
	}
	return out, nil
}
