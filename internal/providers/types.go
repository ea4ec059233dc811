// Package providers holds the LLM provider clients. The reasoning loop
// drives providers through plain chat completions; tool selection happens
// in the decision JSON, not provider-native tool calling, so the surface
// stays identical across providers.
package providers

import (
	"context"
	"errors"
	"math/rand"
	"time"
)

// Provider is the interface all LLM providers implement.
type Provider interface {
	// Chat sends messages to the LLM and returns the completion.
	Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error)

	// DefaultModel returns the provider's default model name.
	DefaultModel() string

	// Name returns the provider identifier (e.g. "anthropic", "openai").
	Name() string
}

// Message is one conversation message.
type Message struct {
	Role    string `json:"role"` // "system", "user", "assistant"
	Content string `json:"content"`
}

// ChatRequest is the input for a Chat call.
type ChatRequest struct {
	Messages    []Message `json:"messages"`
	Model       string    `json:"model,omitempty"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	Temperature float64   `json:"temperature,omitempty"`
	ForceJSON   bool      `json:"force_json,omitempty"` // request a JSON object response where supported
}

// ChatResponse is the result of an LLM call.
type ChatResponse struct {
	Content      string `json:"content"`
	FinishReason string `json:"finish_reason"`
	Usage        *Usage `json:"usage,omitempty"`
}

// Usage tracks token consumption.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// ErrTransient marks retryable provider failures (network, 429, 5xx).
var ErrTransient = errors.New("transient provider error")

// RetryConfig bounds the retry loop around transient failures.
type RetryConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

func DefaultRetryConfig() RetryConfig {
	return RetryConfig{MaxAttempts: 3, BaseDelay: time.Second, MaxDelay: 20 * time.Second}
}

// backoffDelay returns the jittered delay before attempt n (0-based).
func (rc RetryConfig) backoffDelay(attempt int) time.Duration {
	d := rc.BaseDelay << attempt
	if d > rc.MaxDelay {
		d = rc.MaxDelay
	}
	return d/2 + time.Duration(rand.Int63n(int64(d/2)+1))
}

// retryChat runs fn with transient-error retries.
func retryChat(ctx context.Context, rc RetryConfig, fn func() (*ChatResponse, error)) (*ChatResponse, error) {
	var lastErr error
	for attempt := 0; attempt < rc.MaxAttempts; attempt++ {
		resp, err := fn()
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if !errors.Is(err, ErrTransient) {
			return nil, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(rc.backoffDelay(attempt)):
		}
	}
	return nil, lastErr
}
