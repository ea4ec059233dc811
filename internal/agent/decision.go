package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/fredabila/orcbot-sub005/internal/providers"
	"github.com/fredabila/orcbot-sub005/internal/skills"
)

// DecisionKind enumerates what the model chose to do this step.
type DecisionKind string

const (
	DecideTool     DecisionKind = "tool"
	DecideRespond  DecisionKind = "respond"
	DecideClarify  DecisionKind = "clarify"
	DecideComplete DecisionKind = "complete"
	DecidePlan     DecisionKind = "plan"
)

// Decision is one step's parsed model output.
type Decision struct {
	Kind      DecisionKind `json:"type"`
	Tool      string       `json:"tool,omitempty"`
	Args      skills.Args  `json:"args,omitempty"`
	Rationale string       `json:"rationale,omitempty"`
	Message   string       `json:"message,omitempty"`
	Question  string       `json:"question,omitempty"`
	Summary   string       `json:"summary,omitempty"`
	Steps     []string     `json:"steps,omitempty"`
}

// parseDecision decodes the model's step output. Models wrap JSON in
// markdown fences or prose often enough that we extract the first
// balanced object before unmarshalling.
func parseDecision(raw string) (*Decision, error) {
	jsonText := extractJSON(raw)
	if jsonText == "" {
		return nil, fmt.Errorf("no JSON object in model output: %q", truncateStr(raw, 120))
	}

	var d Decision
	if err := json.Unmarshal([]byte(jsonText), &d); err != nil {
		return nil, fmt.Errorf("decode decision: %w", err)
	}

	switch d.Kind {
	case DecideTool:
		if d.Tool == "" {
			return nil, fmt.Errorf("tool decision names no tool")
		}
	case DecideRespond:
		if d.Message == "" {
			return nil, fmt.Errorf("respond decision has no message")
		}
	case DecideClarify:
		if d.Question == "" {
			return nil, fmt.Errorf("clarify decision has no question")
		}
	case DecideComplete:
		// summary optional
	case DecidePlan:
		if len(d.Steps) == 0 {
			return nil, fmt.Errorf("plan decision has no steps")
		}
	default:
		return nil, fmt.Errorf("unknown decision type %q", d.Kind)
	}
	return &d, nil
}

// extractJSON returns the first balanced top-level JSON object in s,
// ignoring braces inside string literals.
func extractJSON(s string) string {
	// Strip a markdown fence if the whole payload is fenced.
	if i := strings.Index(s, "```"); i >= 0 {
		rest := s[i+3:]
		rest = strings.TrimPrefix(rest, "json")
		if j := strings.Index(rest, "```"); j >= 0 {
			s = rest[:j]
		}
	}

	start := strings.IndexByte(s, '{')
	if start < 0 {
		return ""
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[start : i+1]
			}
		}
	}
	return ""
}

// reviewResult is the termination review's answer.
type reviewResult struct {
	Satisfied bool     `json:"satisfied"`
	Missing   []string `json:"missing"`
}

// terminationReview asks the model whether the action's stated goals
// are all met, given the memory trail. A parse failure counts as
// satisfied so a flaky review can never wedge an action open forever.
func (l *Loop) terminationReview(ctx context.Context, description, trail string) reviewResult {
	model := l.cfg.Get("terminationReviewModel")

	prompt := fmt.Sprintf(`You are reviewing whether an autonomous task is truly finished.

Task: %s

Work log:
%s

Answer with only a JSON object: {"satisfied": true|false, "missing": ["unmet goal", ...]}. List in "missing" every stated user goal that is not yet satisfied.`,
		description, trail)

	resp, err := l.provider.Chat(ctx, providers.ChatRequest{
		Model: model,
		Messages: []providers.Message{
			{Role: "user", Content: prompt},
		},
		MaxTokens: 512,
		ForceJSON: true,
	})
	if err != nil {
		l.logger.Warn("termination review failed", "error", err)
		return reviewResult{Satisfied: true}
	}

	jsonText := extractJSON(resp.Content)
	var r reviewResult
	if jsonText == "" || json.Unmarshal([]byte(jsonText), &r) != nil {
		l.logger.Warn("termination review unparseable", "output", truncateStr(resp.Content, 200))
		return reviewResult{Satisfied: true}
	}
	if !r.Satisfied && len(r.Missing) == 0 {
		// An unsatisfied review with nothing named gives the loop no
		// direction; treat it as satisfied.
		r.Satisfied = true
	}
	return r
}

func truncateStr(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
