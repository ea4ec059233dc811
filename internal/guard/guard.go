package guard

import (
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// HighlightSource supplies short memory fragments relevant to a query,
// typically backed by the memory manager's semantic search.
type HighlightSource interface {
	Highlights(query string, limit int) []string
}

// HighlightFunc adapts a function to the HighlightSource interface.
type HighlightFunc func(query string, limit int) []string

func (f HighlightFunc) Highlights(query string, limit int) []string { return f(query, limit) }

// StepInput is everything the guard needs to judge one reasoning step.
type StepInput struct {
	ActionID            string
	Description         string
	Step                int
	NoToolSteps         int
	RecentTools         []string
	LastError           string
	Started             time.Time
	MessagesSent        int
	ConsecutiveFailures int
}

// Snapshot is the guard's full evaluation for one (action, step) pair.
// It is a pure composition of the incident log, conscience verdict and
// recovery plan; computing it twice for the same input is safe.
type Snapshot struct {
	ActionID         string
	Step             int
	Guidance         string
	RecoveryPlan     []string
	MemoryHighlights []string
	Risk             RiskLevel
	Complexity       int
	Escalate         bool
}

// Guard bundles the three collaborators behind a single snapshot call.
type Guard struct {
	incidents  *IncidentLog
	conscience *Conscience
	fixer      *ErrorFixer
	highlights HighlightSource
	logger     *slog.Logger
}

func New(highlights HighlightSource, logger *slog.Logger) *Guard {
	if logger == nil {
		logger = slog.Default()
	}
	return &Guard{
		incidents:  NewIncidentLog(),
		conscience: NewConscience(),
		fixer:      NewErrorFixer(),
		highlights: highlights,
		logger:     logger,
	}
}

// Incidents exposes the incident log for the loop to record into.
func (g *Guard) Incidents() *IncidentLog { return g.incidents }

// Snapshot evaluates the current step. Consecutive failures are derived
// from the incident tail when the caller does not supply a count; the
// derivation only fires while the current step itself is failing, so
// history an action has already recovered from cannot escalate it.
func (g *Guard) Snapshot(in StepInput) Snapshot {
	failures := in.ConsecutiveFailures
	if failures == 0 && in.LastError != "" {
		failures = 1 + trailingRun(g.incidents.Recent(in.ActionID, 5))
	}

	highlights := g.lookupHighlights(in)

	verdict := g.conscience.Evaluate(LoopContext{
		ActionID:            in.ActionID,
		Description:         in.Description,
		Step:                in.Step,
		NoToolSteps:         in.NoToolSteps,
		RecentTools:         in.RecentTools,
		LastError:           in.LastError,
		Elapsed:             elapsedSince(in.Started),
		MessagesSent:        in.MessagesSent,
		ConsecutiveFailures: failures,
	}, highlights)

	plan := g.fixer.Plan(in.LastError, in.Description)

	if verdict.Escalate {
		g.logger.Warn("guard escalation",
			"action", in.ActionID,
			"step", in.Step,
			"risk", string(verdict.Risk),
			"complexity", verdict.Complexity)
	}

	return Snapshot{
		ActionID:         in.ActionID,
		Step:             in.Step,
		Guidance:         verdict.Guidance,
		RecoveryPlan:     plan,
		MemoryHighlights: highlights,
		Risk:             verdict.Risk,
		Complexity:       verdict.Complexity,
		Escalate:         verdict.Escalate,
	}
}

// trailingRun counts the run of incidents at adjacent steps ending at
// the most recent incident. A gap in step numbers means the action
// recovered in between, so earlier incidents do not extend the run.
func trailingRun(entries []Incident) int {
	if len(entries) == 0 {
		return 0
	}
	run := 1
	for i := len(entries) - 1; i > 0; i-- {
		if entries[i-1].Step != entries[i].Step-1 {
			break
		}
		run++
	}
	return run
}

func (g *Guard) lookupHighlights(in StepInput) []string {
	var out []string
	if g.highlights != nil {
		query := in.Description
		if in.LastError != "" {
			query = in.LastError + " " + query
		}
		out = g.highlights.Highlights(query, 3)
	}
	if len(out) == 0 && in.LastError != "" {
		out = append(out, lessonFor(in.LastError))
	}
	return out
}

// lessonFor returns a canned lesson when memory has nothing relevant,
// so recovery guidance never arrives without context.
func lessonFor(lastError string) string {
	lower := strings.ToLower(lastError)
	switch {
	case containsAny(lower, "timeout", "timed out", "network", "connection"):
		return "Past lesson: timeouts usually resolve with a smaller payload or a longer deadline, not with identical retries."
	case containsAny(lower, "not found", "enoent", "no such file"):
		return "Past lesson: missing files are found by listing the directory first, not by guessing paths."
	case containsAny(lower, "permission", "denied", "forbidden"):
		return "Past lesson: permission errors never fix themselves; switch to a path or tool you own."
	case containsAny(lower, "rate limit", "429", "quota"):
		return "Past lesson: rate limits call for waiting or a fallback provider, never tighter retry loops."
	default:
		return "Past lesson: when an error repeats, change one variable at a time and observe the result."
	}
}

// PromptText renders the snapshot as a block the loop can append to a
// system prompt.
func (s Snapshot) PromptText() string {
	var b strings.Builder
	b.WriteString(s.Guidance)
	if len(s.RecoveryPlan) > 0 {
		b.WriteString("\nRecovery plan:\n")
		for i, step := range s.RecoveryPlan {
			fmt.Fprintf(&b, "%d. %s\n", i+1, step)
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

func elapsedSince(t time.Time) time.Duration {
	if t.IsZero() {
		return 0
	}
	return time.Since(t)
}
