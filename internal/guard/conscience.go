package guard

import (
	"fmt"
	"strings"
	"time"
)

// RiskLevel grades how badly a reasoning loop is going.
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

// LoopContext is the per-step state the conscience engine evaluates.
type LoopContext struct {
	ActionID            string
	Description         string
	Step                int
	NoToolSteps         int
	RecentTools         []string
	LastError           string
	Elapsed             time.Duration
	MessagesSent        int
	ConsecutiveFailures int
}

// Verdict is the conscience engine's judgement for one step.
type Verdict struct {
	Guidance   string
	Risk       RiskLevel
	Complexity int
	Escalate   bool
}

const (
	fatigueStepLimit    = 15
	fatigueDuration     = 8 * time.Minute
	escalateStepLimit   = 20
	longDescriptionRune = 600
)

// Conscience turns loop context plus memory highlights into guidance
// the model can follow and a risk assessment the loop can act on.
type Conscience struct{}

func NewConscience() *Conscience { return &Conscience{} }

// Evaluate is a pure function of its inputs; calling it twice with the
// same context yields the same verdict.
func (c *Conscience) Evaluate(lc LoopContext, highlights []string) Verdict {
	var notes []string
	risk := RiskLow

	raise := func(to RiskLevel) {
		if rank(to) > rank(risk) {
			risk = to
		}
	}

	if lc.NoToolSteps >= 2 {
		notes = append(notes, fmt.Sprintf(
			"You have gone %d steps without using a tool. You are circling: either invoke a tool that moves the task forward or state why you cannot.",
			lc.NoToolSteps))
		raise(RiskMedium)
	}
	if lc.LastError != "" {
		notes = append(notes, fmt.Sprintf(
			"The previous step failed: %q. Do not retry with identical parameters; change the input, the tool, or the approach.",
			lc.LastError))
		raise(RiskMedium)
	}
	if lc.ConsecutiveFailures >= 2 {
		notes = append(notes, fmt.Sprintf(
			"%d consecutive failures. Run a diagnostic step or simplify the task before attempting anything else.",
			lc.ConsecutiveFailures))
		raise(RiskHigh)
	}
	if lc.Step > fatigueStepLimit || lc.Elapsed > fatigueDuration {
		notes = append(notes, fmt.Sprintf(
			"Fatigue: %d steps over %s. Finish within 2 more steps or report exactly what is blocking you.",
			lc.Step, lc.Elapsed.Round(time.Second)))
		raise(RiskMedium)
	}
	if identicalLastFour(lc.RecentTools) {
		notes = append(notes, fmt.Sprintf(
			"Loop detected: the last four tool calls were all %q. Stop repeating this tool and change the approach now.",
			lc.RecentTools[len(lc.RecentTools)-1]))
		raise(RiskHigh)
	}
	if lc.MessagesSent == 0 && lc.Step > 5 {
		notes = append(notes, fmt.Sprintf(
			"You have sent no messages after %d steps. The user is being ghosted; send a status update.",
			lc.Step))
		raise(RiskMedium)
	}

	complexity := 10 + 2*lc.Step
	if lc.LastError != "" {
		complexity += 15
	}
	if len([]rune(lc.Description)) > longDescriptionRune {
		complexity += 10
	}
	complexity += 10 * lc.NoToolSteps
	if complexity > 100 {
		complexity = 100
	}

	escalate := rank(risk) >= rank(RiskHigh) || lc.Step >= escalateStepLimit

	guidance := "On track. Keep working toward the stated goal."
	if len(notes) > 0 {
		var b strings.Builder
		b.WriteString("Conscience check:\n")
		for _, n := range notes {
			b.WriteString("- ")
			b.WriteString(n)
			b.WriteString("\n")
		}
		if len(highlights) > 0 {
			b.WriteString("Relevant past experience:\n")
			for _, h := range highlights {
				b.WriteString("- ")
				b.WriteString(h)
				b.WriteString("\n")
			}
		}
		guidance = strings.TrimRight(b.String(), "\n")
	}

	return Verdict{
		Guidance:   guidance,
		Risk:       risk,
		Complexity: complexity,
		Escalate:   escalate,
	}
}

func identicalLastFour(tools []string) bool {
	if len(tools) < 4 {
		return false
	}
	last := tools[len(tools)-4:]
	for _, t := range last[1:] {
		if t != last[0] {
			return false
		}
	}
	return last[0] != ""
}

func rank(r RiskLevel) int {
	switch r {
	case RiskLow:
		return 0
	case RiskMedium:
		return 1
	case RiskHigh:
		return 2
	case RiskCritical:
		return 3
	}
	return 0
}
