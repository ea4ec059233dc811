package guard

import (
	"fmt"
	"strings"
	"testing"
	"time"
)

func TestIncidentLogRetention(t *testing.T) {
	log := NewIncidentLog()
	for i := 0; i < defaultIncidentRetention+10; i++ {
		log.Record("a1", i, fmt.Sprintf("incident %d", i))
	}

	all := log.Recent("a1", 0)
	if len(all) != defaultIncidentRetention {
		t.Fatalf("expected %d incidents, got %d", defaultIncidentRetention, len(all))
	}
	if all[0].Note != "incident 10" {
		t.Errorf("oldest retained incident = %q, want %q", all[0].Note, "incident 10")
	}
	if all[len(all)-1].Note != fmt.Sprintf("incident %d", defaultIncidentRetention+9) {
		t.Errorf("newest incident = %q", all[len(all)-1].Note)
	}

	log.Forget("a1")
	if got := log.Recent("a1", 0); len(got) != 0 {
		t.Errorf("expected empty after Forget, got %d", len(got))
	}
}

func TestConscienceRules(t *testing.T) {
	c := NewConscience()

	tests := []struct {
		name     string
		lc       LoopContext
		wantRisk RiskLevel
		wantText string
	}{
		{
			name:     "circling without tools",
			lc:       LoopContext{Step: 3, NoToolSteps: 2},
			wantRisk: RiskMedium,
			wantText: "circling",
		},
		{
			name:     "last error forbids identical retry",
			lc:       LoopContext{Step: 2, LastError: "boom"},
			wantRisk: RiskMedium,
			wantText: "identical parameters",
		},
		{
			name:     "consecutive failures demand diagnostic",
			lc:       LoopContext{Step: 3, ConsecutiveFailures: 2},
			wantRisk: RiskHigh,
			wantText: "diagnostic",
		},
		{
			name:     "fatigue by step count",
			lc:       LoopContext{Step: 16},
			wantRisk: RiskMedium,
			wantText: "Fatigue",
		},
		{
			name:     "fatigue by duration",
			lc:       LoopContext{Step: 4, Elapsed: 9 * time.Minute},
			wantRisk: RiskMedium,
			wantText: "Fatigue",
		},
		{
			name:     "four identical tools is a loop",
			lc:       LoopContext{Step: 5, MessagesSent: 1, RecentTools: []string{"x", "x", "x", "x"}},
			wantRisk: RiskHigh,
			wantText: "Loop detected",
		},
		{
			name:     "ghosting after five steps",
			lc:       LoopContext{Step: 6},
			wantRisk: RiskMedium,
			wantText: "status update",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := c.Evaluate(tt.lc, nil)
			if v.Risk != tt.wantRisk {
				t.Errorf("risk = %s, want %s", v.Risk, tt.wantRisk)
			}
			if !strings.Contains(v.Guidance, tt.wantText) {
				t.Errorf("guidance %q does not mention %q", v.Guidance, tt.wantText)
			}
		})
	}
}

func TestConscienceCleanRun(t *testing.T) {
	c := NewConscience()
	v := c.Evaluate(LoopContext{Step: 2, MessagesSent: 1, RecentTools: []string{"a", "b"}}, nil)
	if v.Risk != RiskLow {
		t.Errorf("risk = %s, want low", v.Risk)
	}
	if v.Escalate {
		t.Error("clean run should not escalate")
	}
}

func TestComplexityScore(t *testing.T) {
	c := NewConscience()

	v := c.Evaluate(LoopContext{Step: 4, NoToolSteps: 3, LastError: "x"}, nil)
	// 10 + 2*4 + 15 + 10*3 = 63
	if v.Complexity != 63 {
		t.Errorf("complexity = %d, want 63", v.Complexity)
	}

	long := strings.Repeat("a", 700)
	v = c.Evaluate(LoopContext{Step: 50, NoToolSteps: 5, LastError: "x", Description: long}, nil)
	if v.Complexity != 100 {
		t.Errorf("complexity should cap at 100, got %d", v.Complexity)
	}
}

func TestEscalateAtStepTwenty(t *testing.T) {
	c := NewConscience()
	v := c.Evaluate(LoopContext{Step: 20, MessagesSent: 1}, nil)
	if !v.Escalate {
		t.Error("step 20 should force escalation even at non-high risk")
	}
}

func TestErrorFixerBranches(t *testing.T) {
	f := NewErrorFixer()

	tests := []struct {
		err  string
		want string
	}{
		{"connection timed out after 30s", "smaller payload"},
		{"ENOENT: no such file or directory", "locate the file"},
		{"permission denied writing /etc/hosts", "different tool"},
		{"429 Too Many Requests", "fallback provider"},
		{"syntax error near unexpected token", "argument shape"},
		{"something inexplicable", "one variable at a time"},
	}

	for _, tt := range tests {
		t.Run(tt.err, func(t *testing.T) {
			plan := f.Plan(tt.err, "do the thing")
			if len(plan) < 4 {
				t.Fatalf("plan too short: %v", plan)
			}
			if !strings.Contains(plan[0], "Critical objective") {
				t.Errorf("plan must open with the objective reminder, got %q", plan[0])
			}
			if !strings.Contains(plan[1], "Diagnose") {
				t.Errorf("second step must be a diagnostic, got %q", plan[1])
			}
			joined := strings.Join(plan, " ")
			if !strings.Contains(joined, tt.want) {
				t.Errorf("plan %v missing branch text %q", plan, tt.want)
			}
			last := plan[len(plan)-1]
			if !strings.Contains(last, "ask for help") {
				t.Errorf("plan must end with the termination rule, got %q", last)
			}
		})
	}

	if got := f.Plan("", "anything"); got != nil {
		t.Errorf("no error should yield no plan, got %v", got)
	}
}

// Mirrors the end-to-end guard scenario: a stalled action with repeated
// command timeouts must produce circling guidance, a timeout recovery
// plan, memory highlights and an escalation.
func TestSnapshotStalledTimeoutAction(t *testing.T) {
	g := New(HighlightFunc(func(query string, limit int) []string {
		return []string{"Timeouts on long commands resolved by splitting the work last week."}
	}), nil)

	g.Incidents().Record("a1", 1, "No tools produced (1/3)")

	snap := g.Snapshot(StepInput{
		ActionID:    "a1",
		Description: "Summarise the build logs",
		Step:        4,
		NoToolSteps: 3,
		RecentTools: []string{"run_command", "run_command", "run_command"},
		LastError:   "Timeout while executing command",
	})

	if len(snap.MemoryHighlights) == 0 {
		t.Error("expected non-empty memory highlights")
	}
	if !strings.Contains(snap.Guidance, "circling") {
		t.Errorf("guidance %q should mention circling", snap.Guidance)
	}
	joined := strings.Join(snap.RecoveryPlan, " ")
	if !strings.Contains(joined, "retry") && !strings.Contains(joined, "payload") {
		t.Errorf("recovery plan should address the timeout: %v", snap.RecoveryPlan)
	}
	if !snap.Escalate {
		t.Error("expected escalate=true for repeated failures")
	}
}

// Incidents the action already recovered from must not escalate it:
// a clean step after two separated failures is a healthy action.
func TestSnapshotRecoveredFailuresStayCalm(t *testing.T) {
	g := New(nil, nil)
	g.Incidents().Record("act-1", 1, "Timeout while executing command")
	g.Incidents().Record("act-1", 3, "Timeout while executing command")

	snap := g.Snapshot(StepInput{
		ActionID:    "act-1",
		Description: "Summarise the build logs",
		Step:        5,
	})
	if snap.Escalate {
		t.Fatalf("escalated on recovered failures: risk=%s", snap.Risk)
	}
	if rank(snap.Risk) >= rank(RiskHigh) {
		t.Errorf("risk = %s, want below high", snap.Risk)
	}

	// A fresh error after a gap only counts the trailing run, not the
	// whole history.
	failing := g.Snapshot(StepInput{
		ActionID:  "act-1",
		Step:      5,
		LastError: "Timeout while executing command",
	})
	if !failing.Escalate {
		t.Error("current failure plus adjacent incident should escalate")
	}
}

func TestSnapshotFallbackLesson(t *testing.T) {
	g := New(nil, nil)
	snap := g.Snapshot(StepInput{
		ActionID:  "a2",
		Step:      2,
		LastError: "permission denied",
	})
	if len(snap.MemoryHighlights) == 0 {
		t.Fatal("expected a fallback lesson when memory is empty")
	}
	if !strings.Contains(snap.MemoryHighlights[0], "permission") {
		t.Errorf("fallback lesson should match the error class: %q", snap.MemoryHighlights[0])
	}
}

func TestSnapshotIsRepeatable(t *testing.T) {
	g := New(nil, nil)
	in := StepInput{ActionID: "a3", Step: 6, NoToolSteps: 2, LastError: "boom"}
	a := g.Snapshot(in)
	b := g.Snapshot(in)
	if a.Guidance != b.Guidance || a.Complexity != b.Complexity || a.Escalate != b.Escalate {
		t.Error("snapshot must be a pure function of its input")
	}
}
