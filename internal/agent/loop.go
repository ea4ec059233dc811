package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/fredabila/orcbot-sub005/internal/guard"
	"github.com/fredabila/orcbot-sub005/internal/memory"
	"github.com/fredabila/orcbot-sub005/internal/providers"
	"github.com/fredabila/orcbot-sub005/internal/queue"
	"github.com/fredabila/orcbot-sub005/internal/skills"
	"github.com/fredabila/orcbot-sub005/pkg/protocol"
)

// ConfigReader is the slice of the config store the loop needs.
type ConfigReader interface {
	Get(key string) string
	GetInt(key string, def int) int
	GetBool(key string, def bool) bool
}

// Publisher is the event sink for loop progress events.
type Publisher interface {
	Publish(name string, payload interface{})
}

// Loop drives one leased action through think → act → observe steps
// until the action reaches a terminal status.
type Loop struct {
	provider providers.Provider
	model    string
	queue    *queue.Queue
	memory   *memory.Manager
	registry *skills.Registry
	guard    *guard.Guard
	events   Publisher
	cfg      ConfigReader
	routing  []RoutingRule
	logger   *slog.Logger
	tracer   trace.Tracer

	// Usage reporting hook, optional.
	onUsage func(model string, usage *providers.Usage)
}

type Options struct {
	Provider providers.Provider
	Model    string
	Queue    *queue.Queue
	Memory   *memory.Manager
	Registry *skills.Registry
	Guard    *guard.Guard
	Events   Publisher
	Config   ConfigReader
	Routing  []RoutingRule
	Logger   *slog.Logger
	OnUsage  func(model string, usage *providers.Usage)
}

func NewLoop(opts Options) *Loop {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Loop{
		provider: opts.Provider,
		model:    opts.Model,
		queue:    opts.Queue,
		memory:   opts.Memory,
		registry: opts.Registry,
		guard:    opts.Guard,
		events:   opts.Events,
		cfg:      opts.Config,
		routing:  opts.Routing,
		logger:   opts.Logger,
		tracer:   otel.Tracer("orcbot/agent"),
		onUsage:  opts.OnUsage,
	}
}

// runState is the per-action loop bookkeeping the guard consumes.
type runState struct {
	started             time.Time
	noToolSteps         int
	recentTools         []string
	lastError           string
	messagesSent        int
	consecutiveFailures int
	guidance            []string
}

// RunAction executes a leased (in-progress) action to a terminal
// status. Context cancellation releases the lease back to pending.
func (l *Loop) RunAction(ctx context.Context, a *queue.Action) error {
	ctx, span := l.tracer.Start(ctx, "agent.run",
		trace.WithAttributes(
			attribute.String("action.id", a.ID),
			attribute.Int("action.priority", a.Priority),
		))
	defer span.End()

	maxSteps := l.cfg.GetInt("maxStepsPerAction", 30)
	maxMessages := l.cfg.GetInt("maxMessagesPerAction", 10)
	scope, _ := a.Payload["sessionScopeId"].(string)

	st := &runState{started: time.Now()}
	if marker, _ := a.Payload["clarificationPending"].(string); marker != "" {
		// Resumed after a clarification answer arrived.
		_ = l.queue.UpdatePayload(a.ID, map[string]interface{}{"clarificationPending": ""})
	}

	if ps := l.registry.Packages(); ps != nil {
		if activated := ps.AutoActivate(a.Description); len(activated) > 0 {
			l.logger.Info("skill packages auto-activated",
				"action", a.ID, "packages", strings.Join(activated, ","))
		}
	}

	for {
		select {
		case <-ctx.Done():
			if err := l.queue.UpdateStatus(a.ID, queue.StatusPending, "interrupted"); err != nil {
				l.logger.Warn("failed to release lease", "action", a.ID, "error", err)
			}
			return ctx.Err()
		default:
		}

		step, err := l.queue.IncrementSteps(a.ID)
		if err != nil {
			return err
		}
		a.Steps = step

		snap := l.guard.Snapshot(guard.StepInput{
			ActionID:            a.ID,
			Description:         a.Description,
			Step:                step,
			NoToolSteps:         st.noToolSteps,
			RecentTools:         st.recentTools,
			LastError:           st.lastError,
			Started:             st.started,
			MessagesSent:        st.messagesSent,
			ConsecutiveFailures: st.consecutiveFailures,
		})

		if snap.Escalate {
			return l.escalate(ctx, a, scope, snap)
		}
		if len(snap.RecoveryPlan) > 0 && scope != "" {
			if err := l.memory.SaveShort(scope, "[system] "+snap.PromptText(), map[string]string{
				"origin": "guard", "actionId": a.ID,
			}); err != nil {
				l.logger.Warn("failed to store recovery plan", "action", a.ID, "error", err)
			}
		}

		if step > maxSteps {
			return l.fail(a, fmt.Sprintf("exceeded maxStepsPerAction (%d). %s", maxSteps, snap.Guidance))
		}
		if st.messagesSent >= maxMessages {
			return l.fail(a, fmt.Sprintf("exceeded maxMessagesPerAction (%d). %s", maxMessages, snap.Guidance))
		}

		decision, err := l.decide(ctx, a, snap, st)
		if err != nil {
			st.lastError = err.Error()
			st.consecutiveFailures++
			st.noToolSteps++
			l.guard.Incidents().Record(a.ID, step, "decision failed: "+err.Error())
			l.publish(protocol.EventAgentError, map[string]interface{}{
				"actionId": a.ID, "step": step, "error": err.Error(),
			})
			continue
		}

		done, err := l.apply(ctx, a, scope, step, decision, st)
		if err != nil {
			return err
		}
		if done {
			return nil
		}
	}
}

// decide runs one model call and parses the step decision.
func (l *Loop) decide(ctx context.Context, a *queue.Action, snap guard.Snapshot, st *runState) (*Decision, error) {
	ctx, span := l.tracer.Start(ctx, "agent.decide",
		trace.WithAttributes(attribute.Int("step", a.Steps)))
	defer span.End()

	system, user := l.buildPrompt(a, snap, st.guidance)

	l.publish(protocol.EventAgentThinking, map[string]interface{}{
		"actionId": a.ID, "step": a.Steps,
	})

	resp, err := l.provider.Chat(ctx, providers.ChatRequest{
		Model: l.model,
		Messages: []providers.Message{
			{Role: "system", Content: system},
			{Role: "user", Content: user},
		},
		MaxTokens: 2048,
		ForceJSON: true,
	})
	if err != nil {
		return nil, fmt.Errorf("model call: %w", err)
	}
	if l.onUsage != nil && resp.Usage != nil {
		l.onUsage(l.model, resp.Usage)
	}
	return parseDecision(resp.Content)
}

// apply executes one parsed decision. It returns done=true once the
// action reached a terminal status.
func (l *Loop) apply(ctx context.Context, a *queue.Action, scope string, step int, d *Decision, st *runState) (bool, error) {
	switch d.Kind {
	case DecideTool:
		l.runTool(ctx, a, scope, step, d, st)
		return false, nil

	case DecideRespond:
		l.respond(ctx, a, scope, step, d.Message, st)
		return false, nil

	case DecideClarify:
		if err := l.queue.UpdatePayload(a.ID, map[string]interface{}{
			"lastUserMessageText":  d.Question,
			"clarificationPending": "1",
		}); err != nil {
			return false, err
		}
		if err := l.queue.UpdateStatus(a.ID, queue.StatusWaiting, "waiting for clarification"); err != nil {
			return false, err
		}
		if scope != "" {
			_ = l.memory.SaveShort(scope, "[assistant] "+d.Question, map[string]string{
				"origin": "clarify", "actionId": a.ID,
			})
		}
		l.publish(protocol.EventAgentObservation, map[string]interface{}{
			"actionId": a.ID, "step": step, "clarification": d.Question,
		})
		return true, nil

	case DecideComplete:
		return l.complete(ctx, a, scope, d.Summary, st)

	case DecidePlan:
		plan := strings.Join(d.Steps, "; ")
		_ = l.queue.UpdatePayload(a.ID, map[string]interface{}{"plan": plan})
		if scope != "" {
			_ = l.memory.SaveShort(scope, "[plan] "+plan, map[string]string{
				"origin": "plan", "actionId": a.ID,
			})
		}
		st.noToolSteps++
		return false, nil
	}
	return false, fmt.Errorf("unhandled decision kind %q", d.Kind)
}

func (l *Loop) runTool(ctx context.Context, a *queue.Action, scope string, step int, d *Decision, st *runState) {
	l.publish(protocol.EventAgentAction, map[string]interface{}{
		"actionId": a.ID, "step": step, "tool": d.Tool, "rationale": d.Rationale,
	})

	ctx, span := l.tracer.Start(ctx, "agent.tool",
		trace.WithAttributes(attribute.String("tool", d.Tool)))
	out, err := l.registry.Execute(ctx, d.Tool, d.Args)
	span.End()

	st.recentTools = append(st.recentTools, d.Tool)
	if len(st.recentTools) > 8 {
		st.recentTools = st.recentTools[len(st.recentTools)-8:]
	}
	st.noToolSteps = 0

	observation := out
	if err != nil {
		observation = "error: " + err.Error()
		st.lastError = err.Error()
		st.consecutiveFailures++
		l.guard.Incidents().Record(a.ID, step, fmt.Sprintf("tool %s failed: %s", d.Tool, err))
	} else {
		st.lastError = ""
		st.consecutiveFailures = 0
	}

	if scope != "" {
		meta := map[string]string{
			"origin":   "observation",
			"actionId": a.ID,
			"tool":     d.Tool,
			"input":    truncateStr(fmt.Sprintf("%v", d.Args), 300),
		}
		if err := l.memory.SaveShort(scope, fmt.Sprintf("[observation:%s] %s", d.Tool, truncateStr(observation, 2000)), meta); err != nil {
			l.logger.Warn("failed to store observation", "action", a.ID, "error", err)
		}
	}

	l.publish(protocol.EventAgentObservation, map[string]interface{}{
		"actionId": a.ID, "step": step, "tool": d.Tool,
		"observation": truncateStr(observation, 500),
	})
}

// respond emits a direct response over the send_* skill matching the
// action's source channel.
func (l *Loop) respond(ctx context.Context, a *queue.Action, scope string, step int, message string, st *runState) {
	source, _ := a.Payload["source"].(string)
	if source == "" {
		source = "gateway"
	}
	target, _ := a.Payload["sourceId"].(string)

	skillName := "send_" + source
	if _, err := l.registry.Execute(ctx, skillName, skills.Args{"to": target, "text": message}); err != nil {
		st.lastError = err.Error()
		st.consecutiveFailures++
		l.guard.Incidents().Record(a.ID, step, fmt.Sprintf("%s failed: %s", skillName, err))
		return
	}

	st.messagesSent++
	st.lastError = ""
	st.consecutiveFailures = 0
	st.noToolSteps = 0
	if scope != "" {
		_ = l.memory.SaveShort(scope, "[assistant] "+message, map[string]string{
			"origin": "response", "actionId": a.ID,
		})
	}
}

// complete runs the termination review before accepting the model's
// completion claim.
func (l *Loop) complete(ctx context.Context, a *queue.Action, scope, summary string, st *runState) (bool, error) {
	trail := l.memoryTrail(scope, a.ID)
	review := l.terminationReview(ctx, a.Description, trail)
	if !review.Satisfied {
		missing := "Not finished yet. Still missing: " + strings.Join(review.Missing, "; ")
		st.guidance = append(st.guidance, missing)
		st.noToolSteps++
		l.logger.Info("termination review rejected completion",
			"action", a.ID, "missing", review.Missing)
		return false, nil
	}

	note := summary
	if note == "" {
		note = "completed"
	}
	if err := l.queue.UpdateStatus(a.ID, queue.StatusCompleted, note); err != nil {
		return false, err
	}
	l.guard.Incidents().Forget(a.ID)
	l.publish(protocol.EventAgentCompleted, map[string]interface{}{
		"actionId": a.ID, "steps": a.Steps, "summary": note,
	})
	return true, nil
}

// escalate closes the action with a concise blocker report to the user.
func (l *Loop) escalate(ctx context.Context, a *queue.Action, scope string, snap guard.Snapshot) error {
	report := l.blockerReport(ctx, a, snap)
	l.respond(ctx, a, scope, 0, report, &runState{})

	if err := l.queue.UpdateStatus(a.ID, queue.StatusCompleted, "completed-with-escalation: "+truncateStr(snap.Guidance, 200)); err != nil {
		return err
	}
	l.guard.Incidents().Forget(a.ID)
	l.publish(protocol.EventAgentCompleted, map[string]interface{}{
		"actionId": a.ID, "steps": a.Steps, "escalated": true,
	})
	return nil
}

// blockerReport asks the model for a short user-facing summary of why
// the task is stuck; a model failure falls back to composed text.
func (l *Loop) blockerReport(ctx context.Context, a *queue.Action, snap guard.Snapshot) string {
	resp, err := l.provider.Chat(ctx, providers.ChatRequest{
		Model: l.cfg.Get("terminationReviewModel"),
		Messages: []providers.Message{
			{Role: "user", Content: fmt.Sprintf(
				"Write a short, honest status update (2-3 sentences) for the user. The task %q is blocked.\nDiagnostics:\n%s",
				a.Description, snap.PromptText())},
		},
		MaxTokens: 300,
	})
	if err == nil && strings.TrimSpace(resp.Content) != "" {
		return strings.TrimSpace(resp.Content)
	}
	return fmt.Sprintf("I could not finish %q. %s", truncateStr(a.Description, 120), snap.Guidance)
}

func (l *Loop) fail(a *queue.Action, reason string) error {
	if err := l.queue.UpdateStatus(a.ID, queue.StatusFailed, reason); err != nil {
		return err
	}
	l.guard.Incidents().Forget(a.ID)
	l.publish(protocol.EventAgentError, map[string]interface{}{
		"actionId": a.ID, "error": reason,
	})
	return nil
}

// memoryTrail renders the memory entries the termination review reads.
func (l *Loop) memoryTrail(scope, actionID string) string {
	entries := l.memory.ByAction(actionID)
	if len(entries) == 0 && scope != "" {
		entries = l.memory.ByScope(scope, 20)
	}
	var b strings.Builder
	for _, e := range entries {
		b.WriteString("- ")
		b.WriteString(truncateStr(e.Content, 300))
		b.WriteString("\n")
	}
	if b.Len() == 0 {
		return "(no recorded work)"
	}
	return b.String()
}

func (l *Loop) publish(name string, payload interface{}) {
	if l.events != nil {
		l.events.Publish(name, payload)
	}
}
