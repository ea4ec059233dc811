package agent

import (
	"fmt"
	"strings"

	"github.com/fredabila/orcbot-sub005/internal/guard"
	"github.com/fredabila/orcbot-sub005/internal/queue"
	"github.com/fredabila/orcbot-sub005/internal/skills"
)

const decisionInstructions = `Decide your next step and answer with exactly one JSON object, nothing else. One of:
{"type":"tool","tool":"<name>","args":{...},"rationale":"<why>"}
{"type":"respond","message":"<text for the user>"}
{"type":"clarify","question":"<what you need from the user>"}
{"type":"complete","summary":"<what was achieved>"}
{"type":"plan","steps":["<step 1>","<step 2>",...]}`

// Scope-history sizes at which the skill catalog shrinks.
const (
	compactCatalogAfter  = 15
	relevantCatalogAfter = 40
)

// buildPrompt composes the system and user messages for one step.
func (l *Loop) buildPrompt(a *queue.Action, snap guard.Snapshot, guidance []string) (string, string) {
	scope, _ := a.Payload["sessionScopeId"].(string)
	userID, _ := a.Payload["userId"].(string)

	var sys strings.Builder

	name := l.cfg.Get("agentName")
	if name == "" {
		name = "orcbot"
	}
	fmt.Fprintf(&sys, "You are %s, an autonomous assistant working through a task queue. You act through tools and report to the user over their channel.\n", name)
	if persona := l.cfg.Get("persona"); persona != "" {
		sys.WriteString(persona)
		sys.WriteString("\n")
	}

	if userCtx := l.memory.UserContext(); userCtx != "" {
		sys.WriteString("\nAbout your user:\n")
		sys.WriteString(userCtx)
		sys.WriteString("\n")
	}
	if userID != "" {
		if profile := l.memory.ContactProfile(userID); profile != "" {
			sys.WriteString("\nContact profile:\n")
			sys.WriteString(profile)
			sys.WriteString("\n")
		}
	}

	scopeDepth := 0
	if scope != "" {
		recent := l.memory.ByScope(scope, 15)
		scopeDepth = len(recent)
		if len(recent) > 0 {
			sys.WriteString("\nRecent conversation and observations:\n")
			for _, e := range recent {
				fmt.Fprintf(&sys, "- %s\n", e.Content)
			}
		}
		if highlights := l.memory.EpisodicHighlights(scope, 3); len(highlights) > 0 {
			sys.WriteString("\nEarlier episodes:\n")
			for _, e := range highlights {
				fmt.Fprintf(&sys, "- %s\n", e.Content)
			}
		}
	}

	sys.WriteString("\n")
	sys.WriteString(l.skillCatalog(a, scopeDepth))

	sys.WriteString("\n")
	sys.WriteString(snap.PromptText())
	for _, g := range guidance {
		sys.WriteString("\n")
		sys.WriteString(g)
	}

	sys.WriteString("\n\n")
	sys.WriteString(decisionInstructions)

	var user strings.Builder
	fmt.Fprintf(&user, "Task: %s\n", a.Description)
	if src, _ := a.Payload["source"].(string); src != "" {
		fmt.Fprintf(&user, "Channel: %s\n", src)
	}
	if last, _ := a.Payload["lastUserMessageText"].(string); last != "" {
		fmt.Fprintf(&user, "Latest user message: %s\n", last)
	}
	fmt.Fprintf(&user, "This is step %d.", a.Steps)

	return sys.String(), user.String()
}

// skillCatalog picks the prompt surface: full for short sessions,
// compact as the scope history grows, keyword-filtered once it is
// long. A configured skillSurfaceMode overrides the heuristic.
func (l *Loop) skillCatalog(a *queue.Action, scopeDepth int) string {
	mode := skills.SurfaceMode(l.cfg.Get("skillSurfaceMode"))
	switch mode {
	case skills.SurfaceFull, skills.SurfaceCompact, skills.SurfaceRelevant:
	default:
		switch {
		case scopeDepth >= relevantCatalogAfter:
			mode = skills.SurfaceRelevant
		case scopeDepth >= compactCatalogAfter:
			mode = skills.SurfaceCompact
		default:
			mode = skills.SurfaceFull
		}
	}

	var catalog string
	if mode == skills.SurfaceRelevant {
		catalog = l.registry.PromptSurface(mode, keywordsFrom(a.Description)...)
	} else {
		catalog = l.registry.PromptSurface(mode)
	}
	return routingSurface(catalog, activeRule(l.routing, a.Description))
}

func keywordsFrom(description string) []string {
	words := strings.Fields(strings.ToLower(description))
	seen := make(map[string]bool)
	var out []string
	for _, w := range words {
		w = strings.Trim(w, ".,!?:;\"'()")
		if len(w) >= 4 && !seen[w] {
			seen[w] = true
			out = append(out, w)
		}
	}
	return out
}
