package hitl

import (
	"fmt"
	"strings"

	"github.com/fredabila/orcbot-sub005/internal/queue"
)

// contextBundle assembles everything the model needs to impersonate
// the user: identity, relationship context, recent history, and the
// state of the action itself.
func (p *Proxy) contextBundle(a *queue.Action) string {
	var b strings.Builder
	b.WriteString("You are answering on behalf of the user of a personal assistant. ")
	b.WriteString("Respond the way this specific user would, based on the context below.\n")

	if uc := p.memory.UserContext(); uc != "" {
		b.WriteString("\n## About the user\n")
		b.WriteString(uc)
		b.WriteString("\n")
	}
	if userID, _ := a.Payload["userId"].(string); userID != "" {
		if profile := p.memory.ContactProfile(userID); profile != "" {
			b.WriteString("\n## Contact profile\n")
			b.WriteString(profile)
			b.WriteString("\n")
		}
	}

	if scope, _ := a.Payload["sessionScopeId"].(string); scope != "" {
		if highlights := p.memory.EpisodicHighlights(scope, 3); len(highlights) > 0 {
			b.WriteString("\n## Past episodes\n")
			for _, h := range highlights {
				b.WriteString("- " + h.Content + "\n")
			}
		}
	}
	if journal := p.memory.JournalTail(10); journal != "" {
		b.WriteString("\n## Recent journal\n")
		b.WriteString(journal)
		b.WriteString("\n")
	}
	if learnings := p.memory.LearningTail(5); learnings != "" {
		b.WriteString("\n## Learnings\n")
		b.WriteString(learnings)
		b.WriteString("\n")
	}

	b.WriteString("\n## The task\n")
	b.WriteString(a.Description)
	b.WriteString("\n")
	fmt.Fprintf(&b, "Status: %s, steps taken: %d\n", a.Status, a.Steps)

	if trail := p.memory.ByAction(a.ID); len(trail) > 0 {
		b.WriteString("\n## Step history\n")
		start := 0
		if len(trail) > 10 {
			start = len(trail) - 10
		}
		for _, e := range trail[start:] {
			b.WriteString("- " + e.Content + "\n")
		}
	}

	if related := p.memory.SemanticSearchText(a.Description, 5); len(related) > 0 {
		b.WriteString("\n## Related memories\n")
		for _, r := range related {
			b.WriteString("- " + r + "\n")
		}
	}
	return b.String()
}
