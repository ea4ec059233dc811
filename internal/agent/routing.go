package agent

import (
	"fmt"
	"os"
	"strings"

	"github.com/titanous/json5"
)

// RoutingRule steers skill selection for matching tasks. When the task
// description contains any of the match terms, preferred skills are
// surfaced first and avoided ones hidden; RequirePreferred restricts
// the model to the preferred set outright.
type RoutingRule struct {
	Match            []string `json:"match"`
	Preferred        []string `json:"preferred"`
	Avoided          []string `json:"avoided"`
	RequirePreferred bool     `json:"requirePreferred"`
}

// LoadRoutingRules reads routing rules from a JSON5 file. A missing
// file means no routing.
func LoadRoutingRules(path string) ([]RoutingRule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read routing rules: %w", err)
	}
	var rules []RoutingRule
	if err := json5.Unmarshal(data, &rules); err != nil {
		return nil, fmt.Errorf("parse routing rules: %w", err)
	}
	return rules, nil
}

// activeRule returns the first rule whose match terms appear in the
// task description.
func activeRule(rules []RoutingRule, description string) *RoutingRule {
	lower := strings.ToLower(description)
	for i := range rules {
		for _, term := range rules[i].Match {
			if term != "" && strings.Contains(lower, strings.ToLower(term)) {
				return &rules[i]
			}
		}
	}
	return nil
}

// routingSurface rewrites the skill catalog text according to the
// rule: preferred skills move to the top, avoided ones drop out unless
// nothing preferred matched the catalog at all.
func routingSurface(catalog string, rule *RoutingRule) string {
	if rule == nil {
		return catalog
	}
	lines := strings.Split(catalog, "\n")

	var preferred, neutral, avoided []string
	for _, line := range lines {
		name := skillLineName(line)
		switch {
		case name == "":
			neutral = append(neutral, line)
		case contains(rule.Preferred, name):
			preferred = append(preferred, line)
		case contains(rule.Avoided, name):
			avoided = append(avoided, line)
		default:
			neutral = append(neutral, line)
		}
	}

	var b strings.Builder
	if len(preferred) > 0 {
		b.WriteString("Preferred tools for this task:\n")
		for _, l := range preferred {
			b.WriteString(l)
			b.WriteString("\n")
		}
		if rule.RequirePreferred {
			b.WriteString("You must pick from the preferred tools above.\n")
			return b.String()
		}
	}
	for _, l := range neutral {
		b.WriteString(l)
		b.WriteString("\n")
	}
	// Avoided skills stay hidden while anything else is on offer.
	if len(preferred) == 0 && len(neutral) <= 1 {
		for _, l := range avoided {
			b.WriteString(l)
			b.WriteString("\n")
		}
	}
	return b.String()
}

// skillLineName extracts the skill name from a "- name: description"
// catalog line.
func skillLineName(line string) string {
	trimmed := strings.TrimPrefix(line, "- ")
	if trimmed == line {
		return ""
	}
	if i := strings.IndexByte(trimmed, ':'); i > 0 {
		return strings.TrimSpace(trimmed[:i])
	}
	return ""
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
