package guard

import (
	"fmt"
	"strings"
)

// ErrorFixer builds ordered recovery plans from the last error text.
type ErrorFixer struct{}

func NewErrorFixer() *ErrorFixer { return &ErrorFixer{} }

// Plan returns the recovery steps for an error, in the order the loop
// should attempt them. The plan is empty when there is no error.
func (f *ErrorFixer) Plan(lastError, description string) []string {
	if lastError == "" {
		return nil
	}

	plan := []string{
		fmt.Sprintf("Critical objective unchanged: %s", firstLine(description)),
		fmt.Sprintf("Diagnose first: re-read the error %q and identify which input or precondition caused it.", truncateError(lastError)),
	}

	lower := strings.ToLower(lastError)
	switch {
	case containsAny(lower, "network", "timeout", "timed out", "connection", "econnrefused", "dial"):
		plan = append(plan,
			"Network/timeout failure: retry once with a smaller payload or a shorter operation, then fall back to an alternative endpoint or tool.")
	case containsAny(lower, "no such file", "not found", "enoent", "does not exist"):
		plan = append(plan,
			"Resource missing: locate the file or record first (list the directory, search, or ask) before retrying the operation.")
	case containsAny(lower, "permission", "denied", "eacces", "forbidden", "unauthorized"):
		plan = append(plan,
			"Permission denied: do not retry the same path. Find a location you own or a different tool that can perform the operation.")
	case containsAny(lower, "rate limit", "rate-limit", "429", "too many requests", "quota"):
		plan = append(plan,
			"Rate limited: switch to a fallback provider or schedule the work for later instead of hammering the same endpoint.")
	case containsAny(lower, "syntax", "invalid", "parse", "unexpected token", "malformed"):
		plan = append(plan,
			"Input rejected: re-read the tool's expected argument shape and escape or restructure the input before retrying.")
	default:
		plan = append(plan,
			"Unrecognized failure: change one variable at a time (tool, input, target) and observe what changes.")
	}

	plan = append(plan,
		"If the fix fails, stop retrying: surface the exact error text to the user and ask for help.")
	return plan
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	s = strings.TrimSpace(s)
	if len(s) > 200 {
		s = s[:200] + "..."
	}
	return s
}

func truncateError(s string) string {
	if len(s) > 160 {
		return s[:160] + "..."
	}
	return s
}
