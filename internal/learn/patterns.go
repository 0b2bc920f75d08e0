package learn

import (
	"strings"
	"unicode/utf8"

	"github.com/kalambet/runeforge/internal/sanitize"
)

// Failure labels, checked in this order.
const (
	FailureAssertion  = "assertion_failure"
	FailureTimeout    = "timeout"
	FailureMemory     = "memory_error"
	FailureConnection = "connection_error"
	FailurePermission = "permission_error"
	FailureDependency = "dependency_error"
	FailureSyntax     = "syntax_error"
	FailureUnknown    = "unknown_failure"
)

var failureRules = []struct {
	label    string
	keywords []string
}{
	{FailureAssertion, []string{"assert"}},
	{FailureTimeout, []string{"timeout", "timed out", "deadline exceeded"}},
	{FailureMemory, []string{"out of memory", "memoryerror", "oomkilled", "oom-killer", "cannot allocate memory"}},
	{FailureConnection, []string{"connection refused", "connection reset", "econnrefused", "no route to host", "unreachable"}},
	{FailurePermission, []string{"permission denied", "forbidden", "unauthorized", "eacces", "access denied"}},
	{FailureDependency, []string{"no module named", "modulenotfounderror", "importerror", "cannot find package", "not installed", "dependency"}},
	{FailureSyntax, []string{"syntaxerror", "syntax error", "unexpected token", "parse error"}},
}

// FailureLabel derives a coarse failure pattern from a test failure message.
func FailureLabel(message string) string {
	lower := strings.ToLower(message)
	for _, r := range failureRules {
		for _, kw := range r.keywords {
			if strings.Contains(lower, kw) {
				return r.label
			}
		}
	}
	return FailureUnknown
}

// ExtractOperations splits a solution path on "->", ";" and newlines and
// returns the distinct operation names in order. A step's name ends at its
// first "(" or ":".
func ExtractOperations(path string) []string {
	path = strings.ReplaceAll(path, "->", "\n")
	path = strings.ReplaceAll(path, ";", "\n")

	var ops []string
	seen := make(map[string]bool)
	for _, step := range strings.Split(path, "\n") {
		name := step
		if i := strings.IndexAny(name, "(:"); i >= 0 {
			name = name[:i]
		}
		name = truncateName(strings.TrimSpace(sanitize.Text(name)))
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true
		ops = append(ops, name)
	}
	return ops
}

// truncateName cuts name to maxOperationNameBytes without splitting a rune.
func truncateName(name string) string {
	if len(name) <= maxOperationNameBytes {
		return name
	}
	cut := maxOperationNameBytes
	for cut > 0 && !utf8.RuneStart(name[cut]) {
		cut--
	}
	return strings.TrimSpace(name[:cut])
}
