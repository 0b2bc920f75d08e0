// Package sanitize redacts credentials and personal data from free text
// before it is stored or sent to a synthesizer.
package sanitize

import "regexp"

// Placeholders substituted for redacted content.
const (
	RedactedEmail = "[REDACTED_EMAIL]"
	RedactedKey   = "[REDACTED_KEY]"
	RedactedIP    = "[REDACTED_IP]"
	Redacted      = "[REDACTED]"
)

// Finding classes reported by Findings.
const (
	ClassEmail      = "email"
	ClassAccessKey  = "access_key"
	ClassIPv4       = "ipv4"
	ClassCredential = "credential"
)

type rule struct {
	class   string
	re      *regexp.Regexp
	replace string
}

// Rules run in order. No placeholder matches a later rule, and no pattern
// crosses a newline, so Text is idempotent and preserves the line count.
var rules = []rule{
	{
		class:   ClassEmail,
		re:      regexp.MustCompile(`[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}`),
		replace: RedactedEmail,
	},
	{
		class:   ClassAccessKey,
		re:      regexp.MustCompile(`\b(?:(?:AKIA|ASIA)[0-9A-Z]{16}|AIza[0-9A-Za-z_\-]{35})\b`),
		replace: RedactedKey,
	},
	{
		class:   ClassIPv4,
		re:      regexp.MustCompile(`\b(?:(?:25[0-5]|2[0-4][0-9]|1[0-9][0-9]|[1-9]?[0-9])\.){3}(?:25[0-5]|2[0-4][0-9]|1[0-9][0-9]|[1-9]?[0-9])\b`),
		replace: RedactedIP,
	},
	{
		class:   ClassCredential,
		re:      regexp.MustCompile(`(?i)\b([a-z0-9_]*?(?:password|passwd|pwd|token|secret|api_key|username|user))[ \t]*[=:][ \t]*[^\s&;,]+`),
		replace: "${1}=" + Redacted,
	},
}

// Text returns s with email addresses, cloud access keys, IPv4 addresses and
// credential assignments replaced by fixed placeholders.
func Text(s string) string {
	for _, r := range rules {
		s = r.re.ReplaceAllString(s, r.replace)
	}
	return s
}

// Findings reports which classes of sensitive content s contains, in rule
// order. Matched values are never returned, and already redacted text
// reports nothing.
func Findings(s string) []string {
	var classes []string
	for _, r := range rules {
		out := r.re.ReplaceAllString(s, r.replace)
		if out != s {
			classes = append(classes, r.class)
		}
		s = out
	}
	return classes
}
