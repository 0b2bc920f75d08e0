package moderation

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// Section kinds appended to a queue item's text.
const (
	sectionSynthesized = "synthesized"
	sectionError       = "error"
	sectionRejected    = "rejected"
)

var (
	orbLineRe = regexp.MustCompile(`^\[orb:([a-z0-9][a-z0-9._-]*)\]$`)
	headerRe  = regexp.MustCompile(`^--- (synthesized|error|rejected) [^\n]* ---$`)
)

type section struct {
	kind   string
	header string
	text   string
}

// annotated is a queue item's text split into the domain annotation, the
// submitted body and the sections appended by processing.
type annotated struct {
	domain   string
	body     string
	sections []section
}

func parseAnnotated(raw string) annotated {
	var a annotated
	lines := strings.Split(raw, "\n")
	if len(lines) > 0 {
		if m := orbLineRe.FindStringSubmatch(strings.TrimSpace(lines[0])); m != nil {
			a.domain = m[1]
			lines = lines[1:]
		}
	}

	var body []string
	var cur *section
	var curLines []string
	flush := func() {
		if cur != nil {
			cur.text = strings.TrimSpace(strings.Join(curLines, "\n"))
			a.sections = append(a.sections, *cur)
		}
	}
	for _, line := range lines {
		if m := headerRe.FindStringSubmatch(line); m != nil {
			flush()
			cur = &section{kind: m[1], header: line}
			curLines = nil
			continue
		}
		if cur == nil {
			body = append(body, line)
		} else {
			curLines = append(curLines, line)
		}
	}
	flush()
	a.body = strings.TrimSpace(strings.Join(body, "\n"))
	return a
}

// last returns the text of the most recent section of kind, or "".
func (a annotated) last(kind string) string {
	for i := len(a.sections) - 1; i >= 0; i-- {
		if a.sections[i].kind == kind {
			return a.sections[i].text
		}
	}
	return ""
}

func withDomain(domain, body string) string {
	return fmt.Sprintf("[orb:%s]\n%s", domain, body)
}

func appendSection(text, kind string, at time.Time, suffix, content string) string {
	header := fmt.Sprintf("--- %s %s", kind, at.UTC().Format(time.RFC3339))
	if suffix != "" {
		header += " " + suffix
	}
	header += " ---"
	text = strings.TrimRight(text, "\n") + "\n\n" + header
	if content = strings.TrimSpace(content); content != "" {
		text += "\n" + content
	}
	return text
}

// appendParsed re-emits a section parsed from an earlier version of the text.
func appendParsed(text string, sec section) string {
	text = strings.TrimRight(text, "\n") + "\n\n" + sec.header
	if sec.text != "" {
		text += "\n" + sec.text
	}
	return text
}
