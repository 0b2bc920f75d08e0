package knowledge

import (
	"encoding/json"
	"strings"

	"gopkg.in/yaml.v3"
)

// Language tags assigned to rune content.
const (
	LangText       = "text"
	LangBash       = "bash"
	LangPython     = "python"
	LangDockerfile = "dockerfile"
	LangJSON       = "json"
	LangYAML       = "yaml"
)

var shellCommands = []string{
	"kubectl ", "helm ", "docker ", "terraform ", "git ", "pip ", "apt-get ", "apt ",
	"curl ", "wget ", "mlflow ", "ansible-playbook ", "make ", "npm ", "go ", "sudo ",
	"export ", "cd ", "mkdir ", "systemctl ",
}

var dockerInstructions = []string{"RUN ", "COPY ", "ADD ", "CMD ", "ENTRYPOINT ", "WORKDIR ", "ENV ", "EXPOSE "}

// DetectLanguage guesses the language of content from its shape. Content that
// looks like prose is LangText.
func DetectLanguage(content string) string {
	trimmed := strings.TrimSpace(content)
	if trimmed == "" {
		return LangText
	}
	first := firstLine(trimmed)

	if strings.HasPrefix(first, "#!") {
		if strings.Contains(first, "python") {
			return LangPython
		}
		return LangBash
	}
	if strings.HasPrefix(first, "FROM ") && hasAnyLinePrefix(trimmed, dockerInstructions) {
		return LangDockerfile
	}
	if (trimmed[0] == '{' || trimmed[0] == '[') && json.Valid([]byte(trimmed)) {
		return LangJSON
	}
	if isYAMLDocument(trimmed) {
		return LangYAML
	}
	if strings.HasPrefix(first, "$ ") || hasPrefixAny(first, shellCommands) {
		return LangBash
	}
	if strings.HasPrefix(first, "import ") || strings.HasPrefix(first, "def ") || strings.HasPrefix(first, "from ") {
		return LangPython
	}
	return LangText
}

// LooksExecutable reports whether content is already a script or structured
// document that can be stored without synthesis.
func LooksExecutable(content string) bool {
	return DetectLanguage(content) != LangText
}

// isYAMLDocument accepts mappings with at least two keys or with a nested
// value, so that a single "Note: something" line stays prose.
func isYAMLDocument(s string) bool {
	if !strings.Contains(s, ":") {
		return false
	}
	var doc map[string]any
	if err := yaml.Unmarshal([]byte(s), &doc); err != nil || len(doc) == 0 {
		return false
	}
	if len(doc) >= 2 {
		return true
	}
	for _, v := range doc {
		switch v.(type) {
		case map[string]any, []any:
			return true
		}
	}
	return false
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return strings.TrimSpace(s[:i])
	}
	return s
}

func hasPrefixAny(s string, prefixes []string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(s, p) {
			return true
		}
	}
	return false
}

func hasAnyLinePrefix(s string, prefixes []string) bool {
	for _, line := range strings.Split(s, "\n") {
		if hasPrefixAny(strings.TrimSpace(line), prefixes) {
			return true
		}
	}
	return false
}
