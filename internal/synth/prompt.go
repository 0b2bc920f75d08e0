package synth

import (
	"fmt"
	"strings"

	"github.com/kalambet/runeforge/internal/classify"
)

const systemPrompt = `You write reusable operational snippets for an engineering knowledge base. Reply with ONLY the snippet: a script, configuration file or template that solves the task. No explanations, no surrounding prose. Use placeholders like <NAME> for values you do not know. Never include real credentials.`

var domainHints = map[string]string{
	classify.InfrastructureOps: "Prefer a Kubernetes manifest, Helm values, Terraform or a kubectl/shell script.",
	classify.MLOps:             "Prefer an MLflow or Kubeflow snippet, or a short Python script.",
	classify.DevOpsPipeline:    "Prefer a CI pipeline definition such as a GitHub Actions workflow or a Jenkinsfile.",
	classify.GeneralKnowledge:  "Prefer a short shell script or a concise numbered procedure.",
}

// BuildPrompt returns the user prompt for drafting a fragment that solves
// task within domain. task must already be sanitized.
func BuildPrompt(domain, task string) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Domain: %s\n", domain)
	if hint, ok := domainHints[domain]; ok {
		sb.WriteString(hint)
		sb.WriteByte('\n')
	}
	sb.WriteString("\nTask:\n")
	sb.WriteString(strings.TrimSpace(task))
	return sb.String()
}
