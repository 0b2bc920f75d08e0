// Package classify maps free text to a knowledge domain label.
package classify

import "strings"

// Domain labels, one per production orb.
const (
	InfrastructureOps = "infrastructure-ops"
	MLOps             = "ml-ops"
	DevOpsPipeline    = "devops-pipeline"
	GeneralKnowledge  = "general-knowledge"
)

// Default is returned when no keyword set matches.
const Default = GeneralKnowledge

// Classifier assigns exactly one domain label to a text.
type Classifier interface {
	Classify(text string) string
	Domains() []string
}

type rule struct {
	domain   string
	keywords []string
}

// priority is evaluated top to bottom and the first domain with any keyword
// hit wins. Reordering it reclassifies existing runes.
var priority = []rule{
	{InfrastructureOps, []string{
		"kubernetes", "k8s", "kubectl", "pod", "helm", "terraform", "docker",
		"container", "nginx", "ingress", "ansible", "cluster", "namespace", "deployment.yaml",
	}},
	{MLOps, []string{
		"mlflow", "kubeflow", "model training", "train a model", "inference", "dataset",
		"feature store", "hyperparameter", "experiment tracking", "model registry",
	}},
	{DevOpsPipeline, []string{
		"pipeline", "jenkins", "github actions", "gitlab", "ci/cd", "build job",
		"artifact", "release", "argo workflow", "tekton",
	}},
}

// Keyword is the ordered keyword-membership classifier.
type Keyword struct{}

// NewKeyword returns the keyword classifier.
func NewKeyword() Keyword { return Keyword{} }

// Classify lower-cases text and returns the first domain in priority order
// whose keyword set has a substring hit, or Default.
func (Keyword) Classify(text string) string {
	lower := strings.ToLower(text)
	for _, r := range priority {
		for _, kw := range r.keywords {
			if strings.Contains(lower, kw) {
				return r.domain
			}
		}
	}
	return Default
}

// Domains returns every label in priority order, Default last.
func (Keyword) Domains() []string { return Domains() }

// Domains returns every label in priority order, Default last.
func Domains() []string {
	out := make([]string, 0, len(priority)+1)
	for _, r := range priority {
		out = append(out, r.domain)
	}
	return append(out, Default)
}

// Keywords returns a copy of the keyword set for domain, or nil for the
// default domain and unknown labels.
func Keywords(domain string) []string {
	for _, r := range priority {
		if r.domain == domain {
			return append([]string(nil), r.keywords...)
		}
	}
	return nil
}

// Describe returns a short human description of a domain, used as the orb
// description.
func Describe(domain string) string {
	switch domain {
	case InfrastructureOps:
		return "Cluster, container and infrastructure operations"
	case MLOps:
		return "Model training, tracking and serving"
	case DevOpsPipeline:
		return "CI/CD pipelines, builds and releases"
	case GeneralKnowledge:
		return "Everything that matches no specialised domain"
	}
	return ""
}
