package match

import (
	"math"
	"strings"

	"github.com/kalambet/runeforge/internal/storage"
)

// Scoring weights. Together with DefaultThreshold these were tuned against
// the (old+new)/2 feedback rule and are kept as constants.
const (
	WeightPattern  = 0.4
	WeightContext  = 0.2
	WeightFeedback = 0.3
	MaxUsageBonus  = 0.1
	UsageDivisor   = 100.0
)

// DefaultThreshold is the minimum score for a confident match.
const DefaultThreshold = 0.7

// Breakdown is the per-term contribution to a rune's score.
type Breakdown struct {
	Pattern  float64 `json:"pattern"`
	Context  float64 `json:"context"`
	Feedback float64 `json:"feedback"`
	Usage    float64 `json:"usage"`
}

// Total is the sum of all terms.
func (b Breakdown) Total() float64 {
	return b.Pattern + b.Context + b.Feedback + b.Usage
}

// Score computes the match score of r for task and the context hints.
func Score(r storage.Rune, task string, hints map[string]string) float64 {
	return Explain(r, task, hints).Total()
}

// Explain returns the individual terms of Score.
func Explain(r storage.Rune, task string, hints map[string]string) Breakdown {
	var b Breakdown
	if patternContains(r.Pattern, task) {
		b.Pattern = WeightPattern
	}
	b.Context = WeightContext * contextOverlap(r.Metadata, hints)
	b.Feedback = WeightFeedback * r.FeedbackScore
	b.Usage = math.Min(float64(r.UsageCount)/UsageDivisor, MaxUsageBonus)
	return b
}

// patternContains reports whether the trimmed pattern occurs in task,
// ignoring case. An empty pattern never matches.
func patternContains(pattern, task string) bool {
	p := strings.TrimSpace(pattern)
	if p == "" {
		return false
	}
	return strings.Contains(strings.ToLower(task), strings.ToLower(p))
}

// contextOverlap is the fraction of hint keys whose value equals the rune's
// metadata value for that key, ignoring case. No hints means no overlap.
func contextOverlap(meta, hints map[string]string) float64 {
	if len(hints) == 0 {
		return 0
	}
	matched := 0
	for k, v := range hints {
		if mv, ok := meta[k]; ok && strings.EqualFold(strings.TrimSpace(mv), strings.TrimSpace(v)) {
			matched++
		}
	}
	return float64(matched) / float64(len(hints))
}
