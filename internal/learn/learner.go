// Package learn feeds task outcomes, explicit feedback and test failures back
// into rune and orb quality signals. It never deletes runes and never
// promotes drafts.
package learn

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"

	"github.com/kalambet/runeforge/internal/audit"
	"github.com/kalambet/runeforge/internal/classify"
	"github.com/kalambet/runeforge/internal/metrics"
	"github.com/kalambet/runeforge/internal/sanitize"
	"github.com/kalambet/runeforge/internal/storage"
)

// ErrValidation marks malformed learner input.
var ErrValidation = errors.New("validation error")

// Signal adjustments.
const (
	OutcomeNudge          = 0.05
	OrbSuccessBoost       = 0.1
	OrbFailurePenalty     = 0.05
	maxOperationNameBytes = 200
)

// Rune tags stored under the "tag" metadata key.
const (
	TagLearned  = "learned"
	TagRecovery = "recovery"
)

// Source is the provenance recorded on runes the learner creates.
const Source = "learner"

type Store interface {
	GetRune(ctx context.Context, id string) (storage.Rune, error)
	ApplyRuneFeedback(ctx context.Context, id string, score float64, flag bool) (storage.Rune, error)
	NudgeRuneFeedback(ctx context.Context, id string, delta float64) error
	FindRunesByPattern(ctx context.Context, fragment string) ([]storage.Rune, error)
	CreateRune(ctx context.Context, r storage.Rune) (storage.Rune, error)
	EnsureOrb(ctx context.Context, name, description string) (storage.Orb, error)
	ListOrbs(ctx context.Context) ([]storage.Orb, error)
	UpdateOrbConfidence(ctx context.Context, id string, delta float64) (float64, error)
}

type Learner struct {
	store      Store
	classifier classify.Classifier
	metrics    *metrics.Collector
	audit      audit.Sink
}

type Option func(*Learner)

func WithMetrics(c *metrics.Collector) Option {
	return func(l *Learner) { l.metrics = c }
}

func WithAudit(s audit.Sink) Option {
	return func(l *Learner) { l.audit = s }
}

func New(store Store, c classify.Classifier, opts ...Option) *Learner {
	l := &Learner{store: store, classifier: c}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Outcome is a completed task and the path of operations that solved it.
type Outcome struct {
	TaskID       string `json:"task_id"`
	TaskText     string `json:"task_text"`
	SolutionPath string `json:"solution_path"`
	Success      bool   `json:"success"`
}

// OutcomeReport lists the effects of RecordOutcome.
type OutcomeReport struct {
	Operations []string           `json:"operations"`
	Nudged     []string           `json:"nudged_rune_ids"`
	Created    []string           `json:"created_rune_ids"`
	Orbs       map[string]float64 `json:"orb_confidence"`
}

// RecordOutcome nudges the feedback of the first rune matching each operation
// of the solution path, or records a learned draft when none matches, and
// adjusts the confidence of every orb named in the task text.
func (l *Learner) RecordOutcome(ctx context.Context, o Outcome) (OutcomeReport, error) {
	if strings.TrimSpace(o.TaskText) == "" && strings.TrimSpace(o.SolutionPath) == "" {
		return OutcomeReport{}, fmt.Errorf("%w: task text or solution path is required", ErrValidation)
	}

	report := OutcomeReport{Operations: ExtractOperations(o.SolutionPath), Orbs: map[string]float64{}}
	delta := OutcomeNudge
	if !o.Success {
		delta = -OutcomeNudge
	}

	domain := l.classifier.Classify(sanitize.Text(o.TaskText + "\n" + o.SolutionPath))
	for _, op := range report.Operations {
		matches, err := l.store.FindRunesByPattern(ctx, op)
		if err != nil {
			return report, fmt.Errorf("finding runes for %q: %w", op, err)
		}
		if len(matches) > 0 {
			if err := l.store.NudgeRuneFeedback(ctx, matches[0].ID, delta); err != nil {
				return report, fmt.Errorf("nudging rune %s: %w", matches[0].ID, err)
			}
			report.Nudged = append(report.Nudged, matches[0].ID)
			continue
		}

		r, err := l.createDraft(ctx, domain, storage.Rune{
			Pattern:  op,
			Content:  op,
			Language: "text",
			TaskID:   o.TaskID,
			Metadata: map[string]string{
				"tag":     TagLearned,
				"outcome": outcomeLabel(o.Success),
			},
		})
		if err != nil {
			return report, err
		}
		report.Created = append(report.Created, r.ID)
	}

	orbDelta := OrbSuccessBoost
	if !o.Success {
		orbDelta = -OrbFailurePenalty
	}
	orbs, err := l.store.ListOrbs(ctx)
	if err != nil {
		return report, fmt.Errorf("listing orbs: %w", err)
	}
	task := strings.ToLower(o.TaskText)
	for _, orb := range orbs {
		if !strings.Contains(task, strings.ToLower(orb.Name)) {
			continue
		}
		conf, err := l.store.UpdateOrbConfidence(ctx, orb.ID, orbDelta)
		if err != nil {
			return report, fmt.Errorf("updating orb %s: %w", orb.Name, err)
		}
		report.Orbs[orb.Name] = conf
	}

	l.metrics.Inc(metrics.Outcomes)
	audit.Emit(ctx, l.audit, audit.Event{
		Kind:   audit.KindFeedback,
		Actor:  Source,
		Detail: fmt.Sprintf("outcome task=%s success=%t ops=%d nudged=%d created=%d", o.TaskID, o.Success, len(report.Operations), len(report.Nudged), len(report.Created)),
	})
	return report, nil
}

// RecordFeedback folds score in [-1, 1] into the rune's running feedback as
// (old+score)/2, floored at zero. A negative score flags the rune.
func (l *Learner) RecordFeedback(ctx context.Context, runeID string, score float64) (storage.Rune, error) {
	if runeID == "" {
		return storage.Rune{}, fmt.Errorf("%w: rune id is required", ErrValidation)
	}
	if math.IsNaN(score) || score < -1 || score > 1 {
		return storage.Rune{}, fmt.Errorf("%w: score %v outside [-1, 1]", ErrValidation, score)
	}

	flag := score < 0
	r, err := l.store.ApplyRuneFeedback(ctx, runeID, score, flag)
	if err != nil {
		return storage.Rune{}, err
	}
	if flag {
		slog.Info("rune flagged for review", "rune_id", runeID, "score", score)
	}

	l.metrics.Inc(metrics.Feedback)
	audit.Emit(ctx, l.audit, audit.Event{
		Kind:   audit.KindFeedback,
		RuneID: runeID,
		Actor:  Source,
		Detail: fmt.Sprintf("score=%.2f feedback=%.3f flagged=%t", score, r.FeedbackScore, r.Flagged),
	})
	return r, nil
}

// TestFailure is a failing downstream test attributed to a task.
type TestFailure struct {
	TaskID   string `json:"task_id"`
	TestName string `json:"test_name"`
	Message  string `json:"message"`
	Context  string `json:"context"`
}

// RecordTestFailure stores a recovery draft keyed by the failure label of
// the message, with the sanitized failure context for human review.
func (l *Learner) RecordTestFailure(ctx context.Context, f TestFailure) (storage.Rune, error) {
	if strings.TrimSpace(f.Message) == "" {
		return storage.Rune{}, fmt.Errorf("%w: failure message is required", ErrValidation)
	}
	label := FailureLabel(f.Message)

	var content strings.Builder
	if f.TestName != "" {
		fmt.Fprintf(&content, "Test %s failed: ", f.TestName)
	}
	content.WriteString(strings.TrimSpace(f.Message))
	if c := strings.TrimSpace(f.Context); c != "" {
		content.WriteString("\n\nContext:\n")
		content.WriteString(c)
	}

	domain := l.classifier.Classify(sanitize.Text(f.TestName + "\n" + f.Message + "\n" + f.Context))
	r, err := l.createDraft(ctx, domain, storage.Rune{
		Pattern:  label,
		Content:  sanitize.Text(content.String()),
		Language: "text",
		TaskID:   f.TaskID,
		Metadata: map[string]string{
			"tag":             TagRecovery,
			"failure_pattern": label,
			"test":            sanitize.Text(f.TestName),
		},
	})
	if err != nil {
		return storage.Rune{}, err
	}
	l.metrics.Inc(metrics.TestFailures)
	return r, nil
}

func (l *Learner) createDraft(ctx context.Context, domain string, r storage.Rune) (storage.Rune, error) {
	orb, err := l.store.EnsureOrb(ctx, domain, classify.Describe(domain))
	if err != nil {
		return storage.Rune{}, fmt.Errorf("resolving orb %q: %w", domain, err)
	}
	r.OrbID = orb.ID
	r.Version = storage.VersionDraft
	r.Source = Source
	created, err := l.store.CreateRune(ctx, r)
	if err != nil {
		return storage.Rune{}, fmt.Errorf("creating %s draft: %w", r.Metadata["tag"], err)
	}
	return created, nil
}

func outcomeLabel(success bool) string {
	if success {
		return "success"
	}
	return "failure"
}
