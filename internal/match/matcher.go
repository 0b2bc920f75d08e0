// Package match retrieves the best production rune for a task, falling back
// to synthesis when nothing scores above the threshold.
package match

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kalambet/runeforge/internal/audit"
	"github.com/kalambet/runeforge/internal/classify"
	"github.com/kalambet/runeforge/internal/knowledge"
	"github.com/kalambet/runeforge/internal/metrics"
	"github.com/kalambet/runeforge/internal/sanitize"
	"github.com/kalambet/runeforge/internal/storage"
	"github.com/kalambet/runeforge/internal/synth"
)

// Result sources.
const (
	SourceRune        = "rune"
	SourceSynthesized = "synthesized"
	SourceFallback    = "fallback"
)

// ErrEmptyTask is returned by Match for a blank task.
var ErrEmptyTask = errors.New("task text is required")

// scoreEpsilon absorbs floating point noise in the weighted sum.
const scoreEpsilon = 1e-9

// Store is the subset of storage.Store the matcher needs.
type Store interface {
	ListProductionRunes(ctx context.Context) ([]storage.Rune, error)
	EnsureOrb(ctx context.Context, name, description string) (storage.Orb, error)
	CreateRune(ctx context.Context, r storage.Rune) (storage.Rune, error)
	IncrementRuneUsage(ctx context.Context, id string) error
}

// Result is the outcome of Match. Rune is set only when Source is
// SourceRune; DraftID is set when a synthesized draft was persisted.
type Result struct {
	Source    string        `json:"source"`
	Content   string        `json:"content"`
	Language  string        `json:"language"`
	Domain    string        `json:"domain"`
	Score     float64       `json:"score"`
	Breakdown Breakdown     `json:"breakdown"`
	Rune      *storage.Rune `json:"rune,omitempty"`
	BestID    string        `json:"best_candidate_id,omitempty"`
	DraftID   string        `json:"draft_id,omitempty"`
	Error     string        `json:"error,omitempty"`
}

// Matcher scores production runes against task descriptions.
type Matcher struct {
	store        Store
	classifier   classify.Classifier
	synth        synth.Synthesizer
	threshold    float64
	concurrency  int
	synthTimeout time.Duration
	metrics      *metrics.Collector
	audit        audit.Sink
}

type Option func(*Matcher)

func WithThreshold(t float64) Option {
	return func(m *Matcher) {
		if t > 0 {
			m.threshold = t
		}
	}
}

// WithConcurrency bounds the number of goroutines scoring candidates.
func WithConcurrency(n int) Option {
	return func(m *Matcher) {
		if n > 0 {
			m.concurrency = n
		}
	}
}

// WithSynthTimeout bounds each synthesizer call made on a miss.
func WithSynthTimeout(d time.Duration) Option {
	return func(m *Matcher) {
		if d > 0 {
			m.synthTimeout = d
		}
	}
}

func WithMetrics(c *metrics.Collector) Option {
	return func(m *Matcher) { m.metrics = c }
}

func WithAudit(s audit.Sink) Option {
	return func(m *Matcher) { m.audit = s }
}

// New creates a Matcher. A nil synthesizer behaves like synth.Unavailable.
func New(store Store, c classify.Classifier, s synth.Synthesizer, opts ...Option) *Matcher {
	if s == nil {
		s = synth.Unavailable{}
	}
	m := &Matcher{
		store:        store,
		classifier:   c,
		synth:        s,
		threshold:    DefaultThreshold,
		concurrency:  8,
		synthTimeout: synth.DefaultTimeout,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Threshold returns the configured confidence threshold.
func (m *Matcher) Threshold() float64 { return m.threshold }

// Match returns the best production rune for task when it scores at least
// the threshold. Otherwise the synthesizer drafts a fragment, which is stored
// as a version-0 rune and returned as content only. When synthesis fails the
// literal task text is returned as a fallback; that path never errors.
func (m *Matcher) Match(ctx context.Context, task string, hints map[string]string) (Result, error) {
	if strings.TrimSpace(task) == "" {
		return Result{}, ErrEmptyTask
	}
	defer m.metrics.Since(metrics.OpMatch, time.Now())

	candidates, err := m.store.ListProductionRunes(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("loading production runes: %w", err)
	}

	best, breakdown, err := m.best(ctx, candidates, task, hints)
	if err != nil {
		return Result{}, err
	}

	if best >= 0 && breakdown.Total()+scoreEpsilon >= m.threshold {
		r := candidates[best]
		if err := m.store.IncrementRuneUsage(ctx, r.ID); err != nil {
			slog.Warn("incrementing rune usage failed", "rune_id", r.ID, "error", err)
		} else {
			r.UsageCount++
		}
		m.metrics.Inc(metrics.MatchHit)
		res := Result{
			Source:    SourceRune,
			Content:   r.Content,
			Language:  r.Language,
			Score:     breakdown.Total(),
			Breakdown: breakdown,
			Rune:      &r,
			BestID:    r.ID,
		}
		m.emit(ctx, r.ID, fmt.Sprintf("hit score=%.3f", res.Score))
		return res, nil
	}

	res := Result{Score: breakdown.Total(), Breakdown: breakdown}
	if best >= 0 {
		res.BestID = candidates[best].ID
	}
	return m.synthesize(ctx, task, hints, res), nil
}

// best scores every candidate in parallel and returns the index of the
// highest score, the first one winning ties. It returns -1 when there are no
// candidates.
func (m *Matcher) best(ctx context.Context, candidates []storage.Rune, task string, hints map[string]string) (int, Breakdown, error) {
	if len(candidates) == 0 {
		return -1, Breakdown{}, nil
	}

	scores := make([]Breakdown, len(candidates))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.concurrency)
	for i := range candidates {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			scores[i] = Explain(candidates[i], task, hints)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return -1, Breakdown{}, err
	}

	bestIdx := 0
	for i := 1; i < len(scores); i++ {
		if scores[i].Total() > scores[bestIdx].Total() {
			bestIdx = i
		}
	}
	return bestIdx, scores[bestIdx], nil
}

func (m *Matcher) synthesize(ctx context.Context, task string, hints map[string]string, res Result) Result {
	clean := sanitize.Text(task)
	res.Domain = m.classifier.Classify(clean)

	sctx, cancel := context.WithTimeout(ctx, m.synthTimeout)
	defer cancel()
	start := time.Now()
	out, err := m.synth.Synthesize(sctx, synth.BuildPrompt(res.Domain, clean))
	m.metrics.Since(metrics.OpSynthesize, start)
	if err != nil {
		slog.Warn("synthesis failed, returning input as fallback", "provider", m.synth.Name(), "error", err)
		m.metrics.Inc(metrics.MatchFallback)
		res.Source = SourceFallback
		res.Content = task
		res.Language = knowledge.LangText
		res.Error = err.Error()
		m.emit(ctx, "", fmt.Sprintf("fallback score=%.3f: %v", res.Score, err))
		return res
	}

	m.metrics.Inc(metrics.MatchSynthesized)
	res.Source = SourceSynthesized
	res.Content = out
	res.Language = knowledge.DetectLanguage(out)

	draft, err := m.persistDraft(ctx, clean, out, res.Language, res.Domain, hints)
	if err != nil {
		slog.Warn("storing synthesized draft failed", "domain", res.Domain, "error", err)
	} else {
		res.DraftID = draft.ID
	}
	m.emit(ctx, res.DraftID, fmt.Sprintf("synthesized score=%.3f provider=%s", res.Score, m.synth.Name()))
	return res
}

func (m *Matcher) persistDraft(ctx context.Context, pattern, content, lang, domain string, hints map[string]string) (storage.Rune, error) {
	orb, err := m.store.EnsureOrb(ctx, domain, classify.Describe(domain))
	if err != nil {
		return storage.Rune{}, err
	}
	meta := make(map[string]string, len(hints))
	for k, v := range hints {
		meta[k] = sanitize.Text(v)
	}
	return m.store.CreateRune(ctx, storage.Rune{
		OrbID:    orb.ID,
		Pattern:  strings.TrimSpace(pattern),
		Content:  content,
		Language: lang,
		Version:  storage.VersionDraft,
		TaskID:   meta["task_id"],
		Source:   "synthesized:" + m.synth.Name(),
		Metadata: meta,
	})
}

func (m *Matcher) emit(ctx context.Context, runeID, detail string) {
	audit.Emit(ctx, m.audit, audit.Event{
		Kind:   audit.KindMatch,
		RuneID: runeID,
		Actor:  "matcher",
		Detail: detail,
	})
}
