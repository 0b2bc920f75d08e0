// Package moderation runs the queue state machine that turns raw
// submissions into vetted production runes:
//
//	pending -> trained -> approved | rejected
//	pending -> error   -> trained (retrain) | approved | rejected
//
// No transition returns an item to pending.
package moderation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
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

var (
	// ErrValidation marks malformed requests.
	ErrValidation = errors.New("validation error")
	// ErrInvalidTransition marks an operation not allowed from the item's
	// current status.
	ErrInvalidTransition = errors.New("invalid state transition")
)

// DefaultSource replaces sources outside the allow-list.
const DefaultSource = "manual"

// MaxTextBytes bounds submitted text.
const MaxTextBytes = 1 << 20

var allowedSources = map[string]bool{
	"manual":  true,
	"api":     true,
	"cli":     true,
	"mcp":     true,
	"chat":    true,
	"ocr":     true,
	"import":  true,
	"learner": true,
	"matcher": true,
}

var taskIDRe = regexp.MustCompile(`^[A-Za-z0-9._:-]{1,128}$`)

// NormalizeSource returns source lower-cased when allowed, DefaultSource
// otherwise. Unknown sources are never rejected.
func NormalizeSource(source string) string {
	s := strings.ToLower(strings.TrimSpace(source))
	if allowedSources[s] {
		return s
	}
	return DefaultSource
}

// ValidTaskID reports whether id is usable as a task identifier. The empty
// id is valid.
func ValidTaskID(id string) bool {
	return id == "" || taskIDRe.MatchString(id)
}

// Store is the subset of storage.Store the service uses.
type Store interface {
	EnqueueQueueItem(ctx context.Context, item storage.QueueItem) (storage.QueueItem, error)
	GetQueueItem(ctx context.Context, id string) (storage.QueueItem, error)
	ListQueueItems(ctx context.Context, status string, limit, offset int) ([]storage.QueueItem, error)
	TransitionQueueItem(ctx context.Context, id string, from []string, to, rawText string) (storage.QueueItem, error)
	ApproveQueueItem(ctx context.Context, id string, from []string, rawText string, r storage.Rune) (storage.QueueItem, storage.Rune, error)
	DeleteQueueItem(ctx context.Context, id string) error
	EnsureOrb(ctx context.Context, name, description string) (storage.Orb, error)
	GetRune(ctx context.Context, id string) (storage.Rune, error)
	PromoteRune(ctx context.Context, id, content, language string) (storage.Rune, error)
}

// Service owns queue transitions. Mutations of one item are serialized by an
// in-process lock and guarded in the store by compare-and-set updates.
type Service struct {
	store        Store
	classifier   classify.Classifier
	synth        synth.Synthesizer
	metrics      *metrics.Collector
	audit        audit.Sink
	now          func() time.Time
	locks        *keyedMutex
	concurrency  int
	synthTimeout time.Duration
}

type Option func(*Service)

func WithMetrics(c *metrics.Collector) Option {
	return func(s *Service) { s.metrics = c }
}

func WithAudit(a audit.Sink) Option {
	return func(s *Service) { s.audit = a }
}

// WithClock sets the clock used for annotation timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithConcurrency bounds the number of items Sweep trains at once.
func WithConcurrency(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.concurrency = n
		}
	}
}

func WithSynthTimeout(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.synthTimeout = d
		}
	}
}

func NewService(store Store, c classify.Classifier, sy synth.Synthesizer, opts ...Option) *Service {
	if sy == nil {
		sy = synth.Unavailable{}
	}
	s := &Service{
		store:        store,
		classifier:   c,
		synth:        sy,
		now:          func() time.Time { return time.Now().UTC() },
		locks:        newKeyedMutex(),
		concurrency:  4,
		synthTimeout: synth.DefaultTimeout,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Enqueue stores a new pending item.
func (s *Service) Enqueue(ctx context.Context, taskID, rawText, source string) (storage.QueueItem, error) {
	if strings.TrimSpace(rawText) == "" {
		return storage.QueueItem{}, fmt.Errorf("%w: raw text is required", ErrValidation)
	}
	if len(rawText) > MaxTextBytes {
		return storage.QueueItem{}, fmt.Errorf("%w: raw text exceeds %d bytes", ErrValidation, MaxTextBytes)
	}
	if !ValidTaskID(taskID) {
		return storage.QueueItem{}, fmt.Errorf("%w: malformed task id %q", ErrValidation, taskID)
	}
	src := NormalizeSource(source)

	item, err := s.store.EnqueueQueueItem(ctx, storage.QueueItem{TaskID: taskID, RawText: rawText, Source: src})
	if err != nil {
		return storage.QueueItem{}, err
	}
	s.emit(ctx, item.ID, "", storage.StatusPending, src, "")
	return item, nil
}

func (s *Service) Get(ctx context.Context, id string) (storage.QueueItem, error) {
	return s.store.GetQueueItem(ctx, id)
}

// List returns items with status (all when empty) in creation order.
func (s *Service) List(ctx context.Context, status string, limit, offset int) ([]storage.QueueItem, error) {
	if status != "" && storage.StatusRank(status) < 0 {
		return nil, fmt.Errorf("%w: unknown status %q", ErrValidation, status)
	}
	return s.store.ListQueueItems(ctx, status, limit, offset)
}

// Delete removes an item on explicit operator request.
func (s *Service) Delete(ctx context.Context, id, actor string) error {
	unlock := s.locks.Lock(id)
	defer unlock()

	item, err := s.store.GetQueueItem(ctx, id)
	if err != nil {
		return err
	}
	if err := s.store.DeleteQueueItem(ctx, id); err != nil {
		return err
	}
	s.emit(ctx, id, item.Status, "", actor, "deleted")
	return nil
}

// Train classifies, sanitizes and, unless the text is already executable,
// synthesizes a fragment for a pending item. Processing failures move the
// item to error with the failure appended; they are not returned.
func (s *Service) Train(ctx context.Context, id, actor string) (storage.QueueItem, error) {
	return s.train(ctx, id, storage.StatusPending, actor)
}

// Retrain runs the training step again for an item in error.
func (s *Service) Retrain(ctx context.Context, id, actor string) (storage.QueueItem, error) {
	return s.train(ctx, id, storage.StatusError, actor)
}

func (s *Service) train(ctx context.Context, id, from, actor string) (storage.QueueItem, error) {
	unlock := s.locks.Lock(id)
	defer unlock()

	item, err := s.store.GetQueueItem(ctx, id)
	if err != nil {
		return storage.QueueItem{}, err
	}
	if item.Status != from {
		return storage.QueueItem{}, fmt.Errorf("%w: cannot train item %s in status %s", ErrInvalidTransition, id, item.Status)
	}

	start := time.Now()
	text, procErr := s.process(ctx, item.RawText, item.Status == storage.StatusError)
	s.metrics.Since(metrics.OpTrain, start)

	to := storage.StatusTrained
	detail := ""
	if procErr != nil {
		to = storage.StatusError
		detail = procErr.Error()
		slog.Warn("training queue item failed", "queue_id", id, "error", procErr)
		s.metrics.Inc(metrics.TrainError)
	} else {
		s.metrics.Inc(metrics.TrainOK)
	}

	updated, err := s.store.TransitionQueueItem(ctx, id, []string{from}, to, text)
	if err != nil {
		return storage.QueueItem{}, err
	}
	s.emit(ctx, id, from, to, actor, detail)
	return updated, nil
}

// process returns the annotated text for raw. On failure the returned text
// carries an error section and err is non-nil. Items in error are parsed so
// that earlier sections stay visible.
func (s *Service) process(ctx context.Context, raw string, retry bool) (text string, err error) {
	text = raw
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic during training: %v", r)
			text = appendSection(text, sectionError, s.now(), "", err.Error())
		}
	}()

	body := strings.TrimSpace(raw)
	var earlier []section
	if retry {
		parsed := parseAnnotated(raw)
		body, earlier = parsed.body, parsed.sections
	}

	// Classify before redaction: hosts and emails often carry the keywords.
	domain := s.classifier.Classify(body)
	clean := sanitize.Text(body)
	text = withDomain(domain, clean)
	for _, sec := range earlier {
		text = appendParsed(text, sec)
	}

	if knowledge.LooksExecutable(clean) {
		return text, nil
	}

	sctx, cancel := context.WithTimeout(ctx, s.synthTimeout)
	defer cancel()
	out, err := s.synth.Synthesize(sctx, synth.BuildPrompt(domain, clean))
	if err == nil && strings.TrimSpace(out) == "" {
		err = errors.New("synthesizer returned empty output")
	}
	if err != nil {
		err = fmt.Errorf("synthesizing with %s: %w", s.synth.Name(), err)
		return appendSection(text, sectionError, s.now(), "", sanitize.Text(err.Error())), err
	}
	return appendSection(text, sectionSynthesized, s.now(), "", out), nil
}

// Approve promotes a trained (or errored) item into a production rune under
// the orb recorded at training time. A non-empty editedContent replaces the
// item's own fragment. The status change and rune creation are atomic.
func (s *Service) Approve(ctx context.Context, id, editedContent, actor string) (storage.QueueItem, storage.Rune, error) {
	unlock := s.locks.Lock(id)
	defer unlock()

	item, err := s.store.GetQueueItem(ctx, id)
	if err != nil {
		return storage.QueueItem{}, storage.Rune{}, err
	}
	if !reviewable(item.Status) {
		return storage.QueueItem{}, storage.Rune{}, fmt.Errorf("%w: cannot approve item %s in status %s", ErrInvalidTransition, id, item.Status)
	}

	parsed := parseAnnotated(item.RawText)
	domain := parsed.domain
	if domain == "" {
		domain = s.classifier.Classify(parsed.body)
	}

	content := strings.TrimSpace(editedContent)
	if content == "" {
		content = parsed.last(sectionSynthesized)
	}
	if content == "" {
		content = sanitize.Text(parsed.body)
	}
	if content == "" {
		return storage.QueueItem{}, storage.Rune{}, fmt.Errorf("%w: item %s has no content to approve", ErrValidation, id)
	}

	orb, err := s.store.EnsureOrb(ctx, domain, classify.Describe(domain))
	if err != nil {
		return storage.QueueItem{}, storage.Rune{}, fmt.Errorf("resolving orb %q: %w", domain, err)
	}

	meta := map[string]string{"queue_id": id}
	if actor != "" {
		meta["approved_by"] = actor
	}
	if editedContent != "" {
		meta["edited"] = "true"
	}
	updated, r, err := s.store.ApproveQueueItem(ctx, id, []string{storage.StatusTrained, storage.StatusError}, item.RawText, storage.Rune{
		OrbID:    orb.ID,
		Pattern:  sanitize.Text(parsed.body),
		Content:  content,
		Language: knowledge.DetectLanguage(content),
		Version:  storage.VersionProduction,
		TaskID:   item.TaskID,
		Source:   item.Source,
		Metadata: meta,
	})
	if err != nil {
		return storage.QueueItem{}, storage.Rune{}, err
	}

	s.metrics.Inc(metrics.Approved)
	s.emitRune(ctx, id, r.ID, item.Status, storage.StatusApproved, actor, "orb="+domain)
	return updated, r, nil
}

// Reject closes a trained (or errored) item. A non-empty reason is appended
// to the item's text; the item is kept.
func (s *Service) Reject(ctx context.Context, id, reason, actor string) (storage.QueueItem, error) {
	unlock := s.locks.Lock(id)
	defer unlock()

	item, err := s.store.GetQueueItem(ctx, id)
	if err != nil {
		return storage.QueueItem{}, err
	}
	if !reviewable(item.Status) {
		return storage.QueueItem{}, fmt.Errorf("%w: cannot reject item %s in status %s", ErrInvalidTransition, id, item.Status)
	}

	text := item.RawText
	reason = sanitize.Text(strings.TrimSpace(reason))
	if reason != "" {
		by := ""
		if actor != "" {
			by = "by " + actor
		}
		text = appendSection(text, sectionRejected, s.now(), by, reason)
	}

	updated, err := s.store.TransitionQueueItem(ctx, id, []string{storage.StatusTrained, storage.StatusError}, storage.StatusRejected, text)
	if err != nil {
		return storage.QueueItem{}, err
	}
	s.metrics.Inc(metrics.Rejected)
	s.emit(ctx, id, item.Status, storage.StatusRejected, actor, reason)
	return updated, nil
}

// PromoteDraft moves a version-0 rune to production. This is the only way a
// synthesized or learned draft reaches live traffic.
func (s *Service) PromoteDraft(ctx context.Context, runeID, editedContent, actor string) (storage.Rune, error) {
	unlock := s.locks.Lock("rune:" + runeID)
	defer unlock()

	r, err := s.store.GetRune(ctx, runeID)
	if err != nil {
		return storage.Rune{}, err
	}
	if r.Version != storage.VersionDraft {
		return storage.Rune{}, fmt.Errorf("%w: rune %s is already in production", ErrInvalidTransition, runeID)
	}

	content := strings.TrimSpace(editedContent)
	lang := ""
	if content != "" {
		lang = knowledge.DetectLanguage(content)
	}
	promoted, err := s.store.PromoteRune(ctx, runeID, content, lang)
	if errors.Is(err, storage.ErrConflict) {
		return storage.Rune{}, fmt.Errorf("%w: %v", ErrInvalidTransition, err)
	}
	if err != nil {
		return storage.Rune{}, err
	}

	s.metrics.Inc(metrics.Promoted)
	audit.Emit(ctx, s.audit, audit.Event{Kind: audit.KindPromote, RuneID: runeID, Actor: actor, At: s.now()})
	return promoted, nil
}

// SweepReport summarizes one Sweep.
type SweepReport struct {
	Trained int `json:"trained"`
	Failed  int `json:"failed"`
	Skipped int `json:"skipped"`
}

// Sweep trains every pending item, oldest first, with bounded parallelism.
// When ctx is cancelled, items not yet started stay pending.
func (s *Service) Sweep(ctx context.Context, actor string) (SweepReport, error) {
	items, err := s.store.ListQueueItems(ctx, storage.StatusPending, 0, 0)
	if err != nil {
		return SweepReport{}, fmt.Errorf("listing pending items: %w", err)
	}

	results := make([]string, len(items))
	g := new(errgroup.Group)
	g.SetLimit(s.concurrency)
	for i, it := range items {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			updated, err := s.Train(ctx, it.ID, actor)
			switch {
			case errors.Is(err, ErrInvalidTransition), errors.Is(err, storage.ErrConflict), errors.Is(err, storage.ErrNotFound):
				results[i] = "skipped"
			case err != nil:
				slog.Warn("sweep could not train item", "queue_id", it.ID, "error", err)
				results[i] = storage.StatusError
			default:
				results[i] = updated.Status
			}
			return nil
		})
	}
	g.Wait()

	var report SweepReport
	for _, r := range results {
		switch r {
		case storage.StatusTrained:
			report.Trained++
		case storage.StatusError:
			report.Failed++
		case "skipped":
			report.Skipped++
		}
	}
	if report.Trained+report.Failed+report.Skipped > 0 {
		slog.Info("sweep finished", "trained", report.Trained, "failed", report.Failed, "skipped", report.Skipped)
	}
	return report, ctx.Err()
}

func reviewable(status string) bool {
	return status == storage.StatusTrained || status == storage.StatusError
}

func (s *Service) emit(ctx context.Context, queueID, from, to, actor, detail string) {
	s.emitRune(ctx, queueID, "", from, to, actor, detail)
}

func (s *Service) emitRune(ctx context.Context, queueID, runeID, from, to, actor, detail string) {
	audit.Emit(ctx, s.audit, audit.Event{
		Kind:      audit.KindTransition,
		QueueID:   queueID,
		RuneID:    runeID,
		OldStatus: from,
		NewStatus: to,
		Actor:     actor,
		Detail:    detail,
		At:        s.now(),
	})
}
