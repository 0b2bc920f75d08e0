package moderation

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kalambet/runeforge/internal/audit"
	"github.com/kalambet/runeforge/internal/classify"
	"github.com/kalambet/runeforge/internal/match"
	"github.com/kalambet/runeforge/internal/storage"
)

const podTemplate = "apiVersion: v1\nkind: Pod\nmetadata:\n  name: nginx\nspec:\n  containers:\n    - name: nginx\n      image: nginx:1.27"

type mockSynth struct {
	calls atomic.Int32
	fn    func(ctx context.Context, prompt string) (string, error)
}

func (m *mockSynth) Name() string { return "mock" }

func (m *mockSynth) Synthesize(ctx context.Context, prompt string) (string, error) {
	m.calls.Add(1)
	return m.fn(ctx, prompt)
}

func staticSynth(out string) *mockSynth {
	return &mockSynth{fn: func(context.Context, string) (string, error) { return out, nil }}
}

var fixedNow = time.Date(2026, 4, 2, 10, 30, 0, 0, time.UTC)

type fixture struct {
	store *storage.Store
	svc   *Service
	synth *mockSynth
}

func newFixture(t *testing.T, sy *mockSynth, opts ...Option) fixture {
	t.Helper()
	s, err := storage.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	opts = append([]Option{
		WithClock(func() time.Time { return fixedNow }),
		WithAudit(audit.NewStoreSink(s)),
	}, opts...)
	return fixture{store: s, svc: NewService(s, classify.NewKeyword(), sy, opts...), synth: sy}
}

func TestScenario_EnqueueTrainApproveMatch(t *testing.T) {
	f := newFixture(t, staticSynth(podTemplate))
	ctx := context.Background()

	item, err := f.svc.Enqueue(ctx, "t1", "deploy a pod with nginx", "manual")
	require.NoError(t, err)
	assert.Equal(t, storage.StatusPending, item.Status)

	trained, err := f.svc.Train(ctx, item.ID, "test")
	require.NoError(t, err)
	assert.Equal(t, storage.StatusTrained, trained.Status)
	assert.True(t, strings.HasPrefix(trained.RawText, "[orb:infrastructure-ops]\ndeploy a pod with nginx\n\n--- synthesized 2026-04-02T10:30:00Z ---\n"))
	assert.True(t, strings.HasSuffix(trained.RawText, podTemplate))

	approved, r, err := f.svc.Approve(ctx, item.ID, "", "reviewer")
	require.NoError(t, err)
	assert.Equal(t, storage.StatusApproved, approved.Status)
	assert.Equal(t, storage.VersionProduction, r.Version)
	assert.Equal(t, podTemplate, r.Content)
	assert.Equal(t, "deploy a pod with nginx", r.Pattern)
	assert.Equal(t, "t1", r.TaskID)
	assert.Equal(t, "yaml", r.Language)

	orb, err := f.store.GetOrb(ctx, r.OrbID)
	require.NoError(t, err)
	assert.Equal(t, classify.InfrastructureOps, orb.Name)

	// A fresh rune only earns the pattern term: 0.4 < 0.7.
	m := match.New(f.store, classify.NewKeyword(), staticSynth("kind: Pod"))
	res, err := m.Match(ctx, "deploy a pod with nginx", nil)
	require.NoError(t, err)
	assert.InDelta(t, 0.4, res.Score, 1e-9)
	assert.Equal(t, r.ID, res.BestID)
	assert.Equal(t, match.SourceSynthesized, res.Source)
}

func TestEnqueue_Validation(t *testing.T) {
	f := newFixture(t, staticSynth("x"))
	ctx := context.Background()

	_, err := f.svc.Enqueue(ctx, "t1", "   ", "manual")
	assert.ErrorIs(t, err, ErrValidation)

	_, err = f.svc.Enqueue(ctx, "bad id with spaces", "text", "manual")
	assert.ErrorIs(t, err, ErrValidation)

	_, err = f.svc.Enqueue(ctx, "t1", strings.Repeat("a", MaxTextBytes+1), "manual")
	assert.ErrorIs(t, err, ErrValidation)

	it, err := f.svc.Enqueue(ctx, "", "text", "carrier-pigeon")
	require.NoError(t, err)
	assert.Equal(t, DefaultSource, it.Source)

	it, err = f.svc.Enqueue(ctx, "job:42", "text", " API ")
	require.NoError(t, err)
	assert.Equal(t, "api", it.Source)
}

func TestInvalidTransitions(t *testing.T) {
	f := newFixture(t, staticSynth("echo hi"))
	ctx := context.Background()

	it, _ := f.svc.Enqueue(ctx, "", "how to restart a service", "cli")

	_, _, err := f.svc.Approve(ctx, it.ID, "", "r")
	assert.ErrorIs(t, err, ErrInvalidTransition, "approve from pending")
	_, err = f.svc.Reject(ctx, it.ID, "no", "r")
	assert.ErrorIs(t, err, ErrInvalidTransition, "reject from pending")
	_, err = f.svc.Retrain(ctx, it.ID, "r")
	assert.ErrorIs(t, err, ErrInvalidTransition, "retrain from pending")

	_, err = f.svc.Train(ctx, it.ID, "r")
	require.NoError(t, err)
	_, err = f.svc.Train(ctx, it.ID, "r")
	assert.ErrorIs(t, err, ErrInvalidTransition, "train twice")

	_, err = f.svc.Reject(ctx, it.ID, "", "r")
	require.NoError(t, err)
	_, _, err = f.svc.Approve(ctx, it.ID, "", "r")
	assert.ErrorIs(t, err, ErrInvalidTransition, "approve after reject")

	_, err = f.svc.Train(ctx, "missing", "r")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestApprove_EditedContentUnderTrainedDomain(t *testing.T) {
	f := newFixture(t, staticSynth("pipeline { }"))
	ctx := context.Background()

	it, _ := f.svc.Enqueue(ctx, "t2", "set up a jenkins pipeline", "api")
	_, err := f.svc.Train(ctx, it.ID, "sweep")
	require.NoError(t, err)

	// The edited content mentions kubectl, but the orb comes from training.
	edited := "kubectl create job build --image=jenkins/agent"
	_, r, err := f.svc.Approve(ctx, it.ID, edited, "alice")
	require.NoError(t, err)
	assert.Equal(t, edited, r.Content)
	assert.Equal(t, "true", r.Metadata["edited"])
	assert.Equal(t, "alice", r.Metadata["approved_by"])

	orb, _ := f.store.GetOrb(ctx, r.OrbID)
	assert.Equal(t, classify.DevOpsPipeline, orb.Name)

	runes, err := f.store.ListRunes(ctx, storage.RuneFilter{})
	require.NoError(t, err)
	assert.Len(t, runes, 1, "exactly one rune per approval")
}

func TestTrain_ErrorPathAndRetrain(t *testing.T) {
	fail := true
	sy := &mockSynth{fn: func(context.Context, string) (string, error) {
		if fail {
			return "", errors.New("ollama: connection refused")
		}
		return "mlflow run . -P alpha=0.5", nil
	}}
	f := newFixture(t, sy)
	ctx := context.Background()

	it, _ := f.svc.Enqueue(ctx, "t3", "track an experiment for model training", "chat")
	errored, err := f.svc.Train(ctx, it.ID, "sweep")
	require.NoError(t, err)
	assert.Equal(t, storage.StatusError, errored.Status)
	assert.Contains(t, errored.RawText, "[orb:ml-ops]")
	assert.Contains(t, errored.RawText, "--- error 2026-04-02T10:30:00Z ---")
	assert.Contains(t, errored.RawText, "connection refused")

	stored, err := f.svc.Get(ctx, it.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.StatusError, stored.Status, "errored items stay visible")

	fail = false
	retrained, err := f.svc.Retrain(ctx, it.ID, "operator")
	require.NoError(t, err)
	assert.Equal(t, storage.StatusTrained, retrained.Status)
	assert.Contains(t, retrained.RawText, "connection refused", "earlier error kept")
	assert.Equal(t, 1, strings.Count(retrained.RawText, "[orb:"))

	_, r, err := f.svc.Approve(ctx, it.ID, "", "bob")
	require.NoError(t, err)
	assert.Equal(t, "mlflow run . -P alpha=0.5", r.Content)
	assert.Equal(t, "track an experiment for model training", r.Pattern)
}

func TestApprove_FromErrorUsesBody(t *testing.T) {
	sy := &mockSynth{fn: func(context.Context, string) (string, error) { return "", errors.New("down") }}
	f := newFixture(t, sy)
	ctx := context.Background()

	it, _ := f.svc.Enqueue(ctx, "", "restart the build agent nightly", "manual")
	_, err := f.svc.Train(ctx, it.ID, "sweep")
	require.NoError(t, err)

	_, r, err := f.svc.Approve(ctx, it.ID, "", "bob")
	require.NoError(t, err)
	assert.Equal(t, "restart the build agent nightly", r.Content)
}

func TestTrain_ExecutableSkipsSynthesis(t *testing.T) {
	f := newFixture(t, staticSynth("unused"))
	ctx := context.Background()

	it, _ := f.svc.Enqueue(ctx, "", "kubectl rollout restart deployment/web", "cli")
	trained, err := f.svc.Train(ctx, it.ID, "cli")
	require.NoError(t, err)
	assert.Equal(t, storage.StatusTrained, trained.Status)
	assert.Equal(t, int32(0), f.synth.calls.Load())
	assert.NotContains(t, trained.RawText, "--- synthesized")

	_, r, err := f.svc.Approve(ctx, it.ID, "", "")
	require.NoError(t, err)
	assert.Equal(t, "kubectl rollout restart deployment/web", r.Content)
	assert.Equal(t, "bash", r.Language)
}

func TestTrain_Sanitizes(t *testing.T) {
	var prompt string
	sy := &mockSynth{fn: func(_ context.Context, p string) (string, error) {
		prompt = p
		return "ssh <HOST>", nil
	}}
	f := newFixture(t, sy)
	ctx := context.Background()

	it, _ := f.svc.Enqueue(ctx, "", "login to 10.2.3.4 as user=admin password=s3cret", "manual")
	trained, err := f.svc.Train(ctx, it.ID, "sweep")
	require.NoError(t, err)
	assert.NotContains(t, trained.RawText, "s3cret")
	assert.NotContains(t, trained.RawText, "10.2.3.4")
	assert.NotContains(t, prompt, "s3cret")

	_, r, err := f.svc.Approve(ctx, it.ID, "", "")
	require.NoError(t, err)
	assert.Equal(t, "login to [REDACTED_IP] as user=[REDACTED] password=[REDACTED]", r.Pattern)
}

func TestReject_AppendsReasonAndKeepsItem(t *testing.T) {
	f := newFixture(t, staticSynth("echo hi"))
	ctx := context.Background()

	it, _ := f.svc.Enqueue(ctx, "", "say hi", "manual")
	f.svc.Train(ctx, it.ID, "sweep")

	rejected, err := f.svc.Reject(ctx, it.ID, "duplicate of an existing rune", "carol")
	require.NoError(t, err)
	assert.Equal(t, storage.StatusRejected, rejected.Status)
	assert.Contains(t, rejected.RawText, "--- rejected 2026-04-02T10:30:00Z by carol ---\nduplicate of an existing rune")

	stored, err := f.svc.Get(ctx, it.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.StatusRejected, stored.Status)

	runes, _ := f.store.ListRunes(ctx, storage.RuneFilter{})
	assert.Empty(t, runes)
}

func TestTrain_ClassifiesBeforeRedaction(t *testing.T) {
	f := newFixture(t, staticSynth("kubectl create rolebinding ops --clusterrole=view"))
	ctx := context.Background()

	it, _ := f.svc.Enqueue(ctx, "", "grant access to ops@k8s-prod.example.com", "manual")
	trained, err := f.svc.Train(ctx, it.ID, "sweep")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(trained.RawText, "[orb:"+classify.InfrastructureOps+"]\n"), trained.RawText)
	assert.NotContains(t, trained.RawText, "ops@k8s-prod.example.com")
	assert.Contains(t, trained.RawText, "grant access to [REDACTED_EMAIL]")

	_, r, err := f.svc.Approve(ctx, it.ID, "", "")
	require.NoError(t, err)
	orb, err := f.store.GetOrb(ctx, r.OrbID)
	require.NoError(t, err)
	assert.Equal(t, classify.InfrastructureOps, orb.Name)
}

func TestReject_AuditDetailIsRedacted(t *testing.T) {
	f := newFixture(t, staticSynth("echo hi"))
	ctx := context.Background()

	it, _ := f.svc.Enqueue(ctx, "", "say hi", "manual")
	f.svc.Train(ctx, it.ID, "sweep")

	rejected, err := f.svc.Reject(ctx, it.ID, "leaks password=hunter2, ask ops@example.com", "carol")
	require.NoError(t, err)
	assert.NotContains(t, rejected.RawText, "hunter2")

	events, err := f.store.ListAudit(ctx, it.ID, 0)
	require.NoError(t, err)
	require.NotEmpty(t, events)
	last := events[len(events)-1]
	assert.Equal(t, storage.StatusRejected, last.NewStatus)
	assert.NotContains(t, last.Detail, "hunter2")
	assert.NotContains(t, last.Detail, "ops@example.com")
	assert.Contains(t, last.Detail, "[REDACTED_EMAIL]")
}

// TestStatusMonotonic checks the audit trail of several items: the rank of
// each new status is never below the previous one and never pending again.
func TestStatusMonotonic(t *testing.T) {
	calls := 0
	sy := &mockSynth{fn: func(context.Context, string) (string, error) {
		calls++
		if calls%2 == 0 {
			return "", errors.New("flaky")
		}
		return "echo ok", nil
	}}
	f := newFixture(t, sy, WithConcurrency(1))
	ctx := context.Background()

	var ids []string
	for _, text := range []string{"a task", "b task", "c task", "d task"} {
		it, err := f.svc.Enqueue(ctx, "", text, "manual")
		require.NoError(t, err)
		ids = append(ids, it.ID)
	}
	_, err := f.svc.Sweep(ctx, "sweep")
	require.NoError(t, err)

	for i, id := range ids {
		it, _ := f.svc.Get(ctx, id)
		switch {
		case it.Status == storage.StatusError:
			f.svc.Retrain(ctx, id, "op")
			f.svc.Reject(ctx, id, "meh", "op")
		case i%2 == 0:
			f.svc.Approve(ctx, id, "", "op")
		default:
			f.svc.Reject(ctx, id, "", "op")
		}
	}

	for _, id := range ids {
		events, err := f.store.ListAudit(ctx, id, 0)
		require.NoError(t, err)
		require.NotEmpty(t, events)
		assert.Equal(t, storage.StatusPending, events[0].NewStatus)
		for j := 1; j < len(events); j++ {
			prev, next := events[j-1].NewStatus, events[j].NewStatus
			assert.NotEqual(t, storage.StatusPending, next)
			assert.GreaterOrEqual(t, storage.StatusRank(next), storage.StatusRank(prev), "%s -> %s", prev, next)
			assert.Equal(t, prev, events[j].OldStatus)
		}
	}
}

func TestTrain_ConcurrentCallsProcessOnce(t *testing.T) {
	sy := &mockSynth{fn: func(context.Context, string) (string, error) {
		time.Sleep(5 * time.Millisecond)
		return "echo once", nil
	}}
	f := newFixture(t, sy)
	ctx := context.Background()

	it, _ := f.svc.Enqueue(ctx, "", "print a greeting", "manual")

	const n = 8
	var wg sync.WaitGroup
	var ok, invalid atomic.Int32
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.Train(ctx, it.ID, "racer")
			switch {
			case err == nil:
				ok.Add(1)
			case errors.Is(err, ErrInvalidTransition):
				invalid.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), ok.Load())
	assert.Equal(t, int32(n-1), invalid.Load())
	assert.Equal(t, int32(1), sy.calls.Load())

	stored, _ := f.svc.Get(ctx, it.ID)
	assert.Equal(t, 1, strings.Count(stored.RawText, "--- synthesized"))
}

func TestSweep(t *testing.T) {
	sy := &mockSynth{fn: func(_ context.Context, p string) (string, error) {
		if strings.Contains(p, "explode") {
			return "", errors.New("boom")
		}
		return "echo done", nil
	}}
	f := newFixture(t, sy, WithConcurrency(2))
	ctx := context.Background()

	for _, text := range []string{"one", "two", "explode three", "four"} {
		_, err := f.svc.Enqueue(ctx, "", text, "manual")
		require.NoError(t, err)
	}

	report, err := f.svc.Sweep(ctx, "sweep")
	require.NoError(t, err)
	assert.Equal(t, SweepReport{Trained: 3, Failed: 1}, report)

	pending, _ := f.svc.List(ctx, storage.StatusPending, 0, 0)
	assert.Empty(t, pending)

	again, err := f.svc.Sweep(ctx, "sweep")
	require.NoError(t, err)
	assert.Equal(t, SweepReport{}, again)
}

func TestSweep_CancelledLeavesPending(t *testing.T) {
	f := newFixture(t, staticSynth("echo"))
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		f.svc.Enqueue(ctx, "", "task", "manual")
	}

	cctx, cancel := context.WithCancel(ctx)
	cancel()
	_, err := f.svc.Sweep(cctx, "sweep")
	assert.ErrorIs(t, err, context.Canceled)

	pending, _ := f.svc.List(ctx, storage.StatusPending, 0, 0)
	assert.Len(t, pending, 3)
}

func TestPromoteDraft(t *testing.T) {
	f := newFixture(t, staticSynth("x"))
	ctx := context.Background()

	orb, _ := f.store.EnsureOrb(ctx, classify.MLOps, "")
	draft, err := f.store.CreateRune(ctx, storage.Rune{OrbID: orb.ID, Pattern: "timeout", Content: "raise the limit", Source: "learned"})
	require.NoError(t, err)

	promoted, err := f.svc.PromoteDraft(ctx, draft.ID, "#!/bin/sh\nulimit -n 4096", "dave")
	require.NoError(t, err)
	assert.Equal(t, storage.VersionProduction, promoted.Version)
	assert.Equal(t, "bash", promoted.Language)

	_, err = f.svc.PromoteDraft(ctx, draft.ID, "", "dave")
	assert.ErrorIs(t, err, ErrInvalidTransition)
	_, err = f.svc.PromoteDraft(ctx, "missing", "", "dave")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestList_UnknownStatus(t *testing.T) {
	f := newFixture(t, staticSynth("x"))
	_, err := f.svc.List(context.Background(), "archived", 0, 0)
	assert.ErrorIs(t, err, ErrValidation)
}

func TestDelete(t *testing.T) {
	f := newFixture(t, staticSynth("x"))
	ctx := context.Background()

	it, _ := f.svc.Enqueue(ctx, "", "obsolete", "manual")
	require.NoError(t, f.svc.Delete(ctx, it.ID, "op"))
	_, err := f.svc.Get(ctx, it.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestParseAnnotated(t *testing.T) {
	raw := "[orb:ml-ops]\nbody line\n\n--- error 2026-01-01T00:00:00Z ---\nboom\n\n--- synthesized 2026-01-02T00:00:00Z ---\nfirst\n\n--- synthesized 2026-01-03T00:00:00Z ---\nsecond"
	a := parseAnnotated(raw)
	assert.Equal(t, "ml-ops", a.domain)
	assert.Equal(t, "body line", a.body)
	require.Len(t, a.sections, 3)
	assert.Equal(t, "boom", a.last(sectionError))
	assert.Equal(t, "second", a.last(sectionSynthesized))
	assert.Equal(t, "", a.last(sectionRejected))

	plain := parseAnnotated("no annotations here")
	assert.Equal(t, "", plain.domain)
	assert.Equal(t, "no annotations here", plain.body)
}
