package storage

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// fixedClock returns a clock that advances one second per call, starting at base.
func fixedClock(base time.Time) func() time.Time {
	var mu sync.Mutex
	n := 0
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		n++
		return base.Add(time.Duration(n) * time.Second)
	}
}

// TestMigrationsIdempotent runs Open twice on the same database and verifies
// the schema_version count stays correct (migration not re-applied).
func TestMigrationsIdempotent(t *testing.T) {
	dir := t.TempDir()

	s1, err := Open(dir)
	if err != nil {
		t.Fatalf("first Open failed: %v", err)
	}

	v1, err := s1.AppliedMigrations()
	if err != nil {
		t.Fatalf("AppliedMigrations: %v", err)
	}
	s1.Close()

	s2, err := Open(dir)
	if err != nil {
		t.Fatalf("second Open failed: %v", err)
	}
	defer s2.Close()

	v2, err := s2.AppliedMigrations()
	if err != nil {
		t.Fatalf("AppliedMigrations: %v", err)
	}

	if len(v1) != len(v2) {
		t.Errorf("migration count changed: %d -> %d", len(v1), len(v2))
	}
}

func TestIndexesExist(t *testing.T) {
	s := openTestStore(t)

	indexes := []string{"idx_runes_orb", "idx_runes_version", "idx_queue_items_status_created", "idx_audit_events_queue"}
	for _, idx := range indexes {
		var count int
		err := s.db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='index' AND name=?", idx).Scan(&count)
		if err != nil {
			t.Fatalf("querying sqlite_master for %q: %v", idx, err)
		}
		if count != 1 {
			t.Errorf("index %q not found in sqlite_master", idx)
		}
	}
}

func TestEnsureOrb_ReusesExisting(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	first, err := s.EnsureOrb(ctx, "ml-ops", "models")
	if err != nil {
		t.Fatalf("EnsureOrb: %v", err)
	}
	if first.Confidence != DefaultOrbConfidence {
		t.Errorf("confidence = %v, want %v", first.Confidence, DefaultOrbConfidence)
	}

	second, err := s.EnsureOrb(ctx, "ml-ops", "ignored")
	if err != nil {
		t.Fatalf("EnsureOrb again: %v", err)
	}
	if second.ID != first.ID {
		t.Errorf("second EnsureOrb created a new row: %s != %s", second.ID, first.ID)
	}
	if second.Description != "models" {
		t.Errorf("description overwritten: %q", second.Description)
	}
}

// TestEnsureOrb_ConcurrentCreators races several creators on one name; all
// must receive the same row and none may fail.
func TestEnsureOrb_ConcurrentCreators(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	const n = 8
	ids := make([]string, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			o, err := s.EnsureOrb(ctx, "infrastructure-ops", "")
			ids[i], errs[i] = o.ID, err
		}(i)
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		if errs[i] != nil {
			t.Fatalf("creator %d failed: %v", i, errs[i])
		}
		if ids[i] != ids[0] {
			t.Errorf("creator %d got %s, want %s", i, ids[i], ids[0])
		}
	}

	orbs, err := s.ListOrbs(ctx)
	if err != nil {
		t.Fatalf("ListOrbs: %v", err)
	}
	if len(orbs) != 1 {
		t.Errorf("got %d orbs, want 1", len(orbs))
	}
}

func TestUpdateOrbConfidence_Clamps(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	o, err := s.EnsureOrb(ctx, "ml-ops", "")
	if err != nil {
		t.Fatalf("EnsureOrb: %v", err)
	}

	got, err := s.UpdateOrbConfidence(ctx, o.ID, 0.8)
	if err != nil {
		t.Fatalf("UpdateOrbConfidence: %v", err)
	}
	if got != 1.0 {
		t.Errorf("confidence = %v, want 1.0", got)
	}

	got, err = s.UpdateOrbConfidence(ctx, o.ID, -5)
	if err != nil {
		t.Fatalf("UpdateOrbConfidence: %v", err)
	}
	if got != 0 {
		t.Errorf("confidence = %v, want 0", got)
	}

	if _, err := s.UpdateOrbConfidence(ctx, "missing", 0.1); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing orb: got %v, want ErrNotFound", err)
	}
}

func TestDeleteOrb_CascadesRunes(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	o, _ := s.EnsureOrb(ctx, "devops-pipeline", "")
	other, _ := s.EnsureOrb(ctx, "ml-ops", "")
	r, err := s.CreateRune(ctx, Rune{OrbID: o.ID, Pattern: "jenkins", Content: "pipeline {}", Version: VersionProduction})
	if err != nil {
		t.Fatalf("CreateRune: %v", err)
	}
	kept, err := s.CreateRune(ctx, Rune{OrbID: other.ID, Pattern: "mlflow", Content: "mlflow run ."})
	if err != nil {
		t.Fatalf("CreateRune: %v", err)
	}

	if err := s.DeleteOrb(ctx, o.ID); err != nil {
		t.Fatalf("DeleteOrb: %v", err)
	}
	if _, err := s.GetRune(ctx, r.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("rune of deleted orb still present: %v", err)
	}
	if _, err := s.GetRune(ctx, kept.ID); err != nil {
		t.Errorf("rune of other orb removed: %v", err)
	}
	if err := s.DeleteOrb(ctx, o.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("second delete: got %v, want ErrNotFound", err)
	}
}

func TestCreateAndGetRune(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	o, _ := s.EnsureOrb(ctx, "infrastructure-ops", "")
	created, err := s.CreateRune(ctx, Rune{
		OrbID:    o.ID,
		Pattern:  "deploy a pod",
		Content:  "apiVersion: v1\nkind: Pod",
		Language: "yaml",
		TaskID:   "t1",
		Metadata: map[string]string{"cloud": "aws"},
	})
	if err != nil {
		t.Fatalf("CreateRune: %v", err)
	}

	got, err := s.GetRune(ctx, created.ID)
	if err != nil {
		t.Fatalf("GetRune: %v", err)
	}
	if got.Pattern != "deploy a pod" || got.Language != "yaml" || got.TaskID != "t1" {
		t.Errorf("round-trip mismatch: %+v", got)
	}
	if got.Version != VersionDraft {
		t.Errorf("version = %d, want draft", got.Version)
	}
	if got.Source != "manual" {
		t.Errorf("source = %q, want default manual", got.Source)
	}
	if got.Metadata["cloud"] != "aws" {
		t.Errorf("metadata = %v", got.Metadata)
	}
	if got.FeedbackScore != 0 || got.FeedbackCount != 0 || got.UsageCount != 0 || got.Flagged {
		t.Errorf("fresh rune has non-zero signals: %+v", got)
	}

	if _, err := s.GetRune(ctx, "nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetRune(missing) = %v, want ErrNotFound", err)
	}
}

func TestCreateRune_RejectsBadVersion(t *testing.T) {
	s := openTestStore(t)
	o, _ := s.EnsureOrb(context.Background(), "ml-ops", "")
	if _, err := s.CreateRune(context.Background(), Rune{OrbID: o.ID, Pattern: "p", Content: "c", Version: 2}); err == nil {
		t.Fatal("expected error for version 2")
	}
}

func TestListProductionRunes_OrderAndFilter(t *testing.T) {
	s := openTestStore(t)
	s.now = fixedClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	ctx := context.Background()

	o, _ := s.EnsureOrb(ctx, "ml-ops", "")
	var want []string
	for i := 0; i < 4; i++ {
		version := VersionProduction
		if i%2 == 1 {
			version = VersionDraft
		}
		r, err := s.CreateRune(ctx, Rune{OrbID: o.ID, Pattern: fmt.Sprintf("p%d", i), Content: "c", Version: version})
		if err != nil {
			t.Fatalf("CreateRune %d: %v", i, err)
		}
		if version == VersionProduction {
			want = append(want, r.ID)
		}
	}

	got, err := s.ListProductionRunes(ctx)
	if err != nil {
		t.Fatalf("ListProductionRunes: %v", err)
	}
	if len(got) != len(want) {
		t.Fatalf("got %d runes, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i].ID != want[i] {
			t.Errorf("position %d: got %s, want %s", i, got[i].ID, want[i])
		}
		if got[i].Version != VersionProduction {
			t.Errorf("draft rune %s returned", got[i].ID)
		}
	}

	draft := VersionDraft
	drafts, err := s.ListRunes(ctx, RuneFilter{Version: &draft})
	if err != nil {
		t.Fatalf("ListRunes: %v", err)
	}
	if len(drafts) != 2 {
		t.Errorf("got %d drafts, want 2", len(drafts))
	}
}

func TestFindRunesByPattern_CaseInsensitive(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	o, _ := s.EnsureOrb(ctx, "infrastructure-ops", "")
	if _, err := s.CreateRune(ctx, Rune{OrbID: o.ID, Pattern: "kubectl apply", Content: "kubectl apply -f x"}); err != nil {
		t.Fatalf("CreateRune: %v", err)
	}

	got, err := s.FindRunesByPattern(ctx, "KUBECTL")
	if err != nil {
		t.Fatalf("FindRunesByPattern: %v", err)
	}
	if len(got) != 1 {
		t.Errorf("got %d runes, want 1", len(got))
	}

	got, err = s.FindRunesByPattern(ctx, "")
	if err != nil || got != nil {
		t.Errorf("empty fragment: got %v, %v", got, err)
	}
}

func TestApplyRuneFeedback_AveragesAndFlagIsSticky(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	o, _ := s.EnsureOrb(ctx, "ml-ops", "")
	r, _ := s.CreateRune(ctx, Rune{OrbID: o.ID, Pattern: "p", Content: "c", FeedbackScore: 0.6})

	got, err := s.ApplyRuneFeedback(ctx, r.ID, 1, false)
	if err != nil {
		t.Fatalf("ApplyRuneFeedback: %v", err)
	}
	if math.Abs(got.FeedbackScore-0.8) > 1e-9 {
		t.Errorf("score = %v, want 0.8", got.FeedbackScore)
	}

	// (0.8 - 1) / 2 is floored at zero.
	if got, err = s.ApplyRuneFeedback(ctx, r.ID, -1, true); err != nil {
		t.Fatalf("ApplyRuneFeedback: %v", err)
	}
	if got.FeedbackScore != 0 || !got.Flagged {
		t.Errorf("after negative vote: score = %v flagged = %v, want 0 true", got.FeedbackScore, got.Flagged)
	}

	if got, err = s.ApplyRuneFeedback(ctx, r.ID, 0.5, false); err != nil {
		t.Fatalf("ApplyRuneFeedback: %v", err)
	}
	if got.FeedbackScore != 0.25 {
		t.Errorf("score = %v, want 0.25", got.FeedbackScore)
	}
	if got.FeedbackCount != 3 {
		t.Errorf("count = %d, want 3", got.FeedbackCount)
	}
	if !got.Flagged {
		t.Error("flag cleared by positive feedback")
	}

	if _, err := s.ApplyRuneFeedback(ctx, "missing", 1, false); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing rune: got %v, want ErrNotFound", err)
	}
}

func TestApplyRuneFeedback_ConcurrentVotesAllCount(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	o, _ := s.EnsureOrb(ctx, "ml-ops", "")
	r, _ := s.CreateRune(ctx, Rune{OrbID: o.ID, Pattern: "p", Content: "c"})

	const votes = 8
	var wg sync.WaitGroup
	errs := make(chan error, votes)
	for i := 0; i < votes; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.ApplyRuneFeedback(ctx, r.ID, 1, false); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("ApplyRuneFeedback: %v", err)
	}

	got, _ := s.GetRune(ctx, r.ID)
	want := 1 - math.Pow(0.5, votes)
	if got.FeedbackCount != votes {
		t.Errorf("count = %d, want %d", got.FeedbackCount, votes)
	}
	if math.Abs(got.FeedbackScore-want) > 1e-9 {
		t.Errorf("score = %v, want %v", got.FeedbackScore, want)
	}
}

func TestNudgeRuneFeedback_Clamps(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	o, _ := s.EnsureOrb(ctx, "ml-ops", "")
	r, _ := s.CreateRune(ctx, Rune{OrbID: o.ID, Pattern: "p", Content: "c", FeedbackScore: 0.98})

	if err := s.NudgeRuneFeedback(ctx, r.ID, 0.05); err != nil {
		t.Fatalf("NudgeRuneFeedback: %v", err)
	}
	got, _ := s.GetRune(ctx, r.ID)
	if got.FeedbackScore != 1.0 {
		t.Errorf("score = %v, want 1.0", got.FeedbackScore)
	}
	if got.FeedbackCount != 0 {
		t.Errorf("nudge counted as feedback: %d", got.FeedbackCount)
	}
}

func TestPromoteRune(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	o, _ := s.EnsureOrb(ctx, "ml-ops", "")
	r, _ := s.CreateRune(ctx, Rune{OrbID: o.ID, Pattern: "p", Content: "draft"})

	promoted, err := s.PromoteRune(ctx, r.ID, "edited", "bash")
	if err != nil {
		t.Fatalf("PromoteRune: %v", err)
	}
	if promoted.Version != VersionProduction || promoted.Content != "edited" || promoted.Language != "bash" {
		t.Errorf("promoted = %+v", promoted)
	}

	got, _ := s.GetRune(ctx, r.ID)
	if got.Version != VersionProduction || got.Content != "edited" {
		t.Errorf("stored = %+v", got)
	}

	if _, err := s.PromoteRune(ctx, r.ID, "", ""); !errors.Is(err, ErrConflict) {
		t.Errorf("second promote: got %v, want ErrConflict", err)
	}
}

func TestListQueueItems_CreatedOrder(t *testing.T) {
	s := openTestStore(t)
	s.now = fixedClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	ctx := context.Background()

	var ids []string
	for i := 0; i < 3; i++ {
		it, err := s.EnqueueQueueItem(ctx, QueueItem{TaskID: fmt.Sprintf("t%d", i), RawText: "text", Source: "manual"})
		if err != nil {
			t.Fatalf("EnqueueQueueItem: %v", err)
		}
		if it.Status != StatusPending {
			t.Errorf("status = %q, want pending", it.Status)
		}
		ids = append(ids, it.ID)
	}

	items, err := s.ListQueueItems(ctx, StatusPending, 0, 0)
	if err != nil {
		t.Fatalf("ListQueueItems: %v", err)
	}
	if len(items) != 3 {
		t.Fatalf("got %d items, want 3", len(items))
	}
	for i, it := range items {
		if it.ID != ids[i] {
			t.Errorf("position %d: got %s, want %s", i, it.ID, ids[i])
		}
	}

	page, err := s.ListQueueItems(ctx, "", 1, 1)
	if err != nil {
		t.Fatalf("ListQueueItems page: %v", err)
	}
	if len(page) != 1 || page[0].ID != ids[1] {
		t.Errorf("page = %+v", page)
	}
}

func TestTransitionQueueItem_CAS(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	it, _ := s.EnqueueQueueItem(ctx, QueueItem{RawText: "text", Source: "api"})

	got, err := s.TransitionQueueItem(ctx, it.ID, []string{StatusPending}, StatusTrained, "text\nannotated")
	if err != nil {
		t.Fatalf("TransitionQueueItem: %v", err)
	}
	if got.Status != StatusTrained || got.RawText != "text\nannotated" {
		t.Errorf("transitioned = %+v", got)
	}

	_, err = s.TransitionQueueItem(ctx, it.ID, []string{StatusPending}, StatusTrained, "again")
	if !errors.Is(err, ErrConflict) {
		t.Errorf("stale transition: got %v, want ErrConflict", err)
	}

	stored, _ := s.GetQueueItem(ctx, it.ID)
	if stored.RawText != "text\nannotated" {
		t.Errorf("losing transition modified text: %q", stored.RawText)
	}

	if _, err := s.TransitionQueueItem(ctx, "missing", []string{StatusPending}, StatusTrained, ""); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing item: got %v, want ErrNotFound", err)
	}
}

func TestApproveQueueItem_Atomic(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	o, _ := s.EnsureOrb(ctx, "infrastructure-ops", "")
	it, _ := s.EnqueueQueueItem(ctx, QueueItem{RawText: "deploy a pod", Source: "manual"})

	// Approving a pending item must not leave a rune behind.
	_, _, err := s.ApproveQueueItem(ctx, it.ID, []string{StatusTrained}, it.RawText,
		Rune{OrbID: o.ID, Pattern: "deploy a pod", Content: "c", Version: VersionProduction})
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("approve from pending: got %v, want ErrConflict", err)
	}
	runes, _ := s.ListRunes(ctx, RuneFilter{})
	if len(runes) != 0 {
		t.Fatalf("rejected approval left %d runes", len(runes))
	}

	if _, err := s.TransitionQueueItem(ctx, it.ID, []string{StatusPending}, StatusTrained, it.RawText); err != nil {
		t.Fatalf("TransitionQueueItem: %v", err)
	}
	item, r, err := s.ApproveQueueItem(ctx, it.ID, []string{StatusTrained}, it.RawText,
		Rune{OrbID: o.ID, Pattern: "deploy a pod", Content: "c", Version: VersionProduction})
	if err != nil {
		t.Fatalf("ApproveQueueItem: %v", err)
	}
	if item.Status != StatusApproved {
		t.Errorf("status = %q", item.Status)
	}
	if r.Version != VersionProduction {
		t.Errorf("rune version = %d", r.Version)
	}

	// An invalid rune rolls the status change back.
	it2, _ := s.EnqueueQueueItem(ctx, QueueItem{RawText: "x", Source: "manual"})
	s.TransitionQueueItem(ctx, it2.ID, []string{StatusPending}, StatusTrained, "x")
	if _, _, err := s.ApproveQueueItem(ctx, it2.ID, []string{StatusTrained}, "x", Rune{OrbID: "no-such-orb", Pattern: "x", Content: "x"}); err == nil {
		t.Fatal("expected foreign key failure")
	}
	stored, _ := s.GetQueueItem(ctx, it2.ID)
	if stored.Status != StatusTrained {
		t.Errorf("status after failed approval = %q, want trained", stored.Status)
	}
}

func TestCountQueueItems(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	a, _ := s.EnqueueQueueItem(ctx, QueueItem{RawText: "a", Source: "manual"})
	s.EnqueueQueueItem(ctx, QueueItem{RawText: "b", Source: "manual"})
	s.TransitionQueueItem(ctx, a.ID, []string{StatusPending}, StatusError, "a\nboom")

	counts, err := s.CountQueueItems(ctx)
	if err != nil {
		t.Fatalf("CountQueueItems: %v", err)
	}
	if counts[StatusPending] != 1 || counts[StatusError] != 1 {
		t.Errorf("counts = %v", counts)
	}
}

func TestDeleteQueueItem(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	it, _ := s.EnqueueQueueItem(ctx, QueueItem{RawText: "a", Source: "manual"})
	if err := s.DeleteQueueItem(ctx, it.ID); err != nil {
		t.Fatalf("DeleteQueueItem: %v", err)
	}
	if err := s.DeleteQueueItem(ctx, it.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("second delete: got %v, want ErrNotFound", err)
	}
}

func TestAuditTrail(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	events := []AuditEvent{
		{Kind: "transition", QueueID: "q1", OldStatus: "", NewStatus: StatusPending, Actor: "cli"},
		{Kind: "transition", QueueID: "q1", OldStatus: StatusPending, NewStatus: StatusTrained, Actor: "sweep"},
		{Kind: "transition", QueueID: "q2", OldStatus: "", NewStatus: StatusPending, Actor: "api"},
	}
	for _, e := range events {
		if err := s.RecordAudit(ctx, e); err != nil {
			t.Fatalf("RecordAudit: %v", err)
		}
	}

	got, err := s.ListAudit(ctx, "q1", 0)
	if err != nil {
		t.Fatalf("ListAudit: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d events, want 2", len(got))
	}
	if got[0].NewStatus != StatusPending || got[1].NewStatus != StatusTrained {
		t.Errorf("events out of order: %+v", got)
	}
	if got[0].At.IsZero() {
		t.Error("event timestamp not set")
	}

	recent, err := s.ListAudit(ctx, "", 1)
	if err != nil {
		t.Fatalf("ListAudit recent: %v", err)
	}
	if len(recent) != 1 || recent[0].QueueID != "q2" {
		t.Errorf("recent = %+v", recent)
	}
}
