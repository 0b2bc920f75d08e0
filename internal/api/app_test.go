package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/kalambet/runeforge/internal/audit"
	"github.com/kalambet/runeforge/internal/classify"
	"github.com/kalambet/runeforge/internal/learn"
	"github.com/kalambet/runeforge/internal/match"
	"github.com/kalambet/runeforge/internal/metrics"
	"github.com/kalambet/runeforge/internal/moderation"
	"github.com/kalambet/runeforge/internal/storage"
)

const testToken = "test-token-12345"

type mockSynth struct {
	out string
	err error
}

func (m *mockSynth) Name() string { return "mock" }

func (m *mockSynth) Synthesize(_ context.Context, _ string) (string, error) {
	return m.out, m.err
}

func newTestDeps(t *testing.T, sy *mockSynth) AppDeps {
	t.Helper()
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	c := classify.NewKeyword()
	m := metrics.NewCollector()
	sink := audit.NewStoreSink(store)
	return AppDeps{
		Store:      store,
		Matcher:    match.New(store, c, sy, match.WithMetrics(m), match.WithAudit(sink)),
		Moderation: moderation.NewService(store, c, sy, moderation.WithMetrics(m), moderation.WithAudit(sink)),
		Learner:    learn.New(store, c, learn.WithMetrics(m), learn.WithAudit(sink)),
		Classifier: c,
		Metrics:    m,
		Token:      testToken,
	}
}

func setupAppHandler(t *testing.T, sy *mockSynth) (http.Handler, AppDeps) {
	t.Helper()
	deps := newTestDeps(t, sy)
	return NewAppHandler(deps), deps
}

func authReq(method, url, body, token string) *http.Request {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, url, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req
}

func do(t *testing.T, h http.Handler, method, url, body string) *httptest.ResponseRecorder {
	t.Helper()
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(method, url, body, testToken))
	return rr
}

func decode[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(rr.Body).Decode(&v); err != nil {
		t.Fatalf("decoding response %q: %v", rr.Body.String(), err)
	}
	return v
}

type errorEnvelope struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

func TestHealth_NoAuth(t *testing.T) {
	h, _ := setupAppHandler(t, &mockSynth{out: "x"})
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}
	if got := strings.TrimSpace(rr.Body.String()); got != `{"status":"ok"}` {
		t.Errorf("body = %s", got)
	}
}

func TestAuth_Rejected(t *testing.T) {
	h, _ := setupAppHandler(t, &mockSynth{out: "x"})
	for _, token := range []string{"", "wrong-token"} {
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, authReq(http.MethodGet, "/queue", "", token))
		if rr.Code != http.StatusUnauthorized {
			t.Errorf("token %q: status = %d, want 401", token, rr.Code)
		}
		env := decode[errorEnvelope](t, rr)
		if env.Error.Type != "authentication_error" {
			t.Errorf("error type = %q", env.Error.Type)
		}
	}
}

func TestQueueLifecycle(t *testing.T) {
	h, _ := setupAppHandler(t, &mockSynth{out: "kubectl run nginx --image=nginx"})

	rr := do(t, h, http.MethodPost, "/queue", `{"task_id":"t-1","text":"deploy a pod with nginx"}`)
	if rr.Code != http.StatusCreated {
		t.Fatalf("submit status = %d; body = %s", rr.Code, rr.Body.String())
	}
	item := decode[storage.QueueItem](t, rr)
	if item.Status != storage.StatusPending || item.Source != "api" {
		t.Fatalf("submitted item = %+v", item)
	}

	rr = do(t, h, http.MethodGet, "/queue?status=pending", "")
	if items := decode[[]storage.QueueItem](t, rr); len(items) != 1 || items[0].ID != item.ID {
		t.Fatalf("pending list = %+v", items)
	}

	rr = do(t, h, http.MethodPost, "/queue/"+item.ID+"/train", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("train status = %d; body = %s", rr.Code, rr.Body.String())
	}
	trained := decode[storage.QueueItem](t, rr)
	if trained.Status != storage.StatusTrained {
		t.Fatalf("trained status = %q", trained.Status)
	}

	rr = do(t, h, http.MethodPost, "/queue/"+item.ID+"/train", "")
	if rr.Code != http.StatusConflict {
		t.Errorf("second train status = %d, want 409", rr.Code)
	}

	rr = do(t, h, http.MethodPost, "/queue/"+item.ID+"/approve", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("approve status = %d; body = %s", rr.Code, rr.Body.String())
	}
	approved := decode[ApproveResponse](t, rr)
	if approved.Item.Status != storage.StatusApproved {
		t.Errorf("approved item status = %q", approved.Item.Status)
	}
	if approved.Rune.Version != storage.VersionProduction || approved.Rune.Content != "kubectl run nginx --image=nginx" {
		t.Errorf("approved rune = %+v", approved.Rune)
	}

	rr = do(t, h, http.MethodGet, "/queue/"+item.ID+"/history", "")
	events := decode[[]storage.AuditEvent](t, rr)
	var transitions []string
	for _, e := range events {
		if e.Kind == audit.KindTransition {
			transitions = append(transitions, e.OldStatus+">"+e.NewStatus)
		}
	}
	want := []string{">pending", "pending>trained", "trained>approved"}
	if diff := cmp.Diff(want, transitions); diff != "" {
		t.Errorf("history mismatch (-want +got):\n%s", diff)
	}

	// A fresh rune scores only the pattern term, so lift it over the threshold.
	rr = do(t, h, http.MethodPost, "/runes/"+approved.Rune.ID+"/feedback", `{"score":1}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("feedback status = %d; body = %s", rr.Code, rr.Body.String())
	}
	rr = do(t, h, http.MethodPost, "/match", `{"task":"deploy a pod with nginx","context":{"approved_by":"api"}}`)
	res := decode[match.Result](t, rr)
	if res.Source != match.SourceRune || res.Rune == nil || res.Rune.ID != approved.Rune.ID {
		t.Errorf("match result = %+v", res)
	}
}

func TestQueue_Reject(t *testing.T) {
	h, _ := setupAppHandler(t, &mockSynth{out: "echo hi"})
	item := decode[storage.QueueItem](t, do(t, h, http.MethodPost, "/queue", `{"text":"say hi"}`))
	do(t, h, http.MethodPost, "/queue/"+item.ID+"/train", "")

	req := authReq(http.MethodPost, "/queue/"+item.ID+"/reject", `{"reason":"too trivial"}`, testToken)
	req.Header.Set(ActorHeader, "dana")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("reject status = %d; body = %s", rr.Code, rr.Body.String())
	}
	rejected := decode[storage.QueueItem](t, rr)
	if rejected.Status != storage.StatusRejected || !strings.Contains(rejected.RawText, "by dana ---\ntoo trivial") {
		t.Errorf("rejected item = %+v", rejected)
	}
}

func TestQueue_ErrorMapping(t *testing.T) {
	h, _ := setupAppHandler(t, &mockSynth{out: "x"})

	tests := []struct {
		name     string
		method   string
		url      string
		body     string
		wantCode int
		wantType string
	}{
		{"empty text", http.MethodPost, "/queue", `{"text":"  "}`, http.StatusBadRequest, "invalid_request_error"},
		{"bad json", http.MethodPost, "/queue", `{`, http.StatusBadRequest, "invalid_request_error"},
		{"bad task id", http.MethodPost, "/queue", `{"text":"x","task_id":"a b"}`, http.StatusBadRequest, "invalid_request_error"},
		{"unknown status", http.MethodGet, "/queue?status=done", "", http.StatusBadRequest, "invalid_request_error"},
		{"missing item", http.MethodGet, "/queue/nope", "", http.StatusNotFound, "not_found"},
		{"missing history", http.MethodGet, "/queue/nope/history", "", http.StatusNotFound, "not_found"},
		{"train missing", http.MethodPost, "/queue/nope/train", "", http.StatusNotFound, "not_found"},
		{"empty match", http.MethodPost, "/match", `{"task":""}`, http.StatusBadRequest, "invalid_request_error"},
		{"missing rune", http.MethodGet, "/runes/nope", "", http.StatusNotFound, "not_found"},
		{"feedback no score", http.MethodPost, "/runes/nope/feedback", `{}`, http.StatusBadRequest, "invalid_request_error"},
		{"feedback range", http.MethodPost, "/runes/nope/feedback", `{"score":3}`, http.StatusBadRequest, "invalid_request_error"},
		{"bad version", http.MethodGet, "/runes?version=2", "", http.StatusBadRequest, "invalid_request_error"},
		{"missing orb", http.MethodDelete, "/orbs/nope", "", http.StatusNotFound, "not_found"},
		{"outcome empty", http.MethodPost, "/learn/outcomes", `{}`, http.StatusBadRequest, "invalid_request_error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := do(t, h, tt.method, tt.url, tt.body)
			if rr.Code != tt.wantCode {
				t.Fatalf("status = %d, want %d; body = %s", rr.Code, tt.wantCode, rr.Body.String())
			}
			if env := decode[errorEnvelope](t, rr); env.Error.Type != tt.wantType {
				t.Errorf("error type = %q, want %q", env.Error.Type, tt.wantType)
			}
		})
	}
}

func TestMatch_MissPersistsDraftAndPromote(t *testing.T) {
	h, deps := setupAppHandler(t, &mockSynth{out: "FROM alpine:3.20\nRUN apk add curl"})

	rr := do(t, h, http.MethodPost, "/match", `{"task":"write a dockerfile with curl","context":{"task_id":"t-3"}}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("match status = %d; body = %s", rr.Code, rr.Body.String())
	}
	res := decode[match.Result](t, rr)
	if res.Source != match.SourceSynthesized || res.DraftID == "" {
		t.Fatalf("match result = %+v", res)
	}

	rr = do(t, h, http.MethodGet, "/runes?version=0", "")
	drafts := decode[[]storage.Rune](t, rr)
	if len(drafts) != 1 || drafts[0].ID != res.DraftID || drafts[0].TaskID != "t-3" {
		t.Fatalf("drafts = %+v", drafts)
	}

	rr = do(t, h, http.MethodPost, "/runes/"+res.DraftID+"/promote", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("promote status = %d; body = %s", rr.Code, rr.Body.String())
	}
	if r := decode[storage.Rune](t, rr); r.Version != storage.VersionProduction {
		t.Errorf("promoted version = %d", r.Version)
	}

	rr = do(t, h, http.MethodPost, "/runes/"+res.DraftID+"/promote", "")
	if rr.Code != http.StatusConflict {
		t.Errorf("second promote status = %d, want 409", rr.Code)
	}

	rr = do(t, h, http.MethodPost, "/runes/"+res.DraftID+"/feedback", `{"score":-0.5}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("feedback status = %d; body = %s", rr.Code, rr.Body.String())
	}
	if r := decode[storage.Rune](t, rr); !r.Flagged || r.FeedbackCount != 1 {
		t.Errorf("rune after negative feedback = %+v", r)
	}

	rr = do(t, h, http.MethodGet, "/runes?flagged=true", "")
	if flagged := decode[[]storage.Rune](t, rr); len(flagged) != 1 {
		t.Errorf("flagged runes = %d, want 1", len(flagged))
	}

	if got := deps.Metrics.Counter(metrics.MatchSynthesized); got != 1 {
		t.Errorf("synthesized counter = %d, want 1", got)
	}
}

func TestOrbsAndStats(t *testing.T) {
	h, _ := setupAppHandler(t, &mockSynth{out: "x"})

	rr := do(t, h, http.MethodPost, "/orbs/reconcile", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("reconcile status = %d; body = %s", rr.Code, rr.Body.String())
	}

	rr = do(t, h, http.MethodGet, "/orbs", "")
	orbs := decode[[]storage.Orb](t, rr)
	var names []string
	for _, o := range orbs {
		names = append(names, o.Name)
	}
	want := []string{classify.DevOpsPipeline, classify.GeneralKnowledge, classify.InfrastructureOps, classify.MLOps}
	if diff := cmp.Diff(want, names); diff != "" {
		t.Errorf("orbs mismatch (-want +got):\n%s", diff)
	}

	do(t, h, http.MethodPost, "/queue", `{"text":"one"}`)
	do(t, h, http.MethodPost, "/queue", `{"text":"two"}`)
	rr = do(t, h, http.MethodGet, "/stats", "")
	stats := decode[StatsResponse](t, rr)
	if stats.Queue[storage.StatusPending] != 2 {
		t.Errorf("pending count = %d, want 2", stats.Queue[storage.StatusPending])
	}
}

func TestSweepEndpoint(t *testing.T) {
	h, _ := setupAppHandler(t, &mockSynth{out: "ok"})
	do(t, h, http.MethodPost, "/queue", `{"text":"alpha"}`)
	do(t, h, http.MethodPost, "/queue", `{"text":"beta"}`)

	rr := do(t, h, http.MethodPost, "/queue/sweep", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("sweep status = %d; body = %s", rr.Code, rr.Body.String())
	}
	if diff := cmp.Diff(moderation.SweepReport{Trained: 2}, decode[moderation.SweepReport](t, rr)); diff != "" {
		t.Errorf("sweep report mismatch (-want +got):\n%s", diff)
	}
}

func TestLearnEndpoints(t *testing.T) {
	h, _ := setupAppHandler(t, &mockSynth{out: "x"})

	rr := do(t, h, http.MethodPost, "/learn/outcomes",
		`{"task_id":"t-5","task_text":"ship the release","solution_path":"make build -> make publish","success":true}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("outcome status = %d; body = %s", rr.Code, rr.Body.String())
	}
	report := decode[learn.OutcomeReport](t, rr)
	if diff := cmp.Diff([]string{"make build", "make publish"}, report.Operations); diff != "" {
		t.Errorf("operations mismatch (-want +got):\n%s", diff)
	}
	if len(report.Created) != 2 {
		t.Errorf("created = %v, want 2 learned drafts", report.Created)
	}

	rr = do(t, h, http.MethodPost, "/learn/test-failures",
		`{"task_id":"t-5","test_name":"TestPublish","message":"context deadline exceeded"}`)
	if rr.Code != http.StatusCreated {
		t.Fatalf("test-failure status = %d; body = %s", rr.Code, rr.Body.String())
	}
	if r := decode[storage.Rune](t, rr); r.Pattern != learn.FailureTimeout {
		t.Errorf("recovery pattern = %q", r.Pattern)
	}
}

func TestExportImport(t *testing.T) {
	h, _ := setupAppHandler(t, &mockSynth{out: "helm upgrade --install web ./chart"})
	item := decode[storage.QueueItem](t, do(t, h, http.MethodPost, "/queue", `{"text":"upgrade the helm release"}`))
	do(t, h, http.MethodPost, "/queue/"+item.ID+"/train", "")
	do(t, h, http.MethodPost, "/queue/"+item.ID+"/approve", "")

	rr := do(t, h, http.MethodGet, "/runes/export", "")
	if ct := rr.Header().Get("Content-Type"); ct != "application/yaml" {
		t.Fatalf("content type = %q", ct)
	}
	exported := rr.Body.String()
	if !strings.Contains(exported, "helm upgrade --install web ./chart") {
		t.Fatalf("export missing rune content:\n%s", exported)
	}

	h2, _ := setupAppHandler(t, &mockSynth{out: "x"})
	rr = do(t, h2, http.MethodPost, "/runes/import", exported)
	if rr.Code != http.StatusOK {
		t.Fatalf("import status = %d; body = %s", rr.Code, rr.Body.String())
	}
	if got := decode[map[string]int](t, rr); got["imported"] != 1 {
		t.Errorf("imported = %v", got)
	}
}
