package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/runeforge/internal/classify"
	"github.com/kalambet/runeforge/internal/knowledge"
	"github.com/kalambet/runeforge/internal/learn"
	"github.com/kalambet/runeforge/internal/match"
	"github.com/kalambet/runeforge/internal/metrics"
	"github.com/kalambet/runeforge/internal/moderation"
	"github.com/kalambet/runeforge/internal/storage"
)

const maxRequestBodySize = 2 << 20 // 2MB, room for MaxTextBytes of JSON-escaped text
const maxImportBodySize = 10 << 20 // 10MB

// ActorHeader names the operator performing a moderation action.
const ActorHeader = "X-Runeforge-Actor"

type SubmitRequest struct {
	TaskID string `json:"task_id"`
	Text   string `json:"text"`
	Source string `json:"source"`
}

type MatchRequest struct {
	Task    string            `json:"task"`
	Context map[string]string `json:"context"`
}

type ApproveRequest struct {
	Content string `json:"content"`
}

type RejectRequest struct {
	Reason string `json:"reason"`
}

type FeedbackRequest struct {
	Score *float64 `json:"score"`
}

type PromoteRequest struct {
	Content string `json:"content"`
}

type ApproveResponse struct {
	Item storage.QueueItem `json:"item"`
	Rune storage.Rune      `json:"rune"`
}

type StatsResponse struct {
	Metrics metrics.Snapshot `json:"metrics"`
	Queue   map[string]int   `json:"queue"`
}

type AppDeps struct {
	Store      *storage.Store
	Matcher    *match.Matcher
	Moderation *moderation.Service
	Learner    *learn.Learner
	Classifier classify.Classifier
	Metrics    *metrics.Collector
	Token      string
}

func NewAppHandler(deps AppDeps) http.Handler {
	r := chi.NewRouter()

	r.Get("/health", handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))

		r.Post("/queue", handleSubmit(deps))
		r.Get("/queue", handleListQueue(deps))
		r.Post("/queue/sweep", handleSweep(deps))
		r.Get("/queue/{id}", handleGetQueueItem(deps))
		r.Get("/queue/{id}/history", handleQueueHistory(deps))
		r.Delete("/queue/{id}", handleDeleteQueueItem(deps))
		r.Post("/queue/{id}/train", handleTrain(deps, false))
		r.Post("/queue/{id}/retrain", handleTrain(deps, true))
		r.Post("/queue/{id}/approve", handleApprove(deps))
		r.Post("/queue/{id}/reject", handleReject(deps))

		r.Post("/match", handleMatch(deps))

		r.Get("/runes", handleListRunes(deps))
		r.Get("/runes/export", handleExport(deps))
		r.Post("/runes/import", handleImport(deps))
		r.Get("/runes/{id}", handleGetRune(deps))
		r.Post("/runes/{id}/feedback", handleFeedback(deps))
		r.Post("/runes/{id}/promote", handlePromote(deps))

		r.Get("/orbs", handleListOrbs(deps))
		r.Post("/orbs/reconcile", handleReconcile(deps))
		r.Delete("/orbs/{id}", handleDeleteOrb(deps))

		r.Post("/learn/outcomes", handleOutcome(deps))
		r.Post("/learn/test-failures", handleTestFailure(deps))

		r.Get("/stats", handleStats(deps))
	})

	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

func handleSubmit(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req SubmitRequest
		if !decodeBody(w, r, &req) {
			return
		}
		if req.Source == "" {
			req.Source = "api"
		}
		item, err := deps.Moderation.Enqueue(r.Context(), req.TaskID, req.Text, req.Source)
		if err != nil {
			serviceError(w, err, "failed to enqueue")
			return
		}
		writeJSON(w, http.StatusCreated, item)
	}
}

func handleListQueue(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := parseIntParam(r, "limit", 50, 500)
		offset := parseIntParam(r, "offset", 0, 0)

		items, err := deps.Moderation.List(r.Context(), r.URL.Query().Get("status"), limit, offset)
		if err != nil {
			serviceError(w, err, "failed to list queue")
			return
		}
		if items == nil {
			items = []storage.QueueItem{}
		}
		writeJSON(w, http.StatusOK, items)
	}
}

func handleGetQueueItem(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		item, err := deps.Moderation.Get(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			serviceError(w, err, "queue item")
			return
		}
		writeJSON(w, http.StatusOK, item)
	}
}

func handleQueueHistory(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		// Deleted items keep their trail, so only 404 when there is none.
		events, err := deps.Store.ListAudit(r.Context(), id, 0)
		if err != nil {
			serviceError(w, err, "failed to read history")
			return
		}
		if len(events) == 0 {
			if _, err := deps.Moderation.Get(r.Context(), id); err != nil {
				serviceError(w, err, "queue item")
				return
			}
			events = []storage.AuditEvent{}
		}
		writeJSON(w, http.StatusOK, events)
	}
}

func handleDeleteQueueItem(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := deps.Moderation.Delete(r.Context(), chi.URLParam(r, "id"), actor(r)); err != nil {
			serviceError(w, err, "queue item")
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
	}
}

func handleTrain(deps AppDeps, retry bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		var (
			item storage.QueueItem
			err  error
		)
		if retry {
			item, err = deps.Moderation.Retrain(r.Context(), id, actor(r))
		} else {
			item, err = deps.Moderation.Train(r.Context(), id, actor(r))
		}
		if err != nil {
			serviceError(w, err, "queue item")
			return
		}
		writeJSON(w, http.StatusOK, item)
	}
}

func handleApprove(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req ApproveRequest
		if !decodeOptionalBody(w, r, &req) {
			return
		}
		item, rn, err := deps.Moderation.Approve(r.Context(), chi.URLParam(r, "id"), req.Content, actor(r))
		if err != nil {
			serviceError(w, err, "queue item")
			return
		}
		writeJSON(w, http.StatusOK, ApproveResponse{Item: item, Rune: rn})
	}
}

func handleReject(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req RejectRequest
		if !decodeOptionalBody(w, r, &req) {
			return
		}
		item, err := deps.Moderation.Reject(r.Context(), chi.URLParam(r, "id"), req.Reason, actor(r))
		if err != nil {
			serviceError(w, err, "queue item")
			return
		}
		writeJSON(w, http.StatusOK, item)
	}
}

func handleSweep(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		report, err := deps.Moderation.Sweep(r.Context(), actor(r))
		if err != nil {
			serviceError(w, err, "sweep failed")
			return
		}
		writeJSON(w, http.StatusOK, report)
	}
}

func handleMatch(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req MatchRequest
		if !decodeBody(w, r, &req) {
			return
		}
		res, err := deps.Matcher.Match(r.Context(), req.Task, req.Context)
		if err != nil {
			serviceError(w, err, "match failed")
			return
		}
		writeJSON(w, http.StatusOK, res)
	}
}

func handleListRunes(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		f := storage.RuneFilter{
			OrbID:  q.Get("orb_id"),
			Limit:  parseIntParam(r, "limit", 100, 1000),
			Offset: parseIntParam(r, "offset", 0, 0),
		}
		if name := q.Get("orb"); name != "" && f.OrbID == "" {
			orb, err := deps.Store.GetOrbByName(r.Context(), name)
			if err != nil {
				serviceError(w, err, "orb")
				return
			}
			f.OrbID = orb.ID
		}
		if v := q.Get("version"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || (n != storage.VersionDraft && n != storage.VersionProduction) {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "version must be 0 or 1")
				return
			}
			f.Version = &n
		}
		if v := q.Get("flagged"); v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "flagged must be a boolean")
				return
			}
			f.FlaggedOnly = b
		}

		runes, err := deps.Store.ListRunes(r.Context(), f)
		if err != nil {
			serviceError(w, err, "failed to list runes")
			return
		}
		if runes == nil {
			runes = []storage.Rune{}
		}
		writeJSON(w, http.StatusOK, runes)
	}
}

func handleGetRune(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rn, err := deps.Store.GetRune(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			serviceError(w, err, "rune")
			return
		}
		writeJSON(w, http.StatusOK, rn)
	}
}

func handleFeedback(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req FeedbackRequest
		if !decodeBody(w, r, &req) {
			return
		}
		if req.Score == nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "score is required")
			return
		}
		rn, err := deps.Learner.RecordFeedback(r.Context(), chi.URLParam(r, "id"), *req.Score)
		if err != nil {
			serviceError(w, err, "rune")
			return
		}
		writeJSON(w, http.StatusOK, rn)
	}
}

func handlePromote(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req PromoteRequest
		if !decodeOptionalBody(w, r, &req) {
			return
		}
		rn, err := deps.Moderation.PromoteDraft(r.Context(), chi.URLParam(r, "id"), req.Content, actor(r))
		if err != nil {
			serviceError(w, err, "rune")
			return
		}
		writeJSON(w, http.StatusOK, rn)
	}
}

func handleExport(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		drafts, _ := strconv.ParseBool(r.URL.Query().Get("drafts"))
		data, err := knowledge.Export(r.Context(), deps.Store, drafts, time.Now())
		if err != nil {
			serviceError(w, err, "export failed")
			return
		}
		w.Header().Set("Content-Type", "application/yaml")
		w.Write(data)
	}
}

func handleImport(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxImportBodySize)
		defer r.Body.Close()

		data, err := io.ReadAll(r.Body)
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "reading body: %v", err)
			return
		}
		n, err := knowledge.Import(r.Context(), deps.Store, data)
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "import failed: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]int{"imported": n})
	}
}

func handleListOrbs(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		orbs, err := deps.Store.ListOrbs(r.Context())
		if err != nil {
			serviceError(w, err, "failed to list orbs")
			return
		}
		if orbs == nil {
			orbs = []storage.Orb{}
		}
		writeJSON(w, http.StatusOK, orbs)
	}
}

func handleReconcile(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		report, err := knowledge.Reconcile(r.Context(), deps.Store, deps.Classifier)
		if err != nil {
			serviceError(w, err, "reconcile failed")
			return
		}
		writeJSON(w, http.StatusOK, report)
	}
}

func handleDeleteOrb(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := deps.Store.DeleteOrb(r.Context(), chi.URLParam(r, "id")); err != nil {
			serviceError(w, err, "orb")
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
	}
}

func handleOutcome(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req learn.Outcome
		if !decodeBody(w, r, &req) {
			return
		}
		report, err := deps.Learner.RecordOutcome(r.Context(), req)
		if err != nil {
			serviceError(w, err, "failed to record outcome")
			return
		}
		writeJSON(w, http.StatusOK, report)
	}
}

func handleTestFailure(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req learn.TestFailure
		if !decodeBody(w, r, &req) {
			return
		}
		rn, err := deps.Learner.RecordTestFailure(r.Context(), req)
		if err != nil {
			serviceError(w, err, "failed to record test failure")
			return
		}
		writeJSON(w, http.StatusCreated, rn)
	}
}

func handleStats(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		counts, err := deps.Store.CountQueueItems(r.Context())
		if err != nil {
			serviceError(w, err, "failed to count queue")
			return
		}
		writeJSON(w, http.StatusOK, StatsResponse{Metrics: deps.Metrics.Snapshot(), Queue: counts})
	}
}

func actor(r *http.Request) string {
	if a := r.Header.Get(ActorHeader); a != "" {
		return a
	}
	return "api"
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	defer r.Body.Close()

	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
		return false
	}
	return true
}

// decodeOptionalBody accepts an empty body.
func decodeOptionalBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	defer r.Body.Close()

	err := json.NewDecoder(r.Body).Decode(v)
	if err != nil && !errors.Is(err, io.EOF) {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
		return false
	}
	return true
}

func parseIntParam(r *http.Request, key string, defaultVal, maxVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 0 {
		return defaultVal
	}
	if maxVal > 0 && v > maxVal {
		return maxVal
	}
	return v
}
