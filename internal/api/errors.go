package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/kalambet/runeforge/internal/learn"
	"github.com/kalambet/runeforge/internal/match"
	"github.com/kalambet/runeforge/internal/moderation"
	"github.com/kalambet/runeforge/internal/storage"
	"github.com/kalambet/runeforge/internal/synth"
)

// serviceError maps a domain error to the HTTP error envelope. what names the
// resource for 404s, or describes the failed operation otherwise.
func serviceError(w http.ResponseWriter, err error, what string) {
	switch {
	case errors.Is(err, moderation.ErrValidation),
		errors.Is(err, learn.ErrValidation),
		errors.Is(err, match.ErrEmptyTask):
		httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
	case errors.Is(err, storage.ErrNotFound):
		httpError(w, http.StatusNotFound, "not_found", "%s not found", what)
	case errors.Is(err, moderation.ErrInvalidTransition),
		errors.Is(err, storage.ErrConflict):
		httpError(w, http.StatusConflict, "conflict_error", "%v", err)
	case errors.Is(err, synth.ErrUnavailable):
		httpError(w, http.StatusBadGateway, "api_error", "%s: %v", what, err)
	default:
		slog.Error("request failed", "op", what, "error", err)
		httpError(w, http.StatusInternalServerError, "api_error", "%s: %v", what, err)
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}
