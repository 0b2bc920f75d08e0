// Package audit emits structured records for queue transitions and matcher
// decisions.
package audit

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/kalambet/runeforge/internal/storage"
)

// Event kinds.
const (
	KindTransition = "transition"
	KindMatch      = "match"
	KindPromote    = "promote"
	KindFeedback   = "feedback"
)

// Event is one audit record.
type Event struct {
	Kind      string
	QueueID   string
	RuneID    string
	OldStatus string
	NewStatus string
	Actor     string
	Detail    string
	At        time.Time
}

// Sink receives audit events.
type Sink interface {
	Record(ctx context.Context, e Event) error
}

// Nop discards events.
type Nop struct{}

func (Nop) Record(context.Context, Event) error { return nil }

// LogSink writes events as "audit" log records.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink returns a sink writing to logger, or slog.Default() when nil.
func NewLogSink(logger *slog.Logger) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{logger: logger}
}

func (s *LogSink) Record(ctx context.Context, e Event) error {
	attrs := []slog.Attr{slog.String("kind", e.Kind), slog.Time("at", e.At)}
	if e.QueueID != "" {
		attrs = append(attrs, slog.String("queue_id", e.QueueID))
	}
	if e.RuneID != "" {
		attrs = append(attrs, slog.String("rune_id", e.RuneID))
	}
	if e.OldStatus != "" || e.NewStatus != "" {
		attrs = append(attrs, slog.String("old_status", e.OldStatus), slog.String("new_status", e.NewStatus))
	}
	if e.Actor != "" {
		attrs = append(attrs, slog.String("actor", e.Actor))
	}
	if e.Detail != "" {
		attrs = append(attrs, slog.String("detail", e.Detail))
	}
	s.logger.LogAttrs(ctx, slog.LevelInfo, "audit", attrs...)
	return nil
}

// EventStore persists audit events.
type EventStore interface {
	RecordAudit(ctx context.Context, e storage.AuditEvent) error
}

// StoreSink persists events through an EventStore.
type StoreSink struct {
	store EventStore
}

func NewStoreSink(store EventStore) *StoreSink {
	return &StoreSink{store: store}
}

func (s *StoreSink) Record(ctx context.Context, e Event) error {
	return s.store.RecordAudit(ctx, storage.AuditEvent{
		Kind:      e.Kind,
		QueueID:   e.QueueID,
		RuneID:    e.RuneID,
		OldStatus: e.OldStatus,
		NewStatus: e.NewStatus,
		Actor:     e.Actor,
		Detail:    e.Detail,
		At:        e.At,
	})
}

// Multi fans an event out to every sink. All sinks are tried; their errors
// are joined.
func Multi(sinks ...Sink) Sink {
	return multi(sinks)
}

type multi []Sink

func (m multi) Record(ctx context.Context, e Event) error {
	var errs []error
	for _, s := range m {
		if err := s.Record(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Emit records e on sink and logs a failure instead of returning it. A zero
// At is set to the current time.
func Emit(ctx context.Context, sink Sink, e Event) {
	if sink == nil {
		return
	}
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}
	if err := sink.Record(ctx, e); err != nil {
		slog.Warn("recording audit event failed", "kind", e.Kind, "queue_id", e.QueueID, "error", err)
	}
}
