// Package sweep runs moderation training in the background.
package sweep

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/kalambet/runeforge/internal/moderation"
)

// DefaultInterval is the poll interval used when none is configured.
const DefaultInterval = 30 * time.Second

// Actor is recorded in the audit trail for transitions made by the worker.
const Actor = "sweeper"

// Sweeper trains every pending queue item.
type Sweeper interface {
	Sweep(ctx context.Context, actor string) (moderation.SweepReport, error)
}

// Worker periodically trains pending queue items.
type Worker struct {
	svc    Sweeper
	poll   time.Duration
	logger *slog.Logger
}

// NewWorker creates a Worker. If pollInterval is <= 0, it defaults to
// DefaultInterval.
func NewWorker(svc Sweeper, pollInterval time.Duration) *Worker {
	if pollInterval <= 0 {
		pollInterval = DefaultInterval
	}
	return &Worker{
		svc:    svc,
		poll:   pollInterval,
		logger: slog.Default(),
	}
}

// Run sweeps the queue every poll interval until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		if _, err := w.RunOnce(ctx); err != nil && ctx.Err() == nil {
			w.logger.Error("sweep iteration failed", "error", err)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(w.poll):
		}
	}
}

// RunOnce trains every item that is pending right now.
func (w *Worker) RunOnce(ctx context.Context) (moderation.SweepReport, error) {
	report, err := w.svc.Sweep(ctx, Actor)
	if err != nil {
		return report, fmt.Errorf("sweeping queue: %w", err)
	}
	if report.Trained+report.Failed > 0 {
		w.logger.Info("sweep finished",
			"trained", report.Trained, "failed", report.Failed, "skipped", report.Skipped)
	}
	return report, nil
}
