// Package knowledge holds operations over the orb and rune collections as a
// whole: reconciling orbs with the classifier's labels, recognising content
// shapes and moving runes in and out as YAML.
package knowledge

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/kalambet/runeforge/internal/classify"
	"github.com/kalambet/runeforge/internal/storage"
)

// OrbStore is the subset of storage.Store used by Reconcile.
type OrbStore interface {
	EnsureOrb(ctx context.Context, name, description string) (storage.Orb, error)
	ListOrbs(ctx context.Context) ([]storage.Orb, error)
}

// ReconcileReport lists what Reconcile found.
type ReconcileReport struct {
	Created  []string `json:"created"`
	Existing []string `json:"existing"`
	Orphans  []string `json:"orphans"`
}

// Reconcile ensures one orb exists per domain label of c. Orbs whose name is
// not a label are reported as orphans and left in place.
func Reconcile(ctx context.Context, store OrbStore, c classify.Classifier) (ReconcileReport, error) {
	before, err := store.ListOrbs(ctx)
	if err != nil {
		return ReconcileReport{}, fmt.Errorf("listing orbs: %w", err)
	}
	existing := make(map[string]bool, len(before))
	for _, o := range before {
		existing[o.Name] = true
	}

	var report ReconcileReport
	labels := make(map[string]bool)
	for _, domain := range c.Domains() {
		labels[domain] = true
		if existing[domain] {
			report.Existing = append(report.Existing, domain)
			continue
		}
		if _, err := store.EnsureOrb(ctx, domain, classify.Describe(domain)); err != nil {
			return report, fmt.Errorf("ensuring orb %q: %w", domain, err)
		}
		report.Created = append(report.Created, domain)
	}

	for _, o := range before {
		if !labels[o.Name] {
			report.Orphans = append(report.Orphans, o.Name)
		}
	}
	if len(report.Orphans) > 0 {
		slog.Warn("orbs without a classifier label", "orbs", report.Orphans)
	}
	return report, nil
}
