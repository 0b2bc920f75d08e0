package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// DefaultOrbConfidence is the confidence a freshly created orb starts with.
const DefaultOrbConfidence = 0.5

const orbColumns = `id, name, description, confidence, created_at, updated_at`

// EnsureOrb returns the orb with the given name, creating it if needed.
// Concurrent callers racing on the same name all receive the same row: the
// UNIQUE(name) constraint decides the winner and losers re-read it.
func (s *Store) EnsureOrb(ctx context.Context, name, description string) (Orb, error) {
	if name == "" {
		return Orb{}, fmt.Errorf("orb name is required")
	}
	now := formatTime(s.now())
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO orbs (id, name, description, confidence, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(name) DO NOTHING`,
		uuid.New().String(), name, description, DefaultOrbConfidence, now, now,
	)
	if err != nil {
		return Orb{}, fmt.Errorf("ensuring orb %q: %w", name, err)
	}
	return s.GetOrbByName(ctx, name)
}

func (s *Store) GetOrb(ctx context.Context, id string) (Orb, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+orbColumns+` FROM orbs WHERE id = ?`, id)
	return scanOrb(row)
}

func (s *Store) GetOrbByName(ctx context.Context, name string) (Orb, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+orbColumns+` FROM orbs WHERE name = ?`, name)
	return scanOrb(row)
}

// ListOrbs returns every orb ordered by name.
func (s *Store) ListOrbs(ctx context.Context) ([]Orb, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+orbColumns+` FROM orbs ORDER BY name ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var orbs []Orb
	for rows.Next() {
		o, err := scanOrb(rows)
		if err != nil {
			return nil, err
		}
		orbs = append(orbs, o)
	}
	return orbs, rows.Err()
}

// UpdateOrbConfidence applies delta to the orb's confidence, clamped to [0, 1],
// and returns the new value.
func (s *Store) UpdateOrbConfidence(ctx context.Context, id string, delta float64) (float64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("beginning confidence transaction: %w", err)
	}
	defer tx.Rollback()

	var current float64
	err = tx.QueryRowContext(ctx, `SELECT confidence FROM orbs WHERE id = ?`, id).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, err
	}

	next := clamp01(current + delta)
	if _, err := tx.ExecContext(ctx, `UPDATE orbs SET confidence = ?, updated_at = ? WHERE id = ?`,
		next, formatTime(s.now()), id); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("committing confidence update: %w", err)
	}
	return next, nil
}

// DeleteOrb removes an orb and every rune it owns.
func (s *Store) DeleteOrb(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning delete transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM runes WHERE orb_id = ?`, id); err != nil {
		return fmt.Errorf("deleting runes of orb %s: %w", id, err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM orbs WHERE id = ?`, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return tx.Commit()
}

func scanOrb(row scanner) (Orb, error) {
	var o Orb
	var createdAt, updatedAt string
	err := row.Scan(&o.ID, &o.Name, &o.Description, &o.Confidence, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Orb{}, ErrNotFound
	}
	if err != nil {
		return Orb{}, err
	}
	if o.CreatedAt, err = parseTime("created_at", createdAt); err != nil {
		return Orb{}, err
	}
	if o.UpdatedAt, err = parseTime("updated_at", updatedAt); err != nil {
		return Orb{}, err
	}
	return o, nil
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
