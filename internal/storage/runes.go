package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

const runeColumns = `id, orb_id, pattern, content, language, version, task_id, source, metadata,
	feedback_score, feedback_count, usage_count, flagged, created_at, updated_at`

// CreateRune inserts r. An empty ID is replaced by a new UUID; zero timestamps
// are set to now. The stored rune is returned.
func (s *Store) CreateRune(ctx context.Context, r Rune) (Rune, error) {
	return createRune(ctx, s.db, s.now, r)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func createRune(ctx context.Context, db execer, now func() time.Time, r Rune) (Rune, error) {
	if r.OrbID == "" {
		return Rune{}, fmt.Errorf("rune orb id is required")
	}
	if r.Version != VersionDraft && r.Version != VersionProduction {
		return Rune{}, fmt.Errorf("invalid rune version %d", r.Version)
	}
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	if r.Language == "" {
		r.Language = "text"
	}
	if r.Source == "" {
		r.Source = "manual"
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now()
	}
	r.UpdatedAt = r.CreatedAt
	if r.Metadata == nil {
		r.Metadata = map[string]string{}
	}
	meta, err := encodeMetadata(r.Metadata)
	if err != nil {
		return Rune{}, err
	}

	_, err = db.ExecContext(ctx, `
		INSERT INTO runes (`+runeColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.OrbID, r.Pattern, r.Content, r.Language, r.Version, r.TaskID, r.Source, meta,
		r.FeedbackScore, r.FeedbackCount, r.UsageCount, boolToInt(r.Flagged),
		formatTime(r.CreatedAt), formatTime(r.UpdatedAt),
	)
	if err != nil {
		return Rune{}, fmt.Errorf("inserting rune: %w", err)
	}
	r.CreatedAt = r.CreatedAt.UTC()
	r.UpdatedAt = r.UpdatedAt.UTC()
	return r, nil
}

func (s *Store) GetRune(ctx context.Context, id string) (Rune, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runeColumns+` FROM runes WHERE id = ?`, id)
	return scanRune(row)
}

// ListRunes returns runes matching f, oldest first.
func (s *Store) ListRunes(ctx context.Context, f RuneFilter) ([]Rune, error) {
	var where []string
	var args []any
	if f.OrbID != "" {
		where = append(where, "orb_id = ?")
		args = append(args, f.OrbID)
	}
	if f.Version != nil {
		where = append(where, "version = ?")
		args = append(args, *f.Version)
	}
	if f.FlaggedOnly {
		where = append(where, "flagged = 1")
	}

	query := `SELECT ` + runeColumns + ` FROM runes`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY created_at ASC, rowid ASC`
	if f.Limit > 0 {
		query += ` LIMIT ? OFFSET ?`
		args = append(args, f.Limit, f.Offset)
	}
	return s.queryRunes(ctx, query, args...)
}

// ListProductionRunes returns every version-1 rune in a single read, in
// first-seen (creation) order.
func (s *Store) ListProductionRunes(ctx context.Context) ([]Rune, error) {
	return s.queryRunes(ctx, `SELECT `+runeColumns+` FROM runes
		WHERE version = ? ORDER BY created_at ASC, rowid ASC`, VersionProduction)
}

// FindRunesByPattern returns runes (any version) whose pattern contains
// fragment, case-insensitively, oldest first.
func (s *Store) FindRunesByPattern(ctx context.Context, fragment string) ([]Rune, error) {
	if fragment == "" {
		return nil, nil
	}
	return s.queryRunes(ctx, `SELECT `+runeColumns+` FROM runes
		WHERE instr(lower(pattern), lower(?)) > 0 ORDER BY created_at ASC, rowid ASC`, fragment)
}

func (s *Store) queryRunes(ctx context.Context, query string, args ...any) ([]Rune, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runes []Rune
	for rows.Next() {
		r, err := scanRune(rows)
		if err != nil {
			return nil, err
		}
		runes = append(runes, r)
	}
	return runes, rows.Err()
}

// ApplyRuneFeedback folds score into the rune's feedback as (old+score)/2,
// clamped to [0, 1], increments the feedback count and sets flagged when
// flag is true. The read and write happen in one statement, so concurrent
// votes are never lost. An already-flagged rune stays flagged.
func (s *Store) ApplyRuneFeedback(ctx context.Context, id string, score float64, flag bool) (Rune, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Rune{}, fmt.Errorf("beginning feedback transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE runes SET feedback_score = MIN(1.0, MAX(0.0, (feedback_score + ?) / 2.0)),
			feedback_count = feedback_count + 1,
			flagged = MAX(flagged, ?), updated_at = ?
		WHERE id = ?`,
		score, boolToInt(flag), formatTime(s.now()), id,
	)
	if err := expectOne(res, err); err != nil {
		return Rune{}, err
	}
	r, err := scanRune(tx.QueryRowContext(ctx, `SELECT `+runeColumns+` FROM runes WHERE id = ?`, id))
	if err != nil {
		return Rune{}, err
	}
	if err := tx.Commit(); err != nil {
		return Rune{}, fmt.Errorf("committing feedback: %w", err)
	}
	return r, nil
}

// NudgeRuneFeedback adds delta to the feedback score, clamped to [0, 1],
// without counting it as an explicit feedback event.
func (s *Store) NudgeRuneFeedback(ctx context.Context, id string, delta float64) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE runes SET feedback_score = MIN(1.0, MAX(0.0, feedback_score + ?)), updated_at = ?
		WHERE id = ?`,
		delta, formatTime(s.now()), id,
	)
	return expectOne(res, err)
}

func (s *Store) IncrementRuneUsage(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE runes SET usage_count = usage_count + 1 WHERE id = ?`, id)
	return expectOne(res, err)
}

// PromoteRune moves a draft rune to production. A non-empty content replaces
// the draft's content. Returns ErrConflict if the rune is not a draft.
func (s *Store) PromoteRune(ctx context.Context, id, content, language string) (Rune, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Rune{}, fmt.Errorf("beginning promote transaction: %w", err)
	}
	defer tx.Rollback()

	r, err := scanRune(tx.QueryRowContext(ctx, `SELECT `+runeColumns+` FROM runes WHERE id = ?`, id))
	if err != nil {
		return Rune{}, err
	}
	if r.Version != VersionDraft {
		return Rune{}, fmt.Errorf("rune %s is already at version %d: %w", id, r.Version, ErrConflict)
	}
	if content != "" {
		r.Content = content
	}
	if language != "" {
		r.Language = language
	}
	r.Version = VersionProduction
	r.UpdatedAt = s.now()

	if _, err := tx.ExecContext(ctx, `
		UPDATE runes SET version = ?, content = ?, language = ?, updated_at = ?
		WHERE id = ? AND version = ?`,
		VersionProduction, r.Content, r.Language, formatTime(r.UpdatedAt), id, VersionDraft,
	); err != nil {
		return Rune{}, fmt.Errorf("promoting rune %s: %w", id, err)
	}
	if err := tx.Commit(); err != nil {
		return Rune{}, fmt.Errorf("committing promotion: %w", err)
	}
	return r, nil
}

func scanRune(row scanner) (Rune, error) {
	var r Rune
	var meta, createdAt, updatedAt string
	var flagged int
	err := row.Scan(&r.ID, &r.OrbID, &r.Pattern, &r.Content, &r.Language, &r.Version, &r.TaskID,
		&r.Source, &meta, &r.FeedbackScore, &r.FeedbackCount, &r.UsageCount, &flagged,
		&createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Rune{}, ErrNotFound
	}
	if err != nil {
		return Rune{}, err
	}
	r.Flagged = flagged != 0
	if r.Metadata, err = decodeMetadata(meta); err != nil {
		return Rune{}, err
	}
	if r.CreatedAt, err = parseTime("created_at", createdAt); err != nil {
		return Rune{}, err
	}
	if r.UpdatedAt, err = parseTime("updated_at", updatedAt); err != nil {
		return Rune{}, err
	}
	return r, nil
}

func expectOne(res sql.Result, err error) error {
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
	return nil
}
