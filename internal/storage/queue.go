package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

const queueColumns = `id, task_id, raw_text, source, status, created_at, updated_at`

// EnqueueQueueItem stores a new pending item. An empty ID is replaced by a
// new UUID.
func (s *Store) EnqueueQueueItem(ctx context.Context, item QueueItem) (QueueItem, error) {
	if item.ID == "" {
		item.ID = uuid.New().String()
	}
	if item.CreatedAt.IsZero() {
		item.CreatedAt = s.now()
	}
	item.CreatedAt = item.CreatedAt.UTC()
	item.UpdatedAt = item.CreatedAt
	item.Status = StatusPending

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO queue_items (`+queueColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		item.ID, item.TaskID, item.RawText, item.Source, item.Status,
		formatTime(item.CreatedAt), formatTime(item.UpdatedAt),
	)
	if err != nil {
		return QueueItem{}, fmt.Errorf("inserting queue item: %w", err)
	}
	return item, nil
}

func (s *Store) GetQueueItem(ctx context.Context, id string) (QueueItem, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+queueColumns+` FROM queue_items WHERE id = ?`, id)
	return scanQueueItem(row)
}

// ListQueueItems returns items in creation order. An empty status lists all
// items; limit <= 0 means no limit.
func (s *Store) ListQueueItems(ctx context.Context, status string, limit, offset int) ([]QueueItem, error) {
	query := `SELECT ` + queueColumns + ` FROM queue_items`
	var args []any
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at ASC, rowid ASC`
	if limit > 0 {
		query += ` LIMIT ? OFFSET ?`
		args = append(args, limit, offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []QueueItem
	for rows.Next() {
		it, err := scanQueueItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, it)
	}
	return items, rows.Err()
}

// CountQueueItems returns the number of items per status.
func (s *Store) CountQueueItems(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM queue_items GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

// TransitionQueueItem moves an item to status `to` and replaces its text,
// but only if its current status is one of from. Returns ErrNotFound for a
// missing item and ErrConflict when the status no longer matches.
func (s *Store) TransitionQueueItem(ctx context.Context, id string, from []string, to, rawText string) (QueueItem, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return QueueItem{}, fmt.Errorf("beginning transition transaction: %w", err)
	}
	defer tx.Rollback()

	item, err := s.transitionTx(ctx, tx, id, from, to, rawText)
	if err != nil {
		return QueueItem{}, err
	}
	if err := tx.Commit(); err != nil {
		return QueueItem{}, fmt.Errorf("committing transition: %w", err)
	}
	return item, nil
}

// ApproveQueueItem transitions the item to approved and inserts r in one
// transaction, so an approval yields exactly one rune or nothing at all.
func (s *Store) ApproveQueueItem(ctx context.Context, id string, from []string, rawText string, r Rune) (QueueItem, Rune, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return QueueItem{}, Rune{}, fmt.Errorf("beginning approval transaction: %w", err)
	}
	defer tx.Rollback()

	item, err := s.transitionTx(ctx, tx, id, from, StatusApproved, rawText)
	if err != nil {
		return QueueItem{}, Rune{}, err
	}
	created, err := createRune(ctx, tx, s.now, r)
	if err != nil {
		return QueueItem{}, Rune{}, err
	}
	if err := tx.Commit(); err != nil {
		return QueueItem{}, Rune{}, fmt.Errorf("committing approval: %w", err)
	}
	return item, created, nil
}

func (s *Store) transitionTx(ctx context.Context, tx *sql.Tx, id string, from []string, to, rawText string) (QueueItem, error) {
	if len(from) == 0 {
		return QueueItem{}, fmt.Errorf("transition of %s needs at least one source status", id)
	}

	current, err := scanQueueItem(tx.QueryRowContext(ctx, `SELECT `+queueColumns+` FROM queue_items WHERE id = ?`, id))
	if err != nil {
		return QueueItem{}, err
	}

	now := s.now()
	args := []any{to, rawText, formatTime(now), id}
	for _, f := range from {
		args = append(args, f)
	}
	res, err := tx.ExecContext(ctx, `
		UPDATE queue_items SET status = ?, raw_text = ?, updated_at = ?
		WHERE id = ? AND status IN (?`+strings.Repeat(",?", len(from)-1)+`)`, args...)
	if err != nil {
		return QueueItem{}, fmt.Errorf("updating queue item %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return QueueItem{}, err
	}
	if n != 1 {
		return QueueItem{}, fmt.Errorf("queue item %s is %s, want one of %v: %w", id, current.Status, from, ErrConflict)
	}

	current.Status = to
	current.RawText = rawText
	current.UpdatedAt = now.UTC()
	return current, nil
}

// DeleteQueueItem removes an item. Only operators delete queue items; the
// pipeline itself never does.
func (s *Store) DeleteQueueItem(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM queue_items WHERE id = ?`, id)
	return expectOne(res, err)
}

func scanQueueItem(row scanner) (QueueItem, error) {
	var it QueueItem
	var createdAt, updatedAt string
	err := row.Scan(&it.ID, &it.TaskID, &it.RawText, &it.Source, &it.Status, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return QueueItem{}, ErrNotFound
	}
	if err != nil {
		return QueueItem{}, err
	}
	if it.CreatedAt, err = parseTime("created_at", createdAt); err != nil {
		return QueueItem{}, err
	}
	if it.UpdatedAt, err = parseTime("updated_at", updatedAt); err != nil {
		return QueueItem{}, err
	}
	return it, nil
}
