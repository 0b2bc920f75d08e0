package storage

import (
	"context"
	"fmt"
)

// RecordAudit appends an event to the audit trail. A zero At is set to now.
func (s *Store) RecordAudit(ctx context.Context, e AuditEvent) error {
	if e.At.IsZero() {
		e.At = s.now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_events (kind, queue_id, rune_id, old_status, new_status, actor, detail, at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.Kind, e.QueueID, e.RuneID, e.OldStatus, e.NewStatus, e.Actor, e.Detail, formatTime(e.At),
	)
	if err != nil {
		return fmt.Errorf("recording audit event: %w", err)
	}
	return nil
}

// ListAudit returns the audit trail of one queue item in insertion order.
// An empty queueID returns the most recent events across all items, up to limit.
func (s *Store) ListAudit(ctx context.Context, queueID string, limit int) ([]AuditEvent, error) {
	query := `SELECT seq, kind, queue_id, rune_id, old_status, new_status, actor, detail, at FROM audit_events`
	var args []any
	if queueID != "" {
		query += ` WHERE queue_id = ? ORDER BY seq ASC`
		args = append(args, queueID)
	} else {
		query += ` ORDER BY seq DESC`
	}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []AuditEvent
	for rows.Next() {
		var e AuditEvent
		var at string
		if err := rows.Scan(&e.Seq, &e.Kind, &e.QueueID, &e.RuneID, &e.OldStatus, &e.NewStatus,
			&e.Actor, &e.Detail, &at); err != nil {
			return nil, err
		}
		if e.At, err = parseTime("at", at); err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}
