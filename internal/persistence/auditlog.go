package persistence

import (
	"context"
	"fmt"
	"time"
)

// AuditEntry is one row of the append-only decision record.
type AuditEntry struct {
	ID         int64     `json:"id"`
	Timestamp  time.Time `json:"timestamp"`
	ActionType string    `json:"action_type"`
	ActionData string    `json:"action_data"`
	Decision   string    `json:"decision"`
	Reason     string    `json:"reason"`
	Actor      string    `json:"actor"`
}

// InsertAuditEntry appends one audit row. Rows are never updated or deleted.
func (s *Store) InsertAuditEntry(ctx context.Context, actionType, actionData, decision, reason, actor string) error {
	err := retryOnBusy(ctx, busyMaxRetries, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO audit_log (action_type, action_data, decision, reason, actor)
			VALUES (?, ?, ?, ?, ?);
		`, actionType, actionData, decision, reason, actor)
		return err
	})
	if err != nil {
		return fmt.Errorf("insert audit entry: %w", err)
	}
	return nil
}

// ListAuditEntries returns up to limit entries, newest first.
func (s *Store) ListAuditEntries(ctx context.Context, limit int) ([]AuditEntry, error) {
	if limit <= 0 || limit > 1000 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, timestamp, action_type, action_data, decision, reason, actor
		FROM audit_log
		ORDER BY id DESC
		LIMIT ?;
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list audit entries: %w", err)
	}
	defer rows.Close()

	var out []AuditEntry
	for rows.Next() {
		var e AuditEntry
		if err := rows.Scan(&e.ID, &e.Timestamp, &e.ActionType, &e.ActionData, &e.Decision, &e.Reason, &e.Actor); err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
