package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

type PendingStatus string

const (
	PendingStatusPending  PendingStatus = "pending"
	PendingStatusApproved PendingStatus = "approved"
	PendingStatusRejected PendingStatus = "rejected"
)

// PendingChange is an escalated action awaiting human review.
type PendingChange struct {
	ID          int64         `json:"id"`
	ActionType  string        `json:"action_type"`
	ActionData  string        `json:"action_data"`
	ProposedBy  string        `json:"proposed_by"`
	ProposedAt  time.Time     `json:"proposed_at"`
	Status      PendingStatus `json:"status"`
	ReviewedBy  string        `json:"reviewed_by,omitempty"`
	ReviewedAt  *time.Time    `json:"reviewed_at,omitempty"`
	ReviewNotes string        `json:"review_notes,omitempty"`
}

// InsertPendingChange creates a pending row and returns its id.
func (s *Store) InsertPendingChange(ctx context.Context, actionType, actionData, proposedBy string) (int64, error) {
	var id int64
	err := retryOnBusy(ctx, busyMaxRetries, func() error {
		res, err := s.db.ExecContext(ctx, `
			INSERT INTO pending_changes (action_type, action_data, proposed_by)
			VALUES (?, ?, ?);
		`, actionType, actionData, proposedBy)
		if err != nil {
			return err
		}
		id, err = res.LastInsertId()
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("insert pending change: %w", err)
	}
	return id, nil
}

// ResolvePendingChange conditionally flips a pending row to the given
// terminal status. Returns false when the row is absent or already resolved;
// the transition is never applied twice.
func (s *Store) ResolvePendingChange(ctx context.Context, id int64, status PendingStatus, reviewer, notes string) (bool, error) {
	var resolved bool
	err := retryOnBusy(ctx, busyMaxRetries, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE pending_changes
			SET status = ?, reviewed_by = ?, reviewed_at = CURRENT_TIMESTAMP, review_notes = ?
			WHERE id = ? AND status = ?;
		`, status, reviewer, notes, id, PendingStatusPending)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		resolved = n == 1
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("resolve pending change: %w", err)
	}
	return resolved, nil
}

// GetPendingChange returns the row with the given id, or nil.
func (s *Store) GetPendingChange(ctx context.Context, id int64) (*PendingChange, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, action_type, action_data, proposed_by, proposed_at, status,
			COALESCE(reviewed_by, ''), reviewed_at, COALESCE(review_notes, '')
		FROM pending_changes
		WHERE id = ?;
	`, id)
	pc, err := scanPendingChange(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get pending change: %w", err)
	}
	return pc, nil
}

// ListPendingChanges returns unresolved rows, oldest first.
func (s *Store) ListPendingChanges(ctx context.Context) ([]PendingChange, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, action_type, action_data, proposed_by, proposed_at, status,
			COALESCE(reviewed_by, ''), reviewed_at, COALESCE(review_notes, '')
		FROM pending_changes
		WHERE status = ?
		ORDER BY proposed_at ASC, id ASC;
	`, PendingStatusPending)
	if err != nil {
		return nil, fmt.Errorf("list pending changes: %w", err)
	}
	defer rows.Close()

	var out []PendingChange
	for rows.Next() {
		pc, err := scanPendingChange(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan pending change: %w", err)
		}
		out = append(out, *pc)
	}
	return out, rows.Err()
}

func scanPendingChange(scan func(...any) error) (*PendingChange, error) {
	var pc PendingChange
	var status string
	var reviewedAt sql.NullTime
	if err := scan(
		&pc.ID, &pc.ActionType, &pc.ActionData, &pc.ProposedBy, &pc.ProposedAt,
		&status, &pc.ReviewedBy, &reviewedAt, &pc.ReviewNotes,
	); err != nil {
		return nil, err
	}
	pc.Status = PendingStatus(status)
	if reviewedAt.Valid {
		pc.ReviewedAt = &reviewedAt.Time
	}
	return &pc, nil
}
