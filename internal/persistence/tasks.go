package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/fenwick-labs/warden/internal/bus"
	"github.com/google/uuid"
)

const timeLayout = "2006-01-02 15:04:05"

// Record kinds in the shared records table.
const (
	KindTask     = "T"
	KindDecision = "D"
	KindLesson   = "L"
	KindNote     = "N" // activity notes referencing a task
)

type TaskStatus string

const (
	TaskStatusOpen       TaskStatus = "OPEN"
	TaskStatusInProgress TaskStatus = "IN_PROGRESS"
)

// Importance orders tasks H before M before L.
var importanceRank = map[string]int{"H": 0, "M": 1, "L": 2}

// TaskRecord is a task row in the shared records table (kind = T).
type TaskRecord struct {
	ID           int64      `json:"id"`
	TaskID       string     `json:"task_id"` // external, stable identifier
	Topic        string     `json:"topic"`
	Text         string     `json:"text"`
	Importance   string     `json:"importance"`
	Status       TaskStatus `json:"status"`
	OwnerRole    string     `json:"owner_role,omitempty"`
	SessionTag   string     `json:"session_tag,omitempty"`
	LastActivity time.Time  `json:"last_activity"`
	CreatedAt    time.Time  `json:"created_at"`
}

// InsertTask ingests a new OPEN task. An empty externalID gets a generated
// one. Importance outside {H, M, L} defaults to M.
func (s *Store) InsertTask(ctx context.Context, externalID, topic, text, importance string) (string, error) {
	if externalID == "" {
		externalID = uuid.NewString()
	}
	if _, ok := importanceRank[importance]; !ok {
		importance = "M"
	}
	err := retryOnBusy(ctx, busyMaxRetries, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO records (kind, topic, text, importance, status, external_task_id)
			VALUES (?, ?, ?, ?, ?, ?);
		`, KindTask, topic, text, importance, TaskStatusOpen, externalID)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("insert task: %w", err)
	}
	return externalID, nil
}

// AppendTaskNote records activity against a task. Notes count toward the
// task's freshness when reclamation computes staleness.
func (s *Store) AppendTaskNote(ctx context.Context, externalID, topic, text string) error {
	err := retryOnBusy(ctx, busyMaxRetries, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO records (kind, topic, text, external_task_id)
			VALUES (?, ?, ?, ?);
		`, KindNote, topic, text, externalID)
		return err
	})
	if err != nil {
		return fmt.Errorf("append task note: %w", err)
	}
	return nil
}

// TouchTask refreshes the task row's own activity timestamp.
func (s *Store) TouchTask(ctx context.Context, externalID string) error {
	err := retryOnBusy(ctx, busyMaxRetries, func() error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE records SET updated_at = CURRENT_TIMESTAMP
			WHERE kind = ? AND external_task_id = ?;
		`, KindTask, externalID)
		return err
	})
	if err != nil {
		return fmt.Errorf("touch task: %w", err)
	}
	return nil
}

// ClaimNextOpenTask reclaims stale claims and then atomically claims the best
// OPEN task (importance H over M over L, oldest first) inside one exclusive
// write transaction. Returns nil when the queue is empty or the conditional
// update lost a race; callers treat nil as "nothing to do right now".
func (s *Store) ClaimNextOpenTask(ctx context.Context, ownerRole, sessionTag string, ttl time.Duration) (*TaskRecord, error) {
	if sessionTag == "" {
		sessionTag = uuid.NewString()
	}
	var claimed *TaskRecord
	var reclaimed []string
	err := retryOnBusy(ctx, busyMaxRetries, func() error {
		claimed = nil
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin claim tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		reclaimed, err = reclaimStaleTx(ctx, tx, ttl)
		if err != nil {
			return err
		}

		var task TaskRecord
		row := tx.QueryRowContext(ctx, `
			SELECT id, COALESCE(external_task_id, ''), topic, text, importance, status,
				COALESCE(owner_role, ''), COALESCE(session_tag, ''), updated_at, created_at
			FROM records
			WHERE kind = ? AND status = ?
			ORDER BY CASE importance WHEN 'H' THEN 0 WHEN 'M' THEN 1 ELSE 2 END,
				created_at ASC, id ASC
			LIMIT 1;
		`, KindTask, TaskStatusOpen)
		if scanErr := scanTaskRow(row.Scan, &task); scanErr != nil {
			if errors.Is(scanErr, sql.ErrNoRows) {
				// Nothing claimable; keep any reclamation we already did.
				return tx.Commit()
			}
			return fmt.Errorf("select open task: %w", scanErr)
		}

		// The predicate requires the row still be OPEN so a competing
		// claimant's transaction cannot also succeed.
		res, err := tx.ExecContext(ctx, `
			UPDATE records
			SET status = ?, owner_role = ?, session_tag = ?, updated_at = CURRENT_TIMESTAMP
			WHERE id = ? AND kind = ? AND status = ?;
		`, TaskStatusInProgress, ownerRole, sessionTag, task.ID, KindTask, TaskStatusOpen)
		if err != nil {
			return fmt.Errorf("claim task update: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("claim rows affected: %w", err)
		}
		if n != 1 {
			// Lost the race before commit.
			return tx.Commit()
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit claim tx: %w", err)
		}
		task.Status = TaskStatusInProgress
		task.OwnerRole = ownerRole
		task.SessionTag = sessionTag
		task.LastActivity = time.Now().UTC()
		claimed = &task
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.publishTaskEvents(reclaimed, claimed)
	return claimed, nil
}

// ClaimTask atomically claims one specific task by external id, with the
// same conditional-update contract as ClaimNextOpenTask. Used by the
// orchestrator lane after peeking at a marker task. Returns nil when the
// task is missing or no longer OPEN.
func (s *Store) ClaimTask(ctx context.Context, externalID, ownerRole, sessionTag string) (*TaskRecord, error) {
	if sessionTag == "" {
		sessionTag = uuid.NewString()
	}
	var claimed *TaskRecord
	err := retryOnBusy(ctx, busyMaxRetries, func() error {
		claimed = nil
		res, err := s.db.ExecContext(ctx, `
			UPDATE records
			SET status = ?, owner_role = ?, session_tag = ?, updated_at = CURRENT_TIMESTAMP
			WHERE kind = ? AND external_task_id = ? AND status = ?;
		`, TaskStatusInProgress, ownerRole, sessionTag, KindTask, externalID, TaskStatusOpen)
		if err != nil {
			return fmt.Errorf("claim task update: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("claim rows affected: %w", err)
		}
		if n != 1 {
			return nil
		}
		task, err := s.GetTask(ctx, externalID)
		if err != nil {
			return err
		}
		claimed = task
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.publishTaskEvents(nil, claimed)
	return claimed, nil
}

// ReopenStaleTasks runs the reclamation half of the claim path standalone,
// returning the external ids of every task reset to OPEN.
func (s *Store) ReopenStaleTasks(ctx context.Context, ttl time.Duration) ([]string, error) {
	var reclaimed []string
	err := retryOnBusy(ctx, busyMaxRetries, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin reclaim tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		reclaimed, err = reclaimStaleTx(ctx, tx, ttl)
		if err != nil {
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		return nil, err
	}
	s.publishTaskEvents(reclaimed, nil)
	return reclaimed, nil
}

// reclaimStaleTx resets every IN_PROGRESS task whose most recent related
// activity (max over all records referencing the task, falling back to the
// task row's own timestamp) is older than now-ttl.
func reclaimStaleTx(ctx context.Context, tx *sql.Tx, ttl time.Duration) ([]string, error) {
	cutoff := time.Now().UTC().Add(-ttl).Format(timeLayout)
	rows, err := tx.QueryContext(ctx, `
		SELECT t.id, COALESCE(t.external_task_id, '')
		FROM records t
		WHERE t.kind = ? AND t.status = ?
		  AND COALESCE((
			SELECT MAX(r.updated_at) FROM records r
			WHERE r.external_task_id = t.external_task_id
			  AND t.external_task_id IS NOT NULL AND t.external_task_id != ''
		  ), t.updated_at) < ?;
	`, KindTask, TaskStatusInProgress, cutoff)
	if err != nil {
		return nil, fmt.Errorf("query stale tasks: %w", err)
	}
	defer rows.Close()

	type stale struct {
		id       int64
		external string
	}
	var found []stale
	for rows.Next() {
		var st stale
		if err := rows.Scan(&st.id, &st.external); err != nil {
			return nil, fmt.Errorf("scan stale task: %w", err)
		}
		found = append(found, st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate stale tasks: %w", err)
	}

	var reclaimed []string
	for _, st := range found {
		res, err := tx.ExecContext(ctx, `
			UPDATE records
			SET status = ?, owner_role = NULL, session_tag = NULL, updated_at = CURRENT_TIMESTAMP
			WHERE id = ? AND kind = ? AND status = ?;
		`, TaskStatusOpen, st.id, KindTask, TaskStatusInProgress)
		if err != nil {
			return nil, fmt.Errorf("reopen stale task: %w", err)
		}
		if n, err := res.RowsAffected(); err == nil && n == 1 {
			reclaimed = append(reclaimed, st.external)
		}
	}
	return reclaimed, nil
}

func (s *Store) publishTaskEvents(reclaimed []string, claimed *TaskRecord) {
	if s.bus == nil {
		return
	}
	for _, id := range reclaimed {
		s.bus.Publish(bus.TopicTaskReclaimed, bus.TaskEvent{TaskID: id})
	}
	if claimed != nil {
		s.bus.Publish(bus.TopicTaskClaimed, bus.TaskEvent{
			TaskID:    claimed.TaskID,
			OwnerRole: claimed.OwnerRole,
			Session:   claimed.SessionTag,
		})
	}
}

// NextOpenTaskWithPrefix peeks (without claiming) at the best OPEN task whose
// text begins with the given marker. Used by the orchestrator lane.
func (s *Store) NextOpenTaskWithPrefix(ctx context.Context, marker string) (*TaskRecord, error) {
	var task TaskRecord
	row := s.db.QueryRowContext(ctx, `
		SELECT id, COALESCE(external_task_id, ''), topic, text, importance, status,
			COALESCE(owner_role, ''), COALESCE(session_tag, ''), updated_at, created_at
		FROM records
		WHERE kind = ? AND status = ? AND text LIKE ? || '%'
		ORDER BY CASE importance WHEN 'H' THEN 0 WHEN 'M' THEN 1 ELSE 2 END,
			created_at ASC, id ASC
		LIMIT 1;
	`, KindTask, TaskStatusOpen, marker)
	if err := scanTaskRow(row.Scan, &task); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("peek open task: %w", err)
	}
	return &task, nil
}

// HasOpenTask reports whether any OPEN task exists.
func (s *Store) HasOpenTask(ctx context.Context) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `
		SELECT 1 FROM records WHERE kind = ? AND status = ? LIMIT 1;
	`, KindTask, TaskStatusOpen).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check open tasks: %w", err)
	}
	return true, nil
}

// GetTask returns the task with the given external id, or nil.
func (s *Store) GetTask(ctx context.Context, externalID string) (*TaskRecord, error) {
	var task TaskRecord
	row := s.db.QueryRowContext(ctx, `
		SELECT id, COALESCE(external_task_id, ''), topic, text, importance, status,
			COALESCE(owner_role, ''), COALESCE(session_tag, ''), updated_at, created_at
		FROM records
		WHERE kind = ? AND external_task_id = ?;
	`, KindTask, externalID)
	if err := scanTaskRow(row.Scan, &task); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get task: %w", err)
	}
	return &task, nil
}

// ListTasks returns up to limit tasks, newest first.
func (s *Store) ListTasks(ctx context.Context, limit int) ([]TaskRecord, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, COALESCE(external_task_id, ''), topic, text, importance, status,
			COALESCE(owner_role, ''), COALESCE(session_tag, ''), updated_at, created_at
		FROM records
		WHERE kind = ?
		ORDER BY created_at DESC, id DESC
		LIMIT ?;
	`, KindTask, limit)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var out []TaskRecord
	for rows.Next() {
		var task TaskRecord
		if err := scanTaskRow(rows.Scan, &task); err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		out = append(out, task)
	}
	return out, rows.Err()
}

func scanTaskRow(scan func(...any) error, task *TaskRecord) error {
	var status string
	if err := scan(
		&task.ID, &task.TaskID, &task.Topic, &task.Text, &task.Importance,
		&status, &task.OwnerRole, &task.SessionTag, &task.LastActivity, &task.CreatedAt,
	); err != nil {
		return err
	}
	task.Status = TaskStatus(status)
	return nil
}
