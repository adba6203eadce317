package persistence

import (
	"context"
	"fmt"
	"time"
)

// ConstraintRecord is a read-only view of a standing Decision or Lesson.
type ConstraintRecord struct {
	ID         int64     `json:"id"`
	Kind       string    `json:"kind"` // KindDecision or KindLesson
	Topic      string    `json:"topic"`
	Text       string    `json:"text"`
	Importance string    `json:"importance"`
	CreatedAt  time.Time `json:"created_at"`
}

// InsertConstraint records a standing Decision or Lesson.
func (s *Store) InsertConstraint(ctx context.Context, kind, topic, text, importance string) (int64, error) {
	if kind != KindDecision && kind != KindLesson {
		return 0, fmt.Errorf("constraint kind must be %q or %q, got %q", KindDecision, KindLesson, kind)
	}
	if _, ok := importanceRank[importance]; !ok {
		importance = "M"
	}
	var id int64
	err := retryOnBusy(ctx, busyMaxRetries, func() error {
		res, err := s.db.ExecContext(ctx, `
			INSERT INTO records (kind, topic, text, importance)
			VALUES (?, ?, ?, ?);
		`, kind, topic, text, importance)
		if err != nil {
			return err
		}
		id, err = res.LastInsertId()
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("insert constraint: %w", err)
	}
	return id, nil
}

// SearchConstraints returns Decision/Lesson records whose text or topic
// contains the keyword, most important first.
func (s *Store) SearchConstraints(ctx context.Context, keyword string, limit int) ([]ConstraintRecord, error) {
	if limit <= 0 || limit > 50 {
		limit = 5
	}
	pattern := "%" + keyword + "%"
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, kind, topic, text, importance, created_at
		FROM records
		WHERE kind IN (?, ?) AND (text LIKE ? COLLATE NOCASE OR topic LIKE ? COLLATE NOCASE)
		ORDER BY CASE importance WHEN 'H' THEN 0 WHEN 'M' THEN 1 ELSE 2 END, id ASC
		LIMIT ?;
	`, KindDecision, KindLesson, pattern, pattern, limit)
	if err != nil {
		return nil, fmt.Errorf("search constraints: %w", err)
	}
	defer rows.Close()

	return scanConstraintRows(rows.Next, rows.Scan, rows.Err)
}

// ListConstraints returns up to limit Decision/Lesson records, newest first.
func (s *Store) ListConstraints(ctx context.Context, limit int) ([]ConstraintRecord, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, kind, topic, text, importance, created_at
		FROM records
		WHERE kind IN (?, ?)
		ORDER BY id DESC
		LIMIT ?;
	`, KindDecision, KindLesson, limit)
	if err != nil {
		return nil, fmt.Errorf("list constraints: %w", err)
	}
	defer rows.Close()

	return scanConstraintRows(rows.Next, rows.Scan, rows.Err)
}

func scanConstraintRows(next func() bool, scan func(...any) error, rowsErr func() error) ([]ConstraintRecord, error) {
	var out []ConstraintRecord
	for next() {
		var c ConstraintRecord
		if err := scan(&c.ID, &c.Kind, &c.Topic, &c.Text, &c.Importance, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan constraint: %w", err)
		}
		out = append(out, c)
	}
	return out, rowsErr()
}
