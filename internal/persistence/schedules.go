package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Schedule is a recurring task template fired by the cron half of the
// scheduler: each due firing ingests one OPEN task.
type Schedule struct {
	ID         int64      `json:"id"`
	Name       string     `json:"name"`
	CronExpr   string     `json:"cron_expr"`
	Topic      string     `json:"topic"`
	Text       string     `json:"text"`
	Importance string     `json:"importance"`
	LastRunAt  *time.Time `json:"last_run_at,omitempty"`
	NextRunAt  *time.Time `json:"next_run_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}

// InsertSchedule registers a recurring template. nextRun seeds the first
// firing window.
func (s *Store) InsertSchedule(ctx context.Context, name, cronExpr, topic, text, importance string, nextRun time.Time) (int64, error) {
	if _, ok := importanceRank[importance]; !ok {
		importance = "M"
	}
	var id int64
	err := retryOnBusy(ctx, busyMaxRetries, func() error {
		res, err := s.db.ExecContext(ctx, `
			INSERT INTO schedules (name, cron_expr, topic, text, importance, next_run_at)
			VALUES (?, ?, ?, ?, ?, ?);
		`, name, cronExpr, topic, text, importance, nextRun.UTC().Format(timeLayout))
		if err != nil {
			return err
		}
		id, err = res.LastInsertId()
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("insert schedule: %w", err)
	}
	return id, nil
}

// DueSchedules returns every schedule whose next_run_at is at or before now.
func (s *Store) DueSchedules(ctx context.Context, now time.Time) ([]Schedule, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, cron_expr, topic, text, importance, last_run_at, next_run_at, created_at
		FROM schedules
		WHERE next_run_at IS NOT NULL AND next_run_at <= ?
		ORDER BY next_run_at ASC, id ASC;
	`, now.UTC().Format(timeLayout))
	if err != nil {
		return nil, fmt.Errorf("query due schedules: %w", err)
	}
	defer rows.Close()

	var out []Schedule
	for rows.Next() {
		var sc Schedule
		var lastRun, nextRun sql.NullTime
		if err := rows.Scan(&sc.ID, &sc.Name, &sc.CronExpr, &sc.Topic, &sc.Text, &sc.Importance, &lastRun, &nextRun, &sc.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan schedule: %w", err)
		}
		if lastRun.Valid {
			sc.LastRunAt = &lastRun.Time
		}
		if nextRun.Valid {
			sc.NextRunAt = &nextRun.Time
		}
		out = append(out, sc)
	}
	return out, rows.Err()
}

// UpdateScheduleRun stamps a firing and advances the next window.
func (s *Store) UpdateScheduleRun(ctx context.Context, id int64, ranAt, nextRun time.Time) error {
	err := retryOnBusy(ctx, busyMaxRetries, func() error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE schedules SET last_run_at = ?, next_run_at = ? WHERE id = ?;
		`, ranAt.UTC().Format(timeLayout), nextRun.UTC().Format(timeLayout), id)
		return err
	})
	if err != nil {
		return fmt.Errorf("update schedule run: %w", err)
	}
	return nil
}
