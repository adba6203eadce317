package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/fenwick-labs/warden/internal/persistence"
)

// cronParser parses standard 5-field cron expressions (minute, hour, dom,
// month, dow).
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// CronConfig holds the dependencies for the recurring-schedule scheduler.
type CronConfig struct {
	Store    *persistence.Store
	Logger   *slog.Logger
	Interval time.Duration // tick interval; defaults to 1 minute if zero
}

// Cron periodically queries the store for due schedules and ingests one
// OPEN task per firing.
type Cron struct {
	store    *persistence.Store
	logger   *slog.Logger
	interval time.Duration

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewCron(cfg CronConfig) *Cron {
	interval := cfg.Interval
	if interval <= 0 {
		interval = 1 * time.Minute
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Cron{
		store:    cfg.Store,
		logger:   logger,
		interval: interval,
	}
}

// Start begins the cron loop in a background goroutine. It respects the
// provided context for shutdown.
func (c *Cron) Start(ctx context.Context) {
	ctx, c.cancel = context.WithCancel(ctx)
	c.wg.Add(1)
	go c.loop(ctx)
	c.logger.Info("cron scheduler started", "interval", c.interval)
}

// Stop cancels the cron loop and waits for it to exit.
func (c *Cron) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()
	c.logger.Info("cron scheduler stopped")
}

func (c *Cron) loop(ctx context.Context) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	// Fire immediately on startup, then on each tick.
	c.Tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Tick(ctx)
		}
	}
}

// Tick queries for due schedules and fires each one.
func (c *Cron) Tick(ctx context.Context) {
	now := time.Now()
	due, err := c.store.DueSchedules(ctx, now)
	if err != nil {
		c.logger.Error("cron: query due schedules failed", "error", err)
		return
	}
	for _, sched := range due {
		c.fire(ctx, sched, now)
	}
}

// fire ingests a task for the schedule and advances its run window.
func (c *Cron) fire(ctx context.Context, sched persistence.Schedule, now time.Time) {
	taskID, err := c.store.InsertTask(ctx, "", sched.Topic, sched.Text, sched.Importance)
	if err != nil {
		c.logger.Error("cron: ingest task for schedule failed",
			"schedule_id", sched.ID,
			"schedule_name", sched.Name,
			"error", err,
		)
		return
	}

	nextRun, err := NextRunTime(sched.CronExpr, now)
	if err != nil {
		c.logger.Error("cron: compute next run time failed",
			"schedule_id", sched.ID,
			"cron_expr", sched.CronExpr,
			"error", err,
		)
		return
	}

	if err := c.store.UpdateScheduleRun(ctx, sched.ID, now, nextRun); err != nil {
		c.logger.Error("cron: update schedule run failed",
			"schedule_id", sched.ID,
			"error", err,
		)
		return
	}

	c.logger.Info("cron: schedule fired",
		"schedule_id", sched.ID,
		"schedule_name", sched.Name,
		"task_id", taskID,
		"next_run_at", nextRun,
	)
}

// NextRunTime parses the cron expression and returns the next run time
// after the given time.
func NextRunTime(cronExpr string, after time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(after), nil
}
