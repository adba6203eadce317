// Package scheduler polls the task store and dispatches claimed work to
// planner and orchestrator worker processes. True concurrency comes from
// independent processes sharing the durable store, not from in-process
// threads; the loop itself is single-threaded.
package scheduler

import (
	"context"
	"log/slog"
	"os"
	"os/exec"
	"time"

	"github.com/fenwick-labs/warden/internal/bus"
	"github.com/fenwick-labs/warden/internal/otel"
	"github.com/fenwick-labs/warden/internal/persistence"
)

// Config drives one scheduler loop.
type Config struct {
	Store               *persistence.Store
	Logger              *slog.Logger
	Metrics             *otel.Metrics
	Bus                 *bus.Bus
	Interval            time.Duration
	TTL                 time.Duration
	Marker              string // orchestration marker prefix on task text
	MaxOrchestrators    int
	WorkerCommand       string // sh -c command for the planner lane
	OrchestratorCommand string // sh -c command for the orchestrator lane
	SessionTag          string
	SingleTick          bool
}

type orchProc struct {
	taskID string
	done   chan struct{}
	err    error
}

func (p *orchProc) finished() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// Loop is the two-lane dispatcher: an asynchronous, slot-bounded
// orchestrator lane and a synchronous planner lane.
type Loop struct {
	cfg     Config
	logger  *slog.Logger
	running []*orchProc

	// Overridable in tests so ticks run without spawning real processes.
	runPlanner        func(ctx context.Context, task *persistence.TaskRecord) error
	startOrchestrator func(ctx context.Context, task *persistence.TaskRecord) *orchProc
}

func New(cfg Config) *Loop {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 45 * time.Minute
	}
	if cfg.MaxOrchestrators <= 0 {
		cfg.MaxOrchestrators = 2
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	l := &Loop{cfg: cfg, logger: logger}
	l.runPlanner = l.execPlanner
	l.startOrchestrator = l.execOrchestrator
	return l
}

// Run ticks until the context is canceled, or exactly once in single-tick
// mode. Worker failures and empty queues are logged, never fatal.
func (l *Loop) Run(ctx context.Context) error {
	for {
		l.Tick(ctx)
		if l.cfg.SingleTick {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(l.cfg.Interval):
		}
	}
}

// Tick runs one scheduling round: reap finished orchestrators, reclaim
// stale claims, then dispatch at most one task.
func (l *Loop) Tick(ctx context.Context) {
	if l.cfg.Metrics != nil {
		l.cfg.Metrics.SchedulerTicks.Add(ctx, 1)
	}
	if l.cfg.Bus != nil {
		l.cfg.Bus.Publish(bus.TopicSchedulerTick, nil)
	}

	l.reap(ctx)

	reclaimed, err := l.cfg.Store.ReopenStaleTasks(ctx, l.cfg.TTL)
	if err != nil {
		l.logger.Error("reclaim stale tasks failed", "error", err)
	} else if len(reclaimed) > 0 {
		l.logger.Info("reclaimed stale tasks", "task_ids", reclaimed)
		if l.cfg.Metrics != nil {
			l.cfg.Metrics.TasksReclaimed.Add(ctx, int64(len(reclaimed)))
		}
	}

	if l.dispatchOrchestrator(ctx) {
		return
	}
	l.dispatchPlanner(ctx)
}

// reap prunes finished orchestrator subprocesses, non-blockingly.
func (l *Loop) reap(ctx context.Context) {
	alive := l.running[:0]
	for _, p := range l.running {
		if !p.finished() {
			alive = append(alive, p)
			continue
		}
		if p.err != nil {
			l.logger.Warn("orchestrator exited with error", "task_id", p.taskID, "error", p.err)
		} else {
			l.logger.Info("orchestrator finished", "task_id", p.taskID)
		}
		if l.cfg.Metrics != nil {
			l.cfg.Metrics.ActiveOrchestrators.Add(ctx, -1)
		}
	}
	l.running = alive
}

// dispatchOrchestrator claims the best marker task and launches an
// orchestrator for it, if a slot is free. Returns true when the planner
// lane should be skipped this tick.
func (l *Loop) dispatchOrchestrator(ctx context.Context) bool {
	if l.cfg.Marker == "" || len(l.running) >= l.cfg.MaxOrchestrators {
		return false
	}
	peek, err := l.cfg.Store.NextOpenTaskWithPrefix(ctx, l.cfg.Marker)
	if err != nil {
		l.logger.Error("peek orchestration task failed", "error", err)
		return false
	}
	if peek == nil {
		return false
	}
	claimStart := time.Now()
	claimed, err := l.cfg.Store.ClaimTask(ctx, peek.TaskID, "orchestrator", l.cfg.SessionTag)
	if l.cfg.Metrics != nil {
		l.cfg.Metrics.ClaimDuration.Record(ctx, time.Since(claimStart).Seconds())
	}
	if err != nil {
		l.logger.Error("claim orchestration task failed", "task_id", peek.TaskID, "error", err)
		return false
	}
	if claimed == nil {
		// Lost the race to another scheduler process.
		return false
	}

	proc := l.startOrchestrator(ctx, claimed)
	l.running = append(l.running, proc)
	if l.cfg.Metrics != nil {
		l.cfg.Metrics.ActiveOrchestrators.Add(ctx, 1)
	}
	l.logger.Info("orchestrator launched", "task_id", claimed.TaskID, "slots_used", len(l.running))
	return true
}

// dispatchPlanner claims the best OPEN task and runs one planner worker
// synchronously.
func (l *Loop) dispatchPlanner(ctx context.Context) {
	claimStart := time.Now()
	task, err := l.cfg.Store.ClaimNextOpenTask(ctx, "planner", l.cfg.SessionTag, l.cfg.TTL)
	if l.cfg.Metrics != nil {
		l.cfg.Metrics.ClaimDuration.Record(ctx, time.Since(claimStart).Seconds())
	}
	if err != nil {
		l.logger.Error("claim task failed", "error", err)
		return
	}
	if task == nil {
		l.logger.Debug("no claimable task")
		return
	}
	l.logger.Info("planner dispatched", "task_id", task.TaskID, "importance", task.Importance)
	if err := l.runPlanner(ctx, task); err != nil {
		l.logger.Warn("planner exited with error", "task_id", task.TaskID, "error", err)
	}
}

func (l *Loop) execPlanner(ctx context.Context, task *persistence.TaskRecord) error {
	if l.cfg.WorkerCommand == "" {
		l.logger.Warn("no worker command configured; task stays claimed until reclaim", "task_id", task.TaskID)
		return nil
	}
	cmd := exec.CommandContext(ctx, "sh", "-c", l.cfg.WorkerCommand)
	cmd.Env = append(os.Environ(), taskEnv(task)...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	return cmd.Run()
}

func (l *Loop) execOrchestrator(ctx context.Context, task *persistence.TaskRecord) *orchProc {
	proc := &orchProc{taskID: task.TaskID, done: make(chan struct{})}
	if l.cfg.OrchestratorCommand == "" {
		l.logger.Warn("no orchestrator command configured; task stays claimed until reclaim", "task_id", task.TaskID)
		close(proc.done)
		return proc
	}
	cmd := exec.CommandContext(ctx, "sh", "-c", l.cfg.OrchestratorCommand)
	cmd.Env = append(os.Environ(), taskEnv(task)...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	go func() {
		proc.err = cmd.Run()
		close(proc.done)
	}()
	return proc
}

func taskEnv(task *persistence.TaskRecord) []string {
	return []string{
		"WARDEN_TASK_ID=" + task.TaskID,
		"WARDEN_TASK_TOPIC=" + task.Topic,
		"WARDEN_TASK_IMPORTANCE=" + task.Importance,
	}
}
