package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/fenwick-labs/warden/internal/config"
	"github.com/fenwick-labs/warden/internal/otel"
	"github.com/fenwick-labs/warden/internal/sandbox"
	"github.com/fenwick-labs/warden/internal/scheduler"
)

// runSchedulerCommand runs the polling loop plus the cron half. In --once
// mode it performs a single tick and exits, for cron-driven deployments.
func runSchedulerCommand(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("scheduler", flag.ExitOnError)
	opts := addGlobalFlags(fs)
	once := fs.Bool("once", false, "run a single tick and exit")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	a, err := newApp(opts)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer a.Close()

	provider, err := otel.Init(ctx, a.cfg.OTel)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer provider.Shutdown(context.Background())

	metrics, err := otel.NewMetrics(provider.Meter)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	loop := scheduler.New(scheduler.Config{
		Store:               a.store,
		Logger:              a.logger,
		Metrics:             metrics,
		Bus:                 a.eventBus,
		Interval:            time.Duration(a.cfg.Scheduler.IntervalSeconds) * time.Second,
		TTL:                 time.Duration(a.cfg.Scheduler.TTLMinutes) * time.Minute,
		Marker:              a.cfg.Scheduler.OrchestrationMarker,
		MaxOrchestrators:    a.cfg.Scheduler.MaxOrchestrators,
		WorkerCommand:       a.cfg.Scheduler.WorkerCommand,
		OrchestratorCommand: a.cfg.Scheduler.OrchestratorCommand,
		SessionTag:          uuid.NewString(),
		SingleTick:          *once,
	})

	if *once {
		if err := loop.Run(ctx); err != nil {
			fmt.Fprintln(os.Stderr, err)
			return 1
		}
		return 0
	}

	cron := scheduler.NewCron(scheduler.CronConfig{Store: a.store, Logger: a.logger})
	cron.Start(ctx)
	defer cron.Stop()

	// Domain allowlist hot reload for long-running loops. The policy
	// catalog itself stays immutable for the process lifetime.
	domains := sandbox.NewLiveDomains(sandbox.DomainList{
		Domains:       a.cfg.AllowedDomains,
		AllowLoopback: a.cfg.AllowLoopback,
	})
	watcher := config.NewWatcher(a.cfg.HomeDir, a.logger)
	if err := watcher.Start(ctx); err != nil {
		a.logger.Warn("config watcher unavailable", "error", err)
	} else {
		go func() {
			for range watcher.Events() {
				next, err := config.Load()
				if err != nil {
					a.logger.Error("config reload rejected", "error", err)
					continue
				}
				domains.Reload(sandbox.DomainList{
					Domains:       next.AllowedDomains,
					AllowLoopback: next.AllowLoopback,
				})
				a.logger.Info("domain allowlist reloaded", "domains", next.AllowedDomains)
			}
		}()
	}

	a.logger.Info("scheduler started",
		"interval_seconds", a.cfg.Scheduler.IntervalSeconds,
		"ttl_minutes", a.cfg.Scheduler.TTLMinutes,
		"max_orchestrators", a.cfg.Scheduler.MaxOrchestrators,
	)
	if err := loop.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	return 0
}
