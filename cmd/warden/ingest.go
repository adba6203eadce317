package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/fenwick-labs/warden/internal/scheduler"
)

// ingestLine is one JSON line on stdin. Kind selects the target: "task"
// (default), "constraint", or "schedule".
type ingestLine struct {
	Kind       string `json:"kind,omitempty"`
	TaskID     string `json:"task_id,omitempty"`
	Topic      string `json:"topic,omitempty"`
	Text       string `json:"text"`
	Importance string `json:"importance,omitempty"`

	// Constraint fields.
	ConstraintKind string `json:"constraint_kind,omitempty"` // D or L

	// Schedule fields.
	Name     string `json:"name,omitempty"`
	CronExpr string `json:"cron,omitempty"`
}

// runIngestCommand reads JSON lines from stdin and creates tasks, standing
// constraints, or recurring schedules. Bad lines are reported and skipped;
// the exit code is non-zero if any line failed.
func runIngestCommand(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("ingest", flag.ExitOnError)
	opts := addGlobalFlags(fs)
	topic := fs.String("topic", "", "default topic for lines that omit one")
	importance := fs.String("importance", "M", "default importance for lines that omit one")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	a, err := newApp(opts)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer a.Close()

	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)

	lineNo, created, failed := 0, 0, 0
	for scanner.Scan() {
		lineNo++
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}
		var line ingestLine
		if err := json.Unmarshal(raw, &line); err != nil {
			fmt.Fprintf(os.Stderr, "line %d: %v\n", lineNo, err)
			failed++
			continue
		}
		if line.Topic == "" {
			line.Topic = *topic
		}
		if line.Importance == "" {
			line.Importance = *importance
		}

		if err := ingestOne(ctx, a, line); err != nil {
			fmt.Fprintf(os.Stderr, "line %d: %v\n", lineNo, err)
			failed++
			continue
		}
		created++
	}
	if err := scanner.Err(); err != nil {
		fmt.Fprintf(os.Stderr, "read stdin: %v\n", err)
		return 1
	}

	fmt.Printf("ingested %d record(s), %d failed\n", created, failed)
	if failed > 0 {
		return 1
	}
	return 0
}

func ingestOne(ctx context.Context, a *app, line ingestLine) error {
	switch line.Kind {
	case "", "task":
		if line.Text == "" {
			return fmt.Errorf("task text is required")
		}
		id, err := a.store.InsertTask(ctx, line.TaskID, line.Topic, line.Text, line.Importance)
		if err != nil {
			return err
		}
		a.logger.Info("task ingested", "task_id", id, "topic", line.Topic)
		return nil
	case "constraint":
		kind := line.ConstraintKind
		if kind == "" {
			kind = "D"
		}
		id, err := a.store.InsertConstraint(ctx, kind, line.Topic, line.Text, line.Importance)
		if err != nil {
			return err
		}
		a.logger.Info("constraint ingested", "constraint_id", id)
		return nil
	case "schedule":
		if line.Name == "" || line.CronExpr == "" {
			return fmt.Errorf("schedule requires name and cron")
		}
		nextRun, err := scheduler.NextRunTime(line.CronExpr, time.Now())
		if err != nil {
			return fmt.Errorf("cron %q: %w", line.CronExpr, err)
		}
		id, err := a.store.InsertSchedule(ctx, line.Name, line.CronExpr, line.Topic, line.Text, line.Importance, nextRun)
		if err != nil {
			return err
		}
		a.logger.Info("schedule ingested", "schedule_id", id, "next_run", nextRun)
		return nil
	default:
		return fmt.Errorf("unknown kind %q (want task, constraint, or schedule)", line.Kind)
	}
}
