package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/fenwick-labs/warden/internal/action"
	"github.com/fenwick-labs/warden/internal/executor"
	"github.com/fenwick-labs/warden/internal/llm"
	"github.com/fenwick-labs/warden/internal/otel"
	"github.com/fenwick-labs/warden/internal/persistence"
	"github.com/fenwick-labs/warden/internal/policy"
)

// runWorkerCommand claims one task, asks the completion backend for a plan,
// and pushes each proposed action through the gate. This is the process the
// scheduler's planner lane launches.
func runWorkerCommand(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("worker", flag.ExitOnError)
	opts := addGlobalFlags(fs)
	prompt := fs.String("prompt", "", "work this prompt instead of claiming a task")
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
	a.tracer = provider.Tracer
	if a.metrics, err = otel.NewMetrics(provider.Meter); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	engine, err := buildEngine(a, sessionBudget(a))
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	var completer llm.Completer
	if a.cfg.LLM.BaseURL != "" {
		completer = llm.NewClient(a.cfg.LLM.BaseURL, a.cfg.LLM.APIKey, a.cfg.LLM.Model)
	}

	var runner executor.Runner
	if a.cfg.Exec.Docker {
		dr, err := executor.NewDockerRunner(a.cfg.Exec.DockerImage, a.cfg.Exec.DockerMemory, a.cfg.Exec.DockerNetwork, a.cfg.SandboxRoot)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return 1
		}
		defer dr.Close()
		runner = dr
	}
	exe := executor.New(runner)

	task, taskPrompt, code := workerInput(ctx, a, *prompt)
	if code >= 0 {
		return code
	}

	if completer == nil {
		a.logger.Error("no completion backend configured (llm.base_url)")
		if task != nil {
			noteTask(ctx, a, task, "worker aborted: no completion backend configured")
		}
		return 1
	}

	llmCtx, llmSpan := otel.StartClientSpan(ctx, a.tracer, "llm.complete")
	res, err := completer.Complete(llmCtx, taskPrompt, a.cfg.Tier)
	llmSpan.End()
	if err != nil {
		a.logger.Error("completion failed", "error", err)
		if task != nil {
			noteTask(ctx, a, task, "worker aborted: completion transport failure")
		}
		return 1
	}
	if !res.Success {
		a.logger.Error("completion rejected", "error", res.Err)
		if task != nil {
			noteTask(ctx, a, task, "worker aborted: "+res.Err)
		}
		return 1
	}

	outcome := workActions(ctx, a, engine, exe, res.Text)
	if task != nil {
		noteTask(ctx, a, task, outcome)
	}
	fmt.Println(outcome)
	return 0
}

// workerInput resolves what this worker run operates on: an explicit
// prompt, the task named in WARDEN_TASK_ID (already claimed by the
// scheduler), or a fresh claim. A non-negative code means exit now.
func workerInput(ctx context.Context, a *app, prompt string) (*persistence.TaskRecord, string, int) {
	if prompt != "" {
		return nil, prompt, -1
	}
	if id := os.Getenv("WARDEN_TASK_ID"); id != "" {
		task, err := a.store.GetTask(ctx, id)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return nil, "", 1
		}
		if task == nil {
			fmt.Fprintf(os.Stderr, "task %s not found\n", id)
			return nil, "", 1
		}
		return task, taskPrompt(task), -1
	}

	ttl := time.Duration(a.cfg.Scheduler.TTLMinutes) * time.Minute
	task, err := a.store.ClaimNextOpenTask(ctx, a.cfg.Role, uuid.NewString(), ttl)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return nil, "", 1
	}
	if task == nil {
		fmt.Println("no claimable task")
		return nil, "", 0
	}
	a.logger.Info("task claimed", "task_id", task.TaskID, "importance", task.Importance)
	return task, taskPrompt(task), -1
}

func taskPrompt(task *persistence.TaskRecord) string {
	return fmt.Sprintf("Task %s (topic %q, importance %s):\n%s\n\nPropose the next actions as JSON envelopes, one per line.",
		task.TaskID, task.Topic, task.Importance, task.Text)
}

// workActions parses each JSON envelope line from the plan, evaluates it,
// and executes allowed actions. Denials and escalations stop the run; the
// decision is reported, never treated as a worker crash.
func workActions(ctx context.Context, a *app, engine *policy.Engine, exe *executor.Executor, plan string) string {
	catalog, err := policy.LoadCatalog(a.cfg.PolicyPath)
	if err != nil {
		return "plan aborted: " + err.Error()
	}

	executed := 0
	for _, line := range strings.Split(plan, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || !strings.HasPrefix(line, "{") {
			continue
		}
		act, err := action.Parse([]byte(line))
		if err != nil {
			a.logger.Warn("unparseable action in plan", "error", err)
			continue
		}

		decision, err := engine.Evaluate(ctx, act, a.cfg.Role, 0)
		if err != nil {
			return fmt.Sprintf("plan aborted after %d action(s): %v", executed, err)
		}
		switch decision.Outcome {
		case policy.Deny:
			return fmt.Sprintf("denied after %d action(s): %s", executed, decision.Reason)
		case policy.Escalate:
			return fmt.Sprintf("escalated after %d action(s): %s (pending #%d)", executed, decision.Reason, decision.PendingID)
		}

		pol, _ := catalog.Lookup(act.Name())
		result := exe.Execute(ctx, decision.Sanitized, pol)
		if !result.Success {
			return fmt.Sprintf("action %s failed after %d prior action(s): %s", act.Name(), executed, result.Error)
		}
		executed++
		a.logger.Info("action executed", "action", act.Name(), "output_bytes", len(result.Output))
	}
	return fmt.Sprintf("completed %d action(s)", executed)
}

func noteTask(ctx context.Context, a *app, task *persistence.TaskRecord, note string) {
	if err := a.store.AppendTaskNote(ctx, task.TaskID, task.Topic, note); err != nil {
		a.logger.Warn("append task note failed", "task_id", task.TaskID, "error", err)
	}
}
