package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/fenwick-labs/warden/internal/action"
	"github.com/fenwick-labs/warden/internal/approval"
	"github.com/fenwick-labs/warden/internal/budget"
	"github.com/fenwick-labs/warden/internal/constraint"
	"github.com/fenwick-labs/warden/internal/policy"
	"github.com/fenwick-labs/warden/internal/sandbox"
)

// buildEngine assembles the gating pipeline from the app's config.
func buildEngine(a *app, b *budget.Budget) (*policy.Engine, error) {
	catalog, err := policy.LoadCatalog(a.cfg.PolicyPath)
	if err != nil {
		return nil, err
	}
	tier, err := policy.ParseTier(a.cfg.Tier)
	if err != nil {
		return nil, err
	}
	workspace, err := sandbox.NewWorkspace(a.cfg.SandboxRoot, a.cfg.SandboxReadOnly)
	if err != nil {
		return nil, fmt.Errorf("sandbox: %w", err)
	}
	domains := sandbox.NewLiveDomains(sandbox.DomainList{
		Domains:       a.cfg.AllowedDomains,
		AllowLoopback: a.cfg.AllowLoopback,
	})
	return policy.NewEngine(policy.Config{
		Catalog:      catalog,
		Budget:       b,
		Workspace:    workspace,
		Domains:      domains,
		Constraints:  constraint.NewEnforcer(a.store),
		Approvals:    approval.NewService(a.store, a.auditLog),
		AuditLog:     a.auditLog,
		CallerTier:   tier,
		Actor:        a.cfg.Actor,
		Unrestricted: a.cfg.Unrestricted,
		Logger:       a.logger,
		Tracer:       a.tracer,
		Metrics:      a.metrics,
	})
}

func sessionBudget(a *app) *budget.Budget {
	return budget.New(
		a.cfg.Budget.MaxSteps,
		time.Duration(a.cfg.Budget.MaxSeconds)*time.Second,
		a.cfg.Budget.MaxRecursion,
	)
}

// runCheckCommand evaluates one action envelope. The decision is data: the
// exit code is 0 for ALLOW, ESCALATE, and DENY alike. Only a malformed
// envelope or a store failure is a CLI failure.
func runCheckCommand(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("check", flag.ExitOnError)
	opts := addGlobalFlags(fs)
	depth := fs.Int("depth", 0, "recursion depth of the caller")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: warden check '<actionJSON>' [--depth N]")
		return 2
	}

	act, err := action.Parse([]byte(fs.Arg(0)))
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid action: %v\n", err)
		return 2
	}

	a, err := newApp(opts)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer a.Close()

	engine, err := buildEngine(a, sessionBudget(a))
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	decision, err := engine.Evaluate(ctx, act, a.cfg.Role, *depth)
	if err != nil {
		fmt.Fprintf(os.Stderr, "evaluate: %v\n", err)
		return 1
	}

	out := map[string]any{
		"outcome": decision.Outcome,
		"reason":  decision.Reason,
		"budget":  decision.Budget,
	}
	if decision.PendingID != 0 {
		out["pending_id"] = decision.PendingID
	}
	if decision.Outcome == policy.Allow && decision.Sanitized != nil {
		out["sanitized_action"] = decision.Sanitized.Envelope()
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(out); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	return 0
}
