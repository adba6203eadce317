package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strconv"

	"github.com/fenwick-labs/warden/internal/approval"
)

func runPendingCommand(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("pending", flag.ExitOnError)
	opts := addGlobalFlags(fs)
	if err := fs.Parse(args); err != nil {
		return 2
	}

	a, err := newApp(opts)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer a.Close()

	svc := approval.NewService(a.store, a.auditLog)
	pending, err := svc.ListPending(ctx)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	if len(pending) == 0 {
		fmt.Println("no pending changes")
		return 0
	}

	rows := make([][]string, 0, len(pending))
	for _, pc := range pending {
		rows = append(rows, []string{
			strconv.FormatInt(pc.ID, 10),
			pc.ActionType,
			clip(pc.ActionData, 48),
			pc.ProposedBy,
			pc.ProposedAt.Format("2006-01-02 15:04"),
		})
	}
	renderTable([]string{"ID", "ACTION", "PAYLOAD", "PROPOSED BY", "PROPOSED AT"}, rows)
	return 0
}

// runResolveCommand handles both approve and reject; they differ only in
// the terminal status and whether a payload comes back.
func runResolveCommand(ctx context.Context, args []string, approve bool) int {
	name := "reject"
	if approve {
		name = "approve"
	}
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	opts := addGlobalFlags(fs)
	reviewer := fs.String("reviewer", "", "reviewer recorded in the audit log")
	notes := fs.String("notes", "", "review notes")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() != 1 {
		fmt.Fprintf(os.Stderr, "usage: warden %s <id> [--reviewer x] [--notes y]\n", name)
		return 2
	}
	id, err := strconv.ParseInt(fs.Arg(0), 10, 64)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid id %q\n", fs.Arg(0))
		return 2
	}

	a, err := newApp(opts)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer a.Close()

	who := *reviewer
	if who == "" {
		who = a.cfg.Actor
	}

	svc := approval.NewService(a.store, a.auditLog)
	if approve {
		payload, err := svc.Approve(ctx, id, who, *notes)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return 1
		}
		if payload == nil {
			fmt.Printf("pending change %d not found or already resolved\n", id)
			return 1
		}
		fmt.Printf("approved %d: %s %s\n", id, payload.ActionType, payload.ActionData)
		return 0
	}

	if err := svc.Reject(ctx, id, who, *notes); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	fmt.Printf("rejected %d\n", id)
	return 0
}

func clip(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-1] + "…"
}
