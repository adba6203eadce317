// Command claim_recovery drives the task claim lifecycle against a live
// database so the single-winner and stale-reclaim contracts can be checked
// across real process boundaries (including kill -9 of the claimer):
//
//	claim_recovery -db w.db -mode prepare
//	claim_recovery -db w.db -mode claim-sleep   # kill this process mid-sleep
//	claim_recovery -db w.db -mode recover -ttl 1s
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/fenwick-labs/warden/internal/persistence"
)

const sessionTag = "claim-recovery-drill"

func main() {
	mode := flag.String("mode", "", "prepare|claim-sleep|recover")
	dbPath := flag.String("db", "", "path to sqlite db")
	ttl := flag.Duration("ttl", time.Second, "staleness ttl for recover mode")
	sleep := flag.Duration("sleep", 30*time.Second, "hold time in claim-sleep mode")
	flag.Parse()

	if *mode == "" || *dbPath == "" {
		fmt.Fprintln(os.Stderr, "mode and db are required")
		os.Exit(2)
	}

	ctx := context.Background()
	store, err := persistence.Open(*dbPath, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open store: %v\n", err)
		os.Exit(1)
	}
	defer store.Close()

	switch *mode {
	case "prepare":
		id, err := store.InsertTask(ctx, "", "drill", "claim recovery drill task", "M")
		if err != nil {
			fmt.Fprintf(os.Stderr, "insert task: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("PREPARED_TASK_ID=%s\n", id)
	case "claim-sleep":
		task, err := store.ClaimNextOpenTask(ctx, "worker", sessionTag, *ttl)
		if err != nil {
			fmt.Fprintf(os.Stderr, "claim task: %v\n", err)
			os.Exit(1)
		}
		if task == nil {
			fmt.Fprintln(os.Stderr, "no claimable task")
			os.Exit(1)
		}
		fmt.Printf("CLAIMED_TASK_ID=%s\n", task.TaskID)
		fmt.Printf("OWNER=%s\n", task.OwnerRole)
		// Hold the claim without touching updated_at so a kill here leaves
		// a stale IN_PROGRESS row for recover mode to reclaim.
		time.Sleep(*sleep)
	case "recover":
		reclaimed, err := store.ReopenStaleTasks(ctx, *ttl)
		if err != nil {
			fmt.Fprintf(os.Stderr, "reopen stale: %v\n", err)
			os.Exit(1)
		}
		for _, id := range reclaimed {
			fmt.Printf("RECLAIMED_TASK_ID=%s\n", id)
		}
		fmt.Printf("RECLAIMED_COUNT=%d\n", len(reclaimed))
	default:
		fmt.Fprintf(os.Stderr, "unknown mode %q\n", *mode)
		os.Exit(2)
	}
}
