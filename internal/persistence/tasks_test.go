package persistence

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "warden.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func backdateTask(t *testing.T, store *Store, externalID string, age time.Duration) {
	t.Helper()
	stamp := time.Now().UTC().Add(-age).Format(timeLayout)
	if _, err := store.db.Exec(`
		UPDATE records SET updated_at = ?, created_at = ? WHERE external_task_id = ?;
	`, stamp, stamp, externalID); err != nil {
		t.Fatalf("backdate task: %v", err)
	}
}

func TestClaimNextOpenTask_PriorityThenFIFO(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	lowID, _ := store.InsertTask(ctx, "", "infra", "low importance", "L")
	backdateTask(t, store, lowID, 3*time.Hour)
	oldMedID, _ := store.InsertTask(ctx, "", "infra", "old medium", "M")
	backdateTask(t, store, oldMedID, 2*time.Hour)
	newMedID, _ := store.InsertTask(ctx, "", "infra", "new medium", "M")
	backdateTask(t, store, newMedID, time.Hour)
	highID, _ := store.InsertTask(ctx, "", "infra", "high importance", "H")

	order := []string{highID, oldMedID, newMedID, lowID}
	for i, want := range order {
		got, err := store.ClaimNextOpenTask(ctx, "worker", "", 45*time.Minute)
		if err != nil {
			t.Fatalf("claim %d: %v", i, err)
		}
		if got == nil || got.TaskID != want {
			t.Fatalf("claim %d: got %+v want task %s", i, got, want)
		}
		if got.Status != TaskStatusInProgress || got.OwnerRole != "worker" || got.SessionTag == "" {
			t.Fatalf("claim %d: owner fields not stamped: %+v", i, got)
		}
	}

	empty, err := store.ClaimNextOpenTask(ctx, "worker", "", 45*time.Minute)
	if err != nil {
		t.Fatalf("claim on empty queue: %v", err)
	}
	if empty != nil {
		t.Fatalf("expected nil on empty queue, got %+v", empty)
	}
}

func TestClaimNextOpenTask_SingleWinner(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	if _, err := store.InsertTask(ctx, "only-task", "infra", "one task", "H"); err != nil {
		t.Fatalf("insert: %v", err)
	}

	const claimants = 8
	results := make([]*TaskRecord, claimants)
	var wg sync.WaitGroup
	for i := 0; i < claimants; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			rec, err := store.ClaimNextOpenTask(ctx, "worker", "", 45*time.Minute)
			if err != nil {
				t.Errorf("claimant %d: %v", i, err)
				return
			}
			results[i] = rec
		}(i)
	}
	wg.Wait()

	var winners int
	for _, rec := range results {
		if rec != nil {
			winners++
			if rec.TaskID != "only-task" {
				t.Fatalf("unexpected winner task %q", rec.TaskID)
			}
		}
	}
	if winners != 1 {
		t.Fatalf("expected exactly one successful claim, got %d", winners)
	}
}

func TestReopenStaleTasks_TTL(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	taskID, _ := store.InsertTask(ctx, "", "infra", "stale candidate", "M")

	claimed, err := store.ClaimNextOpenTask(ctx, "worker", "sess-1", 45*time.Minute)
	if err != nil || claimed == nil {
		t.Fatalf("claim: %v %v", claimed, err)
	}

	// Pretend the claim happened 46 minutes ago.
	backdateTask(t, store, taskID, 46*time.Minute)

	// Not stale yet for a longer TTL window.
	reclaimed, err := store.ReopenStaleTasks(ctx, 60*time.Minute)
	if err != nil {
		t.Fatalf("reclaim: %v", err)
	}
	if len(reclaimed) != 0 {
		t.Fatalf("task should not be reclaimed inside TTL, got %v", reclaimed)
	}

	reclaimed, err = store.ReopenStaleTasks(ctx, 45*time.Minute)
	if err != nil {
		t.Fatalf("reclaim: %v", err)
	}
	if len(reclaimed) != 1 || reclaimed[0] != taskID {
		t.Fatalf("expected %s reclaimed, got %v", taskID, reclaimed)
	}

	task, err := store.GetTask(ctx, taskID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if task.Status != TaskStatusOpen || task.OwnerRole != "" || task.SessionTag != "" {
		t.Fatalf("owner fields not cleared on reclaim: %+v", task)
	}
}

func TestReclaim_FreshNoteKeepsTaskAlive(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	taskID, _ := store.InsertTask(ctx, "", "infra", "busy task", "M")
	if _, err := store.ClaimNextOpenTask(ctx, "worker", "sess-1", 45*time.Minute); err != nil {
		t.Fatalf("claim: %v", err)
	}
	backdateTask(t, store, taskID, 2*time.Hour)

	// A fresh related note counts as activity even though the row is old.
	if err := store.AppendTaskNote(ctx, taskID, "progress", "still working"); err != nil {
		t.Fatalf("append note: %v", err)
	}
	reclaimed, err := store.ReopenStaleTasks(ctx, 45*time.Minute)
	if err != nil {
		t.Fatalf("reclaim: %v", err)
	}
	if len(reclaimed) != 0 {
		t.Fatalf("task with fresh activity must not be reclaimed, got %v", reclaimed)
	}
}

func TestClaim_ReclaimsInSameCall(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	taskID, _ := store.InsertTask(ctx, "", "infra", "abandoned", "M")
	if _, err := store.ClaimNextOpenTask(ctx, "worker", "dead-session", 45*time.Minute); err != nil {
		t.Fatalf("first claim: %v", err)
	}
	backdateTask(t, store, taskID, 2*time.Hour)

	rec, err := store.ClaimNextOpenTask(ctx, "worker", "live-session", 45*time.Minute)
	if err != nil {
		t.Fatalf("second claim: %v", err)
	}
	if rec == nil || rec.TaskID != taskID || rec.SessionTag != "live-session" {
		t.Fatalf("stale task should be reclaimed and claimed in one call, got %+v", rec)
	}
}

func TestNextOpenTaskWithPrefix(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	store.InsertTask(ctx, "plain", "infra", "ordinary task", "H")
	store.InsertTask(ctx, "orch", "infra", "[orchestrate] big rollout", "M")

	rec, err := store.NextOpenTaskWithPrefix(ctx, "[orchestrate]")
	if err != nil {
		t.Fatalf("peek: %v", err)
	}
	if rec == nil || rec.TaskID != "orch" {
		t.Fatalf("expected orchestration task, got %+v", rec)
	}
	// Peek must not claim.
	if rec.Status != TaskStatusOpen {
		t.Fatalf("peek changed status: %+v", rec)
	}
}
