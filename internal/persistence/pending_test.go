package persistence

import (
	"context"
	"testing"
)

func TestPendingChange_Lifecycle(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	id, err := store.InsertPendingChange(ctx, "exec", `{"cmd":"make deploy"}`, "agent-7")
	if err != nil {
		t.Fatalf("insert: %v", err)
	}

	pending, err := store.ListPendingChanges(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(pending) != 1 || pending[0].ID != id || pending[0].Status != PendingStatusPending {
		t.Fatalf("unexpected pending list: %+v", pending)
	}

	ok, err := store.ResolvePendingChange(ctx, id, PendingStatusApproved, "alice", "looks fine")
	if err != nil || !ok {
		t.Fatalf("first resolve: ok=%v err=%v", ok, err)
	}

	// Terminal states are one-shot.
	ok, err = store.ResolvePendingChange(ctx, id, PendingStatusRejected, "bob", "changed my mind")
	if err != nil {
		t.Fatalf("second resolve: %v", err)
	}
	if ok {
		t.Fatalf("resolved row must not transition again")
	}

	pc, err := store.GetPendingChange(ctx, id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if pc.Status != PendingStatusApproved || pc.ReviewedBy != "alice" || pc.ReviewedAt == nil {
		t.Fatalf("review fields not stamped: %+v", pc)
	}

	if got, err := store.GetPendingChange(ctx, 9999); err != nil || got != nil {
		t.Fatalf("missing id should return nil, got %+v err=%v", got, err)
	}
}

func TestPendingChange_ListOldestFirst(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	first, _ := store.InsertPendingChange(ctx, "exec", "{}", "a")
	second, _ := store.InsertPendingChange(ctx, "delete_path", "{}", "b")

	pending, err := store.ListPendingChanges(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(pending) != 2 || pending[0].ID != first || pending[1].ID != second {
		t.Fatalf("expected oldest-first ordering, got %+v", pending)
	}
}

func TestAuditEntries_AppendAndList(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	for _, decision := range []string{"ALLOW", "DENY", "ESCALATE"} {
		if err := store.InsertAuditEntry(ctx, "exec", "{}", decision, "reason", "cli"); err != nil {
			t.Fatalf("insert audit: %v", err)
		}
	}
	entries, err := store.ListAuditEntries(ctx, 2)
	if err != nil {
		t.Fatalf("list audit: %v", err)
	}
	if len(entries) != 2 || entries[0].Decision != "ESCALATE" {
		t.Fatalf("expected newest-first limited list, got %+v", entries)
	}
}
