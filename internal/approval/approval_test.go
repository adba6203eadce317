package approval

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/fenwick-labs/warden/internal/audit"
	"github.com/fenwick-labs/warden/internal/persistence"
)

func newTestService(t *testing.T) (*Service, *persistence.Store) {
	t.Helper()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "test.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return NewService(store, audit.NewStoreOnly(store)), store
}

func TestQueueApproveReturnsPayload(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()

	id, err := svc.Queue(ctx, "exec", `{"cmd":"rm -rf build"}`, "dangerous tier requires approval", "worker-1")
	if err != nil {
		t.Fatalf("queue: %v", err)
	}

	payload, err := svc.Approve(ctx, id, "alice", "ok")
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if payload == nil {
		t.Fatal("expected payload on first approve")
	}
	if payload.ActionType != "exec" || payload.ActionData != `{"cmd":"rm -rf build"}` {
		t.Fatalf("payload = %+v", payload)
	}

	// Terminal transition: the second approve is a no-op.
	payload, err = svc.Approve(ctx, id, "bob", "again")
	if err != nil {
		t.Fatalf("second approve: %v", err)
	}
	if payload != nil {
		t.Fatalf("second approve must return nil, got %+v", payload)
	}

	entries, err := store.ListAuditEntries(ctx, 10)
	if err != nil {
		t.Fatalf("list audit: %v", err)
	}
	var haveEscalate, haveApproved bool
	for _, e := range entries {
		switch e.Decision {
		case audit.DecisionEscalate:
			haveEscalate = true
		case audit.DecisionApproved:
			haveApproved = true
		}
	}
	if !haveEscalate || !haveApproved {
		t.Fatalf("want ESCALATE and APPROVED entries, got %+v", entries)
	}
}

func TestRejectThenApproveIsNoop(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()

	id, err := svc.Queue(ctx, "delete_path", `{"path":"data"}`, "needs review", "worker-2")
	if err != nil {
		t.Fatalf("queue: %v", err)
	}
	if err := svc.Reject(ctx, id, "alice", "too risky"); err != nil {
		t.Fatalf("reject: %v", err)
	}

	payload, err := svc.Approve(ctx, id, "bob", "changed my mind")
	if err != nil {
		t.Fatalf("approve after reject: %v", err)
	}
	if payload != nil {
		t.Fatalf("approve after reject must return nil, got %+v", payload)
	}

	pc, err := store.GetPendingChange(ctx, id)
	if err != nil {
		t.Fatalf("get pending: %v", err)
	}
	if pc.Status != persistence.PendingStatusRejected {
		t.Fatalf("status = %q, want rejected", pc.Status)
	}
}

func TestListPendingOmitsResolved(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	first, err := svc.Queue(ctx, "exec", `{"cmd":"make deploy"}`, "review", "w")
	if err != nil {
		t.Fatalf("queue: %v", err)
	}
	second, err := svc.Queue(ctx, "http_request", `{"url":"https://api.good.com"}`, "review", "w")
	if err != nil {
		t.Fatalf("queue: %v", err)
	}
	if err := svc.Reject(ctx, first, "alice", "no"); err != nil {
		t.Fatalf("reject: %v", err)
	}

	pending, err := svc.ListPending(ctx)
	if err != nil {
		t.Fatalf("list pending: %v", err)
	}
	if len(pending) != 1 || pending[0].ID != second {
		t.Fatalf("pending = %+v, want only id %d", pending, second)
	}
}
