// Package approval owns the pending-review queue for escalated actions and
// pairs every queue mutation with its audit entry.
package approval

import (
	"context"
	"fmt"
	"strconv"

	"github.com/fenwick-labs/warden/internal/audit"
	"github.com/fenwick-labs/warden/internal/persistence"
)

// Payload is the original action handed back to the caller on approval.
type Payload struct {
	ActionType string `json:"action_type"`
	ActionData string `json:"action_data"`
}

type Service struct {
	store *persistence.Store
	log   *audit.Log
}

func NewService(store *persistence.Store, log *audit.Log) *Service {
	return &Service{store: store, log: log}
}

// Queue inserts a pending change and writes the matching ESCALATE audit
// entry carrying the new id.
func (s *Service) Queue(ctx context.Context, actionType, actionData, reason, actor string) (int64, error) {
	id, err := s.store.InsertPendingChange(ctx, actionType, actionData, actor)
	if err != nil {
		return 0, fmt.Errorf("queue pending change: %w", err)
	}
	s.log.Record(audit.DecisionEscalate, actionType, actionData,
		reason+" (pending #"+strconv.FormatInt(id, 10)+")", actor)
	return id, nil
}

// ListPending returns queued escalations, oldest first.
func (s *Service) ListPending(ctx context.Context) ([]persistence.PendingChange, error) {
	return s.store.ListPendingChanges(ctx)
}

// Approve flips a pending row to approved and returns the original action
// payload for the caller to execute. Returns nil without side effects when
// the row is absent or already resolved.
func (s *Service) Approve(ctx context.Context, id int64, reviewer, notes string) (*Payload, error) {
	ok, err := s.store.ResolvePendingChange(ctx, id, persistence.PendingStatusApproved, reviewer, notes)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	pc, err := s.store.GetPendingChange(ctx, id)
	if err != nil {
		return nil, err
	}
	if pc == nil {
		return nil, fmt.Errorf("pending change %d vanished after approval", id)
	}
	s.log.Record(audit.DecisionApproved, pc.ActionType, pc.ActionData, notes, reviewer)
	return &Payload{ActionType: pc.ActionType, ActionData: pc.ActionData}, nil
}

// Reject flips a pending row to rejected. The REJECTED audit entry is
// written even when the row was already resolved, for traceability.
func (s *Service) Reject(ctx context.Context, id int64, reviewer, notes string) error {
	ok, err := s.store.ResolvePendingChange(ctx, id, persistence.PendingStatusRejected, reviewer, notes)
	if err != nil {
		return err
	}
	actionType := "pending #" + strconv.FormatInt(id, 10)
	actionData := ""
	if pc, err := s.store.GetPendingChange(ctx, id); err == nil && pc != nil {
		actionType = pc.ActionType
		actionData = pc.ActionData
	}
	reason := notes
	if !ok {
		reason = "reject on already-resolved change: " + notes
	}
	s.log.Record(audit.DecisionRejected, actionType, actionData, reason, reviewer)
	return nil
}
