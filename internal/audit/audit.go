// Package audit is the append-only record of every gating decision. Each
// decision point writes exactly one entry: a JSONL line under the warden
// home plus a fire-and-forget row in the audit_log table.
package audit

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fenwick-labs/warden/internal/bus"
	"github.com/fenwick-labs/warden/internal/persistence"
	"github.com/fenwick-labs/warden/internal/shared"
)

// Decision values recorded in the log.
const (
	DecisionAllow    = "ALLOW"
	DecisionEscalate = "ESCALATE"
	DecisionDeny     = "DENY"
	DecisionApproved = "APPROVED"
	DecisionRejected = "REJECTED"
)

type entry struct {
	Timestamp  string `json:"timestamp"`
	ActionType string `json:"action_type"`
	ActionData string `json:"action_data,omitempty"`
	Decision   string `json:"decision"`
	Reason     string `json:"reason"`
	Actor      string `json:"actor,omitempty"`
}

// Log fans decision records out to the JSONL file, the durable store, and
// the event bus. Any sink may be absent; writes never fail the decision.
type Log struct {
	mu        sync.Mutex
	file      *os.File
	store     *persistence.Store
	eventBus  *bus.Bus
	denyCount atomic.Int64
}

// Open creates the JSONL sink under homeDir/logs. Store and bus sinks are
// attached separately so one-shot CLI invocations can skip them.
func Open(homeDir string) (*Log, error) {
	logDir := filepath.Join(homeDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(filepath.Join(logDir, "audit.jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	return &Log{file: f}, nil
}

// NewStoreOnly returns a log that writes only to the durable store.
func NewStoreOnly(store *persistence.Store) *Log {
	return &Log{store: store}
}

// SetStore attaches the durable store sink.
func (l *Log) SetStore(store *persistence.Store) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.store = store
}

// SetBus attaches the event bus sink.
func (l *Log) SetBus(b *bus.Bus) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.eventBus = b
}

func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}

// DenyCount returns the number of DENY decisions recorded since startup.
func (l *Log) DenyCount() int64 {
	return l.denyCount.Load()
}

// Record appends one decision entry. Reasons and payloads are redacted
// before persistence; entries are never updated or deleted.
func (l *Log) Record(decision, actionType, actionData, reason, actor string) {
	if decision == DecisionDeny {
		l.denyCount.Add(1)
	}

	reason = shared.Redact(reason)
	actionData = shared.Redact(actionData)

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file != nil {
		ev := entry{
			Timestamp:  time.Now().UTC().Format(time.RFC3339Nano),
			ActionType: actionType,
			ActionData: actionData,
			Decision:   decision,
			Reason:     reason,
			Actor:      actor,
		}
		if b, err := json.Marshal(ev); err == nil {
			_, _ = l.file.Write(append(b, '\n'))
		}
	}

	if l.store != nil {
		_ = l.store.InsertAuditEntry(context.Background(), actionType, actionData, decision, reason, actor)
	}

	if l.eventBus != nil {
		l.eventBus.Publish(bus.TopicDecision, bus.DecisionEvent{
			ActionType: actionType,
			Outcome:    decision,
			Reason:     reason,
			Actor:      actor,
		})
	}
}
