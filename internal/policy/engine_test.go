package policy

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/fenwick-labs/warden/internal/action"
	"github.com/fenwick-labs/warden/internal/approval"
	"github.com/fenwick-labs/warden/internal/audit"
	"github.com/fenwick-labs/warden/internal/budget"
	"github.com/fenwick-labs/warden/internal/constraint"
	"github.com/fenwick-labs/warden/internal/persistence"
	"github.com/fenwick-labs/warden/internal/sandbox"
)

type testHarness struct {
	engine *Engine
	store  *persistence.Store
	root   string
}

type harnessOpt func(*Config)

func withTier(t Tier) harnessOpt { return func(c *Config) { c.CallerTier = t } }

func withUnrestricted() harnessOpt { return func(c *Config) { c.Unrestricted = true } }

func withBudget(b *budget.Budget) harnessOpt { return func(c *Config) { c.Budget = b } }
func withDomains(domains ...string) harnessOpt {
	return func(c *Config) {
		c.Domains = sandbox.NewLiveDomains(sandbox.DomainList{Domains: domains})
	}
}

func newHarness(t *testing.T, opts ...harnessOpt) *testHarness {
	t.Helper()
	dir := t.TempDir()
	store, err := persistence.Open(filepath.Join(dir, "test.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	root := filepath.Join(dir, "sandbox")
	ws, err := sandbox.NewWorkspace(root, false)
	if err != nil {
		t.Fatalf("new workspace: %v", err)
	}

	log := audit.NewStoreOnly(store)
	cfg := Config{
		Catalog:     DefaultCatalog(),
		Budget:      budget.New(100, time.Hour, 5),
		Workspace:   ws,
		Constraints: constraint.NewEnforcer(store),
		Approvals:   approval.NewService(store, log),
		AuditLog:    log,
		CallerTier:  TierModerate,
		Actor:       "test-worker",
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	eng, err := NewEngine(cfg)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	return &testHarness{engine: eng, store: store, root: ws.Root()}
}

func (h *testHarness) auditCount(t *testing.T) int {
	t.Helper()
	entries, err := h.store.ListAuditEntries(context.Background(), 1000)
	if err != nil {
		t.Fatalf("list audit: %v", err)
	}
	return len(entries)
}

func TestSafeReadAllowed(t *testing.T) {
	h := newHarness(t)
	d, err := h.engine.Evaluate(context.Background(), action.ReadFile{Path: "notes.txt"}, "worker", 0)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if d.Outcome != Allow {
		t.Fatalf("outcome = %s (%s), want ALLOW", d.Outcome, d.Reason)
	}
	rf, ok := d.Sanitized.(action.ReadFile)
	if !ok {
		t.Fatalf("sanitized type %T", d.Sanitized)
	}
	if rf.Path != filepath.Join(h.root, "notes.txt") {
		t.Fatalf("sanitized path = %q", rf.Path)
	}
	if n := h.auditCount(t); n != 1 {
		t.Fatalf("audit entries = %d, want 1", n)
	}
}

func TestTierAboveCallerEscalates(t *testing.T) {
	h := newHarness(t, withTier(TierSafe))
	d, err := h.engine.Evaluate(context.Background(), action.WriteFile{Path: "a.txt", Content: "hi"}, "worker", 0)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if d.Outcome != Escalate {
		t.Fatalf("outcome = %s, want ESCALATE", d.Outcome)
	}
	if d.PendingID == 0 {
		t.Fatal("escalation should carry a pending id")
	}
	if n := h.auditCount(t); n != 1 {
		t.Fatalf("audit entries = %d, want 1", n)
	}
}

func TestDangerousNeverAllowed(t *testing.T) {
	for _, unrestricted := range []bool{false, true} {
		opts := []harnessOpt{withTier(TierDangerous)}
		if unrestricted {
			opts = append(opts, withUnrestricted())
		}
		h := newHarness(t, opts...)
		d, err := h.engine.Evaluate(context.Background(), action.Exec{Cmd: "make deploy"}, "worker", 0)
		if err != nil {
			t.Fatalf("evaluate (unrestricted=%v): %v", unrestricted, err)
		}
		if d.Outcome == Allow {
			t.Fatalf("exec allowed with unrestricted=%v", unrestricted)
		}
		if d.Outcome != Escalate {
			t.Fatalf("outcome = %s (%s), want ESCALATE", d.Outcome, d.Reason)
		}
	}
}

func TestUnrestrictedLiftsTierOnly(t *testing.T) {
	h := newHarness(t, withTier(TierSafe), withUnrestricted())
	d, err := h.engine.Evaluate(context.Background(), action.WriteFile{Path: "a.txt", Content: "hi"}, "worker", 0)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if d.Outcome != Allow {
		t.Fatalf("outcome = %s (%s), want ALLOW under unrestricted", d.Outcome, d.Reason)
	}
}

func TestHeadRoleRestrictedToSafe(t *testing.T) {
	h := newHarness(t, withTier(TierDangerous))
	d, err := h.engine.Evaluate(context.Background(), action.WriteFile{Path: "a.txt", Content: "x"}, RoleHead, 0)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if d.Outcome != Escalate {
		t.Fatalf("outcome = %s, want ESCALATE", d.Outcome)
	}
	if !strings.Contains(d.Reason, "head role") {
		t.Fatalf("reason = %q", d.Reason)
	}
}

func TestUnknownActionEscalates(t *testing.T) {
	h := newHarness(t)
	raw := []byte(`{"action":"launch_rocket","target":"pad-39a"}`)
	act, err := action.Parse(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	d, err := h.engine.Evaluate(context.Background(), act, "worker", 0)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if d.Outcome != Escalate {
		t.Fatalf("outcome = %s, want ESCALATE", d.Outcome)
	}
	if !strings.Contains(d.Reason, "unknown tool") {
		t.Fatalf("reason = %q", d.Reason)
	}
}

func TestStepBudgetDenies(t *testing.T) {
	h := newHarness(t, withBudget(budget.New(2, time.Hour, 5)))
	ctx := context.Background()
	act := action.ReadFile{Path: "a.txt"}

	for i := 0; i < 2; i++ {
		d, err := h.engine.Evaluate(ctx, act, "worker", 0)
		if err != nil {
			t.Fatalf("evaluate %d: %v", i, err)
		}
		if d.Outcome != Allow {
			t.Fatalf("call %d: outcome = %s (%s)", i, d.Outcome, d.Reason)
		}
	}
	d, err := h.engine.Evaluate(ctx, act, "worker", 0)
	if err != nil {
		t.Fatalf("evaluate 3: %v", err)
	}
	if d.Outcome != Deny || d.Reason != budget.ReasonSteps {
		t.Fatalf("call 3: outcome = %s reason = %q", d.Outcome, d.Reason)
	}
	if n := h.auditCount(t); n != 3 {
		t.Fatalf("audit entries = %d, want 3", n)
	}
}

func TestSandboxEscapeDenied(t *testing.T) {
	h := newHarness(t)
	d, err := h.engine.Evaluate(context.Background(), action.WriteFile{Path: "../outside.txt", Content: "x"}, "worker", 0)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if d.Outcome != Deny {
		t.Fatalf("outcome = %s, want DENY", d.Outcome)
	}
	if !strings.Contains(d.Reason, "path") {
		t.Fatalf("reason = %q, want the offending field surfaced", d.Reason)
	}
}

func TestDomainGating(t *testing.T) {
	h := newHarness(t, withDomains("good.com"))
	ctx := context.Background()

	d, err := h.engine.Evaluate(ctx, action.HTTPRequest{URL: "https://api.good.com/x", Method: "GET"}, "worker", 0)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if d.Outcome != Allow {
		t.Fatalf("allowed domain: outcome = %s (%s)", d.Outcome, d.Reason)
	}

	d, err = h.engine.Evaluate(ctx, action.HTTPRequest{URL: "https://evil.example.com/x", Method: "GET"}, "worker", 0)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if d.Outcome != Deny {
		t.Fatalf("disallowed domain: outcome = %s", d.Outcome)
	}
}

func TestConstraintDeniesEvenUnrestricted(t *testing.T) {
	h := newHarness(t, withTier(TierSafe), withUnrestricted())
	ctx := context.Background()

	id, err := h.store.InsertConstraint(ctx, persistence.KindLesson, "frontend", "never use jquery again", "H")
	if err != nil {
		t.Fatalf("insert constraint: %v", err)
	}

	d, err := h.engine.Evaluate(ctx, action.WriteFile{Path: "app.js", Content: `require("jquery")`}, "worker", 0)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if d.Outcome != Deny {
		t.Fatalf("outcome = %s (%s), want DENY", d.Outcome, d.Reason)
	}
	if !strings.Contains(d.Reason, fmt.Sprintf("#%d", id)) {
		t.Fatalf("reason = %q, want constraint id %d", d.Reason, id)
	}
}

func TestRecursionDepthDenied(t *testing.T) {
	h := newHarness(t, withBudget(budget.New(100, time.Hour, 2)))
	d, err := h.engine.Evaluate(context.Background(), action.ReadFile{Path: "a"}, "worker", 3)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if d.Outcome != Deny || d.Reason != budget.ReasonRecursion {
		t.Fatalf("outcome = %s reason = %q", d.Outcome, d.Reason)
	}
}

func TestMissingActionNameDenied(t *testing.T) {
	h := newHarness(t)
	d, err := h.engine.Evaluate(context.Background(), action.Unknown{ActionName: ""}, "worker", 0)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if d.Outcome != Deny || !strings.Contains(d.Reason, "missing action name") {
		t.Fatalf("outcome = %s reason = %q", d.Outcome, d.Reason)
	}
}

func TestCatalogOverlayKeepsDangerousApproval(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "policies.yaml")
	yaml := "tools:\n  - name: exec\n    tier: dangerous\n    requires_approval: false\n    sandboxed: true\n"
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatalf("write overlay: %v", err)
	}
	cat, err := LoadCatalog(path)
	if err != nil {
		t.Fatalf("load catalog: %v", err)
	}
	pol, ok := cat.Lookup("exec")
	if !ok {
		t.Fatal("exec missing from catalog")
	}
	if !pol.RequiresApproval {
		t.Fatal("dangerous-tier overlay must keep requires_approval")
	}
}
