package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/fenwick-labs/warden/internal/action"
	"github.com/fenwick-labs/warden/internal/approval"
	"github.com/fenwick-labs/warden/internal/audit"
	"github.com/fenwick-labs/warden/internal/budget"
	"github.com/fenwick-labs/warden/internal/constraint"
	"github.com/fenwick-labs/warden/internal/otel"
	"github.com/fenwick-labs/warden/internal/sandbox"
)

// Outcome of an evaluation. Decisions are data, never errors: a DENY is a
// normal result, and only store-level failures abort an evaluation.
type Outcome string

const (
	Allow    Outcome = "ALLOW"
	Escalate Outcome = "ESCALATE"
	Deny     Outcome = "DENY"
)

// RoleHead marks the coordinating agent role, which is restricted to
// safe-tier tools regardless of the configured tier.
const RoleHead = "head"

// Decision is the structured result of one Evaluate call.
type Decision struct {
	Outcome   Outcome       `json:"outcome"`
	Reason    string        `json:"reason"`
	Sanitized action.Action `json:"-"`
	Budget    budget.Status `json:"budget"`
	PendingID int64         `json:"pending_id,omitempty"`
}

// Engine evaluates proposed actions against the catalog, budget, sandbox,
// and standing constraints. It holds no hidden state beyond the budget
// counters, so it is safe to call repeatedly.
type Engine struct {
	catalog      *Catalog
	budget       *budget.Budget
	workspace    *sandbox.Workspace
	domains      *sandbox.LiveDomains
	constraints  *constraint.Enforcer
	approvals    *approval.Service
	auditLog     *audit.Log
	callerTier   Tier
	actor        string
	unrestricted bool
	logger       *slog.Logger
	tracer       trace.Tracer
	metrics      *otel.Metrics
}

// Config wires an Engine. Catalog, Budget, Workspace, and AuditLog are
// required; Domains, Constraints, and Approvals may be nil, degrading to
// deny-all networking, no constraint gating, and audit-only escalation.
type Config struct {
	Catalog      *Catalog
	Budget       *budget.Budget
	Workspace    *sandbox.Workspace
	Domains      *sandbox.LiveDomains
	Constraints  *constraint.Enforcer
	Approvals    *approval.Service
	AuditLog     *audit.Log
	CallerTier   Tier
	Actor        string
	Unrestricted bool
	Logger       *slog.Logger
	Tracer       trace.Tracer
	Metrics      *otel.Metrics
}

func NewEngine(cfg Config) (*Engine, error) {
	if cfg.Catalog == nil || cfg.Budget == nil || cfg.Workspace == nil || cfg.AuditLog == nil {
		return nil, fmt.Errorf("policy engine requires catalog, budget, workspace, and audit log")
	}
	if _, ok := tierRank[cfg.CallerTier]; !ok {
		return nil, fmt.Errorf("unknown caller tier %q", cfg.CallerTier)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	domains := cfg.Domains
	if domains == nil {
		domains = sandbox.NewLiveDomains(sandbox.DomainList{})
	}
	return &Engine{
		catalog:      cfg.Catalog,
		budget:       cfg.Budget,
		workspace:    cfg.Workspace,
		domains:      domains,
		constraints:  cfg.Constraints,
		approvals:    cfg.Approvals,
		auditLog:     cfg.AuditLog,
		callerTier:   cfg.CallerTier,
		actor:        cfg.Actor,
		unrestricted: cfg.Unrestricted,
		logger:       logger,
		tracer:       cfg.Tracer,
		metrics:      cfg.Metrics,
	}, nil
}

func envelopeJSON(act action.Action) string {
	b, err := json.Marshal(act.Envelope())
	if err != nil {
		return ""
	}
	return string(b)
}

// Evaluate runs the gating pipeline in order, short-circuiting on the first
// failing check. Every returned Decision is backed by exactly one audit
// entry. The error return is reserved for store-level failures; treat it as
// "try again later", not as a decision.
func (e *Engine) Evaluate(ctx context.Context, act action.Action, callerRole string, recursionDepth int) (Decision, error) {
	var span trace.Span
	if e.tracer != nil {
		ctx, span = otel.StartSpan(ctx, e.tracer, "policy.evaluate",
			otel.AttrActionName.String(act.Name()),
			otel.AttrActor.String(e.actor),
		)
		defer span.End()
	}

	start := time.Now()
	d, err := e.evaluate(ctx, act, callerRole, recursionDepth)
	if err != nil {
		if span != nil {
			span.RecordError(err)
		}
		return d, err
	}

	if span != nil {
		span.SetAttributes(otel.AttrOutcome.String(string(d.Outcome)))
	}
	if e.metrics != nil {
		attrs := metric.WithAttributes(attribute.String("outcome", string(d.Outcome)))
		e.metrics.Decisions.Add(ctx, 1, attrs)
		e.metrics.EvaluateDuration.Record(ctx, time.Since(start).Seconds(), attrs)
		switch d.Outcome {
		case Deny:
			e.metrics.Denials.Add(ctx, 1)
		case Escalate:
			e.metrics.Escalations.Add(ctx, 1)
		}
	}
	return d, nil
}

func (e *Engine) evaluate(ctx context.Context, act action.Action, callerRole string, recursionDepth int) (Decision, error) {
	data := envelopeJSON(act)
	name := act.Name()

	// Budget first, before any side-effecting work, even for unknown or
	// nameless actions.
	if ok, reason := e.budget.ConsumeStep(recursionDepth); !ok {
		return e.deny(name, data, reason), nil
	}

	if name == "" {
		return e.deny(name, data, "missing action name"), nil
	}

	pol, known := e.catalog.Lookup(name)
	if !known {
		return e.escalate(ctx, act, data, "unknown tool requires review")
	}

	if callerRole == RoleHead && pol.Tier != TierSafe {
		return e.escalate(ctx, act, data, "head role restricted to safe tools")
	}

	// Unrestricted mode lifts the caller's tier ceiling. It never lifts
	// budget, sandbox, domain, constraint, or approval gating.
	if !e.unrestricted && pol.Tier.Exceeds(e.callerTier) {
		return e.escalate(ctx, act, data, fmt.Sprintf("tier %s exceeds caller tier %s", pol.Tier, e.callerTier))
	}

	if recursionDepth > e.budget.MaxRecursion() {
		return e.deny(name, data, budget.ReasonRecursion), nil
	}

	sanitized := act
	if pol.Sandboxed {
		resolved, err := action.ResolvePaths(act, e.workspace.ResolvePath)
		if err != nil {
			return e.deny(name, data, "sandbox: "+err.Error()), nil
		}
		sanitized = resolved
	}

	if req, ok := sanitized.(action.HTTPRequest); ok {
		if err := e.domains.Check(req.URL, pol.AllowedDomains); err != nil {
			return e.deny(name, data, "domain: "+err.Error()), nil
		}
	}

	if e.constraints != nil && sanitized.Mutating() {
		v, err := e.constraints.Check(ctx, sanitized)
		if err != nil {
			return Decision{}, fmt.Errorf("constraint check: %w", err)
		}
		if v != nil {
			reason := fmt.Sprintf("constraint #%d (%s): %s", v.ConstraintID, v.Keyword, v.Matched)
			return e.deny(name, data, reason), nil
		}
	}

	if pol.RequiresApproval || pol.Tier == TierDangerous {
		return e.escalate(ctx, act, data, fmt.Sprintf("%s tier requires approval", pol.Tier))
	}

	e.auditLog.Record(audit.DecisionAllow, name, data, "allowed", e.actor)
	e.logger.Debug("action allowed", "action", name, "actor", e.actor)
	return Decision{Outcome: Allow, Reason: "allowed", Sanitized: sanitized, Budget: e.budget.Status()}, nil
}

func (e *Engine) deny(name, data, reason string) Decision {
	e.auditLog.Record(audit.DecisionDeny, name, data, reason, e.actor)
	e.logger.Warn("action denied", "action", name, "reason", reason, "actor", e.actor)
	return Decision{Outcome: Deny, Reason: reason, Budget: e.budget.Status()}
}

func (e *Engine) escalate(ctx context.Context, act action.Action, data, reason string) (Decision, error) {
	name := act.Name()
	if e.approvals == nil {
		e.auditLog.Record(audit.DecisionEscalate, name, data, reason, e.actor)
		return Decision{Outcome: Escalate, Reason: reason, Budget: e.budget.Status()}, nil
	}
	// Queue writes the ESCALATE audit entry carrying the pending id.
	id, err := e.approvals.Queue(ctx, name, data, reason, e.actor)
	if err != nil {
		return Decision{}, err
	}
	e.logger.Info("action escalated", "action", name, "reason", reason, "pending_id", id)
	return Decision{Outcome: Escalate, Reason: reason, Budget: e.budget.Status(), PendingID: id}, nil
}
