package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Standard attribute keys for warden spans.
var (
	AttrActionName = attribute.Key("warden.action.name")
	AttrOutcome    = attribute.Key("warden.decision.outcome")
	AttrActor      = attribute.Key("warden.actor")
	AttrTaskID     = attribute.Key("warden.task.id")
	AttrOwnerRole  = attribute.Key("warden.task.owner_role")
	AttrPendingID  = attribute.Key("warden.pending.id")
)

// StartSpan starts an internal span with common attributes.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartClientSpan starts a span for an outbound call (LLM API, HTTP tool).
func StartClientSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}
