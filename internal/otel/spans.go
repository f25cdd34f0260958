package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Standard attribute keys for marketplace spans.
var (
	AttrAgentID    = attribute.Key("agora.agent.id")
	AttrAgentName  = attribute.Key("agora.agent.name")
	AttrActionType = attribute.Key("agora.action.type")
	AttrOutcome    = attribute.Key("agora.cycle.outcome")
	AttrListingID  = attribute.Key("agora.listing.id")
	AttrEscrowID   = attribute.Key("agora.escrow.id")
	AttrModel      = attribute.Key("agora.llm.model")
	AttrRailsOp    = attribute.Key("agora.rails.op")
)

// StartSpan is a convenience wrapper that starts an internal span with common attributes.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartServerSpan starts a span for an inbound request (Gateway).
func StartServerSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindServer),
	)
}

// StartClientSpan starts a span for an outbound call (rails, custody, LLM).
func StartClientSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}
