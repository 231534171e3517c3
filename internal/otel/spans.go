package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var (
	AttrPlatform   = attribute.Key("clawrelay.platform")
	AttrEventKind  = attribute.Key("clawrelay.event.kind")
	AttrSessionKey = attribute.Key("clawrelay.session.key")
	AttrTurnID     = attribute.Key("clawrelay.turn.id")
	AttrAttempt    = attribute.Key("clawrelay.query.attempt")
	AttrResumed    = attribute.Key("clawrelay.query.resumed")
	AttrOutcome    = attribute.Key("clawrelay.turn.outcome")
	AttrErrorClass = attribute.Key("clawrelay.error.class")
)

// StartSpan starts an internal span with the given attributes.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartServerSpan starts a span for an inbound platform request.
func StartServerSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindServer),
	)
}

// StartClientSpan starts a span for an outbound backend or platform call.
func StartClientSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}
