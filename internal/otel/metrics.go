package otel

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the relay's instruments. A nil *Metrics records nothing, so
// components can be built without telemetry in tests.
type Metrics struct {
	InboundEvents   metric.Int64Counter
	TurnDuration    metric.Float64Histogram
	TurnsTotal      metric.Int64Counter
	ActiveTurns     metric.Int64UpDownCounter
	QueryRetries    metric.Int64Counter
	BackendCost     metric.Float64Counter
	MessageEdits    metric.Int64Counter
	EditErrors      metric.Int64Counter
	SessionsEvicted metric.Int64Counter
}

func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.InboundEvents, err = meter.Int64Counter("clawrelay.inbound.events",
		metric.WithDescription("Inbound chat events accepted for processing"),
	)
	if err != nil {
		return nil, err
	}

	m.TurnDuration, err = meter.Float64Histogram("clawrelay.turn.duration",
		metric.WithDescription("End-to-end turn duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.TurnsTotal, err = meter.Int64Counter("clawrelay.turns",
		metric.WithDescription("Turns finished, by outcome"),
	)
	if err != nil {
		return nil, err
	}

	m.ActiveTurns, err = meter.Int64UpDownCounter("clawrelay.turns.active",
		metric.WithDescription("Turns currently in flight"),
	)
	if err != nil {
		return nil, err
	}

	m.QueryRetries, err = meter.Int64Counter("clawrelay.query.retries",
		metric.WithDescription("Queries retried after a stale backend session"),
	)
	if err != nil {
		return nil, err
	}

	m.BackendCost, err = meter.Float64Counter("clawrelay.backend.cost",
		metric.WithDescription("Backend cost reported for completed queries"),
		metric.WithUnit("USD"),
	)
	if err != nil {
		return nil, err
	}

	m.MessageEdits, err = meter.Int64Counter("clawrelay.relay.edits",
		metric.WithDescription("Chat message edits issued by the relay"),
	)
	if err != nil {
		return nil, err
	}

	m.EditErrors, err = meter.Int64Counter("clawrelay.relay.edit_errors",
		metric.WithDescription("Chat message edits or posts that failed"),
	)
	if err != nil {
		return nil, err
	}

	m.SessionsEvicted, err = meter.Int64Counter("clawrelay.sessions.evicted",
		metric.WithDescription("Session mappings removed by the expiry sweep"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}

func (m *Metrics) RecordInbound(ctx context.Context, platform, kind string) {
	if m == nil {
		return
	}
	m.InboundEvents.Add(ctx, 1, metric.WithAttributes(AttrPlatform.String(platform), AttrEventKind.String(kind)))
}

func (m *Metrics) TurnStarted(ctx context.Context) {
	if m == nil {
		return
	}
	m.ActiveTurns.Add(ctx, 1)
}

func (m *Metrics) TurnFinished(ctx context.Context, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(AttrOutcome.String(outcome))
	m.ActiveTurns.Add(ctx, -1)
	m.TurnsTotal.Add(ctx, 1, attrs)
	m.TurnDuration.Record(ctx, elapsed.Seconds(), attrs)
}

func (m *Metrics) RecordRetry(ctx context.Context) {
	if m == nil {
		return
	}
	m.QueryRetries.Add(ctx, 1)
}

func (m *Metrics) RecordCost(ctx context.Context, usd float64) {
	if m == nil || usd <= 0 {
		return
	}
	m.BackendCost.Add(ctx, usd)
}

func (m *Metrics) RecordEdit(ctx context.Context, kind string, err error) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("clawrelay.edit.kind", kind))
	if err != nil {
		m.EditErrors.Add(ctx, 1, attrs)
		return
	}
	m.MessageEdits.Add(ctx, 1, attrs)
}

func (m *Metrics) RecordEvicted(ctx context.Context, n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.SessionsEvicted.Add(ctx, n)
}
