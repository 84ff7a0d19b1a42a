package engine

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"bitget-spot/internal/core"
)

type engineMetrics struct {
	transitions  metric.Int64Counter
	fills        metric.Int64Counter
	passDuration metric.Float64Histogram
	restarts     metric.Int64Counter
}

func newEngineMetrics() *engineMetrics {
	meter := otel.Meter("bitget-spot/engine")
	m := &engineMetrics{}
	m.transitions, _ = meter.Int64Counter("order_state_transitions_total",
		metric.WithDescription("Accepted tracked-order state transitions"),
		metric.WithUnit("{transition}"))
	m.fills, _ = meter.Int64Counter("order_fills_total",
		metric.WithDescription("Distinct fills applied to tracked orders"),
		metric.WithUnit("{fill}"))
	m.passDuration, _ = meter.Float64Histogram("reconcile_pass_duration",
		metric.WithDescription("Duration of one reconciliation pass"),
		metric.WithUnit("ms"))
	m.restarts, _ = meter.Int64Counter("market_data_restarts_total",
		metric.WithDescription("Market-data subscription restarts"),
		metric.WithUnit("{restart}"))
	return m
}

func (m *engineMetrics) transition(from, to core.OrderState, source string) {
	if m == nil || m.transitions == nil {
		return
	}
	m.transitions.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("from", string(from)),
		attribute.String("to", string(to)),
		attribute.String("source", source),
	))
}

func (m *engineMetrics) fill(pair string) {
	if m == nil || m.fills == nil {
		return
	}
	m.fills.Add(context.Background(), 1, metric.WithAttributes(attribute.String("pair", pair)))
}

func (m *engineMetrics) pass(started time.Time) {
	if m == nil || m.passDuration == nil {
		return
	}
	m.passDuration.Record(context.Background(), float64(time.Since(started).Microseconds())/1000)
}

func (m *engineMetrics) restart() {
	if m == nil || m.restarts == nil {
		return
	}
	m.restarts.Add(context.Background(), 1)
}
