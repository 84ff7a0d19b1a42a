package bitget

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

type connectorMetrics struct {
	restLatency metric.Float64Histogram
	restErrors  metric.Int64Counter
	wsMessages  metric.Int64Counter
	wsBackoffs  metric.Int64Counter
	parseErrors metric.Int64Counter
}

func newConnectorMetrics() *connectorMetrics {
	meter := otel.Meter("bitget-spot/exchange/bitget")
	m := &connectorMetrics{}
	m.restLatency, _ = meter.Float64Histogram("bitget_rest_request_duration",
		metric.WithDescription("Latency of Bitget REST requests"),
		metric.WithUnit("ms"))
	m.restErrors, _ = meter.Int64Counter("bitget_rest_errors_total",
		metric.WithDescription("Bitget REST requests that failed"),
		metric.WithUnit("{error}"))
	m.wsMessages, _ = meter.Int64Counter("bitget_ws_messages_total",
		metric.WithDescription("Decoded Bitget websocket messages"),
		metric.WithUnit("{message}"))
	m.wsBackoffs, _ = meter.Int64Counter("bitget_user_stream_backoffs_total",
		metric.WithDescription("Fixed-delay back-offs taken by the user stream"),
		metric.WithUnit("{backoff}"))
	m.parseErrors, _ = meter.Int64Counter("bitget_parse_errors_total",
		metric.WithDescription("Stream messages skipped because they could not be parsed"),
		metric.WithUnit("{message}"))
	return m
}

func (m *connectorMetrics) observeREST(ctx context.Context, limitID string, started time.Time, err error) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("limit", limitID))
	if m.restLatency != nil {
		m.restLatency.Record(ctx, float64(time.Since(started).Microseconds())/1000, attrs)
	}
	if err != nil && m.restErrors != nil {
		m.restErrors.Add(ctx, 1, attrs)
	}
}

func (m *connectorMetrics) countMessage(ctx context.Context, stream, channel string) {
	if m == nil || m.wsMessages == nil {
		return
	}
	m.wsMessages.Add(ctx, 1, metric.WithAttributes(attribute.String("stream", stream), attribute.String("channel", channel)))
}

func (m *connectorMetrics) countBackoff(ctx context.Context) {
	if m == nil || m.wsBackoffs == nil {
		return
	}
	m.wsBackoffs.Add(ctx, 1)
}

func (m *connectorMetrics) countParseError(ctx context.Context, channel string) {
	if m == nil || m.parseErrors == nil {
		return
	}
	m.parseErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("channel", channel)))
}
