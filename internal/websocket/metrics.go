package websocket

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics are the hub's instruments. A nil *Metrics records nothing.
type Metrics struct {
	clients  metric.Int64UpDownCounter
	sent     metric.Int64Counter
	dropped  metric.Int64Counter
	messages metric.Int64Counter
}

// NewMetrics registers the websocket instruments on meter
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	var m Metrics
	var err error

	if m.clients, err = meter.Int64UpDownCounter(
		"websocket_connections_active",
		metric.WithDescription("Number of active WebSocket connections"),
	); err != nil {
		return nil, err
	}
	if m.sent, err = meter.Int64Counter(
		"websocket_messages_sent_total",
		metric.WithDescription("Messages queued to WebSocket clients"),
	); err != nil {
		return nil, err
	}
	if m.dropped, err = meter.Int64Counter(
		"websocket_messages_dropped_total",
		metric.WithDescription("Messages dropped because a buffer was full"),
	); err != nil {
		return nil, err
	}
	if m.messages, err = meter.Int64Counter(
		"websocket_events_total",
		metric.WithDescription("Scheduler events broadcast by type"),
	); err != nil {
		return nil, err
	}
	return &m, nil
}

func (m *Metrics) connected(ctx context.Context, delta int64) {
	if m == nil {
		return
	}
	m.clients.Add(ctx, delta)
}

func (m *Metrics) delivered(ctx context.Context, n int64) {
	if m == nil || n == 0 {
		return
	}
	m.sent.Add(ctx, n)
}

func (m *Metrics) drop(ctx context.Context, reason string) {
	if m == nil {
		return
	}
	m.dropped.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

func (m *Metrics) event(ctx context.Context, eventType string) {
	if m == nil {
		return
	}
	m.messages.Add(ctx, 1, metric.WithAttributes(attribute.String("type", eventType)))
}
