package telemetry

import (
	"context"

	"go.opentelemetry.io/otel/metric"
)

// ChatMetrics bundles the courier instruments. With no meter provider
// registered the global no-op provider backs them, so recording is always
// safe.
type ChatMetrics struct {
	MessagesSent      metric.Int64Counter
	OutboxProcessed   metric.Int64Counter
	OutboxRetried     metric.Int64Counter
	OutboxDeadLetters metric.Int64Counter
	ActiveConnections metric.Int64UpDownCounter
}

func NewChatMetrics(meter metric.Meter) (*ChatMetrics, error) {
	m := &ChatMetrics{}
	var err error

	if m.MessagesSent, err = meter.Int64Counter("courier.messages.sent",
		metric.WithDescription("Messages accepted by the API")); err != nil {
		return nil, err
	}
	if m.OutboxProcessed, err = meter.Int64Counter("courier.outbox.processed",
		metric.WithDescription("Outbox rows published downstream")); err != nil {
		return nil, err
	}
	if m.OutboxRetried, err = meter.Int64Counter("courier.outbox.retried",
		metric.WithDescription("Publish attempts that will be retried")); err != nil {
		return nil, err
	}
	if m.OutboxDeadLetters, err = meter.Int64Counter("courier.outbox.dead_letters",
		metric.WithDescription("Rows moved to the dead-letter table")); err != nil {
		return nil, err
	}
	if m.ActiveConnections, err = meter.Int64UpDownCounter("courier.ws.active_connections",
		metric.WithDescription("Live gateway connections")); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *ChatMetrics) RecordSent(ctx context.Context)    { m.MessagesSent.Add(ctx, 1) }
func (m *ChatMetrics) RecordConnect(ctx context.Context) { m.ActiveConnections.Add(ctx, 1) }

func (m *ChatMetrics) RecordDisconnect(ctx context.Context) {
	m.ActiveConnections.Add(ctx, -1)
}
