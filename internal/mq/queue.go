// Package mq abstracts the downstream event channel the outbox relay
// publishes into and the gateway consumes from. Kafka and Redis Streams
// backends are provided; both deliver at-least-once.
package mq

import (
	"context"

	"github.com/courierhq/courier/internal/event"
)

// Queue is the publish side of the event channel.
type Queue interface {
	Publish(ctx context.Context, env event.Envelope) error
	Close() error
}

// Source is the consume side of the event channel. Consume blocks until ctx
// is cancelled, invoking fn once per received envelope. Handler errors are
// logged by implementations, not retried; downstream delivery to clients is
// at-least-once anyway.
type Source interface {
	Consume(ctx context.Context, fn func(event.Envelope) error) error
	Close() error
}

type noopQueue struct{}

// NewNoop returns a queue that drops everything. It keeps local setups
// without a broker running; the outbox drains as if publishes succeeded.
func NewNoop() Queue { return noopQueue{} }

func (noopQueue) Publish(context.Context, event.Envelope) error { return nil }
func (noopQueue) Close() error                                  { return nil }
