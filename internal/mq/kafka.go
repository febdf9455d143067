package mq

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	kafka "github.com/segmentio/kafka-go"

	"github.com/courierhq/courier/internal/event"
)

type kafkaQueue struct {
	w *kafka.Writer
}

// NewKafka returns a Queue writing to the given topic. The writer is safe
// for concurrent use; messages are keyed by aggregate id so all events for
// one aggregate land on one partition.
func NewKafka(brokers []string, topic string) Queue {
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		RequiredAcks: kafka.RequireOne,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 50 * time.Millisecond,
	}
	return &kafkaQueue{w: w}
}

func (q *kafkaQueue) Publish(ctx context.Context, env event.Envelope) error {
	b, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	return q.w.WriteMessages(ctx, kafka.Message{
		Key:   []byte(env.AggregateID),
		Value: b,
	})
}

func (q *kafkaQueue) Close() error { return q.w.Close() }

type kafkaSource struct {
	r *kafka.Reader
}

// NewKafkaSource returns a Source reading the topic as part of a consumer
// group, so multiple gateway replicas split the partitions.
func NewKafkaSource(brokers []string, topic, group string) Source {
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  brokers,
		Topic:    topic,
		GroupID:  group,
		MinBytes: 1,
		MaxBytes: 1 << 20,
	})
	return &kafkaSource{r: r}
}

func (s *kafkaSource) Consume(ctx context.Context, fn func(event.Envelope) error) error {
	for {
		m, err := s.r.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("read kafka message: %w", err)
		}
		var env event.Envelope
		if err := json.Unmarshal(m.Value, &env); err != nil {
			slog.Warn("skipping malformed event", "offset", m.Offset, "err", err)
			continue
		}
		if err := fn(env); err != nil {
			slog.Warn("event handler failed", "event_id", env.EventID, "err", err)
		}
	}
}

func (s *kafkaSource) Close() error { return s.r.Close() }
