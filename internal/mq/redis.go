package mq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	redis "github.com/redis/go-redis/v9"

	"github.com/courierhq/courier/internal/event"
)

type redisQueue struct {
	cli    *redis.Client
	stream string
}

// NewRedis returns a Queue appending envelopes to a Redis Stream as a
// single "data" field holding the JSON body.
func NewRedis(cli *redis.Client, stream string) Queue {
	return &redisQueue{cli: cli, stream: stream}
}

func (q *redisQueue) Publish(ctx context.Context, env event.Envelope) error {
	b, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	return q.cli.XAdd(ctx, &redis.XAddArgs{
		Stream: q.stream,
		Values: map[string]any{"data": string(b)},
	}).Err()
}

func (q *redisQueue) Close() error { return q.cli.Close() }

type redisSource struct {
	cli    *redis.Client
	stream string
}

// NewRedisSource returns a Source tailing the stream from the moment
// Consume starts. A gateway only pushes to currently connected clients, so
// history before the tail is irrelevant to it.
func NewRedisSource(cli *redis.Client, stream string) Source {
	return &redisSource{cli: cli, stream: stream}
}

func (s *redisSource) Consume(ctx context.Context, fn func(event.Envelope) error) error {
	lastID := "$"
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		res, err := s.cli.XRead(ctx, &redis.XReadArgs{
			Streams: []string{s.stream, lastID},
			Count:   100,
			Block:   5 * time.Second,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("read stream %s: %w", s.stream, err)
		}
		for _, st := range res {
			for _, msg := range st.Messages {
				lastID = msg.ID
				data, ok := msg.Values["data"].(string)
				if !ok {
					slog.Warn("skipping stream entry without data field", "id", msg.ID)
					continue
				}
				var env event.Envelope
				if err := json.Unmarshal([]byte(data), &env); err != nil {
					slog.Warn("skipping malformed event", "id", msg.ID, "err", err)
					continue
				}
				if err := fn(env); err != nil {
					slog.Warn("event handler failed", "event_id", env.EventID, "err", err)
				}
			}
		}
	}
}

func (s *redisSource) Close() error { return s.cli.Close() }
