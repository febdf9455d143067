package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync/atomic"

	"github.com/courierhq/courier/internal/event"
	"github.com/courierhq/courier/internal/mq"
)

// Subscriber consumes the event channel and fans frames out to the local
// registry. Receivers connected to other gateway instances are handled
// there; missing users are not an error.
type Subscriber struct {
	src    mq.Source
	reg    *Registry
	logger *slog.Logger

	delivered atomic.Int64
	dropped   atomic.Int64
	runErr    atomic.Value
}

func NewSubscriber(src mq.Source, reg *Registry, logger *slog.Logger) *Subscriber {
	if logger == nil {
		logger = slog.Default()
	}
	return &Subscriber{src: src, reg: reg, logger: logger}
}

// Delivered reports frames handed to a write pump since process start.
func (s *Subscriber) Delivered() int64 { return s.delivered.Load() }

// Dropped reports frames lost to closed or backed-up local connections.
func (s *Subscriber) Dropped() int64 { return s.dropped.Load() }

// Run blocks consuming events until ctx is cancelled. A consume failure
// while ctx is still live is terminal: delivery has stopped and the error
// stays visible through Err.
func (s *Subscriber) Run(ctx context.Context) error {
	err := s.src.Consume(ctx, func(env event.Envelope) error {
		s.Dispatch(env)
		return nil
	})
	if err != nil && ctx.Err() == nil {
		s.runErr.Store(err)
	}
	return err
}

// Err reports the terminal consume error once Run has stopped. A running
// or cleanly cancelled subscriber reports nil.
func (s *Subscriber) Err() error {
	if v := s.runErr.Load(); v != nil {
		return v.(error)
	}
	return nil
}

// Dispatch routes one envelope to every locally connected receiver. Clients
// get the whole envelope so they can decode the payload the same way any
// other consumer would.
func (s *Subscriber) Dispatch(env event.Envelope) {
	mc, err := event.DecodeMessageCreated(env)
	if err != nil {
		s.logger.Warn("undeliverable event", "event_id", env.EventID, "err", err)
		return
	}
	frame, err := json.Marshal(env)
	if err != nil {
		s.logger.Error("marshal event frame", "event_id", env.EventID, "err", err)
		return
	}
	for _, userID := range mc.ReceiverIDs {
		client, ok := s.reg.Get(userID)
		if !ok {
			continue
		}
		if client.Enqueue(frame) {
			s.delivered.Add(1)
		} else {
			s.dropped.Add(1)
			s.logger.Warn("frame dropped", "user_id", userID, "event_id", env.EventID)
		}
	}
}
