// Package outbox relays committed events from the outbox table to the event
// channel. At-least-once: a row is marked processed only after a successful
// publish, so a crash between the two replays the event.
package outbox

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/courierhq/courier/internal/config"
	"github.com/courierhq/courier/internal/event"
	chatgorm "github.com/courierhq/courier/internal/infra/persistence/gorm/chat"
	"github.com/courierhq/courier/internal/mq"
	"github.com/courierhq/courier/internal/telemetry"
)

// Stats is a point-in-time counter snapshot served by the ops endpoint.
type Stats struct {
	Processed    int64 `json:"processed"`
	Retried      int64 `json:"retried"`
	DeadLettered int64 `json:"dead_lettered"`
}

// Processor polls the outbox table and publishes claimed rows. One instance
// per process; multiple processes coordinate through row locks.
type Processor struct {
	store  *chatgorm.OutboxStore
	queue  mq.Queue
	cfg    config.Outbox
	logger *slog.Logger

	processed    atomic.Int64
	retried      atomic.Int64
	deadLettered atomic.Int64
	metrics      *telemetry.ChatMetrics

	cancel context.CancelFunc
	done   chan struct{}
}

func New(store *chatgorm.OutboxStore, queue mq.Queue, cfg config.Outbox, logger *slog.Logger) *Processor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Processor{store: store, queue: queue, cfg: cfg, logger: logger}
}

// SetMetrics attaches otel instruments next to the local counters.
func (p *Processor) SetMetrics(m *telemetry.ChatMetrics) { p.metrics = m }

func (p *Processor) Snapshot() Stats {
	return Stats{
		Processed:    p.processed.Load(),
		Retried:      p.retried.Load(),
		DeadLettered: p.deadLettered.Load(),
	}
}

// Start launches the poll loop. Stop cancels it; a batch already claimed
// when Stop is called runs to completion before the loop exits.
func (p *Processor) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)
	p.done = make(chan struct{})

	go func() {
		defer close(p.done)
		ticker := time.NewTicker(p.cfg.GetPollInterval())
		defer ticker.Stop()
		p.logger.Info("outbox processor started",
			"poll_interval", p.cfg.GetPollInterval(),
			"batch_size", p.cfg.GetBatchSize(),
			"max_retries", p.cfg.GetMaxRetries(),
			"backoff_policy", p.cfg.GetBackoffPolicy())
		for {
			select {
			case <-ctx.Done():
				p.logger.Info("outbox processor stopped", "stats", p.Snapshot())
				return
			case <-ticker.C:
				// Batches survive cancellation mid-flight.
				if _, err := p.ProcessBatch(context.WithoutCancel(ctx)); err != nil {
					p.logger.Error("outbox batch failed", "err", err)
				}
			}
		}
	}()
}

func (p *Processor) Stop() {
	if p.cancel == nil {
		return
	}
	p.cancel()
	<-p.done
}

// ProcessBatch claims one batch and handles every claimed row. It returns
// the number of rows published. Rows still inside their backoff window are
// claimed but left untouched for a later pass.
func (p *Processor) ProcessBatch(ctx context.Context) (int, error) {
	published := 0
	err := p.store.WithTx(ctx, func(tx *chatgorm.OutboxStore) error {
		recs, err := tx.ClaimUnprocessed(ctx, p.cfg.GetBatchSize(), p.cfg.GetMaxRetries())
		if err != nil {
			return err
		}
		now := time.Now().UTC()
		for _, rec := range recs {
			if !p.due(rec, now) {
				continue
			}
			if err := p.handle(ctx, tx, rec); err != nil {
				return err
			}
			published++
		}
		return nil
	})
	return published, err
}

// handle publishes one row and records the outcome. Publish failures are
// expected operational noise, not batch errors; only store failures abort
// the batch.
func (p *Processor) handle(ctx context.Context, tx *chatgorm.OutboxStore, rec chatgorm.OutboxRecord) error {
	env := event.Envelope{
		EventID:       rec.ID,
		AggregateType: rec.AggregateType,
		AggregateID:   rec.AggregateID,
		Payload:       []byte(rec.Payload),
		CreatedAt:     rec.CreatedAt.UnixMilli(),
	}
	if err := p.queue.Publish(ctx, env); err != nil {
		return p.recordFailure(ctx, tx, rec, err)
	}
	if err := tx.MarkProcessed(ctx, rec.ID); err != nil {
		return err
	}
	p.processed.Add(1)
	if p.metrics != nil {
		p.metrics.OutboxProcessed.Add(ctx, 1)
	}
	return nil
}

func (p *Processor) recordFailure(ctx context.Context, tx *chatgorm.OutboxStore, rec chatgorm.OutboxRecord, cause error) error {
	if rec.RetryCount+1 >= p.cfg.GetMaxRetries() {
		// The dead-letter copy counts this final failed attempt too.
		rec.RetryCount++
		if err := tx.MoveToDeadLetter(ctx, rec, cause.Error()); err != nil {
			return err
		}
		p.deadLettered.Add(1)
		if p.metrics != nil {
			p.metrics.OutboxDeadLetters.Add(ctx, 1)
		}
		p.logger.Error("event moved to dead letter",
			"event_id", rec.ID,
			"aggregate_id", rec.AggregateID,
			"retry_count", rec.RetryCount,
			"err", cause)
		return nil
	}
	if err := tx.MarkRetry(ctx, rec.ID); err != nil {
		return err
	}
	p.retried.Add(1)
	if p.metrics != nil {
		p.metrics.OutboxRetried.Add(ctx, 1)
	}
	p.logger.Warn("event publish failed, will retry",
		"event_id", rec.ID,
		"retry_count", rec.RetryCount+1,
		"err", cause)
	return nil
}

// due reports whether a previously failed row has waited out its backoff
// window. Fresh rows are always due.
func (p *Processor) due(rec chatgorm.OutboxRecord, now time.Time) bool {
	if rec.RetryCount == 0 || rec.LastRetryAt == nil {
		return true
	}
	return !now.Before(rec.LastRetryAt.Add(p.delay(rec.RetryCount)))
}

// delay computes the wait after the given number of failed attempts.
// Exponential doubles per attempt starting from the base interval.
func (p *Processor) delay(retryCount int) time.Duration {
	base := p.cfg.GetBackoffBase()
	if p.cfg.GetBackoffPolicy() != config.BackoffExponential {
		return base
	}
	d := base
	for i := 1; i < retryCount; i++ {
		d *= 2
		if d > 5*time.Minute {
			return 5 * time.Minute
		}
	}
	return d
}
