package chatgorm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrDeadLetterNotFound is returned when a replay references an unknown row.
var ErrDeadLetterNotFound = errors.New("dead-letter entry not found")

// OutboxStore drains and administers the outbox and dead-letter tables.
type OutboxStore struct {
	db *gorm.DB
}

func NewOutboxStore(db *gorm.DB) *OutboxStore { return &OutboxStore{db: db} }

// WithTx runs fn against a store bound to one transaction. Claimed rows stay
// locked until fn returns, which is what makes concurrent relay replicas
// safe.
func (s *OutboxStore) WithTx(ctx context.Context, fn func(tx *OutboxStore) error) error {
	return s.db.WithContext(ctx).Transaction(func(g *gorm.DB) error {
		return fn(&OutboxStore{db: g})
	})
}

// ClaimUnprocessed selects up to limit pending rows with retry budget left,
// oldest first. On postgres the read is FOR UPDATE SKIP LOCKED so replicas
// never claim the same row; other dialects fall back to a plain read.
func (s *OutboxStore) ClaimUnprocessed(ctx context.Context, limit, maxRetries int) ([]OutboxRecord, error) {
	q := s.db.WithContext(ctx).
		Where("processed_at IS NULL AND retry_count < ?", maxRetries).
		Order("created_at ASC").
		Limit(limit)
	if s.db.Dialector.Name() == "postgres" {
		q = q.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"})
	}
	var out []OutboxRecord
	if err := q.Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (s *OutboxStore) MarkProcessed(ctx context.Context, id string) error {
	now := time.Now().UTC()
	return s.db.WithContext(ctx).Model(&OutboxRecord{}).
		Where("id = ?", id).
		Update("processed_at", now).Error
}

// MarkRetry records a failed publish attempt.
func (s *OutboxStore) MarkRetry(ctx context.Context, id string) error {
	now := time.Now().UTC()
	return s.db.WithContext(ctx).Model(&OutboxRecord{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"retry_count":   gorm.Expr("retry_count + 1"),
			"last_retry_at": now,
		}).Error
}

// MoveToDeadLetter copies the row into dead_letter and removes it from the
// live table in one transaction, so the entry is never both live and
// dead-lettered.
func (s *OutboxStore) MoveToDeadLetter(ctx context.Context, rec OutboxRecord, errMsg string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		dl := &DeadLetterRecord{
			ID:                rec.ID,
			AggregateType:     rec.AggregateType,
			AggregateID:       rec.AggregateID,
			Payload:           rec.Payload,
			ErrorMessage:      errMsg,
			RetryCount:        rec.RetryCount,
			OriginalCreatedAt: rec.CreatedAt,
			MovedToDLQAt:      time.Now().UTC(),
		}
		if err := tx.Create(dl).Error; err != nil {
			return fmt.Errorf("insert dead letter: %w", err)
		}
		if err := tx.Delete(&OutboxRecord{}, "id = ?", rec.ID).Error; err != nil {
			return fmt.Errorf("delete outbox row: %w", err)
		}
		return nil
	})
}

func (s *OutboxStore) PendingCount(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&OutboxRecord{}).
		Where("processed_at IS NULL").Count(&n).Error
	return n, err
}

func (s *OutboxStore) ListDeadLetters(ctx context.Context, limit int) ([]DeadLetterRecord, error) {
	var out []DeadLetterRecord
	err := s.db.WithContext(ctx).
		Order("moved_to_dlq_at DESC").Limit(limit).Find(&out).Error
	return out, err
}

// ReplayDeadLetter re-inserts a dead-lettered entry into the live outbox
// with its retry state reset, and drops the dead-letter copy.
func (s *OutboxStore) ReplayDeadLetter(ctx context.Context, id string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var dl DeadLetterRecord
		if err := tx.First(&dl, "id = ?", id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrDeadLetterNotFound
			}
			return err
		}
		ob := &OutboxRecord{
			ID:            dl.ID,
			AggregateType: dl.AggregateType,
			AggregateID:   dl.AggregateID,
			Payload:       dl.Payload,
			CreatedAt:     dl.OriginalCreatedAt,
		}
		if err := tx.Create(ob).Error; err != nil {
			return fmt.Errorf("re-insert outbox row: %w", err)
		}
		if err := tx.Delete(&DeadLetterRecord{}, "id = ?", id).Error; err != nil {
			return fmt.Errorf("delete dead letter: %w", err)
		}
		return nil
	})
}
