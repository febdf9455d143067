package httpserver

import (
	"context"

	chatgorm "github.com/courierhq/courier/internal/infra/persistence/gorm/chat"
)

type storeDeadLetterOps struct {
	store *chatgorm.OutboxStore
}

// NewStoreDeadLetterOps adapts the outbox store to the ops endpoints.
func NewStoreDeadLetterOps(store *chatgorm.OutboxStore) DeadLetterOps {
	return &storeDeadLetterOps{store: store}
}

func (o *storeDeadLetterOps) ListDeadLetters(ctx context.Context, limit int) ([]DeadLetterView, error) {
	recs, err := o.store.ListDeadLetters(ctx, limit)
	if err != nil {
		return nil, err
	}
	out := make([]DeadLetterView, 0, len(recs))
	for _, r := range recs {
		out = append(out, DeadLetterView{
			ID:                r.ID,
			AggregateType:     r.AggregateType,
			AggregateID:       r.AggregateID,
			ErrorMessage:      r.ErrorMessage,
			RetryCount:        r.RetryCount,
			OriginalCreatedAt: r.OriginalCreatedAt,
			MovedToDLQAt:      r.MovedToDLQAt,
		})
	}
	return out, nil
}

func (o *storeDeadLetterOps) ReplayDeadLetter(ctx context.Context, id string) error {
	return o.store.ReplayDeadLetter(ctx, id)
}
