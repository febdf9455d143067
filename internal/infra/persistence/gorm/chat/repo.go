package chatgorm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/courierhq/courier/internal/event"
)

// ErrNotParticipant is returned when a read-state operation references a
// (conversation, user) pair that does not exist.
var ErrNotParticipant = errors.New("user is not a participant of the conversation")

// Repo provides GORM-based persistence for conversations, participants,
// messages and the outbox.
type Repo struct {
	db *gorm.DB

	// failStep aborts the send transaction before the named step. Set only
	// from tests in this package.
	failStep func(step string) error
}

func NewRepo(db *gorm.DB) *Repo { return &Repo{db: db} }

func (r *Repo) step(name string) error {
	if r.failStep != nil {
		return r.failStep(name)
	}
	return nil
}

// CreateMessageParams describes one validated send attempt.
type CreateMessageParams struct {
	ConversationID string
	SenderID       string
	ReceiverIDs    []string
	Content        string
	Type           string
	MediaURL       string
}

// CreateMessage runs the whole ingestion write as one transaction: upsert
// conversation, attach participants, insert the message, bump the
// conversation's last-message fields and insert the outbox row. Either all
// of it commits or none of it does.
func (r *Repo) CreateMessage(ctx context.Context, p CreateMessageParams) (*MessageRecord, error) {
	now := time.Now().UTC()
	msg := &MessageRecord{
		ID:             uuid.NewString(),
		ConversationID: p.ConversationID,
		SenderID:       p.SenderID,
		Content:        p.Content,
		Type:           p.Type,
		CreatedAt:      now,
	}
	if p.MediaURL != "" {
		u := p.MediaURL
		msg.MediaURL = &u
	}

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := r.step("upsert conversation"); err != nil {
			return err
		}
		// Caller-supplied id; created_at is kept on conflict.
		conv := &ConversationRecord{ID: p.ConversationID, CreatedAt: now}
		if err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			DoNothing: true,
		}).Create(conv).Error; err != nil {
			return fmt.Errorf("upsert conversation: %w", err)
		}

		if err := r.step("attach participants"); err != nil {
			return err
		}
		parts := make([]ParticipantRecord, 0, len(p.ReceiverIDs)+1)
		for _, id := range append([]string{p.SenderID}, p.ReceiverIDs...) {
			parts = append(parts, ParticipantRecord{
				ConversationID: p.ConversationID,
				UserID:         id,
				JoinedAt:       now,
				LastReadAt:     time.Unix(0, 0).UTC(),
			})
		}
		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&parts).Error; err != nil {
			return fmt.Errorf("attach participants: %w", err)
		}

		if err := r.step("insert message"); err != nil {
			return err
		}
		if err := tx.Create(msg).Error; err != nil {
			return fmt.Errorf("insert message: %w", err)
		}

		if err := r.step("update last message"); err != nil {
			return err
		}
		// Guard keeps last_message_at monotonically non-decreasing under
		// concurrent sends.
		if err := tx.Model(&ConversationRecord{}).
			Where("id = ? AND (last_message_at IS NULL OR last_message_at <= ?)", p.ConversationID, now).
			Updates(map[string]any{
				"last_message_content": p.Content,
				"last_message_at":      now,
			}).Error; err != nil {
			return fmt.Errorf("update last message: %w", err)
		}

		if err := r.step("insert outbox"); err != nil {
			return err
		}
		payload, err := json.Marshal(event.MessageCreated{
			EventType:      event.TypeMessageCreated,
			MessageID:      msg.ID,
			ConversationID: msg.ConversationID,
			SenderID:       msg.SenderID,
			ReceiverIDs:    p.ReceiverIDs,
			Content:        msg.Content,
			Type:           msg.Type,
			MediaURL:       p.MediaURL,
			CreatedAt:      msg.CreatedAt,
		})
		if err != nil {
			return fmt.Errorf("marshal event payload: %w", err)
		}
		ob := &OutboxRecord{
			ID:            uuid.NewString(),
			AggregateType: event.AggregateMessage,
			AggregateID:   msg.ID,
			Payload:       payload,
			CreatedAt:     now,
		}
		if err := tx.Create(ob).Error; err != nil {
			return fmt.Errorf("insert outbox: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return msg, nil
}

// GetMessages returns messages for a conversation, newest first. before is
// an exclusive cursor on created_at; nil means from the latest.
func (r *Repo) GetMessages(ctx context.Context, conversationID string, before *time.Time, limit int) ([]MessageRecord, error) {
	q := r.db.WithContext(ctx).
		Where("conversation_id = ?", conversationID).
		Order("created_at DESC").
		Limit(limit)
	if before != nil {
		q = q.Where("created_at < ?", *before)
	}
	var out []MessageRecord
	if err := q.Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

// ConversationItem is one row of a user's conversation listing.
type ConversationItem struct {
	ID                 string
	CreatedAt          time.Time
	LastMessageContent *string
	LastMessageAt      *time.Time
	UnreadCount        int64
}

// GetConversationsForUser lists conversations the user participates in,
// most recently active first, with the unread count computed against the
// participant's read marker.
func (r *Repo) GetConversationsForUser(ctx context.Context, userID string, before *time.Time, limit int) ([]ConversationItem, error) {
	q := r.db.WithContext(ctx).Table("conversations AS c").
		Select("c.id, c.created_at, c.last_message_content, c.last_message_at, " +
			"(SELECT COUNT(*) FROM messages m WHERE m.conversation_id = c.id AND m.created_at > p.last_read_at) AS unread_count").
		Joins("JOIN participants p ON p.conversation_id = c.id AND p.user_id = ?", userID)
	if before != nil {
		q = q.Where("c.last_message_at < ?", *before)
	}
	var out []ConversationItem
	if err := q.Order("c.last_message_at DESC").Limit(limit).Scan(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

// MarkAsRead moves the read marker to now. The marker never moves backward,
// so marking twice is a no-op beyond the timestamp refresh.
func (r *Repo) MarkAsRead(ctx context.Context, conversationID, userID string) error {
	now := time.Now().UTC()
	res := r.db.WithContext(ctx).Model(&ParticipantRecord{}).
		Where("conversation_id = ? AND user_id = ? AND last_read_at < ?", conversationID, userID, now).
		Update("last_read_at", now)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		var n int64
		if err := r.db.WithContext(ctx).Model(&ParticipantRecord{}).
			Where("conversation_id = ? AND user_id = ?", conversationID, userID).
			Count(&n).Error; err != nil {
			return err
		}
		if n == 0 {
			return ErrNotParticipant
		}
	}
	return nil
}

// UnreadCount reports messages newer than the participant's read marker.
func (r *Repo) UnreadCount(ctx context.Context, conversationID, userID string) (int64, error) {
	var p ParticipantRecord
	if err := r.db.WithContext(ctx).
		Where("conversation_id = ? AND user_id = ?", conversationID, userID).
		First(&p).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return 0, ErrNotParticipant
		}
		return 0, err
	}
	var n int64
	err := r.db.WithContext(ctx).Model(&MessageRecord{}).
		Where("conversation_id = ? AND created_at > ?", conversationID, p.LastReadAt).
		Count(&n).Error
	return n, err
}
