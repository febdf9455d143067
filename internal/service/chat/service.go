package chat

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/courierhq/courier/internal/ctxkeys"
	chatgorm "github.com/courierhq/courier/internal/infra/persistence/gorm/chat"
	"github.com/courierhq/courier/internal/telemetry"
	"github.com/courierhq/courier/pkg/apperr"
	"github.com/courierhq/courier/pkg/idempotency"
)

const (
	defaultPageLimit = 50
	maxPageLimit     = 100

	StatusSent = "SENT"
)

// Service is the message-ingestion and query surface. SendMessage never
// publishes directly; the only externally visible side effect of a send is
// the outbox row committed with the message.
type Service struct {
	repo    *chatgorm.Repo
	checker idempotency.Checker
	logger  *slog.Logger
	metrics *telemetry.ChatMetrics

	sent atomic.Int64
}

func NewService(repo *chatgorm.Repo, checker idempotency.Checker, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{repo: repo, checker: checker, logger: logger}
}

// SetMetrics attaches otel instruments next to the local counter.
func (s *Service) SetMetrics(m *telemetry.ChatMetrics) { s.metrics = m }

// SentCount reports messages accepted since process start.
func (s *Service) SentCount() int64 { return s.sent.Load() }

// SendMessageInput is a validated-on-entry send request. SenderID comes from
// the trusted context, never from the body.
type SendMessageInput struct {
	ConversationID string
	ReceiverIDs    []string
	Content        string
	Type           string
	MediaURL       string
	IdempotencyKey string
}

// SendMessageResult is returned once the transaction committed.
type SendMessageResult struct {
	MessageID string `json:"message_id"`
	Status    string `json:"status"`
}

func (s *Service) SendMessage(ctx context.Context, in SendMessageInput) (*SendMessageResult, error) {
	sender, ok := ctxkeys.UserID(ctx)
	if !ok {
		return nil, apperr.Unauthenticated("caller identity missing")
	}
	if err := validateSend(in); err != nil {
		return nil, err
	}

	// Claim before any database work. A claim is never rolled back; a
	// genuine retry uses a fresh key.
	if err := s.checker.Claim(ctx, in.IdempotencyKey); err != nil {
		if errors.Is(err, idempotency.ErrDuplicate) {
			s.logger.Warn("duplicate send rejected",
				"idempotency_key", in.IdempotencyKey,
				"conversation_id", in.ConversationID,
				"sender_id", sender)
			return nil, apperr.AlreadyExists("request already processed")
		}
		s.logger.Error("idempotency check failed", "err", err, "idempotency_key", in.IdempotencyKey)
		return nil, apperr.Internal("idempotency check failed", err)
	}

	msg, err := s.repo.CreateMessage(ctx, chatgorm.CreateMessageParams{
		ConversationID: in.ConversationID,
		SenderID:       sender,
		ReceiverIDs:    dedupe(in.ReceiverIDs, sender),
		Content:        in.Content,
		Type:           in.Type,
		MediaURL:       in.MediaURL,
	})
	if err != nil {
		s.logger.Error("send transaction failed",
			"err", err,
			"conversation_id", in.ConversationID,
			"sender_id", sender)
		return nil, apperr.Internal("failed to send message", err)
	}

	s.sent.Add(1)
	if s.metrics != nil {
		s.metrics.RecordSent(ctx)
	}
	s.logger.Info("message sent",
		"message_id", msg.ID,
		"conversation_id", in.ConversationID,
		"sender_id", sender)
	return &SendMessageResult{MessageID: msg.ID, Status: StatusSent}, nil
}

func validateSend(in SendMessageInput) error {
	if in.ConversationID == "" {
		return apperr.InvalidArg("conversation_id is required")
	}
	if _, err := uuid.Parse(in.ConversationID); err != nil {
		return apperr.InvalidArg("conversation_id must be a UUID")
	}
	for _, r := range in.ReceiverIDs {
		if _, err := uuid.Parse(r); err != nil {
			return apperr.InvalidArg("receiver_ids must be UUIDs")
		}
	}
	if in.Content == "" {
		return apperr.InvalidArg("content is required")
	}
	if in.IdempotencyKey == "" {
		return apperr.InvalidArg("idempotency_key is required")
	}
	switch in.Type {
	case chatgorm.TypeText:
		if in.MediaURL != "" {
			return apperr.InvalidArg("TEXT messages must not carry a media_url")
		}
	case chatgorm.TypeImage, chatgorm.TypeVideo, chatgorm.TypeFile:
		if in.MediaURL == "" {
			return apperr.InvalidArg("media messages require a media_url")
		}
	default:
		return apperr.InvalidArg("unknown message type")
	}
	return nil
}

func dedupe(ids []string, sender string) []string {
	seen := map[string]struct{}{sender: {}}
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

// Message is the API shape of a stored message.
type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	SenderID       string    `json:"sender_id"`
	Content        string    `json:"content"`
	Type           string    `json:"type"`
	MediaURL       string    `json:"media_url,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// MessagesPage is a descending page with a cursor pointing past its oldest
// entry.
type MessagesPage struct {
	Messages   []Message `json:"messages"`
	NextCursor string    `json:"next_cursor,omitempty"`
}

func (s *Service) GetMessages(ctx context.Context, conversationID, before string, limit int) (*MessagesPage, error) {
	if _, ok := ctxkeys.UserID(ctx); !ok {
		return nil, apperr.Unauthenticated("caller identity missing")
	}
	if conversationID == "" {
		return nil, apperr.InvalidArg("conversation_id is required")
	}
	if _, err := uuid.Parse(conversationID); err != nil {
		return nil, apperr.InvalidArg("conversation_id must be a UUID")
	}
	cursor, err := parseCursor(before)
	if err != nil {
		return nil, err
	}

	recs, err := s.repo.GetMessages(ctx, conversationID, cursor, sanitizeLimit(limit))
	if err != nil {
		s.logger.Error("fetch messages failed", "err", err, "conversation_id", conversationID)
		return nil, apperr.Internal("failed to fetch messages", err)
	}

	page := &MessagesPage{Messages: make([]Message, 0, len(recs))}
	for _, m := range recs {
		out := Message{
			ID:             m.ID,
			ConversationID: m.ConversationID,
			SenderID:       m.SenderID,
			Content:        m.Content,
			Type:           m.Type,
			CreatedAt:      m.CreatedAt,
		}
		if m.MediaURL != nil {
			out.MediaURL = *m.MediaURL
		}
		page.Messages = append(page.Messages, out)
	}
	if len(recs) > 0 {
		page.NextCursor = recs[len(recs)-1].CreatedAt.Format(time.RFC3339Nano)
	}
	return page, nil
}

// Conversation is the API shape of a conversation listing row.
type Conversation struct {
	ID                 string     `json:"id"`
	LastMessageContent string     `json:"last_message_content,omitempty"`
	LastMessageAt      *time.Time `json:"last_message_at,omitempty"`
	UnreadCount        int64      `json:"unread_count"`
}

type ConversationsPage struct {
	Conversations []Conversation `json:"conversations"`
	NextCursor    string         `json:"next_cursor,omitempty"`
}

func (s *Service) GetConversations(ctx context.Context, cursor string, limit int) (*ConversationsPage, error) {
	caller, ok := ctxkeys.UserID(ctx)
	if !ok {
		return nil, apperr.Unauthenticated("caller identity missing")
	}
	before, err := parseCursor(cursor)
	if err != nil {
		return nil, err
	}

	items, err := s.repo.GetConversationsForUser(ctx, caller, before, sanitizeLimit(limit))
	if err != nil {
		s.logger.Error("fetch conversations failed", "err", err, "user_id", caller)
		return nil, apperr.Internal("failed to fetch conversations", err)
	}

	page := &ConversationsPage{Conversations: make([]Conversation, 0, len(items))}
	for _, it := range items {
		c := Conversation{ID: it.ID, LastMessageAt: it.LastMessageAt, UnreadCount: it.UnreadCount}
		if it.LastMessageContent != nil {
			c.LastMessageContent = *it.LastMessageContent
		}
		page.Conversations = append(page.Conversations, c)
	}
	if n := len(items); n > 0 && items[n-1].LastMessageAt != nil {
		page.NextCursor = items[n-1].LastMessageAt.Format(time.RFC3339Nano)
	}
	return page, nil
}

func (s *Service) MarkAsRead(ctx context.Context, conversationID string) error {
	caller, ok := ctxkeys.UserID(ctx)
	if !ok {
		return apperr.Unauthenticated("caller identity missing")
	}
	if conversationID == "" {
		return apperr.InvalidArg("conversation_id is required")
	}
	if _, err := uuid.Parse(conversationID); err != nil {
		return apperr.InvalidArg("conversation_id must be a UUID")
	}

	if err := s.repo.MarkAsRead(ctx, conversationID, caller); err != nil {
		if errors.Is(err, chatgorm.ErrNotParticipant) {
			return apperr.NotFound("conversation not found for caller")
		}
		s.logger.Error("mark as read failed", "err", err, "conversation_id", conversationID, "user_id", caller)
		return apperr.Internal("failed to mark conversation as read", err)
	}
	return nil
}

func sanitizeLimit(limit int) int {
	if limit <= 0 {
		return defaultPageLimit
	}
	if limit > maxPageLimit {
		return maxPageLimit
	}
	return limit
}

func parseCursor(value string) (*time.Time, error) {
	if value == "" {
		return nil, nil
	}
	ts, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		if ts, err = time.Parse(time.RFC3339, value); err != nil {
			return nil, apperr.InvalidArg("cursor must be an RFC3339 timestamp")
		}
	}
	return &ts, nil
}
