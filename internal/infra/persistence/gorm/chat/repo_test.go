package chatgorm

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := AutoMigrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

func sendParams(convID string) CreateMessageParams {
	return CreateMessageParams{
		ConversationID: convID,
		SenderID:       uuid.NewString(),
		ReceiverIDs:    []string{uuid.NewString()},
		Content:        "hi",
		Type:           TypeText,
	}
}

func TestCreateMessageWritesAllRows(t *testing.T) {
	db := newTestDB(t)
	repo := NewRepo(db)
	ctx := context.Background()

	convID := uuid.NewString()
	msg, err := repo.CreateMessage(ctx, sendParams(convID))
	if err != nil {
		t.Fatalf("create message: %v", err)
	}

	var convs, parts, msgs, obs int64
	db.Model(&ConversationRecord{}).Count(&convs)
	db.Model(&ParticipantRecord{}).Count(&parts)
	db.Model(&MessageRecord{}).Count(&msgs)
	db.Model(&OutboxRecord{}).Count(&obs)
	if convs != 1 || parts != 2 || msgs != 1 || obs != 1 {
		t.Fatalf("rows: convs=%d parts=%d msgs=%d outbox=%d", convs, parts, msgs, obs)
	}

	var ob OutboxRecord
	if err := db.First(&ob, "aggregate_id = ?", msg.ID).Error; err != nil {
		t.Fatalf("outbox row for message: %v", err)
	}
	if ob.AggregateType != "MESSAGE" || ob.ProcessedAt != nil || ob.RetryCount != 0 {
		t.Fatalf("unexpected outbox row: %+v", ob)
	}

	var conv ConversationRecord
	if err := db.First(&conv, "id = ?", convID).Error; err != nil {
		t.Fatalf("conversation: %v", err)
	}
	if conv.LastMessageContent == nil || *conv.LastMessageContent != "hi" {
		t.Fatalf("last_message_content = %v", conv.LastMessageContent)
	}
	if conv.LastMessageAt == nil || !conv.LastMessageAt.Equal(msg.CreatedAt) {
		t.Fatalf("last_message_at = %v, want %v", conv.LastMessageAt, msg.CreatedAt)
	}
}

func TestCreateMessageAtomicity(t *testing.T) {
	steps := []string{
		"upsert conversation",
		"attach participants",
		"insert message",
		"update last message",
		"insert outbox",
	}
	for _, failAt := range steps {
		t.Run(failAt, func(t *testing.T) {
			db := newTestDB(t)
			repo := NewRepo(db)
			repo.failStep = func(step string) error {
				if step == failAt {
					return fmt.Errorf("injected failure at %s", step)
				}
				return nil
			}

			_, err := repo.CreateMessage(context.Background(), sendParams(uuid.NewString()))
			if err == nil {
				t.Fatal("expected injected failure")
			}

			// After rollback, nothing may remain.
			for _, model := range []any{
				&ConversationRecord{}, &ParticipantRecord{}, &MessageRecord{}, &OutboxRecord{},
			} {
				var n int64
				if err := db.Model(model).Count(&n).Error; err != nil {
					t.Fatalf("count %T: %v", model, err)
				}
				if n != 0 {
					t.Fatalf("%T rows survived rollback: %d", model, n)
				}
			}
		})
	}
}

func TestCreateMessageKeepsConversationCreatedAt(t *testing.T) {
	db := newTestDB(t)
	repo := NewRepo(db)
	ctx := context.Background()
	convID := uuid.NewString()

	if _, err := repo.CreateMessage(ctx, sendParams(convID)); err != nil {
		t.Fatalf("first send: %v", err)
	}
	var before ConversationRecord
	if err := db.First(&before, "id = ?", convID).Error; err != nil {
		t.Fatalf("conversation: %v", err)
	}

	time.Sleep(2 * time.Millisecond)
	if _, err := repo.CreateMessage(ctx, sendParams(convID)); err != nil {
		t.Fatalf("second send: %v", err)
	}
	var after ConversationRecord
	if err := db.First(&after, "id = ?", convID).Error; err != nil {
		t.Fatalf("conversation: %v", err)
	}
	if !after.CreatedAt.Equal(before.CreatedAt) {
		t.Fatalf("created_at reset by upsert: %v -> %v", before.CreatedAt, after.CreatedAt)
	}
	if after.LastMessageAt.Before(*before.LastMessageAt) {
		t.Fatalf("last_message_at moved backwards: %v -> %v", before.LastMessageAt, after.LastMessageAt)
	}
}

func TestGetMessagesPagination(t *testing.T) {
	db := newTestDB(t)
	repo := NewRepo(db)
	ctx := context.Background()
	convID := uuid.NewString()
	sender := uuid.NewString()

	// Seed with distinct timestamps so the cursor is unambiguous.
	base := time.Now().UTC().Add(-time.Hour)
	for i := 0; i < 10; i++ {
		rec := MessageRecord{
			ID:             uuid.NewString(),
			ConversationID: convID,
			SenderID:       sender,
			Content:        fmt.Sprintf("m%d", i),
			Type:           TypeText,
			CreatedAt:      base.Add(time.Duration(i) * time.Second),
		}
		if err := db.Create(&rec).Error; err != nil {
			t.Fatalf("seed message %d: %v", i, err)
		}
	}

	seen := map[string]bool{}
	var cursor *time.Time
	total := 0
	for {
		page, err := repo.GetMessages(ctx, convID, cursor, 3)
		if err != nil {
			t.Fatalf("get messages: %v", err)
		}
		if len(page) == 0 {
			break
		}
		for i, m := range page {
			if seen[m.ID] {
				t.Fatalf("message %s returned twice", m.ID)
			}
			seen[m.ID] = true
			if i > 0 && page[i-1].CreatedAt.Before(m.CreatedAt) {
				t.Fatal("page not in descending order")
			}
		}
		total += len(page)
		last := page[len(page)-1].CreatedAt
		cursor = &last
	}
	if total != 10 {
		t.Fatalf("paged through %d messages, want 10", total)
	}
}

func TestUnreadAndMarkAsRead(t *testing.T) {
	db := newTestDB(t)
	repo := NewRepo(db)
	ctx := context.Background()

	convID := uuid.NewString()
	p := sendParams(convID)
	receiver := p.ReceiverIDs[0]
	if _, err := repo.CreateMessage(ctx, p); err != nil {
		t.Fatalf("send: %v", err)
	}

	n, err := repo.UnreadCount(ctx, convID, receiver)
	if err != nil {
		t.Fatalf("unread: %v", err)
	}
	if n != 1 {
		t.Fatalf("unread before read = %d, want 1", n)
	}

	if err := repo.MarkAsRead(ctx, convID, receiver); err != nil {
		t.Fatalf("mark as read: %v", err)
	}
	if n, _ = repo.UnreadCount(ctx, convID, receiver); n != 0 {
		t.Fatalf("unread after read = %d, want 0", n)
	}

	// Marking twice is a no-op.
	if err := repo.MarkAsRead(ctx, convID, receiver); err != nil {
		t.Fatalf("second mark as read: %v", err)
	}

	// A newer message makes it 1 again.
	time.Sleep(2 * time.Millisecond)
	p2 := sendParams(convID)
	p2.ReceiverIDs = []string{receiver}
	if _, err := repo.CreateMessage(ctx, p2); err != nil {
		t.Fatalf("second send: %v", err)
	}
	if n, _ = repo.UnreadCount(ctx, convID, receiver); n != 1 {
		t.Fatalf("unread after new message = %d, want 1", n)
	}
}

func TestMarkAsReadUnknownParticipant(t *testing.T) {
	db := newTestDB(t)
	repo := NewRepo(db)
	err := repo.MarkAsRead(context.Background(), uuid.NewString(), uuid.NewString())
	if !errors.Is(err, ErrNotParticipant) {
		t.Fatalf("expected ErrNotParticipant, got %v", err)
	}
}

func TestGetConversationsForUser(t *testing.T) {
	db := newTestDB(t)
	repo := NewRepo(db)
	ctx := context.Background()

	user := uuid.NewString()
	var convIDs []string
	for i := 0; i < 3; i++ {
		convID := uuid.NewString()
		convIDs = append(convIDs, convID)
		p := CreateMessageParams{
			ConversationID: convID,
			SenderID:       uuid.NewString(),
			ReceiverIDs:    []string{user},
			Content:        fmt.Sprintf("c%d", i),
			Type:           TypeText,
		}
		if _, err := repo.CreateMessage(ctx, p); err != nil {
			t.Fatalf("send %d: %v", i, err)
		}
		time.Sleep(2 * time.Millisecond)
	}

	items, err := repo.GetConversationsForUser(ctx, user, nil, 10)
	if err != nil {
		t.Fatalf("get conversations: %v", err)
	}
	if len(items) != 3 {
		t.Fatalf("got %d conversations, want 3", len(items))
	}
	// Most recently active first.
	if items[0].ID != convIDs[2] {
		t.Fatalf("first item = %s, want %s", items[0].ID, convIDs[2])
	}
	for _, it := range items {
		if it.UnreadCount != 1 {
			t.Fatalf("conversation %s unread = %d, want 1", it.ID, it.UnreadCount)
		}
	}

	// Cursor excludes conversations at or after the cursor's activity time.
	cursor := items[0].LastMessageAt
	rest, err := repo.GetConversationsForUser(ctx, user, cursor, 10)
	if err != nil {
		t.Fatalf("get conversations with cursor: %v", err)
	}
	if len(rest) != 2 {
		t.Fatalf("got %d conversations after cursor, want 2", len(rest))
	}
}
