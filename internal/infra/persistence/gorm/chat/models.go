package chatgorm

import (
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Message types. Non-TEXT messages must carry a media URL.
const (
	TypeText  = "TEXT"
	TypeImage = "IMAGE"
	TypeVideo = "VIDEO"
	TypeFile  = "FILE"
)

// ConversationRecord carries denormalized last-message fields for cheap
// listing. last_message_at never moves backwards.
type ConversationRecord struct {
	ID                 string `gorm:"type:uuid;primaryKey"`
	CreatedAt          time.Time
	LastMessageContent *string    `gorm:"type:text"`
	LastMessageAt      *time.Time `gorm:"index"`
}

func (ConversationRecord) TableName() string { return "conversations" }

// ParticipantRecord is keyed by (conversation, user). last_read_at only
// moves forward; it starts at the epoch so everything counts as unread.
type ParticipantRecord struct {
	ConversationID string `gorm:"type:uuid;primaryKey"`
	UserID         string `gorm:"type:uuid;primaryKey;index"`
	JoinedAt       time.Time
	LastReadAt     time.Time `gorm:"not null"`
}

func (ParticipantRecord) TableName() string { return "participants" }

// MessageRecord is immutable once created; there is no update or delete path.
type MessageRecord struct {
	ID             string  `gorm:"type:uuid;primaryKey"`
	ConversationID string  `gorm:"type:uuid;not null;index:idx_messages_conv_created,priority:1"`
	SenderID       string  `gorm:"type:uuid;not null"`
	Content        string  `gorm:"type:text;not null"`
	Type           string  `gorm:"size:16;not null"`
	MediaURL       *string `gorm:"size:512"`
	CreatedAt      time.Time `gorm:"index:idx_messages_conv_created,priority:2"`
}

func (MessageRecord) TableName() string { return "messages" }

// OutboxRecord exists iff the write describing it committed. processed_at
// NULL means pending.
type OutboxRecord struct {
	ID            string         `gorm:"type:uuid;primaryKey"`
	AggregateType string         `gorm:"size:32;not null"`
	AggregateID   string         `gorm:"type:uuid;not null;index"`
	Payload       datatypes.JSON `gorm:"not null"`
	CreatedAt     time.Time      `gorm:"index"`
	ProcessedAt   *time.Time     `gorm:"index"`
	RetryCount    int            `gorm:"not null;default:0"`
	LastRetryAt   *time.Time
}

func (OutboxRecord) TableName() string { return "outbox" }

// DeadLetterRecord is a copy of an outbox row whose retry budget ran out.
// Rows here are never updated, only inspected or replayed.
type DeadLetterRecord struct {
	ID                string         `gorm:"type:uuid;primaryKey"`
	AggregateType     string         `gorm:"size:32;not null"`
	AggregateID       string         `gorm:"type:uuid;not null;index"`
	Payload           datatypes.JSON `gorm:"not null"`
	ErrorMessage      string         `gorm:"type:text"`
	RetryCount        int            `gorm:"not null"`
	OriginalCreatedAt time.Time
	MovedToDLQAt      time.Time
}

func (DeadLetterRecord) TableName() string { return "dead_letter" }

func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&ConversationRecord{},
		&ParticipantRecord{},
		&MessageRecord{},
		&OutboxRecord{},
		&DeadLetterRecord{},
	)
}
