package event

import (
	"encoding/json"
	"fmt"
	"time"
)

// Aggregate types stored on outbox rows. Each aggregate type has exactly one
// payload shape so downstream consumers can match exhaustively.
const (
	AggregateMessage = "MESSAGE"
)

const TypeMessageCreated = "message.created"

// MessageCreated is the outbox payload for a committed message. It carries
// everything a consumer needs to act without re-querying the store.
type MessageCreated struct {
	EventType      string    `json:"event_type"`
	MessageID      string    `json:"message_id"`
	ConversationID string    `json:"conversation_id"`
	SenderID       string    `json:"sender_id"`
	ReceiverIDs    []string  `json:"receiver_ids"`
	Content        string    `json:"content"`
	Type           string    `json:"type"`
	MediaURL       string    `json:"media_url,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// Envelope is the wire frame published to the event channel.
type Envelope struct {
	EventID       string          `json:"event_id"`
	AggregateType string          `json:"aggregate_type"`
	AggregateID   string          `json:"aggregate_id"`
	Payload       json.RawMessage `json:"payload"`
	CreatedAt     int64           `json:"created_at"`
}

// DecodeMessageCreated parses an envelope payload. The aggregate type gates
// the payload shape.
func DecodeMessageCreated(env Envelope) (*MessageCreated, error) {
	if env.AggregateType != AggregateMessage {
		return nil, fmt.Errorf("unexpected aggregate type %q", env.AggregateType)
	}
	var mc MessageCreated
	if err := json.Unmarshal(env.Payload, &mc); err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", AggregateMessage, err)
	}
	return &mc, nil
}
