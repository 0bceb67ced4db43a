package domain

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type OutboxMessage struct {
	ID          uuid.UUID
	MessageType string
	Payload     []byte
	Sent        bool
	CreatedAt   time.Time
	SentAt      *time.Time
	Attempts    int
	LastError   *string
	LastErrorAt *time.Time
	LockedUntil *time.Time
}

// NewOutboxMessage serializes event as the payload of a new unsent row.
// The row id doubles as the bus message id, so a republished row is
// recognised by the consumer's inbox.
func NewOutboxMessage(messageType string, event any, at time.Time) (*OutboxMessage, error) {
	payload, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("marshal %s: %w", messageType, err)
	}
	return &OutboxMessage{
		ID:          uuid.New(),
		MessageType: messageType,
		Payload:     payload,
		CreatedAt:   at,
	}, nil
}

type InboxMessage struct {
	ID          uuid.UUID
	MessageID   string
	MessageType string
	Payload     []byte
	Processed   bool
	ReceivedAt  time.Time
	ProcessedAt *time.Time
}
