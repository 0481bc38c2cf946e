package domain

import (
	"time"

	"github.com/google/uuid"
)

// EventType names an entry of the activity feed.
type EventType string

const (
	EventConversationUpdated EventType = "conversation.updated"
	EventConversationDeleted EventType = "conversation.deleted"
	EventMessageReceived     EventType = "message.received"
	EventMessageSent         EventType = "message.sent"
	EventMessageDeleted      EventType = "message.deleted"
	EventDeliveryFailed      EventType = "delivery.failed"
	EventQuotaExceeded       EventType = "quota.exceeded"
	EventPayloadDropped      EventType = "payload.dropped"
)

// Event is broadcast to activity feed subscribers.
type Event struct {
	Type           EventType `json:"type"`
	ConversationID uuid.UUID `json:"conversationId,omitempty"`
	Data           any       `json:"data,omitempty"`
	At             time.Time `json:"at"`
}
