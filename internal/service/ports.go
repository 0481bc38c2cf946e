package service

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"pushlink/internal/domain"
)

// ErrDeliveryFailed wraps the last sender error after retries ran out.
var ErrDeliveryFailed = errors.New("delivery failed")

// Outbox delivers a payload to a remote peer.
type Outbox interface {
	Send(ctx context.Context, p domain.Payload, to domain.RemoteCredentials) error
}

// Notifier fans events out to the activity feed.
type Notifier interface {
	Notify(ev domain.Event)
}

// LocalPeer exposes the local identity.
type LocalPeer interface {
	Identity() *domain.Identity
}

// MessageReceiver stores inbound chat messages.
type MessageReceiver interface {
	Receive(ctx context.Context, m domain.ChatMessage) (*domain.Message, error)
}

type nopNotifier struct{}

func (nopNotifier) Notify(domain.Event) {}

func event(t domain.EventType, convID uuid.UUID, data any, now time.Time) domain.Event {
	return domain.Event{Type: t, ConversationID: convID, Data: data, At: now}
}
