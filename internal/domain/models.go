package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Role is the side a peer plays in a conversation.
type Role string

const (
	RoleHost  Role = "HOST"
	RoleGuest Role = "GUEST"
)

// Status is the delivery state of a conversation.
type Status string

const (
	StatusPending     Status = "PENDING"
	StatusActive      Status = "ACTIVE"
	StatusUnavailable Status = "UNAVAILABLE"
	StatusClosed      Status = "CLOSED"
)

const (
	// MaxFailedAttempts consecutive delivery failures mark a conversation unavailable.
	MaxFailedAttempts = 3
	// DefaultStorageQuota is the per-conversation storage limit.
	DefaultStorageQuota int64 = 500 << 20
)

// Conversation is a logical session between two peers.
// Established stays false until a handshake or its ack has been received.
type Conversation struct {
	ID               uuid.UUID       `json:"id"`
	Role             Role            `json:"role"`
	Status           Status          `json:"status"`
	RemotePeerID     *uuid.UUID      `json:"remotePeerId,omitempty"`
	LastActivityAt   time.Time       `json:"lastActivityAt"`
	Preview          string          `json:"preview,omitempty"`
	UnreadCount      int             `json:"unreadCount"`
	FailedAttempts   uint32          `json:"failedAttempts"`
	Established      bool            `json:"established"`
	StorageBytesUsed int64           `json:"storageBytesUsed"`
	PendingOutbound  json.RawMessage `json:"pendingOutbound,omitempty"`
	CreatedAt        time.Time       `json:"createdAt"`
}

// Message is one stored chat message.
type Message struct {
	ID             uuid.UUID `json:"id"`
	ConversationID uuid.UUID `json:"conversationId"`
	From           uuid.UUID `json:"from"`
	Timestamp      time.Time `json:"timestamp"`
	SizeBytes      int64     `json:"sizeBytes"`
	ContentType    string    `json:"contentType"`
	Payload        string    `json:"payload"`
}

// RemoteCredentials is what one peer needs to push to another.
type RemoteCredentials struct {
	PeerID   uuid.UUID `json:"peerId"`
	Endpoint string    `json:"endpoint"`
	P256dh   string    `json:"p256dh"`
	Auth     string    `json:"auth"`
}

func (c RemoteCredentials) Validate() error {
	if c.PeerID == uuid.Nil || c.Endpoint == "" || c.P256dh == "" || c.Auth == "" {
		return ErrMalformedPayload
	}
	return nil
}

// Identity is the local peer: its id, VAPID signing key and the private half
// of its own push subscription.
type Identity struct {
	PeerID       uuid.UUID `json:"peerId"`
	Endpoint     string    `json:"endpoint"`
	VAPIDPrivate string    `json:"vapidPrivate"`
	VAPIDPublic  string    `json:"vapidPublic"`
	PushPrivate  string    `json:"pushPrivate"`
	PushP256dh   string    `json:"pushP256dh"`
	PushAuth     string    `json:"pushAuth"`
	CreatedAt    time.Time `json:"createdAt"`
}

// Credentials returns the public credentials other peers push to.
func (i *Identity) Credentials() RemoteCredentials {
	return RemoteCredentials{
		PeerID:   i.PeerID,
		Endpoint: i.Endpoint,
		P256dh:   i.PushP256dh,
		Auth:     i.PushAuth,
	}
}

// StoredChunk is a chunk as persisted by the reassembler.
type StoredChunk struct {
	Chunk      Chunk     `json:"chunk"`
	ReceivedAt time.Time `json:"receivedAt"`
}
