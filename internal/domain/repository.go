package domain

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// KVPair is one entry returned by ListByPrefix.
type KVPair struct {
	Key   string
	Value []byte
}

// KVOp is a single write inside a Batch. A nil Value deletes Key.
type KVOp struct {
	Key   string
	Value []byte
}

// KV is the persistence primitive every store is built on.
type KV interface {
	// Get returns ErrNotFound for a missing key.
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	// ListByPrefix returns matching entries sorted by key.
	ListByPrefix(ctx context.Context, prefix string) ([]KVPair, error)
	// Batch applies all ops atomically.
	Batch(ctx context.Context, ops []KVOp) error
	Ping(ctx context.Context) error
	Close() error
}

// ConversationRepository defines persistence operations for conversations.
type ConversationRepository interface {
	Get(ctx context.Context, id uuid.UUID) (*Conversation, error)
	Put(ctx context.Context, c *Conversation) error
	List(ctx context.Context) ([]*Conversation, error)
	Delete(ctx context.Context, id uuid.UUID) error
}

// MessageRepository defines persistence operations for messages.
type MessageRepository interface {
	Get(ctx context.Context, conversationID, id uuid.UUID) (*Message, error)
	ListForConversation(ctx context.Context, conversationID uuid.UUID) ([]*Message, error)
	// InsertWithConversation stores m and c in one batch.
	InsertWithConversation(ctx context.Context, m *Message, c *Conversation) error
	// DeleteWithConversation removes m and stores c in one batch.
	DeleteWithConversation(ctx context.Context, m *Message, c *Conversation) error
	DeleteForConversation(ctx context.Context, conversationID uuid.UUID) error
}

// CredentialRepository stores the remote peer's push credentials per conversation.
type CredentialRepository interface {
	Get(ctx context.Context, conversationID uuid.UUID) (*RemoteCredentials, error)
	Put(ctx context.Context, conversationID uuid.UUID, c RemoteCredentials) error
	Delete(ctx context.Context, conversationID uuid.UUID) error
	// FindByEndpoint returns the conversation whose remote uses endpoint.
	FindByEndpoint(ctx context.Context, endpoint string) (uuid.UUID, error)
}

// ChunkRepository stores chunks awaiting reassembly.
type ChunkRepository interface {
	Add(ctx context.Context, c Chunk, receivedAt time.Time) error
	ListForMessage(ctx context.Context, senderID uuid.UUID, fullMessageID uint32) ([]StoredChunk, error)
	DeleteForMessage(ctx context.Context, senderID uuid.UUID, fullMessageID uint32) (int, error)
	MarkComplete(ctx context.Context, senderID uuid.UUID, fullMessageID uint32, at time.Time) error
	IsComplete(ctx context.Context, senderID uuid.UUID, fullMessageID uint32) (bool, error)
	// DeleteOlderThan removes chunks and completion markers older than cutoff.
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int, error)
}

// IdentityRepository stores the local identity.
type IdentityRepository interface {
	Get(ctx context.Context) (*Identity, error)
	Put(ctx context.Context, id *Identity) error
}
