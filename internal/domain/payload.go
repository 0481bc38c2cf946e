package domain

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// PayloadType is the wire discriminant carried in the "type" field.
type PayloadType string

const (
	TypeHandshake         PayloadType = "GUEST_TO_HOST_HANDSHAKE"
	TypeHandshakeAck      PayloadType = "HANDSHAKE_ACK"
	TypeMessage           PayloadType = "MESSAGE"
	TypeCredentialsUpdate PayloadType = "CREDENTIALS_UPDATE"
	TypeChunk             PayloadType = "chunk"
)

// MaxChunksPerMessage bounds Chunk.Total.
const MaxChunksPerMessage = 4096

// Payload is one of Handshake, HandshakeAck, ChatMessage, CredentialsUpdate
// or Chunk.
type Payload interface {
	Type() PayloadType
	// Peer is the id of the peer that produced the payload.
	Peer() uuid.UUID
	Validate() error
	payload()
}

// Handshake is sent by a guest after consuming a join link.
type Handshake struct {
	ConversationID uuid.UUID         `json:"conversationId"`
	Credentials    RemoteCredentials `json:"credentials"`
}

// HandshakeAck is the host's reply to a Handshake.
type HandshakeAck struct {
	ConversationID uuid.UUID `json:"conversationId"`
	PeerID         uuid.UUID `json:"peerId"`
}

// ChatMessage carries application content.
type ChatMessage struct {
	ConversationID uuid.UUID `json:"conversationId"`
	MessageID      uuid.UUID `json:"messageId"`
	From           uuid.UUID `json:"from"`
	Content        string    `json:"content"`
	ContentType    string    `json:"contentType"`
	Timestamp      int64     `json:"timestamp"`
}

// CredentialsUpdate announces rotated push credentials.
type CredentialsUpdate struct {
	ConversationID uuid.UUID         `json:"conversationId"`
	Credentials    RemoteCredentials `json:"credentials"`
}

// Chunk is one slice of an oversized payload.
type Chunk struct {
	SenderID       uuid.UUID `json:"senderId"`
	ChunkMessageID uint32    `json:"chunkMessageId"`
	FullMessageID  uint32    `json:"fullMessageId"`
	Index          uint32    `json:"index"`
	Total          uint32    `json:"total"`
	Data           string    `json:"data"` // raw slice of the encoded payload
}

func (Handshake) Type() PayloadType         { return TypeHandshake }
func (HandshakeAck) Type() PayloadType      { return TypeHandshakeAck }
func (ChatMessage) Type() PayloadType       { return TypeMessage }
func (CredentialsUpdate) Type() PayloadType { return TypeCredentialsUpdate }
func (Chunk) Type() PayloadType             { return TypeChunk }

func (p Handshake) Peer() uuid.UUID         { return p.Credentials.PeerID }
func (p HandshakeAck) Peer() uuid.UUID      { return p.PeerID }
func (p ChatMessage) Peer() uuid.UUID       { return p.From }
func (p CredentialsUpdate) Peer() uuid.UUID { return p.Credentials.PeerID }
func (p Chunk) Peer() uuid.UUID             { return p.SenderID }

func (Handshake) payload()         {}
func (HandshakeAck) payload()      {}
func (ChatMessage) payload()       {}
func (CredentialsUpdate) payload() {}
func (Chunk) payload()             {}

func (p Handshake) Validate() error {
	if p.ConversationID == uuid.Nil {
		return fmt.Errorf("%w: handshake without conversation", ErrMalformedPayload)
	}
	return p.Credentials.Validate()
}

func (p HandshakeAck) Validate() error {
	if p.ConversationID == uuid.Nil || p.PeerID == uuid.Nil {
		return fmt.Errorf("%w: ack without ids", ErrMalformedPayload)
	}
	return nil
}

func (p ChatMessage) Validate() error {
	if p.ConversationID == uuid.Nil || p.MessageID == uuid.Nil || p.From == uuid.Nil {
		return fmt.Errorf("%w: message without ids", ErrMalformedPayload)
	}
	if p.ContentType == "" {
		return fmt.Errorf("%w: message without content type", ErrMalformedPayload)
	}
	return nil
}

func (p CredentialsUpdate) Validate() error {
	if p.ConversationID == uuid.Nil {
		return fmt.Errorf("%w: credentials update without conversation", ErrMalformedPayload)
	}
	return p.Credentials.Validate()
}

func (p Chunk) Validate() error {
	switch {
	case p.SenderID == uuid.Nil:
		return fmt.Errorf("%w: chunk without sender", ErrMalformedPayload)
	case p.Total == 0 || p.Total > MaxChunksPerMessage:
		return fmt.Errorf("%w: chunk total %d", ErrMalformedPayload, p.Total)
	case p.Index >= p.Total:
		return fmt.Errorf("%w: chunk index %d of %d", ErrMalformedPayload, p.Index, p.Total)
	}
	return nil
}

// EncodePayload marshals p with its "type" discriminant.
func EncodePayload(p Payload) ([]byte, error) {
	body, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("marshal %s: %w", p.Type(), err)
	}
	head := fmt.Sprintf(`{"type":%q`, p.Type())
	if bytes.Equal(body, []byte("{}")) {
		return []byte(head + "}"), nil
	}
	return append([]byte(head+","), body[1:]...), nil
}

// DecodePayload parses and validates a tagged payload.
func DecodePayload(data []byte) (Payload, error) {
	var head struct {
		Type PayloadType `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}

	var (
		p   Payload
		err error
	)
	switch head.Type {
	case TypeHandshake:
		p, err = decodeAs[Handshake](data)
	case TypeHandshakeAck:
		p, err = decodeAs[HandshakeAck](data)
	case TypeMessage:
		p, err = decodeAs[ChatMessage](data)
	case TypeCredentialsUpdate:
		p, err = decodeAs[CredentialsUpdate](data)
	case TypeChunk:
		p, err = decodeAs[Chunk](data)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownPayload, head.Type)
	}
	if err != nil {
		return nil, err
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

func decodeAs[T Payload](data []byte) (Payload, error) {
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	return v, nil
}
