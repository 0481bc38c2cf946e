package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"pushlink/internal/domain"
	"pushlink/internal/security"
)

// MessageRepo keeps messages under msg/<conversation>/<ulid> so a prefix
// scan yields them in time order. Payloads are sealed with the storage key.
type MessageRepo struct {
	kv  domain.KV
	enc *security.Encryptor
}

func NewMessageRepo(kv domain.KV, enc *security.Encryptor) *MessageRepo {
	return &MessageRepo{kv: kv, enc: enc}
}

var _ domain.MessageRepository = (*MessageRepo)(nil)

func (r *MessageRepo) Get(ctx context.Context, conversationID, id uuid.UUID) (*domain.Message, error) {
	key, err := r.kv.Get(ctx, messageIndexKey(conversationID, id))
	if err != nil {
		return nil, err
	}
	raw, err := r.kv.Get(ctx, string(key))
	if err != nil {
		return nil, err
	}
	return r.decode(raw)
}

func (r *MessageRepo) ListForConversation(ctx context.Context, conversationID uuid.UUID) ([]*domain.Message, error) {
	pairs, err := r.kv.ListByPrefix(ctx, messagesPrefix(conversationID))
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	res := make([]*domain.Message, 0, len(pairs))
	for _, p := range pairs {
		m, err := r.decode(p.Value)
		if err != nil {
			return nil, err
		}
		res = append(res, m)
	}
	return res, nil
}

func (r *MessageRepo) InsertWithConversation(ctx context.Context, m *domain.Message, c *domain.Conversation) error {
	id, err := newULID(m.Timestamp)
	if err != nil {
		return err
	}
	key := messagesPrefix(m.ConversationID) + id

	sealed, err := r.encode(m)
	if err != nil {
		return err
	}
	conv, err := conversationOp(c)
	if err != nil {
		return err
	}
	return r.kv.Batch(ctx, []domain.KVOp{
		{Key: key, Value: sealed},
		{Key: messageIndexKey(m.ConversationID, m.ID), Value: []byte(key)},
		conv,
	})
}

func (r *MessageRepo) DeleteWithConversation(ctx context.Context, m *domain.Message, c *domain.Conversation) error {
	idx := messageIndexKey(m.ConversationID, m.ID)
	key, err := r.kv.Get(ctx, idx)
	if err != nil {
		return err
	}
	conv, err := conversationOp(c)
	if err != nil {
		return err
	}
	return r.kv.Batch(ctx, []domain.KVOp{
		{Key: string(key)},
		{Key: idx},
		conv,
	})
}

func (r *MessageRepo) DeleteForConversation(ctx context.Context, conversationID uuid.UUID) error {
	var ops []domain.KVOp
	for _, prefix := range []string{
		messagesPrefix(conversationID),
		messageIndexPrefix + conversationID.String() + "/",
	} {
		pairs, err := r.kv.ListByPrefix(ctx, prefix)
		if err != nil {
			return fmt.Errorf("list messages: %w", err)
		}
		for _, p := range pairs {
			ops = append(ops, domain.KVOp{Key: p.Key})
		}
	}
	if len(ops) == 0 {
		return nil
	}
	return r.kv.Batch(ctx, ops)
}

func (r *MessageRepo) encode(m *domain.Message) ([]byte, error) {
	sealed, err := r.enc.EncryptString(m.Payload, m.ID.String())
	if err != nil {
		return nil, fmt.Errorf("seal message: %w", err)
	}
	rec := *m
	rec.Payload = sealed
	raw, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("marshal message: %w", err)
	}
	return raw, nil
}

func (r *MessageRepo) decode(raw []byte) (*domain.Message, error) {
	m := &domain.Message{}
	if err := json.Unmarshal(raw, m); err != nil {
		return nil, fmt.Errorf("decode message: %w", err)
	}
	plain, err := r.enc.DecryptString(m.Payload, m.ID.String())
	if err != nil {
		return nil, fmt.Errorf("open message %s: %w", m.ID, err)
	}
	m.Payload = plain
	return m, nil
}
