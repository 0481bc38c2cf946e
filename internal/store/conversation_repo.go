package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/google/uuid"

	"pushlink/internal/domain"
)

type ConversationRepo struct {
	kv domain.KV
}

func NewConversationRepo(kv domain.KV) *ConversationRepo {
	return &ConversationRepo{kv: kv}
}

var _ domain.ConversationRepository = (*ConversationRepo)(nil)

func (r *ConversationRepo) Get(ctx context.Context, id uuid.UUID) (*domain.Conversation, error) {
	raw, err := r.kv.Get(ctx, conversationKey(id))
	if err != nil {
		return nil, err
	}
	return decodeConversation(raw)
}

func (r *ConversationRepo) Put(ctx context.Context, c *domain.Conversation) error {
	op, err := conversationOp(c)
	if err != nil {
		return err
	}
	return r.kv.Put(ctx, op.Key, op.Value)
}

// List returns every conversation, most recently active first.
func (r *ConversationRepo) List(ctx context.Context) ([]*domain.Conversation, error) {
	pairs, err := r.kv.ListByPrefix(ctx, conversationPrefix)
	if err != nil {
		return nil, err
	}
	res := make([]*domain.Conversation, 0, len(pairs))
	for _, p := range pairs {
		c, err := decodeConversation(p.Value)
		if err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	sort.SliceStable(res, func(i, j int) bool {
		return res[i].LastActivityAt.After(res[j].LastActivityAt)
	})
	return res, nil
}

func (r *ConversationRepo) Delete(ctx context.Context, id uuid.UUID) error {
	return r.kv.Delete(ctx, conversationKey(id))
}

func conversationOp(c *domain.Conversation) (domain.KVOp, error) {
	raw, err := json.Marshal(c)
	if err != nil {
		return domain.KVOp{}, fmt.Errorf("marshal conversation: %w", err)
	}
	return domain.KVOp{Key: conversationKey(c.ID), Value: raw}, nil
}

func decodeConversation(raw []byte) (*domain.Conversation, error) {
	c := &domain.Conversation{}
	if err := json.Unmarshal(raw, c); err != nil {
		return nil, fmt.Errorf("decode conversation: %w", err)
	}
	return c, nil
}
