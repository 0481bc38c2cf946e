package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"pushlink/internal/domain"
)

type completion struct {
	CompletedAt time.Time `json:"completedAt"`
}

// ChunkRepo holds in-flight chunks and the markers of completed messages.
type ChunkRepo struct {
	kv domain.KV
}

func NewChunkRepo(kv domain.KV) *ChunkRepo {
	return &ChunkRepo{kv: kv}
}

var _ domain.ChunkRepository = (*ChunkRepo)(nil)

func (r *ChunkRepo) Add(ctx context.Context, c domain.Chunk, receivedAt time.Time) error {
	id, err := newULID(receivedAt)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(domain.StoredChunk{Chunk: c, ReceivedAt: receivedAt})
	if err != nil {
		return fmt.Errorf("marshal chunk: %w", err)
	}
	return r.kv.Put(ctx, chunksPrefix(c.SenderID, c.FullMessageID)+id, raw)
}

func (r *ChunkRepo) ListForMessage(ctx context.Context, senderID uuid.UUID, fullMessageID uint32) ([]domain.StoredChunk, error) {
	pairs, err := r.kv.ListByPrefix(ctx, chunksPrefix(senderID, fullMessageID))
	if err != nil {
		return nil, fmt.Errorf("list chunks: %w", err)
	}
	res := make([]domain.StoredChunk, 0, len(pairs))
	for _, p := range pairs {
		var sc domain.StoredChunk
		if err := json.Unmarshal(p.Value, &sc); err != nil {
			return nil, fmt.Errorf("decode chunk: %w", err)
		}
		res = append(res, sc)
	}
	return res, nil
}

func (r *ChunkRepo) DeleteForMessage(ctx context.Context, senderID uuid.UUID, fullMessageID uint32) (int, error) {
	pairs, err := r.kv.ListByPrefix(ctx, chunksPrefix(senderID, fullMessageID))
	if err != nil {
		return 0, fmt.Errorf("list chunks: %w", err)
	}
	return len(pairs), r.deleteKeys(ctx, pairs)
}

func (r *ChunkRepo) MarkComplete(ctx context.Context, senderID uuid.UUID, fullMessageID uint32, at time.Time) error {
	raw, err := json.Marshal(completion{CompletedAt: at})
	if err != nil {
		return err
	}
	return r.kv.Put(ctx, doneKey(senderID, fullMessageID), raw)
}

func (r *ChunkRepo) IsComplete(ctx context.Context, senderID uuid.UUID, fullMessageID uint32) (bool, error) {
	_, err := r.kv.Get(ctx, doneKey(senderID, fullMessageID))
	if errors.Is(err, domain.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (r *ChunkRepo) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	chunks, err := r.kv.ListByPrefix(ctx, chunkPrefix)
	if err != nil {
		return 0, fmt.Errorf("list chunks: %w", err)
	}
	var stale []domain.KVPair
	for _, p := range chunks {
		var sc domain.StoredChunk
		if err := json.Unmarshal(p.Value, &sc); err != nil || sc.ReceivedAt.Before(cutoff) {
			stale = append(stale, p)
		}
	}

	markers, err := r.kv.ListByPrefix(ctx, donePrefix)
	if err != nil {
		return 0, fmt.Errorf("list markers: %w", err)
	}
	for _, p := range markers {
		var c completion
		if err := json.Unmarshal(p.Value, &c); err != nil || c.CompletedAt.Before(cutoff) {
			stale = append(stale, p)
		}
	}
	return len(stale), r.deleteKeys(ctx, stale)
}

func (r *ChunkRepo) deleteKeys(ctx context.Context, pairs []domain.KVPair) error {
	if len(pairs) == 0 {
		return nil
	}
	ops := make([]domain.KVOp, len(pairs))
	for i, p := range pairs {
		ops[i] = domain.KVOp{Key: p.Key}
	}
	return r.kv.Batch(ctx, ops)
}
