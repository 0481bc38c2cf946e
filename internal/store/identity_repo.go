package store

import (
	"context"
	"encoding/json"
	"fmt"

	"pushlink/internal/domain"
	"pushlink/internal/security"
)

// IdentityRepo stores the local identity sealed with the storage key; it
// holds both private keys.
type IdentityRepo struct {
	kv  domain.KV
	enc *security.Encryptor
}

func NewIdentityRepo(kv domain.KV, enc *security.Encryptor) *IdentityRepo {
	return &IdentityRepo{kv: kv, enc: enc}
}

var _ domain.IdentityRepository = (*IdentityRepo)(nil)

func (r *IdentityRepo) Get(ctx context.Context) (*domain.Identity, error) {
	sealed, err := r.kv.Get(ctx, identityKey)
	if err != nil {
		return nil, err
	}
	raw, err := r.enc.Open(sealed, []byte(identityKey))
	if err != nil {
		return nil, fmt.Errorf("open identity: %w", err)
	}
	id := &domain.Identity{}
	if err := json.Unmarshal(raw, id); err != nil {
		return nil, fmt.Errorf("decode identity: %w", err)
	}
	return id, nil
}

func (r *IdentityRepo) Put(ctx context.Context, id *domain.Identity) error {
	raw, err := json.Marshal(id)
	if err != nil {
		return fmt.Errorf("marshal identity: %w", err)
	}
	sealed, err := r.enc.Seal(raw, []byte(identityKey))
	if err != nil {
		return fmt.Errorf("seal identity: %w", err)
	}
	return r.kv.Put(ctx, identityKey, sealed)
}
