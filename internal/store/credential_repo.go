package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"pushlink/internal/domain"
)

type CredentialRepo struct {
	kv domain.KV
}

func NewCredentialRepo(kv domain.KV) *CredentialRepo {
	return &CredentialRepo{kv: kv}
}

var _ domain.CredentialRepository = (*CredentialRepo)(nil)

func (r *CredentialRepo) Get(ctx context.Context, conversationID uuid.UUID) (*domain.RemoteCredentials, error) {
	raw, err := r.kv.Get(ctx, credentialKey(conversationID))
	if err != nil {
		return nil, err
	}
	c := &domain.RemoteCredentials{}
	if err := json.Unmarshal(raw, c); err != nil {
		return nil, fmt.Errorf("decode credentials: %w", err)
	}
	return c, nil
}

func (r *CredentialRepo) Put(ctx context.Context, conversationID uuid.UUID, c domain.RemoteCredentials) error {
	raw, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal credentials: %w", err)
	}
	return r.kv.Put(ctx, credentialKey(conversationID), raw)
}

func (r *CredentialRepo) Delete(ctx context.Context, conversationID uuid.UUID) error {
	return r.kv.Delete(ctx, credentialKey(conversationID))
}

func (r *CredentialRepo) FindByEndpoint(ctx context.Context, endpoint string) (uuid.UUID, error) {
	pairs, err := r.kv.ListByPrefix(ctx, credentialPrefix)
	if err != nil {
		return uuid.Nil, err
	}
	for _, p := range pairs {
		var c domain.RemoteCredentials
		if err := json.Unmarshal(p.Value, &c); err != nil {
			continue
		}
		if c.Endpoint == endpoint {
			return uuid.Parse(strings.TrimPrefix(p.Key, credentialPrefix))
		}
	}
	return uuid.Nil, domain.ErrNotFound
}
