package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"pushlink/internal/domain"
	"pushlink/internal/webpush"
)

// IdentityService owns the local peer identity: its id, VAPID signing key
// and push subscription keys.
type IdentityService struct {
	repo   domain.IdentityRepository
	logger zerolog.Logger

	mu      sync.RWMutex
	current *domain.Identity
	vapid   *webpush.VAPIDKeys
	push    *webpush.SubscriptionKeys
	rotated bool
}

func NewIdentityService(repo domain.IdentityRepository, logger zerolog.Logger) *IdentityService {
	return &IdentityService{
		repo:   repo,
		logger: logger.With().Str("component", "identity").Logger(),
	}
}

var _ LocalPeer = (*IdentityService)(nil)

// PinnedKeys is key material from configuration. Non-nil fields replace the
// stored ones.
type PinnedKeys struct {
	VAPID *webpush.VAPIDKeys
	Push  *webpush.SubscriptionKeys
}

// LoadOrCreate loads the stored identity or creates one. endpoint is where
// other peers push to; a new endpoint or new subscription keys are saved and
// reported by EndpointChanged.
func (s *IdentityService) LoadOrCreate(ctx context.Context, endpoint string, pinned PinnedKeys) (*domain.Identity, error) {
	id, err := s.repo.Get(ctx)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		id, err = newIdentity(endpoint)
		if err != nil {
			return nil, err
		}
		s.logger.Info().Str("peer", id.PeerID.String()).Msg("created new identity")
	case err != nil:
		return nil, fmt.Errorf("load identity: %w", err)
	}

	dirty := id.CreatedAt.IsZero() || id.Endpoint != endpoint
	rotated := id.Endpoint != "" && id.Endpoint != endpoint
	id.Endpoint = endpoint

	if vk := pinned.VAPID; vk != nil && vk.PrivateKeyString() != id.VAPIDPrivate {
		id.VAPIDPrivate = vk.PrivateKeyString()
		id.VAPIDPublic = vk.PublicKeyString()
		dirty = true
	}
	if pk := pinned.Push; pk != nil {
		priv := webpush.EncodeKey(pk.Private.Bytes())
		auth := webpush.EncodeKey(pk.Auth)
		if priv != id.PushPrivate || auth != id.PushAuth {
			id.PushPrivate = priv
			id.PushAuth = auth
			id.PushP256dh = webpush.EncodeKey(pk.Private.PublicKey().Bytes())
			dirty = true
			rotated = rotated || !id.CreatedAt.IsZero()
		}
	}

	vk, err := webpush.ParseVAPIDKeys(id.VAPIDPrivate)
	if err != nil {
		return nil, fmt.Errorf("identity vapid key: %w", err)
	}
	pk, err := webpush.ParseSubscriptionKeys(id.PushPrivate, id.PushAuth)
	if err != nil {
		return nil, fmt.Errorf("identity push key: %w", err)
	}

	if id.CreatedAt.IsZero() {
		id.CreatedAt = time.Now().UTC()
	}
	if dirty {
		if err := s.repo.Put(ctx, id); err != nil {
			return nil, fmt.Errorf("store identity: %w", err)
		}
	}
	if rotated {
		s.logger.Info().Str("endpoint", endpoint).Msg("push endpoint changed")
	}

	s.mu.Lock()
	s.current = id
	s.vapid = vk
	s.push = pk
	s.rotated = rotated
	s.mu.Unlock()
	return id, nil
}

func newIdentity(endpoint string) (*domain.Identity, error) {
	vk, err := webpush.GenerateVAPIDKeys()
	if err != nil {
		return nil, err
	}
	pk, err := webpush.GenerateSubscriptionKeys()
	if err != nil {
		return nil, err
	}
	sub := pk.Subscriber(endpoint)
	return &domain.Identity{
		PeerID:       uuid.New(),
		Endpoint:     endpoint,
		VAPIDPrivate: vk.PrivateKeyString(),
		VAPIDPublic:  vk.PublicKeyString(),
		PushPrivate:  webpush.EncodeKey(pk.Private.Bytes()),
		PushP256dh:   webpush.EncodeKey(sub.P256dh),
		PushAuth:     webpush.EncodeKey(sub.Auth),
	}, nil
}

// Identity returns a copy of the loaded identity, or nil before LoadOrCreate.
func (s *IdentityService) Identity() *domain.Identity {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.current == nil {
		return nil
	}
	cp := *s.current
	return &cp
}

// EndpointChanged reports whether the last load saw a new push endpoint or
// new subscription keys, which remote peers have to be told about.
func (s *IdentityService) EndpointChanged() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.rotated
}

func (s *IdentityService) VAPIDKeys() *webpush.VAPIDKeys {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.vapid
}

func (s *IdentityService) SubscriptionKeys() *webpush.SubscriptionKeys {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.push
}
