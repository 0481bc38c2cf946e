// Package app assembles the peer process from its parts.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"pushlink/internal/chunk"
	"pushlink/internal/config"
	"pushlink/internal/delivery"
	"pushlink/internal/domain"
	"pushlink/internal/httpserver"
	"pushlink/internal/security"
	"pushlink/internal/service"
	"pushlink/internal/store"
	"pushlink/internal/webpush"
	"pushlink/internal/ws"
)

// PushPath is where a peer receives pushes, relative to its public URL.
const PushPath = "/push"

// Peer is a wired peer: services, the HTTP handler and the chunk sweeper.
type Peer struct {
	Identity      *service.IdentityService
	Conversations *service.ConversationService
	Messages      *service.MessageService
	Inbound       *service.InboundService
	Settings      *delivery.SettingsStore
	Hub           *ws.Hub
	Tokens        *security.TokenService
	Sweeper       *chunk.Sweeper
	Handler       http.Handler

	kv     domain.KV
	logger zerolog.Logger
}

// NewPeer loads or creates the local identity in kv and wires everything
// around it. client carries outgoing pushes.
func NewPeer(ctx context.Context, cfg *config.Config, kv domain.KV, client *http.Client, logger zerolog.Logger) (*Peer, error) {
	enc, err := security.NewEncryptor([]byte(cfg.StorageKey))
	if err != nil {
		return nil, fmt.Errorf("storage key: %w", err)
	}

	convRepo := store.NewConversationRepo(kv)
	credRepo := store.NewCredentialRepo(kv)
	msgRepo := store.NewMessageRepo(kv, enc)
	chunkRepo := store.NewChunkRepo(kv)

	vapid, err := configuredVAPID(cfg)
	if err != nil {
		return nil, err
	}
	push, err := configuredPush(cfg)
	if err != nil {
		return nil, err
	}
	identity := service.NewIdentityService(store.NewIdentityRepo(kv, enc), logger)
	id, err := identity.LoadOrCreate(ctx, cfg.PublicURL+PushPath, service.PinnedKeys{VAPID: vapid, Push: push})
	if err != nil {
		return nil, err
	}
	signer, err := webpush.NewVAPIDSigner(identity.VAPIDKeys(), cfg.VAPIDSubject)
	if err != nil {
		return nil, fmt.Errorf("vapid signer: %w", err)
	}

	initial := delivery.Settings{UseRelay: cfg.UseRelay, RelayURL: cfg.RelayURL}
	if err := initial.Validate(); err != nil {
		return nil, err
	}
	settings := delivery.NewSettingsStore(initial)
	sender := delivery.NewSender(client, settings, logger)
	chunker := chunk.NewChunker(id.PeerID, signer, sender, chunk.ChunkerConfig{
		Concurrency: cfg.ChunkConcurrency,
		JitterMax:   cfg.ChunkJitter,
		TTL:         cfg.PushTTL,
	}, logger)

	hub := ws.NewHub(logger)
	convs := service.NewConversationService(convRepo, credRepo, msgRepo, identity, service.NewPushOutbox(chunker), hub, logger)
	msgs := service.NewMessageService(convRepo, msgRepo, convs, hub, cfg.StorageQuotaBytes, logger)
	convs.SetReceiver(msgs)

	reassembler := chunk.NewReassembler(chunkRepo, convs, service.NewFeedReporter(hub), logger)
	inbound := service.NewInboundService(identity, reassembler, convs, hub, logger)
	tokens := security.NewTokenService(cfg.APISecret, cfg.APITokenTTL)

	p := &Peer{
		Identity:      identity,
		Conversations: convs,
		Messages:      msgs,
		Inbound:       inbound,
		Settings:      settings,
		Hub:           hub,
		Tokens:        tokens,
		Sweeper:       chunk.NewSweeper(chunkRepo, cfg.ChunkTTL, cfg.SweepInterval, logger),
		kv:            kv,
		logger:        logger,
	}
	p.Handler = httpserver.NewPeerRouter(httpserver.PeerDeps{
		Conversations: convs,
		Messages:      msgs,
		Inbound:       inbound,
		Identity:      identity,
		Settings:      settings,
		Hub:           hub,
		Tokens:        tokens,
		PublicURL:     cfg.PublicURL,
		CORSOrigins:   cfg.CORSOrigins,
		Health:        kv.Ping,
	}, logger)

	logger.Info().
		Str("peer", id.PeerID.String()).
		Str("endpoint", id.Endpoint).
		Str("vapid_public_key", id.VAPIDPublic).
		Msg("peer ready")
	return p, nil
}

func configuredVAPID(cfg *config.Config) (*webpush.VAPIDKeys, error) {
	if cfg.VAPIDPrivateKey == "" {
		return nil, nil
	}
	keys, err := webpush.ParseVAPIDKeys(cfg.VAPIDPrivateKey)
	if err != nil {
		return nil, fmt.Errorf("VAPID_PRIVATE_KEY: %w", err)
	}
	if cfg.VAPIDPublicKey != "" && keys.PublicKeyString() != cfg.VAPIDPublicKey {
		return nil, errors.New("VAPID_PUBLIC_KEY does not match VAPID_PRIVATE_KEY")
	}
	return keys, nil
}

func configuredPush(cfg *config.Config) (*webpush.SubscriptionKeys, error) {
	if cfg.PushPrivateKey == "" {
		return nil, nil
	}
	keys, err := webpush.ParseSubscriptionKeys(cfg.PushPrivateKey, cfg.PushAuth)
	if err != nil {
		return nil, fmt.Errorf("PUSH_PRIVATE_KEY/PUSH_AUTH: %w", err)
	}
	if cfg.PushP256dh != "" && webpush.EncodeKey(keys.Private.PublicKey().Bytes()) != cfg.PushP256dh {
		return nil, errors.New("PUSH_P256DH does not match PUSH_PRIVATE_KEY")
	}
	return keys, nil
}

// Start runs background work until ctx is done: the chunk sweeper, and a
// credentials announcement when the push endpoint moved since last start.
func (p *Peer) Start(ctx context.Context) error {
	if p.Identity.EndpointChanged() {
		go func() {
			actx, cancel := context.WithTimeout(ctx, time.Minute)
			defer cancel()
			if err := p.Conversations.AnnounceCredentials(actx); err != nil {
				p.logger.Warn().Err(err).Msg("credentials announcement incomplete")
			}
		}()
	}
	return p.Sweeper.Run(ctx)
}

func (p *Peer) Close() error {
	return p.kv.Close()
}
