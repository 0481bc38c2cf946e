package service

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"pushlink/internal/domain"
	"pushlink/internal/webpush"
)

// ChunkAcceptor is satisfied by chunk.Reassembler.
type ChunkAcceptor interface {
	Accept(ctx context.Context, c domain.Chunk) error
}

// Dispatcher is satisfied by ConversationService.
type Dispatcher interface {
	Dispatch(ctx context.Context, sender uuid.UUID, p domain.Payload) error
}

// SubscriptionKeySource yields the keys inbound pushes are encrypted to.
type SubscriptionKeySource interface {
	SubscriptionKeys() *webpush.SubscriptionKeys
}

// InboundService handles one decrypted-on-arrival push delivery.
type InboundService struct {
	keys       SubscriptionKeySource
	chunks     ChunkAcceptor
	dispatcher Dispatcher
	notifier   Notifier
	logger     zerolog.Logger
}

func NewInboundService(keys SubscriptionKeySource, chunks ChunkAcceptor, dispatcher Dispatcher, notifier Notifier, logger zerolog.Logger) *InboundService {
	if notifier == nil {
		notifier = nopNotifier{}
	}
	return &InboundService{
		keys:       keys,
		chunks:     chunks,
		dispatcher: dispatcher,
		notifier:   notifier,
		logger:     logger.With().Str("component", "inbound").Logger(),
	}
}

// HandlePush decrypts body and routes the payload. Bodies that do not
// decrypt are an error; payloads of unknown shape are dropped.
func (s *InboundService) HandlePush(ctx context.Context, body []byte) error {
	plain, err := webpush.Decrypt(s.keys.SubscriptionKeys(), body)
	if err != nil {
		return fmt.Errorf("%w: %w", domain.ErrInvalidInput, err)
	}

	p, err := domain.DecodePayload(plain)
	if err != nil {
		s.logger.Warn().Err(err).Int("size", len(plain)).Msg("unrecognized push payload dropped")
		s.notifier.Notify(domain.Event{
			Type: domain.EventPayloadDropped,
			Data: map[string]string{"reason": err.Error()},
			At:   time.Now().UTC(),
		})
		return nil
	}

	if c, ok := p.(domain.Chunk); ok {
		return s.chunks.Accept(ctx, c)
	}
	return s.dispatcher.Dispatch(ctx, p.Peer(), p)
}

// FeedReporter publishes dropped reassembled payloads to the activity feed.
type FeedReporter struct {
	notifier Notifier
}

func NewFeedReporter(notifier Notifier) *FeedReporter {
	if notifier == nil {
		notifier = nopNotifier{}
	}
	return &FeedReporter{notifier: notifier}
}

func (r *FeedReporter) ReportMalformed(_ context.Context, sender uuid.UUID, reason string) {
	r.notifier.Notify(domain.Event{
		Type: domain.EventPayloadDropped,
		Data: map[string]string{"sender": sender.String(), "reason": reason},
		At:   time.Now().UTC(),
	})
}
