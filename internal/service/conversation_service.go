package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"pushlink/internal/domain"
	"pushlink/internal/keylock"
	"pushlink/internal/metrics"
)

// ConversationService runs the per-conversation state machine.
type ConversationService struct {
	conversations domain.ConversationRepository
	credentials   domain.CredentialRepository
	messages      domain.MessageRepository
	local         LocalPeer
	outbox        Outbox
	notifier      Notifier
	receiver      MessageReceiver
	locks         *keylock.Locker
	logger        zerolog.Logger
	now           func() time.Time

	fgMu       sync.RWMutex
	foreground uuid.UUID
}

func NewConversationService(
	conversations domain.ConversationRepository,
	credentials domain.CredentialRepository,
	messages domain.MessageRepository,
	local LocalPeer,
	outbox Outbox,
	notifier Notifier,
	logger zerolog.Logger,
) *ConversationService {
	if notifier == nil {
		notifier = nopNotifier{}
	}
	return &ConversationService{
		conversations: conversations,
		credentials:   credentials,
		messages:      messages,
		local:         local,
		outbox:        outbox,
		notifier:      notifier,
		locks:         keylock.New(),
		logger:        logger.With().Str("component", "conversations").Logger(),
		now:           time.Now,
	}
}

// SetReceiver wires the MessageService that handles inbound MESSAGE payloads.
func (s *ConversationService) SetReceiver(r MessageReceiver) {
	s.receiver = r
}

func (s *ConversationService) lock(id uuid.UUID) func() {
	return s.locks.Lock(id.String())
}

func (s *ConversationService) Get(ctx context.Context, id uuid.UUID) (*domain.Conversation, error) {
	return s.conversations.Get(ctx, id)
}

func (s *ConversationService) List(ctx context.Context) ([]*domain.Conversation, error) {
	return s.conversations.List(ctx)
}

// CreateSession starts a hosted conversation and returns the join link the
// guest needs.
func (s *ConversationService) CreateSession(ctx context.Context) (*domain.Conversation, domain.JoinLink, error) {
	now := s.now().UTC()
	conv := &domain.Conversation{
		ID:             uuid.New(),
		Role:           domain.RoleHost,
		Status:         domain.StatusPending,
		LastActivityAt: now,
		CreatedAt:      now,
	}
	if err := s.conversations.Put(ctx, conv); err != nil {
		return nil, domain.JoinLink{}, fmt.Errorf("create conversation: %w", err)
	}

	s.logger.Info().Str("conversation", conv.ID.String()).Msg("session created")
	s.notifier.Notify(event(domain.EventConversationUpdated, conv.ID, conv, now))
	return conv, domain.JoinLink{
		ConversationID: conv.ID,
		Credentials:    s.local.Identity().Credentials(),
	}, nil
}

// Join consumes a join link on the guest side and sends the handshake. A
// delivery failure is returned wrapped in ErrDeliveryFailed together with
// the stored conversation.
func (s *ConversationService) Join(ctx context.Context, link domain.JoinLink) (*domain.Conversation, error) {
	if link.ConversationID == uuid.Nil {
		return nil, fmt.Errorf("%w: join link without conversation", domain.ErrInvalidInput)
	}
	if err := link.Credentials.Validate(); err != nil {
		return nil, fmt.Errorf("%w: join link credentials", domain.ErrInvalidInput)
	}

	handshake := domain.Handshake{
		ConversationID: link.ConversationID,
		Credentials:    s.local.Identity().Credentials(),
	}
	pending, err := domain.EncodePayload(handshake)
	if err != nil {
		return nil, err
	}

	unlock := s.lock(link.ConversationID)
	now := s.now().UTC()
	conv, err := s.conversations.Get(ctx, link.ConversationID)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		conv = &domain.Conversation{
			ID:        link.ConversationID,
			Role:      domain.RoleGuest,
			Status:    domain.StatusPending,
			CreatedAt: now,
		}
	case err != nil:
		unlock()
		return nil, err
	case conv.Status == domain.StatusClosed:
		unlock()
		return nil, domain.ErrConversationClosed
	}

	remote := link.Credentials.PeerID
	conv.RemotePeerID = &remote
	conv.LastActivityAt = now
	conv.PendingOutbound = pending

	if err := s.credentials.Put(ctx, conv.ID, link.Credentials); err != nil {
		unlock()
		return nil, fmt.Errorf("store credentials: %w", err)
	}
	if err := s.conversations.Put(ctx, conv); err != nil {
		unlock()
		return nil, fmt.Errorf("store conversation: %w", err)
	}
	unlock()

	s.logger.Info().Str("conversation", conv.ID.String()).Msg("joined session, sending handshake")
	s.notifier.Notify(event(domain.EventConversationUpdated, conv.ID, conv, now))

	sendErr := s.deliver(ctx, conv.ID, handshake)
	if latest, err := s.conversations.Get(ctx, conv.ID); err == nil {
		conv = latest
	}
	return conv, sendErr
}

// Dispatch applies a reconstructed payload from sender.
func (s *ConversationService) Dispatch(ctx context.Context, sender uuid.UUID, p domain.Payload) error {
	if p.Peer() != sender {
		s.logger.Warn().
			Str("sender", sender.String()).
			Str("peer", p.Peer().String()).
			Str("type", string(p.Type())).
			Msg("payload peer does not match sender, dropped")
		return nil
	}

	switch v := p.(type) {
	case domain.Handshake:
		return s.handleHandshake(ctx, v)
	case domain.HandshakeAck:
		return s.handleAck(ctx, v)
	case domain.ChatMessage:
		return s.handleMessage(ctx, v)
	case domain.CredentialsUpdate:
		return s.handleCredentialsUpdate(ctx, v)
	case domain.Chunk:
		return fmt.Errorf("%w: chunk reached the dispatcher", domain.ErrMalformedPayload)
	default:
		return fmt.Errorf("%w: %s", domain.ErrUnknownPayload, p.Type())
	}
}

func (s *ConversationService) handleHandshake(ctx context.Context, h domain.Handshake) error {
	id := h.ConversationID
	if _, err := s.conversations.Get(ctx, id); errors.Is(err, domain.ErrNotFound) {
		if known, err := s.credentials.FindByEndpoint(ctx, h.Credentials.Endpoint); err == nil {
			id = known
		}
	}

	unlock := s.lock(id)
	now := s.now().UTC()
	conv, err := s.conversations.Get(ctx, id)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		s.logger.Warn().Str("conversation", id.String()).Msg("handshake for unknown conversation, re-deriving")
		conv = &domain.Conversation{
			ID:        id,
			Role:      domain.RoleHost,
			Status:    domain.StatusPending,
			CreatedAt: now,
		}
	case err != nil:
		unlock()
		return err
	case conv.Status == domain.StatusClosed:
		unlock()
		s.logger.Info().Str("conversation", id.String()).Msg("handshake for closed conversation ignored")
		return nil
	default:
		rebind, err := s.mayRebind(ctx, conv, h.Credentials)
		if err != nil {
			unlock()
			return err
		}
		if !rebind {
			unlock()
			s.logger.Warn().
				Str("conversation", id.String()).
				Str("peer", h.Credentials.PeerID.String()).
				Msg("handshake from a different peer ignored")
			return nil
		}
	}

	remote := h.Credentials.PeerID
	conv.RemotePeerID = &remote
	conv.Established = true
	conv.FailedAttempts = 0
	conv.LastActivityAt = now
	conv.PendingOutbound = nil
	s.transition(conv, domain.StatusActive)

	if err := s.credentials.Put(ctx, conv.ID, h.Credentials); err != nil {
		unlock()
		return fmt.Errorf("store credentials: %w", err)
	}
	if err := s.conversations.Put(ctx, conv); err != nil {
		unlock()
		return fmt.Errorf("store conversation: %w", err)
	}
	unlock()

	s.notifier.Notify(event(domain.EventConversationUpdated, conv.ID, conv, now))

	ack := domain.HandshakeAck{ConversationID: conv.ID, PeerID: s.local.Identity().PeerID}
	if err := s.deliver(ctx, conv.ID, ack); err != nil {
		s.logger.Warn().Err(err).Str("conversation", conv.ID.String()).Msg("handshake ack not delivered")
	}
	return nil
}

func (s *ConversationService) handleAck(ctx context.Context, a domain.HandshakeAck) error {
	unlock := s.lock(a.ConversationID)
	defer unlock()

	conv, ok, err := s.loadLive(ctx, a.ConversationID, a.Type())
	if !ok {
		return err
	}

	if !boundTo(conv, a.PeerID) {
		s.logger.Warn().Str("conversation", conv.ID.String()).Msg("handshake ack from a different peer ignored")
		return nil
	}

	remote := a.PeerID
	conv.RemotePeerID = &remote
	conv.FailedAttempts = 0
	conv.LastActivityAt = s.now().UTC()
	if !conv.Established {
		conv.PendingOutbound = nil
	}
	conv.Established = true
	if conv.Status == domain.StatusPending || conv.Status == domain.StatusUnavailable {
		s.transition(conv, domain.StatusActive)
	}
	if err := s.conversations.Put(ctx, conv); err != nil {
		return err
	}
	s.notifier.Notify(event(domain.EventConversationUpdated, conv.ID, conv, conv.LastActivityAt))
	return nil
}

func (s *ConversationService) handleMessage(ctx context.Context, m domain.ChatMessage) error {
	if s.receiver == nil {
		return errors.New("no message receiver configured")
	}
	_, err := s.receiver.Receive(ctx, m)
	switch {
	case errors.Is(err, domain.ErrNotFound), errors.Is(err, domain.ErrConversationClosed), errors.Is(err, domain.ErrForeignPeer):
		s.logger.Info().Err(err).Str("conversation", m.ConversationID.String()).Msg("message ignored")
		return nil
	case errors.Is(err, domain.ErrQuotaExceeded):
		s.logger.Warn().Str("conversation", m.ConversationID.String()).Msg("inbound message over quota, dropped")
		s.notifier.Notify(event(domain.EventQuotaExceeded, m.ConversationID, map[string]string{"direction": "inbound"}, s.now().UTC()))
		return nil
	}
	return err
}

func (s *ConversationService) handleCredentialsUpdate(ctx context.Context, u domain.CredentialsUpdate) error {
	unlock := s.lock(u.ConversationID)
	defer unlock()

	conv, ok, err := s.loadLive(ctx, u.ConversationID, u.Type())
	if !ok {
		return err
	}
	if !boundTo(conv, u.Credentials.PeerID) {
		s.logger.Warn().Str("conversation", conv.ID.String()).Msg("credentials update from a different peer ignored")
		return nil
	}
	if err := s.credentials.Put(ctx, conv.ID, u.Credentials); err != nil {
		return fmt.Errorf("store credentials: %w", err)
	}
	s.logger.Info().Str("conversation", conv.ID.String()).Msg("remote credentials updated")
	s.notifier.Notify(event(domain.EventConversationUpdated, conv.ID, conv, s.now().UTC()))
	return nil
}

// boundTo reports whether peer may speak for conv. A conversation without a
// remote yet accepts anyone.
func boundTo(conv *domain.Conversation, peer uuid.UUID) bool {
	return conv.RemotePeerID == nil || *conv.RemotePeerID == peer
}

// mayRebind decides whether a handshake carrying creds may (re)bind conv.
// Pending conversations accept any peer; established ones only their own
// peer or a handshake from the endpoint already on file.
func (s *ConversationService) mayRebind(ctx context.Context, conv *domain.Conversation, creds domain.RemoteCredentials) (bool, error) {
	if conv.Status == domain.StatusPending || boundTo(conv, creds.PeerID) {
		return true, nil
	}
	stored, err := s.credentials.Get(ctx, conv.ID)
	if errors.Is(err, domain.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return stored.Endpoint == creds.Endpoint, nil
}

// loadLive fetches a conversation for an inbound payload. ok is false when
// the payload must be ignored; err is set only for storage failures.
func (s *ConversationService) loadLive(ctx context.Context, id uuid.UUID, t domain.PayloadType) (*domain.Conversation, bool, error) {
	conv, err := s.conversations.Get(ctx, id)
	if errors.Is(err, domain.ErrNotFound) {
		s.logger.Info().Str("conversation", id.String()).Str("type", string(t)).Msg("payload for unknown conversation ignored")
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	if conv.Status == domain.StatusClosed {
		s.logger.Info().Str("conversation", id.String()).Str("type", string(t)).Msg("payload for closed conversation ignored")
		return nil, false, nil
	}
	return conv, true, nil
}

// RecordFailure counts one exhausted delivery; the third consecutive one
// marks the conversation unavailable.
func (s *ConversationService) RecordFailure(ctx context.Context, id uuid.UUID) (*domain.Conversation, error) {
	unlock := s.lock(id)
	defer unlock()

	conv, err := s.conversations.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if conv.Status == domain.StatusClosed {
		return conv, nil
	}
	conv.FailedAttempts++
	if conv.FailedAttempts >= domain.MaxFailedAttempts && conv.Status != domain.StatusUnavailable {
		s.transition(conv, domain.StatusUnavailable)
	}
	if err := s.conversations.Put(ctx, conv); err != nil {
		return nil, err
	}
	s.notifier.Notify(event(domain.EventDeliveryFailed, conv.ID, map[string]uint32{"failedAttempts": conv.FailedAttempts}, s.now().UTC()))
	return conv, nil
}

// RecordSuccess resets the failure counter and brings an unavailable
// conversation back to active, or back to pending when its handshake never
// completed.
func (s *ConversationService) RecordSuccess(ctx context.Context, id uuid.UUID) (*domain.Conversation, error) {
	unlock := s.lock(id)
	defer unlock()

	conv, err := s.conversations.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if conv.Status == domain.StatusClosed {
		return conv, nil
	}
	changed := conv.FailedAttempts != 0 || conv.Status == domain.StatusUnavailable
	conv.FailedAttempts = 0
	if conv.Established {
		conv.PendingOutbound = nil
	}
	if conv.Status == domain.StatusUnavailable {
		if conv.Established {
			s.transition(conv, domain.StatusActive)
		} else {
			s.transition(conv, domain.StatusPending)
		}
	}
	if err := s.conversations.Put(ctx, conv); err != nil {
		return nil, err
	}
	if changed {
		s.notifier.Notify(event(domain.EventConversationUpdated, conv.ID, conv, s.now().UTC()))
	}
	return conv, nil
}

// Retry resets the failure counter and re-sends the pending payload, or the
// handshake (guest) or ack (host) when nothing is pending.
func (s *ConversationService) Retry(ctx context.Context, id uuid.UUID) (*domain.Conversation, error) {
	unlock := s.lock(id)
	conv, err := s.conversations.Get(ctx, id)
	if err != nil {
		unlock()
		return nil, err
	}
	if conv.Status == domain.StatusClosed {
		unlock()
		return nil, domain.ErrConversationClosed
	}
	conv.FailedAttempts = 0
	if err := s.conversations.Put(ctx, conv); err != nil {
		unlock()
		return nil, err
	}
	unlock()

	p, err := s.retryPayload(conv)
	if err != nil {
		return nil, err
	}
	s.logger.Info().Str("conversation", id.String()).Str("type", string(p.Type())).Msg("retrying delivery")

	sendErr := s.deliver(ctx, id, p)
	if latest, err := s.conversations.Get(ctx, id); err == nil {
		conv = latest
	}
	return conv, sendErr
}

func (s *ConversationService) retryPayload(conv *domain.Conversation) (domain.Payload, error) {
	if len(conv.PendingOutbound) > 0 {
		p, err := domain.DecodePayload(conv.PendingOutbound)
		if err == nil {
			return p, nil
		}
		s.logger.Warn().Err(err).Str("conversation", conv.ID.String()).Msg("pending payload unreadable")
	}
	self := s.local.Identity()
	if conv.Role == domain.RoleGuest {
		return domain.Handshake{ConversationID: conv.ID, Credentials: self.Credentials()}, nil
	}
	return domain.HandshakeAck{ConversationID: conv.ID, PeerID: self.PeerID}, nil
}

// Close ends the conversation. History is kept, the remote credentials are
// forgotten and no further payloads are accepted.
func (s *ConversationService) Close(ctx context.Context, id uuid.UUID) (*domain.Conversation, error) {
	unlock := s.lock(id)
	defer unlock()

	conv, err := s.conversations.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if conv.Status == domain.StatusClosed {
		return conv, nil
	}
	s.transition(conv, domain.StatusClosed)
	conv.PendingOutbound = nil
	if err := s.credentials.Delete(ctx, id); err != nil {
		return nil, fmt.Errorf("delete credentials: %w", err)
	}
	if err := s.conversations.Put(ctx, conv); err != nil {
		return nil, err
	}
	s.notifier.Notify(event(domain.EventConversationUpdated, conv.ID, conv, s.now().UTC()))
	return conv, nil
}

// Delete removes the conversation with its messages and credentials.
func (s *ConversationService) Delete(ctx context.Context, id uuid.UUID) error {
	unlock := s.lock(id)
	defer unlock()

	if _, err := s.conversations.Get(ctx, id); err != nil {
		return err
	}
	if err := s.messages.DeleteForConversation(ctx, id); err != nil {
		return fmt.Errorf("delete messages: %w", err)
	}
	if err := s.credentials.Delete(ctx, id); err != nil {
		return fmt.Errorf("delete credentials: %w", err)
	}
	if err := s.conversations.Delete(ctx, id); err != nil {
		return fmt.Errorf("delete conversation: %w", err)
	}

	s.fgMu.Lock()
	if s.foreground == id {
		s.foreground = uuid.Nil
	}
	s.fgMu.Unlock()

	s.logger.Info().Str("conversation", id.String()).Msg("conversation deleted")
	s.notifier.Notify(event(domain.EventConversationDeleted, id, nil, s.now().UTC()))
	return nil
}

// SetForeground marks id as the conversation on screen and clears its
// unread count. uuid.Nil clears the foreground.
func (s *ConversationService) SetForeground(ctx context.Context, id uuid.UUID) (*domain.Conversation, error) {
	if id == uuid.Nil {
		s.fgMu.Lock()
		s.foreground = uuid.Nil
		s.fgMu.Unlock()
		return nil, nil
	}

	unlock := s.lock(id)
	defer unlock()

	conv, err := s.conversations.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	s.fgMu.Lock()
	s.foreground = id
	s.fgMu.Unlock()

	if conv.UnreadCount != 0 {
		conv.UnreadCount = 0
		if err := s.conversations.Put(ctx, conv); err != nil {
			return nil, err
		}
		s.notifier.Notify(event(domain.EventConversationUpdated, conv.ID, conv, s.now().UTC()))
	}
	return conv, nil
}

func (s *ConversationService) IsForeground(id uuid.UUID) bool {
	s.fgMu.RLock()
	defer s.fgMu.RUnlock()
	return s.foreground == id
}

// AnnounceCredentials tells every live conversation about the local push
// credentials, after the endpoint changed.
func (s *ConversationService) AnnounceCredentials(ctx context.Context) error {
	convs, err := s.conversations.List(ctx)
	if err != nil {
		return err
	}
	creds := s.local.Identity().Credentials()

	var errs []error
	for _, c := range convs {
		if c.Status == domain.StatusClosed || c.RemotePeerID == nil {
			continue
		}
		update := domain.CredentialsUpdate{ConversationID: c.ID, Credentials: creds}
		if err := s.deliver(ctx, c.ID, update); err != nil {
			errs = append(errs, fmt.Errorf("conversation %s: %w", c.ID, err))
		}
	}
	return errors.Join(errs...)
}

// deliver sends p to the conversation's remote and records the outcome.
func (s *ConversationService) deliver(ctx context.Context, id uuid.UUID, p domain.Payload) error {
	creds, err := s.credentials.Get(ctx, id)
	if err != nil {
		return fmt.Errorf("remote credentials for %s: %w", id, err)
	}

	if err := s.outbox.Send(ctx, p, *creds); err != nil {
		s.logger.Warn().
			Err(err).
			Str("conversation", id.String()).
			Str("type", string(p.Type())).
			Msg("delivery failed")
		if _, rerr := s.RecordFailure(ctx, id); rerr != nil {
			s.logger.Error().Err(rerr).Str("conversation", id.String()).Msg("record failure")
		}
		return fmt.Errorf("%w: %w", ErrDeliveryFailed, err)
	}

	if _, err := s.RecordSuccess(ctx, id); err != nil {
		s.logger.Error().Err(err).Str("conversation", id.String()).Msg("record success")
	}
	return nil
}

func (s *ConversationService) transition(conv *domain.Conversation, to domain.Status) {
	if conv.Status == to {
		return
	}
	from := conv.Status
	conv.Status = to
	metrics.StatusTransitions.WithLabelValues(string(from), string(to)).Inc()
	s.logger.Info().
		Str("conversation", conv.ID.String()).
		Str("from", string(from)).
		Str("to", string(to)).
		Msg("conversation status changed")
}

// pendingPayload encodes p for Conversation.PendingOutbound.
func pendingPayload(p domain.Payload) (json.RawMessage, error) {
	raw, err := domain.EncodePayload(p)
	if err != nil {
		return nil, err
	}
	return raw, nil
}
