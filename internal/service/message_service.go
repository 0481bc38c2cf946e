package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"pushlink/internal/domain"
	"pushlink/internal/metrics"
)

const (
	DefaultContentType = "text/plain"
	previewRunes       = 80
)

// MessageService stores messages and keeps the conversation's storage
// accounting in step with them.
type MessageService struct {
	conversations domain.ConversationRepository
	messages      domain.MessageRepository
	convs         *ConversationService
	notifier      Notifier
	logger        zerolog.Logger
	now           func() time.Time

	quota int64
}

func NewMessageService(
	conversations domain.ConversationRepository,
	messages domain.MessageRepository,
	convs *ConversationService,
	notifier Notifier,
	quota int64,
	logger zerolog.Logger,
) *MessageService {
	if notifier == nil {
		notifier = nopNotifier{}
	}
	if quota <= 0 {
		quota = domain.DefaultStorageQuota
	}
	return &MessageService{
		conversations: conversations,
		messages:      messages,
		convs:         convs,
		notifier:      notifier,
		logger:        logger.With().Str("component", "messages").Logger(),
		now:           time.Now,
		quota:         quota,
	}
}

var _ MessageReceiver = (*MessageService)(nil)

// Send stores a message and pushes it to the remote. The stored message is
// returned even when delivery fails; the error then wraps ErrDeliveryFailed.
func (s *MessageService) Send(ctx context.Context, convID uuid.UUID, content, contentType string) (*domain.Message, error) {
	if contentType == "" {
		contentType = DefaultContentType
	}

	unlock := s.convs.lock(convID)
	conv, err := s.conversations.Get(ctx, convID)
	if err != nil {
		unlock()
		return nil, err
	}
	switch conv.Status {
	case domain.StatusClosed:
		unlock()
		return nil, domain.ErrConversationClosed
	case domain.StatusPending:
		unlock()
		return nil, domain.ErrNotActive
	}
	if !conv.Established {
		unlock()
		return nil, domain.ErrNotActive
	}

	now := s.now().UTC()
	msg := &domain.Message{
		ID:             uuid.New(),
		ConversationID: convID,
		From:           s.convs.local.Identity().PeerID,
		Timestamp:      now,
		SizeBytes:      int64(len(content)),
		ContentType:    contentType,
		Payload:        content,
	}
	if err := s.checkQuota(conv, msg.SizeBytes, "outbound"); err != nil {
		unlock()
		return nil, err
	}

	chat := domain.ChatMessage{
		ConversationID: convID,
		MessageID:      msg.ID,
		From:           msg.From,
		Content:        content,
		ContentType:    contentType,
		Timestamp:      now.UnixMilli(),
	}
	pending, err := pendingPayload(chat)
	if err != nil {
		unlock()
		return nil, err
	}

	conv.StorageBytesUsed += msg.SizeBytes
	conv.LastActivityAt = now
	conv.Preview = preview(content, contentType)
	conv.PendingOutbound = pending
	if err := s.messages.InsertWithConversation(ctx, msg, conv); err != nil {
		unlock()
		return nil, fmt.Errorf("store message: %w", err)
	}
	unlock()

	s.notifier.Notify(event(domain.EventMessageSent, convID, msg, now))
	return msg, s.convs.deliver(ctx, convID, chat)
}

// Receive stores an inbound message. Messages already stored are ignored.
func (s *MessageService) Receive(ctx context.Context, m domain.ChatMessage) (*domain.Message, error) {
	unlock := s.convs.lock(m.ConversationID)
	defer unlock()

	conv, err := s.conversations.Get(ctx, m.ConversationID)
	if err != nil {
		return nil, err
	}
	if conv.Status == domain.StatusClosed {
		return nil, domain.ErrConversationClosed
	}
	if conv.RemotePeerID == nil || *conv.RemotePeerID != m.From {
		return nil, domain.ErrForeignPeer
	}
	if existing, err := s.messages.Get(ctx, conv.ID, m.MessageID); err == nil {
		return existing, nil
	} else if !errors.Is(err, domain.ErrNotFound) {
		return nil, err
	}

	now := s.now().UTC()
	ts := now
	if m.Timestamp > 0 {
		ts = time.UnixMilli(m.Timestamp).UTC()
	}
	msg := &domain.Message{
		ID:             m.MessageID,
		ConversationID: conv.ID,
		From:           m.From,
		Timestamp:      ts,
		SizeBytes:      int64(len(m.Content)),
		ContentType:    m.ContentType,
		Payload:        m.Content,
	}
	if err := s.checkQuota(conv, msg.SizeBytes, "inbound"); err != nil {
		return nil, err
	}

	conv.StorageBytesUsed += msg.SizeBytes
	conv.LastActivityAt = now
	conv.Preview = preview(m.Content, m.ContentType)
	if !s.convs.IsForeground(conv.ID) {
		conv.UnreadCount++
	}
	if err := s.messages.InsertWithConversation(ctx, msg, conv); err != nil {
		return nil, fmt.Errorf("store message: %w", err)
	}

	s.logger.Debug().
		Str("conversation", conv.ID.String()).
		Int64("size", msg.SizeBytes).
		Msg("message received")
	s.notifier.Notify(event(domain.EventMessageReceived, conv.ID, msg, now))
	return msg, nil
}

// Delete removes one message and releases its bytes from the quota.
func (s *MessageService) Delete(ctx context.Context, convID, msgID uuid.UUID) error {
	unlock := s.convs.lock(convID)
	defer unlock()

	conv, err := s.conversations.Get(ctx, convID)
	if err != nil {
		return err
	}
	msg, err := s.messages.Get(ctx, convID, msgID)
	if err != nil {
		return err
	}
	conv.StorageBytesUsed = max(0, conv.StorageBytesUsed-msg.SizeBytes)
	if err := s.messages.DeleteWithConversation(ctx, msg, conv); err != nil {
		return fmt.Errorf("delete message: %w", err)
	}
	s.notifier.Notify(event(domain.EventMessageDeleted, convID, map[string]string{"messageId": msgID.String()}, s.now().UTC()))
	return nil
}

func (s *MessageService) List(ctx context.Context, convID uuid.UUID) ([]*domain.Message, error) {
	if _, err := s.conversations.Get(ctx, convID); err != nil {
		return nil, err
	}
	return s.messages.ListForConversation(ctx, convID)
}

func (s *MessageService) checkQuota(conv *domain.Conversation, size int64, direction string) error {
	if conv.StorageBytesUsed+size <= s.quota {
		return nil
	}
	metrics.QuotaRejections.WithLabelValues(direction).Inc()
	s.logger.Warn().
		Str("conversation", conv.ID.String()).
		Int64("used", conv.StorageBytesUsed).
		Int64("size", size).
		Int64("quota", s.quota).
		Msg("storage quota exceeded")
	return domain.ErrQuotaExceeded
}

func preview(content, contentType string) string {
	if !strings.HasPrefix(contentType, "text/") {
		return "[" + contentType + "]"
	}
	content = strings.TrimSpace(content)
	if utf8.RuneCountInString(content) <= previewRunes {
		return content
	}
	return string([]rune(content)[:previewRunes]) + "…"
}
