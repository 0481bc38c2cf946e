package service

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"pushlink/internal/domain"
)

func TestSendStoresAndDelivers(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 0)
	conv, creds := f.activeHost(t)

	f.outbox.On("Send", mock.Anything, mock.MatchedBy(func(p domain.Payload) bool {
		m, ok := p.(domain.ChatMessage)
		return ok && m.Content == "hi there" && m.ContentType == DefaultContentType && m.From == f.identity.Identity().PeerID
	}), creds).Return(nil).Once()

	msg, err := f.msgs.Send(ctx, conv.ID, "hi there", "")
	require.NoError(t, err)
	assert.Equal(t, int64(8), msg.SizeBytes)

	got, err := f.convRepo.Get(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(8), got.StorageBytesUsed)
	assert.Equal(t, "hi there", got.Preview)
	assert.Zero(t, got.UnreadCount)
	assert.Contains(t, f.feed.types(), domain.EventMessageSent)
	f.outbox.AssertExpectations(t)
}

func TestSendRequiresHandshake(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 0)
	conv, _, err := f.convs.CreateSession(ctx)
	require.NoError(t, err)

	_, err = f.msgs.Send(ctx, conv.ID, "too early", "")
	assert.ErrorIs(t, err, domain.ErrNotActive)

	_, err = f.msgs.Send(ctx, uuid.New(), "nobody", "")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestQuotaRejectsWithoutMutation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 10)
	conv, creds := f.activeHost(t)
	f.outbox.On("Send", mock.Anything, ofType(domain.TypeMessage), creds).Return(nil).Once()

	first, err := f.msgs.Send(ctx, conv.ID, "123456", "")
	require.NoError(t, err)

	_, err = f.msgs.Send(ctx, conv.ID, "abcdef", "")
	require.ErrorIs(t, err, domain.ErrQuotaExceeded)

	err = f.convs.Dispatch(ctx, creds.PeerID, domain.ChatMessage{
		ConversationID: conv.ID,
		MessageID:      uuid.New(),
		From:           creds.PeerID,
		Content:        "inbound!",
		ContentType:    "text/plain",
	})
	require.NoError(t, err)
	assert.Contains(t, f.feed.types(), domain.EventQuotaExceeded)

	got, err := f.convRepo.Get(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(6), got.StorageBytesUsed)
	msgs, err := f.msgs.List(ctx, conv.ID)
	require.NoError(t, err)
	assert.Len(t, msgs, 1)

	require.NoError(t, f.msgs.Delete(ctx, conv.ID, first.ID))
	got, err = f.convRepo.Get(ctx, conv.ID)
	require.NoError(t, err)
	assert.Zero(t, got.StorageBytesUsed)

	assert.ErrorIs(t, f.msgs.Delete(ctx, conv.ID, first.ID), domain.ErrNotFound)
	f.outbox.AssertExpectations(t)
}

func TestStorageMatchesStoredMessages(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 0)
	conv, creds := f.activeHost(t)
	f.outbox.On("Send", mock.Anything, ofType(domain.TypeMessage), creds).Return(nil)

	var ids []uuid.UUID
	for _, text := range []string{"a", "bb", "ccc", "dddd"} {
		m, err := f.msgs.Send(ctx, conv.ID, text, "")
		require.NoError(t, err)
		ids = append(ids, m.ID)
	}
	require.NoError(t, f.convs.Dispatch(ctx, creds.PeerID, domain.ChatMessage{
		ConversationID: conv.ID, MessageID: uuid.New(), From: creds.PeerID, Content: "eeeee", ContentType: "text/plain",
	}))
	require.NoError(t, f.msgs.Delete(ctx, conv.ID, ids[1]))
	require.NoError(t, f.msgs.Delete(ctx, conv.ID, ids[3]))

	msgs, err := f.msgs.List(ctx, conv.ID)
	require.NoError(t, err)
	var sum int64
	for _, m := range msgs {
		sum += m.SizeBytes
	}
	got, err := f.convRepo.Get(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, sum, got.StorageBytesUsed)
	assert.Equal(t, int64(1+3+5), sum)
}

func TestReceiveIsIdempotent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 0)
	conv, creds := f.activeHost(t)

	m := domain.ChatMessage{
		ConversationID: conv.ID,
		MessageID:      uuid.New(),
		From:           creds.PeerID,
		Content:        "once",
		ContentType:    "text/plain",
		Timestamp:      time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC).UnixMilli(),
	}
	for range 2 {
		require.NoError(t, f.convs.Dispatch(ctx, creds.PeerID, m))
	}

	msgs, err := f.msgs.List(ctx, conv.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "once", msgs[0].Payload)
	assert.Equal(t, 2026, msgs[0].Timestamp.Year())

	got, err := f.convRepo.Get(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.UnreadCount)
	assert.Equal(t, int64(4), got.StorageBytesUsed)
}

func TestReceiveForUnknownConversationIgnored(t *testing.T) {
	f := newFixture(t, 0)
	peer := uuid.New()
	err := f.convs.Dispatch(context.Background(), peer, domain.ChatMessage{
		ConversationID: uuid.New(), MessageID: uuid.New(), From: peer, Content: "?", ContentType: "text/plain",
	})
	assert.NoError(t, err)
}

func TestReceiveRejectsUnboundSender(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 0)
	conv, _ := f.activeHost(t)

	_, err := f.msgs.Receive(ctx, domain.ChatMessage{
		ConversationID: conv.ID,
		MessageID:      uuid.New(),
		From:           uuid.New(),
		Content:        "who?",
		ContentType:    "text/plain",
	})
	assert.ErrorIs(t, err, domain.ErrForeignPeer)

	pending, _, err := f.convs.CreateSession(ctx)
	require.NoError(t, err)
	_, err = f.msgs.Receive(ctx, domain.ChatMessage{
		ConversationID: pending.ID,
		MessageID:      uuid.New(),
		From:           uuid.New(),
		Content:        "early",
		ContentType:    "text/plain",
	})
	assert.ErrorIs(t, err, domain.ErrForeignPeer)
}

func TestPreview(t *testing.T) {
	assert.Equal(t, "hello", preview("  hello \n", "text/plain"))
	assert.Equal(t, "[image/png]", preview("iVBOR...", "image/png"))

	long := preview(strings.Repeat("ж", 200), "text/markdown")
	assert.Equal(t, previewRunes+1, len([]rune(long)))
	assert.True(t, strings.HasSuffix(long, "…"))
}
