package service

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"pushlink/internal/domain"
	"pushlink/internal/webpush"
)

type MockAcceptor struct {
	mock.Mock
}

func (m *MockAcceptor) Accept(ctx context.Context, c domain.Chunk) error {
	return m.Called(ctx, c).Error(0)
}

type MockDispatcher struct {
	mock.Mock
}

func (m *MockDispatcher) Dispatch(ctx context.Context, sender uuid.UUID, p domain.Payload) error {
	return m.Called(ctx, sender, p).Error(0)
}

func encryptTo(t *testing.T, keys *webpush.SubscriptionKeys, plain []byte) []byte {
	t.Helper()
	msg, err := webpush.Encrypt(keys.Subscriber(testEndpoint), plain, webpush.Options{})
	require.NoError(t, err)
	return msg.Body
}

func TestHandlePushRoutes(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 0)
	keys := f.identity.SubscriptionKeys()

	acceptor := new(MockAcceptor)
	dispatcher := new(MockDispatcher)
	in := NewInboundService(f.identity, acceptor, dispatcher, f.feed, zerolog.Nop())

	sender := uuid.New()
	chunk := domain.Chunk{SenderID: sender, FullMessageID: 9, Index: 0, Total: 1, Data: "{}"}
	raw, err := domain.EncodePayload(chunk)
	require.NoError(t, err)
	acceptor.On("Accept", mock.Anything, chunk).Return(nil).Once()
	require.NoError(t, in.HandlePush(ctx, encryptTo(t, keys, raw)))

	ack := domain.HandshakeAck{ConversationID: uuid.New(), PeerID: sender}
	raw, err = domain.EncodePayload(ack)
	require.NoError(t, err)
	dispatcher.On("Dispatch", mock.Anything, sender, ack).Return(nil).Once()
	require.NoError(t, in.HandlePush(ctx, encryptTo(t, keys, raw)))

	acceptor.AssertExpectations(t)
	dispatcher.AssertExpectations(t)
}

func TestHandlePushRejectsAndDrops(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 0)
	in := NewInboundService(f.identity, new(MockAcceptor), new(MockDispatcher), f.feed, zerolog.Nop())

	err := in.HandlePush(ctx, []byte("not a push body"))
	assert.ErrorIs(t, err, domain.ErrInvalidInput)

	other, err := webpush.GenerateSubscriptionKeys()
	require.NoError(t, err)
	err = in.HandlePush(ctx, encryptTo(t, other, []byte(`{"type":"HANDSHAKE_ACK"}`)))
	assert.ErrorIs(t, err, domain.ErrInvalidInput)

	require.NoError(t, in.HandlePush(ctx, encryptTo(t, f.identity.SubscriptionKeys(), []byte(`{"type":"SOMETHING"}`))))
	assert.Contains(t, f.feed.types(), domain.EventPayloadDropped)
}

func TestFeedReporter(t *testing.T) {
	feed := &recordingNotifier{}
	NewFeedReporter(feed).ReportMalformed(context.Background(), uuid.New(), "json")
	require.Len(t, feed.events, 1)
	assert.Equal(t, domain.EventPayloadDropped, feed.events[0].Type)
}
