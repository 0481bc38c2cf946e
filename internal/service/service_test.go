package service

import (
	"context"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"pushlink/internal/domain"
	"pushlink/internal/security"
	"pushlink/internal/store"
	"pushlink/internal/store/memory"
)

const testEndpoint = "https://me.example/push"

type MockOutbox struct {
	mock.Mock
}

func (m *MockOutbox) Send(ctx context.Context, p domain.Payload, to domain.RemoteCredentials) error {
	args := m.Called(ctx, p, to)
	return args.Error(0)
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []domain.Event
}

func (n *recordingNotifier) Notify(ev domain.Event) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, ev)
}

func (n *recordingNotifier) types() []domain.EventType {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]domain.EventType, len(n.events))
	for i, e := range n.events {
		out[i] = e.Type
	}
	return out
}

type fixture struct {
	kv       *memory.KV
	convRepo *store.ConversationRepo
	credRepo *store.CredentialRepo
	msgRepo  *store.MessageRepo
	identity *IdentityService
	outbox   *MockOutbox
	feed     *recordingNotifier
	convs    *ConversationService
	msgs     *MessageService
}

func newFixture(t *testing.T, quota int64) *fixture {
	t.Helper()
	ctx := context.Background()

	enc, err := security.NewEncryptor([]byte("service test key"))
	require.NoError(t, err)

	f := &fixture{
		kv:     memory.NewKV(),
		outbox: new(MockOutbox),
		feed:   &recordingNotifier{},
	}
	f.convRepo = store.NewConversationRepo(f.kv)
	f.credRepo = store.NewCredentialRepo(f.kv)
	f.msgRepo = store.NewMessageRepo(f.kv, enc)
	f.identity = NewIdentityService(store.NewIdentityRepo(f.kv, enc), zerolog.Nop())
	_, err = f.identity.LoadOrCreate(ctx, testEndpoint, PinnedKeys{})
	require.NoError(t, err)

	f.convs = NewConversationService(f.convRepo, f.credRepo, f.msgRepo, f.identity, f.outbox, f.feed, zerolog.Nop())
	f.msgs = NewMessageService(f.convRepo, f.msgRepo, f.convs, f.feed, quota, zerolog.Nop())
	f.convs.SetReceiver(f.msgs)
	return f
}

func remoteCreds() domain.RemoteCredentials {
	return domain.RemoteCredentials{
		PeerID:   uuid.New(),
		Endpoint: "https://push.example/" + uuid.NewString(),
		P256dh:   "remote-p256dh",
		Auth:     "remote-auth",
	}
}

func ofType(t domain.PayloadType) any {
	return mock.MatchedBy(func(p domain.Payload) bool { return p.Type() == t })
}

// activeHost creates a hosted conversation and completes the handshake.
func (f *fixture) activeHost(t *testing.T) (*domain.Conversation, domain.RemoteCredentials) {
	t.Helper()
	ctx := context.Background()
	conv, _, err := f.convs.CreateSession(ctx)
	require.NoError(t, err)

	creds := remoteCreds()
	f.outbox.On("Send", mock.Anything, ofType(domain.TypeHandshakeAck), creds).Return(nil).Once()
	require.NoError(t, f.convs.Dispatch(ctx, creds.PeerID, domain.Handshake{ConversationID: conv.ID, Credentials: creds}))

	conv, err = f.convRepo.Get(ctx, conv.ID)
	require.NoError(t, err)
	require.Equal(t, domain.StatusActive, conv.Status)
	return conv, creds
}
