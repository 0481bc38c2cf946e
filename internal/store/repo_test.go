package store

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pushlink/internal/domain"
	"pushlink/internal/security"
	"pushlink/internal/store/memory"
)

func newEncryptor(t *testing.T) *security.Encryptor {
	t.Helper()
	enc, err := security.NewEncryptor([]byte("test storage key"))
	require.NoError(t, err)
	return enc
}

func TestConversationRepoListsByActivity(t *testing.T) {
	ctx := context.Background()
	repo := NewConversationRepo(memory.NewKV())
	now := time.Now().UTC()

	older := &domain.Conversation{ID: uuid.New(), Role: domain.RoleHost, Status: domain.StatusActive, LastActivityAt: now.Add(-time.Hour)}
	newer := &domain.Conversation{ID: uuid.New(), Role: domain.RoleGuest, Status: domain.StatusPending, LastActivityAt: now}
	require.NoError(t, repo.Put(ctx, older))
	require.NoError(t, repo.Put(ctx, newer))

	list, err := repo.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, newer.ID, list[0].ID)

	require.NoError(t, repo.Delete(ctx, older.ID))
	_, err = repo.Get(ctx, older.ID)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestMessageRepoSealsAndOrders(t *testing.T) {
	ctx := context.Background()
	kv := memory.NewKV()
	repo := NewMessageRepo(kv, newEncryptor(t))
	conv := &domain.Conversation{ID: uuid.New(), Status: domain.StatusActive}
	base := time.Now().UTC()

	second := &domain.Message{ID: uuid.New(), ConversationID: conv.ID, Timestamp: base.Add(time.Second), ContentType: "text/plain", Payload: "second"}
	first := &domain.Message{ID: uuid.New(), ConversationID: conv.ID, Timestamp: base, ContentType: "text/plain", Payload: "first"}
	require.NoError(t, repo.InsertWithConversation(ctx, second, conv))
	require.NoError(t, repo.InsertWithConversation(ctx, first, conv))

	pairs, err := kv.ListByPrefix(ctx, messagesPrefix(conv.ID))
	require.NoError(t, err)
	for _, p := range pairs {
		assert.NotContains(t, string(p.Value), "first")
		assert.NotContains(t, string(p.Value), "second")
	}

	list, err := repo.ListForConversation(ctx, conv.ID)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "first", list[0].Payload)
	assert.Equal(t, "second", list[1].Payload)

	got, err := repo.Get(ctx, conv.ID, second.ID)
	require.NoError(t, err)
	assert.Equal(t, "second", got.Payload)

	conv.StorageBytesUsed = 42
	require.NoError(t, repo.DeleteWithConversation(ctx, second, conv))
	_, err = repo.Get(ctx, conv.ID, second.ID)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	stored, err := NewConversationRepo(kv).Get(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(42), stored.StorageBytesUsed)

	require.NoError(t, repo.DeleteForConversation(ctx, conv.ID))
	list, err = repo.ListForConversation(ctx, conv.ID)
	require.NoError(t, err)
	assert.Empty(t, list)
	assert.Equal(t, 1, kv.Len())
}

func TestCredentialRepoFindByEndpoint(t *testing.T) {
	ctx := context.Background()
	repo := NewCredentialRepo(memory.NewKV())
	convID := uuid.New()
	creds := domain.RemoteCredentials{PeerID: uuid.New(), Endpoint: "https://push.example/abc", P256dh: "p", Auth: "a"}
	require.NoError(t, repo.Put(ctx, convID, creds))

	found, err := repo.FindByEndpoint(ctx, creds.Endpoint)
	require.NoError(t, err)
	assert.Equal(t, convID, found)

	_, err = repo.FindByEndpoint(ctx, "https://push.example/other")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	require.NoError(t, repo.Delete(ctx, convID))
	_, err = repo.Get(ctx, convID)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestChunkRepoLifecycle(t *testing.T) {
	ctx := context.Background()
	repo := NewChunkRepo(memory.NewKV())
	sender := uuid.New()
	now := time.Now().UTC()

	c := domain.Chunk{SenderID: sender, FullMessageID: 7, Index: 0, Total: 2, Data: "ab"}
	require.NoError(t, repo.Add(ctx, c, now))
	require.NoError(t, repo.Add(ctx, c, now))
	require.NoError(t, repo.Add(ctx, domain.Chunk{SenderID: sender, FullMessageID: 77, Index: 0, Total: 1}, now))

	list, err := repo.ListForMessage(ctx, sender, 7)
	require.NoError(t, err)
	assert.Len(t, list, 2)

	n, err := repo.DeleteForMessage(ctx, sender, 7)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	done, err := repo.IsComplete(ctx, sender, 7)
	require.NoError(t, err)
	assert.False(t, done)
	require.NoError(t, repo.MarkComplete(ctx, sender, 7, now))
	done, err = repo.IsComplete(ctx, sender, 7)
	require.NoError(t, err)
	assert.True(t, done)

	n, err = repo.DeleteOlderThan(ctx, now.Add(-time.Minute))
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = repo.DeleteOlderThan(ctx, now.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	done, err = repo.IsComplete(ctx, sender, 7)
	require.NoError(t, err)
	assert.False(t, done)
}

func TestIdentityRepoSealed(t *testing.T) {
	ctx := context.Background()
	kv := memory.NewKV()
	repo := NewIdentityRepo(kv, newEncryptor(t))

	_, err := repo.Get(ctx)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	id := &domain.Identity{PeerID: uuid.New(), Endpoint: "https://peer.example/push", VAPIDPrivate: "secret-scalar"}
	require.NoError(t, repo.Put(ctx, id))

	raw, err := kv.Get(ctx, identityKey)
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "secret-scalar")

	got, err := repo.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, id.PeerID, got.PeerID)
	assert.Equal(t, "secret-scalar", got.VAPIDPrivate)
}
