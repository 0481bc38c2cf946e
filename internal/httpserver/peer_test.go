package httpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pushlink/internal/chunk"
	"pushlink/internal/delivery"
	"pushlink/internal/domain"
	"pushlink/internal/security"
	"pushlink/internal/service"
	"pushlink/internal/store"
	"pushlink/internal/store/memory"
	"pushlink/internal/webpush"
	"pushlink/internal/ws"
)

const testPublicURL = "http://peer.test"

type fakeOutbox struct {
	mu   sync.Mutex
	err  error
	sent []domain.Payload
}

func (o *fakeOutbox) Send(_ context.Context, p domain.Payload, _ domain.RemoteCredentials) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.sent = append(o.sent, p)
	return o.err
}

func (o *fakeOutbox) fail(err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.err = err
}

func (o *fakeOutbox) types() []domain.PayloadType {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]domain.PayloadType, len(o.sent))
	for i, p := range o.sent {
		out[i] = p.Type()
	}
	return out
}

type peerFixture struct {
	handler  http.Handler
	token    string
	outbox   *fakeOutbox
	convs    *service.ConversationService
	identity *service.IdentityService
	settings *delivery.SettingsStore
}

func newPeerFixture(t *testing.T) *peerFixture {
	t.Helper()
	ctx := context.Background()
	logger := zerolog.Nop()

	kv := memory.NewKV()
	enc, err := security.NewEncryptor([]byte("http test key"))
	require.NoError(t, err)
	convRepo := store.NewConversationRepo(kv)
	msgRepo := store.NewMessageRepo(kv, enc)

	identity := service.NewIdentityService(store.NewIdentityRepo(kv, enc), logger)
	_, err = identity.LoadOrCreate(ctx, testPublicURL+"/push", service.PinnedKeys{})
	require.NoError(t, err)

	outbox := &fakeOutbox{}
	hub := ws.NewHub(logger)
	convs := service.NewConversationService(convRepo, store.NewCredentialRepo(kv), msgRepo, identity, outbox, hub, logger)
	msgs := service.NewMessageService(convRepo, msgRepo, convs, hub, 0, logger)
	convs.SetReceiver(msgs)
	reassembler := chunk.NewReassembler(store.NewChunkRepo(kv), convs, service.NewFeedReporter(hub), logger)

	tokens := security.NewTokenService("http test secret", time.Hour)
	token, err := tokens.Create("local")
	require.NoError(t, err)
	settings := delivery.NewSettingsStore(delivery.Settings{})

	h := NewPeerRouter(PeerDeps{
		Conversations: convs,
		Messages:      msgs,
		Inbound:       service.NewInboundService(identity, reassembler, convs, hub, logger),
		Identity:      identity,
		Settings:      settings,
		Hub:           hub,
		Tokens:        tokens,
		PublicURL:     testPublicURL,
	}, logger)

	return &peerFixture{
		handler:  h,
		token:    token,
		outbox:   outbox,
		convs:    convs,
		identity: identity,
		settings: settings,
	}
}

func (f *peerFixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rd *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(raw)
	} else {
		rd = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, rd)
	req.Header.Set("Authorization", "Bearer "+f.token)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

// remotePeer is the other side of a conversation, able to sign and encrypt
// pushes to the fixture.
type remotePeer struct {
	creds  domain.RemoteCredentials
	signer *webpush.VAPIDSigner
}

func newRemotePeer(t *testing.T) remotePeer {
	t.Helper()
	vk, err := webpush.GenerateVAPIDKeys()
	require.NoError(t, err)
	signer, err := webpush.NewVAPIDSigner(vk, "mailto:remote@example.com")
	require.NoError(t, err)
	sk, err := webpush.GenerateSubscriptionKeys()
	require.NoError(t, err)
	sub := sk.Subscriber("https://push.example/remote")
	return remotePeer{
		creds: domain.RemoteCredentials{
			PeerID:   uuid.New(),
			Endpoint: sub.Endpoint,
			P256dh:   webpush.EncodeKey(sub.P256dh),
			Auth:     webpush.EncodeKey(sub.Auth),
		},
		signer: signer,
	}
}

// push encrypts p as a single chunk to the fixture and posts it to /push.
func (r remotePeer) push(t *testing.T, f *peerFixture, p domain.Payload) *httptest.ResponseRecorder {
	t.Helper()
	raw, err := domain.EncodePayload(p)
	require.NoError(t, err)
	chunks := chunk.Split(string(raw), r.creds.PeerID, chunk.DefaultMaxChars)
	require.Len(t, chunks, 1)
	body, err := domain.EncodePayload(chunks[0])
	require.NoError(t, err)

	target := f.identity.SubscriptionKeys().Subscriber(testPublicURL + "/push")
	msg, err := webpush.Encrypt(target, body, webpush.Options{VAPID: r.signer, TTL: 60, Now: time.Now()})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/push", bytes.NewReader(msg.Body))
	for k, v := range msg.Headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

// activeSession creates a session and completes the handshake over /push.
func (f *peerFixture) activeSession(t *testing.T) (uuid.UUID, remotePeer) {
	t.Helper()
	rec := f.do(t, http.MethodPost, "/api/sessions", nil)
	require.Equal(t, http.StatusCreated, rec.Code)
	sess := decodeBody[sessionResponse](t, rec)

	remote := newRemotePeer(t)
	rec = remote.push(t, f, domain.Handshake{ConversationID: sess.Conversation.ID, Credentials: remote.creds})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	return sess.Conversation.ID, remote
}

func TestAPIRequiresToken(t *testing.T) {
	f := newPeerFixture(t)

	for _, auth := range []string{"", "Bearer nope", "Basic abc"} {
		req := httptest.NewRequest(http.MethodGet, "/api/conversations", nil)
		if auth != "" {
			req.Header.Set("Authorization", auth)
		}
		rec := httptest.NewRecorder()
		f.handler.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusUnauthorized, rec.Code, auth)
	}
}

func TestCreateSessionReturnsJoinLink(t *testing.T) {
	f := newPeerFixture(t)

	rec := f.do(t, http.MethodPost, "/api/sessions", nil)
	require.Equal(t, http.StatusCreated, rec.Code)
	sess := decodeBody[sessionResponse](t, rec)

	assert.Equal(t, domain.StatusPending, sess.Conversation.Status)
	assert.Equal(t, domain.RoleHost, sess.Conversation.Role)
	assert.True(t, strings.HasPrefix(sess.JoinURL, testPublicURL+"?join="))

	link, err := domain.DecodeJoinLink(sess.JoinURL)
	require.NoError(t, err)
	assert.Equal(t, sess.Conversation.ID, link.ConversationID)
	assert.Equal(t, f.identity.Identity().PeerID, link.Credentials.PeerID)
}

func TestJoin(t *testing.T) {
	f := newPeerFixture(t)
	remote := newRemotePeer(t)
	token, err := domain.EncodeJoinLink(domain.JoinLink{ConversationID: uuid.New(), Credentials: remote.creds})
	require.NoError(t, err)

	rec := f.do(t, http.MethodPost, "/api/join", joinRequest{Link: token})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	conv := decodeBody[domain.Conversation](t, rec)
	assert.Equal(t, domain.RoleGuest, conv.Role)
	assert.Equal(t, domain.StatusPending, conv.Status)
	assert.Equal(t, []domain.PayloadType{domain.TypeHandshake}, f.outbox.types())

	rec = f.do(t, http.MethodPost, "/api/join", joinRequest{Link: "garbage"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestJoinDeliveryFailureIsAccepted(t *testing.T) {
	f := newPeerFixture(t)
	f.outbox.fail(errors.New("push service down"))
	remote := newRemotePeer(t)
	token, err := domain.EncodeJoinLink(domain.JoinLink{ConversationID: uuid.New(), Credentials: remote.creds})
	require.NoError(t, err)

	rec := f.do(t, http.MethodPost, "/api/join", joinRequest{Link: "https://guest.example/?join=" + token})
	require.Equal(t, http.StatusAccepted, rec.Code)
	resp := decodeBody[deliveryResponse](t, rec)
	require.NotNil(t, resp.Conversation)
	assert.EqualValues(t, 1, resp.Conversation.FailedAttempts)
	assert.Contains(t, resp.Error, "delivery failed")
}

func TestPushCompletesHandshake(t *testing.T) {
	f := newPeerFixture(t)
	id, remote := f.activeSession(t)

	rec := f.do(t, http.MethodGet, "/api/conversations/"+id.String(), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	conv := decodeBody[domain.Conversation](t, rec)
	assert.Equal(t, domain.StatusActive, conv.Status)
	require.NotNil(t, conv.RemotePeerID)
	assert.Equal(t, remote.creds.PeerID, *conv.RemotePeerID)
	assert.Equal(t, []domain.PayloadType{domain.TypeHandshakeAck}, f.outbox.types())
}

func TestPushRejectsBadAuthorization(t *testing.T) {
	f := newPeerFixture(t)
	remote := newRemotePeer(t)
	target := f.identity.SubscriptionKeys().Subscriber(testPublicURL + "/push")

	t.Run("missing", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/push", strings.NewReader("x"))
		rec := httptest.NewRecorder()
		f.handler.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("wrong audience", func(t *testing.T) {
		headers, err := remote.signer.Headers("https://elsewhere.example/push", webpush.SchemeAES128GCM, time.Now())
		require.NoError(t, err)
		req := httptest.NewRequest(http.MethodPost, "/push", strings.NewReader("x"))
		for k, v := range headers {
			req.Header.Set(k, v)
		}
		rec := httptest.NewRecorder()
		f.handler.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("undecryptable body", func(t *testing.T) {
		headers, err := remote.signer.Headers(target.Endpoint, webpush.SchemeAES128GCM, time.Now())
		require.NoError(t, err)
		req := httptest.NewRequest(http.MethodPost, "/push", strings.NewReader(strings.Repeat("x", 200)))
		for k, v := range headers {
			req.Header.Set(k, v)
		}
		rec := httptest.NewRecorder()
		f.handler.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestMessageLifecycle(t *testing.T) {
	f := newPeerFixture(t)
	id, _ := f.activeSession(t)
	base := "/api/conversations/" + id.String()

	rec := f.do(t, http.MethodPost, base+"/messages", messageCreateRequest{Content: "hello"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	msg := decodeBody[domain.Message](t, rec)
	assert.Equal(t, "text/plain", msg.ContentType)
	assert.EqualValues(t, 5, msg.SizeBytes)

	rec = f.do(t, http.MethodGet, base+"/messages", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	list := decodeBody[[]domain.Message](t, rec)
	require.Len(t, list, 1)
	assert.Equal(t, "hello", list[0].Payload)

	conv := decodeBody[domain.Conversation](t, f.do(t, http.MethodGet, base, nil))
	assert.EqualValues(t, 5, conv.StorageBytesUsed)

	rec = f.do(t, http.MethodDelete, base+"/messages/"+msg.ID.String(), nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	conv = decodeBody[domain.Conversation](t, f.do(t, http.MethodGet, base, nil))
	assert.EqualValues(t, 0, conv.StorageBytesUsed)

	rec = f.do(t, http.MethodDelete, base+"/messages/"+msg.ID.String(), nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSendStatusCodes(t *testing.T) {
	f := newPeerFixture(t)

	rec := f.do(t, http.MethodPost, "/api/sessions", nil)
	pending := decodeBody[sessionResponse](t, rec).Conversation.ID
	rec = f.do(t, http.MethodPost, "/api/conversations/"+pending.String()+"/messages", messageCreateRequest{Content: "hi"})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/conversations/"+uuid.NewString()+"/messages", messageCreateRequest{Content: "hi"})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/conversations/not-a-uuid/messages", messageCreateRequest{Content: "hi"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	id, _ := f.activeSession(t)
	rec = f.do(t, http.MethodPost, "/api/conversations/"+id.String()+"/messages", messageCreateRequest{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	f.outbox.fail(errors.New("push service down"))
	rec = f.do(t, http.MethodPost, "/api/conversations/"+id.String()+"/messages", messageCreateRequest{Content: "hi"})
	require.Equal(t, http.StatusAccepted, rec.Code)
	resp := decodeBody[deliveryResponse](t, rec)
	require.NotNil(t, resp.Message)
	assert.Equal(t, "hi", resp.Message.Payload)
}

func TestCloseRetryAndDelete(t *testing.T) {
	f := newPeerFixture(t)
	id, _ := f.activeSession(t)
	base := "/api/conversations/" + id.String()

	f.outbox.fail(errors.New("down"))
	rec := f.do(t, http.MethodPost, base+"/retry", nil)
	assert.Equal(t, http.StatusAccepted, rec.Code)

	f.outbox.fail(nil)
	rec = f.do(t, http.MethodPost, base+"/retry", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	conv := decodeBody[domain.Conversation](t, rec)
	assert.Zero(t, conv.FailedAttempts)

	rec = f.do(t, http.MethodPost, base+"/close", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, domain.StatusClosed, decodeBody[domain.Conversation](t, rec).Status)

	rec = f.do(t, http.MethodPost, base+"/messages", messageCreateRequest{Content: "late"})
	assert.Equal(t, http.StatusConflict, rec.Code)
	rec = f.do(t, http.MethodPost, base+"/retry", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = f.do(t, http.MethodDelete, base, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec = f.do(t, http.MethodGet, base, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Empty(t, decodeBody[[]domain.Conversation](t, f.do(t, http.MethodGet, "/api/conversations", nil)))
}

func TestForegroundClearsUnread(t *testing.T) {
	f := newPeerFixture(t)
	id, remote := f.activeSession(t)
	base := "/api/conversations/" + id.String()

	chat := domain.ChatMessage{
		ConversationID: id,
		MessageID:      uuid.New(),
		From:           remote.creds.PeerID,
		Content:        "ping",
		ContentType:    "text/plain",
		Timestamp:      time.Now().UnixMilli(),
	}
	require.Equal(t, http.StatusCreated, remote.push(t, f, chat).Code)
	assert.Equal(t, 1, decodeBody[domain.Conversation](t, f.do(t, http.MethodGet, base, nil)).UnreadCount)

	rec := f.do(t, http.MethodPost, base+"/foreground", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Zero(t, decodeBody[domain.Conversation](t, rec).UnreadCount)
	assert.True(t, f.convs.IsForeground(id))

	rec = f.do(t, http.MethodPost, base+"/foreground", map[string]bool{"active": false})
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.False(t, f.convs.IsForeground(id))
}

func TestPushFromUnboundPeerIsDropped(t *testing.T) {
	f := newPeerFixture(t)
	id, _ := f.activeSession(t)
	stranger := newRemotePeer(t)

	rec := stranger.push(t, f, domain.ChatMessage{
		ConversationID: id,
		MessageID:      uuid.New(),
		From:           stranger.creds.PeerID,
		Content:        "spoofed",
		ContentType:    "text/plain",
		Timestamp:      time.Now().UnixMilli(),
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	msgs := decodeBody[[]domain.Message](t, f.do(t, http.MethodGet, "/api/conversations/"+id.String()+"/messages", nil))
	assert.Empty(t, msgs)
}

func TestDeliverySettings(t *testing.T) {
	f := newPeerFixture(t)

	rec := f.do(t, http.MethodPut, "/api/settings/delivery", delivery.Settings{UseRelay: true, RelayURL: "ftp://relay"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPut, "/api/settings/delivery", delivery.Settings{UseRelay: true, RelayURL: "https://relay.example/push-proxy"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, f.settings.DeliverySettings().UseRelay)

	got := decodeBody[delivery.Settings](t, f.do(t, http.MethodGet, "/api/settings/delivery", nil))
	assert.Equal(t, "https://relay.example/push-proxy", got.RelayURL)
}

func TestIdentityEndpoint(t *testing.T) {
	f := newPeerFixture(t)

	rec := f.do(t, http.MethodGet, "/api/identity", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decodeBody[identityResponse](t, rec)
	id := f.identity.Identity()
	assert.Equal(t, id.PeerID.String(), resp.PeerID)
	assert.Equal(t, testPublicURL+"/push", resp.Endpoint)
	assert.Equal(t, id.VAPIDPublic, resp.VAPIDPublicKey)
	assert.NotContains(t, rec.Body.String(), id.PushPrivate)
}

func TestStatusFor(t *testing.T) {
	assert.Equal(t, http.StatusNotFound, statusFor(domain.ErrNotFound))
	assert.Equal(t, http.StatusConflict, statusFor(domain.ErrConversationClosed))
	assert.Equal(t, http.StatusRequestEntityTooLarge, statusFor(domain.ErrQuotaExceeded))
	assert.Equal(t, http.StatusAccepted, statusFor(service.ErrDeliveryFailed))
	assert.Equal(t, http.StatusInternalServerError, statusFor(errors.New("boom")))
}
