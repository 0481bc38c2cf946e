package webpush

import (
	"crypto/ecdh"
	"encoding/binary"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// RFC 8291 section 5 / appendix A.
const (
	rfcPlaintext = "When I grow up, I want to be a watermelon"
	rfcASPrivate = "yfWPiYE-n46HLnH0KqZOF1fJJU3MYrct3AELtAQ-oRw"
	rfcASPublic  = "BP4z9KsN6nGRTbVYI_c7VJSPQTBtkgcy27mlmlMoZIIgDll6e3vCYLocInmYWAmS6TlzAC8wEqKK6PBru3jl7A8"
	rfcUAPrivate = "q1dXpw3UpT5VOmu_cf_v6ih07Aems3njxI-JWgLcM94"
	rfcUAPublic  = "BCVxsr7N_eNgVRqvHtD0zTZsEc6-VV-JvLexhqUzORcxaOzi6-AYWXvTBHm4bjyPjs7Vd8pZGH6SRpkNtoIAiw4"
	rfcSalt      = "DGv6ra1nlYgDCS1FRnbzlw"
	rfcAuth      = "BTBZMqHH6r4Tts7J_aSIgg"
	rfcBody      = "DGv6ra1nlYgDCS1FRnbzlwAAEABBBP4z9KsN6nGRTbVYI_c7VJSPQTBtkgcy27mlmlMoZIIgDll6e3vCYLocInmYWAmS6TlzAC8wEqKK6PBru3jl7A_yl95bQpu6cVPTpK4Mqgkf1CXztLVBSt2Ks3oZwbuwXPXLWyouBWLVWGNWQexSgSxsj_Qulcy4a-fN"
)

func mustDecode(t *testing.T, s string) []byte {
	t.Helper()
	b, err := DecodeKey(s)
	require.NoError(t, err)
	return b
}

func newTestSubscription(t *testing.T) (*SubscriptionKeys, Subscriber) {
	t.Helper()
	keys, err := GenerateSubscriptionKeys()
	require.NoError(t, err)
	return keys, keys.Subscriber("https://push.example.net/send/abc")
}

func TestEncryptRFC8291Vector(t *testing.T) {
	local, err := ecdh.P256().NewPrivateKey(mustDecode(t, rfcASPrivate))
	require.NoError(t, err)
	require.Equal(t, rfcASPublic, EncodeKey(local.PublicKey().Bytes()))

	sub, err := ParseSubscriber("https://push.example.net/send/abc", rfcUAPublic, rfcAuth)
	require.NoError(t, err)

	msg, err := Encrypt(sub, []byte(rfcPlaintext), Options{
		Salt:     mustDecode(t, rfcSalt),
		LocalKey: local,
	})
	require.NoError(t, err)
	assert.Equal(t, rfcBody, EncodeKey(msg.Body))
}

func TestDecryptRFC8291Vector(t *testing.T) {
	keys, err := ParseSubscriptionKeys(rfcUAPrivate, rfcAuth)
	require.NoError(t, err)
	assert.Equal(t, rfcUAPublic, EncodeKey(keys.Private.PublicKey().Bytes()))

	plain, err := Decrypt(keys, mustDecode(t, rfcBody))
	require.NoError(t, err)
	assert.Equal(t, rfcPlaintext, string(plain))
}

func TestEncryptRoundTrip(t *testing.T) {
	keys, sub := newTestSubscription(t)

	for _, size := range []int{0, 1, 5, 512, 3000, RecordSize - 2*tagSize - 1} {
		plain := []byte(strings.Repeat("x", size))
		msg, err := Encrypt(sub, plain, Options{})
		require.NoError(t, err, "size %d", size)

		got, err := Decrypt(keys, msg.Body)
		require.NoError(t, err, "size %d", size)
		assert.Equal(t, plain, got)
	}
}

func TestEncryptHelloScenario(t *testing.T) {
	keys, sub := newTestSubscription(t)
	vapidKeys, err := GenerateVAPIDKeys()
	require.NoError(t, err)
	signer, err := NewVAPIDSigner(vapidKeys, "mailto:host@example.com")
	require.NoError(t, err)

	salt := []byte("0123456789abcdef")
	msg, err := Encrypt(sub, []byte("hello"), Options{VAPID: signer, Salt: salt, TTL: 60, Urgency: UrgencyHigh})
	require.NoError(t, err)

	assert.Equal(t, salt, msg.Body[:16])
	assert.Equal(t, uint32(RecordSize), binary.BigEndian.Uint32(msg.Body[16:20]))
	assert.Equal(t, byte(65), msg.Body[20])

	plain, err := Decrypt(keys, msg.Body)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(plain))

	assert.Equal(t, "aes128gcm", msg.Headers["content-encoding"])
	assert.Equal(t, "60", msg.Headers["ttl"])
	assert.Equal(t, "high", msg.Headers["urgency"])
	assert.True(t, strings.HasPrefix(msg.Headers["authorization"], "vapid t="))
	assert.Equal(t, sub.Endpoint, msg.Endpoint)
}

func TestEncryptFreshKeysPerMessage(t *testing.T) {
	_, sub := newTestSubscription(t)

	a, err := Encrypt(sub, []byte("same"), Options{})
	require.NoError(t, err)
	b, err := Encrypt(sub, []byte("same"), Options{})
	require.NoError(t, err)

	assert.NotEqual(t, a.Body[:16], b.Body[:16], "salt reused")
	assert.NotEqual(t, a.Body[21:86], b.Body[21:86], "local key reused")
}

func TestEncryptRejectsOversizedRecord(t *testing.T) {
	_, sub := newTestSubscription(t)

	_, err := Encrypt(sub, make([]byte, RecordSize), Options{})
	assert.ErrorIs(t, err, ErrRecordTooLarge)
}

func TestEncryptRejectsBadInput(t *testing.T) {
	_, sub := newTestSubscription(t)

	t.Run("BadSubscriberKey", func(t *testing.T) {
		bad := sub
		bad.P256dh = make([]byte, 65)
		_, err := Encrypt(bad, []byte("x"), Options{})
		assert.ErrorIs(t, err, ErrInvalidKey)
	})

	t.Run("ShortAuth", func(t *testing.T) {
		bad := sub
		bad.Auth = []byte{1, 2, 3}
		_, err := Encrypt(bad, []byte("x"), Options{})
		assert.ErrorIs(t, err, ErrInvalidKey)
	})

	t.Run("BadUrgency", func(t *testing.T) {
		_, err := Encrypt(sub, []byte("x"), Options{Urgency: "urgent"})
		assert.Error(t, err)
	})
}

func TestDecryptFailures(t *testing.T) {
	keys, sub := newTestSubscription(t)
	msg, err := Encrypt(sub, []byte("secret"), Options{})
	require.NoError(t, err)

	t.Run("Tampered", func(t *testing.T) {
		body := append([]byte(nil), msg.Body...)
		body[len(body)-1] ^= 0xff
		_, err := Decrypt(keys, body)
		assert.ErrorIs(t, err, ErrDecrypt)
	})

	t.Run("WrongKey", func(t *testing.T) {
		other, _ := newTestSubscription(t)
		_, err := Decrypt(other, msg.Body)
		assert.ErrorIs(t, err, ErrDecrypt)
	})

	t.Run("Truncated", func(t *testing.T) {
		_, err := Decrypt(keys, msg.Body[:30])
		assert.ErrorIs(t, err, ErrDecrypt)
	})
}

func TestParseSubscriber(t *testing.T) {
	_, err := ParseSubscriber("", rfcUAPublic, rfcAuth)
	assert.ErrorIs(t, err, ErrInvalidKey)

	_, err = ParseSubscriber("https://p.example", rfcUAPublic, "AAAA")
	assert.ErrorIs(t, err, ErrInvalidKey)

	// padded input is accepted
	sub, err := ParseSubscriber("https://p.example", rfcUAPublic, rfcAuth+"==")
	require.NoError(t, err)
	assert.Len(t, sub.Auth, 16)
}

func TestEncryptUsesProvidedClock(t *testing.T) {
	_, sub := newTestSubscription(t)
	vapidKeys, err := GenerateVAPIDKeys()
	require.NoError(t, err)
	signer, err := NewVAPIDSigner(vapidKeys, "mailto:a@example.com")
	require.NoError(t, err)

	now := time.Unix(1_700_000_000, 0)
	msg, err := Encrypt(sub, []byte("x"), Options{VAPID: signer, Now: now})
	require.NoError(t, err)

	_, err = VerifyVAPID(msg.Headers["authorization"], "", "https://push.example.net", now.Add(time.Hour))
	assert.NoError(t, err)
}
