package webpush

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdh"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"

	"golang.org/x/crypto/hkdf"
)

const (
	// RecordSize is the single aes128gcm record size advertised in the header.
	RecordSize = 4096
	saltSize   = 16
	keySize    = 16
	nonceSize  = 12
	tagSize    = 16
	headerSize = saltSize + 4 + 1 + publicKeySize

	// DefaultTTL is the push service retention time in seconds.
	DefaultTTL = 24 * 60 * 60
)

var ErrRecordTooLarge = errors.New("webpush: payload exceeds a single record")

// Urgency is the RFC 8030 urgency header value.
type Urgency string

const (
	UrgencyVeryLow Urgency = "very-low"
	UrgencyLow     Urgency = "low"
	UrgencyNormal  Urgency = "normal"
	UrgencyHigh    Urgency = "high"
)

func (u Urgency) valid() bool {
	switch u {
	case UrgencyVeryLow, UrgencyLow, UrgencyNormal, UrgencyHigh:
		return true
	}
	return false
}

// Options tunes a single Encrypt call. Salt and LocalKey are normally left
// nil and generated per message.
type Options struct {
	VAPID    *VAPIDSigner
	TTL      int
	Urgency  Urgency
	Salt     []byte
	LocalKey *ecdh.PrivateKey
	Now      time.Time
}

// Message is an encrypted push message ready to be posted to Endpoint.
type Message struct {
	Endpoint string
	Body     []byte
	Headers  map[string]string
}

// Encrypt produces an RFC 8291 aes128gcm push message for sub.
func Encrypt(sub Subscriber, plaintext []byte, opts Options) (*Message, error) {
	uaPub, err := ecdh.P256().NewPublicKey(sub.P256dh)
	if err != nil {
		return nil, fmt.Errorf("%w: subscriber key: %v", ErrInvalidKey, err)
	}
	if len(sub.Auth) != authSecretSize {
		return nil, fmt.Errorf("%w: auth secret is %d bytes", ErrInvalidKey, len(sub.Auth))
	}

	local := opts.LocalKey
	if local == nil {
		if local, err = ecdh.P256().GenerateKey(rand.Reader); err != nil {
			return nil, fmt.Errorf("generate local key: %w", err)
		}
	}
	salt := opts.Salt
	if salt == nil {
		salt = make([]byte, saltSize)
		if _, err := io.ReadFull(rand.Reader, salt); err != nil {
			return nil, fmt.Errorf("generate salt: %w", err)
		}
	}
	if len(salt) != saltSize {
		return nil, fmt.Errorf("webpush: salt must be %d bytes", saltSize)
	}

	shared, err := local.ECDH(uaPub)
	if err != nil {
		return nil, fmt.Errorf("ecdh: %w", err)
	}
	asPub := local.PublicKey().Bytes()

	cek, nonce, err := deriveContentKeys(shared, sub.Auth, salt, sub.P256dh, asPub)
	if err != nil {
		return nil, err
	}

	record := make([]byte, 0, len(plaintext)+1)
	record = append(record, plaintext...)
	record = append(record, 0x02)

	ciphertext, err := sealRecord(cek, nonce, record)
	if err != nil {
		return nil, err
	}
	if len(ciphertext) > RecordSize-tagSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrRecordTooLarge, len(ciphertext))
	}

	body := make([]byte, 0, headerSize+len(ciphertext))
	body = append(body, salt...)
	body = binary.BigEndian.AppendUint32(body, RecordSize)
	body = append(body, byte(len(asPub)))
	body = append(body, asPub...)
	body = append(body, ciphertext...)

	ttl := opts.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	headers := map[string]string{
		"content-encoding": string(SchemeAES128GCM),
		"content-type":     "application/octet-stream",
		"ttl":              strconv.Itoa(ttl),
	}
	if opts.Urgency != "" {
		if !opts.Urgency.valid() {
			return nil, fmt.Errorf("webpush: invalid urgency %q", opts.Urgency)
		}
		headers["urgency"] = string(opts.Urgency)
	}
	if opts.VAPID != nil {
		now := opts.Now
		if now.IsZero() {
			now = time.Now()
		}
		auth, err := opts.VAPID.Headers(sub.Endpoint, SchemeAES128GCM, now)
		if err != nil {
			return nil, err
		}
		for k, v := range auth {
			headers[k] = v
		}
	}

	return &Message{Endpoint: sub.Endpoint, Body: body, Headers: headers}, nil
}

// deriveContentKeys runs the two HKDF stages of RFC 8291 section 3.4.
func deriveContentKeys(shared, auth, salt, uaPub, asPub []byte) (cek, nonce []byte, err error) {
	info := make([]byte, 0, 14+len(uaPub)+len(asPub))
	info = append(info, "WebPush: info\x00"...)
	info = append(info, uaPub...)
	info = append(info, asPub...)

	prk := hkdf.Extract(sha256.New, shared, auth)
	ikm := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.Expand(sha256.New, prk, info), ikm); err != nil {
		return nil, nil, fmt.Errorf("derive ikm: %w", err)
	}

	cek = make([]byte, keySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, ikm, salt, []byte("Content-Encoding: aes128gcm\x00")), cek); err != nil {
		return nil, nil, fmt.Errorf("derive cek: %w", err)
	}
	nonce = make([]byte, nonceSize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, ikm, salt, []byte("Content-Encoding: nonce\x00")), nonce); err != nil {
		return nil, nil, fmt.Errorf("derive nonce: %w", err)
	}
	return cek, nonce, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("aes.NewCipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("cipher.NewGCM: %w", err)
	}
	return aead, nil
}

func sealRecord(cek, nonce, record []byte) ([]byte, error) {
	aead, err := newGCM(cek)
	if err != nil {
		return nil, err
	}
	return aead.Seal(nil, nonce, record, nil), nil
}
