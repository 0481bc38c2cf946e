package webpush

import (
	"crypto/ecdh"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"math/big"
	"strings"
)

const (
	publicKeySize  = 65
	privateKeySize = 32
	authSecretSize = 16
)

var (
	ErrInvalidKey   = errors.New("webpush: invalid key material")
	ErrEmptySubject = errors.New("webpush: vapid subject must not be empty")
)

// EncodeKey encodes raw key bytes as unpadded base64url.
func EncodeKey(b []byte) string {
	return base64.RawURLEncoding.EncodeToString(b)
}

// DecodeKey decodes base64url key material, with or without padding.
func DecodeKey(s string) ([]byte, error) {
	s = strings.TrimRight(strings.TrimSpace(s), "=")
	b, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("decode base64url: %w", err)
	}
	return b, nil
}

// VAPIDKeys is the application server signing key pair.
type VAPIDKeys struct {
	Private *ecdsa.PrivateKey
}

func GenerateVAPIDKeys() (*VAPIDKeys, error) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate vapid key: %w", err)
	}
	return &VAPIDKeys{Private: priv}, nil
}

// ParseVAPIDKeys loads a key pair from a base64url P-256 scalar.
func ParseVAPIDKeys(privB64 string) (*VAPIDKeys, error) {
	raw, err := DecodeKey(privB64)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	priv, err := ecdsaFromScalar(raw)
	if err != nil {
		return nil, err
	}
	return &VAPIDKeys{Private: priv}, nil
}

func ecdsaFromScalar(d []byte) (*ecdsa.PrivateKey, error) {
	if len(d) != privateKeySize {
		return nil, fmt.Errorf("%w: private key is %d bytes, want %d", ErrInvalidKey, len(d), privateKeySize)
	}
	// crypto/ecdh validates the scalar range and gives us the public point.
	ek, err := ecdh.P256().NewPrivateKey(d)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	pub := ek.PublicKey().Bytes()
	return &ecdsa.PrivateKey{
		PublicKey: ecdsa.PublicKey{
			Curve: elliptic.P256(),
			X:     new(big.Int).SetBytes(pub[1:33]),
			Y:     new(big.Int).SetBytes(pub[33:]),
		},
		D: new(big.Int).SetBytes(d),
	}, nil
}

// PublicKeyBytes returns the uncompressed 65-byte public point.
func (k *VAPIDKeys) PublicKeyBytes() []byte {
	return marshalPoint(&k.Private.PublicKey)
}

func (k *VAPIDKeys) PublicKeyString() string {
	return EncodeKey(k.PublicKeyBytes())
}

func (k *VAPIDKeys) PrivateKeyString() string {
	return EncodeKey(k.Private.D.FillBytes(make([]byte, privateKeySize)))
}

func marshalPoint(pub *ecdsa.PublicKey) []byte {
	out := make([]byte, publicKeySize)
	out[0] = 4
	pub.X.FillBytes(out[1:33])
	pub.Y.FillBytes(out[33:])
	return out
}

func parsePublicPoint(raw []byte) (*ecdsa.PublicKey, error) {
	if len(raw) != publicKeySize || raw[0] != 4 {
		return nil, fmt.Errorf("%w: public key must be a 65-byte uncompressed point", ErrInvalidKey)
	}
	if _, err := ecdh.P256().NewPublicKey(raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	return &ecdsa.PublicKey{
		Curve: elliptic.P256(),
		X:     new(big.Int).SetBytes(raw[1:33]),
		Y:     new(big.Int).SetBytes(raw[33:]),
	}, nil
}

// Subscriber is the public key material a push-enabled client publishes.
type Subscriber struct {
	Endpoint string
	P256dh   []byte
	Auth     []byte
}

func ParseSubscriber(endpoint, p256dhB64, authB64 string) (Subscriber, error) {
	if endpoint == "" {
		return Subscriber{}, fmt.Errorf("%w: empty endpoint", ErrInvalidKey)
	}
	pub, err := DecodeKey(p256dhB64)
	if err != nil {
		return Subscriber{}, fmt.Errorf("%w: p256dh: %v", ErrInvalidKey, err)
	}
	if _, err := ecdh.P256().NewPublicKey(pub); err != nil {
		return Subscriber{}, fmt.Errorf("%w: p256dh: %v", ErrInvalidKey, err)
	}
	auth, err := DecodeKey(authB64)
	if err != nil {
		return Subscriber{}, fmt.Errorf("%w: auth: %v", ErrInvalidKey, err)
	}
	if len(auth) != authSecretSize {
		return Subscriber{}, fmt.Errorf("%w: auth secret is %d bytes, want %d", ErrInvalidKey, len(auth), authSecretSize)
	}
	return Subscriber{Endpoint: endpoint, P256dh: pub, Auth: auth}, nil
}

// SubscriptionKeys is the private half of a push subscription, held by the
// receiving peer.
type SubscriptionKeys struct {
	Private *ecdh.PrivateKey
	Auth    []byte
}

func GenerateSubscriptionKeys() (*SubscriptionKeys, error) {
	priv, err := ecdh.P256().GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate subscription key: %w", err)
	}
	auth := make([]byte, authSecretSize)
	if _, err := rand.Read(auth); err != nil {
		return nil, fmt.Errorf("generate auth secret: %w", err)
	}
	return &SubscriptionKeys{Private: priv, Auth: auth}, nil
}

func ParseSubscriptionKeys(privB64, authB64 string) (*SubscriptionKeys, error) {
	raw, err := DecodeKey(privB64)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	priv, err := ecdh.P256().NewPrivateKey(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	auth, err := DecodeKey(authB64)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	if len(auth) != authSecretSize {
		return nil, fmt.Errorf("%w: auth secret is %d bytes, want %d", ErrInvalidKey, len(auth), authSecretSize)
	}
	return &SubscriptionKeys{Private: priv, Auth: auth}, nil
}

// Subscriber returns the public key material for this subscription.
func (k *SubscriptionKeys) Subscriber(endpoint string) Subscriber {
	return Subscriber{
		Endpoint: endpoint,
		P256dh:   k.Private.PublicKey().Bytes(),
		Auth:     append([]byte(nil), k.Auth...),
	}
}
