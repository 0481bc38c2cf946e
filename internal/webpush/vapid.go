package webpush

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// VAPIDTokenTTL is the lifetime of a signed VAPID token.
const VAPIDTokenTTL = 12 * time.Hour

// Scheme selects the content-encoding family the authorization headers are
// produced for.
type Scheme string

const (
	SchemeAES128GCM Scheme = "aes128gcm"
	SchemeAESGCM    Scheme = "aesgcm"
)

var ErrInvalidVAPID = errors.New("webpush: invalid vapid authorization")

// VAPIDSigner signs application server identification tokens (RFC 8292).
type VAPIDSigner struct {
	keys    *VAPIDKeys
	subject string
}

func NewVAPIDSigner(keys *VAPIDKeys, subject string) (*VAPIDSigner, error) {
	if keys == nil || keys.Private == nil {
		return nil, fmt.Errorf("%w: missing vapid private key", ErrInvalidKey)
	}
	if keys.Private.Curve == nil || keys.Private.Curve.Params().Name != "P-256" {
		return nil, fmt.Errorf("%w: vapid key must be on P-256", ErrInvalidKey)
	}
	if strings.TrimSpace(subject) == "" {
		return nil, ErrEmptySubject
	}
	return &VAPIDSigner{keys: keys, subject: subject}, nil
}

// PublicKey returns the base64url uncompressed public key sent as k=.
func (s *VAPIDSigner) PublicKey() string {
	return s.keys.PublicKeyString()
}

// Token creates an ES256 JWT for the given audience.
func (s *VAPIDSigner) Token(audience string, now time.Time) (string, error) {
	claims := jwt.MapClaims{
		"aud": audience,
		"exp": now.Add(VAPIDTokenTTL).Unix(),
		"sub": s.subject,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodES256, claims)
	signed, err := token.SignedString(s.keys.Private)
	if err != nil {
		return "", fmt.Errorf("sign vapid token: %w", err)
	}
	return signed, nil
}

// Headers returns the authorization headers for a push to endpoint.
func (s *VAPIDSigner) Headers(endpoint string, scheme Scheme, now time.Time) (map[string]string, error) {
	aud, err := Origin(endpoint)
	if err != nil {
		return nil, err
	}
	jwtStr, err := s.Token(aud, now)
	if err != nil {
		return nil, err
	}
	pub := s.PublicKey()

	switch scheme {
	case SchemeAESGCM:
		return map[string]string{
			"authorization": "WebPush " + jwtStr,
			"crypto-key":    "p256ecdsa=" + pub,
		}, nil
	case SchemeAES128GCM, "":
		return map[string]string{
			"authorization": fmt.Sprintf("vapid t=%s, k=%s", jwtStr, pub),
		}, nil
	default:
		return nil, fmt.Errorf("webpush: unsupported scheme %q", scheme)
	}
}

// Origin returns scheme://host[:port] of a push endpoint.
func Origin(endpoint string) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("webpush: invalid endpoint %q", endpoint)
	}
	return u.Scheme + "://" + u.Host, nil
}

// VerifyVAPID checks an incoming authorization header against the expected
// audience and returns the signer's raw public key. cryptoKey is only
// consulted for the legacy WebPush scheme.
func VerifyVAPID(authorization, cryptoKey, audience string, now time.Time) ([]byte, error) {
	tokenStr, keyStr, err := splitAuthorization(authorization, cryptoKey)
	if err != nil {
		return nil, err
	}
	rawPub, err := DecodeKey(keyStr)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidVAPID, err)
	}
	pub, err := parsePublicPoint(rawPub)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidVAPID, err)
	}

	token, err := jwt.Parse(tokenStr,
		func(t *jwt.Token) (any, error) {
			if _, ok := t.Method.(*jwt.SigningMethodECDSA); !ok {
				return nil, jwt.ErrSignatureInvalid
			}
			return pub, nil
		},
		jwt.WithValidMethods([]string{jwt.SigningMethodES256.Alg()}),
		jwt.WithAudience(audience),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(func() time.Time { return now }),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidVAPID, err)
	}
	if !token.Valid {
		return nil, ErrInvalidVAPID
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, ErrInvalidVAPID
	}
	if sub, _ := claims["sub"].(string); sub == "" {
		return nil, fmt.Errorf("%w: missing subject", ErrInvalidVAPID)
	}
	if exp, err := claims.GetExpirationTime(); err != nil || exp == nil || exp.Sub(now) > 24*time.Hour {
		return nil, fmt.Errorf("%w: expiry too far in the future", ErrInvalidVAPID)
	}
	return rawPub, nil
}

func splitAuthorization(authorization, cryptoKey string) (token, key string, err error) {
	authorization = strings.TrimSpace(authorization)
	lower := strings.ToLower(authorization)

	switch {
	case strings.HasPrefix(lower, "vapid "):
		for _, part := range strings.Split(authorization[len("vapid "):], ",") {
			part = strings.TrimSpace(part)
			switch {
			case strings.HasPrefix(part, "t="):
				token = part[2:]
			case strings.HasPrefix(part, "k="):
				key = part[2:]
			}
		}
	case strings.HasPrefix(lower, "webpush "):
		token = strings.TrimSpace(authorization[len("webpush "):])
		for _, part := range strings.FieldsFunc(cryptoKey, func(r rune) bool { return r == ';' || r == ',' }) {
			part = strings.TrimSpace(part)
			if strings.HasPrefix(part, "p256ecdsa=") {
				key = part[len("p256ecdsa="):]
			}
		}
	default:
		return "", "", fmt.Errorf("%w: unknown scheme", ErrInvalidVAPID)
	}

	if token == "" || key == "" {
		return "", "", fmt.Errorf("%w: missing token or key", ErrInvalidVAPID)
	}
	return token, key, nil
}
