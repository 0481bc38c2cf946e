package security

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

var ErrSealedData = errors.New("failed to open sealed data")

const sealInfo = "pushlink at-rest v1"

// Encryptor seals values before they reach the store. The AES-256-GCM key is
// derived from an arbitrary-length secret with HKDF-SHA256.
type Encryptor struct {
	aead cipher.AEAD
}

func NewEncryptor(secret []byte) (*Encryptor, error) {
	if len(secret) == 0 {
		return nil, errors.New("encryption key must not be empty")
	}
	key := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, nil, []byte(sealInfo)), key); err != nil {
		return nil, fmt.Errorf("derive storage key: %w", err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &Encryptor{aead: aead}, nil
}

// Seal encrypts plain, binding it to aad. The nonce is prepended.
func (e *Encryptor) Seal(plain, aad []byte) ([]byte, error) {
	nonce := make([]byte, e.aead.NonceSize(), e.aead.NonceSize()+len(plain)+e.aead.Overhead())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	return e.aead.Seal(nonce, nonce, plain, aad), nil
}

func (e *Encryptor) Open(sealed, aad []byte) ([]byte, error) {
	if len(sealed) < e.aead.NonceSize()+e.aead.Overhead() {
		return nil, fmt.Errorf("%w: too short", ErrSealedData)
	}
	nonce, ciphertext := sealed[:e.aead.NonceSize()], sealed[e.aead.NonceSize():]
	plain, err := e.aead.Open(nil, nonce, ciphertext, aad)
	if err != nil {
		return nil, ErrSealedData
	}
	return plain, nil
}

// EncryptString is Seal for text fields, encoded as base64.
func (e *Encryptor) EncryptString(plain, aad string) (string, error) {
	sealed, err := e.Seal([]byte(plain), []byte(aad))
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(sealed), nil
}

func (e *Encryptor) DecryptString(enc, aad string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(enc)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrSealedData, err)
	}
	plain, err := e.Open(raw, []byte(aad))
	if err != nil {
		return "", err
	}
	return string(plain), nil
}
