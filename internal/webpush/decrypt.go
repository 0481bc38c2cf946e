package webpush

import (
	"crypto/ecdh"
	"encoding/binary"
	"errors"
	"fmt"
)

var ErrDecrypt = errors.New("webpush: decryption failed")

// Decrypt opens a single-record aes128gcm body addressed to keys.
func Decrypt(keys *SubscriptionKeys, body []byte) ([]byte, error) {
	if keys == nil || keys.Private == nil {
		return nil, fmt.Errorf("%w: missing subscription keys", ErrInvalidKey)
	}
	if len(body) < saltSize+5 {
		return nil, fmt.Errorf("%w: body too short", ErrDecrypt)
	}

	salt := body[:saltSize]
	rs := binary.BigEndian.Uint32(body[saltSize : saltSize+4])
	idLen := int(body[saltSize+4])
	rest := body[saltSize+5:]
	if idLen != publicKeySize || len(rest) < idLen+tagSize {
		return nil, fmt.Errorf("%w: malformed header", ErrDecrypt)
	}
	asPubBytes := rest[:idLen]
	ciphertext := rest[idLen:]
	if rs < tagSize+1 || len(ciphertext) > int(rs) {
		return nil, fmt.Errorf("%w: record size %d", ErrDecrypt, rs)
	}

	asPub, err := ecdh.P256().NewPublicKey(asPubBytes)
	if err != nil {
		return nil, fmt.Errorf("%w: sender key: %v", ErrDecrypt, err)
	}
	shared, err := keys.Private.ECDH(asPub)
	if err != nil {
		return nil, fmt.Errorf("%w: ecdh: %v", ErrDecrypt, err)
	}

	cek, nonce, err := deriveContentKeys(shared, keys.Auth, salt, keys.Private.PublicKey().Bytes(), asPubBytes)
	if err != nil {
		return nil, err
	}
	aead, err := newGCM(cek)
	if err != nil {
		return nil, err
	}
	record, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecrypt, err)
	}

	// Strip zero padding back to the last-record delimiter.
	i := len(record) - 1
	for i >= 0 && record[i] == 0 {
		i--
	}
	if i < 0 || record[i] != 0x02 {
		return nil, fmt.Errorf("%w: missing record delimiter", ErrDecrypt)
	}
	return record[:i], nil
}
