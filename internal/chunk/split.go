// Package chunk splits payloads that exceed one push record and puts them
// back together on the receiving side.
package chunk

import (
	"math/rand/v2"
	"unicode/utf8"

	"github.com/google/uuid"

	"pushlink/internal/domain"
)

const (
	DefaultMaxChars = 2048

	// maxDataBytes bounds the JSON-escaped size of Chunk.Data so the encoded
	// chunk plus its envelope always fits in a single record.
	maxDataBytes = 3072
)

// Split cuts payload into chunks of at most maxChars runes sharing one
// random full message id.
func Split(payload string, senderID uuid.UUID, maxChars int) []domain.Chunk {
	if maxChars <= 0 {
		maxChars = DefaultMaxChars
	}

	var parts []string
	rest := payload
	for len(rest) > 0 {
		n := cut(rest, maxChars)
		parts = append(parts, rest[:n])
		rest = rest[n:]
	}
	if len(parts) == 0 {
		parts = []string{""}
	}

	fullID := rand.Uint32()
	total := uint32(len(parts))
	chunks := make([]domain.Chunk, len(parts))
	for i, data := range parts {
		chunks[i] = domain.Chunk{
			SenderID:       senderID,
			ChunkMessageID: rand.Uint32(),
			FullMessageID:  fullID,
			Index:          uint32(i),
			Total:          total,
			Data:           data,
		}
	}
	return chunks
}

// cut returns the byte length of the longest prefix of s holding at most
// maxChars runes and at most maxDataBytes once JSON-escaped.
func cut(s string, maxChars int) int {
	var runes, escaped, i int
	for i < len(s) && runes < maxChars {
		r, size := utf8.DecodeRuneInString(s[i:])
		w := escapedLen(r, size)
		if escaped+w > maxDataBytes {
			break
		}
		escaped += w
		runes++
		i += size
	}
	return i
}

// escapedLen mirrors encoding/json's string escaping.
func escapedLen(r rune, size int) int {
	switch {
	case r == utf8.RuneError && size == 1:
		return 6
	case r == '"' || r == '\\' || r == '\n' || r == '\r' || r == '\t':
		return 2
	case r < 0x20 || r == '<' || r == '>' || r == '&' || r == '\u2028' || r == '\u2029':
		return 6
	}
	return size
}
