// Package keyspace holds helpers shared by the KV backends.
package keyspace

// PrefixEnd returns the smallest key greater than every key starting with
// prefix, or "" when no such bound exists.
func PrefixEnd(prefix string) string {
	b := []byte(prefix)
	for i := len(b) - 1; i >= 0; i-- {
		if b[i] < 0xff {
			b[i]++
			return string(b[:i+1])
		}
	}
	return ""
}

// Clone copies v so callers cannot alias stored bytes.
func Clone(v []byte) []byte {
	if v == nil {
		return nil
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out
}
