package access

import (
	"fmt"
	"io"

	"github.com/zeebo/blake3"
)

const (
	// AgentKeyPrefix marks keys that authenticate a single agent.
	AgentKeyPrefix = "ak_"
	// TeamKeyPrefix marks admin keys scoped to a whole team.
	TeamKeyPrefix = "tk_"

	keyBodyLen = 61
	// KeyLength is the total length of a generated key.
	KeyLength = len(AgentKeyPrefix) + keyBodyLen

	displayPrefixLen = 10
)

const alphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

// digestKey domain-separates API key digests from every other BLAKE3 use.
// Changing it invalidates all stored keys.
var digestKey = [32]byte{
	'a', 'g', 'e', 'n', 't', 'k', 'e', 'y', '/', 'a', 'p', 'i', '-', 'k', 'e', 'y',
	'/', 'd', 'i', 'g', 'e', 's', 't', '/', 'v', '1',
}

// GenerateKey returns a new key with prefix followed by 61 alphanumerics.
func GenerateKey(random io.Reader, prefix string) (string, error) {
	out := make([]byte, 0, len(prefix)+keyBodyLen)
	out = append(out, prefix...)

	// Rejection sampling keeps the alphabet uniform: 248 is the largest
	// multiple of 62 that fits in a byte.
	buf := make([]byte, keyBodyLen*2)
	for len(out) < cap(out) {
		if _, err := io.ReadFull(random, buf); err != nil {
			return "", fmt.Errorf("generate api key: %w", err)
		}
		for _, b := range buf {
			if b >= 248 {
				continue
			}
			out = append(out, alphabet[int(b)%len(alphabet)])
			if len(out) == cap(out) {
				break
			}
		}
	}
	return string(out), nil
}

// KeyKind reports which principal kind key is formatted for. The second
// result is false when the key is malformed.
func KeyKind(key string) (string, bool) {
	if len(key) != KeyLength {
		return "", false
	}
	prefix := key[:len(AgentKeyPrefix)]
	if prefix != AgentKeyPrefix && prefix != TeamKeyPrefix {
		return "", false
	}
	for i := len(prefix); i < len(key); i++ {
		c := key[i]
		if !('a' <= c && c <= 'z' || 'A' <= c && c <= 'Z' || '0' <= c && c <= '9') {
			return "", false
		}
	}
	return prefix, true
}

// Digest is the stored one-way form of an API key.
func Digest(key string) []byte {
	h, err := blake3.NewKeyed(digestKey[:])
	if err != nil {
		// Only returned for a key that is not 32 bytes.
		panic(err)
	}
	_, _ = h.Write([]byte(key))
	return h.Sum(nil)
}

// DisplayPrefix is the non-secret leading part of a key shown in listings.
func DisplayPrefix(key string) string {
	if len(key) < displayPrefixLen {
		return key
	}
	return key[:displayPrefixLen]
}
