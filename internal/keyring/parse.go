package keyring

import (
	"encoding/base64"
	"fmt"
	"io"
	"strconv"
	"strings"

	"golang.org/x/crypto/argon2"
)

const (
	// DataKeySize is the AES-256 key length.
	DataKeySize = 32
	// MinSigningKeySize is the shortest accepted HS256 secret.
	MinSigningKeySize = 32
)

const (
	deriveTime    uint32 = 3
	deriveMemory  uint32 = 64 * 1024
	deriveThreads uint8  = 2
	minSaltLen           = 16
)

// Parse reads a comma separated list of "version:status:base64key" entries.
func Parse(spec string) ([]Key, error) {
	var keys []Key
	for _, entry := range strings.Split(spec, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.SplitN(entry, ":", 3)
		if len(parts) != 3 {
			return nil, fmt.Errorf("keyring: entry must be version:status:key")
		}
		version, err := strconv.Atoi(parts[0])
		if err != nil {
			return nil, fmt.Errorf("keyring: invalid version %q", parts[0])
		}
		material, err := base64.StdEncoding.DecodeString(parts[2])
		if err != nil {
			return nil, fmt.Errorf("keyring: version %d: decode key: %w", version, err)
		}
		keys = append(keys, Key{Version: version, Status: Status(strings.ToLower(parts[1])), Material: material})
	}
	return keys, nil
}

// Derive stretches a passphrase into a data-encryption key with argon2id.
func Derive(passphrase, salt []byte) ([]byte, error) {
	if len(passphrase) == 0 {
		return nil, fmt.Errorf("keyring: empty passphrase")
	}
	if len(salt) < minSaltLen {
		return nil, fmt.Errorf("keyring: salt must be at least %d bytes", minSaltLen)
	}
	return argon2.IDKey(passphrase, salt, deriveTime, deriveMemory, deriveThreads, DataKeySize), nil
}

// Generate reads size random bytes from rand.
func Generate(rand io.Reader, size int) ([]byte, error) {
	b := make([]byte, size)
	if _, err := io.ReadFull(rand, b); err != nil {
		return nil, fmt.Errorf("keyring: generate key: %w", err)
	}
	return b, nil
}
