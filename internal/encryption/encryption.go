// Package encryption seals credential secrets with AES-256-GCM under the
// active data-encryption key and opens them with whichever key version
// produced them.
package encryption

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/google/uuid"

	"github.com/smallbiznis/agentkey/internal/domain"
	"github.com/smallbiznis/agentkey/internal/keyring"
)

const (
	// NonceSize is the GCM nonce length prefixed to every blob.
	NonceSize = 12
	// TagSize is the GCM authentication tag length suffixed to every blob.
	TagSize = 16
)

// Service encrypts and decrypts opaque payloads. Nonces are always drawn
// from the service's random source; there is no way to supply one.
type Service struct {
	keys *keyring.Manager
	rand io.Reader
}

// NewService wires the data-encryption key ring and random source. A nil
// random source uses crypto/rand.
func NewService(keys *keyring.Manager, random io.Reader) *Service {
	if random == nil {
		random = rand.Reader
	}
	return &Service{keys: keys, rand: random}
}

// ActiveVersion reports the key version new encryptions will use.
func (s *Service) ActiveVersion() int {
	return s.keys.Active().Version
}

// RewrapSources lists the key versions whose ciphertext can be re-sealed
// under the active key. Archived and unknown versions are excluded.
func (s *Service) RewrapSources() []int {
	return s.keys.Current().Rotated()
}

// Encrypt seals plaintext bound to aad and returns nonce || ciphertext || tag
// along with the key version used.
func (s *Service) Encrypt(plaintext, aad []byte) (domain.SealedValue, error) {
	key := s.keys.Active()
	aead, err := newAEAD(key.Material)
	if err != nil {
		return domain.SealedValue{}, err
	}

	out := make([]byte, NonceSize, NonceSize+len(plaintext)+TagSize)
	if _, err := io.ReadFull(s.rand, out); err != nil {
		return domain.SealedValue{}, fmt.Errorf("generate nonce: %w", err)
	}
	out = aead.Seal(out, out[:NonceSize], plaintext, aad)

	return domain.SealedValue{Blob: out, KeyVersion: key.Version}, nil
}

// Decrypt opens sealed with the key version recorded next to it. Any
// failure, including an unknown or archived key version, is reported as
// domain.ErrDecryption.
func (s *Service) Decrypt(sealed domain.SealedValue, aad []byte) ([]byte, error) {
	if len(sealed.Blob) < NonceSize+TagSize {
		return nil, fmt.Errorf("%w: blob too short", domain.ErrDecryption)
	}
	key, err := s.keys.Lookup(sealed.KeyVersion)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrDecryption, err)
	}
	aead, err := newAEAD(key.Material)
	if err != nil {
		return nil, err
	}

	nonce, body := sealed.Blob[:NonceSize], sealed.Blob[NonceSize:]
	plaintext, err := aead.Open(nil, nonce, body, aad)
	if err != nil {
		return nil, fmt.Errorf("%w: key version %d", domain.ErrDecryption, sealed.KeyVersion)
	}
	return plaintext, nil
}

// CredentialAAD binds a ciphertext to its owning agent, credential and
// version: agent_id(16) || credential_id(16) || version(4, big endian).
func CredentialAAD(agentID, credentialID uuid.UUID, version int) []byte {
	aad := make([]byte, 0, 36)
	aad = append(aad, agentID[:]...)
	aad = append(aad, credentialID[:]...)
	return binary.BigEndian.AppendUint32(aad, uint32(version))
}

func newAEAD(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("new cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("new gcm: %w", err)
	}
	return aead, nil
}
