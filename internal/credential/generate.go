package credential

import (
	"encoding/base64"
	"fmt"
	"io"

	"github.com/smallbiznis/agentkey/internal/domain"
)

// GeneratedSecretBytes is the entropy of a generated secret before encoding.
const GeneratedSecretBytes = 32

// GenerateSecret returns a random URL-safe secret for rotations that do not
// supply one.
func GenerateSecret(random io.Reader) (domain.Secret, error) {
	raw := make([]byte, GeneratedSecretBytes)
	if _, err := io.ReadFull(random, raw); err != nil {
		return domain.Secret{}, fmt.Errorf("generate secret: %w", err)
	}
	out := make([]byte, base64.RawURLEncoding.EncodedLen(len(raw)))
	base64.RawURLEncoding.Encode(out, raw)
	clear(raw)
	return domain.NewSecret(out), nil
}
