package domain

const redacted = "[REDACTED]"

// Secret holds plaintext credential material. It never prints its contents.
type Secret struct {
	b []byte
}

// NewSecret takes ownership of b.
func NewSecret(b []byte) Secret { return Secret{b: b} }

// Reveal returns the plaintext as a string.
func (s Secret) Reveal() string { return string(s.b) }

// Bytes returns the underlying plaintext without copying.
func (s Secret) Bytes() []byte { return s.b }

func (s Secret) Len() int { return len(s.b) }

func (s Secret) IsZero() bool { return len(s.b) == 0 }

// Wipe zeroes the plaintext in place.
func (s Secret) Wipe() {
	for i := range s.b {
		s.b[i] = 0
	}
}

func (Secret) String() string { return redacted }

func (Secret) GoString() string { return redacted }

func (Secret) MarshalJSON() ([]byte, error) { return []byte(`"` + redacted + `"`), nil }
