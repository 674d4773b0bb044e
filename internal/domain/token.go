package domain

import (
	"time"

	"github.com/google/uuid"
)

// TokenStatus is the stored or derived state of an ephemeral token.
type TokenStatus string

const (
	TokenActive  TokenStatus = "active"
	TokenRevoked TokenStatus = "revoked"
	// TokenExpired is never stored. It is derived from expires_at.
	TokenExpired TokenStatus = "expired"
)

// EphemeralToken is the stored side of a signed, credential-scoped bearer
// token. The row, not the signature, decides whether the token is usable.
type EphemeralToken struct {
	JTI               uuid.UUID
	AgentID           uuid.UUID
	CredentialID      uuid.UUID
	TeamID            uuid.UUID
	SigningKeyVersion int
	Digest            []byte
	Status            TokenStatus
	ExpiresAt         time.Time
	UsageCount        int
	MaxUsages         *int
	LastUsed          *time.Time
	CreatedAt         time.Time
	RevokedAt         *time.Time
}

// EffectiveStatus folds expiry into the stored status.
func (t EphemeralToken) EffectiveStatus(now time.Time) TokenStatus {
	if t.Status == TokenActive && !now.Before(t.ExpiresAt) {
		return TokenExpired
	}
	return t.Status
}

// Usable reports whether one more use is allowed at now.
func (t EphemeralToken) Usable(now time.Time) bool {
	if t.EffectiveStatus(now) != TokenActive {
		return false
	}
	return t.MaxUsages == nil || t.UsageCount < *t.MaxUsages
}

// TokenGrant is what a verified token entitles its bearer to.
type TokenGrant struct {
	JTI          uuid.UUID
	AgentID      uuid.UUID
	CredentialID uuid.UUID
	TeamID       uuid.UUID
	ExpiresAt    time.Time
	UsageCount   int
}
