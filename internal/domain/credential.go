package domain

import (
	"time"

	"github.com/google/uuid"
)

// VersionStatus tracks where a credential version sits in its lifecycle.
type VersionStatus string

const (
	VersionActive     VersionStatus = "active"
	VersionSuperseded VersionStatus = "superseded"
	VersionArchived   VersionStatus = "archived"
)

// RotationPolicy controls automatic rotation for a credential.
type RotationPolicy struct {
	Enabled  bool
	Interval time.Duration
}

// NextDue returns when the next rotation should happen after from, or nil
// when automatic rotation is disabled.
func (p RotationPolicy) NextDue(from time.Time) *time.Time {
	if !p.Enabled || p.Interval <= 0 {
		return nil
	}
	due := from.Add(p.Interval)
	return &due
}

// Credential is the metadata of a stored secret. The ciphertext itself lives
// on the active CredentialVersion and is never carried by this type.
type Credential struct {
	ID              uuid.UUID
	AgentID         uuid.UUID
	TeamID          uuid.UUID
	Name            string
	Type            string
	Description     string
	Metadata        map[string]string
	IsActive        bool
	Rotation        RotationPolicy
	CurrentVersion  int
	LastRotated     *time.Time
	NextRotationDue *time.Time
	LastAccessed    *time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
	DeletedAt       *time.Time
}

// SealedValue is an AEAD blob (nonce || ciphertext || tag) together with the
// data-encryption key version that produced it.
type SealedValue struct {
	Blob       []byte
	KeyVersion int
}

// CredentialVersion is one append-only generation of a credential's secret.
type CredentialVersion struct {
	ID           uuid.UUID
	CredentialID uuid.UUID
	Version      int
	Sealed       SealedValue
	Status       VersionStatus
	CreatedAt    time.Time
	ExpiresAt    *time.Time
}

// CredentialFilter narrows credential listings. Zero-valued ids match any.
type CredentialFilter struct {
	TeamID  uuid.UUID
	AgentID uuid.UUID
	Active  *bool
	Limit   int
	Cursor  string
}

// CredentialPage is one page of a keyset-paginated listing.
type CredentialPage struct {
	Items      []Credential
	NextCursor string
}

// CredentialUpdate carries the non-secret fields a caller may change. Nil
// fields are left untouched.
type CredentialUpdate struct {
	Description *string
	Metadata    map[string]string
	IsActive    *bool
	Rotation    *RotationPolicy
}
