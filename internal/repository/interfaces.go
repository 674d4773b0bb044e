package repository

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/smallbiznis/agentkey/internal/domain"
)

// SealFunc produces the ciphertext for a version about to be written. It is
// called while the credential row is locked, so it must not touch the store.
type SealFunc func(cred domain.Credential, version int) (domain.SealedValue, error)

// ListCredentialsParams selects one keyset page of live credentials ordered
// by (created_at, id).
type ListCredentialsParams struct {
	TeamID       uuid.UUID
	AgentID      uuid.UUID
	Active       *bool
	AfterCreated *time.Time
	AfterID      uuid.UUID
	Limit        int
}

// RewrapCandidate is a stored version whose ciphertext uses a retired but
// still readable key version.
type RewrapCandidate struct {
	AgentID uuid.UUID
	Version domain.CredentialVersion
}

// AuditFilter selects audit events, newest first.
type AuditFilter struct {
	TeamID       uuid.UUID
	CredentialID uuid.UUID
	Limit        int
}

// CredentialRepository persists credentials and their version history.
type CredentialRepository interface {
	CreateCredential(ctx context.Context, cred domain.Credential, first domain.CredentialVersion) (domain.Credential, error)
	GetCredential(ctx context.Context, id uuid.UUID) (domain.Credential, error)
	GetCredentialByName(ctx context.Context, agentID uuid.UUID, name string) (domain.Credential, error)
	ListCredentials(ctx context.Context, params ListCredentialsParams) ([]domain.Credential, error)
	UpdateCredential(ctx context.Context, cred domain.Credential) (domain.Credential, error)
	// RotateCredential supersedes the active version and inserts version
	// current+1 produced by seal, as one transaction.
	RotateCredential(ctx context.Context, id uuid.UUID, at time.Time, grace time.Duration, seal SealFunc) (domain.Credential, domain.CredentialVersion, error)
	ActiveVersion(ctx context.Context, credentialID uuid.UUID) (domain.CredentialVersion, error)
	ListVersions(ctx context.Context, credentialID uuid.UUID) ([]domain.CredentialVersion, error)
	TouchCredential(ctx context.Context, id uuid.UUID, at time.Time) error
	SoftDeleteCredential(ctx context.Context, id uuid.UUID, at time.Time) error
	ListDueForRotation(ctx context.Context, at time.Time, limit int) ([]domain.Credential, error)
	ArchiveExpiredVersions(ctx context.Context, at time.Time) (int64, error)
	// DeferRotation moves a due credential's next rotation to until so
	// that a credential failing every tick does not hold up the rest.
	DeferRotation(ctx context.Context, id uuid.UUID, until time.Time) error
	// ListRewrapCandidates returns versions sealed under one of
	// fromKeyVersions, oldest first.
	ListRewrapCandidates(ctx context.Context, fromKeyVersions []int, limit int) ([]RewrapCandidate, error)
	// RewrapVersion replaces a version's ciphertext only if it is still
	// sealed under fromKeyVersion.
	RewrapVersion(ctx context.Context, versionID uuid.UUID, fromKeyVersion int, sealed domain.SealedValue) (bool, error)
}

// TokenRepository persists ephemeral token rows.
type TokenRepository interface {
	CreateToken(ctx context.Context, token domain.EphemeralToken) error
	GetToken(ctx context.Context, jti uuid.UUID) (domain.EphemeralToken, error)
	// ConsumeToken checks usability and increments usage_count in one
	// statement. It returns domain.ErrNotFound when no usable row matched.
	ConsumeToken(ctx context.Context, jti uuid.UUID, digest []byte, at time.Time) (domain.EphemeralToken, error)
	RevokeToken(ctx context.Context, jti uuid.UUID, at time.Time) error
	RevokeTokensForCredential(ctx context.Context, credentialID uuid.UUID, at time.Time) (int64, error)
	DeleteExpiredTokens(ctx context.Context, before time.Time) (int64, error)
}

// AuditRepository is an append-only audit log.
type AuditRepository interface {
	AppendAudit(ctx context.Context, event domain.AuditEvent) error
	ListAudit(ctx context.Context, filter AuditFilter) ([]domain.AuditEvent, error)
}

// PrincipalRepository resolves teams, agents and team keys.
type PrincipalRepository interface {
	CreateTeam(ctx context.Context, team domain.Team) error
	GetTeam(ctx context.Context, id uuid.UUID) (domain.Team, error)
	CreateAgent(ctx context.Context, agent domain.Agent) error
	GetAgent(ctx context.Context, id uuid.UUID) (domain.Agent, error)
	GetAgentByKeyDigest(ctx context.Context, digest []byte) (domain.Agent, error)
	CreateTeamKey(ctx context.Context, key domain.TeamKey) error
	GetTeamKeyByDigest(ctx context.Context, digest []byte) (domain.TeamKey, error)
	// UpdateAgentStatus sets a live agent's status. Any status other than
	// active also revokes the agent's outstanding tokens, in one transaction.
	UpdateAgentStatus(ctx context.Context, id uuid.UUID, status string, at time.Time) (domain.Agent, error)
	// SoftDeleteAgent hides the agent and revokes its outstanding tokens.
	SoftDeleteAgent(ctx context.Context, id uuid.UUID, at time.Time) error
	ListTeamKeys(ctx context.Context, teamID uuid.UUID) ([]domain.TeamKey, error)
	RevokeTeamKey(ctx context.Context, teamID, id uuid.UUID, at time.Time) error
}

// Store bundles every repository behind one backing database.
type Store interface {
	CredentialRepository
	TokenRepository
	AuditRepository
	PrincipalRepository
	Ping(ctx context.Context) error
	Close() error
}
