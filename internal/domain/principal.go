package domain

import (
	"time"

	"github.com/google/uuid"
)

// PrincipalKind distinguishes agent-scoped from team-scoped callers.
type PrincipalKind string

const (
	PrincipalAgent PrincipalKind = "agent"
	PrincipalAdmin PrincipalKind = "admin"
	// PrincipalSystem is used by background jobs such as the rotation scheduler.
	PrincipalSystem PrincipalKind = "system"
)

// Principal is an authenticated caller.
type Principal struct {
	Kind    PrincipalKind
	ID      uuid.UUID
	TeamID  uuid.UUID
	AgentID uuid.UUID
	Name    string
}

// SystemPrincipal returns the principal used for scheduler-driven work.
func SystemPrincipal() Principal {
	return Principal{Kind: PrincipalSystem, Name: "rotation-scheduler"}
}

// Allows reports whether the principal may act on a resource owned by the
// given agent inside the given team.
func (p Principal) Allows(agentID, teamID uuid.UUID) bool {
	switch p.Kind {
	case PrincipalAgent:
		return p.AgentID == agentID && p.TeamID == teamID
	case PrincipalAdmin:
		return p.TeamID == teamID
	case PrincipalSystem:
		return true
	default:
		return false
	}
}

// Agent is an automated caller that owns credentials.
type Agent struct {
	ID        uuid.UUID
	TeamID    uuid.UUID
	Name      string
	Status    string
	KeyDigest []byte
	KeyPrefix string
	CreatedAt time.Time
	DeletedAt *time.Time
}

// Team owns agents and their credentials.
type Team struct {
	ID        uuid.UUID
	Name      string
	CreatedAt time.Time
}

// TeamKey is an admin API key scoped to every credential in a team.
type TeamKey struct {
	ID        uuid.UUID
	TeamID    uuid.UUID
	Name      string
	KeyDigest []byte
	KeyPrefix string
	CreatedAt time.Time
	RevokedAt *time.Time
}

// Only active agents authenticate.
const (
	AgentStatusActive    = "active"
	AgentStatusSuspended = "suspended"
	AgentStatusArchived  = "archived"
)

// ValidAgentStatus reports whether s is a known agent status.
func ValidAgentStatus(s string) bool {
	switch s {
	case AgentStatusActive, AgentStatusSuspended, AgentStatusArchived:
		return true
	}
	return false
}
