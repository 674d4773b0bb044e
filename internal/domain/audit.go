package domain

import (
	"time"

	"github.com/google/uuid"
)

// AuditOutcome is the result recorded for an audited attempt.
type AuditOutcome string

const (
	OutcomeSuccess AuditOutcome = "success"
	OutcomeFailed  AuditOutcome = "failed"
)

// AuditEvent is an append-only record of an access, mutation or rotation.
type AuditEvent struct {
	ID           int64
	Action       string
	ActorKind    PrincipalKind
	ActorID      uuid.UUID
	TeamID       uuid.UUID
	AgentID      uuid.UUID
	CredentialID uuid.UUID
	TokenJTI     uuid.UUID
	IP           string
	Outcome      AuditOutcome
	Reason       string
	OccurredAt   time.Time
}

// Audit actions.
const (
	ActionCredentialCreate  = "credential.create"
	ActionCredentialRead    = "credential.read"
	ActionCredentialUpdate  = "credential.update"
	ActionCredentialDecrypt = "credential.decrypt"
	ActionCredentialRotate  = "credential.rotate"
	ActionCredentialDelete  = "credential.delete"
	ActionCredentialRewrap  = "credential.rewrap"
	ActionTokenIssue        = "token.issue"
	ActionTokenUse          = "token.use"
	ActionTokenRevoke       = "token.revoke"
	ActionTokenStatus       = "token.status"
	ActionAuthenticate      = "principal.authenticate"
	ActionAgentRegister     = "agent.register"
	ActionAgentUpdate       = "agent.update"
	ActionAgentDelete       = "agent.delete"
	ActionTeamKeyList       = "api_key.list"
	ActionTeamKeyCreate     = "api_key.create"
	ActionTeamKeyRevoke     = "api_key.revoke"
)
