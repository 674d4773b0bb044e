// Package audit records every credential access, mutation and rotation
// attempt together with its outcome.
package audit

import (
	"context"
	"errors"
	"fmt"

	"github.com/bwmarrin/snowflake"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/smallbiznis/agentkey/internal/clock"
	"github.com/smallbiznis/agentkey/internal/domain"
	"github.com/smallbiznis/agentkey/internal/repository"
)

// idAttempts bounds how often Record draws a fresh id after a primary key
// conflict, which happens when two processes share a node id.
const idAttempts = 8

// Sink persists audit events and mirrors them to the structured log.
type Sink struct {
	repo   repository.AuditRepository
	ids    *snowflake.Node
	clock  clock.Clock
	logger *zap.Logger
}

// NewSink wires dependencies.
func NewSink(repo repository.AuditRepository, ids *snowflake.Node, clk clock.Clock, logger *zap.Logger) *Sink {
	return &Sink{repo: repo, ids: ids, clock: clk, logger: logger}
}

// Record stamps and appends event. The client IP is taken from ctx when
// the event does not carry one.
func (s *Sink) Record(ctx context.Context, event domain.AuditEvent) error {
	generated := event.ID == 0
	if generated {
		event.ID = s.ids.Generate().Int64()
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = s.clock.Now().UTC()
	}
	if event.IP == "" {
		event.IP = ClientIP(ctx)
	}

	s.log(event)

	err := s.repo.AppendAudit(ctx, event)
	for attempt := 1; generated && attempt < idAttempts && errors.Is(err, domain.ErrConflict); attempt++ {
		s.logger.Warn("audit id collision", zap.Int64("audit_id", event.ID), zap.Int("attempt", attempt))
		event.ID = s.ids.Generate().Int64()
		err = s.repo.AppendAudit(ctx, event)
	}
	if err != nil {
		s.logger.Error("audit append failed", zap.String("event", event.Action), zap.Int64("audit_id", event.ID), zap.Error(err))
		return fmt.Errorf("append audit: %w", err)
	}
	return nil
}

// Success records a successful attempt by principal.
func (s *Sink) Success(ctx context.Context, action string, p domain.Principal, target Target) error {
	return s.Record(ctx, newEvent(action, p, target, domain.OutcomeSuccess, ""))
}

// Failure records a failed or denied attempt. A failure to persist is
// logged and otherwise ignored so the original error reaches the caller.
func (s *Sink) Failure(ctx context.Context, action string, p domain.Principal, target Target, reason string) {
	_ = s.Record(ctx, newEvent(action, p, target, domain.OutcomeFailed, reason))
}

// List returns the newest events for a team, optionally narrowed to one
// credential.
func (s *Sink) List(ctx context.Context, teamID, credentialID uuid.UUID, limit int) ([]domain.AuditEvent, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	return s.repo.ListAudit(ctx, repository.AuditFilter{TeamID: teamID, CredentialID: credentialID, Limit: limit})
}

// Target identifies the resource an audited action touched.
type Target struct {
	TeamID       uuid.UUID
	AgentID      uuid.UUID
	CredentialID uuid.UUID
	TokenJTI     uuid.UUID
}

// CredentialTarget builds a Target for cred.
func CredentialTarget(cred domain.Credential) Target {
	return Target{TeamID: cred.TeamID, AgentID: cred.AgentID, CredentialID: cred.ID}
}

func newEvent(action string, p domain.Principal, target Target, outcome domain.AuditOutcome, reason string) domain.AuditEvent {
	teamID := target.TeamID
	if teamID == uuid.Nil {
		teamID = p.TeamID
	}
	return domain.AuditEvent{
		Action:       action,
		ActorKind:    p.Kind,
		ActorID:      p.ID,
		TeamID:       teamID,
		AgentID:      target.AgentID,
		CredentialID: target.CredentialID,
		TokenJTI:     target.TokenJTI,
		Outcome:      outcome,
		Reason:       reason,
	}
}

func (s *Sink) log(event domain.AuditEvent) {
	fields := []zap.Field{
		zap.String("event", event.Action),
		zap.Time("timestamp", event.OccurredAt),
		zap.String("outcome", string(event.Outcome)),
		zap.String("actor_kind", string(event.ActorKind)),
	}
	if event.ActorID != uuid.Nil {
		fields = append(fields, zap.Stringer("actor_id", event.ActorID))
	}
	if event.TeamID != uuid.Nil {
		fields = append(fields, zap.Stringer("team_id", event.TeamID))
	}
	if event.AgentID != uuid.Nil {
		fields = append(fields, zap.Stringer("agent_id", event.AgentID))
	}
	if event.CredentialID != uuid.Nil {
		fields = append(fields, zap.Stringer("credential_id", event.CredentialID))
	}
	if event.TokenJTI != uuid.Nil {
		fields = append(fields, zap.Stringer("jti", event.TokenJTI))
	}
	if event.IP != "" {
		fields = append(fields, zap.String("ip", event.IP))
	}
	if event.Reason != "" {
		fields = append(fields, zap.String("reason", event.Reason))
	}

	if event.Outcome == domain.OutcomeFailed {
		s.logger.Warn("audit", fields...)
		return
	}
	s.logger.Info("audit", fields...)
}
