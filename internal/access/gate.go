// Package access resolves bearer API keys to principals and decides
// whether a principal may act on a credential.
package access

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/smallbiznis/agentkey/internal/audit"
	"github.com/smallbiznis/agentkey/internal/clock"
	"github.com/smallbiznis/agentkey/internal/domain"
	"github.com/smallbiznis/agentkey/internal/repository"
)

// Gate authenticates and authorizes principals.
type Gate struct {
	principals repository.PrincipalRepository
	audit      *audit.Sink
	clock      clock.Clock
	rand       io.Reader
	timeout    time.Duration
	logger     *zap.Logger
}

// NewGate wires dependencies. A nil random source uses crypto/rand.
func NewGate(principals repository.PrincipalRepository, sink *audit.Sink, clk clock.Clock, random io.Reader, timeout time.Duration, logger *zap.Logger) *Gate {
	if random == nil {
		random = rand.Reader
	}
	return &Gate{principals: principals, audit: sink, clock: clk, rand: random, timeout: timeout, logger: logger}
}

// Authenticate resolves a raw API key to a principal. Every failure is
// reported as domain.ErrUnauthorized except store unavailability.
func (g *Gate) Authenticate(ctx context.Context, apiKey string) (domain.Principal, error) {
	ctx, cancel := g.withTimeout(ctx)
	defer cancel()

	apiKey = strings.TrimSpace(apiKey)
	kind, ok := KeyKind(apiKey)
	if !ok {
		return g.deny(ctx, "malformed key")
	}
	digest := Digest(apiKey)

	switch kind {
	case AgentKeyPrefix:
		agent, err := g.principals.GetAgentByKeyDigest(ctx, digest)
		if err != nil {
			return g.lookupFailed(ctx, err)
		}
		if subtle.ConstantTimeCompare(digest, agent.KeyDigest) != 1 {
			return g.deny(ctx, "digest mismatch")
		}
		if agent.Status != domain.AgentStatusActive {
			return g.deny(ctx, "agent "+agent.Status)
		}
		return domain.Principal{
			Kind:    domain.PrincipalAgent,
			ID:      agent.ID,
			TeamID:  agent.TeamID,
			AgentID: agent.ID,
			Name:    agent.Name,
		}, nil
	default:
		key, err := g.principals.GetTeamKeyByDigest(ctx, digest)
		if err != nil {
			return g.lookupFailed(ctx, err)
		}
		if subtle.ConstantTimeCompare(digest, key.KeyDigest) != 1 {
			return g.deny(ctx, "digest mismatch")
		}
		return domain.Principal{
			Kind:   domain.PrincipalAdmin,
			ID:     key.ID,
			TeamID: key.TeamID,
			Name:   key.Name,
		}, nil
	}
}

// Authorize checks that p may perform action on a resource owned by
// target.AgentID within target.TeamID. Denials are logged and audited.
func (g *Gate) Authorize(ctx context.Context, p domain.Principal, action string, target audit.Target) error {
	if p.Allows(target.AgentID, target.TeamID) {
		return nil
	}
	g.logger.Warn("access denied",
		zap.String("action", action),
		zap.String("principal_kind", string(p.Kind)),
		zap.Stringer("principal_id", p.ID),
		zap.Stringer("principal_team_id", p.TeamID),
		zap.Stringer("resource_agent_id", target.AgentID),
		zap.Stringer("resource_team_id", target.TeamID),
		zap.Stringer("credential_id", target.CredentialID),
	)
	g.audit.Failure(ctx, action, p, target, "out of scope")
	return fmt.Errorf("%s: %w", action, domain.ErrUnauthorized)
}

// RegisterAgent creates an agent in the admin's team and returns its API
// key. The key is only ever available from this call.
func (g *Gate) RegisterAgent(ctx context.Context, p domain.Principal, name string) (domain.Agent, string, error) {
	if err := g.requireAdmin(ctx, p, domain.ActionAgentRegister); err != nil {
		return domain.Agent{}, "", err
	}
	name = strings.TrimSpace(name)
	if name == "" || len(name) > 255 {
		return domain.Agent{}, "", fmt.Errorf("%w: agent name must be 1-255 characters", domain.ErrValidation)
	}

	ctx, cancel := g.withTimeout(ctx)
	defer cancel()

	key, err := GenerateKey(g.rand, AgentKeyPrefix)
	if err != nil {
		return domain.Agent{}, "", err
	}
	agent := domain.Agent{
		ID:        uuid.New(),
		TeamID:    p.TeamID,
		Name:      name,
		Status:    domain.AgentStatusActive,
		KeyDigest: Digest(key),
		KeyPrefix: DisplayPrefix(key),
		CreatedAt: g.now(),
	}
	if err := g.principals.CreateAgent(ctx, agent); err != nil {
		return domain.Agent{}, "", fmt.Errorf("register agent: %w", err)
	}
	g.succeeded(ctx, domain.ActionAgentRegister, p, audit.Target{TeamID: agent.TeamID, AgentID: agent.ID})
	return agent, key, nil
}

// SetAgentStatus moves an agent of the admin's team to status. Leaving
// the active status revokes the agent's outstanding tokens and makes its
// API key fail authentication until it is reactivated.
func (g *Gate) SetAgentStatus(ctx context.Context, p domain.Principal, agentID uuid.UUID, status string) (domain.Agent, error) {
	if err := g.requireAdmin(ctx, p, domain.ActionAgentUpdate); err != nil {
		return domain.Agent{}, err
	}
	if !domain.ValidAgentStatus(status) {
		return domain.Agent{}, fmt.Errorf("%w: status must be %q, %q or %q", domain.ErrValidation,
			domain.AgentStatusActive, domain.AgentStatusSuspended, domain.AgentStatusArchived)
	}

	ctx, cancel := g.withTimeout(ctx)
	defer cancel()

	target, err := g.teamAgent(ctx, p, domain.ActionAgentUpdate, agentID)
	if err != nil {
		return domain.Agent{}, err
	}
	agent, err := g.principals.UpdateAgentStatus(ctx, agentID, status, g.now())
	if err != nil {
		g.audit.Failure(ctx, domain.ActionAgentUpdate, p, target, "store update failed")
		return domain.Agent{}, fmt.Errorf("update agent: %w", err)
	}
	g.logger.Info("agent status changed", zap.Stringer("agent_id", agentID), zap.String("status", status))
	g.succeeded(ctx, domain.ActionAgentUpdate, p, target)
	return agent, nil
}

// DeleteAgent soft deletes an agent of the admin's team and revokes its
// outstanding tokens. Its credentials stay readable by team admins.
func (g *Gate) DeleteAgent(ctx context.Context, p domain.Principal, agentID uuid.UUID) error {
	if err := g.requireAdmin(ctx, p, domain.ActionAgentDelete); err != nil {
		return err
	}

	ctx, cancel := g.withTimeout(ctx)
	defer cancel()

	target, err := g.teamAgent(ctx, p, domain.ActionAgentDelete, agentID)
	if err != nil {
		return err
	}
	if err := g.principals.SoftDeleteAgent(ctx, agentID, g.now()); err != nil {
		g.audit.Failure(ctx, domain.ActionAgentDelete, p, target, "store update failed")
		return fmt.Errorf("delete agent: %w", err)
	}
	g.logger.Info("agent deleted", zap.Stringer("agent_id", agentID))
	g.succeeded(ctx, domain.ActionAgentDelete, p, target)
	return nil
}

// ListTeamKeys returns the admin's live team keys without digests.
func (g *Gate) ListTeamKeys(ctx context.Context, p domain.Principal) ([]domain.TeamKey, error) {
	if err := g.requireAdmin(ctx, p, domain.ActionTeamKeyList); err != nil {
		return nil, err
	}
	ctx, cancel := g.withTimeout(ctx)
	defer cancel()

	keys, err := g.principals.ListTeamKeys(ctx, p.TeamID)
	if err != nil {
		return nil, fmt.Errorf("list team keys: %w", err)
	}
	for i := range keys {
		keys[i].KeyDigest = nil
	}
	return keys, nil
}

// CreateTeamKey issues another admin key for the caller's team. The key is
// only ever available from this call.
func (g *Gate) CreateTeamKey(ctx context.Context, p domain.Principal, name string) (domain.TeamKey, string, error) {
	if err := g.requireAdmin(ctx, p, domain.ActionTeamKeyCreate); err != nil {
		return domain.TeamKey{}, "", err
	}
	name = strings.TrimSpace(name)
	if name == "" || len(name) > 255 {
		return domain.TeamKey{}, "", fmt.Errorf("%w: key name must be 1-255 characters", domain.ErrValidation)
	}

	ctx, cancel := g.withTimeout(ctx)
	defer cancel()

	raw, err := GenerateKey(g.rand, TeamKeyPrefix)
	if err != nil {
		return domain.TeamKey{}, "", err
	}
	key := domain.TeamKey{
		ID:        uuid.New(),
		TeamID:    p.TeamID,
		Name:      name,
		KeyDigest: Digest(raw),
		KeyPrefix: DisplayPrefix(raw),
		CreatedAt: g.now(),
	}
	if err := g.principals.CreateTeamKey(ctx, key); err != nil {
		return domain.TeamKey{}, "", fmt.Errorf("create team key: %w", err)
	}
	g.succeeded(ctx, domain.ActionTeamKeyCreate, p, audit.Target{TeamID: p.TeamID})
	key.KeyDigest = nil
	return key, raw, nil
}

// RevokeTeamKey revokes one of the team's admin keys. The key making the
// call cannot revoke itself.
func (g *Gate) RevokeTeamKey(ctx context.Context, p domain.Principal, keyID uuid.UUID) error {
	if err := g.requireAdmin(ctx, p, domain.ActionTeamKeyRevoke); err != nil {
		return err
	}
	if keyID == p.ID {
		return fmt.Errorf("%w: a key cannot revoke itself", domain.ErrValidation)
	}

	ctx, cancel := g.withTimeout(ctx)
	defer cancel()

	target := audit.Target{TeamID: p.TeamID}
	if err := g.principals.RevokeTeamKey(ctx, p.TeamID, keyID, g.now()); err != nil {
		g.audit.Failure(ctx, domain.ActionTeamKeyRevoke, p, target, "key "+keyID.String()+" not revoked")
		return fmt.Errorf("revoke team key: %w", err)
	}
	g.logger.Info("team key revoked", zap.Stringer("key_id", keyID), zap.Stringer("team_id", p.TeamID))
	g.succeeded(ctx, domain.ActionTeamKeyRevoke, p, target)
	return nil
}

// EnsureTeamKey makes rawKey a valid admin key for team, creating the team
// if needed. It is idempotent.
func (g *Gate) EnsureTeamKey(ctx context.Context, team domain.Team, name, rawKey string) error {
	if kind, ok := KeyKind(rawKey); !ok || kind != TeamKeyPrefix {
		return fmt.Errorf("%w: team key must be %q followed by %d alphanumerics", domain.ErrValidation, TeamKeyPrefix, keyBodyLen)
	}
	ctx, cancel := g.withTimeout(ctx)
	defer cancel()

	if _, err := g.principals.GetTeam(ctx, team.ID); err != nil {
		if !errors.Is(err, domain.ErrNotFound) {
			return fmt.Errorf("lookup team: %w", err)
		}
		if team.CreatedAt.IsZero() {
			team.CreatedAt = g.now()
		}
		if err := g.principals.CreateTeam(ctx, team); err != nil && !errors.Is(err, domain.ErrConflict) {
			return fmt.Errorf("create team: %w", err)
		}
	}

	digest := Digest(rawKey)
	if _, err := g.principals.GetTeamKeyByDigest(ctx, digest); err == nil {
		return nil
	} else if !errors.Is(err, domain.ErrNotFound) {
		return fmt.Errorf("lookup team key: %w", err)
	}

	err := g.principals.CreateTeamKey(ctx, domain.TeamKey{
		ID:        uuid.New(),
		TeamID:    team.ID,
		Name:      name,
		KeyDigest: digest,
		KeyPrefix: DisplayPrefix(rawKey),
		CreatedAt: g.now(),
	})
	if err != nil && !errors.Is(err, domain.ErrConflict) {
		return fmt.Errorf("create team key: %w", err)
	}
	return nil
}

func (g *Gate) requireAdmin(ctx context.Context, p domain.Principal, action string) error {
	if p.Kind == domain.PrincipalAdmin {
		return nil
	}
	g.audit.Failure(ctx, action, p, audit.Target{TeamID: p.TeamID}, "admin key required")
	return fmt.Errorf("%s: %w", action, domain.ErrUnauthorized)
}

// teamAgent loads a live agent and checks it belongs to the admin's team.
func (g *Gate) teamAgent(ctx context.Context, p domain.Principal, action string, agentID uuid.UUID) (audit.Target, error) {
	agent, err := g.principals.GetAgent(ctx, agentID)
	if err != nil {
		return audit.Target{}, fmt.Errorf("%s: %w", action, err)
	}
	target := audit.Target{TeamID: agent.TeamID, AgentID: agent.ID}
	if err := g.Authorize(ctx, p, action, target); err != nil {
		return audit.Target{}, err
	}
	return target, nil
}

func (g *Gate) succeeded(ctx context.Context, action string, p domain.Principal, target audit.Target) {
	if err := g.audit.Success(ctx, action, p, target); err != nil {
		g.logger.Warn("audit write failed", zap.String("action", action), zap.Error(err))
	}
}

func (g *Gate) lookupFailed(ctx context.Context, err error) (domain.Principal, error) {
	if errors.Is(err, domain.ErrNotFound) {
		return g.deny(ctx, "unknown key")
	}
	g.logger.Error("principal lookup failed", zap.Error(err))
	return domain.Principal{}, fmt.Errorf("authenticate: %w", err)
}

func (g *Gate) deny(ctx context.Context, reason string) (domain.Principal, error) {
	g.logger.Warn("authentication failed", zap.String("reason", reason), zap.String("ip", audit.ClientIP(ctx)))
	g.audit.Failure(ctx, domain.ActionAuthenticate, domain.Principal{}, audit.Target{}, reason)
	return domain.Principal{}, fmt.Errorf("authenticate: %w", domain.ErrUnauthorized)
}

func (g *Gate) now() time.Time {
	return g.clock.Now().UTC().Truncate(time.Microsecond)
}

func (g *Gate) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if g.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, g.timeout)
}
