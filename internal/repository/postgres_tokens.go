package repository

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/smallbiznis/agentkey/internal/domain"
)

const tokenColumns = `jti, agent_id, credential_id, team_id, signing_key_version, digest, status,
expires_at, usage_count, max_usages, last_used, created_at, revoked_at`

func scanToken(row rowScanner) (domain.EphemeralToken, error) {
	var (
		t      domain.EphemeralToken
		status string
	)
	if err := row.Scan(
		&t.JTI,
		&t.AgentID,
		&t.CredentialID,
		&t.TeamID,
		&t.SigningKeyVersion,
		&t.Digest,
		&status,
		&t.ExpiresAt,
		&t.UsageCount,
		&t.MaxUsages,
		&t.LastUsed,
		&t.CreatedAt,
		&t.RevokedAt,
	); err != nil {
		return domain.EphemeralToken{}, err
	}
	t.Status = domain.TokenStatus(status)
	return t, nil
}

func (s *PostgresStore) CreateToken(ctx context.Context, token domain.EphemeralToken) error {
	_, err := s.db.Exec(ctx, `INSERT INTO ephemeral_tokens (`+tokenColumns+`)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		token.JTI,
		token.AgentID,
		token.CredentialID,
		token.TeamID,
		token.SigningKeyVersion,
		token.Digest,
		string(token.Status),
		token.ExpiresAt,
		token.UsageCount,
		token.MaxUsages,
		token.LastUsed,
		token.CreatedAt,
		token.RevokedAt,
	)
	return classify("create token", err)
}

func (s *PostgresStore) GetToken(ctx context.Context, jti uuid.UUID) (domain.EphemeralToken, error) {
	t, err := scanToken(s.db.QueryRow(ctx, `SELECT `+tokenColumns+` FROM ephemeral_tokens WHERE jti = $1`, jti))
	if err != nil {
		return domain.EphemeralToken{}, classify("get token", err)
	}
	return t, nil
}

func (s *PostgresStore) ConsumeToken(ctx context.Context, jti uuid.UUID, digest []byte, at time.Time) (domain.EphemeralToken, error) {
	const query = `UPDATE ephemeral_tokens
SET usage_count = usage_count + 1, last_used = $3
WHERE jti = $1 AND digest = $2 AND status = 'active' AND expires_at > $3
  AND (max_usages IS NULL OR usage_count < max_usages)
RETURNING ` + tokenColumns

	t, err := scanToken(s.db.QueryRow(ctx, query, jti, digest, at))
	if err != nil {
		return domain.EphemeralToken{}, classify("consume token", err)
	}
	return t, nil
}

func (s *PostgresStore) RevokeToken(ctx context.Context, jti uuid.UUID, at time.Time) error {
	_, err := s.db.Exec(ctx, `UPDATE ephemeral_tokens SET status = 'revoked', revoked_at = $2
WHERE jti = $1 AND status = 'active'`, jti, at)
	return classify("revoke token", err)
}

func (s *PostgresStore) RevokeTokensForCredential(ctx context.Context, credentialID uuid.UUID, at time.Time) (int64, error) {
	tag, err := s.db.Exec(ctx, `UPDATE ephemeral_tokens SET status = 'revoked', revoked_at = $2
WHERE credential_id = $1 AND status = 'active'`, credentialID, at)
	if err != nil {
		return 0, classify("revoke credential tokens", err)
	}
	return tag.RowsAffected(), nil
}

func (s *PostgresStore) DeleteExpiredTokens(ctx context.Context, before time.Time) (int64, error) {
	tag, err := s.db.Exec(ctx, `DELETE FROM ephemeral_tokens WHERE expires_at < $1`, before)
	if err != nil {
		return 0, classify("delete expired tokens", err)
	}
	return tag.RowsAffected(), nil
}

const auditColumns = `id, action, actor_kind, actor_id, team_id, agent_id, credential_id, token_jti,
ip, outcome, reason, occurred_at`

func (s *PostgresStore) AppendAudit(ctx context.Context, event domain.AuditEvent) error {
	_, err := s.db.Exec(ctx, `INSERT INTO audit_events (`+auditColumns+`)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		event.ID,
		event.Action,
		string(event.ActorKind),
		nullUUID(event.ActorID),
		nullUUID(event.TeamID),
		nullUUID(event.AgentID),
		nullUUID(event.CredentialID),
		nullUUID(event.TokenJTI),
		event.IP,
		string(event.Outcome),
		event.Reason,
		event.OccurredAt,
	)
	return classify("append audit", err)
}

func (s *PostgresStore) ListAudit(ctx context.Context, filter AuditFilter) ([]domain.AuditEvent, error) {
	rows, err := s.db.Query(ctx, `SELECT `+auditColumns+` FROM audit_events
WHERE team_id = $1 AND ($2::uuid IS NULL OR credential_id = $2)
ORDER BY occurred_at DESC, id DESC
LIMIT $3`, filter.TeamID, nullUUID(filter.CredentialID), filter.Limit)
	if err != nil {
		return nil, classify("list audit", err)
	}
	defer rows.Close()

	var out []domain.AuditEvent
	for rows.Next() {
		var (
			e                                     domain.AuditEvent
			kind, outcome                         string
			actor, team, agent, credential, token uuid.NullUUID
		)
		if err := rows.Scan(&e.ID, &e.Action, &kind, &actor, &team, &agent, &credential, &token,
			&e.IP, &outcome, &e.Reason, &e.OccurredAt); err != nil {
			return nil, classify("scan audit", err)
		}
		e.ActorKind = domain.PrincipalKind(kind)
		e.Outcome = domain.AuditOutcome(outcome)
		e.ActorID, e.TeamID, e.AgentID = actor.UUID, team.UUID, agent.UUID
		e.CredentialID, e.TokenJTI = credential.UUID, token.UUID
		out = append(out, e)
	}
	return out, classify("list audit", rows.Err())
}

func (s *PostgresStore) CreateTeam(ctx context.Context, team domain.Team) error {
	_, err := s.db.Exec(ctx, `INSERT INTO teams (id, name, created_at) VALUES ($1, $2, $3)`,
		team.ID, team.Name, team.CreatedAt)
	return classify("create team", err)
}

func (s *PostgresStore) GetTeam(ctx context.Context, id uuid.UUID) (domain.Team, error) {
	var t domain.Team
	err := s.db.QueryRow(ctx, `SELECT id, name, created_at FROM teams WHERE id = $1`, id).
		Scan(&t.ID, &t.Name, &t.CreatedAt)
	if err != nil {
		return domain.Team{}, classify("get team", err)
	}
	return t, nil
}

const agentColumns = `id, team_id, name, status, key_digest, key_prefix, created_at, deleted_at`

func scanAgent(row rowScanner) (domain.Agent, error) {
	var a domain.Agent
	err := row.Scan(&a.ID, &a.TeamID, &a.Name, &a.Status, &a.KeyDigest, &a.KeyPrefix, &a.CreatedAt, &a.DeletedAt)
	return a, err
}

func (s *PostgresStore) CreateAgent(ctx context.Context, agent domain.Agent) error {
	_, err := s.db.Exec(ctx, `INSERT INTO agents (`+agentColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		agent.ID, agent.TeamID, agent.Name, agent.Status, agent.KeyDigest, agent.KeyPrefix, agent.CreatedAt, agent.DeletedAt)
	return classify("create agent", err)
}

func (s *PostgresStore) GetAgent(ctx context.Context, id uuid.UUID) (domain.Agent, error) {
	a, err := scanAgent(s.db.QueryRow(ctx, `SELECT `+agentColumns+` FROM agents WHERE id = $1 AND deleted_at IS NULL`, id))
	if err != nil {
		return domain.Agent{}, classify("get agent", err)
	}
	return a, nil
}

func (s *PostgresStore) GetAgentByKeyDigest(ctx context.Context, digest []byte) (domain.Agent, error) {
	a, err := scanAgent(s.db.QueryRow(ctx, `SELECT `+agentColumns+` FROM agents WHERE key_digest = $1 AND deleted_at IS NULL`, digest))
	if err != nil {
		return domain.Agent{}, classify("get agent by key", err)
	}
	return a, nil
}

const teamKeyColumns = `id, team_id, name, key_digest, key_prefix, created_at, revoked_at`

func (s *PostgresStore) CreateTeamKey(ctx context.Context, key domain.TeamKey) error {
	_, err := s.db.Exec(ctx, `INSERT INTO team_keys (`+teamKeyColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		key.ID, key.TeamID, key.Name, key.KeyDigest, key.KeyPrefix, key.CreatedAt, key.RevokedAt)
	return classify("create team key", err)
}

func scanTeamKey(row rowScanner) (domain.TeamKey, error) {
	var k domain.TeamKey
	err := row.Scan(&k.ID, &k.TeamID, &k.Name, &k.KeyDigest, &k.KeyPrefix, &k.CreatedAt, &k.RevokedAt)
	return k, err
}

func (s *PostgresStore) GetTeamKeyByDigest(ctx context.Context, digest []byte) (domain.TeamKey, error) {
	k, err := scanTeamKey(s.db.QueryRow(ctx, `SELECT `+teamKeyColumns+` FROM team_keys WHERE key_digest = $1 AND revoked_at IS NULL`, digest))
	if err != nil {
		return domain.TeamKey{}, classify("get team key", err)
	}
	return k, nil
}

func (s *PostgresStore) ListTeamKeys(ctx context.Context, teamID uuid.UUID) ([]domain.TeamKey, error) {
	rows, err := s.db.Query(ctx, `SELECT `+teamKeyColumns+` FROM team_keys
WHERE team_id = $1 AND revoked_at IS NULL
ORDER BY created_at, id`, teamID)
	if err != nil {
		return nil, classify("list team keys", err)
	}
	defer rows.Close()

	var out []domain.TeamKey
	for rows.Next() {
		k, err := scanTeamKey(rows)
		if err != nil {
			return nil, classify("scan team key", err)
		}
		out = append(out, k)
	}
	return out, classify("list team keys", rows.Err())
}

func (s *PostgresStore) RevokeTeamKey(ctx context.Context, teamID, id uuid.UUID, at time.Time) error {
	tag, err := s.db.Exec(ctx, `UPDATE team_keys SET revoked_at = $3
WHERE id = $1 AND team_id = $2 AND revoked_at IS NULL`, id, teamID, at)
	if err != nil {
		return classify("revoke team key", err)
	}
	if tag.RowsAffected() == 0 {
		return classify("revoke team key", pgx.ErrNoRows)
	}
	return nil
}

func (s *PostgresStore) UpdateAgentStatus(ctx context.Context, id uuid.UUID, status string, at time.Time) (domain.Agent, error) {
	var agent domain.Agent
	err := pgx.BeginFunc(ctx, s.db, func(tx pgx.Tx) error {
		var err error
		agent, err = scanAgent(tx.QueryRow(ctx, `UPDATE agents SET status = $2
WHERE id = $1 AND deleted_at IS NULL
RETURNING `+agentColumns, id, status))
		if err != nil {
			return err
		}
		if status == domain.AgentStatusActive {
			return nil
		}
		return revokeAgentTokens(ctx, tx, id, at)
	})
	if err != nil {
		return domain.Agent{}, classify("update agent status", err)
	}
	return agent, nil
}

func (s *PostgresStore) SoftDeleteAgent(ctx context.Context, id uuid.UUID, at time.Time) error {
	err := pgx.BeginFunc(ctx, s.db, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `UPDATE agents SET deleted_at = $2 WHERE id = $1 AND deleted_at IS NULL`, id, at)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return pgx.ErrNoRows
		}
		return revokeAgentTokens(ctx, tx, id, at)
	})
	return classify("delete agent", err)
}

func revokeAgentTokens(ctx context.Context, tx pgx.Tx, agentID uuid.UUID, at time.Time) error {
	_, err := tx.Exec(ctx, `UPDATE ephemeral_tokens SET status = 'revoked', revoked_at = $2
WHERE agent_id = $1 AND status = 'active'`, agentID, at)
	return err
}
