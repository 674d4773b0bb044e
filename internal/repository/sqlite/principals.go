package sqlite

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/smallbiznis/agentkey/internal/domain"
	"github.com/smallbiznis/agentkey/internal/repository"
)

const auditColumns = `id, action, actor_kind, actor_id, team_id, agent_id, credential_id, token_jti,
ip, outcome, reason, occurred_at`

func (s *Store) AppendAudit(ctx context.Context, event domain.AuditEvent) error {
	_, err := s.Writer.ExecContext(ctx, `INSERT INTO audit_events (`+auditColumns+`)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
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
		toNanos(event.OccurredAt),
	)
	return classify("append audit", err)
}

func (s *Store) ListAudit(ctx context.Context, filter repository.AuditFilter) ([]domain.AuditEvent, error) {
	query := `SELECT ` + auditColumns + ` FROM audit_events WHERE team_id = ?`
	args := []any{filter.TeamID}
	if filter.CredentialID != uuid.Nil {
		query += ` AND credential_id = ?`
		args = append(args, filter.CredentialID)
	}
	query += ` ORDER BY occurred_at DESC, id DESC LIMIT ?`
	args = append(args, filter.Limit)

	rows, err := s.Reader.QueryContext(ctx, query, args...)
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
			occurredAt                            int64
		)
		if err := rows.Scan(&e.ID, &e.Action, &kind, &actor, &team, &agent, &credential, &token,
			&e.IP, &outcome, &e.Reason, &occurredAt); err != nil {
			return nil, classify("scan audit", err)
		}
		e.ActorKind = domain.PrincipalKind(kind)
		e.Outcome = domain.AuditOutcome(outcome)
		e.ActorID, e.TeamID, e.AgentID = actor.UUID, team.UUID, agent.UUID
		e.CredentialID, e.TokenJTI = credential.UUID, token.UUID
		e.OccurredAt = fromNanos(occurredAt)
		out = append(out, e)
	}
	return out, classify("list audit", rows.Err())
}

func (s *Store) CreateTeam(ctx context.Context, team domain.Team) error {
	_, err := s.Writer.ExecContext(ctx, `INSERT INTO teams (id, name, created_at) VALUES (?, ?, ?)`,
		team.ID, team.Name, toNanos(team.CreatedAt))
	return classify("create team", err)
}

func (s *Store) GetTeam(ctx context.Context, id uuid.UUID) (domain.Team, error) {
	var (
		t       domain.Team
		created int64
	)
	err := s.Reader.QueryRowContext(ctx, `SELECT id, name, created_at FROM teams WHERE id = ?`, id).
		Scan(&t.ID, &t.Name, &created)
	if err != nil {
		return domain.Team{}, classify("get team", err)
	}
	t.CreatedAt = fromNanos(created)
	return t, nil
}

const agentColumns = `id, team_id, name, status, key_digest, key_prefix, created_at, deleted_at`

func scanAgent(row rowScanner) (domain.Agent, error) {
	var (
		a         domain.Agent
		created   int64
		deletedAt sql.NullInt64
	)
	if err := row.Scan(&a.ID, &a.TeamID, &a.Name, &a.Status, &a.KeyDigest, &a.KeyPrefix, &created, &deletedAt); err != nil {
		return domain.Agent{}, err
	}
	a.CreatedAt = fromNanos(created)
	a.DeletedAt = timePtr(deletedAt)
	return a, nil
}

func (s *Store) CreateAgent(ctx context.Context, agent domain.Agent) error {
	_, err := s.Writer.ExecContext(ctx, `INSERT INTO agents (`+agentColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		agent.ID, agent.TeamID, agent.Name, agent.Status, agent.KeyDigest, agent.KeyPrefix,
		toNanos(agent.CreatedAt), nullNanos(agent.DeletedAt))
	return classify("create agent", err)
}

func (s *Store) GetAgent(ctx context.Context, id uuid.UUID) (domain.Agent, error) {
	a, err := scanAgent(s.Reader.QueryRowContext(ctx, `SELECT `+agentColumns+` FROM agents
WHERE id = ? AND deleted_at IS NULL`, id))
	if err != nil {
		return domain.Agent{}, classify("get agent", err)
	}
	return a, nil
}

func (s *Store) GetAgentByKeyDigest(ctx context.Context, digest []byte) (domain.Agent, error) {
	a, err := scanAgent(s.Reader.QueryRowContext(ctx, `SELECT `+agentColumns+` FROM agents
WHERE key_digest = ? AND deleted_at IS NULL`, digest))
	if err != nil {
		return domain.Agent{}, classify("get agent by key", err)
	}
	return a, nil
}

const teamKeyColumns = `id, team_id, name, key_digest, key_prefix, created_at, revoked_at`

func (s *Store) CreateTeamKey(ctx context.Context, key domain.TeamKey) error {
	_, err := s.Writer.ExecContext(ctx, `INSERT INTO team_keys (`+teamKeyColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		key.ID, key.TeamID, key.Name, key.KeyDigest, key.KeyPrefix, toNanos(key.CreatedAt), nullNanos(key.RevokedAt))
	return classify("create team key", err)
}

func scanTeamKey(row rowScanner) (domain.TeamKey, error) {
	var (
		k         domain.TeamKey
		created   int64
		revokedAt sql.NullInt64
	)
	if err := row.Scan(&k.ID, &k.TeamID, &k.Name, &k.KeyDigest, &k.KeyPrefix, &created, &revokedAt); err != nil {
		return domain.TeamKey{}, err
	}
	k.CreatedAt = fromNanos(created)
	k.RevokedAt = timePtr(revokedAt)
	return k, nil
}

func (s *Store) GetTeamKeyByDigest(ctx context.Context, digest []byte) (domain.TeamKey, error) {
	k, err := scanTeamKey(s.Reader.QueryRowContext(ctx, `SELECT `+teamKeyColumns+` FROM team_keys
WHERE key_digest = ? AND revoked_at IS NULL`, digest))
	if err != nil {
		return domain.TeamKey{}, classify("get team key", err)
	}
	return k, nil
}

func (s *Store) ListTeamKeys(ctx context.Context, teamID uuid.UUID) ([]domain.TeamKey, error) {
	rows, err := s.Reader.QueryContext(ctx, `SELECT `+teamKeyColumns+` FROM team_keys
WHERE team_id = ? AND revoked_at IS NULL
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

func (s *Store) RevokeTeamKey(ctx context.Context, teamID, id uuid.UUID, at time.Time) error {
	res, err := s.Writer.ExecContext(ctx, `UPDATE team_keys SET revoked_at = ?
WHERE id = ? AND team_id = ? AND revoked_at IS NULL`, toNanos(at), id, teamID)
	if err != nil {
		return classify("revoke team key", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return classify("revoke team key", sql.ErrNoRows)
	}
	return nil
}

func (s *Store) UpdateAgentStatus(ctx context.Context, id uuid.UUID, status string, at time.Time) (domain.Agent, error) {
	var agent domain.Agent
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		agent, err = scanAgent(tx.QueryRowContext(ctx, `UPDATE agents SET status = ?
WHERE id = ? AND deleted_at IS NULL
RETURNING `+agentColumns, status, id))
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

func (s *Store) SoftDeleteAgent(ctx context.Context, id uuid.UUID, at time.Time) error {
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `UPDATE agents SET deleted_at = ?
WHERE id = ? AND deleted_at IS NULL`, toNanos(at), id)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return sql.ErrNoRows
		}
		return revokeAgentTokens(ctx, tx, id, at)
	})
	return classify("delete agent", err)
}

func revokeAgentTokens(ctx context.Context, tx *sql.Tx, agentID uuid.UUID, at time.Time) error {
	_, err := tx.ExecContext(ctx, `UPDATE ephemeral_tokens SET status = 'revoked', revoked_at = ?
WHERE agent_id = ? AND status = 'active'`, toNanos(at), agentID)
	return err
}
