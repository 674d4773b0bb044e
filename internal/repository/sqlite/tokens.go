package sqlite

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/smallbiznis/agentkey/internal/domain"
)

const tokenColumns = `jti, agent_id, credential_id, team_id, signing_key_version, digest, status,
expires_at, usage_count, max_usages, last_used, created_at, revoked_at`

func scanToken(row rowScanner) (domain.EphemeralToken, error) {
	var (
		t                   domain.EphemeralToken
		status              string
		expiresAt, created  int64
		maxUsages           sql.NullInt64
		lastUsed, revokedAt sql.NullInt64
	)
	if err := row.Scan(
		&t.JTI,
		&t.AgentID,
		&t.CredentialID,
		&t.TeamID,
		&t.SigningKeyVersion,
		&t.Digest,
		&status,
		&expiresAt,
		&t.UsageCount,
		&maxUsages,
		&lastUsed,
		&created,
		&revokedAt,
	); err != nil {
		return domain.EphemeralToken{}, err
	}
	t.Status = domain.TokenStatus(status)
	t.ExpiresAt = fromNanos(expiresAt)
	t.MaxUsages = intPtr(maxUsages)
	t.LastUsed = timePtr(lastUsed)
	t.CreatedAt = fromNanos(created)
	t.RevokedAt = timePtr(revokedAt)
	return t, nil
}

func (s *Store) CreateToken(ctx context.Context, token domain.EphemeralToken) error {
	_, err := s.Writer.ExecContext(ctx, `INSERT INTO ephemeral_tokens (`+tokenColumns+`)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		token.JTI,
		token.AgentID,
		token.CredentialID,
		token.TeamID,
		token.SigningKeyVersion,
		token.Digest,
		string(token.Status),
		toNanos(token.ExpiresAt),
		token.UsageCount,
		nullInt(token.MaxUsages),
		nullNanos(token.LastUsed),
		toNanos(token.CreatedAt),
		nullNanos(token.RevokedAt),
	)
	return classify("create token", err)
}

func (s *Store) GetToken(ctx context.Context, jti uuid.UUID) (domain.EphemeralToken, error) {
	t, err := scanToken(s.Reader.QueryRowContext(ctx, `SELECT `+tokenColumns+` FROM ephemeral_tokens WHERE jti = ?`, jti))
	if err != nil {
		return domain.EphemeralToken{}, classify("get token", err)
	}
	return t, nil
}

func (s *Store) ConsumeToken(ctx context.Context, jti uuid.UUID, digest []byte, at time.Time) (domain.EphemeralToken, error) {
	now := toNanos(at)
	t, err := scanToken(s.Writer.QueryRowContext(ctx, `UPDATE ephemeral_tokens
SET usage_count = usage_count + 1, last_used = ?
WHERE jti = ? AND digest = ? AND status = 'active' AND expires_at > ?
  AND (max_usages IS NULL OR usage_count < max_usages)
RETURNING `+tokenColumns, now, jti, digest, now))
	if err != nil {
		return domain.EphemeralToken{}, classify("consume token", err)
	}
	return t, nil
}

func (s *Store) RevokeToken(ctx context.Context, jti uuid.UUID, at time.Time) error {
	_, err := s.Writer.ExecContext(ctx, `UPDATE ephemeral_tokens SET status = 'revoked', revoked_at = ?
WHERE jti = ? AND status = 'active'`, toNanos(at), jti)
	return classify("revoke token", err)
}

func (s *Store) RevokeTokensForCredential(ctx context.Context, credentialID uuid.UUID, at time.Time) (int64, error) {
	res, err := s.Writer.ExecContext(ctx, `UPDATE ephemeral_tokens SET status = 'revoked', revoked_at = ?
WHERE credential_id = ? AND status = 'active'`, toNanos(at), credentialID)
	if err != nil {
		return 0, classify("revoke credential tokens", err)
	}
	return res.RowsAffected()
}

func (s *Store) DeleteExpiredTokens(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.Writer.ExecContext(ctx, `DELETE FROM ephemeral_tokens WHERE expires_at < ?`, toNanos(before))
	if err != nil {
		return 0, classify("delete expired tokens", err)
	}
	return res.RowsAffected()
}
