package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/smallbiznis/agentkey/internal/domain"
	"github.com/smallbiznis/agentkey/internal/repository"
)

const credentialColumns = `id, agent_id, team_id, name, credential_type, description, metadata, is_active,
rotation_enabled, rotation_interval_seconds, current_version, last_rotated, next_rotation_due,
last_accessed, created_at, updated_at, deleted_at`

func scanCredential(row rowScanner) (domain.Credential, error) {
	var (
		c                                  domain.Credential
		metadata                           string
		interval                           int64
		createdAt, updatedAt               int64
		lastRotated, nextDue, lastAccessed sql.NullInt64
		deletedAt                          sql.NullInt64
	)
	if err := row.Scan(
		&c.ID,
		&c.AgentID,
		&c.TeamID,
		&c.Name,
		&c.Type,
		&c.Description,
		&metadata,
		&c.IsActive,
		&c.Rotation.Enabled,
		&interval,
		&c.CurrentVersion,
		&lastRotated,
		&nextDue,
		&lastAccessed,
		&createdAt,
		&updatedAt,
		&deletedAt,
	); err != nil {
		return domain.Credential{}, err
	}
	c.Metadata = map[string]string{}
	if metadata != "" {
		if err := json.Unmarshal([]byte(metadata), &c.Metadata); err != nil {
			return domain.Credential{}, fmt.Errorf("decode metadata: %w", err)
		}
	}
	c.Rotation.Interval = time.Duration(interval) * time.Second
	c.LastRotated = timePtr(lastRotated)
	c.NextRotationDue = timePtr(nextDue)
	c.LastAccessed = timePtr(lastAccessed)
	c.CreatedAt = fromNanos(createdAt)
	c.UpdatedAt = fromNanos(updatedAt)
	c.DeletedAt = timePtr(deletedAt)
	return c, nil
}

const versionColumns = `id, credential_id, version, encrypted_value, key_version, status, created_at, expires_at`

func scanVersion(row rowScanner, extra ...any) (domain.CredentialVersion, error) {
	var (
		v         domain.CredentialVersion
		status    string
		createdAt int64
		expiresAt sql.NullInt64
	)
	dest := []any{&v.ID, &v.CredentialID, &v.Version, &v.Sealed.Blob, &v.Sealed.KeyVersion, &status, &createdAt, &expiresAt}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return domain.CredentialVersion{}, err
	}
	v.Status = domain.VersionStatus(status)
	v.CreatedAt = fromNanos(createdAt)
	v.ExpiresAt = timePtr(expiresAt)
	return v, nil
}

func encodeMetadata(m map[string]string) (string, error) {
	if m == nil {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("encode metadata: %w", err)
	}
	return string(b), nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertVersion(ctx context.Context, db execer, v domain.CredentialVersion) error {
	_, err := db.ExecContext(ctx, `INSERT INTO credential_versions (`+versionColumns+`)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		v.ID,
		v.CredentialID,
		v.Version,
		v.Sealed.Blob,
		v.Sealed.KeyVersion,
		string(v.Status),
		toNanos(v.CreatedAt),
		nullNanos(v.ExpiresAt),
	)
	return err
}

func (s *Store) CreateCredential(ctx context.Context, cred domain.Credential, first domain.CredentialVersion) (domain.Credential, error) {
	metadata, err := encodeMetadata(cred.Metadata)
	if err != nil {
		return domain.Credential{}, err
	}

	err = s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `INSERT INTO credentials (`+credentialColumns+`)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			cred.ID,
			cred.AgentID,
			cred.TeamID,
			cred.Name,
			cred.Type,
			cred.Description,
			metadata,
			cred.IsActive,
			cred.Rotation.Enabled,
			int64(cred.Rotation.Interval/time.Second),
			cred.CurrentVersion,
			nullNanos(cred.LastRotated),
			nullNanos(cred.NextRotationDue),
			nullNanos(cred.LastAccessed),
			toNanos(cred.CreatedAt),
			toNanos(cred.UpdatedAt),
			nullNanos(cred.DeletedAt),
		); err != nil {
			return err
		}
		return insertVersion(ctx, tx, first)
	})
	if err != nil {
		return domain.Credential{}, classify("create credential", err)
	}
	return cred, nil
}

func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.Writer.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (s *Store) GetCredential(ctx context.Context, id uuid.UUID) (domain.Credential, error) {
	row := s.Reader.QueryRowContext(ctx, `SELECT `+credentialColumns+` FROM credentials
WHERE id = ? AND deleted_at IS NULL`, id)
	cred, err := scanCredential(row)
	if err != nil {
		return domain.Credential{}, classify("get credential", err)
	}
	return cred, nil
}

func (s *Store) GetCredentialByName(ctx context.Context, agentID uuid.UUID, name string) (domain.Credential, error) {
	row := s.Reader.QueryRowContext(ctx, `SELECT `+credentialColumns+` FROM credentials
WHERE agent_id = ? AND name = ? AND deleted_at IS NULL`, agentID, name)
	cred, err := scanCredential(row)
	if err != nil {
		return domain.Credential{}, classify("get credential by name", err)
	}
	return cred, nil
}

func (s *Store) ListCredentials(ctx context.Context, params repository.ListCredentialsParams) ([]domain.Credential, error) {
	var (
		where = []string{"deleted_at IS NULL", "team_id = ?"}
		args  = []any{params.TeamID}
	)
	if params.AgentID != uuid.Nil {
		where = append(where, "agent_id = ?")
		args = append(args, params.AgentID)
	}
	if params.Active != nil {
		where = append(where, "is_active = ?")
		args = append(args, *params.Active)
	}
	if params.AfterCreated != nil {
		after := toNanos(*params.AfterCreated)
		where = append(where, "(created_at > ? OR (created_at = ? AND id > ?))")
		args = append(args, after, after, params.AfterID)
	}
	args = append(args, params.Limit)

	query := `SELECT ` + credentialColumns + ` FROM credentials WHERE ` +
		strings.Join(where, " AND ") + ` ORDER BY created_at, id LIMIT ?`

	rows, err := s.Reader.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classify("list credentials", err)
	}
	defer rows.Close()

	return collectCredentials(rows, "list credentials")
}

func collectCredentials(rows *sql.Rows, op string) ([]domain.Credential, error) {
	var out []domain.Credential
	for rows.Next() {
		cred, err := scanCredential(rows)
		if err != nil {
			return nil, classify(op, err)
		}
		out = append(out, cred)
	}
	return out, classify(op, rows.Err())
}

func (s *Store) UpdateCredential(ctx context.Context, cred domain.Credential) (domain.Credential, error) {
	metadata, err := encodeMetadata(cred.Metadata)
	if err != nil {
		return domain.Credential{}, err
	}
	row := s.Writer.QueryRowContext(ctx, `UPDATE credentials
SET description = ?, metadata = ?, is_active = ?, rotation_enabled = ?,
    rotation_interval_seconds = ?, next_rotation_due = ?, updated_at = ?
WHERE id = ? AND deleted_at IS NULL
RETURNING `+credentialColumns,
		cred.Description,
		metadata,
		cred.IsActive,
		cred.Rotation.Enabled,
		int64(cred.Rotation.Interval/time.Second),
		nullNanos(cred.NextRotationDue),
		toNanos(cred.UpdatedAt),
		cred.ID,
	)
	updated, err := scanCredential(row)
	if err != nil {
		return domain.Credential{}, classify("update credential", err)
	}
	return updated, nil
}

// RotateCredential runs on the single writer connection, so concurrent
// rotations of one credential are serialized by the pool itself.
func (s *Store) RotateCredential(ctx context.Context, id uuid.UUID, at time.Time, grace time.Duration, seal repository.SealFunc) (domain.Credential, domain.CredentialVersion, error) {
	var (
		cred    domain.Credential
		version domain.CredentialVersion
	)
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		locked, err := scanCredential(tx.QueryRowContext(ctx, `SELECT `+credentialColumns+` FROM credentials
WHERE id = ? AND deleted_at IS NULL`, id))
		if err != nil {
			return err
		}

		next := locked.CurrentVersion + 1
		sealed, err := seal(locked, next)
		if err != nil {
			return fmt.Errorf("seal version %d: %w", next, err)
		}

		res, err := tx.ExecContext(ctx, `UPDATE credential_versions SET status = 'superseded', expires_at = ?
WHERE credential_id = ? AND status = 'active'`, toNanos(at.Add(grace)), id)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n != 1 {
			return fmt.Errorf("credential %s has %d active versions", id, n)
		}

		version = domain.CredentialVersion{
			ID:           uuid.New(),
			CredentialID: id,
			Version:      next,
			Sealed:       sealed,
			Status:       domain.VersionActive,
			CreatedAt:    at,
		}
		if err := insertVersion(ctx, tx, version); err != nil {
			return err
		}

		cred, err = scanCredential(tx.QueryRowContext(ctx, `UPDATE credentials
SET current_version = ?, last_rotated = ?, next_rotation_due = ?, updated_at = ?
WHERE id = ?
RETURNING `+credentialColumns, next, toNanos(at), nullNanos(locked.Rotation.NextDue(at)), toNanos(at), id))
		return err
	})
	if err != nil {
		return domain.Credential{}, domain.CredentialVersion{}, classify("rotate credential", err)
	}
	return cred, version, nil
}

func (s *Store) ActiveVersion(ctx context.Context, credentialID uuid.UUID) (domain.CredentialVersion, error) {
	v, err := scanVersion(s.Reader.QueryRowContext(ctx, `SELECT `+versionColumns+` FROM credential_versions
WHERE credential_id = ? AND status = 'active'`, credentialID))
	if err != nil {
		return domain.CredentialVersion{}, classify("active version", err)
	}
	return v, nil
}

func (s *Store) ListVersions(ctx context.Context, credentialID uuid.UUID) ([]domain.CredentialVersion, error) {
	rows, err := s.Reader.QueryContext(ctx, `SELECT `+versionColumns+` FROM credential_versions
WHERE credential_id = ? ORDER BY version`, credentialID)
	if err != nil {
		return nil, classify("list versions", err)
	}
	defer rows.Close()

	var out []domain.CredentialVersion
	for rows.Next() {
		v, err := scanVersion(rows)
		if err != nil {
			return nil, classify("scan version", err)
		}
		out = append(out, v)
	}
	return out, classify("list versions", rows.Err())
}

func (s *Store) TouchCredential(ctx context.Context, id uuid.UUID, at time.Time) error {
	_, err := s.Writer.ExecContext(ctx, `UPDATE credentials SET last_accessed = ? WHERE id = ?`, toNanos(at), id)
	return classify("touch credential", err)
}

func (s *Store) SoftDeleteCredential(ctx context.Context, id uuid.UUID, at time.Time) error {
	res, err := s.Writer.ExecContext(ctx, `UPDATE credentials SET deleted_at = ?, updated_at = ?
WHERE id = ? AND deleted_at IS NULL`, toNanos(at), toNanos(at), id)
	if err != nil {
		return classify("delete credential", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return classify("delete credential", sql.ErrNoRows)
	}
	return nil
}

func (s *Store) ListDueForRotation(ctx context.Context, at time.Time, limit int) ([]domain.Credential, error) {
	rows, err := s.Reader.QueryContext(ctx, `SELECT `+credentialColumns+` FROM credentials
WHERE deleted_at IS NULL AND is_active = 1 AND rotation_enabled = 1
  AND next_rotation_due IS NOT NULL AND next_rotation_due <= ?
ORDER BY next_rotation_due, id
LIMIT ?`, toNanos(at), limit)
	if err != nil {
		return nil, classify("list due credentials", err)
	}
	defer rows.Close()

	return collectCredentials(rows, "list due credentials")
}

func (s *Store) ArchiveExpiredVersions(ctx context.Context, at time.Time) (int64, error) {
	res, err := s.Writer.ExecContext(ctx, `UPDATE credential_versions SET status = 'archived'
WHERE status = 'superseded' AND expires_at IS NOT NULL AND expires_at <= ?`, toNanos(at))
	if err != nil {
		return 0, classify("archive versions", err)
	}
	return res.RowsAffected()
}

func (s *Store) DeferRotation(ctx context.Context, id uuid.UUID, until time.Time) error {
	_, err := s.Writer.ExecContext(ctx, `UPDATE credentials SET next_rotation_due = ?
WHERE id = ? AND deleted_at IS NULL AND next_rotation_due IS NOT NULL AND next_rotation_due < ?`,
		toNanos(until), id, toNanos(until))
	return classify("defer rotation", err)
}

func (s *Store) ListRewrapCandidates(ctx context.Context, fromKeyVersions []int, limit int) ([]repository.RewrapCandidate, error) {
	if len(fromKeyVersions) == 0 {
		return nil, nil
	}
	args := make([]any, 0, len(fromKeyVersions)+1)
	for _, v := range fromKeyVersions {
		args = append(args, v)
	}
	args = append(args, limit)
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(fromKeyVersions)), ", ")

	rows, err := s.Reader.QueryContext(ctx, `SELECT v.id, v.credential_id, v.version, v.encrypted_value, v.key_version,
       v.status, v.created_at, v.expires_at, c.agent_id
FROM credential_versions v
JOIN credentials c ON c.id = v.credential_id
WHERE v.key_version IN (`+placeholders+`) AND v.status <> 'archived'
ORDER BY v.created_at, v.id
LIMIT ?`, args...)
	if err != nil {
		return nil, classify("list rewrap candidates", err)
	}
	defer rows.Close()

	var out []repository.RewrapCandidate
	for rows.Next() {
		var agentID uuid.UUID
		v, err := scanVersion(rows, &agentID)
		if err != nil {
			return nil, classify("scan rewrap candidate", err)
		}
		out = append(out, repository.RewrapCandidate{AgentID: agentID, Version: v})
	}
	return out, classify("list rewrap candidates", rows.Err())
}

func (s *Store) RewrapVersion(ctx context.Context, versionID uuid.UUID, fromKeyVersion int, sealed domain.SealedValue) (bool, error) {
	res, err := s.Writer.ExecContext(ctx, `UPDATE credential_versions SET encrypted_value = ?, key_version = ?
WHERE id = ? AND key_version = ?`, sealed.Blob, sealed.KeyVersion, versionID, fromKeyVersion)
	if err != nil {
		return false, classify("rewrap version", err)
	}
	n, err := res.RowsAffected()
	return n == 1, err
}
