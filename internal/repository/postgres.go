package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/smallbiznis/agentkey/internal/domain"
)

// Compile-time interface assertions.
var (
	_ Store                = (*PostgresStore)(nil)
	_ CredentialRepository = (*PostgresStore)(nil)
	_ TokenRepository      = (*PostgresStore)(nil)
	_ AuditRepository      = (*PostgresStore)(nil)
	_ PrincipalRepository  = (*PostgresStore)(nil)
)

// PostgresStore implements Store on a pgx pool.
type PostgresStore struct {
	db *pgxpool.Pool
}

func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{db: pool}
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return classify("ping", s.db.Ping(ctx))
}

func (s *PostgresStore) Close() error {
	s.db.Close()
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

const credentialColumns = `id, agent_id, team_id, name, credential_type, description, metadata, is_active,
rotation_enabled, rotation_interval_seconds, current_version, last_rotated, next_rotation_due,
last_accessed, created_at, updated_at, deleted_at`

func scanCredential(row rowScanner) (domain.Credential, error) {
	var (
		c        domain.Credential
		interval int64
		metadata map[string]string
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
		&c.LastRotated,
		&c.NextRotationDue,
		&c.LastAccessed,
		&c.CreatedAt,
		&c.UpdatedAt,
		&c.DeletedAt,
	); err != nil {
		return domain.Credential{}, err
	}
	c.Rotation.Interval = time.Duration(interval) * time.Second
	c.Metadata = metadata
	if c.Metadata == nil {
		c.Metadata = map[string]string{}
	}
	return c, nil
}

const versionColumns = `id, credential_id, version, encrypted_value, key_version, status, created_at, expires_at`

func scanVersion(row rowScanner) (domain.CredentialVersion, error) {
	var (
		v      domain.CredentialVersion
		status string
	)
	if err := row.Scan(
		&v.ID,
		&v.CredentialID,
		&v.Version,
		&v.Sealed.Blob,
		&v.Sealed.KeyVersion,
		&status,
		&v.CreatedAt,
		&v.ExpiresAt,
	); err != nil {
		return domain.CredentialVersion{}, err
	}
	v.Status = domain.VersionStatus(status)
	return v, nil
}

func metadataOrEmpty(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}

func nullUUID(id uuid.UUID) uuid.NullUUID {
	return uuid.NullUUID{UUID: id, Valid: id != uuid.Nil}
}

const insertCredentialSQL = `INSERT INTO credentials (` + credentialColumns + `)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`

const insertVersionSQL = `INSERT INTO credential_versions (` + versionColumns + `)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

func (s *PostgresStore) CreateCredential(ctx context.Context, cred domain.Credential, first domain.CredentialVersion) (domain.Credential, error) {
	err := pgx.BeginFunc(ctx, s.db, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, insertCredentialSQL,
			cred.ID,
			cred.AgentID,
			cred.TeamID,
			cred.Name,
			cred.Type,
			cred.Description,
			metadataOrEmpty(cred.Metadata),
			cred.IsActive,
			cred.Rotation.Enabled,
			int64(cred.Rotation.Interval/time.Second),
			cred.CurrentVersion,
			cred.LastRotated,
			cred.NextRotationDue,
			cred.LastAccessed,
			cred.CreatedAt,
			cred.UpdatedAt,
			cred.DeletedAt,
		); err != nil {
			return err
		}
		_, err := tx.Exec(ctx, insertVersionSQL,
			first.ID,
			first.CredentialID,
			first.Version,
			first.Sealed.Blob,
			first.Sealed.KeyVersion,
			string(first.Status),
			first.CreatedAt,
			first.ExpiresAt,
		)
		return err
	})
	if err != nil {
		return domain.Credential{}, classify("create credential", err)
	}
	return cred, nil
}

func (s *PostgresStore) GetCredential(ctx context.Context, id uuid.UUID) (domain.Credential, error) {
	row := s.db.QueryRow(ctx, `SELECT `+credentialColumns+` FROM credentials WHERE id = $1 AND deleted_at IS NULL`, id)
	cred, err := scanCredential(row)
	if err != nil {
		return domain.Credential{}, classify("get credential", err)
	}
	return cred, nil
}

func (s *PostgresStore) GetCredentialByName(ctx context.Context, agentID uuid.UUID, name string) (domain.Credential, error) {
	row := s.db.QueryRow(ctx, `SELECT `+credentialColumns+` FROM credentials
WHERE agent_id = $1 AND name = $2 AND deleted_at IS NULL`, agentID, name)
	cred, err := scanCredential(row)
	if err != nil {
		return domain.Credential{}, classify("get credential by name", err)
	}
	return cred, nil
}

func (s *PostgresStore) ListCredentials(ctx context.Context, params ListCredentialsParams) ([]domain.Credential, error) {
	const query = `SELECT ` + credentialColumns + ` FROM credentials
WHERE deleted_at IS NULL
  AND team_id = $1
  AND ($2::uuid IS NULL OR agent_id = $2)
  AND ($3::boolean IS NULL OR is_active = $3)
  AND ($4::timestamptz IS NULL OR (created_at, id) > ($4, $5::uuid))
ORDER BY created_at, id
LIMIT $6`

	rows, err := s.db.Query(ctx, query,
		params.TeamID,
		nullUUID(params.AgentID),
		params.Active,
		params.AfterCreated,
		params.AfterID,
		params.Limit,
	)
	if err != nil {
		return nil, classify("list credentials", err)
	}
	defer rows.Close()

	var out []domain.Credential
	for rows.Next() {
		cred, err := scanCredential(rows)
		if err != nil {
			return nil, classify("scan credential", err)
		}
		out = append(out, cred)
	}
	return out, classify("list credentials", rows.Err())
}

func (s *PostgresStore) UpdateCredential(ctx context.Context, cred domain.Credential) (domain.Credential, error) {
	const query = `UPDATE credentials
SET description = $2, metadata = $3, is_active = $4, rotation_enabled = $5,
    rotation_interval_seconds = $6, next_rotation_due = $7, updated_at = $8
WHERE id = $1 AND deleted_at IS NULL
RETURNING ` + credentialColumns

	row := s.db.QueryRow(ctx, query,
		cred.ID,
		cred.Description,
		metadataOrEmpty(cred.Metadata),
		cred.IsActive,
		cred.Rotation.Enabled,
		int64(cred.Rotation.Interval/time.Second),
		cred.NextRotationDue,
		cred.UpdatedAt,
	)
	updated, err := scanCredential(row)
	if err != nil {
		return domain.Credential{}, classify("update credential", err)
	}
	return updated, nil
}

func (s *PostgresStore) RotateCredential(ctx context.Context, id uuid.UUID, at time.Time, grace time.Duration, seal SealFunc) (domain.Credential, domain.CredentialVersion, error) {
	var (
		cred    domain.Credential
		version domain.CredentialVersion
	)
	err := pgx.BeginFunc(ctx, s.db, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx, `SELECT `+credentialColumns+` FROM credentials
WHERE id = $1 AND deleted_at IS NULL FOR UPDATE`, id)
		locked, err := scanCredential(row)
		if err != nil {
			return err
		}

		next := locked.CurrentVersion + 1
		sealed, err := seal(locked, next)
		if err != nil {
			return fmt.Errorf("seal version %d: %w", next, err)
		}

		expires := at.Add(grace)
		tag, err := tx.Exec(ctx, `UPDATE credential_versions SET status = 'superseded', expires_at = $2
WHERE credential_id = $1 AND status = 'active'`, id, expires)
		if err != nil {
			return err
		}
		if tag.RowsAffected() != 1 {
			return fmt.Errorf("credential %s has %d active versions", id, tag.RowsAffected())
		}

		version = domain.CredentialVersion{
			ID:           uuid.New(),
			CredentialID: id,
			Version:      next,
			Sealed:       sealed,
			Status:       domain.VersionActive,
			CreatedAt:    at,
		}
		if _, err := tx.Exec(ctx, insertVersionSQL,
			version.ID,
			version.CredentialID,
			version.Version,
			version.Sealed.Blob,
			version.Sealed.KeyVersion,
			string(version.Status),
			version.CreatedAt,
			version.ExpiresAt,
		); err != nil {
			return err
		}

		row = tx.QueryRow(ctx, `UPDATE credentials
SET current_version = $2, last_rotated = $3, next_rotation_due = $4, updated_at = $3
WHERE id = $1
RETURNING `+credentialColumns, id, next, at, locked.Rotation.NextDue(at))
		cred, err = scanCredential(row)
		return err
	})
	if err != nil {
		return domain.Credential{}, domain.CredentialVersion{}, classify("rotate credential", err)
	}
	return cred, version, nil
}

func (s *PostgresStore) ActiveVersion(ctx context.Context, credentialID uuid.UUID) (domain.CredentialVersion, error) {
	row := s.db.QueryRow(ctx, `SELECT `+versionColumns+` FROM credential_versions
WHERE credential_id = $1 AND status = 'active'`, credentialID)
	v, err := scanVersion(row)
	if err != nil {
		return domain.CredentialVersion{}, classify("active version", err)
	}
	return v, nil
}

func (s *PostgresStore) ListVersions(ctx context.Context, credentialID uuid.UUID) ([]domain.CredentialVersion, error) {
	rows, err := s.db.Query(ctx, `SELECT `+versionColumns+` FROM credential_versions
WHERE credential_id = $1 ORDER BY version`, credentialID)
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

func (s *PostgresStore) TouchCredential(ctx context.Context, id uuid.UUID, at time.Time) error {
	_, err := s.db.Exec(ctx, `UPDATE credentials SET last_accessed = $2 WHERE id = $1`, id, at)
	return classify("touch credential", err)
}

func (s *PostgresStore) SoftDeleteCredential(ctx context.Context, id uuid.UUID, at time.Time) error {
	tag, err := s.db.Exec(ctx, `UPDATE credentials SET deleted_at = $2, updated_at = $2
WHERE id = $1 AND deleted_at IS NULL`, id, at)
	if err != nil {
		return classify("delete credential", err)
	}
	if tag.RowsAffected() == 0 {
		return classify("delete credential", pgx.ErrNoRows)
	}
	return nil
}

func (s *PostgresStore) ListDueForRotation(ctx context.Context, at time.Time, limit int) ([]domain.Credential, error) {
	rows, err := s.db.Query(ctx, `SELECT `+credentialColumns+` FROM credentials
WHERE deleted_at IS NULL AND is_active AND rotation_enabled
  AND next_rotation_due IS NOT NULL AND next_rotation_due <= $1
ORDER BY next_rotation_due, id
LIMIT $2`, at, limit)
	if err != nil {
		return nil, classify("list due credentials", err)
	}
	defer rows.Close()

	var out []domain.Credential
	for rows.Next() {
		cred, err := scanCredential(rows)
		if err != nil {
			return nil, classify("scan credential", err)
		}
		out = append(out, cred)
	}
	return out, classify("list due credentials", rows.Err())
}

func (s *PostgresStore) ArchiveExpiredVersions(ctx context.Context, at time.Time) (int64, error) {
	tag, err := s.db.Exec(ctx, `UPDATE credential_versions SET status = 'archived'
WHERE status = 'superseded' AND expires_at IS NOT NULL AND expires_at <= $1`, at)
	if err != nil {
		return 0, classify("archive versions", err)
	}
	return tag.RowsAffected(), nil
}

func (s *PostgresStore) DeferRotation(ctx context.Context, id uuid.UUID, until time.Time) error {
	_, err := s.db.Exec(ctx, `UPDATE credentials SET next_rotation_due = $2
WHERE id = $1 AND deleted_at IS NULL AND next_rotation_due IS NOT NULL AND next_rotation_due < $2`, id, until)
	return classify("defer rotation", err)
}

func (s *PostgresStore) ListRewrapCandidates(ctx context.Context, fromKeyVersions []int, limit int) ([]RewrapCandidate, error) {
	if len(fromKeyVersions) == 0 {
		return nil, nil
	}
	versions := make([]int32, 0, len(fromKeyVersions))
	for _, v := range fromKeyVersions {
		versions = append(versions, int32(v))
	}
	rows, err := s.db.Query(ctx, `SELECT v.id, v.credential_id, v.version, v.encrypted_value, v.key_version,
       v.status, v.created_at, v.expires_at, c.agent_id
FROM credential_versions v
JOIN credentials c ON c.id = v.credential_id
WHERE v.key_version = ANY($1) AND v.status <> 'archived'
ORDER BY v.created_at, v.id
LIMIT $2`, versions, limit)
	if err != nil {
		return nil, classify("list rewrap candidates", err)
	}
	defer rows.Close()

	var out []RewrapCandidate
	for rows.Next() {
		var (
			c      RewrapCandidate
			status string
		)
		if err := rows.Scan(
			&c.Version.ID,
			&c.Version.CredentialID,
			&c.Version.Version,
			&c.Version.Sealed.Blob,
			&c.Version.Sealed.KeyVersion,
			&status,
			&c.Version.CreatedAt,
			&c.Version.ExpiresAt,
			&c.AgentID,
		); err != nil {
			return nil, classify("scan rewrap candidate", err)
		}
		c.Version.Status = domain.VersionStatus(status)
		out = append(out, c)
	}
	return out, classify("list rewrap candidates", rows.Err())
}

func (s *PostgresStore) RewrapVersion(ctx context.Context, versionID uuid.UUID, fromKeyVersion int, sealed domain.SealedValue) (bool, error) {
	tag, err := s.db.Exec(ctx, `UPDATE credential_versions SET encrypted_value = $3, key_version = $4
WHERE id = $1 AND key_version = $2`, versionID, fromKeyVersion, sealed.Blob, sealed.KeyVersion)
	if err != nil {
		return false, classify("rewrap version", err)
	}
	return tag.RowsAffected() == 1, nil
}
