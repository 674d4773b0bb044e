// Package credential stores agent secrets encrypted at rest and keeps their
// append-only version history.
package credential

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/smallbiznis/agentkey/internal/audit"
	"github.com/smallbiznis/agentkey/internal/clock"
	"github.com/smallbiznis/agentkey/internal/domain"
	"github.com/smallbiznis/agentkey/internal/encryption"
	"github.com/smallbiznis/agentkey/internal/repository"
)

const (
	MaxNameLength        = 255
	MaxTypeLength        = 64
	MaxDescriptionLength = 1024
	MaxSecretSize        = 64 << 10
	MinRotationInterval  = time.Minute
	DefaultPageSize      = 50
	MaxPageSize          = 100
	DefaultType          = "api_key"
)

// ErrNotDue is returned by RotateDue when another rotation already moved the
// credential's due date past the scheduled tick.
var ErrNotDue = errors.New("credential: rotation not due")

// Authorizer decides whether a principal may act on a resource.
type Authorizer interface {
	Authorize(ctx context.Context, p domain.Principal, action string, target audit.Target) error
}

// AgentDirectory resolves the agents credentials are created for.
type AgentDirectory interface {
	GetAgent(ctx context.Context, id uuid.UUID) (domain.Agent, error)
}

// Options tunes Service. Zero values fall back to defaults.
type Options struct {
	// GracePeriod is how long a superseded version stays readable before
	// the scheduler archives it.
	GracePeriod time.Duration
	Timeout     time.Duration
	Random      io.Reader
}

// Service implements the credential operations on top of a repository and
// the AEAD cipher.
type Service struct {
	repo     repository.CredentialRepository
	tokens   repository.TokenRepository
	agents   AgentDirectory
	cipher   *encryption.Service
	gate     Authorizer
	audit    *audit.Sink
	metadata *MetadataValidator
	clock    clock.Clock
	rand     io.Reader
	grace    time.Duration
	timeout  time.Duration
	logger   *zap.Logger
	tracer   trace.Tracer
}

// NewService wires dependencies.
func NewService(
	repo repository.CredentialRepository,
	tokens repository.TokenRepository,
	agents AgentDirectory,
	cipher *encryption.Service,
	gate Authorizer,
	sink *audit.Sink,
	metadata *MetadataValidator,
	clk clock.Clock,
	opts Options,
	logger *zap.Logger,
) *Service {
	if opts.Random == nil {
		opts.Random = rand.Reader
	}
	if opts.GracePeriod < 0 {
		opts.GracePeriod = 0
	}
	return &Service{
		repo:     repo,
		tokens:   tokens,
		agents:   agents,
		cipher:   cipher,
		gate:     gate,
		audit:    sink,
		metadata: metadata,
		clock:    clk,
		rand:     opts.Random,
		grace:    opts.GracePeriod,
		timeout:  opts.Timeout,
		logger:   logger,
		tracer:   otel.Tracer("github.com/smallbiznis/agentkey/internal/credential"),
	}
}

// CreateInput describes a new credential. AgentID may be left empty when
// the caller is an agent principal.
type CreateInput struct {
	AgentID     uuid.UUID
	Name        string
	Type        string
	Secret      domain.Secret
	Description string
	Metadata    map[string]string
	Rotation    domain.RotationPolicy
}

// Create encrypts the secret as version 1 and stores the credential.
func (s *Service) Create(ctx context.Context, p domain.Principal, in CreateInput) (domain.Credential, error) {
	ctx, span := s.startSpan(ctx, "CredentialService.Create")
	defer span.End()

	in.Name = strings.TrimSpace(in.Name)
	in.Type = strings.TrimSpace(in.Type)
	if in.Type == "" {
		in.Type = DefaultType
	}
	if err := s.validateCreate(in); err != nil {
		return domain.Credential{}, err
	}
	agentID := in.AgentID
	if agentID == uuid.Nil && p.Kind == domain.PrincipalAgent {
		agentID = p.AgentID
	}
	if agentID == uuid.Nil {
		return domain.Credential{}, fmt.Errorf("%w: agent_id is required", domain.ErrValidation)
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	agent, err := s.agents.GetAgent(ctx, agentID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			s.audit.Failure(ctx, domain.ActionCredentialCreate, p, audit.Target{AgentID: agentID}, "unknown agent")
			return domain.Credential{}, fmt.Errorf("create credential: %w", domain.ErrUnauthorized)
		}
		span.RecordError(err)
		return domain.Credential{}, fmt.Errorf("create credential: %w", err)
	}
	target := audit.Target{TeamID: agent.TeamID, AgentID: agent.ID}
	if err := s.gate.Authorize(ctx, p, domain.ActionCredentialCreate, target); err != nil {
		return domain.Credential{}, err
	}

	now := s.now()
	cred := domain.Credential{
		ID:              uuid.New(),
		AgentID:         agent.ID,
		TeamID:          agent.TeamID,
		Name:            in.Name,
		Type:            in.Type,
		Description:     in.Description,
		Metadata:        in.Metadata,
		IsActive:        true,
		Rotation:        in.Rotation,
		CurrentVersion:  1,
		NextRotationDue: in.Rotation.NextDue(now),
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	sealed, err := s.cipher.Encrypt(in.Secret.Bytes(), encryption.CredentialAAD(cred.AgentID, cred.ID, 1))
	if err != nil {
		span.RecordError(err)
		return domain.Credential{}, fmt.Errorf("create credential: %w", err)
	}
	first := domain.CredentialVersion{
		ID:           uuid.New(),
		CredentialID: cred.ID,
		Version:      1,
		Sealed:       sealed,
		Status:       domain.VersionActive,
		CreatedAt:    now,
	}

	created, err := s.repo.CreateCredential(ctx, cred, first)
	if err != nil {
		span.RecordError(err)
		if errors.Is(err, domain.ErrConflict) {
			s.audit.Failure(ctx, domain.ActionCredentialCreate, p, target, "name exists")
			return domain.Credential{}, fmt.Errorf("%w: credential %q already exists for agent", domain.ErrConflict, in.Name)
		}
		return domain.Credential{}, fmt.Errorf("create credential: %w", err)
	}

	s.succeeded(ctx, domain.ActionCredentialCreate, p, audit.CredentialTarget(created))
	return created, nil
}

// Get returns a credential's metadata.
func (s *Service) Get(ctx context.Context, p domain.Principal, id uuid.UUID) (domain.Credential, error) {
	ctx, span := s.startSpan(ctx, "CredentialService.Get")
	defer span.End()

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	return s.authorized(ctx, p, domain.ActionCredentialRead, audit.Target{CredentialID: id}, func(ctx context.Context) (domain.Credential, error) {
		return s.repo.GetCredential(ctx, id)
	})
}

// GetByName returns the live credential called name owned by agentID. An
// agent principal may leave agentID empty.
func (s *Service) GetByName(ctx context.Context, p domain.Principal, agentID uuid.UUID, name string) (domain.Credential, error) {
	ctx, span := s.startSpan(ctx, "CredentialService.GetByName")
	defer span.End()

	if agentID == uuid.Nil && p.Kind == domain.PrincipalAgent {
		agentID = p.AgentID
	}
	name = strings.TrimSpace(name)
	if agentID == uuid.Nil || name == "" {
		return domain.Credential{}, fmt.Errorf("%w: agent id and name are required", domain.ErrValidation)
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	return s.authorized(ctx, p, domain.ActionCredentialRead, audit.Target{AgentID: agentID}, func(ctx context.Context) (domain.Credential, error) {
		return s.repo.GetCredentialByName(ctx, agentID, name)
	})
}

// List returns one page of the credentials visible to p. Agent principals
// only ever see their own credentials.
func (s *Service) List(ctx context.Context, p domain.Principal, filter domain.CredentialFilter) (domain.CredentialPage, error) {
	ctx, span := s.startSpan(ctx, "CredentialService.List")
	defer span.End()

	params := repository.ListCredentialsParams{
		TeamID:  filter.TeamID,
		AgentID: filter.AgentID,
		Active:  filter.Active,
	}
	switch p.Kind {
	case domain.PrincipalAgent:
		if params.AgentID != uuid.Nil && params.AgentID != p.AgentID {
			s.audit.Failure(ctx, domain.ActionCredentialRead, p, audit.Target{AgentID: params.AgentID}, "list out of scope")
			return domain.CredentialPage{}, fmt.Errorf("list credentials: %w", domain.ErrUnauthorized)
		}
		params.AgentID = p.AgentID
		params.TeamID = p.TeamID
	case domain.PrincipalAdmin:
		if params.TeamID != uuid.Nil && params.TeamID != p.TeamID {
			s.audit.Failure(ctx, domain.ActionCredentialRead, p, audit.Target{TeamID: params.TeamID}, "list out of scope")
			return domain.CredentialPage{}, fmt.Errorf("list credentials: %w", domain.ErrUnauthorized)
		}
		params.TeamID = p.TeamID
	case domain.PrincipalSystem:
		if params.TeamID == uuid.Nil {
			return domain.CredentialPage{}, fmt.Errorf("%w: team id is required", domain.ErrValidation)
		}
	default:
		return domain.CredentialPage{}, fmt.Errorf("list credentials: %w", domain.ErrUnauthorized)
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = DefaultPageSize
	}
	if limit > MaxPageSize {
		limit = MaxPageSize
	}
	params.Limit = limit + 1

	if filter.Cursor != "" {
		after, id, err := decodeCursor(filter.Cursor)
		if err != nil {
			return domain.CredentialPage{}, err
		}
		params.AfterCreated, params.AfterID = &after, id
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	items, err := s.repo.ListCredentials(ctx, params)
	if err != nil {
		span.RecordError(err)
		return domain.CredentialPage{}, fmt.Errorf("list credentials: %w", err)
	}
	page := domain.CredentialPage{Items: items}
	if len(items) > limit {
		page.Items = items[:limit]
		page.NextCursor = encodeCursor(page.Items[limit-1])
	}
	return page, nil
}

// Update changes non-secret fields. Secret changes go through Rotate.
func (s *Service) Update(ctx context.Context, p domain.Principal, id uuid.UUID, upd domain.CredentialUpdate) (domain.Credential, error) {
	ctx, span := s.startSpan(ctx, "CredentialService.Update")
	defer span.End()

	if upd.Description != nil && len(*upd.Description) > MaxDescriptionLength {
		return domain.Credential{}, fmt.Errorf("%w: description exceeds %d characters", domain.ErrValidation, MaxDescriptionLength)
	}
	if upd.Rotation != nil {
		if err := validateRotation(*upd.Rotation); err != nil {
			return domain.Credential{}, err
		}
	}
	if upd.Metadata != nil {
		if err := s.metadata.Validate(upd.Metadata); err != nil {
			return domain.Credential{}, err
		}
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	cred, err := s.authorized(ctx, p, domain.ActionCredentialUpdate, audit.Target{CredentialID: id}, func(ctx context.Context) (domain.Credential, error) {
		return s.repo.GetCredential(ctx, id)
	})
	if err != nil {
		return domain.Credential{}, err
	}

	now := s.now()
	if upd.Description != nil {
		cred.Description = *upd.Description
	}
	if upd.Metadata != nil {
		cred.Metadata = upd.Metadata
	}
	if upd.IsActive != nil {
		cred.IsActive = *upd.IsActive
	}
	if upd.Rotation != nil {
		cred.Rotation = *upd.Rotation
		cred.NextRotationDue = cred.Rotation.NextDue(now)
	}
	cred.UpdatedAt = now

	updated, err := s.repo.UpdateCredential(ctx, cred)
	if err != nil {
		span.RecordError(err)
		s.audit.Failure(ctx, domain.ActionCredentialUpdate, p, audit.CredentialTarget(cred), "store update failed")
		return domain.Credential{}, fmt.Errorf("update credential: %w", err)
	}
	s.succeeded(ctx, domain.ActionCredentialUpdate, p, audit.CredentialTarget(updated))
	return updated, nil
}

// Decrypt returns the plaintext of the credential's active version. Every
// failure other than store unavailability is reported as
// domain.ErrUnauthorized. The caller owns the returned secret and should
// Wipe it when done.
func (s *Service) Decrypt(ctx context.Context, p domain.Principal, id uuid.UUID) (domain.Secret, error) {
	ctx, span := s.startSpan(ctx, "CredentialService.Decrypt")
	defer span.End()
	span.SetAttributes(attribute.String("credential.id", id.String()))

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	cred, err := s.authorized(ctx, p, domain.ActionCredentialDecrypt, audit.Target{CredentialID: id}, func(ctx context.Context) (domain.Credential, error) {
		return s.repo.GetCredential(ctx, id)
	})
	if err != nil {
		return domain.Secret{}, err
	}
	target := audit.CredentialTarget(cred)
	if !cred.IsActive {
		return domain.Secret{}, s.denyDecrypt(ctx, p, target, "credential inactive", nil)
	}

	version, err := s.repo.ActiveVersion(ctx, cred.ID)
	if err != nil {
		span.RecordError(err)
		return domain.Secret{}, s.denyDecrypt(ctx, p, target, "active version lookup failed", err)
	}
	plaintext, err := s.cipher.Decrypt(version.Sealed, encryption.CredentialAAD(cred.AgentID, cred.ID, version.Version))
	if err != nil {
		span.RecordError(err)
		s.logger.Error("credential decryption failed",
			zap.Stringer("credential_id", cred.ID),
			zap.Int("version", version.Version),
			zap.Int("key_version", version.Sealed.KeyVersion),
			zap.Error(err),
		)
		return domain.Secret{}, s.denyDecrypt(ctx, p, target, "decryption failed", err)
	}
	secret := domain.NewSecret(plaintext)

	if err := s.repo.TouchCredential(ctx, cred.ID, s.now()); err != nil {
		s.logger.Warn("update last_accessed", zap.Stringer("credential_id", cred.ID), zap.Error(err))
	}
	if err := s.audit.Success(ctx, domain.ActionCredentialDecrypt, p, target); err != nil {
		secret.Wipe()
		return domain.Secret{}, fmt.Errorf("decrypt credential: %w", err)
	}
	return secret, nil
}

// Rotate replaces the secret with newSecret, or with a generated value when
// newSecret is empty, as version current+1.
func (s *Service) Rotate(ctx context.Context, p domain.Principal, id uuid.UUID, newSecret domain.Secret) (domain.Credential, error) {
	ctx, span := s.startSpan(ctx, "CredentialService.Rotate")
	defer span.End()

	if newSecret.Len() > MaxSecretSize {
		return domain.Credential{}, fmt.Errorf("%w: secret exceeds %d bytes", domain.ErrValidation, MaxSecretSize)
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	cred, err := s.authorized(ctx, p, domain.ActionCredentialRotate, audit.Target{CredentialID: id}, func(ctx context.Context) (domain.Credential, error) {
		return s.repo.GetCredential(ctx, id)
	})
	if err != nil {
		return domain.Credential{}, err
	}

	if newSecret.IsZero() {
		generated, err := GenerateSecret(s.rand)
		if err != nil {
			span.RecordError(err)
			return domain.Credential{}, fmt.Errorf("rotate credential: %w", err)
		}
		defer generated.Wipe()
		newSecret = generated
	}
	return s.rotate(ctx, p, cred, newSecret, nil)
}

// RotateDue rotates a credential picked by the scheduler with a generated
// secret. It returns ErrNotDue when a concurrent rotation got there first.
func (s *Service) RotateDue(ctx context.Context, cred domain.Credential) (domain.Credential, error) {
	ctx, span := s.startSpan(ctx, "CredentialService.RotateDue")
	defer span.End()

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	secret, err := GenerateSecret(s.rand)
	if err != nil {
		span.RecordError(err)
		s.audit.Failure(ctx, domain.ActionCredentialRotate, domain.SystemPrincipal(), audit.CredentialTarget(cred), "secret generation failed")
		return domain.Credential{}, fmt.Errorf("rotate credential %s: %w", cred.ID, err)
	}
	defer secret.Wipe()

	at := s.now()
	stillDue := func(locked domain.Credential) error {
		if !locked.IsActive || locked.NextRotationDue == nil || locked.NextRotationDue.After(at) {
			return ErrNotDue
		}
		return nil
	}
	return s.rotate(ctx, domain.SystemPrincipal(), cred, secret, stillDue)
}

func (s *Service) rotate(ctx context.Context, p domain.Principal, cred domain.Credential, secret domain.Secret, precheck func(domain.Credential) error) (domain.Credential, error) {
	at := s.now()
	seal := func(locked domain.Credential, version int) (domain.SealedValue, error) {
		if precheck != nil {
			if err := precheck(locked); err != nil {
				return domain.SealedValue{}, err
			}
		}
		return s.cipher.Encrypt(secret.Bytes(), encryption.CredentialAAD(locked.AgentID, locked.ID, version))
	}

	target := audit.CredentialTarget(cred)
	rotated, version, err := s.repo.RotateCredential(ctx, cred.ID, at, s.grace, seal)
	if err != nil {
		if errors.Is(err, ErrNotDue) {
			return domain.Credential{}, ErrNotDue
		}
		s.audit.Failure(ctx, domain.ActionCredentialRotate, p, target, "rotation failed")
		return domain.Credential{}, fmt.Errorf("rotate credential %s: %w", cred.ID, err)
	}

	s.logger.Info("credential rotated",
		zap.Stringer("credential_id", rotated.ID),
		zap.Int("version", version.Version),
		zap.Int("key_version", version.Sealed.KeyVersion),
		zap.String("principal_kind", string(p.Kind)),
	)
	s.succeeded(ctx, domain.ActionCredentialRotate, p, target)
	return rotated, nil
}

// Delete soft-deletes a credential and revokes its outstanding tokens.
func (s *Service) Delete(ctx context.Context, p domain.Principal, id uuid.UUID) error {
	ctx, span := s.startSpan(ctx, "CredentialService.Delete")
	defer span.End()

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	cred, err := s.authorized(ctx, p, domain.ActionCredentialDelete, audit.Target{CredentialID: id}, func(ctx context.Context) (domain.Credential, error) {
		return s.repo.GetCredential(ctx, id)
	})
	if err != nil {
		return err
	}

	now := s.now()
	if err := s.repo.SoftDeleteCredential(ctx, cred.ID, now); err != nil {
		span.RecordError(err)
		return fmt.Errorf("delete credential: %w", err)
	}
	revoked, err := s.tokens.RevokeTokensForCredential(ctx, cred.ID, now)
	if err != nil {
		s.logger.Warn("revoke tokens of deleted credential", zap.Stringer("credential_id", cred.ID), zap.Error(err))
	}
	s.logger.Info("credential deleted", zap.Stringer("credential_id", cred.ID), zap.Int64("tokens_revoked", revoked))
	s.succeeded(ctx, domain.ActionCredentialDelete, p, audit.CredentialTarget(cred))
	return nil
}

// Versions lists the version history of a credential, oldest first. The
// ciphertext is stripped.
func (s *Service) Versions(ctx context.Context, p domain.Principal, id uuid.UUID) ([]domain.CredentialVersion, error) {
	ctx, span := s.startSpan(ctx, "CredentialService.Versions")
	defer span.End()

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	cred, err := s.authorized(ctx, p, domain.ActionCredentialRead, audit.Target{CredentialID: id}, func(ctx context.Context) (domain.Credential, error) {
		return s.repo.GetCredential(ctx, id)
	})
	if err != nil {
		return nil, err
	}
	versions, err := s.repo.ListVersions(ctx, cred.ID)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("list versions: %w", err)
	}
	for i := range versions {
		versions[i].Sealed.Blob = nil
	}
	return versions, nil
}

// Rewrap re-encrypts up to limit versions still sealed under a rotated
// data key. Versions under archived or unknown keys cannot be opened and
// are left alone. The version number, and so the AAD, is unchanged. It
// returns how many versions were rewritten.
func (s *Service) Rewrap(ctx context.Context, limit int) (int, error) {
	ctx, span := s.startSpan(ctx, "CredentialService.Rewrap")
	defer span.End()

	sources := s.cipher.RewrapSources()
	if len(sources) == 0 {
		return 0, nil
	}
	listCtx, cancel := s.withTimeout(ctx)
	candidates, err := s.repo.ListRewrapCandidates(listCtx, sources, limit)
	cancel()
	if err != nil {
		span.RecordError(err)
		return 0, fmt.Errorf("list rewrap candidates: %w", err)
	}

	var (
		rewritten int
		errs      []error
	)
	for _, c := range candidates {
		ok, err := s.rewrapOne(ctx, c)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if ok {
			rewritten++
		}
	}
	return rewritten, errors.Join(errs...)
}

func (s *Service) rewrapOne(ctx context.Context, c repository.RewrapCandidate) (bool, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	v := c.Version
	target := audit.Target{AgentID: c.AgentID, CredentialID: v.CredentialID}
	aad := encryption.CredentialAAD(c.AgentID, v.CredentialID, v.Version)

	plaintext, err := s.cipher.Decrypt(v.Sealed, aad)
	if err != nil {
		s.logger.Error("rewrap decrypt failed",
			zap.Stringer("credential_id", v.CredentialID),
			zap.Int("version", v.Version),
			zap.Int("key_version", v.Sealed.KeyVersion),
			zap.Error(err),
		)
		s.audit.Failure(ctx, domain.ActionCredentialRewrap, domain.SystemPrincipal(), target, "decryption failed")
		return false, fmt.Errorf("rewrap %s v%d: %w", v.CredentialID, v.Version, err)
	}
	secret := domain.NewSecret(plaintext)
	defer secret.Wipe()

	sealed, err := s.cipher.Encrypt(secret.Bytes(), aad)
	if err != nil {
		return false, fmt.Errorf("rewrap %s v%d: %w", v.CredentialID, v.Version, err)
	}
	ok, err := s.repo.RewrapVersion(ctx, v.ID, v.Sealed.KeyVersion, sealed)
	if err != nil {
		s.audit.Failure(ctx, domain.ActionCredentialRewrap, domain.SystemPrincipal(), target, "store update failed")
		return false, fmt.Errorf("rewrap %s v%d: %w", v.CredentialID, v.Version, err)
	}
	if ok {
		s.succeeded(ctx, domain.ActionCredentialRewrap, domain.SystemPrincipal(), target)
	}
	return ok, nil
}

// authorized loads a credential with fetch and checks p against it. A
// missing credential is indistinguishable from a denial for agent
// principals and on the decrypt path.
func (s *Service) authorized(ctx context.Context, p domain.Principal, action string, hint audit.Target, fetch func(context.Context) (domain.Credential, error)) (domain.Credential, error) {
	cred, err := fetch(ctx)
	if err != nil {
		if !errors.Is(err, domain.ErrNotFound) {
			return domain.Credential{}, fmt.Errorf("%s: %w", action, err)
		}
		s.audit.Failure(ctx, action, p, hint, "not found")
		if p.Kind == domain.PrincipalAgent || action == domain.ActionCredentialDecrypt {
			return domain.Credential{}, fmt.Errorf("%s: %w", action, domain.ErrUnauthorized)
		}
		return domain.Credential{}, fmt.Errorf("%s: %w", action, err)
	}
	if err := s.gate.Authorize(ctx, p, action, audit.CredentialTarget(cred)); err != nil {
		return domain.Credential{}, err
	}
	return cred, nil
}

func (s *Service) denyDecrypt(ctx context.Context, p domain.Principal, target audit.Target, reason string, cause error) error {
	s.audit.Failure(ctx, domain.ActionCredentialDecrypt, p, target, reason)
	if cause != nil && errors.Is(cause, domain.ErrUnavailable) {
		return fmt.Errorf("decrypt credential: %w", cause)
	}
	return fmt.Errorf("decrypt credential: %w", domain.ErrUnauthorized)
}

func (s *Service) succeeded(ctx context.Context, action string, p domain.Principal, target audit.Target) {
	if err := s.audit.Success(ctx, action, p, target); err != nil {
		s.logger.Warn("audit write failed", zap.String("action", action), zap.Error(err))
	}
}

func (s *Service) validateCreate(in CreateInput) error {
	switch {
	case in.Name == "" || len(in.Name) > MaxNameLength:
		return fmt.Errorf("%w: name must be 1-%d characters", domain.ErrValidation, MaxNameLength)
	case len(in.Type) > MaxTypeLength:
		return fmt.Errorf("%w: type exceeds %d characters", domain.ErrValidation, MaxTypeLength)
	case len(in.Description) > MaxDescriptionLength:
		return fmt.Errorf("%w: description exceeds %d characters", domain.ErrValidation, MaxDescriptionLength)
	case in.Secret.IsZero():
		return fmt.Errorf("%w: secret is required", domain.ErrValidation)
	case in.Secret.Len() > MaxSecretSize:
		return fmt.Errorf("%w: secret exceeds %d bytes", domain.ErrValidation, MaxSecretSize)
	}
	if err := validateRotation(in.Rotation); err != nil {
		return err
	}
	return s.metadata.Validate(in.Metadata)
}

func validateRotation(p domain.RotationPolicy) error {
	if p.Enabled && p.Interval < MinRotationInterval {
		return fmt.Errorf("%w: rotation interval must be at least %s", domain.ErrValidation, MinRotationInterval)
	}
	return nil
}

func (s *Service) now() time.Time {
	return s.clock.Now().UTC().Truncate(time.Microsecond)
}

func (s *Service) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.timeout)
}

func (s *Service) startSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	if s == nil || s.tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return s.tracer.Start(ctx, name)
}
