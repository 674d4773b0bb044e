// Package token issues and redeems ephemeral, credential-scoped bearer
// tokens. A token is a signed JWT whose stored row decides whether it is
// still usable.
package token

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/zeebo/blake3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/smallbiznis/agentkey/internal/audit"
	"github.com/smallbiznis/agentkey/internal/clock"
	"github.com/smallbiznis/agentkey/internal/domain"
	"github.com/smallbiznis/agentkey/internal/jwt"
	"github.com/smallbiznis/agentkey/internal/repository"
)

const (
	DefaultTTL = 5 * time.Minute
	MaxTTL     = time.Hour
)

// Authorizer decides whether a principal may act on a resource.
type Authorizer interface {
	Authorize(ctx context.Context, p domain.Principal, action string, target audit.Target) error
}

// Decrypter reveals a credential's active secret on behalf of a principal.
type Decrypter interface {
	Decrypt(ctx context.Context, p domain.Principal, id uuid.UUID) (domain.Secret, error)
}

// Options bounds token lifetimes. Zero values fall back to defaults.
type Options struct {
	DefaultTTL time.Duration
	MaxTTL     time.Duration
	// MaxUsages caps max_usages on issued tokens. Zero means no cap.
	MaxUsages int
	Timeout   time.Duration
	Random    io.Reader
}

// Service implements the token lifecycle.
type Service struct {
	tokens      repository.TokenRepository
	credentials repository.CredentialRepository
	decrypter   Decrypter
	signer      *jwt.Generator
	gate        Authorizer
	audit       *audit.Sink
	clock       clock.Clock
	opts        Options
	logger      *zap.Logger
	tracer      trace.Tracer
}

// NewService wires dependencies.
func NewService(
	tokens repository.TokenRepository,
	credentials repository.CredentialRepository,
	decrypter Decrypter,
	signer *jwt.Generator,
	gate Authorizer,
	sink *audit.Sink,
	clk clock.Clock,
	opts Options,
	logger *zap.Logger,
) *Service {
	if opts.DefaultTTL <= 0 {
		opts.DefaultTTL = DefaultTTL
	}
	if opts.MaxTTL <= 0 {
		opts.MaxTTL = MaxTTL
	}
	if opts.DefaultTTL > opts.MaxTTL {
		opts.DefaultTTL = opts.MaxTTL
	}
	if opts.Random == nil {
		opts.Random = rand.Reader
	}
	return &Service{
		tokens:      tokens,
		credentials: credentials,
		decrypter:   decrypter,
		signer:      signer,
		gate:        gate,
		audit:       sink,
		clock:       clk,
		opts:        opts,
		logger:      logger,
		tracer:      otel.Tracer("github.com/smallbiznis/agentkey/internal/token"),
	}
}

// IssueRequest asks for a token on one credential. A zero TTL means the
// configured default.
type IssueRequest struct {
	CredentialID uuid.UUID
	TTL          time.Duration
	MaxUsages    *int
}

// Issued is a freshly signed token. Token is only ever available here.
type Issued struct {
	Token        string
	JTI          uuid.UUID
	AgentID      uuid.UUID
	CredentialID uuid.UUID
	ExpiresAt    time.Time
	MaxUsages    *int
}

// Issue signs a token for req.CredentialID.
func (s *Service) Issue(ctx context.Context, p domain.Principal, req IssueRequest) (Issued, error) {
	ctx, span := s.startSpan(ctx, "TokenService.Issue")
	defer span.End()

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	return s.issue(ctx, p, req, audit.Target{CredentialID: req.CredentialID}, func(ctx context.Context) (domain.Credential, error) {
		return s.credentials.GetCredential(ctx, req.CredentialID)
	})
}

// IssueForName signs a token for the credential called name owned by
// agentID. An agent principal may leave agentID empty.
func (s *Service) IssueForName(ctx context.Context, p domain.Principal, agentID uuid.UUID, name string, req IssueRequest) (Issued, error) {
	ctx, span := s.startSpan(ctx, "TokenService.IssueForName")
	defer span.End()

	if agentID == uuid.Nil && p.Kind == domain.PrincipalAgent {
		agentID = p.AgentID
	}
	name = strings.TrimSpace(name)
	if agentID == uuid.Nil || name == "" {
		return Issued{}, fmt.Errorf("%w: agent id and credential name are required", domain.ErrValidation)
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	return s.issue(ctx, p, req, audit.Target{AgentID: agentID}, func(ctx context.Context) (domain.Credential, error) {
		return s.credentials.GetCredentialByName(ctx, agentID, name)
	})
}

func (s *Service) issue(ctx context.Context, p domain.Principal, req IssueRequest, hint audit.Target, fetch func(context.Context) (domain.Credential, error)) (Issued, error) {
	ttl, maxUsages, err := s.bounds(req)
	if err != nil {
		return Issued{}, err
	}

	cred, err := fetch(ctx)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			s.audit.Failure(ctx, domain.ActionTokenIssue, p, hint, "credential not found")
			return Issued{}, fmt.Errorf("issue token: %w", domain.ErrUnauthorized)
		}
		return Issued{}, fmt.Errorf("issue token: %w", err)
	}
	target := audit.CredentialTarget(cred)
	if err := s.gate.Authorize(ctx, p, domain.ActionTokenIssue, target); err != nil {
		return Issued{}, err
	}
	if !cred.IsActive {
		s.audit.Failure(ctx, domain.ActionTokenIssue, p, target, "credential inactive")
		return Issued{}, fmt.Errorf("issue token: %w", domain.ErrUnauthorized)
	}

	jti, err := uuid.NewRandomFromReader(s.opts.Random)
	if err != nil {
		return Issued{}, fmt.Errorf("generate jti: %w", err)
	}
	now := s.now()
	// JWT dates have second precision, so the stored expiry is cut to match.
	expiresAt := now.Add(ttl).Truncate(time.Second)

	signed, keyVersion, err := s.signer.Sign(jwt.Grant{
		JTI:          jti,
		AgentID:      cred.AgentID,
		CredentialID: cred.ID,
		TeamID:       cred.TeamID,
		IssuedAt:     now,
		ExpiresAt:    expiresAt,
	})
	if err != nil {
		return Issued{}, fmt.Errorf("sign token: %w", err)
	}

	row := domain.EphemeralToken{
		JTI:               jti,
		AgentID:           cred.AgentID,
		CredentialID:      cred.ID,
		TeamID:            cred.TeamID,
		SigningKeyVersion: keyVersion,
		Digest:            Digest(signed),
		Status:            domain.TokenActive,
		ExpiresAt:         expiresAt,
		MaxUsages:         maxUsages,
		CreatedAt:         now,
	}
	if err := s.tokens.CreateToken(ctx, row); err != nil {
		s.audit.Failure(ctx, domain.ActionTokenIssue, p, target, "store insert failed")
		return Issued{}, fmt.Errorf("persist token: %w", err)
	}

	target.TokenJTI = jti
	s.succeeded(ctx, domain.ActionTokenIssue, p, target)
	return Issued{
		Token:        signed,
		JTI:          jti,
		AgentID:      cred.AgentID,
		CredentialID: cred.ID,
		ExpiresAt:    expiresAt,
		MaxUsages:    maxUsages,
	}, nil
}

func (s *Service) bounds(req IssueRequest) (time.Duration, *int, error) {
	ttl := req.TTL
	switch {
	case ttl == 0:
		ttl = s.opts.DefaultTTL
	case ttl < time.Second:
		return 0, nil, fmt.Errorf("%w: ttl must be at least 1s", domain.ErrValidation)
	case ttl > s.opts.MaxTTL:
		return 0, nil, fmt.Errorf("%w: ttl exceeds maximum of %s", domain.ErrValidation, s.opts.MaxTTL)
	}

	maxUsages := req.MaxUsages
	if maxUsages != nil {
		if *maxUsages < 1 {
			return 0, nil, fmt.Errorf("%w: max_usages must be positive", domain.ErrValidation)
		}
		if s.opts.MaxUsages > 0 && *maxUsages > s.opts.MaxUsages {
			return 0, nil, fmt.Errorf("%w: max_usages exceeds maximum of %d", domain.ErrValidation, s.opts.MaxUsages)
		}
		v := *maxUsages
		maxUsages = &v
	} else if s.opts.MaxUsages > 0 {
		v := s.opts.MaxUsages
		maxUsages = &v
	}
	return ttl, maxUsages, nil
}

// Verify checks the signature and consumes one use of the token. Every
// failure other than store unavailability is domain.ErrUnauthorized.
func (s *Service) Verify(ctx context.Context, token string) (domain.TokenGrant, error) {
	ctx, span := s.startSpan(ctx, "TokenService.Verify")
	defer span.End()

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	token = strings.TrimSpace(token)
	now := s.now()

	claims, err := s.signer.Validate(token, now)
	if err != nil {
		s.logger.Warn("token rejected", zap.String("reason", "invalid signature or claims"), zap.String("ip", audit.ClientIP(ctx)), zap.Error(err))
		s.audit.Failure(ctx, domain.ActionTokenUse, domain.Principal{}, audit.Target{}, "invalid token")
		return domain.TokenGrant{}, fmt.Errorf("verify token: %w", domain.ErrUnauthorized)
	}
	span.SetAttributes(attribute.String("token.jti", claims.JTI.String()))

	holder := holderOf(claims.AgentID, claims.TeamID)
	target := audit.Target{TeamID: claims.TeamID, AgentID: claims.AgentID, CredentialID: claims.CredentialID, TokenJTI: claims.JTI}

	row, err := s.tokens.ConsumeToken(ctx, claims.JTI, Digest(token), now)
	if err != nil {
		if !errors.Is(err, domain.ErrNotFound) {
			span.RecordError(err)
			s.logger.Error("consume token", zap.Stringer("jti", claims.JTI), zap.Error(err))
			return domain.TokenGrant{}, fmt.Errorf("verify token: %w", err)
		}
		s.logger.Warn("token rejected", zap.String("reason", "revoked, expired or exhausted"), zap.Stringer("jti", claims.JTI))
		s.audit.Failure(ctx, domain.ActionTokenUse, holder, target, "token not usable")
		return domain.TokenGrant{}, fmt.Errorf("verify token: %w", domain.ErrUnauthorized)
	}
	if row.CredentialID != claims.CredentialID || row.AgentID != claims.AgentID || row.TeamID != claims.TeamID {
		s.logger.Error("token row does not match claims", zap.Stringer("jti", claims.JTI))
		s.audit.Failure(ctx, domain.ActionTokenUse, holder, target, "claims mismatch")
		return domain.TokenGrant{}, fmt.Errorf("verify token: %w", domain.ErrUnauthorized)
	}

	s.succeeded(ctx, domain.ActionTokenUse, holder, target)
	return domain.TokenGrant{
		JTI:          row.JTI,
		AgentID:      row.AgentID,
		CredentialID: row.CredentialID,
		TeamID:       row.TeamID,
		ExpiresAt:    row.ExpiresAt,
		UsageCount:   row.UsageCount,
	}, nil
}

// ResolveAndDecrypt verifies token and returns the plaintext of the
// credential it grants. Callers cannot tell which check failed.
func (s *Service) ResolveAndDecrypt(ctx context.Context, token string) (domain.Secret, domain.TokenGrant, error) {
	ctx, span := s.startSpan(ctx, "TokenService.ResolveAndDecrypt")
	defer span.End()

	grant, err := s.Verify(ctx, token)
	if err != nil {
		return domain.Secret{}, domain.TokenGrant{}, uniform(err)
	}
	secret, err := s.decrypter.Decrypt(ctx, holderOf(grant.AgentID, grant.TeamID), grant.CredentialID)
	if err != nil {
		span.RecordError(err)
		return domain.Secret{}, domain.TokenGrant{}, uniform(err)
	}
	return secret, grant, nil
}

// Revoke marks a token revoked. Revoking an already revoked token succeeds.
func (s *Service) Revoke(ctx context.Context, p domain.Principal, jti uuid.UUID) error {
	ctx, span := s.startSpan(ctx, "TokenService.Revoke")
	defer span.End()

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	row, err := s.authorizedToken(ctx, p, domain.ActionTokenRevoke, jti)
	if err != nil {
		return err
	}
	target := tokenTarget(row)
	if row.Status == domain.TokenRevoked {
		s.logger.Debug("token already revoked", zap.Stringer("jti", jti))
		return nil
	}
	if err := s.tokens.RevokeToken(ctx, jti, s.now()); err != nil {
		span.RecordError(err)
		s.audit.Failure(ctx, domain.ActionTokenRevoke, p, target, "store update failed")
		return fmt.Errorf("revoke token: %w", err)
	}
	s.succeeded(ctx, domain.ActionTokenRevoke, p, target)
	return nil
}

// Status returns the stored token with its effective status. The digest is
// stripped.
func (s *Service) Status(ctx context.Context, p domain.Principal, jti uuid.UUID) (domain.EphemeralToken, error) {
	ctx, span := s.startSpan(ctx, "TokenService.Status")
	defer span.End()

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	row, err := s.authorizedToken(ctx, p, domain.ActionTokenStatus, jti)
	if err != nil {
		return domain.EphemeralToken{}, err
	}
	row.Status = row.EffectiveStatus(s.now())
	row.Digest = nil
	return row, nil
}

// PurgeExpired deletes token rows that expired more than retention ago.
func (s *Service) PurgeExpired(ctx context.Context, retention time.Duration) (int64, error) {
	ctx, span := s.startSpan(ctx, "TokenService.PurgeExpired")
	defer span.End()

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	n, err := s.tokens.DeleteExpiredTokens(ctx, s.now().Add(-retention))
	if err != nil {
		span.RecordError(err)
		return 0, fmt.Errorf("purge expired tokens: %w", err)
	}
	return n, nil
}

func (s *Service) authorizedToken(ctx context.Context, p domain.Principal, action string, jti uuid.UUID) (domain.EphemeralToken, error) {
	row, err := s.tokens.GetToken(ctx, jti)
	if err != nil {
		if !errors.Is(err, domain.ErrNotFound) {
			return domain.EphemeralToken{}, fmt.Errorf("%s: %w", action, err)
		}
		s.audit.Failure(ctx, action, p, audit.Target{TokenJTI: jti}, "token not found")
		if p.Kind == domain.PrincipalAgent {
			return domain.EphemeralToken{}, fmt.Errorf("%s: %w", action, domain.ErrUnauthorized)
		}
		return domain.EphemeralToken{}, fmt.Errorf("%s: %w", action, err)
	}
	if err := s.gate.Authorize(ctx, p, action, tokenTarget(row)); err != nil {
		return domain.EphemeralToken{}, err
	}
	return row, nil
}

// Digest is the stored form of a compact token.
func Digest(token string) []byte {
	sum := blake3.Sum256([]byte(token))
	return sum[:]
}

func holderOf(agentID, teamID uuid.UUID) domain.Principal {
	return domain.Principal{Kind: domain.PrincipalAgent, ID: agentID, AgentID: agentID, TeamID: teamID}
}

func tokenTarget(t domain.EphemeralToken) audit.Target {
	return audit.Target{TeamID: t.TeamID, AgentID: t.AgentID, CredentialID: t.CredentialID, TokenJTI: t.JTI}
}

func uniform(err error) error {
	if errors.Is(err, domain.ErrUnavailable) {
		return err
	}
	return fmt.Errorf("resolve token: %w", domain.ErrUnauthorized)
}

func (s *Service) succeeded(ctx context.Context, action string, p domain.Principal, target audit.Target) {
	if err := s.audit.Success(ctx, action, p, target); err != nil {
		s.logger.Warn("audit write failed", zap.String("action", action), zap.Error(err))
	}
}

func (s *Service) now() time.Time {
	return s.clock.Now().UTC().Truncate(time.Microsecond)
}

func (s *Service) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.opts.Timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.opts.Timeout)
}

func (s *Service) startSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	if s == nil || s.tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return s.tracer.Start(ctx, name)
}
