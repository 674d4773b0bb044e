package jwt

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	gojose "github.com/go-jose/go-jose/v4"
	gojwt "github.com/go-jose/go-jose/v4/jwt"
	"github.com/google/uuid"

	"github.com/smallbiznis/agentkey/internal/keyring"
)

// TokenType is the token_type claim carried by every ephemeral token.
const TokenType = "ephemeral"

// ErrInvalidToken covers malformed, badly signed and expired tokens.
var ErrInvalidToken = errors.New("jwt: invalid token")

var allowedAlgorithms = []gojose.SignatureAlgorithm{gojose.HS256}

// Generator signs and validates ephemeral credential tokens. The kid header
// carries the signing key version.
type Generator struct {
	keys   *keyring.Manager
	issuer string
}

// NewGenerator constructs a JWT generator.
func NewGenerator(keys *keyring.Manager, issuer string) *Generator {
	return &Generator{keys: keys, issuer: issuer}
}

// EphemeralClaims is the private part of the JWT payload. The secret
// itself is never embedded.
type EphemeralClaims struct {
	AgentID      string `json:"agent_id"`
	CredentialID string `json:"credential_id"`
	TeamID       string `json:"team_id"`
	TokenType    string `json:"token_type"`
}

// Grant is the decoded content of a token.
type Grant struct {
	JTI          uuid.UUID
	AgentID      uuid.UUID
	CredentialID uuid.UUID
	TeamID       uuid.UUID
	IssuedAt     time.Time
	ExpiresAt    time.Time
	KeyVersion   int
}

// Sign produces a compact HS256 JWT for grant using the active signing key
// and returns the key version used.
func (g *Generator) Sign(grant Grant) (string, int, error) {
	key := g.keys.Active()

	signer, err := gojose.NewSigner(
		gojose.SigningKey{Algorithm: gojose.HS256, Key: key.Material},
		(&gojose.SignerOptions{}).WithType("JWT").WithHeader("kid", strconv.Itoa(key.Version)),
	)
	if err != nil {
		return "", 0, fmt.Errorf("new signer: %w", err)
	}

	std := gojwt.Claims{
		ID:        grant.JTI.String(),
		Subject:   grant.CredentialID.String(),
		Issuer:    g.issuer,
		IssuedAt:  gojwt.NewNumericDate(grant.IssuedAt),
		NotBefore: gojwt.NewNumericDate(grant.IssuedAt),
		Expiry:    gojwt.NewNumericDate(grant.ExpiresAt),
	}
	custom := EphemeralClaims{
		AgentID:      grant.AgentID.String(),
		CredentialID: grant.CredentialID.String(),
		TeamID:       grant.TeamID.String(),
		TokenType:    TokenType,
	}

	token, err := gojwt.Signed(signer).Claims(std).Claims(custom).Serialize()
	if err != nil {
		return "", 0, fmt.Errorf("serialize jwt: %w", err)
	}
	return token, key.Version, nil
}

// Validate checks the signature against the key named by kid and the
// registered claims at now. It does not consult token storage.
func (g *Generator) Validate(token string, now time.Time) (Grant, error) {
	parsed, err := gojwt.ParseSigned(token, allowedAlgorithms)
	if err != nil {
		return Grant{}, fmt.Errorf("%w: parse: %v", ErrInvalidToken, err)
	}
	if len(parsed.Headers) != 1 {
		return Grant{}, fmt.Errorf("%w: expected one signature", ErrInvalidToken)
	}
	version, err := strconv.Atoi(parsed.Headers[0].KeyID)
	if err != nil {
		return Grant{}, fmt.Errorf("%w: bad kid", ErrInvalidToken)
	}
	key, err := g.keys.Lookup(version)
	if err != nil {
		return Grant{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	var (
		std    gojwt.Claims
		custom EphemeralClaims
	)
	if err := parsed.Claims(key.Material, &std, &custom); err != nil {
		return Grant{}, fmt.Errorf("%w: verify: %v", ErrInvalidToken, err)
	}
	if err := std.ValidateWithLeeway(gojwt.Expected{Issuer: g.issuer, Time: now}, 0); err != nil {
		return Grant{}, fmt.Errorf("%w: claims: %v", ErrInvalidToken, err)
	}
	if custom.TokenType != TokenType || std.Expiry == nil {
		return Grant{}, fmt.Errorf("%w: not an ephemeral token", ErrInvalidToken)
	}

	grant := Grant{KeyVersion: version, ExpiresAt: std.Expiry.Time()}
	if std.IssuedAt != nil {
		grant.IssuedAt = std.IssuedAt.Time()
	}
	for _, f := range []struct {
		dst *uuid.UUID
		src string
	}{
		{&grant.JTI, std.ID},
		{&grant.AgentID, custom.AgentID},
		{&grant.CredentialID, custom.CredentialID},
		{&grant.TeamID, custom.TeamID},
	} {
		id, err := uuid.Parse(f.src)
		if err != nil {
			return Grant{}, fmt.Errorf("%w: bad identifier", ErrInvalidToken)
		}
		*f.dst = id
	}
	if std.Subject != custom.CredentialID {
		return Grant{}, fmt.Errorf("%w: subject mismatch", ErrInvalidToken)
	}
	return grant, nil
}
