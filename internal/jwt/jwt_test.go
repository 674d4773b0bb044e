package jwt_test

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	customjwt "github.com/smallbiznis/agentkey/internal/jwt"
	"github.com/smallbiznis/agentkey/internal/keyring"
)

func signingRing(t *testing.T, keys ...keyring.Key) *keyring.Ring {
	t.Helper()
	ring, err := keyring.NewRing(keys, keyring.MinSigningKeySize, false)
	require.NoError(t, err)
	return ring
}

func secret(b byte) []byte { return bytes.Repeat([]byte{b}, 48) }

func TestGeneratorRoundTrip(t *testing.T) {
	manager := keyring.NewManager(signingRing(t, keyring.Key{Version: 3, Status: keyring.StatusActive, Material: secret(3)}))
	generator := customjwt.NewGenerator(manager, "agentkey")

	now := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	grant := customjwt.Grant{
		JTI:          uuid.New(),
		AgentID:      uuid.New(),
		CredentialID: uuid.New(),
		TeamID:       uuid.New(),
		IssuedAt:     now,
		ExpiresAt:    now.Add(5 * time.Minute),
	}

	token, version, err := generator.Sign(grant)
	require.NoError(t, err)
	require.Equal(t, 3, version)
	require.Len(t, strings.Split(token, "."), 3)

	got, err := generator.Validate(token, now.Add(time.Minute))
	require.NoError(t, err)
	require.Equal(t, grant.JTI, got.JTI)
	require.Equal(t, grant.AgentID, got.AgentID)
	require.Equal(t, grant.CredentialID, got.CredentialID)
	require.Equal(t, grant.TeamID, got.TeamID)
	require.Equal(t, 3, got.KeyVersion)
	require.True(t, got.ExpiresAt.Equal(grant.ExpiresAt))

	_, err = generator.Validate(token, now.Add(6*time.Minute))
	require.ErrorIs(t, err, customjwt.ErrInvalidToken)
}

func TestValidateRejectsForeignSignatures(t *testing.T) {
	now := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	grant := customjwt.Grant{JTI: uuid.New(), AgentID: uuid.New(), CredentialID: uuid.New(), TeamID: uuid.New(), IssuedAt: now, ExpiresAt: now.Add(time.Minute)}

	other := customjwt.NewGenerator(keyring.NewManager(signingRing(t, keyring.Key{Version: 1, Status: keyring.StatusActive, Material: secret(9)})), "agentkey")
	forged, _, err := other.Sign(grant)
	require.NoError(t, err)

	manager := keyring.NewManager(signingRing(t, keyring.Key{Version: 1, Status: keyring.StatusActive, Material: secret(1)}))
	generator := customjwt.NewGenerator(manager, "agentkey")
	_, err = generator.Validate(forged, now)
	require.ErrorIs(t, err, customjwt.ErrInvalidToken)

	_, err = generator.Validate("not.a.jwt", now)
	require.ErrorIs(t, err, customjwt.ErrInvalidToken)

	wrongIssuer := customjwt.NewGenerator(manager, "someone-else")
	token, _, err := wrongIssuer.Sign(grant)
	require.NoError(t, err)
	_, err = generator.Validate(token, now)
	require.ErrorIs(t, err, customjwt.ErrInvalidToken)
}

func TestSigningKeyRotation(t *testing.T) {
	now := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	grant := customjwt.Grant{JTI: uuid.New(), AgentID: uuid.New(), CredentialID: uuid.New(), TeamID: uuid.New(), IssuedAt: now, ExpiresAt: now.Add(time.Minute)}

	manager := keyring.NewManager(signingRing(t, keyring.Key{Version: 1, Status: keyring.StatusActive, Material: secret(1)}))
	generator := customjwt.NewGenerator(manager, "agentkey")
	old, _, err := generator.Sign(grant)
	require.NoError(t, err)

	manager.Swap(signingRing(t,
		keyring.Key{Version: 1, Status: keyring.StatusRotated, Material: secret(1)},
		keyring.Key{Version: 2, Status: keyring.StatusActive, Material: secret(2)},
	))
	_, err = generator.Validate(old, now)
	require.NoError(t, err)

	manager.Swap(signingRing(t,
		keyring.Key{Version: 1, Status: keyring.StatusArchived, Material: secret(1)},
		keyring.Key{Version: 2, Status: keyring.StatusActive, Material: secret(2)},
	))
	_, err = generator.Validate(old, now)
	require.ErrorIs(t, err, customjwt.ErrInvalidToken)
}
