// Package vaulttest builds a fully wired vault on an in-memory SQLite store
// for service tests.
package vaulttest

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/smallbiznis/agentkey/internal/access"
	"github.com/smallbiznis/agentkey/internal/audit"
	"github.com/smallbiznis/agentkey/internal/clock"
	"github.com/smallbiznis/agentkey/internal/credential"
	"github.com/smallbiznis/agentkey/internal/domain"
	"github.com/smallbiznis/agentkey/internal/encryption"
	"github.com/smallbiznis/agentkey/internal/keyring"
	"github.com/smallbiznis/agentkey/internal/repository/sqlite"
)

// Epoch is the fake clock's starting instant.
var Epoch = time.Date(2026, 3, 2, 9, 30, 0, 0, time.UTC)

// GracePeriod is the superseded-version grace used by Harness.Credentials.
const GracePeriod = time.Hour

// Harness is a wired vault plus handles for inspecting it.
type Harness struct {
	Store       *sqlite.Store
	Clock       *clock.FakeClock
	DataKeys    *keyring.Manager
	SigningKeys *keyring.Manager
	Cipher      *encryption.Service
	Sink        *audit.Sink
	Gate        *access.Gate
	Credentials *credential.Service
	Logger      *zap.Logger
	Logs        *observer.ObservedLogs
}

// Material returns deterministic key material of n bytes.
func Material(b byte, n int) []byte { return bytes.Repeat([]byte{b}, n) }

// DataRing builds a data-encryption ring from keys.
func DataRing(t testing.TB, keys ...keyring.Key) *keyring.Ring {
	t.Helper()
	ring, err := keyring.NewRing(keys, keyring.DataKeySize, true)
	require.NoError(t, err)
	return ring
}

// New wires every component against a fresh in-memory store.
func New(t testing.TB) *Harness {
	t.Helper()

	store, err := sqlite.OpenInMemory(t.Name())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	core, logs := observer.New(zapcore.DebugLevel)
	logger := zap.New(core)
	clk := clock.Fake(Epoch)

	dataKeys := keyring.NewManager(DataRing(t, keyring.Key{Version: 1, Status: keyring.StatusActive, Material: Material(1, keyring.DataKeySize)}))
	signingRing, err := keyring.NewRing([]keyring.Key{{Version: 1, Status: keyring.StatusActive, Material: Material(9, 48)}}, keyring.MinSigningKeySize, false)
	require.NoError(t, err)
	signingKeys := keyring.NewManager(signingRing)

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	sink := audit.NewSink(store, node, clk, logger)
	gate := access.NewGate(store, sink, clk, nil, 2*time.Second, logger)
	cipher := encryption.NewService(dataKeys, nil)

	schema, err := credential.NewMetadataValidator()
	require.NoError(t, err)
	creds := credential.NewService(store, store, store, cipher, gate, sink, schema, clk,
		credential.Options{GracePeriod: GracePeriod, Timeout: 2 * time.Second}, logger)

	return &Harness{
		Store:       store,
		Clock:       clk,
		DataKeys:    dataKeys,
		SigningKeys: signingKeys,
		Cipher:      cipher,
		Sink:        sink,
		Gate:        gate,
		Credentials: creds,
		Logger:      logger,
		Logs:        logs,
	}
}

// Team creates a team and returns an admin principal for it.
func (h *Harness) Team(t testing.TB, name string) domain.Principal {
	t.Helper()
	team := domain.Team{ID: uuid.New(), Name: name, CreatedAt: Epoch}
	require.NoError(t, h.Store.CreateTeam(context.Background(), team))
	return domain.Principal{Kind: domain.PrincipalAdmin, ID: uuid.New(), TeamID: team.ID, Name: name + "-admin"}
}

// Agent registers an agent in admin's team and returns its principal.
func (h *Harness) Agent(t testing.TB, admin domain.Principal, name string) domain.Principal {
	t.Helper()
	agent, _, err := h.Gate.RegisterAgent(context.Background(), admin, name)
	require.NoError(t, err)
	return domain.Principal{Kind: domain.PrincipalAgent, ID: agent.ID, TeamID: agent.TeamID, AgentID: agent.ID, Name: agent.Name}
}

// Credential creates a credential owned by agent.
func (h *Harness) Credential(t testing.TB, agent domain.Principal, name, secret string) domain.Credential {
	t.Helper()
	cred, err := h.Credentials.Create(context.Background(), agent, credential.CreateInput{
		Name:   name,
		Type:   "api_key",
		Secret: domain.NewSecret([]byte(secret)),
	})
	require.NoError(t, err)
	return cred
}
