//go:build integration

package repository_test

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smallbiznis/agentkey/internal/domain"
	"github.com/smallbiznis/agentkey/internal/repository"
)

func setupDB(t *testing.T) *repository.PostgresStore {
	t.Helper()

	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		t.Fatal("DATABASE_URL must be set for integration tests")
	}
	require.NoError(t, repository.MigratePostgres(dbURL))

	pool, err := pgxpool.New(context.Background(), dbURL)
	if err != nil {
		t.Fatalf("failed to connect db: %v", err)
	}
	store := repository.NewPostgresStore(pool)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestPostgresConcurrentRotation(t *testing.T) {
	ctx := context.Background()
	store := setupDB(t)
	now := time.Now().UTC().Truncate(time.Microsecond)

	team := domain.Team{ID: uuid.New(), Name: "integration", CreatedAt: now}
	require.NoError(t, store.CreateTeam(ctx, team))
	agentID := uuid.New()
	require.NoError(t, store.CreateAgent(ctx, domain.Agent{
		ID: agentID, TeamID: team.ID, Name: "worker", Status: domain.AgentStatusActive,
		KeyDigest: agentID[:], KeyPrefix: "ak_int", CreatedAt: now,
	}))

	cred := domain.Credential{
		ID: uuid.New(), AgentID: agentID, TeamID: team.ID, Name: "pg-pass", Type: "database",
		IsActive: true, CurrentVersion: 1, CreatedAt: now, UpdatedAt: now,
	}
	_, err := store.CreateCredential(ctx, cred, domain.CredentialVersion{
		ID: uuid.New(), CredentialID: cred.ID, Version: 1,
		Sealed: domain.SealedValue{Blob: []byte("v1"), KeyVersion: 1}, Status: domain.VersionActive, CreatedAt: now,
	})
	require.NoError(t, err)

	seal := func(domain.Credential, int) (domain.SealedValue, error) {
		return domain.SealedValue{Blob: []byte("next"), KeyVersion: 1}, nil
	}

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, err := store.RotateCredential(ctx, cred.ID, now, time.Hour, seal)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	versions, err := store.ListVersions(ctx, cred.ID)
	require.NoError(t, err)
	require.Len(t, versions, 5)
	active := 0
	for i, v := range versions {
		assert.Equal(t, i+1, v.Version)
		if v.Status == domain.VersionActive {
			active++
		}
	}
	require.Equal(t, 1, active)
}
