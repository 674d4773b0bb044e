package audit_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/smallbiznis/agentkey/internal/audit"
	"github.com/smallbiznis/agentkey/internal/clock"
	"github.com/smallbiznis/agentkey/internal/domain"
	"github.com/smallbiznis/agentkey/internal/repository/sqlite"
)

func TestSinkRecordsAndLogs(t *testing.T) {
	store, err := sqlite.OpenInMemory(t.Name())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	core, logs := observer.New(zapcore.InfoLevel)
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	now := time.Date(2026, 2, 2, 10, 0, 0, 0, time.UTC)
	sink := audit.NewSink(store, node, clock.Fake(now), zap.New(core))

	team, agent, cred := uuid.New(), uuid.New(), uuid.New()
	principal := domain.Principal{Kind: domain.PrincipalAgent, ID: agent, AgentID: agent, TeamID: team}
	ctx := audit.WithClientIP(context.Background(), "10.0.0.7")

	require.NoError(t, sink.Success(ctx, domain.ActionCredentialDecrypt, principal,
		audit.Target{TeamID: team, AgentID: agent, CredentialID: cred}))
	sink.Failure(ctx, domain.ActionCredentialDecrypt, principal,
		audit.Target{TeamID: team, AgentID: agent, CredentialID: cred}, "out of scope")

	events, err := sink.List(context.Background(), team, cred, 0)
	require.NoError(t, err)
	require.Len(t, events, 2)
	for _, e := range events {
		require.Equal(t, "10.0.0.7", e.IP)
		require.True(t, e.OccurredAt.Equal(now))
		require.NotZero(t, e.ID)
	}

	require.Equal(t, 1, logs.FilterMessage("audit").FilterField(zap.String("outcome", "failed")).Len())
	require.Equal(t, 2, logs.FilterMessage("audit").Len())
}

type collidingRepo struct {
	*sqlite.Store
	conflicts int
	seen      []int64
}

func (r *collidingRepo) AppendAudit(ctx context.Context, event domain.AuditEvent) error {
	r.seen = append(r.seen, event.ID)
	if r.conflicts > 0 {
		r.conflicts--
		return fmt.Errorf("append audit: %w: audit_events.id", domain.ErrConflict)
	}
	return r.Store.AppendAudit(ctx, event)
}

func TestSinkDrawsFreshIDOnCollision(t *testing.T) {
	store, err := sqlite.OpenInMemory(t.Name())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	repo := &collidingRepo{Store: store, conflicts: 2}
	sink := audit.NewSink(repo, node, clock.Fake(time.Now()), zap.NewNop())

	team := uuid.New()
	admin := domain.Principal{Kind: domain.PrincipalAdmin, ID: uuid.New(), TeamID: team}
	require.NoError(t, sink.Success(context.Background(), domain.ActionAgentRegister, admin, audit.Target{TeamID: team}))
	require.Len(t, repo.seen, 3)
	require.NotEqual(t, repo.seen[0], repo.seen[1])
	require.NotEqual(t, repo.seen[1], repo.seen[2])

	events, err := sink.List(context.Background(), team, uuid.Nil, 0)
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, repo.seen[2], events[0].ID)

	// Caller supplied ids are never replaced.
	repo.conflicts, repo.seen = 1, nil
	err = sink.Record(context.Background(), domain.AuditEvent{ID: 42, Action: domain.ActionAgentRegister, TeamID: team})
	require.ErrorIs(t, err, domain.ErrConflict)
	require.Equal(t, []int64{42}, repo.seen)
}
