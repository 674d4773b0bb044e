package rotation_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/smallbiznis/agentkey/internal/clock"
	"github.com/smallbiznis/agentkey/internal/credential"
	"github.com/smallbiznis/agentkey/internal/domain"
	"github.com/smallbiznis/agentkey/internal/rotation"
	"github.com/smallbiznis/agentkey/internal/vaulttest"
)

type fakeStore struct {
	due      []domain.Credential
	archived int64
	deferred map[uuid.UUID]time.Time
}

func (f *fakeStore) ListDueForRotation(context.Context, time.Time, int) ([]domain.Credential, error) {
	return f.due, nil
}

func (f *fakeStore) DeferRotation(_ context.Context, id uuid.UUID, until time.Time) error {
	if f.deferred == nil {
		f.deferred = map[uuid.UUID]time.Time{}
	}
	f.deferred[id] = until
	return nil
}

func (f *fakeStore) ArchiveExpiredVersions(context.Context, time.Time) (int64, error) {
	return f.archived, nil
}

type fakeRotator struct {
	mu      sync.Mutex
	failing map[uuid.UUID]bool
	calls   map[uuid.UUID]int
}

func (f *fakeRotator) RotateDue(_ context.Context, cred domain.Credential) (domain.Credential, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[cred.ID]++
	if f.failing[cred.ID] {
		return domain.Credential{}, errors.New("write conflict")
	}
	return cred, nil
}

func (f *fakeRotator) Rewrap(context.Context, int) (int, error) { return 0, nil }

type fakePurger struct{}

func (fakePurger) PurgeExpired(context.Context, time.Duration) (int64, error) { return 3, nil }

func TestRunOnceToleratesPartialFailure(t *testing.T) {
	a, b, c := domain.Credential{ID: uuid.New()}, domain.Credential{ID: uuid.New()}, domain.Credential{ID: uuid.New()}
	store := &fakeStore{due: []domain.Credential{a, b, c}, archived: 2}
	rotator := &fakeRotator{failing: map[uuid.UUID]bool{b.ID: true}, calls: map[uuid.UUID]int{}}

	s, err := rotation.NewScheduler(store, rotator, fakePurger{}, nil, clock.Fake(vaulttest.Epoch), rotation.Config{}, zap.NewNop())
	require.NoError(t, err)

	report, err := s.RunOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, 3, report.Due)
	require.Equal(t, 2, report.Rotated)
	require.Equal(t, 1, report.Failed)
	require.EqualValues(t, 2, report.Archived)
	require.EqualValues(t, 3, report.Purged)
	for _, cred := range []domain.Credential{a, b, c} {
		require.Equal(t, 1, rotator.calls[cred.ID], "each credential is attempted once per tick")
	}
	require.Equal(t, map[uuid.UUID]time.Time{b.ID: vaulttest.Epoch.Add(15 * time.Minute)}, store.deferred)

	rotator.failing = nil
	report, err = s.RunOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, 3, report.Rotated)
	require.Equal(t, 2, rotator.calls[b.ID])
}

func TestRunOnceSkipsWhenLockHeld(t *testing.T) {
	locker := rotation.NewLocalLocker()
	unlock, ok, err := locker.TryLock(context.Background(), "agentkey:rotation-scheduler", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	rotator := &fakeRotator{calls: map[uuid.UUID]int{}}
	store := &fakeStore{due: []domain.Credential{{ID: uuid.New()}}}
	s, err := rotation.NewScheduler(store, rotator, fakePurger{}, locker, clock.Fake(vaulttest.Epoch), rotation.Config{}, zap.NewNop())
	require.NoError(t, err)

	report, err := s.RunOnce(context.Background())
	require.NoError(t, err)
	require.Zero(t, report.Due)
	require.Empty(t, rotator.calls)

	require.NoError(t, unlock(context.Background()))
	report, err = s.RunOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, report.Rotated)
}

func TestNewSchedulerRejectsBadSchedule(t *testing.T) {
	_, err := rotation.NewScheduler(&fakeStore{}, &fakeRotator{}, fakePurger{}, nil, clock.Real(), rotation.Config{Schedule: "every minute"}, zap.NewNop())
	require.Error(t, err)
}

func TestSchedulerRotatesDueCredentialsOnTick(t *testing.T) {
	h := vaulttest.New(t)
	ctx := context.Background()
	admin := h.Team(t, "ops")
	agent := h.Agent(t, admin, "agent")

	cred, err := h.Credentials.Create(ctx, agent, credential.CreateInput{
		Name:     "rotating",
		Secret:   domain.NewSecret([]byte("v1")),
		Rotation: domain.RotationPolicy{Enabled: true, Interval: time.Hour},
	})
	require.NoError(t, err)
	manual := h.Credential(t, agent, "manual", "static")

	purger := fakePurger{}
	s, err := rotation.NewScheduler(h.Store, h.Credentials, purger, nil, h.Clock, rotation.Config{Schedule: "@every 30m"}, h.Logger)
	require.NoError(t, err)
	require.NoError(t, s.Start(ctx))
	t.Cleanup(s.Stop)
	require.Error(t, s.Start(ctx))

	for i := 0; i < 3; i++ {
		require.Eventually(t, func() bool { return h.Clock.Pending() == 1 }, time.Second, 5*time.Millisecond)
		h.Clock.Advance(30 * time.Minute)
	}
	require.Eventually(t, func() bool {
		got, err := h.Credentials.Get(ctx, agent, cred.ID)
		return err == nil && got.CurrentVersion == 2
	}, 2*time.Second, 10*time.Millisecond)

	s.Stop()

	got, err := h.Credentials.Decrypt(ctx, agent, cred.ID)
	require.NoError(t, err)
	require.NotEqual(t, "v1", got.Reveal())

	untouched, err := h.Credentials.Get(ctx, agent, manual.ID)
	require.NoError(t, err)
	require.Equal(t, 1, untouched.CurrentVersion)
}

func TestArchiveJobArchivesAfterGrace(t *testing.T) {
	h := vaulttest.New(t)
	ctx := context.Background()
	admin := h.Team(t, "ops")
	agent := h.Agent(t, admin, "agent")
	cred := h.Credential(t, agent, "db", "v1")
	_, err := h.Credentials.Rotate(ctx, agent, cred.ID, domain.NewSecret([]byte("v2")))
	require.NoError(t, err)

	s, err := rotation.NewScheduler(h.Store, h.Credentials, fakePurger{}, nil, h.Clock, rotation.Config{}, zap.NewNop())
	require.NoError(t, err)

	var report rotation.Report
	require.NoError(t, s.ArchiveJob(ctx, &report))
	require.Zero(t, report.Archived)

	h.Clock.Advance(vaulttest.GracePeriod + time.Second)
	require.NoError(t, s.ArchiveJob(ctx, &report))
	require.EqualValues(t, 1, report.Archived)

	versions, err := h.Credentials.Versions(ctx, agent, cred.ID)
	require.NoError(t, err)
	require.Equal(t, domain.VersionArchived, versions[0].Status)
	require.Equal(t, domain.VersionActive, versions[1].Status)
}

type failingRotator struct {
	rotation.Rotator
	failing map[uuid.UUID]bool
}

func (f failingRotator) RotateDue(ctx context.Context, cred domain.Credential) (domain.Credential, error) {
	if f.failing[cred.ID] {
		return domain.Credential{}, errors.New("seal failed")
	}
	return f.Rotator.RotateDue(ctx, cred)
}

func TestFailingRotationsDoNotStarveHealthyOnes(t *testing.T) {
	h := vaulttest.New(t)
	ctx := context.Background()
	admin := h.Team(t, "ops")
	agent := h.Agent(t, admin, "agent")

	create := func(name string) domain.Credential {
		cred, err := h.Credentials.Create(ctx, agent, credential.CreateInput{
			Name:     name,
			Secret:   domain.NewSecret([]byte(name)),
			Rotation: domain.RotationPolicy{Enabled: true, Interval: time.Hour},
		})
		require.NoError(t, err)
		return cred
	}
	broken := create("broken")
	h.Clock.Advance(time.Second)
	healthy := create("healthy")

	rotator := failingRotator{Rotator: h.Credentials, failing: map[uuid.UUID]bool{broken.ID: true}}
	s, err := rotation.NewScheduler(h.Store, rotator, fakePurger{}, nil, h.Clock,
		rotation.Config{BatchSize: 1, RetryBackoff: 30 * time.Minute}, h.Logger)
	require.NoError(t, err)

	h.Clock.Advance(time.Hour)
	report, err := s.RunOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, report.Failed)

	report, err = s.RunOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, report.Rotated)

	got, err := h.Credentials.Get(ctx, agent, healthy.ID)
	require.NoError(t, err)
	require.Equal(t, 2, got.CurrentVersion)

	deferred, err := h.Credentials.Get(ctx, agent, broken.ID)
	require.NoError(t, err)
	require.Equal(t, 1, deferred.CurrentVersion)
	require.True(t, deferred.NextRotationDue.Equal(h.Clock.Now().UTC().Add(30*time.Minute)))
}
