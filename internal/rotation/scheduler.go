// Package rotation runs the periodic maintenance of the vault: rotating
// credentials whose policy is due, archiving expired superseded versions,
// purging old token rows and rewrapping ciphertext under the active key.
package rotation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/smallbiznis/agentkey/internal/clock"
	"github.com/smallbiznis/agentkey/internal/credential"
	"github.com/smallbiznis/agentkey/internal/domain"
)

const lockKey = "agentkey:rotation-scheduler"

// CredentialStore is the read side the scheduler scans.
type CredentialStore interface {
	ListDueForRotation(ctx context.Context, at time.Time, limit int) ([]domain.Credential, error)
	DeferRotation(ctx context.Context, id uuid.UUID, until time.Time) error
	ArchiveExpiredVersions(ctx context.Context, at time.Time) (int64, error)
}

// Rotator performs rotations and rewraps.
type Rotator interface {
	RotateDue(ctx context.Context, cred domain.Credential) (domain.Credential, error)
	Rewrap(ctx context.Context, limit int) (int, error)
}

// TokenPurger deletes expired token rows.
type TokenPurger interface {
	PurgeExpired(ctx context.Context, retention time.Duration) (int64, error)
}

// Config tunes the scheduler.
type Config struct {
	// Schedule is a robfig/cron spec such as "@every 1m".
	Schedule       string
	BatchSize      int
	TokenRetention time.Duration
	LockTTL        time.Duration
	// RetryBackoff is how far a failed rotation's due date is pushed out.
	RetryBackoff time.Duration
}

// Report summarizes one tick.
type Report struct {
	Due       int
	Rotated   int
	Skipped   int
	Failed    int
	Archived  int64
	Purged    int64
	Rewrapped int
}

// Scheduler drives the maintenance jobs on a cron schedule.
type Scheduler struct {
	store    CredentialStore
	rotator  Rotator
	tokens   TokenPurger
	locker   Locker
	clock    clock.Clock
	schedule cron.Schedule
	cfg      Config
	logger   *zap.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewScheduler parses cfg.Schedule and wires dependencies. A nil locker
// uses a LocalLocker.
func NewScheduler(store CredentialStore, rotator Rotator, tokens TokenPurger, locker Locker, clk clock.Clock, cfg Config, logger *zap.Logger) (*Scheduler, error) {
	if cfg.Schedule == "" {
		cfg.Schedule = "@every 1m"
	}
	schedule, err := cron.ParseStandard(cfg.Schedule)
	if err != nil {
		return nil, fmt.Errorf("parse rotation schedule %q: %w", cfg.Schedule, err)
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.TokenRetention <= 0 {
		cfg.TokenRetention = 24 * time.Hour
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 5 * time.Minute
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 15 * time.Minute
	}
	if locker == nil {
		locker = NewLocalLocker()
	}
	return &Scheduler{
		store:    store,
		rotator:  rotator,
		tokens:   tokens,
		locker:   locker,
		clock:    clk,
		schedule: schedule,
		cfg:      cfg,
		logger:   logger,
	}, nil
}

// Start launches the background loop. It returns an error if the
// scheduler is already running.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done != nil {
		return errors.New("rotation scheduler already started")
	}

	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.loop(loopCtx, s.done)

	s.logger.Info("rotation scheduler started", zap.String("schedule", s.cfg.Schedule), zap.Int("batch_size", s.cfg.BatchSize))
	return nil
}

// Stop cancels the loop and waits for an in-flight tick to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	s.cancel, s.done = nil, nil
	s.logger.Info("rotation scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	for {
		now := s.clock.Now()
		wait := s.schedule.Next(now).Sub(now)
		select {
		case <-ctx.Done():
			return
		case <-s.clock.After(wait):
		}
		if _, err := s.RunOnce(ctx); err != nil && ctx.Err() == nil {
			s.logger.Warn("rotation tick finished with errors", zap.Error(err))
		}
	}
}

// RunOnce runs every job once under the scheduler lock. A tick skipped
// because another holder has the lock returns a zero Report.
func (s *Scheduler) RunOnce(ctx context.Context) (Report, error) {
	unlock, ok, err := s.locker.TryLock(ctx, lockKey, s.cfg.LockTTL)
	if err != nil {
		return Report{}, fmt.Errorf("acquire scheduler lock: %w", err)
	}
	if !ok {
		s.logger.Debug("rotation tick skipped, lock held elsewhere")
		return Report{}, nil
	}
	defer func() {
		if err := unlock(context.WithoutCancel(ctx)); err != nil {
			s.logger.Warn("release scheduler lock", zap.Error(err))
		}
	}()

	var (
		report Report
		errs   []error
	)
	if err := s.RotateDueJob(ctx, &report); err != nil {
		errs = append(errs, err)
	}
	if err := s.ArchiveJob(ctx, &report); err != nil {
		errs = append(errs, err)
	}
	if err := s.PurgeTokensJob(ctx, &report); err != nil {
		errs = append(errs, err)
	}
	if err := s.RewrapJob(ctx, &report); err != nil {
		errs = append(errs, err)
	}

	s.logger.Info("rotation tick",
		zap.Int("due", report.Due),
		zap.Int("rotated", report.Rotated),
		zap.Int("skipped", report.Skipped),
		zap.Int("failed", report.Failed),
		zap.Int64("archived", report.Archived),
		zap.Int64("tokens_purged", report.Purged),
		zap.Int("rewrapped", report.Rewrapped),
	)
	return report, errors.Join(errs...)
}

// RotateDueJob rotates each due credential independently. A failed
// credential is retried after RetryBackoff, behind credentials that became
// due in the meantime.
func (s *Scheduler) RotateDueJob(ctx context.Context, report *Report) error {
	now := s.clock.Now().UTC()
	due, err := s.store.ListDueForRotation(ctx, now, s.cfg.BatchSize)
	if err != nil {
		return fmt.Errorf("list due credentials: %w", err)
	}
	report.Due += len(due)

	for _, cred := range due {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		_, err := s.rotator.RotateDue(ctx, cred)
		switch {
		case err == nil:
			report.Rotated++
		case errors.Is(err, credential.ErrNotDue):
			report.Skipped++
		default:
			report.Failed++
			retryAt := now.Add(s.cfg.RetryBackoff)
			s.logger.Error("scheduled rotation failed",
				zap.Stringer("credential_id", cred.ID),
				zap.Stringer("agent_id", cred.AgentID),
				zap.Time("retry_at", retryAt),
				zap.Error(err),
			)
			if err := s.store.DeferRotation(ctx, cred.ID, retryAt); err != nil {
				s.logger.Warn("defer rotation", zap.Stringer("credential_id", cred.ID), zap.Error(err))
			}
		}
	}
	return nil
}

// ArchiveJob archives superseded versions whose grace period has passed.
func (s *Scheduler) ArchiveJob(ctx context.Context, report *Report) error {
	n, err := s.store.ArchiveExpiredVersions(ctx, s.clock.Now().UTC())
	if err != nil {
		return fmt.Errorf("archive versions: %w", err)
	}
	report.Archived += n
	return nil
}

// PurgeTokensJob deletes token rows past the retention window.
func (s *Scheduler) PurgeTokensJob(ctx context.Context, report *Report) error {
	n, err := s.tokens.PurgeExpired(ctx, s.cfg.TokenRetention)
	if err != nil {
		return err
	}
	report.Purged += n
	return nil
}

// RewrapJob moves one batch of versions onto the active data key.
func (s *Scheduler) RewrapJob(ctx context.Context, report *Report) error {
	n, err := s.rotator.Rewrap(ctx, s.cfg.BatchSize)
	report.Rewrapped += n
	return err
}

var _ Rotator = (*credential.Service)(nil)
