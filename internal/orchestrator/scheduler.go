package orchestrator

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"example.com/healthsync/internal/domain"
)

// Syncer runs a sync cycle for one user. *Orchestrator implements it.
type Syncer interface {
	SyncUser(ctx context.Context, userID string, window domain.Window, providers ...domain.Provider) ([]domain.SyncOutcome, error)
}

// UserLister enumerates users that have something to sync.
type UserLister interface {
	ListUsersWithActiveIntegrations(ctx context.Context) ([]string, error)
}

// SchedulerOptions controls the periodic sync loop.
type SchedulerOptions struct {
	Interval        time.Duration
	WindowDays      int
	UserConcurrency int
}

// Scheduler periodically syncs every user with an active integration.
type Scheduler struct {
	users            UserLister
	syncer           Syncer
	opts             SchedulerOptions
	logger           zerolog.Logger
	now              func() time.Time
	shutdownComplete chan struct{}
}

// NewScheduler constructs a Scheduler.
func NewScheduler(users UserLister, syncer Syncer, opts SchedulerOptions, logger zerolog.Logger) *Scheduler {
	if opts.Interval <= 0 {
		opts.Interval = time.Hour
	}
	if opts.WindowDays <= 0 {
		opts.WindowDays = 1
	}
	if opts.UserConcurrency <= 0 {
		opts.UserConcurrency = 8
	}
	return &Scheduler{
		users:            users,
		syncer:           syncer,
		opts:             opts,
		logger:           logger,
		now:              func() time.Time { return time.Now().UTC() },
		shutdownComplete: make(chan struct{}),
	}
}

// Start runs a pass immediately and then on every tick until ctx is cancelled. It should be
// called in a goroutine.
func (s *Scheduler) Start(ctx context.Context) {
	ticker := time.NewTicker(s.opts.Interval)
	defer func() {
		ticker.Stop()
		close(s.shutdownComplete)
	}()

	for {
		if _, err := s.RunOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Error().Err(err).Msg("scheduler pass failed")
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Wait blocks until Start returns.
func (s *Scheduler) Wait() {
	<-s.shutdownComplete
}

// RunOnce syncs every user once and returns how many users completed. A failed user is logged
// and does not stop the others.
func (s *Scheduler) RunOnce(ctx context.Context) (int, error) {
	userIDs, err := s.users.ListUsersWithActiveIntegrations(ctx)
	if err != nil {
		recordSchedulerRun(0, err)
		return 0, err
	}

	window := domain.LastNDays(s.now(), s.opts.WindowDays)
	var completed atomic.Int64

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.opts.UserConcurrency)
	for _, userID := range userIDs {
		userID := userID
		g.Go(func() error {
			outcomes, err := s.syncer.SyncUser(gctx, userID, window)
			if err != nil {
				if errors.Is(err, context.Canceled) {
					return err
				}
				s.logger.Error().Err(err).Str("user_id", userID).Msg("scheduled sync failed")
				return nil
			}
			completed.Add(1)
			s.logger.Debug().Str("user_id", userID).Int("providers", len(outcomes)).Msg("scheduled sync done")
			return nil
		})
	}
	err = g.Wait()

	n := int(completed.Load())
	recordSchedulerRun(n, err)
	s.logger.Info().Int("users", len(userIDs)).Int("completed", n).Str("window", window.String()).Msg("scheduler pass finished")
	return n, err
}
