package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"crmsync/internal/models"
)

// UserLister returns the users with an active credential for an integration.
type UserLister interface {
	ListActiveUsers(ctx context.Context, integrationType string) ([]string, error)
}

// Runner reconciles one user. *syncer.Syncer satisfies it.
type Runner interface {
	Sync(ctx context.Context, userID string) (*models.SyncOutcome, error)
	IntegrationType() string
}

// Scheduler drives a reconciliation run for every connected user.
type Scheduler struct {
	logger      *slog.Logger
	users       UserLister
	runner      Runner
	clock       models.Clock
	concurrency int
}

// New creates a Scheduler. A concurrency below 1 runs users one at a time.
func New(logger *slog.Logger, users UserLister, runner Runner, clock models.Clock, concurrency int) *Scheduler {
	if concurrency < 1 {
		concurrency = 1
	}
	if clock == nil {
		clock = models.RealClock{}
	}
	return &Scheduler{
		logger:      logger,
		users:       users,
		runner:      runner,
		clock:       clock,
		concurrency: concurrency,
	}
}

// Run syncs every user with an active credential and aggregates the outcomes.
// It never fails: per-user errors, including panics, are recorded in the report.
func (s *Scheduler) Run(ctx context.Context) *models.Report {
	start := s.clock.Now()
	report := &models.Report{StartedAt: start, Errors: map[string]string{}}

	users, err := s.users.ListActiveUsers(ctx, s.runner.IntegrationType())
	if err != nil {
		s.logger.Error("Could not list users to sync.", "error", err)
		report.Error = err.Error()
		report.Duration = s.clock.Now().Sub(start)
		return report
	}

	s.logger.Info("Starting scheduled sync.", "users", len(users), "concurrency", s.concurrency)

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for _, userID := range users {
		userID := userID
		g.Go(func() error {
			outcome, err := s.syncUser(gctx, userID)

			mu.Lock()
			defer mu.Unlock()
			report.Add(outcome)
			if err != nil {
				report.Failed++
				report.Errors[userID] = err.Error()
			} else {
				report.Succeeded++
			}
			return nil
		})
	}
	_ = g.Wait()

	report.Duration = s.clock.Now().Sub(start)
	s.logger.Info("Scheduled sync finished.",
		"succeeded", report.Succeeded,
		"failed", report.Failed,
		"imported", report.Imported,
		"updated", report.Updated,
		"exported", report.Exported,
		"duration", report.Duration)
	return report
}

func (s *Scheduler) syncUser(ctx context.Context, userID string) (outcome *models.SyncOutcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("Sync panicked.", "user", userID, "panic", r)
			err = fmt.Errorf("panic during sync: %v", r)
		}
	}()
	return s.runner.Sync(ctx, userID)
}

// Watch runs immediately and then on every tick until ctx is done.
func (s *Scheduler) Watch(ctx context.Context, interval time.Duration) {
	s.logger.Info("Starting watcher.", "interval", interval)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		s.Run(ctx)
		select {
		case <-ctx.Done():
			s.logger.Info("Watcher stopped.")
			return
		case <-ticker.C:
		}
	}
}
