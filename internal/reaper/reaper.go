// Package reaper enforces the maximum session duration. A single gocron job
// scans the registry on a fixed period and tears down every job whose
// planned end time has passed. Per-row failures are logged and skipped; the
// scan never aborts because one job refuses to die.
package reaper

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-co-op/gocron/v2"
	"go.uber.org/zap"

	"github.com/BlueBrain/vsm/internal/allocator"
	"github.com/BlueBrain/vsm/internal/metrics"
	"github.com/BlueBrain/vsm/internal/registry"
)

// scanTimeout bounds one full sweep, including allocator calls.
const scanTimeout = 60 * time.Second

// Reaper wraps gocron and coordinates expiry sweeps.
// The zero value is not usable; create instances with New.
type Reaper struct {
	cron      gocron.Scheduler
	store     registry.Store
	allocator allocator.Allocator
	metrics   *metrics.Scheduler
	period    time.Duration
	logger    *zap.Logger
}

// New creates and configures a Reaper. Call Start to begin sweeping.
func New(store registry.Store, alloc allocator.Allocator, m *metrics.Scheduler, period time.Duration, logger *zap.Logger) (*Reaper, error) {
	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("reaper: creating gocron scheduler: %w", err)
	}
	return &Reaper{
		cron:      s,
		store:     store,
		allocator: alloc,
		metrics:   m,
		period:    period,
		logger:    logger.Named("reaper"),
	}, nil
}

// Start schedules the sweep and starts the underlying scheduler. Singleton
// mode guarantees sweeps never overlap when one outlasts the period.
func (r *Reaper) Start() error {
	_, err := r.cron.NewJob(
		gocron.DurationJob(r.period),
		gocron.NewTask(func() {
			ctx, cancel := context.WithTimeout(context.Background(), scanTimeout)
			defer cancel()
			r.sweep(ctx)
		}),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return fmt.Errorf("reaper: scheduling sweep: %w", err)
	}

	r.cron.Start()
	r.logger.Info("reaper started", zap.Duration("period", r.period))
	return nil
}

// Stop shuts down the scheduler, waiting for an in-flight sweep to finish.
func (r *Reaper) Stop() error {
	if err := r.cron.Shutdown(); err != nil {
		return fmt.Errorf("reaper: shutdown: %w", err)
	}
	r.logger.Info("reaper stopped")
	return nil
}

// sweep runs one pass over the registry and removes every expired job.
func (r *Reaper) sweep(ctx context.Context) {
	jobs, err := r.store.List(ctx)
	if err != nil {
		r.logger.Error("registry scan failed", zap.Error(err))
		return
	}

	now := time.Now().UTC()
	for _, job := range jobs {
		if !job.Expired(now) {
			continue
		}
		if err := r.reap(ctx, job); err != nil {
			r.logger.Error("failed to reap job",
				zap.String("job_id", job.ID),
				zap.String("user", job.User),
				zap.Error(err),
			)
			continue
		}
		r.metrics.JobsReaped.Inc()
		r.logger.Info("job reaped",
			zap.String("job_id", job.ID),
			zap.String("user", job.User),
			zap.Time("end_time", job.EndTime),
		)
	}
}

// reap destroys one job and deletes its row. Allocators that cannot destroy
// (the submission variant lets jobs expire on the cluster side) and jobs the
// cluster no longer knows (racing an explicit stop) still get their row
// removed, otherwise the entry would be retried forever.
func (r *Reaper) reap(ctx context.Context, job registry.Job) error {
	err := r.allocator.DestroyJob(ctx, job.ID)
	if err != nil && !errors.Is(err, allocator.ErrUnsupported) && !errors.Is(err, allocator.ErrInvalidJob) {
		return fmt.Errorf("destroying job: %w", err)
	}
	if err := r.store.Delete(ctx, job.ID); err != nil {
		return fmt.Errorf("deleting row: %w", err)
	}
	return nil
}
