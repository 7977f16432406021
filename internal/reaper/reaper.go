// Package reaper recovers jobs orphaned by crashed workers or lost messages.
package reaper

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/linkscope/internal/crawler"
	"github.com/JakeFAU/linkscope/internal/metrics"
)

// StaleRunningReason is stored on Running jobs whose worker went away.
const StaleRunningReason = "timeout: worker stopped heartbeating"

const requeueReason = "pending without a worker"

// Requeuer republishes the job-created event for a Pending job.
type Requeuer interface {
	Requeue(ctx context.Context, job crawler.Job, reason string) error
}

// Config controls sweep cadence and staleness thresholds.
type Config struct {
	Interval     time.Duration
	StaleAfter   time.Duration
	PendingAfter time.Duration
	// RepublishAfter holds back a stale Pending job whose message was
	// accepted by the channel less than this long ago. Such a job is
	// most likely queued behind busy workers rather than lost.
	RepublishAfter time.Duration
}

// Result summarizes one sweep.
type Result struct {
	Failed   int
	Requeued int
}

// Reaper periodically fails Running jobs without a heartbeat and
// republishes Pending jobs nobody picked up.
type Reaper struct {
	store    crawler.JobStore
	lease    crawler.Lease
	requeuer Requeuer
	clock    crawler.Clock
	ids      crawler.IDGenerator
	cfg      Config
	logger   *zap.Logger
}

// New constructs a Reaper. lease may be nil, in which case staleness is
// judged on the heartbeat alone.
func New(
	store crawler.JobStore,
	lease crawler.Lease,
	requeuer Requeuer,
	clock crawler.Clock,
	ids crawler.IDGenerator,
	cfg Config,
	logger *zap.Logger,
) *Reaper {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 5 * time.Minute
	}
	if cfg.PendingAfter <= 0 {
		cfg.PendingAfter = 2 * time.Minute
	}
	if cfg.RepublishAfter <= 0 {
		cfg.RepublishAfter = 30 * time.Minute
	}
	metrics.Init()
	return &Reaper{
		store:    store,
		lease:    lease,
		requeuer: requeuer,
		clock:    clock,
		ids:      ids,
		cfg:      cfg,
		logger:   logger,
	}
}

// Run sweeps immediately and then every Interval until ctx ends.
func (r *Reaper) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()
	for {
		res, err := r.Sweep(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			r.logger.Error("reaper sweep failed", zap.Error(err))
		} else if res.Failed > 0 || res.Requeued > 0 {
			r.logger.Info("reaper sweep finished", zap.Int("failed", res.Failed), zap.Int("requeued", res.Requeued))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Sweep handles every stale job once.
func (r *Reaper) Sweep(ctx context.Context) (Result, error) {
	var res Result
	now := r.clock.Now()

	running, err := r.store.ListStaleJobs(ctx, crawler.JobStatusRunning, now.Add(-r.cfg.StaleAfter))
	if err != nil {
		return res, fmt.Errorf("list stale running jobs: %w", err)
	}
	for _, job := range running {
		failed, err := r.failStale(ctx, job)
		if err != nil {
			r.logger.Warn("fail stale job", zap.String("job_id", job.ID.String()), zap.Error(err))
			continue
		}
		if failed {
			res.Failed++
		}
	}

	pending, err := r.store.ListStaleJobs(ctx, crawler.JobStatusPending, now.Add(-r.cfg.PendingAfter))
	if err != nil {
		return res, fmt.Errorf("list stale pending jobs: %w", err)
	}
	for _, job := range pending {
		if job.PublishedAt != nil && now.Sub(*job.PublishedAt) < r.cfg.RepublishAfter {
			continue
		}
		if err := r.requeuer.Requeue(ctx, job, requeueReason); err != nil {
			r.logger.Warn("requeue pending job", zap.String("job_id", job.ID.String()), zap.Error(err))
			continue
		}
		metrics.ObserveReaperAction("requeued")
		r.logger.Info("requeued pending job", zap.String("job_id", job.ID.String()))
		res.Requeued++
	}
	return res, nil
}

func (r *Reaper) failStale(ctx context.Context, job crawler.Job) (bool, error) {
	if r.lease != nil {
		held, err := r.lease.Held(ctx, job.ID)
		if err != nil {
			return false, fmt.Errorf("check lease: %w", err)
		}
		if held {
			return false, nil
		}
	}
	if err := r.store.FailJob(ctx, job.ID, StaleRunningReason, r.clock.Now()); err != nil {
		if errors.Is(err, crawler.ErrInvalidTransition) {
			return false, nil
		}
		return false, fmt.Errorf("fail job: %w", err)
	}
	metrics.ObserveReaperAction("failed")
	metrics.ObserveJob(crawler.JobStatusFailed.String())
	r.logger.Warn("failed stale running job", zap.String("job_id", job.ID.String()))

	id, err := r.ids.NewID()
	if err == nil {
		err = r.store.AppendEvent(ctx, crawler.JobEvent{
			ID:        id,
			JobID:     job.ID,
			Type:      crawler.EventJobFailed,
			Data:      map[string]any{"reason": StaleRunningReason, "category": string(crawler.FailureTimeout)},
			CreatedAt: r.clock.Now(),
		})
	}
	if err != nil {
		r.logger.Warn("append job event failed", zap.String("job_id", job.ID.String()), zap.Error(err))
	}
	return true, nil
}
