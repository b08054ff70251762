// Package worker executes deferred screenshot jobs taken from the queue.
package worker

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/webshot/internal/metrics"
	"github.com/JakeFAU/webshot/internal/shot"
)

// Shooter runs one screenshot request.
type Shooter interface {
	Shoot(ctx context.Context, req shot.Request) (*shot.Result, error)
}

// Worker consumes queue items and runs them through the pipeline.
type Worker struct {
	queue   shot.JobQueue
	jobs    shot.JobStore
	shooter Shooter
	logger  *zap.Logger
}

// New constructs a Worker. jobs may be nil when status is not tracked.
func New(queue shot.JobQueue, jobs shot.JobStore, shooter Shooter, logger *zap.Logger) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		queue:   queue,
		jobs:    jobs,
		shooter: shooter,
		logger:  logger.Named("worker"),
	}
}

// Run blocks, consuming queue items until the context finishes or the queue
// closes.
func (w *Worker) Run(ctx context.Context) error {
	if err := w.queue.Receive(ctx, w.Handle); err != nil && ctx.Err() == nil {
		return fmt.Errorf("receive jobs: %w", err)
	}
	return nil
}

// Handle processes one job. Validation failures wrap shot.ErrValidation so
// the queue drops them instead of redelivering.
func (w *Worker) Handle(ctx context.Context, job shot.Job) error {
	metrics.IncActiveWorkers()
	defer metrics.DecActiveWorkers()

	log := w.logger.With(zap.String("job_id", job.ID), zap.String("url", job.Params.URL))
	w.setStatus(ctx, log, job.ID, shot.JobStatusRunning, "")

	req, err := shot.NewRequest(job.Params)
	if err != nil {
		log.Warn("rejecting invalid job", zap.Error(err))
		w.finish(ctx, log, job.ID, err)
		return err
	}

	res, err := w.shooter.Shoot(ctx, req)
	if err != nil {
		log.Error("job failed", zap.Error(err))
		w.finish(ctx, log, job.ID, err)
		return fmt.Errorf("job %s: %w", job.ID, err)
	}
	if res.Locator != nil && res.Locator.Body != nil {
		_ = res.Locator.Body.Close()
	}
	if !res.Cached {
		// Nothing is stored, so a retry is the only way to fill the cache.
		err := fmt.Errorf("job %s: %w: artifact not cached", job.ID, shot.ErrStoreUnavailable)
		w.finish(ctx, log, job.ID, err)
		return err
	}
	log.Info("job completed", zap.String("key", res.Key), zap.Bool("cache_hit", res.CacheHit))
	w.finish(ctx, log, job.ID, nil)
	return nil
}

func (w *Worker) finish(ctx context.Context, log *zap.Logger, id string, err error) {
	if err == nil {
		metrics.ObserveJob(string(shot.JobStatusSucceeded))
		w.setStatus(ctx, log, id, shot.JobStatusSucceeded, "")
		return
	}
	// A redelivery moves the job back to running.
	metrics.ObserveJob(string(shot.JobStatusFailed))
	w.setStatus(ctx, log, id, shot.JobStatusFailed, err.Error())
}

func (w *Worker) setStatus(ctx context.Context, log *zap.Logger, id string, status shot.JobStatus, errText string) {
	if w.jobs == nil {
		return
	}
	if err := w.jobs.UpdateJobStatus(ctx, id, status, errText); err != nil && !errors.Is(err, shot.ErrNotFound) {
		log.Warn("job status update failed", zap.String("status", string(status)), zap.Error(err))
	}
}
