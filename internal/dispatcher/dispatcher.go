// Package dispatcher accepts deferred screenshot requests and fans queue
// work out to a pool of workers.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/webshot/internal/shot"
	"github.com/JakeFAU/webshot/internal/worker"
)

// Keyer computes the blob key of a request.
type Keyer interface {
	Key(req shot.Request) (string, error)
}

// Dispatcher submits jobs and runs workers.
type Dispatcher struct {
	queue   shot.JobQueue
	jobs    shot.JobStore
	keyer   Keyer
	ids     shot.IDGenerator
	clock   shot.Clock
	workers []*worker.Worker
	logger  *zap.Logger
}

// New creates a Dispatcher. jobs may be nil.
func New(queue shot.JobQueue, jobs shot.JobStore, keyer Keyer, ids shot.IDGenerator, clock shot.Clock, workers []*worker.Worker, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		queue:   queue,
		jobs:    jobs,
		keyer:   keyer,
		ids:     ids,
		clock:   clock,
		workers: workers,
		logger:  logger.Named("dispatcher"),
	}
}

// Run starts all workers and blocks until the context finishes.
func (d *Dispatcher) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i, w := range d.workers {
		wg.Add(1)
		go func(id int, wk *worker.Worker) {
			defer wg.Done()
			if err := wk.Run(ctx); err != nil {
				d.logger.Error("worker stopped", zap.Int("worker", id), zap.Error(err))
			}
		}(i, w)
	}
	<-ctx.Done()
	wg.Wait()
}

// Submit validates params and enqueues a job for them.
func (d *Dispatcher) Submit(ctx context.Context, params shot.RequestParams) (shot.Job, error) {
	req, err := shot.NewRequest(params)
	if err != nil {
		return shot.Job{}, err
	}
	key, err := d.keyer.Key(req)
	if err != nil {
		return shot.Job{}, fmt.Errorf("compute key: %w", err)
	}
	id, err := d.ids.NewID()
	if err != nil {
		return shot.Job{}, fmt.Errorf("generate job id: %w", err)
	}
	job := shot.Job{ID: id, Key: key, Params: req.Params(), Submitted: d.clock.Now().UTC()}

	if d.jobs != nil {
		rec := shot.JobRecord{ID: id, Key: key, Status: shot.JobStatusQueued, Submitted: job.Submitted}
		if err := d.jobs.CreateJob(ctx, rec); err != nil {
			return shot.Job{}, fmt.Errorf("record job: %w", err)
		}
	}
	if err := d.queue.Enqueue(ctx, job); err != nil {
		if d.jobs != nil {
			if uerr := d.jobs.UpdateJobStatus(ctx, id, shot.JobStatusFailed, err.Error()); uerr != nil && !errors.Is(uerr, shot.ErrNotFound) {
				d.logger.Warn("job status update failed", zap.String("job_id", id), zap.Error(uerr))
			}
		}
		return shot.Job{}, fmt.Errorf("queue enqueue: %w", err)
	}
	d.logger.Debug("job enqueued", zap.String("job_id", id), zap.String("key", key))
	return job, nil
}

// Job returns the tracked status of a submitted job.
func (d *Dispatcher) Job(ctx context.Context, id string) (shot.JobRecord, error) {
	if d.jobs == nil {
		return shot.JobRecord{}, fmt.Errorf("%w: job tracking disabled", shot.ErrNotFound)
	}
	return d.jobs.GetJob(ctx, id)
}
