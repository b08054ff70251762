// Package memory provides a JobQueue for local development. Jobs live only
// in process memory and are lost on restart.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/JakeFAU/webshot/internal/shot"
)

// ErrClosed is returned once Close has been called.
var ErrClosed = errors.New("queue closed")

// Queue is a bounded in-memory queue with context-aware operations.
type Queue struct {
	ch          chan shot.Job
	maxAttempts int

	mu       sync.Mutex
	closed   bool
	attempts map[string]int
	// retries holds failed jobs awaiting redelivery. They never go back
	// through ch, so a full buffer cannot block the receiver that failed them.
	retries []shot.Job
}

// NewQueue constructs a new queue with the provided capacity. A job whose
// handler fails with a non-validation error is redelivered until it has been
// tried maxAttempts times; maxAttempts <= 0 means 3.
func NewQueue(capacity, maxAttempts int) *Queue {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	return &Queue{
		ch:          make(chan shot.Job, capacity),
		maxAttempts: maxAttempts,
		attempts:    make(map[string]int),
	}
}

// Enqueue pushes a job into the queue or returns if the context ends.
func (q *Queue) Enqueue(ctx context.Context, job shot.Job) (err error) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrClosed
	}
	q.mu.Unlock()

	defer func() {
		// Close raced with the send.
		if recover() != nil {
			err = ErrClosed
		}
	}()
	select {
	case <-ctx.Done():
		return fmt.Errorf("enqueue canceled: %w", ctx.Err())
	case q.ch <- job:
		return nil
	}
}

// Receive hands jobs to handler until ctx is done or the queue is closed.
func (q *Queue) Receive(ctx context.Context, handler shot.JobHandler) error {
	for {
		job, err := q.dequeue(ctx)
		if err != nil {
			if errors.Is(err, ErrClosed) {
				return nil
			}
			return err
		}
		if herr := handler(ctx, job); herr != nil && !errors.Is(herr, shot.ErrValidation) && q.retry(job) {
			continue
		}
		q.forget(job.ID)
	}
}

// Drain removes and returns the jobs still waiting.
func (q *Queue) Drain() []shot.Job {
	q.mu.Lock()
	out := q.retries
	q.retries = nil
	q.mu.Unlock()
	for {
		select {
		case job, ok := <-q.ch:
			if !ok {
				return out
			}
			out = append(out, job)
		default:
			return out
		}
	}
}

// Len returns the number of waiting jobs.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.ch) + len(q.retries)
}

// Close closes the underlying channel for shutdown. Waiting jobs stay
// available to Drain.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	close(q.ch)
	q.closed = true
}

func (q *Queue) dequeue(ctx context.Context) (shot.Job, error) {
	if err := ctx.Err(); err != nil {
		return shot.Job{}, fmt.Errorf("dequeue canceled: %w", err)
	}
	if job, ok := q.popRetry(); ok {
		return job, nil
	}
	select {
	case <-ctx.Done():
		return shot.Job{}, fmt.Errorf("dequeue canceled: %w", ctx.Err())
	case job, ok := <-q.ch:
		if !ok {
			return shot.Job{}, ErrClosed
		}
		return job, nil
	}
}

// retry schedules job for redelivery unless its budget is spent.
func (q *Queue) retry(job shot.Job) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.attempts[job.ID]++
	if q.attempts[job.ID] >= q.maxAttempts {
		delete(q.attempts, job.ID)
		return false
	}
	q.retries = append(q.retries, job)
	return true
}

func (q *Queue) popRetry() (shot.Job, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.retries) == 0 {
		return shot.Job{}, false
	}
	job := q.retries[0]
	q.retries = q.retries[1:]
	return job, true
}

func (q *Queue) forget(id string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.attempts, id)
}
