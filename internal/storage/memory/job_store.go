package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/JakeFAU/webshot/internal/shot"
)

// JobStore keeps deferred job status in memory. Entries are pruned once the
// store exceeds its limit, oldest finished jobs first.
type JobStore struct {
	mu    sync.RWMutex
	jobs  map[string]shot.JobRecord
	order []string
	limit int
	now   func() time.Time
}

// NewJobStore constructs a JobStore holding at most limit records; limit <= 0
// means 10000.
func NewJobStore(limit int) *JobStore {
	if limit <= 0 {
		limit = 10000
	}
	return &JobStore{
		jobs:  make(map[string]shot.JobRecord),
		limit: limit,
		now:   time.Now,
	}
}

// CreateJob stores a new job in queued status.
func (s *JobStore) CreateJob(_ context.Context, rec shot.JobRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[rec.ID]; exists {
		return errors.New("job already exists")
	}
	if rec.Status == "" {
		rec.Status = shot.JobStatusQueued
	}
	s.jobs[rec.ID] = rec
	s.order = append(s.order, rec.ID)
	s.pruneLocked()
	return nil
}

// UpdateJobStatus moves a job to status. Running increments the attempt
// counter so redeliveries are visible.
func (s *JobStore) UpdateJobStatus(_ context.Context, jobID string, status shot.JobStatus, errText string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return fmt.Errorf("%w: job %s", shot.ErrNotFound, jobID)
	}
	job.Status = status
	job.Error = errText
	now := s.now().UTC()
	if status == shot.JobStatusRunning {
		job.Attempts++
		if job.Started == nil {
			job.Started = pointerTime(now)
		}
	}
	if status.Terminal() {
		job.Finished = pointerTime(now)
	}
	s.jobs[jobID] = job
	return nil
}

// GetJob fetches a job by ID.
func (s *JobStore) GetJob(_ context.Context, jobID string) (shot.JobRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return shot.JobRecord{}, fmt.Errorf("%w: job %s", shot.ErrNotFound, jobID)
	}
	return job, nil
}

func (s *JobStore) pruneLocked() {
	if len(s.jobs) <= s.limit {
		return
	}
	kept := s.order[:0]
	for _, id := range s.order {
		if len(s.jobs) > s.limit && s.jobs[id].Status.Terminal() {
			delete(s.jobs, id)
			continue
		}
		kept = append(kept, id)
	}
	s.order = kept
}

func pointerTime(t time.Time) *time.Time {
	ts := t
	return &ts
}
