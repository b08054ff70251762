package shot

import (
	"context"
	"io"
	"time"
)

// BlobStore is content-addressed object storage keyed by Fingerprint.Key.
type BlobStore interface {
	Exists(ctx context.Context, key string) (bool, error)
	// Get returns ErrNotFound for missing keys.
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	// Put must treat an existing object as a successful write.
	Put(ctx context.Context, key, contentType string, data []byte) error
	SignURL(ctx context.Context, key string, ttl time.Duration) (string, error)
}

// Hasher computes a digest over an ordered list of fields.
type Hasher interface {
	HashFields(fields ...string) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces job IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}

// JobHandler processes one dequeued job. A nil error acknowledges it.
type JobHandler func(ctx context.Context, job Job) error

// JobQueue is the deferred work queue.
type JobQueue interface {
	Enqueue(ctx context.Context, job Job) error
	// Receive blocks, handing jobs to handler until ctx is done or the
	// queue is closed.
	Receive(ctx context.Context, handler JobHandler) error
}

// JobStore tracks deferred job status for the lifetime of the process.
type JobStore interface {
	CreateJob(ctx context.Context, rec JobRecord) error
	UpdateJobStatus(ctx context.Context, jobID string, status JobStatus, errText string) error
	GetJob(ctx context.Context, jobID string) (JobRecord, error)
}
