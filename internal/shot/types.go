package shot

import (
	"io"
	"time"
)

// RenderResult describes one capture attempt.
type RenderResult struct {
	// RawPath is the temporary PNG capture; the caller removes it.
	RawPath          string
	LoadDuration     time.Duration
	RenderDuration   time.Duration
	Success          bool
	Err              error
	MissingSelectors []string
	// StatusCode of the main document response, 0 if none was observed.
	StatusCode int
}

// Artifact is an encoded image ready for upload.
type Artifact struct {
	Data        []byte
	ContentType string
	Width       int
	Height      int
}

// Locator tells the caller where to find a cached image. Exactly one of URL
// or Body is set.
type Locator struct {
	Key         string
	ContentType string
	URL         string
	Body        io.ReadCloser
}

// LocateMode selects how locators are produced.
type LocateMode string

// Locator modes.
const (
	LocateBytes    LocateMode = "bytes"
	LocateRedirect LocateMode = "redirect"
)

// Result is the outcome of one pipeline run.
type Result struct {
	Key      string
	CacheHit bool
	// Cached reports whether the artifact is stored under Key.
	Cached   bool
	Artifact *Artifact
	Locator  *Locator
}

// Job is a deferred request travelling through the durable queue.
type Job struct {
	ID        string        `json:"id"`
	Key       string        `json:"key"`
	Params    RequestParams `json:"params"`
	Submitted time.Time     `json:"submitted"`
}

// JobStatus is the lifecycle state of a deferred job.
type JobStatus string

// Job statuses.
const (
	JobStatusQueued    JobStatus = "queued"
	JobStatusRunning   JobStatus = "running"
	JobStatusSucceeded JobStatus = "succeeded"
	JobStatusFailed    JobStatus = "failed"
)

// Terminal reports whether no further transitions are expected.
func (s JobStatus) Terminal() bool {
	return s == JobStatusSucceeded || s == JobStatusFailed
}

// JobRecord is the observable state of a deferred job.
type JobRecord struct {
	ID        string     `json:"id"`
	Key       string     `json:"key"`
	Status    JobStatus  `json:"status"`
	Error     string     `json:"error,omitempty"`
	Attempts  int        `json:"attempts"`
	Submitted time.Time  `json:"submitted"`
	Started   *time.Time `json:"started,omitempty"`
	Finished  *time.Time `json:"finished,omitempty"`
}
