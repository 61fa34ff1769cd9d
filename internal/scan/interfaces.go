package scan

import (
	"context"
	"errors"
	"time"
)

// Sentinel errors shared by broker and store implementations.
var (
	// ErrJobNotFound is returned when the broker has no job for the id.
	ErrJobNotFound = errors.New("job not found")
	// ErrResultNotFound is returned when no terminal result row exists.
	ErrResultNotFound = errors.New("scan result not found")
	// ErrBrokerClosed is returned for operations against a closed broker.
	ErrBrokerClosed = errors.New("broker closed")
	// ErrNoJobAvailable is returned by a non-blocking lease attempt when the
	// queue holds nothing deliverable right now.
	ErrNoJobAvailable = errors.New("no job available")
)

// Lease is a worker's temporary exclusive claim on a job. Exactly one of
// Ack or Fail must be called once processing finishes; until then the job
// stays invisible to other workers.
type Lease interface {
	Job() Job
	// Ack marks the job terminally completed. The job is never redelivered.
	Ack(ctx context.Context) error
	// Fail records a failed attempt. The broker either reschedules the job
	// with backoff or, once attempts exceed the maximum, marks it terminally
	// failed.
	Fail(ctx context.Context, reason string) error
}

// Broker provides durable at-least-once delivery of scan jobs.
type Broker interface {
	// Enqueue submits a new job. The job becomes visible immediately.
	Enqueue(ctx context.Context, job Job) error
	// Next blocks until a job can be leased or the context finishes.
	Next(ctx context.Context) (Lease, error)
	// Job reports current broker-side state for operational inspection.
	Job(ctx context.Context, jobID string) (Job, error)
	// Close releases broker resources; in-flight leases may still settle.
	Close() error
}

// ResultStore is durable keyed storage for terminal outcomes.
type ResultStore interface {
	// Save upserts the result row keyed by Result.JobID. Redelivery must
	// never produce a second row for the same job id.
	Save(ctx context.Context, result Result) error
	// Get looks a result up by the broker-issued job id.
	Get(ctx context.Context, jobID string) (Result, error)
	// GetByOriginalID looks a result up by the client-visible submission id.
	GetByOriginalID(ctx context.Context, originalJobID string) (Result, error)
	// Ping verifies the store is reachable, for readiness probes.
	Ping(ctx context.Context) error
	Close()
}

// Auditor runs one accessibility audit against a URL. Implementations own
// the browser session for the run and release it on every exit path.
type Auditor interface {
	Audit(ctx context.Context, targetURL string) (Outcome, error)
}

// Publisher pushes terminal-outcome notifications to interested consumers.
// Publishing is fire-and-forget and never influences job settlement.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// BlobStore writes raw artifacts (screenshot mirrors) and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces job IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}
