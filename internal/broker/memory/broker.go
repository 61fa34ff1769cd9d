// Package memory provides a broker implementation for single-process
// deployments and tests. Delivery is at-least-once: leases that expire
// without acknowledgment are redelivered.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/a11yscan/a11yscan/internal/scan"
)

// Config controls broker behavior.
type Config struct {
	// Policy governs attempt budget and redelivery backoff.
	Policy scan.RetryPolicy
	// LeaseWindow is how long a leased job stays invisible before it is
	// considered abandoned and becomes deliverable again.
	LeaseWindow time.Duration
	// RetainTerminal bounds how many completed/failed jobs are kept for
	// inspection; the oldest terminal job is evicted first.
	RetainTerminal int
}

const (
	defaultLeaseWindow    = 2 * time.Minute
	defaultRetainTerminal = 256
)

type jobState struct {
	job            scan.Job
	visibleAt      time.Time
	leaseExpiresAt time.Time
	leaseToken     uint64
	finishedAt     time.Time
}

// Broker keeps the queue in process memory.
type Broker struct {
	cfg    Config
	clock  scan.Clock
	logger *zap.Logger

	mu        sync.Mutex
	jobs      map[string]*jobState
	tokenSeq  uint64
	closed    bool
	wake      chan struct{}
}

// New constructs a Broker.
func New(cfg Config, clock scan.Clock, logger *zap.Logger) *Broker {
	if cfg.Policy.MaxAttempts <= 0 {
		cfg.Policy = scan.DefaultRetryPolicy()
	}
	if cfg.LeaseWindow <= 0 {
		cfg.LeaseWindow = defaultLeaseWindow
	}
	if cfg.RetainTerminal <= 0 {
		cfg.RetainTerminal = defaultRetainTerminal
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Broker{
		cfg:    cfg,
		clock:  clock,
		logger: logger,
		jobs:   make(map[string]*jobState),
		wake:   make(chan struct{}, 1),
	}
}

// Enqueue makes the job immediately visible for delivery.
func (b *Broker) Enqueue(_ context.Context, job scan.Job) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return scan.ErrBrokerClosed
	}
	if job.ID == "" {
		return fmt.Errorf("enqueue: job id is required")
	}
	if _, exists := b.jobs[job.ID]; exists {
		return fmt.Errorf("enqueue: job %s already queued", job.ID)
	}
	job.Status = scan.JobStatusQueued
	if job.Submitted.IsZero() {
		job.Submitted = b.clock.Now()
	}
	b.jobs[job.ID] = &jobState{
		job:       job,
		visibleAt: b.clock.Now(),
	}
	b.signal()
	return nil
}

// Next blocks until a job can be leased or the context finishes.
func (b *Broker) Next(ctx context.Context) (scan.Lease, error) {
	for {
		lease, wait, err := b.tryLease()
		if err != nil {
			return nil, err
		}
		if lease != nil {
			return lease, nil
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, fmt.Errorf("lease wait canceled: %w", ctx.Err())
		case <-b.wake:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// tryLease claims the oldest deliverable job, reclaiming expired leases on
// the way. It returns a wait hint when nothing is deliverable yet.
func (b *Broker) tryLease() (scan.Lease, time.Duration, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, 0, scan.ErrBrokerClosed
	}

	now := b.clock.Now()
	wait := time.Second

	var pick *jobState
	for _, st := range b.jobs {
		switch st.job.Status {
		case scan.JobStatusLeased:
			if st.leaseExpiresAt.After(now) {
				continue
			}
			// Abandoned lease. Either redeliver or give up on the job.
			if b.cfg.Policy.Exhausted(st.job.Attempts) {
				b.settleLocked(st, scan.JobStatusFailed, "lease expired after final attempt", now)
				continue
			}
			st.job.Status = scan.JobStatusQueued
			st.visibleAt = now
			b.logger.Warn("lease expired, job requeued",
				zap.String("job_id", st.job.ID),
				zap.Int("attempts", st.job.Attempts),
			)
		case scan.JobStatusQueued:
			if st.visibleAt.After(now) {
				if d := st.visibleAt.Sub(now); d < wait {
					wait = d
				}
				continue
			}
		default:
			continue
		}
		if pick == nil || st.job.Submitted.Before(pick.job.Submitted) {
			pick = st
		}
	}

	if pick == nil {
		return nil, wait, nil
	}

	b.tokenSeq++
	pick.job.Status = scan.JobStatusLeased
	pick.job.Attempts++
	pick.leaseToken = b.tokenSeq
	pick.leaseExpiresAt = now.Add(b.cfg.LeaseWindow)
	return &lease{broker: b, job: pick.job, token: pick.leaseToken}, 0, nil
}

// Job returns the broker's view of the job.
func (b *Broker) Job(_ context.Context, jobID string) (scan.Job, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	st, ok := b.jobs[jobID]
	if !ok {
		return scan.Job{}, scan.ErrJobNotFound
	}
	return st.job, nil
}

// Close marks the broker closed. Pending Next calls return ErrBrokerClosed.
func (b *Broker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	close(b.wake)
	return nil
}

// signal nudges one blocked Next call. Caller holds b.mu.
func (b *Broker) signal() {
	if b.closed {
		return
	}
	select {
	case b.wake <- struct{}{}:
	default:
	}
}

// settleLocked moves a job to a terminal state and evicts the oldest
// terminal jobs beyond the retention bound. Caller holds b.mu.
func (b *Broker) settleLocked(st *jobState, status scan.JobStatus, reason string, now time.Time) {
	st.job.Status = status
	st.job.ErrorText = reason
	st.leaseToken = 0
	st.finishedAt = now

	terminal := 0
	var oldest *jobState
	for _, other := range b.jobs {
		if !other.job.Status.Terminal() {
			continue
		}
		terminal++
		if oldest == nil || other.finishedAt.Before(oldest.finishedAt) {
			oldest = other
		}
	}
	for terminal > b.cfg.RetainTerminal && oldest != nil {
		delete(b.jobs, oldest.job.ID)
		terminal--
		oldest = nil
		for _, other := range b.jobs {
			if !other.job.Status.Terminal() {
				continue
			}
			if oldest == nil || other.finishedAt.Before(oldest.finishedAt) {
				oldest = other
			}
		}
	}
}

type lease struct {
	broker *Broker
	job    scan.Job
	token  uint64
}

func (l *lease) Job() scan.Job { return l.job }

// Ack marks the job terminally completed.
func (l *lease) Ack(_ context.Context) error {
	b := l.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	st, err := b.heldLocked(l)
	if err != nil {
		return err
	}
	b.settleLocked(st, scan.JobStatusCompleted, "", b.clock.Now())
	return nil
}

// Fail records a failed attempt, rescheduling with backoff or settling the
// job as terminally failed once attempts are exhausted.
func (l *lease) Fail(_ context.Context, reason string) error {
	b := l.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	st, err := b.heldLocked(l)
	if err != nil {
		return err
	}

	now := b.clock.Now()
	if b.cfg.Policy.Exhausted(st.job.Attempts) {
		b.settleLocked(st, scan.JobStatusFailed, reason, now)
		return nil
	}

	delay := b.cfg.Policy.Backoff(st.job.Attempts)
	st.job.Status = scan.JobStatusQueued
	st.job.ErrorText = reason
	st.leaseToken = 0
	st.visibleAt = now.Add(delay)
	b.logger.Debug("job rescheduled",
		zap.String("job_id", st.job.ID),
		zap.Int("attempts", st.job.Attempts),
		zap.Duration("backoff", delay),
	)
	b.signal()
	return nil
}

// heldLocked validates that the lease still owns the job. A lease that
// expired and was redelivered cannot settle the newer delivery.
func (b *Broker) heldLocked(l *lease) (*jobState, error) {
	st, ok := b.jobs[l.job.ID]
	if !ok {
		return nil, scan.ErrJobNotFound
	}
	if st.job.Status != scan.JobStatusLeased || st.leaseToken != l.token {
		return nil, fmt.Errorf("job %s: lease no longer held", l.job.ID)
	}
	return st, nil
}
