// Package worker implements the scan execution loop over the job broker.
package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/a11yscan/a11yscan/internal/events"
	"github.com/a11yscan/a11yscan/internal/hash/sha256"
	"github.com/a11yscan/a11yscan/internal/metrics"
	"github.com/a11yscan/a11yscan/internal/scan"
)

// Config controls Pool behavior.
type Config struct {
	// Concurrency is the number of worker slots; it is the hard upper bound
	// on simultaneous browser sessions.
	Concurrency int
	// DrainTimeout bounds how long shutdown waits for in-flight audits.
	DrainTimeout time.Duration
	// Policy mirrors the broker's retry policy so the pool can tell a
	// retryable failure from a terminal one when emitting events.
	Policy scan.RetryPolicy
	// Topic, when set, receives terminal-outcome notifications.
	Topic string
	// ScreenshotPrefix prefixes archived screenshot object paths.
	ScreenshotPrefix string
}

const (
	defaultConcurrency  = 5
	defaultDrainTimeout = 30 * time.Second
)

// Pool runs N independent slots, each leasing jobs from the broker,
// executing the audit pipeline, persisting the outcome, and settling the
// lease.
type Pool struct {
	broker    scan.Broker
	store     scan.ResultStore
	auditor   scan.Auditor
	publisher scan.Publisher
	blobStore scan.BlobStore
	emitter   events.Emitter
	clock     scan.Clock
	hasher    *sha256.Hasher
	cfg       Config
	logger    *zap.Logger

	ready     chan struct{}
	readyOnce sync.Once
}

// New constructs a Pool. Publisher, blobStore, and emitter are optional.
func New(
	broker scan.Broker,
	store scan.ResultStore,
	auditor scan.Auditor,
	publisher scan.Publisher,
	blobStore scan.BlobStore,
	emitter events.Emitter,
	clock scan.Clock,
	cfg Config,
	logger *zap.Logger,
) *Pool {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaultConcurrency
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = defaultDrainTimeout
	}
	if cfg.Policy.MaxAttempts <= 0 {
		cfg.Policy = scan.DefaultRetryPolicy()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pool{
		broker:    broker,
		store:     store,
		auditor:   auditor,
		publisher: publisher,
		blobStore: blobStore,
		emitter:   emitter,
		clock:     clock,
		hasher:    sha256.New(),
		cfg:       cfg,
		logger:    logger,
		ready:     make(chan struct{}),
	}
}

// Ready is closed once all slots are leasing, for liveness probes.
func (p *Pool) Ready() <-chan struct{} {
	return p.ready
}

// Run blocks until ctx finishes, then drains in-flight audits up to the
// configured deadline before returning.
func (p *Pool) Run(ctx context.Context) {
	// Executions outlive ctx so shutdown can drain them; execCtx is only
	// canceled once the drain deadline elapses.
	execCtx, cancelExec := context.WithCancel(context.Background())
	defer cancelExec()

	var wg sync.WaitGroup
	for slot := 0; slot < p.cfg.Concurrency; slot++ {
		wg.Add(1)
		go func(slot int) {
			defer wg.Done()
			p.runSlot(ctx, execCtx, slot)
		}(slot)
	}

	p.readyOnce.Do(func() { close(p.ready) })
	p.logger.Info("worker pool started", zap.Int("concurrency", p.cfg.Concurrency))

	<-ctx.Done()
	p.logger.Info("worker pool draining", zap.Duration("deadline", p.cfg.DrainTimeout))

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(p.cfg.DrainTimeout):
		p.logger.Warn("drain deadline elapsed, aborting in-flight audits")
		cancelExec()
		<-done
	}
	p.logger.Info("worker pool stopped")
}

// runSlot is one slot's loop: Idle -> Leased -> Executing -> Reporting -> Idle.
// leaseCtx gates new leases; execCtx gates in-flight work during drain.
func (p *Pool) runSlot(leaseCtx, execCtx context.Context, slot int) {
	logger := p.logger.With(zap.Int("slot", slot))
	for {
		lease, err := p.broker.Next(leaseCtx)
		if err != nil {
			if leaseCtx.Err() != nil {
				return
			}
			logger.Error("lease failed", zap.Error(err))
			select {
			case <-leaseCtx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		p.processLease(execCtx, lease, logger)
	}
}

func (p *Pool) processLease(ctx context.Context, lease scan.Lease, logger *zap.Logger) {
	job := lease.Job()
	logger = logger.With(zap.String("job_id", job.ID), zap.Int("attempt", job.Attempts))

	metrics.WorkerActive(1)
	defer metrics.WorkerActive(-1)

	p.emit(events.Event{
		JobID:   job.ID,
		TS:      p.clock.Now(),
		Stage:   events.StageJobLeased,
		URL:     job.Payload.SubmittedURL,
		Attempt: job.Attempts,
	})

	outcome := p.execute(ctx, job, logger)
	result := scan.ResultFor(job, outcome, p.clock.Now())

	persistErr := p.store.Save(ctx, result)
	if persistErr != nil {
		logger.Error("persist scan result failed", zap.Error(persistErr))
	}

	// The job is acked only when both the pipeline and persistence
	// succeeded; a completed scan with no retrievable result is still a
	// failed job.
	if outcome.Success && persistErr == nil {
		p.archiveScreenshot(ctx, job, result, logger)
		if err := lease.Ack(ctx); err != nil {
			logger.Error("ack failed", zap.Error(err))
			return
		}
		logger.Info("job completed",
			zap.Int("violations", len(result.Violations)),
			zap.Duration("duration", outcome.Duration),
		)
		p.emit(events.Event{
			JobID:   job.ID,
			TS:      p.clock.Now(),
			Stage:   events.StageJobDone,
			URL:     job.Payload.SubmittedURL,
			Attempt: job.Attempts,
			Dur:     outcome.Duration,
		})
		p.publishTerminal(ctx, result)
		return
	}

	reason := outcome.ErrorMessage
	if persistErr != nil {
		reason = fmt.Sprintf("persist scan result: %v", persistErr)
	}
	if err := lease.Fail(ctx, reason); err != nil {
		logger.Error("fail report to broker failed", zap.Error(err))
		return
	}

	terminal := p.cfg.Policy.Exhausted(job.Attempts)
	stage := events.StageJobRetry
	if terminal {
		stage = events.StageJobError
	}
	p.emit(events.Event{
		JobID:   job.ID,
		TS:      p.clock.Now(),
		Stage:   stage,
		URL:     job.Payload.SubmittedURL,
		Attempt: job.Attempts,
		Dur:     outcome.Duration,
		Note:    reason,
	})
	if terminal {
		p.publishTerminal(ctx, result)
	}
}

// execute runs the audit pipeline, mapping aborts and panics into failure
// outcomes so a bad page can never take the slot down.
func (p *Pool) execute(ctx context.Context, job scan.Job, logger *zap.Logger) (outcome scan.Outcome) {
	defer func() {
		if rec := recover(); rec != nil {
			logger.Error("audit panicked", zap.Any("panic", rec))
			outcome = scan.Outcome{
				Success:      false,
				ErrorMessage: fmt.Sprintf("audit panicked: %v", rec),
			}
		}
	}()

	out, err := p.auditor.Audit(ctx, job.Payload.SubmittedURL)
	if err != nil {
		logger.Warn("audit failed", zap.Error(err))
		return scan.Outcome{
			Success:      false,
			ErrorMessage: err.Error(),
		}
	}
	return out
}

// archiveScreenshot mirrors the screenshot to the blob store when one is
// configured. Failures are swallowed and logged, matching the best-effort
// contract of the screenshot stage itself.
func (p *Pool) archiveScreenshot(ctx context.Context, job scan.Job, result scan.Result, logger *zap.Logger) {
	if p.blobStore == nil || len(result.Screenshot) == 0 {
		return
	}
	// Content-addressed suffix so a redelivered job with a changed page
	// does not silently clobber the earlier capture.
	path := fmt.Sprintf("%s/%s-%s.png", p.cfg.ScreenshotPrefix, job.ID, p.hasher.Short(result.Screenshot))
	uri, err := p.blobStore.PutObject(ctx, path, "image/png", result.Screenshot)
	if err != nil {
		logger.Warn("screenshot archive failed", zap.Error(err))
		return
	}
	logger.Debug("screenshot archived", zap.String("uri", uri))
}

// publishTerminal pushes a fire-and-forget notification; it never affects
// job settlement.
func (p *Pool) publishTerminal(ctx context.Context, result scan.Result) {
	if p.publisher == nil || p.cfg.Topic == "" {
		return
	}
	payload := map[string]any{
		"job_id":          result.JobID,
		"original_job_id": result.OriginalJobID,
		"submitted_url":   result.SubmittedURL,
		"success":         result.Success,
		"timestamp":       result.Timestamp.Format(time.RFC3339),
	}
	if _, err := p.publisher.Publish(ctx, p.cfg.Topic, payload); err != nil {
		p.logger.Warn("terminal notification publish failed",
			zap.String("job_id", result.JobID),
			zap.Error(err),
		)
	}
}

func (p *Pool) emit(evt events.Event) {
	if p.emitter == nil {
		return
	}
	p.emitter.Emit(evt)
}
