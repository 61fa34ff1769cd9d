// Package postgres provides the durable, Postgres-backed job broker.
//
// Jobs live in one table; delivery is at-least-once. A worker claims the
// oldest deliverable row with FOR UPDATE SKIP LOCKED, which stamps a lease
// token and a lease deadline. Rows whose lease expired become deliverable
// again; rows that exhausted their attempt budget settle as failed.
//
// Expected schema (managed externally):
//
//	CREATE TABLE scan_jobs (
//	    id               TEXT PRIMARY KEY,
//	    submitted_url    TEXT NOT NULL,
//	    original_job_id  TEXT NOT NULL,
//	    status           TEXT NOT NULL,
//	    attempts         INT NOT NULL DEFAULT 0,
//	    error_text       TEXT NOT NULL DEFAULT '',
//	    submitted_at     TIMESTAMPTZ NOT NULL,
//	    visible_at       TIMESTAMPTZ NOT NULL,
//	    lease_expires_at TIMESTAMPTZ,
//	    lease_token      TEXT,
//	    finished_at      TIMESTAMPTZ
//	);
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/a11yscan/a11yscan/internal/scan"
)

// Config controls the broker's Postgres pool and delivery behavior.
type Config struct {
	DSN            string
	Policy         scan.RetryPolicy
	LeaseWindow    time.Duration
	RetainTerminal int
	PollInterval   time.Duration
	MaxConns       int32
}

const (
	defaultLeaseWindow    = 2 * time.Minute
	defaultRetainTerminal = 256
	defaultPollInterval   = 500 * time.Millisecond
)

// pgxIface is the subset of pgxpool.Pool the broker uses; pgxmock satisfies
// it in tests.
type pgxIface interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Ping(ctx context.Context) error
	Close()
}

// Broker delivers scan jobs out of the scan_jobs table.
type Broker struct {
	pool   pgxIface
	cfg    Config
	clock  scan.Clock
	logger *zap.Logger
}

// New connects a Broker to Postgres and verifies the connection.
func New(ctx context.Context, cfg Config, clock scan.Clock, logger *zap.Logger) (*Broker, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("broker.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse broker dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect broker postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping broker postgres: %w", err)
	}
	return newWithPool(pool, cfg, clock, logger), nil
}

// NewWithPool constructs a Broker from an existing pool (primarily for testing).
func NewWithPool(pool pgxIface, cfg Config, clock scan.Clock, logger *zap.Logger) (*Broker, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return newWithPool(pool, cfg, clock, logger), nil
}

func newWithPool(pool pgxIface, cfg Config, clock scan.Clock, logger *zap.Logger) *Broker {
	if cfg.Policy.MaxAttempts <= 0 {
		cfg.Policy = scan.DefaultRetryPolicy()
	}
	if cfg.LeaseWindow <= 0 {
		cfg.LeaseWindow = defaultLeaseWindow
	}
	if cfg.RetainTerminal <= 0 {
		cfg.RetainTerminal = defaultRetainTerminal
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Broker{pool: pool, cfg: cfg, clock: clock, logger: logger}
}

const enqueueSQL = `
INSERT INTO scan_jobs (id, submitted_url, original_job_id, status, attempts, submitted_at, visible_at)
VALUES ($1, $2, $3, 'queued', 0, $4, $4)`

// Enqueue inserts a new queued row, visible immediately.
func (b *Broker) Enqueue(ctx context.Context, job scan.Job) error {
	if job.ID == "" {
		return fmt.Errorf("enqueue: job id is required")
	}
	now := job.Submitted
	if now.IsZero() {
		now = b.clock.Now()
	}
	if _, err := b.pool.Exec(ctx, enqueueSQL,
		job.ID,
		job.Payload.SubmittedURL,
		job.Payload.OriginalJobID,
		now.UTC(),
	); err != nil {
		return fmt.Errorf("enqueue job %s: %w", job.ID, err)
	}
	return nil
}

const reserveSQL = `
UPDATE scan_jobs j
SET status = 'leased',
    attempts = j.attempts + 1,
    lease_expires_at = $1,
    lease_token = $2
WHERE j.id = (
    SELECT id FROM scan_jobs
    WHERE (status = 'queued' AND visible_at <= $3)
       OR (status = 'leased' AND lease_expires_at < $3)
    ORDER BY submitted_at
    FOR UPDATE SKIP LOCKED
    LIMIT 1
)
RETURNING j.id, j.submitted_url, j.original_job_id, j.attempts, j.submitted_at, j.error_text`

// Next blocks until a job can be leased or the context finishes. Reservation
// is a short atomic claim; between attempts the broker polls.
func (b *Broker) Next(ctx context.Context) (scan.Lease, error) {
	ticker := time.NewTicker(b.cfg.PollInterval)
	defer ticker.Stop()
	for {
		l, err := b.tryReserve(ctx)
		if err == nil {
			return l, nil
		}
		if !errors.Is(err, scan.ErrNoJobAvailable) {
			return nil, err
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("lease wait canceled: %w", ctx.Err())
		case <-ticker.C:
		}
	}
}

func (b *Broker) tryReserve(ctx context.Context) (scan.Lease, error) {
	now := b.clock.Now().UTC()
	token := uuid.NewString()

	var (
		job       scan.Job
		errText   string
		submitted time.Time
	)
	err := b.pool.QueryRow(ctx, reserveSQL, now.Add(b.cfg.LeaseWindow), token, now).Scan(
		&job.ID,
		&job.Payload.SubmittedURL,
		&job.Payload.OriginalJobID,
		&job.Attempts,
		&submitted,
		&errText,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, scan.ErrNoJobAvailable
	}
	if err != nil {
		return nil, fmt.Errorf("reserve job: %w", err)
	}
	job.Status = scan.JobStatusLeased
	job.Submitted = submitted
	job.ErrorText = errText

	// A reservation beyond the attempt budget means the final lease expired
	// without settlement; close the job out instead of delivering it.
	if job.Attempts > b.cfg.Policy.MaxAttempts {
		if err := b.settle(ctx, job.ID, token, scan.JobStatusFailed, "lease expired after final attempt"); err != nil {
			return nil, err
		}
		return nil, scan.ErrNoJobAvailable
	}

	return &lease{broker: b, job: job, token: token}, nil
}

const jobSQL = `
SELECT id, submitted_url, original_job_id, status, attempts, submitted_at, error_text
FROM scan_jobs
WHERE id = $1`

// Job reports the broker-side state of one job row.
func (b *Broker) Job(ctx context.Context, jobID string) (scan.Job, error) {
	var (
		job    scan.Job
		status string
	)
	err := b.pool.QueryRow(ctx, jobSQL, jobID).Scan(
		&job.ID,
		&job.Payload.SubmittedURL,
		&job.Payload.OriginalJobID,
		&status,
		&job.Attempts,
		&job.Submitted,
		&job.ErrorText,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return scan.Job{}, scan.ErrJobNotFound
	}
	if err != nil {
		return scan.Job{}, fmt.Errorf("load job %s: %w", jobID, err)
	}
	job.Status = scan.JobStatus(status)
	return job, nil
}

// Ping verifies the broker's database connection, for readiness probes.
func (b *Broker) Ping(ctx context.Context) error {
	if err := b.pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping broker postgres: %w", err)
	}
	return nil
}

// Close releases the underlying pool.
func (b *Broker) Close() error {
	b.pool.Close()
	return nil
}

const settleSQL = `
UPDATE scan_jobs
SET status = $3, error_text = $4, lease_expires_at = NULL, lease_token = NULL, finished_at = $5
WHERE id = $1 AND status = 'leased' AND lease_token = $2`

func (b *Broker) settle(ctx context.Context, jobID, token string, status scan.JobStatus, reason string) error {
	tag, err := b.pool.Exec(ctx, settleSQL, jobID, token, string(status), reason, b.clock.Now().UTC())
	if err != nil {
		return fmt.Errorf("settle job %s: %w", jobID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("job %s: lease no longer held", jobID)
	}
	b.evict(ctx)
	return nil
}

const rescheduleSQL = `
UPDATE scan_jobs
SET status = 'queued', error_text = $3, lease_expires_at = NULL, lease_token = NULL, visible_at = $4
WHERE id = $1 AND status = 'leased' AND lease_token = $2`

const evictSQL = `
DELETE FROM scan_jobs
WHERE status IN ('completed', 'failed')
  AND id NOT IN (
      SELECT id FROM scan_jobs
      WHERE status IN ('completed', 'failed')
      ORDER BY finished_at DESC
      LIMIT $1
  )`

// evict trims terminal rows beyond the retention bound. Retention is an
// operational convenience, not a correctness requirement, so failures are
// logged and swallowed.
func (b *Broker) evict(ctx context.Context) {
	if _, err := b.pool.Exec(ctx, evictSQL, b.cfg.RetainTerminal); err != nil {
		b.logger.Warn("terminal job eviction failed", zap.Error(err))
	}
}

type lease struct {
	broker *Broker
	job    scan.Job
	token  string
}

func (l *lease) Job() scan.Job { return l.job }

// Ack marks the job terminally completed.
func (l *lease) Ack(ctx context.Context) error {
	return l.broker.settle(ctx, l.job.ID, l.token, scan.JobStatusCompleted, "")
}

// Fail either reschedules the job with backoff or, once the attempt budget
// is spent, settles it as terminally failed.
func (l *lease) Fail(ctx context.Context, reason string) error {
	b := l.broker
	if b.cfg.Policy.Exhausted(l.job.Attempts) {
		return b.settle(ctx, l.job.ID, l.token, scan.JobStatusFailed, reason)
	}
	visibleAt := b.clock.Now().UTC().Add(b.cfg.Policy.Backoff(l.job.Attempts))
	tag, err := b.pool.Exec(ctx, rescheduleSQL, l.job.ID, l.token, reason, visibleAt)
	if err != nil {
		return fmt.Errorf("reschedule job %s: %w", l.job.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("job %s: lease no longer held", l.job.ID)
	}
	b.logger.Debug("job rescheduled",
		zap.String("job_id", l.job.ID),
		zap.Int("attempts", l.job.Attempts),
		zap.Time("visible_at", visibleAt),
	)
	return nil
}
