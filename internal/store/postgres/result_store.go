// Package postgres provides the Postgres-backed result store.
package postgres

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/a11yscan/a11yscan/internal/scan"
)

// Config controls the Postgres connection pool used for result rows.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type pgxIface interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Ping(ctx context.Context) error
	Close()
}

// ResultStore persists terminal scan outcomes in the scan_results table.
type ResultStore struct {
	pool pgxIface
}

// New creates a Postgres-backed ResultStore using the provided config.
func New(ctx context.Context, cfg Config) (*ResultStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("store.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &ResultStore{pool: pool}, nil
}

// NewWithPool constructs a store from an existing pool (primarily for testing).
func NewWithPool(pool pgxIface) (*ResultStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &ResultStore{pool: pool}, nil
}

const upsertSQL = `
INSERT INTO scan_results (
	job_id,
	original_job_id,
	submitted_url,
	actual_url,
	scan_timestamp,
	page_title,
	scan_success,
	violations,
	error_message,
	page_screenshot
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
ON CONFLICT (job_id) DO UPDATE SET
	original_job_id = EXCLUDED.original_job_id,
	submitted_url   = EXCLUDED.submitted_url,
	actual_url      = EXCLUDED.actual_url,
	scan_timestamp  = EXCLUDED.scan_timestamp,
	page_title      = EXCLUDED.page_title,
	scan_success    = EXCLUDED.scan_success,
	violations      = EXCLUDED.violations,
	error_message   = EXCLUDED.error_message,
	page_screenshot = EXCLUDED.page_screenshot`

// Save upserts the result row keyed by job id. Broker redelivery can write
// the same job more than once; the conflict clause keeps the row count at
// exactly one.
func (s *ResultStore) Save(ctx context.Context, result scan.Result) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("result store is not configured")
	}
	if result.JobID == "" {
		return fmt.Errorf("result job id is required")
	}

	var violationsJSON []byte
	if result.Success {
		violations := result.Violations
		if violations == nil {
			violations = []scan.Violation{}
		}
		encoded, err := json.Marshal(violations)
		if err != nil {
			return fmt.Errorf("marshal violations: %w", err)
		}
		violationsJSON = encoded
	}

	var screenshot *string
	if len(result.Screenshot) > 0 {
		encoded := base64.StdEncoding.EncodeToString(result.Screenshot)
		screenshot = &encoded
	}

	if _, err := s.pool.Exec(ctx, upsertSQL,
		result.JobID,
		result.OriginalJobID,
		result.SubmittedURL,
		result.ActualURL,
		result.Timestamp.UTC(),
		result.PageTitle,
		result.Success,
		violationsJSON,
		nullableString(result.ErrorMessage),
		screenshot,
	); err != nil {
		return fmt.Errorf("upsert scan result %s: %w", result.JobID, err)
	}
	return nil
}

const selectByJobIDSQL = selectColumns + ` WHERE job_id = $1`

const selectByOriginalIDSQL = selectColumns + ` WHERE original_job_id = $1 ORDER BY scan_timestamp DESC LIMIT 1`

const selectColumns = `
SELECT job_id, original_job_id, submitted_url, actual_url, scan_timestamp,
       page_title, scan_success, violations, error_message, page_screenshot
FROM scan_results`

// Get looks a result up by the broker-issued job id.
func (s *ResultStore) Get(ctx context.Context, jobID string) (scan.Result, error) {
	return s.queryOne(ctx, selectByJobIDSQL, jobID)
}

// GetByOriginalID looks a result up by the client-visible submission id.
func (s *ResultStore) GetByOriginalID(ctx context.Context, originalJobID string) (scan.Result, error) {
	return s.queryOne(ctx, selectByOriginalIDSQL, originalJobID)
}

func (s *ResultStore) queryOne(ctx context.Context, query, key string) (scan.Result, error) {
	var (
		result         scan.Result
		ts             time.Time
		violationsJSON []byte
		errorMessage   *string
		screenshot     *string
	)
	err := s.pool.QueryRow(ctx, query, key).Scan(
		&result.JobID,
		&result.OriginalJobID,
		&result.SubmittedURL,
		&result.ActualURL,
		&ts,
		&result.PageTitle,
		&result.Success,
		&violationsJSON,
		&errorMessage,
		&screenshot,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return scan.Result{}, scan.ErrResultNotFound
	}
	if err != nil {
		return scan.Result{}, fmt.Errorf("load scan result: %w", err)
	}
	result.Timestamp = ts.UTC()

	// Stored violations may be an encoded blob; decode once here so no
	// caller ever branches on the encoding.
	if result.Success {
		violations, decodeErr := scan.EncodedViolations(violationsJSON).Decode()
		if decodeErr != nil {
			return scan.Result{}, decodeErr
		}
		if violations == nil {
			violations = []scan.Violation{}
		}
		result.Violations = violations
	}
	if errorMessage != nil {
		result.ErrorMessage = *errorMessage
	}
	if screenshot != nil && *screenshot != "" {
		raw, decodeErr := base64.StdEncoding.DecodeString(*screenshot)
		if decodeErr != nil {
			return scan.Result{}, fmt.Errorf("decode screenshot: %w", decodeErr)
		}
		result.Screenshot = raw
	}
	return result, nil
}

// Ping verifies the store's database connection, for readiness probes.
func (s *ResultStore) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}
	return nil
}

// Close releases the underlying pool resources.
func (s *ResultStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

func nullableString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
