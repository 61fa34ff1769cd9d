package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/a11yscan/a11yscan/internal/scan"
)

type fixedClock struct {
	now time.Time
}

func (c fixedClock) Now() time.Time { return c.now }

func testClock() fixedClock {
	return fixedClock{now: time.Unix(1700000000, 0).UTC()}
}

func testBroker(t *testing.T, pool pgxIface) *Broker {
	t.Helper()
	b, err := NewWithPool(pool, Config{
		Policy:         scan.RetryPolicy{MaxAttempts: 3, BaseDelay: time.Second, MaxDelay: time.Minute},
		LeaseWindow:    time.Minute,
		RetainTerminal: 100,
		PollInterval:   10 * time.Millisecond,
	}, testClock(), zap.NewNop())
	require.NoError(t, err)
	return b
}

func TestEnqueueInsertsQueuedRow(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	b := testBroker(t, mock)
	now := testClock().Now()

	mock.ExpectExec("INSERT INTO scan_jobs").
		WithArgs("job-1", "https://example.com", "job-1", now).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	err = b.Enqueue(context.Background(), scan.Job{
		ID:        "job-1",
		Payload:   scan.JobPayload{SubmittedURL: "https://example.com", OriginalJobID: "job-1"},
		Submitted: now,
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestNextReservesOldestDeliverableJob(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	b := testBroker(t, mock)
	now := testClock().Now()

	rows := pgxmock.NewRows([]string{
		"id", "submitted_url", "original_job_id", "attempts", "submitted_at", "error_text",
	}).AddRow("job-1", "https://example.com", "job-1", 1, now, "")

	mock.ExpectQuery("UPDATE scan_jobs").
		WithArgs(now.Add(time.Minute), pgxmock.AnyArg(), now).
		WillReturnRows(rows)

	lease, err := b.Next(context.Background())
	require.NoError(t, err)
	require.Equal(t, "job-1", lease.Job().ID)
	require.Equal(t, 1, lease.Job().Attempts)
	require.Equal(t, scan.JobStatusLeased, lease.Job().Status)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAckSettlesCompletedAndEvicts(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	b := testBroker(t, mock)
	now := testClock().Now()

	rows := pgxmock.NewRows([]string{
		"id", "submitted_url", "original_job_id", "attempts", "submitted_at", "error_text",
	}).AddRow("job-1", "https://example.com", "job-1", 1, now, "")
	mock.ExpectQuery("UPDATE scan_jobs").
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnRows(rows)

	mock.ExpectExec("UPDATE scan_jobs").
		WithArgs("job-1", pgxmock.AnyArg(), "completed", "", now).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec("DELETE FROM scan_jobs").
		WithArgs(100).
		WillReturnResult(pgxmock.NewResult("DELETE", 0))

	lease, err := b.Next(context.Background())
	require.NoError(t, err)
	require.NoError(t, lease.Ack(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestFailReschedulesWithBackoff(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	b := testBroker(t, mock)
	now := testClock().Now()

	rows := pgxmock.NewRows([]string{
		"id", "submitted_url", "original_job_id", "attempts", "submitted_at", "error_text",
	}).AddRow("job-1", "https://example.com", "job-1", 1, now, "")
	mock.ExpectQuery("UPDATE scan_jobs").
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnRows(rows)

	mock.ExpectExec("UPDATE scan_jobs").
		WithArgs("job-1", pgxmock.AnyArg(), "navigation timeout", pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	lease, err := b.Next(context.Background())
	require.NoError(t, err)
	require.NoError(t, lease.Fail(context.Background(), "navigation timeout"))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestFailOnFinalAttemptSettlesFailed(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	b := testBroker(t, mock)
	now := testClock().Now()

	rows := pgxmock.NewRows([]string{
		"id", "submitted_url", "original_job_id", "attempts", "submitted_at", "error_text",
	}).AddRow("job-1", "https://example.com", "job-1", 3, now, "still broken")
	mock.ExpectQuery("UPDATE scan_jobs").
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnRows(rows)

	mock.ExpectExec("UPDATE scan_jobs").
		WithArgs("job-1", pgxmock.AnyArg(), "failed", "still broken", now).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec("DELETE FROM scan_jobs").
		WithArgs(100).
		WillReturnResult(pgxmock.NewResult("DELETE", 0))

	lease, err := b.Next(context.Background())
	require.NoError(t, err)
	require.NoError(t, lease.Fail(context.Background(), "still broken"))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSettleLostLeaseErrors(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	b := testBroker(t, mock)
	now := testClock().Now()

	rows := pgxmock.NewRows([]string{
		"id", "submitted_url", "original_job_id", "attempts", "submitted_at", "error_text",
	}).AddRow("job-1", "https://example.com", "job-1", 1, now, "")
	mock.ExpectQuery("UPDATE scan_jobs").
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnRows(rows)

	mock.ExpectExec("UPDATE scan_jobs").
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	lease, err := b.Next(context.Background())
	require.NoError(t, err)
	require.Error(t, lease.Ack(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestJobNotFound(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	b := testBroker(t, mock)

	mock.ExpectQuery("SELECT id, submitted_url").
		WithArgs("missing").
		WillReturnError(pgx.ErrNoRows)

	_, err = b.Job(context.Background(), "missing")
	require.ErrorIs(t, err, scan.ErrJobNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}
