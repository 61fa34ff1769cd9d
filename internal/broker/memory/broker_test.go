package memory

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/a11yscan/a11yscan/internal/scan"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1700000000, 0).UTC()}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func testBroker(clock scan.Clock) *Broker {
	return New(Config{
		Policy:         scan.RetryPolicy{MaxAttempts: 3, BaseDelay: time.Second, MaxDelay: time.Minute},
		LeaseWindow:    time.Minute,
		RetainTerminal: 16,
	}, clock, zap.NewNop())
}

func enqueue(t *testing.T, b *Broker, id string) {
	t.Helper()
	err := b.Enqueue(context.Background(), scan.Job{
		ID:      id,
		Payload: scan.JobPayload{SubmittedURL: "https://example.com", OriginalJobID: id},
	})
	require.NoError(t, err)
}

func TestBroker_LeaseAndAck(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	b := testBroker(clock)
	defer func() { require.NoError(t, b.Close()) }()

	enqueue(t, b, "job-1")

	lease, err := b.Next(context.Background())
	require.NoError(t, err)
	require.Equal(t, "job-1", lease.Job().ID)
	require.Equal(t, 1, lease.Job().Attempts)
	require.Equal(t, scan.JobStatusLeased, lease.Job().Status)

	require.NoError(t, lease.Ack(context.Background()))

	job, err := b.Job(context.Background(), "job-1")
	require.NoError(t, err)
	require.Equal(t, scan.JobStatusCompleted, job.Status)

	// Terminal jobs are never redelivered.
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = b.Next(ctx)
	require.Error(t, err)
}

func TestBroker_FailSchedulesBackoffRedelivery(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	b := testBroker(clock)
	defer func() { require.NoError(t, b.Close()) }()

	enqueue(t, b, "job-retry")

	lease, err := b.Next(context.Background())
	require.NoError(t, err)
	require.NoError(t, lease.Fail(context.Background(), "navigation timeout"))

	// Still backing off: not deliverable yet.
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = b.Next(ctx)
	require.Error(t, err)

	// Worst-case first backoff is BaseDelay with full jitter.
	clock.Advance(2 * time.Second)

	again, err := b.Next(context.Background())
	require.NoError(t, err)
	require.Equal(t, "job-retry", again.Job().ID)
	require.Equal(t, 2, again.Job().Attempts)
}

func TestBroker_ExhaustedAttemptsSettleFailed(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	b := testBroker(clock)
	defer func() { require.NoError(t, b.Close()) }()

	enqueue(t, b, "job-doomed")

	for attempt := 1; attempt <= 3; attempt++ {
		clock.Advance(time.Minute)
		lease, err := b.Next(context.Background())
		require.NoError(t, err)
		require.Equal(t, attempt, lease.Job().Attempts)
		require.NoError(t, lease.Fail(context.Background(), "still broken"))
	}

	job, err := b.Job(context.Background(), "job-doomed")
	require.NoError(t, err)
	require.Equal(t, scan.JobStatusFailed, job.Status)
	require.Equal(t, "still broken", job.ErrorText)

	clock.Advance(time.Hour)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = b.Next(ctx)
	require.Error(t, err)
}

func TestBroker_ExpiredLeaseIsRedelivered(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	b := testBroker(clock)
	defer func() { require.NoError(t, b.Close()) }()

	enqueue(t, b, "job-crash")

	stale, err := b.Next(context.Background())
	require.NoError(t, err)

	clock.Advance(2 * time.Minute)

	fresh, err := b.Next(context.Background())
	require.NoError(t, err)
	require.Equal(t, "job-crash", fresh.Job().ID)
	require.Equal(t, 2, fresh.Job().Attempts)

	// The stale lease lost ownership and cannot settle the redelivery.
	require.Error(t, stale.Ack(context.Background()))

	require.NoError(t, fresh.Ack(context.Background()))
	job, err := b.Job(context.Background(), "job-crash")
	require.NoError(t, err)
	require.Equal(t, scan.JobStatusCompleted, job.Status)
}

func TestBroker_TerminalRetentionEvictsOldest(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	b := New(Config{
		Policy:         scan.DefaultRetryPolicy(),
		LeaseWindow:    time.Minute,
		RetainTerminal: 1,
	}, clock, zap.NewNop())
	defer func() { require.NoError(t, b.Close()) }()

	enqueue(t, b, "job-old")
	lease, err := b.Next(context.Background())
	require.NoError(t, err)
	require.NoError(t, lease.Ack(context.Background()))

	clock.Advance(time.Second)
	enqueue(t, b, "job-new")
	lease, err = b.Next(context.Background())
	require.NoError(t, err)
	require.NoError(t, lease.Ack(context.Background()))

	_, err = b.Job(context.Background(), "job-old")
	require.ErrorIs(t, err, scan.ErrJobNotFound)

	job, err := b.Job(context.Background(), "job-new")
	require.NoError(t, err)
	require.Equal(t, scan.JobStatusCompleted, job.Status)
}

func TestBroker_DuplicateEnqueueRejected(t *testing.T) {
	t.Parallel()

	b := testBroker(newFakeClock())
	defer func() { require.NoError(t, b.Close()) }()

	enqueue(t, b, "job-dup")
	err := b.Enqueue(context.Background(), scan.Job{ID: "job-dup"})
	require.Error(t, err)
}

func TestBroker_CloseUnblocksNext(t *testing.T) {
	t.Parallel()

	b := testBroker(newFakeClock())

	done := make(chan error, 1)
	go func() {
		_, err := b.Next(context.Background())
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, b.Close())

	select {
	case err := <-done:
		require.ErrorIs(t, err, scan.ErrBrokerClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("Next did not unblock on Close")
	}
}
