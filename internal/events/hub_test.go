package events

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type captureSink struct {
	mu     sync.Mutex
	events []Event
}

func (s *captureSink) Consume(_ context.Context, evt Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, evt)
	return nil
}

func (s *captureSink) Close(_ context.Context) error { return nil }

func (s *captureSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

func validEvent(stage Stage) Event {
	return Event{
		JobID:   "job-1",
		TS:      time.Unix(1700000000, 0).UTC(),
		Stage:   stage,
		URL:     "https://example.com",
		Attempt: 1,
	}
}

func TestHub_DeliversToSinks(t *testing.T) {
	t.Parallel()

	sink := &captureSink{}
	hub := NewHub(Config{Logger: zap.NewNop()}, sink)

	hub.Emit(validEvent(StageJobLeased))
	hub.Emit(validEvent(StageJobDone))

	require.Eventually(t, func() bool {
		return sink.count() == 2
	}, time.Second, 10*time.Millisecond)

	require.NoError(t, hub.Close(context.Background()))
}

func TestHub_DropsInvalidEvents(t *testing.T) {
	t.Parallel()

	sink := &captureSink{}
	hub := NewHub(Config{Logger: zap.NewNop()}, sink)
	defer func() { require.NoError(t, hub.Close(context.Background())) }()

	hub.Emit(Event{Stage: StageJobDone}) // missing job id and timestamp

	time.Sleep(50 * time.Millisecond)
	require.Zero(t, sink.count())
}

func TestHub_CloseDrains(t *testing.T) {
	t.Parallel()

	sink := &captureSink{}
	hub := NewHub(Config{BufferSize: 64, Logger: zap.NewNop()}, sink)

	for range 10 {
		hub.Emit(validEvent(StageJobDone))
	}
	require.NoError(t, hub.Close(context.Background()))
	require.Equal(t, 10, sink.count())
}

func TestHub_EmitDuringCloseIsSafe(t *testing.T) {
	t.Parallel()

	sink := &captureSink{}
	hub := NewHub(Config{BufferSize: 4, Logger: zap.NewNop()}, sink)

	var wg sync.WaitGroup
	start := make(chan struct{})
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			for range 100 {
				hub.Emit(validEvent(StageJobDone))
			}
		}()
	}

	close(start)
	require.NoError(t, hub.Close(context.Background()))
	wg.Wait()

	// Emits racing or following Close are silently discarded.
	hub.Emit(validEvent(StageJobDone))
	require.NoError(t, hub.Close(context.Background()))
}

func TestEvent_Validate(t *testing.T) {
	t.Parallel()

	require.NoError(t, validEvent(StageJobError).Validate())

	bad := validEvent("JOB_TELEPORTED")
	require.Error(t, bad.Validate())

	missing := validEvent(StageJobDone)
	missing.JobID = ""
	require.Error(t, missing.Validate())
}
