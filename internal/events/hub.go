package events

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Sink consumes events. Implementations must be safe for repeated calls and
// honor ctx deadlines.
type Sink interface {
	Consume(ctx context.Context, evt Event) error
	Close(ctx context.Context) error
}

// Emitter publishes individual events; Hub satisfies this interface so
// workers stay agnostic about how events are buffered or delivered.
type Emitter interface {
	Emit(evt Event)
}

// Config controls buffering for the Hub.
type Config struct {
	BufferSize  int
	SinkTimeout time.Duration
	Logger      *zap.Logger
}

const (
	defaultBufferSize  = 1024
	defaultSinkTimeout = 10 * time.Second
)

// Hub fans events out to registered sinks from a single background
// goroutine. Emit never blocks; under pressure events are dropped and
// counted.
type Hub struct {
	cfg     Config
	sinks   []Sink
	events  chan Event
	doneCh  chan struct{}
	logger  *zap.Logger
	dropped atomic.Int64

	// mu orders sends against close(h.events) so a concurrent Emit can
	// never hit a closed channel.
	mu     sync.RWMutex
	closed bool

	closeOnce sync.Once
}

// NewHub starts the background delivery goroutine over the supplied sinks.
func NewHub(cfg Config, sinks ...Sink) *Hub {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = defaultBufferSize
	}
	if cfg.SinkTimeout <= 0 {
		cfg.SinkTimeout = defaultSinkTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &Hub{
		cfg:    cfg,
		sinks:  append([]Sink(nil), sinks...),
		events: make(chan Event, cfg.BufferSize),
		doneCh: make(chan struct{}),
		logger: logger,
	}
	go h.run()
	return h
}

// Emit enqueues an Event for delivery. It never blocks; if the buffer is
// full the event is dropped and counted.
func (h *Hub) Emit(evt Event) {
	if err := evt.Validate(); err != nil {
		h.logger.Warn("invalid event dropped", zap.Error(err))
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return
	}
	select {
	case h.events <- evt:
	default:
		h.dropped.Add(1)
	}
}

// Dropped reports how many events were discarded due to backpressure.
func (h *Hub) Dropped() int64 {
	return h.dropped.Load()
}

// Close drains buffered events, closes sinks, and stops the hub.
func (h *Hub) Close(ctx context.Context) error {
	h.closeOnce.Do(func() {
		h.mu.Lock()
		h.closed = true
		close(h.events)
		h.mu.Unlock()
		select {
		case <-h.doneCh:
		case <-ctx.Done():
		}
		for _, s := range h.sinks {
			if err := s.Close(ctx); err != nil {
				h.logger.Warn("sink close failed", zap.Error(err))
			}
		}
	})
	return nil
}

func (h *Hub) run() {
	defer close(h.doneCh)
	for evt := range h.events {
		for _, s := range h.sinks {
			ctx, cancel := context.WithTimeout(context.Background(), h.cfg.SinkTimeout)
			if err := s.Consume(ctx, evt); err != nil {
				h.logger.Warn("sink consume failed",
					zap.String("stage", string(evt.Stage)),
					zap.Error(err),
				)
			}
			cancel()
		}
	}
}
