package progress

import (
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ShayCichocki/diligence/pkg/models"
)

// DefaultSendTimeout is how long Publish waits on a full buffer before dropping.
const DefaultSendTimeout = 100 * time.Millisecond

// Emitter is a buffered channel sink for in-process subscribers such as the TUI.
type Emitter struct {
	events       chan models.Event
	sendTimeout  time.Duration
	logger       *slog.Logger
	droppedCount atomic.Uint64

	closeOnce sync.Once
	mu        sync.RWMutex
	closed    bool
}

// EmitterOption configures an Emitter.
type EmitterOption func(*Emitter)

// WithSendTimeout overrides DefaultSendTimeout.
func WithSendTimeout(d time.Duration) EmitterOption {
	return func(e *Emitter) { e.sendTimeout = d }
}

// WithEmitterLogger sets the logger used to report drops.
func WithEmitterLogger(l *slog.Logger) EmitterOption {
	return func(e *Emitter) { e.logger = l }
}

// NewEmitter creates an Emitter with the given buffer size.
func NewEmitter(bufferSize int, opts ...EmitterOption) *Emitter {
	e := &Emitter{
		events:      make(chan models.Event, bufferSize),
		sendTimeout: DefaultSendTimeout,
		logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Publish sends an event to the channel.
// If the channel is full, it waits up to the send timeout before dropping the event.
func (e *Emitter) Publish(ev models.Event) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return
	}

	select {
	case e.events <- ev:
		return
	default:
	}

	timer := time.NewTimer(e.sendTimeout)
	defer timer.Stop()
	select {
	case e.events <- ev:
	case <-timer.C:
		count := e.droppedCount.Add(1)
		if count%10 == 1 {
			e.logger.Warn("progress channel full, dropped event",
				"job", ev.JobID, "agent", ev.Agent, "status", ev.NewStatus, "dropped", count)
		}
	}
}

// DroppedCount returns the total number of events that have been dropped.
func (e *Emitter) DroppedCount() uint64 {
	return e.droppedCount.Load()
}

// Events returns a read-only channel of events.
func (e *Emitter) Events() <-chan models.Event {
	return e.events
}

// Close closes the events channel. Later Publish calls are ignored.
func (e *Emitter) Close() {
	e.closeOnce.Do(func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		e.closed = true
		close(e.events)
	})
}
