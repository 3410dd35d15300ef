// Package progress delivers orchestrator transition events to consumers.
//
// Delivery is at-least-once per transition. Consumers that cannot tolerate
// repeats wrap their sink in Dedupe.
package progress

import (
	"sync"

	"github.com/ShayCichocki/diligence/pkg/models"
)

// Sink receives progress events. Publish must not block for long; slow
// consumers should buffer or drop.
type Sink interface {
	Publish(ev models.Event)
}

// SinkFunc adapts a plain function into a Sink.
type SinkFunc func(ev models.Event)

// Publish calls f(ev).
func (f SinkFunc) Publish(ev models.Event) { f(ev) }

// Discard drops every event.
var Discard Sink = SinkFunc(func(models.Event) {})

type multi struct {
	sinks []Sink
}

// Multi fans one event out to every sink in order. Nil sinks are ignored.
func Multi(sinks ...Sink) Sink {
	m := &multi{}
	for _, s := range sinks {
		if s != nil {
			m.sinks = append(m.sinks, s)
		}
	}
	return m
}

func (m *multi) Publish(ev models.Event) {
	for _, s := range m.sinks {
		s.Publish(ev)
	}
}

// Recorder keeps every published event in memory. It is safe for concurrent use.
type Recorder struct {
	mu     sync.Mutex
	events []models.Event
}

// NewRecorder creates an empty Recorder.
func NewRecorder() *Recorder { return &Recorder{} }

// Publish appends ev.
func (r *Recorder) Publish(ev models.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

// Events returns a copy of everything recorded so far.
func (r *Recorder) Events() []models.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]models.Event(nil), r.events...)
}

// ForAgent returns the recorded agent events for one agent, in publish order.
func (r *Recorder) ForAgent(agent string) []models.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.Event
	for _, ev := range r.events {
		if ev.Kind == models.EventAgent && ev.Agent == agent {
			out = append(out, ev)
		}
	}
	return out
}
