package progress

import (
	"sync"

	"github.com/ShayCichocki/diligence/pkg/models"
)

// Dedupe forwards each (job, agent, new status) transition to the wrapped sink
// at most once. Job state events are keyed the same way.
type Dedupe struct {
	next Sink

	mu   sync.Mutex
	seen map[string]struct{}
}

// NewDedupe wraps next.
func NewDedupe(next Sink) *Dedupe {
	return &Dedupe{next: next, seen: make(map[string]struct{})}
}

// Publish forwards ev unless an event with the same key was already forwarded.
func (d *Dedupe) Publish(ev models.Event) {
	key := ev.JobID + "/" + ev.DedupeKey()
	d.mu.Lock()
	if _, dup := d.seen[key]; dup {
		d.mu.Unlock()
		return
	}
	d.seen[key] = struct{}{}
	d.mu.Unlock()
	d.next.Publish(ev)
}
