package agent

import (
	"sync"
	"time"

	"github.com/ShayCichocki/diligence/pkg/models"
)

const (
	// DefaultTimeout applies when neither the descriptor nor an override sets one.
	DefaultTimeout = 5 * time.Minute
	// DefaultGrace is how long a cancelled agent may take to return before it is abandoned.
	DefaultGrace = 5 * time.Second
)

// TimeoutTable resolves per-agent deadlines. Overrides beat the descriptor,
// which beats the table default.
type TimeoutTable struct {
	mu        sync.RWMutex
	def       time.Duration
	grace     time.Duration
	overrides map[string]time.Duration
}

// NewTimeoutTable creates a table with the given default and grace. Zero values use the package defaults.
func NewTimeoutTable(def, grace time.Duration) *TimeoutTable {
	if def <= 0 {
		def = DefaultTimeout
	}
	if grace <= 0 {
		grace = DefaultGrace
	}
	return &TimeoutTable{def: def, grace: grace, overrides: make(map[string]time.Duration)}
}

// SetOverride pins the timeout for one agent.
func (t *TimeoutTable) SetOverride(agent string, d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.overrides[agent] = d
}

// For returns the per-attempt timeout for the descriptor.
func (t *TimeoutTable) For(d models.Descriptor) time.Duration {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if v, ok := t.overrides[d.Name]; ok && v > 0 {
		return v
	}
	if d.Timeout > 0 {
		return d.Timeout
	}
	return t.def
}

// Grace returns the bounded wait after cancellation.
func (t *TimeoutTable) Grace() time.Duration {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.grace
}
