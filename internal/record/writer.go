package record

import "sync"

// AgentWriter is the per-attempt write handle given to an agent.
// After Revoke returns, no write through this handle can reach the store:
// writes already in flight complete first, later ones fail with ErrRevoked.
type AgentWriter struct {
	store *Store
	agent string

	mu      sync.RWMutex
	revoked bool

	// trackMu guards written; several goroutines of one agent may write concurrently.
	trackMu sync.Mutex
	written []string
}

// Agent returns the agent the writer is bound to.
func (w *AgentWriter) Agent() string { return w.agent }

// Set writes a section value.
func (w *AgentWriter) Set(section string, value any) error {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.revoked {
		return ErrRevoked
	}
	if err := w.store.Set(w.agent, section, value); err != nil {
		return err
	}
	w.track(section)
	return nil
}

// Merge unions partial into a section.
func (w *AgentWriter) Merge(section string, partial map[string]any) ([]string, error) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.revoked {
		return nil, ErrRevoked
	}
	warnings, err := w.store.Merge(w.agent, section, partial)
	if err != nil {
		return nil, err
	}
	w.track(section)
	return warnings, nil
}

// MarkEmpty records an explicit empty-with-reason for a section.
func (w *AgentWriter) MarkEmpty(section, reason string) error {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.revoked {
		return ErrRevoked
	}
	return w.store.MarkEmpty(w.agent, section, reason)
}

// Revoke blocks until in-flight writes finish, then rejects all further writes.
func (w *AgentWriter) Revoke() {
	w.mu.Lock()
	w.revoked = true
	w.mu.Unlock()
}

// Revoked reports whether Revoke has been called.
func (w *AgentWriter) Revoked() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.revoked
}

// Written returns the sections committed through this handle.
func (w *AgentWriter) Written() []string {
	w.trackMu.Lock()
	defer w.trackMu.Unlock()
	return append([]string(nil), w.written...)
}

func (w *AgentWriter) track(section string) {
	w.trackMu.Lock()
	defer w.trackMu.Unlock()
	for _, s := range w.written {
		if s == section {
			return
		}
	}
	w.written = append(w.written, section)
}
