package agent

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/ShayCichocki/diligence/pkg/models"
)

// ErrUnknownAgent is returned when a requested analysis has no registered agent.
var ErrUnknownAgent = errors.New("unknown agent")

// ErrDuplicateAgent is returned when two agents register under the same name.
var ErrDuplicateAgent = errors.New("duplicate agent")

// Registry holds the agents available to plan from.
type Registry struct {
	mu     sync.RWMutex
	agents map[string]Agent
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{agents: make(map[string]Agent)}
}

// Register validates an agent's descriptor and adds it.
func (r *Registry) Register(a Agent) error {
	d := a.Descriptor()
	if err := d.Validate(); err != nil {
		return fmt.Errorf("register agent: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.agents[d.Name]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateAgent, d.Name)
	}
	r.agents[d.Name] = a
	return nil
}

// MustRegister registers agents and panics on error. Intended for static wiring.
func (r *Registry) MustRegister(agents ...Agent) *Registry {
	for _, a := range agents {
		if err := r.Register(a); err != nil {
			panic(err)
		}
	}
	return r
}

// Get returns the agent with the given name.
func (r *Registry) Get(name string) (Agent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.agents[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAgent, name)
	}
	return a, nil
}

// Descriptors returns every registered descriptor, sorted by name.
func (r *Registry) Descriptors() []models.Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]models.Descriptor, 0, len(r.agents))
	for _, a := range r.agents {
		out = append(out, a.Descriptor())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Names returns every registered agent name, sorted.
func (r *Registry) Names() []string {
	descs := r.Descriptors()
	names := make([]string, len(descs))
	for i, d := range descs {
		names[i] = d.Name
	}
	return names
}

// Len returns the number of registered agents.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.agents)
}
