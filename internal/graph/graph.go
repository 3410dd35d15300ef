// Package graph resolves requested analyses into an executable plan of waves.
package graph

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/ShayCichocki/diligence/pkg/models"
)

// ErrCycleDetected indicates a circular dependency was found between agents.
var ErrCycleDetected = errors.New("circular dependency detected")

// DependencyGraph is a directed acyclic graph of agents.
// Edges point from an agent to the agents producing the sections it requires.
type DependencyGraph struct {
	mu sync.RWMutex
	// nodes maps agent name to its descriptor.
	nodes map[string]models.Descriptor
	// edges maps agent name to the producers it depends on, sorted.
	edges map[string][]string
	// debugLog is an optional logging function.
	debugLog func(format string, args ...interface{})
}

// New creates a new empty dependency graph.
func New() *DependencyGraph {
	return &DependencyGraph{
		nodes:    make(map[string]models.Descriptor),
		edges:    make(map[string][]string),
		debugLog: func(format string, args ...interface{}) {}, // no-op by default
	}
}

// SetDebugLog sets the debug logging function.
func (g *DependencyGraph) SetDebugLog(fn func(format string, args ...interface{})) {
	if fn != nil {
		g.debugLog = fn
	}
}

// AddNode registers an agent without edges.
func (g *DependencyGraph) AddNode(d models.Descriptor) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.nodes[d.Name] = d
	if _, ok := g.edges[d.Name]; !ok {
		g.edges[d.Name] = nil
	}
}

// AddEdge records that agent depends on producer. Both must already be nodes.
func (g *DependencyGraph) AddEdge(agent, producer string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.nodes[agent]; !ok {
		return fmt.Errorf("unknown agent %s", agent)
	}
	if _, ok := g.nodes[producer]; !ok {
		return fmt.Errorf("agent %s depends on unknown agent %s", agent, producer)
	}
	for _, existing := range g.edges[agent] {
		if existing == producer {
			return nil
		}
	}
	g.edges[agent] = append(g.edges[agent], producer)
	sort.Strings(g.edges[agent])
	g.debugLog("[graph.AddEdge] %s -> %s", agent, producer)
	return nil
}

// HasCycle returns true if the graph contains a circular dependency.
// Uses depth-first search with coloring to detect back edges.
func (g *DependencyGraph) HasCycle() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.hasCycleLocked()
}

// hasCycleLocked is the internal implementation that assumes the lock is held.
func (g *DependencyGraph) hasCycleLocked() bool {
	// Color states: 0 = white (unvisited), 1 = gray (in progress), 2 = black (done).
	colors := make(map[string]int, len(g.nodes))

	var visit func(id string) bool
	visit = func(id string) bool {
		colors[id] = 1
		for _, dep := range g.edges[id] {
			switch colors[dep] {
			case 1:
				return true
			case 0:
				if visit(dep) {
					return true
				}
			}
		}
		colors[id] = 2
		return false
	}

	for _, id := range g.sortedNodesLocked() {
		if colors[id] == 0 && visit(id) {
			return true
		}
	}
	return false
}

// TopologicalSort returns agent names so that every producer precedes its consumers.
// Ties are broken by name, so the order is deterministic.
func (g *DependencyGraph) TopologicalSort() ([]string, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	if g.hasCycleLocked() {
		return nil, ErrCycleDetected
	}

	visited := make(map[string]bool, len(g.nodes))
	result := make([]string, 0, len(g.nodes))

	var visit func(id string)
	visit = func(id string) {
		if visited[id] {
			return
		}
		visited[id] = true
		for _, dep := range g.edges[id] {
			visit(dep)
		}
		result = append(result, id)
	}

	for _, id := range g.sortedNodesLocked() {
		visit(id)
	}
	return result, nil
}

// Levels assigns each agent its depth: 0 for agents with no dependencies,
// otherwise one more than the deepest producer. Agents listed in exclude are
// ignored both as nodes and as edges.
func (g *DependencyGraph) Levels(exclude map[string]bool) (map[string]int, error) {
	order, err := g.TopologicalSort()
	if err != nil {
		return nil, err
	}

	g.mu.RLock()
	defer g.mu.RUnlock()

	levels := make(map[string]int, len(order))
	for _, id := range order {
		if exclude[id] {
			continue
		}
		level := 0
		for _, dep := range g.edges[id] {
			if exclude[dep] {
				continue
			}
			if l := levels[dep] + 1; l > level {
				level = l
			}
		}
		levels[id] = level
	}
	return levels, nil
}

// GetDependencies returns the producers the given agent depends on.
func (g *DependencyGraph) GetDependencies(agent string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return append([]string(nil), g.edges[agent]...)
}

// GetDependents returns the agents that depend on the given agent, sorted.
func (g *DependencyGraph) GetDependents(agent string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var dependents []string
	for id, deps := range g.edges {
		for _, dep := range deps {
			if dep == agent {
				dependents = append(dependents, id)
				break
			}
		}
	}
	sort.Strings(dependents)
	return dependents
}

// Size returns the number of agents in the graph.
func (g *DependencyGraph) Size() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.nodes)
}

func (g *DependencyGraph) sortedNodesLocked() []string {
	ids := make([]string, 0, len(g.nodes))
	for id := range g.nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
