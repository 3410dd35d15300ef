package graph

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/ShayCichocki/diligence/internal/record"
	"github.com/ShayCichocki/diligence/pkg/models"
)

var (
	// ErrPrerequisiteUnsatisfied is returned before any agent runs when a required producer is missing.
	ErrPrerequisiteUnsatisfied = errors.New("cannot satisfy dependency")
	// ErrUnknownAnalysis is returned when a requested analysis has no registered agent.
	ErrUnknownAnalysis = errors.New("unknown analysis")
	// ErrEmptyRequest is returned when no analyses are requested.
	ErrEmptyRequest = errors.New("no analyses requested")
)

// PrerequisiteError describes one unsatisfiable input.
type PrerequisiteError struct {
	Agent   string
	Section string
	// Producer is the registered agent that would provide Section, if any.
	Producer string
	// Skipped is true when the producer was requested but cannot run.
	Skipped bool
}

func (e *PrerequisiteError) Error() string {
	switch {
	case e.Producer == "":
		return fmt.Sprintf("%s: agent %s requires section %s but no agent produces it", ErrPrerequisiteUnsatisfied, e.Agent, e.Section)
	case e.Skipped:
		return fmt.Sprintf("%s: agent %s requires section %s but producer %s cannot run", ErrPrerequisiteUnsatisfied, e.Agent, e.Section, e.Producer)
	default:
		return fmt.Sprintf("%s: agent %s requires section %s from %s, which was not requested", ErrPrerequisiteUnsatisfied, e.Agent, e.Section, e.Producer)
	}
}

func (e *PrerequisiteError) Unwrap() error { return ErrPrerequisiteUnsatisfied }

// Wave is a set of agents that may run concurrently.
type Wave struct {
	Index  int      `json:"index"`
	Level  int      `json:"level"`
	Agents []string `json:"agents"`
}

// Skip is an agent the plan already knows cannot run.
type Skip struct {
	Agent   string   `json:"agent"`
	Missing []string `json:"missing"`
}

// Reason renders the warning attached to the skipped agent.
func (s Skip) Reason() string {
	return "missing input: " + strings.Join(s.Missing, ", ")
}

// Plan is the resolved execution plan for one job.
type Plan struct {
	// Requested is the de-duplicated requested set, sorted.
	Requested []string `json:"requested"`
	// Descriptors holds every requested agent's descriptor.
	Descriptors map[string]models.Descriptor `json:"-"`
	// Waves run in order; agents within a wave run concurrently.
	Waves []Wave `json:"waves"`
	// Skips lists agents that will transition directly to Skipped.
	Skips []Skip `json:"skips,omitempty"`
	// Warnings are non-fatal planning observations.
	Warnings []string `json:"warnings,omitempty"`
	// Producers maps each requested agent to the agents it depends on.
	Producers map[string][]string `json:"producers,omitempty"`
}

// Order returns the total execution order (wave by wave).
func (p *Plan) Order() []string {
	var out []string
	for _, w := range p.Waves {
		out = append(out, w.Agents...)
	}
	return out
}

// WaveOf returns the index of the wave holding agent, or -1.
func (p *Plan) WaveOf(agent string) int {
	for _, w := range p.Waves {
		for _, a := range w.Agents {
			if a == agent {
				return w.Index
			}
		}
	}
	return -1
}

// SkipFor returns the plan-time skip for agent, if any.
func (p *Plan) SkipFor(agent string) (Skip, bool) {
	for _, s := range p.Skips {
		if s.Agent == agent {
			return s, true
		}
	}
	return Skip{}, false
}

// DescriptorList returns the planned descriptors sorted by name.
func (p *Plan) DescriptorList() []models.Descriptor {
	out := make([]models.Descriptor, 0, len(p.Descriptors))
	for _, name := range p.Requested {
		out = append(out, p.Descriptors[name])
	}
	return out
}

// Budget returns the worst-case job duration: for every wave the slowest agent's
// attempts, backoff and grace, summed, plus the synthesis allowance.
func (p *Plan) Budget(timeoutFor func(models.Descriptor) time.Duration, grace, synthesis time.Duration) time.Duration {
	total := synthesis
	for _, w := range p.Waves {
		var slowest time.Duration
		for _, name := range w.Agents {
			d := p.Descriptors[name]
			attempts := 1
			if d.Idempotent {
				attempts = d.Retry.Attempts()
			}
			worst := time.Duration(attempts)*(timeoutFor(d)+grace) + d.Retry.WorstCaseBackoff()
			if worst > slowest {
				slowest = worst
			}
		}
		total += slowest
	}
	return total
}

// ResolveOptions tunes planning.
type ResolveOptions struct {
	// Seeded lists sections supplied with the job; they satisfy requirements.
	Seeded []string
	// GroupCapacity bounds concurrent agents per concurrency group.
	GroupCapacity map[string]int
	// DefaultCapacity applies to groups without an explicit capacity. Zero means 1.
	DefaultCapacity int
	// DebugLog receives resolver tracing.
	DebugLog func(format string, args ...interface{})
}

func (o ResolveOptions) capacity(group string) int {
	if group == "" {
		return 0 // ungrouped agents are unbounded
	}
	if c, ok := o.GroupCapacity[group]; ok && c > 0 {
		return c
	}
	if o.DefaultCapacity > 0 {
		return o.DefaultCapacity
	}
	return 1
}

// Resolve turns a requested analysis set into a plan. It fails fast with a
// *PrerequisiteError before anything runs when a required producer is absent.
func Resolve(requested []string, available []models.Descriptor, opts ResolveOptions) (*Plan, error) {
	debugLog := opts.DebugLog
	if debugLog == nil {
		debugLog = func(string, ...interface{}) {}
	}

	byName := make(map[string]models.Descriptor, len(available))
	for _, d := range available {
		byName[d.Name] = d
	}

	reqSet := make(map[string]bool, len(requested))
	for _, name := range requested {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		if _, ok := byName[name]; !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownAnalysis, name)
		}
		reqSet[name] = true
	}
	if len(reqSet) == 0 {
		return nil, ErrEmptyRequest
	}

	plan := &Plan{
		Descriptors: make(map[string]models.Descriptor, len(reqSet)),
		Producers:   make(map[string][]string),
	}
	for name := range reqSet {
		plan.Requested = append(plan.Requested, name)
		plan.Descriptors[name] = byName[name]
	}
	sort.Strings(plan.Requested)

	plan.Warnings = sharedOutputWarnings(plan)

	g := New()
	g.SetDebugLog(debugLog)
	for _, name := range plan.Requested {
		g.AddNode(plan.Descriptors[name])
	}

	// missing[agent] lists unsatisfiable sections for agents that will skip.
	missing := make(map[string][]string)
	// sectionProviders[agent][section] groups the requested producers of that input.
	sectionProviders := make(map[string]map[string][][]string)

	for _, name := range plan.Requested {
		d := plan.Descriptors[name]
		sectionProviders[name] = make(map[string][][]string)
		for _, section := range d.Requires {
			groups, bySeed := inputGroups(section, opts.Seeded, plan.Requested, plan.Descriptors)
			if bySeed {
				debugLog("[resolve] %s: %s satisfied by seed", name, section)
				continue
			}
			if len(groups) > 0 {
				sectionProviders[name][section] = groups
				for _, p := range flatten(groups) {
					if err := g.AddEdge(name, p); err != nil {
						return nil, err
					}
				}
				continue
			}

			all, _ := inputGroups(section, nil, sortedNames(byName), byName)
			if err := checkAbsent(d, section, flatten(all), byName); err != nil {
				return nil, err
			}
			debugLog("[resolve] %s: %s unavailable, agent will skip", name, section)
			missing[name] = append(missing[name], section)
		}
	}

	order, err := g.TopologicalSort()
	if err != nil {
		return nil, err
	}

	// Propagate: an input is absent once any of its groups has every provider skipping.
	skipping := make(map[string]bool, len(missing))
	for name := range missing {
		skipping[name] = true
	}
	for _, name := range order {
		d := plan.Descriptors[name]
		for _, section := range d.Requires {
			absent := false
			for _, group := range sectionProviders[name][section] {
				if !allSkipping(group, skipping) {
					continue
				}
				for _, p := range group {
					if !plan.Descriptors[p].Optional && !d.Optional {
						return nil, &PrerequisiteError{Agent: name, Section: section, Producer: p, Skipped: true}
					}
				}
				absent = true
			}
			if absent {
				missing[name] = append(missing[name], section)
				skipping[name] = true
			}
		}
		var deps []string
		for _, dep := range g.GetDependencies(name) {
			deps = append(deps, dep)
		}
		plan.Producers[name] = deps
	}

	for _, name := range plan.Requested {
		if m, ok := missing[name]; ok {
			plan.Skips = append(plan.Skips, Skip{Agent: name, Missing: m})
		}
	}

	levels, err := g.Levels(skipping)
	if err != nil {
		return nil, err
	}
	plan.Waves = packWaves(plan, levels, opts)
	debugLog("[resolve] %d waves, %d skips", len(plan.Waves), len(plan.Skips))
	return plan, nil
}

// checkAbsent decides whether an input with no requested provider fails the
// plan or only skips the consumer.
func checkAbsent(consumer models.Descriptor, section string, candidates []string, byName map[string]models.Descriptor) error {
	if consumer.Optional {
		return nil
	}
	if len(candidates) == 0 {
		return &PrerequisiteError{Agent: consumer.Name, Section: section}
	}
	for _, c := range candidates {
		if !byName[c].Optional {
			return &PrerequisiteError{Agent: consumer.Name, Section: section, Producer: c}
		}
	}
	return nil
}

// packWaves splits every level into waves that respect group capacities.
func packWaves(plan *Plan, levels map[string]int, opts ResolveOptions) []Wave {
	byLevel := make(map[int][]string)
	maxLevel := -1
	for name, l := range levels {
		byLevel[l] = append(byLevel[l], name)
		if l > maxLevel {
			maxLevel = l
		}
	}

	var waves []Wave
	for l := 0; l <= maxLevel; l++ {
		names := byLevel[l]
		sort.Strings(names)

		var levelWaves []Wave
		var counts []map[string]int
		for _, name := range names {
			group := plan.Descriptors[name].Group
			capacity := opts.capacity(group)
			placed := false
			for i := range levelWaves {
				if capacity == 0 || counts[i][group] < capacity {
					levelWaves[i].Agents = append(levelWaves[i].Agents, name)
					counts[i][group]++
					placed = true
					break
				}
			}
			if !placed {
				levelWaves = append(levelWaves, Wave{Level: l, Agents: []string{name}})
				counts = append(counts, map[string]int{group: 1})
			}
		}
		for _, w := range levelWaves {
			w.Index = len(waves)
			waves = append(waves, w)
		}
	}
	return waves
}

func sharedOutputWarnings(plan *Plan) []string {
	owners := make(map[string][]string)
	for _, name := range plan.Requested {
		for _, s := range plan.Descriptors[name].Produces {
			owners[s] = append(owners[s], name)
		}
	}
	var sections []string
	for s, agents := range owners {
		if len(agents) > 1 {
			sections = append(sections, s)
		}
	}
	sort.Strings(sections)

	var warnings []string
	for _, s := range sections {
		warnings = append(warnings, fmt.Sprintf("section %s declared by %s; first writer keeps it", s, strings.Join(owners[s], ", ")))
	}
	return warnings
}

// inputGroups mirrors record.Satisfied at plan time. Each group lists the
// producers of one section that would answer for want; every group needs one
// producer that runs. An exact producer of want shadows producers of its
// children. bySeed reports that seeds alone answer for want.
func inputGroups(want string, seeds, names []string, descs map[string]models.Descriptor) (groups [][]string, bySeed bool) {
	for _, s := range seeds {
		if s == want {
			return nil, true
		}
	}

	var exact []string
	children := make(map[string][]string)
	for _, name := range names {
		seen := make(map[string]bool)
		for _, p := range descs[name].Produces {
			switch {
			case p == want:
				if !seen[p] {
					exact = append(exact, name)
				}
			case record.Covers(p, want):
				if !seen[p] {
					children[p] = append(children[p], name)
				}
			default:
				continue
			}
			seen[p] = true
		}
	}
	if len(exact) > 0 {
		return [][]string{exact}, false
	}

	sections := make([]string, 0, len(children))
	for section := range children {
		sections = append(sections, section)
	}
	sort.Strings(sections)
	for _, section := range sections {
		groups = append(groups, children[section])
	}
	if len(groups) > 0 {
		return groups, false
	}
	for _, s := range seeds {
		if record.Covers(s, want) {
			return nil, true
		}
	}
	return nil, false
}

func flatten(groups [][]string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, group := range groups {
		for _, name := range group {
			if !seen[name] {
				seen[name] = true
				out = append(out, name)
			}
		}
	}
	return out
}

func allSkipping(names []string, skipping map[string]bool) bool {
	for _, n := range names {
		if !skipping[n] {
			return false
		}
	}
	return true
}

func sortedNames(m map[string]models.Descriptor) []string {
	out := make([]string, 0, len(m))
	for name := range m {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
