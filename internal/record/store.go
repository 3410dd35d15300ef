// Package record provides the per-job shared record that agents read from and write to.
//
// Sections are owned by the agents that declare them. Every write is checked
// against the declaring descriptors at write time, serialized per section,
// and appended to a change log used for audit and completeness reporting.
package record

import (
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ShayCichocki/diligence/pkg/models"
)

// SeedOwner is the pseudo-agent that owns job-supplied input sections.
const SeedOwner = "job"

// Op identifies the kind of change-log entry.
type Op string

const (
	OpSeed  Op = "seed"
	OpSet   Op = "set"
	OpMerge Op = "merge"
	OpEmpty Op = "empty"
)

// Change is one change-log entry.
type Change struct {
	Seq     int64     `json:"seq"`
	Agent   string    `json:"agent"`
	Section string    `json:"section"`
	Op      Op        `json:"op"`
	Bytes   int       `json:"bytes"`
	At      time.Time `json:"at"`
}

// Reader is the read side of the record handed to Prepare and Execute.
type Reader interface {
	// Get resolves "section" or "section/key/..." to a copy of the stored value.
	Get(path string) (any, error)
	// Present reports whether section holds a written value. A parent with no
	// section of its own is present once every dotted child is written.
	Present(section string) bool
}

// Writer is the write side of the record handed to Execute. It is bound to one agent.
type Writer interface {
	Set(section string, value any) error
	Merge(section string, partial map[string]any) ([]string, error)
	MarkEmpty(section, reason string) error
}

// entry is one section slot. Its lock serializes writes to that section only.
type entry struct {
	mu          sync.RWMutex
	value       any
	owner       string
	written     bool
	emptyReason string
	emptyBy     string
	changes     []Change
}

// Store is the shared record for one job. Create one per job with New; there is no global instance.
type Store struct {
	// declared maps agent -> declared output sections. Immutable after New.
	declared map[string]map[string]bool

	// mu guards the entries map itself. Section values are guarded by entry.mu.
	mu      sync.RWMutex
	entries map[string]*entry

	seq atomic.Int64

	violationsMu sync.Mutex
	violations   []ContractViolation

	now    func() time.Time
	logger *slog.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithClock sets the time source used for change-log timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithLogger sets the logger used to report contract violations.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

// New creates a store whose ownership rules come from the given descriptors.
func New(descriptors []models.Descriptor, opts ...Option) *Store {
	s := &Store{
		declared: make(map[string]map[string]bool, len(descriptors)),
		entries:  make(map[string]*entry),
		now:      time.Now,
		logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, o := range opts {
		o(s)
	}
	for _, d := range descriptors {
		secs := make(map[string]bool, len(d.Produces))
		for _, sec := range d.Produces {
			secs[sec] = true
			s.entries[sec] = &entry{}
		}
		s.declared[d.Name] = secs
	}
	return s
}

// slot returns the entry for section, creating it if create is set.
func (s *Store) slot(section string, create bool) *entry {
	s.mu.RLock()
	e := s.entries[section]
	s.mu.RUnlock()
	if e != nil || !create {
		return e
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if e = s.entries[section]; e == nil {
		e = &entry{}
		s.entries[section] = e
	}
	return e
}

// Seed writes job-supplied input data. Seeded sections are owned by SeedOwner.
func (s *Store) Seed(section string, value any) error {
	if section == "" || strings.Contains(section, "/") {
		return fmt.Errorf("%w: seed section %q", ErrInvalidPath, section)
	}
	for agent, secs := range s.declared {
		if secs[section] {
			return fmt.Errorf("seed section %s is declared as output of agent %s", section, agent)
		}
	}
	e := s.slot(section, true)
	e.mu.Lock()
	defer e.mu.Unlock()
	e.value = Clone(value)
	e.owner = SeedOwner
	e.written = true
	s.appendLocked(e, SeedOwner, section, OpSeed, value)
	return nil
}

// Get resolves a path to a copy of the stored value.
func (s *Store) Get(path string) (any, error) {
	section, keys, err := SplitPath(path)
	if err != nil {
		return nil, err
	}
	e := s.slot(section, false)
	if e == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	if !e.written {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
	}
	v, ok := Descend(e.value, keys)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
	}
	return Clone(v), nil
}

// Present reports whether section is satisfied under the Satisfied rule.
func (s *Store) Present(section string) bool {
	s.mu.RLock()
	candidates := make(map[string]*entry)
	for name, e := range s.entries {
		if Covers(name, section) {
			candidates[name] = e
		}
	}
	s.mu.RUnlock()

	written := make(map[string]bool, len(candidates))
	for name, e := range candidates {
		e.mu.RLock()
		written[name] = e.written
		e.mu.RUnlock()
	}
	return Satisfied(section, written)
}

// Set replaces the value of a section owned by agent.
func (s *Store) Set(agent, section string, value any) error {
	e, err := s.authorize(agent, section)
	if err != nil {
		return err
	}
	defer e.mu.Unlock()

	e.value = Clone(value)
	e.written = true
	e.emptyReason, e.emptyBy = "", ""
	s.appendLocked(e, agent, section, OpSet, value)
	return nil
}

// Merge unions partial into the section's map value. Keys already present are
// overwritten (last writer wins) and each overwrite is returned as a warning.
func (s *Store) Merge(agent, section string, partial map[string]any) ([]string, error) {
	e, err := s.authorize(agent, section)
	if err != nil {
		return nil, err
	}
	defer e.mu.Unlock()

	var warnings []string
	current, ok := e.value.(map[string]any)
	if !ok {
		if e.written && e.value != nil {
			warnings = append(warnings, fmt.Sprintf("section %s: non-map value replaced by merge from %s", section, agent))
		}
		current = make(map[string]any, len(partial))
	}

	keys := make([]string, 0, len(partial))
	for k := range partial {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if _, exists := current[k]; exists {
			warnings = append(warnings, fmt.Sprintf("section %s: key %s overwritten by %s", section, k, agent))
		}
		current[k] = Clone(partial[k])
	}

	e.value = current
	e.written = true
	e.emptyReason, e.emptyBy = "", ""
	s.appendLocked(e, agent, section, OpMerge, partial)

	for _, w := range warnings {
		s.logger.Warn("merge conflict", "agent", agent, "section", section, "detail", w)
	}
	return warnings, nil
}

// MarkEmpty records that agent finished without populating section.
// A section that already holds a value, or is owned by another agent, is left untouched.
func (s *Store) MarkEmpty(agent, section, reason string) error {
	if !s.declared[agent][section] {
		return s.violate(ViolationUndeclared, agent, section, "")
	}
	e := s.slot(section, true)
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.written || (e.owner != "" && e.owner != agent) {
		return nil
	}
	if reason == "" {
		reason = "no data produced"
	}
	e.emptyReason = reason
	e.emptyBy = agent
	s.appendLocked(e, agent, section, OpEmpty, nil)
	return nil
}

// Violations returns a copy of every recorded contract violation.
func (s *Store) Violations() []ContractViolation {
	s.violationsMu.Lock()
	defer s.violationsMu.Unlock()
	return append([]ContractViolation(nil), s.violations...)
}

// Declared returns the sections agent may write, sorted.
func (s *Store) Declared(agent string) []string {
	out := make([]string, 0, len(s.declared[agent]))
	for sec := range s.declared[agent] {
		out = append(out, sec)
	}
	sort.Strings(out)
	return out
}

// authorize checks ownership and returns the section entry locked for writing.
func (s *Store) authorize(agent, section string) (*entry, error) {
	if section == "" || strings.Contains(section, "/") {
		return nil, fmt.Errorf("%w: section %q", ErrInvalidPath, section)
	}
	if !s.declared[agent][section] {
		return nil, s.violate(ViolationUndeclared, agent, section, "")
	}
	e := s.slot(section, true)
	e.mu.Lock()
	if e.owner == "" {
		e.owner = agent
	}
	if e.owner != agent {
		owner := e.owner
		e.mu.Unlock()
		return nil, s.violate(ViolationOwned, agent, section, owner)
	}
	return e, nil
}

func (s *Store) violate(kind ViolationKind, agent, section, owner string) error {
	v := ContractViolation{Kind: kind, Agent: agent, Section: section, Owner: owner, At: s.now()}
	s.violationsMu.Lock()
	s.violations = append(s.violations, v)
	s.violationsMu.Unlock()
	s.logger.Warn("contract violation", "kind", kind, "agent", agent, "section", section, "owner", owner)
	return &v
}

// appendLocked records a change. The caller holds e.mu.
func (s *Store) appendLocked(e *entry, agent, section string, op Op, value any) {
	e.changes = append(e.changes, Change{
		Seq:     s.seq.Add(1),
		Agent:   agent,
		Section: section,
		Op:      op,
		Bytes:   sizeOf(value),
		At:      s.now(),
	})
}

// WriterFor returns a revocable writer bound to agent.
func (s *Store) WriterFor(agent string) *AgentWriter {
	return &AgentWriter{store: s, agent: agent}
}
