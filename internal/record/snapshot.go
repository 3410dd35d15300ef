package record

import (
	"fmt"
	"sort"
)

// SectionState is the frozen state of one section.
type SectionState struct {
	Value       any    `json:"value,omitempty"`
	Owner       string `json:"owner,omitempty"`
	Written     bool   `json:"written"`
	EmptyReason string `json:"empty_reason,omitempty"`
	EmptyBy     string `json:"empty_by,omitempty"`
}

// Snapshot is an immutable deep copy of the store taken for synthesis.
// Synthesis over the same Snapshot is deterministic.
type Snapshot struct {
	Sections   map[string]SectionState `json:"sections"`
	Changes    []Change                `json:"changes"`
	Violations []ContractViolation     `json:"violations,omitempty"`
}

// Snapshot takes an immutable copy of every section, the merged change log and violations.
func (s *Store) Snapshot() *Snapshot {
	s.mu.RLock()
	names := make([]string, 0, len(s.entries))
	for name := range s.entries {
		names = append(names, name)
	}
	entries := make(map[string]*entry, len(s.entries))
	for name, e := range s.entries {
		entries[name] = e
	}
	s.mu.RUnlock()
	sort.Strings(names)

	snap := &Snapshot{Sections: make(map[string]SectionState, len(names))}
	for _, name := range names {
		e := entries[name]
		e.mu.RLock()
		snap.Sections[name] = SectionState{
			Value:       Clone(e.value),
			Owner:       e.owner,
			Written:     e.written,
			EmptyReason: e.emptyReason,
			EmptyBy:     e.emptyBy,
		}
		snap.Changes = append(snap.Changes, e.changes...)
		e.mu.RUnlock()
	}
	sort.Slice(snap.Changes, func(i, j int) bool { return snap.Changes[i].Seq < snap.Changes[j].Seq })
	snap.Violations = s.Violations()
	return snap
}

// Get resolves a path against the snapshot.
func (sn *Snapshot) Get(path string) (any, error) {
	section, keys, err := SplitPath(path)
	if err != nil {
		return nil, err
	}
	st, ok := sn.Sections[section]
	if !ok || !st.Written {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
	}
	v, ok := Descend(st.Value, keys)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
	}
	return Clone(v), nil
}

// Present reports whether section is satisfied under the Satisfied rule.
func (sn *Snapshot) Present(section string) bool {
	written := make(map[string]bool)
	for name, st := range sn.Sections {
		if Covers(name, section) {
			written[name] = st.Written
		}
	}
	return Satisfied(section, written)
}

// ChangesBy returns the change-log entries written by agent, in sequence order.
func (sn *Snapshot) ChangesBy(agent string) []Change {
	var out []Change
	for _, c := range sn.Changes {
		if c.Agent == agent {
			out = append(out, c)
		}
	}
	return out
}

// OwnedBy returns the written sections owned by agent, sorted.
func (sn *Snapshot) OwnedBy(agent string) []string {
	var out []string
	for name, st := range sn.Sections {
		if st.Written && st.Owner == agent {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

var (
	_ Reader = (*Store)(nil)
	_ Reader = (*Snapshot)(nil)
	_ Writer = (*AgentWriter)(nil)
)
