package models

import (
	"fmt"
	"time"
)

// EventKind distinguishes agent transitions from job-level transitions.
type EventKind string

const (
	// EventAgent is an agent status transition.
	EventAgent EventKind = "agent"
	// EventJob is a job state transition. Agent is empty.
	EventJob EventKind = "job"
)

// Event is a progress notification. Events for one agent are emitted in
// transition order; nothing is guaranteed across agents beyond what the
// dependency graph implies.
type Event struct {
	// Seq is a per-job monotonically increasing sequence number.
	Seq       int64       `json:"seq"`
	Kind      EventKind   `json:"kind"`
	JobID     string      `json:"job_id"`
	Agent     string      `json:"agent,omitempty"`
	OldStatus AgentStatus `json:"old_status,omitempty"`
	NewStatus AgentStatus `json:"new_status,omitempty"`
	OldState  JobState    `json:"old_state,omitempty"`
	NewState  JobState    `json:"new_state,omitempty"`
	// Attempt is the 1-based execution attempt for running and retrying transitions.
	Attempt     int       `json:"attempt,omitempty"`
	Message     string    `json:"message,omitempty"`
	DetailLines []string  `json:"detail_lines,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// DedupeKey identifies a transition for at-least-once consumers. Retries
// revisit running, so non-terminal keys carry the attempt.
func (e Event) DedupeKey() string {
	if e.Kind == EventJob {
		return "job:" + string(e.NewState)
	}
	if e.Attempt > 1 && !e.NewStatus.IsTerminal() {
		return fmt.Sprintf("%s:%s#%d", e.Agent, e.NewStatus, e.Attempt)
	}
	return e.Agent + ":" + string(e.NewStatus)
}
