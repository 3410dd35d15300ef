package models

import (
	"errors"
	"fmt"
	"time"
)

// AgentStatus represents the lifecycle state of one planned agent within a job.
type AgentStatus string

const (
	// AgentStatusPending indicates the agent is planned but its wave has not been reached.
	AgentStatusPending AgentStatus = "pending"
	// AgentStatusReady indicates Prepare succeeded and the agent's wave is running.
	AgentStatusReady AgentStatus = "ready"
	// AgentStatusRunning indicates Execute is in flight.
	AgentStatusRunning AgentStatus = "running"
	// AgentStatusRetrying indicates a failed attempt is waiting for backoff before the next one.
	AgentStatusRetrying AgentStatus = "retrying"
	// AgentStatusSuccess indicates the agent finished cleanly.
	AgentStatusSuccess AgentStatus = "success"
	// AgentStatusSuccessWithWarnings indicates the agent finished but reported warnings.
	AgentStatusSuccessWithWarnings AgentStatus = "success_with_warnings"
	// AgentStatusFailed indicates the agent failed.
	AgentStatusFailed AgentStatus = "failed"
	// AgentStatusSkipped indicates the agent never executed.
	AgentStatusSkipped AgentStatus = "skipped"
	// AgentStatusTimedOut indicates the agent exceeded its deadline.
	AgentStatusTimedOut AgentStatus = "timed_out"
)

// Valid returns true if the status is a known value.
func (s AgentStatus) Valid() bool {
	switch s {
	case AgentStatusPending, AgentStatusReady, AgentStatusRunning, AgentStatusRetrying,
		AgentStatusSuccess, AgentStatusSuccessWithWarnings, AgentStatusFailed,
		AgentStatusSkipped, AgentStatusTimedOut:
		return true
	default:
		return false
	}
}

// IsTerminal returns true once no further transitions are possible.
func (s AgentStatus) IsTerminal() bool {
	switch s {
	case AgentStatusSuccess, AgentStatusSuccessWithWarnings, AgentStatusFailed,
		AgentStatusSkipped, AgentStatusTimedOut:
		return true
	default:
		return false
	}
}

// IsFailure reports whether downstream consumers should treat the status as a failure.
// TimedOut counts as Failed.
func (s AgentStatus) IsFailure() bool {
	return s == AgentStatusFailed || s == AgentStatusTimedOut
}

// transitions lists every legal edge of the per-agent state machine.
var transitions = map[AgentStatus][]AgentStatus{
	AgentStatusPending:  {AgentStatusReady, AgentStatusSkipped},
	AgentStatusReady:    {AgentStatusRunning, AgentStatusSkipped},
	AgentStatusRunning:  {AgentStatusSuccess, AgentStatusSuccessWithWarnings, AgentStatusFailed, AgentStatusSkipped, AgentStatusTimedOut, AgentStatusRetrying},
	AgentStatusRetrying: {AgentStatusRunning, AgentStatusFailed, AgentStatusTimedOut, AgentStatusSkipped},
}

// ErrIllegalTransition is returned when a status change is not an edge of the state machine.
var ErrIllegalTransition = errors.New("illegal status transition")

// CheckTransition returns ErrIllegalTransition (wrapped) unless from -> to is allowed.
func CheckTransition(from, to AgentStatus) error {
	for _, next := range transitions[from] {
		if next == to {
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, from, to)
}

// RetryPolicy controls automatic re-execution of an agent.
// Only idempotent agents are ever retried, and only on transient errors or timeouts.
type RetryPolicy struct {
	// MaxAttempts is the total number of attempts including the first. Zero means one.
	MaxAttempts int `json:"max_attempts" yaml:"max_attempts"`
	// InitialBackoff is the delay before the second attempt.
	InitialBackoff time.Duration `json:"initial_backoff" yaml:"initial_backoff"`
	// MaxBackoff caps the exponential delay.
	MaxBackoff time.Duration `json:"max_backoff" yaml:"max_backoff"`
}

// Attempts returns the effective attempt count (at least 1).
func (p RetryPolicy) Attempts() int {
	if p.MaxAttempts < 1 {
		return 1
	}
	return p.MaxAttempts
}

// WorstCaseBackoff returns the sum of all backoff delays between attempts,
// assuming the delay doubles each time and is capped at MaxBackoff.
func (p RetryPolicy) WorstCaseBackoff() time.Duration {
	var total time.Duration
	delay := p.InitialBackoff
	for i := 1; i < p.Attempts(); i++ {
		if p.MaxBackoff > 0 && delay > p.MaxBackoff {
			delay = p.MaxBackoff
		}
		total += delay
		delay *= 2
	}
	return total
}

// Descriptor is the static metadata every agent declares.
type Descriptor struct {
	// Name is the unique agent name. It also identifies the requested analysis.
	Name string `json:"name" yaml:"name"`
	// Requires lists the record sections the agent reads.
	Requires []string `json:"requires,omitempty" yaml:"requires"`
	// Produces lists the record sections the agent may write.
	Produces []string `json:"produces,omitempty" yaml:"produces"`
	// Optional agents may be absent without failing dependent planning.
	Optional bool `json:"optional,omitempty" yaml:"optional"`
	// Critical agents abort the job when they fail.
	Critical bool `json:"critical,omitempty" yaml:"critical"`
	// Idempotent agents are eligible for automatic retry.
	Idempotent bool `json:"idempotent,omitempty" yaml:"idempotent"`
	// Timeout is the per-attempt deadline. Zero falls back to the configured default.
	Timeout time.Duration `json:"timeout,omitempty" yaml:"timeout"`
	// Retry is the retry policy.
	Retry RetryPolicy `json:"retry" yaml:"retry"`
	// Group names the concurrency group. Agents in one group share a rate-limited resource.
	Group string `json:"group,omitempty" yaml:"group"`
}

// Validate checks the descriptor for structural errors.
func (d Descriptor) Validate() error {
	if d.Name == "" {
		return errors.New("descriptor name is required")
	}
	if len(d.Produces) == 0 {
		return fmt.Errorf("agent %s declares no output sections", d.Name)
	}
	seen := make(map[string]bool, len(d.Produces))
	for _, s := range d.Produces {
		if s == "" {
			return fmt.Errorf("agent %s declares an empty output section", d.Name)
		}
		if seen[s] {
			return fmt.Errorf("agent %s declares output section %s twice", d.Name, s)
		}
		seen[s] = true
	}
	for _, s := range d.Requires {
		if seen[s] {
			return fmt.Errorf("agent %s requires its own output section %s", d.Name, s)
		}
	}
	if d.Timeout < 0 {
		return fmt.Errorf("agent %s has negative timeout", d.Name)
	}
	return nil
}

// Declares returns true if section is one of the agent's output sections.
func (d Descriptor) Declares(section string) bool {
	for _, s := range d.Produces {
		if s == section {
			return true
		}
	}
	return false
}
