package models

import "time"

// JobState represents the lifecycle of one analysis run.
type JobState string

const (
	// JobCreated indicates the job was submitted but has not started.
	JobCreated JobState = "created"
	// JobRunning indicates agents are executing.
	JobRunning JobState = "running"
	// JobCompleted indicates every agent succeeded and the completeness gate passed.
	JobCompleted JobState = "completed"
	// JobCompletedWithWarnings indicates the job finished with non-critical problems.
	JobCompletedWithWarnings JobState = "completed_with_warnings"
	// JobFailed indicates a critical agent failed or a contract was violated.
	JobFailed JobState = "failed"
)

// Valid returns true if the state is a known value.
func (s JobState) Valid() bool {
	switch s {
	case JobCreated, JobRunning, JobCompleted, JobCompletedWithWarnings, JobFailed:
		return true
	default:
		return false
	}
}

// IsTerminal returns true for the three end states.
func (s JobState) IsTerminal() bool {
	return s == JobCompleted || s == JobCompletedWithWarnings || s == JobFailed
}

// Submission is the client-facing request to start a job.
type Submission struct {
	// SubjectIDs identify the entities under analysis.
	SubjectIDs []string `json:"subject_ids"`
	// RequestedAnalyses names the agents to plan.
	RequestedAnalyses []string `json:"requested_analyses"`
	// Options carries per-job configuration overrides.
	Options map[string]string `json:"options,omitempty"`
	// Seed is input data written to the record before any agent runs.
	Seed map[string]any `json:"seed,omitempty"`
}

// Job is one analysis run.
type Job struct {
	ID                string            `json:"id"`
	SubjectIDs        []string          `json:"subject_ids"`
	RequestedAnalyses []string          `json:"requested_analyses"`
	Options           map[string]string `json:"options,omitempty"`
	State             JobState          `json:"state"`
	// Message is the terminal summary enumerating every agent's final status.
	Message string `json:"message,omitempty"`
	// Warnings collects non-critical problems raised during the run.
	Warnings    []string   `json:"warnings,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// AgentOutcome is the final record of one agent within a job.
type AgentOutcome struct {
	Agent    string      `json:"agent"`
	Status   AgentStatus `json:"status"`
	Attempts int         `json:"attempts"`
	Envelope Envelope    `json:"envelope"`
	// Reason explains skips and forced transitions.
	Reason     string        `json:"reason,omitempty"`
	StartedAt  *time.Time    `json:"started_at,omitempty"`
	FinishedAt *time.Time    `json:"finished_at,omitempty"`
	Duration   time.Duration `json:"duration"`
}
