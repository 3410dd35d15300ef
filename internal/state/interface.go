package state

import (
	"io"

	"github.com/ShayCichocki/diligence/internal/orchestrator"
	"github.com/ShayCichocki/diligence/internal/record"
	"github.com/ShayCichocki/diligence/internal/synthesis"
	"github.com/ShayCichocki/diligence/pkg/models"
)

// JobReader handles read-side job queries used by the status command.
type JobReader interface {
	GetJob(id string) (*models.Job, error)
	ListJobs(state *models.JobState, limit int) ([]models.Job, error)
	ListOutcomes(jobID string) ([]models.AgentOutcome, error)
	ListEvents(jobID string) ([]models.Event, error)
	ListChanges(jobID string) ([]record.Change, error)
	GetConsolidated(jobID string) (*synthesis.Consolidated, error)
}

// Migrator handles database schema migrations.
type Migrator interface {
	// Migrate applies all pending schema migrations.
	Migrate() error
}

// Store composes everything the CLI needs from the state backend.
type Store interface {
	io.Closer
	Migrator
	orchestrator.JobStore
	JobReader
	SaveEvent(ev models.Event) error
}

// Compile-time verification that DB implements all interfaces.
var (
	_ Store                 = (*DB)(nil)
	_ orchestrator.JobStore = (*DB)(nil)
	_ JobReader             = (*DB)(nil)
)
