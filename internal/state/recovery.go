package state

import (
	"fmt"
	"time"

	"github.com/ShayCichocki/diligence/pkg/models"
)

// InterruptedMessage is the terminal message given to jobs found unfinished on startup.
const InterruptedMessage = "interrupted: the process exited before the job finished"

// CheckForInterrupted returns jobs that never reached a terminal state.
// Jobs run in-process, so after a restart these can never finish.
func (db *DB) CheckForInterrupted() ([]models.Job, error) {
	var out []models.Job
	for _, st := range []models.JobState{models.JobCreated, models.JobRunning} {
		st := st
		jobs, err := db.ListJobs(&st, 0)
		if err != nil {
			return nil, fmt.Errorf("list %s jobs: %w", st, err)
		}
		out = append(out, jobs...)
	}
	return out, nil
}

// RecoverInterrupted marks every unfinished job failed and returns their IDs.
func (db *DB) RecoverInterrupted(now time.Time) ([]string, error) {
	jobs, err := db.CheckForInterrupted()
	if err != nil {
		return nil, err
	}
	var ids []string
	for _, job := range jobs {
		job.State = models.JobFailed
		job.Message = InterruptedMessage
		job.CompletedAt = &now
		if err := db.SaveJob(job); err != nil {
			return ids, fmt.Errorf("recover job %s: %w", job.ID, err)
		}
		ids = append(ids, job.ID)
	}
	return ids, nil
}
