package state

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ShayCichocki/diligence/internal/record"
	"github.com/ShayCichocki/diligence/internal/synthesis"
	"github.com/ShayCichocki/diligence/pkg/models"
)

// Job CRUD operations

// SaveJob inserts or updates a job.
func (db *DB) SaveJob(job models.Job) error {
	subjects, requested, options, warnings, err := encodeJob(job)
	if err != nil {
		return err
	}
	_, err = db.Exec(`
		INSERT INTO jobs (id, subject_ids, requested, options, state, message, warnings, created_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			state = excluded.state,
			message = excluded.message,
			warnings = excluded.warnings,
			completed_at = excluded.completed_at
	`, job.ID, subjects, requested, options, string(job.State), job.Message, warnings,
		formatTime(job.CreatedAt), nullableTime(job.CompletedAt))
	if err != nil {
		return fmt.Errorf("save job: %w", err)
	}
	return nil
}

// GetJob retrieves a job by ID. It returns nil, nil when the job does not exist.
func (db *DB) GetJob(id string) (*models.Job, error) {
	row := db.QueryRow(`
		SELECT id, subject_ids, requested, options, state, message, warnings, created_at, completed_at
		FROM jobs WHERE id = ?
	`, id)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

// ListJobs lists jobs newest first, optionally filtered by state. A limit of
// zero or less returns every job.
func (db *DB) ListJobs(state *models.JobState, limit int) ([]models.Job, error) {
	query := `
		SELECT id, subject_ids, requested, options, state, message, warnings, created_at, completed_at
		FROM jobs`
	var args []any
	if state != nil {
		query += ` WHERE state = ?`
		args = append(args, string(*state))
	}
	query += ` ORDER BY created_at DESC, id`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, *job)
	}
	return jobs, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(row scanner) (*models.Job, error) {
	var job models.Job
	var subjects, requested string
	var options, message, warnings sql.NullString
	var createdAt string
	var completedAt sql.NullString
	if err := row.Scan(&job.ID, &subjects, &requested, &options, &job.State, &message, &warnings, &createdAt, &completedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(subjects), &job.SubjectIDs); err != nil {
		return nil, fmt.Errorf("decode subject ids: %w", err)
	}
	if err := json.Unmarshal([]byte(requested), &job.RequestedAnalyses); err != nil {
		return nil, fmt.Errorf("decode requested analyses: %w", err)
	}
	if options.Valid && options.String != "" {
		if err := json.Unmarshal([]byte(options.String), &job.Options); err != nil {
			return nil, fmt.Errorf("decode options: %w", err)
		}
	}
	if warnings.Valid && warnings.String != "" {
		if err := json.Unmarshal([]byte(warnings.String), &job.Warnings); err != nil {
			return nil, fmt.Errorf("decode warnings: %w", err)
		}
	}
	job.Message = message.String
	job.CreatedAt, _ = parseTime(createdAt)
	job.CompletedAt = parseNullableTime(completedAt)
	return &job, nil
}

func encodeJob(job models.Job) (subjects, requested, options, warnings string, err error) {
	enc := func(v any) string {
		if err != nil {
			return ""
		}
		var b []byte
		b, err = json.Marshal(v)
		return string(b)
	}
	subjects = enc(nonNil(job.SubjectIDs))
	requested = enc(nonNil(job.RequestedAnalyses))
	options = enc(job.Options)
	warnings = enc(nonNil(job.Warnings))
	if err != nil {
		err = fmt.Errorf("encode job: %w", err)
	}
	return
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

// Agent outcome operations

// SaveOutcome inserts or replaces the final record of one agent.
func (db *DB) SaveOutcome(jobID string, o models.AgentOutcome) error {
	env, err := json.Marshal(o.Envelope)
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}
	_, err = db.Exec(`
		INSERT OR REPLACE INTO agent_runs (job_id, agent, status, attempts, reason, envelope, started_at, finished_at, duration_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, jobID, o.Agent, string(o.Status), o.Attempts, o.Reason, string(env),
		nullableTime(o.StartedAt), nullableTime(o.FinishedAt), o.Duration.Milliseconds())
	if err != nil {
		return fmt.Errorf("save outcome: %w", err)
	}
	return nil
}

// ListOutcomes returns a job's agent outcomes sorted by agent name.
func (db *DB) ListOutcomes(jobID string) ([]models.AgentOutcome, error) {
	rows, err := db.Query(`
		SELECT agent, status, attempts, reason, envelope, started_at, finished_at, duration_ms
		FROM agent_runs WHERE job_id = ? ORDER BY agent
	`, jobID)
	if err != nil {
		return nil, fmt.Errorf("list outcomes: %w", err)
	}
	defer rows.Close()

	var out []models.AgentOutcome
	for rows.Next() {
		var o models.AgentOutcome
		var reason, env, startedAt, finishedAt sql.NullString
		var durationMS int64
		if err := rows.Scan(&o.Agent, &o.Status, &o.Attempts, &reason, &env, &startedAt, &finishedAt, &durationMS); err != nil {
			return nil, fmt.Errorf("scan outcome: %w", err)
		}
		o.Reason = reason.String
		if env.Valid && env.String != "" {
			if err := json.Unmarshal([]byte(env.String), &o.Envelope); err != nil {
				return nil, fmt.Errorf("decode envelope: %w", err)
			}
		}
		o.StartedAt = parseNullableTime(startedAt)
		o.FinishedAt = parseNullableTime(finishedAt)
		o.Duration = time.Duration(durationMS) * time.Millisecond
		out = append(out, o)
	}
	return out, rows.Err()
}

// Change log operations

// SaveChanges appends change-log entries. Entries already saved are ignored.
func (db *DB) SaveChanges(jobID string, changes []record.Change) error {
	if len(changes) == 0 {
		return nil
	}
	return db.Transaction(func(tx *sql.Tx) error {
		stmt, err := tx.Prepare(`
			INSERT OR IGNORE INTO change_log (job_id, seq, agent, section, op, bytes, at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`)
		if err != nil {
			return fmt.Errorf("prepare change insert: %w", err)
		}
		defer stmt.Close()
		for _, c := range changes {
			if _, err := stmt.Exec(jobID, c.Seq, c.Agent, c.Section, string(c.Op), c.Bytes, formatTime(c.At)); err != nil {
				return fmt.Errorf("save change %d: %w", c.Seq, err)
			}
		}
		return nil
	})
}

// ListChanges returns a job's change log in sequence order.
func (db *DB) ListChanges(jobID string) ([]record.Change, error) {
	rows, err := db.Query(`
		SELECT seq, agent, section, op, bytes, at
		FROM change_log WHERE job_id = ? ORDER BY seq
	`, jobID)
	if err != nil {
		return nil, fmt.Errorf("list changes: %w", err)
	}
	defer rows.Close()

	var out []record.Change
	for rows.Next() {
		var c record.Change
		var at string
		if err := rows.Scan(&c.Seq, &c.Agent, &c.Section, &c.Op, &c.Bytes, &at); err != nil {
			return nil, fmt.Errorf("scan change: %w", err)
		}
		c.At, _ = parseTime(at)
		out = append(out, c)
	}
	return out, rows.Err()
}

// Consolidated record operations

// SaveConsolidated stores a job's consolidated record, replacing any earlier one.
func (db *DB) SaveConsolidated(jobID string, c *synthesis.Consolidated) error {
	body, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("encode consolidated record: %w", err)
	}
	_, err = db.Exec(`
		INSERT OR REPLACE INTO consolidated (job_id, digest, completeness, gate, body, saved_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, jobID, c.Digest(), c.Completeness().Percentage, string(c.Gate().Status), string(body), formatTime(time.Now()))
	if err != nil {
		return fmt.Errorf("save consolidated record: %w", err)
	}
	return nil
}

// GetConsolidated loads a job's consolidated record. It returns nil, nil when none was saved.
func (db *DB) GetConsolidated(jobID string) (*synthesis.Consolidated, error) {
	var body string
	err := db.QueryRow(`SELECT body FROM consolidated WHERE job_id = ?`, jobID).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get consolidated record: %w", err)
	}
	var c synthesis.Consolidated
	if err := json.Unmarshal([]byte(body), &c); err != nil {
		return nil, fmt.Errorf("decode consolidated record: %w", err)
	}
	return &c, nil
}
