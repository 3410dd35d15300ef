package state

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/ShayCichocki/diligence/internal/progress"
	"github.com/ShayCichocki/diligence/pkg/models"
)

// SaveEvent appends a progress event. Redelivered events (same job and
// sequence number) are ignored.
func (db *DB) SaveEvent(ev models.Event) error {
	var details sql.NullString
	if len(ev.DetailLines) > 0 {
		b, err := json.Marshal(ev.DetailLines)
		if err != nil {
			return fmt.Errorf("encode event details: %w", err)
		}
		details = sql.NullString{String: string(b), Valid: true}
	}
	_, err := db.Exec(`
		INSERT OR IGNORE INTO events (job_id, seq, kind, agent, old_status, new_status, old_state, new_state, attempt, message, details, ts)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, ev.JobID, ev.Seq, string(ev.Kind), ev.Agent, string(ev.OldStatus), string(ev.NewStatus),
		string(ev.OldState), string(ev.NewState), ev.Attempt, ev.Message, details, formatTime(ev.Timestamp))
	if err != nil {
		return fmt.Errorf("save event: %w", err)
	}
	return nil
}

// ListEvents returns a job's events in sequence order.
func (db *DB) ListEvents(jobID string) ([]models.Event, error) {
	rows, err := db.Query(`
		SELECT seq, kind, agent, old_status, new_status, old_state, new_state, attempt, message, details, ts
		FROM events WHERE job_id = ? ORDER BY seq
	`, jobID)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var out []models.Event
	for rows.Next() {
		ev := models.Event{JobID: jobID}
		var agent, oldStatus, newStatus, oldState, newState, message, details sql.NullString
		var ts string
		if err := rows.Scan(&ev.Seq, &ev.Kind, &agent, &oldStatus, &newStatus, &oldState, &newState, &ev.Attempt, &message, &details, &ts); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		ev.Agent = agent.String
		ev.OldStatus = models.AgentStatus(oldStatus.String)
		ev.NewStatus = models.AgentStatus(newStatus.String)
		ev.OldState = models.JobState(oldState.String)
		ev.NewState = models.JobState(newState.String)
		ev.Message = message.String
		if details.Valid {
			if err := json.Unmarshal([]byte(details.String), &ev.DetailLines); err != nil {
				return nil, fmt.Errorf("decode event details: %w", err)
			}
		}
		ev.Timestamp, _ = parseTime(ts)
		out = append(out, ev)
	}
	return out, rows.Err()
}

// EventSink returns a progress sink that writes every event to db.
// Write failures are logged and otherwise ignored.
func EventSink(db *DB, logger *slog.Logger) progress.Sink {
	return progress.SinkFunc(func(ev models.Event) {
		if err := db.SaveEvent(ev); err != nil && logger != nil {
			logger.Warn("failed to persist event", "job", ev.JobID, "seq", ev.Seq, "error", err)
		}
	})
}
