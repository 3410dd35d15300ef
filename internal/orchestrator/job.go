package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/ShayCichocki/diligence/internal/agent"
	"github.com/ShayCichocki/diligence/internal/config"
	"github.com/ShayCichocki/diligence/internal/graph"
	"github.com/ShayCichocki/diligence/internal/record"
	"github.com/ShayCichocki/diligence/internal/synthesis"
	"github.com/ShayCichocki/diligence/pkg/models"
)

// agentRun is the mutable per-agent state inside one job. Guarded by jobRun.mu.
type agentRun struct {
	status   models.AgentStatus
	attempts int
	envelope models.Envelope
	reason   string
	started  *time.Time
	finished *time.Time
}

// jobRun is one job's execution state.
type jobRun struct {
	o        *Orchestrator
	plan     *graph.Plan
	jobOpts  config.JobOptions
	record   *record.Store
	timeouts *agent.TimeoutTable
	schema   *synthesis.Schema
	agents   map[string]agent.Agent
	sems     map[string]*semaphore.Weighted

	mu      sync.Mutex
	job     models.Job
	runs    map[string]*agentRun
	seq     int64
	started bool
	halted  string
	cancel  context.CancelFunc
}

// transition moves an agent along the state machine and publishes the event.
// Illegal edges are rejected and logged; they indicate an engine bug.
func (jr *jobRun) transition(name string, to models.AgentStatus, msg string, details ...string) error {
	jr.mu.Lock()
	defer jr.mu.Unlock()

	ar := jr.runs[name]
	if err := models.CheckTransition(ar.status, to); err != nil {
		jr.o.logger.Error("rejected agent transition", "job", jr.job.ID, "agent", name, "error", err)
		return err
	}

	now := jr.o.opts.now()
	from := ar.status
	ar.status = to
	if to == models.AgentStatusRunning && ar.started == nil {
		ar.started = &now
	}
	if to.IsTerminal() {
		ar.finished = &now
		ar.reason = msg
	}

	jr.seq++
	jr.o.opts.sink.Publish(models.Event{
		Seq:         jr.seq,
		Kind:        models.EventAgent,
		JobID:       jr.job.ID,
		Agent:       name,
		OldStatus:   from,
		NewStatus:   to,
		Attempt:     ar.attempts,
		Message:     msg,
		DetailLines: details,
		Timestamp:   now,
	})
	jr.o.logger.Debug("agent transition", "job", jr.job.ID, "agent", name, "from", from, "to", to, "attempt", ar.attempts)
	return nil
}

// setState moves the job to a new state, persists it, then publishes the
// event, so event consumers can rely on the job row existing.
func (jr *jobRun) setState(to models.JobState, msg string) {
	jr.mu.Lock()
	defer jr.mu.Unlock()

	now := jr.o.opts.now()
	from := jr.job.State
	jr.job.State = to
	if to.IsTerminal() {
		jr.job.CompletedAt = &now
		jr.job.Message = msg
	}
	jr.persistJob(jr.copyJobLocked())

	jr.seq++
	jr.o.opts.sink.Publish(models.Event{
		Seq:       jr.seq,
		Kind:      models.EventJob,
		JobID:     jr.job.ID,
		OldState:  from,
		NewState:  to,
		Message:   msg,
		Timestamp: now,
	})
}

func (jr *jobRun) setAttempt(name string, attempt int) {
	jr.mu.Lock()
	defer jr.mu.Unlock()
	jr.runs[name].attempts = attempt
}

func (jr *jobRun) setEnvelope(name string, env models.Envelope) {
	jr.mu.Lock()
	defer jr.mu.Unlock()
	jr.runs[name].envelope = env.Seal()
}

func (jr *jobRun) warn(format string, args ...any) {
	jr.mu.Lock()
	defer jr.mu.Unlock()
	jr.job.Warnings = append(jr.job.Warnings, fmt.Sprintf(format, args...))
}

// halt stops the job: in-flight agents are cancelled and nothing new starts.
// Only the first reason is kept.
func (jr *jobRun) halt(reason string) {
	jr.mu.Lock()
	if jr.halted == "" {
		jr.halted = reason
		jr.o.logger.Warn("job halted", "job", jr.job.ID, "reason", reason)
	}
	cancel := jr.cancel
	jr.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// haltReason returns why the job stopped, or "" while it may continue. A
// cancelled context with no recorded reason came from the caller or the deadline.
func (jr *jobRun) haltReason(ctx context.Context) string {
	jr.mu.Lock()
	defer jr.mu.Unlock()
	if jr.halted != "" {
		return jr.halted
	}
	if err := ctx.Err(); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			jr.halted = "job deadline exceeded"
		} else {
			jr.halted = "job cancelled"
		}
	}
	return jr.halted
}

func (jr *jobRun) snapshotJob() models.Job {
	jr.mu.Lock()
	defer jr.mu.Unlock()
	return jr.copyJobLocked()
}

func (jr *jobRun) copyJobLocked() models.Job {
	job := jr.job
	job.SubjectIDs = append([]string(nil), jr.job.SubjectIDs...)
	job.RequestedAnalyses = append([]string(nil), jr.job.RequestedAnalyses...)
	job.Warnings = append([]string(nil), jr.job.Warnings...)
	job.Options = make(map[string]string, len(jr.job.Options))
	for k, v := range jr.job.Options {
		job.Options[k] = v
	}
	return job
}

func (jr *jobRun) outcome(name string) models.AgentOutcome {
	jr.mu.Lock()
	defer jr.mu.Unlock()
	return jr.outcomeLocked(name)
}

func (jr *jobRun) outcomeLocked(name string) models.AgentOutcome {
	ar := jr.runs[name]
	out := models.AgentOutcome{
		Agent:      name,
		Status:     ar.status,
		Attempts:   ar.attempts,
		Envelope:   ar.envelope,
		Reason:     ar.reason,
		StartedAt:  ar.started,
		FinishedAt: ar.finished,
	}
	if ar.started != nil && ar.finished != nil {
		out.Duration = ar.finished.Sub(*ar.started)
	}
	return out
}

// outcomes returns every planned agent's outcome, sorted by name.
func (jr *jobRun) outcomes() []models.AgentOutcome {
	jr.mu.Lock()
	defer jr.mu.Unlock()
	out := make([]models.AgentOutcome, 0, len(jr.runs))
	for _, name := range jr.plan.Requested {
		out = append(out, jr.outcomeLocked(name))
	}
	return out
}

// verdict picks the terminal job state and renders the summary message.
func (jr *jobRun) verdict(c *synthesis.Consolidated, synthErr error) (models.JobState, string) {
	outcomes := jr.outcomes()

	jr.mu.Lock()
	halted := jr.halted
	warnings := len(jr.job.Warnings)
	jr.mu.Unlock()

	state := models.JobCompleted
	for _, o := range outcomes {
		if o.Status != models.AgentStatusSuccess {
			state = models.JobCompletedWithWarnings
		}
	}
	if warnings > 0 || synthErr != nil || (c != nil && c.Gate().Status == synthesis.GateFailed) {
		state = models.JobCompletedWithWarnings
	}
	if halted != "" {
		state = models.JobFailed
	}

	parts := make([]string, 0, len(outcomes))
	for _, o := range outcomes {
		part := o.Agent + "=" + string(o.Status)
		if o.Reason != "" && o.Status != models.AgentStatusSuccess {
			part += " (" + o.Reason + ")"
		}
		parts = append(parts, part)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "job %s %s: %s", jr.job.ID, state, strings.Join(parts, ", "))
	switch {
	case synthErr != nil:
		fmt.Fprintf(&b, "; synthesis failed: %v", synthErr)
	case c != nil:
		fmt.Fprintf(&b, "; completeness %.2f%%", c.Completeness().Percentage)
		if g := c.Gate(); g.Status == synthesis.GateFailed {
			missing := append([]string(nil), g.MissingMandatory...)
			sort.Strings(missing)
			fmt.Fprintf(&b, "; gate failed: missing %s", strings.Join(missing, ", "))
		}
	}
	if halted != "" {
		fmt.Fprintf(&b, "; halted: %s", halted)
	}
	return state, b.String()
}

func (jr *jobRun) persistJob(job models.Job) {
	if jr.o.opts.jobStore == nil {
		return
	}
	if err := jr.o.opts.jobStore.SaveJob(job); err != nil {
		jr.o.logger.Warn("failed to persist job", "job", job.ID, "error", err)
	}
}

func (jr *jobRun) persistOutcome(name string) {
	if jr.o.opts.jobStore == nil {
		return
	}
	if err := jr.o.opts.jobStore.SaveOutcome(jr.job.ID, jr.outcome(name)); err != nil {
		jr.o.logger.Warn("failed to persist agent outcome", "job", jr.job.ID, "agent", name, "error", err)
	}
}

func (jr *jobRun) persistRecord(snap *record.Snapshot, c *synthesis.Consolidated) {
	store := jr.o.opts.jobStore
	if store == nil {
		return
	}
	if err := store.SaveChanges(jr.job.ID, snap.Changes); err != nil {
		jr.o.logger.Warn("failed to persist change log", "job", jr.job.ID, "error", err)
	}
	if c == nil {
		return
	}
	if err := store.SaveConsolidated(jr.job.ID, c); err != nil {
		jr.o.logger.Warn("failed to persist consolidated record", "job", jr.job.ID, "error", err)
	}
}
