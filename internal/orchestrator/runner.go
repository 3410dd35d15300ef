package orchestrator

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/errgroup"

	"github.com/ShayCichocki/diligence/internal/agent"
	"github.com/ShayCichocki/diligence/internal/graph"
	"github.com/ShayCichocki/diligence/internal/record"
	"github.com/ShayCichocki/diligence/internal/synthesis"
	"github.com/ShayCichocki/diligence/pkg/models"
)

// attemptResult is the settled outcome of one Execute call.
type attemptResult struct {
	status models.AgentStatus
	env    models.Envelope
	kind   models.FailureKind
	reason string
	// halted is set when the job, not the agent's own deadline, cancelled the attempt.
	halted bool
	// violation is the first undeclared write, which halts the job.
	violation *record.ContractViolation
}

// Run executes a submitted job to completion and returns its result. The job
// always reaches a terminal state; err is only set when the job cannot start.
func (o *Orchestrator) Run(ctx context.Context, jobID string) (*Result, error) {
	jr, err := o.lookup(jobID)
	if err != nil {
		return nil, err
	}

	jr.mu.Lock()
	if jr.started {
		jr.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrJobStarted, jobID)
	}
	jr.started = true
	jr.mu.Unlock()

	jobCtx := ctx
	if jr.deadlineEnabled() {
		budget := jr.budget()
		o.logger.Debug("job deadline set", "job", jobID, "budget", budget)
		var cancel context.CancelFunc
		jobCtx, cancel = context.WithTimeout(ctx, budget)
		defer cancel()
	}
	execCtx, execCancel := context.WithCancel(jobCtx)
	defer execCancel()

	jr.mu.Lock()
	jr.cancel = execCancel
	cancelled := jr.halted != ""
	jr.mu.Unlock()
	if cancelled {
		execCancel()
	}

	jr.setState(models.JobRunning, fmt.Sprintf("running %d waves", len(jr.plan.Waves)))
	started := o.opts.now()

	for _, s := range jr.plan.Skips {
		o.skip(jr, s.Agent, s.Reason(), false, s.Missing...)
	}
	for _, wave := range jr.plan.Waves {
		o.runWave(execCtx, jr, wave)
	}
	execCancel()

	snap := jr.record.Snapshot()
	consolidated, synthErr := o.synth.Consolidate(synthesis.Input{
		JobID:    jobID,
		Snapshot: snap,
		Outcomes: jr.outcomes(),
		Schema:   jr.schema,
	})
	if synthErr != nil {
		o.logger.Error("synthesis failed", "job", jobID, "error", synthErr)
	}

	var findings []models.Finding
	if consolidated != nil && o.opts.reconciler != nil {
		if paths := jr.schema.Claims(); len(paths) > 0 {
			findings = o.opts.reconciler.Bounded(jr.jobOpts.ReconcileTimeout).Run(ctx, consolidated, paths)
		}
	}

	state, msg := jr.verdict(consolidated, synthErr)
	jr.setState(state, msg)
	jr.persistRecord(snap, consolidated)
	o.logger.Info("job finished", "job", jobID, "state", state, "duration", o.opts.now().Sub(started))

	return &Result{
		Job:          jr.snapshotJob(),
		Plan:         jr.plan,
		Outcomes:     jr.outcomes(),
		Snapshot:     snap,
		Consolidated: consolidated,
		Findings:     findings,
	}, nil
}

// runWave prepares every agent in the wave and runs the ready ones concurrently.
func (o *Orchestrator) runWave(ctx context.Context, jr *jobRun, wave graph.Wave) {
	if reason := jr.haltReason(ctx); reason != "" {
		for _, name := range wave.Agents {
			o.skip(jr, name, "halted: "+reason, true)
		}
		return
	}

	o.logger.Debug("wave starting", "job", jr.job.ID, "wave", wave.Index, "agents", wave.Agents)

	var g errgroup.Group
	for _, name := range wave.Agents {
		missing, err := prepare(jr.agents[name], jr.record)
		if err != nil {
			o.skip(jr, name, err.Error(), false)
			continue
		}
		if len(missing) > 0 {
			o.skip(jr, name, "missing input: "+strings.Join(missing, ", "), false, missing...)
			continue
		}
		if err := jr.transition(name, models.AgentStatusReady, "inputs present"); err != nil {
			continue
		}
		g.Go(func() error {
			o.runAgent(ctx, jr, name)
			return nil
		})
	}
	_ = g.Wait()
}

// prepare runs the readiness check, turning a panic into an error.
func prepare(a agent.Agent, view record.Reader) (missing []string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("prepare panicked: %v", r)
		}
	}()
	return a.Prepare(view), nil
}

// runAgent drives one agent from Ready to a terminal status, retrying
// transient failures of idempotent agents.
func (o *Orchestrator) runAgent(ctx context.Context, jr *jobRun, name string) {
	d := jr.plan.Descriptors[name]

	if sem := jr.sems[d.Group]; sem != nil {
		if err := sem.Acquire(ctx, 1); err != nil {
			o.skip(jr, name, "halted: "+jr.haltReason(ctx), true)
			return
		}
		defer sem.Release(1)
	}
	if reason := jr.haltReason(ctx); reason != "" {
		o.skip(jr, name, "halted: "+reason, true)
		return
	}

	schedule := agent.NewBackoff(d.Retry)
	for attempt := 1; ; attempt++ {
		jr.setAttempt(name, attempt)
		if err := jr.transition(name, models.AgentStatusRunning, fmt.Sprintf("attempt %d", attempt)); err != nil {
			return
		}

		res := o.attempt(ctx, jr, d)
		if res.halted {
			o.finish(jr, d, models.AgentStatusFailed, res.env, "halted: "+jr.haltReason(ctx))
			return
		}

		if res.status.IsFailure() && res.violation == nil && agent.ShouldRetry(d, res.kind, attempt) {
			if delay := schedule.NextBackOff(); delay != backoff.Stop {
				msg := fmt.Sprintf("attempt %d %s: %s; retrying in %s", attempt, res.kind, res.reason, delay)
				if err := jr.transition(name, models.AgentStatusRetrying, msg); err != nil {
					return
				}
				if !sleep(ctx, delay) {
					o.finish(jr, d, res.status, res.env, "halted: "+jr.haltReason(ctx))
					return
				}
				continue
			}
		}

		o.finish(jr, d, res.status, res.env, res.reason)
		o.consequences(jr, d, res)
		return
	}
}

// attempt runs Execute once under the agent's deadline. At the deadline, or
// when the job halts, the writer is revoked before the agent's context is
// cancelled, so nothing the agent does after noticing cancellation reaches
// the record. The agent then gets the grace period to return.
func (o *Orchestrator) attempt(ctx context.Context, jr *jobRun, d models.Descriptor) attemptResult {
	timeout := jr.timeouts.For(d)
	actx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	defer cancel()
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	w := jr.record.WriterFor(d.Name)
	before := len(violationsOf(jr.record, d.Name))

	done := make(chan models.Envelope, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				o.logger.Error("agent panicked", "job", jr.job.ID, "agent", d.Name, "panic", r)
				done <- models.Failure(agent.Permanent(fmt.Errorf("agent panicked: %v", r)), nil)
			}
		}()
		done <- jr.agents[d.Name].Execute(actx, jr.record, w)
	}()

	if env, ok := await(ctx, done, deadline.C); ok {
		return o.commit(jr, d, w, env, before)
	}

	w.Revoke()
	cancel()
	grace := time.NewTimer(jr.timeouts.Grace())
	select {
	case <-done:
		o.logger.Debug("discarding envelope returned after cancellation", "job", jr.job.ID, "agent", d.Name)
	case <-grace.C:
		o.logger.Warn("agent ignored cancellation, abandoning it", "job", jr.job.ID, "agent", d.Name, "grace", jr.timeouts.Grace())
	}
	grace.Stop()

	if ctx.Err() != nil {
		return attemptResult{
			status: models.AgentStatusFailed,
			env:    models.Failure(ctx.Err(), nil),
			kind:   models.FailurePermanent,
			halted: true,
		}
	}
	err := fmt.Errorf("deadline of %s exceeded: %w", timeout, context.DeadlineExceeded)
	env := models.Envelope{Status: models.AgentStatusTimedOut, Errors: []string{err.Error()}, Err: err}
	return o.settle(jr, d, env, before)
}

// await waits for the agent's envelope until the deadline fires or ctx is
// done. An envelope that is already waiting when either fires is still taken.
func await(ctx context.Context, done <-chan models.Envelope, deadline <-chan time.Time) (models.Envelope, bool) {
	select {
	case env := <-done:
		return env, true
	case <-deadline:
	case <-ctx.Done():
	}
	select {
	case env := <-done:
		return env, true
	default:
		return models.Envelope{}, false
	}
}

// commit writes the envelope's data through the agent's writer, then revokes it.
func (o *Orchestrator) commit(jr *jobRun, d models.Descriptor, w *record.AgentWriter, env models.Envelope, before int) attemptResult {
	env.Normalize()

	sections := make([]string, 0, len(env.Data))
	for section := range env.Data {
		sections = append(sections, section)
	}
	sort.Strings(sections)

	for _, section := range sections {
		if err := w.Set(section, env.Data[section]); err != nil {
			// Violations are recorded by the store and picked up by settle.
			if _, ok := record.IsContractViolation(err); !ok {
				env.Warn("commit %s: %v", section, err)
			}
		}
	}
	w.Revoke()
	return o.settle(jr, d, env, before)
}

// settle folds this attempt's contract violations into the envelope and
// classifies the result.
func (o *Orchestrator) settle(jr *jobRun, d models.Descriptor, env models.Envelope, before int) attemptResult {
	var undeclared *record.ContractViolation
	for _, v := range violationsOf(jr.record, d.Name)[before:] {
		if v.Kind == record.ViolationUndeclared {
			if undeclared == nil {
				cv := v
				undeclared = &cv
			}
			continue
		}
		env.Warn("%s", v.Error())
	}

	if undeclared != nil {
		env.Status = models.AgentStatusFailed
		env.Err = undeclared
		env.Errors = append(env.Errors, undeclared.Error())
		return attemptResult{
			status:    models.AgentStatusFailed,
			env:       env,
			kind:      models.FailureContractViolation,
			reason:    undeclared.Error(),
			violation: undeclared,
		}
	}

	res := attemptResult{status: env.Status, env: env}
	switch env.Status {
	case models.AgentStatusSuccess:
	case models.AgentStatusSuccessWithWarnings:
		res.reason = strings.Join(env.Warnings, "; ")
	case models.AgentStatusSkipped:
		res.reason = "skipped by agent"
		if len(env.Warnings) > 0 {
			res.reason = env.Warnings[0]
		}
	case models.AgentStatusTimedOut:
		res.kind = models.FailureTimeout
		res.reason = firstOr(env.Errors, "timed out")
	case models.AgentStatusFailed:
		res.kind = agent.Classify(env.Err)
		if res.kind == "" {
			res.kind = models.FailurePermanent
		}
		res.reason = firstOr(env.Errors, "failed")
	default:
		res.status = models.AgentStatusFailed
		res.kind = models.FailurePermanent
		res.reason = fmt.Sprintf("agent returned non-terminal status %q", env.Status)
		res.env.Status = models.AgentStatusFailed
		res.env.Errors = append(res.env.Errors, res.reason)
	}
	return res
}

// finish records the envelope, marks unwritten declared sections empty and
// emits the terminal transition.
func (o *Orchestrator) finish(jr *jobRun, d models.Descriptor, status models.AgentStatus, env models.Envelope, reason string) {
	env.Status = status
	jr.setEnvelope(d.Name, env)
	markEmpty(jr.record, d, emptyReason(status, reason))

	details := append(append([]string(nil), env.Warnings...), env.Errors...)
	if err := jr.transition(d.Name, status, reason, details...); err != nil {
		return
	}
	jr.persistOutcome(d.Name)
}

// skip moves an agent that never executed to Skipped. Skips caused by a halt
// have no further consequences; others warn or, for critical agents, halt.
func (o *Orchestrator) skip(jr *jobRun, name, reason string, halting bool, details ...string) {
	d := jr.plan.Descriptors[name]
	jr.setEnvelope(name, models.Skipped(reason))
	markEmpty(jr.record, d, reason)
	if err := jr.transition(name, models.AgentStatusSkipped, reason, details...); err != nil {
		return
	}
	jr.persistOutcome(name)

	if halting {
		return
	}
	if d.Critical {
		jr.halt(fmt.Sprintf("critical agent %s skipped: %s", name, reason))
		return
	}
	jr.warn("agent %s skipped: %s", name, reason)
}

// consequences applies job-level effects of an agent's terminal status.
func (o *Orchestrator) consequences(jr *jobRun, d models.Descriptor, res attemptResult) {
	switch {
	case res.violation != nil:
		jr.halt(res.violation.Error())
	case res.status.IsFailure() && d.Critical:
		jr.halt(fmt.Sprintf("critical agent %s %s: %s", d.Name, res.status, res.reason))
	case res.status.IsFailure():
		jr.warn("agent %s %s: %s", d.Name, res.status, res.reason)
	case res.status == models.AgentStatusSkipped && d.Critical:
		jr.halt(fmt.Sprintf("critical agent %s skipped: %s", d.Name, res.reason))
	case res.status == models.AgentStatusSkipped:
		jr.warn("agent %s skipped: %s", d.Name, res.reason)
	}
}

func markEmpty(store *record.Store, d models.Descriptor, reason string) {
	for _, section := range d.Produces {
		_ = store.MarkEmpty(d.Name, section, reason)
	}
}

func emptyReason(status models.AgentStatus, reason string) string {
	switch status {
	case models.AgentStatusSuccess, models.AgentStatusSuccessWithWarnings:
		return "no data produced"
	case models.AgentStatusTimedOut:
		return "timed out"
	}
	if reason == "" {
		return string(status)
	}
	return string(status) + ": " + reason
}

func violationsOf(store *record.Store, agentName string) []record.ContractViolation {
	var out []record.ContractViolation
	for _, v := range store.Violations() {
		if v.Agent == agentName {
			out = append(out, v)
		}
	}
	return out
}

// sleep waits for d or until ctx is done. It reports whether the full delay elapsed.
func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

func firstOr(list []string, fallback string) string {
	if len(list) > 0 {
		return list[0]
	}
	return fallback
}
