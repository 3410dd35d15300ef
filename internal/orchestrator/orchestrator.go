package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/ShayCichocki/diligence/internal/agent"
	"github.com/ShayCichocki/diligence/internal/config"
	"github.com/ShayCichocki/diligence/internal/graph"
	"github.com/ShayCichocki/diligence/internal/progress"
	"github.com/ShayCichocki/diligence/internal/record"
	"github.com/ShayCichocki/diligence/internal/synthesis"
	"github.com/ShayCichocki/diligence/pkg/models"
)

var (
	// ErrJobNotFound is returned for unknown job IDs.
	ErrJobNotFound = errors.New("job not found")
	// ErrJobStarted is returned when Run is called twice for one job.
	ErrJobStarted = errors.New("job already started")
)

// JobStore persists job progress. Implementations must be safe for concurrent use.
type JobStore interface {
	SaveJob(job models.Job) error
	SaveOutcome(jobID string, outcome models.AgentOutcome) error
	SaveChanges(jobID string, changes []record.Change) error
	SaveConsolidated(jobID string, c *synthesis.Consolidated) error
}

// Result is everything a finished job produced.
type Result struct {
	Job          models.Job
	Plan         *graph.Plan
	Outcomes     []models.AgentOutcome
	Snapshot     *record.Snapshot
	Consolidated *synthesis.Consolidated
	Findings     []models.Finding
}

// Outcome returns the outcome for one agent.
func (r *Result) Outcome(agentName string) (models.AgentOutcome, bool) {
	for _, o := range r.Outcomes {
		if o.Agent == agentName {
			return o, true
		}
	}
	return models.AgentOutcome{}, false
}

// Orchestrator coordinates jobs over a fixed agent registry.
type Orchestrator struct {
	registry *agent.Registry
	opts     orchestratorOptions
	synth    *synthesis.Synthesizer
	logger   *slog.Logger

	mu   sync.Mutex
	jobs map[string]*jobRun
}

// New creates an Orchestrator.
func New(registry *agent.Registry, opts ...Option) *Orchestrator {
	o := orchestratorOptions{
		defaultTimeout:  agent.DefaultTimeout,
		grace:           agent.DefaultGrace,
		groupCapacity:   make(map[string]int),
		defaultCapacity: 1,
		synthesisBudget: 30 * time.Second,
		now:             time.Now,
		newID:           uuid.NewString,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if o.sink == nil {
		o.sink = progress.Discard
	}

	return &Orchestrator{
		registry: registry,
		opts:     o,
		synth:    synthesis.New(synthesis.WithLogger(o.logger)),
		logger:   o.logger,
		jobs:     make(map[string]*jobRun),
	}
}

// debugLog adapts the structured logger to the graph resolver's printf hook.
func (o *Orchestrator) debugLog(format string, args ...interface{}) {
	o.logger.Debug(fmt.Sprintf(format, args...))
}

// Plan resolves a submission without creating a job.
func (o *Orchestrator) Plan(sub models.Submission) (*graph.Plan, error) {
	jr, err := o.prepare(sub)
	if err != nil {
		return nil, err
	}
	return jr.plan, nil
}

// Submit validates and plans a submission, seeds its record and registers the
// job in the created state. Planning failures return before anything runs.
func (o *Orchestrator) Submit(sub models.Submission) (string, error) {
	jr, err := o.prepare(sub)
	if err != nil {
		return "", err
	}

	o.mu.Lock()
	o.jobs[jr.job.ID] = jr
	o.mu.Unlock()

	jr.setState(models.JobCreated, fmt.Sprintf("%d agents in %d waves", len(jr.plan.Requested), len(jr.plan.Waves)))
	o.logger.Info("job created", "job", jr.job.ID, "agents", jr.plan.Requested, "waves", len(jr.plan.Waves))
	return jr.job.ID, nil
}

// PlanOf returns the plan a submitted job was created with.
func (o *Orchestrator) PlanOf(jobID string) (*graph.Plan, error) {
	jr, err := o.lookup(jobID)
	if err != nil {
		return nil, err
	}
	return jr.plan, nil
}

// Execute submits and runs a job in one call.
func (o *Orchestrator) Execute(ctx context.Context, sub models.Submission) (*Result, error) {
	id, err := o.Submit(sub)
	if err != nil {
		return nil, err
	}
	return o.Run(ctx, id)
}

// Cancel halts a running job. Agents in flight are cancelled and the job ends failed.
func (o *Orchestrator) Cancel(jobID string) error {
	jr, err := o.lookup(jobID)
	if err != nil {
		return err
	}
	jr.halt("job cancelled")
	return nil
}

// Job returns a copy of the job's current state.
func (o *Orchestrator) Job(jobID string) (models.Job, bool) {
	jr, err := o.lookup(jobID)
	if err != nil {
		return models.Job{}, false
	}
	return jr.snapshotJob(), true
}

// Resynthesize runs synthesis again over a finished job's record. The
// result is byte-identical to the job's own consolidated record.
func (o *Orchestrator) Resynthesize(jobID string) (*synthesis.Consolidated, error) {
	jr, err := o.lookup(jobID)
	if err != nil {
		return nil, err
	}
	if !jr.snapshotJob().State.IsTerminal() {
		return nil, fmt.Errorf("job %s has not finished", jobID)
	}
	return o.synth.Consolidate(synthesis.Input{
		JobID:    jobID,
		Snapshot: jr.record.Snapshot(),
		Outcomes: jr.outcomes(),
		Schema:   jr.schema,
	})
}

func (o *Orchestrator) lookup(jobID string) (*jobRun, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	jr, ok := o.jobs[jobID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}
	return jr, nil
}

// prepare builds everything a job needs before it runs.
func (o *Orchestrator) prepare(sub models.Submission) (*jobRun, error) {
	jobOpts, err := config.ParseJobOptions(sub.Options)
	if err != nil {
		return nil, fmt.Errorf("invalid job options: %w", err)
	}

	descs, err := o.descriptors(jobOpts)
	if err != nil {
		return nil, err
	}

	seeded := make([]string, 0, len(sub.Seed))
	for k := range sub.Seed {
		seeded = append(seeded, k)
	}
	sort.Strings(seeded)

	capacities := make(map[string]int, len(o.opts.groupCapacity)+len(jobOpts.GroupCapacity))
	for g, n := range o.opts.groupCapacity {
		capacities[g] = n
	}
	for g, n := range jobOpts.GroupCapacity {
		capacities[g] = n
	}

	plan, err := graph.Resolve(sub.RequestedAnalyses, descs, graph.ResolveOptions{
		Seeded:          seeded,
		GroupCapacity:   capacities,
		DefaultCapacity: o.opts.defaultCapacity,
		DebugLog:        o.debugLog,
	})
	if err != nil {
		return nil, err
	}

	store := record.New(plan.DescriptorList(), record.WithClock(o.opts.now), record.WithLogger(o.logger))
	for _, section := range seeded {
		if err := store.Seed(section, sub.Seed[section]); err != nil {
			return nil, fmt.Errorf("seed %s: %w", section, err)
		}
	}

	grace := o.opts.grace
	if jobOpts.Grace > 0 {
		grace = jobOpts.Grace
	}
	timeouts := agent.NewTimeoutTable(o.opts.defaultTimeout, grace)
	for name, d := range jobOpts.Timeouts {
		timeouts.SetOverride(name, d)
	}

	schema := o.opts.schema
	if schema == nil {
		schema = synthesis.DeriveSchema(plan.DescriptorList())
	}
	schema = schema.Override(jobOpts.Thresholds, jobOpts.Mandatory)

	options := make(map[string]string, len(sub.Options))
	for k, v := range sub.Options {
		options[k] = v
	}

	jr := &jobRun{
		o:        o,
		plan:     plan,
		jobOpts:  jobOpts,
		record:   store,
		timeouts: timeouts,
		schema:   schema,
		agents:   make(map[string]agent.Agent, len(plan.Requested)),
		sems:     make(map[string]*semaphore.Weighted),
		runs:     make(map[string]*agentRun, len(plan.Requested)),
		job: models.Job{
			ID:                o.opts.newID(),
			SubjectIDs:        append([]string(nil), sub.SubjectIDs...),
			RequestedAnalyses: append([]string(nil), plan.Requested...),
			Options:           options,
			CreatedAt:         o.opts.now(),
			Warnings:          append([]string(nil), plan.Warnings...),
		},
	}

	for _, name := range plan.Requested {
		a, err := o.registry.Get(name)
		if err != nil {
			return nil, err
		}
		jr.agents[name] = a
		jr.runs[name] = &agentRun{status: models.AgentStatusPending}

		group := plan.Descriptors[name].Group
		if group == "" || jr.sems[group] != nil {
			continue
		}
		capacity := o.opts.defaultCapacity
		if n, ok := capacities[group]; ok && n > 0 {
			capacity = n
		}
		if capacity < 1 {
			capacity = 1
		}
		jr.sems[group] = semaphore.NewWeighted(int64(capacity))
	}

	for _, key := range jobOpts.Unknown {
		jr.job.Warnings = append(jr.job.Warnings, fmt.Sprintf("option %s not recognised", key))
	}
	for _, name := range optionAgents(jobOpts) {
		if _, ok := plan.Descriptors[name]; !ok {
			jr.job.Warnings = append(jr.job.Warnings, fmt.Sprintf("option names agent %s, which is not requested", name))
		}
	}
	return jr, nil
}

// descriptors returns the registry's descriptors with per-job retry overrides applied.
func (o *Orchestrator) descriptors(jobOpts config.JobOptions) ([]models.Descriptor, error) {
	if o.registry == nil {
		return nil, errors.New("orchestrator has no agent registry")
	}
	descs := o.registry.Descriptors()
	for i := range descs {
		if n, ok := jobOpts.Retries[descs[i].Name]; ok {
			descs[i].Retry.MaxAttempts = n
		}
	}
	return descs, nil
}

// budget is the worst-case duration used as the job deadline.
func (jr *jobRun) budget() time.Duration {
	return jr.plan.Budget(jr.timeouts.For, jr.timeouts.Grace(), jr.o.opts.synthesisBudget)
}

func (jr *jobRun) deadlineEnabled() bool {
	if jr.jobOpts.JobDeadline != nil {
		return *jr.jobOpts.JobDeadline
	}
	return jr.o.opts.jobDeadline
}

func optionAgents(opts config.JobOptions) []string {
	seen := make(map[string]bool)
	for name := range opts.Timeouts {
		seen[name] = true
	}
	for name := range opts.Retries {
		seen[name] = true
	}
	out := make([]string, 0, len(seen))
	for name := range seen {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
