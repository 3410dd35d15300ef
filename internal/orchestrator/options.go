package orchestrator

import (
	"log/slog"
	"time"

	"github.com/ShayCichocki/diligence/internal/progress"
	"github.com/ShayCichocki/diligence/internal/reconcile"
	"github.com/ShayCichocki/diligence/internal/synthesis"
)

// Option configures an Orchestrator. Use With* functions to create Options.
type Option func(*orchestratorOptions)

// orchestratorOptions holds all optional configuration.
type orchestratorOptions struct {
	logger          *slog.Logger
	sink            progress.Sink
	jobStore        JobStore
	schema          *synthesis.Schema
	reconciler      *reconcile.Runner
	defaultTimeout  time.Duration
	grace           time.Duration
	groupCapacity   map[string]int
	defaultCapacity int
	jobDeadline     bool
	synthesisBudget time.Duration
	now             func() time.Time
	newID           func() string
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *orchestratorOptions) { o.logger = l }
}

// WithSink sets where progress events go. Combine sinks with progress.Multi.
func WithSink(s progress.Sink) Option {
	return func(o *orchestratorOptions) { o.sink = s }
}

// WithJobStore persists jobs, outcomes, change logs and consolidated records.
func WithJobStore(s JobStore) Option {
	return func(o *orchestratorOptions) { o.jobStore = s }
}

// WithSchema sets an explicit consolidation schema. Without one the schema is
// derived from each job's planned descriptors.
func WithSchema(s *synthesis.Schema) Option {
	return func(o *orchestratorOptions) { o.schema = s }
}

// WithReconciler enables reconciliation of the schema's claim paths after sealing.
func WithReconciler(r *reconcile.Runner) Option {
	return func(o *orchestratorOptions) { o.reconciler = r }
}

// WithDefaultTimeout sets the per-attempt timeout for agents that declare none.
func WithDefaultTimeout(d time.Duration) Option {
	return func(o *orchestratorOptions) { o.defaultTimeout = d }
}

// WithGrace sets how long a cancelled agent may take to return.
func WithGrace(d time.Duration) Option {
	return func(o *orchestratorOptions) { o.grace = d }
}

// WithGroupCapacity sets concurrency-group capacities.
func WithGroupCapacity(caps map[string]int) Option {
	return func(o *orchestratorOptions) {
		for g, n := range caps {
			o.groupCapacity[g] = n
		}
	}
}

// WithDefaultCapacity sets the capacity of groups without an explicit one.
func WithDefaultCapacity(n int) Option {
	return func(o *orchestratorOptions) { o.defaultCapacity = n }
}

// WithJobDeadline bounds every job by its plan budget unless the job's
// options say otherwise.
func WithJobDeadline(enabled bool) Option {
	return func(o *orchestratorOptions) { o.jobDeadline = enabled }
}

// WithSynthesisBudget sets the synthesis allowance added to the job budget.
func WithSynthesisBudget(d time.Duration) Option {
	return func(o *orchestratorOptions) { o.synthesisBudget = d }
}

// WithClock sets the time source (mainly for testing).
func WithClock(now func() time.Time) Option {
	return func(o *orchestratorOptions) { o.now = now }
}

// WithIDGenerator sets the job ID generator (mainly for testing).
func WithIDGenerator(fn func() string) Option {
	return func(o *orchestratorOptions) { o.newID = fn }
}
