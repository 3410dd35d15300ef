// Package reconcile compares consolidated figures against independent sources.
// Findings are advisory: they never fail a job and never edit sealed data.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ShayCichocki/diligence/internal/synthesis"
	"github.com/ShayCichocki/diligence/pkg/models"
)

// DefaultClaimTimeout bounds each Reconcile call.
const DefaultClaimTimeout = 10 * time.Second

// ErrNoReference is returned by adapters that have no external value for a claim.
var ErrNoReference = errors.New("no reference value")

// Claim is one internally computed value to check.
type Claim struct {
	Path  string `json:"path"`
	Agent string `json:"agent"`
	Value any    `json:"value"`
}

// Adapter is the external reconciliation boundary. Implementations may be slow
// or unreliable; the Runner bounds every call.
type Adapter interface {
	Reconcile(ctx context.Context, claim Claim) (models.Finding, error)
}

// AdapterFunc adapts a function into an Adapter.
type AdapterFunc func(ctx context.Context, claim Claim) (models.Finding, error)

// Reconcile calls f.
func (f AdapterFunc) Reconcile(ctx context.Context, claim Claim) (models.Finding, error) {
	return f(ctx, claim)
}

// Runner fans claims out to an Adapter.
type Runner struct {
	adapter     Adapter
	timeout     time.Duration
	concurrency int
	logger      *slog.Logger
}

// Option configures a Runner.
type Option func(*Runner)

// WithClaimTimeout overrides DefaultClaimTimeout.
func WithClaimTimeout(d time.Duration) Option {
	return func(r *Runner) {
		if d > 0 {
			r.timeout = d
		}
	}
}

// WithConcurrency bounds concurrent adapter calls. Zero means unbounded.
func WithConcurrency(n int) Option {
	return func(r *Runner) { r.concurrency = n }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Runner) {
		if l != nil {
			r.logger = l
		}
	}
}

// NewRunner creates a Runner over adapter.
func NewRunner(adapter Adapter, opts ...Option) *Runner {
	r := &Runner{
		adapter: adapter,
		timeout: DefaultClaimTimeout,
		logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Bounded returns a copy of r whose per-claim timeout is d. A non-positive d returns r.
func (r *Runner) Bounded(d time.Duration) *Runner {
	if d <= 0 {
		return r
	}
	cp := *r
	cp.timeout = d
	return &cp
}

// Claims extracts one claim per contributing agent for every path, skipping
// paths that resolve to nothing.
func Claims(c *synthesis.Consolidated, paths []string) []Claim {
	var claims []Claim
	for _, path := range paths {
		values, err := c.Lookup(path)
		if err != nil {
			continue
		}
		agents := make([]string, 0, len(values))
		for agent := range values {
			agents = append(agents, agent)
		}
		sort.Strings(agents)
		for _, agent := range agents {
			claims = append(claims, Claim{Path: path, Agent: agent, Value: values[agent]})
		}
	}
	return claims
}

// Run reconciles every claim path and appends the findings to c. It never
// returns an error for adapter failures: those become inconclusive findings.
func (r *Runner) Run(ctx context.Context, c *synthesis.Consolidated, paths []string) []models.Finding {
	claims := Claims(c, paths)
	findings := r.Check(ctx, claims)
	c.AppendFindings(findings...)
	return findings
}

// Check reconciles claims concurrently. The result is ordered like claims.
func (r *Runner) Check(ctx context.Context, claims []Claim) []models.Finding {
	findings := make([]models.Finding, len(claims))
	g := new(errgroup.Group)
	if r.concurrency > 0 {
		g.SetLimit(r.concurrency)
	}
	for i, claim := range claims {
		g.Go(func() error {
			findings[i] = r.one(ctx, claim)
			return nil
		})
	}
	_ = g.Wait()
	return findings
}

// one runs a single bounded call. The adapter runs in its own goroutine so an
// adapter that ignores ctx still cannot hold the runner past the timeout.
func (r *Runner) one(ctx context.Context, claim Claim) models.Finding {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	type result struct {
		finding models.Finding
		err     error
	}
	done := make(chan result, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- result{err: fmt.Errorf("adapter panicked: %v", p)}
			}
		}()
		f, err := r.adapter.Reconcile(ctx, claim)
		done <- result{finding: f, err: err}
	}()

	var res result
	select {
	case res = <-done:
	case <-ctx.Done():
		res.err = ctx.Err()
	}

	if res.err != nil {
		r.logger.Warn("reconciliation inconclusive", "claim", claim.Path, "agent", claim.Agent, "error", res.err)
		return Inconclusive(claim, res.err)
	}
	f := res.finding
	f.ClaimPath = claim.Path
	f.Agent = claim.Agent
	if f.InternalValue == nil {
		f.InternalValue = claim.Value
	}
	if f.Status == "" {
		f.Status = models.FindingInconclusive
	}
	return f
}

// Inconclusive builds the finding recorded when a claim cannot be checked.
func Inconclusive(claim Claim, err error) models.Finding {
	note := string(models.FailureReconciliationInconclusive)
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		note += ": timed out"
	case err != nil:
		note += ": " + err.Error()
	}
	return models.Finding{
		ClaimPath:     claim.Path,
		Agent:         claim.Agent,
		InternalValue: claim.Value,
		Status:        models.FindingInconclusive,
		Note:          note,
	}
}
