package agent

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/go-cmp/cmp"

	"github.com/ShayCichocki/diligence/internal/record"
	"github.com/ShayCichocki/diligence/pkg/models"
)

func noop(ctx context.Context, view record.Reader, w record.Writer) models.Envelope {
	return models.Success(nil)
}

func TestRegistry_RegisterAndGet(t *testing.T) {
	r := NewRegistry()
	fin := NewFunc(models.Descriptor{Name: "financial", Produces: []string{"financial.statements"}}, nil, noop)

	if err := r.Register(fin); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := r.Register(fin); !errors.Is(err, ErrDuplicateAgent) {
		t.Errorf("expected ErrDuplicateAgent, got %v", err)
	}
	if _, err := r.Get("legal"); !errors.Is(err, ErrUnknownAgent) {
		t.Errorf("expected ErrUnknownAgent, got %v", err)
	}
	got, err := r.Get("financial")
	if err != nil || got.Descriptor().Name != "financial" {
		t.Errorf("Get = %v, %v", got, err)
	}
}

func TestRegistry_RejectsInvalidDescriptor(t *testing.T) {
	r := NewRegistry()
	err := r.Register(NewFunc(models.Descriptor{Name: "bad"}, nil, noop))
	if err == nil {
		t.Fatal("expected validation error for agent with no outputs")
	}
	if r.Len() != 0 {
		t.Error("invalid agent must not be registered")
	}
}

func TestRegistry_DescriptorsSorted(t *testing.T) {
	r := NewRegistry().MustRegister(
		NewFunc(models.Descriptor{Name: "risk", Produces: []string{"risk.summary"}}, nil, noop),
		NewFunc(models.Descriptor{Name: "financial", Produces: []string{"financial.statements"}}, nil, noop),
		NewFunc(models.Descriptor{Name: "legal", Produces: []string{"legal.contracts"}}, nil, noop),
	)
	if diff := cmp.Diff([]string{"financial", "legal", "risk"}, r.Names()); diff != "" {
		t.Errorf("Names mismatch (-want +got):\n%s", diff)
	}
}

func TestRequiredInputs(t *testing.T) {
	descs := []models.Descriptor{
		{Name: "financial", Produces: []string{"financial.statements"}},
		{Name: "risk", Requires: []string{"financial", "legal.contracts"}, Produces: []string{"risk.summary"}},
	}
	store := record.New(descs)
	_ = store.Set("financial", "financial.statements", map[string]any{"revenue": 10})

	missing := RequiredInputs(descs[1], store)
	if diff := cmp.Diff([]string{"legal.contracts"}, missing); diff != "" {
		t.Errorf("missing inputs (-want +got):\n%s", diff)
	}
}

func TestRequiredInputs_SiblingChildDoesNotSatisfyParent(t *testing.T) {
	descs := []models.Descriptor{
		{Name: "a", Produces: []string{"financial"}},
		{Name: "b", Produces: []string{"financial.ratios"}},
		{Name: "c", Requires: []string{"financial"}, Produces: []string{"report"}},
	}
	store := record.New(descs)
	_ = store.Set("b", "financial.ratios", map[string]any{"ebitda": 3})
	_ = store.MarkEmpty("a", "financial", "failed: boom")

	if diff := cmp.Diff([]string{"financial"}, RequiredInputs(descs[2], store)); diff != "" {
		t.Errorf("missing inputs (-want +got):\n%s", diff)
	}
}

func TestFunc_CustomPrepare(t *testing.T) {
	called := false
	f := NewFunc(models.Descriptor{Name: "x", Produces: []string{"x"}}, func(view record.Reader) []string {
		called = true
		return []string{"custom"}
	}, noop)

	if got := f.Prepare(record.New(nil)); len(got) != 1 || got[0] != "custom" {
		t.Errorf("Prepare = %v", got)
	}
	if !called {
		t.Error("custom prepare not invoked")
	}
}

func TestFunc_NilExecuteFails(t *testing.T) {
	f := NewFunc(models.Descriptor{Name: "x", Produces: []string{"x"}}, nil, nil)
	env := f.Execute(context.Background(), record.New(nil), nil)
	if env.Status != models.AgentStatusFailed {
		t.Errorf("status = %s, want failed", env.Status)
	}
}

func TestClassify(t *testing.T) {
	cv := record.New(nil).Set("a", "b", 1)
	tests := []struct {
		name string
		err  error
		want models.FailureKind
	}{
		{"nil", nil, ""},
		{"transient", Transient(errors.New("503")), models.FailureTransient},
		{"wrapped transient", fmt.Errorf("fetch filings: %w", Transient(errors.New("429"))), models.FailureTransient},
		{"permanent", Permanent(errors.New("bad input")), models.FailurePermanent},
		{"unmarked", errors.New("who knows"), models.FailurePermanent},
		{"deadline", fmt.Errorf("call: %w", context.DeadlineExceeded), models.FailureTimeout},
		{"contract", cv, models.FailureContractViolation},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.err); got != tt.want {
				t.Errorf("Classify() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestShouldRetry(t *testing.T) {
	idem := models.Descriptor{Name: "a", Idempotent: true, Retry: models.RetryPolicy{MaxAttempts: 3}}
	nonIdem := models.Descriptor{Name: "b", Retry: models.RetryPolicy{MaxAttempts: 3}}

	tests := []struct {
		name    string
		d       models.Descriptor
		kind    models.FailureKind
		attempt int
		want    bool
	}{
		{"idempotent transient first attempt", idem, models.FailureTransient, 1, true},
		{"idempotent timeout", idem, models.FailureTimeout, 2, true},
		{"attempts exhausted", idem, models.FailureTransient, 3, false},
		{"permanent never retried", idem, models.FailurePermanent, 1, false},
		{"non-idempotent never retried", nonIdem, models.FailureTransient, 1, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ShouldRetry(tt.d, tt.kind, tt.attempt); got != tt.want {
				t.Errorf("ShouldRetry() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestNewBackoff_Schedule(t *testing.T) {
	b := NewBackoff(models.RetryPolicy{MaxAttempts: 4, InitialBackoff: 100 * time.Millisecond, MaxBackoff: 300 * time.Millisecond})

	want := []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 300 * time.Millisecond, backoff.Stop}
	for i, w := range want {
		if got := b.NextBackOff(); got != w {
			t.Errorf("delay %d = %v, want %v", i, got, w)
		}
	}
}

func TestTimeoutTable(t *testing.T) {
	tt := NewTimeoutTable(time.Minute, 0)
	withTimeout := models.Descriptor{Name: "a", Timeout: 30 * time.Second}
	withoutTimeout := models.Descriptor{Name: "b"}

	if got := tt.For(withTimeout); got != 30*time.Second {
		t.Errorf("descriptor timeout = %v", got)
	}
	if got := tt.For(withoutTimeout); got != time.Minute {
		t.Errorf("default timeout = %v", got)
	}
	tt.SetOverride("a", 10*time.Second)
	if got := tt.For(withTimeout); got != 10*time.Second {
		t.Errorf("override timeout = %v", got)
	}
	if tt.Grace() != DefaultGrace {
		t.Errorf("grace = %v, want default", tt.Grace())
	}
}
