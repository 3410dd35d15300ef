package reconcile

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/ShayCichocki/diligence/internal/record"
	"github.com/ShayCichocki/diligence/internal/synthesis"
	"github.com/ShayCichocki/diligence/pkg/models"
)

func consolidated(t *testing.T) *synthesis.Consolidated {
	t.Helper()
	descs := []models.Descriptor{
		{Name: "valuation", Produces: []string{"valuation.summary"}},
		{Name: "comps", Produces: []string{"valuation.comps"}},
	}
	store := record.New(descs)
	_ = store.Set("valuation", "valuation.summary", map[string]any{"enterprise_value": 1000.0, "method": "dcf"})
	_ = store.Set("comps", "valuation.comps", map[string]any{"enterprise_value": 900.0})

	c, err := synthesis.New().Consolidate(synthesis.Input{JobID: "j", Snapshot: store.Snapshot()})
	if err != nil {
		t.Fatalf("Consolidate: %v", err)
	}
	return c
}

func TestClaims(t *testing.T) {
	c := consolidated(t)
	claims := Claims(c, []string{"valuation.summary/enterprise_value", "valuation.summary/missing", "esg/score"})
	if len(claims) != 1 {
		t.Fatalf("claims = %+v", claims)
	}
	if claims[0].Agent != "valuation" || claims[0].Value != 1000.0 {
		t.Errorf("claim = %+v", claims[0])
	}
}

func TestRunner_StaticSource(t *testing.T) {
	src, err := ParseStaticSource([]byte(`
tolerance: 0.9
values:
  valuation.summary/enterprise_value: 1050
  valuation.comps/enterprise_value: 1200
`))
	if err != nil {
		t.Fatalf("ParseStaticSource: %v", err)
	}
	c := consolidated(t)
	digest := c.Digest()

	findings := NewRunner(src).Run(context.Background(), c, []string{
		"valuation.summary/enterprise_value",
		"valuation.comps/enterprise_value",
	})
	if len(findings) != 2 {
		t.Fatalf("findings = %+v", findings)
	}
	if findings[0].Status != models.FindingAligned {
		t.Errorf("summary finding = %+v", findings[0])
	}
	if findings[1].Status != models.FindingDivergent || findings[1].AlignmentScore != 0.75 {
		t.Errorf("comps finding = %+v", findings[1])
	}
	if len(c.Reconciliation()) != 2 {
		t.Errorf("attached findings = %d, want 2", len(c.Reconciliation()))
	}
	if c.Digest() != digest || !c.Verify() {
		t.Error("reconciliation modified the sealed record")
	}
}

func TestRunner_TimeoutIsInconclusive(t *testing.T) {
	slow := AdapterFunc(func(ctx context.Context, claim Claim) (models.Finding, error) {
		time.Sleep(time.Second) // ignores ctx on purpose
		return models.Finding{Status: models.FindingAligned}, nil
	})
	r := NewRunner(slow, WithClaimTimeout(20*time.Millisecond))

	start := time.Now()
	findings := r.Check(context.Background(), []Claim{{Path: "valuation.summary/enterprise_value", Agent: "valuation", Value: 1}})
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Errorf("runner blocked for %v", elapsed)
	}
	if findings[0].Status != models.FindingInconclusive {
		t.Fatalf("status = %s, want inconclusive", findings[0].Status)
	}
	if !strings.Contains(findings[0].Note, "timed out") {
		t.Errorf("note = %q", findings[0].Note)
	}
}

func TestRunner_ErrorAndPanicAreInconclusive(t *testing.T) {
	tests := []struct {
		name    string
		adapter Adapter
	}{
		{"error", AdapterFunc(func(context.Context, Claim) (models.Finding, error) {
			return models.Finding{}, errors.New("provider down")
		})},
		{"panic", AdapterFunc(func(context.Context, Claim) (models.Finding, error) {
			panic("bad adapter")
		})},
		{"no reference", &StaticSource{Tolerance: 0.9}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := NewRunner(tt.adapter, WithConcurrency(1)).Check(context.Background(), []Claim{{Path: "p", Agent: "a", Value: 1}})
			if f[0].Status != models.FindingInconclusive || f[0].InternalValue != 1 {
				t.Errorf("finding = %+v", f[0])
			}
		})
	}
}

func TestAlignment(t *testing.T) {
	tests := []struct {
		a, b float64
		want float64
	}{
		{100, 100, 1},
		{0, 0, 1},
		{90, 100, 0.9},
		{-50, 50, 0},
	}
	for _, tt := range tests {
		if got := Alignment(tt.a, tt.b); got != tt.want {
			t.Errorf("Alignment(%v, %v) = %v, want %v", tt.a, tt.b, got, tt.want)
		}
	}
}
