package reconcile

import (
	"context"
	"fmt"
	"math"
	"os"
	"strconv"

	"go.yaml.in/yaml/v3"

	"github.com/ShayCichocki/diligence/pkg/models"
)

// DefaultTolerance is the alignment score at or above which a claim is aligned.
const DefaultTolerance = 0.95

// StaticSource reconciles against reference figures loaded from YAML:
//
//	tolerance: 0.9
//	values:
//	  valuation.summary/enterprise_value: 1250000
type StaticSource struct {
	Tolerance float64            `yaml:"tolerance"`
	Values    map[string]float64 `yaml:"values"`
}

// ParseStaticSource decodes YAML reference data.
func ParseStaticSource(data []byte) (*StaticSource, error) {
	var s StaticSource
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parse reference data: %w", err)
	}
	if s.Tolerance <= 0 || s.Tolerance > 1 {
		s.Tolerance = DefaultTolerance
	}
	return &s, nil
}

// LoadStaticSource reads YAML reference data from path.
func LoadStaticSource(path string) (*StaticSource, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read reference data: %w", err)
	}
	return ParseStaticSource(data)
}

// Reconcile compares the claim with the reference figure.
func (s *StaticSource) Reconcile(ctx context.Context, claim Claim) (models.Finding, error) {
	if err := ctx.Err(); err != nil {
		return models.Finding{}, err
	}
	ref, ok := s.Values[claim.Path]
	if !ok {
		return models.Finding{}, fmt.Errorf("%w for %s", ErrNoReference, claim.Path)
	}
	internal, ok := toFloat(claim.Value)
	if !ok {
		return models.Finding{}, fmt.Errorf("claim %s is not numeric", claim.Path)
	}

	score := Alignment(internal, ref)
	f := models.Finding{
		InternalValue:  claim.Value,
		ExternalValue:  ref,
		AlignmentScore: score,
		Status:         models.FindingAligned,
	}
	if score < s.Tolerance {
		f.Status = models.FindingDivergent
		f.Note = fmt.Sprintf("differs from reference by %.1f%%", (1-score)*100)
	}
	return f, nil
}

// Alignment scores two figures in [0,1]: 1 - |a-b| / max(|a|,|b|).
func Alignment(a, b float64) float64 {
	denom := math.Max(math.Abs(a), math.Abs(b))
	if denom == 0 {
		return 1
	}
	score := 1 - math.Abs(a-b)/denom
	if score < 0 {
		return 0
	}
	return math.Round(score*10000) / 10000
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	default:
		return 0, false
	}
}

var _ Adapter = (*StaticSource)(nil)
