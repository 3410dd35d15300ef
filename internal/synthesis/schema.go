package synthesis

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"go.yaml.in/yaml/v3"

	"github.com/ShayCichocki/diligence/internal/record"
	"github.com/ShayCichocki/diligence/pkg/models"
)

// DefaultThreshold is the confidence a mandatory section needs when its spec sets none.
const DefaultThreshold = 1.0

// SectionSpec describes one top-level section of the consolidated record.
type SectionSpec struct {
	// Name is the top-level section ("financial").
	Name string `yaml:"name"`
	// Required lists the dotted sections that must be written for the section
	// to count as present. Empty means the top-level section itself.
	Required []string `yaml:"required"`
	// Mandatory sections take part in the completeness gate.
	Mandatory bool `yaml:"mandatory"`
	// Threshold is the minimum confidence (0..1) for a mandatory section.
	// Nil means DefaultThreshold; zero is a real threshold.
	Threshold *float64 `yaml:"threshold"`
	// Claims lists record paths ("valuation.summary/enterprise_value") worth reconciling.
	Claims []string `yaml:"claims"`
}

// requirements returns the sections that count towards completeness.
func (s SectionSpec) requirements() []string {
	if len(s.Required) == 0 {
		return []string{s.Name}
	}
	return s.Required
}

func (s SectionSpec) threshold() float64 {
	if s.Threshold == nil {
		return DefaultThreshold
	}
	return *s.Threshold
}

// Schema is the fixed top-level layout the gate normalizes into.
type Schema struct {
	Sections []SectionSpec `yaml:"sections"`
}

// DeriveSchema builds a schema from agent descriptors: one section per
// top-level output, requiring every declared dotted output beneath it.
// A section is mandatory when any of its producers is critical.
func DeriveSchema(descriptors []models.Descriptor) *Schema {
	specs := make(map[string]*SectionSpec)
	for _, d := range descriptors {
		for _, out := range d.Produces {
			top := record.TopLevel(out)
			spec, ok := specs[top]
			if !ok {
				spec = &SectionSpec{Name: top}
				specs[top] = spec
			}
			if !contains(spec.Required, out) {
				spec.Required = append(spec.Required, out)
			}
			if d.Critical {
				spec.Mandatory = true
			}
		}
	}

	s := &Schema{}
	for _, spec := range specs {
		sort.Strings(spec.Required)
		s.Sections = append(s.Sections, *spec)
	}
	s.sort()
	return s
}

// ParseSchema decodes a YAML schema and validates it.
func ParseSchema(data []byte) (*Schema, error) {
	var s Schema
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parse schema: %w", err)
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	s.sort()
	return &s, nil
}

// LoadSchema reads a YAML schema file.
func LoadSchema(path string) (*Schema, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read schema: %w", err)
	}
	return ParseSchema(data)
}

// Validate checks names, requirement placement and thresholds.
func (s *Schema) Validate() error {
	if s == nil {
		return errors.New("schema is nil")
	}
	seen := make(map[string]bool, len(s.Sections))
	for _, spec := range s.Sections {
		if spec.Name == "" || strings.Contains(spec.Name, ".") {
			return fmt.Errorf("schema section %q must be a top-level name", spec.Name)
		}
		if seen[spec.Name] {
			return fmt.Errorf("schema section %s listed twice", spec.Name)
		}
		seen[spec.Name] = true
		for _, r := range spec.Required {
			if record.TopLevel(r) != spec.Name {
				return fmt.Errorf("schema section %s requires %s from another section", spec.Name, r)
			}
		}
		if t := spec.Threshold; t != nil && (*t < 0 || *t > 1) {
			return fmt.Errorf("schema section %s threshold %v outside [0,1]", spec.Name, *t)
		}
	}
	return nil
}

// Section returns the spec for a top-level name.
func (s *Schema) Section(name string) (SectionSpec, bool) {
	for _, spec := range s.Sections {
		if spec.Name == name {
			return spec, true
		}
	}
	return SectionSpec{}, false
}

// Override returns a copy with per-section thresholds replaced and the given
// sections forced mandatory. Unknown names are ignored.
func (s *Schema) Override(thresholds map[string]float64, mandatory []string) *Schema {
	out := &Schema{Sections: make([]SectionSpec, len(s.Sections))}
	for i, spec := range s.Sections {
		spec.Required = append([]string(nil), spec.Required...)
		spec.Claims = append([]string(nil), spec.Claims...)
		if t, ok := thresholds[spec.Name]; ok {
			spec.Threshold = &t
		} else if spec.Threshold != nil {
			t := *spec.Threshold
			spec.Threshold = &t
		}
		if contains(mandatory, spec.Name) {
			spec.Mandatory = true
		}
		out.Sections[i] = spec
	}
	return out
}

// Claims returns every claim path in schema order.
func (s *Schema) Claims() []string {
	var out []string
	for _, spec := range s.Sections {
		out = append(out, spec.Claims...)
	}
	return out
}

func (s *Schema) sort() {
	sort.Slice(s.Sections, func(i, j int) bool { return s.Sections[i].Name < s.Sections[j].Name })
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
