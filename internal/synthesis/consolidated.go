package synthesis

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/ShayCichocki/diligence/internal/record"
	"github.com/ShayCichocki/diligence/pkg/models"
)

// SectionStatus is the completeness of one schema section.
type SectionStatus string

const (
	SectionPresent SectionStatus = "present"
	SectionPartial SectionStatus = "partial"
	SectionAbsent  SectionStatus = "absent"
)

// GateStatus is the completeness gate decision.
type GateStatus string

const (
	GatePassed GateStatus = "passed"
	GateFailed GateStatus = "failed"
)

// Contribution is one agent's data under a top-level section.
type Contribution struct {
	Agent      string             `json:"agent"`
	Provenance string             `json:"provenance"`
	Status     models.AgentStatus `json:"status"`
	// Values maps the dotted section name to the value the agent wrote.
	Values map[string]any `json:"values"`
}

// Section is a normalized top-level section. Contributions are keyed by
// provenance label so disagreeing values are all retained.
type Section struct {
	Name          string                  `json:"name"`
	Contributions map[string]Contribution `json:"contributions"`
}

// SectionCompleteness is the completeness entry for one schema section.
type SectionCompleteness struct {
	Section      string            `json:"section"`
	Status       SectionStatus     `json:"status"`
	Mandatory    bool              `json:"mandatory"`
	Threshold    float64           `json:"threshold,omitempty"`
	Confidence   float64           `json:"confidence"`
	Contributors []string          `json:"contributors,omitempty"`
	Written      []string          `json:"written,omitempty"`
	Missing      []string          `json:"missing,omitempty"`
	EmptyReasons map[string]string `json:"empty_reasons,omitempty"`
}

// Completeness is the report over every schema section.
type Completeness struct {
	Sections   []SectionCompleteness `json:"sections"`
	Present    int                   `json:"present"`
	Required   int                   `json:"required"`
	Percentage float64               `json:"percentage"`
}

// Section returns the entry for name.
func (c Completeness) Section(name string) (SectionCompleteness, bool) {
	for _, s := range c.Sections {
		if s.Section == name {
			return s, true
		}
	}
	return SectionCompleteness{}, false
}

// Gate is the outcome of the completeness gate.
type Gate struct {
	Status           GateStatus `json:"status"`
	MissingMandatory []string   `json:"missing_mandatory,omitempty"`
}

// AgentSummary is the per-agent digest carried into the consolidated record.
type AgentSummary struct {
	Agent           string             `json:"agent"`
	Status          models.AgentStatus `json:"status"`
	Provenance      string             `json:"provenance"`
	Attempts        int                `json:"attempts"`
	Reason          string             `json:"reason,omitempty"`
	Warnings        []string           `json:"warnings,omitempty"`
	Errors          []string           `json:"errors,omitempty"`
	Recommendations []string           `json:"recommendations,omitempty"`
}

// body is the sealed, digested part of a consolidated record.
type body struct {
	JobID        string             `json:"job_id"`
	Sections     map[string]Section `json:"sections"`
	Agents       []AgentSummary     `json:"agents"`
	Completeness Completeness       `json:"completeness"`
	Gate         Gate               `json:"completeness_gate"`
}

// Consolidated is the sealed output of synthesis. Sections, completeness and
// the gate never change after sealing; reconciliation findings are appended.
type Consolidated struct {
	body   body
	digest string

	mu       sync.RWMutex
	findings []models.Finding
}

// seal computes the digest over the canonical JSON of the body.
func seal(b body) (*Consolidated, error) {
	raw, err := json.Marshal(b)
	if err != nil {
		return nil, fmt.Errorf("encode consolidated record: %w", err)
	}
	sum := sha256.Sum256(raw)
	return &Consolidated{body: b, digest: hex.EncodeToString(sum[:])}, nil
}

// JobID returns the job the record belongs to.
func (c *Consolidated) JobID() string { return c.body.JobID }

// Sections returns a deep copy of the normalized sections.
func (c *Consolidated) Sections() map[string]Section {
	out := make(map[string]Section, len(c.body.Sections))
	for name, s := range c.body.Sections {
		cp := Section{Name: s.Name, Contributions: make(map[string]Contribution, len(s.Contributions))}
		for label, contrib := range s.Contributions {
			values := make(map[string]any, len(contrib.Values))
			for k, v := range contrib.Values {
				values[k] = record.Clone(v)
			}
			contrib.Values = values
			cp.Contributions[label] = contrib
		}
		out[name] = cp
	}
	return out
}

// Completeness returns the completeness report.
func (c *Consolidated) Completeness() Completeness { return c.body.Completeness }

// Gate returns the completeness gate outcome.
func (c *Consolidated) Gate() Gate { return c.body.Gate }

// Agents returns the per-agent summaries, sorted by agent.
func (c *Consolidated) Agents() []AgentSummary {
	return append([]AgentSummary(nil), c.body.Agents...)
}

// Digest is the hex SHA-256 of the sealed body.
func (c *Consolidated) Digest() string { return c.digest }

// Verify recomputes the digest and reports whether the sealed body is intact.
func (c *Consolidated) Verify() bool {
	raw, err := json.Marshal(c.body)
	if err != nil {
		return false
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:]) == c.digest
}

// Lookup resolves a "section/key/..." path in every contribution that wrote
// the section. Results are keyed by agent name.
func (c *Consolidated) Lookup(path string) (map[string]any, error) {
	section, keys, err := record.SplitPath(path)
	if err != nil {
		return nil, err
	}
	top, ok := c.body.Sections[record.TopLevel(section)]
	if !ok {
		return nil, fmt.Errorf("%w: %s", record.ErrNotFound, path)
	}
	out := make(map[string]any)
	for _, contrib := range top.Contributions {
		v, ok := contrib.Values[section]
		if !ok {
			continue
		}
		if v, ok = record.Descend(v, keys); ok {
			out[contrib.Agent] = record.Clone(v)
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: %s", record.ErrNotFound, path)
	}
	return out, nil
}

// AppendFindings attaches reconciliation findings. Sealed sections are untouched.
func (c *Consolidated) AppendFindings(findings ...models.Finding) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.findings = append(c.findings, findings...)
}

// Reconciliation returns the attached findings, ordered by claim path then agent.
func (c *Consolidated) Reconciliation() []models.Finding {
	c.mu.RLock()
	out := append([]models.Finding(nil), c.findings...)
	c.mu.RUnlock()
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].ClaimPath != out[j].ClaimPath {
			return out[i].ClaimPath < out[j].ClaimPath
		}
		return out[i].Agent < out[j].Agent
	})
	return out
}

type consolidatedJSON struct {
	body
	Digest         string           `json:"digest"`
	Reconciliation []models.Finding `json:"reconciliation"`
}

// MarshalJSON renders the sealed body, the digest and the findings.
// Map keys are emitted sorted, so equal records encode to equal bytes.
func (c *Consolidated) MarshalJSON() ([]byte, error) {
	findings := c.Reconciliation()
	if findings == nil {
		findings = []models.Finding{}
	}
	return json.Marshal(consolidatedJSON{body: c.body, Digest: c.digest, Reconciliation: findings})
}

// UnmarshalJSON restores a record saved with MarshalJSON.
func (c *Consolidated) UnmarshalJSON(data []byte) error {
	var v consolidatedJSON
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	c.body = v.body
	c.digest = v.Digest
	c.findings = v.Reconciliation
	return nil
}
