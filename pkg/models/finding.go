package models

// FindingStatus classifies a reconciliation result.
type FindingStatus string

const (
	// FindingAligned indicates internal and external values agree within tolerance.
	FindingAligned FindingStatus = "aligned"
	// FindingDivergent indicates the values disagree.
	FindingDivergent FindingStatus = "divergent"
	// FindingInconclusive indicates the external source timed out, failed, or had no value.
	FindingInconclusive FindingStatus = "inconclusive"
)

// Finding is an advisory comparison between an internally computed value
// and an independent external value. Findings never overwrite agent data.
type Finding struct {
	ClaimPath      string        `json:"claim_path"`
	Agent          string        `json:"agent,omitempty"`
	InternalValue  any           `json:"internal_value"`
	ExternalValue  any           `json:"external_value,omitempty"`
	AlignmentScore float64       `json:"alignment_score"`
	Status         FindingStatus `json:"status"`
	Note           string        `json:"note,omitempty"`
}
