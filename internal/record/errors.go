package record

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotFound is returned by Get when the path does not resolve to a written value.
	ErrNotFound = errors.New("record: not found")
	// ErrRevoked is returned when a writer is used after its attempt was cancelled.
	ErrRevoked = errors.New("record: writer revoked")
	// ErrInvalidPath is returned for empty or malformed paths.
	ErrInvalidPath = errors.New("record: invalid path")
)

// ViolationKind distinguishes the two ways an agent can break section ownership.
type ViolationKind string

const (
	// ViolationUndeclared is a write to a section the agent never declared. It is a programming error.
	ViolationUndeclared ViolationKind = "undeclared_section"
	// ViolationOwned is a write to a declared section already claimed by another agent.
	ViolationOwned ViolationKind = "section_owned"
)

// ContractViolation records a rejected write. It is returned as an error and
// kept in the store so synthesis and the job summary can surface it.
type ContractViolation struct {
	Kind    ViolationKind `json:"kind"`
	Agent   string        `json:"agent"`
	Section string        `json:"section"`
	// Owner is the agent that holds the section, for ViolationOwned.
	Owner string    `json:"owner,omitempty"`
	At    time.Time `json:"at"`
}

func (v *ContractViolation) Error() string {
	if v.Kind == ViolationOwned {
		return fmt.Sprintf("contract violation: agent %s cannot write section %s owned by %s", v.Agent, v.Section, v.Owner)
	}
	return fmt.Sprintf("contract violation: agent %s wrote undeclared section %s", v.Agent, v.Section)
}

// IsContractViolation returns the violation wrapped in err, if any.
func IsContractViolation(err error) (*ContractViolation, bool) {
	var cv *ContractViolation
	if errors.As(err, &cv) {
		return cv, true
	}
	return nil, false
}
