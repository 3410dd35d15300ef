// Package agent defines the contract every analysis unit implements and the
// registry the orchestrator plans from.
package agent

import (
	"context"
	"fmt"

	"github.com/ShayCichocki/diligence/internal/record"
	"github.com/ShayCichocki/diligence/pkg/models"
)

// Agent is one analysis unit.
//
// Prepare must be pure: it inspects the record and returns the required inputs
// that are missing, or nil when the agent can run. Execute does the work and
// may perform I/O; it must honour ctx cancellation at I/O boundaries and
// return whatever partial data it has, even when it fails.
type Agent interface {
	Descriptor() models.Descriptor
	Prepare(view record.Reader) []string
	Execute(ctx context.Context, view record.Reader, w record.Writer) models.Envelope
}

// PrepareFunc is the signature of a custom readiness check.
type PrepareFunc func(view record.Reader) []string

// ExecuteFunc is the signature of an agent body.
type ExecuteFunc func(ctx context.Context, view record.Reader, w record.Writer) models.Envelope

// Func adapts a descriptor and plain functions into an Agent.
type Func struct {
	Desc   models.Descriptor
	PrepFn PrepareFunc
	ExecFn ExecuteFunc
}

// NewFunc builds a Func agent. A nil prepare uses RequiredInputs.
func NewFunc(d models.Descriptor, prepare PrepareFunc, execute ExecuteFunc) *Func {
	return &Func{Desc: d, PrepFn: prepare, ExecFn: execute}
}

// Descriptor returns the static metadata.
func (f *Func) Descriptor() models.Descriptor { return f.Desc }

// Prepare runs the custom check or falls back to RequiredInputs.
func (f *Func) Prepare(view record.Reader) []string {
	if f.PrepFn != nil {
		return f.PrepFn(view)
	}
	return RequiredInputs(f.Desc, view)
}

// Execute runs the agent body.
func (f *Func) Execute(ctx context.Context, view record.Reader, w record.Writer) models.Envelope {
	if f.ExecFn == nil {
		return models.Failure(fmt.Errorf("agent %s has no execute function", f.Desc.Name), nil)
	}
	return f.ExecFn(ctx, view, w)
}

// RequiredInputs is the default readiness check: every declared input must be present.
func RequiredInputs(d models.Descriptor, view record.Reader) []string {
	var missing []string
	for _, section := range d.Requires {
		if !view.Present(section) {
			missing = append(missing, section)
		}
	}
	return missing
}

var _ Agent = (*Func)(nil)
