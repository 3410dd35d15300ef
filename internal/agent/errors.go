package agent

import (
	"context"
	"errors"

	"github.com/ShayCichocki/diligence/internal/record"
	"github.com/ShayCichocki/diligence/pkg/models"
)

// classifiedError tags an error with its failure kind.
type classifiedError struct {
	kind models.FailureKind
	err  error
}

func (e *classifiedError) Error() string { return e.err.Error() }
func (e *classifiedError) Unwrap() error { return e.err }

// Transient marks err as a network or rate-limit class failure.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &classifiedError{kind: models.FailureTransient, err: err}
}

// Permanent marks err as a validation or logic failure that must never be retried.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &classifiedError{kind: models.FailurePermanent, err: err}
}

// Classify maps an error onto the failure taxonomy.
// Unmarked errors are permanent: retrying something of unknown kind is not safe.
func Classify(err error) models.FailureKind {
	if err == nil {
		return ""
	}
	if _, ok := record.IsContractViolation(err); ok {
		return models.FailureContractViolation
	}
	var ce *classifiedError
	if errors.As(err, &ce) {
		return ce.kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return models.FailureTimeout
	}
	return models.FailurePermanent
}

// IsTransient reports whether err was marked transient.
func IsTransient(err error) bool {
	return Classify(err) == models.FailureTransient
}
