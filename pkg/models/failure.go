package models

// FailureKind names the error taxonomy used across the engine.
type FailureKind string

const (
	// FailureContractViolation is an agent writing outside its declared sections.
	FailureContractViolation FailureKind = "contract_violation"
	// FailurePrerequisiteUnsatisfied is a plan-time missing producer.
	FailurePrerequisiteUnsatisfied FailureKind = "prerequisite_unsatisfied"
	// FailureTransient is a network or rate-limit class error, retryable for idempotent agents.
	FailureTransient FailureKind = "transient"
	// FailurePermanent is a validation or logic error, never retried.
	FailurePermanent FailureKind = "permanent"
	// FailureTimeout is a deadline expiry.
	FailureTimeout FailureKind = "timeout"
	// FailureReconciliationInconclusive is advisory only and never fails a job.
	FailureReconciliationInconclusive FailureKind = "reconciliation_inconclusive"
)

// Retryable reports whether an idempotent agent may be retried after this kind of failure.
func (k FailureKind) Retryable() bool {
	return k == FailureTransient || k == FailureTimeout
}
