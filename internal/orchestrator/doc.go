// Package orchestrator runs analysis jobs.
//
// A job moves through created, running and one terminal state. Submit plans
// the requested agents into waves (see package graph) and seeds the job's
// record; Run executes the waves in order, with the agents of one wave in
// parallel, each bounded by its concurrency group. Every agent ends in exactly
// one terminal status:
//   - Timeouts revoke the agent's writer before cancelling it, so only writes
//     committed before the deadline survive.
//   - Idempotent agents are retried on transient errors and timeouts with
//     exponential backoff.
//   - A critical failure, an undeclared write or cancellation halts the job:
//     in-flight agents fail and unstarted ones are skipped.
//
// After the last wave the record is consolidated (package synthesis) and the
// schema's claims are reconciled (package reconcile).
//
// Example usage:
//
//	o := orchestrator.New(registry, orchestrator.WithSink(emitter))
//	res, err := o.Execute(ctx, models.Submission{
//		SubjectIDs:        []string{"acme"},
//		RequestedAnalyses: []string{"financial", "legal", "risk"},
//	})
package orchestrator
