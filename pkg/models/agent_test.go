package models

import (
	"errors"
	"testing"
	"time"
)

func TestAgentStatus_Valid(t *testing.T) {
	tests := []struct {
		name   string
		status AgentStatus
		want   bool
	}{
		{"pending is valid", AgentStatusPending, true},
		{"ready is valid", AgentStatusReady, true},
		{"running is valid", AgentStatusRunning, true},
		{"retrying is valid", AgentStatusRetrying, true},
		{"success is valid", AgentStatusSuccess, true},
		{"success_with_warnings is valid", AgentStatusSuccessWithWarnings, true},
		{"failed is valid", AgentStatusFailed, true},
		{"skipped is valid", AgentStatusSkipped, true},
		{"timed_out is valid", AgentStatusTimedOut, true},
		{"empty string is invalid", AgentStatus(""), false},
		{"typo status is invalid", AgentStatus("runnning"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.status.Valid(); got != tt.want {
				t.Errorf("AgentStatus(%q).Valid() = %v, want %v", tt.status, got, tt.want)
			}
		})
	}
}

func TestAgentStatus_IsTerminal(t *testing.T) {
	terminal := []AgentStatus{AgentStatusSuccess, AgentStatusSuccessWithWarnings, AgentStatusFailed, AgentStatusSkipped, AgentStatusTimedOut}
	for _, s := range terminal {
		if !s.IsTerminal() {
			t.Errorf("%s should be terminal", s)
		}
	}
	for _, s := range []AgentStatus{AgentStatusPending, AgentStatusReady, AgentStatusRunning, AgentStatusRetrying} {
		if s.IsTerminal() {
			t.Errorf("%s should not be terminal", s)
		}
	}
}

func TestAgentStatus_TimedOutCountsAsFailure(t *testing.T) {
	if !AgentStatusTimedOut.IsFailure() {
		t.Error("timed_out must be treated as a failure downstream")
	}
	if AgentStatusSkipped.IsFailure() {
		t.Error("skipped is not a failure")
	}
}

func TestCheckTransition(t *testing.T) {
	tests := []struct {
		from, to AgentStatus
		ok       bool
	}{
		{AgentStatusPending, AgentStatusReady, true},
		{AgentStatusPending, AgentStatusSkipped, true},
		{AgentStatusPending, AgentStatusRunning, false},
		{AgentStatusReady, AgentStatusRunning, true},
		{AgentStatusRunning, AgentStatusTimedOut, true},
		{AgentStatusRunning, AgentStatusRetrying, true},
		{AgentStatusRetrying, AgentStatusRunning, true},
		{AgentStatusSuccess, AgentStatusFailed, false},
		{AgentStatusSkipped, AgentStatusReady, false},
	}

	for _, tt := range tests {
		err := CheckTransition(tt.from, tt.to)
		if tt.ok && err != nil {
			t.Errorf("%s -> %s: unexpected error %v", tt.from, tt.to, err)
		}
		if !tt.ok && !errors.Is(err, ErrIllegalTransition) {
			t.Errorf("%s -> %s: expected ErrIllegalTransition, got %v", tt.from, tt.to, err)
		}
	}
}

func TestRetryPolicy_Attempts(t *testing.T) {
	if got := (RetryPolicy{}).Attempts(); got != 1 {
		t.Errorf("zero policy attempts = %d, want 1", got)
	}
	if got := (RetryPolicy{MaxAttempts: 3}).Attempts(); got != 3 {
		t.Errorf("attempts = %d, want 3", got)
	}
}

func TestRetryPolicy_WorstCaseBackoff(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 4, InitialBackoff: time.Second, MaxBackoff: 3 * time.Second}
	// 1s + 2s + 3s (capped)
	if got := p.WorstCaseBackoff(); got != 6*time.Second {
		t.Errorf("WorstCaseBackoff = %v, want 6s", got)
	}
	if got := (RetryPolicy{InitialBackoff: time.Second}).WorstCaseBackoff(); got != 0 {
		t.Errorf("single attempt backoff = %v, want 0", got)
	}
}

func TestDescriptor_Validate(t *testing.T) {
	tests := []struct {
		name    string
		d       Descriptor
		wantErr bool
	}{
		{"valid", Descriptor{Name: "fin", Produces: []string{"financial.statements"}}, false},
		{"missing name", Descriptor{Produces: []string{"x"}}, true},
		{"no outputs", Descriptor{Name: "fin"}, true},
		{"duplicate output", Descriptor{Name: "fin", Produces: []string{"x", "x"}}, true},
		{"requires own output", Descriptor{Name: "fin", Requires: []string{"x"}, Produces: []string{"x"}}, true},
		{"negative timeout", Descriptor{Name: "fin", Produces: []string{"x"}, Timeout: -time.Second}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.d.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestEnvelope_WarnUpgradesStatus(t *testing.T) {
	env := Success(map[string]any{"x": 1})
	env.Warn("stale filing from %d", 2021)
	if env.Status != AgentStatusSuccessWithWarnings {
		t.Errorf("status = %s, want success_with_warnings", env.Status)
	}
	if len(env.Warnings) != 1 || env.Warnings[0] != "stale filing from 2021" {
		t.Errorf("warnings = %v", env.Warnings)
	}
}

func TestEnvelope_FailureKeepsPartialData(t *testing.T) {
	env := Failure(errors.New("boom"), map[string]any{"financial.partial": 1})
	if env.Status != AgentStatusFailed {
		t.Errorf("status = %s, want failed", env.Status)
	}
	if env.Data["financial.partial"] != 1 {
		t.Error("partial data must survive a failure")
	}
	if len(env.Errors) != 1 || env.Errors[0] != "boom" {
		t.Errorf("errors = %v", env.Errors)
	}
}

func TestEnvelope_SealCopies(t *testing.T) {
	data := map[string]any{"a": 1}
	env := Envelope{Data: data, Warnings: []string{"w"}}
	env.Normalize()
	sealed := env.Seal()

	data["a"] = 2
	env.Warnings[0] = "changed"

	if !sealed.Sealed() {
		t.Error("expected sealed envelope")
	}
	if sealed.Data["a"] != 1 {
		t.Error("sealed data changed after mutation of source map")
	}
	if sealed.Warnings[0] != "w" {
		t.Error("sealed warnings changed after mutation of source slice")
	}
	if sealed.Status != AgentStatusSuccessWithWarnings {
		t.Errorf("status = %s, want success_with_warnings", sealed.Status)
	}
}

func TestEnvelope_SealCopiesNestedValues(t *testing.T) {
	inner := map[string]any{"ebitda": 3, "years": []any{2023, map[string]any{"fy": 2024}}}
	tags := []string{"audited"}
	env := Success(map[string]any{"financial.ratios": inner, "tags": tags})
	sealed := env.Seal()

	inner["ebitda"] = 99
	inner["years"].([]any)[1].(map[string]any)["fy"] = 1999
	tags[0] = "forged"

	ratios := sealed.Data["financial.ratios"].(map[string]any)
	if ratios["ebitda"] != 3 {
		t.Errorf("nested map changed after seal: %v", ratios["ebitda"])
	}
	if fy := ratios["years"].([]any)[1].(map[string]any)["fy"]; fy != 2024 {
		t.Errorf("map inside slice changed after seal: %v", fy)
	}
	if got := sealed.Data["tags"].([]string)[0]; got != "audited" {
		t.Errorf("string slice changed after seal: %s", got)
	}
}

func TestEvent_DedupeKey(t *testing.T) {
	a := Event{Kind: EventAgent, Agent: "fin", NewStatus: AgentStatusSuccess}
	if a.DedupeKey() != "fin:success" {
		t.Errorf("DedupeKey = %q", a.DedupeKey())
	}
	j := Event{Kind: EventJob, NewState: JobFailed}
	if j.DedupeKey() != "job:failed" {
		t.Errorf("DedupeKey = %q", j.DedupeKey())
	}
}

func TestJobState_IsTerminal(t *testing.T) {
	if JobRunning.IsTerminal() || JobCreated.IsTerminal() {
		t.Error("created/running are not terminal")
	}
	for _, s := range []JobState{JobCompleted, JobCompletedWithWarnings, JobFailed} {
		if !s.IsTerminal() {
			t.Errorf("%s should be terminal", s)
		}
	}
}

func TestFailureKind_Retryable(t *testing.T) {
	if !FailureTransient.Retryable() || !FailureTimeout.Retryable() {
		t.Error("transient and timeout failures are retryable")
	}
	if FailurePermanent.Retryable() || FailureContractViolation.Retryable() {
		t.Error("permanent and contract failures are never retried")
	}
}
