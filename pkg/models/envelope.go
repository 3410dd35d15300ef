package models

import "fmt"

// Envelope is the standard result an agent returns from Execute.
// Data keys are output section names. An agent that fails must still return
// whatever partial data it produced.
type Envelope struct {
	Status          AgentStatus    `json:"status"`
	Data            map[string]any `json:"data,omitempty"`
	Warnings        []string       `json:"warnings,omitempty"`
	Errors          []string       `json:"errors,omitempty"`
	Recommendations []string       `json:"recommendations,omitempty"`

	// Err carries the underlying error for classification. It is not serialized.
	Err error `json:"-"`

	sealed bool
}

// Success builds a Success envelope carrying data.
func Success(data map[string]any) Envelope {
	return Envelope{Status: AgentStatusSuccess, Data: data}
}

// Failure builds a Failed envelope from err, keeping any partial data.
func Failure(err error, partial map[string]any) Envelope {
	env := Envelope{Status: AgentStatusFailed, Data: partial, Err: err}
	if err != nil {
		env.Errors = []string{err.Error()}
	}
	return env
}

// Skipped builds a Skipped envelope with a reason recorded as a warning.
func Skipped(reason string) Envelope {
	return Envelope{Status: AgentStatusSkipped, Warnings: []string{reason}}
}

// Warn appends a formatted warning and upgrades Success to SuccessWithWarnings.
func (e *Envelope) Warn(format string, args ...any) {
	e.Warnings = append(e.Warnings, fmt.Sprintf(format, args...))
	if e.Status == AgentStatusSuccess {
		e.Status = AgentStatusSuccessWithWarnings
	}
}

// Normalize fixes the status to match the envelope contents:
// an unset status becomes Success, and Success with warnings becomes SuccessWithWarnings.
func (e *Envelope) Normalize() {
	if e.Status == "" {
		e.Status = AgentStatusSuccess
	}
	if e.Status == AgentStatusSuccess && len(e.Warnings) > 0 {
		e.Status = AgentStatusSuccessWithWarnings
	}
}

// Seal returns a deep copy marked immutable. Nested maps and slices in Data
// are copied as well, so later mutation of the agent's values cannot leak in.
func (e Envelope) Seal() Envelope {
	out := Envelope{
		Status:          e.Status,
		Warnings:        append([]string(nil), e.Warnings...),
		Errors:          append([]string(nil), e.Errors...),
		Recommendations: append([]string(nil), e.Recommendations...),
		Err:             e.Err,
		sealed:          true,
	}
	if e.Data != nil {
		out.Data = cloneMap(e.Data)
	}
	return out
}

func cloneMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

// cloneValue copies the container shapes agents hand back; anything else is
// treated as a value.
func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		if t == nil {
			return t
		}
		return cloneMap(t)
	case []any:
		if t == nil {
			return t
		}
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = cloneValue(item)
		}
		return out
	case []string:
		if t == nil {
			return t
		}
		return append([]string(nil), t...)
	case map[string]string:
		if t == nil {
			return t
		}
		out := make(map[string]string, len(t))
		for k, s := range t {
			out[k] = s
		}
		return out
	default:
		return v
	}
}

// Sealed reports whether Seal produced this envelope.
func (e Envelope) Sealed() bool { return e.sealed }
