// Package synthesis consolidates a finished job's shared record into one
// sealed, report-ready document with a completeness report and gate decision.
package synthesis

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"sort"

	"github.com/ShayCichocki/diligence/internal/record"
	"github.com/ShayCichocki/diligence/pkg/models"
)

// ErrNoSnapshot is returned when synthesis is asked to run without a snapshot.
var ErrNoSnapshot = errors.New("synthesis requires a record snapshot")

// Input is everything synthesis reads. Nothing in it is modified.
type Input struct {
	JobID    string
	Snapshot *record.Snapshot
	Outcomes []models.AgentOutcome
	// Schema defaults to one derived from the snapshot's owners when nil.
	Schema *Schema
}

// Synthesizer runs the consolidation gate.
type Synthesizer struct {
	logger *slog.Logger
}

// Option configures a Synthesizer.
type Option func(*Synthesizer)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Synthesizer) {
		if l != nil {
			s.logger = l
		}
	}
}

// New creates a Synthesizer.
func New(opts ...Option) *Synthesizer {
	s := &Synthesizer{logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Provenance renders the label attached to an agent's contributions.
func Provenance(agent string, status models.AgentStatus) string {
	switch status {
	case models.AgentStatusTimedOut:
		return agent + " (timed out)"
	case models.AgentStatusFailed:
		return agent + " (failed)"
	case models.AgentStatusSuccessWithWarnings:
		return agent + " (with warnings)"
	default:
		return agent
	}
}

// Consolidate collects, normalizes, scores, gates and seals. A panic inside
// any step is returned as an error; the input snapshot is never modified.
func (s *Synthesizer) Consolidate(in Input) (c *Consolidated, err error) {
	defer func() {
		if r := recover(); r != nil {
			c = nil
			err = fmt.Errorf("synthesis panicked: %v", r)
			s.logger.Error("synthesis panicked", "job", in.JobID, "panic", r)
		}
	}()

	if in.Snapshot == nil {
		return nil, ErrNoSnapshot
	}
	schema := in.Schema
	if schema == nil {
		schema = schemaFromSnapshot(in.Snapshot)
	}

	statuses := make(map[string]models.AgentOutcome, len(in.Outcomes))
	for _, o := range in.Outcomes {
		statuses[o.Agent] = o
	}

	b := body{
		JobID:    in.JobID,
		Sections: collect(in.Snapshot, statuses),
		Agents:   summarize(in.Outcomes),
	}
	b.Completeness = score(schema, in.Snapshot, b.Sections)
	b.Gate = gate(b.Completeness)

	c, err = seal(b)
	if err != nil {
		return nil, err
	}
	s.logger.Info("synthesis sealed",
		"job", in.JobID,
		"completeness", b.Completeness.Percentage,
		"gate", b.Gate.Status,
		"digest", c.Digest())
	return c, nil
}

// collect pulls every written section into its top-level bucket keyed by provenance.
// Skipped agents that wrote nothing contribute nothing.
func collect(snap *record.Snapshot, outcomes map[string]models.AgentOutcome) map[string]Section {
	sections := make(map[string]Section)
	for name, st := range snap.Sections {
		if !st.Written {
			continue
		}
		agent := st.Owner
		status := models.AgentStatusSuccess
		if o, ok := outcomes[agent]; ok {
			status = o.Status
		}
		label := Provenance(agent, status)
		if agent == record.SeedOwner {
			label = record.SeedOwner
		}

		top := record.TopLevel(name)
		sec, ok := sections[top]
		if !ok {
			sec = Section{Name: top, Contributions: make(map[string]Contribution)}
			sections[top] = sec
		}
		contrib, ok := sec.Contributions[label]
		if !ok {
			contrib = Contribution{Agent: agent, Provenance: label, Status: status, Values: make(map[string]any)}
		}
		contrib.Values[name] = record.Clone(st.Value)
		sec.Contributions[label] = contrib
	}
	return sections
}

func summarize(outcomes []models.AgentOutcome) []AgentSummary {
	out := make([]AgentSummary, 0, len(outcomes))
	for _, o := range outcomes {
		out = append(out, AgentSummary{
			Agent:           o.Agent,
			Status:          o.Status,
			Provenance:      Provenance(o.Agent, o.Status),
			Attempts:        o.Attempts,
			Reason:          o.Reason,
			Warnings:        append([]string(nil), o.Envelope.Warnings...),
			Errors:          append([]string(nil), o.Envelope.Errors...),
			Recommendations: append([]string(nil), o.Envelope.Recommendations...),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Agent < out[j].Agent })
	return out
}

// score computes per-section completeness. Percentage is present sections over
// schema sections; an empty schema counts as fully complete.
func score(schema *Schema, snap *record.Snapshot, sections map[string]Section) Completeness {
	rep := Completeness{Required: len(schema.Sections), Sections: make([]SectionCompleteness, 0, len(schema.Sections))}

	for _, spec := range schema.Sections {
		sc := SectionCompleteness{Section: spec.Name, Mandatory: spec.Mandatory}
		if spec.Mandatory {
			sc.Threshold = spec.threshold()
		}
		reqs := spec.requirements()
		for _, req := range reqs {
			if snap.Present(req) {
				sc.Written = append(sc.Written, req)
				continue
			}
			sc.Missing = append(sc.Missing, req)
			if st, ok := snap.Sections[req]; ok && st.EmptyReason != "" {
				if sc.EmptyReasons == nil {
					sc.EmptyReasons = make(map[string]string)
				}
				sc.EmptyReasons[req] = st.EmptyBy + ": " + st.EmptyReason
			}
		}

		sc.Confidence = round(float64(len(sc.Written)) / float64(len(reqs)))
		switch {
		case len(sc.Missing) == 0:
			sc.Status = SectionPresent
			rep.Present++
		case len(sc.Written) > 0:
			sc.Status = SectionPartial
		default:
			sc.Status = SectionAbsent
		}

		if sec, ok := sections[spec.Name]; ok {
			for label := range sec.Contributions {
				sc.Contributors = append(sc.Contributors, label)
			}
			sort.Strings(sc.Contributors)
		}
		rep.Sections = append(rep.Sections, sc)
	}

	if rep.Required == 0 {
		rep.Percentage = 100
	} else {
		rep.Percentage = round(100 * float64(rep.Present) / float64(rep.Required))
	}
	return rep
}

func gate(rep Completeness) Gate {
	g := Gate{Status: GatePassed}
	for _, sc := range rep.Sections {
		if sc.Mandatory && sc.Confidence < sc.Threshold {
			g.MissingMandatory = append(g.MissingMandatory, sc.Section)
		}
	}
	if len(g.MissingMandatory) > 0 {
		g.Status = GateFailed
	}
	return g
}

// schemaFromSnapshot treats every declared or written non-seed section as required.
func schemaFromSnapshot(snap *record.Snapshot) *Schema {
	var descs []models.Descriptor
	byOwner := make(map[string][]string)
	for name, st := range snap.Sections {
		if st.Owner == record.SeedOwner {
			continue
		}
		owner := st.Owner
		if owner == "" {
			owner = st.EmptyBy
		}
		byOwner[owner] = append(byOwner[owner], name)
	}
	for owner, secs := range byOwner {
		sort.Strings(secs)
		descs = append(descs, models.Descriptor{Name: owner, Produces: secs})
	}
	return DeriveSchema(descs)
}

// round keeps four decimal places so encoded floats are stable and readable.
func round(v float64) float64 {
	return math.Round(v*10000) / 10000
}
