package catalog

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ShayCichocki/diligence/internal/agent"
	"github.com/ShayCichocki/diligence/internal/record"
	"github.com/ShayCichocki/diligence/pkg/models"
)

// Behaviour scripts a fixture agent.
type Behaviour struct {
	// Writes are committed through the writer as soon as the agent starts,
	// so they survive a later timeout.
	Writes map[string]any `yaml:"writes"`
	// Delay is how long the agent works before returning.
	Delay time.Duration `yaml:"delay"`
	// Output is returned in the envelope and committed on success.
	Output map[string]any `yaml:"output"`
	// Warnings turn a success into success-with-warnings.
	Warnings []string `yaml:"warnings"`
	// Fail makes every attempt fail permanently with this message.
	Fail string `yaml:"fail"`
	// TransientFailures is the number of leading attempts that fail transiently.
	TransientFailures int `yaml:"transient_failures"`
	// Skip makes the agent decline to run with this reason.
	Skip string `yaml:"skip"`
}

func (b Behaviour) validate() error {
	if b.Delay < 0 {
		return errors.New("delay must not be negative")
	}
	if b.TransientFailures < 0 {
		return errors.New("transient_failures must not be negative")
	}
	if b.Fail != "" && b.Skip != "" {
		return errors.New("fail and skip are mutually exclusive")
	}
	return nil
}

// Fixture is a scripted agent. Attempts are counted across every job the
// agent runs in.
type Fixture struct {
	desc models.Descriptor
	b    Behaviour

	mu       sync.Mutex
	attempts int
}

// NewFixture builds a scripted agent.
func NewFixture(desc models.Descriptor, b Behaviour) *Fixture {
	return &Fixture{desc: desc, b: b}
}

// Descriptor returns the static metadata.
func (f *Fixture) Descriptor() models.Descriptor { return f.desc }

// Prepare requires every declared input.
func (f *Fixture) Prepare(view record.Reader) []string {
	return agent.RequiredInputs(f.desc, view)
}

// Attempts returns how many times Execute has been called.
func (f *Fixture) Attempts() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.attempts
}

// Execute plays the script.
func (f *Fixture) Execute(ctx context.Context, _ record.Reader, w record.Writer) models.Envelope {
	f.mu.Lock()
	f.attempts++
	attempt := f.attempts
	f.mu.Unlock()

	if f.b.Skip != "" {
		return models.Skipped(f.b.Skip)
	}

	for _, section := range sortedKeys(f.b.Writes) {
		if err := w.Set(section, f.b.Writes[section]); err != nil {
			return models.Failure(err, nil)
		}
	}

	if f.b.Delay > 0 {
		timer := time.NewTimer(f.b.Delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return models.Failure(ctx.Err(), nil)
		case <-timer.C:
		}
	}

	if attempt <= f.b.TransientFailures {
		return models.Failure(agent.Transient(fmt.Errorf("%s: attempt %d failed transiently", f.desc.Name, attempt)), nil)
	}
	if f.b.Fail != "" {
		return models.Failure(agent.Permanent(errors.New(f.b.Fail)), nil)
	}

	env := models.Success(cloneMap(f.b.Output))
	for _, w := range f.b.Warnings {
		env.Warn("%s", w)
	}
	return env
}

// cloneMap copies the top level so envelope normalisation cannot touch the script.
func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

var _ agent.Agent = (*Fixture)(nil)
