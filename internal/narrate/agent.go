package narrate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/ShayCichocki/diligence/internal/agent"
	"github.com/ShayCichocki/diligence/internal/record"
	"github.com/ShayCichocki/diligence/pkg/models"
)

const systemPrompt = `You write the narrative section of a due-diligence report.
You are given analysis sections as JSON. Summarise what they establish in plain prose.
Do not invent figures that are not in the input. Mention missing or partial sections.`

// maxSectionBytes bounds each input section in the prompt.
const maxSectionBytes = 16 * 1024

// Agent writes a prose summary of its input sections into its first output section.
type Agent struct {
	desc      models.Descriptor
	completer Completer
	model     string
}

// NewAgent builds a narrative agent. The descriptor must declare at least one
// output section; the narrative is written to the first.
func NewAgent(desc models.Descriptor, completer Completer) (*Agent, error) {
	if len(desc.Produces) == 0 {
		return nil, fmt.Errorf("narrative agent %s declares no output section", desc.Name)
	}
	if completer == nil {
		return nil, errors.New("narrative agent needs a completer")
	}
	a := &Agent{desc: desc, completer: completer}
	if c, ok := completer.(*Client); ok {
		a.model = string(c.Model())
	}
	return a, nil
}

// Descriptor returns the static metadata.
func (a *Agent) Descriptor() models.Descriptor { return a.desc }

// Prepare requires every declared input.
func (a *Agent) Prepare(view record.Reader) []string {
	return agent.RequiredInputs(a.desc, view)
}

// Execute renders the prompt and stores the completion.
func (a *Agent) Execute(ctx context.Context, view record.Reader, w record.Writer) models.Envelope {
	prompt, err := buildPrompt(a.desc.Requires, view)
	if err != nil {
		return models.Failure(agent.Permanent(err), nil)
	}

	text, err := a.completer.Complete(ctx, systemPrompt, prompt)
	if err != nil {
		return models.Failure(err, nil)
	}

	out := map[string]any{"text": strings.TrimSpace(text)}
	if a.model != "" {
		out["model"] = a.model
	}
	return models.Success(map[string]any{a.desc.Produces[0]: out})
}

// buildPrompt renders each input section as indented JSON, sorted by name.
func buildPrompt(sections []string, view record.Reader) (string, error) {
	names := append([]string(nil), sections...)
	sort.Strings(names)

	var b strings.Builder
	b.WriteString("Analysis sections:\n")
	for _, name := range names {
		v, err := view.Get(name)
		if err != nil {
			return "", fmt.Errorf("read section %s: %w", name, err)
		}
		raw, err := json.MarshalIndent(v, "", "  ")
		if err != nil {
			return "", fmt.Errorf("encode section %s: %w", name, err)
		}
		if len(raw) > maxSectionBytes {
			raw = append(raw[:maxSectionBytes], "\n... (truncated)"...)
		}
		fmt.Fprintf(&b, "\n## %s\n%s\n", name, raw)
	}
	return b.String(), nil
}

var _ agent.Agent = (*Agent)(nil)
