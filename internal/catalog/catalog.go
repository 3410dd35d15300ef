// Package catalog loads a declarative agent catalogue from YAML and turns it
// into registered agents.
//
// A catalogue lists descriptors plus a behaviour block. Fixture agents return
// fixed outputs after an optional delay and can be told to fail. Narrative
// agents call the text-generation client and command agents run an external
// program:
//
//	agents:
//	  - name: financials
//	    produces: [financials]
//	    critical: true
//	    timeout: 2s
//	    behaviour:
//	      delay: 100ms
//	      output:
//	        financials: {revenue: 1200000}
//	  - name: narrative
//	    kind: narrative
//	    requires: [financials]
//	    produces: [narrative]
//	  - name: market
//	    kind: command
//	    requires: [company]
//	    produces: [market]
//	    command:
//	      argv: [./bin/market-scan, --region, eu]
package catalog

import (
	"errors"
	"fmt"
	"os"
	"sort"

	"go.yaml.in/yaml/v3"

	"github.com/ShayCichocki/diligence/internal/agent"
	"github.com/ShayCichocki/diligence/internal/exec"
	"github.com/ShayCichocki/diligence/internal/narrate"
	"github.com/ShayCichocki/diligence/pkg/models"
)

// Agent kinds.
const (
	KindFixture   = "fixture"
	KindNarrative = "narrative"
	KindCommand   = "command"
)

// ErrNoCompleter is returned when a catalogue has narrative agents but no client was supplied.
var ErrNoCompleter = errors.New("narrative agents need a text-generation client")

// Catalog is a parsed catalogue file.
type Catalog struct {
	Agents []Entry `yaml:"agents"`
}

// Entry is one agent: its descriptor plus how it behaves.
type Entry struct {
	models.Descriptor `yaml:",inline"`
	Kind              string       `yaml:"kind"`
	Behaviour         Behaviour    `yaml:"behaviour"`
	Command           exec.Command `yaml:"command"`
}

// Parse decodes and validates a catalogue.
func Parse(data []byte) (*Catalog, error) {
	var c Catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parse catalog: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Load reads a catalogue file.
func Load(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}
	return Parse(data)
}

// Validate checks every entry and rejects duplicate names.
func (c *Catalog) Validate() error {
	if len(c.Agents) == 0 {
		return errors.New("catalog has no agents")
	}
	seen := make(map[string]bool, len(c.Agents))
	for i := range c.Agents {
		e := &c.Agents[i]
		if e.Kind == "" {
			e.Kind = KindFixture
		}
		if err := e.Descriptor.Validate(); err != nil {
			return fmt.Errorf("catalog entry %d: %w", i, err)
		}
		if seen[e.Name] {
			return fmt.Errorf("catalog: duplicate agent %s", e.Name)
		}
		seen[e.Name] = true

		switch e.Kind {
		case KindFixture:
			if err := e.Behaviour.validate(); err != nil {
				return fmt.Errorf("catalog agent %s: %w", e.Name, err)
			}
		case KindNarrative:
			if len(e.Produces) == 0 {
				return fmt.Errorf("catalog agent %s: narrative agents must produce a section", e.Name)
			}
		case KindCommand:
			if len(e.Command.Argv) == 0 {
				return fmt.Errorf("catalog agent %s: command agents need command.argv", e.Name)
			}
		default:
			return fmt.Errorf("catalog agent %s: unknown kind %q", e.Name, e.Kind)
		}
	}
	return nil
}

// Names returns the agent names in catalogue order.
func (c *Catalog) Names() []string {
	out := make([]string, len(c.Agents))
	for i, e := range c.Agents {
		out[i] = e.Name
	}
	return out
}

// HasNarrative reports whether any entry needs a text-generation client.
func (c *Catalog) HasNarrative() bool {
	for _, e := range c.Agents {
		if e.Kind == KindNarrative {
			return true
		}
	}
	return false
}

// Registry builds a registry holding every catalogue agent. completer may be
// nil when the catalogue has no narrative agents.
func (c *Catalog) Registry(completer narrate.Completer) (*agent.Registry, error) {
	reg := agent.NewRegistry()
	for _, e := range c.Agents {
		a, err := e.build(completer)
		if err != nil {
			return nil, err
		}
		if err := reg.Register(a); err != nil {
			return nil, err
		}
	}
	return reg, nil
}

func (e Entry) build(completer narrate.Completer) (agent.Agent, error) {
	switch e.Kind {
	case KindNarrative:
		if completer == nil {
			return nil, fmt.Errorf("%w: %s", ErrNoCompleter, e.Name)
		}
		return narrate.NewAgent(e.Descriptor, completer)
	case KindCommand:
		return exec.NewAgent(e.Descriptor, e.Command, nil)
	default:
		return NewFixture(e.Descriptor, e.Behaviour), nil
	}
}

// LoadSeed reads a YAML map of section name to value.
func LoadSeed(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read seed: %w", err)
	}
	var seed map[string]any
	if err := yaml.Unmarshal(data, &seed); err != nil {
		return nil, fmt.Errorf("parse seed: %w", err)
	}
	return seed, nil
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
