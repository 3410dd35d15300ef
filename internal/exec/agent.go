package exec

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"github.com/ShayCichocki/diligence/internal/agent"
	"github.com/ShayCichocki/diligence/internal/record"
	"github.com/ShayCichocki/diligence/pkg/models"
)

// ExitTempFail is the exit status that marks a failure as transient.
const ExitTempFail = 75

// maxStderr bounds how much stderr is kept in a failure message.
const maxStderr = 512

// Command describes the program behind a command agent.
type Command struct {
	// Argv is the program and its arguments.
	Argv []string `yaml:"argv"`
	// Dir is the working directory. Empty uses the current directory.
	Dir string `yaml:"dir"`
}

// result is the JSON a command prints on stdout.
type result struct {
	Output   map[string]any `json:"output"`
	Warnings []string       `json:"warnings"`
	Skip     string         `json:"skip"`
}

// Agent runs an external program for each attempt.
type Agent struct {
	desc   models.Descriptor
	cmd    Command
	runner CommandRunner
}

// NewAgent builds a command agent. A nil runner uses ExecRunner.
func NewAgent(desc models.Descriptor, cmd Command, runner CommandRunner) (*Agent, error) {
	if len(cmd.Argv) == 0 || cmd.Argv[0] == "" {
		return nil, fmt.Errorf("command agent %s has no argv", desc.Name)
	}
	if runner == nil {
		runner = NewRunner()
	}
	return &Agent{desc: desc, cmd: cmd, runner: runner}, nil
}

// Descriptor returns the static metadata.
func (a *Agent) Descriptor() models.Descriptor { return a.desc }

// Prepare requires every declared input.
func (a *Agent) Prepare(view record.Reader) []string {
	return agent.RequiredInputs(a.desc, view)
}

// Execute feeds the input sections to the program and decodes its result.
func (a *Agent) Execute(ctx context.Context, view record.Reader, w record.Writer) models.Envelope {
	input := make(map[string]any, len(a.desc.Requires))
	for _, section := range a.desc.Requires {
		v, err := view.Get(section)
		if err != nil {
			return models.Failure(agent.Permanent(fmt.Errorf("read section %s: %w", section, err)), nil)
		}
		input[section] = v
	}
	stdin, err := json.Marshal(input)
	if err != nil {
		return models.Failure(agent.Permanent(fmt.Errorf("encode input: %w", err)), nil)
	}

	stdout, stderr, err := a.runner.Run(ctx, a.cmd.Dir, stdin, a.cmd.Argv[0], a.cmd.Argv[1:]...)
	if ctxErr := ctx.Err(); ctxErr != nil {
		return models.Failure(ctxErr, nil)
	}
	if err != nil {
		return models.Failure(classifyExit(err, stderr), nil)
	}

	var res result
	if err := json.Unmarshal(stdout, &res); err != nil {
		return models.Failure(agent.Permanent(fmt.Errorf("decode %s output: %w", a.cmd.Argv[0], err)), nil)
	}
	if res.Skip != "" {
		return models.Skipped(res.Skip)
	}
	env := models.Success(res.Output)
	for _, warn := range res.Warnings {
		env.Warn("%s", warn)
	}
	return env
}

// classifyExit maps a failed run onto the retry taxonomy.
func classifyExit(err error, stderr []byte) error {
	msg := strings.TrimSpace(string(stderr))
	if len(msg) > maxStderr {
		msg = msg[:maxStderr] + "..."
	}
	if msg != "" {
		err = fmt.Errorf("%w: %s", err, msg)
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && exitErr.ExitCode() == ExitTempFail {
		return agent.Transient(err)
	}
	return agent.Permanent(err)
}

var _ agent.Agent = (*Agent)(nil)
