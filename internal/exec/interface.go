// Package exec runs external analysis programs as agents.
//
// A command agent is any executable that reads its input sections as a JSON
// object on stdin and prints a JSON result on stdout:
//
//	{"output": {"market": {...}}, "warnings": ["stale data"]}
//
// A non-zero exit fails the attempt. Exit status 75 (EX_TEMPFAIL) marks the
// failure transient so idempotent agents are retried.
package exec

import (
	"context"
)

// CommandRunner defines the interface for running external commands.
// This abstraction allows mocking command execution in tests.
type CommandRunner interface {
	// Run executes a command with stdin attached and returns stdout and stderr
	// separately. The working directory is set to workDir if non-empty.
	Run(ctx context.Context, workDir string, stdin []byte, name string, args ...string) (stdout, stderr []byte, err error)
}
