package exec

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/ShayCichocki/diligence/internal/agent"
	"github.com/ShayCichocki/diligence/internal/record"
	"github.com/ShayCichocki/diligence/pkg/models"
)

// fakeRunner records the call and returns canned output.
type fakeRunner struct {
	stdout, stderr []byte
	err            error

	gotDir   string
	gotStdin []byte
	gotName  string
	gotArgs  []string
}

func (f *fakeRunner) Run(ctx context.Context, workDir string, stdin []byte, name string, args ...string) ([]byte, []byte, error) {
	f.gotDir, f.gotStdin, f.gotName, f.gotArgs = workDir, stdin, name, args
	return f.stdout, f.stderr, f.err
}

func newStore(t *testing.T, seed map[string]any, descs ...models.Descriptor) *record.Store {
	t.Helper()
	s := record.New(descs)
	for k, v := range seed {
		if err := s.Seed(k, v); err != nil {
			t.Fatalf("seed %s: %v", k, err)
		}
	}
	return s
}

var marketDesc = models.Descriptor{
	Name:     "market",
	Requires: []string{"company"},
	Produces: []string{"market"},
}

func TestNewAgent_RequiresArgv(t *testing.T) {
	if _, err := NewAgent(marketDesc, Command{}, nil); err == nil {
		t.Error("expected error for empty argv")
	}
}

func TestAgent_Execute(t *testing.T) {
	runner := &fakeRunner{stdout: []byte(`{"output":{"market":{"size":42}},"warnings":["stale data"]}`)}
	a, err := NewAgent(marketDesc, Command{Argv: []string{"market-tool", "--fast"}, Dir: "/work"}, runner)
	if err != nil {
		t.Fatal(err)
	}
	store := newStore(t, map[string]any{"company": "Acme"}, marketDesc)

	if missing := a.Prepare(store); len(missing) != 0 {
		t.Fatalf("Prepare() = %v, want none missing", missing)
	}
	env := a.Execute(context.Background(), store, store.WriterFor("market"))

	if env.Status != models.AgentStatusSuccessWithWarnings {
		t.Errorf("status = %s, want success_with_warnings", env.Status)
	}
	if diff := cmp.Diff(map[string]any{"market": map[string]any{"size": float64(42)}}, env.Data); diff != "" {
		t.Errorf("data mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"stale data"}, env.Warnings); diff != "" {
		t.Errorf("warnings mismatch (-want +got):\n%s", diff)
	}
	if runner.gotName != "market-tool" || runner.gotDir != "/work" {
		t.Errorf("ran %s in %q", runner.gotName, runner.gotDir)
	}
	if diff := cmp.Diff([]string{"--fast"}, runner.gotArgs); diff != "" {
		t.Errorf("args mismatch (-want +got):\n%s", diff)
	}
	if got := string(runner.gotStdin); got != `{"company":"Acme"}` {
		t.Errorf("stdin = %s", got)
	}
}

func TestAgent_Execute_Outcomes(t *testing.T) {
	tests := []struct {
		name       string
		runner     *fakeRunner
		wantStatus models.AgentStatus
		transient  bool
	}{
		{
			name:       "skip requested",
			runner:     &fakeRunner{stdout: []byte(`{"skip":"no public data"}`)},
			wantStatus: models.AgentStatusSkipped,
		},
		{
			name:       "malformed output",
			runner:     &fakeRunner{stdout: []byte(`not json`)},
			wantStatus: models.AgentStatusFailed,
		},
		{
			name:       "plain error",
			runner:     &fakeRunner{err: errors.New("boom"), stderr: []byte("trace")},
			wantStatus: models.AgentStatusFailed,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, err := NewAgent(marketDesc, Command{Argv: []string{"tool"}}, tt.runner)
			if err != nil {
				t.Fatal(err)
			}
			store := newStore(t, map[string]any{"company": "Acme"}, marketDesc)
			env := a.Execute(context.Background(), store, store.WriterFor("market"))
			if env.Status != tt.wantStatus {
				t.Errorf("status = %s, want %s", env.Status, tt.wantStatus)
			}
			if env.Status == models.AgentStatusFailed && agent.IsTransient(env.Err) != tt.transient {
				t.Errorf("IsTransient = %v, want %v", agent.IsTransient(env.Err), tt.transient)
			}
		})
	}
}

func TestAgent_Execute_CancelledContext(t *testing.T) {
	a, err := NewAgent(marketDesc, Command{Argv: []string{"tool"}}, &fakeRunner{err: errors.New("killed")})
	if err != nil {
		t.Fatal(err)
	}
	store := newStore(t, map[string]any{"company": "Acme"}, marketDesc)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	env := a.Execute(ctx, store, store.WriterFor("market"))
	if !errors.Is(env.Err, context.Canceled) {
		t.Errorf("Err = %v, want context.Canceled", env.Err)
	}
}

func TestExecRunner_ExitCodes(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	dir := t.TempDir()
	script := filepath.Join(dir, "tool.sh")
	body := "#!/bin/sh\nread input\ncase \"$input\" in\n  *retry*) echo 'busy' >&2; exit 75;;\n  *fail*) echo 'bad input' >&2; exit 2;;\nesac\necho '{\"output\":{\"market\":'\"$input\"'}}'\n"
	if err := os.WriteFile(script, []byte(body), 0755); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		company    string
		wantStatus models.AgentStatus
		transient  bool
	}{
		{"Acme", models.AgentStatusSuccess, false},
		{"retry", models.AgentStatusFailed, true},
		{"fail", models.AgentStatusFailed, false},
	}
	for _, tt := range tests {
		t.Run(tt.company, func(t *testing.T) {
			a, err := NewAgent(marketDesc, Command{Argv: []string{"sh", script}}, nil)
			if err != nil {
				t.Fatal(err)
			}
			store := newStore(t, map[string]any{"company": tt.company}, marketDesc)
			env := a.Execute(context.Background(), store, store.WriterFor("market"))
			if env.Status != tt.wantStatus {
				t.Fatalf("status = %s (%v), want %s", env.Status, env.Errors, tt.wantStatus)
			}
			if tt.wantStatus == models.AgentStatusFailed && agent.IsTransient(env.Err) != tt.transient {
				t.Errorf("IsTransient = %v, want %v", agent.IsTransient(env.Err), tt.transient)
			}
		})
	}
}
