package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/fatih/color"
	"github.com/google/go-cmp/cmp"

	"github.com/ShayCichocki/diligence/internal/config"
	"github.com/ShayCichocki/diligence/internal/graph"
	"github.com/ShayCichocki/diligence/internal/orchestrator"
	"github.com/ShayCichocki/diligence/pkg/models"
)

func init() {
	color.NoColor = true
}

func TestSplitList(t *testing.T) {
	tests := []struct {
		name string
		in   []string
		want []string
	}{
		{"single", []string{"financials"}, []string{"financials"}},
		{"comma separated", []string{"financials,legal"}, []string{"financials", "legal"}},
		{"mixed with blanks", []string{"a, b", "", " c ,"}, []string{"a", "b", "c"}},
		{"empty", nil, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if diff := cmp.Diff(tt.want, splitList(tt.in)); diff != "" {
				t.Errorf("splitList(%q) mismatch (-want +got):\n%s", tt.in, diff)
			}
		})
	}
}

func TestBuildSubmission(t *testing.T) {
	dir := t.TempDir()
	seed := filepath.Join(dir, "seed.yaml")
	if err := os.WriteFile(seed, []byte("company:\n  name: Acme\n"), 0644); err != nil {
		t.Fatal(err)
	}

	sub, err := buildSubmission([]string{"financials,legal"}, []string{"acme"}, map[string]string{"grace": "1s"}, seed)
	if err != nil {
		t.Fatalf("buildSubmission: %v", err)
	}
	want := models.Submission{
		SubjectIDs:        []string{"acme"},
		RequestedAnalyses: []string{"financials", "legal"},
		Options:           map[string]string{"grace": "1s"},
		Seed:              map[string]any{"company": map[string]any{"name": "Acme"}},
	}
	if diff := cmp.Diff(want, sub); diff != "" {
		t.Errorf("submission mismatch (-want +got):\n%s", diff)
	}

	if _, err := buildSubmission([]string{" , "}, nil, nil, ""); err == nil {
		t.Error("expected error for empty analysis list")
	}
	if _, err := buildSubmission([]string{"a"}, nil, nil, filepath.Join(dir, "missing.yaml")); err == nil {
		t.Error("expected error for missing seed file")
	}
}

func TestBuildRegistry(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "agents.yaml")
	catalog := `agents:
  - name: financials
    produces: [financials]
    behaviour:
      output:
        financials: {revenue: 100}
`
	if err := os.WriteFile(path, []byte(catalog), 0644); err != nil {
		t.Fatal(err)
	}

	reg, err := buildRegistry(config.Default(), path)
	if err != nil {
		t.Fatalf("buildRegistry: %v", err)
	}
	if reg.Len() != 1 {
		t.Errorf("registry has %d agents, want 1", reg.Len())
	}

	if _, err := buildRegistry(config.Default(), ""); err == nil {
		t.Error("expected error without a catalogue path")
	}
}

func TestConfigValues(t *testing.T) {
	cfg := config.Default()

	tests := []struct {
		key   string
		value string
	}{
		{"anthropic.model", "claude-sonnet-4-20250514"},
		{"anthropic.max_tokens", "4096"},
		{"anthropic.use_bedrock", "true"},
		{"orchestrator.default_timeout", "45s"},
		{"orchestrator.default_capacity", "4"},
		{"orchestrator.job_deadline", "true"},
		{"reconcile.claim_timeout", "2s"},
		{"tui.refresh_rate", "250ms"},
		{"signals.dir", "/tmp/signals"},
		{"Catalog.Path", "agents.yaml"},
	}
	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			if err := setConfigValue(cfg, tt.key, tt.value); err != nil {
				t.Fatalf("setConfigValue(%q): %v", tt.key, err)
			}
			got, err := getConfigValue(cfg, tt.key)
			if err != nil {
				t.Fatalf("getConfigValue(%q): %v", tt.key, err)
			}
			if got != tt.value {
				t.Errorf("getConfigValue(%q) = %q, want %q", tt.key, got, tt.value)
			}
		})
	}
}

func TestConfigValues_Errors(t *testing.T) {
	cfg := config.Default()
	bad := map[string]string{
		"orchestrator.grace":        "soon",
		"reconcile.concurrency":     "many",
		"orchestrator.job_deadline": "maybe",
		"no.such.key":               "x",
	}
	for key, value := range bad {
		if err := setConfigValue(cfg, key, value); err == nil {
			t.Errorf("setConfigValue(%q, %q) succeeded, want error", key, value)
		}
	}
	if _, err := getConfigValue(cfg, "no.such.key"); err == nil {
		t.Error("getConfigValue accepted an unknown key")
	}
}

func TestConfigValues_MasksAPIKey(t *testing.T) {
	cfg := config.Default()
	cfg.Anthropic.APIKey = "sk-ant-REDACTED"
	got, err := getConfigValue(cfg, "anthropic.api_key")
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(got, "abcdefghijkl") {
		t.Errorf("api key not masked: %q", got)
	}

	var buf bytes.Buffer
	displayAllConfig(&buf, cfg)
	if strings.Contains(buf.String(), "abcdefghijkl") {
		t.Error("displayAllConfig printed the raw api key")
	}
	if lines := strings.Count(buf.String(), "\n"); lines != len(configKeys) {
		t.Errorf("displayAllConfig printed %d lines, want %d", lines, len(configKeys))
	}
}

func TestPrintSummary(t *testing.T) {
	res := &orchestrator.Result{
		Job: models.Job{
			ID:       "job-1",
			State:    models.JobCompletedWithWarnings,
			Message:  "job job-1 completed_with_warnings: legal=failed",
			Warnings: []string{"option foo not recognised"},
		},
		Findings: []models.Finding{
			{ClaimPath: "financials.revenue", Status: "aligned", AlignmentScore: 1},
			{ClaimPath: "financials.ebitda", Status: "divergent", AlignmentScore: 0.4, Note: "off by 60%"},
		},
	}

	var buf bytes.Buffer
	printSummary(&buf, res)
	out := buf.String()

	for _, want := range []string{
		"Job completed with warnings",
		"legal=failed",
		"warning: option foo not recognised",
		"Reconciliation:",
		"off by 60%",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("summary missing %q:\n%s", want, out)
		}
	}
	if strings.Index(out, "financials.ebitda") > strings.Index(out, "financials.revenue") {
		t.Errorf("findings not sorted by claim path:\n%s", out)
	}
}

func TestConsoleSink(t *testing.T) {
	var buf bytes.Buffer
	sink := consoleSink(&buf)

	sink.Publish(models.Event{Kind: models.EventJob, NewState: models.JobRunning})
	sink.Publish(models.Event{Kind: models.EventAgent, Agent: "financials", NewStatus: models.AgentStatusRunning})
	sink.Publish(models.Event{Kind: models.EventAgent, Agent: "financials", NewStatus: models.AgentStatusSuccess})
	sink.Publish(models.Event{Kind: models.EventAgent, Agent: "legal", NewStatus: models.AgentStatusTimedOut, Message: "deadline exceeded"})

	got := strings.Split(strings.TrimSpace(buf.String()), "\n")
	want := []string{
		"✓ financials",
		"✗ legal timed_out: deadline exceeded",
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("console output mismatch (-want +got):\n%s", diff)
	}
}

func TestPrintPlan(t *testing.T) {
	descs := []models.Descriptor{
		{Name: "financials", Produces: []string{"financials"}, Timeout: 10 * time.Second},
		{Name: "valuation", Requires: []string{"financials"}, Produces: []string{"valuation"}, Group: "llm"},
		{Name: "market", Requires: []string{"competitors"}, Produces: []string{"market"}},
	}
	plan, err := graph.Resolve([]string{"financials", "valuation", "market"}, descs, graph.ResolveOptions{})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	cfg := config.Default()
	cfg.Orchestrator.DefaultTimeout = 20 * time.Second
	opts, err := config.ParseJobOptions(map[string]string{"timeout.valuation": "5s"})
	if err != nil {
		t.Fatal(err)
	}

	var buf bytes.Buffer
	printPlan(&buf, plan, cfg, opts)
	out := buf.String()

	for _, want := range []string{
		"Wave 1",
		"financials           timeout 10s",
		"valuation            timeout 5s  group llm  requires financials",
		"Skipped:",
		"missing input: competitors",
		"Budget:",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("plan output missing %q:\n%s", want, out)
		}
	}
}

func TestDescribeEvent(t *testing.T) {
	tests := []struct {
		name string
		ev   models.Event
		want string
	}{
		{
			name: "job",
			ev:   models.Event{Kind: models.EventJob, OldState: models.JobCreated, NewState: models.JobRunning},
			want: "job created -> running",
		},
		{
			name: "agent retry",
			ev: models.Event{Kind: models.EventAgent, Agent: "legal", OldStatus: models.AgentStatusRunning,
				NewStatus: models.AgentStatusRetrying, Attempt: 1, Message: "rate limited"},
			want: "legal running -> retrying (attempt 1): rate limited",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := describeEvent(tt.ev); got != tt.want {
				t.Errorf("describeEvent() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		d    time.Duration
		want string
	}{
		{30 * time.Second, "30s"},
		{5 * time.Minute, "5m"},
		{2 * time.Hour, "2h"},
		{90 * time.Minute, "1h30m"},
		{72 * time.Hour, "3d"},
	}
	for _, tt := range tests {
		if got := formatDuration(tt.d); got != tt.want {
			t.Errorf("formatDuration(%v) = %q, want %q", tt.d, got, tt.want)
		}
	}
}

func TestFirstNonEmpty(t *testing.T) {
	if got := firstNonEmpty("", "b", "c"); got != "b" {
		t.Errorf("firstNonEmpty = %q, want b", got)
	}
	if got := firstNonEmpty("", ""); got != "" {
		t.Errorf("firstNonEmpty = %q, want empty", got)
	}
}
