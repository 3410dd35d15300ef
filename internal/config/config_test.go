package config

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.Orchestrator.DefaultTimeout != 5*time.Minute {
		t.Errorf("expected default timeout 5m, got %v", cfg.Orchestrator.DefaultTimeout)
	}
	if cfg.Orchestrator.Grace != 5*time.Second {
		t.Errorf("expected grace 5s, got %v", cfg.Orchestrator.Grace)
	}
	if cfg.Orchestrator.DefaultCapacity != 1 {
		t.Errorf("expected default capacity 1, got %d", cfg.Orchestrator.DefaultCapacity)
	}
	if cfg.TUI.RefreshRate != 100*time.Millisecond {
		t.Errorf("expected refresh rate 100ms, got %v", cfg.TUI.RefreshRate)
	}
	if cfg.Logging.Level != "info" {
		t.Errorf("expected log level info, got %q", cfg.Logging.Level)
	}
}

func TestLoadFromPath(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	configContent := `
anthropic:
  api_key: test-key
  model: claude-3-5-haiku-latest
orchestrator:
  default_timeout: 45s
  grace: 2s
  groups:
    provider: 2
  job_deadline: true
synthesis:
  schema_path: schema.yaml
state:
  path: /tmp/d.db
tui:
  refresh_rate: 200ms
`
	if err := os.WriteFile(configPath, []byte(configContent), 0644); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}

	cfg, err := LoadFromPath(configPath)
	if err != nil {
		t.Fatalf("LoadFromPath failed: %v", err)
	}

	if cfg.Anthropic.APIKey != "test-key" {
		t.Errorf("expected api_key 'test-key', got %q", cfg.Anthropic.APIKey)
	}
	if cfg.Orchestrator.DefaultTimeout != 45*time.Second {
		t.Errorf("expected default timeout 45s, got %v", cfg.Orchestrator.DefaultTimeout)
	}
	if cfg.Orchestrator.Grace != 2*time.Second {
		t.Errorf("expected grace 2s, got %v", cfg.Orchestrator.Grace)
	}
	if cfg.Orchestrator.Groups["provider"] != 2 {
		t.Errorf("expected provider capacity 2, got %v", cfg.Orchestrator.Groups)
	}
	if !cfg.Orchestrator.JobDeadline {
		t.Error("expected job_deadline true")
	}
	if cfg.Synthesis.SchemaPath != "schema.yaml" {
		t.Errorf("expected schema path, got %q", cfg.Synthesis.SchemaPath)
	}
	if cfg.TUI.RefreshRate != 200*time.Millisecond {
		t.Errorf("expected refresh rate 200ms, got %v", cfg.TUI.RefreshRate)
	}
	// Unset values keep their defaults.
	if cfg.Reconcile.ClaimTimeout != 10*time.Second {
		t.Errorf("expected default claim timeout, got %v", cfg.Reconcile.ClaimTimeout)
	}
}

func TestLoadFromPathNotFound(t *testing.T) {
	if _, err := LoadFromPath("/nonexistent/path/config.yaml"); err == nil {
		t.Error("expected error for nonexistent config file")
	}
}

func TestLoadFromPathExpandsEnv(t *testing.T) {
	t.Setenv("TEST_DILIGENCE_KEY", "sk-ant-from-env")
	configPath := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(configPath, []byte("anthropic:\n  api_key: ${TEST_DILIGENCE_KEY}\n"), 0644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := LoadFromPath(configPath)
	if err != nil {
		t.Fatalf("LoadFromPath failed: %v", err)
	}
	if cfg.Anthropic.APIKey != "sk-ant-from-env" {
		t.Errorf("expected expanded key, got %q", cfg.Anthropic.APIKey)
	}
}

func TestSaveToRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")
	cfg := Default()
	cfg.Orchestrator.Groups = map[string]int{"provider": 3}
	cfg.Orchestrator.DefaultTimeout = 90 * time.Second
	cfg.Server.MetricsAddr = ":9090"

	if err := SaveTo(cfg, path); err != nil {
		t.Fatalf("SaveTo failed: %v", err)
	}
	loaded, err := LoadFromPath(path)
	if err != nil {
		t.Fatalf("LoadFromPath failed: %v", err)
	}
	if loaded.Orchestrator.DefaultTimeout != 90*time.Second {
		t.Errorf("default timeout = %v", loaded.Orchestrator.DefaultTimeout)
	}
	if loaded.Orchestrator.Groups["provider"] != 3 {
		t.Errorf("groups = %v", loaded.Orchestrator.Groups)
	}
	if loaded.Server.MetricsAddr != ":9090" {
		t.Errorf("metrics addr = %q", loaded.Server.MetricsAddr)
	}
}

func TestGetUserConfigPathXDG(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", "/custom/config")
	want := filepath.Join("/custom/config", "diligence", "config.yaml")
	if got := GetUserConfigPath(); got != want {
		t.Errorf("GetUserConfigPath() = %q, want %q", got, want)
	}
}

func TestFindProjectConfig(t *testing.T) {
	root := t.TempDir()
	nested := filepath.Join(root, "a", "b")
	if err := os.MkdirAll(nested, 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(root, ".diligence.yaml"), []byte("{}"), 0644); err != nil {
		t.Fatal(err)
	}

	orig, _ := os.Getwd()
	defer func() { _ = os.Chdir(orig) }()
	if err := os.Chdir(nested); err != nil {
		t.Fatal(err)
	}

	got := GetProjectConfigPath()
	if !strings.HasSuffix(got, ".diligence.yaml") {
		t.Errorf("GetProjectConfigPath() = %q", got)
	}
}

func TestParseJobOptions(t *testing.T) {
	opts, err := ParseJobOptions(map[string]string{
		"timeout.financial":   "30s",
		"retries.market":      "3",
		"group.provider":      "2",
		"threshold.valuation": "0.5",
		"mandatory":           "financial, valuation",
		"grace":               "1s",
		"reconcile.timeout":   "250ms",
		"job_deadline":        "true",
		"currency":            "EUR",
	})
	if err != nil {
		t.Fatalf("ParseJobOptions: %v", err)
	}

	if opts.Timeouts["financial"] != 30*time.Second {
		t.Errorf("timeouts = %v", opts.Timeouts)
	}
	if opts.Retries["market"] != 3 {
		t.Errorf("retries = %v", opts.Retries)
	}
	if opts.GroupCapacity["provider"] != 2 {
		t.Errorf("groups = %v", opts.GroupCapacity)
	}
	if opts.Thresholds["valuation"] != 0.5 {
		t.Errorf("thresholds = %v", opts.Thresholds)
	}
	if diff := cmp.Diff([]string{"financial", "valuation"}, opts.Mandatory); diff != "" {
		t.Errorf("mandatory (-want +got):\n%s", diff)
	}
	if opts.Grace != time.Second || opts.ReconcileTimeout != 250*time.Millisecond {
		t.Errorf("grace=%v reconcile=%v", opts.Grace, opts.ReconcileTimeout)
	}
	if opts.JobDeadline == nil || !*opts.JobDeadline {
		t.Error("expected job_deadline true")
	}
	if diff := cmp.Diff([]string{"currency"}, opts.Unknown); diff != "" {
		t.Errorf("unknown (-want +got):\n%s", diff)
	}
}

func TestParseJobOptionsErrors(t *testing.T) {
	tests := []struct {
		name string
		key  string
		val  string
	}{
		{"bad duration", "timeout.financial", "soon"},
		{"negative duration", "grace", "-1s"},
		{"zero retries", "retries.market", "0"},
		{"bad capacity", "group.provider", "many"},
		{"threshold range", "threshold.valuation", "1.5"},
		{"bad bool", "job_deadline", "perhaps"},
		{"empty suffix", "timeout.", "1s"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParseJobOptions(map[string]string{tt.key: tt.val}); err == nil {
				t.Errorf("expected error for %s=%s", tt.key, tt.val)
			}
		})
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"WARN", slog.LevelWarn},
		{"error", slog.LevelError},
		{"", slog.LevelInfo},
		{"verbose", slog.LevelInfo},
	}
	for _, tt := range tests {
		if got := ParseLevel(tt.in); got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestSetupLoggerWithWriters(t *testing.T) {
	var text, js bytes.Buffer
	logger := SetupLoggerWithWriters(&text, &js, slog.LevelInfo)
	logger.Debug("hidden")
	logger.Info("job started", "job", "j1")

	if !strings.Contains(text.String(), "job started") || strings.Contains(text.String(), "hidden") {
		t.Errorf("text output = %q", text.String())
	}
	if !strings.Contains(js.String(), `"job":"j1"`) {
		t.Errorf("json output = %q", js.String())
	}
}

func TestSetupLoggerFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "diligence.log")
	logger, cleanup := SetupLogger(path, slog.LevelInfo)
	logger.Info("written to file")
	if err := cleanup(); err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	if !strings.Contains(string(data), "written to file") {
		t.Errorf("log file = %q", data)
	}
}

func TestGetAPIKey(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "")
	if _, src, err := GetAPIKey(nil); err != ErrNoAPIKey || src != KeySourceNone {
		t.Errorf("GetAPIKey(nil) = %v, %v", src, err)
	}

	cfg := Default()
	cfg.Anthropic.APIKey = "sk-ant-config-key-123456"
	if key, src, err := GetAPIKey(cfg); err != nil || src != KeySourceConfig || key != cfg.Anthropic.APIKey {
		t.Errorf("config key = %q, %v, %v", key, src, err)
	}

	t.Setenv("ANTHROPIC_API_KEY", "sk-ant-env-key-1234567")
	if key, src, _ := GetAPIKey(cfg); src != KeySourceEnv || key != "sk-ant-env-key-1234567" {
		t.Errorf("env key = %q, %v", key, src)
	}
}

func TestValidateAndMaskAPIKey(t *testing.T) {
	if err := ValidateAPIKey("sk-ant-abcdefghijklmnop"); err != nil {
		t.Errorf("valid key rejected: %v", err)
	}
	for _, bad := range []string{"", "not-a-key-at-all-really", "sk-ant-short"} {
		if err := ValidateAPIKey(bad); err == nil {
			t.Errorf("ValidateAPIKey(%q) accepted", bad)
		}
	}
	if got := MaskAPIKey("sk-ant-abcdefghijklmnop"); got != "sk-ant-...mnop" {
		t.Errorf("MaskAPIKey = %q", got)
	}
	if got := MaskAPIKey(""); got != "(not set)" {
		t.Errorf("MaskAPIKey(empty) = %q", got)
	}
}
