// Package config handles configuration loading and management for diligence.
// It supports XDG config paths, project-level overrides, and environment variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

const (
	appName           = "diligence"
	projectConfigName = ".diligence.yaml"
	envPrefix         = "DILIGENCE"
)

// Config holds all configuration for diligence.
type Config struct {
	Anthropic    AnthropicConfig    `mapstructure:"anthropic"`
	Orchestrator OrchestratorConfig `mapstructure:"orchestrator"`
	Synthesis    SynthesisConfig    `mapstructure:"synthesis"`
	Reconcile    ReconcileConfig    `mapstructure:"reconcile"`
	State        StateConfig        `mapstructure:"state"`
	Logging      LoggingConfig      `mapstructure:"logging"`
	Server       ServerConfig       `mapstructure:"server"`
	TUI          TUIConfig          `mapstructure:"tui"`
	Catalog      CatalogConfig      `mapstructure:"catalog"`
	Signals      SignalsConfig      `mapstructure:"signals"`
}

// AnthropicConfig holds settings for the narrative text-generation boundary.
type AnthropicConfig struct {
	APIKey    string `mapstructure:"api_key"`
	Model     string `mapstructure:"model"`
	MaxTokens int    `mapstructure:"max_tokens"`
	// UseBedrock routes requests through AWS Bedrock instead of the direct API.
	UseBedrock bool   `mapstructure:"use_bedrock"`
	Region     string `mapstructure:"region"`
	// BaseURL overrides the API endpoint.
	BaseURL string `mapstructure:"base_url"`
}

// OrchestratorConfig holds scheduling defaults. Job options override them per job.
type OrchestratorConfig struct {
	DefaultTimeout  time.Duration  `mapstructure:"default_timeout"`
	Grace           time.Duration  `mapstructure:"grace"`
	DefaultCapacity int            `mapstructure:"default_capacity"`
	Groups          map[string]int `mapstructure:"groups"`
	// JobDeadline bounds each job by its plan budget.
	JobDeadline     bool          `mapstructure:"job_deadline"`
	SynthesisBudget time.Duration `mapstructure:"synthesis_budget"`
	EventBuffer     int           `mapstructure:"event_buffer"`
}

// SynthesisConfig holds consolidation settings.
type SynthesisConfig struct {
	// SchemaPath points at a YAML schema. Empty derives the schema from the plan.
	SchemaPath string `mapstructure:"schema_path"`
}

// ReconcileConfig holds external reconciliation settings.
type ReconcileConfig struct {
	// ReferencePath points at YAML reference figures. Empty disables reconciliation.
	ReferencePath string        `mapstructure:"reference_path"`
	ClaimTimeout  time.Duration `mapstructure:"claim_timeout"`
	Concurrency   int           `mapstructure:"concurrency"`
}

// StateConfig holds persistence settings.
type StateConfig struct {
	Path string `mapstructure:"path"`
}

// LoggingConfig holds log settings.
type LoggingConfig struct {
	Level string `mapstructure:"level"`
	File  string `mapstructure:"file"`
}

// ServerConfig holds optional listener addresses. Empty disables the listener.
type ServerConfig struct {
	MetricsAddr   string `mapstructure:"metrics_addr"`
	WebSocketAddr string `mapstructure:"websocket_addr"`
}

// TUIConfig holds TUI display settings.
type TUIConfig struct {
	RefreshRate time.Duration `mapstructure:"refresh_rate"`
}

// CatalogConfig points at the declarative agent catalogue.
type CatalogConfig struct {
	Path string `mapstructure:"path"`
}

// SignalsConfig holds the cancel-file watcher settings.
type SignalsConfig struct {
	// Dir is watched for "<job-id>.cancel" files. Empty disables the watcher.
	Dir string `mapstructure:"dir"`
}

// Load loads configuration from XDG paths, project overrides, and environment variables.
// Precedence (highest to lowest):
// 1. Environment variables (DILIGENCE_*, ANTHROPIC_API_KEY)
// 2. Project config (.diligence.yaml in current directory or parent)
// 3. User config (~/.config/diligence/config.yaml)
// 4. Built-in defaults
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(getUserConfigDir())

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading user config: %w", err)
		}
	}

	if projectConfig := findProjectConfig(); projectConfig != "" {
		projectViper := viper.New()
		projectViper.SetConfigFile(projectConfig)
		if err := projectViper.ReadInConfig(); err == nil {
			if err := v.MergeConfigMap(projectViper.AllSettings()); err != nil {
				return nil, fmt.Errorf("merging project config: %w", err)
			}
		}
	}

	bindEnv(v)
	return decode(v)
}

// LoadFromPath loads configuration from a specific path.
func LoadFromPath(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config from %s: %w", path, err)
	}
	bindEnv(v)
	return decode(v)
}

func bindEnv(v *viper.Viper) {
	v.SetEnvPrefix(envPrefix)
	v.AutomaticEnv()
	_ = v.BindEnv("anthropic.api_key", "ANTHROPIC_API_KEY")
	_ = v.BindEnv("state.path", envPrefix+"_STATE_PATH")
	_ = v.BindEnv("logging.level", envPrefix+"_LOG_LEVEL")
}

func decode(v *viper.Viper) (*Config, error) {
	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	cfg.Anthropic.APIKey = expandEnv(cfg.Anthropic.APIKey)
	cfg.State.Path = expandHome(cfg.State.Path)
	cfg.Logging.File = expandHome(cfg.Logging.File)
	return cfg, nil
}

// Save writes cfg to the user config file.
func Save(cfg *Config) error {
	return SaveTo(cfg, GetUserConfigPath())
}

// SaveTo writes cfg to path as YAML.
func SaveTo(cfg *Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	v.Set("anthropic.api_key", cfg.Anthropic.APIKey)
	v.Set("anthropic.model", cfg.Anthropic.Model)
	v.Set("anthropic.max_tokens", cfg.Anthropic.MaxTokens)
	v.Set("anthropic.use_bedrock", cfg.Anthropic.UseBedrock)
	v.Set("anthropic.region", cfg.Anthropic.Region)
	v.Set("anthropic.base_url", cfg.Anthropic.BaseURL)
	v.Set("orchestrator.default_timeout", cfg.Orchestrator.DefaultTimeout.String())
	v.Set("orchestrator.grace", cfg.Orchestrator.Grace.String())
	v.Set("orchestrator.default_capacity", cfg.Orchestrator.DefaultCapacity)
	v.Set("orchestrator.groups", cfg.Orchestrator.Groups)
	v.Set("orchestrator.job_deadline", cfg.Orchestrator.JobDeadline)
	v.Set("orchestrator.synthesis_budget", cfg.Orchestrator.SynthesisBudget.String())
	v.Set("orchestrator.event_buffer", cfg.Orchestrator.EventBuffer)
	v.Set("synthesis.schema_path", cfg.Synthesis.SchemaPath)
	v.Set("reconcile.reference_path", cfg.Reconcile.ReferencePath)
	v.Set("reconcile.claim_timeout", cfg.Reconcile.ClaimTimeout.String())
	v.Set("reconcile.concurrency", cfg.Reconcile.Concurrency)
	v.Set("state.path", cfg.State.Path)
	v.Set("logging.level", cfg.Logging.Level)
	v.Set("logging.file", cfg.Logging.File)
	v.Set("server.metrics_addr", cfg.Server.MetricsAddr)
	v.Set("server.websocket_addr", cfg.Server.WebSocketAddr)
	v.Set("tui.refresh_rate", cfg.TUI.RefreshRate.String())
	v.Set("catalog.path", cfg.Catalog.Path)
	v.Set("signals.dir", cfg.Signals.Dir)

	return v.WriteConfig()
}

// GetUserConfigPath returns the path to the user config file.
func GetUserConfigPath() string {
	return filepath.Join(getUserConfigDir(), "config.yaml")
}

// GetProjectConfigPath returns the path to the project config file if it exists.
func GetProjectConfigPath() string {
	return findProjectConfig()
}

// setDefaults configures default values.
func setDefaults(v *viper.Viper) {
	d := Default()

	v.SetDefault("anthropic.api_key", "")
	v.SetDefault("anthropic.model", d.Anthropic.Model)
	v.SetDefault("anthropic.max_tokens", d.Anthropic.MaxTokens)
	v.SetDefault("anthropic.use_bedrock", false)
	v.SetDefault("anthropic.region", d.Anthropic.Region)
	v.SetDefault("anthropic.base_url", "")

	v.SetDefault("orchestrator.default_timeout", d.Orchestrator.DefaultTimeout.String())
	v.SetDefault("orchestrator.grace", d.Orchestrator.Grace.String())
	v.SetDefault("orchestrator.default_capacity", d.Orchestrator.DefaultCapacity)
	v.SetDefault("orchestrator.groups", map[string]int{})
	v.SetDefault("orchestrator.job_deadline", d.Orchestrator.JobDeadline)
	v.SetDefault("orchestrator.synthesis_budget", d.Orchestrator.SynthesisBudget.String())
	v.SetDefault("orchestrator.event_buffer", d.Orchestrator.EventBuffer)

	v.SetDefault("synthesis.schema_path", "")

	v.SetDefault("reconcile.reference_path", "")
	v.SetDefault("reconcile.claim_timeout", d.Reconcile.ClaimTimeout.String())
	v.SetDefault("reconcile.concurrency", d.Reconcile.Concurrency)

	v.SetDefault("state.path", d.State.Path)
	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.file", "")
	v.SetDefault("server.metrics_addr", "")
	v.SetDefault("server.websocket_addr", "")
	v.SetDefault("tui.refresh_rate", d.TUI.RefreshRate.String())
	v.SetDefault("catalog.path", "")
	v.SetDefault("signals.dir", "")
}

// getUserConfigDir returns the XDG config directory for diligence.
func getUserConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, appName)
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".config", appName)
	}
	return filepath.Join(home, ".config", appName)
}

// findProjectConfig searches for .diligence.yaml in the current directory and parents.
func findProjectConfig() string {
	cwd, err := os.Getwd()
	if err != nil {
		return ""
	}

	for {
		configPath := filepath.Join(cwd, projectConfigName)
		if _, err := os.Stat(configPath); err == nil {
			return configPath
		}

		parent := filepath.Dir(cwd)
		if parent == cwd {
			break
		}
		cwd = parent
	}

	return ""
}

// expandEnv expands ${VAR} references in a string.
func expandEnv(s string) string {
	return os.ExpandEnv(s)
}

// expandHome replaces a leading "~/" with the user's home directory.
func expandHome(p string) string {
	if len(p) < 2 || p[:2] != "~/" {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return p
	}
	return filepath.Join(home, p[2:])
}

// Default returns a Config with default values.
func Default() *Config {
	return &Config{
		Anthropic: AnthropicConfig{
			Model:     "claude-sonnet-4-20250514",
			MaxTokens: 2048,
			Region:    "us-east-1",
		},
		Orchestrator: OrchestratorConfig{
			DefaultTimeout:  5 * time.Minute,
			Grace:           5 * time.Second,
			DefaultCapacity: 1,
			Groups:          map[string]int{},
			SynthesisBudget: 30 * time.Second,
			EventBuffer:     256,
		},
		Reconcile: ReconcileConfig{
			ClaimTimeout: 10 * time.Second,
			Concurrency:  4,
		},
		State: StateConfig{
			Path: "~/.local/share/diligence/state.db",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
		TUI: TUIConfig{
			RefreshRate: 100 * time.Millisecond,
		},
	}
}
