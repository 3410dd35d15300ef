package main

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/ShayCichocki/diligence/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config [key] [value]",
	Short: "Manage configuration",
	Long: `View or modify diligence configuration.

Without arguments, displays current configuration.
With one argument (key), displays the value for that key.
With two arguments (key value), sets the configuration value.

Configuration is stored at ~/.config/diligence/config.yaml
Project-specific overrides can be placed in .diligence.yaml`,
	Args: cobra.MaximumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}

		w := cmd.OutOrStdout()
		switch len(args) {
		case 0:
			displayAllConfig(w, cfg)
			return nil
		case 1:
			value, err := getConfigValue(cfg, args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(w, value)
			return nil
		default:
			if err := setConfigValue(cfg, args[0], args[1]); err != nil {
				return err
			}
			path := rootConfigPath
			if path == "" {
				path = config.GetUserConfigPath()
			}
			if err := config.SaveTo(cfg, path); err != nil {
				return fmt.Errorf("save config: %w", err)
			}
			fmt.Fprintf(w, "Set %s = %s\n", args[0], args[1])
			return nil
		}
	},
}

// configKeys lists every key the config command understands, in display order.
var configKeys = []string{
	"anthropic.api_key",
	"anthropic.model",
	"anthropic.max_tokens",
	"anthropic.use_bedrock",
	"anthropic.region",
	"orchestrator.default_timeout",
	"orchestrator.grace",
	"orchestrator.default_capacity",
	"orchestrator.job_deadline",
	"orchestrator.synthesis_budget",
	"orchestrator.event_buffer",
	"synthesis.schema_path",
	"reconcile.reference_path",
	"reconcile.claim_timeout",
	"reconcile.concurrency",
	"state.path",
	"logging.level",
	"logging.file",
	"server.metrics_addr",
	"server.websocket_addr",
	"tui.refresh_rate",
	"catalog.path",
	"signals.dir",
}

// displayAllConfig prints all configuration values.
func displayAllConfig(w io.Writer, cfg *config.Config) {
	for _, key := range configKeys {
		value, _ := getConfigValue(cfg, key)
		fmt.Fprintf(w, "%s: %s\n", key, value)
	}
}

// getConfigValue retrieves a configuration value by dot-notation key.
func getConfigValue(cfg *config.Config, key string) (string, error) {
	switch strings.ToLower(key) {
	case "anthropic.api_key":
		return config.MaskAPIKey(cfg.Anthropic.APIKey), nil
	case "anthropic.model":
		return cfg.Anthropic.Model, nil
	case "anthropic.max_tokens":
		return strconv.Itoa(cfg.Anthropic.MaxTokens), nil
	case "anthropic.use_bedrock":
		return strconv.FormatBool(cfg.Anthropic.UseBedrock), nil
	case "anthropic.region":
		return cfg.Anthropic.Region, nil
	case "orchestrator.default_timeout":
		return cfg.Orchestrator.DefaultTimeout.String(), nil
	case "orchestrator.grace":
		return cfg.Orchestrator.Grace.String(), nil
	case "orchestrator.default_capacity":
		return strconv.Itoa(cfg.Orchestrator.DefaultCapacity), nil
	case "orchestrator.job_deadline":
		return strconv.FormatBool(cfg.Orchestrator.JobDeadline), nil
	case "orchestrator.synthesis_budget":
		return cfg.Orchestrator.SynthesisBudget.String(), nil
	case "orchestrator.event_buffer":
		return strconv.Itoa(cfg.Orchestrator.EventBuffer), nil
	case "synthesis.schema_path":
		return cfg.Synthesis.SchemaPath, nil
	case "reconcile.reference_path":
		return cfg.Reconcile.ReferencePath, nil
	case "reconcile.claim_timeout":
		return cfg.Reconcile.ClaimTimeout.String(), nil
	case "reconcile.concurrency":
		return strconv.Itoa(cfg.Reconcile.Concurrency), nil
	case "state.path":
		return cfg.State.Path, nil
	case "logging.level":
		return cfg.Logging.Level, nil
	case "logging.file":
		return cfg.Logging.File, nil
	case "server.metrics_addr":
		return cfg.Server.MetricsAddr, nil
	case "server.websocket_addr":
		return cfg.Server.WebSocketAddr, nil
	case "tui.refresh_rate":
		return cfg.TUI.RefreshRate.String(), nil
	case "catalog.path":
		return cfg.Catalog.Path, nil
	case "signals.dir":
		return cfg.Signals.Dir, nil
	default:
		return "", fmt.Errorf("unknown configuration key: %s", key)
	}
}

// setConfigValue sets a configuration value by dot-notation key.
func setConfigValue(cfg *config.Config, key, value string) error {
	k := strings.ToLower(key)
	var err error
	switch k {
	case "anthropic.api_key":
		cfg.Anthropic.APIKey = value
	case "anthropic.model":
		cfg.Anthropic.Model = value
	case "anthropic.max_tokens":
		cfg.Anthropic.MaxTokens, err = parseInt(k, value)
	case "anthropic.use_bedrock":
		cfg.Anthropic.UseBedrock, err = parseBool(k, value)
	case "anthropic.region":
		cfg.Anthropic.Region = value
	case "orchestrator.default_timeout":
		cfg.Orchestrator.DefaultTimeout, err = parseDuration(k, value)
	case "orchestrator.grace":
		cfg.Orchestrator.Grace, err = parseDuration(k, value)
	case "orchestrator.default_capacity":
		cfg.Orchestrator.DefaultCapacity, err = parseInt(k, value)
	case "orchestrator.job_deadline":
		cfg.Orchestrator.JobDeadline, err = parseBool(k, value)
	case "orchestrator.synthesis_budget":
		cfg.Orchestrator.SynthesisBudget, err = parseDuration(k, value)
	case "orchestrator.event_buffer":
		cfg.Orchestrator.EventBuffer, err = parseInt(k, value)
	case "synthesis.schema_path":
		cfg.Synthesis.SchemaPath = value
	case "reconcile.reference_path":
		cfg.Reconcile.ReferencePath = value
	case "reconcile.claim_timeout":
		cfg.Reconcile.ClaimTimeout, err = parseDuration(k, value)
	case "reconcile.concurrency":
		cfg.Reconcile.Concurrency, err = parseInt(k, value)
	case "state.path":
		cfg.State.Path = value
	case "logging.level":
		cfg.Logging.Level = value
	case "logging.file":
		cfg.Logging.File = value
	case "server.metrics_addr":
		cfg.Server.MetricsAddr = value
	case "server.websocket_addr":
		cfg.Server.WebSocketAddr = value
	case "tui.refresh_rate":
		cfg.TUI.RefreshRate, err = parseDuration(k, value)
	case "catalog.path":
		cfg.Catalog.Path = value
	case "signals.dir":
		cfg.Signals.Dir = value
	default:
		return fmt.Errorf("unknown configuration key: %s", key)
	}
	return err
}

func parseInt(key, value string) (int, error) {
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("invalid integer for %s: %w", key, err)
	}
	return n, nil
}

func parseBool(key, value string) (bool, error) {
	b, err := strconv.ParseBool(value)
	if err != nil {
		return false, fmt.Errorf("invalid boolean for %s: %w", key, err)
	}
	return b, nil
}

func parseDuration(key, value string) (time.Duration, error) {
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid duration for %s: %w", key, err)
	}
	return d, nil
}
