package main

import (
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/ShayCichocki/diligence/internal/config"
	"github.com/ShayCichocki/diligence/internal/state"
)

var (
	rootConfigPath string
	rootLogLevel   string
	rootDBPath     string
)

var rootCmd = &cobra.Command{
	Use:   "diligence",
	Short: "Analysis workflow orchestrator and state synthesis engine",
	Long: `Diligence runs a set of analysis agents against a shared record,
then consolidates what they wrote into one sealed, scored report.

Agents declare the record sections they read and write. Diligence
plans them into dependency waves, runs each wave concurrently with
per-agent timeouts and retries, and finishes with a completeness gate
and optional reconciliation against external reference figures.

Agents are described in a YAML catalogue (see 'diligence run --help').`,
	SilenceUsage: true,
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&rootConfigPath, "config", "", "Config file (default ~/.config/diligence/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&rootLogLevel, "log-level", "", "Log level: debug, info, warn, error")
	rootCmd.PersistentFlags().StringVar(&rootDBPath, "db", "", "State database path")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(planCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(cancelCmd)
	rootCmd.AddCommand(cleanupCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(versionCmd)
}

// loadConfig loads configuration and applies the persistent flag overrides.
func loadConfig() (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if rootConfigPath != "" {
		cfg, err = config.LoadFromPath(rootConfigPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, err
	}
	if rootLogLevel != "" {
		cfg.Logging.Level = rootLogLevel
	}
	if rootDBPath != "" {
		cfg.State.Path = rootDBPath
	}
	return cfg, nil
}

// setupLogger builds the process logger. quiet keeps stderr clear while the
// TUI owns the screen; the log file still receives everything.
func setupLogger(cfg *config.Config, quiet bool) (*slog.Logger, func() error) {
	level := config.ParseLevel(cfg.Logging.Level)
	if !quiet {
		return config.SetupLogger(cfg.Logging.File, level)
	}
	if cfg.Logging.File == "" {
		return slog.New(slog.NewTextHandler(io.Discard, nil)), func() error { return nil }
	}
	f, err := os.OpenFile(cfg.Logging.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return slog.New(slog.NewTextHandler(io.Discard, nil)), func() error { return nil }
	}
	return config.SetupLoggerWithWriters(io.Discard, f, level), f.Close
}

// openStore opens and migrates the state database.
func openStore(cfg *config.Config) (*state.DB, error) {
	path := cfg.State.Path
	if path == "" {
		path = state.DefaultPath()
	}
	db, err := state.Open(path)
	if err != nil {
		return nil, err
	}
	if err := db.Migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}
