package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var (
	cleanupOlderThan   time.Duration
	cleanupInterrupted bool
)

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Remove old jobs from the state database",
	Long: `Delete jobs created more than --older-than ago, with their outcomes,
change logs, consolidated records and events.

With --interrupted, jobs left created or running by a crashed process
are first marked failed so they become eligible for removal.

Examples:
  diligence cleanup                    # Remove jobs older than 30 days
  diligence cleanup --older-than 24h   # Remove jobs older than a day
  diligence cleanup --interrupted      # Also close out crashed jobs`,
	RunE: runCleanup,
}

func init() {
	cleanupCmd.Flags().DurationVar(&cleanupOlderThan, "older-than", 30*24*time.Hour, "Minimum age of jobs to remove")
	cleanupCmd.Flags().BoolVar(&cleanupInterrupted, "interrupted", false, "Mark interrupted jobs failed first")
}

func runCleanup(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	db, err := openStore(cfg)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	if cleanupInterrupted {
		ids, err := db.RecoverInterrupted(time.Now())
		if err != nil {
			return fmt.Errorf("recover interrupted jobs: %w", err)
		}
		for _, id := range ids {
			printStatus("⚠", "Marked interrupted job "+id+" failed", colorWarn)
		}
	}

	n, err := db.PurgeOldJobs(cleanupOlderThan)
	if err != nil {
		return fmt.Errorf("purge jobs: %w", err)
	}
	if n == 0 {
		printStatus("✓", "Nothing to clean up", colorOK)
		return nil
	}
	printStatus("✓", fmt.Sprintf("Removed %d jobs older than %s", n, formatDuration(cleanupOlderThan)), colorOK)
	return nil
}
