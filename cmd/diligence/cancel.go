package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ShayCichocki/diligence/internal/signals"
)

var cancelCmd = &cobra.Command{
	Use:   "cancel <job-id>",
	Short: "Cancel a running job",
	Long: `Request cancellation of a job running in another diligence process.

The request is a file in signals.dir that the running process watches.
In-flight agents are cancelled, unstarted agents are skipped and the job
ends failed.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		if cfg.Signals.Dir == "" {
			return errors.New("signals.dir is not configured")
		}
		if err := signals.RequestCancel(cfg.Signals.Dir, args[0]); err != nil {
			return err
		}
		printStatus("✓", "Cancellation requested for job "+args[0], colorOK)
		return nil
	},
}
