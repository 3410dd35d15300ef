package main

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/ShayCichocki/diligence/internal/state"
	"github.com/ShayCichocki/diligence/pkg/models"
)

var (
	statusLimit  int
	statusEvents bool
)

var statusCmd = &cobra.Command{
	Use:   "status [job-id]",
	Short: "Show recorded jobs",
	Long: `Without arguments, list recent jobs from the state database.

With a job ID, show that job's agents, completeness and, with --events,
its full progress event history.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runStatus,
}

func init() {
	statusCmd.Flags().IntVarP(&statusLimit, "limit", "n", 10, "Number of recent jobs to list")
	statusCmd.Flags().BoolVar(&statusEvents, "events", false, "Print the job's progress events")
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	db, err := openStore(cfg)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	w := cmd.OutOrStdout()
	if len(args) == 0 {
		return displayRecentJobs(w, db, statusLimit)
	}
	return displayJob(w, db, args[0], statusEvents)
}

func displayRecentJobs(w io.Writer, db *state.DB, limit int) error {
	jobs, err := db.ListJobs(nil, limit)
	if err != nil {
		return fmt.Errorf("list jobs: %w", err)
	}
	if len(jobs) == 0 {
		fmt.Fprintln(w, "No jobs recorded. Run 'diligence run <analysis>' to start.")
		return nil
	}

	fmt.Fprintln(w, "Recent Jobs:")
	for _, j := range jobs {
		fmt.Fprintf(w, "  %s: %s (%s ago) %v\n", j.ID, j.State, formatDuration(time.Since(j.CreatedAt)), j.RequestedAnalyses)
	}
	return nil
}

func displayJob(w io.Writer, db *state.DB, id string, withEvents bool) error {
	job, err := db.GetJob(id)
	if err != nil {
		return fmt.Errorf("get job: %w", err)
	}
	if job == nil {
		return fmt.Errorf("job %s not found", id)
	}

	fmt.Fprintf(w, "Job: %s\n", job.ID)
	fmt.Fprintf(w, "  State: %s\n", job.State)
	fmt.Fprintf(w, "  Created: %s ago\n", formatDuration(time.Since(job.CreatedAt)))
	if job.CompletedAt != nil {
		fmt.Fprintf(w, "  Duration: %s\n", formatDuration(job.CompletedAt.Sub(job.CreatedAt)))
	}
	if len(job.SubjectIDs) > 0 {
		fmt.Fprintf(w, "  Subjects: %v\n", job.SubjectIDs)
	}
	if job.Message != "" {
		fmt.Fprintf(w, "  Message: %s\n", job.Message)
	}
	for _, warn := range job.Warnings {
		fmt.Fprintf(w, "  warning: %s\n", warn)
	}

	outcomes, err := db.ListOutcomes(id)
	if err != nil {
		return fmt.Errorf("list outcomes: %w", err)
	}
	if len(outcomes) > 0 {
		fmt.Fprintln(w, "\nAgents:")
		for _, o := range outcomes {
			line := fmt.Sprintf("  %-20s %-22s attempts %d", o.Agent, o.Status, o.Attempts)
			if o.Duration > 0 {
				line += "  " + o.Duration.Round(time.Millisecond).String()
			}
			if o.Reason != "" && o.Status != models.AgentStatusSuccess {
				line += "  " + o.Reason
			}
			fmt.Fprintln(w, line)
		}
	}

	c, err := db.GetConsolidated(id)
	if err != nil {
		return fmt.Errorf("get consolidated record: %w", err)
	}
	if c != nil {
		comp := c.Completeness()
		fmt.Fprintf(w, "\nCompleteness: %.2f%% (%d/%d), gate %s\n", comp.Percentage, comp.Present, comp.Required, c.Gate().Status)
		if !c.Verify() {
			fmt.Fprintln(w, "  warning: stored record does not match its digest")
		}
	}

	if withEvents {
		events, err := db.ListEvents(id)
		if err != nil {
			return fmt.Errorf("list events: %w", err)
		}
		fmt.Fprintln(w, "\nEvents:")
		for _, ev := range events {
			fmt.Fprintf(w, "  %4d %s %s\n", ev.Seq, ev.Timestamp.Format("15:04:05.000"), describeEvent(ev))
		}
	}
	return nil
}

// describeEvent renders one event as a single line.
func describeEvent(ev models.Event) string {
	var line string
	if ev.Kind == models.EventJob {
		line = fmt.Sprintf("job %s -> %s", ev.OldState, ev.NewState)
	} else {
		line = fmt.Sprintf("%s %s -> %s", ev.Agent, ev.OldStatus, ev.NewStatus)
		if ev.Attempt > 0 {
			line += fmt.Sprintf(" (attempt %d)", ev.Attempt)
		}
	}
	if ev.Message != "" {
		line += ": " + ev.Message
	}
	return line
}
