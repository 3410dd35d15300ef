package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ShayCichocki/diligence/internal/agent"
	"github.com/ShayCichocki/diligence/internal/config"
	"github.com/ShayCichocki/diligence/internal/graph"
	"github.com/ShayCichocki/diligence/internal/orchestrator"
)

var (
	planCatalog string
	planOptions map[string]string
	planSeed    string
)

var planCmd = &cobra.Command{
	Use:   "plan <analysis>...",
	Short: "Show the execution plan without running anything",
	Long: `Resolve the requested analyses into dependency waves and print the plan.

Agents whose required sections cannot be produced by any requested agent
or by the seed are listed as skipped. The budget is the worst-case
duration used as the job deadline when job_deadline is enabled.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runPlan,
}

func init() {
	planCmd.Flags().StringVar(&planCatalog, "catalog", "", "Agent catalogue YAML (default catalog.path)")
	planCmd.Flags().StringToStringVar(&planOptions, "opt", nil, "Job option key=value (repeatable)")
	planCmd.Flags().StringVar(&planSeed, "seed", "", "YAML file of record sections to seed")
}

func runPlan(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger, closeLog := setupLogger(cfg, true)
	defer closeLog()

	reg, err := buildRegistry(cfg, firstNonEmpty(planCatalog, cfg.Catalog.Path))
	if err != nil {
		return err
	}
	sub, err := buildSubmission(args, nil, planOptions, planSeed)
	if err != nil {
		return err
	}
	opts, err := orchestratorOptions(cfg, logger)
	if err != nil {
		return err
	}

	plan, err := orchestrator.New(reg, opts...).Plan(sub)
	if err != nil {
		return err
	}
	jobOpts, err := config.ParseJobOptions(sub.Options)
	if err != nil {
		return err
	}
	printPlan(cmd.OutOrStdout(), plan, cfg, jobOpts)
	return nil
}

// printPlan writes waves, skips and the worst-case budget.
func printPlan(w io.Writer, plan *graph.Plan, cfg *config.Config, jobOpts config.JobOptions) {
	grace := cfg.Orchestrator.Grace
	if jobOpts.Grace > 0 {
		grace = jobOpts.Grace
	}
	timeouts := agent.NewTimeoutTable(cfg.Orchestrator.DefaultTimeout, grace)
	for name, d := range jobOpts.Timeouts {
		timeouts.SetOverride(name, d)
	}

	fmt.Fprintf(w, "Agents: %s\n", strings.Join(plan.Requested, ", "))
	for _, wave := range plan.Waves {
		fmt.Fprintf(w, "\nWave %d (level %d):\n", wave.Index+1, wave.Level)
		for _, name := range wave.Agents {
			d := plan.Descriptors[name]
			line := fmt.Sprintf("  %-20s timeout %s", name, timeouts.For(d))
			if d.Group != "" {
				line += "  group " + d.Group
			}
			if len(d.Requires) > 0 {
				line += "  requires " + strings.Join(d.Requires, ",")
			}
			fmt.Fprintln(w, line)
		}
	}
	if len(plan.Skips) > 0 {
		fmt.Fprintln(w, "\nSkipped:")
		for _, sk := range plan.Skips {
			fmt.Fprintf(w, "  %-20s %s\n", sk.Agent, sk.Reason())
		}
	}
	for _, warn := range plan.Warnings {
		fmt.Fprintf(w, "\nwarning: %s\n", warn)
	}
	fmt.Fprintf(w, "\nBudget: %s\n", plan.Budget(timeouts.For, timeouts.Grace(), cfg.Orchestrator.SynthesisBudget))
}
