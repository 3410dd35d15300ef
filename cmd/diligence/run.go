package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ShayCichocki/diligence/internal/metrics"
	"github.com/ShayCichocki/diligence/internal/orchestrator"
	"github.com/ShayCichocki/diligence/internal/progress"
	"github.com/ShayCichocki/diligence/internal/signals"
	"github.com/ShayCichocki/diligence/internal/state"
	"github.com/ShayCichocki/diligence/pkg/models"
)

var (
	runCatalog     string
	runSubjects    []string
	runOptions     map[string]string
	runSeed        string
	runTUI         bool
	runNoPersist   bool
	runOutput      string
	runMetricsAddr string
	runWSAddr      string
)

// errJobFailed makes the process exit non-zero without repeating the summary.
var errJobFailed = errors.New("job failed")

var runCmd = &cobra.Command{
	Use:   "run <analysis>...",
	Short: "Run analyses and consolidate the results",
	Long: `Run the requested analyses and every agent they depend on.

Agents come from a YAML catalogue (--catalog or catalog.path):

  agents:
    - name: financials
      produces: [financials]
      critical: true
      timeout: 30s
      behaviour:
        output:
          financials: {revenue: 1200000}
    - name: narrative
      kind: narrative
      requires: [financials]
      produces: [narrative]

Per-job options (--opt key=value):
  timeout.<agent>=30s     per-attempt deadline
  retries.<agent>=3       total attempts for an idempotent agent
  group.<name>=2          concurrency group capacity
  threshold.<section>=0.8 completeness threshold
  mandatory=a,b           sections that must be present
  grace=5s                wait after cancelling a timed-out agent
  reconcile.timeout=20s   bound on reconciliation
  job_deadline=true       bound the job by its plan budget

Interrupting the command (Ctrl+C), or creating <signals.dir>/<job-id>.cancel,
cancels the job.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runJob,
}

func init() {
	runCmd.Flags().StringVar(&runCatalog, "catalog", "", "Agent catalogue YAML (default catalog.path)")
	runCmd.Flags().StringSliceVar(&runSubjects, "subject", nil, "Subject identifier (repeatable)")
	runCmd.Flags().StringToStringVar(&runOptions, "opt", nil, "Job option key=value (repeatable)")
	runCmd.Flags().StringVar(&runSeed, "seed", "", "YAML file of record sections to seed before agents run")
	runCmd.Flags().BoolVar(&runTUI, "tui", false, "Show the live progress view")
	runCmd.Flags().BoolVar(&runNoPersist, "no-persist", false, "Do not record the job in the state database")
	runCmd.Flags().StringVarP(&runOutput, "output", "o", "", "Write the consolidated record as JSON to this file")
	runCmd.Flags().StringVar(&runMetricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address (default server.metrics_addr)")
	runCmd.Flags().StringVar(&runWSAddr, "ws-addr", "", "Stream progress events over WebSocket on this address (default server.websocket_addr)")
}

func runJob(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger, closeLog := setupLogger(cfg, runTUI)
	defer closeLog()

	catalogPath := runCatalog
	if catalogPath == "" {
		catalogPath = cfg.Catalog.Path
	}
	reg, err := buildRegistry(cfg, catalogPath)
	if err != nil {
		return err
	}

	sub, err := buildSubmission(args, runSubjects, runOptions, runSeed)
	if err != nil {
		return err
	}

	opts, err := orchestratorOptions(cfg, logger)
	if err != nil {
		return err
	}

	var sinks []progress.Sink
	if !runNoPersist {
		db, err := openStore(cfg)
		if err != nil {
			return fmt.Errorf("open state database: %w", err)
		}
		defer db.Close()
		if ids, err := db.RecoverInterrupted(time.Now()); err != nil {
			logger.Warn("failed to recover interrupted jobs", "error", err)
		} else if len(ids) > 0 {
			logger.Info("marked interrupted jobs failed", "jobs", ids)
		}
		opts = append(opts, orchestrator.WithJobStore(db))
		sinks = append(sinks, state.EventSink(db, logger))
	}

	recorder := metrics.New()
	sinks = append(sinks, recorder)

	metricsAddr := firstNonEmpty(runMetricsAddr, cfg.Server.MetricsAddr)
	wsAddr := firstNonEmpty(runWSAddr, cfg.Server.WebSocketAddr)
	servers, hub := startServers(logger, metricsAddr, recorder, wsAddr)
	defer servers.shutdown()
	if hub != nil {
		sinks = append(sinks, hub)
		defer hub.Close()
	}

	var emitter *progress.Emitter
	if runTUI {
		emitter = progress.NewEmitter(cfg.Orchestrator.EventBuffer, progress.WithEmitterLogger(logger))
		sinks = append(sinks, emitter)
	} else {
		sinks = append(sinks, consoleSink(cmd.OutOrStdout()))
	}
	opts = append(opts, orchestrator.WithSink(progress.NewDedupe(progress.Multi(sinks...))))

	orch := orchestrator.New(reg, opts...)
	id, err := orch.Submit(sub)
	if err != nil {
		return fmt.Errorf("submit job: %w", err)
	}
	plan, err := orch.PlanOf(id)
	if err != nil {
		return err
	}

	if cfg.Signals.Dir != "" {
		watcher, err := signals.NewWatcher(cfg.Signals.Dir, func(jobID string) {
			if jobID == id {
				_ = orch.Cancel(jobID)
			}
		}, signals.WithLogger(logger))
		if err != nil {
			logger.Warn("cancel-file watcher disabled", "error", err)
		} else {
			defer watcher.Close()
			defer watcher.Clear(id)
		}
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if !runTUI {
		printStatus("▶", fmt.Sprintf("job %s: %d agents in %d waves", id, len(plan.Requested), len(plan.Waves)), colorInfo)
	}

	var res *orchestrator.Result
	if runTUI {
		res, err = runWithTUI(ctx, orch, id, plan, emitter, cfg.TUI.RefreshRate)
	} else {
		res, err = orch.Run(ctx, id)
	}
	if err != nil {
		return err
	}

	printSummary(cmd.OutOrStdout(), res)
	if runOutput != "" {
		if err := writeConsolidated(runOutput, res); err != nil {
			return err
		}
		printStatus("✓", "Wrote consolidated record to "+runOutput, colorOK)
	}
	if res.Job.State == models.JobFailed {
		return errJobFailed
	}
	return nil
}

// writeConsolidated writes the consolidated record as indented JSON.
func writeConsolidated(path string, res *orchestrator.Result) error {
	if res.Consolidated == nil {
		return errors.New("job produced no consolidated record")
	}
	data, err := json.MarshalIndent(res.Consolidated, "", "  ")
	if err != nil {
		return fmt.Errorf("encode consolidated record: %w", err)
	}
	if err := os.WriteFile(path, append(data, '\n'), 0644); err != nil {
		return fmt.Errorf("write consolidated record: %w", err)
	}
	return nil
}
