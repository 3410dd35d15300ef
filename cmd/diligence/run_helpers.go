package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/fatih/color"

	"github.com/ShayCichocki/diligence/internal/agent"
	"github.com/ShayCichocki/diligence/internal/catalog"
	"github.com/ShayCichocki/diligence/internal/config"
	"github.com/ShayCichocki/diligence/internal/metrics"
	"github.com/ShayCichocki/diligence/internal/narrate"
	"github.com/ShayCichocki/diligence/internal/orchestrator"
	"github.com/ShayCichocki/diligence/internal/progress"
	"github.com/ShayCichocki/diligence/internal/reconcile"
	"github.com/ShayCichocki/diligence/internal/synthesis"
	"github.com/ShayCichocki/diligence/pkg/models"
)

const (
	colorOK   = color.FgGreen
	colorWarn = color.FgYellow
	colorFail = color.FgRed
	colorInfo = color.FgCyan
)

// buildRegistry loads the catalogue and, when it has narrative agents, the
// text-generation client.
func buildRegistry(cfg *config.Config, path string) (*agent.Registry, error) {
	if path == "" {
		return nil, errors.New("no agent catalogue: pass --catalog or set catalog.path")
	}
	cat, err := catalog.Load(path)
	if err != nil {
		return nil, err
	}
	var completer narrate.Completer
	if cat.HasNarrative() {
		client, err := newCompleter(cfg)
		if err != nil {
			return nil, fmt.Errorf("narrative agents: %w", err)
		}
		completer = client
	}
	return cat.Registry(completer)
}

// newCompleter builds the Anthropic client from config.
func newCompleter(cfg *config.Config) (*narrate.Client, error) {
	cc := narrate.ClientConfig{
		Model:         anthropic.Model(cfg.Anthropic.Model),
		BaseURL:       cfg.Anthropic.BaseURL,
		MaxTokens:     cfg.Anthropic.MaxTokens,
		UseAWSBedrock: cfg.Anthropic.UseBedrock,
		AWSRegion:     cfg.Anthropic.Region,
	}
	if !cfg.Anthropic.UseBedrock {
		key, _, err := config.GetAPIKey(cfg)
		if err != nil {
			return nil, err
		}
		cc.APIKey = key
	}
	return narrate.NewClient(cc)
}

// buildSubmission assembles the job request from command-line input.
func buildSubmission(analyses, subjects []string, opts map[string]string, seedPath string) (models.Submission, error) {
	sub := models.Submission{
		SubjectIDs:        append([]string(nil), subjects...),
		RequestedAnalyses: splitList(analyses),
		Options:           make(map[string]string, len(opts)),
	}
	for k, v := range opts {
		sub.Options[k] = v
	}
	if seedPath != "" {
		seed, err := catalog.LoadSeed(seedPath)
		if err != nil {
			return models.Submission{}, err
		}
		sub.Seed = seed
	}
	if len(sub.RequestedAnalyses) == 0 {
		return models.Submission{}, errors.New("no analyses requested")
	}
	return sub, nil
}

// splitList flattens comma-separated arguments.
func splitList(args []string) []string {
	var out []string
	for _, a := range args {
		for _, part := range strings.Split(a, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

// orchestratorOptions maps config onto orchestrator options, loading the
// synthesis schema and reconciliation reference when configured.
func orchestratorOptions(cfg *config.Config, logger *slog.Logger) ([]orchestrator.Option, error) {
	oc := cfg.Orchestrator
	opts := []orchestrator.Option{
		orchestrator.WithLogger(logger),
		orchestrator.WithDefaultTimeout(oc.DefaultTimeout),
		orchestrator.WithGrace(oc.Grace),
		orchestrator.WithDefaultCapacity(oc.DefaultCapacity),
		orchestrator.WithGroupCapacity(oc.Groups),
		orchestrator.WithJobDeadline(oc.JobDeadline),
		orchestrator.WithSynthesisBudget(oc.SynthesisBudget),
	}

	if path := cfg.Synthesis.SchemaPath; path != "" {
		schema, err := synthesis.LoadSchema(path)
		if err != nil {
			return nil, err
		}
		opts = append(opts, orchestrator.WithSchema(schema))
	}

	if path := cfg.Reconcile.ReferencePath; path != "" {
		src, err := reconcile.LoadStaticSource(path)
		if err != nil {
			return nil, err
		}
		opts = append(opts, orchestrator.WithReconciler(reconcile.NewRunner(src,
			reconcile.WithClaimTimeout(cfg.Reconcile.ClaimTimeout),
			reconcile.WithConcurrency(cfg.Reconcile.Concurrency),
			reconcile.WithLogger(logger),
		)))
	}
	return opts, nil
}

// servers tracks the optional HTTP listeners.
type servers struct {
	list   []*http.Server
	logger *slog.Logger
}

// startServers starts the metrics and WebSocket listeners that have an address.
// The returned hub is nil when WebSocket streaming is off.
func startServers(logger *slog.Logger, metricsAddr string, rec *metrics.Recorder, wsAddr string) (*servers, *progress.Hub) {
	s := &servers{logger: logger}
	if metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", rec.Handler())
		s.serve(metricsAddr, mux)
	}
	var hub *progress.Hub
	if wsAddr != "" {
		hub = progress.NewHub(progress.WithHubLogger(logger))
		mux := http.NewServeMux()
		mux.Handle("/events", hub)
		s.serve(wsAddr, mux)
	}
	return s, hub
}

func (s *servers) serve(addr string, h http.Handler) {
	srv := &http.Server{Addr: addr, Handler: h, ReadHeaderTimeout: 5 * time.Second}
	s.list = append(s.list, srv)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("listener failed", "addr", addr, "error", err)
		}
	}()
	s.logger.Info("listening", "addr", addr)
}

func (s *servers) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for _, srv := range s.list {
		_ = srv.Shutdown(ctx)
	}
}

// consoleSink prints one line per terminal agent transition and job state.
func consoleSink(w io.Writer) progress.Sink {
	return progress.SinkFunc(func(ev models.Event) {
		if ev.Kind == models.EventJob {
			return
		}
		switch ev.NewStatus {
		case models.AgentStatusRetrying:
			fprintStatus(w, "↻", fmt.Sprintf("%s %s", ev.Agent, ev.Message), colorWarn)
		case models.AgentStatusSuccess:
			fprintStatus(w, "✓", ev.Agent, colorOK)
		case models.AgentStatusSuccessWithWarnings, models.AgentStatusSkipped:
			fprintStatus(w, "⚠", fmt.Sprintf("%s %s: %s", ev.Agent, ev.NewStatus, ev.Message), colorWarn)
		case models.AgentStatusFailed, models.AgentStatusTimedOut:
			fprintStatus(w, "✗", fmt.Sprintf("%s %s: %s", ev.Agent, ev.NewStatus, ev.Message), colorFail)
		}
	})
}

// printSummary prints the job verdict, completeness and reconciliation findings.
func printSummary(w io.Writer, res *orchestrator.Result) {
	fmt.Fprintln(w)
	switch res.Job.State {
	case models.JobCompleted:
		fprintStatus(w, "✓", "Job completed", colorOK)
	case models.JobCompletedWithWarnings:
		fprintStatus(w, "⚠", "Job completed with warnings", colorWarn)
	default:
		fprintStatus(w, "✗", "Job "+string(res.Job.State), colorFail)
	}
	fmt.Fprintf(w, "  %s\n", res.Job.Message)

	for _, warn := range res.Job.Warnings {
		fmt.Fprintf(w, "  warning: %s\n", warn)
	}

	if c := res.Consolidated; c != nil {
		comp := c.Completeness()
		fmt.Fprintf(w, "\nCompleteness: %.2f%% (%d/%d sections), gate %s\n", comp.Percentage, comp.Present, comp.Required, c.Gate().Status)
		for _, s := range comp.Sections {
			line := fmt.Sprintf("  %-24s %s", s.Section, s.Status)
			if s.Mandatory {
				line += " (mandatory)"
			}
			if len(s.Missing) > 0 {
				line += " missing " + strings.Join(s.Missing, ", ")
			}
			fmt.Fprintln(w, line)
		}
	}

	if len(res.Findings) > 0 {
		findings := append([]models.Finding(nil), res.Findings...)
		sort.Slice(findings, func(i, j int) bool { return findings[i].ClaimPath < findings[j].ClaimPath })
		fmt.Fprintln(w, "\nReconciliation:")
		for _, f := range findings {
			line := fmt.Sprintf("  %-32s %-12s %.2f", f.ClaimPath, f.Status, f.AlignmentScore)
			if f.Note != "" {
				line += "  " + f.Note
			}
			fmt.Fprintln(w, line)
		}
	}
}

// printStatus prints a status line with color
func printStatus(symbol, message string, colorAttr color.Attribute) {
	fprintStatus(color.Output, symbol, message, colorAttr)
}

func fprintStatus(w io.Writer, symbol, message string, colorAttr color.Attribute) {
	c := color.New(colorAttr)
	fmt.Fprintf(w, "%s %s\n", c.Sprint(symbol), message)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// formatDuration formats a duration in a human-readable way.
func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm", int(d.Minutes()))
	}
	if d < 24*time.Hour {
		h := int(d.Hours())
		m := int(d.Minutes()) % 60
		if m > 0 {
			return fmt.Sprintf("%dh%dm", h, m)
		}
		return fmt.Sprintf("%dh", h)
	}
	return fmt.Sprintf("%dd", int(d.Hours())/24)
}
