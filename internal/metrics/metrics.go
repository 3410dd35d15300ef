// Package metrics exposes orchestrator progress as Prometheus metrics.
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ShayCichocki/diligence/pkg/models"
)

const namespace = "diligence"

// Recorder is a progress sink that turns transition events into metrics.
// It is safe for concurrent use.
type Recorder struct {
	registry *prometheus.Registry

	transitions *prometheus.CounterVec
	jobs        *prometheus.CounterVec
	retries     *prometheus.CounterVec
	duration    *prometheus.HistogramVec
	running     prometheus.Gauge

	mu      sync.Mutex
	started map[string]time.Time
}

// Option configures a Recorder.
type Option func(*recorderOptions)

type recorderOptions struct {
	registry *prometheus.Registry
	buckets  []float64
}

// WithRegistry registers the metrics on reg instead of a fresh registry.
func WithRegistry(reg *prometheus.Registry) Option {
	return func(o *recorderOptions) { o.registry = reg }
}

// WithBuckets sets the agent duration histogram buckets, in seconds.
func WithBuckets(buckets []float64) Option {
	return func(o *recorderOptions) { o.buckets = buckets }
}

// New creates a Recorder and registers its collectors.
func New(opts ...Option) *Recorder {
	o := recorderOptions{
		buckets: []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300, 600},
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.registry == nil {
		o.registry = prometheus.NewRegistry()
	}

	r := &Recorder{
		registry: o.registry,
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "agent_transitions_total",
			Help:      "Agent status transitions by agent and new status.",
		}, []string{"agent", "status"}),
		jobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "job_transitions_total",
			Help:      "Job state transitions by new state.",
		}, []string{"state"}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "agent_retries_total",
			Help:      "Agent attempts that were retried.",
		}, []string{"agent"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "agent_duration_seconds",
			Help:      "Time from an agent's first attempt to its terminal status.",
			Buckets:   o.buckets,
		}, []string{"agent", "status"}),
		running: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "agents_running",
			Help:      "Agents currently executing.",
		}),
		started: make(map[string]time.Time),
	}
	r.registry.MustRegister(r.transitions, r.jobs, r.retries, r.duration, r.running)
	return r
}

// Publish records one event.
func (r *Recorder) Publish(ev models.Event) {
	if ev.Kind == models.EventJob {
		r.jobs.WithLabelValues(string(ev.NewState)).Inc()
		return
	}

	r.transitions.WithLabelValues(ev.Agent, string(ev.NewStatus)).Inc()
	if ev.OldStatus == models.AgentStatusRunning {
		r.running.Dec()
	}
	if ev.NewStatus == models.AgentStatusRetrying {
		r.retries.WithLabelValues(ev.Agent).Inc()
	}

	key := ev.JobID + "/" + ev.Agent
	r.mu.Lock()
	defer r.mu.Unlock()
	switch {
	case ev.NewStatus == models.AgentStatusRunning:
		r.running.Inc()
		if _, ok := r.started[key]; !ok {
			r.started[key] = ev.Timestamp
		}
	case ev.NewStatus.IsTerminal():
		if start, ok := r.started[key]; ok {
			r.duration.WithLabelValues(ev.Agent, string(ev.NewStatus)).Observe(ev.Timestamp.Sub(start).Seconds())
			delete(r.started, key)
		}
	}
}

// Registry returns the registry the metrics live in.
func (r *Recorder) Registry() *prometheus.Registry {
	return r.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}
