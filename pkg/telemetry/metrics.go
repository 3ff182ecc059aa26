package telemetry

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/openfroyo/realize/pkg/engine"
)

// Metrics provides Prometheus metrics for reconciliation runs.
type Metrics struct {
	config MetricsConfig

	// Run metrics
	runsCompleted *prometheus.CounterVec
	runDuration   *prometheus.HistogramVec
	activeRuns    prometheus.Gauge
	lastRun       prometheus.Gauge

	// Resource metrics
	resourceOutcomes *prometheus.CounterVec
	resourceDuration *prometheus.HistogramVec
	lastRunOutcomes  *prometheus.GaugeVec
	changes          *prometheus.CounterVec

	// Error metrics
	errors *prometheus.CounterVec

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	buckets := cfg.Buckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		runsCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_total",
				Help:      "Total number of finished runs by status",
			},
			[]string{"status"},
		),
		runDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "run_duration_seconds",
				Help:      "Duration of runs in seconds",
				Buckets:   buckets,
			},
			[]string{"status"},
		),
		activeRuns: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_runs",
				Help:      "Current number of runs in progress",
			},
		),
		lastRun: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "last_run_timestamp_seconds",
				Help:      "Unix time the last run finished",
			},
		),

		resourceOutcomes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "resource_outcomes_total",
				Help:      "Total number of resource outcomes by kind",
			},
			[]string{"resource_kind", "outcome"},
		),
		resourceDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "resource_duration_seconds",
				Help:      "Time spent probing and applying one resource",
				Buckets:   buckets,
			},
			[]string{"resource_kind", "outcome"},
		),
		lastRunOutcomes: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "last_run_resources",
				Help:      "Resources per outcome in the last finished run",
			},
			[]string{"outcome"},
		),
		changes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "changes_total",
				Help:      "Total number of applied or planned changes by operation",
			},
			[]string{"operation", "dry_run"},
		),

		errors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_total",
				Help:      "Total number of errors by class and code",
			},
			[]string{"class", "code"},
		),
	}

	registry.MustRegister(
		m.runsCompleted,
		m.runDuration,
		m.activeRuns,
		m.lastRun,
		m.resourceOutcomes,
		m.resourceDuration,
		m.lastRunOutcomes,
		m.changes,
		m.errors,
	)

	return m, nil
}

// Enabled reports whether metrics are collected.
func (m *Metrics) Enabled() bool {
	return m.registry != nil
}

// Registry returns the private registry, or nil when disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// RecordRunStarted marks a run as in progress.
func (m *Metrics) RecordRunStarted() {
	if m.activeRuns == nil {
		return
	}
	m.activeRuns.Inc()
}

// RecordRun records a finished run.
func (m *Metrics) RecordRun(result *engine.RunResult) {
	if m.runsCompleted == nil {
		return
	}
	status := string(result.Status)
	m.runsCompleted.WithLabelValues(status).Inc()
	m.runDuration.WithLabelValues(status).Observe(result.Duration.Seconds())
	m.lastRun.Set(float64(result.CompletedAt.Unix()))

	m.lastRunOutcomes.WithLabelValues(string(engine.OutcomeUnchanged)).Set(float64(result.Summary.Unchanged))
	m.lastRunOutcomes.WithLabelValues(string(engine.OutcomeChanged)).Set(float64(result.Summary.Changed))
	m.lastRunOutcomes.WithLabelValues(string(engine.OutcomeBlocked)).Set(float64(result.Summary.Blocked))
	m.lastRunOutcomes.WithLabelValues(string(engine.OutcomeFailed)).Set(float64(result.Summary.Failed))

	if result.Err != nil {
		m.RecordError(result.Err)
	}
}

// RecordOutcome records the final outcome of one resource.
func (m *Metrics) RecordOutcome(o engine.Outcome) {
	if m.resourceOutcomes == nil {
		return
	}
	kind := o.Identity.Kind
	m.resourceOutcomes.WithLabelValues(kind, string(o.Kind)).Inc()
	m.resourceDuration.WithLabelValues(kind, string(o.Kind)).Observe(o.Duration.Seconds())

	if o.Kind == engine.OutcomeChanged && o.Change != nil {
		dry := "false"
		if o.DryRun {
			dry = "true"
		}
		m.changes.WithLabelValues(string(o.Change.Operation), dry).Inc()
	}
	if o.Err != nil {
		m.RecordError(o.Err)
	}
}

// RecordError records an error by class and code.
func (m *Metrics) RecordError(err error) {
	if m.errors == nil || err == nil {
		return
	}
	class, code := "unknown", ""
	var ee *engine.EngineError
	if errors.As(err, &ee) {
		class, code = string(ee.Class), ee.Code
	}
	m.errors.WithLabelValues(class, code).Inc()
}

// Observer returns an engine observer feeding these metrics.
func (m *Metrics) Observer() engine.Observer {
	return &metricsObserver{m: m}
}

type metricsObserver struct {
	engine.NopObserver
	m       *Metrics
	started bool
}

func (o *metricsObserver) RunStarted(ctx context.Context, runID string, graph *engine.Graph) {
	o.started = true
	o.m.RecordRunStarted()
}

func (o *metricsObserver) ResourceFinished(ctx context.Context, runID string, outcome engine.Outcome) {
	o.m.RecordOutcome(outcome)
}

func (o *metricsObserver) RunFinished(ctx context.Context, result *engine.RunResult) {
	if o.started && o.m.activeRuns != nil {
		o.m.activeRuns.Dec()
	}
	o.started = false
	o.m.RecordRun(result)
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// StartMetricsServer serves the metrics endpoint until ctx is done. It does
// nothing when metrics are disabled or no listen address is configured.
func (m *Metrics) StartMetricsServer(ctx context.Context, logger *Logger) {
	if m.registry == nil || m.config.ListenAddress == "" {
		return
	}

	mux := http.NewServeMux()
	mux.Handle(m.config.Path, m.Handler())

	server := &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Error("Metrics server stopped")
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()
}

// WriteTextfile writes the current metrics in Prometheus text format, for
// the node_exporter textfile collector. It does nothing when no path is
// configured.
func (m *Metrics) WriteTextfile() error {
	if m.registry == nil || m.config.TextfilePath == "" {
		return nil
	}
	return prometheus.WriteToTextfile(m.config.TextfilePath, m.registry)
}
