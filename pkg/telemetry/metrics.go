package telemetry

import (
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics provides Prometheus metrics for seeks.
type Metrics struct {
	config MetricsConfig

	// Seek metrics
	seeksStarted   *prometheus.CounterVec
	seeksCompleted *prometheus.CounterVec
	seekDuration   *prometheus.HistogramVec
	replans        prometheus.Counter

	// Plan metrics
	planNodes prometheus.Histogram
	waves     prometheus.Counter

	// Node metrics
	nodesExecuted *prometheus.CounterVec
	nodeDuration  *prometheus.HistogramVec

	// Error metrics
	errorsByClass *prometheus.CounterVec
	errorsByCode  *prometheus.CounterVec

	// System metrics
	activeSeeks prometheus.Gauge

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		// No-op metrics instance
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	buckets := cfg.DefaultHistogramBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		seeksStarted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "seeks_started_total",
				Help:      "Total number of seeks started",
			},
			[]string{"target"},
		),
		seeksCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "seeks_completed_total",
				Help:      "Total number of seeks completed",
			},
			[]string{"status"},
		),
		seekDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "seek_duration_seconds",
				Help:      "Duration of seeks in seconds",
				Buckets:   buckets,
			},
			[]string{"status"},
		),
		replans: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "replans_total",
				Help:      "Total number of plans discarded and searched again",
			},
		),

		planNodes: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "plan_nodes",
				Help:      "Number of nodes in each plan found",
				Buckets:   prometheus.ExponentialBuckets(1, 2, 10),
			},
		),
		waves: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "waves_executed_total",
				Help:      "Total number of waves executed",
			},
		),

		nodesExecuted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "nodes_executed_total",
				Help:      "Total number of plan nodes executed",
			},
			[]string{"task", "status"},
		),
		nodeDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "node_duration_seconds",
				Help:      "Duration of plan node handlers in seconds",
				Buckets:   buckets,
			},
			[]string{"task"},
		),

		errorsByClass: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_by_class_total",
				Help:      "Total number of errors by error class",
			},
			[]string{"class"},
		),
		errorsByCode: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_by_code_total",
				Help:      "Total number of errors by error code",
			},
			[]string{"code"},
		),

		activeSeeks: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_seeks",
				Help:      "Current number of active seeks",
			},
		),
	}

	registry.MustRegister(
		m.seeksStarted,
		m.seeksCompleted,
		m.seekDuration,
		m.replans,
		m.planNodes,
		m.waves,
		m.nodesExecuted,
		m.nodeDuration,
		m.errorsByClass,
		m.errorsByCode,
		m.activeSeeks,
	)

	return m, nil
}

// Seek Metrics

// RecordSeekStarted increments the counter for started seeks.
func (m *Metrics) RecordSeekStarted(target string) {
	if m.seeksStarted == nil {
		return
	}
	m.seeksStarted.WithLabelValues(target).Inc()
	m.activeSeeks.Inc()
}

// RecordSeekCompleted records a finished seek with its final status and duration.
func (m *Metrics) RecordSeekCompleted(status string, duration time.Duration) {
	if m.seeksCompleted == nil {
		return
	}
	m.seeksCompleted.WithLabelValues(status).Inc()
	m.seekDuration.WithLabelValues(status).Observe(duration.Seconds())
	m.activeSeeks.Dec()
}

// RecordReplan increments the replan counter.
func (m *Metrics) RecordReplan() {
	if m.replans == nil {
		return
	}
	m.replans.Inc()
}

// Plan Metrics

// RecordPlan records the size of a plan found.
func (m *Metrics) RecordPlan(nodes int) {
	if m.planNodes == nil {
		return
	}
	m.planNodes.Observe(float64(nodes))
}

// RecordWave increments the executed wave counter.
func (m *Metrics) RecordWave() {
	if m.waves == nil {
		return
	}
	m.waves.Inc()
}

// Node Metrics

// RecordNodeExecution records one node handler run.
func (m *Metrics) RecordNodeExecution(task, status string, duration time.Duration) {
	if m.nodesExecuted == nil {
		return
	}
	m.nodesExecuted.WithLabelValues(task, status).Inc()
	m.nodeDuration.WithLabelValues(task).Observe(duration.Seconds())
}

// Error Metrics

// RecordError records an error by class and optionally by code.
func (m *Metrics) RecordError(errorClass, errorCode string) {
	if m.errorsByClass == nil {
		return
	}
	m.errorsByClass.WithLabelValues(errorClass).Inc()
	if errorCode != "" && m.errorsByCode != nil {
		m.errorsByCode.WithLabelValues(errorCode).Inc()
	}
}

// Registry returns the registry metrics are registered on, or nil when
// metrics are disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Timer provides a convenient way to time operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration returns the elapsed time since the timer was created.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
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

// StartMetricsServer starts an HTTP server exposing metrics. Serve errors
// are passed to onError. The returned server is nil when metrics are
// disabled.
func (m *Metrics) StartMetricsServer(onError func(error)) *http.Server {
	if !m.config.Enabled {
		return nil
	}

	path := m.config.Path
	if path == "" {
		path = "/metrics"
	}
	mux := http.NewServeMux()
	mux.Handle(path, m.Handler())

	server := &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) && onError != nil {
			onError(err)
		}
	}()

	return server
}
