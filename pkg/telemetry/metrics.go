package telemetry

import (
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

// Metrics provides Prometheus metrics for reconciliations.
// A nil or disabled Metrics is safe to use; every recorder is then a no-op.
type Metrics struct {
	config MetricsConfig

	reconciliations       *prometheus.CounterVec
	reconciliationLatency *prometheus.HistogramVec
	activeReconciliations prometheus.Gauge

	outcomeEntries   *prometheus.CounterVec
	resourcesRemoved *prometheus.CounterVec
	resourcesCreated *prometheus.CounterVec

	errorsByClass    *prometheus.CounterVec
	errorsByCode     *prometheus.CounterVec
	policyViolations *prometheus.CounterVec

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
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

		reconciliations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "reconciliations_total",
				Help:      "Total number of reconciliations by action and outcome",
			},
			[]string{"action", "outcome"},
		),
		reconciliationLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "reconciliation_duration_seconds",
				Help:      "Duration of reconciliations in seconds",
				Buckets:   buckets,
			},
			[]string{"action"},
		),
		activeReconciliations: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_reconciliations",
				Help:      "Current number of reconciliations in flight",
			},
		),
		outcomeEntries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "outcome_entries_total",
				Help:      "Total number of reported outcome entries by kind",
			},
			[]string{"kind"},
		),
		resourcesRemoved: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "resources_removed_total",
				Help:      "Total number of sites, applications and pools removed",
			},
			[]string{"kind"},
		),
		resourcesCreated: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "resources_created_total",
				Help:      "Total number of sites, applications and pools created",
			},
			[]string{"kind"},
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
		policyViolations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "policy_violations_total",
				Help:      "Total number of policy violations by policy",
			},
			[]string{"policy"},
		),
	}

	registry.MustRegister(
		m.reconciliations,
		m.reconciliationLatency,
		m.activeReconciliations,
		m.outcomeEntries,
		m.resourcesRemoved,
		m.resourcesCreated,
		m.errorsByClass,
		m.errorsByCode,
		m.policyViolations,
	)

	return m, nil
}

// Registry returns the underlying registry, or nil when metrics are disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// ReconciliationStarted marks a reconciliation as in flight.
func (m *Metrics) ReconciliationStarted() {
	if m == nil || m.activeReconciliations == nil {
		return
	}
	m.activeReconciliations.Inc()
}

// RecordReconciliation records a finished reconciliation.
func (m *Metrics) RecordReconciliation(action, outcome string, duration time.Duration) {
	if m == nil || m.reconciliations == nil {
		return
	}
	m.reconciliations.WithLabelValues(action, outcome).Inc()
	m.reconciliationLatency.WithLabelValues(action).Observe(duration.Seconds())
	m.activeReconciliations.Dec()
}

// RecordOutcomeEntry counts one reported outcome entry.
func (m *Metrics) RecordOutcomeEntry(kind string) {
	if m == nil || m.outcomeEntries == nil {
		return
	}
	m.outcomeEntries.WithLabelValues(kind).Inc()
}

// RecordResourceRemoved counts a removed site, application or pool.
func (m *Metrics) RecordResourceRemoved(kind string) {
	if m == nil || m.resourcesRemoved == nil {
		return
	}
	m.resourcesRemoved.WithLabelValues(kind).Inc()
}

// RecordResourceCreated counts a created site, application or pool.
func (m *Metrics) RecordResourceCreated(kind string) {
	if m == nil || m.resourcesCreated == nil {
		return
	}
	m.resourcesCreated.WithLabelValues(kind).Inc()
}

// RecordError records an error by class and optionally by code.
func (m *Metrics) RecordError(errorClass, errorCode string) {
	if m == nil || m.errorsByClass == nil {
		return
	}
	m.errorsByClass.WithLabelValues(errorClass).Inc()
	if errorCode != "" {
		m.errorsByCode.WithLabelValues(errorCode).Inc()
	}
}

// RecordPolicyViolation counts a violation reported by the named policy.
func (m *Metrics) RecordPolicyViolation(policy string) {
	if m == nil || m.policyViolations == nil {
		return
	}
	m.policyViolations.WithLabelValues(policy).Inc()
}

// Timer measures the duration of an operation.
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
	if m == nil || m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// StartMetricsServer starts an HTTP server exposing metrics in the background.
// It returns nil when metrics are disabled.
func (m *Metrics) StartMetricsServer() *http.Server {
	if m == nil || !m.config.Enabled {
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
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Str("addr", server.Addr).Msg("metrics server stopped")
		}
	}()

	return server
}
