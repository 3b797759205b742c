package telemetry

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics provides Prometheus metrics for the drift engine.
type Metrics struct {
	config MetricsConfig

	// Drift metrics
	driftComparisons *prometheus.CounterVec
	driftDetections  *prometheus.CounterVec
	openIncidents    *prometheus.GaugeVec
	expiredIncidents prometheus.Gauge

	// Policy metrics
	policyBlocks *prometheus.CounterVec

	// Promotion metrics
	promotionsStarted   *prometheus.CounterVec
	promotionsCompleted *prometheus.CounterVec
	promotionDuration   *prometheus.HistogramVec

	// Snapshot metrics
	snapshotsCreated *prometheus.CounterVec

	// Reconciliation metrics
	reconciliations       *prometheus.CounterVec
	reconciliationLatency *prometheus.HistogramVec

	// Adapter metrics
	adapterCalls    *prometheus.CounterVec
	adapterDuration *prometheus.HistogramVec
	adapterErrors   *prometheus.CounterVec

	// Error metrics
	errorsByClass *prometheus.CounterVec

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		// Return a no-op metrics instance
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		driftComparisons: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "drift_comparisons_total",
				Help:      "Total number of workflow comparisons performed",
			},
			[]string{"environment"},
		),
		driftDetections: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "drift_detections_total",
				Help:      "Total number of drift detections",
			},
			[]string{"environment", "severity"},
		),
		openIncidents: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "open_drift_incidents",
				Help:      "Current number of open drift incidents",
			},
			[]string{"environment"},
		),
		expiredIncidents: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "expired_drift_incidents",
				Help:      "Current number of open incidents past their TTL",
			},
		),

		policyBlocks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "policy_blocks_total",
				Help:      "Total number of operations blocked by drift policy",
			},
			[]string{"operation", "reason"},
		),

		promotionsStarted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "promotions_started_total",
				Help:      "Total number of promotions started",
			},
			[]string{"target_environment"},
		),
		promotionsCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "promotions_completed_total",
				Help:      "Total number of promotions finished, by outcome",
			},
			[]string{"target_environment", "status"},
		),
		promotionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "promotion_duration_seconds",
				Help:      "Duration of promotion execution in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"status"},
		),

		snapshotsCreated: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "snapshots_created_total",
				Help:      "Total number of snapshots created",
			},
			[]string{"kind"},
		),

		reconciliations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "reconciliations_total",
				Help:      "Total number of reconciliation attempts, by outcome",
			},
			[]string{"resolution_type", "status"},
		),
		reconciliationLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "reconciliation_duration_seconds",
				Help:      "Duration of reconciliation execution in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"resolution_type"},
		),

		adapterCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "adapter_calls_total",
				Help:      "Total number of runtime adapter calls",
			},
			[]string{"adapter", "operation"},
		),
		adapterDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "adapter_call_duration_seconds",
				Help:      "Duration of runtime adapter calls in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"adapter", "operation"},
		),
		adapterErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "adapter_errors_total",
				Help:      "Total number of runtime adapter errors",
			},
			[]string{"adapter", "operation"},
		),

		errorsByClass: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_by_class_total",
				Help:      "Total number of errors by error class",
			},
			[]string{"class"},
		),
	}

	registry.MustRegister(
		m.driftComparisons,
		m.driftDetections,
		m.openIncidents,
		m.expiredIncidents,
		m.policyBlocks,
		m.promotionsStarted,
		m.promotionsCompleted,
		m.promotionDuration,
		m.snapshotsCreated,
		m.reconciliations,
		m.reconciliationLatency,
		m.adapterCalls,
		m.adapterDuration,
		m.adapterErrors,
		m.errorsByClass,
	)

	return m, nil
}

// RecordDriftComparison increments the comparison counter.
func (m *Metrics) RecordDriftComparison(environment string) {
	if m.driftComparisons == nil {
		return
	}
	m.driftComparisons.WithLabelValues(environment).Inc()
}

// RecordDriftDetection records one detected drift.
func (m *Metrics) RecordDriftDetection(environment, severity string) {
	if m.driftDetections == nil {
		return
	}
	m.driftDetections.WithLabelValues(environment, severity).Inc()
}

// SetOpenIncidents sets the open incident gauge for an environment.
func (m *Metrics) SetOpenIncidents(environment string, count float64) {
	if m.openIncidents == nil {
		return
	}
	m.openIncidents.WithLabelValues(environment).Set(count)
}

// SetExpiredIncidents sets the expired incident gauge.
func (m *Metrics) SetExpiredIncidents(count float64) {
	if m.expiredIncidents == nil {
		return
	}
	m.expiredIncidents.Set(count)
}

// RecordPolicyBlock records an operation refused by the drift policy.
func (m *Metrics) RecordPolicyBlock(operation, reason string) {
	if m.policyBlocks == nil {
		return
	}
	m.policyBlocks.WithLabelValues(operation, reason).Inc()
}

// RecordPromotionStarted increments the started-promotion counter.
func (m *Metrics) RecordPromotionStarted(targetEnvironment string) {
	if m.promotionsStarted == nil {
		return
	}
	m.promotionsStarted.WithLabelValues(targetEnvironment).Inc()
}

// RecordPromotionCompleted records a finished promotion with its outcome.
func (m *Metrics) RecordPromotionCompleted(targetEnvironment, status string, duration time.Duration) {
	if m.promotionsCompleted == nil {
		return
	}
	m.promotionsCompleted.WithLabelValues(targetEnvironment, status).Inc()
	m.promotionDuration.WithLabelValues(status).Observe(duration.Seconds())
}

// RecordSnapshotCreated increments the snapshot counter.
func (m *Metrics) RecordSnapshotCreated(kind string) {
	if m.snapshotsCreated == nil {
		return
	}
	m.snapshotsCreated.WithLabelValues(kind).Inc()
}

// RecordReconciliation records a reconciliation attempt with its outcome.
func (m *Metrics) RecordReconciliation(resolutionType, status string, duration time.Duration) {
	if m.reconciliations == nil {
		return
	}
	m.reconciliations.WithLabelValues(resolutionType, status).Inc()
	m.reconciliationLatency.WithLabelValues(resolutionType).Observe(duration.Seconds())
}

// RecordAdapterCall records a runtime adapter call with its duration.
func (m *Metrics) RecordAdapterCall(adapter, operation string, duration time.Duration) {
	if m.adapterCalls == nil {
		return
	}
	m.adapterCalls.WithLabelValues(adapter, operation).Inc()
	m.adapterDuration.WithLabelValues(adapter, operation).Observe(duration.Seconds())
}

// RecordAdapterError records a runtime adapter error.
func (m *Metrics) RecordAdapterError(adapter, operation string) {
	if m.adapterErrors == nil {
		return
	}
	m.adapterErrors.WithLabelValues(adapter, operation).Inc()
}

// RecordError records an error by class.
func (m *Metrics) RecordError(errorClass string) {
	if m.errorsByClass == nil {
		return
	}
	m.errorsByClass.WithLabelValues(errorClass).Inc()
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

// StartMetricsServer starts an HTTP server to expose metrics.
func (m *Metrics) StartMetricsServer() error {
	if !m.config.Enabled {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle(m.config.Path, m.Handler())

	server := &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			fmt.Printf("metrics server error: %v\n", err)
		}
	}()

	return nil
}
