package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/reflow-iac/reflow/pkg/engine"
)

// Metrics provides Prometheus metrics for the reconciliation engine. It
// implements engine.Recorder. A disabled Metrics is a safe no-op.
type Metrics struct {
	config MetricsConfig

	// Cycle metrics
	cyclesTotal   *prometheus.CounterVec
	cycleDuration *prometheus.HistogramVec

	// Operation metrics
	operationsTotal   *prometheus.CounterVec
	operationDuration *prometheus.HistogramVec
	retriesTotal      *prometheus.CounterVec

	// Resource metrics
	resourcesManaged prometheus.Gauge

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		cyclesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cycles_total",
				Help:      "Total number of reconciliation cycles by outcome",
			},
			[]string{"status"},
		),
		cycleDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "cycle_duration_seconds",
				Help:      "Duration of reconciliation cycles in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"status"},
		),

		operationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "operations_total",
				Help:      "Total number of executed operations",
			},
			[]string{"kind", "operation", "status"},
		),
		operationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "operation_duration_seconds",
				Help:      "Duration of provider operations in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"kind", "operation"},
		),
		retriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "retries_total",
				Help:      "Total number of operation retries",
			},
			[]string{"kind", "operation"},
		),

		resourcesManaged: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "resources_managed",
				Help:      "Current number of resources under management",
			},
		),
	}

	registry.MustRegister(
		m.cyclesTotal,
		m.cycleDuration,
		m.operationsTotal,
		m.operationDuration,
		m.retriesTotal,
		m.resourcesManaged,
	)

	return m, nil
}

// RecordCycle records a finished reconciliation cycle.
func (m *Metrics) RecordCycle(status engine.CycleStatus, duration time.Duration) {
	if m.cyclesTotal == nil {
		return
	}
	m.cyclesTotal.WithLabelValues(string(status)).Inc()
	m.cycleDuration.WithLabelValues(string(status)).Observe(duration.Seconds())
}

// RecordOperation records one executed operation.
func (m *Metrics) RecordOperation(kind engine.Kind, op engine.OperationType, status engine.ResultStatus, duration time.Duration) {
	if m.operationsTotal == nil {
		return
	}
	m.operationsTotal.WithLabelValues(string(kind), string(op), string(status)).Inc()
	if status != engine.ResultSkipped {
		m.operationDuration.WithLabelValues(string(kind), string(op)).Observe(duration.Seconds())
	}
}

// RecordRetry records one operation retry.
func (m *Metrics) RecordRetry(kind engine.Kind, op engine.OperationType) {
	if m.retriesTotal == nil {
		return
	}
	m.retriesTotal.WithLabelValues(string(kind), string(op)).Inc()
}

// SetManagedResources sets the current number of managed resources.
func (m *Metrics) SetManagedResources(n int) {
	if m.resourcesManaged == nil {
		return
	}
	m.resourcesManaged.Set(float64(n))
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
			log.Error().Err(err).Msg("metrics server error")
		}
	}()

	return nil
}
