package telemetry

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/equiplace/equiplace/pkg/engine"
)

var _ engine.Metrics = (*Metrics)(nil)

// Metrics provides Prometheus metrics for placements. A disabled instance is a no-op.
type Metrics struct {
	config MetricsConfig

	// Placement metrics
	placementsStarted   *prometheus.CounterVec
	placementsCompleted *prometheus.CounterVec
	placementDuration   *prometheus.HistogramVec
	activePlacements    prometheus.Gauge

	// Stage metrics
	stageDuration *prometheus.HistogramVec

	// Transfer and cleanup metrics
	filesFetched          prometheus.Counter
	fetchBatchFailures    prometheus.Counter
	propertyWriteFailures *prometheus.CounterVec
	cleanupResidual       prometheus.Counter

	// Error metrics
	errorsByKind *prometheus.CounterVec
	errorsByCode *prometheus.CounterVec

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

		placementsStarted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "placements_started_total",
				Help:      "Total number of placements started",
			},
			[]string{"equipment"},
		),
		placementsCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "placements_completed_total",
				Help:      "Total number of placements completed",
			},
			[]string{"status"},
		),
		placementDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "placement_duration_seconds",
				Help:      "Duration of placements in seconds",
				Buckets:   buckets,
			},
			[]string{"status"},
		),
		activePlacements: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_placements",
				Help:      "Current number of running placements",
			},
		),

		stageDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "stage_duration_seconds",
				Help:      "Duration of pipeline stages in seconds",
				Buckets:   buckets,
			},
			[]string{"stage", "status"},
		),

		filesFetched: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "files_fetched_total",
				Help:      "Total number of files fetched from the repository",
			},
		),
		fetchBatchFailures: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "fetch_batch_failures_total",
				Help:      "Total number of fetch batches that failed",
			},
		),
		propertyWriteFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "property_write_failures_total",
				Help:      "Total number of property writes that failed",
			},
			[]string{"property"},
		),
		cleanupResidual: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cleanup_residual_files_total",
				Help:      "Total number of staging entries left behind by cleanup",
			},
		),

		errorsByKind: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_by_kind_total",
				Help:      "Total number of placement errors by kind",
			},
			[]string{"kind"},
		),
		errorsByCode: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_by_code_total",
				Help:      "Total number of placement errors by code",
			},
			[]string{"code"},
		),
	}

	registry.MustRegister(
		m.placementsStarted,
		m.placementsCompleted,
		m.placementDuration,
		m.activePlacements,
		m.stageDuration,
		m.filesFetched,
		m.fetchBatchFailures,
		m.propertyWriteFailures,
		m.cleanupResidual,
		m.errorsByKind,
		m.errorsByCode,
	)

	return m, nil
}

// Enabled reports whether metrics are collected.
func (m *Metrics) Enabled() bool {
	return m.registry != nil
}

// RecordPlacementStarted increments the started counter and the active gauge.
func (m *Metrics) RecordPlacementStarted(equipment string) {
	if m.placementsStarted == nil {
		return
	}
	m.placementsStarted.WithLabelValues(equipment).Inc()
	m.activePlacements.Inc()
}

// RecordPlacementCompleted records a finished placement with its status and duration.
func (m *Metrics) RecordPlacementCompleted(status string, duration time.Duration) {
	if m.placementsCompleted == nil {
		return
	}
	m.placementsCompleted.WithLabelValues(status).Inc()
	m.placementDuration.WithLabelValues(status).Observe(duration.Seconds())
	m.activePlacements.Dec()
}

// RecordStage records the duration of one stage.
func (m *Metrics) RecordStage(stage, status string, duration time.Duration) {
	if m.stageDuration == nil {
		return
	}
	m.stageDuration.WithLabelValues(stage, status).Observe(duration.Seconds())
}

// RecordFilesFetched adds to the fetched files counter.
func (m *Metrics) RecordFilesFetched(count int) {
	if m.filesFetched == nil || count <= 0 {
		return
	}
	m.filesFetched.Add(float64(count))
}

// RecordFetchBatchFailure counts a failed fetch batch.
func (m *Metrics) RecordFetchBatchFailure() {
	if m.fetchBatchFailures == nil {
		return
	}
	m.fetchBatchFailures.Inc()
}

// RecordPropertyWriteFailure counts a failed property write.
func (m *Metrics) RecordPropertyWriteFailure(property string) {
	if m.propertyWriteFailures == nil {
		return
	}
	m.propertyWriteFailures.WithLabelValues(property).Inc()
}

// RecordCleanupResidual adds staging entries that could not be removed.
func (m *Metrics) RecordCleanupResidual(count int) {
	if m.cleanupResidual == nil || count <= 0 {
		return
	}
	m.cleanupResidual.Add(float64(count))
}

// RecordError records an error by kind and optionally by code.
func (m *Metrics) RecordError(kind, code string) {
	if m.errorsByKind == nil {
		return
	}
	m.errorsByKind.WithLabelValues(kind).Inc()
	if code != "" {
		m.errorsByCode.WithLabelValues(code).Inc()
	}
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

// StartMetricsServer serves the metrics endpoint until ctx is done. It is a no-op
// when metrics are disabled or no listen address is configured.
func (m *Metrics) StartMetricsServer(ctx context.Context) error {
	if m.registry == nil || m.config.ListenAddress == "" {
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
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Str("address", m.config.ListenAddress).Msg("Metrics server failed")
		}
	}()

	log.Info().Str("address", m.config.ListenAddress).Str("path", path).Msg("Serving metrics")
	return nil
}
