// Package metrics exposes Prometheus instrumentation for model fits and optimizer runs.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry holds all Prometheus metrics for the risk service.
// A nil *Registry is valid and records nothing, so components can be built without metrics.
type Registry struct {
	registry *prometheus.Registry

	FitDuration      *prometheus.HistogramVec
	FitFallbacks     *prometheus.CounterVec
	OptimizeDuration *prometheus.HistogramVec
	SolverIterations *prometheus.HistogramVec
	SnapshotCache    *prometheus.CounterVec
	BatchWindows     *prometheus.CounterVec
}

// NewRegistry creates a registry with every metric registered on its own Prometheus registry.
func NewRegistry() *Registry {
	m := &Registry{
		registry: prometheus.NewRegistry(),

		FitDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "factorrisk_fit_duration_seconds",
				Help:    "Duration of risk model fits in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0},
			},
			[]string{"model", "outcome"},
		),

		FitFallbacks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "factorrisk_fit_fallbacks_total",
				Help: "Risk model fits that degraded to the default model, by reason",
			},
			[]string{"model", "reason"},
		),

		OptimizeDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "factorrisk_optimize_duration_seconds",
				Help:    "Duration of portfolio optimizations in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0},
			},
			[]string{"solver", "status"},
		),

		SolverIterations: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "factorrisk_solver_iterations",
				Help:    "Iterations used by the optimizer backend per solve",
				Buckets: prometheus.ExponentialBuckets(10, 2, 14),
			},
			[]string{"solver"},
		),

		SnapshotCache: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "factorrisk_snapshot_cache_total",
				Help: "Snapshot cache lookups by result (hit or miss)",
			},
			[]string{"result"},
		),

		BatchWindows: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "factorrisk_batch_windows_total",
				Help: "Rebalance windows processed by the batch runner, by outcome",
			},
			[]string{"outcome"},
		),
	}

	m.registry.MustRegister(
		m.FitDuration,
		m.FitFallbacks,
		m.OptimizeDuration,
		m.SolverIterations,
		m.SnapshotCache,
		m.BatchWindows,
	)

	return m
}

// ObserveFit records a completed fit. reason is empty when no fallback was used.
func (m *Registry) ObserveFit(model string, duration time.Duration, reason string) {
	if m == nil {
		return
	}
	outcome := "fitted"
	if reason != "" {
		outcome = "fallback"
		m.FitFallbacks.WithLabelValues(model, reason).Inc()
	}
	m.FitDuration.WithLabelValues(model, outcome).Observe(duration.Seconds())
}

// ObserveOptimize records a solver run.
func (m *Registry) ObserveOptimize(solver, status string, duration time.Duration, iterations int) {
	if m == nil {
		return
	}
	m.OptimizeDuration.WithLabelValues(solver, status).Observe(duration.Seconds())
	if iterations > 0 {
		m.SolverIterations.WithLabelValues(solver).Observe(float64(iterations))
	}
}

// RecordCacheHit records a snapshot cache hit
func (m *Registry) RecordCacheHit() {
	if m == nil {
		return
	}
	m.SnapshotCache.WithLabelValues("hit").Inc()
}

// RecordCacheMiss records a snapshot cache miss
func (m *Registry) RecordCacheMiss() {
	if m == nil {
		return
	}
	m.SnapshotCache.WithLabelValues("miss").Inc()
}

// RecordBatchWindow records the outcome of one rebalance window ("optimized", "degraded" or "error").
func (m *Registry) RecordBatchWindow(outcome string) {
	if m == nil {
		return
	}
	m.BatchWindows.WithLabelValues(outcome).Inc()
}

// Gatherer exposes the underlying registry for tests and custom exporters.
func (m *Registry) Gatherer() prometheus.Gatherer {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Registry) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
