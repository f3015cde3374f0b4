package core

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// EngineMetrics receives reconciliation gauges and counters.
type EngineMetrics interface {
	SetTrackedTokens(n int)
	SetOverusedKeys(n int)
	AddAmbiguousSkips(n int)
	AddRecaptures(n int)
	AddAppliedTokens(n int)
}

type noopEngineMetrics struct{}

func (noopEngineMetrics) SetTrackedTokens(int)  {}
func (noopEngineMetrics) SetOverusedKeys(int)   {}
func (noopEngineMetrics) AddAmbiguousSkips(int) {}
func (noopEngineMetrics) AddRecaptures(int)     {}
func (noopEngineMetrics) AddAppliedTokens(int)  {}

// NoopEngineMetrics discards engine metrics.
func NoopEngineMetrics() EngineMetrics { return noopEngineMetrics{} }

// PrometheusMetricsRecorder implements MetricsRecorder and EngineMetrics on
// a dedicated registry.
type PrometheusMetricsRecorder struct {
	registry *prometheus.Registry

	opDuration  *prometheus.HistogramVec
	opResults   *prometheus.CounterVec
	tracked     prometheus.Gauge
	overused    prometheus.Gauge
	ambiguous   prometheus.Counter
	recaptures  prometheus.Counter
	appliedToks prometheus.Counter
}

// NewPrometheusMetricsRecorder registers the tokenvault collectors on a new
// registry.
func NewPrometheusMetricsRecorder() *PrometheusMetricsRecorder {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &PrometheusMetricsRecorder{
		registry: reg,
		opDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "tokenvault_operation_duration_seconds",
			Help:    "Duration of service and engine operations.",
			Buckets: prometheus.DefBuckets,
		}, []string{"operation"}),
		opResults: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "tokenvault_operation_results_total",
			Help: "Operation outcomes by status.",
		}, []string{"operation", "status"}),
		tracked: factory.NewGauge(prometheus.GaugeOpts{
			Name: "tokenvault_tracked_tokens",
			Help: "Persisted tokens in the store.",
		}),
		overused: factory.NewGauge(prometheus.GaugeOpts{
			Name: "tokenvault_overused_unique_keys",
			Help: "UNIQUE keys with more than one live instance.",
		}),
		ambiguous: factory.NewCounter(prometheus.CounterOpts{
			Name: "tokenvault_ambiguous_skips_total",
			Help: "Recaptures skipped because a key had several live instances.",
		}),
		recaptures: factory.NewCounter(prometheus.CounterOpts{
			Name: "tokenvault_recaptures_total",
			Help: "Persisted tokens recaptured from the scene.",
		}),
		appliedToks: factory.NewCounter(prometheus.CounterOpts{
			Name: "tokenvault_applied_tokens_total",
			Help: "New tokens that received persisted data.",
		}),
	}
}

// Observe implements MetricsRecorder.
func (r *PrometheusMetricsRecorder) Observe(_ context.Context, operation string, success bool, duration time.Duration) {
	if operation == "" {
		return
	}
	status := "error"
	if success {
		status = "success"
	}
	r.opDuration.WithLabelValues(operation).Observe(duration.Seconds())
	r.opResults.WithLabelValues(operation, status).Inc()
}

// SetTrackedTokens implements EngineMetrics.
func (r *PrometheusMetricsRecorder) SetTrackedTokens(n int) { r.tracked.Set(float64(n)) }

// SetOverusedKeys implements EngineMetrics.
func (r *PrometheusMetricsRecorder) SetOverusedKeys(n int) { r.overused.Set(float64(n)) }

// AddAmbiguousSkips implements EngineMetrics.
func (r *PrometheusMetricsRecorder) AddAmbiguousSkips(n int) { r.ambiguous.Add(float64(n)) }

// AddRecaptures implements EngineMetrics.
func (r *PrometheusMetricsRecorder) AddRecaptures(n int) { r.recaptures.Add(float64(n)) }

// AddAppliedTokens implements EngineMetrics.
func (r *PrometheusMetricsRecorder) AddAppliedTokens(n int) { r.appliedToks.Add(float64(n)) }

// Registry exposes the underlying registry for gathering in tests.
func (r *PrometheusMetricsRecorder) Registry() *prometheus.Registry { return r.registry }

// Handler serves the registry in the Prometheus exposition format.
func (r *PrometheusMetricsRecorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}
