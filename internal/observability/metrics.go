package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// MetricsCollector holds all Prometheus metrics for Sanduku.
// Uses a custom registry — no global state.
type MetricsCollector struct {
	Registry *prometheus.Registry

	// Execution metrics.
	ExecutionsTotal   *prometheus.CounterVec
	ExecutionDuration *prometheus.HistogramVec
	ExecutionOutputBytes prometheus.Histogram

	// Pool metrics.
	PoolIdle        prometheus.Gauge
	PoolLeased      prometheus.Gauge
	PoolCreated     *prometheus.CounterVec
	PoolDiscarded   *prometheus.CounterVec
	SessionRebinds  prometheus.Counter

	// Staging metrics.
	StagedWritesTotal  prometheus.Counter
	StagedFailuresTotal prometheus.Counter

	// Tool cache metrics.
	ToolCacheLookups *prometheus.CounterVec

	// Guardrail metrics.
	GuardrailChecksTotal *prometheus.CounterVec

	// HTTP gateway metrics.
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// System metrics.
	ActiveRequests prometheus.Gauge
}

// NewMetricsCollector creates a MetricsCollector with all metrics registered
// on a custom prometheus.Registry.
func NewMetricsCollector() *MetricsCollector {
	reg := prometheus.NewRegistry()

	m := &MetricsCollector{
		Registry: reg,

		ExecutionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sanduku",
			Subsystem: "exec",
			Name:      "executions_total",
			Help:      "Total sandbox executions by outcome.",
		}, []string{"status"}),

		ExecutionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "sanduku",
			Subsystem: "exec",
			Name:      "duration_seconds",
			Help:      "Sandbox execution duration in seconds.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30},
		}, []string{"status"}),

		ExecutionOutputBytes: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "sanduku",
			Subsystem: "exec",
			Name:      "output_bytes",
			Help:      "Size of combined execution output.",
			Buckets:   prometheus.ExponentialBuckets(64, 4, 8),
		}),

		PoolIdle: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "sanduku",
			Subsystem: "pool",
			Name:      "idle_workers",
			Help:      "Workers currently idle in the pool.",
		}),

		PoolLeased: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "sanduku",
			Subsystem: "pool",
			Name:      "leased_workers",
			Help:      "Workers currently leased out of the pool.",
		}),

		PoolCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sanduku",
			Subsystem: "pool",
			Name:      "workers_created_total",
			Help:      "Workers provisioned, by reason.",
		}, []string{"reason"}),

		PoolDiscarded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sanduku",
			Subsystem: "pool",
			Name:      "workers_discarded_total",
			Help:      "Workers discarded, by reason.",
		}, []string{"reason"}),

		SessionRebinds: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sanduku",
			Subsystem: "pool",
			Name:      "session_rebinds_total",
			Help:      "Sessions rebuilt without recreating the remote worker.",
		}),

		StagedWritesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sanduku",
			Subsystem: "staging",
			Name:      "writes_total",
			Help:      "Files written into the workspace by the stager.",
		}),

		StagedFailuresTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sanduku",
			Subsystem: "staging",
			Name:      "failures_total",
			Help:      "Files that failed to stage.",
		}),

		ToolCacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sanduku",
			Subsystem: "toolcache",
			Name:      "lookups_total",
			Help:      "Tool description cache lookups.",
		}, []string{"result"}),

		GuardrailChecksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sanduku",
			Subsystem: "guardrail",
			Name:      "checks_total",
			Help:      "Guardrail validations performed.",
		}, []string{"stage", "result"}),

		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sanduku",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		}, []string{"method", "path", "status_code"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "sanduku",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),

		ActiveRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "sanduku",
			Name:      "active_requests",
			Help:      "Number of currently active requests.",
		}),
	}

	// Register all collectors.
	reg.MustRegister(
		m.ExecutionsTotal,
		m.ExecutionDuration,
		m.ExecutionOutputBytes,
		m.PoolIdle,
		m.PoolLeased,
		m.PoolCreated,
		m.PoolDiscarded,
		m.SessionRebinds,
		m.StagedWritesTotal,
		m.StagedFailuresTotal,
		m.ToolCacheLookups,
		m.GuardrailChecksTotal,
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.ActiveRequests,
	)

	return m
}
