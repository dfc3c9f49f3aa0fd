// Package telemetry provides application-level observability for logwarden.
//
// # Prometheus Metrics Endpoint
//
// All metrics are registered against the default Prometheus registry and are
// served on the side-channel HTTP server started by main.go:
//
//	GET http://<host>:<LGW_TELEMETRY_METRICS_PROMETHEUS_PORT>/metrics
//
// Default port: 9090. It is not served by the Gin router.
//
// # Metric Groups
//
//   - HTTP request counters and latency histograms (labelled by route template, not raw URL)
//   - Guardrail decisions per pipeline stage
//   - Query and upstream latency
//   - Redaction, truncation and persistence side-effect counters
//
// # Label Cardinality
//
// No metric is labelled by user id, query text or any other request-supplied value.
// Reasons are drawn from a closed set.
package telemetry

import (
	"context"
	"database/sql"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// HTTP metrics, labelled by method, route template, and status code.
//
// Example PromQL queries:
//   - Error rate (%):        sum(rate(http_requests_total{status=~"5.."}[5m])) / sum(rate(http_requests_total[5m])) * 100
//   - p99 latency per route: histogram_quantile(0.99, sum by (path, le) (rate(http_request_duration_seconds_bucket[5m])))
var (
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests processed, by method, route template, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Histogram of HTTP request latencies, by method and route template.",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"method", "path"},
	)
)

// GuardrailDecisionsTotal counts every gate outcome in the query pipeline.
// stage is one of access, ratelimit, validation, upstream, complete; outcome is
// allowed or denied; reason is empty for allowed decisions.
//
// Example PromQL queries:
//   - Denials by reason:  sum by (stage, reason) (rate(logwarden_guardrail_decisions_total{outcome="denied"}[15m]))
//   - Fallback grants:    rate(logwarden_guardrail_decisions_total{stage="access",reason="fallback"}[1h])
var GuardrailDecisionsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "logwarden_guardrail_decisions_total",
		Help: "Guardrail decisions by pipeline stage, outcome, and reason.",
	},
	[]string{"stage", "outcome", "reason"},
)

// Latency metrics.
var (
	QueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "logwarden_query_duration_seconds",
			Help:    "End-to-end duration of a guarded log query, by outcome.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"outcome"},
	)

	UpstreamRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "logwarden_upstream_request_duration_seconds",
			Help:    "Duration of log backend requests, by HTTP status class (or error).",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"status"},
	)
)

// Side-effect counters. A non-zero rate on the failure counters means audit
// records or rate-limit windows are being lost while requests keep flowing.
var (
	RedactionsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "logwarden_redactions_total",
			Help: "Total number of secret substitutions applied to returned log lines.",
		},
	)

	ResultTruncationsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "logwarden_result_truncations_total",
			Help: "Total number of query results truncated to the line limit.",
		},
	)

	AuditWriteFailuresTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "logwarden_audit_write_failures_total",
			Help: "Total number of audit entries that could not be persisted.",
		},
	)

	RateLimitStoreErrorsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "logwarden_ratelimit_store_errors_total",
			Help: "Total number of rate-limit store read/write failures.",
		},
	)

	AuditEntriesPrunedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "logwarden_audit_entries_pruned_total",
			Help: "Total number of audit entries removed by the retention sweep.",
		},
	)

	ExpiredKeysSweptTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "logwarden_expired_keys_swept_total",
			Help: "Total number of expired store keys (idle rate-limit records) deleted by the sweep.",
		},
	)

	BackgroundPanicsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "logwarden_background_panics_total",
			Help: "Panics recovered in background tasks (audit shipping, retention sweeps), by task.",
		},
		[]string{"task"},
	)
)

// DBOpenConnections tracks open connections held by the postgres store's pool.
// It is sampled by StartDBStatsCollector rather than per request.
var DBOpenConnections = promauto.NewGauge(
	prometheus.GaugeOpts{
		Name: "db_open_connections",
		Help: "Current number of open database connections in the pool.",
	},
)

// StartDBStatsCollector samples db pool statistics every interval until ctx is
// cancelled or the database becomes unreachable.
func StartDBStatsCollector(ctx context.Context, db *sql.DB, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := db.PingContext(ctx); err != nil {
					slog.Warn("db stats collector: database unreachable, stopping collector", "error", err)
					return
				}
				DBOpenConnections.Set(float64(db.Stats().OpenConnections))
			}
		}
	}()
}

// RecordDecision increments GuardrailDecisionsTotal.
func RecordDecision(stage string, allowed bool, reason string) {
	outcome := "allowed"
	if !allowed {
		outcome = "denied"
	}
	GuardrailDecisionsTotal.WithLabelValues(stage, outcome, reason).Inc()
}
