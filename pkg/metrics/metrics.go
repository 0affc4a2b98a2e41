package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"service", "method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"service", "method", "path"},
	)

	// Authorization metrics
	AuthzDecisionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "authz_decisions_total",
			Help: "Total number of authorization decisions",
		},
		[]string{"decision", "reason"},
	)

	AuthzSourceErrorsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "authz_source_errors_total",
			Help: "Authorization attempts aborted because the key source was unavailable",
		},
	)

	// Key set metrics
	KeyFetchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "authz_key_fetches_total",
			Help: "Total number of key set fetches",
		},
		[]string{"result"},
	)

	KeyFetchDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "authz_key_fetch_duration_seconds",
			Help:    "Key set fetch duration in seconds",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
	)

	KeyCacheSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "authz_key_cache_size",
			Help: "Number of signing keys currently cached",
		},
	)

	KeyRefreshesThrottled = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "authz_key_refreshes_throttled_total",
			Help: "Refresh-on-miss attempts suppressed by the refresh limiter",
		},
	)
)

// RecordHTTPRequest records an HTTP request metric
func RecordHTTPRequest(service, method, path, status string) {
	HTTPRequestsTotal.WithLabelValues(service, method, path, status).Inc()
}

// RecordHTTPDuration records HTTP request duration
func RecordHTTPDuration(service, method, path string, duration float64) {
	HTTPRequestDuration.WithLabelValues(service, method, path).Observe(duration)
}

// RecordDecision records an authorization decision
func RecordDecision(decision, reason string) {
	AuthzDecisionsTotal.WithLabelValues(decision, reason).Inc()
}

// RecordKeyFetch records a key set fetch and its duration
func RecordKeyFetch(result string, duration float64) {
	KeyFetchesTotal.WithLabelValues(result).Inc()
	KeyFetchDuration.Observe(duration)
}
