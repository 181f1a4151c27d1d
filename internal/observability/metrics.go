package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// APIRequests counts backend requests by operation and outcome.
	APIRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "learnora_api_requests_total",
		Help: "Total number of backend REST requests by operation and outcome",
	}, []string{"operation", "outcome"})

	// APILatency records backend request latency by operation.
	APILatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "learnora_api_request_seconds",
		Help:    "Backend REST request latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"operation"})

	// FeedRefreshes counts refreshes by kind (poll, reaction, full) and outcome.
	FeedRefreshes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "learnora_feed_refresh_total",
		Help: "Total number of feed refreshes by kind and outcome",
	}, []string{"kind", "outcome"})

	// MediaResolutions counts media resolutions by result (url, blob, fallback, cached).
	MediaResolutions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "learnora_media_resolutions_total",
		Help: "Total number of media reference resolutions by result",
	}, []string{"result"})

	// MediaHandlesOpen is the gauge of unreleased local media handles.
	MediaHandlesOpen = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "learnora_media_handles_open",
		Help: "Number of local media handles that have not been revoked",
	})

	// StoreMutations counts post store mutations by operation.
	StoreMutations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "learnora_store_mutations_total",
		Help: "Total number of post store mutations by operation",
	}, []string{"operation"})

	// RedisErrors counts Redis errors by command.
	RedisErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "learnora_redis_errors_total",
		Help: "Total number of Redis errors by command",
	}, []string{"command"})
)

// TrackAPICall returns a function that records latency and outcome when called (e.g. defer).
func TrackAPICall(operation string) func(err error) {
	start := time.Now()
	return func(err error) {
		APILatency.WithLabelValues(operation).Observe(time.Since(start).Seconds())
		outcome := "ok"
		if err != nil {
			outcome = "error"
		}
		APIRequests.WithLabelValues(operation, outcome).Inc()
	}
}
