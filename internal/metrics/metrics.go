// Package metrics exposes Prometheus collectors for the crawler service.
package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	crawlerPagesTotal           *prometheus.CounterVec
	crawlerListingsTotal        *prometheus.CounterVec
	crawlerStopsTotal           *prometheus.CounterVec
	crawlerFetchFailuresTotal   *prometheus.CounterVec
	crawlerJobsTotal            *prometheus.CounterVec
	crawlerActiveWorkers        prometheus.Gauge
	crawlerBackoffLevel         prometheus.Gauge
	crawlerRateLimitWaitSeconds *prometheus.HistogramVec
	progressDroppedTotal        *prometheus.CounterVec
	httpRequestsTotal           *prometheus.CounterVec
	httpRequestDurationSeconds  *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		crawlerPagesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "listing_crawler_pages_total",
				Help: "Total number of listing pages walked, labeled by partition and outcome.",
			},
			[]string{"partition", "outcome"},
		)

		crawlerListingsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "listing_crawler_listings_total",
				Help: "Listings persisted, labeled by partition and classification (new, updated, removed).",
			},
			[]string{"partition", "kind"},
		)

		crawlerStopsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "listing_crawler_partition_stops_total",
				Help: "Partition walks finished, labeled by stop reason.",
			},
			[]string{"partition", "reason"},
		)

		crawlerFetchFailuresTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "listing_crawler_fetch_failures_total",
				Help: "Page fetch failures, labeled by kind (blocked, timeout, other).",
			},
			[]string{"kind"},
		)

		crawlerJobsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "listing_crawler_jobs_total",
				Help: "Total number of crawl jobs finished, labeled by status.",
			},
			[]string{"status"},
		)

		crawlerActiveWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "listing_crawler_active_workers",
				Help: "Number of workers currently walking partitions.",
			},
		)

		crawlerBackoffLevel = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "listing_crawler_backoff_level",
				Help: "Current backoff level of the shared rate limiter.",
			},
		)

		crawlerRateLimitWaitSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "listing_crawler_rate_limit_wait_seconds",
				Help:    "Histogram of rate limiter wait durations, labeled by worker.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"worker"},
		)

		progressDroppedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "listing_crawler_progress_events_dropped_total",
				Help: "Progress events dropped under backpressure, labeled by stage.",
			},
			[]string{"stage"},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method, route and code.",
			},
			[]string{"method", "route", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObservePage counts one walked page.
func ObservePage(partition, outcome string) {
	Init()
	crawlerPagesTotal.WithLabelValues(SanitizeLabel(partition), outcome).Inc()
}

// ObserveListings adds persisted listing counts for a partition.
func ObserveListings(partition, kind string, n int) {
	if n <= 0 {
		return
	}
	Init()
	crawlerListingsTotal.WithLabelValues(SanitizeLabel(partition), kind).Add(float64(n))
}

// ObserveStop counts a finished partition walk.
func ObserveStop(partition, reason string) {
	Init()
	crawlerStopsTotal.WithLabelValues(SanitizeLabel(partition), SanitizeLabel(reason)).Inc()
}

// ObserveFetchFailure counts a failed page fetch.
func ObserveFetchFailure(kind string) {
	Init()
	crawlerFetchFailuresTotal.WithLabelValues(kind).Inc()
}

// ObserveJob increments the job counter for the given status.
func ObserveJob(status string) {
	Init()
	crawlerJobsTotal.WithLabelValues(status).Inc()
}

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers() {
	Init()
	crawlerActiveWorkers.Inc()
}

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers() {
	Init()
	crawlerActiveWorkers.Dec()
}

// SetBackoffLevel publishes the limiter's backoff level.
func SetBackoffLevel(level float64) {
	Init()
	crawlerBackoffLevel.Set(level)
}

// ObserveRateLimitWait records the duration of a rate limiter wait.
func ObserveRateLimitWait(workerID int, duration time.Duration) {
	Init()
	crawlerRateLimitWaitSeconds.WithLabelValues(strconv.Itoa(workerID)).Observe(duration.Seconds())
}

// ObserveProgressDropped counts a progress event the hub could not queue.
func ObserveProgressDropped(stage string) {
	Init()
	progressDroppedTotal.WithLabelValues(SanitizeLabel(stage)).Inc()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, route, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// SanitizeLabel lowercases a partition or reason label and maps anything
// outside [a-z0-9_] to "unknown" to keep label cardinality bounded.
func SanitizeLabel(v string) string {
	v = strings.ToLower(strings.TrimSpace(v))
	if v == "" || len(v) > 64 {
		return "unknown"
	}
	for _, r := range v {
		if (r < 'a' || r > 'z') && (r < '0' || r > '9') && r != '_' {
			return "unknown"
		}
	}
	return v
}
