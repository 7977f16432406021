// Package metrics exposes Prometheus collectors for the crawl service.
package metrics

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Page outcomes.
const (
	PageRecorded       = "recorded"
	PageDuplicate      = "duplicate"
	PageSkippedStatus  = "skipped_status"
	PageSkippedContent = "skipped_content"
	PageFetchFailed    = "fetch_failed"
)

// Delivery outcomes.
const (
	DeliveryAck        = "ack"
	DeliveryRequeue    = "requeue"
	DeliveryDeadLetter = "dead_letter"
)

var (
	crawlerPagesTotal          *prometheus.CounterVec
	crawlerBytesTotal          *prometheus.CounterVec
	crawlerFetchAttemptsTotal  *prometheus.CounterVec
	crawlerFetchDuration       prometheus.Histogram
	crawlerJobsTotal           *prometheus.CounterVec
	crawlerActiveJobs          prometheus.Gauge
	channelDeliveriesTotal     *prometheus.CounterVec
	reaperActionsTotal         *prometheus.CounterVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec
	rateLimitDelaySeconds      prometheus.Histogram
	throttledTotal             prometheus.Counter

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		crawlerPagesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_pages_total",
				Help: "Total number of pages visited, labeled by site and outcome.",
			},
			[]string{"site", "outcome"},
		)

		crawlerBytesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_bytes_total",
				Help: "Total number of bytes fetched, labeled by site.",
			},
			[]string{"site"},
		)

		crawlerFetchAttemptsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_fetch_attempts_total",
				Help: "Total number of fetch attempts, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		crawlerFetchDuration = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "crawler_fetch_duration_seconds",
				Help:    "Histogram of single fetch attempt latencies.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
			},
		)

		crawlerJobsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_jobs_total",
				Help: "Total number of jobs that reached a status, labeled by status.",
			},
			[]string{"status"},
		)

		crawlerActiveJobs = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "crawler_active_jobs",
				Help: "Number of jobs currently being crawled by this process.",
			},
		)

		channelDeliveriesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "channel_deliveries_total",
				Help: "Total number of settled deliveries, labeled by routing key and outcome.",
			},
			[]string{"routing_key", "outcome"},
		)

		reaperActionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "reaper_actions_total",
				Help: "Total number of stale jobs handled by the reaper, labeled by action.",
			},
			[]string{"action"},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)

		rateLimitDelaySeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "rate_limit_delay_seconds",
				Help:    "Time callers spent waiting on a rate limiter.",
				Buckets: prometheus.DefBuckets,
			},
		)

		throttledTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "http_throttled_total",
				Help: "Total number of job submissions rejected by the rate limiter.",
			},
		)
	})
}

// SanitizeSite sanitizes a URL to extract a lowercase hostname.
// It returns "unknown" if the URL is invalid.
func SanitizeSite(rawURL string) string {
	if !strings.HasPrefix(rawURL, "http") {
		rawURL = "http://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObservePage counts a visited page by outcome.
func ObservePage(site, outcome string, bytesFetched int) {
	sanitizedSite := SanitizeSite(site)
	crawlerPagesTotal.WithLabelValues(sanitizedSite, outcome).Inc()
	if bytesFetched > 0 {
		crawlerBytesTotal.WithLabelValues(sanitizedSite).Add(float64(bytesFetched))
	}
}

// ObserveFetchAttempt records one fetch attempt.
func ObserveFetchAttempt(outcome string, duration time.Duration) {
	crawlerFetchAttemptsTotal.WithLabelValues(outcome).Inc()
	crawlerFetchDuration.Observe(duration.Seconds())
}

// ObserveJob increments the job counter for the given status.
func ObserveJob(status string) {
	crawlerJobsTotal.WithLabelValues(status).Inc()
}

// IncActiveJobs increments the active jobs gauge.
func IncActiveJobs() {
	crawlerActiveJobs.Inc()
}

// DecActiveJobs decrements the active jobs gauge.
func DecActiveJobs() {
	crawlerActiveJobs.Dec()
}

// ObserveDelivery counts a settled channel delivery.
func ObserveDelivery(routingKey, outcome string) {
	channelDeliveriesTotal.WithLabelValues(routingKey, outcome).Inc()
}

// ObserveReaperAction counts a job handled by the reaper.
func ObserveReaperAction(action string) {
	reaperActionsTotal.WithLabelValues(action).Inc()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// ObserveRateLimitDelay records the time spent blocked on a limiter.
func ObserveRateLimitDelay(duration time.Duration) {
	rateLimitDelaySeconds.Observe(duration.Seconds())
}

// ObserveThrottled counts a request rejected with 429.
func ObserveThrottled() {
	throttledTotal.Inc()
}
