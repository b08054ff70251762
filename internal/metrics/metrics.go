// Package metrics exposes Prometheus collectors for the screenshot service.
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

var (
	shotRequestsTotal          *prometheus.CounterVec
	shotStageDurationSeconds   *prometheus.HistogramVec
	shotRenderFailuresTotal    *prometheus.CounterVec
	shotCrashRetriesTotal      prometheus.Counter
	shotUploadFailuresTotal    prometheus.Counter
	shotLocatorCacheTotal      *prometheus.CounterVec
	shotArtifactBytesTotal     *prometheus.CounterVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec
	jobsTotal                  *prometheus.CounterVec
	activeWorkers              prometheus.Gauge
	rateLimitDelaysSeconds     *prometheus.HistogramVec

	once     sync.Once
	poolOnce sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		shotRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "webshot_requests_total",
				Help: "Screenshot requests by outcome (hit, rendered, failed).",
			},
			[]string{"outcome"},
		)

		shotStageDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "webshot_stage_duration_seconds",
				Help:    "Latency of each pipeline stage.",
				Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"stage"},
		)

		shotRenderFailuresTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "webshot_render_failures_total",
				Help: "Failed renders by error class.",
			},
			[]string{"class"},
		)

		shotCrashRetriesTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "webshot_crash_retries_total",
				Help: "Renders retried on a fresh browser session after a crash.",
			},
		)

		shotUploadFailuresTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "webshot_upload_failures_total",
				Help: "Artifacts that could not be written to the blob store.",
			},
		)

		shotLocatorCacheTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "webshot_locator_cache_total",
				Help: "Signed URL cache lookups by result.",
			},
			[]string{"result"},
		)

		shotArtifactBytesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "webshot_artifact_bytes_total",
				Help: "Encoded artifact bytes produced, labeled by format.",
			},
			[]string{"format"},
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
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
			},
			[]string{"method", "route"},
		)

		jobsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "webshot_jobs_total",
				Help: "Deferred jobs processed, labeled by status.",
			},
			[]string{"status"},
		)

		activeWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "webshot_active_workers",
				Help: "Number of queue workers currently processing a job.",
			},
		)

		rateLimitDelaysSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "webshot_rate_limit_delays_seconds",
				Help:    "Histogram of per-host navigation rate limit waits.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"host"},
		)
	})
}

// PoolStats is the subset of browser pool bookkeeping exported as gauges.
type PoolStats struct {
	Capacity     int
	Idle         int
	Leased       int
	Provisioning int
}

// RegisterPool exports browser pool occupancy read from fn at scrape time.
// Only the first registration takes effect.
func RegisterPool(fn func() PoolStats) {
	poolOnce.Do(func() {
		gauge := func(name, help string, pick func(PoolStats) int) {
			promauto.NewGaugeFunc(prometheus.GaugeOpts{Name: name, Help: help}, func() float64 {
				return float64(pick(fn()))
			})
		}
		gauge("webshot_pool_capacity", "Configured browser pool capacity.", func(s PoolStats) int { return s.Capacity })
		gauge("webshot_pool_idle", "Idle browser sessions.", func(s PoolStats) int { return s.Idle })
		gauge("webshot_pool_leased", "Leased browser sessions.", func(s PoolStats) int { return s.Leased })
		gauge("webshot_pool_provisioning", "Browser sessions being launched.", func(s PoolStats) int { return s.Provisioning })
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

// ObserveRequest counts a finished screenshot request.
func ObserveRequest(outcome string) {
	Init()
	shotRequestsTotal.WithLabelValues(outcome).Inc()
}

// ObserveStage records the latency of one pipeline stage.
func ObserveStage(stage string, d time.Duration) {
	Init()
	shotStageDurationSeconds.WithLabelValues(stage).Observe(d.Seconds())
}

// ObserveRenderFailure counts a failed render by class.
func ObserveRenderFailure(class string) {
	Init()
	shotRenderFailuresTotal.WithLabelValues(class).Inc()
}

// ObserveCrashRetry counts a transparent retry after a browser crash.
func ObserveCrashRetry() {
	Init()
	shotCrashRetriesTotal.Inc()
}

// ObserveUploadFailure counts an artifact that was served but not cached.
func ObserveUploadFailure() {
	Init()
	shotUploadFailuresTotal.Inc()
}

// ObserveLocatorCache counts a signed URL cache lookup.
func ObserveLocatorCache(result string) {
	Init()
	shotLocatorCacheTotal.WithLabelValues(result).Inc()
}

// ObserveArtifact records the size of an encoded artifact.
func ObserveArtifact(format string, size int) {
	Init()
	if size > 0 {
		shotArtifactBytesTotal.WithLabelValues(format).Add(float64(size))
	}
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// ObserveJob increments the job counter for the given status.
func ObserveJob(status string) {
	Init()
	jobsTotal.WithLabelValues(status).Inc()
}

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers() {
	Init()
	activeWorkers.Inc()
}

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers() {
	Init()
	activeWorkers.Dec()
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(host string, duration time.Duration) {
	Init()
	rateLimitDelaysSeconds.WithLabelValues(host).Observe(duration.Seconds())
}
