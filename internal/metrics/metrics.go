// Package metrics exposes Prometheus collectors for the fetcher service.
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
	fetchesTotal               *prometheus.CounterVec
	fetchDurationSeconds       *prometheus.HistogramVec
	fetchRetriesTotal          prometheus.Counter
	jobsTotal                  *prometheus.CounterVec
	activeFetches              prometheus.Gauge
	browsersCreatedTotal       prometheus.Counter
	browsersRecycledTotal      *prometheus.CounterVec
	poolAvailableBrowsers      prometheus.Gauge
	poolAcquireWaitSeconds     prometheus.Histogram
	cookieSessionsActive       prometheus.Gauge
	challengeSolvesTotal       *prometheus.CounterVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec
	domainWaitSeconds          *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		fetchesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fetcher_fetches_total",
				Help: "Total URL fetches, labeled by site and outcome.",
			},
			[]string{"site", "outcome"},
		)

		fetchDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "fetcher_fetch_duration_seconds",
				Help:    "Histogram of per-URL fetch latencies, labeled by outcome.",
				Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 90, 120},
			},
			[]string{"outcome"},
		)

		fetchRetriesTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "fetcher_fetch_retries_total",
				Help: "Total retry attempts across all fetches.",
			},
		)

		domainWaitSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "fetcher_domain_wait_seconds",
				Help:    "Time spent waiting on the per-domain rate limiter.",
				Buckets: []float64{0.005, 0.05, 0.25, 1, 2.5, 10},
			},
			[]string{"site"},
		)

		jobsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fetcher_jobs_total",
				Help: "Total jobs processed, labeled by terminal status.",
			},
			[]string{"status"},
		)

		activeFetches = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "fetcher_active_fetches",
				Help: "Number of URL fetches currently in flight.",
			},
		)

		browsersCreatedTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "fetcher_browsers_created_total",
				Help: "Total browser instances launched by the pool.",
			},
		)

		browsersRecycledTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fetcher_browsers_recycled_total",
				Help: "Total browsers retired, labeled by reason (age, uses, shutdown).",
			},
			[]string{"reason"},
		)

		poolAvailableBrowsers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "fetcher_pool_available_browsers",
				Help: "Browsers currently idle and healthy in the pool.",
			},
		)

		poolAcquireWaitSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "fetcher_pool_acquire_wait_seconds",
				Help:    "Time spent waiting for a pooled browser.",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 60},
			},
		)

		cookieSessionsActive = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "fetcher_cookie_sessions_active",
				Help: "Clearance-cookie sessions currently cached.",
			},
		)

		challengeSolvesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fetcher_challenge_solves_total",
				Help: "Challenge solve attempts via FlareSolverr, labeled by outcome.",
			},
			[]string{"outcome"},
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

// ObserveFetch records the outcome and latency of a single URL fetch.
func ObserveFetch(site, outcome string, duration time.Duration) {
	fetchesTotal.WithLabelValues(SanitizeSite(site), outcome).Inc()
	fetchDurationSeconds.WithLabelValues(outcome).Observe(duration.Seconds())
}

// ObserveDomainWait records time spent throttled by the per-domain limiter.
func ObserveDomainWait(site string, duration time.Duration) {
	domainWaitSeconds.WithLabelValues(SanitizeSite(site)).Observe(duration.Seconds())
}

// ObserveRetry counts one retry attempt.
func ObserveRetry() {
	fetchRetriesTotal.Inc()
}

// ObserveJob increments the job counter for the given terminal status.
func ObserveJob(status string) {
	jobsTotal.WithLabelValues(status).Inc()
}

// IncActiveFetches increments the in-flight fetch gauge.
func IncActiveFetches() {
	activeFetches.Inc()
}

// DecActiveFetches decrements the in-flight fetch gauge.
func DecActiveFetches() {
	activeFetches.Dec()
}

// ObserveBrowserCreated counts a browser launch.
func ObserveBrowserCreated() {
	browsersCreatedTotal.Inc()
}

// ObserveBrowserRecycled counts a browser retirement for the given reason.
func ObserveBrowserRecycled(reason string) {
	browsersRecycledTotal.WithLabelValues(reason).Inc()
}

// SetPoolAvailable records how many idle healthy browsers the pool holds.
func SetPoolAvailable(n int) {
	poolAvailableBrowsers.Set(float64(n))
}

// ObservePoolAcquireWait records how long a caller waited for a browser.
func ObservePoolAcquireWait(duration time.Duration) {
	poolAcquireWaitSeconds.Observe(duration.Seconds())
}

// SetCookieSessions records the number of cached clearance-cookie sessions.
func SetCookieSessions(n int) {
	cookieSessionsActive.Set(float64(n))
}

// ObserveChallengeSolve counts a FlareSolverr solve attempt by outcome.
func ObserveChallengeSolve(outcome string) {
	challengeSolvesTotal.WithLabelValues(outcome).Inc()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
