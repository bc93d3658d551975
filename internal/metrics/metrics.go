// Package metrics exposes Prometheus collectors for the fetch engine.
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
	fetchResultsTotal          *prometheus.CounterVec
	fetchDurationSeconds       *prometheus.HistogramVec
	navigatesTotal             prometheus.Counter
	evaluationsTotal           prometheus.Counter
	cancelsTotal               prometheus.Counter
	sessionsRetiredTotal       *prometheus.CounterVec
	sessionAcquireSeconds      prometheus.Histogram
	fatLinksTotal              *prometheus.CounterVec
	taskCacheSize              *prometheus.GaugeVec
	activeWorkers              prometheus.Gauge
	rateLimitDelaysSeconds     *prometheus.HistogramVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times. Observe helpers are no-ops
// until Init has run.
func Init() {
	once.Do(func() {
		fetchResultsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fetch_results_total",
				Help: "Total number of fetch executions, labeled by site, status and retry scope.",
			},
			[]string{"site", "status", "scope"},
		)

		fetchDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "fetch_duration_seconds",
				Help:    "Histogram of fetch execution latencies, labeled by status.",
				Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120},
			},
			[]string{"status"},
		)

		navigatesTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "fetch_navigates_total",
				Help: "Total number of session navigations.",
			},
		)

		evaluationsTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "fetch_script_evaluations_total",
				Help: "Total number of in-page script evaluations.",
			},
		)

		cancelsTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "fetch_cancels_total",
				Help: "Total number of task cancellations requested.",
			},
		)

		sessionsRetiredTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fetch_sessions_retired_total",
				Help: "Total number of browser sessions retired, labeled by reason.",
			},
			[]string{"reason"},
		)

		sessionAcquireSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "fetch_session_acquire_seconds",
				Help:    "Histogram of time spent waiting for a browser session.",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 60},
			},
		)

		fatLinksTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fetch_fat_links_total",
				Help: "Total number of fat link groups that reached a terminal state, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		taskCacheSize = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "fetch_task_cache_size",
				Help: "Number of tasks waiting in each task cache.",
			},
			[]string{"cache"},
		)

		activeWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "fetch_active_workers",
				Help: "Number of workers currently executing a fetch.",
			},
		)

		rateLimitDelaysSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "fetch_rate_limit_delays_seconds",
				Help:    "Histogram of rate limit wait durations.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"domain"},
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

// ObserveFetch records one finished fetch execution.
func ObserveFetch(site, status, scope string, duration time.Duration) {
	if fetchResultsTotal == nil {
		return
	}
	if scope == "" {
		scope = "none"
	}
	fetchResultsTotal.WithLabelValues(SanitizeSite(site), status, scope).Inc()
	fetchDurationSeconds.WithLabelValues(status).Observe(duration.Seconds())
}

// IncNavigates counts a navigation.
func IncNavigates() {
	if navigatesTotal == nil {
		return
	}
	navigatesTotal.Inc()
}

// IncEvaluations counts a script evaluation.
func IncEvaluations() {
	if evaluationsTotal == nil {
		return
	}
	evaluationsTotal.Inc()
}

// IncCancels counts a cancellation request.
func IncCancels() {
	if cancelsTotal == nil {
		return
	}
	cancelsTotal.Inc()
}

// ObserveSessionRetired counts a retired session.
func ObserveSessionRetired(reason string) {
	if sessionsRetiredTotal == nil {
		return
	}
	sessionsRetiredTotal.WithLabelValues(reason).Inc()
}

// ObserveSessionAcquire records how long a caller waited for a session.
func ObserveSessionAcquire(duration time.Duration) {
	if sessionAcquireSeconds == nil {
		return
	}
	sessionAcquireSeconds.Observe(duration.Seconds())
}

// ObserveFatLink counts a fat link group reaching a terminal outcome.
func ObserveFatLink(outcome string) {
	if fatLinksTotal == nil {
		return
	}
	fatLinksTotal.WithLabelValues(outcome).Inc()
}

// SetTaskCacheSize publishes the current size of a task cache.
func SetTaskCacheSize(cache string, size int) {
	if taskCacheSize == nil {
		return
	}
	taskCacheSize.WithLabelValues(cache).Set(float64(size))
}

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers() {
	if activeWorkers == nil {
		return
	}
	activeWorkers.Inc()
}

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers() {
	if activeWorkers == nil {
		return
	}
	activeWorkers.Dec()
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(domain string, duration time.Duration) {
	if rateLimitDelaysSeconds == nil {
		return
	}
	rateLimitDelaysSeconds.WithLabelValues(domain).Observe(duration.Seconds())
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	if httpRequestsTotal == nil {
		return
	}
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
