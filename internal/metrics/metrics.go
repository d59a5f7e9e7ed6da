// Package metrics exposes Prometheus collectors for the fetch engine.
package metrics

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	fetchTotal             *prometheus.CounterVec
	fetchDurationSeconds   *prometheus.HistogramVec
	httpRequestsTotal      *prometheus.CounterVec
	httpRequestDuration    *prometheus.HistogramVec
	cacheLookupsTotal      *prometheus.CounterVec
	activeFetches          prometheus.Gauge
	rateLimitDelaySeconds  *prometheus.HistogramVec
	proxyOutcomesTotal     *prometheus.CounterVec
	blocklistBlocksTotal   *prometheus.CounterVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors. Safe to call more
// than once.
func Init() {
	once.Do(func() {
		fetchTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "heatlink_fetch_total",
				Help: "Total number of leader fetches, labeled by source and outcome.",
			},
			[]string{"source_id", "outcome"},
		)

		fetchDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "heatlink_fetch_duration_seconds",
				Help:    "Histogram of leader fetch durations, labeled by source.",
				Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"source_id"},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "heatlink_http_requests_total",
				Help: "Total number of control-plane HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDuration = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "heatlink_http_request_duration_seconds",
				Help:    "Histogram of control-plane HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)

		cacheLookupsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "heatlink_cache_lookups_total",
				Help: "Total number of cache lookups, labeled by source and result (hit|miss).",
			},
			[]string{"source_id", "result"},
		)

		activeFetches = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "heatlink_active_fetches",
				Help: "Number of leader fetches currently in flight.",
			},
		)

		rateLimitDelaySeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "heatlink_rate_limit_delay_seconds",
				Help:    "Histogram of politeness rate-limit wait durations, labeled by host.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"host"},
		)

		proxyOutcomesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "heatlink_proxy_outcomes_total",
				Help: "Total number of proxy fetch outcomes, labeled by proxy and result (success|failure).",
			},
			[]string{"proxy_id", "result"},
		)

		blocklistBlocksTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "heatlink_blocklist_blocks_total",
				Help: "Total number of hosts newly blocked after repeated forbidden responses.",
			},
			[]string{"host"},
		)
	})
}

// SanitizeHost extracts a lowercase hostname from rawURL, returning
// "unknown" when it cannot be parsed.
func SanitizeHost(rawURL string) string {
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

// Middleware is a chi middleware that records control-plane HTTP request
// metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)

		route := chi.RouteContext(r.Context()).RoutePattern()
		if route == "" {
			route = "unknown"
		}
		ObserveHTTPRequest(r.Method, route, ww.status, time.Since(start))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (rec *statusRecorder) WriteHeader(code int) {
	rec.status = code
	rec.ResponseWriter.WriteHeader(code)
}

// ObserveFetch records a leader fetch's outcome and duration.
func ObserveFetch(sourceID, outcome string, duration time.Duration) {
	fetchTotal.WithLabelValues(sourceID, outcome).Inc()
	fetchDurationSeconds.WithLabelValues(sourceID).Observe(duration.Seconds())
}

// ObserveHTTPRequest records a control-plane HTTP request.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

// ObserveCacheLookup records a cache lookup's hit/miss outcome.
func ObserveCacheLookup(sourceID string, hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	cacheLookupsTotal.WithLabelValues(sourceID, result).Inc()
}

// IncActiveFetches increments the in-flight fetch gauge.
func IncActiveFetches() {
	activeFetches.Inc()
}

// DecActiveFetches decrements the in-flight fetch gauge.
func DecActiveFetches() {
	activeFetches.Dec()
}

// ObserveRateLimitDelay records how long a fetch waited on the politeness
// throttle for host.
func ObserveRateLimitDelay(host string, duration time.Duration) {
	rateLimitDelaySeconds.WithLabelValues(host).Observe(duration.Seconds())
}

// ObserveProxyOutcome records a proxied fetch's success/failure.
func ObserveProxyOutcome(proxyID string, success bool) {
	result := "failure"
	if success {
		result = "success"
	}
	proxyOutcomesTotal.WithLabelValues(proxyID, result).Inc()
}

// ObserveBlocklistBlock records that host was newly blocked.
func ObserveBlocklistBlock(host string) {
	blocklistBlocksTotal.WithLabelValues(host).Inc()
}
