// Package metrics exposes Prometheus collectors for the fetch path and the
// read API.
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

// Cache lookup results.
const (
	CacheHit       = "hit"
	CacheMiss      = "miss"
	CacheCoalesced = "coalesced"
	CacheError     = "error"
)

var (
	fetchCacheRequestsTotal     *prometheus.CounterVec
	fetchCacheEntries           prometheus.Gauge
	upstreamFetchDuration       *prometheus.HistogramVec
	rateLimitDelaySeconds       *prometheus.HistogramVec
	httpRequestsTotal           *prometheus.CounterVec
	httpRequestDurationSeconds  *prometheus.HistogramVec
	snapshotEntriesLoadedTotal  prometheus.Counter
	snapshotEntriesWrittenTotal prometheus.Counter

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		fetchCacheRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rlunch_fetch_cache_requests_total",
				Help: "Fetch cache lookups, labeled by result (hit, miss, coalesced, error).",
			},
			[]string{"result"},
		)

		fetchCacheEntries = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "rlunch_fetch_cache_entries",
				Help: "Number of responses currently held by the fetch cache.",
			},
		)

		upstreamFetchDuration = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "rlunch_upstream_fetch_duration_seconds",
				Help:    "Duration of upstream fetches, labeled by host and outcome.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
			},
			[]string{"host", "outcome"},
		)

		rateLimitDelaySeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "rlunch_rate_limit_delay_seconds",
				Help:    "Histogram of per-host request spacing waits.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"host"},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rlunch_http_requests_total",
				Help: "Total number of API requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "rlunch_http_request_duration_seconds",
				Help:    "Histogram of API request latencies, labeled by method and route.",
				Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2},
			},
			[]string{"method", "route"},
		)

		snapshotEntriesLoadedTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "rlunch_fetch_cache_snapshot_loaded_total",
				Help: "Cache entries restored from snapshots.",
			},
		)

		snapshotEntriesWrittenTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "rlunch_fetch_cache_snapshot_written_total",
				Help: "Cache entries written to snapshots.",
			},
		)
	})
}

// SanitizeSite extracts a lowercase hostname from a URL.
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

// ObserveCacheLookup counts one fetch cache lookup.
func ObserveCacheLookup(result string) {
	Init()
	fetchCacheRequestsTotal.WithLabelValues(result).Inc()
}

// SetCacheEntries records the current cache size.
func SetCacheEntries(n int) {
	Init()
	fetchCacheEntries.Set(float64(n))
}

// ObserveUpstreamFetch records the duration of a request that left the process.
func ObserveUpstreamFetch(rawURL string, ok bool, duration time.Duration) {
	Init()
	outcome := "ok"
	if !ok {
		outcome = "error"
	}
	upstreamFetchDuration.WithLabelValues(SanitizeSite(rawURL), outcome).Observe(duration.Seconds())
}

// ObserveRateLimitDelay records the duration of a request spacing wait.
func ObserveRateLimitDelay(host string, duration time.Duration) {
	Init()
	rateLimitDelaySeconds.WithLabelValues(host).Observe(duration.Seconds())
}

// ObserveSnapshot records cache snapshot traffic.
func ObserveSnapshot(loaded, written int) {
	Init()
	if loaded > 0 {
		snapshotEntriesLoadedTotal.Add(float64(loaded))
	}
	if written > 0 {
		snapshotEntriesWrittenTotal.Add(float64(written))
	}
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
