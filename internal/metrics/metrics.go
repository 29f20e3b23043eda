// Package metrics exposes process-wide Prometheus collectors for the crawler
// service: fetch concurrency, running batches, page outcomes, and HTTP API
// traffic. Batch progress counters live in the progress sinks.
package metrics

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Page outcome labels.
const (
	ResultSuccess = "success"
	ResultError   = "error"
)

var (
	crawlerPagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crawler_pages_total",
			Help: "Total number of pages attempted, labeled by site and result.",
		},
		[]string{"site", "result"},
	)

	crawlerBytesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crawler_bytes_total",
			Help: "Total number of HTML bytes fetched, labeled by site.",
		},
		[]string{"site"},
	)

	crawlerFetchesInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "crawler_fetches_in_flight",
			Help: "Number of fetches currently holding a concurrency permit.",
		},
	)

	crawlerActiveBatches = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "crawler_active_batches",
			Help: "Number of batches scheduled and not yet settled.",
		},
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
)

// SanitizeSite extracts a lowercase hostname from a URL for use as a label.
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

// ObservePage records one page outcome.
func ObservePage(rawURL string, result string, bytesFetched int) {
	site := SanitizeSite(rawURL)
	crawlerPagesTotal.WithLabelValues(site, result).Inc()
	if bytesFetched > 0 {
		crawlerBytesTotal.WithLabelValues(site).Add(float64(bytesFetched))
	}
}

// SetFetchesInFlight reports the current number of held fetch permits.
func SetFetchesInFlight(n int64) {
	crawlerFetchesInFlight.Set(float64(n))
}

// IncActiveBatches increments the running batches gauge.
func IncActiveBatches() {
	crawlerActiveBatches.Inc()
}

// DecActiveBatches decrements the running batches gauge.
func DecActiveBatches() {
	crawlerActiveBatches.Dec()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
