// Package metrics exposes Prometheus collectors for the scan engine.
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
	scanPagesTotal             *prometheus.CounterVec
	scanViolationsTotal        *prometheus.CounterVec
	scansTotal                 *prometheus.CounterVec
	scanDurationSeconds        *prometheus.HistogramVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec
	activeWorkers              prometheus.Gauge
	queueClaimMisses           prometheus.Counter
	renderDurationSeconds      *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		scanPagesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scan_pages_total",
				Help: "Total number of pages audited, labeled by site and outcome.",
			},
			[]string{"site", "outcome"},
		)

		scanViolationsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scan_violations_total",
				Help: "Total accessibility violations found, labeled by severity.",
			},
			[]string{"severity"},
		)

		scansTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scans_total",
				Help: "Total number of scans processed, labeled by terminal status.",
			},
			[]string{"status"},
		)

		scanDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "scan_duration_seconds",
				Help:    "Histogram of end-to-end scan durations, labeled by tier.",
				Buckets: []float64{5, 15, 30, 60, 120, 300, 600, 1800},
			},
			[]string{"tier"},
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

		activeWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "scan_active_workers",
				Help: "Number of workers currently processing a scan job.",
			},
		)

		queueClaimMisses = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "scan_queue_claim_misses_total",
				Help: "Number of claim attempts that found no pending job.",
			},
		)

		renderDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "scan_render_duration_seconds",
				Help:    "Histogram of headless render durations, labeled by site.",
				Buckets: []float64{0.5, 1, 2, 5, 10, 20, 30},
			},
			[]string{"site"},
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

// ObservePage records the outcome of one audited page.
func ObservePage(site, outcome string) {
	scanPagesTotal.WithLabelValues(SanitizeSite(site), outcome).Inc()
}

// ObserveViolations increments the violation counter for a severity.
func ObserveViolations(severity string, count int) {
	if count <= 0 {
		return
	}
	scanViolationsTotal.WithLabelValues(severity).Add(float64(count))
}

// ObserveScan records a scan reaching a terminal status.
func ObserveScan(status, tier string, duration time.Duration) {
	scansTotal.WithLabelValues(status).Inc()
	scanDurationSeconds.WithLabelValues(tier).Observe(duration.Seconds())
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers() {
	activeWorkers.Inc()
}

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers() {
	activeWorkers.Dec()
}

// ObserveClaimMiss records a claim attempt that found the queue empty.
func ObserveClaimMiss() {
	queueClaimMisses.Inc()
}

// ObserveRender records how long a headless render took.
func ObserveRender(site string, duration time.Duration) {
	renderDurationSeconds.WithLabelValues(SanitizeSite(site)).Observe(duration.Seconds())
}
