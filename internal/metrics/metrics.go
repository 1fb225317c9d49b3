// Package metrics exposes Prometheus collectors for the agenda crawler.
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
	fetchAttemptsTotal         *prometheus.CounterVec
	fetchBytesTotal            *prometheus.CounterVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec
	sourcesTotal               *prometheus.CounterVec
	eventsTotal                *prometheus.CounterVec
	extractionsTotal           *prometheus.CounterVec
	jobsTotal                  *prometheus.CounterVec
	activeWorkers              prometheus.Gauge
	rateLimitDelaySeconds      *prometheus.HistogramVec
	llmCallsTotal              *prometheus.CounterVec
	discoveryCandidatesTotal   *prometheus.CounterVec

	once sync.Once
)

// Init registers the collectors with the default registry.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		fetchAttemptsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agenda_fetch_attempts_total",
				Help: "Fetch attempts, labeled by host and attempt outcome.",
			},
			[]string{"host", "outcome"},
		)

		fetchBytesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agenda_fetch_bytes_total",
				Help: "Total number of body bytes fetched, labeled by host.",
			},
			[]string{"host"},
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

		sourcesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agenda_sources_processed_total",
				Help: "Sources processed, labeled by final source status.",
			},
			[]string{"status"},
		)

		eventsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agenda_events_persisted_total",
				Help: "Events handed to the store, labeled by persist outcome.",
			},
			[]string{"outcome"},
		)

		extractionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agenda_extracted_cards_total",
				Help: "Raw event cards extracted, labeled by strategy.",
			},
			[]string{"strategy"},
		)

		jobsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agenda_jobs_total",
				Help: "Scrape jobs finished, labeled by status.",
			},
			[]string{"status"},
		)

		activeWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "agenda_active_workers",
				Help: "Number of workers currently processing a job.",
			},
		)

		rateLimitDelaySeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "agenda_rate_limit_delay_seconds",
				Help:    "Time spent waiting for a per-host request slot.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"host"},
		)

		llmCallsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agenda_llm_calls_total",
				Help: "LLM provider calls, labeled by provider and outcome.",
			},
			[]string{"provider", "outcome"},
		)

		discoveryCandidatesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agenda_discovery_candidates_total",
				Help: "Source discovery candidates, labeled by validation outcome.",
			},
			[]string{"outcome"},
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
	Init()
	return promhttp.Handler()
}

// ObserveFetch records one fetch attempt.
func ObserveFetch(rawURL string, outcome string, bytesFetched int) {
	Init()
	host := SanitizeSite(rawURL)
	fetchAttemptsTotal.WithLabelValues(host, outcome).Inc()
	if bytesFetched > 0 {
		fetchBytesTotal.WithLabelValues(host).Add(float64(bytesFetched))
	}
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// ObserveSource counts a finished source by status.
func ObserveSource(status string) {
	Init()
	sourcesTotal.WithLabelValues(status).Inc()
}

// ObservePersist counts one persist outcome.
func ObservePersist(outcome string) {
	Init()
	eventsTotal.WithLabelValues(outcome).Inc()
}

// ObserveExtraction adds n cards extracted by strategy.
func ObserveExtraction(strategy string, n int) {
	Init()
	if n > 0 {
		extractionsTotal.WithLabelValues(strategy).Add(float64(n))
	}
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
	rateLimitDelaySeconds.WithLabelValues(host).Observe(duration.Seconds())
}

// ObserveLLMCall counts one provider call.
func ObserveLLMCall(provider, outcome string) {
	Init()
	llmCallsTotal.WithLabelValues(provider, outcome).Inc()
}

// ObserveDiscoveryCandidate counts one validated or rejected candidate.
func ObserveDiscoveryCandidate(outcome string) {
	Init()
	discoveryCandidatesTotal.WithLabelValues(outcome).Inc()
}
