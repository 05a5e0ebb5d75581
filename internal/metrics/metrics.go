package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "cryptotracker"

// Fetch cycle outcomes used as the result label.
const (
	ResultSuccess     = "success"
	ResultRateLimited = "rate_limited"
	ResultUpstream    = "upstream_error"
	ResultTransport   = "transport_error"
	ResultStorage     = "storage_error"
	ResultCanceled    = "canceled"
)

var (
	// Registry holds the application collectors.
	Registry = prometheus.NewRegistry()

	fetchCycles = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fetch_cycles_total",
			Help:      "Fetch cycles by outcome.",
		},
		[]string{"result"},
	)

	fetchBackoffs = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fetch_backoffs_total",
			Help:      "Backoff sleeps taken after upstream rate limiting.",
		},
	)

	observationsAppended = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "observations_appended_total",
			Help:      "Price observations written to the store.",
		},
	)

	fetchDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "fetch_duration_seconds",
			Help:      "Wall time of a fetch cycle including backoff.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 14), // 50ms to ~7m
		},
	)

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests handled.",
		},
		[]string{"method", "path", "status"},
	)

	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "Duration of HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10),
		},
		[]string{"method", "path"},
	)
)

func init() {
	Registry.MustRegister(
		fetchCycles,
		fetchBackoffs,
		observationsAppended,
		fetchDuration,
		httpRequests,
		httpDuration,
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)
}

// Handler exposes the registry in the Prometheus text format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// RecordFetchCycle records one finished fetch cycle.
func RecordFetchCycle(result string, duration time.Duration) {
	if result == "" {
		result = "unknown"
	}
	fetchCycles.WithLabelValues(result).Inc()
	fetchDuration.Observe(duration.Seconds())
}

// RecordBackoff counts one backoff sleep.
func RecordBackoff() {
	fetchBackoffs.Inc()
}

// RecordAppended adds n stored observations.
func RecordAppended(n int) {
	if n > 0 {
		observationsAppended.Add(float64(n))
	}
}

// RecordHTTPRequest records one served request. path should be the route
// template, not the raw URL, to keep label cardinality bounded.
func RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	if path == "" {
		path = "unmatched"
	}
	method = strings.ToUpper(method)
	httpRequests.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	httpDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}
