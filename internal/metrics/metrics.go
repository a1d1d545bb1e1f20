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

// CacheOperation identifies the response cache method being instrumented.
type CacheOperation string

const (
	// CacheOperationLookup records response cache lookup calls.
	CacheOperationLookup CacheOperation = "lookup"
	// CacheOperationStore records response cache store attempts.
	CacheOperationStore CacheOperation = "store"
)

// CacheLookupOutcome captures the result of a cache lookup.
type CacheLookupOutcome string

const (
	// CacheLookupHit indicates the lookup reused a cached response.
	CacheLookupHit CacheLookupOutcome = "hit"
	// CacheLookupMiss indicates no cached response was present.
	CacheLookupMiss CacheLookupOutcome = "miss"
	// CacheLookupError indicates the lookup failed due to an error.
	CacheLookupError CacheLookupOutcome = "error"
)

// CacheStoreOutcome captures the result of a cache store attempt.
type CacheStoreOutcome string

const (
	// CacheStoreStored indicates the response entry was persisted.
	CacheStoreStored CacheStoreOutcome = "stored"
	// CacheStoreError indicates the store operation failed.
	CacheStoreError CacheStoreOutcome = "error"
)

// Recorder publishes Prometheus metrics for gateway activity.
type Recorder struct {
	gatherer prometheus.Gatherer
	handler  http.Handler

	requests       *prometheus.CounterVec
	requestLatency *prometheus.HistogramVec

	cacheOperations *prometheus.CounterVec

	breakerTransitions *prometheus.CounterVec
	upstreamFailures   *prometheus.CounterVec
}

// NewRecorder constructs a Prometheus-backed Recorder. When reg is nil a
// dedicated registry is created so multiple recorders can coexist without
// conflicting with the global default registerer.
func NewRecorder(reg *prometheus.Registry) *Recorder {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	reg.MustRegister(
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)

	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "samudra",
		Subsystem: "gateway",
		Name:      "requests_total",
		Help:      "Total proxied requests processed by the gateway.",
	}, []string{"route", "method", "status_code", "from_cache"})

	requestLatency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "samudra",
		Subsystem: "gateway",
		Name:      "request_duration_seconds",
		Help:      "Latency distribution for completed gateway requests.",
		Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
	}, []string{"route", "outcome"})

	cacheOperations := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "samudra",
		Subsystem: "cache",
		Name:      "operations_total",
		Help:      "Response cache operations executed by the gateway.",
	}, []string{"route", "operation", "result"})

	breakerTransitions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "samudra",
		Subsystem: "breaker",
		Name:      "transitions_total",
		Help:      "Circuit breaker state transitions per upstream target.",
	}, []string{"upstream", "from", "to"})

	upstreamFailures := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "samudra",
		Subsystem: "upstream",
		Name:      "failures_total",
		Help:      "Upstream call failures recorded by the circuit breakers.",
	}, []string{"upstream", "reason"})

	reg.MustRegister(requests, requestLatency, cacheOperations, breakerTransitions, upstreamFailures)

	handler := promhttp.HandlerFor(reg, promhttp.HandlerOpts{})

	return &Recorder{
		gatherer:           reg,
		handler:            handler,
		requests:           requests,
		requestLatency:     requestLatency,
		cacheOperations:    cacheOperations,
		breakerTransitions: breakerTransitions,
		upstreamFailures:   upstreamFailures,
	}
}

// Handler exposes the Prometheus HTTP handler for the recorder's registry.
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "metrics unavailable", http.StatusServiceUnavailable)
		})
	}
	return r.handler
}

// Gatherer returns the underlying Prometheus gatherer for tests and advanced
// integrations.
func (r *Recorder) Gatherer() prometheus.Gatherer {
	if r == nil {
		return prometheus.NewRegistry()
	}
	return r.gatherer
}

// ObserveRequest records the outcome and latency for a completed request.
func (r *Recorder) ObserveRequest(route, method, outcome string, statusCode int, fromCache bool, duration time.Duration) {
	if r == nil {
		return
	}
	statusLabel := strconv.Itoa(statusCode)
	if statusCode <= 0 {
		statusLabel = "unknown"
	}
	cacheLabel := "false"
	if fromCache {
		cacheLabel = "true"
	}
	r.requests.WithLabelValues(normalizeLabel(route), normalizeLabel(method), statusLabel, cacheLabel).Inc()
	r.requestLatency.WithLabelValues(normalizeLabel(route), normalizeLabel(outcome)).Observe(duration.Seconds())
}

// ObserveCacheLookup records the result of a response cache lookup.
func (r *Recorder) ObserveCacheLookup(route string, result CacheLookupOutcome) {
	if r == nil {
		return
	}
	resultLabel := string(result)
	if resultLabel == "" {
		resultLabel = string(CacheLookupMiss)
	}
	r.cacheOperations.WithLabelValues(normalizeLabel(route), string(CacheOperationLookup), resultLabel).Inc()
}

// ObserveCacheStore records the result of a response cache store attempt.
func (r *Recorder) ObserveCacheStore(route string, result CacheStoreOutcome) {
	if r == nil {
		return
	}
	resultLabel := string(result)
	if resultLabel == "" {
		resultLabel = string(CacheStoreError)
	}
	r.cacheOperations.WithLabelValues(normalizeLabel(route), string(CacheOperationStore), resultLabel).Inc()
}

// ObserveBreakerTransition records a circuit state change for an upstream.
func (r *Recorder) ObserveBreakerTransition(upstream, from, to string) {
	if r == nil {
		return
	}
	r.breakerTransitions.WithLabelValues(normalizeLabel(upstream), normalizeLabel(from), normalizeLabel(to)).Inc()
}

// ObserveUpstreamFailure records one failed upstream call.
func (r *Recorder) ObserveUpstreamFailure(upstream, reason string) {
	if r == nil {
		return
	}
	r.upstreamFailures.WithLabelValues(normalizeLabel(upstream), normalizeLabel(reason)).Inc()
}

func normalizeLabel(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "unknown"
	}
	return trimmed
}
