package obs

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// HTTP
var (
	httpInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "http_in_flight_requests",
		Help: "In-flight HTTP requests.",
	})

	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)

// Domain
var (
	decisionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "authz_decisions_total",
			Help: "Authorization decisions by outcome and cache source.",
		},
		[]string{"decision", "cached"},
	)

	decisionLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "authz_decision_duration_seconds",
			Help:    "Authorization decision latency.",
			Buckets: []float64{.001, .0025, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"cached"},
	)

	storeErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "authz_store_errors_total",
			Help: "Backing store failures that forced a fail-closed decision.",
		},
		[]string{"component"},
	)

	tokenEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "auth_token_events_total",
			Help: "Token lifecycle events (issued, refreshed, replay_detected, ...).",
		},
		[]string{"event"},
	)

	rateLimitFailOpen = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ratelimit_fail_open_total",
		Help: "Rate limit checks allowed because the counter store failed.",
	})

	serviceReady = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "service_ready",
		Help: "1 when the last readiness check passed.",
	})
)

var initOnce sync.Once

// Init registers all collectors in the default registry.
func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			httpInFlight, httpRequestsTotal, httpRequestDuration,
			decisionsTotal, decisionLatency, storeErrorsTotal, tokenEventsTotal, rateLimitFailOpen,
			serviceReady,
		)
	})
}

// Handler serves the Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveDecision records one authorization decision.
func ObserveDecision(decision string, cached bool, d time.Duration) {
	c := strconv.FormatBool(cached)
	decisionsTotal.WithLabelValues(decision, c).Inc()
	decisionLatency.WithLabelValues(c).Observe(d.Seconds())
}

// StoreError counts a backing store failure for component.
func StoreError(component string) {
	storeErrorsTotal.WithLabelValues(component).Inc()
}

// TokenEvent counts a token lifecycle event.
func TokenEvent(event string) {
	tokenEventsTotal.WithLabelValues(event).Inc()
}

// RateLimitFailOpen counts a fail-open rate limit check.
func RateLimitFailOpen() {
	rateLimitFailOpen.Inc()
}

// SetReady records the outcome of the latest readiness check.
func SetReady(ready bool) {
	if ready {
		serviceReady.Set(1)
		return
	}
	serviceReady.Set(0)
}

var knownPaths = map[string]struct{}{
	"/":                   {},
	"/healthz":            {},
	"/readyz":             {},
	"/metrics":            {},
	"/v1/auth/token":      {},
	"/v1/auth/refresh":    {},
	"/v1/auth/validate":   {},
	"/v1/auth/logout":     {},
	"/v1/authz/authorize": {},
	"/v1/entities":        {},
	"/v1/policies/reload": {},
	"/v1/info":            {},
	"/v1/auth/events":     {},
}

// CanonicalPath maps a request path onto a bounded label set.
func CanonicalPath(path string) string {
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	if path == "" {
		return "/"
	}
	if len(path) > 1 {
		path = strings.TrimSuffix(path, "/")
	}
	if _, ok := knownPaths[path]; ok {
		return path
	}
	return "other"
}

// Instrument measures request count, latency and in-flight requests.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := CanonicalPath(r.URL.Path)
		method := r.Method

		httpInFlight.Inc()
		defer httpInFlight.Dec()
		start := time.Now()

		sw := &statusWriter{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(sw, r)

		status := strconv.Itoa(sw.code)
		httpRequestDuration.WithLabelValues(method, path, status).Observe(time.Since(start).Seconds())
		httpRequestsTotal.WithLabelValues(method, path, status).Inc()
	})
}

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }
