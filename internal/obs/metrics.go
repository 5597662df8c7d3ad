package obs

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"authcore.org/internal/fault"
)

var (
	initOnce sync.Once

	tokenOps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "authcore_token_operations_total",
			Help: "Token lifecycle operations by outcome.",
		},
		[]string{"op", "result"},
	)

	resolverCache = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "authcore_resolver_cache_total",
			Help: "Permission resolver cache lookups.",
		},
		[]string{"result"},
	)

	cacheInvalidations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "authcore_resolver_cache_invalidations_total",
			Help: "Permission cache invalidations by scope.",
		},
		[]string{"scope"},
	)

	resolveDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "authcore_resolve_duration_seconds",
		Help:    "Latency of uncached permission resolution.",
		Buckets: prometheus.DefBuckets,
	})

	lockoutEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "authcore_lockout_events_total",
			Help: "Lockout manager transitions.",
		},
		[]string{"event"},
	)

	auditEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "authcore_audit_events_total",
			Help: "Audit events by delivery outcome.",
		},
		[]string{"result"},
	)

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

// Init registers all collectors with the default registry. Safe to call more than once.
func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			tokenOps, resolverCache, cacheInvalidations, resolveDuration,
			lockoutEvents, auditEvents, httpRequestsTotal, httpRequestDuration,
		)
	})
}

// Handler exposes the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Result labels an operation outcome: "ok" or the error code.
func Result(err error) string {
	if err == nil {
		return "ok"
	}
	if code := fault.CodeOf(err); code != "" {
		return code
	}
	if fault.KindOf(err) == fault.Timeout {
		return "timeout"
	}
	return "error"
}

// ObserveTokenOp counts a token lifecycle operation.
func ObserveTokenOp(op string, err error) {
	tokenOps.WithLabelValues(op, Result(err)).Inc()
}

// ObserveCache counts a resolver cache lookup ("hit", "miss", "stale", "error").
func ObserveCache(result string) {
	resolverCache.WithLabelValues(result).Inc()
}

// ObserveInvalidation counts a cache invalidation ("user" or "all").
func ObserveInvalidation(scope string) {
	cacheInvalidations.WithLabelValues(scope).Inc()
}

// ObserveResolve records the latency of an uncached resolution.
func ObserveResolve(d time.Duration) {
	resolveDuration.Observe(d.Seconds())
}

// ObserveLockout counts a lockout transition.
func ObserveLockout(event string) {
	lockoutEvents.WithLabelValues(event).Inc()
}

// ObserveAudit counts an audit delivery outcome ("ok", "error", "dropped").
func ObserveAudit(result string) {
	auditEvents.WithLabelValues(result).Inc()
}

// Instrument wraps h with request counters and latency histograms.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(sw, r)

		status := strconv.Itoa(sw.code)
		httpRequestDuration.WithLabelValues(r.Method, r.URL.Path, status).Observe(time.Since(start).Seconds())
		httpRequestsTotal.WithLabelValues(r.Method, r.URL.Path, status).Inc()
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
