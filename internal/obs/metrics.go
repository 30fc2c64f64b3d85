package obs

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"dealroom.org/internal/ids"
)

// Общие HTTP-метрики
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

// Disclosure engine metrics.
var (
	disclosureDecisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "disclosure_decisions_total",
			Help: "Disclosure decisions by outcome and reason.",
		},
		[]string{"allowed", "reason"},
	)

	auditEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "audit_events_total",
			Help: "Audit events recorded by type.",
		},
		[]string{"type"},
	)

	auditWriteFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "audit_write_failures_total",
		Help: "Audit appends that failed and blocked the calling operation.",
	})

	rateLimited = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rate_limited_total",
			Help: "Requests refused by a rate limiter.",
		},
		[]string{"scope"},
	)

	ready = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "service_ready",
		Help: "1 when the readiness check last succeeded.",
	})

	buildInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "build_info",
			Help: "dealroom API build information.",
		},
		[]string{"version", "commit"},
	)
)

var initOnce sync.Once

// Init registers all collectors with the default registry. Safe to call more than once.
func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			httpInFlight, httpRequestsTotal, httpRequestDuration,
			disclosureDecisions, auditEvents, auditWriteFailures, rateLimited,
			ready, buildInfo,
		)
	})
}

// InitBuildInfo sets build_info{version,commit} to 1.
func InitBuildInfo(version, commit string) {
	Init()
	buildInfo.WithLabelValues(version, commit).Set(1)
}

// Handler exposes the Prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveDecision counts one disclosure decision.
func ObserveDecision(allowed bool, reason string) {
	disclosureDecisions.WithLabelValues(strconv.FormatBool(allowed), reason).Inc()
}

// ObserveAuditEvent counts one appended audit event.
func ObserveAuditEvent(eventType string) {
	auditEvents.WithLabelValues(eventType).Inc()
}

// ObserveAuditFailure counts a failed audit append.
func ObserveAuditFailure() {
	auditWriteFailures.Inc()
}

// ObserveRateLimited counts a refusal by the named limiter.
func ObserveRateLimited(scope string) {
	rateLimited.WithLabelValues(scope).Inc()
}

// SetReady records the last readiness check outcome.
func SetReady(ok bool) {
	if ok {
		ready.Set(1)
		return
	}
	ready.Set(0)
}

// Instrument wraps next with in-flight, count and latency metrics.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := CanonicalPath(r.URL.Path)
		method := r.Method

		httpInFlight.Inc()
		start := time.Now()

		sw := &statusWriter{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(sw, r)

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(sw.code)

		httpRequestDuration.WithLabelValues(method, path, status).Observe(duration)
		httpRequestsTotal.WithLabelValues(method, path, status).Inc()
		httpInFlight.Dec()
	})
}

// CanonicalPath collapses identifier segments so metric label cardinality stays bounded.
func CanonicalPath(path string) string {
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	if path == "" || path == "/" {
		return "/"
	}
	if strings.HasPrefix(path, "/blobs/") {
		return "/blobs/*"
	}
	parts := strings.Split(strings.Trim(path, "/"), "/")
	for i, p := range parts {
		if ids.Valid(p) || looksLikeUUID(p) {
			parts[i] = ":id"
		}
	}
	return "/" + strings.Join(parts, "/")
}

func looksLikeUUID(s string) bool {
	if len(s) != 36 {
		return false
	}
	for i, c := range s {
		switch i {
		case 8, 13, 18, 23:
			if c != '-' {
				return false
			}
		default:
			if !strings.ContainsRune("0123456789abcdefABCDEF", c) {
				return false
			}
		}
	}
	return true
}

// statusWriter: локальная копия, чтобы знать код ответа.
type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}

// Flush keeps SSE handlers working behind the instrumentation wrapper.
func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
