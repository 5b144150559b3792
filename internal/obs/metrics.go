package obs

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

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

	// SendTotal counts SendMessage outcomes by the step that finished the call.
	SendTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatguard_send_total",
			Help: "SendMessage executions by terminal stage and outcome.",
		},
		[]string{"stage", "outcome"},
	)

	// BudgetAdmissions counts budget admission attempts per scope.
	BudgetAdmissions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatguard_budget_admissions_total",
			Help: "Budget admission attempts by scope and outcome.",
		},
		[]string{"scope", "outcome"},
	)

	// AuditFailures counts audit entries a sink failed to persist.
	AuditFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chatguard_audit_failures_total",
		Help: "Audit entries that could not be appended.",
	})

	// RetrievalDegraded counts retrieval calls that failed and were replaced by empty results.
	RetrievalDegraded = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chatguard_retrieval_degraded_total",
		Help: "Retrieval failures swallowed into empty result sets.",
	})

	readyGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chatguard_ready",
		Help: "1 when the last readiness probe succeeded.",
	})

	initOnce sync.Once
)

// Init registers all collectors with the default registry. Safe to call more than once.
func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			httpInFlight, httpRequestsTotal, httpRequestDuration,
			SendTotal, BudgetAdmissions, AuditFailures, RetrievalDegraded, readyGauge,
		)
	})
}

// SetReady records the outcome of the last readiness probe.
func SetReady(ok bool) {
	if ok {
		readyGauge.Set(1)
		return
	}
	readyGauge.Set(0)
}

// Handler exposes the default Prometheus registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Instrument records in-flight, count and latency for every request.
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

// CanonicalPath collapses chat identifiers so metric label cardinality stays bounded.
func CanonicalPath(raw string) string {
	if i := strings.IndexByte(raw, '?'); i >= 0 {
		raw = raw[:i]
	}
	if raw == "" {
		return "/"
	}
	parts := strings.Split(strings.Trim(raw, "/"), "/")
	if len(parts) >= 3 && parts[0] == "v1" && parts[1] == "chats" {
		parts[2] = ":id"
		switch {
		case len(parts) == 3:
		case len(parts) == 4 && isChatSubresource(parts[3]):
		default:
			return raw
		}
		return "/" + strings.Join(parts, "/")
	}
	return raw
}

func isChatSubresource(s string) bool {
	switch s {
	case "messages", "members", "ws":
		return true
	}
	return false
}

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

// Hijack passes websocket upgrades through to the underlying connection.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("obs: response writer does not support hijacking")
	}
	return h.Hijack()
}
