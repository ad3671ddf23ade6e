package obs

import (
	"net/http"
	"strconv"
	"strings"
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

	authAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sentinel_auth_attempts_total",
			Help: "Authentication attempts by outcome.",
		},
		[]string{"outcome"},
	)

	lockoutsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sentinel_lockouts_total",
		Help: "Accounts locked after repeated failed authentications.",
	})

	auditAppendsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sentinel_audit_events_total",
			Help: "Audit events appended to the chain, by status.",
		},
		[]string{"status"},
	)

	alertsRaisedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sentinel_alerts_raised_total",
			Help: "Security alerts raised, by type and severity.",
		},
		[]string{"type", "severity"},
	)

	activeSessions = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "sentinel_active_sessions",
		Help: "Sessions currently held by the session manager.",
	})

	evaluationDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "sentinel_monitor_evaluation_seconds",
		Help:    "Duration of monitor threshold evaluation ticks.",
		Buckets: prometheus.DefBuckets,
	})
)

// Init registers all engine metrics in the default registry.
func Init() {
	prometheus.MustRegister(
		httpInFlight, httpRequestsTotal, httpRequestDuration,
		authAttemptsTotal, lockoutsTotal, auditAppendsTotal,
		alertsRaisedTotal, activeSessions, evaluationDuration,
	)
}

// Handler exposes the Prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// AuthAttempt records an authentication outcome
// (success, invalid_credentials, locked, not_found).
func AuthAttempt(outcome string) {
	authAttemptsTotal.WithLabelValues(outcome).Inc()
}

// AccountLocked records an account lockout.
func AccountLocked() {
	lockoutsTotal.Inc()
}

// AuditAppended records an audit chain append.
func AuditAppended(status string) {
	auditAppendsTotal.WithLabelValues(status).Inc()
}

// AlertRaised records a new security alert.
func AlertRaised(alertType, severity string) {
	alertsRaisedTotal.WithLabelValues(alertType, severity).Inc()
}

// SetActiveSessions publishes the current session table size.
func SetActiveSessions(n int) {
	activeSessions.Set(float64(n))
}

// ObserveEvaluation records the duration of one monitor evaluation tick.
func ObserveEvaluation(d time.Duration) {
	evaluationDuration.Observe(d.Seconds())
}

// CanonicalPath collapses per-resource URL segments so metric label
// cardinality stays bounded.
func CanonicalPath(path string) string {
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	if path == "" {
		return "/"
	}
	parts := strings.Split(path, "/")
	rewrite := func(prefix []string, tail ...string) bool {
		if len(parts) != len(prefix)+1+len(tail) {
			return false
		}
		for i, p := range prefix {
			if parts[i] != p {
				return false
			}
		}
		for i, t := range tail {
			if parts[len(prefix)+1+i] != t {
				return false
			}
		}
		parts[len(prefix)] = ":id"
		return true
	}
	switch {
	case rewrite([]string{"", "v1", "users"}),
		rewrite([]string{"", "v1", "users"}, "role"),
		rewrite([]string{"", "v1", "alerts"}),
		rewrite([]string{"", "v1", "alerts"}, "resolve"):
	}
	return strings.Join(parts, "/")
}

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}

// Flush passes through so event-stream handlers keep working when wrapped.
func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Instrument wraps a handler with RPS/latency/in-flight measurement.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := CanonicalPath(r.URL.Path)
		method := r.Method

		httpInFlight.Inc()
		start := time.Now()

		sw := &statusWriter{ResponseWriter: w, code: 200}
		next.ServeHTTP(sw, r)

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(sw.code)

		httpRequestDuration.WithLabelValues(method, path, status).Observe(duration)
		httpRequestsTotal.WithLabelValues(method, path, status).Inc()
		httpInFlight.Dec()
	})
}
