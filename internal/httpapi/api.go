// Package httpapi is the operator-facing HTTP surface over the engine:
// login and session endpoints, user and role administration, audit queries,
// and alert management.
package httpapi

import (
	"net/http"

	"github.com/Njanja2025/sentinel/internal/engine"
	"github.com/Njanja2025/sentinel/internal/obs"
)

// API is the HTTP layer.
type API struct {
	mux     *http.ServeMux
	eng     *engine.Engine
	version string

	maxBodyBytes   int64
	ratePerSec     float64
	rateBurst      int
	allowedOrigins []string
}

// Option tweaks the API's transport limits.
type Option func(*API)

// WithRateLimit overrides the per-IP token-bucket parameters.
func WithRateLimit(perSecond float64, burst int) Option {
	return func(a *API) {
		a.ratePerSec = perSecond
		a.rateBurst = burst
	}
}

// WithMaxBodyBytes caps request body size.
func WithMaxBodyBytes(n int64) Option {
	return func(a *API) {
		if n > 0 {
			a.maxBodyBytes = n
		}
	}
}

// WithAllowedOrigins extends the CORS allowlist beyond localhost.
func WithAllowedOrigins(origins []string) Option {
	return func(a *API) { a.allowedOrigins = origins }
}

// New builds the API around an assembled engine.
func New(eng *engine.Engine, version string, opts ...Option) *API {
	a := &API{
		mux:          http.NewServeMux(),
		eng:          eng,
		version:      version,
		maxBodyBytes: 1 << 20,
		ratePerSec:   20,
		rateBurst:    40,
	}
	for _, opt := range opts {
		opt(a)
	}

	// health/ready/info
	a.mux.HandleFunc("/healthz", a.Healthz)
	a.mux.HandleFunc("/readyz", a.Ready)
	a.mux.HandleFunc("/v1/info", a.Info)

	// Prometheus metrics
	a.mux.Handle("/metrics", obs.Handler())

	// authentication
	a.mux.HandleFunc("/v1/auth/login", a.handleLogin)
	a.mux.HandleFunc("/v1/auth/logout", a.handleLogout)
	a.mux.HandleFunc("/v1/auth/validate", a.handleValidate)
	a.mux.HandleFunc("/v1/auth/token", a.handleServiceToken)

	// administration
	a.mux.HandleFunc("/v1/users", a.handleUsers)
	a.mux.HandleFunc("/v1/users/", a.handleUserScoped)
	a.mux.HandleFunc("/v1/roles", a.handleRoles)

	// audit
	a.mux.HandleFunc("/v1/audit/events", a.handleAuditEvents)
	a.mux.HandleFunc("/v1/audit/verify", a.handleAuditVerify)

	// alerts
	a.mux.HandleFunc("/v1/alerts", a.handleAlerts)
	a.mux.HandleFunc("/v1/alerts/", a.handleAlertScoped)
	a.mux.HandleFunc("/v1/alerts/stream", a.handleAlertStream)
	a.mux.HandleFunc("/v1/monitor/known-good-ips", a.handleKnownGoodIPs)

	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})

	return a
}

// Handler returns the full middleware chain around the mux.
func (a *API) Handler() http.Handler {
	var h http.Handler = a.mux
	h = a.withAuth(h)
	h = MaxBodyBytes(h, a.maxBodyBytes)
	h = RateLimit(h, a.rateBurst, a.ratePerSec)
	h = CORS(h, a.allowedOrigins)
	h = SecurityHeaders(h)
	h = RequestID(h)
	h = Logging(h)
	return obs.Instrument(h)
}

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": "sentinel-api",
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	// The engine is constructed before the server starts listening, so
	// readiness mirrors liveness here. A backend ping could be added per
	// driver if deployments need it.
	writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":            "sentinel-api",
		"version":         a.version,
		"active_sessions": a.eng.Sessions.Count(),
		"audit_seq":       a.eng.Audit.LastSeq(),
	})
}
