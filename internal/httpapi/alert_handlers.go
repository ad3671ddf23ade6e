package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/Njanja2025/sentinel/internal/identity"
	"github.com/Njanja2025/sentinel/internal/monitor"
)

type resolveAlertRequest struct {
	Notes string `json:"notes"`
}

type addKnownGoodIPRequest struct {
	IP string `json:"ip"`
}

func (a *API) handleAlerts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	if !a.ensurePermission(w, r, identity.PermViewDashboard) {
		return
	}
	f, err := parseAlertFilter(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	alerts := a.eng.Monitor.Alerts(f)
	writeJSON(w, http.StatusOK, map[string]any{
		"alerts": alerts,
		"count":  len(alerts),
	})
}

func (a *API) handleAlertScoped(w http.ResponseWriter, r *http.Request) {
	path := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/alerts/"), "/")
	if path == "" || path == "stream" {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	parts := strings.Split(path, "/")
	id := parts[0]

	switch {
	case len(parts) == 1:
		a.handleAlert(w, r, id)
	case len(parts) == 2 && parts[1] == "resolve":
		a.handleAlertResolve(w, r, id)
	default:
		writeError(w, r, http.StatusNotFound, "resource not found")
	}
}

func (a *API) handleAlert(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	if !a.ensurePermission(w, r, identity.PermViewDashboard) {
		return
	}
	alert, err := a.eng.Monitor.Alert(id)
	if err != nil {
		writeError(w, r, http.StatusNotFound, "alert not found")
		return
	}
	writeJSON(w, http.StatusOK, alert)
}

func (a *API) handleAlertResolve(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	if !a.ensurePermission(w, r, identity.PermResolveAlerts) {
		return
	}
	var req resolveAlertRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	p, _ := PrincipalFromContext(r.Context())
	alert, err := a.eng.Monitor.ResolveAlert(r.Context(), p.Username, id, req.Notes)
	if err != nil {
		switch {
		case errors.Is(err, monitor.ErrUnknownAlert):
			writeError(w, r, http.StatusNotFound, "alert not found")
		case errors.Is(err, monitor.ErrAlertResolved):
			writeError(w, r, http.StatusConflict, "alert already resolved")
		default:
			writeError(w, r, http.StatusInternalServerError, "resolve failed")
		}
		return
	}
	writeJSON(w, http.StatusOK, alert)
}

// handleAlertStream pushes alerts to the client as server-sent events.
func (a *API) handleAlertStream(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	if !a.ensurePermission(w, r, identity.PermViewDashboard) {
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, r, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	flusher.Flush()

	ch := a.eng.Alerts.Subscribe(r.Context())
	keepalive := time.NewTicker(30 * time.Second)
	defer keepalive.Stop()

	for {
		select {
		case alert, open := <-ch:
			if !open {
				return
			}
			payload, err := json.Marshal(alert)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: alert\ndata: %s\n\n", payload)
			flusher.Flush()
		case <-keepalive.C:
			fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
		}
	}
}

func (a *API) handleKnownGoodIPs(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		if !a.ensurePermission(w, r, identity.PermViewDashboard) {
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ips": a.eng.Monitor.KnownGoodIPs()})
	case http.MethodPost:
		if !a.ensurePermission(w, r, identity.PermManageConfig) {
			return
		}
		var req addKnownGoodIPRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		p, _ := PrincipalFromContext(r.Context())
		if err := a.eng.Monitor.AddKnownGoodIP(r.Context(), p.Username, req.IP); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ips": a.eng.Monitor.KnownGoodIPs()})
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPost)
	}
}

func parseAlertFilter(r *http.Request) (monitor.AlertFilter, error) {
	q := r.URL.Query()
	f := monitor.AlertFilter{
		Type:     monitor.AlertType(q.Get("type")),
		Severity: monitor.Severity(q.Get("severity")),
		Subject:  q.Get("subject"),
	}
	switch s := q.Get("status"); s {
	case "", string(monitor.AlertNew), string(monitor.AlertResolved):
		f.Status = monitor.AlertStatus(s)
	default:
		return monitor.AlertFilter{}, fmt.Errorf("unknown alert status %q", s)
	}
	if s := q.Get("since"); s != "" {
		t, err := time.Parse(time.RFC3339, s)
		if err != nil {
			return monitor.AlertFilter{}, err
		}
		f.Since = t
	}
	return f, nil
}
