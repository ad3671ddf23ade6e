package httpapi

import (
	"net/http"
	"strconv"
	"time"

	"github.com/Njanja2025/sentinel/internal/audit"
	"github.com/Njanja2025/sentinel/internal/identity"
)

const maxAuditPage = 500

func (a *API) handleAuditEvents(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		a.handleAuditQuery(w, r)
	case http.MethodPost:
		a.handleAuditAppend(w, r)
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPost)
	}
}

func (a *API) handleAuditQuery(w http.ResponseWriter, r *http.Request) {
	if !a.ensurePermission(w, r, identity.PermViewAudit) {
		return
	}
	f, err := parseAuditFilter(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	events, err := a.eng.Audit.Query(f).All(r.Context())
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "audit query failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"events": events,
		"count":  len(events),
	})
}

type appendEventRequest struct {
	Action   string `json:"action"`
	Resource string `json:"resource"`
	Status   string `json:"status"`
	Details  string `json:"details"`
}

// handleAuditAppend records a security-relevant action performed by an
// external collaborator (report generators, configuration tooling). The
// actor is always the authenticated caller, never caller-supplied.
func (a *API) handleAuditAppend(w http.ResponseWriter, r *http.Request) {
	if !a.ensurePermission(w, r, identity.PermExportData) {
		return
	}
	p, _ := PrincipalFromContext(r.Context())
	var req appendEventRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	status, err := audit.ParseStatus(req.Status)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	ev, err := a.eng.Audit.Append(r.Context(), audit.Draft{
		Actor:    p.Username,
		Action:   req.Action,
		Resource: req.Resource,
		Status:   status,
		Details:  req.Details,
	})
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "audit append failed")
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"event_id": ev.ID, "seq": ev.Seq})
}

type verifyRequest struct {
	FromSeq uint64 `json:"from_seq"`
	ToSeq   uint64 `json:"to_seq"`
}

func (a *API) handleAuditVerify(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	if !a.ensurePermission(w, r, identity.PermViewAudit) {
		return
	}
	var req verifyRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	ok, badSeq, err := a.eng.Audit.VerifyChain(r.Context(), req.FromSeq, req.ToSeq)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "verification failed")
		return
	}
	resp := map[string]any{"ok": ok}
	if !ok {
		resp["first_bad_seq"] = badSeq
	}
	writeJSON(w, http.StatusOK, resp)
}

func parseAuditFilter(r *http.Request) (audit.Filter, error) {
	q := r.URL.Query()
	f := audit.Filter{
		Actor:    q.Get("actor"),
		Action:   q.Get("action"),
		Resource: q.Get("resource"),
		Limit:    maxAuditPage,
	}
	if s := q.Get("status"); s != "" {
		status, err := audit.ParseStatus(s)
		if err != nil {
			return audit.Filter{}, err
		}
		f.Status = status
	}
	if s := q.Get("from"); s != "" {
		t, err := time.Parse(time.RFC3339, s)
		if err != nil {
			return audit.Filter{}, err
		}
		f.From = t
	}
	if s := q.Get("to"); s != "" {
		t, err := time.Parse(time.RFC3339, s)
		if err != nil {
			return audit.Filter{}, err
		}
		f.To = t
	}
	if s := q.Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 {
			return audit.Filter{}, strconv.ErrSyntax
		}
		if n < maxAuditPage {
			f.Limit = n
		}
	}
	return f, nil
}
