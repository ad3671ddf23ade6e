package httpapi

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/Njanja2025/sentinel/internal/session"
)

type loginRequest struct {
	Username   string `json:"username"`
	Credential string `json:"credential"`
}

type loginResponse struct {
	Token     string    `json:"token"`
	Username  string    `json:"username"`
	ExpiresAt time.Time `json:"expires_at"`
}

type tokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req loginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.Username) == "" || req.Credential == "" {
		writeError(w, r, http.StatusBadRequest, "username and credential are required")
		return
	}

	sess, err := a.eng.Sessions.Authenticate(r.Context(), req.Username, req.Credential, clientIP(r))
	if err != nil {
		switch {
		case errors.Is(err, session.ErrAccountLocked):
			writeError(w, r, http.StatusForbidden, "account is temporarily locked")
		case errors.Is(err, session.ErrInvalidCredentials):
			// One generic message for unknown users and bad credentials.
			writeError(w, r, http.StatusUnauthorized, "invalid credentials")
		default:
			writeError(w, r, http.StatusInternalServerError, "authentication error")
		}
		return
	}

	writeJSON(w, http.StatusOK, loginResponse{
		Token:     sess.Token,
		Username:  sess.Username,
		ExpiresAt: sess.ExpiresAt,
	})
}

func (a *API) handleLogout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	token, err := extractBearerToken(r.Header.Get(authHeader))
	if err != nil {
		writeError(w, r, http.StatusUnauthorized, err.Error())
		return
	}
	if err := a.eng.Sessions.Revoke(r.Context(), token); err != nil {
		writeError(w, r, http.StatusInternalServerError, "logout failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "logged_out"})
}

func (a *API) handleValidate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	// withAuth already validated the session; report the principal back.
	p, ok := PrincipalFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "authentication required")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"username": p.Username,
		"role":     p.Role,
	})
}

// handleServiceToken exchanges a valid session for a short-lived signed
// token that external collaborators can verify offline.
func (a *API) handleServiceToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	if a.eng.Signer == nil {
		writeError(w, r, http.StatusServiceUnavailable, "service tokens are not configured")
		return
	}
	p, ok := PrincipalFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "authentication required")
		return
	}
	token, expiresAt, err := a.eng.Signer.Issue(p.Username, p.Role)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "token generation failed")
		return
	}
	writeJSON(w, http.StatusOK, tokenResponse{Token: token, ExpiresAt: expiresAt})
}
