package httpapi

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/Njanja2025/sentinel/internal/identity"
)

type createUserRequest struct {
	Username   string `json:"username"`
	Role       string `json:"role"`
	Credential string `json:"credential"`
}

type assignRoleRequest struct {
	Role string `json:"role"`
}

type setStatusRequest struct {
	Status string `json:"status"`
}

type userResponse struct {
	ID             string `json:"id"`
	Username       string `json:"username"`
	Role           string `json:"role"`
	Status         string `json:"status"`
	FailedAttempts int    `json:"failed_attempts"`
	LockedUntil    string `json:"locked_until,omitempty"`
	LastLogin      string `json:"last_login,omitempty"`
}

func toUserResponse(u identity.User) userResponse {
	resp := userResponse{
		ID:             u.ID,
		Username:       u.Username,
		Role:           u.Role,
		Status:         string(u.Status),
		FailedAttempts: u.FailedAttempts,
	}
	if !u.LockedUntil.IsZero() {
		resp.LockedUntil = u.LockedUntil.Format("2006-01-02T15:04:05Z07:00")
	}
	if !u.LastLogin.IsZero() {
		resp.LastLogin = u.LastLogin.Format("2006-01-02T15:04:05Z07:00")
	}
	return resp
}

func (a *API) handleUsers(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		if !a.ensurePermission(w, r, identity.PermViewDashboard) {
			return
		}
		users := a.eng.Identity.Users()
		out := make([]userResponse, 0, len(users))
		for _, u := range users {
			out = append(out, toUserResponse(u))
		}
		writeJSON(w, http.StatusOK, map[string]any{"users": out})
	case http.MethodPost:
		if !a.ensurePermission(w, r, identity.PermManageUsers) {
			return
		}
		var req createUserRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		p, _ := PrincipalFromContext(r.Context())
		u, err := a.eng.Identity.CreateUser(r.Context(), p.Username, req.Username, req.Role, req.Credential)
		if err != nil {
			handleIdentityError(w, r, err)
			return
		}
		w.Header().Set("Location", fmt.Sprintf("/v1/users/%s", u.Username))
		writeJSON(w, http.StatusCreated, toUserResponse(u))
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPost)
	}
}

func (a *API) handleUserScoped(w http.ResponseWriter, r *http.Request) {
	path := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/users/"), "/")
	if path == "" {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	parts := strings.Split(path, "/")
	username := parts[0]

	switch {
	case len(parts) == 1:
		a.handleUser(w, r, username)
	case len(parts) == 2 && parts[1] == "role":
		a.handleUserRole(w, r, username)
	case len(parts) == 2 && parts[1] == "status":
		a.handleUserStatus(w, r, username)
	default:
		writeError(w, r, http.StatusNotFound, "resource not found")
	}
}

func (a *API) handleUser(w http.ResponseWriter, r *http.Request, username string) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	if !a.ensurePermission(w, r, identity.PermViewDashboard) {
		return
	}
	u, ok := a.eng.Identity.GetUser(username)
	if !ok {
		writeError(w, r, http.StatusNotFound, "user not found")
		return
	}
	writeJSON(w, http.StatusOK, toUserResponse(u))
}

func (a *API) handleUserRole(w http.ResponseWriter, r *http.Request, username string) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	// Grant authority is enforced by the registry against the actor's own
	// role, so no blanket permission check here.
	p, ok := PrincipalFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "authentication required")
		return
	}
	var req assignRoleRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if err := a.eng.Identity.AssignRole(r.Context(), p.Username, username, req.Role); err != nil {
		handleIdentityError(w, r, err)
		return
	}
	u, _ := a.eng.Identity.GetUser(username)
	writeJSON(w, http.StatusOK, toUserResponse(u))
}

func (a *API) handleUserStatus(w http.ResponseWriter, r *http.Request, username string) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	if !a.ensurePermission(w, r, identity.PermManageUsers) {
		return
	}
	var req setStatusRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	status, err := identity.ParseStatus(req.Status)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	p, _ := PrincipalFromContext(r.Context())
	if err := a.eng.Identity.SetStatus(r.Context(), p.Username, username, status); err != nil {
		handleIdentityError(w, r, err)
		return
	}
	u, _ := a.eng.Identity.GetUser(username)
	writeJSON(w, http.StatusOK, toUserResponse(u))
}

func (a *API) handleRoles(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	if !a.ensurePermission(w, r, identity.PermViewDashboard) {
		return
	}
	roles := a.eng.Identity.Roles()
	out := make([]map[string]any, 0, len(roles))
	for _, role := range roles {
		out = append(out, map[string]any{
			"name":        role.Name,
			"permissions": identity.PermissionNames(role),
			"grants":      identity.GrantNames(role),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"roles": out})
}

func handleIdentityError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, identity.ErrDuplicateUser):
		writeError(w, r, http.StatusConflict, "username already exists")
	case errors.Is(err, identity.ErrUnknownUser):
		writeError(w, r, http.StatusNotFound, "user not found")
	case errors.Is(err, identity.ErrUnknownRole):
		writeError(w, r, http.StatusBadRequest, "unknown role")
	case errors.Is(err, identity.ErrPermissionDenied):
		writeError(w, r, http.StatusForbidden, "permission denied")
	case errors.Is(err, identity.ErrInvalidInput):
		writeError(w, r, http.StatusBadRequest, err.Error())
	default:
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}
