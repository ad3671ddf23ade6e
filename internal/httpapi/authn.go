package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/Njanja2025/sentinel/internal/identity"
)

const (
	authHeader = "Authorization"
	bearer     = "Bearer "
)

var publicPaths = []string{
	"/v1/auth/login",
	"/metrics",
	"/healthz",
	"/readyz",
	"/",
}

// Principal is the authenticated caller attached to the request context.
type Principal struct {
	Username string
	Role     string
}

type principalKey struct{}

// ContextWithPrincipal attaches the caller to the context.
func ContextWithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// PrincipalFromContext returns the authenticated caller, if any.
func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}

// withAuth validates the session token on every non-public request and
// attaches the resulting principal.
func (a *API) withAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions || isPublicPath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		token, err := extractBearerToken(r.Header.Get(authHeader))
		if err != nil {
			writeError(w, r, http.StatusUnauthorized, err.Error())
			return
		}

		sess, ok := a.eng.Sessions.Validate(r.Context(), token)
		if !ok {
			writeError(w, r, http.StatusUnauthorized, "invalid or expired session")
			return
		}

		u, ok := a.eng.Identity.GetUser(sess.Username)
		if !ok {
			writeError(w, r, http.StatusUnauthorized, "invalid or expired session")
			return
		}

		ctx := ContextWithPrincipal(r.Context(), Principal{Username: u.Username, Role: u.Role})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// ensurePermission checks the caller's permission and writes the error
// response itself on failure.
func (a *API) ensurePermission(w http.ResponseWriter, r *http.Request, perm identity.Permission) bool {
	p, ok := PrincipalFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "authentication required")
		return false
	}
	if !a.eng.Identity.CheckPermission(p.Username, perm) {
		writeError(w, r, http.StatusForbidden, "permission denied")
		return false
	}
	return true
}

func extractBearerToken(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", errors.New("missing bearer token")
	}
	if !strings.HasPrefix(strings.ToLower(header), strings.ToLower(bearer)) {
		return "", errors.New("invalid authorization scheme")
	}
	token := strings.TrimSpace(header[len(bearer):])
	if token == "" {
		return "", errors.New("missing bearer token")
	}
	return token, nil
}

func isPublicPath(path string) bool {
	for _, p := range publicPaths {
		if path == p {
			return true
		}
	}
	return false
}
