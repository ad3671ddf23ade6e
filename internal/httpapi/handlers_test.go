package httpapi_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Njanja2025/sentinel/internal/config"
	"github.com/Njanja2025/sentinel/internal/engine"
	"github.com/Njanja2025/sentinel/internal/httpapi"
	"github.com/Njanja2025/sentinel/internal/identity"
)

// apiClient drives the API over a real httptest server.
type apiClient struct {
	t     *testing.T
	srv   *httptest.Server
	eng   *engine.Engine
	token string
}

func newAPIClient(t *testing.T) *apiClient {
	t.Helper()
	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Auth.TokenSecret = "api-test-secret"
	cfg.Auth.MaxFailedAttempts = 3

	eng, err := engine.New(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = eng.Close(context.Background()) })

	api := httpapi.New(eng, "test", httpapi.WithRateLimit(1000, 1000))
	srv := httptest.NewServer(api.Handler())
	t.Cleanup(srv.Close)
	return &apiClient{t: t, srv: srv, eng: eng}
}

// seedUser creates an account directly through the registry.
func (c *apiClient) seedUser(username, role, credential string) {
	c.t.Helper()
	_, err := c.eng.Identity.CreateUser(context.Background(), "system", username, role, credential)
	require.NoError(c.t, err)
}

func (c *apiClient) do(method, path string, body any) (*http.Response, map[string]any) {
	c.t.Helper()
	var buf io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(c.t, err)
		buf = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, c.srv.URL+path, buf)
	require.NoError(c.t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.srv.Client().Do(req)
	require.NoError(c.t, err)
	defer resp.Body.Close()

	var decoded map[string]any
	raw, err := io.ReadAll(resp.Body)
	require.NoError(c.t, err)
	if len(raw) > 0 {
		require.NoError(c.t, json.Unmarshal(raw, &decoded), "body: %s", raw)
	}
	return resp, decoded
}

func (c *apiClient) login(username, credential string) {
	c.t.Helper()
	resp, body := c.do(http.MethodPost, "/v1/auth/login",
		map[string]string{"username": username, "credential": credential})
	require.Equal(c.t, http.StatusOK, resp.StatusCode, "login failed: %v", body)
	c.token = body["token"].(string)
}

func TestHealthIsPublic(t *testing.T) {
	c := newAPIClient(t)

	resp, body := c.do(http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body["status"])
	assert.NotEmpty(t, resp.Header.Get("X-Request-Id"))
}

func TestEndpointsRequireAuthentication(t *testing.T) {
	c := newAPIClient(t)

	for _, path := range []string{"/v1/users", "/v1/alerts", "/v1/audit/events", "/v1/info"} {
		resp, _ := c.do(http.MethodGet, path, nil)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode, path)
	}
}

func TestLoginValidateLogout(t *testing.T) {
	c := newAPIClient(t)
	c.seedUser("root", identity.RoleAdmin, "root-pass-1")
	c.login("root", "root-pass-1")

	resp, body := c.do(http.MethodGet, "/v1/auth/validate", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "root", body["username"])
	assert.Equal(t, identity.RoleAdmin, body["role"])

	resp, _ = c.do(http.MethodPost, "/v1/auth/logout", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = c.do(http.MethodGet, "/v1/auth/validate", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode, "revoked session still valid")
}

func TestLoginRejectsBadCredentials(t *testing.T) {
	c := newAPIClient(t)
	c.seedUser("root", identity.RoleAdmin, "root-pass-1")

	resp, body := c.do(http.MethodPost, "/v1/auth/login",
		map[string]string{"username": "root", "credential": "wrong"})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "invalid credentials", body["error"])

	// Unknown users get the identical response.
	resp, body = c.do(http.MethodPost, "/v1/auth/login",
		map[string]string{"username": "ghost", "credential": "wrong"})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "invalid credentials", body["error"])
}

func TestLockoutOverHTTP(t *testing.T) {
	c := newAPIClient(t)
	c.seedUser("root", identity.RoleAdmin, "root-pass-1")

	for i := 0; i < 2; i++ {
		resp, _ := c.do(http.MethodPost, "/v1/auth/login",
			map[string]string{"username": "root", "credential": "wrong"})
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	}
	resp, body := c.do(http.MethodPost, "/v1/auth/login",
		map[string]string{"username": "root", "credential": "wrong"})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, "account is temporarily locked", body["error"])

	// Correct credentials bounce off the lock too.
	resp, _ = c.do(http.MethodPost, "/v1/auth/login",
		map[string]string{"username": "root", "credential": "root-pass-1"})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestUserAdministration(t *testing.T) {
	c := newAPIClient(t)
	c.seedUser("root", identity.RoleAdmin, "root-pass-1")
	c.login("root", "root-pass-1")

	resp, body := c.do(http.MethodPost, "/v1/users",
		map[string]string{"username": "bob", "role": "viewer", "credential": "bob-pass-22"})
	require.Equal(t, http.StatusCreated, resp.StatusCode, "create: %v", body)
	assert.Equal(t, "/v1/users/bob", resp.Header.Get("Location"))
	assert.Equal(t, "viewer", body["role"])

	resp, _ = c.do(http.MethodPost, "/v1/users",
		map[string]string{"username": "bob", "role": "viewer", "credential": "bob-pass-22"})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, body = c.do(http.MethodGet, "/v1/users/bob", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "active", body["status"])

	resp, body = c.do(http.MethodPost, "/v1/users/bob/role", map[string]string{"role": "editor"})
	require.Equal(t, http.StatusOK, resp.StatusCode, "assign role: %v", body)
	assert.Equal(t, "editor", body["role"])

	resp, body = c.do(http.MethodPost, "/v1/users/bob/status", map[string]string{"status": "suspended"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "suspended", body["status"])

	resp, _ = c.do(http.MethodGet, "/v1/users/nobody", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestViewersCannotAdminister(t *testing.T) {
	c := newAPIClient(t)
	c.seedUser("eve", identity.RoleViewer, "eve-pass-33")
	c.login("eve", "eve-pass-33")

	resp, _ := c.do(http.MethodPost, "/v1/users",
		map[string]string{"username": "mallory", "role": "admin", "credential": "x-pass-44"})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	// Viewers cannot assign roles either; the registry rejects the grant.
	resp, _ = c.do(http.MethodPost, "/v1/users/eve/role", map[string]string{"role": "admin"})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp, _ = c.do(http.MethodGet, "/v1/audit/events", nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestAuditQueryAndVerify(t *testing.T) {
	c := newAPIClient(t)
	c.seedUser("root", identity.RoleAdmin, "root-pass-1")
	c.login("root", "root-pass-1")

	resp, body := c.do(http.MethodGet, "/v1/audit/events?action=auth.login&status=success", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(1), body["count"], "the login itself is on the record")

	resp, body = c.do(http.MethodPost, "/v1/audit/events", map[string]string{
		"action":   "report.generated",
		"resource": "report:q1",
		"status":   "success",
		"details":  "quarterly access review",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.NotEmpty(t, body["event_id"])

	resp, body = c.do(http.MethodPost, "/v1/audit/verify", map[string]uint64{})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["ok"])
	assert.NotContains(t, body, "first_bad_seq")
}

func TestAuditQueryRejectsBadFilter(t *testing.T) {
	c := newAPIClient(t)
	c.seedUser("root", identity.RoleAdmin, "root-pass-1")
	c.login("root", "root-pass-1")

	for _, q := range []string{"?status=sideways", "?from=yesterday", "?limit=zero"} {
		resp, _ := c.do(http.MethodGet, "/v1/audit/events"+q, nil)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, q)
	}
}

func TestAlertEndpoints(t *testing.T) {
	c := newAPIClient(t)
	c.seedUser("root", identity.RoleAdmin, "root-pass-1")
	c.login("root", "root-pass-1")

	resp, body := c.do(http.MethodGet, "/v1/alerts", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(0), body["count"])

	resp, _ = c.do(http.MethodGet, "/v1/alerts/does-not-exist", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = c.do(http.MethodPost, "/v1/alerts/does-not-exist/resolve",
		map[string]string{"notes": "n/a"})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = c.do(http.MethodGet, "/v1/alerts?status=sideways", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestKnownGoodIPManagement(t *testing.T) {
	c := newAPIClient(t)
	c.seedUser("root", identity.RoleAdmin, "root-pass-1")
	c.login("root", "root-pass-1")

	resp, body := c.do(http.MethodPost, "/v1/monitor/known-good-ips",
		map[string]string{"ip": "203.0.113.10"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body["ips"], "203.0.113.10")

	resp, _ = c.do(http.MethodPost, "/v1/monitor/known-good-ips",
		map[string]string{"ip": "not-an-ip"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestServiceTokenExchange(t *testing.T) {
	c := newAPIClient(t)
	c.seedUser("root", identity.RoleAdmin, "root-pass-1")
	c.login("root", "root-pass-1")

	resp, body := c.do(http.MethodPost, "/v1/auth/token", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	token := body["token"].(string)
	require.NotEmpty(t, token)

	claims, err := c.eng.Signer.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "root", claims.Subject)
	assert.Equal(t, identity.RoleAdmin, claims.Role)
}

func TestMethodNotAllowed(t *testing.T) {
	c := newAPIClient(t)
	c.seedUser("root", identity.RoleAdmin, "root-pass-1")
	c.login("root", "root-pass-1")

	resp, _ := c.do(http.MethodDelete, "/v1/users", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
	assert.Equal(t, fmt.Sprintf("%s, %s", http.MethodGet, http.MethodPost), resp.Header.Get("Allow"))
}
