package obs

import "testing"

func TestCanonicalPath(t *testing.T) {
	cases := map[string]string{
		"":                             "/",
		"/metrics":                     "/metrics",
		"/v1/users/alice":              "/v1/users/:id",
		"/v1/users/alice/role":         "/v1/users/:id/role",
		"/v1/users/alice/extra":        "/v1/users/alice/extra",
		"/v1/alerts/ab-12":             "/v1/alerts/:id",
		"/v1/alerts/ab-12/resolve":     "/v1/alerts/:id/resolve",
		"/v1/audit/events":             "/v1/audit/events",
		"/v1/audit/events?actor=alice": "/v1/audit/events",
	}
	for input, expected := range cases {
		if got := CanonicalPath(input); got != expected {
			t.Fatalf("CanonicalPath(%q)=%q, want %q", input, got, expected)
		}
	}
}
