package sqlite_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Njanja2025/sentinel/internal/audit"
	"github.com/Njanja2025/sentinel/internal/identity"
	"github.com/Njanja2025/sentinel/internal/monitor"
	"github.com/Njanja2025/sentinel/internal/session"
	"github.com/Njanja2025/sentinel/internal/store/sqlite"
)

func openStore(t *testing.T) *sqlite.Store {
	t.Helper()
	s, err := sqlite.Open(filepath.Join(t.TempDir(), "sentinel.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestUserRoundTrip(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	u := identity.User{
		ID:             "u_1",
		Username:       "alice",
		CredentialHash: "hash",
		Role:           "viewer",
		Status:         identity.StatusActive,
		CreatedAt:      now,
	}
	require.NoError(t, s.SaveUser(ctx, u))

	u.FailedAttempts = 3
	u.LockedUntil = now.Add(30 * time.Minute)
	u.Role = "editor"
	require.NoError(t, s.UpdateUser(ctx, u))

	users, err := s.ListUsers(ctx)
	require.NoError(t, err)
	require.Len(t, users, 1)
	got := users[0]
	assert.Equal(t, "alice", got.Username)
	assert.Equal(t, "editor", got.Role)
	assert.Equal(t, 3, got.FailedAttempts)
	assert.WithinDuration(t, u.LockedUntil, got.LockedUntil, time.Second)
	assert.True(t, got.LastLogin.IsZero(), "null last_login must come back zero")

	require.NoError(t, s.DeleteUser(ctx, "alice"))
	users, err = s.ListUsers(ctx)
	require.NoError(t, err)
	assert.Empty(t, users)
}

func TestUpdateUnknownUser(t *testing.T) {
	s := openStore(t)
	err := s.UpdateUser(context.Background(), identity.User{Username: "ghost"})
	assert.ErrorIs(t, err, identity.ErrUnknownUser)
}

func TestRoleRoundTrip(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	role := identity.NewRole("auditor",
		[]identity.Permission{identity.PermViewAudit}, []string{"viewer"})
	require.NoError(t, s.SaveRole(ctx, role))

	// Upsert on the same name.
	role = identity.NewRole("auditor",
		[]identity.Permission{identity.PermViewAudit, identity.PermExportData}, nil)
	require.NoError(t, s.SaveRole(ctx, role))

	roles, err := s.ListRoles(ctx)
	require.NoError(t, err)
	require.Len(t, roles, 1)
	assert.True(t, roles[0].Has(identity.PermExportData))
	assert.False(t, roles[0].CanGrant("viewer"))
}

func TestSessionRoundTrip(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	sess := session.Session{
		Token:        "tok-1",
		Username:     "alice",
		CreatedAt:    now,
		ExpiresAt:    now.Add(8 * time.Hour),
		LastActivity: now,
	}
	require.NoError(t, s.PutSession(ctx, sess))

	// Upsert refreshes activity only.
	sess.LastActivity = now.Add(time.Hour)
	require.NoError(t, s.PutSession(ctx, sess))

	sessions, err := s.ListSessions(ctx)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.WithinDuration(t, now.Add(time.Hour), sessions[0].LastActivity, time.Second)

	require.NoError(t, s.DeleteSession(ctx, "tok-1"))
	sessions, err = s.ListSessions(ctx)
	require.NoError(t, err)
	assert.Empty(t, sessions)
}

func TestAuditChainPersistsAcrossOpen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sentinel.db")
	ctx := context.Background()

	s, err := sqlite.Open(path)
	require.NoError(t, err)
	log, err := audit.New(ctx, s)
	require.NoError(t, err)

	first, err := log.Append(ctx, audit.Draft{
		Actor: "alice", Action: "auth.login", Resource: "session", Status: audit.StatusSuccess,
	})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	// Reopen: the chain resumes from the stored tail.
	s, err = sqlite.Open(path)
	require.NoError(t, err)
	defer s.Close()
	log, err = audit.New(ctx, s)
	require.NoError(t, err)

	second, err := log.Append(ctx, audit.Draft{
		Actor: "alice", Action: "auth.logout", Resource: "session", Status: audit.StatusSuccess,
	})
	require.NoError(t, err)
	assert.Equal(t, first.Seq+1, second.Seq)
	assert.Equal(t, first.Hash, second.PrevHash)

	ok, _, err := log.VerifyChain(ctx, 0, 0)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestDeleteEventsBeforeKeepsProtected(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	old := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	for i, id := range []string{"ev_a", "ev_b", "ev_c"} {
		require.NoError(t, s.AppendEvent(ctx, audit.Event{
			Seq: uint64(i + 1), ID: id, Timestamp: old,
			Actor: "alice", Action: "auth.login", Resource: "session",
			Status: audit.StatusFailure, Hash: id + "-hash",
		}))
	}

	removed, err := s.DeleteEventsBefore(ctx, old.Add(time.Hour),
		func(id string) bool { return id == "ev_b" })
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	events, err := s.PageEvents(ctx, audit.Filter{}, 0, 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "ev_b", events[0].ID)
}

func TestAlertRoundTrip(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	a := monitor.Alert{
		ID:        "a1",
		Timestamp: now,
		Type:      monitor.AlertRapidFailedLogins,
		Severity:  monitor.SeverityHigh,
		Subject:   "alice",
		Message:   "5 failed logins",
		Details:   map[string]string{"failed_attempts": "5"},
		Status:    monitor.AlertNew,
		EventRefs: []string{"ev_a", "ev_b"},
	}
	require.NoError(t, s.SaveAlert(ctx, a))

	resolved := now.Add(time.Hour)
	a.Status = monitor.AlertResolved
	a.ResolvedAt = &resolved
	a.ResolutionNotes = "handled"
	require.NoError(t, s.SaveAlert(ctx, a))

	alerts, err := s.ListAlerts(ctx)
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	got := alerts[0]
	assert.Equal(t, monitor.AlertResolved, got.Status)
	require.NotNil(t, got.ResolvedAt)
	assert.WithinDuration(t, resolved, *got.ResolvedAt, time.Second)
	assert.Equal(t, map[string]string{"failed_attempts": "5"}, got.Details)
	assert.Equal(t, []string{"ev_a", "ev_b"}, got.EventRefs)
}
