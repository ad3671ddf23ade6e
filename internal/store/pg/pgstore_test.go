package pg

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Njanja2025/sentinel/internal/audit"
	"github.com/Njanja2025/sentinel/internal/identity"
	"github.com/Njanja2025/sentinel/internal/monitor"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, mock.ExpectationsWereMet())
		db.Close()
	})
	return NewWithDB(db), mock
}

func TestSaveUser(t *testing.T) {
	s, mock := newMockStore(t)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	mock.ExpectExec("insert into users").
		WithArgs("u_1", "alice", "hash", "viewer", 0,
			sqlmock.AnyArg(), sqlmock.AnyArg(), "active", now).
		WillReturnResult(sqlmock.NewResult(1, 1))

	err := s.SaveUser(context.Background(), identity.User{
		ID:             "u_1",
		Username:       "alice",
		CredentialHash: "hash",
		Role:           "viewer",
		Status:         identity.StatusActive,
		CreatedAt:      now,
	})
	assert.NoError(t, err)
}

func TestUpdateUserUnknown(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec("update users").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := s.UpdateUser(context.Background(), identity.User{Username: "ghost"})
	assert.ErrorIs(t, err, identity.ErrUnknownUser)
}

func TestListUsersScansNullTimes(t *testing.T) {
	s, mock := newMockStore(t)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	mock.ExpectQuery("select id, username, credential_hash").
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "username", "credential_hash", "role", "failed_attempts",
			"locked_until", "last_login", "status", "created_at",
		}).
			AddRow("u_1", "alice", "hash", "viewer", 2, nil, now, "active", now).
			AddRow("u_2", "bob", "hash", "editor", 0, now.Add(time.Hour), nil, "suspended", now))

	users, err := s.ListUsers(context.Background())
	require.NoError(t, err)
	require.Len(t, users, 2)

	assert.True(t, users[0].LockedUntil.IsZero())
	assert.Equal(t, now, users[0].LastLogin)
	assert.Equal(t, now.Add(time.Hour), users[1].LockedUntil)
	assert.True(t, users[1].LastLogin.IsZero())
	assert.Equal(t, identity.StatusSuspended, users[1].Status)
}

func TestRoleRoundTrip(t *testing.T) {
	s, mock := newMockStore(t)
	role := identity.NewRole("auditor",
		[]identity.Permission{identity.PermViewAudit, identity.PermViewDashboard},
		[]string{"viewer"})

	mock.ExpectExec("insert into roles").
		WithArgs("auditor", []byte(`["view_audit","view_dashboard"]`), []byte(`["viewer"]`)).
		WillReturnResult(sqlmock.NewResult(1, 1))
	require.NoError(t, s.SaveRole(context.Background(), role))

	mock.ExpectQuery("select name, permissions, grants from roles").
		WillReturnRows(sqlmock.NewRows([]string{"name", "permissions", "grants"}).
			AddRow("auditor", []byte(`["view_audit","view_dashboard"]`), []byte(`["viewer"]`)))

	roles, err := s.ListRoles(context.Background())
	require.NoError(t, err)
	require.Len(t, roles, 1)
	assert.Equal(t, "auditor", roles[0].Name)
	assert.True(t, roles[0].Has(identity.PermViewAudit))
	assert.True(t, roles[0].CanGrant("viewer"))
}

func TestListRolesRejectsUnknownPermission(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery("select name, permissions, grants from roles").
		WillReturnRows(sqlmock.NewRows([]string{"name", "permissions", "grants"}).
			AddRow("bad", []byte(`["launch_missiles"]`), []byte(`[]`)))

	_, err := s.ListRoles(context.Background())
	assert.ErrorIs(t, err, identity.ErrUnknownPermission)
}

func TestLastEventEmptyTable(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery("from audit_events order by seq desc limit 1").
		WillReturnRows(sqlmock.NewRows([]string{
			"seq", "event_id", "ts", "actor", "action", "resource",
			"status", "details", "prev_hash", "hash",
		}))

	_, ok, err := s.LastEvent(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestPageEventsFiltersInCode(t *testing.T) {
	s, mock := newMockStore(t)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	rows := sqlmock.NewRows([]string{
		"seq", "event_id", "ts", "actor", "action", "resource",
		"status", "details", "prev_hash", "hash",
	}).
		AddRow(1, "ev_a", now, "alice", "auth.login", "session", "success", "", "", "h1").
		AddRow(2, "ev_b", now, "bob", "auth.login", "session", "failure", "", "h1", "h2").
		AddRow(3, "ev_c", now, "alice", "auth.logout", "session", "success", "", "h2", "h3")
	mock.ExpectQuery("from audit_events where seq >").
		WithArgs(uint64(0)).
		WillReturnRows(rows)

	events, err := s.PageEvents(context.Background(),
		audit.Filter{Actor: "alice", Action: "auth.login"}, 0, 100)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "ev_a", events[0].ID)
}

func TestDeleteEventsBeforeHonorsKeep(t *testing.T) {
	s, mock := newMockStore(t)
	cutoff := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	mock.ExpectQuery("select event_id from audit_events where ts <").
		WithArgs(cutoff).
		WillReturnRows(sqlmock.NewRows([]string{"event_id"}).
			AddRow("ev_a").AddRow("ev_b").AddRow("ev_c"))
	mock.ExpectExec("delete from audit_events where event_id=").
		WithArgs("ev_a").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("delete from audit_events where event_id=").
		WithArgs("ev_c").WillReturnResult(sqlmock.NewResult(0, 1))

	removed, err := s.DeleteEventsBefore(context.Background(), cutoff,
		func(id string) bool { return id == "ev_b" })
	require.NoError(t, err)
	assert.Equal(t, 2, removed)
}

func TestSaveAndListAlerts(t *testing.T) {
	s, mock := newMockStore(t)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	resolved := now.Add(time.Hour)

	mock.ExpectExec("insert into alerts").
		WithArgs("a1", now, "rapid_failed_logins", "high", "alice", "msg",
			sqlmock.AnyArg(), "new", sqlmock.AnyArg(), "", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	require.NoError(t, s.SaveAlert(context.Background(), monitor.Alert{
		ID:        "a1",
		Timestamp: now,
		Type:      monitor.AlertRapidFailedLogins,
		Severity:  monitor.SeverityHigh,
		Subject:   "alice",
		Message:   "msg",
		Details:   map[string]string{"failed_attempts": "5"},
		Status:    monitor.AlertNew,
		EventRefs: []string{"ev_a"},
	}))

	mock.ExpectQuery("from alerts order by ts desc").
		WillReturnRows(sqlmock.NewRows([]string{
			"alert_id", "ts", "alert_type", "severity", "subject", "message",
			"details", "status", "resolved_at", "resolution_notes", "event_refs",
		}).
			AddRow("a1", now, "rapid_failed_logins", "high", "alice", "msg",
				[]byte(`{"failed_attempts":"5"}`), "resolved", resolved, "handled", []byte(`["ev_a"]`)))

	alerts, err := s.ListAlerts(context.Background())
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	a := alerts[0]
	assert.Equal(t, monitor.AlertResolved, a.Status)
	require.NotNil(t, a.ResolvedAt)
	assert.Equal(t, resolved, *a.ResolvedAt)
	assert.Equal(t, map[string]string{"failed_attempts": "5"}, a.Details)
	assert.Equal(t, []string{"ev_a"}, a.EventRefs)
}
