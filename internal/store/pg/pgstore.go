// Package pg implements the storage backend on PostgreSQL through the pgx
// stdlib driver. Schema is managed by the migrate command.
package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/Njanja2025/sentinel/internal/audit"
	"github.com/Njanja2025/sentinel/internal/identity"
	"github.com/Njanja2025/sentinel/internal/monitor"
	"github.com/Njanja2025/sentinel/internal/session"
)

type Store struct {
	db *sql.DB
}

var (
	_ identity.UserStore = (*Store)(nil)
	_ identity.RoleStore = (*Store)(nil)
	_ session.Store      = (*Store)(nil)
	_ audit.Store        = (*Store)(nil)
	_ monitor.AlertStore = (*Store)(nil)
)

func Open(dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	// Tuned pool defaults; adjust under load tests
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return &Store{db: db}, nil
}

// NewWithDB wraps an existing handle; used by tests with sqlmock.
func NewWithDB(db *sql.DB) *Store { return &Store{db: db} }

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}

func fromNull(t sql.NullTime) time.Time {
	if !t.Valid {
		return time.Time{}
	}
	return t.Time
}

func (s *Store) SaveUser(ctx context.Context, u identity.User) error {
	_, err := s.db.ExecContext(ctx, `
		insert into users(id, username, credential_hash, role, failed_attempts, locked_until, last_login, status, created_at)
		values ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`, u.ID, u.Username, u.CredentialHash, u.Role, u.FailedAttempts,
		nullTime(u.LockedUntil), nullTime(u.LastLogin), string(u.Status), u.CreatedAt)
	return err
}

func (s *Store) UpdateUser(ctx context.Context, u identity.User) error {
	res, err := s.db.ExecContext(ctx, `
		update users
		set credential_hash=$2, role=$3, failed_attempts=$4, locked_until=$5, last_login=$6, status=$7
		where username=$1
	`, u.Username, u.CredentialHash, u.Role, u.FailedAttempts,
		nullTime(u.LockedUntil), nullTime(u.LastLogin), string(u.Status))
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return identity.ErrUnknownUser
	}
	return nil
}

func (s *Store) DeleteUser(ctx context.Context, username string) error {
	_, err := s.db.ExecContext(ctx, `delete from users where username=$1`, username)
	return err
}

func (s *Store) ListUsers(ctx context.Context) ([]identity.User, error) {
	rows, err := s.db.QueryContext(ctx, `
		select id, username, credential_hash, role, failed_attempts, locked_until, last_login, status, created_at
		from users order by username
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []identity.User
	for rows.Next() {
		var u identity.User
		var status string
		var locked, lastLogin sql.NullTime
		if err := rows.Scan(&u.ID, &u.Username, &u.CredentialHash, &u.Role,
			&u.FailedAttempts, &locked, &lastLogin, &status, &u.CreatedAt); err != nil {
			return nil, err
		}
		u.LockedUntil = fromNull(locked)
		u.LastLogin = fromNull(lastLogin)
		u.Status = identity.Status(status)
		out = append(out, u)
	}
	return out, rows.Err()
}

func (s *Store) SaveRole(ctx context.Context, r identity.Role) error {
	perms, err := json.Marshal(identity.PermissionNames(r))
	if err != nil {
		return err
	}
	grants, err := json.Marshal(identity.GrantNames(r))
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		insert into roles(name, permissions, grants)
		values ($1,$2,$3)
		on conflict (name) do update set permissions=excluded.permissions, grants=excluded.grants
	`, r.Name, perms, grants)
	return err
}

func (s *Store) ListRoles(ctx context.Context) ([]identity.Role, error) {
	rows, err := s.db.QueryContext(ctx, `select name, permissions, grants from roles order by name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []identity.Role
	for rows.Next() {
		var name string
		var permsRaw, grantsRaw []byte
		if err := rows.Scan(&name, &permsRaw, &grantsRaw); err != nil {
			return nil, err
		}
		r, err := decodeRole(name, permsRaw, grantsRaw)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func decodeRole(name string, permsRaw, grantsRaw []byte) (identity.Role, error) {
	var permNames, grants []string
	if len(permsRaw) > 0 {
		if err := json.Unmarshal(permsRaw, &permNames); err != nil {
			return identity.Role{}, err
		}
	}
	if len(grantsRaw) > 0 {
		if err := json.Unmarshal(grantsRaw, &grants); err != nil {
			return identity.Role{}, err
		}
	}
	perms := make([]identity.Permission, 0, len(permNames))
	for _, p := range permNames {
		perm, err := identity.ParsePermission(p)
		if err != nil {
			return identity.Role{}, err
		}
		perms = append(perms, perm)
	}
	return identity.NewRole(name, perms, grants), nil
}

func (s *Store) PutSession(ctx context.Context, sess session.Session) error {
	_, err := s.db.ExecContext(ctx, `
		insert into sessions(token, username, created_at, expires_at, last_activity)
		values ($1,$2,$3,$4,$5)
		on conflict (token) do update set last_activity=excluded.last_activity
	`, sess.Token, sess.Username, sess.CreatedAt, sess.ExpiresAt, sess.LastActivity)
	return err
}

func (s *Store) DeleteSession(ctx context.Context, token string) error {
	_, err := s.db.ExecContext(ctx, `delete from sessions where token=$1`, token)
	return err
}

func (s *Store) ListSessions(ctx context.Context) ([]session.Session, error) {
	rows, err := s.db.QueryContext(ctx, `
		select token, username, created_at, expires_at, last_activity from sessions
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []session.Session
	for rows.Next() {
		var sess session.Session
		if err := rows.Scan(&sess.Token, &sess.Username, &sess.CreatedAt,
			&sess.ExpiresAt, &sess.LastActivity); err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

func (s *Store) AppendEvent(ctx context.Context, e audit.Event) error {
	_, err := s.db.ExecContext(ctx, `
		insert into audit_events(seq, event_id, ts, actor, action, resource, status, details, prev_hash, hash)
		values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
	`, e.Seq, e.ID, e.Timestamp, e.Actor, e.Action, e.Resource, string(e.Status), e.Details, e.PrevHash, e.Hash)
	return err
}

func (s *Store) LastEvent(ctx context.Context) (audit.Event, bool, error) {
	var e audit.Event
	var status string
	err := s.db.QueryRowContext(ctx, `
		select seq, event_id, ts, actor, action, resource, status, details, prev_hash, hash
		from audit_events order by seq desc limit 1
	`).Scan(&e.Seq, &e.ID, &e.Timestamp, &e.Actor, &e.Action, &e.Resource, &status, &e.Details, &e.PrevHash, &e.Hash)
	if errors.Is(err, sql.ErrNoRows) {
		return audit.Event{}, false, nil
	}
	if err != nil {
		return audit.Event{}, false, err
	}
	e.Status = audit.Status(status)
	return e, true, nil
}

func (s *Store) PageEvents(ctx context.Context, f audit.Filter, afterSeq uint64, limit int) ([]audit.Event, error) {
	// Seq ordering and paging happen in SQL; field filters are applied in
	// code through Filter.Matches so the matching semantics stay in one
	// place across drivers.
	rows, err := s.db.QueryContext(ctx, `
		select seq, event_id, ts, actor, action, resource, status, details, prev_hash, hash
		from audit_events where seq > $1 order by seq asc
	`, afterSeq)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []audit.Event
	for rows.Next() {
		var e audit.Event
		var status string
		if err := rows.Scan(&e.Seq, &e.ID, &e.Timestamp, &e.Actor, &e.Action,
			&e.Resource, &status, &e.Details, &e.PrevHash, &e.Hash); err != nil {
			return nil, err
		}
		e.Status = audit.Status(status)
		if !f.Matches(e) {
			continue
		}
		out = append(out, e)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, rows.Err()
}

func (s *Store) DeleteEventsBefore(ctx context.Context, cutoff time.Time, keep func(id string) bool) (int, error) {
	rows, err := s.db.QueryContext(ctx, `select event_id from audit_events where ts < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	var doomed []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, err
		}
		if keep == nil || !keep(id) {
			doomed = append(doomed, id)
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	removed := 0
	for _, id := range doomed {
		if _, err := s.db.ExecContext(ctx, `delete from audit_events where event_id=$1`, id); err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}

func (s *Store) SaveAlert(ctx context.Context, a monitor.Alert) error {
	details, err := json.Marshal(a.Details)
	if err != nil {
		return err
	}
	refs, err := json.Marshal(a.EventRefs)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		insert into alerts(alert_id, ts, alert_type, severity, subject, message, details, status, resolved_at, resolution_notes, event_refs)
		values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		on conflict (alert_id) do update
		set status=excluded.status, resolved_at=excluded.resolved_at, resolution_notes=excluded.resolution_notes
	`, a.ID, a.Timestamp, string(a.Type), string(a.Severity), a.Subject, a.Message,
		details, string(a.Status), resolvedAt(a), a.ResolutionNotes, refs)
	return err
}

func resolvedAt(a monitor.Alert) sql.NullTime {
	if a.ResolvedAt == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *a.ResolvedAt, Valid: true}
}

func (s *Store) ListAlerts(ctx context.Context) ([]monitor.Alert, error) {
	rows, err := s.db.QueryContext(ctx, `
		select alert_id, ts, alert_type, severity, subject, message, details, status, resolved_at, resolution_notes, event_refs
		from alerts order by ts desc
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []monitor.Alert
	for rows.Next() {
		var a monitor.Alert
		var typ, sev, status string
		var detailsRaw, refsRaw []byte
		var resolved sql.NullTime
		if err := rows.Scan(&a.ID, &a.Timestamp, &typ, &sev, &a.Subject, &a.Message,
			&detailsRaw, &status, &resolved, &a.ResolutionNotes, &refsRaw); err != nil {
			return nil, err
		}
		a.Type = monitor.AlertType(typ)
		a.Severity = monitor.Severity(sev)
		a.Status = monitor.AlertStatus(status)
		if resolved.Valid {
			t := resolved.Time
			a.ResolvedAt = &t
		}
		if len(detailsRaw) > 0 {
			if err := json.Unmarshal(detailsRaw, &a.Details); err != nil {
				return nil, err
			}
		}
		if len(refsRaw) > 0 {
			if err := json.Unmarshal(refsRaw, &a.EventRefs); err != nil {
				return nil, err
			}
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
