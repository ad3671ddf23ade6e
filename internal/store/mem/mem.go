// Package mem provides the in-memory storage backend. It is the default
// driver and the one the test suites run against. All tables share a single
// Store value but carry independent locks.
package mem

import (
	"context"
	"sync"
	"time"

	"github.com/Njanja2025/sentinel/internal/audit"
	"github.com/Njanja2025/sentinel/internal/identity"
	"github.com/Njanja2025/sentinel/internal/monitor"
	"github.com/Njanja2025/sentinel/internal/session"
)

// Store keeps every table in process memory.
type Store struct {
	usersMu sync.RWMutex
	users   map[string]identity.User

	rolesMu sync.RWMutex
	roles   map[string]identity.Role

	sessionsMu sync.RWMutex
	sessions   map[string]session.Session

	eventsMu sync.RWMutex
	events   []audit.Event

	alertsMu sync.RWMutex
	alerts   map[string]monitor.Alert
}

// New returns an empty store.
func New() *Store {
	return &Store{
		users:    make(map[string]identity.User),
		roles:    make(map[string]identity.Role),
		sessions: make(map[string]session.Session),
		alerts:   make(map[string]monitor.Alert),
	}
}

// Close is a no-op; it exists so every driver satisfies the same lifecycle.
func (s *Store) Close() error { return nil }

func (s *Store) SaveUser(_ context.Context, u identity.User) error {
	s.usersMu.Lock()
	defer s.usersMu.Unlock()
	s.users[u.Username] = u
	return nil
}

func (s *Store) UpdateUser(_ context.Context, u identity.User) error {
	s.usersMu.Lock()
	defer s.usersMu.Unlock()
	if _, ok := s.users[u.Username]; !ok {
		return identity.ErrUnknownUser
	}
	s.users[u.Username] = u
	return nil
}

func (s *Store) DeleteUser(_ context.Context, username string) error {
	s.usersMu.Lock()
	defer s.usersMu.Unlock()
	delete(s.users, username)
	return nil
}

func (s *Store) ListUsers(_ context.Context) ([]identity.User, error) {
	s.usersMu.RLock()
	defer s.usersMu.RUnlock()
	out := make([]identity.User, 0, len(s.users))
	for _, u := range s.users {
		out = append(out, u)
	}
	return out, nil
}

func (s *Store) SaveRole(_ context.Context, r identity.Role) error {
	s.rolesMu.Lock()
	defer s.rolesMu.Unlock()
	s.roles[r.Name] = r
	return nil
}

func (s *Store) ListRoles(_ context.Context) ([]identity.Role, error) {
	s.rolesMu.RLock()
	defer s.rolesMu.RUnlock()
	out := make([]identity.Role, 0, len(s.roles))
	for _, r := range s.roles {
		out = append(out, r)
	}
	return out, nil
}

func (s *Store) PutSession(_ context.Context, sess session.Session) error {
	s.sessionsMu.Lock()
	defer s.sessionsMu.Unlock()
	s.sessions[sess.Token] = sess
	return nil
}

func (s *Store) DeleteSession(_ context.Context, token string) error {
	s.sessionsMu.Lock()
	defer s.sessionsMu.Unlock()
	delete(s.sessions, token)
	return nil
}

func (s *Store) ListSessions(_ context.Context) ([]session.Session, error) {
	s.sessionsMu.RLock()
	defer s.sessionsMu.RUnlock()
	out := make([]session.Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, sess)
	}
	return out, nil
}

func (s *Store) AppendEvent(_ context.Context, e audit.Event) error {
	s.eventsMu.Lock()
	defer s.eventsMu.Unlock()
	s.events = append(s.events, e)
	return nil
}

func (s *Store) LastEvent(_ context.Context) (audit.Event, bool, error) {
	s.eventsMu.RLock()
	defer s.eventsMu.RUnlock()
	if len(s.events) == 0 {
		return audit.Event{}, false, nil
	}
	return s.events[len(s.events)-1], true, nil
}

func (s *Store) PageEvents(_ context.Context, f audit.Filter, afterSeq uint64, limit int) ([]audit.Event, error) {
	s.eventsMu.RLock()
	defer s.eventsMu.RUnlock()
	var out []audit.Event
	for _, e := range s.events {
		if e.Seq <= afterSeq || !f.Matches(e) {
			continue
		}
		out = append(out, e)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *Store) DeleteEventsBefore(_ context.Context, cutoff time.Time, keep func(id string) bool) (int, error) {
	s.eventsMu.Lock()
	defer s.eventsMu.Unlock()
	kept := s.events[:0]
	removed := 0
	for _, e := range s.events {
		if e.Timestamp.Before(cutoff) && (keep == nil || !keep(e.ID)) {
			removed++
			continue
		}
		kept = append(kept, e)
	}
	s.events = kept
	return removed, nil
}

func (s *Store) SaveAlert(_ context.Context, a monitor.Alert) error {
	s.alertsMu.Lock()
	defer s.alertsMu.Unlock()
	s.alerts[a.ID] = a
	return nil
}

func (s *Store) ListAlerts(_ context.Context) ([]monitor.Alert, error) {
	s.alertsMu.RLock()
	defer s.alertsMu.RUnlock()
	out := make([]monitor.Alert, 0, len(s.alerts))
	for _, a := range s.alerts {
		out = append(out, a)
	}
	return out, nil
}
