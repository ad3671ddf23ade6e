package session

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/Njanja2025/sentinel/internal/audit"
	"github.com/Njanja2025/sentinel/internal/identity"
	"github.com/Njanja2025/sentinel/internal/obs"
)

const (
	// DefaultMaxFailedAttempts is the consecutive-failure limit before an
	// account is locked.
	DefaultMaxFailedAttempts = 5

	// DefaultLockoutDuration is how long a locked account stays locked.
	DefaultLockoutDuration = 30 * time.Minute

	// DefaultSessionDuration is the absolute session lifetime. Validation
	// never extends it; only LastActivity advances.
	DefaultSessionDuration = 8 * time.Hour
)

// Session is a time-bounded authentication token bound to a user. Tokens are
// opaque 256-bit random values and are never reused.
type Session struct {
	Token        string    `json:"token"`
	Username     string    `json:"username"`
	CreatedAt    time.Time `json:"created_at"`
	ExpiresAt    time.Time `json:"expires_at"`
	LastActivity time.Time `json:"last_activity"`
}

// Store persists sessions so they survive a process restart. A nil store
// keeps the session table process-local.
type Store interface {
	PutSession(ctx context.Context, s Session) error
	DeleteSession(ctx context.Context, token string) error
	ListSessions(ctx context.Context) ([]Session, error)
}

// Outcome classifies a login attempt for the security monitor.
type Outcome string

const (
	OutcomeSuccess  Outcome = "success"
	OutcomeInvalid  Outcome = "invalid_credentials"
	OutcomeLocked   Outcome = "locked"
	OutcomeNotFound Outcome = "not_found"
)

// LoginEvent is the signal forwarded to the security monitor for every
// authentication outcome. EventID references the audit record produced for
// the attempt, letting alerts pin their evidence.
type LoginEvent struct {
	Username  string
	SourceIP  string
	Outcome   Outcome
	LockedNow bool
	EventID   string
	Time      time.Time
}

// SecuritySink receives session-manager signals. The monitor implements it;
// a nil sink disables forwarding. Sink calls must not block.
type SecuritySink interface {
	LoginAttempt(ev LoginEvent)
	SessionStarted(username string, at time.Time)
	SessionEnded(username string, at time.Time)
}

// Manager issues, validates, and revokes session tokens and enforces the
// login lockout policy. It is the sole owner of session state.
type Manager struct {
	users *identity.Registry
	log   *audit.Log
	store Store
	sink  SecuritySink
	now   func() time.Time

	maxFailedAttempts int
	lockoutDuration   time.Duration
	sessionDuration   time.Duration

	mu       sync.Mutex
	sessions map[string]Session
}

// Option configures a Manager.
type Option func(*Manager)

// WithMaxFailedAttempts sets the lockout threshold.
func WithMaxFailedAttempts(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.maxFailedAttempts = n
		}
	}
}

// WithLockoutDuration sets how long lockouts last.
func WithLockoutDuration(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.lockoutDuration = d
		}
	}
}

// WithSessionDuration sets the absolute session lifetime.
func WithSessionDuration(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.sessionDuration = d
		}
	}
}

// WithStore enables session persistence.
func WithStore(s Store) Option {
	return func(m *Manager) { m.store = s }
}

// WithSecuritySink wires the monitor's event intake.
func WithSecuritySink(s SecuritySink) Option {
	return func(m *Manager) { m.sink = s }
}

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) Option {
	return func(m *Manager) {
		if fn != nil {
			m.now = fn
		}
	}
}

// NewManager constructs a session manager over the identity registry and
// audit log.
func NewManager(users *identity.Registry, log *audit.Log, opts ...Option) *Manager {
	m := &Manager{
		users:             users,
		log:               log,
		now:               time.Now,
		maxFailedAttempts: DefaultMaxFailedAttempts,
		lockoutDuration:   DefaultLockoutDuration,
		sessionDuration:   DefaultSessionDuration,
		sessions:          make(map[string]Session),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Hydrate loads persisted sessions, discarding any that expired while the
// process was down.
func (m *Manager) Hydrate(ctx context.Context) error {
	if m.store == nil {
		return nil
	}
	sessions, err := m.store.ListSessions(ctx)
	if err != nil {
		return fmt.Errorf("session: hydrate: %w", err)
	}
	now := m.now().UTC()
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range sessions {
		if now.After(s.ExpiresAt) {
			_ = m.store.DeleteSession(ctx, s.Token)
			continue
		}
		m.sessions[s.Token] = s
	}
	obs.SetActiveSessions(len(m.sessions))
	return nil
}

// newToken mints an opaque 256-bit session token.
func newToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("session: token entropy: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// Authenticate verifies the credential, applies the lockout policy, and on
// success mints a session. Every outcome is written to the audit log and
// forwarded to the security monitor; an audit persistence failure fails the
// whole call, success included.
func (m *Manager) Authenticate(ctx context.Context, username, credential, sourceIP string) (Session, error) {
	username = strings.TrimSpace(strings.ToLower(username))
	now := m.now().UTC()

	u, ok := m.users.GetUser(username)
	if !ok {
		return Session{}, m.failAttempt(ctx, username, sourceIP, now, OutcomeNotFound, false, "unknown user")
	}

	if u.LockedAt(now) {
		// Attempts against a locked account do not advance the counter.
		return Session{}, m.failAttempt(ctx, username, sourceIP, now, OutcomeLocked, false, "account locked")
	}

	if err := identity.VerifyCredential(u.CredentialHash, credential); err != nil {
		lockedNow := false
		updateErr := m.users.UpdateUser(ctx, username, func(u *identity.User) error {
			u.FailedAttempts++
			if u.FailedAttempts >= m.maxFailedAttempts {
				u.LockedUntil = now.Add(m.lockoutDuration)
				lockedNow = true
			}
			return nil
		})
		if updateErr != nil {
			return Session{}, updateErr
		}
		detail := "invalid credentials"
		if lockedNow {
			detail = "account locked"
			obs.AccountLocked()
		}
		err := m.failAttempt(ctx, username, sourceIP, now, OutcomeInvalid, lockedNow, detail)
		if lockedNow && err == ErrInvalidCredentials {
			// The attempt that trips the threshold reports the lockout.
			err = ErrAccountLocked
		}
		return Session{}, err
	}

	if u.Status != identity.StatusActive {
		return Session{}, m.failAttempt(ctx, username, sourceIP, now, OutcomeInvalid, false, "account not active: "+string(u.Status))
	}

	// Correct credential: reset lockout bookkeeping before minting.
	if err := m.users.UpdateUser(ctx, username, func(u *identity.User) error {
		u.FailedAttempts = 0
		u.LockedUntil = time.Time{}
		u.LastLogin = now
		return nil
	}); err != nil {
		return Session{}, err
	}

	token, err := newToken()
	if err != nil {
		return Session{}, err
	}
	s := Session{
		Token:        token,
		Username:     username,
		CreatedAt:    now,
		ExpiresAt:    now.Add(m.sessionDuration),
		LastActivity: now,
	}

	m.mu.Lock()
	m.sessions[token] = s
	count := len(m.sessions)
	m.mu.Unlock()
	obs.SetActiveSessions(count)

	rollback := func() {
		m.mu.Lock()
		delete(m.sessions, token)
		obs.SetActiveSessions(len(m.sessions))
		m.mu.Unlock()
	}
	if m.store != nil {
		if err := m.store.PutSession(ctx, s); err != nil {
			rollback()
			return Session{}, fmt.Errorf("session: persist session: %w", err)
		}
	}

	ev, err := m.log.Append(ctx, audit.Draft{
		Actor:    username,
		Action:   "auth.login",
		Resource: "session",
		Status:   audit.StatusSuccess,
		Details:  "source_ip=" + sourceIP,
	})
	if err != nil {
		// A session nobody audited must not exist.
		rollback()
		if m.store != nil {
			_ = m.store.DeleteSession(ctx, token)
		}
		return Session{}, err
	}

	obs.AuthAttempt(string(OutcomeSuccess))
	if m.sink != nil {
		m.sink.LoginAttempt(LoginEvent{
			Username: username,
			SourceIP: sourceIP,
			Outcome:  OutcomeSuccess,
			EventID:  ev.ID,
			Time:     now,
		})
		m.sink.SessionStarted(username, now)
	}
	return s, nil
}

// failAttempt audits a failed login and forwards it to the monitor. The
// returned error is what Authenticate surfaces for the outcome.
func (m *Manager) failAttempt(ctx context.Context, username, sourceIP string, now time.Time, outcome Outcome, lockedNow bool, detail string) error {
	ev, err := m.log.Append(ctx, audit.Draft{
		Actor:    username,
		Action:   "auth.login",
		Resource: "session",
		Status:   audit.StatusFailure,
		Details:  detail + " source_ip=" + sourceIP,
	})
	if err != nil {
		return err
	}
	if lockedNow {
		if _, err := m.log.Append(ctx, audit.Draft{
			Actor:    username,
			Action:   "auth.lockout",
			Resource: "session",
			Status:   audit.StatusFailure,
			Details:  fmt.Sprintf("failed attempts reached %d", m.maxFailedAttempts),
		}); err != nil {
			return err
		}
	}
	obs.AuthAttempt(string(outcome))
	if m.sink != nil {
		m.sink.LoginAttempt(LoginEvent{
			Username:  username,
			SourceIP:  sourceIP,
			Outcome:   outcome,
			LockedNow: lockedNow,
			EventID:   ev.ID,
			Time:      now,
		})
	}
	switch outcome {
	case OutcomeLocked:
		return ErrAccountLocked
	default:
		return ErrInvalidCredentials
	}
}

// Validate resolves a token to its session. An expired session is deleted on
// sight (lazy eviction) so a second call cannot resurrect it. Validation
// refreshes LastActivity but never extends ExpiresAt.
func (m *Manager) Validate(ctx context.Context, token string) (Session, bool) {
	now := m.now().UTC()

	m.mu.Lock()
	s, ok := m.sessions[token]
	if !ok {
		m.mu.Unlock()
		return Session{}, false
	}
	if now.After(s.ExpiresAt) {
		delete(m.sessions, token)
		count := len(m.sessions)
		m.mu.Unlock()
		obs.SetActiveSessions(count)
		if m.store != nil {
			_ = m.store.DeleteSession(ctx, token)
		}
		if m.sink != nil {
			m.sink.SessionEnded(s.Username, now)
		}
		return Session{}, false
	}
	s.LastActivity = now
	m.sessions[token] = s
	m.mu.Unlock()
	return s, true
}

// Revoke removes a session. Revoking an unknown token is not an error.
func (m *Manager) Revoke(ctx context.Context, token string) error {
	now := m.now().UTC()

	m.mu.Lock()
	s, ok := m.sessions[token]
	if ok {
		delete(m.sessions, token)
	}
	count := len(m.sessions)
	m.mu.Unlock()
	if !ok {
		return nil
	}
	obs.SetActiveSessions(count)
	if m.store != nil {
		if err := m.store.DeleteSession(ctx, token); err != nil {
			return fmt.Errorf("session: delete session: %w", err)
		}
	}
	if m.sink != nil {
		m.sink.SessionEnded(s.Username, now)
	}
	if _, err := m.log.Append(ctx, audit.Draft{
		Actor:    s.Username,
		Action:   "auth.logout",
		Resource: "session",
		Status:   audit.StatusSuccess,
	}); err != nil {
		return err
	}
	return nil
}

// SweepExpired evicts sessions whose lifetime lapsed without a Validate or
// Revoke observing it, reporting each eviction to the security sink so the
// monitor's concurrency counts wind down for abandoned sessions too. It
// returns the number of sessions evicted.
func (m *Manager) SweepExpired(ctx context.Context) int {
	now := m.now().UTC()

	m.mu.Lock()
	var expired []Session
	for token, s := range m.sessions {
		if now.After(s.ExpiresAt) {
			delete(m.sessions, token)
			expired = append(expired, s)
		}
	}
	count := len(m.sessions)
	m.mu.Unlock()
	if len(expired) == 0 {
		return 0
	}
	obs.SetActiveSessions(count)
	for _, s := range expired {
		if m.store != nil {
			_ = m.store.DeleteSession(ctx, s.Token)
		}
		if m.sink != nil {
			m.sink.SessionEnded(s.Username, now)
		}
	}
	return len(expired)
}

// Count returns the number of live sessions.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}
