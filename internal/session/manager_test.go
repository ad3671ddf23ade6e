package session_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Njanja2025/sentinel/internal/audit"
	"github.com/Njanja2025/sentinel/internal/identity"
	"github.com/Njanja2025/sentinel/internal/session"
	"github.com/Njanja2025/sentinel/internal/store/mem"
)

// recordingSink captures the signals the manager forwards to the monitor.
type recordingSink struct {
	mu       sync.Mutex
	attempts []session.LoginEvent
	started  int
	ended    int
}

func (s *recordingSink) LoginAttempt(ev session.LoginEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts = append(s.attempts, ev)
}

func (s *recordingSink) SessionStarted(string, time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.started++
}

func (s *recordingSink) SessionEnded(string, time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ended++
}

type fixture struct {
	manager *session.Manager
	log     *audit.Log
	sink    *recordingSink
	now     *time.Time
}

func newFixture(t *testing.T, opts ...session.Option) *fixture {
	t.Helper()
	store := mem.New()
	log, err := audit.New(context.Background(), store)
	require.NoError(t, err)

	reg, err := identity.New(store, log, identity.BuiltinRoles())
	require.NoError(t, err)
	_, err = reg.CreateUser(context.Background(), "system", "alice", identity.RoleViewer, "s3cret-pass")
	require.NoError(t, err)

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	sink := &recordingSink{}
	base := []session.Option{
		session.WithStore(store),
		session.WithSecuritySink(sink),
		session.WithClock(func() time.Time { return now }),
		session.WithMaxFailedAttempts(5),
		session.WithLockoutDuration(30 * time.Minute),
		session.WithSessionDuration(8 * time.Hour),
	}
	mgr := session.NewManager(reg, log, append(base, opts...)...)
	return &fixture{manager: mgr, log: log, sink: sink, now: &now}
}

func TestAuthenticateSuccess(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	sess, err := f.manager.Authenticate(ctx, "alice", "s3cret-pass", "10.0.0.1")
	require.NoError(t, err)
	assert.Equal(t, "alice", sess.Username)
	assert.Len(t, sess.Token, 64, "token should be 256 bits hex encoded")
	assert.Equal(t, sess.CreatedAt.Add(8*time.Hour), sess.ExpiresAt)

	got, ok := f.manager.Validate(ctx, sess.Token)
	require.True(t, ok)
	assert.Equal(t, sess.Token, got.Token)

	events, err := f.log.Query(audit.Filter{Action: "auth.login", Status: audit.StatusSuccess}).All(ctx)
	require.NoError(t, err)
	assert.Len(t, events, 1)
	assert.Equal(t, 1, f.sink.started)
}

func TestAuthenticateUnknownUserIsIndistinguishable(t *testing.T) {
	f := newFixture(t)

	_, err := f.manager.Authenticate(context.Background(), "ghost", "whatever", "10.0.0.1")
	assert.ErrorIs(t, err, session.ErrInvalidCredentials,
		"unknown users must get the same error as wrong credentials")
}

func TestLockoutAfterMaxFailedAttempts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for i := 1; i <= 4; i++ {
		_, err := f.manager.Authenticate(ctx, "alice", "wrong-pass", "10.0.0.9")
		assert.ErrorIs(t, err, session.ErrInvalidCredentials, "attempt %d", i)
	}
	// The attempt that trips the threshold reports the lockout.
	_, err := f.manager.Authenticate(ctx, "alice", "wrong-pass", "10.0.0.9")
	assert.ErrorIs(t, err, session.ErrAccountLocked)

	failures, err := f.log.Query(audit.Filter{Action: "auth.login", Status: audit.StatusFailure}).All(ctx)
	require.NoError(t, err)
	assert.Len(t, failures, 5, "every failed attempt must be audited")

	lockouts, err := f.log.Query(audit.Filter{Action: "auth.lockout"}).All(ctx)
	require.NoError(t, err)
	assert.Len(t, lockouts, 1, "exactly one lockout event")

	// Correct credentials are rejected while the lockout holds, without
	// advancing the counter.
	_, err = f.manager.Authenticate(ctx, "alice", "s3cret-pass", "10.0.0.9")
	assert.ErrorIs(t, err, session.ErrAccountLocked)
	failures, err = f.log.Query(audit.Filter{Action: "auth.login", Status: audit.StatusFailure}).All(ctx)
	require.NoError(t, err)
	assert.Len(t, failures, 6)
}

func TestLockoutExpiresAndCountersReset(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, _ = f.manager.Authenticate(ctx, "alice", "wrong-pass", "10.0.0.9")
	}
	_, err := f.manager.Authenticate(ctx, "alice", "s3cret-pass", "10.0.0.9")
	assert.ErrorIs(t, err, session.ErrAccountLocked)

	*f.now = f.now.Add(31 * time.Minute)

	sess, err := f.manager.Authenticate(ctx, "alice", "s3cret-pass", "10.0.0.9")
	require.NoError(t, err, "lockout window elapsed")
	assert.NotEmpty(t, sess.Token)

	// A single failure afterwards must not re-lock: the counter was reset
	// on the successful authentication.
	_, err = f.manager.Authenticate(ctx, "alice", "wrong-pass", "10.0.0.9")
	assert.ErrorIs(t, err, session.ErrInvalidCredentials)
}

func TestValidateEvictsExpiredSessions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	sess, err := f.manager.Authenticate(ctx, "alice", "s3cret-pass", "10.0.0.1")
	require.NoError(t, err)

	*f.now = f.now.Add(9 * time.Hour)

	_, ok := f.manager.Validate(ctx, sess.Token)
	assert.False(t, ok, "expired session accepted")
	assert.Equal(t, 0, f.manager.Count(), "expired session not evicted")

	// Winding the clock back must not resurrect the session.
	*f.now = f.now.Add(-9 * time.Hour)
	_, ok = f.manager.Validate(ctx, sess.Token)
	assert.False(t, ok, "evicted session resurrected")
}

func TestSweepExpiredEndsAbandonedSessions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.manager.Authenticate(ctx, "alice", "s3cret-pass", "10.0.0.1")
	require.NoError(t, err)
	sess, err := f.manager.Authenticate(ctx, "alice", "s3cret-pass", "10.0.0.1")
	require.NoError(t, err)

	// Nothing to sweep while the sessions are live.
	assert.Equal(t, 0, f.manager.SweepExpired(ctx))
	assert.Equal(t, 0, f.sink.ended)

	// Both sessions lapse without ever being validated or revoked; the
	// sweep must still tell the sink each one ended.
	*f.now = f.now.Add(9 * time.Hour)
	assert.Equal(t, 2, f.manager.SweepExpired(ctx))
	assert.Equal(t, 2, f.sink.ended)
	assert.Equal(t, 0, f.manager.Count())

	_, ok := f.manager.Validate(ctx, sess.Token)
	assert.False(t, ok, "swept session must not validate")
	assert.Equal(t, 2, f.sink.ended, "validate must not double-report a swept session")

	assert.Equal(t, 0, f.manager.SweepExpired(ctx), "sweep is idempotent")
}

func TestValidateRefreshesActivityNotExpiry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	sess, err := f.manager.Authenticate(ctx, "alice", "s3cret-pass", "10.0.0.1")
	require.NoError(t, err)

	*f.now = f.now.Add(time.Hour)
	got, ok := f.manager.Validate(ctx, sess.Token)
	require.True(t, ok)
	assert.Equal(t, *f.now, got.LastActivity)
	assert.Equal(t, sess.ExpiresAt, got.ExpiresAt, "validation must not extend the session")
}

func TestRevokeIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	sess, err := f.manager.Authenticate(ctx, "alice", "s3cret-pass", "10.0.0.1")
	require.NoError(t, err)

	require.NoError(t, f.manager.Revoke(ctx, sess.Token))
	_, ok := f.manager.Validate(ctx, sess.Token)
	assert.False(t, ok)

	require.NoError(t, f.manager.Revoke(ctx, sess.Token), "second revoke must be a no-op")
	require.NoError(t, f.manager.Revoke(ctx, "never-issued"))

	logouts, err := f.log.Query(audit.Filter{Action: "auth.logout"}).All(ctx)
	require.NoError(t, err)
	assert.Len(t, logouts, 1, "only the first revoke is audited")
	assert.Equal(t, 1, f.sink.ended)
}

func TestTokensAreUnique(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	seen := make(map[string]bool)
	for i := 0; i < 10; i++ {
		sess, err := f.manager.Authenticate(ctx, "alice", "s3cret-pass", "10.0.0.1")
		require.NoError(t, err)
		require.False(t, seen[sess.Token], "token reuse")
		seen[sess.Token] = true
	}
}

func TestEveryOutcomeReachesTheSink(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, _ = f.manager.Authenticate(ctx, "alice", "wrong-pass", "10.0.0.9")
	_, _ = f.manager.Authenticate(ctx, "ghost", "whatever", "10.0.0.9")
	_, err := f.manager.Authenticate(ctx, "alice", "s3cret-pass", "10.0.0.9")
	require.NoError(t, err)

	f.sink.mu.Lock()
	defer f.sink.mu.Unlock()
	require.Len(t, f.sink.attempts, 3)
	assert.Equal(t, session.OutcomeInvalid, f.sink.attempts[0].Outcome)
	assert.Equal(t, session.OutcomeNotFound, f.sink.attempts[1].Outcome)
	assert.Equal(t, session.OutcomeSuccess, f.sink.attempts[2].Outcome)
	for _, ev := range f.sink.attempts {
		assert.NotEmpty(t, ev.EventID, "sink events must reference their audit record")
	}
}
