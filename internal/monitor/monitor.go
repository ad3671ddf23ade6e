package monitor

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Njanja2025/sentinel/internal/audit"
	"github.com/Njanja2025/sentinel/internal/obs"
	"github.com/Njanja2025/sentinel/internal/session"
)

var (
	// ErrUnknownAlert is returned when resolving an alert id that does not exist.
	ErrUnknownAlert = errors.New("monitor: unknown alert")
	// ErrAlertResolved is returned when resolving an already-resolved alert.
	ErrAlertResolved = errors.New("monitor: alert already resolved")
)

// Thresholds hold the tunable detection parameters. The zero value is not
// usable; call DefaultThresholds and override fields as needed.
type Thresholds struct {
	// FailedPerMinute raises a high-severity alert when a user accumulates
	// this many failed logins within FailedWindow.
	FailedPerMinute int
	FailedWindow    time.Duration
	// FailedPerHour raises a high-severity alert on the hourly count.
	FailedPerHour int
	// UnusualTime raises a medium-severity alert once a user's night-window
	// access count reaches it. The night window is [NightStartHour, 24) plus
	// [0, NightEndHour), interpreted in the location set by WithLocation
	// (UTC by default).
	UnusualTime    int
	NightStartHour int
	NightEndHour   int
	// SuspiciousIPRequests raises a high-severity alert when a single IP
	// accumulates this many failed attempts, or when it has been associated
	// with more than SuspiciousIPUsers distinct usernames.
	SuspiciousIPRequests int
	SuspiciousIPUsers    int
	// ConcurrentSessions raises a medium-severity alert when a user holds
	// more than this many live sessions.
	ConcurrentSessions int
}

// DefaultThresholds returns the stock detection parameters.
func DefaultThresholds() Thresholds {
	return Thresholds{
		FailedPerMinute:      3,
		FailedWindow:         time.Minute,
		FailedPerHour:        5,
		UnusualTime:          10,
		NightStartHour:       23,
		NightEndHour:         5,
		SuspiciousIPRequests: 50,
		SuspiciousIPUsers:    3,
		ConcurrentSessions:   3,
	}
}

const (
	defaultEvalInterval = time.Minute
	defaultRetention    = 24 * time.Hour
)

// userMetrics is the per-user sliding-window state. Failure timestamps are
// kept verbatim and pruned against the hourly horizon on insert and on each
// evaluation tick, so the per-minute and per-hour counts are exact rather
// than bucketed approximations.
type userMetrics struct {
	failures    []time.Time
	failureRefs []string
	lastSeen    time.Time
	unusualHour int
	sessions    int
}

// ipStats is the per-IP reputation state.
type ipStats struct {
	firstSeen time.Time
	lastSeen  time.Time
	attempts  int
	users     map[string]struct{}
}

// Monitor consumes login and session signals, maintains sliding-window
// counters per user and per IP, and raises alerts when thresholds are
// crossed. It implements session.SecuritySink.
//
// Two separate locks guard the two maps so that IP bookkeeping never
// contends with per-user bookkeeping. Evaluation snapshots state under the
// lock and emits alerts after releasing it, so an audit write on the alert
// path cannot block event ingestion.
type Monitor struct {
	log        *audit.Log
	store      AlertStore
	thresholds Thresholds
	interval   time.Duration
	retention  time.Duration
	notify     func(Alert)
	now        func() time.Time
	loc        *time.Location

	usersMu sync.Mutex
	users   map[string]*userMetrics

	ipsMu     sync.Mutex
	ips       map[string]*ipStats
	knownGood map[string]struct{}

	alertsMu sync.Mutex
	alerts   map[string]*Alert
	// raised tracks the last time each (type, subject) condition produced an
	// alert, implementing the anti-flooding guarantee.
	raised map[raisedKey]time.Time

	wakeCh chan struct{}
	doneCh chan struct{}
}

type raisedKey struct {
	typ     AlertType
	subject string
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithThresholds overrides the detection parameters.
func WithThresholds(t Thresholds) Option {
	return func(m *Monitor) { m.thresholds = t }
}

// WithEvalInterval sets the background evaluation tick.
func WithEvalInterval(d time.Duration) Option {
	return func(m *Monitor) {
		if d > 0 {
			m.interval = d
		}
	}
}

// WithRetention sets how long idle per-user and per-IP entries survive
// before the cleanup pass evicts them.
func WithRetention(d time.Duration) Option {
	return func(m *Monitor) {
		if d > 0 {
			m.retention = d
		}
	}
}

// WithNotifier wires an outbound alert notifier. Delivery is fire-and-forget.
func WithNotifier(fn func(Alert)) Option {
	return func(m *Monitor) { m.notify = fn }
}

// WithKnownGoodIPs seeds the IP allowlist.
func WithKnownGoodIPs(ips []string) Option {
	return func(m *Monitor) {
		for _, ip := range ips {
			ip = strings.TrimSpace(ip)
			if ip != "" {
				m.knownGood[ip] = struct{}{}
			}
		}
	}
}

// WithLocation sets the time zone the night window is interpreted in. The
// default is UTC.
func WithLocation(loc *time.Location) Option {
	return func(m *Monitor) {
		if loc != nil {
			m.loc = loc
		}
	}
}

// WithClock overrides the time source.
func WithClock(fn func() time.Time) Option {
	return func(m *Monitor) {
		if fn != nil {
			m.now = fn
		}
	}
}

// New constructs a Monitor. The audit log is required; the alert store is
// optional (memory-only operation when nil).
func New(log *audit.Log, store AlertStore, opts ...Option) (*Monitor, error) {
	if log == nil {
		return nil, errors.New("monitor: audit log is required")
	}
	m := &Monitor{
		log:        log,
		store:      store,
		thresholds: DefaultThresholds(),
		interval:   defaultEvalInterval,
		retention:  defaultRetention,
		now:        time.Now,
		loc:        time.UTC,
		users:      make(map[string]*userMetrics),
		ips:        make(map[string]*ipStats),
		knownGood:  make(map[string]struct{}),
		alerts:     make(map[string]*Alert),
		raised:     make(map[raisedKey]time.Time),
		wakeCh:     make(chan struct{}, 1),
		doneCh:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Hydrate loads previously persisted alerts so idempotence and retention
// protection survive restarts.
func (m *Monitor) Hydrate(ctx context.Context) error {
	if m.store == nil {
		return nil
	}
	alerts, err := m.store.ListAlerts(ctx)
	if err != nil {
		return fmt.Errorf("monitor: hydrate: %w", err)
	}
	m.alertsMu.Lock()
	defer m.alertsMu.Unlock()
	for i := range alerts {
		a := alerts[i]
		m.alerts[a.ID] = &a
		key := raisedKey{typ: a.Type, subject: a.Subject}
		if a.Timestamp.After(m.raised[key]) {
			m.raised[key] = a.Timestamp
		}
	}
	return nil
}

// Run drives the evaluation and cleanup tick until ctx is cancelled. An
// in-progress evaluation always completes before Run returns, so no alert is
// left half-written at shutdown.
func (m *Monitor) Run(ctx context.Context) {
	defer close(m.doneCh)
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			m.evaluate(context.WithoutCancel(ctx))
			return
		case <-ticker.C:
			m.evaluate(ctx)
			m.cleanup()
		case <-m.wakeCh:
			m.evaluate(ctx)
		}
	}
}

// Done is closed once Run has returned.
func (m *Monitor) Done() <-chan struct{} { return m.doneCh }

// wake schedules an out-of-band evaluation. Non-blocking; a pending wake
// coalesces with later ones.
func (m *Monitor) wake() {
	select {
	case m.wakeCh <- struct{}{}:
	default:
	}
}

// LoginAttempt ingests one authentication outcome from the session manager.
// Failed attempts trigger an immediate evaluation rather than waiting for
// the next tick.
func (m *Monitor) LoginAttempt(ev session.LoginEvent) {
	now := ev.Time
	if now.IsZero() {
		now = m.now().UTC()
	}
	failed := ev.Outcome != session.OutcomeSuccess

	m.usersMu.Lock()
	um := m.userLocked(ev.Username)
	um.lastSeen = now
	if failed {
		um.failures = append(um.failures, now)
		um.failureRefs = append(um.failureRefs, ev.EventID)
		pruneFailures(um, now.Add(-time.Hour))
	}
	if m.isUnusualHour(now) {
		um.unusualHour++
	}
	m.usersMu.Unlock()

	if ev.SourceIP != "" && failed {
		m.ipsMu.Lock()
		if _, good := m.knownGood[ev.SourceIP]; !good {
			st := m.ips[ev.SourceIP]
			if st == nil {
				st = &ipStats{firstSeen: now, users: make(map[string]struct{})}
				m.ips[ev.SourceIP] = st
			}
			st.lastSeen = now
			st.attempts++
			if ev.Username != "" {
				st.users[ev.Username] = struct{}{}
			}
		}
		m.ipsMu.Unlock()
	}

	if failed {
		m.wake()
	}
}

// SessionStarted tracks session fan-out per user.
func (m *Monitor) SessionStarted(username string, at time.Time) {
	m.usersMu.Lock()
	um := m.userLocked(username)
	um.sessions++
	um.lastSeen = at
	m.usersMu.Unlock()
	m.wake()
}

// SessionEnded decrements the per-user live-session count.
func (m *Monitor) SessionEnded(username string, at time.Time) {
	m.usersMu.Lock()
	if um, ok := m.users[username]; ok {
		if um.sessions > 0 {
			um.sessions--
		}
		um.lastSeen = at
	}
	m.usersMu.Unlock()
}

// AddKnownGoodIP adds an address to the allowlist and clears any reputation
// state accumulated for it. The change is audited.
func (m *Monitor) AddKnownGoodIP(ctx context.Context, actor, ip string) error {
	ip = strings.TrimSpace(ip)
	if net.ParseIP(ip) == nil {
		return fmt.Errorf("monitor: invalid ip %q", ip)
	}
	if _, err := m.log.Append(ctx, audit.Draft{
		Actor:    actor,
		Action:   "monitor.known_good_ip_added",
		Resource: "ip:" + ip,
		Status:   audit.StatusSuccess,
	}); err != nil {
		return err
	}
	m.ipsMu.Lock()
	m.knownGood[ip] = struct{}{}
	delete(m.ips, ip)
	m.ipsMu.Unlock()
	return nil
}

// KnownGoodIPs returns the current allowlist, sorted.
func (m *Monitor) KnownGoodIPs() []string {
	m.ipsMu.Lock()
	out := make([]string, 0, len(m.knownGood))
	for ip := range m.knownGood {
		out = append(out, ip)
	}
	m.ipsMu.Unlock()
	sort.Strings(out)
	return out
}

// Alerts returns alerts matching the filter, newest first.
func (m *Monitor) Alerts(f AlertFilter) []Alert {
	m.alertsMu.Lock()
	out := make([]Alert, 0, len(m.alerts))
	for _, a := range m.alerts {
		if f.Matches(*a) {
			out = append(out, *a)
		}
	}
	m.alertsMu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	return out
}

// Alert returns a single alert by id.
func (m *Monitor) Alert(id string) (Alert, error) {
	m.alertsMu.Lock()
	defer m.alertsMu.Unlock()
	a, ok := m.alerts[id]
	if !ok {
		return Alert{}, ErrUnknownAlert
	}
	return *a, nil
}

// ResolveAlert marks an alert resolved. The resolution is itself audited;
// when the audit write fails the alert stays unresolved.
func (m *Monitor) ResolveAlert(ctx context.Context, actor, id, notes string) (Alert, error) {
	m.alertsMu.Lock()
	a, ok := m.alerts[id]
	if !ok {
		m.alertsMu.Unlock()
		return Alert{}, ErrUnknownAlert
	}
	if a.Status == AlertResolved {
		m.alertsMu.Unlock()
		return Alert{}, ErrAlertResolved
	}
	m.alertsMu.Unlock()

	if _, err := m.log.Append(ctx, audit.Draft{
		Actor:    actor,
		Action:   "monitor.alert_resolved",
		Resource: "alert:" + id,
		Status:   audit.StatusSuccess,
		Details:  notes,
	}); err != nil {
		return Alert{}, err
	}

	now := m.now().UTC()
	m.alertsMu.Lock()
	a, ok = m.alerts[id]
	if !ok {
		m.alertsMu.Unlock()
		return Alert{}, ErrUnknownAlert
	}
	a.Status = AlertResolved
	a.ResolvedAt = &now
	a.ResolutionNotes = notes
	resolved := *a
	m.alertsMu.Unlock()

	if m.store != nil {
		if err := m.store.SaveAlert(ctx, resolved); err != nil {
			obs.Error("alert persist failed", map[string]any{"alert_id": id, "error": err.Error()})
		}
	}
	return resolved, nil
}

// ProtectedEventIDs reports the audit event ids referenced by unresolved
// alerts. The audit log's retention sweep consults it so evidence is never
// removed out from under an open alert.
func (m *Monitor) ProtectedEventIDs() map[string]struct{} {
	m.alertsMu.Lock()
	defer m.alertsMu.Unlock()
	out := make(map[string]struct{})
	for _, a := range m.alerts {
		if a.Status != AlertNew {
			continue
		}
		for _, ref := range a.EventRefs {
			if ref != "" {
				out[ref] = struct{}{}
			}
		}
	}
	return out
}

// userLocked returns the metrics entry for a username, creating it if
// needed. Caller holds usersMu.
func (m *Monitor) userLocked(username string) *userMetrics {
	um := m.users[username]
	if um == nil {
		um = &userMetrics{}
		m.users[username] = um
	}
	return um
}

func (m *Monitor) isUnusualHour(t time.Time) bool {
	h := t.In(m.loc).Hour()
	start, end := m.thresholds.NightStartHour, m.thresholds.NightEndHour
	if start <= end {
		return h >= start && h < end
	}
	return h >= start || h < end
}

// pruneFailures drops failure timestamps (and their event refs) older than
// the horizon. Caller holds usersMu.
func pruneFailures(um *userMetrics, horizon time.Time) {
	i := 0
	for i < len(um.failures) && um.failures[i].Before(horizon) {
		i++
	}
	if i > 0 {
		um.failures = append(um.failures[:0], um.failures[i:]...)
		um.failureRefs = append(um.failureRefs[:0], um.failureRefs[i:]...)
	}
}

// userSnapshot is the copied per-user view evaluated outside the lock.
type userSnapshot struct {
	username    string
	failures    []time.Time
	failureRefs []string
	unusualHour int
	sessions    int
}

type ipSnapshot struct {
	ip       string
	attempts int
	users    int
}

// evaluate runs every detection rule over a snapshot of the counters.
func (m *Monitor) evaluate(ctx context.Context) {
	start := m.now()
	now := start.UTC()
	hourAgo := now.Add(-time.Hour)

	m.usersMu.Lock()
	userSnaps := make([]userSnapshot, 0, len(m.users))
	for name, um := range m.users {
		pruneFailures(um, hourAgo)
		userSnaps = append(userSnaps, userSnapshot{
			username:    name,
			failures:    append([]time.Time(nil), um.failures...),
			failureRefs: append([]string(nil), um.failureRefs...),
			unusualHour: um.unusualHour,
			sessions:    um.sessions,
		})
	}
	m.usersMu.Unlock()

	m.ipsMu.Lock()
	ipSnaps := make([]ipSnapshot, 0, len(m.ips))
	for ip, st := range m.ips {
		ipSnaps = append(ipSnaps, ipSnapshot{ip: ip, attempts: st.attempts, users: len(st.users)})
	}
	m.ipsMu.Unlock()

	t := m.thresholds
	for _, u := range userSnaps {
		recent := 0
		minuteAgo := now.Add(-t.FailedWindow)
		for _, ts := range u.failures {
			if !ts.Before(minuteAgo) {
				recent++
			}
		}
		switch {
		case recent >= t.FailedPerMinute:
			m.raise(ctx, Alert{
				Type:     AlertRapidFailedLogins,
				Severity: SeverityHigh,
				Subject:  u.username,
				Message:  fmt.Sprintf("%d failed logins for %q within %s", recent, u.username, t.FailedWindow),
				Details: map[string]string{
					"failed_attempts": fmt.Sprintf("%d", recent),
					"window":          t.FailedWindow.String(),
				},
				EventRefs: u.failureRefs,
			}, t.FailedWindow)
		case len(u.failures) >= t.FailedPerHour:
			m.raise(ctx, Alert{
				Type:     AlertHighFailedAttempts,
				Severity: SeverityHigh,
				Subject:  u.username,
				Message:  fmt.Sprintf("%d failed logins for %q within the last hour", len(u.failures), u.username),
				Details: map[string]string{
					"failed_attempts": fmt.Sprintf("%d", len(u.failures)),
					"window":          "1h",
				},
				EventRefs: u.failureRefs,
			}, time.Hour)
		}
		if u.unusualHour >= t.UnusualTime {
			m.raise(ctx, Alert{
				Type:     AlertUnusualHourAccess,
				Severity: SeverityMedium,
				Subject:  u.username,
				Message:  fmt.Sprintf("%d accesses by %q during night hours", u.unusualHour, u.username),
				Details: map[string]string{
					"count": fmt.Sprintf("%d", u.unusualHour),
					"night": fmt.Sprintf("%02d:00-%02d:00", t.NightStartHour, t.NightEndHour),
				},
			}, m.retention)
		}
		if u.sessions > t.ConcurrentSessions {
			m.raise(ctx, Alert{
				Type:     AlertConcurrentSessions,
				Severity: SeverityMedium,
				Subject:  u.username,
				Message:  fmt.Sprintf("%q holds %d concurrent sessions", u.username, u.sessions),
				Details:  map[string]string{"sessions": fmt.Sprintf("%d", u.sessions)},
			}, m.interval)
		}
	}

	for _, ip := range ipSnaps {
		if ip.attempts >= t.SuspiciousIPRequests || ip.users > t.SuspiciousIPUsers {
			m.raise(ctx, Alert{
				Type:     AlertSuspiciousIP,
				Severity: SeverityHigh,
				Subject:  ip.ip,
				Message:  fmt.Sprintf("suspicious activity from %s: %d failed attempts across %d users", ip.ip, ip.attempts, ip.users),
				Details: map[string]string{
					"attempts":       fmt.Sprintf("%d", ip.attempts),
					"distinct_users": fmt.Sprintf("%d", ip.users),
				},
			}, time.Hour)
		}
	}

	obs.ObserveEvaluation(m.now().Sub(start))
}

// raise creates an alert unless the same (type, subject) condition already
// produced one within the dedupe window. The alert is written through the
// audit log before it becomes visible anywhere else.
func (m *Monitor) raise(ctx context.Context, a Alert, dedupe time.Duration) {
	now := m.now().UTC()
	key := raisedKey{typ: a.Type, subject: a.Subject}

	m.alertsMu.Lock()
	if last, ok := m.raised[key]; ok && now.Sub(last) < dedupe {
		m.alertsMu.Unlock()
		return
	}
	// Reserve the slot before releasing the lock so a concurrent evaluation
	// cannot double-raise while the audit write is in flight.
	m.raised[key] = now
	m.alertsMu.Unlock()

	ev, err := m.log.Append(ctx, audit.Draft{
		Actor:    "monitor",
		Action:   "monitor.alert_raised",
		Resource: string(a.Type) + ":" + a.Subject,
		Status:   audit.StatusFailure,
		Details:  a.Message,
	})
	if err != nil {
		obs.Error("alert audit write failed", map[string]any{
			"alert_type": string(a.Type),
			"subject":    a.Subject,
			"error":      err.Error(),
		})
		m.alertsMu.Lock()
		delete(m.raised, key)
		m.alertsMu.Unlock()
		return
	}

	a.ID = uuid.NewString()
	a.Timestamp = now
	a.Status = AlertNew
	a.EventRefs = append(a.EventRefs, ev.ID)

	m.alertsMu.Lock()
	m.alerts[a.ID] = &a
	m.alertsMu.Unlock()

	obs.AlertRaised(string(a.Type), string(a.Severity))
	obs.Warn("security alert raised", map[string]any{
		"alert_id":   a.ID,
		"alert_type": string(a.Type),
		"severity":   string(a.Severity),
		"subject":    a.Subject,
	})

	if m.store != nil {
		if err := m.store.SaveAlert(ctx, a); err != nil {
			obs.Error("alert persist failed", map[string]any{"alert_id": a.ID, "error": err.Error()})
		}
	}
	if m.notify != nil {
		m.notify(a)
	}
}

// cleanup evicts per-user and per-IP entries idle past the retention horizon
// and forgets dedupe markers old enough to be irrelevant.
func (m *Monitor) cleanup() {
	horizon := m.now().UTC().Add(-m.retention)

	m.usersMu.Lock()
	for name, um := range m.users {
		if um.sessions == 0 && um.lastSeen.Before(horizon) {
			delete(m.users, name)
		}
	}
	m.usersMu.Unlock()

	m.ipsMu.Lock()
	for ip, st := range m.ips {
		if st.lastSeen.Before(horizon) {
			delete(m.ips, ip)
		}
	}
	m.ipsMu.Unlock()

	m.alertsMu.Lock()
	for key, at := range m.raised {
		if at.Before(horizon) {
			delete(m.raised, key)
		}
	}
	m.alertsMu.Unlock()
}
