package audit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/Njanja2025/sentinel/internal/obs"
)

var (
	// ErrPersistence wraps any storage failure. Callers must treat it as
	// fatal to the operation that produced the event; there is no retry
	// inside the engine.
	ErrPersistence = errors.New("audit: persistence failure")

	// ErrInvalidDraft indicates a draft missing required fields.
	ErrInvalidDraft = errors.New("audit: invalid event draft")
)

// Store describes the persistence operations required by the audit log.
type Store interface {
	AppendEvent(ctx context.Context, e Event) error
	LastEvent(ctx context.Context) (Event, bool, error)
	// PageEvents returns up to limit events with Seq > afterSeq matching the
	// filter, in ascending sequence order.
	PageEvents(ctx context.Context, f Filter, afterSeq uint64, limit int) ([]Event, error)
	// DeleteEventsBefore removes events older than cutoff for which keep
	// returns false, and reports how many were removed.
	DeleteEventsBefore(ctx context.Context, cutoff time.Time, keep func(id string) bool) (int, error)
}

// Filter selects audit events. Zero-valued fields match everything;
// populated fields are conjunctive.
type Filter struct {
	From     time.Time
	To       time.Time
	Actor    string
	Action   string
	Resource string
	Status   Status
	Limit    int
}

// Matches reports whether an event satisfies every populated filter field.
func (f Filter) Matches(e Event) bool {
	if !f.From.IsZero() && e.Timestamp.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && e.Timestamp.After(f.To) {
		return false
	}
	if f.Actor != "" && e.Actor != f.Actor {
		return false
	}
	if f.Action != "" && e.Action != f.Action {
		return false
	}
	if f.Resource != "" && e.Resource != f.Resource {
		return false
	}
	if f.Status != "" && e.Status != f.Status {
		return false
	}
	return true
}

// Log is the append-only, hash-chained audit trail. Appends are strictly
// serialized behind a single writer lock because each entry's hash depends
// on the previous entry's hash.
type Log struct {
	store Store
	now   func() time.Time

	mu       sync.Mutex
	lastSeq  uint64
	lastHash string
}

// Option configures a Log.
type Option func(*Log)

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) Option {
	return func(l *Log) {
		if fn != nil {
			l.now = fn
		}
	}
}

// New opens the audit log over the given store, resuming the hash chain from
// the most recently persisted event.
func New(ctx context.Context, store Store, opts ...Option) (*Log, error) {
	if store == nil {
		return nil, errors.New("audit: store is required")
	}
	l := &Log{store: store, now: time.Now}
	for _, opt := range opts {
		opt(l)
	}
	last, ok, err := store.LastEvent(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: load chain head: %v", ErrPersistence, err)
	}
	if ok {
		l.lastSeq = last.Seq
		l.lastHash = last.Hash
	}
	return l, nil
}

// Append chains and persists the draft, returning the stored event. A
// persistence failure leaves the chain head untouched and must be treated by
// the caller as if the underlying action itself had failed.
func (l *Log) Append(ctx context.Context, d Draft) (Event, error) {
	d.Actor = strings.TrimSpace(d.Actor)
	d.Action = strings.TrimSpace(d.Action)
	if d.Action == "" {
		return Event{}, fmt.Errorf("%w: action is required", ErrInvalidDraft)
	}
	switch d.Status {
	case StatusSuccess, StatusFailure, StatusDenied:
	default:
		return Event{}, fmt.Errorf("%w: unknown status %q", ErrInvalidDraft, d.Status)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	seq := l.lastSeq + 1
	// Microsecond precision survives every supported backend; timestamptz
	// cannot hold nanoseconds, and a hashed timestamp must round-trip exactly.
	ts := l.now().UTC().Truncate(time.Microsecond)
	hash := chainHash(l.lastHash, seq, ts, d)
	e := Event{
		Seq:       seq,
		ID:        eventID(hash),
		Timestamp: ts,
		Actor:     d.Actor,
		Action:    d.Action,
		Resource:  d.Resource,
		Status:    d.Status,
		Details:   d.Details,
		PrevHash:  l.lastHash,
		Hash:      hash,
	}
	if err := l.store.AppendEvent(ctx, e); err != nil {
		return Event{}, fmt.Errorf("%w: append event: %v", ErrPersistence, err)
	}
	l.lastSeq = seq
	l.lastHash = hash
	obs.AuditAppended(string(d.Status))
	return e, nil
}

// queryBatch is the page size used by iterators.
const queryBatch = 256

// Query returns a restartable iterator over events matching the filter, in
// append order. Each call starts a fresh scan.
func (l *Log) Query(f Filter) *Iterator {
	return &Iterator{log: l, filter: f, remaining: f.Limit}
}

// Iterator walks a filtered, time-ordered slice of the audit trail.
type Iterator struct {
	log       *Log
	filter    Filter
	afterSeq  uint64
	buf       []Event
	idx       int
	remaining int
	started   bool
	done      bool
	err       error
}

// Next advances the iterator. It returns false when the sequence is
// exhausted or an error occurred; check Err afterwards.
func (it *Iterator) Next(ctx context.Context) bool {
	if it.done || it.err != nil {
		return false
	}
	if it.started {
		it.idx++
	}
	it.started = true
	if it.filter.Limit > 0 && it.remaining == 0 {
		it.done = true
		return false
	}
	if it.idx >= len(it.buf) {
		batch, err := it.log.store.PageEvents(ctx, it.filter, it.afterSeq, queryBatch)
		if err != nil {
			it.err = fmt.Errorf("%w: query events: %v", ErrPersistence, err)
			return false
		}
		if len(batch) == 0 {
			it.done = true
			return false
		}
		it.buf = batch
		it.idx = 0
	}
	it.afterSeq = it.buf[it.idx].Seq
	if it.filter.Limit > 0 {
		it.remaining--
	}
	return true
}

// Event returns the event the iterator is positioned on.
func (it *Iterator) Event() Event {
	return it.buf[it.idx]
}

// Err returns the first error the iterator encountered.
func (it *Iterator) Err() error {
	return it.err
}

// All drains the iterator into a slice.
func (it *Iterator) All(ctx context.Context) ([]Event, error) {
	var out []Event
	for it.Next(ctx) {
		out = append(out, it.Event())
	}
	return out, it.Err()
}

// VerifyChain recomputes integrity hashes over the contiguous sequence range
// [fromSeq, toSeq] (fromSeq == 0 starts at the earliest retained record,
// toSeq == 0 runs through the chain head). It returns ok=false plus the
// sequence number of the first record whose hash, link, or identifier does
// not match.
func (l *Log) VerifyChain(ctx context.Context, fromSeq, toSeq uint64) (ok bool, badSeq uint64, err error) {
	prev := ""
	if fromSeq == 0 {
		// After a retention sweep the earliest retained record is the
		// anchor; its stored PrevHash seeds the recomputation.
		first, err := l.store.PageEvents(ctx, Filter{}, 0, 1)
		if err != nil {
			return false, 0, fmt.Errorf("%w: verify chain: %v", ErrPersistence, err)
		}
		if len(first) == 0 {
			return true, 0, nil
		}
		fromSeq = first[0].Seq
		prev = first[0].PrevHash
	}
	if fromSeq > 1 && prev == "" {
		// Anchor on the record immediately before the range; its stored
		// hash seeds the recomputation.
		anchor, err := l.store.PageEvents(ctx, Filter{}, fromSeq-2, 1)
		if err != nil {
			return false, 0, fmt.Errorf("%w: verify chain: %v", ErrPersistence, err)
		}
		if len(anchor) == 0 || anchor[0].Seq != fromSeq-1 {
			return false, fromSeq, nil
		}
		prev = anchor[0].Hash
	}
	after := fromSeq - 1
	expectSeq := fromSeq
	for {
		page, err := l.store.PageEvents(ctx, Filter{}, after, queryBatch)
		if err != nil {
			return false, 0, fmt.Errorf("%w: verify chain: %v", ErrPersistence, err)
		}
		if len(page) == 0 {
			return true, 0, nil
		}
		for _, e := range page {
			if toSeq > 0 && e.Seq > toSeq {
				return true, 0, nil
			}
			if e.Seq != expectSeq || e.PrevHash != prev {
				return false, e.Seq, nil
			}
			if h := recompute(prev, e); h != e.Hash || eventID(h) != e.ID {
				return false, e.Seq, nil
			}
			prev = e.Hash
			after = e.Seq
			expectSeq = e.Seq + 1
		}
	}
}

// RetentionSweep removes events older than maxAge. Events for which keep
// returns true (typically those referenced by an unresolved alert) are never
// removed. It reports the number of deleted events.
func (l *Log) RetentionSweep(ctx context.Context, maxAge time.Duration, keep func(id string) bool) (int, error) {
	if maxAge <= 0 {
		return 0, nil
	}
	if keep == nil {
		keep = func(string) bool { return false }
	}
	cutoff := l.now().UTC().Add(-maxAge)
	n, err := l.store.DeleteEventsBefore(ctx, cutoff, keep)
	if err != nil {
		return 0, fmt.Errorf("%w: retention sweep: %v", ErrPersistence, err)
	}
	return n, nil
}

// LastSeq returns the sequence number of the chain head.
func (l *Log) LastSeq() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastSeq
}
