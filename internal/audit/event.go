package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"strconv"
	"time"
)

// Status classifies the outcome of an audited action.
type Status string

const (
	StatusSuccess Status = "success"
	StatusFailure Status = "failure"
	StatusDenied  Status = "denied"
)

// ParseStatus validates a status string from external input.
func ParseStatus(s string) (Status, error) {
	switch Status(s) {
	case StatusSuccess, StatusFailure, StatusDenied:
		return Status(s), nil
	}
	return "", fmt.Errorf("audit: unknown status %q", s)
}

// Event is one record in the hash-chained audit trail. All fields are plain
// values (no maps) so the hashed serialization is deterministic.
type Event struct {
	Seq       uint64    `json:"seq"`
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Actor     string    `json:"actor"`
	Action    string    `json:"action"`
	Resource  string    `json:"resource"`
	Status    Status    `json:"status"`
	Details   string    `json:"details,omitempty"`
	PrevHash  string    `json:"prev_hash"`
	Hash      string    `json:"hash"`
}

// Draft carries the caller-supplied fields of an event before it is chained.
type Draft struct {
	Actor    string
	Action   string
	Resource string
	Status   Status
	Details  string
}

const idPrefix = "ev_"

// chainHash computes the integrity hash for an event: a SHA-256 over the
// previous event's hash followed by the event's own fields. Field values are
// separated by an unprintable delimiter so concatenation cannot be ambiguous.
func chainHash(prev string, seq uint64, ts time.Time, d Draft) string {
	h := sha256.New()
	sep := []byte{0x1f}
	write := func(s string) {
		_, _ = io.WriteString(h, s)
		_, _ = h.Write(sep)
	}
	write(prev)
	write(strconv.FormatUint(seq, 10))
	write(ts.UTC().Format(time.RFC3339Nano))
	write(d.Actor)
	write(d.Action)
	write(d.Resource)
	write(string(d.Status))
	write(d.Details)
	return hex.EncodeToString(h.Sum(nil))
}

// eventID derives the event identifier from the integrity hash, making the
// identifier itself tamper-evident.
func eventID(hash string) string {
	if len(hash) < 24 {
		return idPrefix + hash
	}
	return idPrefix + hash[:24]
}

// recompute returns the hash the event should carry given the claimed
// previous hash, using the event's persisted fields.
func recompute(prev string, e Event) string {
	return chainHash(prev, e.Seq, e.Timestamp, Draft{
		Actor:    e.Actor,
		Action:   e.Action,
		Resource: e.Resource,
		Status:   e.Status,
		Details:  e.Details,
	})
}
