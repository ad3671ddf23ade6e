package monitor

import (
	"context"
	"strings"
	"time"
)

// AlertType distinguishes the detection rule that raised an alert.
type AlertType string

const (
	AlertRapidFailedLogins  AlertType = "rapid_failed_logins"
	AlertHighFailedAttempts AlertType = "high_failed_attempts"
	AlertUnusualHourAccess  AlertType = "unusual_hour_access"
	AlertSuspiciousIP       AlertType = "suspicious_ip"
	AlertConcurrentSessions AlertType = "concurrent_sessions"
)

// Severity ranks how urgently an alert should be handled.
type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// AlertStatus is the lifecycle state of an alert.
type AlertStatus string

const (
	AlertNew      AlertStatus = "new"
	AlertResolved AlertStatus = "resolved"
)

// Alert is a security finding raised by the monitor. Subject identifies what
// the alert is about (a username or an IP address). EventRefs pin the audit
// records that served as evidence; those records are exempt from retention
// sweeps for as long as the alert stays unresolved.
type Alert struct {
	ID              string            `json:"alert_id"`
	Timestamp       time.Time         `json:"timestamp"`
	Type            AlertType         `json:"alert_type"`
	Severity        Severity          `json:"severity"`
	Subject         string            `json:"subject"`
	Message         string            `json:"message"`
	Details         map[string]string `json:"details,omitempty"`
	Status          AlertStatus       `json:"status"`
	ResolvedAt      *time.Time        `json:"resolved_at,omitempty"`
	ResolutionNotes string            `json:"resolution_notes,omitempty"`
	EventRefs       []string          `json:"event_refs,omitempty"`
}

// AlertStore persists alerts. Backends live under internal/store.
type AlertStore interface {
	SaveAlert(ctx context.Context, a Alert) error
	ListAlerts(ctx context.Context) ([]Alert, error)
}

// AlertFilter narrows ListAlerts results. Zero-valued fields match everything.
type AlertFilter struct {
	Status   AlertStatus
	Type     AlertType
	Severity Severity
	Subject  string
	Since    time.Time
}

// Matches reports whether an alert satisfies every provided filter field.
func (f AlertFilter) Matches(a Alert) bool {
	if f.Status != "" && a.Status != f.Status {
		return false
	}
	if f.Type != "" && a.Type != f.Type {
		return false
	}
	if f.Severity != "" && a.Severity != f.Severity {
		return false
	}
	if f.Subject != "" && !strings.EqualFold(f.Subject, a.Subject) {
		return false
	}
	if !f.Since.IsZero() && a.Timestamp.Before(f.Since) {
		return false
	}
	return true
}
