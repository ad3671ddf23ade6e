// Package notify delivers raised alerts to external consumers. Delivery is
// fire-and-forget: a failing notifier is logged and never blocks or fails
// the monitor's alert path.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/Njanja2025/sentinel/internal/monitor"
	"github.com/Njanja2025/sentinel/internal/obs"
)

// Notifier receives each alert exactly once per raise.
type Notifier interface {
	Notify(a monitor.Alert)
}

// Fanout forwards an alert to every notifier in order.
type Fanout []Notifier

func (f Fanout) Notify(a monitor.Alert) {
	for _, n := range f {
		n.Notify(a)
	}
}

// LogNotifier writes alerts to the structured log. It is the default sink
// when no webhook is configured.
type LogNotifier struct{}

func (LogNotifier) Notify(a monitor.Alert) {
	obs.Warn("alert notification", map[string]any{
		"alert_id":   a.ID,
		"alert_type": string(a.Type),
		"severity":   string(a.Severity),
		"subject":    a.Subject,
		"message":    a.Message,
	})
}

// WebhookNotifier POSTs the alert as JSON to a configured endpoint. Each
// delivery runs in its own goroutine with a bounded timeout.
type WebhookNotifier struct {
	URL     string
	Client  *http.Client
	Timeout time.Duration
}

// NewWebhookNotifier builds a notifier for the given endpoint.
func NewWebhookNotifier(url string) *WebhookNotifier {
	return &WebhookNotifier{
		URL:     url,
		Client:  &http.Client{Timeout: 10 * time.Second},
		Timeout: 10 * time.Second,
	}
}

func (w *WebhookNotifier) Notify(a monitor.Alert) {
	go func() {
		body, err := json.Marshal(a)
		if err != nil {
			obs.Error("webhook marshal failed", map[string]any{"error": err.Error()})
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), w.Timeout)
		defer cancel()
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.URL, bytes.NewReader(body))
		if err != nil {
			obs.Error("webhook request failed", map[string]any{"error": err.Error()})
			return
		}
		req.Header.Set("Content-Type", "application/json")
		resp, err := w.Client.Do(req)
		if err != nil {
			obs.Warn("webhook delivery failed", map[string]any{"alert_id": a.ID, "error": err.Error()})
			return
		}
		resp.Body.Close()
		if resp.StatusCode >= 300 {
			obs.Warn("webhook delivery rejected", map[string]any{"alert_id": a.ID, "status": resp.StatusCode})
		}
	}()
}
