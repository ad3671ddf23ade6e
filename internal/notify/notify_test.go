package notify_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Njanja2025/sentinel/internal/monitor"
	"github.com/Njanja2025/sentinel/internal/notify"
)

func TestStreamDeliversToAllSubscribers(t *testing.T) {
	s := notify.NewStream()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a := s.Subscribe(ctx)
	b := s.Subscribe(ctx)

	alert := monitor.Alert{ID: "a1", Type: monitor.AlertSuspiciousIP}
	s.Notify(alert)

	for _, ch := range []<-chan monitor.Alert{a, b} {
		select {
		case got := <-ch:
			assert.Equal(t, "a1", got.ID)
		case <-time.After(time.Second):
			t.Fatal("subscriber did not receive the alert")
		}
	}
}

func TestStreamClosesOnContextEnd(t *testing.T) {
	s := notify.NewStream()
	ctx, cancel := context.WithCancel(context.Background())

	ch := s.Subscribe(ctx)
	cancel()

	select {
	case _, open := <-ch:
		assert.False(t, open, "channel should close when the subscriber leaves")
	case <-time.After(time.Second):
		t.Fatal("channel never closed")
	}

	// Publishing after the subscriber left must not panic or block.
	s.Notify(monitor.Alert{ID: "a2"})
}

func TestStreamDropsWhenSubscriberLags(t *testing.T) {
	s := notify.NewStream()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch := s.Subscribe(ctx)
	done := make(chan struct{})
	go func() {
		// Never reads; publishing past the buffer must still return.
		for i := 0; i < 100; i++ {
			s.Notify(monitor.Alert{ID: "flood"})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("slow subscriber blocked the publisher")
	}
	assert.LessOrEqual(t, len(ch), 16)
}

func TestFanoutReachesEveryNotifier(t *testing.T) {
	var got []string
	record := func(name string) notify.Notifier {
		return notifierFunc(func(a monitor.Alert) { got = append(got, name+":"+a.ID) })
	}
	f := notify.Fanout{record("x"), record("y")}
	f.Notify(monitor.Alert{ID: "a1"})
	assert.Equal(t, []string{"x:a1", "y:a1"}, got)
}

type notifierFunc func(monitor.Alert)

func (fn notifierFunc) Notify(a monitor.Alert) { fn(a) }

func TestWebhookPostsAlertJSON(t *testing.T) {
	received := make(chan monitor.Alert, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "application/json", r.Header.Get("Content-Type"))
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		var a monitor.Alert
		require.NoError(t, json.Unmarshal(body, &a))
		received <- a
	}))
	defer srv.Close()

	n := notify.NewWebhookNotifier(srv.URL)
	n.Notify(monitor.Alert{
		ID:       "a1",
		Type:     monitor.AlertRapidFailedLogins,
		Severity: monitor.SeverityHigh,
		Subject:  "alice",
	})

	select {
	case a := <-received:
		assert.Equal(t, "a1", a.ID)
		assert.Equal(t, monitor.AlertRapidFailedLogins, a.Type)
	case <-time.After(2 * time.Second):
		t.Fatal("webhook was never called")
	}
}

func TestWebhookFailureDoesNotBlock(t *testing.T) {
	n := notify.NewWebhookNotifier("http://127.0.0.1:1/unreachable")
	done := make(chan struct{})
	go func() {
		n.Notify(monitor.Alert{ID: "a1"})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("failed delivery blocked the caller")
	}
}
