package notify

import (
	"context"
	"sync"

	"github.com/Njanja2025/sentinel/internal/monitor"
)

// Stream fans alerts out to live subscribers (SSE clients, the CLI's watch
// mode). Slow subscribers drop alerts rather than stall the publisher.
type Stream struct {
	mu   sync.RWMutex
	subs map[int]chan monitor.Alert
	next int
}

// NewStream initialises an empty stream.
func NewStream() *Stream {
	return &Stream{subs: make(map[int]chan monitor.Alert)}
}

// Subscribe registers a subscriber and returns a channel which will receive
// alerts. The channel is closed when the provided context ends.
func (s *Stream) Subscribe(ctx context.Context) <-chan monitor.Alert {
	ch := make(chan monitor.Alert, 16)

	s.mu.Lock()
	id := s.next
	s.next++
	s.subs[id] = ch
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		delete(s.subs, id)
		close(ch)
		s.mu.Unlock()
	}()

	return ch
}

// Notify publishes an alert to every subscriber. Implements Notifier.
func (s *Stream) Notify(a monitor.Alert) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, ch := range s.subs {
		select {
		case ch <- a:
		default:
			// Subscriber is not keeping up; drop rather than block.
		}
	}
}
