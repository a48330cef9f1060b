package queue

import (
	"log/slog"
	"sync"

	"github.com/codereview/revieworchestrator/internal/domain"
)

// StatusBus fans out StatusEvents to subscribers keyed by requestId, for
// consumers outside the worker holding the queue claim (e.g. a
// streaming status endpoint).
type StatusBus struct {
	mu   sync.Mutex
	subs map[string][]chan domain.StatusEvent
}

func newStatusBus() *StatusBus {
	return &StatusBus{subs: make(map[string][]chan domain.StatusEvent)}
}

// Subscribe registers a new listener for requestID. The returned cancel
// func unsubscribes and closes the channel; callers must call it exactly
// once when done listening.
func (b *StatusBus) Subscribe(requestID string) (<-chan domain.StatusEvent, func()) {
	ch := make(chan domain.StatusEvent, 8)

	b.mu.Lock()
	b.subs[requestID] = append(b.subs[requestID], ch)
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		chans := b.subs[requestID]
		for i, c := range chans {
			if c == ch {
				b.subs[requestID] = append(chans[:i], chans[i+1:]...)
				break
			}
		}
		if len(b.subs[requestID]) == 0 {
			delete(b.subs, requestID)
		}
		close(ch)
	}
	return ch, cancel
}

// Publish delivers event to every current subscriber of event.RequestID.
// Delivery is non-blocking: a subscriber that isn't draining its channel
// has the event dropped rather than stalling the publisher.
func (b *StatusBus) Publish(event domain.StatusEvent) {
	b.mu.Lock()
	chans := append([]chan domain.StatusEvent(nil), b.subs[event.RequestID]...)
	b.mu.Unlock()

	for _, ch := range chans {
		select {
		case ch <- event:
		default:
			slog.Warn("status event dropped, subscriber not draining",
				"requestId", event.RequestID, "kind", event.Kind)
		}
	}
}
