package stream

import (
	"log/slog"
	"sync"

	"github.com/rudnitski/HealthUp-sub002/internal/observability"
)

const defaultBufferSize = 64

// Hub routes events to at most one subscriber per session. Publishing never
// blocks: a subscriber that cannot keep up has its channel closed and is
// dropped, which the protocol treats as a disconnect (at-most-once
// delivery). Events published with no subscriber are discarded.
type Hub struct {
	Logger     *slog.Logger
	BufferSize int

	mu          sync.Mutex
	subscribers map[string]*Subscription
}

func NewHub(logger *slog.Logger) *Hub {
	return &Hub{Logger: logger}
}

// Subscription is one client's view of a session stream. Events() is closed
// when the session finishes, the subscriber is dropped, or a newer
// subscription replaces this one.
type Subscription struct {
	hub       *Hub
	sessionID string
	ch        chan Event
	closeOnce sync.Once
}

func (s *Subscription) Events() <-chan Event {
	return s.ch
}

// Cancel detaches the subscription. Safe to call more than once and after
// the hub has already closed the channel.
func (s *Subscription) Cancel() {
	s.hub.mu.Lock()
	defer s.hub.mu.Unlock()
	if s.hub.subscribers[s.sessionID] == s {
		delete(s.hub.subscribers, s.sessionID)
	}
	s.closeOnce.Do(func() { close(s.ch) })
}

// Subscribe attaches a subscriber to the session stream. A session carries
// one push channel; subscribing again supersedes the previous subscriber.
func (h *Hub) Subscribe(sessionID string) *Subscription {
	bufferSize := h.BufferSize
	if bufferSize <= 0 {
		bufferSize = defaultBufferSize
	}
	sub := &Subscription{hub: h, sessionID: sessionID, ch: make(chan Event, bufferSize)}

	h.mu.Lock()
	if h.subscribers == nil {
		h.subscribers = make(map[string]*Subscription)
	}
	previous := h.subscribers[sessionID]
	h.subscribers[sessionID] = sub
	h.mu.Unlock()

	if previous != nil {
		previous.closeOnce.Do(func() { close(previous.ch) })
	}
	return sub
}

// Publish delivers the event to the session's subscriber without blocking.
func (h *Hub) Publish(sessionID string, event Event) {
	h.mu.Lock()
	sub := h.subscribers[sessionID]
	if sub == nil {
		h.mu.Unlock()
		return
	}

	select {
	case sub.ch <- event:
		h.mu.Unlock()
	default:
		delete(h.subscribers, sessionID)
		h.mu.Unlock()
		sub.closeOnce.Do(func() { close(sub.ch) })
		observability.StreamSubscriberDropped()
		if h.Logger != nil {
			h.Logger.Warn("stream subscriber dropped: buffer full",
				slog.String("session_id", sessionID),
				slog.String("event_type", string(event.Type)),
			)
		}
	}
}

// Close ends the session stream, closing the subscriber channel after all
// previously published events drain.
func (h *Hub) Close(sessionID string) {
	h.mu.Lock()
	sub := h.subscribers[sessionID]
	delete(h.subscribers, sessionID)
	h.mu.Unlock()

	if sub != nil {
		sub.closeOnce.Do(func() { close(sub.ch) })
	}
}

// SubscriberCount reports the number of attached subscribers.
func (h *Hub) SubscriberCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subscribers)
}
