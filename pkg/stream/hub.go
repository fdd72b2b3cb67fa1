// Package stream fans live gateway activity out to websocket subscribers:
// verdicts as they are decided, job state transitions, breaker flips.
package stream

import (
	"encoding/json"
	"sync"
	"time"
)

// DefaultBuffer is the per-subscriber channel depth when Subscribe is
// called with a non-positive buffer.
const DefaultBuffer = 32

type Event struct {
	Type string          `json:"type"`
	At   string          `json:"at"`
	Data json.RawMessage `json:"data,omitempty"`
}

func NewEvent(eventType string, data interface{}) Event {
	var raw json.RawMessage
	if data != nil {
		b, _ := json.Marshal(data)
		raw = b
	}
	return Event{Type: eventType, At: time.Now().UTC().Format(time.RFC3339Nano), Data: raw}
}

// Hub is a broadcast fan-out. Publish never blocks: a subscriber that
// cannot keep up loses events rather than stalling the decision path.
type Hub struct {
	mu        sync.RWMutex
	listeners map[chan Event]struct{}
}

func NewHub() *Hub {
	return &Hub{listeners: make(map[chan Event]struct{})}
}

func (h *Hub) Subscribe(buffer int) chan Event {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	ch := make(chan Event, buffer)
	h.mu.Lock()
	h.listeners[ch] = struct{}{}
	h.mu.Unlock()
	return ch
}

// Unsubscribe removes and closes the channel. Safe to call more than once.
func (h *Hub) Unsubscribe(ch chan Event) {
	h.mu.Lock()
	_, exists := h.listeners[ch]
	if exists {
		delete(h.listeners, ch)
	}
	h.mu.Unlock()
	if exists {
		close(ch)
	}
}

// Subscribers reports the current listener count.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.listeners)
}

func (h *Hub) Publish(evt Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for ch := range h.listeners {
		select {
		case ch <- evt:
		default:
		}
	}
}
