// Package stream is the in-process event hub behind the operator websocket
// feed. Slow subscribers lose events rather than block publishers.
package stream

import (
	"encoding/json"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

const (
	EventReady      = "ready"
	EventDecision   = "decision"
	EventRevocation = "revocation"

	defaultBuffer = 32
)

type Event struct {
	Type string          `json:"type"`
	At   string          `json:"at"`
	Data json.RawMessage `json:"data,omitempty"`
}

func NewEvent(eventType string, data any) Event {
	evt := Event{Type: eventType, At: time.Now().UTC().Format(time.RFC3339Nano)}
	if data != nil {
		evt.Data, _ = json.Marshal(data)
	}
	return evt
}

// ParseTypes splits a "decision,revocation" filter. Empty means all types.
func ParseTypes(raw string) []string {
	var out []string
	for _, t := range strings.Split(raw, ",") {
		if t = strings.ToLower(strings.TrimSpace(t)); t != "" {
			out = append(out, t)
		}
	}
	return out
}

// typeSet is nil for subscribers that want every event.
type typeSet map[string]struct{}

func (s typeSet) wants(eventType string) bool {
	if s == nil {
		return true
	}
	_, ok := s[eventType]
	return ok
}

type Hub struct {
	mu      sync.RWMutex
	subs    map[chan Event]typeSet
	dropped atomic.Int64
}

func NewHub() *Hub {
	return &Hub{subs: map[chan Event]typeSet{}}
}

// Subscribe registers a buffered channel. With types set, only those event
// types are delivered.
func (h *Hub) Subscribe(buffer int, types ...string) chan Event {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	var filter typeSet
	if len(types) > 0 {
		filter = typeSet{}
		for _, t := range types {
			filter[t] = struct{}{}
		}
	}
	ch := make(chan Event, buffer)
	h.mu.Lock()
	h.subs[ch] = filter
	h.mu.Unlock()
	return ch
}

// Unsubscribe closes ch. Repeated calls are no-ops.
func (h *Hub) Unsubscribe(ch chan Event) {
	h.mu.Lock()
	_, ok := h.subs[ch]
	delete(h.subs, ch)
	h.mu.Unlock()
	if ok {
		close(ch)
	}
}

// Publish never blocks: a full subscriber buffer counts a drop.
func (h *Hub) Publish(evt Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for ch, filter := range h.subs {
		if !filter.wants(evt.Type) {
			continue
		}
		select {
		case ch <- evt:
		default:
			h.dropped.Add(1)
		}
	}
}

func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

func (h *Hub) Dropped() int64 {
	return h.dropped.Load()
}
