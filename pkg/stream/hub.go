package stream

import (
	"encoding/json"
	"sync"
	"time"
)

// Event is one item on the live feed. Data is marshaled once at publish
// time, not per subscriber.
type Event struct {
	Type string          `json:"type"`
	At   time.Time       `json:"at"`
	Data json.RawMessage `json:"data,omitempty"`
}

func NewEvent(eventType string, payload any) Event {
	evt := Event{Type: eventType, At: time.Now().UTC()}
	if payload != nil {
		if b, err := json.Marshal(payload); err == nil {
			evt.Data = b
		}
	}
	return evt
}

// Subscription is one listener on the hub. Receive from C; the channel is
// closed by Hub.Unsubscribe.
type Subscription struct {
	C  chan Event
	id uint64
}

// Hub broadcasts approval and settlement events to websocket listeners.
// Delivery is best effort: a subscriber whose buffer is full misses the
// event instead of stalling the publisher and every other listener.
type Hub struct {
	mu     sync.Mutex
	nextID uint64
	subs   map[uint64]*Subscription
}

func NewHub() *Hub {
	return &Hub{subs: map[uint64]*Subscription{}}
}

func (h *Hub) Subscribe(buffer int) *Subscription {
	if buffer <= 0 {
		buffer = 32
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nextID++
	sub := &Subscription{C: make(chan Event, buffer), id: h.nextID}
	h.subs[sub.id] = sub
	return sub
}

// Unsubscribe removes the listener and closes its channel. Calling it
// twice is harmless.
func (h *Hub) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	h.mu.Lock()
	_, live := h.subs[sub.id]
	delete(h.subs, sub.id)
	h.mu.Unlock()
	if live {
		close(sub.C)
	}
}

func (h *Hub) Publish(evt Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, sub := range h.subs {
		select {
		case sub.C <- evt:
		default:
		}
	}
}
