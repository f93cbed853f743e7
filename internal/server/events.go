package server

import (
	"sync"
	"time"
)

// EventKind names a session lifecycle transition.
type EventKind string

const (
	EventConnected     EventKind = "connected"
	EventAuthenticated EventKind = "authenticated"
	EventRejected      EventKind = "rejected"
	EventDisconnected  EventKind = "disconnected"
	EventEvicted       EventKind = "evicted"
)

// Event is delivered to subscribers of Authority.Subscribe.
type Event struct {
	Kind       EventKind `json:"kind"`
	SessionID  string    `json:"sessionId"`
	Username   string    `json:"username,omitempty"`
	RemoteAddr string    `json:"remoteAddr,omitempty"`
	Reason     string    `json:"reason,omitempty"`
	Time       time.Time `json:"time"`
}

// subscriberBuffer is the per-subscriber queue; events beyond it are dropped.
const subscriberBuffer = 64

type eventHub struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]chan Event
}

func newEventHub() *eventHub {
	return &eventHub{subs: make(map[int]chan Event)}
}

func (h *eventHub) subscribe() (<-chan Event, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	id := h.nextID
	h.nextID++
	ch := make(chan Event, subscriberBuffer)
	h.subs[id] = ch

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			delete(h.subs, id)
			close(ch)
		})
	}
	return ch, cancel
}

// publish never blocks: a subscriber whose buffer is full misses the event.
func (h *eventHub) publish(e Event) int {
	h.mu.Lock()
	defer h.mu.Unlock()

	dropped := 0
	for _, ch := range h.subs {
		select {
		case ch <- e:
		default:
			dropped++
		}
	}
	return dropped
}
