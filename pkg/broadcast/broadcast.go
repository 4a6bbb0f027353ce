// Package broadcast is the in-process side of the broadcast sink: the
// external SSE/websocket transport is out of scope, but something has to
// hold subscribers and fan events out to them, and that something is this
// hub.
package broadcast

import "sync"

// Event is the typed payload pushed to every subscriber, matching the
// wire shape described by the runtime's external interface.
type Event struct {
	Type       string      `json:"type"`
	RequestID  string      `json:"requestId,omitempty"`
	EndpointID string      `json:"endpointId,omitempty"`
	Timestamp  int64       `json:"timestamp"`
	Data       interface{} `json:"data,omitempty"`
}

// Known event types.
const (
	EventRequestCreated                = "request_created"
	EventRequestRouting                = "request_routing"
	EventRequestTimeout                = "request_timeout"
	EventRequestFulfilled              = "request_fulfilled"
	EventRequestCancelled              = "request_cancelled"
	EventKeepAliveFulfilled            = "keepalive_fulfilled"
	EventKeepAliveSubscriptionCreated  = "keepalive_subscription_created"
	EventKeepAliveSubscriptionCanceled = "keepalive_subscription_cancelled"
	EventAppState                      = "app_state"
	EventPricingUpdate                 = "pricing_update"
)

// Hub fans published events out to every current subscriber. An event is
// dropped for a subscriber whose buffer is full rather than allowed to block
// publication — a slow downstream reader must not stall the agent; the
// subscriber itself stays registered.
type Hub struct {
	mu          sync.RWMutex
	subscribers map[int]chan Event
	nextID      int
	bufferSize  int
}

// NewHub builds a Hub whose per-subscriber channel buffers bufferSize
// events before a slow subscriber starts missing events.
func NewHub(bufferSize int) *Hub {
	return &Hub{subscribers: make(map[int]chan Event), bufferSize: bufferSize}
}

// Subscribe registers a new listener and returns its channel plus an
// unsubscribe function the caller must call when done.
func (h *Hub) Subscribe() (<-chan Event, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	id := h.nextID
	h.nextID++
	ch := make(chan Event, h.bufferSize)
	h.subscribers[id] = ch

	unsubscribe := func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if existing, ok := h.subscribers[id]; ok {
			delete(h.subscribers, id)
			close(existing)
		}
	}
	return ch, unsubscribe
}

// Publish fans ev out to every current subscriber, dropping it for any
// subscriber whose buffer is full instead of blocking.
func (h *Hub) Publish(ev Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, ch := range h.subscribers {
		select {
		case ch <- ev:
		default:
		}
	}
}
