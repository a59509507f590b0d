// Package events is the in-process event hub feeding the SSE and
// WebSocket surfaces. Publishing never blocks: slow subscribers drop
// events rather than stalling executions.
package events

import (
	"log/slog"
	"sync"
	"time"
)

// Event types.
const (
	TypeExecutionStarted  = "execution.started"
	TypeExecutionFinished = "execution.finished"
	TypeStagingCompleted  = "staging.completed"
	TypePoolChanged       = "pool.changed"
)

// Event is one broadcast message.
type Event struct {
	Type     string    `json:"type"`
	ID       string    `json:"id,omitempty"` // execution id
	Status   string    `json:"status,omitempty"`
	WorkerID string    `json:"worker_id,omitempty"`
	Detail   string    `json:"detail,omitempty"`
	At       time.Time `json:"at"`
}

const subscriberBuffer = 64

// Hub fans events out to subscribers.
type Hub struct {
	logger *slog.Logger

	mu     sync.Mutex
	subs   map[int]chan Event
	nextID int
	closed bool
}

// NewHub creates an empty hub.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{logger: logger, subs: make(map[int]chan Event)}
}

// Subscribe registers a new subscriber. The returned cancel function
// removes the subscription and closes the channel.
func (h *Hub) Subscribe() (<-chan Event, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	ch := make(chan Event, subscriberBuffer)
	if h.closed {
		close(ch)
		return ch, func() {}
	}
	id := h.nextID
	h.nextID++
	h.subs[id] = ch

	return ch, func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if sub, ok := h.subs[id]; ok {
			delete(h.subs, id)
			close(sub)
		}
	}
}

// Publish broadcasts an event. Events to full subscriber buffers are
// dropped with a warning.
func (h *Hub) Publish(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	for id, ch := range h.subs {
		select {
		case ch <- ev:
		default:
			h.logger.Warn("event dropped for slow subscriber",
				slog.Int("subscriber", id),
				slog.String("type", ev.Type))
		}
	}
}

// Subscribers returns the current subscriber count.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Close shuts the hub down and closes all subscriber channels.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for id, ch := range h.subs {
		delete(h.subs, id)
		close(ch)
	}
}
