// Package broadcast fans change notifications out to observers and runs the
// periodic status loop that reconciles agent runs with ticket state.
package broadcast

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/dalejefferson/CodingIDE-sub002/pkg/protocol"
)

const defaultSubscriberBuffer = 64

// Hub delivers events to subscribers without ever blocking the publisher.
// A subscriber whose buffer is full misses that event; others still get it.
type Hub struct {
	mu      sync.RWMutex
	subs    map[uint64]chan protocol.Event
	next    uint64
	dropped atomic.Int64
	logger  *slog.Logger
}

// NewHub creates an empty hub.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{subs: make(map[uint64]chan protocol.Event), logger: logger}
}

// Subscribe returns an event channel and a cancel func that closes it.
func (h *Hub) Subscribe(buffer int) (<-chan protocol.Event, func()) {
	if buffer <= 0 {
		buffer = defaultSubscriberBuffer
	}
	ch := make(chan protocol.Event, buffer)

	h.mu.Lock()
	id := h.next
	h.next++
	h.subs[id] = ch
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, id)
			h.mu.Unlock()
			close(ch)
		})
	}
}

// Publish delivers e to every subscriber that has room.
func (h *Hub) Publish(e protocol.Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, ch := range h.subs {
		select {
		case ch <- e:
		default:
			h.dropped.Add(1)
			h.logger.Debug("event dropped for slow subscriber", "type", e.Type, "ticket", e.TicketID)
		}
	}
}

// Subscribers returns the number of live subscriptions.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Dropped returns how many deliveries were skipped because a subscriber was full.
func (h *Hub) Dropped() int64 { return h.dropped.Load() }
