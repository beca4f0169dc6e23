package events

import (
	"sync"
	"sync/atomic"

	"github.com/timeshift92/emperium-sub001/internal/world"
)

// Hub fans persisted events out to live subscribers. A subscriber that
// falls behind misses events rather than slowing the dispatcher.
type Hub struct {
	mu     sync.RWMutex
	subs   map[uint64]chan world.Event
	nextID uint64
	missed atomic.Uint64
}

// NewHub returns an empty hub.
func NewHub() *Hub {
	return &Hub{subs: map[uint64]chan world.Event{}}
}

// Subscribe registers a subscriber with the given channel buffer.
func (h *Hub) Subscribe(buffer int) (uint64, <-chan world.Event) {
	if buffer <= 0 {
		buffer = 64
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nextID++
	ch := make(chan world.Event, buffer)
	h.subs[h.nextID] = ch
	return h.nextID, ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (h *Hub) Unsubscribe(id uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if ch, ok := h.subs[id]; ok {
		delete(h.subs, id)
		close(ch)
	}
}

// Publish implements Publisher.
func (h *Hub) Publish(e world.Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, ch := range h.subs {
		select {
		case ch <- e:
		default:
			h.missed.Add(1)
		}
	}
}

// Subscribers returns the number of live subscribers.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Missed counts deliveries skipped because a subscriber was full.
func (h *Hub) Missed() uint64 { return h.missed.Load() }
