package realtime

import (
	"context"
	"sync"
)

// Hub tracks room membership for sockets on this node and broadcasts events
// to them. Membership here is node-local; cross-node membership is derived
// from the session registry's persisted room sets.
type Hub struct {
	mu    sync.RWMutex
	rooms map[string]map[Socket]struct{}
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{rooms: make(map[string]map[Socket]struct{})}
}

func (h *Hub) add(room string, s Socket) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.rooms[room]
	if !ok {
		set = make(map[Socket]struct{})
		h.rooms[room] = set
	}
	set[s] = struct{}{}
}

func (h *Hub) remove(room string, s Socket) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.rooms[room]
	if !ok {
		return
	}
	delete(set, s)
	if len(set) == 0 {
		delete(h.rooms, room)
	}
}

func (h *Hub) removeAll(s Socket) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for room, set := range h.rooms {
		delete(set, s)
		if len(set) == 0 {
			delete(h.rooms, room)
		}
	}
}

// Members returns a snapshot of the sockets currently in room.
func (h *Hub) Members(room string) []Socket {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]Socket, 0, len(h.rooms[room]))
	for s := range h.rooms[room] {
		out = append(out, s)
	}
	return out
}

// Broadcast sends the event to every socket in room. Send failures on
// individual sockets do not stop delivery to the rest; the first error is
// returned after the sweep completes.
func (h *Hub) Broadcast(ctx context.Context, room, event string, payload any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	var first error
	for _, s := range h.Members(room) {
		if err := s.Send(event, payload); err != nil && first == nil {
			first = err
		}
	}
	return first
}

var _ Broadcaster = (*Hub)(nil)
