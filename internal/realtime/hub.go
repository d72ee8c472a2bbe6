package realtime

import (
	"sort"
	"sync"
)

// Conn is one client connection. Send must not block: it queues the frame
// or fails.
type Conn interface {
	ID() string
	Send(env Envelope) error
}

// Rooms is the membership and fan-out surface used by the gateway.
type Rooms interface {
	Join(ns, room string, c Conn)
	Leave(ns, room string, c Conn)
	LeaveAll(c Conn)
	Broadcast(ns, room, event string, data any) error
}

type roomKey struct{ ns, room string }

// Hub tracks which connections are in which namespaced room.
type Hub struct {
	mu    sync.RWMutex
	rooms map[roomKey]map[string]Conn
	byID  map[string]map[roomKey]bool
}

var _ Rooms = (*Hub)(nil)

func NewHub() *Hub {
	return &Hub{rooms: map[roomKey]map[string]Conn{}, byID: map[string]map[roomKey]bool{}}
}

func (h *Hub) Join(ns, room string, c Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	k := roomKey{ns, room}
	if h.rooms[k] == nil {
		h.rooms[k] = map[string]Conn{}
	}
	h.rooms[k][c.ID()] = c
	if h.byID[c.ID()] == nil {
		h.byID[c.ID()] = map[roomKey]bool{}
	}
	h.byID[c.ID()][k] = true
}

func (h *Hub) Leave(ns, room string, c Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.leaveLocked(roomKey{ns, room}, c.ID())
}

func (h *Hub) leaveLocked(k roomKey, id string) {
	if members := h.rooms[k]; members != nil {
		delete(members, id)
		if len(members) == 0 {
			delete(h.rooms, k)
		}
	}
	if keys := h.byID[id]; keys != nil {
		delete(keys, k)
		if len(keys) == 0 {
			delete(h.byID, id)
		}
	}
}

// LeaveAll removes c from every room.
func (h *Hub) LeaveAll(c Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for k := range h.byID[c.ID()] {
		h.leaveLocked(k, c.ID())
	}
}

// Broadcast encodes data once and queues it on every member of the room.
// Members whose queue rejects the frame are skipped.
func (h *Hub) Broadcast(ns, room, event string, data any) error {
	env, err := encode(ns, event, data)
	if err != nil {
		return err
	}
	for _, c := range h.members(ns, room) {
		_ = c.Send(env)
	}
	return nil
}

// members returns a stable-ordered copy of the room's connections.
func (h *Hub) members(ns, room string) []Conn {
	h.mu.RLock()
	defer h.mu.RUnlock()
	m := h.rooms[roomKey{ns, room}]
	out := make([]Conn, 0, len(m))
	for _, c := range m {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// Count returns the number of connections in a room.
func (h *Hub) Count(ns, room string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[roomKey{ns, room}])
}
