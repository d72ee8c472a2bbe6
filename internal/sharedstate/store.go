// Package sharedstate holds the authoritative in-memory state of every task
// instance that currently has realtime participants.
//
// Each room has its own mutex: operations on one room are serialized while
// different rooms proceed in parallel. The store keeps no durable copy; the
// caller supplies a SeedFunc on join and a FlushFunc on leave.
package sharedstate

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/soaringjerry/covfee/internal/tasks"
)

var (
	ErrRoomNotFound  = errors.New("room not found")
	ErrInvalidAction = tasks.ErrInvalidAction
)

// SeedFunc loads the persisted state of a room. A nil or empty result means
// the task type's default state is used.
type SeedFunc func() (json.RawMessage, error)

// FlushFunc persists the state of a room when its last participant leaves.
type FlushFunc func(state json.RawMessage) error

type JoinResult struct {
	Success        bool            `json:"success"`
	State          json.RawMessage `json:"state"`
	NumConnections int             `json:"numConnections"`
}

type LeaveResult struct {
	Success        bool            `json:"success"`
	State          json.RawMessage `json:"state"`
	NumConnections int             `json:"numConnections"`
}

type ActionResult struct {
	Success bool            `json:"success"`
	State   json.RawMessage `json:"state"`
	Error   string          `json:"error,omitempty"`
}

type room struct {
	mu       sync.Mutex
	taskType string
	handler  tasks.Handler
	state    json.RawMessage
	conns    int
	seeded   bool
	closed   bool // evicted; a new room object must be created
}

// Store is constructed once and shared by reference.
type Store struct {
	registry *tasks.Registry

	mu    sync.Mutex // guards rooms, never held while waiting on a room lock
	rooms map[string]*room
}

func NewStore(registry *tasks.Registry) *Store {
	if registry == nil {
		registry = tasks.NewRegistry()
	}
	return &Store{registry: registry, rooms: map[string]*room{}}
}

// acquire returns the locked, live room for id. When create is false and the
// room does not exist it returns nil.
func (s *Store) acquire(id string, create bool) *room {
	for {
		s.mu.Lock()
		r, ok := s.rooms[id]
		if !ok {
			if !create {
				s.mu.Unlock()
				return nil
			}
			r = &room{}
			s.rooms[id] = r
		}
		s.mu.Unlock()

		r.mu.Lock()
		if !r.closed {
			return r
		}
		r.mu.Unlock()
	}
}

// evict must be called with r.mu held.
func (s *Store) evict(id string, r *room) {
	r.closed = true
	s.mu.Lock()
	if s.rooms[id] == r {
		delete(s.rooms, id)
	}
	s.mu.Unlock()
}

// Join registers a participant in roomID. The first participant seeds the
// state; later participants get the current state. onJoin, if set, runs
// while the room is locked, so no action can be applied between the snapshot
// in the result and whatever onJoin does with it. onJoin must not call back
// into the store for the same room.
func (s *Store) Join(roomID, taskType string, seed SeedFunc, onJoin func(JoinResult)) (JoinResult, error) {
	r := s.acquire(roomID, true)
	defer r.mu.Unlock()

	if !r.seeded {
		handler := s.registry.Lookup(taskType)
		var state json.RawMessage
		if seed != nil {
			loaded, err := seed()
			if err != nil {
				if r.conns == 0 {
					s.evict(roomID, r)
				}
				return JoinResult{}, fmt.Errorf("seed room %s: %w", roomID, err)
			}
			state = loaded
		}
		if len(state) == 0 || string(state) == "null" {
			state = handler.DefaultState()
		}
		r.taskType = taskType
		r.handler = handler
		r.state = state
		r.seeded = true
	}

	r.conns++
	res := JoinResult{Success: true, State: clone(r.state), NumConnections: r.conns}
	if onJoin != nil {
		onJoin(res)
	}
	return res, nil
}

// Action applies the room's reducer to action. An invalid action leaves the
// state untouched and returns ErrInvalidAction together with the unchanged
// state. onApplied runs under the room lock, so callbacks observe actions in
// the order they were applied.
func (s *Store) Action(roomID string, action json.RawMessage, onApplied func(ActionResult)) (ActionResult, error) {
	r := s.acquire(roomID, false)
	if r == nil {
		return ActionResult{Success: false, Error: ErrRoomNotFound.Error()}, ErrRoomNotFound
	}
	defer r.mu.Unlock()

	next, err := r.handler.Reduce(clone(r.state), action)
	if err != nil {
		if !errors.Is(err, ErrInvalidAction) {
			err = fmt.Errorf("%w: %v", ErrInvalidAction, err)
		}
		return ActionResult{Success: false, State: clone(r.state), Error: err.Error()}, err
	}
	r.state = next

	res := ActionResult{Success: true, State: clone(r.state)}
	if onApplied != nil {
		onApplied(res)
	}
	return res, nil
}

// Leave deregisters a participant and returns the current state. When the
// last participant leaves, flush runs under the room lock and the room is
// evicted. If flush fails the room stays resident with zero connections so
// that the next join does not reseed from stale storage and the next leave
// retries the flush.
func (s *Store) Leave(roomID string, flush FlushFunc) (LeaveResult, error) {
	r := s.acquire(roomID, false)
	if r == nil {
		return LeaveResult{}, ErrRoomNotFound
	}
	defer r.mu.Unlock()

	if r.conns > 0 {
		r.conns--
	}
	res := LeaveResult{Success: true, State: clone(r.state), NumConnections: r.conns}
	if r.conns > 0 {
		return res, nil
	}
	if flush != nil {
		if err := flush(clone(r.state)); err != nil {
			res.Success = false
			return res, fmt.Errorf("flush room %s: %w", roomID, err)
		}
	}
	s.evict(roomID, r)
	return res, nil
}

// Snapshot returns the current state of a resident room.
func (s *Store) Snapshot(roomID string) (JoinResult, bool) {
	r := s.acquire(roomID, false)
	if r == nil {
		return JoinResult{}, false
	}
	defer r.mu.Unlock()
	return JoinResult{Success: true, State: clone(r.state), NumConnections: r.conns}, true
}

// Rooms lists the ids of resident rooms.
func (s *Store) Rooms() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.rooms))
	for id := range s.rooms {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func clone(b json.RawMessage) json.RawMessage {
	if b == nil {
		return nil
	}
	out := make(json.RawMessage, len(b))
	copy(out, b)
	return out
}
