// Package tasks maps task type tags to handlers implementing the shared-state
// behaviour of each task type.
package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
)

// ErrInvalidAction is returned by reducers for actions that do not apply to
// the current state. The state is left unchanged.
var ErrInvalidAction = errors.New("invalid action")

// Handler is the fixed capability set of a task type.
type Handler interface {
	DefaultState() json.RawMessage
	Reduce(state, action json.RawMessage) (json.RawMessage, error)
}

// JoinContext identifies who is joining which node.
type JoinContext struct {
	NodeID     int64
	ResponseID int64
	JourneyID  string
}

// Joiner is implemented by task types that must provision something
// (e.g. a call session) before a subject can join.
type Joiner interface {
	OnJoin(ctx context.Context, jc JoinContext) (map[string]any, error)
}

// Registry resolves task types. Unknown types resolve to Base.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
	fallback Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: map[string]Handler{}, fallback: Base{}}
}

// DefaultRegistry registers the built-in task types. calls may be nil, in
// which case video-call tasks do not provision sessions.
func DefaultRegistry(calls CallProvisioner) *Registry {
	r := NewRegistry()
	r.Register("IncrementCounterTask", Counter{})
	r.Register("ChatTask", Chat{})
	r.Register("ContinuousAnnotationTask", Merge{})
	r.Register("VideocallTask", &Videocall{Calls: calls})
	return r
}

func (r *Registry) Register(taskType string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[taskType] = h
}

func (r *Registry) Lookup(taskType string) Handler {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if h, ok := r.handlers[taskType]; ok {
		return h
	}
	return r.fallback
}

// Base is the no-op task: empty default state, actions leave state as is.
type Base struct{}

func (Base) DefaultState() json.RawMessage { return json.RawMessage(`{}`) }

func (Base) Reduce(state, _ json.RawMessage) (json.RawMessage, error) {
	return state, nil
}

// Funcs adapts plain functions to a Handler.
type Funcs struct {
	Default func() json.RawMessage
	Reducer func(state, action json.RawMessage) (json.RawMessage, error)
}

func (f Funcs) DefaultState() json.RawMessage {
	if f.Default == nil {
		return Base{}.DefaultState()
	}
	return f.Default()
}

func (f Funcs) Reduce(state, action json.RawMessage) (json.RawMessage, error) {
	if f.Reducer == nil {
		return state, nil
	}
	return f.Reducer(state, action)
}

// action is the redux-style envelope every built-in reducer understands.
type action struct {
	Type    string          `json:"type"`
	Key     string          `json:"key,omitempty"`
	Value   json.RawMessage `json:"value,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

func decodeAction(raw json.RawMessage) (action, error) {
	var a action
	if err := json.Unmarshal(raw, &a); err != nil || a.Type == "" {
		return action{}, ErrInvalidAction
	}
	return a, nil
}

func decodeObject(state json.RawMessage) (map[string]any, error) {
	obj := map[string]any{}
	if len(state) == 0 || string(state) == "null" {
		return obj, nil
	}
	if err := json.Unmarshal(state, &obj); err != nil {
		return nil, ErrInvalidAction
	}
	return obj, nil
}
