package tasks

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
)

// Counter is the shared counter of IncrementCounterTask.
type Counter struct{}

func (Counter) DefaultState() json.RawMessage { return json.RawMessage(`{"count":0}`) }

func (Counter) Reduce(state, raw json.RawMessage) (json.RawMessage, error) {
	a, err := decodeAction(raw)
	if err != nil {
		return state, err
	}
	obj, err := decodeObject(state)
	if err != nil {
		return state, err
	}
	count, _ := obj["count"].(float64)
	switch a.Type {
	case "inc", "incrementValue":
		count++
	case "dec", "decrementValue":
		count--
	case "reset":
		count = 0
	default:
		return state, ErrInvalidAction
	}
	obj["count"] = count
	return json.Marshal(obj)
}

// Merge keeps an object state. It accepts "set" (key/value), "merge"
// (object payload) and "replace" (object payload) actions.
type Merge struct{}

func (Merge) DefaultState() json.RawMessage { return json.RawMessage(`{}`) }

func (Merge) Reduce(state, raw json.RawMessage) (json.RawMessage, error) {
	a, err := decodeAction(raw)
	if err != nil {
		return state, err
	}
	obj, err := decodeObject(state)
	if err != nil {
		return state, err
	}
	switch a.Type {
	case "set":
		if a.Key == "" {
			return state, ErrInvalidAction
		}
		var v any
		if len(a.Value) > 0 {
			if err := json.Unmarshal(a.Value, &v); err != nil {
				return state, ErrInvalidAction
			}
		}
		obj[a.Key] = v
	case "merge", "replace":
		var patch map[string]any
		if err := json.Unmarshal(a.Payload, &patch); err != nil || patch == nil {
			return state, ErrInvalidAction
		}
		if a.Type == "replace" {
			obj = map[string]any{}
		}
		for k, v := range patch {
			obj[k] = v
		}
	default:
		return state, ErrInvalidAction
	}
	return json.Marshal(obj)
}

// Chat is the shared state of ChatTask: an object with an optional "count"
// bumped by "inc" and a "messages" list extended by "append".
type Chat struct{}

func (Chat) DefaultState() json.RawMessage { return json.RawMessage(`{}`) }

func (Chat) Reduce(state, raw json.RawMessage) (json.RawMessage, error) {
	a, err := decodeAction(raw)
	if err != nil {
		return state, err
	}
	obj, err := decodeObject(state)
	if err != nil {
		return state, err
	}
	switch a.Type {
	case "inc":
		count, _ := obj["count"].(float64)
		obj["count"] = count + 1
	case "append":
		var msg any
		if len(a.Payload) == 0 || json.Unmarshal(a.Payload, &msg) != nil || msg == nil {
			return state, ErrInvalidAction
		}
		list, _ := obj["messages"].([]any)
		obj["messages"] = append(list, msg)
	default:
		return state, ErrInvalidAction
	}
	return json.Marshal(obj)
}

// CallProvisioner creates call sessions and per-subject connection tokens.
type CallProvisioner interface {
	CreateSession(ctx context.Context, customID string) (string, error)
	CreateConnectionToken(ctx context.Context, sessionID, data string) (string, error)
}

// Videocall provisions a call session named after the node before a
// subject joins. Its shared state behaves like Merge.
type Videocall struct {
	Merge
	Calls CallProvisioner
}

func (v *Videocall) OnJoin(ctx context.Context, jc JoinContext) (map[string]any, error) {
	if v.Calls == nil {
		return map[string]any{}, nil
	}
	sessionID, err := v.Calls.CreateSession(ctx, strconv.FormatInt(jc.NodeID, 10))
	if err != nil {
		return nil, fmt.Errorf("request session id: %w", err)
	}
	token, err := v.Calls.CreateConnectionToken(ctx, sessionID, jc.JourneyID)
	if err != nil {
		return nil, fmt.Errorf("request connection token: %w", err)
	}
	return map[string]any{"session_id": sessionID, "connection_token": token}, nil
}
