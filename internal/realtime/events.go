package realtime

import (
	"encoding/json"

	"github.com/soaringjerry/covfee/internal/models"
)

// Namespaces.
const (
	NSDefault   = "/"
	NSChat      = "/chat"
	NSAdminChat = "/admin_chat"
)

// Inbound events.
const (
	EventJoin     = "join"
	EventAction   = "action"
	EventLeave    = "leave"
	EventJoinChat = "join_chat"
	EventMessage  = "message"
)

// Outbound events. EventAction and EventMessage are also sent.
const (
	EventStatus  = "status"
	EventState   = "state"
	EventSession = "session"
	EventError   = "error"
)

// AdminRoom is the single room of the admin monitoring namespace.
const AdminRoom = "admins"

// Envelope is one websocket frame in either direction.
type Envelope struct {
	NS    string          `json:"ns"`
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type JoinRequest struct {
	JourneyID      string `json:"journeyId"`
	NodeID         int64  `json:"nodeId"`
	ResponseID     int64  `json:"responseId"`
	UseSharedState bool   `json:"useSharedState"`
}

type ActionRequest struct {
	ResponseID int64           `json:"responseId"`
	Action     json.RawMessage `json:"action"`
}

type LeaveRequest struct {
	ResponseID     int64 `json:"responseId"`
	UseSharedState bool  `json:"useSharedState"`
}

type JoinChatRequest struct {
	ChatID int64 `json:"chatId"`
}

type ChatMessageRequest struct {
	ChatID  int64  `json:"chatId"`
	Message string `json:"message"`
}

type StatusEvent struct {
	NodeID int64             `json:"nodeId"`
	Prev   models.NodeStatus `json:"prev"`
	New    models.NodeStatus `json:"new"`
}

// ErrorEvent is sent only to the connection whose event failed.
type ErrorEvent struct {
	Event   string `json:"event"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func encode(ns, event string, data any) (Envelope, error) {
	env := Envelope{NS: ns, Event: event}
	if data == nil {
		return env, nil
	}
	if raw, ok := data.(json.RawMessage); ok {
		env.Data = raw
		return env, nil
	}
	b, err := json.Marshal(data)
	if err != nil {
		return env, err
	}
	env.Data = b
	return env, nil
}
