package models

import (
	"encoding/json"
	"time"
)

// NodeStatus is the lifecycle status of a task node.
type NodeStatus string

const (
	// NodeIdle means no journey is currently at the node.
	NodeIdle      NodeStatus = "idle"
	NodeActive    NodeStatus = "active"
	NodeCompleted NodeStatus = "completed"
)

// Project is a named collection of HITs. Deleting it deletes its HITs.
type Project struct {
	ID        []byte
	Name      string
	Email     string
	CreatedAt time.Time
}

// HIT defines one set of tasks to be completed by a subject.
type HIT struct {
	ID        []byte
	ProjectID []byte
	Name      string
	Type      string
	Extra     map[string]any
	Interface map[string]any
}

// HITInstance is one assignment of a HIT to one subject.
type HITInstance struct {
	ID          []byte
	PreviewID   []byte
	HITID       []byte
	Index       int
	Submitted   bool // one-way: never reset once true
	SubmittedAt *time.Time
	CreatedAt   time.Time
}

// Node is a unit of work. Template nodes belong to a HIT and are shared by
// all of its instances; instance-local nodes belong to one instance.
// Spec is opaque except for its "type" key, which selects the task handler.
type Node struct {
	ID         int64
	HITID      []byte // set for template nodes
	InstanceID []byte // set for instance-local nodes
	Name       string
	Order      int
	Status     NodeStatus
	Spec       map[string]any
	CreatedAt  time.Time
}

// Type returns the task type named in the node spec.
func (n *Node) Type() string {
	if n == nil || n.Spec == nil {
		return ""
	}
	t, _ := n.Spec["type"].(string)
	return t
}

// Journey is one subject's path through an ordered list of nodes.
type Journey struct {
	ID         []byte
	InstanceID []byte
	Index      int
	CurrNodeID *int64 // nil when the journey is not active
	NodeIDs    []int64
}

// HasNode reports whether the node is part of the journey.
func (j *Journey) HasNode(nodeID int64) bool {
	for _, id := range j.NodeIDs {
		if id == nodeID {
			return true
		}
	}
	return false
}

// TaskResponse holds one subject's output for one node. It is immutable once
// submitted.
type TaskResponse struct {
	ID          int64
	InstanceID  []byte
	NodeID      int64
	Index       int
	State       json.RawMessage
	Data        json.RawMessage
	Submitted   bool
	SubmittedAt *time.Time
	CreatedAt   time.Time
}

// Chat is an append-only message log.
type Chat struct {
	ID         int64
	InstanceID []byte
}

type ChatMessage struct {
	ID        int64
	ChatID    int64
	UID       string
	Message   string
	CreatedAt time.Time
}
