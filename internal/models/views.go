package models

import (
	"fmt"
	"time"

	"github.com/soaringjerry/covfee/internal/ids"
)

// NodeView is the client-facing form of a node inside an instance.
type NodeView struct {
	ID     int64          `json:"id"`
	Name   string         `json:"name"`
	Order  int            `json:"order"`
	Status NodeStatus     `json:"status"`
	Spec   map[string]any `json:"spec"`
	URL    string         `json:"url"`
	Shared bool           `json:"shared"`
}

type JourneyView struct {
	ID         string  `json:"id"`
	CurrNodeID *int64  `json:"curr_node_id"`
	NodeIDs    []int64 `json:"node_ids"`
}

// InstanceView is the serialized HITInstance merged with its HIT.
// CompletionCode is present only once the instance is submitted.
type InstanceView struct {
	ID             string         `json:"id"`
	PreviewID      string         `json:"preview_id"`
	HITID          string         `json:"hit_id"`
	Name           string         `json:"name"`
	Type           string         `json:"type"`
	Extra          map[string]any `json:"extra,omitempty"`
	Interface      map[string]any `json:"interface,omitempty"`
	Submitted      bool           `json:"submitted"`
	Nodes          []NodeView     `json:"nodes,omitempty"`
	Journeys       []JourneyView  `json:"journeys,omitempty"`
	ChatID         int64          `json:"chat_id,omitempty"`
	CompletionCode string         `json:"completion_code,omitempty"`
	URL            string         `json:"url"`
	PreviewURL     string         `json:"preview_url"`
}

type HITView struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Type      string         `json:"type"`
	Instances []InstanceView `json:"instances,omitempty"`
}

type ProjectView struct {
	ID    string    `json:"id"`
	Name  string    `json:"name"`
	Email string    `json:"email"`
	HITs  []HITView `json:"hits,omitempty"`
}

type ChatMessageView struct {
	ID        int64     `json:"id"`
	ChatID    int64     `json:"chat_id"`
	UID       string    `json:"uid"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"created_at"`
}

// Links builds human-facing URLs. It has no bearing on correctness.
type Links struct {
	APIURL string
	AppURL string
}

func (l Links) InstanceURL(inst *HITInstance) string {
	return fmt.Sprintf("%s/hits/%s", l.AppURL, ids.Hex(inst.ID))
}

func (l Links) PreviewURL(inst *HITInstance) string {
	return fmt.Sprintf("%s/hits/%s?preview=1", l.AppURL, ids.Hex(inst.PreviewID))
}

func (l Links) NodeURL(inst *HITInstance, nodeID int64) string {
	return fmt.Sprintf("%s/instances/%s/tasks/%d", l.APIURL, ids.Hex(inst.ID), nodeID)
}

// NewInstanceView serializes an instance. secret is only consulted when the
// instance is submitted.
func NewInstanceView(hit *HIT, inst *HITInstance, nodes []*Node, journeys []*Journey, chatID int64, links Links, secret string) InstanceView {
	v := InstanceView{
		ID:         ids.Hex(inst.ID),
		PreviewID:  ids.Hex(inst.PreviewID),
		HITID:      ids.Hex(inst.HITID),
		Submitted:  inst.Submitted,
		ChatID:     chatID,
		URL:        links.InstanceURL(inst),
		PreviewURL: links.PreviewURL(inst),
	}
	if hit != nil {
		v.Name = hit.Name
		v.Type = hit.Type
		v.Extra = hit.Extra
		v.Interface = hit.Interface
	}
	for _, n := range nodes {
		v.Nodes = append(v.Nodes, NodeView{
			ID:     n.ID,
			Name:   n.Name,
			Order:  n.Order,
			Status: n.Status,
			Spec:   n.Spec,
			URL:    links.NodeURL(inst, n.ID),
			Shared: n.HITID != nil,
		})
	}
	for _, j := range journeys {
		v.Journeys = append(v.Journeys, JourneyView{ID: ids.Hex(j.ID), CurrNodeID: j.CurrNodeID, NodeIDs: j.NodeIDs})
	}
	if inst.Submitted {
		v.CompletionCode = ids.CompletionCode(inst.ID, secret)
	}
	return v
}

func NewChatMessageView(m *ChatMessage) ChatMessageView {
	return ChatMessageView{ID: m.ID, ChatID: m.ChatID, UID: m.UID, Message: m.Message, CreatedAt: m.CreatedAt}
}
