package services

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"time"

	"github.com/soaringjerry/covfee/internal/models"
)

// memStore is an in-memory Store. WithTx restores a snapshot when fn fails.
type memStore struct {
	projects  map[string]models.Project
	hits      map[string]models.HIT
	hitSeq    map[string]int
	instances map[string]models.HITInstance
	nodes     map[int64]models.Node
	journeys  map[string]models.Journey
	responses map[int64]models.TaskResponse
	chats     map[int64]models.Chat
	messages  []models.ChatMessage
	seq       int64

	failOn string // method name forced to fail
	txs    int
}

var errForced = errors.New("forced failure")

func newMemStore() *memStore {
	return &memStore{
		projects:  map[string]models.Project{},
		hits:      map[string]models.HIT{},
		hitSeq:    map[string]int{},
		instances: map[string]models.HITInstance{},
		nodes:     map[int64]models.Node{},
		journeys:  map[string]models.Journey{},
		responses: map[int64]models.TaskResponse{},
		chats:     map[int64]models.Chat{},
	}
}

func (s *memStore) next() int64 { s.seq++; return s.seq }

func (s *memStore) fail(method string) error {
	if s.failOn == method {
		return errForced
	}
	return nil
}

func (s *memStore) snapshot() *memStore {
	cp := *s
	cp.projects = copyMap(s.projects)
	cp.hits = copyMap(s.hits)
	cp.hitSeq = copyMap(s.hitSeq)
	cp.instances = copyMap(s.instances)
	cp.nodes = copyMap(s.nodes)
	cp.journeys = copyMap(s.journeys)
	cp.responses = copyMap(s.responses)
	cp.chats = copyMap(s.chats)
	cp.messages = append([]models.ChatMessage(nil), s.messages...)
	return &cp
}

func copyMap[K comparable, V any](m map[K]V) map[K]V {
	out := make(map[K]V, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func (s *memStore) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	s.txs++
	snap := s.snapshot()
	if err := fn(s); err != nil {
		failOn, txs := s.failOn, s.txs
		*s = *snap
		s.failOn, s.txs = failOn, txs
		return err
	}
	return nil
}

func (s *memStore) GetProject(_ context.Context, id []byte) (*models.Project, error) {
	p, ok := s.projects[string(id)]
	if !ok {
		return nil, nil
	}
	return &p, nil
}

func (s *memStore) UpsertProject(_ context.Context, p *models.Project) error {
	if existing, ok := s.projects[string(p.ID)]; ok {
		p.CreatedAt = existing.CreatedAt
	}
	s.projects[string(p.ID)] = *p
	return nil
}

func (s *memStore) GetHIT(_ context.Context, id []byte) (*models.HIT, error) {
	h, ok := s.hits[string(id)]
	if !ok {
		return nil, nil
	}
	return &h, nil
}

func (s *memStore) UpsertHIT(_ context.Context, h *models.HIT) error {
	for id, other := range s.hits {
		if id != string(h.ID) && string(other.ProjectID) == string(h.ProjectID) && other.Name == h.Name {
			return errors.New("UNIQUE constraint failed: hits.project_id, hits.name")
		}
	}
	if _, ok := s.hitSeq[string(h.ID)]; !ok {
		s.hitSeq[string(h.ID)] = int(s.next())
	}
	s.hits[string(h.ID)] = *h
	return nil
}

func (s *memStore) ListHITs(_ context.Context, projectID []byte) ([]*models.HIT, error) {
	var out []*models.HIT
	for _, h := range s.hits {
		if string(h.ProjectID) == string(projectID) {
			h := h
			out = append(out, &h)
		}
	}
	sort.Slice(out, func(i, j int) bool { return s.hitSeq[string(out[i].ID)] < s.hitSeq[string(out[j].ID)] })
	return out, nil
}

func (s *memStore) GetInstance(_ context.Context, id []byte) (*models.HITInstance, error) {
	inst, ok := s.instances[string(id)]
	if !ok {
		return nil, nil
	}
	return &inst, nil
}

func (s *memStore) GetInstanceByPreview(_ context.Context, previewID []byte) (*models.HITInstance, error) {
	for _, inst := range s.instances {
		if string(inst.PreviewID) == string(previewID) {
			inst := inst
			return &inst, nil
		}
	}
	return nil, nil
}

func (s *memStore) InsertInstance(_ context.Context, inst *models.HITInstance) error {
	if _, ok := s.instances[string(inst.ID)]; ok {
		return errors.New("UNIQUE constraint failed: hit_instances.id")
	}
	s.instances[string(inst.ID)] = *inst
	return nil
}

func (s *memStore) ListInstances(_ context.Context, hitID []byte) ([]*models.HITInstance, error) {
	var out []*models.HITInstance
	for _, inst := range s.instances {
		if string(inst.HITID) == string(hitID) {
			inst := inst
			out = append(out, &inst)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out, nil
}

func (s *memStore) MarkInstanceSubmitted(_ context.Context, id []byte, at time.Time) (bool, error) {
	inst, ok := s.instances[string(id)]
	if !ok || inst.Submitted {
		return false, nil
	}
	inst.Submitted = true
	inst.SubmittedAt = &at
	s.instances[string(id)] = inst
	return true, nil
}

func (s *memStore) GetNode(_ context.Context, id int64) (*models.Node, error) {
	n, ok := s.nodes[id]
	if !ok {
		return nil, nil
	}
	return &n, nil
}

func (s *memStore) UpsertTemplateNode(ctx context.Context, n *models.Node) (int64, error) {
	for id, existing := range s.nodes {
		if existing.HITID != nil && string(existing.HITID) == string(n.HITID) && existing.Name == n.Name {
			existing.Order = n.Order
			existing.Spec = n.Spec
			s.nodes[id] = existing
			n.ID = id
			return id, nil
		}
	}
	return s.InsertNode(ctx, n)
}

func (s *memStore) InsertNode(_ context.Context, n *models.Node) (int64, error) {
	n.ID = s.next()
	if n.Status == "" {
		n.Status = models.NodeIdle
	}
	s.nodes[n.ID] = *n
	return n.ID, nil
}

func (s *memStore) InstanceNodes(_ context.Context, instanceID []byte) ([]*models.Node, error) {
	inst, ok := s.instances[string(instanceID)]
	var template, local []*models.Node
	for _, n := range s.nodes {
		n := n
		switch {
		case ok && n.HITID != nil && string(n.HITID) == string(inst.HITID):
			template = append(template, &n)
		case n.InstanceID != nil && string(n.InstanceID) == string(instanceID):
			local = append(local, &n)
		}
	}
	for _, list := range [][]*models.Node{template, local} {
		sort.Slice(list, func(i, j int) bool {
			if list[i].Order != list[j].Order {
				return list[i].Order < list[j].Order
			}
			if !list[i].CreatedAt.Equal(list[j].CreatedAt) {
				return list[i].CreatedAt.Before(list[j].CreatedAt)
			}
			return list[i].ID < list[j].ID
		})
	}
	return append(template, local...), nil
}

func (s *memStore) SetNodeStatus(_ context.Context, id int64, status models.NodeStatus) error {
	if err := s.fail("SetNodeStatus"); err != nil {
		return err
	}
	n, ok := s.nodes[id]
	if !ok {
		return nil
	}
	n.Status = status
	s.nodes[id] = n
	return nil
}

func (s *memStore) GetJourney(_ context.Context, id []byte) (*models.Journey, error) {
	j, ok := s.journeys[string(id)]
	if !ok {
		return nil, nil
	}
	j.NodeIDs = append([]int64(nil), j.NodeIDs...)
	return &j, nil
}

func (s *memStore) InsertJourney(_ context.Context, j *models.Journey) error {
	s.journeys[string(j.ID)] = *j
	return nil
}

func (s *memStore) ListJourneys(_ context.Context, instanceID []byte) ([]*models.Journey, error) {
	var out []*models.Journey
	for _, j := range s.journeys {
		if string(j.InstanceID) == string(instanceID) {
			j := j
			out = append(out, &j)
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].Index < out[k].Index })
	return out, nil
}

func (s *memStore) SetJourneyNode(_ context.Context, id []byte, nodeID *int64) error {
	j, ok := s.journeys[string(id)]
	if !ok {
		return nil
	}
	if nodeID != nil {
		v := *nodeID
		nodeID = &v
	}
	j.CurrNodeID = nodeID
	s.journeys[string(id)] = j
	return nil
}

func (s *memStore) CountJourneysAt(_ context.Context, nodeID int64, exclude []byte) (int, error) {
	n := 0
	for id, j := range s.journeys {
		if j.CurrNodeID != nil && *j.CurrNodeID == nodeID && id != string(exclude) {
			n++
		}
	}
	return n, nil
}

func (s *memStore) GetResponse(_ context.Context, id int64) (*models.TaskResponse, error) {
	r, ok := s.responses[id]
	if !ok {
		return nil, nil
	}
	return &r, nil
}

func (s *memStore) LatestResponse(_ context.Context, instanceID []byte, nodeID int64) (*models.TaskResponse, error) {
	var best *models.TaskResponse
	for _, r := range s.responses {
		if string(r.InstanceID) != string(instanceID) || r.NodeID != nodeID {
			continue
		}
		if best == nil || r.Index > best.Index {
			r := r
			best = &r
		}
	}
	return best, nil
}

func (s *memStore) InsertResponse(_ context.Context, r *models.TaskResponse) (int64, error) {
	r.ID = s.next()
	s.responses[r.ID] = *r
	return r.ID, nil
}

func (s *memStore) UpdateResponseState(_ context.Context, id int64, state json.RawMessage) error {
	if err := s.fail("UpdateResponseState"); err != nil {
		return err
	}
	r, ok := s.responses[id]
	if !ok || r.Submitted {
		return nil
	}
	r.State = state
	s.responses[id] = r
	return nil
}

func (s *memStore) SubmitResponse(_ context.Context, id int64, data json.RawMessage, at time.Time) error {
	r, ok := s.responses[id]
	if !ok || r.Submitted {
		return nil
	}
	r.Data = data
	r.Submitted = true
	r.SubmittedAt = &at
	s.responses[id] = r
	return nil
}

func (s *memStore) GetChat(_ context.Context, id int64) (*models.Chat, error) {
	c, ok := s.chats[id]
	if !ok {
		return nil, nil
	}
	return &c, nil
}

func (s *memStore) GetChatByInstance(_ context.Context, instanceID []byte) (*models.Chat, error) {
	for _, c := range s.chats {
		if string(c.InstanceID) == string(instanceID) {
			c := c
			return &c, nil
		}
	}
	return nil, nil
}

func (s *memStore) InsertChat(_ context.Context, c *models.Chat) (int64, error) {
	c.ID = s.next()
	s.chats[c.ID] = *c
	return c.ID, nil
}

func (s *memStore) AppendChatMessage(_ context.Context, m *models.ChatMessage) (int64, error) {
	if err := s.fail("AppendChatMessage"); err != nil {
		return 0, err
	}
	m.ID = s.next()
	s.messages = append(s.messages, *m)
	return m.ID, nil
}

func (s *memStore) ListChatMessages(_ context.Context, chatID int64) ([]*models.ChatMessage, error) {
	var out []*models.ChatMessage
	for _, m := range s.messages {
		if m.ChatID == chatID {
			m := m
			out = append(out, &m)
		}
	}
	return out, nil
}
