package services

import (
	"context"
	"testing"

	"github.com/soaringjerry/covfee/internal/ids"
	"github.com/soaringjerry/covfee/internal/models"
)

var _ Store = (*memStore)(nil)

const testSecret = "abc"

func testLinks() models.Links {
	return models.Links{APIURL: "http://api", AppURL: "http://app"}
}

type fixture struct {
	store     *memStore
	projects  *ProjectService
	instances *InstanceService
	journeys  *JourneyService
	responses *ResponseService
	chats     *ChatService
	result    *ImportResult
}

// testProject has one HIT with two shared nodes, one instance node and two
// instances (one default journey each).
func testProject() *ProjectFile {
	return &ProjectFile{
		ID:   "proj",
		Name: "Project",
		HITs: []HITFile{{
			ID:     "hit",
			Name:   "HIT",
			Type:   "annotation",
			Repeat: 2,
			Nodes: []NodeFile{
				{Name: "counter", Type: "IncrementCounterTask"},
				{Name: "chat", Type: "ChatTask"},
			},
			InstanceNodes: []NodeFile{{Name: "survey", Type: "QuestionnaireTask"}},
		}},
	}
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := newMemStore()
	secret := func() string { return testSecret }
	f := &fixture{store: store}
	f.instances = NewInstanceService(store, testLinks(), secret)
	f.projects = NewProjectService(store, f.instances, secret)
	f.journeys = NewJourneyService(store)
	f.responses = NewResponseService(store)
	f.chats = NewChatService(store)
	res, err := f.projects.Import(context.Background(), testProject())
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	f.result = res
	return f
}

func (f *fixture) hitHash() string {
	return ids.HITHashstr(ids.ProjectHashstr("proj", testSecret), "hit")
}

func (f *fixture) instanceID(i int) []byte {
	return ids.InstanceID(f.hitHash(), i)
}

func (f *fixture) journeyID(i int) []byte {
	return ids.JourneyID(f.instanceID(i), 0)
}

// node returns the node named name as seen from instance i.
func (f *fixture) node(t *testing.T, i int, name string) *models.Node {
	t.Helper()
	nodes, err := f.store.InstanceNodes(context.Background(), f.instanceID(i))
	if err != nil {
		t.Fatalf("instance nodes: %v", err)
	}
	for _, n := range nodes {
		if n.Name == name {
			return n
		}
	}
	t.Fatalf("node %q not found in instance %d", name, i)
	return nil
}

func (f *fixture) status(t *testing.T, id int64) models.NodeStatus {
	t.Helper()
	n, err := f.store.GetNode(context.Background(), id)
	if err != nil || n == nil {
		t.Fatalf("get node %d: %v", id, err)
	}
	return n.Status
}
