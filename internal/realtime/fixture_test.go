package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/soaringjerry/covfee/internal/db"
	"github.com/soaringjerry/covfee/internal/ids"
	"github.com/soaringjerry/covfee/internal/logging"
	"github.com/soaringjerry/covfee/internal/models"
	"github.com/soaringjerry/covfee/internal/services"
	"github.com/soaringjerry/covfee/internal/sharedstate"
	"github.com/soaringjerry/covfee/internal/tasks"
)

const testSecret = "abc"

// fakeConn records every frame it is sent.
type fakeConn struct {
	id string

	mu     sync.Mutex
	frames []Envelope
}

func newFakeConn(id string) *fakeConn { return &fakeConn{id: id} }

func (c *fakeConn) ID() string { return c.id }

func (c *fakeConn) Send(env Envelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames = append(c.frames, env)
	return nil
}

func (c *fakeConn) Frames() []Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Envelope(nil), c.frames...)
}

func (c *fakeConn) Events() []string {
	var out []string
	for _, f := range c.Frames() {
		out = append(out, f.Event)
	}
	return out
}

// lastError decodes the most recent error event.
func (c *fakeConn) lastError(t *testing.T) ErrorEvent {
	t.Helper()
	frames := c.Frames()
	for i := len(frames) - 1; i >= 0; i-- {
		if frames[i].Event == EventError {
			var ev ErrorEvent
			require.NoError(t, json.Unmarshal(frames[i].Data, &ev))
			return ev
		}
	}
	t.Fatalf("no error event in %v", c.Events())
	return ErrorEvent{}
}

type broadcastCall struct {
	NS, Room, Event string
	Data            []byte
}

// recordingRooms records Broadcast calls and forwards everything to a Hub.
type recordingRooms struct {
	*Hub

	mu    sync.Mutex
	calls []broadcastCall
}

func (r *recordingRooms) Broadcast(ns, room, event string, data any) error {
	b, err := json.Marshal(data)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.calls = append(r.calls, broadcastCall{NS: ns, Room: room, Event: event, Data: b})
	r.mu.Unlock()
	return r.Hub.Broadcast(ns, room, event, data)
}

func (r *recordingRooms) Calls(event string) []broadcastCall {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []broadcastCall
	for _, c := range r.calls {
		if c.Event == event {
			out = append(out, c)
		}
	}
	return out
}

type stubCalls struct {
	err error
}

func (c stubCalls) CreateSession(_ context.Context, customID string) (string, error) {
	if c.err != nil {
		return "", c.err
	}
	return customID, nil
}

func (c stubCalls) CreateConnectionToken(_ context.Context, sessionID, data string) (string, error) {
	return "tok-" + sessionID + "-" + data[:8], nil
}

// flakyResponses fails the first n SaveState calls.
type flakyResponses struct {
	*services.ResponseService

	mu    sync.Mutex
	fails int
	calls int
}

func (f *flakyResponses) SaveState(ctx context.Context, id int64, state json.RawMessage) error {
	f.mu.Lock()
	f.calls++
	fail := f.calls <= f.fails
	f.mu.Unlock()
	if fail {
		return errors.New("database is locked")
	}
	return f.ResponseService.SaveState(ctx, id, state)
}

type fixture struct {
	store     *db.SQLiteStore
	journeys  *services.JourneyService
	responses *flakyResponses
	chats     *services.ChatService
	shared    *sharedstate.Store
	rooms     *recordingRooms
	gateway   *Gateway
}

type fixtureOptions struct {
	calls      tasks.CallProvisioner
	saveFails  int
	persistTry int
}

// testProject has one HIT with two template nodes and two journeys per
// instance, so two subjects of one instance share every response.
func testProject() *services.ProjectFile {
	both := []string{"counter", "call"}
	return &services.ProjectFile{
		ID:   "proj",
		Name: "Project",
		HITs: []services.HITFile{{
			ID:     "hit",
			Repeat: 2,
			Nodes: []services.NodeFile{
				{Name: "counter", Type: "IncrementCounterTask"},
				{Name: "call", Type: "VideocallTask"},
			},
			Journeys: []services.JourneyFile{{Nodes: both}, {Nodes: both}},
		}},
	}
}

func newFixture(t *testing.T, opts fixtureOptions) *fixture {
	t.Helper()
	store, err := db.Open(filepath.Join(t.TempDir(), "covfee.db"), "")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	secret := func() string { return testSecret }
	instances := services.NewInstanceService(store, models.Links{}, secret)
	_, err = services.NewProjectService(store, instances, secret).Import(context.Background(), testProject())
	require.NoError(t, err)

	calls := opts.calls
	if calls == nil {
		calls = stubCalls{}
	}
	if opts.persistTry == 0 {
		opts.persistTry = 3
	}
	f := &fixture{
		store:     store,
		journeys:  services.NewJourneyService(store),
		responses: &flakyResponses{ResponseService: services.NewResponseService(store), fails: opts.saveFails},
		chats:     services.NewChatService(store),
		rooms:     &recordingRooms{Hub: NewHub()},
	}
	registry := tasks.DefaultRegistry(calls)
	f.shared = sharedstate.NewStore(registry)
	f.gateway = NewGateway(f.journeys, f.responses, f.chats, f.shared, registry, f.rooms, logging.NopLogger(),
		Options{PersistRetries: opts.persistTry})
	return f
}

func instanceID(i int) []byte {
	return ids.InstanceID(ids.HITHashstr(ids.ProjectHashstr("proj", testSecret), "hit"), i)
}

func journeyID(inst, j int) []byte { return ids.JourneyID(instanceID(inst), j) }

func subject(inst, j int) Identity {
	id := journeyID(inst, j)
	return Identity{Subject: "journey:" + ids.Hex(id), JourneyID: id}
}

func admin() Identity { return Identity{Subject: "admin", Admin: true} }

func (f *fixture) node(t *testing.T, name string) *models.Node {
	t.Helper()
	nodes, err := f.store.InstanceNodes(context.Background(), instanceID(0))
	require.NoError(t, err)
	for _, n := range nodes {
		if n.Name == name {
			return n
		}
	}
	t.Fatalf("node %q not found", name)
	return nil
}

func (f *fixture) response(t *testing.T, inst int, nodeID int64) *models.TaskResponse {
	t.Helper()
	r, err := f.responses.LatestOrCreate(context.Background(), instanceID(inst), nodeID)
	require.NoError(t, err)
	return r
}

func (f *fixture) status(t *testing.T, nodeID int64) models.NodeStatus {
	t.Helper()
	n, err := f.store.GetNode(context.Background(), nodeID)
	require.NoError(t, err)
	return n.Status
}

func (f *fixture) connect(id string, who Identity) (*fakeConn, *Session) {
	c := newFakeConn(id)
	return c, f.gateway.Connect(c, who)
}

func (f *fixture) emit(t *testing.T, s *Session, ns, event string, data any) {
	t.Helper()
	b, err := json.Marshal(data)
	require.NoError(t, err)
	f.gateway.Handle(context.Background(), s, Envelope{NS: ns, Event: event, Data: b})
}

func (f *fixture) join(t *testing.T, s *Session, inst, j int, nodeID, responseID int64, shared bool) {
	t.Helper()
	f.emit(t, s, NSDefault, EventJoin, JoinRequest{
		JourneyID:      ids.Hex(journeyID(inst, j)),
		NodeID:         nodeID,
		ResponseID:     responseID,
		UseSharedState: shared,
	})
}

func (f *fixture) action(t *testing.T, s *Session, responseID int64, action string) {
	t.Helper()
	f.emit(t, s, NSDefault, EventAction, ActionRequest{ResponseID: responseID, Action: json.RawMessage(action)})
}

func (f *fixture) leave(t *testing.T, s *Session, responseID int64, shared bool) {
	t.Helper()
	f.emit(t, s, NSDefault, EventLeave, LeaveRequest{ResponseID: responseID, UseSharedState: shared})
}

func roomOf(id int64) string { return fmt.Sprint(id) }
