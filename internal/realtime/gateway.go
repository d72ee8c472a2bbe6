// Package realtime is the event gateway between connected clients, the
// shared state store and the journey sequencer.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/soaringjerry/covfee/internal/ids"
	"github.com/soaringjerry/covfee/internal/logging"
	"github.com/soaringjerry/covfee/internal/models"
	"github.com/soaringjerry/covfee/internal/services"
	"github.com/soaringjerry/covfee/internal/sharedstate"
	"github.com/soaringjerry/covfee/internal/tasks"
)

// ErrProtocol marks frames the gateway cannot interpret or that arrive out
// of order, such as an action before join.
var ErrProtocol = errors.New("protocol violation")

type Journeys interface {
	Journey(ctx context.Context, id []byte) (*models.Journey, error)
	Resolve(ctx context.Context, journeyID []byte, nodeID int64) (*models.Journey, *models.Node, error)
	SetCurrNode(ctx context.Context, journeyID []byte, nodeID *int64) ([]services.StatusChange, error)
}

type Responses interface {
	Get(ctx context.Context, id int64) (*models.TaskResponse, error)
	SaveState(ctx context.Context, id int64, state json.RawMessage) error
}

type Chats interface {
	Chat(ctx context.Context, id int64) (*models.Chat, error)
	Append(ctx context.Context, chatID int64, message string) (*models.ChatMessage, error)
}

// Identity is the authenticated party behind a connection.
type Identity struct {
	Subject   string
	JourneyID []byte // journey the token was issued for; nil for admins
	Admin     bool
}

// Session is the per-connection context. It lives exactly as long as the
// connection.
type Session struct {
	conn     Conn
	identity Identity
	log      *logging.Logger

	mu         sync.Mutex
	joined     bool
	responseID int64
	journeyID  []byte
	nodeID     int64
	shared     bool // registered in the shared state store
}

func (s *Session) ID() string { return s.conn.ID() }

// Binding reports the (response, journey) pair the session is joined to.
func (s *Session) Binding() (responseID int64, journeyID []byte, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.responseID, s.journeyID, s.joined
}

type Options struct {
	// PersistRetries is the number of attempts to save room state on last leave.
	PersistRetries int
	// CleanupTimeout bounds disconnect cleanup, which outlives the connection.
	CleanupTimeout time.Duration
}

type Gateway struct {
	journeys  Journeys
	responses Responses
	chats     Chats
	store     *sharedstate.Store
	registry  *tasks.Registry
	rooms     Rooms
	log       *logging.Logger
	opts      Options

	mu        sync.Mutex
	nodeRooms map[int64]map[string]int // joined sessions per response room, by node
}

func NewGateway(journeys Journeys, responses Responses, chats Chats, store *sharedstate.Store, registry *tasks.Registry, rooms Rooms, log *logging.Logger, opts Options) *Gateway {
	if opts.PersistRetries <= 0 {
		opts.PersistRetries = 1
	}
	if opts.CleanupTimeout <= 0 {
		opts.CleanupTimeout = 10 * time.Second
	}
	if log == nil {
		log = logging.NopLogger()
	}
	if registry == nil {
		registry = tasks.NewRegistry()
	}
	return &Gateway{
		journeys:  journeys,
		responses: responses,
		chats:     chats,
		store:     store,
		registry:  registry,
		rooms:     rooms,
		log:       log.WithComponent("gateway"),
		opts:      opts,
		nodeRooms: map[int64]map[string]int{},
	}
}

// Connect creates the session of a new connection. Admin connections are
// subscribed to the admin monitoring room.
func (g *Gateway) Connect(conn Conn, id Identity) *Session {
	s := &Session{conn: conn, identity: id, log: g.log.WithConnection(conn.ID())}
	if id.Admin {
		g.rooms.Join(NSAdminChat, AdminRoom, conn)
	}
	s.log.Debug("connected", "subject", id.Subject, "admin", id.Admin)
	return s
}

// Handle dispatches one inbound frame. Failures are reported to the
// connection only.
func (g *Gateway) Handle(ctx context.Context, s *Session, env Envelope) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var err error
	switch {
	case env.NS == NSDefault && env.Event == EventJoin:
		var req JoinRequest
		if err = decode(env.Data, &req); err == nil {
			err = g.join(ctx, s, req)
		}
	case env.NS == NSDefault && env.Event == EventAction:
		var req ActionRequest
		if err = decode(env.Data, &req); err == nil {
			err = g.action(s, req)
		}
	case env.NS == NSDefault && env.Event == EventLeave:
		var req LeaveRequest
		if err = decode(env.Data, &req); err == nil {
			err = g.leave(ctx, s, req)
		}
	case env.NS == NSChat && env.Event == EventJoinChat:
		var req JoinChatRequest
		if err = decode(env.Data, &req); err == nil {
			err = g.joinChat(ctx, s, req)
		}
	case (env.NS == NSChat || env.NS == NSAdminChat) && env.Event == EventMessage:
		var req ChatMessageRequest
		if err = decode(env.Data, &req); err == nil {
			err = g.chatMessage(ctx, s, env.NS, req)
		}
	default:
		err = fmt.Errorf("%w: unknown event %s%s", ErrProtocol, env.NS, env.Event)
	}
	if err != nil {
		g.reportError(s, env, err)
	}
}

// Disconnect performs the cleanup of an implicit leave. It never fails; what
// cannot be cleaned up is logged.
func (g *Gateway) Disconnect(ctx context.Context, s *Session) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), g.opts.CleanupTimeout)
	defer cancel()
	if s.joined {
		if err := g.release(ctx, s, s.shared); err != nil {
			s.log.Warn("disconnect cleanup incomplete", "response_id", s.responseID, "error", err)
		}
	}
	g.rooms.LeaveAll(s.conn)
	s.log.Debug("disconnected")
}

func (g *Gateway) join(ctx context.Context, s *Session, req JoinRequest) error {
	if s.joined {
		return services.NewForbiddenError(fmt.Sprintf("already joined response %d, leave first", s.responseID))
	}
	journeyID, err := ids.ParseHex(req.JourneyID)
	if err != nil {
		return services.NewInvalidError("invalid journeyId")
	}
	if !s.identity.Admin && string(s.identity.JourneyID) != string(journeyID) {
		return services.NewForbiddenError("token does not grant this journey")
	}
	journey, node, err := g.journeys.Resolve(ctx, journeyID, req.NodeID)
	if err != nil {
		return err
	}
	resp, err := g.responses.Get(ctx, req.ResponseID)
	if err != nil {
		return err
	}
	if resp.NodeID != node.ID || string(resp.InstanceID) != string(journey.InstanceID) {
		return services.NewForbiddenError("response does not belong to this node")
	}

	taskType := node.Type()
	var session map[string]any
	if joiner, ok := g.registry.Lookup(taskType).(tasks.Joiner); ok {
		session, err = joiner.OnJoin(ctx, tasks.JoinContext{NodeID: node.ID, ResponseID: resp.ID, JourneyID: ids.Hex(journeyID)})
		if err != nil {
			return services.NewBadGatewayError(err.Error())
		}
	}

	changes, err := g.journeys.SetCurrNode(ctx, journeyID, &node.ID)
	if err != nil {
		return err
	}

	room := responseRoom(resp.ID)
	s.joined, s.responseID, s.journeyID, s.nodeID = true, resp.ID, journeyID, node.ID
	g.track(node.ID, room, 1)
	log := s.log.WithRoom(room)

	var storeErr error
	if req.UseSharedState {
		seed := func() (json.RawMessage, error) {
			fresh, err := g.responses.Get(ctx, resp.ID)
			if err != nil {
				return nil, err
			}
			return fresh.State, nil
		}
		// subscribe and send the snapshot under the room lock so no action
		// lands between them
		_, storeErr = g.store.Join(room, taskType, seed, func(res sharedstate.JoinResult) {
			g.rooms.Join(NSDefault, room, s.conn)
			g.send(s, NSDefault, EventState, res)
		})
		if storeErr == nil {
			s.shared = true
		} else {
			log.Warn("shared state join failed", "error", storeErr)
			g.rooms.Join(NSDefault, room, s.conn)
		}
	} else {
		g.rooms.Join(NSDefault, room, s.conn)
	}

	g.broadcastStatus(changes)
	if session != nil {
		g.send(s, NSDefault, EventSession, session)
	}
	log.Info("joined", "journey_id", req.JourneyID, "node_id", node.ID, "shared", s.shared)
	return storeErr
}

func (g *Gateway) action(s *Session, req ActionRequest) error {
	if !s.joined {
		return fmt.Errorf("%w: action before join", ErrProtocol)
	}
	if req.ResponseID != s.responseID {
		return services.NewForbiddenError("action for a response this connection has not joined")
	}
	if len(req.Action) == 0 {
		return services.NewInvalidError("action required")
	}
	room := responseRoom(s.responseID)
	_, err := g.store.Action(room, req.Action, func(sharedstate.ActionResult) {
		_ = g.rooms.Broadcast(NSDefault, room, EventAction, req.Action)
	})
	return err
}

func (g *Gateway) leave(ctx context.Context, s *Session, req LeaveRequest) error {
	if !s.joined {
		return fmt.Errorf("%w: leave before join", ErrProtocol)
	}
	if req.ResponseID != s.responseID {
		return services.NewForbiddenError("cannot leave a response this connection has not joined")
	}
	// the store registration made at join is released whatever the client
	// claims, or the room would never reach zero connections
	if req.UseSharedState != s.shared {
		s.log.Debug("leave shared flag differs from join", "join", s.shared, "leave", req.UseSharedState)
	}
	return g.release(ctx, s, s.shared)
}

// release leaves the shared state room (persisting on last leave), drops
// room membership, clears the journey pointer and resets the session.
// Every step runs even when an earlier one fails; the failures are joined.
func (g *Gateway) release(ctx context.Context, s *Session, shared bool) error {
	room := responseRoom(s.responseID)
	log := s.log.WithRoom(room)
	var errs []error

	if shared {
		responseID := s.responseID
		res, err := g.store.Leave(room, func(state json.RawMessage) error {
			return g.persist(ctx, log, responseID, state)
		})
		if err != nil {
			log.Error("leave shared state", "error", err)
			errs = append(errs, err)
		} else {
			log.Debug("left shared state", "connections", res.NumConnections)
		}
	}
	g.rooms.Leave(NSDefault, room, s.conn)

	changes, err := g.journeys.SetCurrNode(ctx, s.journeyID, nil)
	if err != nil {
		log.Error("clear journey pointer", "error", err)
		errs = append(errs, err)
	}
	g.broadcastStatus(changes)
	g.track(s.nodeID, room, -1)

	s.joined, s.shared, s.responseID, s.journeyID, s.nodeID = false, false, 0, nil, 0
	return errors.Join(errs...)
}

// persist saves room state, retrying transient failures. A response that no
// longer exists cannot be saved and is dropped.
func (g *Gateway) persist(ctx context.Context, log *logging.Logger, responseID int64, state json.RawMessage) error {
	var err error
	for attempt := 1; attempt <= g.opts.PersistRetries; attempt++ {
		err = g.responses.SaveState(ctx, responseID, state)
		if err == nil {
			return nil
		}
		if services.IsCode(err, services.ErrorNotFound) {
			log.Warn("dropping state of deleted response", "response_id", responseID)
			return nil
		}
		if _, ok := services.AsServiceError(err); ok {
			return err
		}
		log.Warn("persist state failed", "attempt", attempt, "error", err)
		if ctx.Err() != nil {
			break
		}
	}
	return err
}

func (g *Gateway) joinChat(ctx context.Context, s *Session, req JoinChatRequest) error {
	chat, err := g.authorizeChat(ctx, s, req.ChatID)
	if err != nil {
		return err
	}
	g.rooms.Join(NSChat, chatRoom(chat.ID), s.conn)
	return nil
}

// chatMessage appends to the chat log and fans the message out to the chat
// room and the admin room.
func (g *Gateway) chatMessage(ctx context.Context, s *Session, ns string, req ChatMessageRequest) error {
	if ns == NSAdminChat && !s.identity.Admin {
		return services.NewForbiddenError("admin only")
	}
	chat, err := g.authorizeChat(ctx, s, req.ChatID)
	if err != nil {
		return err
	}
	msg, err := g.chats.Append(ctx, chat.ID, req.Message)
	if err != nil {
		return err
	}
	view := models.NewChatMessageView(msg)
	if err := g.rooms.Broadcast(NSChat, chatRoom(chat.ID), EventMessage, view); err != nil {
		return err
	}
	return g.rooms.Broadcast(NSAdminChat, AdminRoom, EventMessage, view)
}

func (g *Gateway) authorizeChat(ctx context.Context, s *Session, chatID int64) (*models.Chat, error) {
	if chatID == 0 {
		return nil, services.NewInvalidError("chatId required")
	}
	chat, err := g.chats.Chat(ctx, chatID)
	if err != nil {
		return nil, err
	}
	if s.identity.Admin {
		return chat, nil
	}
	j, err := g.journeys.Journey(ctx, s.identity.JourneyID)
	if err != nil {
		return nil, err
	}
	if string(j.InstanceID) != string(chat.InstanceID) {
		return nil, services.NewForbiddenError("chat belongs to another instance")
	}
	return chat, nil
}

// broadcastStatus sends each change to the response rooms joined at the
// node it describes.
func (g *Gateway) broadcastStatus(changes []services.StatusChange) {
	for _, c := range changes {
		ev := StatusEvent{NodeID: c.NodeID, Prev: c.Prev, New: c.New}
		for _, room := range g.roomsAt(c.NodeID) {
			_ = g.rooms.Broadcast(NSDefault, room, EventStatus, ev)
		}
	}
}

func (g *Gateway) track(nodeID int64, room string, delta int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	rooms := g.nodeRooms[nodeID]
	if rooms == nil {
		rooms = map[string]int{}
		g.nodeRooms[nodeID] = rooms
	}
	if rooms[room] += delta; rooms[room] <= 0 {
		delete(rooms, room)
	}
	if len(rooms) == 0 {
		delete(g.nodeRooms, nodeID)
	}
}

func (g *Gateway) roomsAt(nodeID int64) []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]string, 0, len(g.nodeRooms[nodeID]))
	for room := range g.nodeRooms[nodeID] {
		out = append(out, room)
	}
	sort.Strings(out)
	return out
}

func (g *Gateway) send(s *Session, ns, event string, data any) {
	env, err := encode(ns, event, data)
	if err != nil {
		s.log.Error("encode event", "event", event, "error", err)
		return
	}
	if err := s.conn.Send(env); err != nil {
		s.log.Debug("send dropped", "event", event, "error", err)
	}
}

func (g *Gateway) reportError(s *Session, env Envelope, err error) {
	code, msg := errorCode(err)
	if code == "internal" {
		s.log.Error("event failed", "ns", env.NS, "event", env.Event, "error", err)
	} else {
		s.log.Debug("event rejected", "ns", env.NS, "event", env.Event, "code", code, "error", err)
	}
	g.send(s, env.NS, EventError, ErrorEvent{Event: env.Event, Code: code, Message: msg})
}

func errorCode(err error) (string, string) {
	if se, ok := services.AsServiceError(err); ok {
		return string(se.Code), se.Message
	}
	switch {
	case errors.Is(err, sharedstate.ErrInvalidAction):
		return "invalid_action", err.Error()
	case errors.Is(err, sharedstate.ErrRoomNotFound):
		return "room_not_found", err.Error()
	case errors.Is(err, ErrProtocol):
		return "protocol", err.Error()
	}
	return "internal", "internal error"
}

func decode(data json.RawMessage, v any) error {
	if len(data) == 0 {
		return fmt.Errorf("%w: missing payload", ErrProtocol)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: malformed payload: %v", ErrProtocol, err)
	}
	return nil
}

func responseRoom(id int64) string { return strconv.FormatInt(id, 10) }

func chatRoom(id int64) string { return strconv.FormatInt(id, 10) }
