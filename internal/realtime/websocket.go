package realtime

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/soaringjerry/covfee/internal/ids"
	"github.com/soaringjerry/covfee/internal/logging"
	"github.com/soaringjerry/covfee/internal/middleware"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 << 10
)

var (
	ErrConnClosed   = errors.New("connection closed")
	ErrSlowConsumer = errors.New("send queue full")
)

// wsConn queues outbound frames for a single writer goroutine.
type wsConn struct {
	id   string
	ws   *websocket.Conn
	send chan Envelope

	once sync.Once
	done chan struct{}
}

func newWSConn(ws *websocket.Conn, buffer int) *wsConn {
	if buffer <= 0 {
		buffer = 64
	}
	return &wsConn{id: uuid.NewString(), ws: ws, send: make(chan Envelope, buffer), done: make(chan struct{})}
}

func (c *wsConn) ID() string { return c.id }

// Send never blocks. A client that cannot keep up is disconnected.
func (c *wsConn) Send(env Envelope) error {
	select {
	case <-c.done:
		return ErrConnClosed
	default:
	}
	select {
	case c.send <- env:
		return nil
	default:
		c.close()
		return ErrSlowConsumer
	}
}

func (c *wsConn) close() {
	c.once.Do(func() { close(c.done) })
}

func (c *wsConn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
	}()
	for {
		select {
		case env := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteJSON(env); err != nil {
				c.close()
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.close()
				return
			}
		case <-c.done:
			_ = c.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
			return
		}
	}
}

// Handler upgrades authenticated requests and runs one gateway session per
// connection.
type Handler struct {
	gateway    *Gateway
	auth       *middleware.Authenticator
	upgrader   websocket.Upgrader
	sendBuffer int
	log        *logging.Logger
}

func NewHandler(g *Gateway, auth *middleware.Authenticator, origins []string, sendBuffer int, log *logging.Logger) *Handler {
	if log == nil {
		log = logging.NopLogger()
	}
	return &Handler{
		gateway: g,
		auth:    auth,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				return middleware.OriginAllowed(origins, r.Header.Get("Origin"))
			},
		},
		sendBuffer: sendBuffer,
		log:        log.WithComponent("websocket"),
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	id, err := h.identify(r)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Debug("upgrade failed", "error", err)
		return
	}
	conn := newWSConn(ws, h.sendBuffer)
	go conn.writePump()

	ctx := r.Context()
	s := h.gateway.Connect(conn, id)
	defer func() {
		h.gateway.Disconnect(ctx, s)
		conn.close()
	}()

	ws.SetReadLimit(maxMessageSize)
	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error { return ws.SetReadDeadline(time.Now().Add(pongWait)) })
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.log.Debug("read failed", "conn_id", conn.ID(), "error", err)
			}
			return
		}
		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			h.gateway.reportError(s, Envelope{NS: NSDefault}, fmt.Errorf("%w: malformed frame", ErrProtocol))
			continue
		}
		h.gateway.Handle(ctx, s, env)
	}
}

func (h *Handler) identify(r *http.Request) (Identity, error) {
	tok := middleware.BearerToken(r)
	if tok == "" {
		return Identity{}, errors.New("missing token")
	}
	claims, err := h.auth.ParseToken(tok)
	if err != nil {
		return Identity{}, err
	}
	id := Identity{Subject: claims.Subject, Admin: claims.Admin}
	if claims.JourneyID != "" {
		if id.JourneyID, err = ids.ParseHex(claims.JourneyID); err != nil {
			return Identity{}, err
		}
	}
	if !id.Admin && id.JourneyID == nil {
		return Identity{}, errors.New("token grants no journey")
	}
	return id, nil
}
