// Package realtime is the WebSocket transport: it authenticates the
// handshake, keeps one write pump and one read pump per connection, drives
// per-connection heartbeats and implements the room multicast groups.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/HernanFAR/PrivateChat/internal/chat/room"
	"github.com/HernanFAR/PrivateChat/internal/chat/session"
	"github.com/HernanFAR/PrivateChat/internal/config"
	"github.com/HernanFAR/PrivateChat/internal/identity"
)

// EventReceiveMessage is the only event type the server emits.
const EventReceiveMessage = "ReceiveMessage"

const (
	writeWait      = 10 * time.Second
	maxInboundSize = 512
	// CloseUnauthorized is the close code sent when a connection is aborted
	// after its credential failed validation or its session was reaped.
	CloseUnauthorized = 4001
)

// ErrUnknownConnection is returned when joining a group with a connection the hub does not hold.
var ErrUnknownConnection = errors.New("unknown connection")

// Hooks is the capability set the hub drives for every connection.
type Hooks interface {
	// OnConnect is called once the handshake succeeded. A non-nil error
	// closes the connection.
	OnConnect(ctx context.Context, userID, name string, conn session.ConnID) error
	// OnDisconnect is called exactly once after the connection is gone and
	// has been removed from every group.
	OnDisconnect(ctx context.Context, userID string, conn session.ConnID, cause error)
	// OnHeartbeat is called on every heartbeat tick; returning true aborts the connection.
	OnHeartbeat(ctx context.Context, conn session.ConnID) bool
}

// Authenticator validates the bearer token of a handshake.
type Authenticator interface {
	Verify(token string) (identity.Identity, error)
}

// Event is the wire form of a ReceiveMessage event.
type Event struct {
	Type string `json:"type"`
	room.Message
}

// Hub holds every live connection and the room groups they subscribe to.
// All methods are safe for concurrent use.
type Hub struct {
	auth      Authenticator
	logger    *zap.Logger
	heartbeat time.Duration
	buffer    int
	upgrader  websocket.Upgrader

	mu     sync.RWMutex
	conns  map[session.ConnID]*client
	groups map[string]map[session.ConnID]*client
	closed bool

	wg sync.WaitGroup
}

var _ room.Groups = (*Hub)(nil)

// NewHub creates a Hub.
//
// Precondition: cfg must have passed config validation; auth and logger must be non-nil.
func NewHub(cfg config.PresenceConfig, auth Authenticator, logger *zap.Logger) *Hub {
	return &Hub{
		auth:      auth,
		logger:    logger,
		heartbeat: cfg.HeartbeatInterval,
		buffer:    cfg.SendBuffer,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		conns:  make(map[session.ConnID]*client),
		groups: make(map[string]map[session.ConnID]*client),
	}
}

// Handler returns the realtime endpoint bound to hooks.
func (h *Hub) Handler(hooks Hooks) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h.serve(hooks, w, r)
	})
}

func (h *Hub) serve(hooks Hooks, w http.ResponseWriter, r *http.Request) {
	id, err := h.auth.Verify(BearerToken(r))
	if err != nil {
		h.logger.Debug("realtime handshake rejected", zap.Error(err))
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("upgrading connection", zap.Error(err))
		return
	}

	connID := session.ConnID(uuid.NewString())
	c := &client{
		id:     connID,
		userID: id.ID,
		ws:     ws,
		out:    newOutbox(connID, h.buffer),
	}
	if err := h.register(c); err != nil {
		_ = ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
			time.Now().Add(writeWait))
		_ = ws.Close()
		return
	}
	defer h.wg.Done()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := hooks.OnConnect(ctx, id.ID, id.Name, c.id); err != nil {
		h.unregister(c)
		h.logger.Info("connection refused",
			zap.String("user", id.ID),
			zap.Error(err),
		)
		_ = ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, err.Error()),
			time.Now().Add(writeWait))
		_ = ws.Close()
		return
	}

	writeDone := make(chan struct{})
	go func() {
		defer close(writeDone)
		h.writePump(ctx, hooks, c)
	}()
	cause := h.readPump(c)

	h.unregister(c)
	<-writeDone
	_ = ws.Close()

	dctx, dcancel := context.WithTimeout(context.Background(), writeWait)
	defer dcancel()
	hooks.OnDisconnect(dctx, c.userID, c.id, cause)
}

// readPump consumes inbound frames until the connection fails. Clients send
// commands over HTTP, so inbound data frames are discarded.
func (h *Hub) readPump(c *client) error {
	pongWait := 2 * h.heartbeat
	c.ws.SetReadLimit(maxInboundSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.ws.ReadMessage(); err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return err
		}
	}
}

// writePump is the only writer of c.ws. It delivers queued events and, on
// every heartbeat tick, either aborts the connection or pings it.
func (h *Hub) writePump(ctx context.Context, hooks Hooks, c *client) {
	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case data, ok := <-c.out.Events():
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.ws.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
				_ = c.ws.Close()
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				_ = c.ws.Close()
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if hooks.OnHeartbeat(ctx, c.id) {
				_ = c.ws.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(CloseUnauthorized, "unauthorized"))
				_ = c.ws.Close()
				return
			}
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				_ = c.ws.Close()
				return
			}
		}
	}
}

// register adds c to the hub and counts it in h.wg.
//
// Postcondition: on success the caller must call h.wg.Done once it has
// finished with c.
func (h *Hub) register(c *client) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return errors.New("hub is closed")
	}
	h.wg.Add(1)
	h.conns[c.id] = c
	return nil
}

// unregister drops c from the hub and every group and closes its outbox.
func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	delete(h.conns, c.id)
	for roomID, members := range h.groups {
		delete(members, c.id)
		if len(members) == 0 {
			delete(h.groups, roomID)
		}
	}
	h.mu.Unlock()
	c.out.Close()
}

// Join subscribes conn to roomID.
func (h *Hub) Join(ctx context.Context, conn session.ConnID, roomID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	c, ok := h.conns[conn]
	if !ok {
		return fmt.Errorf("joining %q with %s: %w", roomID, conn, ErrUnknownConnection)
	}
	if h.groups[roomID] == nil {
		h.groups[roomID] = make(map[session.ConnID]*client)
	}
	h.groups[roomID][conn] = c
	return nil
}

// Leave unsubscribes conn from roomID.
func (h *Hub) Leave(ctx context.Context, conn session.ConnID, roomID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if members, ok := h.groups[roomID]; ok {
		delete(members, conn)
		if len(members) == 0 {
			delete(h.groups, roomID)
		}
	}
	return nil
}

// Broadcast queues msg for every subscriber of roomID except the listed
// connections. Delivery is best effort: a subscriber with a full buffer
// misses the event.
func (h *Hub) Broadcast(ctx context.Context, roomID string, msg room.Message, except ...session.ConnID) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(Event{Type: EventReceiveMessage, Message: msg})
	if err != nil {
		return fmt.Errorf("encoding event: %w", err)
	}

	h.mu.RLock()
	targets := make([]*client, 0, len(h.groups[roomID]))
	for id, c := range h.groups[roomID] {
		if !excluded(id, except) {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range targets {
		if err := c.out.Push(data); err != nil {
			h.logger.Warn("dropping event",
				zap.String("room", roomID),
				zap.String("conn", string(c.id)),
				zap.Error(err),
			)
		}
	}
	return nil
}

// Subscribers returns the connections subscribed to roomID.
func (h *Hub) Subscribers(roomID string) []session.ConnID {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]session.ConnID, 0, len(h.groups[roomID]))
	for id := range h.groups[roomID] {
		out = append(out, id)
	}
	return out
}

// ConnectionCount returns the number of live connections.
func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// Close refuses new connections, closes every live connection and waits for
// their disconnect hooks to finish or ctx to be done.
func (h *Hub) Close(ctx context.Context) error {
	h.mu.Lock()
	h.closed = true
	clients := make([]*client, 0, len(h.conns))
	for _, c := range h.conns {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		c.out.Close()
	}

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// BearerToken extracts the token from the Authorization header, or from the
// access_token query parameter used by browser WebSocket clients.
func BearerToken(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); auth != "" {
		if token, ok := strings.CutPrefix(auth, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
		return ""
	}
	return r.URL.Query().Get("access_token")
}

type client struct {
	id     session.ConnID
	userID string
	ws     *websocket.Conn
	out    *outbox
}

func excluded(id session.ConnID, except []session.ConnID) bool {
	for _, e := range except {
		if e == id {
			return true
		}
	}
	return false
}
