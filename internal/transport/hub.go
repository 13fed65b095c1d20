// ABOUTME: Websocket hub: per-user connection registry and event fan-out
// ABOUTME: Enforces authenticate-first, feeds presence, dispatches inbound events

package transport

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/2389/support-gateway/internal/auth"
	"github.com/2389/support-gateway/internal/presence"
)

// authWait is how long a fresh connection has to send its authenticate frame.
const authWait = 10 * time.Second

// Handler receives inbound domain events from authenticated connections.
// Implemented by the conversation router.
type Handler interface {
	OnTypingStarted(ctx context.Context, user *auth.AuthContext, conversationID string)
	OnTypingStopped(ctx context.Context, user *auth.AuthContext, conversationID string)
	OnMessageRead(ctx context.Context, user *auth.AuthContext, messageID string)
}

// Hub tracks all live websocket connections keyed by user and fans events
// out to them. It owns nothing durable: clients that reconnect are expected
// to resync over REST rather than rely on replay.
type Hub struct {
	mu    sync.RWMutex
	conns map[string]map[string]*Connection // userID -> connID -> conn

	verifier auth.TokenVerifier
	tracker  *presence.Tracker
	handler  Handler
	upgrader websocket.Upgrader
	logger   *slog.Logger
}

// NewHub creates a hub. The handler may be set later via SetHandler to break
// the construction cycle with the router.
func NewHub(verifier auth.TokenVerifier, tracker *presence.Tracker, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		conns:    make(map[string]map[string]*Connection),
		verifier: verifier,
		tracker:  tracker,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				// Origin policy is enforced by the CORS layer in front of /ws.
				return true
			},
		},
		logger: logger.With("component", "transport"),
	}
}

// SetHandler wires the inbound event handler. Must be called before ServeWS.
func (h *Hub) SetHandler(handler Handler) {
	h.handler = handler
}

// ServeWS upgrades an HTTP request to a websocket connection and runs it.
// The first frame must be authenticate; anything else closes the connection.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug("websocket upgrade failed", "error", err)
		return
	}

	authCtx, err := h.awaitAuthenticate(ws)
	if err != nil {
		h.logger.Debug("websocket authentication failed", "error", err)
		ws.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "authentication required"))
		ws.Close()
		return
	}

	conn := NewConnection(authCtx.UserID, authCtx.Role, ws)
	h.register(conn)
	go conn.writePump()

	conn.Send(NewEvent(EventAuthOK, AuthOKPayload{
		UserID: authCtx.UserID,
		Role:   authCtx.Role,
	}))

	// Read loop runs on this goroutine; returning unregisters.
	h.readLoop(conn, authCtx)
}

// awaitAuthenticate reads the first frame and resolves it to an identity.
func (h *Hub) awaitAuthenticate(ws *websocket.Conn) (*auth.AuthContext, error) {
	ws.SetReadLimit(maxMessageSize)
	ws.SetReadDeadline(time.Now().Add(authWait))

	var event Event
	if err := ws.ReadJSON(&event); err != nil {
		return nil, err
	}
	if event.Event != EventAuthenticate {
		return nil, auth.ErrInvalidToken
	}

	var payload AuthenticatePayload
	if err := json.Unmarshal(event.Data, &payload); err != nil {
		return nil, err
	}
	return auth.Authenticate(h.verifier, payload.Token)
}

func (h *Hub) register(conn *Connection) {
	h.mu.Lock()
	userConns, ok := h.conns[conn.UserID]
	if !ok {
		userConns = make(map[string]*Connection)
		h.conns[conn.UserID] = userConns
	}
	userConns[conn.ID] = conn
	h.mu.Unlock()

	h.tracker.Connect(conn.UserID)
	h.logger.Debug("connection registered",
		"user_id", conn.UserID,
		"conn_id", conn.ID,
		"role", conn.Role)
}

func (h *Hub) unregister(conn *Connection) {
	removed := false
	h.mu.Lock()
	if userConns, ok := h.conns[conn.UserID]; ok {
		if _, exists := userConns[conn.ID]; exists {
			delete(userConns, conn.ID)
			removed = true
			if len(userConns) == 0 {
				delete(h.conns, conn.UserID)
			}
		}
	}
	h.mu.Unlock()

	conn.Close()
	if !removed {
		return
	}
	h.tracker.Disconnect(conn.UserID)
	h.logger.Debug("connection unregistered",
		"user_id", conn.UserID,
		"conn_id", conn.ID)
}

// readLoop consumes inbound frames until the connection drops.
func (h *Hub) readLoop(conn *Connection, authCtx *auth.AuthContext) {
	defer h.unregister(conn)

	conn.ws.SetReadLimit(maxMessageSize)
	conn.ws.SetReadDeadline(time.Now().Add(pongWait))
	conn.ws.SetPongHandler(func(string) error {
		conn.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		var event Event
		if err := conn.ws.ReadJSON(&event); err != nil {
			return
		}
		h.tracker.Touch(authCtx.UserID)
		h.dispatch(conn, authCtx, event)
	}
}

// dispatch routes one inbound frame to the handler. Malformed frames get an
// error event back rather than killing the connection.
func (h *Hub) dispatch(conn *Connection, authCtx *auth.AuthContext, event Event) {
	if h.handler == nil {
		return
	}
	ctx := context.Background()

	switch event.Event {
	case EventTypingStarted, EventTypingStopped:
		var payload TypingPayload
		if err := json.Unmarshal(event.Data, &payload); err != nil || payload.ConversationID == "" {
			conn.Send(NewEvent(EventError, ErrorPayload{Error: "malformed typing event"}))
			return
		}
		if event.Event == EventTypingStarted {
			h.handler.OnTypingStarted(ctx, authCtx, payload.ConversationID)
		} else {
			h.handler.OnTypingStopped(ctx, authCtx, payload.ConversationID)
		}

	case EventMessageRead:
		var payload ReadPayload
		if err := json.Unmarshal(event.Data, &payload); err != nil || payload.MessageID == "" {
			conn.Send(NewEvent(EventError, ErrorPayload{Error: "malformed read ack"}))
			return
		}
		h.handler.OnMessageRead(ctx, authCtx, payload.MessageID)

	case EventAuthenticate:
		// Already authenticated; a repeat frame is a no-op.

	default:
		conn.Send(NewEvent(EventError, ErrorPayload{Error: "unknown event: " + event.Event}))
	}
}

// SendToUser delivers an event to every live connection of one user.
// Returns true if at least one connection accepted it.
func (h *Hub) SendToUser(userID string, event Event) bool {
	h.mu.RLock()
	targets := make([]*Connection, 0, len(h.conns[userID]))
	for _, conn := range h.conns[userID] {
		targets = append(targets, conn)
	}
	h.mu.RUnlock()

	delivered := false
	for _, conn := range targets {
		if err := conn.Send(event); err == nil {
			delivered = true
		}
	}
	return delivered
}

// BroadcastToRole delivers an event to every connection whose user holds the
// given role. Used for queue convergence (all agents see claims) and agent
// availability.
func (h *Hub) BroadcastToRole(role string, event Event) {
	h.mu.RLock()
	var targets []*Connection
	for _, userConns := range h.conns {
		for _, conn := range userConns {
			if conn.Role == role {
				targets = append(targets, conn)
			}
		}
	}
	h.mu.RUnlock()

	for _, conn := range targets {
		conn.Send(event)
	}
}

// BroadcastAll delivers an event to every live connection.
func (h *Hub) BroadcastAll(event Event) {
	h.mu.RLock()
	var targets []*Connection
	for _, userConns := range h.conns {
		for _, conn := range userConns {
			targets = append(targets, conn)
		}
	}
	h.mu.RUnlock()

	for _, conn := range targets {
		conn.Send(event)
	}
}

// ConnectionCount returns the number of live connections for a user.
func (h *Hub) ConnectionCount(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns[userID])
}

// Close shuts down every connection.
func (h *Hub) Close() {
	h.mu.Lock()
	var all []*Connection
	for _, userConns := range h.conns {
		for _, conn := range userConns {
			all = append(all, conn)
		}
	}
	h.conns = make(map[string]map[string]*Connection)
	h.mu.Unlock()

	for _, conn := range all {
		conn.Close()
	}
	h.logger.Debug("hub closed")
}
