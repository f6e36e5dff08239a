package realtime

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/formsync/formsync/pkg/logger"
	"github.com/formsync/formsync/pkg/metrics"

	apperrors "github.com/formsync/formsync/pkg/errors"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1 << 20 // 1 MiB

	defaultBufferSize = 64
	roomPrefix        = "form:"
)

// Envelope is the frame exchanged with clients in both directions.
type Envelope struct {
	Event string `json:"event"`
	Data  any    `json:"data,omitempty"`
}

type inbound struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// Handler receives the events of every connection served by the hub.
type Handler interface {
	HandleEvent(ctx context.Context, connID, event string, data json.RawMessage)
	// HandleDisconnect is called exactly once per connection.
	HandleDisconnect(connID string)
}

// Options tunes the hub.
type Options struct {
	SendBuffer int
	// AllowedOrigins lists accepted Origin values. Empty allows same-host
	// and loopback origins; "*" allows any.
	AllowedOrigins []string
}

// Hub tracks websocket connections and the form rooms they joined. It
// implements the collaboration transport: sends never block, and a client
// whose buffer is full is disconnected.
type Hub struct {
	mu    sync.RWMutex
	conns map[string]*connection
	rooms map[string]map[string]*connection

	upgrader   websocket.Upgrader
	sendBuffer int
	log        *zap.Logger
}

// NewHub constructs a realtime hub.
func NewHub(opts Options) *Hub {
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = defaultBufferSize
	}

	h := &Hub{
		conns:      make(map[string]*connection),
		rooms:      make(map[string]map[string]*connection),
		sendBuffer: opts.SendBuffer,
		log:        logger.WithModule("realtime"),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     originChecker(opts.AllowedOrigins),
	}
	return h
}

// Serve upgrades the request and pumps the connection until it closes.
func (h *Hub) Serve(handler Handler, w http.ResponseWriter, r *http.Request) {
	socket, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	client := newConnection(h, socket)
	h.register(client)
	h.log.Debug("connection opened", zap.String("connection_id", client.id), zap.String("remote", r.RemoteAddr))

	go client.writeLoop()
	client.readLoop(ctx, handler)

	client.close()
	handler.HandleDisconnect(client.id)
	h.log.Debug("connection closed", zap.String("connection_id", client.id))
}

// JoinRoom adds a connection to a form's room.
func (h *Hub) JoinRoom(connID, formID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	client, ok := h.conns[connID]
	if !ok {
		return
	}
	room := roomPrefix + formID
	if h.rooms[room] == nil {
		h.rooms[room] = make(map[string]*connection)
	}
	h.rooms[room][connID] = client
	client.rooms[room] = struct{}{}
}

// LeaveRoom removes a connection from a form's room.
func (h *Hub) LeaveRoom(connID, formID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if client, ok := h.conns[connID]; ok {
		h.removeFromRoomLocked(client, roomPrefix+formID)
	}
}

// Broadcast delivers an event to every connection in the form's room
// except exceptConnID.
func (h *Hub) Broadcast(formID, event string, payload any, exceptConnID string) {
	frame, err := encode(event, payload)
	if err != nil {
		h.log.Error("failed to encode broadcast", zap.String("event", event), zap.Error(err))
		return
	}

	h.mu.RLock()
	members := h.rooms[roomPrefix+formID]
	targets := make([]*connection, 0, len(members))
	for connID, client := range members {
		if connID != exceptConnID {
			targets = append(targets, client)
		}
	}
	h.mu.RUnlock()

	for _, client := range targets {
		h.enqueue(client, frame)
	}
}

// Send delivers an event to a single connection.
func (h *Hub) Send(connID, event string, payload any) {
	frame, err := encode(event, payload)
	if err != nil {
		h.log.Error("failed to encode message", zap.String("event", event), zap.Error(err))
		return
	}

	h.mu.RLock()
	client, ok := h.conns[connID]
	h.mu.RUnlock()
	if ok {
		h.enqueue(client, frame)
	}
}

// Count returns the number of open connections.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// RoomSize returns the number of connections in a form's room.
func (h *Hub) RoomSize(formID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[roomPrefix+formID])
}

// Close disconnects every client. Handlers still receive HandleDisconnect.
func (h *Hub) Close() {
	h.mu.RLock()
	clients := make([]*connection, 0, len(h.conns))
	for _, client := range h.conns {
		clients = append(clients, client)
	}
	h.mu.RUnlock()

	for _, client := range clients {
		client.close()
	}
}

func (h *Hub) register(client *connection) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.conns[client.id] = client
}

func (h *Hub) unregister(client *connection) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for room := range client.rooms {
		h.removeFromRoomLocked(client, room)
	}
	delete(h.conns, client.id)
}

func (h *Hub) removeFromRoomLocked(client *connection, room string) {
	members, ok := h.rooms[room]
	if !ok {
		return
	}
	delete(members, client.id)
	if len(members) == 0 {
		delete(h.rooms, room)
	}
	delete(client.rooms, room)
}

func (h *Hub) enqueue(client *connection, frame []byte) {
	select {
	case <-client.done:
		return
	default:
	}

	select {
	case client.send <- frame:
	default:
		metrics.DroppedClients.Inc()
		h.log.Warn("dropping backpressure client", zap.String("connection_id", client.id))
		client.close()
	}
}

type connection struct {
	id     string
	hub    *Hub
	socket *websocket.Conn
	send   chan []byte
	done   chan struct{}
	once   sync.Once

	// guarded by hub.mu
	rooms map[string]struct{}
}

func newConnection(hub *Hub, socket *websocket.Conn) *connection {
	return &connection{
		id:     uuid.NewString(),
		hub:    hub,
		socket: socket,
		send:   make(chan []byte, hub.sendBuffer),
		done:   make(chan struct{}),
		rooms:  make(map[string]struct{}),
	}
}

func (c *connection) readLoop(ctx context.Context, handler Handler) {
	c.socket.SetReadLimit(maxMessageSize)
	_ = c.socket.SetReadDeadline(time.Now().Add(pongWait))
	c.socket.SetPongHandler(func(string) error {
		_ = c.socket.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, payload, err := c.socket.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				c.hub.log.Debug("unexpected close", zap.String("connection_id", c.id), zap.Error(err))
			}
			return
		}

		if len(payload) == 0 {
			continue
		}

		var msg inbound
		if err := json.Unmarshal(payload, &msg); err != nil || strings.TrimSpace(msg.Event) == "" {
			c.hub.Send(c.id, "error", map[string]string{
				"code":    apperrors.ErrInvalidPayload.Code,
				"message": "Frame must be a JSON object with an event name",
			})
			continue
		}

		handler.HandleEvent(ctx, c.id, msg.Event, msg.Data)
	}
}

func (c *connection) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case frame := <-c.send:
			_ = c.socket.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.socket.WriteMessage(websocket.TextMessage, frame); err != nil {
				c.close()
				_ = c.socket.Close()
				return
			}
		case <-ticker.C:
			_ = c.socket.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.socket.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.close()
				_ = c.socket.Close()
				return
			}
		case <-c.done:
			_ = c.socket.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			_ = c.socket.Close()
			return
		}
	}
}

// close is safe from any goroutine. The write loop sends the close frame
// and releases the socket, which also ends the read loop.
func (c *connection) close() {
	c.once.Do(func() {
		c.hub.unregister(c)
		close(c.done)
	})
}

func encode(event string, payload any) ([]byte, error) {
	return json.Marshal(Envelope{Event: event, Data: payload})
}

func originChecker(allowed []string) func(*http.Request) bool {
	exact := make(map[string]struct{}, len(allowed))
	allowAll := false
	for _, origin := range allowed {
		origin = strings.TrimRight(strings.TrimSpace(origin), "/")
		if origin == "*" {
			allowAll = true
		}
		if origin != "" {
			exact[strings.ToLower(origin)] = struct{}{}
		}
	}

	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" || allowAll {
			return true
		}
		if len(exact) > 0 {
			_, ok := exact[strings.ToLower(strings.TrimRight(origin, "/"))]
			return ok
		}
		// Same host, or loopback for local development.
		originHost := hostWithoutPort(origin)
		requestHost := hostWithoutPort(r.Host)
		return originHost == requestHost || isLoopback(originHost)
	}
}

func hostWithoutPort(host string) string {
	host = strings.TrimSpace(host)
	if host == "" {
		return ""
	}

	if strings.HasPrefix(host, "http://") || strings.HasPrefix(host, "https://") {
		if parsed, err := url.Parse(host); err == nil {
			return hostWithoutPort(parsed.Host)
		}
	}

	if h, _, err := net.SplitHostPort(host); err == nil {
		return h
	}
	return host
}

func isLoopback(host string) bool {
	ip := net.ParseIP(host)
	if ip != nil {
		return ip.IsLoopback()
	}
	return strings.EqualFold(host, "localhost")
}
