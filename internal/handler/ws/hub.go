package ws

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"meshtalk-backend/internal/event"
	"meshtalk-backend/internal/middleware"
	"meshtalk-backend/pkg/env"
	"meshtalk-backend/pkg/logger"
)

// Hub owns every live WebSocket connection and the room memberships
// used for fan-out. It is the single Emitter implementation behind the
// presence, chat, call and group call services.
type Hub struct {
	mu sync.RWMutex

	// clients maps connection ID to its client
	clients map[string]*Client

	// rooms maps room ID to the member clients by connection ID
	rooms map[string]map[string]*Client

	// roomsByConn is the reverse index used to leave everything on
	// disconnect
	roomsByConn map[string]map[string]bool

	// Concurrency limit: maxConnections is the maximum number of concurrent WebSocket connections
	maxConnections int
	// Semaphore for limiting concurrent connections
	semaphore chan struct{}
}

// NewHub creates a new hub
func NewHub() *Hub {
	maxConns := env.GetInt("WS_MAX_CONNECTIONS", 10000)
	if maxConns <= 0 {
		maxConns = 10000
	}

	return &Hub{
		clients:        make(map[string]*Client),
		rooms:          make(map[string]map[string]*Client),
		roomsByConn:    make(map[string]map[string]bool),
		maxConnections: maxConns,
		semaphore:      make(chan struct{}, maxConns),
	}
}

// UserRoom names the per-user room every announced connection joins.
// Emitting to a user means emitting to this room.
func UserRoom(userID uuid.UUID) string {
	return "user:" + userID.String()
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Empty origins are refused; the upgrade must come from a
		// known browser origin, the same list CORS enforces.
		origin := r.Header.Get("Origin")
		return origin != "" && middleware.AllowedOrigins()[origin]
	},
}

// add registers a client with the hub.
func (h *Hub) add(client *Client) {
	h.mu.Lock()
	h.clients[client.connID] = client
	h.roomsByConn[client.connID] = make(map[string]bool)
	h.mu.Unlock()
}

// remove drops a client and its room memberships. Safe to call for a
// connection the hub no longer knows.
func (h *Hub) remove(connID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	client, ok := h.clients[connID]
	if !ok {
		return
	}

	for roomID := range h.roomsByConn[connID] {
		h.leaveRoomLocked(connID, roomID)
	}
	delete(h.roomsByConn, connID)
	delete(h.clients, connID)
	close(client.send)
}

// CloseConn asks a connection to shut down. Used when a newer
// connection for the same user evicts it.
func (h *Hub) CloseConn(connID string) {
	h.mu.RLock()
	client, ok := h.clients[connID]
	h.mu.RUnlock()
	if ok {
		// WriteControl is safe alongside the write pump
		client.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "superseded by newer connection"),
			time.Now().Add(time.Second))
		client.conn.Close()
	}
}

// JoinRoom adds a connection to a room.
func (h *Hub) JoinRoom(connID, roomID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	client, ok := h.clients[connID]
	if !ok {
		return
	}

	if h.rooms[roomID] == nil {
		h.rooms[roomID] = make(map[string]*Client)
	}
	h.rooms[roomID][connID] = client
	h.roomsByConn[connID][roomID] = true
}

// LeaveRoom removes a connection from a room.
func (h *Hub) LeaveRoom(connID, roomID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.leaveRoomLocked(connID, roomID)
	if members, ok := h.roomsByConn[connID]; ok {
		delete(members, roomID)
	}
}

func (h *Hub) leaveRoomLocked(connID, roomID string) {
	members, ok := h.rooms[roomID]
	if !ok {
		return
	}
	delete(members, connID)
	if len(members) == 0 {
		delete(h.rooms, roomID)
	}
}

// ToConn emits an event to one connection.
func (h *Hub) ToConn(connID string, ev event.Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		logger.Error("failed to marshal outbound event",
			zap.String("type", ev.Type), zap.Error(err))
		return
	}

	// enqueue under the read lock: remove closes the send channel
	// under the write lock, so a held read lock keeps it open
	h.mu.RLock()
	if client, ok := h.clients[connID]; ok {
		client.enqueue(payload)
	}
	h.mu.RUnlock()
}

// ToUser emits an event to every connection in the user's room.
func (h *Hub) ToUser(userID uuid.UUID, ev event.Event) {
	h.ToRoom(UserRoom(userID), ev)
}

// ToRoom emits an event to every member of a room.
func (h *Hub) ToRoom(roomID string, ev event.Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		logger.Error("failed to marshal outbound event",
			zap.String("type", ev.Type), zap.Error(err))
		return
	}

	h.mu.RLock()
	for _, client := range h.rooms[roomID] {
		client.enqueue(payload)
	}
	h.mu.RUnlock()
}

// ToRoomExcept emits an event to every member of a room except the
// named user's connections.
func (h *Hub) ToRoomExcept(roomID string, exceptUserID uuid.UUID, ev event.Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		logger.Error("failed to marshal outbound event",
			zap.String("type", ev.Type), zap.Error(err))
		return
	}

	h.mu.RLock()
	for _, client := range h.rooms[roomID] {
		if client.userID != exceptUserID {
			client.enqueue(payload)
		}
	}
	h.mu.RUnlock()
}
