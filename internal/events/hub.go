package events

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512
)

// Client is one WebSocket subscriber.
type Client struct {
	ID            string
	UserID        string
	Conn          *websocket.Conn
	Hub           *Hub
	Send          chan []byte
	Subscriptions map[string]bool
	mu            sync.RWMutex
}

// Hub manages WebSocket connections and per-execution rooms. It also
// implements Sink so it can be wired straight into the supervisor.
type Hub struct {
	clients map[string]*Client
	rooms   map[string]map[string]*Client

	Register   chan *Client
	Unregister chan *Client
	broadcast  chan *broadcastMessage

	mu     sync.RWMutex
	logger *slog.Logger
}

type broadcastMessage struct {
	room    string
	message []byte
}

// NewHub creates a new hub.
func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		clients:    make(map[string]*Client),
		rooms:      make(map[string]map[string]*Client),
		Register:   make(chan *Client),
		Unregister: make(chan *Client),
		broadcast:  make(chan *broadcastMessage, 256),
		logger:     logger,
	}
}

// Emit implements Sink: events are routed to the room named by their
// execution ID.
func (h *Hub) Emit(ev Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		h.logger.Error("failed to marshal event", "type", ev.Type, "error", err)
		return
	}
	h.BroadcastToRoom(ev.ExecutionID, payload)
}

// Run starts the hub's main loop.
func (h *Hub) Run() {
	for {
		select {
		case client := <-h.Register:
			h.registerClient(client)
		case client := <-h.Unregister:
			h.unregisterClient(client)
		case message := <-h.broadcast:
			h.broadcastToRoom(message)
		}
	}
}

func (h *Hub) registerClient(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[client.ID] = client
	h.logger.Info("event client registered", "client_id", client.ID, "user_id", client.UserID)
}

func (h *Hub) unregisterClient(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, exists := h.clients[client.ID]; !exists {
		return
	}
	delete(h.clients, client.ID)
	client.mu.RLock()
	for room := range client.Subscriptions {
		if clients, exists := h.rooms[room]; exists {
			delete(clients, client.ID)
			if len(clients) == 0 {
				delete(h.rooms, room)
			}
		}
	}
	client.mu.RUnlock()
	close(client.Send)
	h.logger.Info("event client unregistered", "client_id", client.ID)
}

// SubscribeClient adds a client to an execution room.
func (h *Hub) SubscribeClient(client *Client, room string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, exists := h.rooms[room]; !exists {
		h.rooms[room] = make(map[string]*Client)
	}
	h.rooms[room][client.ID] = client

	client.mu.Lock()
	client.Subscriptions[room] = true
	client.mu.Unlock()
}

// UnsubscribeClient removes a client from a room.
func (h *Hub) UnsubscribeClient(client *Client, room string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if clients, exists := h.rooms[room]; exists {
		delete(clients, client.ID)
		if len(clients) == 0 {
			delete(h.rooms, room)
		}
	}
	client.mu.Lock()
	delete(client.Subscriptions, room)
	client.mu.Unlock()
}

// BroadcastToRoom queues a message for every client subscribed to the room.
func (h *Hub) BroadcastToRoom(room string, message []byte) {
	select {
	case h.broadcast <- &broadcastMessage{room: room, message: message}:
	default:
		// Best-effort delivery: drop rather than block an execution.
		h.logger.Warn("event broadcast queue full, dropping message", "room", room)
	}
}

func (h *Hub) broadcastToRoom(msg *broadcastMessage) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, client := range h.rooms[msg.room] {
		select {
		case client.Send <- msg.message:
		default:
			h.logger.Warn("client send buffer full, dropping message", "client_id", client.ID)
		}
	}
}

// ReadPump drains control messages from the peer and detects disconnects.
func (c *Client) ReadPump() {
	defer func() {
		c.Hub.Unregister <- c
		c.Conn.Close()
	}()
	c.Conn.SetReadLimit(maxMessageSize)
	_ = c.Conn.SetReadDeadline(time.Now().Add(pongWait))
	c.Conn.SetPongHandler(func(string) error {
		return c.Conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.Conn.ReadMessage(); err != nil {
			return
		}
	}
}

// WritePump flushes the send buffer and keeps the connection alive.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()
	for {
		select {
		case message, ok := <-c.Send:
			_ = c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
