package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/loomworks/loom/internal/events"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Origin policy is the front proxy's concern.
	CheckOrigin: func(*http.Request) bool { return true },
}

// handleEvents upgrades to a WebSocket subscribed to one execution's event
// room. Ownership is checked before the upgrade.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	executionID := chi.URLParam(r, "executionID")
	caller := s.caller(r)

	if _, err := s.sup.Status(executionID, caller); err != nil {
		s.writeError(w, err)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	client := &events.Client{
		ID:            uuid.New().String(),
		UserID:        caller.UserID,
		Conn:          conn,
		Hub:           s.hub,
		Send:          make(chan []byte, 64),
		Subscriptions: make(map[string]bool),
	}
	s.hub.Register <- client
	s.hub.SubscribeClient(client, executionID)

	go client.WritePump()
	go client.ReadPump()
}
