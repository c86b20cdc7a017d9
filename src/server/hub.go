package server

import (
	"context"
	"errors"
	"net/http"

	"coinstream/src/engine"
	"coinstream/src/helpers"
	"coinstream/src/models"

	"github.com/gin-gonic/gin"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// -----------------------------------------------------------------------------
// Hub Pattern Implementation
// -----------------------------------------------------------------------------

// runHub is the main Hub loop
func (s *Server) runHub() {
	for {
		select {
		case client := <-s.register:
			s.clients[client] = struct{}{}
			s.Logger.Info("Session %s connected", client.id)

		case client := <-s.unregister:
			if _, ok := s.clients[client]; ok {
				delete(s.clients, client)
				// Tear down subscriptions first so no listener sends into
				// the channel we are about to close.
				s.engine.ReleaseSession(client.id)
				client.markClosed()
				close(client.send)
			}
		}
	}
}

// -----------------------------------------------------------------------------
// WebSocket Handlers
// -----------------------------------------------------------------------------

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// -----------------------------------------------------------------------------

func (s *Server) handleWebSocket(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.Logger.Info("Failed to upgrade websocket: %v", err)
		return
	}

	client := &Client{
		hub:  s,
		id:   uuid.NewString(),
		conn: conn,
		// Buffered channel to prevent blocking the event listeners
		send: make(chan eventEnvelope, sendQueueSize),
	}

	s.register <- client

	// Start goroutines for reading/writing
	go client.writePump()
	go client.readPump()
}

// -----------------------------------------------------------------------------
// Client Message Handling
// -----------------------------------------------------------------------------

func (s *Server) HandleClientMessage(client *Client, message []byte) {
	var cmd models.MSubscribeCommand
	if err := json.Unmarshal(message, &cmd); err != nil {
		s.Logger.Info("Failed to parse command from session %s: %v", client.id, err)
		client.Send(engine.EventError, models.MErrorEvent{Message: "malformed command", Retryable: false})
		return
	}

	if err := s.engine.HandleCommand(context.Background(), client, cmd); err != nil {
		var invalid *helpers.InvalidRequestError
		if errors.As(err, &invalid) {
			client.Send(engine.EventError, models.MErrorEvent{Message: invalid.Message, Retryable: false})
			return
		}
		// Outage errors already produced an error event inside the engine
		s.Logger.Warning("Command '%s' failed for session %s: %v", cmd.Action, client.id, err)
	}
}
