package server

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// handleWebSocket upgrades the connection and registers it with the
// broadcast subscription registry, forwarding every job lifecycle event
// published on the hub until the client disconnects.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.app.Logger.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	id := uuid.New().String()
	s.app.Subscribers.Register(id, conn)
	defer func() {
		s.app.Subscribers.Unregister(id)
		_ = conn.Close()
	}()

	// The connection is write-only from the server's perspective; reading
	// here just detects client disconnects and discards control frames.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}
