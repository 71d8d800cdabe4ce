package realtime

import (
	"context"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// Time allowed to read the next pong from the peer.
	pongWait = 60 * time.Second

	// Maximum inbound frame size.
	maxMessageSize = 4096
)

// Upgrader performs the HTTP -> WebSocket upgrade. Origins are restricted to
// the frontend hosts plus anything listed in ALLOWED_ORIGINS.
var Upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}

		allowed := []string{
			"http://localhost:3000",
			"https://localhost:3000",
			"http://localhost",
			"https://localhost",
		}
		if custom := os.Getenv("ALLOWED_ORIGINS"); custom != "" {
			for _, o := range strings.Split(custom, ",") {
				allowed = append(allowed, strings.TrimSpace(o))
			}
		}
		for _, o := range allowed {
			if origin == o {
				return true
			}
		}
		return strings.Contains(origin, "localhost") || strings.Contains(origin, "127.0.0.1")
	},
}

// ServeWS upgrades the request and attaches the resulting socket to the hub
// under an already-authenticated user. Callers must have validated the
// credential first; an unauthenticated request never reaches registration.
func ServeWS(hub *Hub, w http.ResponseWriter, r *http.Request, userID string) {
	sock, err := Upgrader.Upgrade(w, r, nil)
	if err != nil {
		hub.logger.Error("websocket upgrade failed", "userID", userID, "error", err)
		return
	}

	conn, err := hub.registry.Register(userID, sock)
	if err != nil {
		// Over the per-user cap: refuse this socket with an explicit close
		// code, leaving the user's existing connections untouched.
		deadline := time.Now().Add(time.Second)
		sock.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "connection limit reached"),
			deadline)
		sock.Close()
		return
	}

	hub.broadcaster.SendToConnection(conn, MustEvent(EventConnectionAck, ConnectionAckPayload{
		ConnectionID: conn.ID,
		UserID:       userID,
	}))

	go readPump(hub, conn, sock)
}

// readPump is the per-connection inbound loop: one goroutine per connection,
// suspended on the next frame. Any read error ends the loop and removes the
// connection from all indices.
func readPump(hub *Hub, conn *Connection, sock *websocket.Conn) {
	defer hub.registry.Unregister(conn.ID)

	sock.SetReadLimit(maxMessageSize)
	sock.SetReadDeadline(time.Now().Add(pongWait))
	sock.SetPongHandler(func(string) error {
		sock.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := sock.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				hub.logger.Debug("websocket read error",
					"connectionID", conn.ID, "userID", conn.UserID, "error", err)
			}
			return
		}
		hub.HandleInbound(context.Background(), conn, raw)
	}
}
