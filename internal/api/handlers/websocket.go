package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"teamchat/internal/realtime"
)

type WSHandler struct {
	hub *realtime.Hub
}

func NewWSHandler(hub *realtime.Hub) *WSHandler {
	return &WSHandler{hub: hub}
}

// HandleWebSocket upgrades an authenticated request to a WebSocket
// connection and attaches it to the hub. The auth middleware has already
// rejected missing/invalid credentials and stored the user id.
func (h *WSHandler) HandleWebSocket(c *gin.Context) {
	userID := c.GetString("user_id")
	if userID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthenticated"})
		return
	}
	realtime.ServeWS(h.hub, c.Writer, c.Request, userID)
}
