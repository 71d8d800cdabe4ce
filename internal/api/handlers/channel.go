package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"teamchat/internal/realtime"
	"teamchat/internal/store"
)

// ChannelHandler carries the membership-change notifier: removing a member
// must stop delivery to them immediately, not at their next reconnect.
type ChannelHandler struct {
	store *store.Store
	hub   *realtime.Hub
}

func NewChannelHandler(st *store.Store, hub *realtime.Hub) *ChannelHandler {
	return &ChannelHandler{store: st, hub: hub}
}

// RemoveMember deletes the membership row and unsubscribes the user from
// the live fanout path.
func (h *ChannelHandler) RemoveMember(c *gin.Context) {
	channelID := c.Param("id")
	userID := c.Param("userId")

	if err := h.store.RemoveChannelMember(c.Request.Context(), userID, channelID); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to remove member"})
		return
	}

	h.hub.OnMemberRemoved(c.Request.Context(), userID, channelID)
	c.JSON(http.StatusOK, gin.H{"removed": userID})
}
