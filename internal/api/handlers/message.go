package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"teamchat/internal/realtime"
	"teamchat/internal/store"
)

// MessageHandler exposes the persistence collaborator's write surface. Each
// operation commits through the store first and only then hands the
// resulting event to the fanout path.
type MessageHandler struct {
	store *store.Store
	hub   *realtime.Hub
}

func NewMessageHandler(st *store.Store, hub *realtime.Hub) *MessageHandler {
	return &MessageHandler{store: st, hub: hub}
}

type createMessageRequest struct {
	ChannelID string  `json:"channel_id" binding:"required"`
	Content   string  `json:"content" binding:"required"`
	ReplyTo   *string `json:"reply_to"`
}

type updateMessageRequest struct {
	Content string `json:"content" binding:"required"`
}

// Create commits a message and broadcasts message_sent.
func (h *MessageHandler) Create(c *gin.Context) {
	var req createMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	userID := c.GetString("user_id")

	msg, err := h.store.CreateMessage(c.Request.Context(), userID, realtime.SendMessageData{
		ChannelID: req.ChannelID,
		Content:   req.Content,
		ReplyTo:   req.ReplyTo,
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create message"})
		return
	}

	h.hub.PublishToChannel(c.Request.Context(), msg.ChannelID,
		realtime.MustEvent(realtime.EventMessageSent, msg))
	c.JSON(http.StatusCreated, msg)
}

// Update commits an edit and broadcasts message_updated.
func (h *MessageHandler) Update(c *gin.Context) {
	var req updateMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	userID := c.GetString("user_id")

	msg, err := h.store.UpdateMessage(c.Request.Context(), c.Param("id"), userID, req.Content)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "message not found"})
		return
	}

	h.hub.PublishToChannel(c.Request.Context(), msg.ChannelID,
		realtime.MustEvent(realtime.EventMessageUpdated, msg))
	c.JSON(http.StatusOK, msg)
}

// Delete soft-deletes a message and broadcasts message_deleted.
func (h *MessageHandler) Delete(c *gin.Context) {
	userID := c.GetString("user_id")

	deleted, err := h.store.DeleteMessage(c.Request.Context(), c.Param("id"), userID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "message not found"})
		return
	}

	h.hub.PublishToChannel(c.Request.Context(), deleted.ChannelID,
		realtime.MustEvent(realtime.EventMessageDeleted, deleted))
	c.JSON(http.StatusOK, gin.H{"deleted": deleted.ID})
}
