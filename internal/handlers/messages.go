package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/4xmen/kanal/internal/chat"
)

// GetMessages lists plaintext messages newest first.
// Query: channel_id, limit (max 100, default 50), offset.
func (h *ChatHandler) GetMessages(c *gin.Context) {
	var q chat.MessageQuery

	if raw := c.Query("channel_id"); raw != "" {
		id, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": __("invalid channel id")})
			return
		}
		q.ChannelID = &id
	}

	limit, err := strconv.Atoi(c.DefaultQuery("limit", strconv.Itoa(chat.DefaultPageSize)))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": __("invalid limit")})
		return
	}
	offset, err := strconv.Atoi(c.DefaultQuery("offset", "0"))
	if err != nil || offset < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": __("invalid offset")})
		return
	}
	q.Limit, q.Offset = limit, offset

	page, err := h.svc.GetMessages(c.Request.Context(), q)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, page)
}

func (h *ChatHandler) GetMessage(c *gin.Context) {
	id, ok := parseID(c, "id", "invalid message id")
	if !ok {
		return
	}

	msg, err := h.svc.GetMessage(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, msg)
}

func (h *ChatHandler) SendMessage(c *gin.Context) {
	var req chat.SendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": __("invalid request")})
		return
	}

	msg, err := h.svc.SendMessage(c.Request.Context(), currentIdentity(c), req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, msg)
}

func (h *ChatHandler) GetEncryptedMessages(c *gin.Context) {
	msgs, err := h.svc.GetEncryptedMessages(c.Request.Context(), currentIdentity(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": msgs})
}

func (h *ChatHandler) CreateEncryptedMessage(c *gin.Context) {
	var req chat.SendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": __("invalid request")})
		return
	}

	id, err := h.svc.CreateEncryptedMessage(c.Request.Context(), currentIdentity(c), req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"id": id})
}

type ShareRequest struct {
	Identity string `json:"identity" binding:"required"`
}

func (h *ChatHandler) ShareEncryptedMessage(c *gin.Context) {
	id, ok := parseID(c, "id", "invalid message id")
	if !ok {
		return
	}

	var req ShareRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": __("invalid request")})
		return
	}

	if err := h.svc.ShareEncryptedMessage(c.Request.Context(), currentIdentity(c), id, req.Identity); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *ChatHandler) DeleteEncryptedMessage(c *gin.Context) {
	id, ok := parseID(c, "id", "invalid message id")
	if !ok {
		return
	}

	if err := h.svc.DeleteEncryptedMessage(c.Request.Context(), currentIdentity(c), id); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *ChatHandler) DecryptEncryptedMessage(c *gin.Context) {
	id, ok := parseID(c, "id", "invalid message id")
	if !ok {
		return
	}

	plaintext, err := h.svc.DecryptEncryptedMessage(c.Request.Context(), currentIdentity(c), id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": id, "content": plaintext})
}

func (h *ChatHandler) GetChannelEncryptedMessages(c *gin.Context) {
	id, ok := parseID(c, "id", "invalid channel id")
	if !ok {
		return
	}

	msgs, err := h.svc.GetEncryptedMessagesFromChannel(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": msgs})
}

func (h *ChatHandler) DecryptChannelMessages(c *gin.Context) {
	id, ok := parseID(c, "id", "invalid channel id")
	if !ok {
		return
	}

	msgs, err := h.svc.DecryptChannelMessages(c.Request.Context(), currentIdentity(c), id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": msgs})
}

type DeriveKeyRequest struct {
	// TransportPublicKey is base64 in JSON.
	TransportPublicKey []byte `json:"transport_public_key"`
}

func (h *ChatHandler) DeriveMessageKey(c *gin.Context) {
	id, ok := parseID(c, "id", "invalid message id")
	if !ok {
		return
	}

	var req DeriveKeyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": __("invalid transport key")})
		return
	}

	key, err := h.svc.DeriveMessageKey(c.Request.Context(), currentIdentity(c), id, req.TransportPublicKey)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"key": key})
}

func (h *ChatHandler) GetPublicKey(c *gin.Context) {
	key, err := h.svc.PublicKey(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"public_key": key})
}
