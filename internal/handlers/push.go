package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/4xmen/kanal/internal/models"
)

// PushSubscriber stores Web Push subscriptions.
type PushSubscriber interface {
	Subscribe(ctx context.Context, identity string, sub models.PushSubscription) error
	Unsubscribe(ctx context.Context, identity, endpoint string) error
	VAPIDPublicKey() string
}

type PushHandler struct {
	push PushSubscriber
}

// NewPushHandler accepts a nil subscriber when push is not configured.
func NewPushHandler(push PushSubscriber) *PushHandler {
	return &PushHandler{push: push}
}

type SubscribeRequest struct {
	Endpoint string `json:"endpoint" binding:"required"`
	Keys     struct {
		P256dh string `json:"p256dh" binding:"required"`
		Auth   string `json:"auth" binding:"required"`
	} `json:"keys"`
}

type UnsubscribeRequest struct {
	Endpoint string `json:"endpoint" binding:"required"`
}

func (h *PushHandler) enabled(c *gin.Context) bool {
	if h.push == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": __("push notifications are disabled")})
		return false
	}
	return true
}

func (h *PushHandler) GetVAPIDKey(c *gin.Context) {
	if !h.enabled(c) {
		return
	}
	c.JSON(http.StatusOK, gin.H{"public_key": h.push.VAPIDPublicKey()})
}

func (h *PushHandler) Subscribe(c *gin.Context) {
	if !h.enabled(c) {
		return
	}

	var req SubscribeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": __("invalid request")})
		return
	}

	err := h.push.Subscribe(c.Request.Context(), currentIdentity(c), models.PushSubscription{
		Endpoint:  req.Endpoint,
		KeyP256dh: req.Keys.P256dh,
		KeyAuth:   req.Keys.Auth,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusCreated)
}

func (h *PushHandler) Unsubscribe(c *gin.Context) {
	if !h.enabled(c) {
		return
	}

	var req UnsubscribeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": __("invalid request")})
		return
	}

	if err := h.push.Unsubscribe(c.Request.Context(), currentIdentity(c), req.Endpoint); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
