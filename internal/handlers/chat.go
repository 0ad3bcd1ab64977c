package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/4xmen/kanal/internal/chat"
)

type ChatHandler struct {
	svc *chat.Service
}

func NewChatHandler(svc *chat.Service) *ChatHandler {
	return &ChatHandler{svc: svc}
}

// Register mounts every route that needs an authenticated caller.
func (h *ChatHandler) Register(protected *gin.RouterGroup) {
	// Users
	protected.GET("/users", h.GetUsers)
	protected.POST("/users", h.RegisterUser)
	protected.GET("/users/me", h.GetCurrentUser)
	protected.PUT("/users/me", h.UpdateCurrentUser)
	protected.GET("/users/:identity", h.GetUser)

	// Channels
	protected.GET("/channels", h.GetChannels)
	protected.POST("/channels", h.CreateChannel)
	protected.POST("/channels/encrypted", h.CreateEncryptedChannel)
	protected.POST("/channels/general/repair", h.RepairGeneralChannel)
	protected.GET("/channels/:id", h.GetChannel)
	protected.DELETE("/channels/:id", h.DeleteChannel)
	protected.DELETE("/channels/:id/force", h.ForceDeleteChannel)
	protected.POST("/channels/:id/join", h.JoinChannel)
	protected.GET("/channels/:id/encrypted", h.GetChannelEncryptedMessages)
	protected.GET("/channels/:id/decrypted", h.DecryptChannelMessages)

	// Messages
	protected.GET("/messages", h.GetMessages)
	protected.POST("/messages", h.SendMessage)
	protected.GET("/messages/:id", h.GetMessage)

	// Encrypted messages
	protected.GET("/encrypted", h.GetEncryptedMessages)
	protected.POST("/encrypted", h.CreateEncryptedMessage)
	protected.DELETE("/encrypted/:id", h.DeleteEncryptedMessage)
	protected.POST("/encrypted/:id/share", h.ShareEncryptedMessage)
	protected.GET("/encrypted/:id/decrypt", h.DecryptEncryptedMessage)
	protected.POST("/encrypted/:id/key", h.DeriveMessageKey)
	protected.GET("/keys/public", h.GetPublicKey)
}

// GetStats is public.
func (h *ChatHandler) GetStats(c *gin.Context) {
	stats, err := h.svc.GetStats(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

type RegisterUserRequest struct {
	Username string  `json:"username"`
	Bio      *string `json:"bio"`
}

type UpdateUserRequest struct {
	Username *string `json:"username"`
	Bio      *string `json:"bio"`
	Avatar   *string `json:"avatar"`
}

func (h *ChatHandler) RegisterUser(c *gin.Context) {
	var req RegisterUserRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": __("invalid request")})
		return
	}

	user, err := h.svc.RegisterUser(c.Request.Context(), currentIdentity(c), req.Username, req.Bio)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, user)
}

func (h *ChatHandler) GetCurrentUser(c *gin.Context) {
	user, err := h.svc.GetCurrentUser(c.Request.Context(), currentIdentity(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, user)
}

func (h *ChatHandler) UpdateCurrentUser(c *gin.Context) {
	var req UpdateUserRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": __("invalid request")})
		return
	}

	user, err := h.svc.UpdateUser(c.Request.Context(), currentIdentity(c), req.Username, req.Bio, req.Avatar)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, user)
}

func (h *ChatHandler) GetUser(c *gin.Context) {
	user, err := h.svc.GetUser(c.Request.Context(), c.Param("identity"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, user)
}

func (h *ChatHandler) GetUsers(c *gin.Context) {
	users, err := h.svc.GetAllUsers(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"users": users})
}
