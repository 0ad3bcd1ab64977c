package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

type CreateChannelRequest struct {
	Name        string  `json:"name"`
	Description *string `json:"description"`
	Password    *string `json:"password"`
}

type JoinChannelRequest struct {
	Password *string `json:"password"`
}

func (h *ChatHandler) GetChannels(c *gin.Context) {
	channels, err := h.svc.GetAllChannels(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"channels": channels})
}

func (h *ChatHandler) GetChannel(c *gin.Context) {
	id, ok := parseID(c, "id", "invalid channel id")
	if !ok {
		return
	}

	channel, err := h.svc.GetChannel(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, channel)
}

func (h *ChatHandler) CreateChannel(c *gin.Context) {
	var req CreateChannelRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": __("invalid request")})
		return
	}

	channel, err := h.svc.CreateChannel(c.Request.Context(), currentIdentity(c), req.Name, req.Description)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, channel)
}

func (h *ChatHandler) CreateEncryptedChannel(c *gin.Context) {
	var req CreateChannelRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": __("invalid request")})
		return
	}

	channel, err := h.svc.CreateEncryptedChannel(c.Request.Context(), currentIdentity(c), req.Name, req.Description, req.Password)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, channel)
}

func (h *ChatHandler) JoinChannel(c *gin.Context) {
	id, ok := parseID(c, "id", "invalid channel id")
	if !ok {
		return
	}

	// The body is optional for channels without a password.
	var req JoinChannelRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": __("invalid request")})
			return
		}
	}

	if err := h.svc.JoinChannel(c.Request.Context(), currentIdentity(c), id, req.Password); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *ChatHandler) DeleteChannel(c *gin.Context) {
	id, ok := parseID(c, "id", "invalid channel id")
	if !ok {
		return
	}

	if err := h.svc.DeleteChannel(c.Request.Context(), currentIdentity(c), id); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *ChatHandler) ForceDeleteChannel(c *gin.Context) {
	id, ok := parseID(c, "id", "invalid channel id")
	if !ok {
		return
	}

	if err := h.svc.ForceDeleteChannel(c.Request.Context(), currentIdentity(c), id); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// RepairGeneralChannel is admin only. ?dry_run=true reports without writing.
func (h *ChatHandler) RepairGeneralChannel(c *gin.Context) {
	if !h.svc.IsAdmin(currentIdentity(c)) {
		c.JSON(http.StatusForbidden, gin.H{"error": __("unauthorized")})
		return
	}

	dryRun := c.Query("dry_run") == "true"
	missing, err := h.svc.RepairGeneralChannel(c.Request.Context(), dryRun)
	if err != nil {
		writeError(c, err)
		return
	}
	if missing == nil {
		missing = []string{}
	}
	c.JSON(http.StatusOK, gin.H{"dry_run": dryRun, "missing": missing})
}
