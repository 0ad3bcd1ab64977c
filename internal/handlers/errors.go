package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/4xmen/kanal/internal/chat"
	"github.com/4xmen/kanal/pkg/i18n"
	"github.com/4xmen/kanal/pkg/logger"
)

func __(message string) string {
	return i18n.Translate(message)
}

var errorStatus = []struct {
	err    error
	status int
}{
	{chat.ErrNotFound, http.StatusNotFound},
	{chat.ErrChannelNotFound, http.StatusNotFound},
	{chat.ErrNotAuthorized, http.StatusForbidden},
	{chat.ErrInvalidPassword, http.StatusForbidden},
	{chat.ErrInvalidInput, http.StatusBadRequest},
	{chat.ErrUserAlreadyExists, http.StatusConflict},
	{chat.ErrAttachmentTooLarge, http.StatusRequestEntityTooLarge},
	{chat.ErrMessageTooLarge, http.StatusRequestEntityTooLarge},
	{chat.ErrKeyDerivation, http.StatusBadGateway},
}

// writeError renders err as {"error": ...} with the status its kind maps to.
// Unknown errors are logged and reported as a generic 500.
func writeError(c *gin.Context, err error) {
	for _, e := range errorStatus {
		if !errors.Is(err, e.err) {
			continue
		}

		message := err.Error()
		var detailed *chat.Error
		if errors.As(err, &detailed) && detailed.Detail != "" && e.err != chat.ErrKeyDerivation {
			message = detailed.Detail
		}
		c.JSON(e.status, gin.H{"error": __(message)})
		return
	}

	c.Error(err)
	logger.FromContext(c.Request.Context()).Error("request failed",
		zap.String("path", c.Request.URL.Path),
		zap.Error(err),
	)
	c.JSON(http.StatusInternalServerError, gin.H{"error": __("internal server error")})
}

func parseID(c *gin.Context, param, message string) (uint64, bool) {
	id, err := strconv.ParseUint(c.Param(param), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": __(message)})
		return 0, false
	}
	return id, true
}
