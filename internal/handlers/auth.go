package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/4xmen/kanal/internal/auth"
	"github.com/4xmen/kanal/pkg/logger"
)

// IdentityKey is the gin context key holding the authenticated identity.
const IdentityKey = "identity"

type AuthHandler struct {
	authSvc *auth.Service
}

func NewAuthHandler(authSvc *auth.Service) *AuthHandler {
	return &AuthHandler{authSvc: authSvc}
}

type SessionRequest struct {
	Secret string `json:"secret" binding:"required"`
}

type LoginRequest struct {
	Identity string `json:"identity" binding:"required"`
	Secret   string `json:"secret" binding:"required"`
}

type AuthResponse struct {
	Token    string `json:"token"`
	Identity string `json:"identity"`
}

// CreateSession mints a new identity and returns a token for it
func (h *AuthHandler) CreateSession(c *gin.Context) {
	var req SessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": __("invalid request")})
		return
	}

	identity, token, err := h.authSvc.CreateIdentity(c.Request.Context(), req.Secret)
	if errors.Is(err, auth.ErrWeakSecret) {
		c.JSON(http.StatusBadRequest, gin.H{"error": __(err.Error())})
		return
	}
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusCreated, AuthResponse{Token: token, Identity: identity})
}

// Login exchanges an identity and its secret for a token
func (h *AuthHandler) Login(c *gin.Context) {
	var req LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": __("invalid request")})
		return
	}

	token, err := h.authSvc.Login(c.Request.Context(), req.Identity, req.Secret)
	if errors.Is(err, auth.ErrInvalidCredentials) {
		c.JSON(http.StatusUnauthorized, gin.H{"error": __(err.Error())})
		return
	}
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, AuthResponse{Token: token, Identity: req.Identity})
}

// AuthMiddleware validates the JWT and stores the caller's identity
func (h *AuthHandler) AuthMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		token := ""

		if len(authHeader) > 7 && authHeader[:7] == "Bearer " {
			token = authHeader[7:]
		}

		// WebSocket clients cannot set headers.
		if token == "" {
			token = c.Query("token")
		}

		if token == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": __("missing authorization token")})
			c.Abort()
			return
		}

		claims, err := h.authSvc.ValidateToken(token)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": __("invalid token")})
			c.Abort()
			return
		}

		exists, err := h.authSvc.IdentityExists(c.Request.Context(), claims.Identity)
		if err != nil {
			c.Error(err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": __("failed to validate user")})
			c.Abort()
			return
		}
		if !exists {
			c.JSON(http.StatusUnauthorized, gin.H{"error": __("invalid token")})
			c.Abort()
			return
		}

		ctx := c.Request.Context()
		log := logger.FromContext(ctx).With(zap.String(IdentityKey, claims.Identity))
		c.Request = c.Request.WithContext(logger.WithContext(ctx, log))

		c.Set(IdentityKey, claims.Identity)
		c.Next()
	}
}

func currentIdentity(c *gin.Context) string {
	return c.GetString(IdentityKey)
}
