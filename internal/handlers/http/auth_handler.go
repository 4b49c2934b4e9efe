package http

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"camrelay/internal/core/domain"
	"camrelay/internal/core/services"
	"camrelay/pkg/errors"
	"camrelay/pkg/validation"

	"github.com/gin-gonic/gin"
)

// AuthHandler issues signaling tokens. Mount it behind an admin check.
type AuthHandler struct {
	authService services.AuthService
	tokenTTL    time.Duration
}

func NewAuthHandler(authService services.AuthService, tokenTTL time.Duration) *AuthHandler {
	return &AuthHandler{
		authService: authService,
		tokenTTL:    tokenTTL,
	}
}

func (h *AuthHandler) SetupRoutes(router *gin.Engine, guards ...gin.HandlerFunc) {
	api := router.Group("/api/v1/auth", guards...)
	{
		api.POST("/token", h.IssueToken)
	}
}

type TokenRequest struct {
	Role    string `json:"role" binding:"required"`
	Subject string `json:"subject" binding:"required,max=128"`
}

func (h *AuthHandler) IssueToken(c *gin.Context) {
	var req TokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(errors.NewInvalidInputError("invalid request format"))
		return
	}

	req.Role = strings.TrimSpace(strings.ToLower(req.Role))
	req.Subject = strings.TrimSpace(req.Subject)

	var err error
	switch req.Role {
	case string(domain.PartyDevice):
		err = validation.ValidateDeviceID(req.Subject)
	case string(domain.PartyViewer):
		err = validation.ValidateViewerID(req.Subject)
	case services.RoleAdmin:
	default:
		err = fmt.Errorf("role must be device, viewer or admin")
	}
	if err != nil {
		c.Error(errors.NewInvalidInputError(err.Error()))
		return
	}

	token, err := h.authService.GenerateToken(req.Role, req.Subject)
	if err != nil {
		c.Error(errors.NewInternalError("failed to generate token"))
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"token":      token,
		"role":       req.Role,
		"subject":    req.Subject,
		"expires_in": int(h.tokenTTL / time.Second),
	})
}
