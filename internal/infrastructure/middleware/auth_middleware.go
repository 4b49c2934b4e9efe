package middleware

import (
	"net/http"
	"strings"

	"camrelay/internal/core/services"
	apperrors "camrelay/pkg/errors"

	"github.com/gin-gonic/gin"
)

const claimsContextKey = "claims"

func abortUnauthorized(c *gin.Context, message string) {
	appErr := apperrors.NewUnauthorizedError(message)
	c.AbortWithStatusJSON(appErr.HTTPStatus, gin.H{
		"error":   string(appErr.Code),
		"message": appErr.Message,
	})
}

// AuthMiddleware requires a valid bearer token and stores its claims on both
// the gin context and the request context.
func AuthMiddleware(authService services.AuthService) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			abortUnauthorized(c, "authorization header required")
			return
		}

		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || parts[0] != "Bearer" {
			abortUnauthorized(c, "invalid authorization header format")
			return
		}

		claims, err := authService.ValidateToken(parts[1])
		if err != nil {
			abortUnauthorized(c, err.Error())
			return
		}

		c.Set(claimsContextKey, claims)
		c.Request = c.Request.WithContext(services.WithClaims(c.Request.Context(), claims))
		c.Next()
	}
}

// RequireRole rejects callers whose token carries a different role. Admins
// pass every check.
func RequireRole(role string) gin.HandlerFunc {
	return func(c *gin.Context) {
		v, exists := c.Get(claimsContextKey)
		claims, ok := v.(*services.Claims)
		if !exists || !ok {
			abortUnauthorized(c, "authentication required")
			return
		}
		if claims.Role != role && claims.Role != services.RoleAdmin {
			appErr := apperrors.NewForbiddenError("insufficient permissions")
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   string(appErr.Code),
				"message": appErr.Message,
			})
			return
		}
		c.Next()
	}
}
