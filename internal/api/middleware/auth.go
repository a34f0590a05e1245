// Package middleware provides gin middleware for authentication, rate
// limiting, and request logging.
package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/gimo-ai/gimo-license-server/internal/models"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

// userContextKey is where RequireAuth stores the resolved user.
const userContextKey = "current_user"

// IdentityResolver turns a bearer token into a user profile.
// Implemented by *auth.Gate.
type IdentityResolver interface {
	Resolve(ctx context.Context, rawToken string) (*models.User, error)
}

// RequireAuth rejects requests without a valid bearer token and stores the
// resolved user on the context for downstream handlers.
func RequireAuth(resolver IdentityResolver, logger zerolog.Logger) gin.HandlerFunc {
	log := logger.With().Str("component", "auth_middleware").Logger()
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		token, found := strings.CutPrefix(header, "Bearer ")
		if !found || token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			return
		}

		user, err := resolver.Resolve(c.Request.Context(), token)
		if err != nil {
			log.Debug().Err(err).Str("path", c.Request.URL.Path).Msg("token rejected")
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid or expired token"})
			return
		}

		c.Set(userContextKey, user)
		c.Next()
	}
}

// RequireAdmin rejects requests from non-admin users. Must run after
// RequireAuth.
func RequireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		user := CurrentUser(c)
		if user == nil || !user.IsAdmin() {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "admin access required"})
			return
		}
		c.Next()
	}
}

// CurrentUser returns the authenticated user, or nil outside RequireAuth.
func CurrentUser(c *gin.Context) *models.User {
	value, exists := c.Get(userContextKey)
	if !exists {
		return nil
	}
	user, ok := value.(*models.User)
	if !ok {
		return nil
	}
	return user
}

// InjectUser places a user on the context directly, bypassing token
// verification. Test use only.
func InjectUser(user *models.User) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Set(userContextKey, user)
		c.Next()
	}
}
