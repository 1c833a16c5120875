package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/lgulliver/waypoint/pkg/types"
	"github.com/rs/zerolog/log"
)

const userKey = "user"

// AuthMiddleware validates the JWT in the Authorization header
func AuthMiddleware(validator TokenValidator) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if !strings.HasPrefix(authHeader, "Bearer ") {
			abort(c, http.StatusUnauthorized, "unauthorized")
			return
		}

		token := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
		user, err := validator.ValidateToken(c.Request.Context(), token)
		if err != nil {
			log.Debug().Err(err).Str("path", c.Request.URL.Path).Msg("rejected bearer token")
			abort(c, http.StatusUnauthorized, "unauthorized")
			return
		}

		c.Set(userKey, user)
		c.Next()
	}
}

// AdminOnly rejects authenticated users without the admin flag. It must run
// after AuthMiddleware.
func AdminOnly() gin.HandlerFunc {
	return func(c *gin.Context) {
		user, ok := GetUserFromContext(c)
		if !ok {
			abort(c, http.StatusUnauthorized, "unauthorized")
			return
		}
		if !user.IsAdmin {
			log.Warn().
				Str("user", user.Username).
				Str("path", c.Request.URL.Path).
				Msg("non-admin request to admin route")
			abort(c, http.StatusForbidden, "admin access required")
			return
		}
		c.Next()
	}
}

// GetUserFromContext extracts the authenticated user from gin context
func GetUserFromContext(c *gin.Context) (*types.User, bool) {
	user, exists := c.Get(userKey)
	if !exists {
		return nil, false
	}
	typedUser, ok := user.(*types.User)
	return typedUser, ok
}

func abort(c *gin.Context, status int, message string) {
	c.AbortWithStatusJSON(status, types.APIResponse{
		Success: false,
		Error:   message,
	})
}
