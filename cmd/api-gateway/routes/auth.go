package routes

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/lgulliver/waypoint/internal/auth"
	"github.com/lgulliver/waypoint/pkg/types"
	"github.com/rs/zerolog/log"
)

// AuthRoutes sets up authentication-related routes
func AuthRoutes(api *gin.RouterGroup, authService AuthService) {
	group := api.Group("/auth")
	group.POST("/login", handleLogin(authService))
}

func handleLogin(authService AuthService) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req types.LoginRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			respondError(c, invalid("%v", err))
			return
		}

		authToken, err := authService.Login(c.Request.Context(), &req)
		if err != nil {
			if !errors.Is(err, auth.ErrInvalidCredentials) {
				log.Warn().Err(err).Str("username", req.Username).Msg("login failed")
			}
			c.JSON(http.StatusUnauthorized, types.APIResponse{
				Success: false,
				Error:   "invalid credentials",
			})
			return
		}

		respondOK(c, http.StatusOK, "", authToken)
	}
}
