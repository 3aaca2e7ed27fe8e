package handlers

import (
	"crypto/subtle"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/mossy-p/proximity-chat/config"
	"github.com/mossy-p/proximity-chat/internal/middleware"
	"github.com/mossy-p/proximity-chat/internal/models"
)

// Login exchanges the configured operator credentials for a JWT. Login is
// disabled while no operator password is configured.
func Login(admin config.AdminConfig, jwtSecret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if admin.Password == "" {
			c.JSON(http.StatusForbidden, gin.H{"error": "Operator login disabled"})
			return
		}

		var req models.LoginRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
			return
		}

		userOK := subtle.ConstantTimeCompare([]byte(req.Username), []byte(admin.User)) == 1
		passOK := subtle.ConstantTimeCompare([]byte(req.Password), []byte(admin.Password)) == 1
		if !userOK || !passOK {
			log.Warn().Str("module", "api").Str("user", req.Username).Msg("operator login failed")
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid credentials"})
			return
		}

		token, err := middleware.IssueToken(jwtSecret, req.Username, time.Now())
		if err != nil {
			log.Error().Str("module", "api").Err(err).Msg("failed to sign token")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to generate token"})
			return
		}

		c.JSON(http.StatusOK, models.LoginResponse{Token: token})
	}
}
