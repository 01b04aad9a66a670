package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"call-broker/internal/sessions"
)

const userMacKey = "user_mac"

// RequireSession authenticates the presented session id and stores the
// pseudonymized user identifier on the request context. Handlers below this
// middleware only ever see the MAC, never the raw session id.
func RequireSession(auth *sessions.Authenticator) gin.HandlerFunc {
	return func(c *gin.Context) {
		sessionID := sessionIDFrom(c)
		if sessionID == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "session required"})
			return
		}
		userMac, err := auth.Authenticate(c.Request.Context(), sessionID)
		if errors.Is(err, sessions.ErrSessionNotFound) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid session"})
			return
		}
		if err != nil {
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "service unavailable"})
			return
		}
		c.Set(userMacKey, userMac)
		c.Next()
	}
}

// UserMac returns the pseudonymized identity set by RequireSession.
func UserMac(c *gin.Context) string {
	return c.GetString(userMacKey)
}

func sessionIDFrom(c *gin.Context) string {
	h := c.GetHeader("Authorization")
	const prefix = "Session "
	if !strings.HasPrefix(h, prefix) {
		return ""
	}
	return strings.TrimSpace(h[len(prefix):])
}
