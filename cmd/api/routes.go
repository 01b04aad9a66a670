package main

import (
	"context"
	"log/slog"
	"net"
	"time"

	"call-broker/internal/httpapi"
	"call-broker/internal/sessions"
	"call-broker/internal/signaling"
	"call-broker/pkg/utils"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
)

const (
	// maxProgressConnsPerIP caps concurrent signaling sockets per client
	// address. The cap TTL covers leaked slots after a process crash.
	maxProgressConnsPerIP = 50
	progressCapTTL        = 2 * time.Hour
)

// registerRoutes wires HTTP routes to handlers.
// Keep this file free of business logic. Handlers should delegate to internal modules.
func registerRoutes(r *gin.Engine, h httpapi.Handlers, auth *sessions.Authenticator, ws *signaling.Handler, capMW gin.HandlerFunc) {
	r.GET("/healthz", h.Health)

	// Signaling endpoint; long-lived WebSocket connections.
	r.GET("/progress", capMW, ws.Progress)

	v1 := r.Group("/v1")
	{
		v1.POST("/sessions", h.CreateSession)
		v1.DELETE("/sessions", h.DeleteSession)

		// Reachable without a session: the caller of a call URL is
		// anonymous, and signaling clients hold ws tokens, not sessions.
		v1.POST("/calls/token/:token", h.PlaceCallByToken)
		v1.GET("/calls/:call_id/state", h.GetCallState)
		v1.POST("/calls/:call_id/events", h.PostCallEvent)

		authed := v1.Group("", httpapi.RequireSession(auth))
		{
			authed.POST("/registration", h.Register)
			authed.DELETE("/registration", h.Unregister)

			authed.POST("/call-url", h.CreateCallURL)
			authed.GET("/call-url", h.ListCallURLs)
			authed.DELETE("/call-url/:token", h.RevokeCallURL)

			authed.POST("/calls", h.PlaceCall)
			authed.GET("/calls", h.ListCalls)
		}
	}
}

// progressCapMiddleware bounds concurrent signaling connections per client
// IP. Redis errors fail open: a broken cap must not take signaling down.
func progressCapMiddleware(rdb *redis.Client, log *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		ip, _, err := net.SplitHostPort(c.Request.RemoteAddr)
		if err != nil {
			ip = c.Request.RemoteAddr
		}
		key := "wscap." + ip

		ok, err := utils.AcquireConcurrencyCap(c.Request.Context(), rdb, key, maxProgressConnsPerIP, progressCapTTL)
		if err != nil {
			log.Warn("connection cap check failed", "err", err)
			c.Next()
			return
		}
		if !ok {
			c.AbortWithStatusJSON(429, gin.H{"error": "too many concurrent connections"})
			return
		}
		defer func() {
			// Progress blocks for the connection's lifetime, and the
			// request context is gone by the time it returns.
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := utils.ReleaseConcurrencyCap(ctx, rdb, key); err != nil {
				log.Warn("connection cap release failed", "err", err)
			}
		}()
		c.Next()
	}
}
