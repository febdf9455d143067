package httpserver

import (
	"time"

	"github.com/gin-gonic/gin"

	"github.com/courierhq/courier/internal/ctxkeys"
)

// identity lifts the edge-proxy identity header into the request context.
// Routes that need a caller reject the request themselves via the service
// layer, so an anonymous health probe still passes through.
func (s *Server) identity() gin.HandlerFunc {
	return func(c *gin.Context) {
		if userID := c.GetHeader(ctxkeys.IdentityHeader); userID != "" {
			c.Request = c.Request.WithContext(ctxkeys.WithUserID(c.Request.Context(), userID))
		}
		c.Next()
	}
}

func (s *Server) requestLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.requests.Add(1)
		status := c.Writer.Status()
		if status >= 500 {
			s.requestErrors.Add(1)
		}
		s.logger.Info("http request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", status,
			"duration_ms", time.Since(start).Milliseconds(),
			"client_ip", c.ClientIP())
	}
}
