package httpmw

import (
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/codeharbor/codeharbor/internal/common/logger"
)

// RequestLogger emits one structured line per completed request. Session
// routes carry the session id so request logs line up with runner logs.
func RequestLogger(log *logger.Logger, service string) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		route := c.FullPath()
		if route == "" {
			route = c.Request.URL.Path
		}

		c.Next()

		status := c.Writer.Status()
		size := c.Writer.Size()
		if size < 0 {
			size = 0
		}

		fields := []zap.Field{
			zap.String("service", service),
			zap.String("method", c.Request.Method),
			zap.String("route", route),
			zap.Int("status", status),
			zap.Duration("duration", time.Since(start)),
			zap.Int("bytes", size),
		}
		if sessionID := c.Param("sessionId"); sessionID != "" {
			fields = append(fields, zap.String("session_id", sessionID))
		}

		switch {
		case status >= 500:
			log.Error("request", fields...)
		case status >= 400:
			log.Warn("request", fields...)
		default:
			log.Debug("request", fields...)
		}
	}
}
