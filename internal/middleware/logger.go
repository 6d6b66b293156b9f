package middleware

import (
	"time"

	"github.com/gin-gonic/gin"

	"github.com/jwalitptl/mail-guardian/pkg/logger"
)

// Logger returns a middleware that logs HTTP requests. Bodies are never
// logged: webhook bodies and headers carry bearer tokens.
func Logger(log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		latency := time.Since(start)
		statusCode := c.Writer.Status()

		event := log.ZL.Info()
		msg := "Request processed"
		switch {
		case statusCode >= 500:
			event = log.ZL.Error()
			msg = "Server error"
		case statusCode >= 400:
			event = log.ZL.Warn()
			msg = "Client error"
		}

		event.
			Str("request_id", c.GetString(ContextRequestID)).
			Str("method", c.Request.Method).
			Str("path", path).
			Str("ip", c.ClientIP()).
			Int("status", statusCode).
			Dur("duration", latency).
			Str("user_agent", c.Request.UserAgent()).
			Msg(msg)
	}
}
