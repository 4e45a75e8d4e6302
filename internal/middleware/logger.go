package middleware

import (
	"time"

	"github.com/gin-gonic/gin"

	"github.com/jwalitptl/school-notify/pkg/logger"
)

// Logger logs each request once it has been handled. Bodies are never
// logged: they carry subscription keys.
func Logger(log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		if raw := c.Request.URL.RawQuery; raw != "" {
			path = path + "?" + raw
		}

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
