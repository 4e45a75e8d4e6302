package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/jwalitptl/school-notify/pkg/httputil"
	"github.com/jwalitptl/school-notify/pkg/logger"
)

// ErrorHandler logs errors handlers attached to the context. Handlers write
// their own responses; a generic 500 is sent only when nothing was written.
func ErrorHandler(log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) == 0 {
			return
		}

		for _, e := range c.Errors {
			log.ZL.Error().
				Err(e.Err).
				Str("request_id", c.GetString(ContextRequestID)).
				Str("path", c.Request.URL.Path).
				Str("method", c.Request.Method).
				Str("client_ip", c.ClientIP()).
				Msg("Request error")
		}

		if !c.Writer.Written() {
			status := http.StatusInternalServerError
			if err, ok := c.Errors.Last().Err.(interface{ StatusCode() int }); ok {
				status = err.StatusCode()
			}
			c.JSON(status, httputil.ErrorBody{Error: http.StatusText(status)})
		}
	}
}
