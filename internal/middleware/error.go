package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"

	apperrors "github.com/jwalitptl/mail-guardian/pkg/errors"
	"github.com/jwalitptl/mail-guardian/pkg/logger"
)

// ErrorResponse represents a standardized error response
type ErrorResponse struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	TraceID string `json:"trace_id,omitempty"`
}

// ErrorHandler renders the last error attached with c.Error when the handler
// has not written a response.
func ErrorHandler(log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) == 0 {
			return
		}

		traceID := c.GetString(ContextTraceID)
		for _, e := range c.Errors {
			log.Warn(e.Err, "Request error",
				"trace_id", traceID,
				"path", c.Request.URL.Path,
				"method", c.Request.Method)
		}

		if c.Writer.Written() {
			return
		}

		lastErr := c.Errors.Last()
		status := apperrors.StatusFor(lastErr.Err)
		msg := lastErr.Error()
		if status >= http.StatusInternalServerError {
			msg = "internal server error"
		}
		c.JSON(status, ErrorResponse{
			Code:    status,
			Message: msg,
			TraceID: traceID,
		})
	}
}
