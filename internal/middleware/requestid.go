package middleware

import (
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const (
	HeaderXRequestID = "X-Request-ID"
	HeaderCloudTrace = "X-Cloud-Trace-Context"
	ContextRequestID = "request_id"
	ContextTraceID   = "trace_id"
)

// RequestID adds a unique request ID to each request. The push provider's
// trace header, when present, becomes the trace ID carried into audit rows.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		rid := c.GetHeader(HeaderXRequestID)
		if rid == "" {
			rid = uuid.New().String()
		}

		traceID := rid
		if tc := c.GetHeader(HeaderCloudTrace); tc != "" {
			traceID = strings.SplitN(tc, "/", 2)[0]
		}

		c.Set(ContextRequestID, rid)
		c.Set(ContextTraceID, traceID)
		c.Header(HeaderXRequestID, rid)
		c.Next()
	}
}
