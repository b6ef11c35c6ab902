package middleware

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/fablemind/fablemind-backend/internal/platform/ctxutil"
)

// TraceContext attaches trace/request ids to every request context,
// honoring an inbound X-Trace-Id when present.
func TraceContext() gin.HandlerFunc {
	return func(c *gin.Context) {
		traceID := c.GetHeader("X-Trace-Id")
		if traceID == "" {
			traceID = uuid.NewString()
		}
		td := &ctxutil.TraceData{
			TraceID:   traceID,
			RequestID: uuid.NewString(),
		}
		c.Request = c.Request.WithContext(ctxutil.WithTraceData(c.Request.Context(), td))
		c.Writer.Header().Set("X-Trace-Id", traceID)
		c.Next()
	}
}
