package middleware

import (
	"time"

	"camrelay/pkg/logger"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const RequestIDHeader = "X-Request-ID"

// RequestLogMiddleware tags each request with an ID, echoes it back in
// X-Request-ID and logs the request once it completes. A caller-supplied
// ID is kept.
func RequestLogMiddleware(cl *logger.ContextLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		id := c.GetHeader(RequestIDHeader)
		if id == "" || len(id) > 64 {
			id = uuid.NewString()
		}
		ctx := logger.WithRequestID(c.Request.Context(), id)
		if deviceID := c.Param("id"); deviceID != "" {
			ctx = logger.WithParties(ctx, deviceID, c.Query("viewer_id"))
		} else if viewerID := c.Query("viewer_id"); viewerID != "" {
			ctx = logger.WithParties(ctx, "", viewerID)
		}
		c.Request = c.Request.WithContext(ctx)
		c.Header(RequestIDHeader, id)

		c.Next()

		cl.LogRequest(c.Request.Context(), c.Request.Method, c.Request.URL.Path, c.Writer.Status(), time.Since(start).Milliseconds())
	}
}
