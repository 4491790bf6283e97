package middleware

import (
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/atlas-safety/coursebuilder-backend/internal/observability"
	"github.com/atlas-safety/coursebuilder-backend/internal/platform/ctxutil"
	"github.com/atlas-safety/coursebuilder-backend/internal/platform/logger"
)

// RequestID assigns each request an ID (honoring an inbound X-Request-ID),
// echoes it on the response, and threads it through the context for the
// pipeline's logs.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := strings.TrimSpace(c.GetHeader("X-Request-ID"))
		if id == "" {
			id = uuid.NewString()
		}
		c.Header("X-Request-ID", id)
		ctx := ctxutil.WithTraceData(c.Request.Context(), &ctxutil.TraceData{RequestID: id})
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

// RequestLog emits one structured line per request and feeds the API metrics.
func RequestLog(log *logger.Logger) gin.HandlerFunc {
	log = log.With("component", "RequestLog")
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		dur := time.Since(start)

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		status := c.Writer.Status()
		if metrics := observability.Current(); metrics != nil {
			metrics.ObserveAPI(c.Request.Method, route, strconv.Itoa(status), dur)
		}

		fields := []any{
			"method", c.Request.Method,
			"route", route,
			"status", status,
			"duration", dur.String(),
			"client_ip", c.ClientIP(),
		}
		if td := ctxutil.GetTraceData(c.Request.Context()); td != nil && td.RequestID != "" {
			fields = append(fields, "request_id", td.RequestID)
		}
		switch {
		case status >= 500:
			log.Error("Request failed", fields...)
		case status >= 400:
			log.Warn("Request rejected", fields...)
		default:
			log.Info("Request served", fields...)
		}
	}
}
