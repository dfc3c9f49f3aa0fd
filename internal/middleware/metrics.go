package middleware

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/logwarden/logwarden/internal/telemetry"
)

// MetricsMiddleware records http_requests_total and http_request_duration_seconds
// for every request.
//
// The path label is the matched route template (c.FullPath()), e.g.
// /api/v1/actions/:action, never the raw URL. Unmatched requests use
// "<no-route>" so scanners cannot inflate label cardinality.
//
// Register it after gin.Recovery() and RequestIDMiddleware so statuses written
// by recovery are captured.
func MetricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "<no-route>"
		}

		status := strconv.Itoa(c.Writer.Status())
		telemetry.HTTPRequestsTotal.WithLabelValues(c.Request.Method, path, status).Inc()
		telemetry.HTTPRequestDuration.WithLabelValues(c.Request.Method, path).Observe(time.Since(start).Seconds())
	}
}
