package httpmw

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/prime-system/prime-agent/internal/metrics"
)

// Metrics creates a Gin middleware that records request count and duration.
// The route template keeps label cardinality bounded; unmatched paths are
// grouped under "unmatched".
func Metrics() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		status := strconv.Itoa(c.Writer.Status())

		metrics.HTTPRequestsTotal.WithLabelValues(c.Request.Method, path, status).Inc()
		metrics.HTTPRequestDuration.WithLabelValues(c.Request.Method, path).Observe(time.Since(start).Seconds())
	}
}
