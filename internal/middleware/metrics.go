package middleware

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/formsync/formsync/pkg/metrics"
)

// Metrics records request latency for each HTTP request. Unmatched routes
// share one label so arbitrary paths cannot grow the series count.
func Metrics() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}

		status := strconv.Itoa(c.Writer.Status())
		metrics.APILatency.WithLabelValues(c.Request.Method, path, status).Observe(time.Since(start).Seconds())
	}
}
