package metrics

import (
	"fmt"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gin-gonic/gin"
)

// routeLabel keeps label cardinality bounded: unmatched paths share one label.
func routeLabel(c *gin.Context) string {
	if r := c.FullPath(); r != "" {
		return r
	}
	return "unmatched"
}

// MetricsMiddleware counts management requests by route template and status
// class and observes their latency.
func MetricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		if httpRequestsTotal == nil {
			return
		}
		route := routeLabel(c)
		code := fmt.Sprintf("%dxx", c.Writer.Status()/100)
		httpRequestsTotal.WithLabelValues(c.Request.Method, route, code).Inc()
		httpRequestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	}
}

// AccessLogMiddleware logs one line per request. Health-check and scrape paths
// passed as quiet are logged at debug level only.
func AccessLogMiddleware(quiet ...string) gin.HandlerFunc {
	q := make(map[string]struct{}, len(quiet))
	for _, p := range quiet {
		q[p] = struct{}{}
	}
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		logf := log.Info
		if _, ok := q[c.Request.URL.Path]; ok {
			logf = log.Debug
		}
		if c.Writer.Status() >= 500 {
			logf = log.Warn
		}
		logf("Management request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration", time.Since(start),
			"client", c.ClientIP(),
		)
	}
}
