package middleware

import (
	"time"

	"github.com/gin-gonic/gin"

	"github.com/yeisme/curatevault/pkg/metrics"
)

// PrometheusMiddleware 记录运维请求计数与耗时，按路由模板聚合.
func PrometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		// /metrics 自身不计入
		path := c.FullPath()
		if path == "" || path == "/metrics" {
			return
		}

		method := c.Request.Method
		metrics.RequestCounter.WithLabelValues(method, path).Inc()
		metrics.RequestDuration.WithLabelValues(method, path).Observe(time.Since(start).Seconds())
	}
}
