package middleware

import (
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	ctxPkg "github.com/yeisme/curatevault/pkg/context"
	"github.com/yeisme/curatevault/pkg/log"
)

const healthPrefix = "/api/v1/health"

// GinLoggerMiddleware 使用 zerolog 记录请求日志，健康检查只在失败时记录.
func GinLoggerMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		status := c.Writer.Status()
		if status < 400 && strings.HasPrefix(c.FullPath(), healthPrefix) {
			return
		}

		logger := ctxPkg.WithTraceContext(c.Request.Context(), log.Component("http"))

		event := logger.Info()
		if status >= 500 {
			event = logger.Error()
		}

		if len(c.Errors) > 0 {
			event = event.Str("error", c.Errors.String())
		}

		event.Int("status", status).
			Dur("latency", time.Since(start)).
			Str("method", c.Request.Method).
			Str("path", path).
			Str("client_ip", c.ClientIP()).
			Msg("HTTP request")
	}
}
