// Package middleware 提供运维 HTTP 服务的 gin 中间件.
package middleware

import (
	"github.com/gin-gonic/gin"

	"github.com/yeisme/curatevault/pkg/internal/storage"
	"github.com/yeisme/curatevault/pkg/scheduler"
)

// Default 运维服务使用的中间件，按执行顺序排列.
func Default(manager *storage.Manager, sched *scheduler.Scheduler) []gin.HandlerFunc {
	return []gin.HandlerFunc{
		gin.Recovery(),
		TracingMiddleware(),
		GinLoggerMiddleware(),
		PrometheusMiddleware(),
		StorageMiddleware(manager),
		SchedulerMiddleware(sched),
	}
}
