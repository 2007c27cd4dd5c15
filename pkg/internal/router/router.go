// Package router 管理运维 HTTP 服务的路由.
package router

import (
	"github.com/gin-gonic/gin"
)

// APIPrefix 运维接口前缀.
const APIPrefix = "/api/v1"

// Register 在 engine 上注册所有运维路由:
//
//	GET  /api/v1/health
//	GET  /api/v1/health/:component
//	GET  /api/v1/scheduler/jobs
//	POST /api/v1/scheduler/jobs/:name/run
func Register(engine *gin.Engine) {
	g := engine.Group(APIPrefix)

	RegisterHealthCheckRoute(g)
	RegisterSchedulerRoutes(g)
}
