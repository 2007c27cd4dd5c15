package router

import (
	"github.com/gin-gonic/gin"

	"github.com/yeisme/curatevault/pkg/internal/handle"
)

// RegisterHealthCheckRoute 注册健康检查路由.
func RegisterHealthCheckRoute(g *gin.RouterGroup) {
	g.GET("/health", handle.HealthAll)
	g.GET("/health/:component", handle.Health)
}
