// Package handle 提供运维 HTTP 服务的处理器.
package handle

import (
	"github.com/gin-gonic/gin"
)

// unhealthy 组件不可用时的统一响应体.
func unhealthy(component string, err error) gin.H {
	return gin.H{"component": component, "status": "unhealthy", "error": err.Error()}
}

func healthy(component string) gin.H {
	return gin.H{"component": component, "status": "ok"}
}
