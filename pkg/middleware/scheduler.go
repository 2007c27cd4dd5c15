package middleware

import (
	"context"

	"github.com/gin-gonic/gin"

	"github.com/yeisme/curatevault/pkg/scheduler"
)

type schedulerKey struct{}

// SchedulerMiddleware 将 scheduler 注入到 context 中.
func SchedulerMiddleware(sched *scheduler.Scheduler) gin.HandlerFunc {
	return func(c *gin.Context) {
		if sched != nil {
			c.Request = c.Request.WithContext(context.WithValue(c.Request.Context(), schedulerKey{}, sched))
		}

		c.Next()
	}
}

// GetScheduler 从 context 中获取 scheduler，未注入时返回 nil.
func GetScheduler(c *gin.Context) *scheduler.Scheduler {
	sched, _ := c.Request.Context().Value(schedulerKey{}).(*scheduler.Scheduler)
	return sched
}
