package handle

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	ctxPkg "github.com/yeisme/curatevault/pkg/context"
	"github.com/yeisme/curatevault/pkg/internal/storage"
)

const timeout = 2 * time.Second

var errNotInitialized = errors.New("not initialized")

type check func(ctx context.Context, mgr *storage.Manager) error

var checks = map[string]check{
	"db": func(ctx context.Context, mgr *storage.Manager) error {
		dbc := mgr.GetDBClient()
		if dbc == nil || dbc.DB == nil {
			return errNotInitialized
		}

		sqlDB, err := dbc.DB.DB()
		if err != nil {
			return err
		}

		return sqlDB.PingContext(ctx)
	},
	"s3": func(ctx context.Context, mgr *storage.Manager) error {
		if mgr.S3 == nil {
			return errNotInitialized
		}

		return mgr.S3.HealthCheck(ctx)
	},
	"mq": func(_ context.Context, mgr *storage.Manager) error {
		if mgr.GetMQClient() == nil {
			return errNotInitialized
		}

		return nil
	},
	"kv": func(ctx context.Context, mgr *storage.Manager) error {
		kvc := mgr.GetKVClient()
		if kvc == nil || kvc.KVStore == nil {
			return errNotInitialized
		}

		_, err := kvc.Exists(ctx, "health")

		return err
	},
}

// Health 检查单个组件，组件名取自路径 /health/:component.
func Health(c *gin.Context) {
	name := c.Param("component")

	p, ok := checks[name]
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown component " + name})
		return
	}

	if err := runCheck(c, p); err != nil {
		c.JSON(http.StatusServiceUnavailable, unhealthy(name, err))
		return
	}

	c.JSON(http.StatusOK, healthy(name))
}

// HealthAll 检查所有组件，任一不可用返回 503.
func HealthAll(c *gin.Context) {
	status := http.StatusOK
	components := make(map[string]gin.H, len(checks))

	for name, p := range checks {
		if err := runCheck(c, p); err != nil {
			status = http.StatusServiceUnavailable
			components[name] = unhealthy(name, err)

			continue
		}

		components[name] = healthy(name)
	}

	c.JSON(status, gin.H{"components": components})
}

func runCheck(c *gin.Context, p check) error {
	mgr := ctxPkg.GetManager(c.Request.Context())
	if mgr == nil {
		return errNotInitialized
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), timeout)
	defer cancel()

	return p(ctx, mgr)
}
