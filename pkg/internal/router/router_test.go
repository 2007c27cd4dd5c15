package router_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/bytedance/sonic"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yeisme/curatevault/pkg/configs"
	"github.com/yeisme/curatevault/pkg/internal/router"
	"github.com/yeisme/curatevault/pkg/internal/storage"
	"github.com/yeisme/curatevault/pkg/internal/storage/db"
	"github.com/yeisme/curatevault/pkg/middleware"
	"github.com/yeisme/curatevault/pkg/scheduler"
)

func newEngine(t *testing.T, sched *scheduler.Scheduler) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)

	client, err := db.Open(context.Background(), &configs.DBConfig{
		Type:         configs.SQLite,
		Database:     "file:router_health?mode=memory&cache=shared",
		MaxOpenConns: 1,
		MaxIdleConns: 1,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	engine := gin.New()
	engine.Use(middleware.Default(&storage.Manager{DB: client}, sched)...)
	router.Register(engine)

	return engine
}

func get(engine *gin.Engine, method, path string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	engine.ServeHTTP(w, httptest.NewRequest(method, path, nil))

	return w
}

func TestHealth(t *testing.T) {
	engine := newEngine(t, nil)

	assert.Equal(t, http.StatusOK, get(engine, http.MethodGet, "/api/v1/health/db").Code)
	assert.Equal(t, http.StatusServiceUnavailable, get(engine, http.MethodGet, "/api/v1/health/s3").Code)
	assert.Equal(t, http.StatusNotFound, get(engine, http.MethodGet, "/api/v1/health/ftp").Code)

	w := get(engine, http.MethodGet, "/api/v1/health")
	require.Equal(t, http.StatusServiceUnavailable, w.Code)

	var body struct {
		Components map[string]struct {
			Status string `json:"status"`
		} `json:"components"`
	}
	require.NoError(t, sonic.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "ok", body.Components["db"].Status)
	assert.Equal(t, "unhealthy", body.Components["mq"].Status)
}

func TestSchedulerRoutes(t *testing.T) {
	assert.Equal(t, http.StatusServiceUnavailable,
		get(newEngine(t, nil), http.MethodGet, "/api/v1/scheduler/jobs").Code)

	sched, err := scheduler.NewScheduler()
	require.NoError(t, err)
	require.NoError(t, sched.AddCron("noop", "0 3 * * *", func(context.Context) error { return nil }))
	sched.Start()
	t.Cleanup(func() { _ = sched.Stop() })

	engine := newEngine(t, sched)

	w := get(engine, http.MethodGet, "/api/v1/scheduler/jobs")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"name":"noop"`)

	assert.Equal(t, http.StatusAccepted, get(engine, http.MethodPost, "/api/v1/scheduler/jobs/noop/run").Code)
	assert.Equal(t, http.StatusNotFound, get(engine, http.MethodPost, "/api/v1/scheduler/jobs/missing/run").Code)
}
