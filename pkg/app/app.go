// Package app 组装配置、存储、服务、后台任务与运维 HTTP 服务.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/yeisme/curatevault/pkg/configs"
	"github.com/yeisme/curatevault/pkg/internal/jobs"
	"github.com/yeisme/curatevault/pkg/internal/router"
	"github.com/yeisme/curatevault/pkg/internal/service"
	"github.com/yeisme/curatevault/pkg/internal/storage"
	"github.com/yeisme/curatevault/pkg/internal/worker"
	"github.com/yeisme/curatevault/pkg/log"
	"github.com/yeisme/curatevault/pkg/metrics"
	"github.com/yeisme/curatevault/pkg/middleware"
	"github.com/yeisme/curatevault/pkg/queue"
	"github.com/yeisme/curatevault/pkg/scheduler"
	"github.com/yeisme/curatevault/pkg/tracing"
)

// App 持有所有已初始化的资源与服务.
type App struct {
	Manager   *storage.Manager
	Queue     *queue.Queue
	Reporter  service.Reporter
	Snapshots *service.SnapshotService
	Works     *service.WorkService
	Uploads   *service.UploadService
	Preserver *service.PreservationService
	config    *configs.AppConfig
}

// Bootstrap 加载配置并初始化日志、追踪与指标.
func Bootstrap(configPath string) error {
	if err := configs.InitConfig(configPath); err != nil {
		return fmt.Errorf("init config: %w", err)
	}

	log.Init()

	config := configs.GetConfig()

	if err := tracing.InitTracer(config.Tracing); err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}

	if err := metrics.InitMetrics(config.Metrics); err != nil {
		return fmt.Errorf("init metrics: %w", err)
	}

	return nil
}

// New 打开存储并创建服务，需要先调用 Bootstrap.
func New(ctx context.Context) (*App, error) {
	config := configs.GetConfig()

	manager, err := storage.Init(ctx)
	if err != nil {
		return nil, fmt.Errorf("init storage: %w", err)
	}

	q := queue.New(manager.MQ.Publisher, queue.WithRateLimit(config.RateLimit))
	reporter := service.NewLogReporter()
	db := manager.DB.DB
	buckets := config.S3.Buckets

	snapshots := service.NewSnapshotService(db, q, reporter)
	works := service.NewWorkService(db, manager.Gateway, snapshots, q, buckets)

	return &App{
		Manager:   manager,
		Queue:     q,
		Reporter:  reporter,
		Snapshots: snapshots,
		Works:     works,
		Uploads:   service.NewUploadService(works, snapshots, config.Worker.StagingDir),
		Preserver: service.NewPreservationService(db, manager.Gateway, snapshots, buckets,
			config.Worker.PreservationConcurrency),
		config: config,
	}, nil
}

// RunWorker 运行任务执行器、定时任务与运维服务，直到 ctx 结束或其中一个退出.
func (a *App) RunWorker(ctx context.Context) error {
	cfg := a.config
	l := log.Component("app")

	runner, err := worker.New(worker.Deps{
		Publisher:  a.Manager.GetMQClient().Publisher,
		Subscriber: a.Manager.GetMQClient().Subscriber,
		Logger:     a.Manager.GetMQClient().Logger,
		Store:      a.Manager.GetGateway(),
		Snapshots:  a.Snapshots,
		Preserver:  a.Preserver,
		Reporter:   a.Reporter,
		Dedupe:     a.Manager.GetKVClient().KVStore,
	}, cfg.Worker)
	if err != nil {
		return err
	}

	sched, err := scheduler.NewScheduler()
	if err != nil {
		return fmt.Errorf("create scheduler: %w", err)
	}

	if err := jobs.RegisterCronJobs(sched, jobs.Deps{
		Works:     a.Works,
		Snapshots: a.Snapshots,
		Reporter:  a.Reporter,
	}, cfg.Worker); err != nil {
		return fmt.Errorf("register jobs: %w", err)
	}

	sched.Start()

	defer func() {
		if err := sched.Stop(); err != nil {
			l.Warn().Err(err).Msg("stop scheduler")
		}
	}()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return runner.Run(gctx) })

	if cfg.Server.Enabled {
		srv := &http.Server{
			Addr:              fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
			Handler:           a.engine(sched),
			ReadHeaderTimeout: cfg.Server.GetTimeoutDuration(),
		}

		g.Go(func() error {
			l.Info().Str("addr", srv.Addr).Msg("ops server listening")

			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("ops server: %w", err)
			}

			return nil
		})

		g.Go(func() error {
			<-gctx.Done()

			shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.GetTimeoutDuration())
			defer cancel()

			return srv.Shutdown(shutdownCtx)
		})
	}

	return g.Wait()
}

// engine 运维 HTTP 服务：健康检查、定时任务、/metrics 与 pprof.
func (a *App) engine(sched *scheduler.Scheduler) *gin.Engine {
	if !a.config.Server.Debug {
		gin.SetMode(gin.ReleaseMode)
	}

	l := log.Logger()
	gin.DefaultWriter = log.NewGinWriter(l, zerolog.InfoLevel)
	gin.DefaultErrorWriter = log.NewGinWriter(l, zerolog.ErrorLevel)

	engine := gin.New()
	engine.Use(middleware.Default(a.Manager, sched)...)

	router.Register(engine)

	if err := metrics.StartMetricsServer(a.config.Metrics, engine); err != nil {
		l.Warn().Err(err).Msg("metrics endpoint not mounted")
	}

	return engine
}

// Close 释放存储连接并刷新追踪数据.
func (a *App) Close(ctx context.Context) error {
	return errors.Join(a.Manager.Close(), tracing.ShutdownTracer(ctx))
}
