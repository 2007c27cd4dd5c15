// Package worker 消费任务队列，执行文件移动、拷贝、上传与归档，并把每个结果回写到账本.
//
// 每个主题对应一个 handler，全部挂在同一个 watermill Router 上：
//
//	cv.file.move.requested          -> MoveService.Move
//	cv.file.copy.requested          -> MoveService.Copy
//	cv.file.upload.requested        -> ObjectStore.Put
//	cv.work.preservation.requested  -> PreservationService.Preserve
//
// 暂时性失败按指数退避重试，耗尽后把文件记为 error 并转发到 cv.task.failed.
package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	watermill "github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/middleware"
	"github.com/rs/zerolog"

	"github.com/yeisme/curatevault/pkg/configs"
	"github.com/yeisme/curatevault/pkg/internal/service"
	"github.com/yeisme/curatevault/pkg/internal/storage/kv"
	"github.com/yeisme/curatevault/pkg/internal/storage/mq"
	nlog "github.com/yeisme/curatevault/pkg/log"
	"github.com/yeisme/curatevault/pkg/queue"
)

// Deps Runner 的依赖.
type Deps struct {
	Publisher  message.Publisher
	Subscriber message.Subscriber
	Logger     watermill.LoggerAdapter

	Store     service.ObjectStore
	Snapshots *service.SnapshotService
	Preserver *service.PreservationService
	Reporter  service.Reporter
	// Dedupe 为空时不做消息去重
	Dedupe kv.KVStore
}

// Runner 后台任务执行器.
type Runner struct {
	router    *message.Router
	sub       message.Subscriber
	store     service.ObjectStore
	mover     *service.MoveService
	snapshots *service.SnapshotService
	preserver *service.PreservationService
	reporter  service.Reporter
	dedupe    kv.KVStore
	cfg       configs.WorkerConfig
	log       zerolog.Logger
}

// New 创建执行器并注册所有任务主题.
func New(deps Deps, cfg configs.WorkerConfig) (*Runner, error) {
	if deps.Subscriber == nil || deps.Publisher == nil {
		return nil, errors.New("worker: publisher and subscriber are required")
	}

	if deps.Logger == nil {
		deps.Logger = mq.NewLoggerAdapter(nlog.Component("router"))
	}

	if deps.Reporter == nil {
		deps.Reporter = service.NewLogReporter()
	}

	router, err := message.NewRouter(message.RouterConfig{CloseTimeout: 30 * time.Second}, deps.Logger)
	if err != nil {
		return nil, fmt.Errorf("create router: %w", err)
	}

	r := &Runner{
		router:    router,
		sub:       deps.Subscriber,
		store:     deps.Store,
		mover:     service.NewMoveService(deps.Store),
		snapshots: deps.Snapshots,
		preserver: deps.Preserver,
		reporter:  deps.Reporter,
		dedupe:    deps.Dedupe,
		cfg:       cfg,
		log:       nlog.Component("worker"),
	}

	poison, err := middleware.PoisonQueue(deps.Publisher, queue.TopicTaskFailed)
	if err != nil {
		return nil, fmt.Errorf("create poison queue: %w", err)
	}

	router.AddMiddleware(
		poison,
		r.recordFailure,
		r.skipDuplicates,
		timeout(cfg.HandlerTimeout),
		middleware.Retry{
			MaxRetries:      cfg.MaxRetries,
			InitialInterval: cfg.InitialInterval,
			MaxInterval:     cfg.MaxInterval,
			Multiplier:      cfg.Multiplier,
			Logger:          deps.Logger,
		}.Middleware,
		middleware.Recoverer,
	)

	r.addHandler(queue.TopicFileMove, r.move)
	r.addHandler(queue.TopicFileCopy, r.copy)
	r.addHandler(queue.TopicFileUpload, r.upload)
	r.addHandler(queue.TopicWorkPreservation, r.preserve)

	if configs.GetConfig().Metrics.Enabled {
		mq.MetricsBuilder().AddPrometheusRouterMetrics(router)
	}

	return r, nil
}

func (r *Runner) addHandler(topic string, fn taskFunc) {
	r.router.AddNoPublisherHandler(topic+".handler", topic, r.sub, r.instrument(topic, fn))
}

// Run 阻塞运行直到 ctx 结束或 Close 被调用.
func (r *Runner) Run(ctx context.Context) error {
	r.log.Info().Strs("topics", queue.TaskTopics()).Msg("worker starting")
	return r.router.Run(ctx)
}

// Running 所有 handler 订阅完成后关闭.
func (r *Runner) Running() chan struct{} {
	return r.router.Running()
}

// Close 停止消费，等待进行中的任务结束.
func (r *Runner) Close() error {
	return r.router.Close()
}

// timeout 限制一条消息（含所有重试）的总处理时长；d 为 0 时不限制.
func timeout(d time.Duration) message.HandlerMiddleware {
	if d <= 0 {
		return func(h message.HandlerFunc) message.HandlerFunc { return h }
	}

	return middleware.Timeout(d)
}
