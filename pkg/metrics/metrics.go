// Package metrics 提供监控指标功能.
// 支持Prometheus标准，收集任务、账本与对象存储指标.
//
// Example:
//
//	err := metrics.InitMetrics(config.Metrics)
//	if err != nil {
//		log.Fatal(err)
//	}
//
//	metrics.TasksTotal.WithLabelValues("cv.file.move.requested", "complete").Inc()
package metrics

import (
	"net/http"
	_ "net/http/pprof" // 自动注册pprof端点

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/yeisme/curatevault/pkg/configs"
)

// 全局指标变量.
var (
	// RequestCounter 运维 HTTP 请求计数器.
	RequestCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "endpoint"},
	)

	// RequestDuration 运维 HTTP 请求持续时间.
	RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "endpoint"},
	)

	// TasksTotal 后台任务处理结果，outcome: complete、error、retry、duplicate.
	TasksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "curation_tasks_total",
			Help: "Background file tasks by topic and outcome",
		},
		[]string{"topic", "outcome"},
	)

	// TaskDuration 单个任务耗时.
	TaskDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "curation_task_duration_seconds",
			Help:    "Background file task duration in seconds",
			Buckets: []float64{.05, .1, .5, 1, 5, 15, 60, 300, 900},
		},
		[]string{"topic"},
	)

	// SnapshotsFinalized 完成的账本批次.
	SnapshotsFinalized = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "upload_snapshots_finalized_total",
			Help: "Upload snapshots whose files all completed",
		},
		[]string{"kind"},
	)

	// ErrorReports 上报给运维的错误，kind 为错误类别.
	ErrorReports = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "error_reports_total",
			Help: "Errors reported to operators",
		},
		[]string{"kind"},
	)

	// ObjectStoreOps 对象存储调用计数.
	ObjectStoreOps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "object_store_operations_total",
			Help: "Object store calls by operation and result",
		},
		[]string{"op", "result"},
	)

	// registry Prometheus注册表.
	registry = prometheus.NewRegistry()
)

func init() {
	registry.MustRegister(
		RequestCounter, RequestDuration,
		TasksTotal, TaskDuration,
		SnapshotsFinalized, ErrorReports, ObjectStoreOps,
	)
}

// InitMetrics 初始化Metrics.
func InitMetrics(config configs.MetricsConfig) error {
	if !config.Enabled {
		return nil
	}

	if config.RuntimeMetrics {
		if err := registry.Register(collectors.NewGoCollector()); err != nil {
			return err
		}

		if err := registry.Register(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{})); err != nil {
			return err
		}
	}

	return nil
}

// StartMetricsServer 在运维 engine 上挂载 /metrics 与 pprof.
func StartMetricsServer(config configs.MetricsConfig, debugEngine *gin.Engine) error {
	if !config.Enabled {
		return nil
	}

	debugEngine.GET("/metrics", gin.WrapH(promhttp.HandlerFor(registry, promhttp.HandlerOpts{})))

	if config.Pprof {
		debugEngine.GET("/debug/pprof/*any", gin.WrapH(http.DefaultServeMux))
	}

	return nil
}

// GetRegistry 获取Prometheus注册表.
func GetRegistry() *prometheus.Registry {
	return registry
}
