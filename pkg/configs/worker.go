package configs

import (
	"time"

	"github.com/spf13/viper"
)

// WorkerConfig 后台任务运行配置.
type WorkerConfig struct {
	// MaxRetries 暂时性失败的最大重试次数，之后记为 error 并进入死信主题.
	MaxRetries      int           `mapstructure:"max_retries"      rule:"min=0,max=50"`
	InitialInterval time.Duration `mapstructure:"initial_interval"`
	MaxInterval     time.Duration `mapstructure:"max_interval"`
	Multiplier      float64       `mapstructure:"multiplier"       rule:"gte=1"`
	// HandlerTimeout 单个任务的执行上限.
	HandlerTimeout time.Duration `mapstructure:"handler_timeout"`
	// PreservationConcurrency 归档拷贝的并发数.
	PreservationConcurrency int `mapstructure:"preservation_concurrency" rule:"min=1,max=64"`
	// StalledAfter started 文件超过该时长视为卡住.
	StalledAfter time.Duration `mapstructure:"stalled_after"`
	// DedupeTTL 已处理消息标记的保留时长.
	DedupeTTL time.Duration `mapstructure:"dedupe_ttl"`
	// StagingDir 上传文件的本地暂存目录.
	StagingDir string `mapstructure:"staging_dir" rule:"required"`

	EmbargoSweepCron string `mapstructure:"embargo_sweep_cron" rule:"required"`
	StalledScanCron  string `mapstructure:"stalled_scan_cron"  rule:"required"`
}

const (
	DefaultWorkerMaxRetries              = 5
	DefaultWorkerPreservationConcurrency = 8
)

func (c *WorkerConfig) setDefaults(v *viper.Viper) {
	v.SetDefault("worker.max_retries", DefaultWorkerMaxRetries)
	v.SetDefault("worker.initial_interval", "2s")
	v.SetDefault("worker.max_interval", "1m")
	v.SetDefault("worker.multiplier", 2.0)
	v.SetDefault("worker.handler_timeout", "30m")
	v.SetDefault("worker.preservation_concurrency", DefaultWorkerPreservationConcurrency)
	v.SetDefault("worker.stalled_after", "6h")
	v.SetDefault("worker.dedupe_ttl", "168h")
	v.SetDefault("worker.staging_dir", "data/staging")
	v.SetDefault("worker.embargo_sweep_cron", "15 2 * * *")
	v.SetDefault("worker.stalled_scan_cron", "0 * * * *")
}
