package configs

import (
	"fmt"

	"github.com/spf13/viper"
)

// S3Config MinIO S3存储配置.
type S3Config struct {
	Endpoint        string        `mapstructure:"endpoint"          rule:"required"`
	AccessKeyID     string        `mapstructure:"access_key_id"`
	SecretAccessKey string        `mapstructure:"secret_access_key"`
	UseSSL          bool          `mapstructure:"use_ssl"`
	Region          string        `mapstructure:"region"`
	Buckets         BucketsConfig `mapstructure:"buckets"`
	// PartSize 单次上传/拷贝的最大字节数，超过后走分片.
	PartSize int64 `mapstructure:"part_size" rule:"min=5242880"`
	// EnsureBuckets 启动时创建缺失的桶.
	EnsureBuckets bool `mapstructure:"ensure_buckets"`
}

// BucketsConfig 各阶段使用的桶.
type BucketsConfig struct {
	Precuration  string `mapstructure:"precuration"  rule:"required"`
	Postcuration string `mapstructure:"postcuration" rule:"required"`
	Preservation string `mapstructure:"preservation" rule:"required"`
	Embargo      string `mapstructure:"embargo"      rule:"required"`
	DSpace       string `mapstructure:"dspace"`
}

// All 返回所有非空桶名.
func (b BucketsConfig) All() []string {
	out := make([]string, 0, 5)

	for _, name := range []string{b.Precuration, b.Postcuration, b.Preservation, b.Embargo, b.DSpace} {
		if name != "" {
			out = append(out, name)
		}
	}

	return out
}

const (
	DefaultS3Endpoint        = "localhost:9000" // 默认S3端点
	DefaultS3AccessKeyID     = "minioadmin"     // 默认访问密钥ID
	DefaultS3SecretAccessKey = "minioadmin"     // 默认秘密访问密钥
	DefaultS3UseSSL          = false            // 默认是否使用SSL
	DefaultS3Region          = "us-east-1"      // 默认区域

	// DefaultS3PartSize S3 单次 PUT/CopyObject 的上限 5 GiB.
	DefaultS3PartSize int64 = 5 * 1024 * 1024 * 1024
)

// GetEndpointURL 获取完整的端点URL.
func (c *S3Config) GetEndpointURL() string {
	scheme := "http"
	if c.UseSSL {
		scheme = "https"
	}

	return fmt.Sprintf("%s://%s", scheme, c.Endpoint)
}

// setDefaults 设置 S3 配置的默认值.
func (c *S3Config) setDefaults(v *viper.Viper) {
	v.SetDefault("s3.endpoint", DefaultS3Endpoint)
	v.SetDefault("s3.access_key_id", DefaultS3AccessKeyID)
	v.SetDefault("s3.secret_access_key", DefaultS3SecretAccessKey)
	v.SetDefault("s3.use_ssl", DefaultS3UseSSL)
	v.SetDefault("s3.region", DefaultS3Region)
	v.SetDefault("s3.part_size", DefaultS3PartSize)
	v.SetDefault("s3.ensure_buckets", false)

	v.SetDefault("s3.buckets.precuration", "pdc-describe-precuration")
	v.SetDefault("s3.buckets.postcuration", "pdc-describe-postcuration")
	v.SetDefault("s3.buckets.preservation", "pdc-describe-preservation")
	v.SetDefault("s3.buckets.embargo", "pdc-describe-embargo")
	v.SetDefault("s3.buckets.dspace", "pdc-describe-dspace")
}
