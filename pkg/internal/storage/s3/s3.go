// Package s3 处理S3存储操作：按前缀列举、拷贝、删除、上传（含分片）与存在性检查.
package s3

import (
	"context"
	"fmt"
	"io"
	"net/url"

	minio "github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/yeisme/curatevault/pkg/configs"
	nlog "github.com/yeisme/curatevault/pkg/log"
)

// ObjectAPI Gateway 依赖的对象存储调用，生产环境由 MinIO 客户端实现.
type ObjectAPI interface {
	ListObjects(ctx context.Context, bucket string, opts minio.ListObjectsOptions) <-chan minio.ObjectInfo
	StatObject(ctx context.Context, bucket, key string, opts minio.StatObjectOptions) (minio.ObjectInfo, error)
	CopyObject(ctx context.Context, dst minio.CopyDestOptions, src minio.CopySrcOptions) (minio.UploadInfo, error)
	ComposeObject(ctx context.Context, dst minio.CopyDestOptions, srcs ...minio.CopySrcOptions) (minio.UploadInfo, error)
	RemoveObject(ctx context.Context, bucket, key string, opts minio.RemoveObjectOptions) error
	PutObject(ctx context.Context, bucket, key string, r io.Reader, size int64,
		opts minio.PutObjectOptions) (minio.UploadInfo, error)

	NewMultipartUpload(ctx context.Context, bucket, key string, opts minio.PutObjectOptions) (string, error)
	PutObjectPart(ctx context.Context, bucket, key, uploadID string, partID int, data io.Reader, size int64,
		opts minio.PutObjectPartOptions) (minio.ObjectPart, error)
	CompleteMultipartUpload(ctx context.Context, bucket, key, uploadID string, parts []minio.CompletePart,
		opts minio.PutObjectOptions) (minio.UploadInfo, error)
	AbortMultipartUpload(ctx context.Context, bucket, key, uploadID string) error
}

// Client 包装 MinIO 客户端，分片相关调用走 Core.
type Client struct {
	*minio.Client
	core *minio.Core
}

var _ ObjectAPI = (*Client)(nil)

// New 初始化 MinIO 客户端，按配置确保各阶段的 bucket 存在.
func New(ctx context.Context, cfg *configs.S3Config) (*Client, error) {
	endpoint := cfg.Endpoint
	secure := cfg.UseSSL
	// 允许用户传完整 schema endpoint（http:// 或 https://）
	if u, err := url.Parse(endpoint); err == nil && u.Host != "" {
		endpoint = u.Host
		secure = u.Scheme == "https"
	}

	cli, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		Secure: secure,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}

	cli.SetAppInfo(configs.AppName, configs.AppVersion)

	c := &Client{Client: cli, core: &minio.Core{Client: cli}}

	if cfg.EnsureBuckets {
		if err := c.ensureBuckets(ctx, cfg); err != nil {
			return nil, err
		}
	}

	nlog.Logger().Info().Str("endpoint", cfg.Endpoint).Strs("buckets", cfg.Buckets.All()).Msg("s3 connected")

	return c, nil
}

func (c *Client) ensureBuckets(ctx context.Context, cfg *configs.S3Config) error {
	for _, bkt := range cfg.Buckets.All() {
		exists, err := c.BucketExists(ctx, bkt)
		if err != nil {
			return fmt.Errorf("check bucket %s: %w", bkt, err)
		}

		if exists {
			continue
		}

		if err := c.MakeBucket(ctx, bkt, minio.MakeBucketOptions{Region: cfg.Region}); err != nil {
			return fmt.Errorf("create bucket %s: %w", bkt, err)
		}

		nlog.Logger().Info().Str("bucket", bkt).Msg("bucket created")
	}

	return nil
}

// NewMultipartUpload 发起分片上传.
func (c *Client) NewMultipartUpload(ctx context.Context, bucket, key string, opts minio.PutObjectOptions) (string, error) {
	return c.core.NewMultipartUpload(ctx, bucket, key, opts)
}

// PutObjectPart 上传单个分片.
func (c *Client) PutObjectPart(ctx context.Context, bucket, key, uploadID string, partID int, data io.Reader,
	size int64, opts minio.PutObjectPartOptions) (minio.ObjectPart, error) {
	return c.core.PutObjectPart(ctx, bucket, key, uploadID, partID, data, size, opts)
}

// CompleteMultipartUpload 按分片号合并.
func (c *Client) CompleteMultipartUpload(ctx context.Context, bucket, key, uploadID string,
	parts []minio.CompletePart, opts minio.PutObjectOptions) (minio.UploadInfo, error) {
	return c.core.CompleteMultipartUpload(ctx, bucket, key, uploadID, parts, opts)
}

// AbortMultipartUpload 放弃分片上传.
func (c *Client) AbortMultipartUpload(ctx context.Context, bucket, key, uploadID string) error {
	return c.core.AbortMultipartUpload(ctx, bucket, key, uploadID)
}

// HealthCheck 简单的健康检查，通过列出桶来验证连接.
func (c *Client) HealthCheck(ctx context.Context) error {
	_, err := c.ListBuckets(ctx)
	return err
}
