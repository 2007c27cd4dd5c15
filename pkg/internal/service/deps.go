// Package service 实现快照账本、文件移动与作品生命周期等业务逻辑，不处理传输细节.
package service

import (
	"context"
	"io"

	"github.com/yeisme/curatevault/pkg/internal/model"
)

// ObjectStore 业务逻辑依赖的对象存储操作，由 s3.Gateway 实现.
type ObjectStore interface {
	List(ctx context.Context, bucket, prefix string) ([]model.FileRecord, error)
	Copy(ctx context.Context, srcBucket, srcKey, dstBucket, dstKey string, size int64) (string, error)
	Delete(ctx context.Context, bucket, key string) error
	Exists(ctx context.Context, bucket, key string) (bool, error)
	Put(ctx context.Context, bucket, key string, r io.Reader, size int64, checksumHint string) (string, error)
}

// TaskQueue 后台任务入队，由 queue.Queue 实现.
type TaskQueue interface {
	Enqueue(ctx context.Context, topic string, payload any) error
}
