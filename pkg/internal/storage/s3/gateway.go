package s3

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	minio "github.com/minio/minio-go/v7"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/yeisme/curatevault/pkg/configs"
	"github.com/yeisme/curatevault/pkg/internal/model"
	nlog "github.com/yeisme/curatevault/pkg/log"
	"github.com/yeisme/curatevault/pkg/metrics"
	"github.com/yeisme/curatevault/pkg/tracing"
)

var (
	// ErrCopyFailed 对象存储报告拷贝失败.
	ErrCopyFailed = errors.New("object copy failed")
	// ErrSourceMissing 拷贝源已不存在（可能上一次拷贝已成功）.
	ErrSourceMissing = errors.New("copy source missing")
	// ErrChecksumMismatch 上传内容与期望校验和不一致.
	ErrChecksumMismatch = errors.New("checksum mismatch")
	// ErrShortStream 数据流比声明的长度短.
	ErrShortStream = errors.New("stream shorter than declared size")
)

// Gateway 对象存储网关.
// 所有调用都是网络调用，经过熔断器并各自产生一个 span.
type Gateway struct {
	api      ObjectAPI
	partSize int64
	cb       *gobreaker.CircuitBreaker
	log      zerolog.Logger
}

// GatewayOption 配置 Gateway.
type GatewayOption func(*Gateway)

// WithPartSize 设置单次上传/拷贝上限，超过后走分片.
func WithPartSize(n int64) GatewayOption {
	return func(g *Gateway) {
		if n > 0 {
			g.partSize = n
		}
	}
}

// WithCircuitBreaker 按配置启用熔断.
func WithCircuitBreaker(cfg configs.CircuitBreakerConfig) GatewayOption {
	return func(g *Gateway) {
		if !cfg.Enabled {
			return
		}

		g.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "object-store",
			MaxRequests: cfg.MaxRequestsInHalf,
			Interval:    time.Duration(cfg.IntervalSeconds) * time.Second,
			Timeout:     time.Duration(cfg.TimeoutSeconds) * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				if counts.Requests < cfg.MinRequests {
					return false
				}

				return float64(counts.TotalFailures)/float64(counts.Requests) >= cfg.FailureRate
			},
			// 对象不存在是正常应答
			IsSuccessful: func(err error) bool {
				return err == nil || IsNotFound(err)
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				nlog.Logger().Warn().Str("breaker", name).
					Str("from", from.String()).Str("to", to.String()).
					Msg("circuit breaker state changed")
			},
		})
	}
}

// NewGateway 创建网关.
func NewGateway(api ObjectAPI, opts ...GatewayOption) *Gateway {
	g := &Gateway{
		api:      api,
		partSize: configs.DefaultS3PartSize,
		log:      nlog.Component("s3"),
	}

	for _, opt := range opts {
		opt(g)
	}

	return g
}

// PartSize 返回分片阈值.
func (g *Gateway) PartSize() int64 { return g.partSize }

// IsNotFound 对象或分片不存在.
func IsNotFound(err error) bool {
	if err == nil {
		return false
	}

	switch minio.ToErrorResponse(err).Code {
	case "NoSuchKey", "NotFound", "NoSuchUpload":
		return true
	}

	return false
}

// call 统一包一层 span、熔断与指标.
func (g *Gateway) call(ctx context.Context, op string, attrs []attribute.KeyValue,
	fn func(ctx context.Context) error) error {
	ctx, span := tracing.StartSpan(ctx, "s3."+op, trace.WithAttributes(attrs...))

	var err error
	if g.cb != nil {
		_, err = g.cb.Execute(func() (any, error) { return nil, fn(ctx) })
	} else {
		err = fn(ctx)
	}

	result := "ok"

	switch {
	case err == nil:
	case IsNotFound(err):
		result = "not_found"
	default:
		result = "error"
	}

	metrics.ObjectStoreOps.WithLabelValues(op, result).Inc()
	tracing.EndSpan(span, err)

	return err
}

// List 列出前缀下的所有对象，每次调用都重新列举；目录占位键会被跳过.
func (g *Gateway) List(ctx context.Context, bucket, prefix string) ([]model.FileRecord, error) {
	var files []model.FileRecord

	err := g.call(ctx, "list", []attribute.KeyValue{
		attribute.String("bucket", bucket), attribute.String("prefix", prefix),
	}, func(ctx context.Context) error {
		files = files[:0]

		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		for obj := range g.api.ListObjects(ctx, bucket, minio.ListObjectsOptions{Prefix: prefix, Recursive: true}) {
			if obj.Err != nil {
				return obj.Err
			}

			if strings.HasSuffix(obj.Key, "/") {
				continue
			}

			files = append(files, model.FileRecord{
				Key:      obj.Key,
				Checksum: cleanETag(obj.ETag),
				Size:     obj.Size,
			})
		}

		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list %s/%s: %w", bucket, prefix, err)
	}

	return files, nil
}

// Copy 服务端拷贝，超过分片阈值时走 compose（按分片拷贝）.
func (g *Gateway) Copy(ctx context.Context, srcBucket, srcKey, dstBucket, dstKey string, size int64) (string, error) {
	var etag string

	err := g.call(ctx, "copy", []attribute.KeyValue{
		attribute.String("src", srcBucket+"/"+srcKey),
		attribute.String("dst", dstBucket+"/"+dstKey),
		attribute.Int64("size", size),
	}, func(ctx context.Context) error {
		src := minio.CopySrcOptions{Bucket: srcBucket, Object: srcKey}
		dst := minio.CopyDestOptions{Bucket: dstBucket, Object: dstKey}

		var (
			info minio.UploadInfo
			err  error
		)

		if size > g.partSize {
			info, err = g.api.ComposeObject(ctx, dst, src)
		} else {
			info, err = g.api.CopyObject(ctx, dst, src)
		}

		etag = cleanETag(info.ETag)

		return err
	})

	switch {
	case err == nil:
		return etag, nil
	case IsNotFound(err):
		return "", fmt.Errorf("%w: %s/%s", ErrSourceMissing, srcBucket, srcKey)
	default:
		return "", fmt.Errorf("%w: %s/%s -> %s/%s: %w", ErrCopyFailed, srcBucket, srcKey, dstBucket, dstKey, err)
	}
}

// Delete 删除对象；对象不存在不算错误.
func (g *Gateway) Delete(ctx context.Context, bucket, key string) error {
	err := g.call(ctx, "delete", []attribute.KeyValue{
		attribute.String("bucket", bucket), attribute.String("key", key),
	}, func(ctx context.Context) error {
		return g.api.RemoveObject(ctx, bucket, key, minio.RemoveObjectOptions{})
	})
	if err != nil && !IsNotFound(err) {
		return fmt.Errorf("delete %s/%s: %w", bucket, key, err)
	}

	return nil
}

// Exists 对象是否存在.
func (g *Gateway) Exists(ctx context.Context, bucket, key string) (bool, error) {
	err := g.call(ctx, "stat", []attribute.KeyValue{
		attribute.String("bucket", bucket), attribute.String("key", key),
	}, func(ctx context.Context) error {
		_, err := g.api.StatObject(ctx, bucket, key, minio.StatObjectOptions{})
		return err
	})

	switch {
	case err == nil:
		return true, nil
	case IsNotFound(err):
		return false, nil
	default:
		return false, fmt.Errorf("stat %s/%s: %w", bucket, key, err)
	}
}

// Put 上传对象并返回校验和.
// size 不超过分片阈值时单次上传，否则分片上传；checksumHint 非空时与内容 MD5 比对，不一致则删除对象.
func (g *Gateway) Put(ctx context.Context, bucket, key string, r io.Reader, size int64, checksumHint string) (string, error) {
	whole := md5.New()
	body := io.TeeReader(r, whole)

	var (
		etag string
		err  error
	)

	if size <= g.partSize {
		etag, err = g.putSingle(ctx, bucket, key, body, size)
	} else {
		etag, err = g.putMultipart(ctx, bucket, key, body, size)
	}

	if err != nil {
		return "", err
	}

	if checksumHint != "" {
		sum := hex.EncodeToString(whole.Sum(nil))
		if !strings.EqualFold(sum, cleanETag(checksumHint)) {
			if derr := g.Delete(ctx, bucket, key); derr != nil {
				g.log.Error().Err(derr).Str("bucket", bucket).Str("key", key).Msg("remove object after checksum mismatch")
			}

			return "", fmt.Errorf("%w: %s/%s expected %s got %s", ErrChecksumMismatch, bucket, key, checksumHint, sum)
		}
	}

	return etag, nil
}

func (g *Gateway) putSingle(ctx context.Context, bucket, key string, r io.Reader, size int64) (string, error) {
	var etag string

	counted := &countingReader{r: r}

	err := g.call(ctx, "put", []attribute.KeyValue{
		attribute.String("bucket", bucket), attribute.String("key", key), attribute.Int64("size", size),
	}, func(ctx context.Context) error {
		info, err := g.api.PutObject(ctx, bucket, key, counted, size, minio.PutObjectOptions{DisableMultipart: true})
		etag = cleanETag(info.ETag)

		return err
	})
	if err != nil {
		return "", fmt.Errorf("put %s/%s: %w", bucket, key, err)
	}

	if counted.n < size {
		return "", fmt.Errorf("put %s/%s: %w (%d of %d bytes)", bucket, key, ErrShortStream, counted.n, size)
	}

	return etag, nil
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)

	return n, err
}

func cleanETag(etag string) string {
	return strings.Trim(etag, `"`)
}
