package s3

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"sort"
	"strings"

	minio "github.com/minio/minio-go/v7"
	"go.opentelemetry.io/otel/attribute"
)

// putMultipart 按 partSize 切分上传，每个分片单独校验 MD5，最后按分片号升序合并.
// 任一步失败都会 abort 本次上传.
func (g *Gateway) putMultipart(ctx context.Context, bucket, key string, r io.Reader, size int64) (etag string, err error) {
	var uploadID string

	err = g.call(ctx, "multipart.init", []attribute.KeyValue{
		attribute.String("bucket", bucket), attribute.String("key", key), attribute.Int64("size", size),
	}, func(ctx context.Context) error {
		var e error
		uploadID, e = g.api.NewMultipartUpload(ctx, bucket, key, minio.PutObjectOptions{})

		return e
	})
	if err != nil {
		return "", fmt.Errorf("init multipart %s/%s: %w", bucket, key, err)
	}

	defer func() {
		if err == nil {
			return
		}

		// 用独立 context，调用方可能已取消
		if aerr := g.api.AbortMultipartUpload(context.WithoutCancel(ctx), bucket, key, uploadID); aerr != nil && !IsNotFound(aerr) {
			g.log.Error().Err(aerr).Str("bucket", bucket).Str("key", key).Str("upload_id", uploadID).
				Msg("abort multipart upload")
		}
	}()

	parts := make([]minio.CompletePart, 0, partCount(size, g.partSize))

	for partNumber, offset := 1, int64(0); offset < size; partNumber++ {
		n := min(g.partSize, size-offset)

		part, perr := g.putPart(ctx, bucket, key, uploadID, partNumber, io.LimitReader(r, n), n)
		if perr != nil {
			return "", perr
		}

		parts = append(parts, part)
		offset += n
	}

	sort.Slice(parts, func(i, j int) bool { return parts[i].PartNumber < parts[j].PartNumber })

	err = g.call(ctx, "multipart.complete", []attribute.KeyValue{
		attribute.String("bucket", bucket), attribute.String("key", key), attribute.Int("parts", len(parts)),
	}, func(ctx context.Context) error {
		info, e := g.api.CompleteMultipartUpload(ctx, bucket, key, uploadID, parts, minio.PutObjectOptions{})
		etag = cleanETag(info.ETag)

		return e
	})
	if err != nil {
		return "", fmt.Errorf("complete multipart %s/%s: %w", bucket, key, err)
	}

	g.log.Debug().Str("bucket", bucket).Str("key", key).Int("parts", len(parts)).Int64("size", size).
		Msg("multipart upload complete")

	return etag, nil
}

func (g *Gateway) putPart(ctx context.Context, bucket, key, uploadID string, partNumber int,
	r io.Reader, n int64) (minio.CompletePart, error) {
	sum := md5.New()
	counted := &countingReader{r: io.TeeReader(r, sum)}

	var part minio.ObjectPart

	err := g.call(ctx, "multipart.part", []attribute.KeyValue{
		attribute.String("key", key), attribute.Int("part", partNumber), attribute.Int64("size", n),
	}, func(ctx context.Context) error {
		var e error
		part, e = g.api.PutObjectPart(ctx, bucket, key, uploadID, partNumber, counted, n, minio.PutObjectPartOptions{})

		return e
	})
	if err != nil {
		return minio.CompletePart{}, fmt.Errorf("upload part %d of %s/%s: %w", partNumber, bucket, key, err)
	}

	if counted.n < n {
		return minio.CompletePart{}, fmt.Errorf("upload part %d of %s/%s: %w", partNumber, bucket, key, ErrShortStream)
	}

	local := hex.EncodeToString(sum.Sum(nil))
	if remote := cleanETag(part.ETag); !strings.EqualFold(local, remote) {
		return minio.CompletePart{}, fmt.Errorf("%w: part %d of %s/%s local %s remote %s",
			ErrChecksumMismatch, partNumber, bucket, key, local, remote)
	}

	return minio.CompletePart{PartNumber: partNumber, ETag: part.ETag}, nil
}

func partCount(size, partSize int64) int {
	return int((size + partSize - 1) / partSize)
}
