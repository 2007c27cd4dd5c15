package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/yeisme/curatevault/pkg/internal/storage/s3"
	nlog "github.com/yeisme/curatevault/pkg/log"
	"github.com/yeisme/curatevault/pkg/tracing"
)

// MoveService 在对象存储上模拟移动：拷贝、校验目标、删除源.
// 任何一步失败后从头重跑都是安全的.
type MoveService struct {
	store ObjectStore
	log   zerolog.Logger
}

// NewMoveService 创建移动服务.
func NewMoveService(store ObjectStore) *MoveService {
	return &MoveService{store: store, log: nlog.Component("move")}
}

// Move 移动一个对象并返回拷贝时观察到的校验和.
func (m *MoveService) Move(ctx context.Context, srcBucket, srcKey, dstBucket, dstKey string, size int64) (string, error) {
	return m.relocate(ctx, "move", srcBucket, srcKey, dstBucket, dstKey, size, true)
}

// Copy 拷贝并校验，保留源对象.
func (m *MoveService) Copy(ctx context.Context, srcBucket, srcKey, dstBucket, dstKey string, size int64) (string, error) {
	return m.relocate(ctx, "copy", srcBucket, srcKey, dstBucket, dstKey, size, false)
}

func (m *MoveService) relocate(ctx context.Context, op, srcBucket, srcKey, dstBucket, dstKey string,
	size int64, removeSource bool) (checksum string, err error) {
	ctx, span := tracing.StartSpan(ctx, "service."+op, trace.WithAttributes(
		attribute.String("src", srcBucket+"/"+srcKey),
		attribute.String("dst", dstBucket+"/"+dstKey),
	))
	defer func() { tracing.EndSpan(span, err) }()

	log := m.log.With().Str("src", srcBucket+"/"+srcKey).Str("dst", dstBucket+"/"+dstKey).Logger()

	checksum, err = m.store.Copy(ctx, srcBucket, srcKey, dstBucket, dstKey, size)
	if err != nil {
		if !errors.Is(err, s3.ErrCopyFailed) && !errors.Is(err, s3.ErrSourceMissing) {
			return "", err
		}

		if checksum, err = m.recover(ctx, dstBucket, dstKey, err); err != nil {
			return "", err
		}

		log.Warn().Msg("copy reported failure but target exists, treating as copied")
	}

	exists, err := m.store.Exists(ctx, dstBucket, dstKey)
	if err != nil {
		return "", err
	}

	if !exists {
		return "", fmt.Errorf("%w: %s/%s", ErrMoveVerificationFailed, dstBucket, dstKey)
	}

	if removeSource {
		if err := m.store.Delete(ctx, srcBucket, srcKey); err != nil {
			return "", err
		}
	}

	log.Debug().Str("checksum", checksum).Msg(op + " done")

	return checksum, nil
}

// recover 拷贝失败时检查目标是否已由上一次尝试写入，是则从列举结果中取校验和.
func (m *MoveService) recover(ctx context.Context, bucket, key string, copyErr error) (string, error) {
	exists, err := m.store.Exists(ctx, bucket, key)
	if err != nil {
		return "", errors.Join(copyErr, err)
	}

	if !exists {
		return "", copyErr
	}

	files, err := m.store.List(ctx, bucket, key)
	if err != nil {
		return "", err
	}

	for _, f := range files {
		if f.Key == key {
			return f.Checksum, nil
		}
	}

	return "", nil
}
