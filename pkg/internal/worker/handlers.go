package worker

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/yeisme/curatevault/pkg/internal/service"
	"github.com/yeisme/curatevault/pkg/metrics"
	"github.com/yeisme/curatevault/pkg/queue"
	"github.com/yeisme/curatevault/pkg/tracing"
)

const (
	outcomeComplete  = "complete"
	outcomeError     = "error"
	outcomeRetry     = "retry"
	outcomeDuplicate = "duplicate"
)

// taskFunc 执行一条任务，返回指标用的结果分类.
// 返回错误表示暂时性失败，消息会被重试.
type taskFunc func(ctx context.Context, msg *message.Message) (string, error)

func (r *Runner) instrument(topic string, fn taskFunc) message.NoPublishHandlerFunc {
	return func(msg *message.Message) error {
		ctx, span := tracing.StartSpan(tracing.Extract(msg.Context(), msg.Metadata), "task."+topic, trace.WithAttributes(
			attribute.String("message_uuid", msg.UUID),
			attribute.String("trace_id", msg.Metadata.Get(queue.MetadataTraceID)),
		))

		start := time.Now()
		outcome, err := fn(ctx, msg)

		if err != nil {
			outcome = outcomeRetry
		}

		metrics.TaskDuration.WithLabelValues(topic).Observe(time.Since(start).Seconds())
		metrics.TasksTotal.WithLabelValues(topic, outcome).Inc()
		tracing.EndSpan(span, err)

		return err
	}
}

func (r *Runner) move(ctx context.Context, msg *message.Message) (string, error) {
	return r.relocate(ctx, msg, r.mover.Move)
}

func (r *Runner) copy(ctx context.Context, msg *message.Message) (string, error) {
	return r.relocate(ctx, msg, r.mover.Copy)
}

type relocateFunc func(ctx context.Context, srcBucket, srcKey, dstBucket, dstKey string, size int64) (string, error)

func (r *Runner) relocate(ctx context.Context, msg *message.Message, op relocateFunc) (string, error) {
	env, err := queue.ParseWatermillMessage[queue.FileTaskPayload](msg)
	if err != nil {
		return r.reject(ctx, msg, err)
	}

	p := env.Payload
	sum, err := op(ctx, p.SourceBucket, p.SourceKey, p.TargetBucket, p.TargetKey, p.Size)

	return r.settle(ctx, p.SnapshotID, p.TargetKey, sum, err)
}

func (r *Runner) upload(ctx context.Context, msg *message.Message) (string, error) {
	env, err := queue.ParseWatermillMessage[queue.UploadTaskPayload](msg)
	if err != nil {
		return r.reject(ctx, msg, err)
	}

	p := env.Payload

	sum, err := r.put(ctx, p)
	if err == nil {
		if rerr := os.Remove(p.StagedPath); rerr != nil && !errors.Is(rerr, fs.ErrNotExist) {
			r.log.Warn().Err(rerr).Str("path", p.StagedPath).Msg("remove staged file")
		}
	}

	return r.settle(ctx, p.SnapshotID, p.Key, sum, err)
}

// put 上传暂存文件；暂存文件已不存在但目标对象存在时，视为上一次投递已上传.
func (r *Runner) put(ctx context.Context, p queue.UploadTaskPayload) (string, error) {
	f, err := os.Open(p.StagedPath)
	if errors.Is(err, fs.ErrNotExist) {
		listed, lerr := r.store.List(ctx, p.Bucket, p.Key)
		if lerr != nil {
			return "", lerr
		}

		for _, obj := range listed {
			if obj.Key == p.Key {
				return obj.Checksum, nil
			}
		}
	}

	if err != nil {
		return "", fmt.Errorf("open staged file: %w", err)
	}
	defer f.Close()

	return r.store.Put(ctx, p.Bucket, p.Key, f, p.Size, p.ChecksumHint)
}

func (r *Runner) preserve(ctx context.Context, msg *message.Message) (string, error) {
	env, err := queue.ParseWatermillMessage[queue.PreservationPayload](msg)
	if err != nil {
		return r.reject(ctx, msg, err)
	}

	p := env.Payload

	err = r.preserver.Preserve(ctx, p.WorkID, p.SnapshotID)

	switch {
	case err == nil:
		return outcomeComplete, nil
	case service.IsTransient(err):
		return "", err
	default:
		r.reporter.Report(ctx, err, map[string]any{"work_id": p.WorkID, "snapshot_id": p.SnapshotID})
		return outcomeError, nil
	}
}

// settle 把一次文件操作的结果写入账本.
// 暂时性错误原样返回以触发重试，其余错误记为 error 并上报.
func (r *Runner) settle(ctx context.Context, snapshotID uint, key, checksum string, opErr error) (string, error) {
	if opErr == nil {
		err := r.snapshots.MarkComplete(ctx, snapshotID, key, checksum)
		if err == nil {
			return outcomeComplete, nil
		}

		if service.IsTransient(err) {
			return "", err
		}

		r.reporter.Report(ctx, err, map[string]any{"snapshot_id": snapshotID, "key": key})

		return outcomeError, nil
	}

	if service.IsTransient(opErr) {
		return "", opErr
	}

	r.reporter.Report(ctx, opErr, map[string]any{"snapshot_id": snapshotID, "key": key})

	if err := r.snapshots.MarkError(ctx, snapshotID, key, opErr.Error()); err != nil {
		if service.IsTransient(err) {
			return "", err
		}

		r.log.Error().Err(err).Uint("snapshot_id", snapshotID).Str("key", key).Msg("record file error")
	}

	return outcomeError, nil
}

// reject 无法解析的消息重试也不会成功，上报后确认掉.
func (r *Runner) reject(ctx context.Context, msg *message.Message, err error) (string, error) {
	r.reporter.Report(ctx, err, map[string]any{
		"message_uuid": msg.UUID,
		"topic":        message.SubscribeTopicFromCtx(msg.Context()),
	})

	return outcomeError, nil
}
