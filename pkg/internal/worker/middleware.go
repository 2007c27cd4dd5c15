package worker

import (
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/yeisme/curatevault/pkg/metrics"
	"github.com/yeisme/curatevault/pkg/queue"
)

// DedupePrefix 已处理消息在 KV 中的键前缀，值为消息的 topic.
const DedupePrefix = "task/"

// DedupeKey 消息对应的去重键.
func DedupeKey(uuid string) string { return DedupePrefix + uuid }

// taskRef 从任意文件任务中取出账本定位信息.
type taskRef struct {
	SnapshotID uint   `json:"snapshot_id"`
	TargetKey  string `json:"target_key"`
	Key        string `json:"key"`
}

func (t taskRef) fileKey() string {
	if t.TargetKey != "" {
		return t.TargetKey
	}

	return t.Key
}

// recordFailure 重试耗尽后把文件记为 error，再交给死信队列.
func (r *Runner) recordFailure(h message.HandlerFunc) message.HandlerFunc {
	return func(msg *message.Message) ([]*message.Message, error) {
		ctx := msg.Context()

		out, err := h(msg)
		if err == nil {
			return out, nil
		}

		topic := message.SubscribeTopicFromCtx(ctx)
		metrics.TasksTotal.WithLabelValues(topic, outcomeError).Inc()
		r.reporter.Report(ctx, err, map[string]any{"topic": topic, "message_uuid": msg.UUID, "retries": r.cfg.MaxRetries})

		env, derr := queue.Decode[taskRef](msg.Payload)
		if derr != nil || env.Payload.SnapshotID == 0 || env.Payload.fileKey() == "" {
			return out, err
		}

		ref := env.Payload
		if merr := r.snapshots.MarkError(ctx, ref.SnapshotID, ref.fileKey(), err.Error()); merr != nil {
			r.log.Error().Err(merr).Uint("snapshot_id", ref.SnapshotID).Str("key", ref.fileKey()).
				Msg("record file error after retries")
		}

		return out, err
	}
}

// skipDuplicates 同一条消息成功处理后再次投递时直接确认.
func (r *Runner) skipDuplicates(h message.HandlerFunc) message.HandlerFunc {
	if r.dedupe == nil {
		return h
	}

	return func(msg *message.Message) ([]*message.Message, error) {
		ctx := msg.Context()
		topic := message.SubscribeTopicFromCtx(ctx)
		key := DedupeKey(msg.UUID)

		seen, err := r.dedupe.Exists(ctx, key)
		if err != nil {
			r.log.Warn().Err(err).Str("message_uuid", msg.UUID).Msg("dedupe lookup failed")
		}

		if seen {
			metrics.TasksTotal.WithLabelValues(topic, outcomeDuplicate).Inc()
			r.log.Debug().Str("topic", topic).Str("message_uuid", msg.UUID).Msg("duplicate delivery skipped")

			return nil, nil
		}

		out, err := h(msg)
		if err != nil {
			return out, err
		}

		if _, serr := r.dedupe.SetIfAbsent(ctx, key, []byte(topic), r.cfg.DedupeTTL); serr != nil {
			r.log.Warn().Err(serr).Str("message_uuid", msg.UUID).Msg("dedupe mark failed")
		}

		return out, nil
	}
}
