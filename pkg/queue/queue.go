package queue

import (
	"context"
	crand "crypto/rand"
	"errors"
	"fmt"
	"sync"
	"time"

	watermill "github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/bytedance/sonic"
	"github.com/oklog/ulid"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/yeisme/curatevault/pkg/configs"
	nlog "github.com/yeisme/curatevault/pkg/log"
	"github.com/yeisme/curatevault/pkg/rule"
	"github.com/yeisme/curatevault/pkg/tracing"
)

const (
	PayloadVersionV1 string = "v1"

	// MetadataTraceID 消息元数据中的关联 ID.
	MetadataTraceID = "trace_id"
)

// NewEventHeader 便捷创建事件头.
func NewEventHeader(topic string, opts ...func(*EventHeader)) EventHeader {
	hdr := EventHeader{
		Topic:      topic,
		OccurredAt: time.Now().UTC(),
		Version:    PayloadVersionV1,
	}
	for _, opt := range opts {
		opt(&hdr)
	}

	return hdr
}

// WithTraceID 设置 TraceID.
func WithTraceID(id string) func(*EventHeader) { return func(h *EventHeader) { h.TraceID = id } }

// WithProducer 设置 Producer.
func WithProducer(p string) func(*EventHeader) { return func(h *EventHeader) { h.Producer = p } }

// Encode 将消息封装为 JSON 字节切片.
func Encode[T any](msg Message[T]) ([]byte, error) { return sonic.Marshal(msg) }

// Decode 从 JSON 字节解码为消息.
func Decode[T any](b []byte) (Message[T], error) {
	var m Message[T]

	err := sonic.Unmarshal(b, &m)

	return m, err
}

// NewWatermillMessage 构造一个 watermill 消息，设置 ID 与元数据.
func NewWatermillMessage[T any](topic string, payload T, opts ...func(*EventHeader)) (*message.Message, error) {
	header := NewEventHeader(topic, opts...)

	data, err := Encode(Message[T]{Header: header, Payload: payload})
	if err != nil {
		return nil, err
	}

	msg := message.NewMessage(watermill.NewUUID(), data)
	msg.Metadata.Set("topic", topic)
	msg.Metadata.Set("occurred_at", header.OccurredAt.Format(time.RFC3339Nano))

	if header.TraceID != "" {
		msg.Metadata.Set(MetadataTraceID, header.TraceID)
	}

	if header.Producer != "" {
		msg.Metadata.Set("producer", header.Producer)
	}

	return msg, nil
}

// ParseWatermillMessage 解出泛型负载并校验.
func ParseWatermillMessage[T any](msg *message.Message) (Message[T], error) {
	env, err := Decode[T](msg.Payload)
	if err != nil {
		return env, fmt.Errorf("%w: decode %s: %w", ErrInvalidPayload, msg.UUID, err)
	}

	if err := rule.ValidateStruct(env.Payload); err != nil {
		return env, fmt.Errorf("%w: %s: %w", ErrInvalidPayload, msg.UUID, err)
	}

	return env, nil
}

// ErrInvalidPayload 负载无法解码或校验失败，重试没有意义.
var ErrInvalidPayload = errors.New("invalid task payload")

// Queue 将任务发布到消息队列.
type Queue struct {
	pub     message.Publisher
	limiter *rate.Limiter
}

// Option 配置 Queue.
type Option func(*Queue)

// WithRateLimit 按配置限制入队速率.
func WithRateLimit(cfg configs.RateLimitConfig) Option {
	return func(q *Queue) {
		if cfg.Enabled {
			q.limiter = rate.NewLimiter(rate.Limit(cfg.RPS), cfg.Burst)
		}
	}
}

// New 创建任务队列.
func New(pub message.Publisher, opts ...Option) *Queue {
	q := &Queue{pub: pub}
	for _, opt := range opts {
		opt(q)
	}

	return q
}

// Enqueue 发布一个任务，payload 在发布前校验.
func (q *Queue) Enqueue(ctx context.Context, topic string, payload any) error {
	if err := rule.ValidateStruct(payload); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrInvalidPayload, topic, err)
	}

	if q.limiter != nil {
		if err := q.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("enqueue %s: %w", topic, err)
		}
	}

	msg, err := NewWatermillMessage(topic, payload,
		WithTraceID(traceID(ctx)), WithProducer(configs.AppName))
	if err != nil {
		return fmt.Errorf("encode %s: %w", topic, err)
	}

	tracing.Inject(ctx, msg.Metadata)
	msg.SetContext(ctx)

	if err := q.pub.Publish(topic, msg); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}

	nlog.Logger().Debug().Str("topic", topic).Str("msg_id", msg.UUID).Msg("task enqueued")

	return nil
}

var (
	ulidMu      sync.Mutex
	ulidEntropy = ulid.Monotonic(crand.Reader, 0)
)

// traceID 当前 span 的 trace id，没有时生成一个 ULID.
func traceID(ctx context.Context) string {
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		return sc.TraceID().String()
	}

	ulidMu.Lock()
	defer ulidMu.Unlock()

	return ulid.MustNew(ulid.Timestamp(time.Now()), ulidEntropy).String()
}
