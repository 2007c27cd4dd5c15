// Package mq 提供基于 Watermill 的任务队列传输层.
// 通过工厂模式抽象不同的实现：
//   - NATS（支持 JetStream，多进程部署）
//   - GoChannel（进程内，单机部署与测试）
//
// Client 只负责 Publisher 与 Subscriber 的创建和关闭，路由与处理逻辑在 worker 包中.
package mq

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	watermill "github.com/ThreeDotsLabs/watermill"
	wmetrics "github.com/ThreeDotsLabs/watermill/components/metrics"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/yeisme/curatevault/pkg/configs"
	nlog "github.com/yeisme/curatevault/pkg/log"
	"github.com/yeisme/curatevault/pkg/metrics"
)

// Factory 定义创建 Publisher + Subscriber 的工厂函数.
type Factory func(ctx context.Context, cfg *configs.MQConfig, logger watermill.LoggerAdapter) (message.Publisher, message.Subscriber, error)

var factories = map[configs.MQType]Factory{}

// RegisterFactory 注册指定 MQType 的工厂.
func RegisterFactory(t configs.MQType, f Factory) {
	factories[t] = f
}

// GetRegisteredMQTypes 返回已注册的队列类型.
func GetRegisteredMQTypes() []configs.MQType {
	types := make([]configs.MQType, 0, len(factories))
	for t := range factories {
		types = append(types, t)
	}

	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })

	return types
}

// Client 封装 watermill Publisher 与 Subscriber.
type Client struct {
	Publisher  message.Publisher
	Subscriber message.Subscriber
	Logger     watermill.LoggerAdapter
	Type       configs.MQType
}

// Publish 便捷发布.
func (c *Client) Publish(topic string, msgs ...*message.Message) error {
	if c == nil || c.Publisher == nil {
		return errors.New("mq publisher not initialized")
	}

	return c.Publisher.Publish(topic, msgs...)
}

// Close 关闭资源.
func (c *Client) Close() error {
	var errs []error

	if c.Publisher != nil {
		errs = append(errs, c.Publisher.Close())
	}

	// gochannel 的 Publisher 与 Subscriber 是同一个实例
	if c.Subscriber != nil && any(c.Subscriber) != any(c.Publisher) {
		errs = append(errs, c.Subscriber.Close())
	}

	return errors.Join(errs...)
}

var (
	mqOnce sync.Once
	mqInst *Client
	mqErr  error
)

// New 使用全局配置初始化消息队列（单例）.
func New(ctx context.Context) (*Client, error) {
	mqOnce.Do(func() {
		cfg := configs.GetConfig().MQ
		mqInst, mqErr = Open(ctx, &cfg)
	})

	return mqInst, mqErr
}

// Open 按配置创建一个新的队列客户端.
func Open(ctx context.Context, cfg *configs.MQConfig) (*Client, error) {
	factory, ok := factories[cfg.Type]
	if !ok {
		return nil, fmt.Errorf("unsupported mq type: %s", cfg.Type)
	}

	logger := NewLoggerAdapter(nlog.Component("mq"))

	pub, sub, err := factory(ctx, cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("init mq (%s): %w", cfg.Type, err)
	}

	if mc := configs.GetConfig().Metrics; mc.Enabled {
		builder := wmetrics.NewPrometheusMetricsBuilder(metrics.GetRegistry(), mc.Namespace, "queue")

		if pub, err = builder.DecoratePublisher(pub); err != nil {
			return nil, fmt.Errorf("decorate publisher with metrics: %w", err)
		}

		if sub, err = builder.DecorateSubscriber(sub); err != nil {
			return nil, fmt.Errorf("decorate subscriber with metrics: %w", err)
		}
	}

	nlog.Logger().Info().Str("type", string(cfg.Type)).Msg("MQ 已初始化")

	return &Client{Publisher: pub, Subscriber: sub, Logger: logger, Type: cfg.Type}, nil
}

// MetricsBuilder 返回绑定到应用指标注册表的 builder，供 router 使用.
func MetricsBuilder() wmetrics.PrometheusMetricsBuilder {
	return wmetrics.NewPrometheusMetricsBuilder(metrics.GetRegistry(), configs.GetConfig().Metrics.Namespace, "queue")
}
