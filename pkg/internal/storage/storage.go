// Package storage 聚合数据库、对象存储、任务队列与 KV 资源.
//
// Example:
//
//	ctx := context.Background()
//	mgr, err := storage.Init(ctx)
//	if err != nil {
//		// 处理错误
//	}
//	defer mgr.Close()
//
//	gw := mgr.GetGateway()
package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/yeisme/curatevault/pkg/configs"
	dbc "github.com/yeisme/curatevault/pkg/internal/storage/db"
	kvc "github.com/yeisme/curatevault/pkg/internal/storage/kv"
	mqc "github.com/yeisme/curatevault/pkg/internal/storage/mq"
	s3c "github.com/yeisme/curatevault/pkg/internal/storage/s3"
	nlog "github.com/yeisme/curatevault/pkg/log"
)

// Manager 聚合所有存储资源.
type Manager struct {
	DB      *dbc.Client
	S3      *s3c.Client
	Gateway *s3c.Gateway
	MQ      *mqc.Client
	KV      *kvc.Client
}

var (
	mgr     *Manager
	mgrErr  error
	mgrOnce sync.Once
)

// Init 初始化默认存储，使用全局配置.重复调用只返回已初始化实例.
func Init(ctx context.Context) (*Manager, error) {
	mgrOnce.Do(func() {
		mgr, mgrErr = open(ctx, configs.GetConfig())
	})

	return mgr, mgrErr
}

func open(ctx context.Context, cfg *configs.AppConfig) (*Manager, error) {
	m := &Manager{}

	db, err := dbc.New(ctx)
	if err != nil {
		return nil, fmt.Errorf("db: %w", err)
	}

	m.DB = db

	s3i, err := s3c.New(ctx, &cfg.S3)
	if err != nil {
		_ = m.Close()
		return nil, fmt.Errorf("s3: %w", err)
	}

	m.S3 = s3i
	m.Gateway = s3c.NewGateway(s3i,
		s3c.WithPartSize(cfg.S3.PartSize),
		s3c.WithCircuitBreaker(cfg.CircuitBreaker),
	)

	if m.MQ, err = mqc.New(ctx); err != nil {
		_ = m.Close()
		return nil, fmt.Errorf("mq: %w", err)
	}

	if m.KV, err = kvc.NewKVClient(ctx); err != nil {
		_ = m.Close()
		return nil, fmt.Errorf("kv: %w", err)
	}

	nlog.Logger().Info().Msg("storage manager initialized")

	return m, nil
}

// GetGateway 获取对象存储网关.
func (m *Manager) GetGateway() *s3c.Gateway {
	return m.Gateway
}

// GetDBClient 获取 DB 客户端.
func (m *Manager) GetDBClient() *dbc.Client {
	return m.DB
}

// GetMQClient 获取 MQ 客户端.
func (m *Manager) GetMQClient() *mqc.Client {
	return m.MQ
}

// GetKVClient 获取 KV 客户端.
func (m *Manager) GetKVClient() *kvc.Client {
	return m.KV
}

// Close 按打开的逆序关闭资源.
func (m *Manager) Close() error {
	var errs []error

	if m.KV != nil {
		errs = append(errs, m.KV.Close())
	}

	if m.MQ != nil {
		errs = append(errs, m.MQ.Close())
	}

	if m.DB != nil {
		errs = append(errs, m.DB.Close())
	}

	return errors.Join(errs...)
}
