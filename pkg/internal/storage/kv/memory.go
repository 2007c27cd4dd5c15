package kv

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/yeisme/curatevault/pkg/configs"
)

// MemoryKV 进程内 KV 实现，过期时间通过 ttl 包装编码在值里.
type MemoryKV struct {
	mu   sync.Mutex
	data map[string][]byte
	now  func() time.Time
}

// NewMemoryKV 创建内存 KV 实例.
func NewMemoryKV(context.Context, *configs.KVConfig) (KVStore, error) {
	return &MemoryKV{data: map[string][]byte{}, now: time.Now}, nil
}

// load 读取未过期的值，调用方持有锁.
func (m *MemoryKV) load(key string) ([]byte, bool, error) {
	raw, ok := m.data[key]
	if !ok {
		return nil, false, nil
	}

	v, expired, _, err := decodeWithTTL(raw, m.now())
	if err != nil {
		return nil, false, err
	}

	if expired {
		delete(m.data, key)
		return nil, false, nil
	}

	return v, true, nil
}

func (m *MemoryKV) store(key string, value []byte, ttl time.Duration) error {
	b, _, err := encodeWithTTL(append([]byte(nil), value...), ttl)
	if err != nil {
		return err
	}

	m.data[key] = b

	return nil
}

// Get 获取键的值.
func (m *MemoryKV) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	v, ok, err := m.load(key)
	if err != nil {
		return nil, err
	}

	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}

	return append([]byte(nil), v...), nil
}

// Set 设置键的值.
func (m *MemoryKV) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.store(key, value, ttl)
}

// SetIfAbsent 键不存在（或已过期）时写入.
func (m *MemoryKV) SetIfAbsent(_ context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok, err := m.load(key); err != nil || ok {
		return false, err
	}

	return true, m.store(key, value, ttl)
}

// Delete 删除键.
func (m *MemoryKV) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.data, key)

	return nil
}

// Exists 检查键是否存在.
func (m *MemoryKV) Exists(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	_, ok, err := m.load(key)

	return ok, err
}

// Keys 获取匹配前缀的键.
func (m *MemoryKV) Keys(_ context.Context, prefix string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	keys := make([]string, 0, len(m.data))

	for k := range m.data {
		if !strings.HasPrefix(k, prefix) {
			continue
		}

		if _, ok, _ := m.load(k); ok {
			keys = append(keys, k)
		}
	}

	sort.Strings(keys)

	return keys, nil
}

// Close 关闭存储（内存实现无需操作）.
func (m *MemoryKV) Close() error {
	return nil
}

func init() {
	RegisterKVFactory(KVTypeMemory, NewMemoryKV)
}
