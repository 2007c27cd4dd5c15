package kv

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yeisme/curatevault/pkg/configs"
)

func newMemory(t *testing.T) *MemoryKV {
	t.Helper()

	store, err := NewKVStore(context.Background(), &configs.KVConfig{Type: string(KVTypeMemory)})
	require.NoError(t, err)

	return store.(*MemoryKV)
}

func TestMemorySetGet(t *testing.T) {
	ctx := context.Background()
	m := newMemory(t)

	require.NoError(t, m.Set(ctx, "a", []byte("1"), 0))

	v, err := m.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, []byte("1"), v)

	_, err = m.Get(ctx, "missing")
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, m.Delete(ctx, "a"))

	ok, err := m.Exists(ctx, "a")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemoryTTLExpiry(t *testing.T) {
	ctx := context.Background()
	m := newMemory(t)

	now := time.Now()
	m.now = func() time.Time { return now }

	require.NoError(t, m.Set(ctx, "k", []byte("v"), time.Minute))

	ok, err := m.Exists(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)

	m.now = func() time.Time { return now.Add(2 * time.Minute) }

	_, err = m.Get(ctx, "k")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestMemorySetIfAbsent(t *testing.T) {
	ctx := context.Background()
	m := newMemory(t)

	ok, err := m.SetIfAbsent(ctx, "msg-1", []byte("x"), time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = m.SetIfAbsent(ctx, "msg-1", []byte("y"), time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	v, err := m.Get(ctx, "msg-1")
	require.NoError(t, err)
	assert.Equal(t, []byte("x"), v)

	now := time.Now()
	m.now = func() time.Time { return now.Add(time.Hour) }

	ok, err = m.SetIfAbsent(ctx, "msg-1", []byte("z"), time.Minute)
	require.NoError(t, err)
	assert.True(t, ok, "expired entries can be claimed again")
}

func TestMemoryKeysByPrefix(t *testing.T) {
	ctx := context.Background()
	m := newMemory(t)

	for _, k := range []string{"task/2", "task/1", "other"} {
		require.NoError(t, m.Set(ctx, k, nil, 0))
	}

	keys, err := m.Keys(ctx, "task/")
	require.NoError(t, err)
	assert.Equal(t, []string{"task/1", "task/2"}, keys)
}

func TestUnsupportedType(t *testing.T) {
	_, err := NewKVStore(context.Background(), &configs.KVConfig{Type: "etcd"})
	require.Error(t, err)
	assert.Contains(t, GetRegisteredKVTypes(), KVTypeMemory)
}
