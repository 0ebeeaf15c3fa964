package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestMemory(t *testing.T, cfg MemoryConfig) *Memory {
	t.Helper()
	m := NewMemory(cfg)
	t.Cleanup(func() { m.Close() })
	return m
}

func TestMemorySetGet(t *testing.T) {
	m := newTestMemory(t, MemoryConfig{})
	ctx := context.Background()

	require.NoError(t, m.Set(ctx, "k", "v"))
	value, ok, err := m.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "v", value)

	_, ok, err = m.Get(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemoryTTLExpiry(t *testing.T) {
	m := newTestMemory(t, MemoryConfig{})
	ctx := context.Background()

	require.NoError(t, m.Set(ctx, "k", "v", 10*time.Millisecond))
	_, ok, _ := m.Get(ctx, "k")
	assert.True(t, ok)

	time.Sleep(20 * time.Millisecond)
	_, ok, _ = m.Get(ctx, "k")
	assert.False(t, ok)
}

func TestMemoryLRUEviction(t *testing.T) {
	m := newTestMemory(t, MemoryConfig{MaxEntries: 3})
	ctx := context.Background()

	require.NoError(t, m.Set(ctx, "a", 1))
	require.NoError(t, m.Set(ctx, "b", 2))
	require.NoError(t, m.Set(ctx, "c", 3))

	// Touch "a" so "b" becomes the eviction candidate.
	_, _, _ = m.Get(ctx, "a")
	require.NoError(t, m.Set(ctx, "d", 4))

	_, ok, _ := m.Get(ctx, "a")
	assert.True(t, ok)
	_, ok, _ = m.Get(ctx, "b")
	assert.False(t, ok)
	_, ok, _ = m.Get(ctx, "d")
	assert.True(t, ok)

	stats, err := m.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), stats.Entries)
	assert.GreaterOrEqual(t, stats.Evictions, int64(1))
}

func TestMemoryManyOperations(t *testing.T) {
	m := newTestMemory(t, MemoryConfig{})
	ctx := context.Background()

	require.NoError(t, m.SetMany(ctx, map[string]any{"a": 1, "b": 2, "c": 3}))
	got, err := m.GetMany(ctx, []string{"a", "b", "missing"})
	require.NoError(t, err)
	assert.Len(t, got, 2)

	require.NoError(t, m.DeleteMany(ctx, []string{"a", "b"}))
	_, ok, _ := m.Get(ctx, "a")
	assert.False(t, ok)
}

func TestMemoryInvalidatePattern(t *testing.T) {
	m := newTestMemory(t, MemoryConfig{})
	ctx := context.Background()

	require.NoError(t, m.Set(ctx, "entity:1", 1))
	require.NoError(t, m.Set(ctx, "entity:2", 2))
	require.NoError(t, m.Set(ctx, "query:1", 3))

	removed, err := m.InvalidatePattern(ctx, "entity:*")
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	_, ok, _ := m.Get(ctx, "query:1")
	assert.True(t, ok)
}

func TestMemoryClearAndStats(t *testing.T) {
	m := newTestMemory(t, MemoryConfig{})
	ctx := context.Background()

	require.NoError(t, m.Set(ctx, "k", "v"))
	_, _, _ = m.Get(ctx, "k")
	_, _, _ = m.Get(ctx, "missing")

	stats, err := m.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Hits)
	assert.Equal(t, int64(1), stats.Misses)
	assert.Positive(t, stats.MemoryBytes)

	require.NoError(t, m.Clear(ctx))
	stats, _ = m.Stats(ctx)
	assert.Zero(t, stats.Entries)
	assert.Zero(t, stats.MemoryBytes)
}

func TestNoopProvider(t *testing.T) {
	n := NewNoop()
	ctx := context.Background()

	require.NoError(t, n.Set(ctx, "k", "v"))
	_, ok, err := n.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)
	require.NoError(t, n.Ping(ctx))
}
