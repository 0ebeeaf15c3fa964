package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ttlSpy records the TTL each Set receives.
type ttlSpy struct {
	*Memory
	lastTTL time.Duration
}

func (s *ttlSpy) Set(ctx context.Context, key string, value any, ttl ...time.Duration) error {
	if len(ttl) > 0 {
		s.lastTTL = ttl[0]
	}
	return s.Memory.Set(ctx, key, value, ttl...)
}

func newAdaptive(t *testing.T, cfg AdaptiveConfig) (*Adaptive, *ttlSpy) {
	t.Helper()
	spy := &ttlSpy{Memory: NewMemory(MemoryConfig{})}
	t.Cleanup(func() { spy.Memory.Close() })
	return NewAdaptive(spy, cfg), spy
}

func TestAdaptiveHotKeyDoublesTTL(t *testing.T) {
	a, spy := newAdaptive(t, AdaptiveConfig{
		BaseTTL:      60 * time.Second,
		Window:       time.Minute,
		HotThreshold: 10,
		MinTTL:       30 * time.Second,
	})
	ctx := context.Background()

	for i := 0; i < 11; i++ {
		_, _, _ = a.Get(ctx, "k")
	}
	assert.Equal(t, CategoryHot, a.AccessStats("k").Category)

	require.NoError(t, a.Set(ctx, "k", "v"))
	assert.Equal(t, 120*time.Second, spy.lastTTL)
}

func TestAdaptiveColdKeyHalvesTTL(t *testing.T) {
	a, spy := newAdaptive(t, AdaptiveConfig{
		BaseTTL:      60 * time.Second,
		Window:       20 * time.Millisecond,
		HotThreshold: 10,
		MinTTL:       30 * time.Second,
	})
	ctx := context.Background()

	_, _, _ = a.Get(ctx, "k")
	time.Sleep(40 * time.Millisecond) // window rolls over; key is idle

	assert.Equal(t, CategoryCold, a.AccessStats("k").Category)
	require.NoError(t, a.Set(ctx, "k", "v"))
	assert.Equal(t, 30*time.Second, spy.lastTTL)
}

func TestAdaptiveColdTTLFloor(t *testing.T) {
	a := NewAdaptive(NewNoop(), AdaptiveConfig{
		BaseTTL:      90 * time.Second,
		Window:       time.Minute,
		HotThreshold: 10,
		MinTTL:       time.Minute,
	})
	// 90s halved is 45s, below the one-minute floor.
	assert.Equal(t, time.Minute, a.ttlFor(CategoryCold))
	assert.Equal(t, 3*time.Minute, a.ttlFor(CategoryHot))
	assert.Equal(t, 90*time.Second, a.ttlFor(CategoryNormal))
}

func TestAdaptiveNormalKeyKeepsBaseTTL(t *testing.T) {
	a, spy := newAdaptive(t, AdaptiveConfig{
		BaseTTL:      60 * time.Second,
		Window:       time.Minute,
		HotThreshold: 10,
		MinTTL:       30 * time.Second,
	})
	ctx := context.Background()

	_, _, _ = a.Get(ctx, "k")
	assert.Equal(t, CategoryNormal, a.AccessStats("k").Category)

	require.NoError(t, a.Set(ctx, "k", "v"))
	assert.Equal(t, 60*time.Second, spy.lastTTL)
}

func TestAdaptiveExplicitTTLWins(t *testing.T) {
	a, spy := newAdaptive(t, AdaptiveConfig{BaseTTL: 60 * time.Second})
	ctx := context.Background()

	require.NoError(t, a.Set(ctx, "k", "v", 7*time.Second))
	assert.Equal(t, 7*time.Second, spy.lastTTL)
}

func TestAdaptiveDeleteForgetsTracking(t *testing.T) {
	a, _ := newAdaptive(t, AdaptiveConfig{
		BaseTTL:      60 * time.Second,
		HotThreshold: 2,
	})
	ctx := context.Background()

	_, _, _ = a.Get(ctx, "k")
	_, _, _ = a.Get(ctx, "k")
	assert.Equal(t, CategoryHot, a.AccessStats("k").Category)

	require.NoError(t, a.Delete(ctx, "k"))
	assert.Equal(t, CategoryCold, a.AccessStats("k").Category)
	assert.Zero(t, a.AccessStats("k").Count)
}
