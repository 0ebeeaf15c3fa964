package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/R3E-Network/entity_layer/internal/cache"
	"github.com/R3E-Network/entity_layer/internal/config"
	"github.com/R3E-Network/entity_layer/pkg/logger"
)

func TestBuildCacheDisabled(t *testing.T) {
	provider := buildCache(config.CacheConfig{Enabled: false}, logger.NewDefault("test"))
	_, ok := provider.(*cache.Noop)
	assert.True(t, ok)
}

func TestBuildCacheMemoryDefault(t *testing.T) {
	provider := buildCache(config.CacheConfig{
		Enabled:  true,
		Provider: "memory",
		Strategy: "fixed",
	}, logger.NewDefault("test"))
	defer provider.Close()

	_, ok := provider.(*cache.Memory)
	assert.True(t, ok)
}

func TestBuildCacheAdaptiveWrapping(t *testing.T) {
	provider := buildCache(config.CacheConfig{
		Enabled:  true,
		Provider: "memory",
		Strategy: "adaptive",
	}, logger.NewDefault("test"))
	defer provider.Close()

	_, ok := provider.(*cache.Adaptive)
	assert.True(t, ok)
}

func TestBuildCacheNoopProvider(t *testing.T) {
	provider := buildCache(config.CacheConfig{
		Enabled:  true,
		Provider: "noop",
	}, logger.NewDefault("test"))

	_, ok := provider.(*cache.Noop)
	assert.True(t, ok)
}
