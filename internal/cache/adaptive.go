package cache

import (
	"context"
	"sync"
	"time"
)

// Access categories reported by AccessStats.
const (
	CategoryHot    = "hot"
	CategoryNormal = "normal"
	CategoryCold   = "cold"
)

// AdaptiveConfig tunes the adaptive TTL decorator.
type AdaptiveConfig struct {
	BaseTTL time.Duration
	// Window is the sliding window over which accesses are counted.
	Window time.Duration
	// HotThreshold is the access count within the window at which a key
	// becomes hot.
	HotThreshold int
	// MinTTL floors the halved TTL of cold keys.
	MinTTL time.Duration
}

// DefaultAdaptiveConfig returns the default tuning.
func DefaultAdaptiveConfig() AdaptiveConfig {
	return AdaptiveConfig{
		BaseTTL:      5 * time.Minute,
		Window:       time.Minute,
		HotThreshold: 10,
		MinTTL:       time.Minute,
	}
}

// AccessStats reports per-key access tracking.
type AccessStats struct {
	Count       int
	Category    string
	WindowStart time.Time
}

type accessRecord struct {
	count       int
	windowStart time.Time
	lastAccess  time.Time
}

// Adaptive wraps a provider and adjusts TTLs by per-key access frequency
// within a sliding window: hot keys double the base TTL, cold keys halve
// it down to the configured floor.
type Adaptive struct {
	inner Provider
	cfg   AdaptiveConfig

	mu      sync.Mutex
	records map[string]*accessRecord
}

// NewAdaptive wraps any provider with adaptive TTLs.
func NewAdaptive(inner Provider, cfg AdaptiveConfig) *Adaptive {
	def := DefaultAdaptiveConfig()
	if cfg.BaseTTL <= 0 {
		cfg.BaseTTL = def.BaseTTL
	}
	if cfg.Window <= 0 {
		cfg.Window = def.Window
	}
	if cfg.HotThreshold <= 0 {
		cfg.HotThreshold = def.HotThreshold
	}
	if cfg.MinTTL <= 0 {
		cfg.MinTTL = def.MinTTL
	}
	return &Adaptive{
		inner:   inner,
		cfg:     cfg,
		records: make(map[string]*accessRecord),
	}
}

// track records one access and returns the key's current category.
func (a *Adaptive) track(key string) string {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := time.Now()
	rec, ok := a.records[key]
	if !ok || now.Sub(rec.windowStart) > a.cfg.Window {
		// Window rolled over; the previous count is discarded.
		rec = &accessRecord{windowStart: now}
		a.records[key] = rec
	}
	rec.count++
	rec.lastAccess = now
	return a.categoryLocked(rec, now)
}

func (a *Adaptive) categoryLocked(rec *accessRecord, now time.Time) string {
	if now.Sub(rec.windowStart) > a.cfg.Window {
		return CategoryCold
	}
	if rec.count >= a.cfg.HotThreshold {
		return CategoryHot
	}
	return CategoryNormal
}

// ttlFor computes the TTL the category earns.
func (a *Adaptive) ttlFor(category string) time.Duration {
	switch category {
	case CategoryHot:
		return a.cfg.BaseTTL * 2
	case CategoryCold:
		halved := a.cfg.BaseTTL / 2
		if halved < a.cfg.MinTTL {
			halved = a.cfg.MinTTL
		}
		return halved
	default:
		return a.cfg.BaseTTL
	}
}

// AccessStats reports how a key is currently classified.
func (a *Adaptive) AccessStats(key string) AccessStats {
	a.mu.Lock()
	defer a.mu.Unlock()

	rec, ok := a.records[key]
	if !ok {
		return AccessStats{Category: CategoryCold}
	}
	now := time.Now()
	return AccessStats{
		Count:       rec.count,
		Category:    a.categoryLocked(rec, now),
		WindowStart: rec.windowStart,
	}
}

func (a *Adaptive) Get(ctx context.Context, key string) (any, bool, error) {
	a.track(key)
	return a.inner.Get(ctx, key)
}

// Set stores with the adaptive TTL unless the caller pins one explicitly.
func (a *Adaptive) Set(ctx context.Context, key string, value any, ttl ...time.Duration) error {
	if len(ttl) > 0 && ttl[0] > 0 {
		return a.inner.Set(ctx, key, value, ttl...)
	}

	a.mu.Lock()
	now := time.Now()
	category := CategoryCold
	if rec, ok := a.records[key]; ok {
		category = a.categoryLocked(rec, now)
	}
	a.mu.Unlock()

	return a.inner.Set(ctx, key, value, a.ttlFor(category))
}

func (a *Adaptive) Delete(ctx context.Context, keys ...string) error {
	a.mu.Lock()
	for _, key := range keys {
		delete(a.records, key)
	}
	a.mu.Unlock()
	return a.inner.Delete(ctx, keys...)
}

func (a *Adaptive) Clear(ctx context.Context) error {
	a.mu.Lock()
	a.records = make(map[string]*accessRecord)
	a.mu.Unlock()
	return a.inner.Clear(ctx)
}

func (a *Adaptive) GetMany(ctx context.Context, keys []string) (map[string]any, error) {
	for _, key := range keys {
		a.track(key)
	}
	return a.inner.GetMany(ctx, keys)
}

func (a *Adaptive) SetMany(ctx context.Context, values map[string]any, ttl ...time.Duration) error {
	if len(ttl) > 0 && ttl[0] > 0 {
		return a.inner.SetMany(ctx, values, ttl...)
	}
	for key, value := range values {
		if err := a.Set(ctx, key, value); err != nil {
			return err
		}
	}
	return nil
}

func (a *Adaptive) DeleteMany(ctx context.Context, keys []string) error {
	return a.Delete(ctx, keys...)
}

func (a *Adaptive) InvalidatePattern(ctx context.Context, pattern string) (int, error) {
	return a.inner.InvalidatePattern(ctx, pattern)
}

func (a *Adaptive) Ping(ctx context.Context) error { return a.inner.Ping(ctx) }

func (a *Adaptive) Stats(ctx context.Context) (Stats, error) { return a.inner.Stats(ctx) }

func (a *Adaptive) Close() error { return a.inner.Close() }
