package cache

import (
	"container/list"
	"context"
	"encoding/json"
	"os"
	"path"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/process"
)

// MemoryConfig tunes the in-memory provider.
type MemoryConfig struct {
	DefaultTTL      time.Duration
	MaxEntries      int
	MaxMemoryBytes  int64
	CleanupInterval time.Duration
}

// DefaultMemoryConfig returns sensible defaults.
func DefaultMemoryConfig() MemoryConfig {
	return MemoryConfig{
		DefaultTTL:      5 * time.Minute,
		MaxEntries:      10000,
		MaxMemoryBytes:  256 << 20,
		CleanupInterval: time.Minute,
	}
}

type memEntry struct {
	key       string
	value     any
	size      int64
	expiresAt time.Time
}

// Memory is an LRU provider bounded by entry count and approximate memory.
// Expired keys are evicted by a background cleanup timer and lazily on
// access.
type Memory struct {
	cfg MemoryConfig

	mu      sync.Mutex
	entries map[string]*list.Element
	lru     *list.List // front = most recently used
	memory  int64

	hits      int64
	misses    int64
	evictions int64

	stop chan struct{}
	once sync.Once
}

// NewMemory creates the in-memory provider and starts its cleanup timer.
func NewMemory(cfg MemoryConfig) *Memory {
	def := DefaultMemoryConfig()
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = def.DefaultTTL
	}
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = def.MaxEntries
	}
	if cfg.MaxMemoryBytes <= 0 {
		cfg.MaxMemoryBytes = def.MaxMemoryBytes
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = def.CleanupInterval
	}

	m := &Memory{
		cfg:     cfg,
		entries: make(map[string]*list.Element),
		lru:     list.New(),
		stop:    make(chan struct{}),
	}
	go m.cleanupLoop()
	return m
}

func (m *Memory) cleanupLoop() {
	ticker := time.NewTicker(m.cfg.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.cleanup()
		case <-m.stop:
			return
		}
	}
}

func (m *Memory) cleanup() {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	for key, el := range m.entries {
		if now.After(el.Value.(*memEntry).expiresAt) {
			m.removeLocked(key, el)
			m.evictions++
		}
	}
	m.enforceBoundsLocked()
}

// enforceBoundsLocked evicts least recently used entries until both bounds
// hold. Caller holds the lock.
func (m *Memory) enforceBoundsLocked() {
	for len(m.entries) > m.cfg.MaxEntries || m.memory > m.cfg.MaxMemoryBytes {
		oldest := m.lru.Back()
		if oldest == nil {
			return
		}
		entry := oldest.Value.(*memEntry)
		m.removeLocked(entry.key, oldest)
		m.evictions++
	}
}

func (m *Memory) removeLocked(key string, el *list.Element) {
	m.lru.Remove(el)
	delete(m.entries, key)
	m.memory -= el.Value.(*memEntry).size
}

func entrySize(key string, value any) int64 {
	size := int64(len(key)) + 64
	if raw, err := json.Marshal(value); err == nil {
		size += int64(len(raw))
	}
	return size
}

func (m *Memory) Get(ctx context.Context, key string) (any, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	el, ok := m.entries[key]
	if !ok {
		m.misses++
		return nil, false, nil
	}
	entry := el.Value.(*memEntry)
	if time.Now().After(entry.expiresAt) {
		m.removeLocked(key, el)
		m.evictions++
		m.misses++
		return nil, false, nil
	}
	m.lru.MoveToFront(el)
	m.hits++
	return entry.value, true, nil
}

func (m *Memory) Set(ctx context.Context, key string, value any, ttl ...time.Duration) error {
	effective := firstTTL(m.cfg.DefaultTTL, ttl)

	m.mu.Lock()
	defer m.mu.Unlock()

	if el, ok := m.entries[key]; ok {
		m.removeLocked(key, el)
	}
	entry := &memEntry{
		key:       key,
		value:     value,
		size:      entrySize(key, value),
		expiresAt: time.Now().Add(effective),
	}
	m.entries[key] = m.lru.PushFront(entry)
	m.memory += entry.size
	m.enforceBoundsLocked()
	return nil
}

func (m *Memory) Delete(ctx context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, key := range keys {
		if el, ok := m.entries[key]; ok {
			m.removeLocked(key, el)
		}
	}
	return nil
}

func (m *Memory) Clear(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = make(map[string]*list.Element)
	m.lru.Init()
	m.memory = 0
	return nil
}

func (m *Memory) GetMany(ctx context.Context, keys []string) (map[string]any, error) {
	out := make(map[string]any, len(keys))
	for _, key := range keys {
		if value, ok, _ := m.Get(ctx, key); ok {
			out[key] = value
		}
	}
	return out, nil
}

func (m *Memory) SetMany(ctx context.Context, values map[string]any, ttl ...time.Duration) error {
	for key, value := range values {
		if err := m.Set(ctx, key, value, ttl...); err != nil {
			return err
		}
	}
	return nil
}

func (m *Memory) DeleteMany(ctx context.Context, keys []string) error {
	return m.Delete(ctx, keys...)
}

func (m *Memory) InvalidatePattern(ctx context.Context, pattern string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for key, el := range m.entries {
		if matched, err := path.Match(pattern, key); err != nil {
			return removed, err
		} else if matched {
			m.removeLocked(key, el)
			removed++
		}
	}
	return removed, nil
}

func (m *Memory) Ping(ctx context.Context) error { return nil }

func (m *Memory) Stats(ctx context.Context) (Stats, error) {
	m.mu.Lock()
	stats := Stats{
		Provider:    "memory",
		Hits:        m.hits,
		Misses:      m.misses,
		Entries:     int64(len(m.entries)),
		Evictions:   m.evictions,
		MemoryBytes: m.memory,
	}
	m.mu.Unlock()

	if proc, err := process.NewProcess(int32(os.Getpid())); err == nil {
		if mem, err := proc.MemoryInfo(); err == nil && mem != nil {
			stats.ProcessRSS = mem.RSS
		}
	}
	return stats, nil
}

func (m *Memory) Close() error {
	m.once.Do(func() { close(m.stop) })
	return nil
}
