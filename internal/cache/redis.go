package cache

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/R3E-Network/entity_layer/pkg/logger"
)

// InvalidationChannel carries cross-instance invalidation messages.
const InvalidationChannel = "entity_layer:cache:invalidate"

// compressionThreshold is the encoded size above which values are gzipped.
const compressionThreshold = 1024

// gzip magic bytes, used to detect compressed payloads on read.
var gzipMagic = []byte{0x1f, 0x8b}

// RedisConfig tunes the distributed provider.
type RedisConfig struct {
	Addr       string
	Password   string
	DB         int
	DefaultTTL time.Duration
	KeyPrefix  string
}

// Redis is the distributed cache provider. Values are JSON-encoded and
// transparently gzipped when large. Pattern invalidation walks the keyspace
// with SCAN; deletions are published on a pub/sub channel so peer instances
// can drop their local copies.
type Redis struct {
	client *redis.Client
	cfg    RedisConfig
	log    *logger.Logger

	sub    *redis.PubSub
	cancel context.CancelFunc
}

// NewRedis creates the provider and its client. The invalidation subscriber
// is started separately by SubscribeInvalidations.
func NewRedis(cfg RedisConfig, log *logger.Logger) *Redis {
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = 5 * time.Minute
	}
	if log == nil {
		log = logger.NewDefault("cache-redis")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return &Redis{client: client, cfg: cfg, log: log}
}

// SubscribeInvalidations starts consuming the invalidation channel and
// invokes fn with each invalidated key or pattern.
func (r *Redis) SubscribeInvalidations(ctx context.Context, fn func(keyOrPattern string)) {
	subCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.sub = r.client.Subscribe(subCtx, InvalidationChannel)

	go func() {
		ch := r.sub.Channel()
		for {
			select {
			case <-subCtx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				if fn != nil {
					fn(msg.Payload)
				}
			}
		}
	}()
}

func (r *Redis) key(k string) string {
	if r.cfg.KeyPrefix == "" {
		return k
	}
	return r.cfg.KeyPrefix + k
}

func encode(value any) ([]byte, error) {
	raw, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("encode cache value: %w", err)
	}
	if len(raw) <= compressionThreshold {
		return raw, nil
	}
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(raw); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decode(raw []byte) (any, error) {
	if bytes.HasPrefix(raw, gzipMagic) {
		zr, err := gzip.NewReader(bytes.NewReader(raw))
		if err != nil {
			return nil, err
		}
		defer zr.Close()
		raw, err = io.ReadAll(zr)
		if err != nil {
			return nil, err
		}
	}
	var value any
	if err := json.Unmarshal(raw, &value); err != nil {
		return nil, fmt.Errorf("decode cache value: %w", err)
	}
	return value, nil
}

func (r *Redis) Get(ctx context.Context, key string) (any, bool, error) {
	raw, err := r.client.Get(ctx, r.key(key)).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	value, err := decode(raw)
	if err != nil {
		return nil, false, err
	}
	return value, true, nil
}

func (r *Redis) Set(ctx context.Context, key string, value any, ttl ...time.Duration) error {
	raw, err := encode(value)
	if err != nil {
		return err
	}
	return r.client.Set(ctx, r.key(key), raw, firstTTL(r.cfg.DefaultTTL, ttl)).Err()
}

func (r *Redis) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	prefixed := make([]string, len(keys))
	for i, k := range keys {
		prefixed[i] = r.key(k)
	}
	if err := r.client.Del(ctx, prefixed...).Err(); err != nil {
		return err
	}
	for _, k := range keys {
		r.publishInvalidation(ctx, k)
	}
	return nil
}

func (r *Redis) Clear(ctx context.Context) error {
	_, err := r.InvalidatePattern(ctx, "*")
	return err
}

func (r *Redis) GetMany(ctx context.Context, keys []string) (map[string]any, error) {
	if len(keys) == 0 {
		return map[string]any{}, nil
	}
	prefixed := make([]string, len(keys))
	for i, k := range keys {
		prefixed[i] = r.key(k)
	}
	raws, err := r.client.MGet(ctx, prefixed...).Result()
	if err != nil {
		return nil, err
	}
	out := make(map[string]any, len(keys))
	for i, raw := range raws {
		if raw == nil {
			continue
		}
		s, ok := raw.(string)
		if !ok {
			continue
		}
		value, err := decode([]byte(s))
		if err != nil {
			return nil, err
		}
		out[keys[i]] = value
	}
	return out, nil
}

func (r *Redis) SetMany(ctx context.Context, values map[string]any, ttl ...time.Duration) error {
	pipe := r.client.Pipeline()
	effective := firstTTL(r.cfg.DefaultTTL, ttl)
	for key, value := range values {
		raw, err := encode(value)
		if err != nil {
			return err
		}
		pipe.Set(ctx, r.key(key), raw, effective)
	}
	_, err := pipe.Exec(ctx)
	return err
}

func (r *Redis) DeleteMany(ctx context.Context, keys []string) error {
	return r.Delete(ctx, keys...)
}

// InvalidatePattern deletes all keys matching the glob pattern using SCAN
// so the keyspace walk never blocks the server.
func (r *Redis) InvalidatePattern(ctx context.Context, pattern string) (int, error) {
	var (
		cursor  uint64
		removed int
	)
	match := r.key(pattern)
	for {
		keys, next, err := r.client.Scan(ctx, cursor, match, 100).Result()
		if err != nil {
			return removed, err
		}
		if len(keys) > 0 {
			if err := r.client.Del(ctx, keys...).Err(); err != nil {
				return removed, err
			}
			removed += len(keys)
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	r.publishInvalidation(ctx, pattern)
	return removed, nil
}

func (r *Redis) publishInvalidation(ctx context.Context, keyOrPattern string) {
	if err := r.client.Publish(ctx, InvalidationChannel, keyOrPattern).Err(); err != nil {
		r.log.WithError(err).Debug("publish cache invalidation failed")
	}
}

func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Stats reports a health snapshot: round-trip latency plus memory,
// connection, and version figures parsed from INFO.
func (r *Redis) Stats(ctx context.Context) (Stats, error) {
	stats := Stats{Provider: "redis"}

	start := time.Now()
	if err := r.client.Ping(ctx).Err(); err != nil {
		return stats, err
	}
	stats.Latency = time.Since(start)

	info, err := r.client.Info(ctx, "memory", "clients", "server", "stats").Result()
	if err != nil {
		return stats, nil // latency alone is still a useful health signal
	}
	fields := parseInfo(info)
	if v, ok := fields["used_memory"]; ok {
		stats.MemoryBytes, _ = strconv.ParseInt(v, 10, 64)
	}
	if v, ok := fields["connected_clients"]; ok {
		stats.Connections, _ = strconv.ParseInt(v, 10, 64)
	}
	if v, ok := fields["redis_version"]; ok {
		stats.Version = v
	}
	if v, ok := fields["keyspace_hits"]; ok {
		stats.Hits, _ = strconv.ParseInt(v, 10, 64)
	}
	if v, ok := fields["keyspace_misses"]; ok {
		stats.Misses, _ = strconv.ParseInt(v, 10, 64)
	}
	return stats, nil
}

func parseInfo(info string) map[string]string {
	fields := make(map[string]string)
	for _, line := range strings.Split(info, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if idx := strings.IndexByte(line, ':'); idx > 0 {
			fields[line[:idx]] = line[idx+1:]
		}
	}
	return fields
}

func (r *Redis) Close() error {
	if r.cancel != nil {
		r.cancel()
	}
	if r.sub != nil {
		_ = r.sub.Close()
	}
	return r.client.Close()
}
