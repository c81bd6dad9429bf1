package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/chirino/contentpool/internal/config"
	registrycache "github.com/chirino/contentpool/internal/registry/cache"
	goredis "github.com/redis/go-redis/v9"
)

const defaultTTL = 24 * time.Hour

func init() {
	registrycache.Register(registrycache.Plugin{
		Name:   "redis",
		Loader: load,
	})
}

// ForceImport is a no-op variable that can be referenced to ensure this package's init() runs.
var ForceImport = 0

func load(ctx context.Context) (registrycache.FingerprintCache, error) {
	cfg := config.FromContext(ctx)
	if cfg == nil || cfg.RedisURL == "" {
		return nil, fmt.Errorf("redis cache: CONTENTPOOL_REDIS_URL is required")
	}
	return LoadFromURLWithTTL(ctx, cfg.RedisURL, cfg.RemoteCacheTTL)
}

// LoadFromURLWithTTL creates a cache from a Redis-compatible URL with an
// explicit default entry TTL.
func LoadFromURLWithTTL(ctx context.Context, redisURL string, ttl time.Duration) (registrycache.FingerprintCache, error) {
	opts, err := goredis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("redis cache: invalid URL: %w", err)
	}
	client := goredis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis cache: ping failed: %w", err)
	}
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &redisFingerprintCache{client: client, ttl: ttl}, nil
}

type redisFingerprintCache struct {
	client *goredis.Client
	ttl    time.Duration
}

func fingerprintKey(normalizedURL string) string {
	return "contentpool:fp:" + normalizedURL
}

func (c *redisFingerprintCache) Available() bool {
	return true
}

func (c *redisFingerprintCache) Get(ctx context.Context, normalizedURL string) (*registrycache.CachedFingerprint, error) {
	data, err := c.client.Get(ctx, fingerprintKey(normalizedURL)).Bytes()
	if err == goredis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var fp registrycache.CachedFingerprint
	if err := json.Unmarshal(data, &fp); err != nil {
		return nil, err
	}
	return &fp, nil
}

func (c *redisFingerprintCache) Set(ctx context.Context, normalizedURL string, fp registrycache.CachedFingerprint, ttl time.Duration) error {
	data, err := json.Marshal(fp)
	if err != nil {
		return err
	}
	if ttl == 0 {
		ttl = c.ttl
	}
	return c.client.Set(ctx, fingerprintKey(normalizedURL), data, ttl).Err()
}

func (c *redisFingerprintCache) Remove(ctx context.Context, normalizedURL string) error {
	return c.client.Del(ctx, fingerprintKey(normalizedURL)).Err()
}

func (c *redisFingerprintCache) Close() error {
	return c.client.Close()
}

var _ registrycache.FingerprintCache = (*redisFingerprintCache)(nil)
