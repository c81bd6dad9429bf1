package noop

import (
	"context"
	"time"

	"github.com/chirino/contentpool/internal/registry/cache"
)

func init() {
	cache.Register(cache.Plugin{
		Name: "none",
		Loader: func(ctx context.Context) (cache.FingerprintCache, error) {
			return Cache{}, nil
		},
	})
}

// Cache never holds anything.
type Cache struct{}

func (Cache) Available() bool { return false }
func (Cache) Get(_ context.Context, _ string) (*cache.CachedFingerprint, error) {
	return nil, nil
}
func (Cache) Set(_ context.Context, _ string, _ cache.CachedFingerprint, _ time.Duration) error {
	return nil
}
func (Cache) Remove(_ context.Context, _ string) error { return nil }

var _ cache.FingerprintCache = Cache{}
