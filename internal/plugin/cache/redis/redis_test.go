package redis_test

import (
	"context"
	"testing"
	"time"

	"github.com/chirino/contentpool/internal/config"
	"github.com/chirino/contentpool/internal/fingerprint"
	"github.com/chirino/contentpool/internal/plugin/cache/redis"
	registrycache "github.com/chirino/contentpool/internal/registry/cache"
	"github.com/chirino/contentpool/internal/testutil/testredis"
	"github.com/chirino/contentpool/internal/testutil/teststore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFingerprintRoundTrip(t *testing.T) {
	ctx := context.Background()
	c, err := redis.LoadFromURLWithTTL(ctx, testredis.URL(t), time.Minute)
	require.NoError(t, err)
	assert.True(t, c.Available())

	got, err := c.Get(ctx, "https://example.com/a")
	require.NoError(t, err)
	assert.Nil(t, got)

	require.NoError(t, c.Set(ctx, "https://example.com/a", registrycache.CachedFingerprint{EntryID: "entry-1"}, 0))
	got, err = c.Get(ctx, "https://example.com/a")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "entry-1", got.EntryID)

	require.NoError(t, c.Remove(ctx, "https://example.com/a"))
	got, err = c.Get(ctx, "https://example.com/a")
	require.NoError(t, err)
	assert.Nil(t, got)
}

// Two indexes with separate stores only share the remote cache, so the
// second one can only learn about the URL through redis.
func TestIndexesShareRegistrationsThroughRedis(t *testing.T) {
	_ = redis.ForceImport
	cfg := config.DefaultConfig()
	testredis.Configure(t, &cfg)
	ctx := config.WithContext(context.Background(), &cfg)

	loader, err := registrycache.Select(cfg.CacheType)
	require.NoError(t, err)
	remote, err := loader(ctx)
	require.NoError(t, err)

	storeA, _ := teststore.SQLite(t)
	storeB, _ := teststore.SQLite(t)
	a := fingerprint.NewIndex(storeA, fingerprint.WithRemoteCache(remote, cfg.RemoteCacheTTL))
	b := fingerprint.NewIndex(storeB, fingerprint.WithRemoteCache(remote, cfg.RemoteCacheTTL))

	_, err = a.RegisterProcessedURL(ctx, "https://example.com/post?utm_source=x", "entry-7", fingerprint.Metadata{})
	require.NoError(t, err)

	res := b.CheckDuplicate(ctx, "https://EXAMPLE.com/post")
	assert.True(t, res.IsDuplicate)
	assert.Equal(t, "entry-7", res.ExistingEntryID)
	assert.Equal(t, fingerprint.SourceRemote, res.Source)

	res = b.CheckDuplicate(ctx, "https://example.com/post")
	assert.Equal(t, fingerprint.SourceLocal, res.Source)
}
