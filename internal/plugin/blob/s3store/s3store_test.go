package s3store_test

import (
	"context"
	"testing"

	"github.com/chirino/contentpool/internal/config"
	"github.com/chirino/contentpool/internal/model"
	"github.com/chirino/contentpool/internal/plugin/blob/s3store"
	registryblob "github.com/chirino/contentpool/internal/registry/blob"
	registrystore "github.com/chirino/contentpool/internal/registry/store"
	"github.com/chirino/contentpool/internal/testutil/tests3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestS3TiersAreIsolated(t *testing.T) {
	_ = s3store.ForceImport
	cfg := config.DefaultConfig()
	tests3.Configure(t, &cfg)
	cfg.S3Prefix = "pool"
	ctx := config.WithContext(context.Background(), &cfg)

	loader, err := registryblob.Select(cfg.BlobType)
	require.NoError(t, err)
	hot, err := loader(ctx, model.TierHot)
	require.NoError(t, err)
	cold, err := loader(ctx, model.TierCold)
	require.NoError(t, err)

	require.NoError(t, hot.Put(ctx, "shared/ab/abcd", []byte("hot bytes")))
	data, err := hot.Get(ctx, "shared/ab/abcd")
	require.NoError(t, err)
	assert.Equal(t, "hot bytes", string(data))

	_, err = cold.Get(ctx, "shared/ab/abcd")
	assert.True(t, registrystore.IsNotFound(err))

	keys, err := hot.List(ctx, "shared/")
	require.NoError(t, err)
	assert.Equal(t, []string{"shared/ab/abcd"}, keys)

	require.NoError(t, hot.Delete(ctx, "shared/ab/abcd"))
	ok, err := hot.Exists(ctx, "shared/ab/abcd")
	require.NoError(t, err)
	assert.False(t, ok)
}
