package mongostore_test

import (
	"context"
	"testing"

	"github.com/chirino/contentpool/internal/config"
	"github.com/chirino/contentpool/internal/model"
	"github.com/chirino/contentpool/internal/plugin/blob/mongostore"
	registryblob "github.com/chirino/contentpool/internal/registry/blob"
	registrystore "github.com/chirino/contentpool/internal/registry/store"
	"github.com/chirino/contentpool/internal/testutil/testmongo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGridFSOverwriteKeepsOneRevision(t *testing.T) {
	_ = mongostore.ForceImport
	cfg := config.DefaultConfig()
	testmongo.Configure(t, &cfg)
	ctx := config.WithContext(context.Background(), &cfg)

	loader, err := registryblob.Select(cfg.BlobType)
	require.NoError(t, err)
	s, err := loader(ctx, model.TierHot)
	require.NoError(t, err)

	require.NoError(t, s.Put(ctx, "users/alice/e1/h1", []byte("v1")))
	require.NoError(t, s.Put(ctx, "users/alice/e1/h1", []byte("v2")))

	data, err := s.Get(ctx, "users/alice/e1/h1")
	require.NoError(t, err)
	assert.Equal(t, "v2", string(data))

	keys, err := s.List(ctx, "users/alice/")
	require.NoError(t, err)
	assert.Equal(t, []string{"users/alice/e1/h1"}, keys)

	require.NoError(t, s.Delete(ctx, "users/alice/e1/h1"))
	_, err = s.Get(ctx, "users/alice/e1/h1")
	assert.True(t, registrystore.IsNotFound(err))
}
