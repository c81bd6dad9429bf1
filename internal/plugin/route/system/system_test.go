package system

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/chirino/contentpool/internal/engine"
	"github.com/chirino/contentpool/internal/plugin/blob/fsstore"
	registryblob "github.com/chirino/contentpool/internal/registry/blob"
	registrystore "github.com/chirino/contentpool/internal/registry/store"
	"github.com/chirino/contentpool/internal/testutil/teststore"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type unreachable struct {
	registrystore.ContentStore
}

func (unreachable) Ping(context.Context) error {
	return &registrystore.TransientError{Op: "ping", Err: errors.New("connection refused")}
}

func router(t *testing.T, wrap func(registrystore.ContentStore) registrystore.ContentStore) *gin.Engine {
	t.Helper()
	store, _ := teststore.SQLite(t)
	blobs, err := fsstore.New(t.TempDir())
	require.NoError(t, err)
	e, err := engine.New(nil, engine.Components{Store: wrap(store), Blobs: registryblob.Tiers{Hot: blobs}})
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })

	gin.SetMode(gin.TestMode)
	r := gin.New()
	require.NoError(t, mountRoutes(r, e))
	return r
}

func status(r *gin.Engine, path string) int {
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec.Code
}

func TestReadinessFollowsFlagAndStore(t *testing.T) {
	t.Cleanup(MarkNotReady)
	healthy := router(t, func(s registrystore.ContentStore) registrystore.ContentStore { return s })
	broken := router(t, func(s registrystore.ContentStore) registrystore.ContentStore { return unreachable{s} })

	MarkNotReady()
	assert.Equal(t, http.StatusOK, status(healthy, "/health"))
	assert.Equal(t, http.StatusServiceUnavailable, status(healthy, "/ready"))

	MarkReady()
	assert.Equal(t, http.StatusOK, status(healthy, "/ready"))
	assert.Equal(t, http.StatusServiceUnavailable, status(broken, "/ready"))
	assert.Equal(t, http.StatusOK, status(broken, "/health"))
}
