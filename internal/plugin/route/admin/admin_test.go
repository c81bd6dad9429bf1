package admin

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/chirino/contentpool/internal/clock"
	"github.com/chirino/contentpool/internal/engine"
	"github.com/chirino/contentpool/internal/plugin/blob/fsstore"
	registryblob "github.com/chirino/contentpool/internal/registry/blob"
	registrystore "github.com/chirino/contentpool/internal/registry/store"
	"github.com/chirino/contentpool/internal/testutil/teststore"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingStore struct {
	registrystore.ContentStore
	calls atomic.Int32
	fail  atomic.Bool
}

func (s *countingStore) Stats(ctx context.Context) (*registrystore.Stats, error) {
	s.calls.Add(1)
	if s.fail.Load() {
		return nil, &registrystore.TransientError{Op: "stats", Err: errors.New("connection reset")}
	}
	return s.ContentStore.Stats(ctx)
}

type harness struct {
	store  *countingStore
	clk    *clock.Mock
	router *gin.Engine
}

func setup(t *testing.T) *harness {
	t.Helper()
	store, _ := teststore.SQLite(t)
	blobs, err := fsstore.New(t.TempDir())
	require.NoError(t, err)
	h := &harness{
		store: &countingStore{ContentStore: store},
		clk:   clock.NewMock(time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)),
	}
	e, err := engine.New(nil, engine.Components{Store: h.store, Blobs: registryblob.Tiers{Hot: blobs}, Clock: h.clk})
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })

	gin.SetMode(gin.TestMode)
	h.router = gin.New()
	MountRoutes(h.router, e)
	return h
}

type statsBody struct {
	Storage     *registrystore.Stats `json:"storage"`
	RefreshedAt time.Time            `json:"refreshedAt"`
}

func (h *harness) get(t *testing.T, path string) (int, statsBody) {
	t.Helper()
	rec := httptest.NewRecorder()
	h.router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	var body statsBody
	if rec.Code == http.StatusOK {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	}
	return rec.Code, body
}

func TestStorageStatsRefreshRules(t *testing.T) {
	h := setup(t)

	code, body := h.get(t, "/v1/admin/storage/stats")
	require.Equal(t, http.StatusOK, code)
	require.NotNil(t, body.Storage)
	assert.EqualValues(t, 1, h.store.calls.Load(), "missing stats are loaded")
	assert.True(t, body.RefreshedAt.Equal(h.clk.Now()))

	h.clk.Advance(30 * time.Second)
	code, _ = h.get(t, "/v1/admin/storage/stats")
	require.Equal(t, http.StatusOK, code)
	assert.EqualValues(t, 1, h.store.calls.Load(), "fresh stats are served from memory")

	code, _ = h.get(t, "/v1/admin/storage/stats?refresh=true")
	require.Equal(t, http.StatusOK, code)
	assert.EqualValues(t, 2, h.store.calls.Load())

	h.clk.Advance(2 * time.Minute)
	code, body = h.get(t, "/v1/admin/storage/stats")
	require.Equal(t, http.StatusOK, code)
	assert.EqualValues(t, 3, h.store.calls.Load(), "stale stats are reloaded")
	assert.True(t, body.RefreshedAt.Equal(h.clk.Now()))
}

func TestStorageStatsRefreshFailure(t *testing.T) {
	h := setup(t)
	h.store.fail.Store(true)

	code, _ := h.get(t, "/v1/admin/storage/stats")
	assert.Equal(t, http.StatusServiceUnavailable, code)

	h.store.fail.Store(false)
	code, first := h.get(t, "/v1/admin/storage/stats")
	require.Equal(t, http.StatusOK, code)

	h.store.fail.Store(true)
	h.clk.Advance(5 * time.Minute)
	code, body := h.get(t, "/v1/admin/storage/stats")
	require.Equal(t, http.StatusOK, code, "a failed refresh serves the last stats")
	assert.True(t, body.RefreshedAt.Equal(first.RefreshedAt))
}
