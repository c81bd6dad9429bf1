package serve

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/chirino/contentpool/internal/config"
	"github.com/chirino/contentpool/internal/engine"
	"github.com/chirino/contentpool/internal/plugin/route/admin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig(t *testing.T) config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := config.DefaultConfig()
	cfg.DatastoreType = "sqlite"
	cfg.DBURL = filepath.Join(dir, "contentpool.db")
	cfg.BlobDir = filepath.Join(dir, "blobs")
	cfg.ManagementPort = 0
	cfg.SchedulerEnabled = true
	return cfg
}

func get(t *testing.T, srv *Server, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	srv.Router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestStartServerServesManagementRoutes(t *testing.T) {
	cfg := testConfig(t)
	ctx := config.WithContext(context.Background(), &cfg)

	srv, err := StartServer(ctx, &cfg)
	require.NoError(t, err)

	port := srv.Addr.(*net.TCPAddr).Port
	resp, err := http.Get(fmt.Sprintf("http://127.0.0.1:%d/health", port))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	assert.Equal(t, http.StatusOK, get(t, srv, "/ready").Code)
	assert.Equal(t, http.StatusOK, get(t, srv, "/metrics").Code)

	require.NoError(t, srv.Engine.RegisterProcessedURL(ctx, "https://example.com/a", "entry-1", "alice", engine.Metadata{}))
	rec := get(t, srv, "/v1/admin/storage/stats?refresh=true")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var stats admin.StorageStatsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	require.NotNil(t, stats.Storage)
	assert.EqualValues(t, 1, stats.Storage.Fingerprints)
	assert.Equal(t, cfg.DedupCacheCapacity, stats.DedupCache.Capacity)
	assert.Equal(t, cfg.Optimizer.BatchSize, stats.OptimizerConfig.BatchSize)

	drainCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, srv.Shutdown(drainCtx))
	assert.Equal(t, http.StatusServiceUnavailable, get(t, srv, "/ready").Code)
}

func TestStartServerRejectsBadSchedule(t *testing.T) {
	cfg := testConfig(t)
	cfg.Schedules.Full = "daily"
	ctx := config.WithContext(context.Background(), &cfg)

	_, err := StartServer(ctx, &cfg)
	assert.ErrorContains(t, err, "invalid full schedule")
}

func TestStartServerRejectsBadMetricsLabels(t *testing.T) {
	cfg := testConfig(t)
	cfg.MetricsLabels = "not a label"
	ctx := config.WithContext(context.Background(), &cfg)

	_, err := StartServer(ctx, &cfg)
	assert.ErrorContains(t, err, "invalid --metrics-labels")
}
