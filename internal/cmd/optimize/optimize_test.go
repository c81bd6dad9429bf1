package optimize

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/chirino/contentpool/internal/config"
	"github.com/chirino/contentpool/internal/optimizer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testContext(t *testing.T) context.Context {
	t.Helper()
	dir := t.TempDir()
	cfg := config.DefaultConfig()
	cfg.DatastoreType = "sqlite"
	cfg.DBURL = filepath.Join(dir, "contentpool.db")
	cfg.BlobDir = filepath.Join(dir, "blobs")
	cfg.Optimizer.ItemsPerSecond = 0
	return config.WithContext(context.Background(), &cfg)
}

func TestRunFullPassPrintsReport(t *testing.T) {
	var out bytes.Buffer
	require.NoError(t, Run(testContext(t), "", &out))

	var report optimizer.OptimizationReport
	require.NoError(t, json.Unmarshal(out.Bytes(), &report))
	assert.True(t, report.Success)
	assert.Len(t, report.Phases, len(optimizer.Phases))
}

func TestRunSinglePhase(t *testing.T) {
	var out bytes.Buffer
	require.NoError(t, Run(testContext(t), "quotas", &out))

	var report optimizer.PhaseReport
	require.NoError(t, json.Unmarshal(out.Bytes(), &report))
	assert.Equal(t, optimizer.PhaseQuotas, report.Phase)
	assert.True(t, report.Success)
}

func TestRunRejectsUnknownPhase(t *testing.T) {
	var out bytes.Buffer
	err := Run(testContext(t), "vacuum", &out)
	assert.ErrorContains(t, err, "unknown optimizer phase")
	assert.Zero(t, out.Len())
}
