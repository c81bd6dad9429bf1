package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDefaultConfig_IsValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	require.Equal(t, 20, cfg.DistributionConcurrency)
	require.Equal(t, 30*time.Minute, cfg.DedupCacheTTL)
	require.Equal(t, 10000, cfg.DedupCacheCapacity)
	require.Equal(t, int64(1024*1024), cfg.Optimizer.CompressionThreshold)
}

func TestLoadFile_OverlaysValues(t *testing.T) {
	path := filepath.Join(t.TempDir(), "contentpool.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
dedup:
  cacheTTL: 10m
  cacheCapacity: 500
quota:
  defaultBytes: 2 MiB
distribution:
  concurrency: 4
  targetTimeout: PT1M
optimizer:
  defaultTTL: 30d
  compressionThreshold: 64KiB
  tiering: true
schedules:
  full: "0 4 * * *"
`), 0o600))

	cfg := DefaultConfig()
	require.NoError(t, cfg.LoadFile(path))
	require.Equal(t, 10*time.Minute, cfg.DedupCacheTTL)
	require.Equal(t, 500, cfg.DedupCacheCapacity)
	require.Equal(t, int64(2*1024*1024), cfg.DefaultQuotaBytes)
	require.Equal(t, 4, cfg.DistributionConcurrency)
	require.Equal(t, time.Minute, cfg.DistributionTargetTimeout)
	require.Equal(t, 30*24*time.Hour, cfg.Optimizer.DefaultTTL)
	require.Equal(t, int64(64*1024), cfg.Optimizer.CompressionThreshold)
	require.True(t, cfg.Optimizer.TieringEnabled)
	require.Equal(t, "0 4 * * *", cfg.Schedules.Full)
	// untouched values keep their defaults
	require.Equal(t, "*/15 * * * *", cfg.Schedules.Quotas)
	require.Equal(t, 0.3, cfg.MatchThreshold)
}

func TestLoadFile_RejectsBadWeights(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
distribution:
  weights:
    topic: 0.5
    keyword: 0.5
    importance: 0.5
    contentType: 0.1
`), 0o600))

	cfg := DefaultConfig()
	require.ErrorContains(t, cfg.LoadFile(path), "weights")
}

func TestLoadFile_RejectsBadCron(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cron.yaml")
	require.NoError(t, os.WriteFile(path, []byte("schedules:\n  cleanup: \"every hour\"\n"), 0o600))

	cfg := DefaultConfig()
	require.ErrorContains(t, cfg.LoadFile(path), "cleanup")
}

func TestParseDuration(t *testing.T) {
	cases := map[string]time.Duration{
		"30s":    30 * time.Second,
		"PT2H":   2 * time.Hour,
		"pt1m5s": time.Minute + 5*time.Second,
		"7d":     7 * 24 * time.Hour,
	}
	for raw, want := range cases {
		got, err := ParseDuration(raw)
		require.NoError(t, err, raw)
		require.Equal(t, want, got, raw)
	}
	_, err := ParseDuration("soon")
	require.Error(t, err)
}
