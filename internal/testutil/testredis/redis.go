package testredis

import (
	"context"
	"testing"
	"time"

	"github.com/chirino/contentpool/internal/config"
	"github.com/chirino/contentpool/internal/testutil/testenv"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// URL starts a disposable Redis and returns its redis:// URL.
func URL(tb testing.TB) string {
	tb.Helper()
	c := testenv.Start(tb, testcontainers.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForLog("Ready to accept connections").WithStartupTimeout(60 * time.Second),
	})
	url, err := c.PortEndpoint(context.Background(), "6379/tcp", "redis")
	if err != nil {
		tb.Fatalf("redis endpoint: %v", err)
	}
	return url
}

// Configure points cfg's remote dedup cache at a disposable Redis.
func Configure(tb testing.TB, cfg *config.Config) {
	tb.Helper()
	cfg.CacheType = "redis"
	cfg.RedisURL = URL(tb)
}
