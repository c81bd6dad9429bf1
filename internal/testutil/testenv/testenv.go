package testenv

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
)

// IntegrationEnv gates tests that start containers.
const IntegrationEnv = "CONTENTPOOL_INTEGRATION"

// RequireIntegration skips the calling test unless container-backed
// integration tests were requested.
func RequireIntegration(tb testing.TB) {
	tb.Helper()
	if os.Getenv(IntegrationEnv) != "1" {
		tb.Skipf("set %s=1 to run container-backed tests", IntegrationEnv)
	}
}

// Start runs req until the test ends and returns the container.
func Start(tb testing.TB, req testcontainers.ContainerRequest) testcontainers.Container {
	tb.Helper()
	RequireIntegration(tb)

	c, err := testcontainers.GenericContainer(context.Background(), testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		tb.Fatalf("start %s: %v", req.Image, err)
	}
	Terminate(tb, req.Image, c)
	return c
}

// Terminate stops c when the test ends.
func Terminate(tb testing.TB, name string, c testcontainers.Container) {
	tb.Helper()
	tb.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := c.Terminate(ctx); err != nil {
			tb.Errorf("terminate %s: %v", name, err)
		}
	})
}
