package testpg

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/chirino/contentpool/internal/config"
	"github.com/chirino/contentpool/internal/testutil/testenv"
	"github.com/jackc/pgx/v5"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

// DSN starts a disposable Postgres and returns a DSN that accepts
// connections.
func DSN(tb testing.TB) string {
	tb.Helper()
	testenv.RequireIntegration(tb)

	ctx := context.Background()
	c, err := postgres.Run(ctx, "postgres:17-alpine",
		postgres.WithDatabase("contentpool"),
		postgres.WithUsername("contentpool"),
		postgres.WithPassword("contentpool"),
		// The server restarts once after init, so the ready line shows twice.
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	if err != nil {
		tb.Fatalf("start postgres: %v", err)
	}
	testenv.Terminate(tb, "postgres", c)

	dsn, err := c.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		tb.Fatalf("postgres connection string: %v", err)
	}
	if err := ping(ctx, dsn, 20*time.Second); err != nil {
		tb.Fatalf("postgres not accepting connections: %v", err)
	}
	return dsn
}

// Configure points cfg's relational store at a disposable Postgres.
func Configure(tb testing.TB, cfg *config.Config) {
	tb.Helper()
	cfg.DatastoreType = "postgres"
	cfg.DBURL = DSN(tb)
}

func ping(ctx context.Context, dsn string, within time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, within)
	defer cancel()
	tick := time.NewTicker(250 * time.Millisecond)
	defer tick.Stop()
	for {
		conn, err := pgx.Connect(ctx, dsn)
		if err == nil {
			err = conn.Ping(ctx)
			_ = conn.Close(ctx)
			if err == nil {
				return nil
			}
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w (last error: %v)", ctx.Err(), err)
		case <-tick.C:
		}
	}
}
