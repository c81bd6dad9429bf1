package teststore

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/chirino/contentpool/internal/config"
	"github.com/chirino/contentpool/internal/plugin/store/gormstore"
	"github.com/chirino/contentpool/internal/testutil/testpg"
)

// SQLite opens a migrated store backed by a file in the test's temp dir.
func SQLite(tb testing.TB) (*gormstore.Store, context.Context) {
	tb.Helper()
	dsn := filepath.Join(tb.TempDir(), "contentpool.db") + "?_busy_timeout=5000&_foreign_keys=on"
	return open(tb, gormstore.DialectSQLite, dsn)
}

// Postgres opens a migrated store against a disposable Postgres container.
// It skips unless integration tests are enabled.
func Postgres(tb testing.TB) (*gormstore.Store, context.Context) {
	tb.Helper()
	return open(tb, gormstore.DialectPostgres, testpg.DSN(tb))
}

func open(tb testing.TB, dialect, dsn string) (*gormstore.Store, context.Context) {
	tb.Helper()
	cfg := config.DefaultConfig()
	cfg.DatastoreType = dialect
	cfg.DBURL = dsn
	ctx := config.WithContext(context.Background(), &cfg)

	s, err := gormstore.Open(dialect, dsn, cfg.DBMaxOpenConns, cfg.DBMaxIdleConns)
	if err != nil {
		tb.Fatalf("open %s store: %v", dialect, err)
	}
	tb.Cleanup(func() { _ = s.Close() })
	if err := s.AutoMigrate(ctx); err != nil {
		tb.Fatalf("migrate %s store: %v", dialect, err)
	}
	return s, ctx
}
