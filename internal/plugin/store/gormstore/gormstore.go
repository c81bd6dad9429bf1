package gormstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/charmbracelet/log"
	"github.com/chirino/contentpool/internal/config"
	"github.com/chirino/contentpool/internal/metrics"
	"github.com/chirino/contentpool/internal/model"
	registrymigrate "github.com/chirino/contentpool/internal/registry/migrate"
	registrystore "github.com/chirino/contentpool/internal/registry/store"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const (
	DialectPostgres = "postgres"
	DialectSQLite   = "sqlite"
)

func init() {
	for _, dialect := range []string{DialectPostgres, DialectSQLite} {
		registrystore.Register(registrystore.Plugin{
			Name: dialect,
			Loader: func(ctx context.Context) (registrystore.ContentStore, error) {
				cfg := config.FromContext(ctx)
				if cfg == nil || cfg.DBURL == "" {
					return nil, fmt.Errorf("gormstore: database URL is required")
				}
				s, err := Open(dialect, cfg.DBURL, cfg.DBMaxOpenConns, cfg.DBMaxIdleConns)
				if err != nil {
					return nil, err
				}
				s.watchPool(ctx, cfg.DBMaxOpenConns)
				return s, nil
			},
		})
	}

	registrymigrate.Register(registrymigrate.Plugin{Order: 100, Migrator: &migrator{}})
}

// ForceImport is a no-op variable that can be referenced to ensure this package's init() runs.
var ForceImport = 0

// Store implements ContentStore using GORM over PostgreSQL or SQLite.
type Store struct {
	db      *gorm.DB
	dialect string
	inTx    bool
}

var _ registrystore.ContentStore = (*Store)(nil)

// Open connects to the database. SQLite is limited to a single connection so
// transactions serialize instead of failing with SQLITE_BUSY.
func Open(dialect, dsn string, maxOpen, maxIdle int) (*Store, error) {
	var dialector gorm.Dialector
	switch dialect {
	case DialectPostgres:
		dialector = postgres.Open(dsn)
	case DialectSQLite:
		dialector = sqlite.Open(dsn)
		maxOpen, maxIdle = 1, 1
	default:
		return nil, fmt.Errorf("gormstore: unsupported dialect %q", dialect)
	}
	db, err := gorm.Open(dialector, &gorm.Config{
		TranslateError: true,
		Logger:         logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", dialect, err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get underlying db: %w", err)
	}
	if maxOpen > 0 {
		sqlDB.SetMaxOpenConns(maxOpen)
	}
	if maxIdle > 0 {
		sqlDB.SetMaxIdleConns(maxIdle)
	}
	return &Store{db: db, dialect: dialect}, nil
}

// AutoMigrate creates or updates every table.
func (s *Store) AutoMigrate(ctx context.Context) error {
	return s.db.WithContext(ctx).AutoMigrate(model.All()...)
}

// DB exposes the gorm handle for tooling and tests.
func (s *Store) DB() *gorm.DB { return s.db }

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Ping checks that the database accepts connections.
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		return &registrystore.TransientError{Op: "ping", Err: err}
	}
	return nil
}

func (s *Store) watchPool(ctx context.Context, maxOpen int) {
	if metrics.DBPoolMaxConnections != nil {
		metrics.DBPoolMaxConnections.Set(float64(maxOpen))
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return
	}
	go func() {
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if metrics.DBPoolOpenConnections != nil {
					metrics.DBPoolOpenConnections.Set(float64(sqlDB.Stats().OpenConnections))
				}
			}
		}
	}()
}

func (s *Store) Tx(ctx context.Context, fn func(tx registrystore.ContentStore) error) error {
	if s.inTx {
		return fn(s)
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&Store{db: tx, dialect: s.dialect, inTx: true})
	})
	return mapError("transaction", "", err)
}

type migrator struct{}

func (m *migrator) Name() string { return "gorm-schema" }

func (m *migrator) Migrate(ctx context.Context) error {
	cfg := config.FromContext(ctx)
	if cfg == nil || !cfg.DatastoreMigrateAtStart {
		return nil
	}
	if cfg.DatastoreType != DialectPostgres && cfg.DatastoreType != DialectSQLite {
		return nil
	}
	log.Info("Running migration", "name", m.Name(), "dialect", cfg.DatastoreType)
	s, err := Open(cfg.DatastoreType, cfg.DBURL, 1, 1)
	if err != nil {
		return fmt.Errorf("migration: %w", err)
	}
	defer s.Close()
	if err := s.AutoMigrate(ctx); err != nil {
		return fmt.Errorf("migration: %w", err)
	}
	log.Info("Schema migration complete", "dialect", cfg.DatastoreType)
	return nil
}

// mapError converts driver errors into registry error types.
func mapError(resource, id string, err error) error {
	if err == nil {
		return nil
	}
	var (
		nf   *registrystore.NotFoundError
		ce   *registrystore.ConflictError
		qe   *registrystore.QuotaExceededError
		cse  *registrystore.CorruptStateError
		te   *registrystore.TransientError
		ve   *registrystore.ValidationError
		pgEr *pgconn.PgError
	)
	switch {
	case errors.As(err, &nf), errors.As(err, &ce), errors.As(err, &qe), errors.As(err, &cse), errors.As(err, &te), errors.As(err, &ve):
		return err
	case errors.Is(err, gorm.ErrRecordNotFound):
		return &registrystore.NotFoundError{Resource: resource, ID: id}
	case errors.Is(err, gorm.ErrDuplicatedKey):
		return &registrystore.ConflictError{
			Message: fmt.Sprintf("%s already exists: %s", resource, id),
			Code:    registrystore.ConflictDuplicate,
		}
	case errors.As(err, &pgEr):
		switch pgEr.Code {
		case "23505":
			return &registrystore.ConflictError{
				Message: fmt.Sprintf("%s already exists: %s", resource, id),
				Code:    registrystore.ConflictDuplicate,
			}
		case "40001", "40P01":
			return &registrystore.ConflictError{
				Message: fmt.Sprintf("%s %s: concurrent update", resource, id),
				Code:    registrystore.ConflictSerialization,
			}
		case "08000", "08003", "08006", "57P01":
			return &registrystore.TransientError{Op: resource, Err: err}
		}
	case errors.Is(err, context.DeadlineExceeded):
		return &registrystore.TransientError{Op: resource, Err: err}
	}
	return err
}
