// Package flags declares the command line flags shared by the contentpool
// sub-commands. Every flag can also be set from a CONTENTPOOL_* environment
// variable.
package flags

import (
	"fmt"

	"github.com/chirino/contentpool/internal/config"
	"github.com/urfave/cli/v3"
)

// Database returns the relational store flags.
func Database(cfg *config.Config) []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "db-kind",
			Category:    "Database:",
			Sources:     cli.EnvVars("CONTENTPOOL_DB_KIND"),
			Destination: &cfg.DatastoreType,
			Value:       cfg.DatastoreType,
			Usage:       "Store backend (postgres|sqlite)",
		},
		&cli.StringFlag{
			Name:        "db-url",
			Category:    "Database:",
			Sources:     cli.EnvVars("CONTENTPOOL_DB_URL"),
			Destination: &cfg.DBURL,
			Usage:       "Database connection URL or SQLite file path",
		},
		&cli.BoolFlag{
			Name:        "db-migrate-at-start",
			Category:    "Database:",
			Sources:     cli.EnvVars("CONTENTPOOL_DB_MIGRATE_AT_START"),
			Destination: &cfg.DatastoreMigrateAtStart,
			Value:       cfg.DatastoreMigrateAtStart,
			Usage:       "Create or update the schema on startup",
		},
		&cli.IntFlag{
			Name:        "db-max-open-conns",
			Category:    "Database:",
			Sources:     cli.EnvVars("CONTENTPOOL_DB_MAX_OPEN_CONNS"),
			Destination: &cfg.DBMaxOpenConns,
			Value:       cfg.DBMaxOpenConns,
			Usage:       "Maximum open database connections",
		},
		&cli.IntFlag{
			Name:        "db-max-idle-conns",
			Category:    "Database:",
			Sources:     cli.EnvVars("CONTENTPOOL_DB_MAX_IDLE_CONNS"),
			Destination: &cfg.DBMaxIdleConns,
			Value:       cfg.DBMaxIdleConns,
			Usage:       "Maximum idle database connections",
		},
	}
}

// Storage returns the blob store, dedup cache and quota flags.
func Storage(cfg *config.Config) []cli.Flag {
	return []cli.Flag{
		// ── Blob Storage ──────────────────────────────────────────
		&cli.StringFlag{
			Name:        "blob-kind",
			Category:    "Blob Storage:",
			Sources:     cli.EnvVars("CONTENTPOOL_BLOB_KIND"),
			Destination: &cfg.BlobType,
			Value:       cfg.BlobType,
			Usage:       "Hot tier blob store (fs|s3|mongo)",
		},
		&cli.StringFlag{
			Name:        "cold-blob-kind",
			Category:    "Blob Storage:",
			Sources:     cli.EnvVars("CONTENTPOOL_COLD_BLOB_KIND"),
			Destination: &cfg.ColdBlobType,
			Usage:       "Cold tier blob store (fs|s3|mongo); empty disables archiving",
		},
		&cli.StringFlag{
			Name:        "blob-dir",
			Category:    "Blob Storage:",
			Sources:     cli.EnvVars("CONTENTPOOL_BLOB_DIR"),
			Destination: &cfg.BlobDir,
			Value:       cfg.BlobDir,
			Usage:       "Root directory of the fs hot tier",
		},
		&cli.StringFlag{
			Name:        "cold-blob-dir",
			Category:    "Blob Storage:",
			Sources:     cli.EnvVars("CONTENTPOOL_COLD_BLOB_DIR"),
			Destination: &cfg.ColdBlobDir,
			Value:       cfg.ColdBlobDir,
			Usage:       "Root directory of the fs cold tier",
		},
		&cli.StringFlag{
			Name:        "s3-bucket",
			Category:    "Blob Storage:",
			Sources:     cli.EnvVars("CONTENTPOOL_S3_BUCKET"),
			Destination: &cfg.S3Bucket,
			Usage:       "S3 bucket for the s3 blob store",
		},
		&cli.StringFlag{
			Name:        "s3-prefix",
			Category:    "Blob Storage:",
			Sources:     cli.EnvVars("CONTENTPOOL_S3_PREFIX"),
			Destination: &cfg.S3Prefix,
			Usage:       "Key prefix of the s3 hot tier",
		},
		&cli.StringFlag{
			Name:        "s3-cold-prefix",
			Category:    "Blob Storage:",
			Sources:     cli.EnvVars("CONTENTPOOL_S3_COLD_PREFIX"),
			Destination: &cfg.S3ColdPrefix,
			Value:       cfg.S3ColdPrefix,
			Usage:       "Key prefix of the s3 cold tier",
		},
		&cli.BoolFlag{
			Name:        "s3-use-path-style",
			Category:    "Blob Storage:",
			Sources:     cli.EnvVars("CONTENTPOOL_S3_USE_PATH_STYLE"),
			Destination: &cfg.S3UsePathStyle,
			Usage:       "Use path-style S3 addressing (MinIO, LocalStack)",
		},
		&cli.StringFlag{
			Name:        "mongo-url",
			Category:    "Blob Storage:",
			Sources:     cli.EnvVars("CONTENTPOOL_MONGO_URL"),
			Destination: &cfg.MongoURL,
			Usage:       "MongoDB URL for the GridFS blob store",
		},
		&cli.StringFlag{
			Name:        "mongo-database",
			Category:    "Blob Storage:",
			Sources:     cli.EnvVars("CONTENTPOOL_MONGO_DATABASE"),
			Destination: &cfg.MongoDatabase,
			Value:       cfg.MongoDatabase,
			Usage:       "MongoDB database for the GridFS blob store",
		},

		// ── Dedup Cache ───────────────────────────────────────────
		&cli.StringFlag{
			Name:        "cache-kind",
			Category:    "Dedup Cache:",
			Sources:     cli.EnvVars("CONTENTPOOL_CACHE_KIND"),
			Destination: &cfg.CacheType,
			Value:       cfg.CacheType,
			Usage:       "Shared fingerprint cache (none|redis)",
		},
		&cli.StringFlag{
			Name:        "redis-url",
			Category:    "Dedup Cache:",
			Sources:     cli.EnvVars("CONTENTPOOL_REDIS_URL"),
			Destination: &cfg.RedisURL,
			Usage:       "Redis URL, e.g. redis://localhost:6379/0",
		},
		&cli.DurationFlag{
			Name:        "remote-cache-ttl",
			Category:    "Dedup Cache:",
			Sources:     cli.EnvVars("CONTENTPOOL_REMOTE_CACHE_TTL"),
			Destination: &cfg.RemoteCacheTTL,
			Value:       cfg.RemoteCacheTTL,
			Usage:       "Lifetime of shared fingerprint cache entries",
		},
		&cli.DurationFlag{
			Name:        "dedup-cache-ttl",
			Category:    "Dedup Cache:",
			Sources:     cli.EnvVars("CONTENTPOOL_DEDUP_CACHE_TTL"),
			Destination: &cfg.DedupCacheTTL,
			Value:       cfg.DedupCacheTTL,
			Usage:       "Lifetime of in-process fingerprint cache entries",
		},
		&cli.IntFlag{
			Name:        "dedup-cache-capacity",
			Category:    "Dedup Cache:",
			Sources:     cli.EnvVars("CONTENTPOOL_DEDUP_CACHE_CAPACITY"),
			Destination: &cfg.DedupCacheCapacity,
			Value:       cfg.DedupCacheCapacity,
			Usage:       "Maximum in-process fingerprint cache entries",
		},

		// ── Quotas ────────────────────────────────────────────────
		&cli.Int64Flag{
			Name:        "default-quota-bytes",
			Category:    "Quotas:",
			Sources:     cli.EnvVars("CONTENTPOOL_DEFAULT_QUOTA_BYTES"),
			Destination: &cfg.DefaultQuotaBytes,
			Value:       cfg.DefaultQuotaBytes,
			Usage:       "Storage quota for users without a quota row (0 = unlimited)",
		},
		&cli.Int64Flag{
			Name:        "default-quota-files",
			Category:    "Quotas:",
			Sources:     cli.EnvVars("CONTENTPOOL_DEFAULT_QUOTA_FILES"),
			Destination: &cfg.DefaultQuotaFiles,
			Value:       cfg.DefaultQuotaFiles,
			Usage:       "File quota for users without a quota row (0 = unlimited)",
		},
		&cli.DurationFlag{
			Name:        "conflict-retry-backoff",
			Category:    "Quotas:",
			Sources:     cli.EnvVars("CONTENTPOOL_CONFLICT_RETRY_BACKOFF"),
			Destination: &cfg.ConflictRetryBackoff,
			Value:       cfg.ConflictRetryBackoff,
			Usage:       "Wait before retrying a conflicting reference update",
		},
	}
}

// Optimizer returns the storage optimizer tunables.
func Optimizer(cfg *config.Config) []cli.Flag {
	o := &cfg.Optimizer
	return []cli.Flag{
		&cli.IntFlag{
			Name:        "optimizer-max-unused-days",
			Category:    "Optimizer:",
			Sources:     cli.EnvVars("CONTENTPOOL_OPTIMIZER_MAX_UNUSED_DAYS"),
			Destination: &o.MaxUnusedDays,
			Value:       o.MaxUnusedDays,
			Usage:       "Collect unreferenced objects not accessed for this many days",
		},
		&cli.Int64Flag{
			Name:        "optimizer-compression-threshold",
			Category:    "Optimizer:",
			Sources:     cli.EnvVars("CONTENTPOOL_OPTIMIZER_COMPRESSION_THRESHOLD"),
			Destination: &o.CompressionThreshold,
			Value:       o.CompressionThreshold,
			Usage:       "Compress objects larger than this many bytes",
		},
		&cli.DurationFlag{
			Name:        "optimizer-default-ttl",
			Category:    "Optimizer:",
			Sources:     cli.EnvVars("CONTENTPOOL_OPTIMIZER_DEFAULT_TTL"),
			Destination: &o.DefaultTTL,
			Value:       o.DefaultTTL,
			Usage:       "Hard delete unreferenced objects older than this",
		},
		&cli.BoolFlag{
			Name:        "optimizer-tiering",
			Category:    "Optimizer:",
			Sources:     cli.EnvVars("CONTENTPOOL_OPTIMIZER_TIERING"),
			Destination: &o.TieringEnabled,
			Value:       o.TieringEnabled,
			Usage:       "Move rarely accessed objects to the cold tier",
		},
		&cli.Float64Flag{
			Name:        "optimizer-archive-frequency",
			Category:    "Optimizer:",
			Sources:     cli.EnvVars("CONTENTPOOL_OPTIMIZER_ARCHIVE_FREQUENCY"),
			Destination: &o.ArchiveFrequencyThreshold,
			Value:       o.ArchiveFrequencyThreshold,
			Usage:       "Archive objects whose access frequency is below this",
		},
		&cli.DurationFlag{
			Name:        "optimizer-archive-after",
			Category:    "Optimizer:",
			Sources:     cli.EnvVars("CONTENTPOOL_OPTIMIZER_ARCHIVE_AFTER"),
			Destination: &o.ArchiveAfter,
			Value:       o.ArchiveAfter,
			Usage:       "Minimum object age before archiving",
		},
		&cli.Float64Flag{
			Name:        "optimizer-quota-warn-ratio",
			Category:    "Optimizer:",
			Sources:     cli.EnvVars("CONTENTPOOL_OPTIMIZER_QUOTA_WARN_RATIO"),
			Destination: &o.QuotaWarnRatio,
			Value:       o.QuotaWarnRatio,
			Usage:       "Warn when a user's usage exceeds this share of the quota",
		},
		&cli.BoolFlag{
			Name:        "optimizer-quota-enforcement",
			Category:    "Optimizer:",
			Sources:     cli.EnvVars("CONTENTPOOL_OPTIMIZER_QUOTA_ENFORCEMENT"),
			Destination: &o.QuotaEnforcement,
			Value:       o.QuotaEnforcement,
			Usage:       "Evict references of users above their quota",
		},
		&cli.BoolFlag{
			Name:        "optimizer-evict-modified",
			Category:    "Optimizer:",
			Sources:     cli.EnvVars("CONTENTPOOL_OPTIMIZER_EVICT_MODIFIED"),
			Destination: &o.EvictModifiedReferences,
			Value:       o.EvictModifiedReferences,
			Usage:       "Allow quota enforcement to remove user-edited copies",
		},
		&cli.IntFlag{
			Name:        "optimizer-batch-size",
			Category:    "Optimizer:",
			Sources:     cli.EnvVars("CONTENTPOOL_OPTIMIZER_BATCH_SIZE"),
			Destination: &o.BatchSize,
			Value:       o.BatchSize,
			Usage:       "Items read per optimizer batch",
		},
		&cli.Float64Flag{
			Name:        "optimizer-items-per-second",
			Category:    "Optimizer:",
			Sources:     cli.EnvVars("CONTENTPOOL_OPTIMIZER_ITEMS_PER_SECOND"),
			Destination: &o.ItemsPerSecond,
			Value:       o.ItemsPerSecond,
			Usage:       "Per-item rate limit (0 = unlimited)",
		},
		&cli.DurationFlag{
			Name:        "optimizer-lease-ttl",
			Category:    "Optimizer:",
			Sources:     cli.EnvVars("CONTENTPOOL_OPTIMIZER_LEASE_TTL"),
			Destination: &o.LeaseTTL,
			Value:       o.LeaseTTL,
			Usage:       "How long a phase lease blocks other processes",
		},
		&cli.DurationFlag{
			Name:        "optimizer-grace-period",
			Category:    "Optimizer:",
			Sources:     cli.EnvVars("CONTENTPOOL_OPTIMIZER_GRACE_PERIOD"),
			Destination: &o.GracePeriod,
			Value:       o.GracePeriod,
			Usage:       "Minimum object age before garbage collection",
		},
	}
}

// ConfigFile returns the --config flag.
func ConfigFile(cfg *config.Config) cli.Flag {
	return &cli.StringFlag{
		Name:        "config",
		Sources:     cli.EnvVars("CONTENTPOOL_CONFIG"),
		Destination: &cfg.ConfigFile,
		Usage:       "YAML file overlaid on the flag values",
	}
}

// ApplyConfigFile overlays cfg.ConfigFile, if set.
func ApplyConfigFile(cfg *config.Config) error {
	if cfg.ConfigFile == "" {
		return nil
	}
	if err := cfg.LoadFile(cfg.ConfigFile); err != nil {
		return fmt.Errorf("--config: %w", err)
	}
	return nil
}
