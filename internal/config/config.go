package config

import (
	"context"
	"time"
)

type contextKey struct{}

// WithContext returns a new context carrying the given Config.
func WithContext(ctx context.Context, cfg *Config) context.Context {
	return context.WithValue(ctx, contextKey{}, cfg)
}

// FromContext retrieves the Config from the context.
func FromContext(ctx context.Context) *Config {
	cfg, _ := ctx.Value(contextKey{}).(*Config)
	return cfg
}

// MatcherWeights are the per-feature weights of the distribution score.
// The four weights are expected to sum to 1.0.
type MatcherWeights struct {
	Topic       float64 `yaml:"topic"`
	Keyword     float64 `yaml:"keyword"`
	Importance  float64 `yaml:"importance"`
	ContentType float64 `yaml:"contentType"`
}

// OptimizerConfig controls the background storage optimizer phases.
type OptimizerConfig struct {
	// Shared objects with no references and no access for this many days are collected.
	MaxUnusedDays int
	// Objects strictly larger than this are zstd compressed.
	CompressionThreshold int64
	// Unreferenced objects older than this are hard deleted by the lifecycle phase.
	DefaultTTL time.Duration
	// When enabled, cold objects are moved to the cold blob store instead of staying hot.
	TieringEnabled            bool
	ArchiveFrequencyThreshold float64
	ArchiveAfter              time.Duration
	// Quota usage ratio above which a warning is logged.
	QuotaWarnRatio float64
	// Evict references when a user is above 100% of quota.
	QuotaEnforcement bool
	// Allow quota eviction to remove user-modified (private) references.
	EvictModifiedReferences bool
	// Access frequency decay applied by the index phase.
	DecayFactor        float64
	RecentAccessWindow time.Duration
	// Items read per batch and the per-item rate limit.
	BatchSize      int
	ItemsPerSecond float64
	// How long a phase lease is held before another process may take it over.
	LeaseTTL time.Duration
	// Grace period between a shared object's creation and its first GC eligibility.
	GracePeriod time.Duration
}

// Schedules holds gronx cron expressions for the optimizer scheduler.
type Schedules struct {
	Cleanup string `yaml:"cleanup"`
	Quotas  string `yaml:"quotas"`
	Full    string `yaml:"full"`
}

// Config holds all configuration for the content pool service.
type Config struct {
	// Optional YAML overlay applied after flags.
	ConfigFile string

	// Database
	DBURL                   string
	DatastoreType           string // "postgres" or "sqlite"
	DatastoreMigrateAtStart bool
	DBMaxOpenConns          int
	DBMaxIdleConns          int

	// Remote dedup cache
	CacheType      string // "redis" or "none"
	RedisURL       string
	RemoteCacheTTL time.Duration

	// Local dedup cache
	DedupCacheTTL      time.Duration
	DedupCacheCapacity int

	// Blob stores. ColdBlobType may be empty when tiering is disabled.
	BlobType       string // "fs", "s3" or "mongo"
	ColdBlobType   string
	BlobDir        string
	ColdBlobDir    string
	S3Bucket       string
	S3Prefix       string
	S3ColdPrefix   string
	S3UsePathStyle bool
	MongoURL       string
	MongoDatabase  string

	// Per-user quota defaults applied when a user has no quota row yet.
	DefaultQuotaBytes int64
	DefaultQuotaFiles int64

	// Reference count conflicts are retried once after this backoff.
	ConflictRetryBackoff time.Duration

	// Distribution
	DistributionConcurrency   int
	DistributionTargetTimeout time.Duration
	MatchThreshold            float64
	Weights                   MatcherWeights

	// Optimizer
	Optimizer        OptimizerConfig
	SchedulerEnabled bool
	Schedules        Schedules

	// Edit isolation guard path cache
	GuardPathCacheSize int64
	GuardPathCacheTTL  time.Duration

	// Background tasks
	TaskInterval   time.Duration
	TaskRetryDelay time.Duration
	TaskBatchSize  int

	// Management server
	ManagementPort      int
	ReadHeaderTimeout   time.Duration
	ManagementAccessLog bool
	DrainTimeout        int // seconds

	// MetricsLabels is a comma-separated list of key=value pairs added as
	// constant labels to all Prometheus metrics. Values support ${VAR} expansion.
	MetricsLabels string
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		DatastoreType:             "postgres",
		DatastoreMigrateAtStart:   true,
		DBMaxOpenConns:            25,
		DBMaxIdleConns:            5,
		CacheType:                 "none",
		RemoteCacheTTL:            24 * time.Hour,
		DedupCacheTTL:             30 * time.Minute,
		DedupCacheCapacity:        10000,
		BlobType:                  "fs",
		BlobDir:                   "data/blobs",
		ColdBlobDir:               "data/cold",
		S3ColdPrefix:              "cold",
		MongoDatabase:             "contentpool",
		DefaultQuotaBytes:         1024 * 1024 * 1024, // 1 GiB
		DefaultQuotaFiles:         10000,
		ConflictRetryBackoff:      50 * time.Millisecond,
		DistributionConcurrency:   20,
		DistributionTargetTimeout: 30 * time.Second,
		MatchThreshold:            0.3,
		Weights: MatcherWeights{
			Topic:       0.4,
			Keyword:     0.3,
			Importance:  0.2,
			ContentType: 0.1,
		},
		Optimizer: OptimizerConfig{
			MaxUnusedDays:             30,
			CompressionThreshold:      1024 * 1024, // 1 MiB
			DefaultTTL:                90 * 24 * time.Hour,
			ArchiveFrequencyThreshold: 0.2,
			ArchiveAfter:              30 * 24 * time.Hour,
			QuotaWarnRatio:            0.9,
			QuotaEnforcement:          true,
			DecayFactor:               0.9,
			RecentAccessWindow:        7 * 24 * time.Hour,
			BatchSize:                 200,
			ItemsPerSecond:            200,
			LeaseTTL:                  30 * time.Minute,
			GracePeriod:               time.Hour,
		},
		SchedulerEnabled: true,
		Schedules: Schedules{
			Cleanup: "0 * * * *",
			Quotas:  "*/15 * * * *",
			Full:    "0 3 * * *",
		},
		GuardPathCacheSize: 100000,
		GuardPathCacheTTL:  10 * time.Minute,
		TaskInterval:       time.Minute,
		TaskRetryDelay:     10 * time.Minute,
		TaskBatchSize:      100,
		ManagementPort:     9090,
		ReadHeaderTimeout:  5 * time.Second,
		DrainTimeout:       30,
		MetricsLabels:      "service=contentpool",
	}
}
