package serve

import (
	"context"
	"time"

	"github.com/charmbracelet/log"
	"github.com/chirino/contentpool/internal/cmd/flags"
	"github.com/chirino/contentpool/internal/config"
	"github.com/urfave/cli/v3"

	// Import all plugins to trigger init() registration
	_ "github.com/chirino/contentpool/internal/plugin/blob/fsstore"
	_ "github.com/chirino/contentpool/internal/plugin/blob/mongostore"
	_ "github.com/chirino/contentpool/internal/plugin/blob/s3store"
	_ "github.com/chirino/contentpool/internal/plugin/cache/noop"
	_ "github.com/chirino/contentpool/internal/plugin/cache/redis"
	_ "github.com/chirino/contentpool/internal/plugin/route/admin"
	_ "github.com/chirino/contentpool/internal/plugin/route/system"
	_ "github.com/chirino/contentpool/internal/plugin/store/gormstore"
)

// Command returns the serve sub-command.
func Command() *cli.Command {
	cfg := config.DefaultConfig()
	readHeaderTimeoutSecs := int(cfg.ReadHeaderTimeout / time.Second)
	all := []cli.Flag{flags.ConfigFile(&cfg)}
	all = append(all, flags.Database(&cfg)...)
	all = append(all, flags.Storage(&cfg)...)
	all = append(all, flags.Optimizer(&cfg)...)
	all = append(all, serveFlags(&cfg, &readHeaderTimeoutSecs)...)
	return &cli.Command{
		Name:  "serve",
		Usage: "Run the content pool background services and management server",
		Flags: all,
		Action: func(ctx context.Context, cmd *cli.Command) error {
			if err := flags.ApplyConfigFile(&cfg); err != nil {
				return err
			}
			cfg.ReadHeaderTimeout = time.Duration(readHeaderTimeoutSecs) * time.Second
			return run(config.WithContext(ctx, &cfg), cfg)
		},
	}
}

func serveFlags(cfg *config.Config, readHeaderTimeoutSecs *int) []cli.Flag {
	return []cli.Flag{

		// ── Distribution ──────────────────────────────────────────
		&cli.IntFlag{
			Name:        "distribution-concurrency",
			Category:    "Distribution:",
			Sources:     cli.EnvVars("CONTENTPOOL_DISTRIBUTION_CONCURRENCY"),
			Destination: &cfg.DistributionConcurrency,
			Value:       cfg.DistributionConcurrency,
			Usage:       "Maximum users served in parallel per distribution",
		},
		&cli.DurationFlag{
			Name:        "distribution-target-timeout",
			Category:    "Distribution:",
			Sources:     cli.EnvVars("CONTENTPOOL_DISTRIBUTION_TARGET_TIMEOUT"),
			Destination: &cfg.DistributionTargetTimeout,
			Value:       cfg.DistributionTargetTimeout,
			Usage:       "Deadline for delivering to a single user",
		},
		&cli.Float64Flag{
			Name:        "match-threshold",
			Category:    "Distribution:",
			Sources:     cli.EnvVars("CONTENTPOOL_MATCH_THRESHOLD"),
			Destination: &cfg.MatchThreshold,
			Value:       cfg.MatchThreshold,
			Usage:       "Minimum match score for a user to receive content",
		},

		// ── Scheduler ─────────────────────────────────────────────
		&cli.BoolFlag{
			Name:        "scheduler",
			Category:    "Scheduler:",
			Sources:     cli.EnvVars("CONTENTPOOL_SCHEDULER_ENABLED"),
			Destination: &cfg.SchedulerEnabled,
			Value:       cfg.SchedulerEnabled,
			Usage:       "Run optimizer jobs on their cron schedules",
		},
		&cli.StringFlag{
			Name:        "schedule-cleanup",
			Category:    "Scheduler:",
			Sources:     cli.EnvVars("CONTENTPOOL_SCHEDULE_CLEANUP"),
			Destination: &cfg.Schedules.Cleanup,
			Value:       cfg.Schedules.Cleanup,
			Usage:       "Cron expression of the cleanup phase (empty disables)",
		},
		&cli.StringFlag{
			Name:        "schedule-quotas",
			Category:    "Scheduler:",
			Sources:     cli.EnvVars("CONTENTPOOL_SCHEDULE_QUOTAS"),
			Destination: &cfg.Schedules.Quotas,
			Value:       cfg.Schedules.Quotas,
			Usage:       "Cron expression of the quota phase (empty disables)",
		},
		&cli.StringFlag{
			Name:        "schedule-full",
			Category:    "Scheduler:",
			Sources:     cli.EnvVars("CONTENTPOOL_SCHEDULE_FULL"),
			Destination: &cfg.Schedules.Full,
			Value:       cfg.Schedules.Full,
			Usage:       "Cron expression of the full optimization pass (empty disables)",
		},

		// ── Background Tasks ──────────────────────────────────────
		&cli.DurationFlag{
			Name:        "task-interval",
			Category:    "Background Tasks:",
			Sources:     cli.EnvVars("CONTENTPOOL_TASK_INTERVAL"),
			Destination: &cfg.TaskInterval,
			Value:       cfg.TaskInterval,
			Usage:       "How often queued tasks are polled",
		},
		&cli.DurationFlag{
			Name:        "task-retry-delay",
			Category:    "Background Tasks:",
			Sources:     cli.EnvVars("CONTENTPOOL_TASK_RETRY_DELAY"),
			Destination: &cfg.TaskRetryDelay,
			Value:       cfg.TaskRetryDelay,
			Usage:       "Delay before a failed task is retried",
		},
		&cli.IntFlag{
			Name:        "task-batch-size",
			Category:    "Background Tasks:",
			Sources:     cli.EnvVars("CONTENTPOOL_TASK_BATCH_SIZE"),
			Destination: &cfg.TaskBatchSize,
			Value:       cfg.TaskBatchSize,
			Usage:       "Tasks claimed per poll",
		},
		&cli.Int64Flag{
			Name:        "guard-path-cache-size",
			Category:    "Background Tasks:",
			Sources:     cli.EnvVars("CONTENTPOOL_GUARD_PATH_CACHE_SIZE"),
			Destination: &cfg.GuardPathCacheSize,
			Value:       cfg.GuardPathCacheSize,
			Usage:       "Cached path resolutions of the edit isolation guard",
		},

		// ── Management Server ─────────────────────────────────────
		&cli.IntFlag{
			Name:        "management-port",
			Category:    "Management Server:",
			Sources:     cli.EnvVars("CONTENTPOOL_MANAGEMENT_PORT"),
			Destination: &cfg.ManagementPort,
			Value:       cfg.ManagementPort,
			Usage:       "Port of the health, metrics and admin stats server",
		},
		&cli.IntFlag{
			Name:        "read-header-timeout-seconds",
			Category:    "Management Server:",
			Sources:     cli.EnvVars("CONTENTPOOL_READ_HEADER_TIMEOUT_SECONDS"),
			Destination: readHeaderTimeoutSecs,
			Value:       *readHeaderTimeoutSecs,
			Usage:       "HTTP read header timeout in seconds",
		},
		&cli.BoolFlag{
			Name:        "management-access-log",
			Category:    "Management Server:",
			Sources:     cli.EnvVars("CONTENTPOOL_MANAGEMENT_ACCESS_LOG"),
			Destination: &cfg.ManagementAccessLog,
			Usage:       "Log health, readiness and metrics requests at info level",
		},
		&cli.IntFlag{
			Name:        "drain-timeout",
			Category:    "Management Server:",
			Sources:     cli.EnvVars("CONTENTPOOL_DRAIN_TIMEOUT"),
			Destination: &cfg.DrainTimeout,
			Value:       cfg.DrainTimeout,
			Usage:       "Seconds to wait for running work on shutdown",
		},

		// ── Monitoring ────────────────────────────────────────────
		&cli.StringFlag{
			Name:        "metrics-labels",
			Category:    "Monitoring:",
			Sources:     cli.EnvVars("CONTENTPOOL_METRICS_LABELS"),
			Destination: &cfg.MetricsLabels,
			Value:       cfg.MetricsLabels,
			Usage:       "Comma-separated key=value pairs added as constant labels to all Prometheus metrics. Supports ${VAR} expansion.",
		},
	}
}

func run(ctx context.Context, cfg config.Config) error {
	srv, err := StartServer(ctx, &cfg)
	if err != nil {
		return err
	}

	<-ctx.Done()
	log.Info("Shutting down...")

	drainCtx, drainCancel := context.WithTimeout(context.Background(), time.Duration(cfg.DrainTimeout)*time.Second)
	defer drainCancel()
	if err := srv.Shutdown(drainCtx); err != nil {
		log.Error("Shutdown error", "err", err)
	}
	log.Info("Server stopped")
	return nil
}
