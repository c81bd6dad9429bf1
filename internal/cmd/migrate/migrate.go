package migrate

import (
	"context"

	"github.com/charmbracelet/log"
	"github.com/chirino/contentpool/internal/cmd/flags"
	"github.com/chirino/contentpool/internal/config"
	registrymigrate "github.com/chirino/contentpool/internal/registry/migrate"
	"github.com/urfave/cli/v3"

	// Store plugins register their migrators alongside their primary interface.
	_ "github.com/chirino/contentpool/internal/plugin/store/gormstore"
)

// Command returns the migrate sub-command.
func Command() *cli.Command {
	cfg := config.DefaultConfig()
	return &cli.Command{
		Name:  "migrate",
		Usage: "Run database migrations",
		Flags: flags.Database(&cfg),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			// An explicit migrate always migrates.
			cfg.DatastoreMigrateAtStart = true
			ctx = config.WithContext(ctx, &cfg)

			log.Info("Running migrations...", "db", cfg.DatastoreType)
			if err := registrymigrate.RunAll(ctx); err != nil {
				return err
			}
			log.Info("All migrations completed successfully")
			return nil
		},
	}
}
