package optimize

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/charmbracelet/log"
	"github.com/chirino/contentpool/internal/cmd/flags"
	"github.com/chirino/contentpool/internal/config"
	"github.com/chirino/contentpool/internal/engine"
	"github.com/chirino/contentpool/internal/optimizer"
	registrymigrate "github.com/chirino/contentpool/internal/registry/migrate"
	"github.com/urfave/cli/v3"

	_ "github.com/chirino/contentpool/internal/plugin/blob/fsstore"
	_ "github.com/chirino/contentpool/internal/plugin/blob/mongostore"
	_ "github.com/chirino/contentpool/internal/plugin/blob/s3store"
	_ "github.com/chirino/contentpool/internal/plugin/cache/noop"
	_ "github.com/chirino/contentpool/internal/plugin/cache/redis"
	_ "github.com/chirino/contentpool/internal/plugin/store/gormstore"
)

// Command returns the optimize sub-command.
func Command() *cli.Command {
	cfg := config.DefaultConfig()
	var phase string
	all := []cli.Flag{
		flags.ConfigFile(&cfg),
		&cli.StringFlag{
			Name:        "phase",
			Sources:     cli.EnvVars("CONTENTPOOL_OPTIMIZE_PHASE"),
			Destination: &phase,
			Usage:       fmt.Sprintf("Run a single phase %v instead of a full pass", optimizer.Phases),
		},
	}
	all = append(all, flags.Database(&cfg)...)
	all = append(all, flags.Storage(&cfg)...)
	all = append(all, flags.Optimizer(&cfg)...)
	return &cli.Command{
		Name:  "optimize",
		Usage: "Run the storage optimizer once and print the JSON report",
		Flags: all,
		Action: func(ctx context.Context, cmd *cli.Command) error {
			if err := flags.ApplyConfigFile(&cfg); err != nil {
				return err
			}
			return Run(config.WithContext(ctx, &cfg), phase, os.Stdout)
		},
	}
}

// Run opens the engine from the config in ctx, runs phase (or a full pass
// when empty) and writes the report to out. A report that is not fully
// successful is returned as an error after it is written.
func Run(ctx context.Context, phase string, out io.Writer) error {
	var selected optimizer.Phase
	if phase != "" {
		p, err := optimizer.ParsePhase(phase)
		if err != nil {
			return err
		}
		selected = p
	}

	if err := registrymigrate.RunAll(ctx); err != nil {
		return fmt.Errorf("migrations failed: %w", err)
	}
	eng, err := engine.Open(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if err := eng.Close(); err != nil {
			log.Warn("Optimize: close failed", "err", err)
		}
	}()

	var (
		report  any
		success bool
	)
	if selected != "" {
		r := eng.Optimizer().RunPhase(ctx, selected)
		report, success = r, r.Success
	} else {
		r := eng.RunFullOptimization(ctx)
		report, success = r, r.Success
	}

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	if err := enc.Encode(report); err != nil {
		return fmt.Errorf("write report: %w", err)
	}
	if !success {
		return fmt.Errorf("optimization finished with errors")
	}
	return nil
}
