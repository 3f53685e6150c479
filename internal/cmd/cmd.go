// Package cmd wires the CLI commands together.
package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/tapevault/tapevault/internal/build"
	"github.com/tapevault/tapevault/internal/config"
	"github.com/tapevault/tapevault/internal/logger"
	"github.com/tapevault/tapevault/internal/logger/tag"
	"github.com/tapevault/tapevault/internal/persistence/postgres"
)

// New returns the root command.
func New() *cobra.Command {
	cmd := &cobra.Command{
		Use:           build.Slug,
		Short:         "Tape backup orchestrator",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().String("config", "", "config file path")
	cmd.AddCommand(
		startCommand(),
		schedulerCommand(),
		serverCommand(),
		migrateCommand(),
		versionCommand(),
	)
	return cmd
}

// Execute runs the CLI with signal-aware context cancellation.
func Execute() int {
	ctx, stop := signal.NotifyContext(context.Background(),
		os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := New().ExecuteContext(ctx); err != nil {
		logger.Error(ctx, "Command failed", tag.Error(err))
		return 1
	}
	return 0
}

// setup loads configuration and installs the process logger on the context.
func setup(cmd *cobra.Command) (context.Context, *config.Config, error) {
	var opts []config.Option
	if path, _ := cmd.Flags().GetString("config"); path != "" {
		opts = append(opts, config.WithConfigFile(path))
	}
	cfg, err := config.Load(opts...)
	if err != nil {
		return nil, nil, err
	}

	var logOpts []logger.Option
	if cfg.Debug {
		logOpts = append(logOpts, logger.WithDebug())
	}
	logOpts = append(logOpts, logger.WithFormat(cfg.LogFormat))

	ctx := logger.WithLogger(cmd.Context(), logger.New(logOpts...))
	return ctx, cfg, nil
}

// openStore migrates the schema and connects the persistence layer.
func openStore(ctx context.Context, cfg *config.Config) (*postgres.Store, error) {
	if err := postgres.Migrate(ctx, cfg.DatabaseURL); err != nil {
		return nil, err
	}
	return postgres.New(ctx, cfg.DatabaseURL, postgres.Options{
		PoolSize:    cfg.DBPoolSize,
		MaxOverflow: cfg.DBMaxOverflow,
	})
}
