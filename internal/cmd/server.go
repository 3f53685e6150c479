package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tapevault/tapevault/internal/build"
	"github.com/tapevault/tapevault/internal/frontend"
	"github.com/tapevault/tapevault/internal/logger"
	"github.com/tapevault/tapevault/internal/persistence/postgres"
	"github.com/tapevault/tapevault/internal/tape"
)

func serverCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "server",
		Short: "Run the API server without the scheduler",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cfg, err := setup(cmd)
			if err != nil {
				return err
			}

			store, err := openStore(ctx, cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			writer := tape.NewDriveWriter(cfg.TapeDriveLetter)
			devices := tape.NewDeviceCache(cfg.DataDir, writer)

			err = frontend.New(cfg, store, nil, devices).Start(ctx)
			if err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		},
	}
}

func migrateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cfg, err := setup(cmd)
			if err != nil {
				return err
			}
			if err := postgres.Migrate(ctx, cfg.DatabaseURL); err != nil {
				return err
			}
			logger.Info(ctx, "Migrations applied")
			return nil
		},
	}
}

func versionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", build.AppName, build.Version)
		},
	}
}
