package cmd

import (
	"context"
	"errors"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/tapevault/tapevault/internal/action"
	"github.com/tapevault/tapevault/internal/config"
	"github.com/tapevault/tapevault/internal/frontend"
	"github.com/tapevault/tapevault/internal/logger"
	"github.com/tapevault/tapevault/internal/logger/tag"
	"github.com/tapevault/tapevault/internal/models"
	"github.com/tapevault/tapevault/internal/notify"
	"github.com/tapevault/tapevault/internal/persistence"
	"github.com/tapevault/tapevault/internal/pipeline"
	"github.com/tapevault/tapevault/internal/scheduler"
	"github.com/tapevault/tapevault/internal/tape"
)

func startCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Run the scheduler, the tape mover and the API server",
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

			return runAll(ctx, cfg, store)
		},
	}
}

func schedulerCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "scheduler",
		Short: "Run the scheduler and the tape mover without the API server",
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

			return runScheduler(ctx, cfg, store)
		},
	}
}

// components holds the long-running collaborators shared by the start and
// scheduler commands.
type components struct {
	writer  *tape.DriveWriter
	devices *tape.DeviceCache
	mover   *pipeline.Mover
	sched   *scheduler.Scheduler
}

func buildComponents(cfg *config.Config, store persistence.Store) *components {
	writer := tape.NewDriveWriter(cfg.TapeDriveLetter)
	devices := tape.NewDeviceCache(cfg.DataDir, writer)
	engine := pipeline.NewEngine(cfg, store)

	dispatcher := action.NewDispatcher()
	dispatcher.Register(models.ActionBackup, action.NewBackupHandler(store, engine))
	dispatcher.Register(models.ActionRetentionCheck, action.NewRetentionHandler(store))
	dispatcher.Register(models.ActionHealthCheck, action.NewHealthCheckHandler(store, devices))
	dispatcher.Register(models.ActionCleanup, action.NewCleanupHandler(cfg, store))
	dispatcher.Register(models.ActionRecovery, action.NewRecoveryHandler(cfg, store))
	dispatcher.Register(models.ActionCustom, action.NewCustomHandler(nil))

	var notifier notify.Notifier = notify.Nop{}
	if cfg.SlackWebhookURL != "" {
		notifier = notify.NewSlack(cfg.SlackWebhookURL)
	}

	var sched *scheduler.Scheduler
	if cfg.SchedulerEnabled {
		sched = scheduler.New(cfg, store, dispatcher,
			scheduler.WithNotifier(notifier))
	}

	return &components{
		writer:  writer,
		devices: devices,
		mover: pipeline.NewMover(cfg, store, writer,
			pipeline.WithMoverNotifier(notifier)),
		sched: sched,
	}
}

func (c *components) run(ctx context.Context, extra ...func(context.Context) error) error {
	if _, err := c.devices.Refresh(ctx); err != nil {
		logger.Warn(ctx, "Initial device scan failed", tag.Error(err))
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return c.writer.Run(gctx) })
	g.Go(func() error { return c.mover.Run(gctx) })
	if c.sched != nil {
		g.Go(func() error { return c.sched.Start(gctx) })
	}
	for _, fn := range extra {
		g.Go(func() error { return fn(gctx) })
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func runAll(ctx context.Context, cfg *config.Config, store persistence.Store) error {
	c := buildComponents(cfg, store)
	server := frontend.New(cfg, store, c.sched, c.devices)
	return c.run(ctx, server.Start)
}

func runScheduler(ctx context.Context, cfg *config.Config, store persistence.Store) error {
	c := buildComponents(cfg, store)
	if c.sched == nil {
		return errors.New("scheduler is disabled by configuration")
	}
	return c.run(ctx)
}
