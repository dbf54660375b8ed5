package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/loomhq/loom/pkg/cmd"
	"github.com/loomhq/loom/pkg/eventbus"
	"github.com/loomhq/loom/pkg/log"
	"github.com/loomhq/loom/pkg/otelhelper"
	"github.com/loomhq/loom/pkg/pause"
	"github.com/robfig/cron/v3"
	cli "github.com/urfave/cli/v3"
)

func main() {
	command := &cli.Command{
		Name:                  "loom-janitor",
		Usage:                 "Prune expired workflow pause snapshots on a schedule",
		EnableShellCompletion: true,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "database-url",
				Usage:    "Database connection URL for persistence",
				Required: true,
				Sources:  cli.EnvVars("DATABASE_URL"),
			},
			&cli.StringFlag{
				Name:    "redis-url",
				Usage:   "Redis connection URL for pause state blobs",
				Value:   "",
				Sources: cli.EnvVars("REDIS_URL"),
			},
			&cli.StringFlag{
				Name:    "event-bus",
				Usage:   "Event bus type (kafka, gochannel)",
				Value:   "gochannel",
				Sources: cli.EnvVars("EVENT_BUS_TYPE"),
			},
			&cli.DurationFlag{
				Name:    "retention",
				Usage:   "Age after which an unresumed pause is pruned",
				Value:   7 * 24 * time.Hour,
				Sources: cli.EnvVars("PAUSE_RETENTION"),
			},
			&cli.DurationFlag{
				Name:    "resumption-retention",
				Usage:   "Age after which a resumed pause is pruned",
				Value:   24 * time.Hour,
				Sources: cli.EnvVars("PAUSE_RESUMPTION_RETENTION"),
			},
			&cli.IntFlag{
				Name:    "batch-limit",
				Usage:   "Maximum pauses pruned per sweep",
				Value:   100,
				Sources: cli.EnvVars("PRUNE_BATCH_LIMIT"),
			},
			&cli.StringFlag{
				Name:    "cron-schedule",
				Usage:   "Cron expression for prune sweeps",
				Value:   "*/5 * * * *",
				Sources: cli.EnvVars("PRUNE_CRON_SCHEDULE"),
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "Log level (debug, info, warn, error)",
				Value:   "info",
				Sources: cli.EnvVars("LOG_LEVEL"),
			},
		},
		Action: run,
	}

	if err := command.Run(context.Background(), os.Args); err != nil {
		panic(err)
	}
}

func run(ctx context.Context, command *cli.Command) error {
	log.Setup(command.String("log-level"))

	tracerProvider, err := otelhelper.InitTracer(ctx, "loom-janitor")
	if err != nil {
		return fmt.Errorf("failed to initialize tracer: %w", err)
	}
	defer func() {
		if err := tracerProvider.Shutdown(ctx); err != nil {
			slog.Error("Failed to shutdown tracer provider", "error", err)
		}
	}()

	logger := log.WithModule("loom-janitor")

	logger.Info("Initializing Loom Janitor")

	persistence := cmd.NewPersistence(ctx, logger, command.String("database-url"))
	defer func() {
		if err := persistence.Close(ctx); err != nil {
			logger.Error("Failed to close persistence", "error", err)
		}
	}()

	var blobs pause.BlobStore = pause.NewMemoryBlobStore()

	if redisURL := command.String("redis-url"); redisURL != "" {
		client := cmd.NewRedisClient(redisURL)
		defer func() {
			if err := client.Close(); err != nil {
				logger.Error("Failed to close redis client", "error", err)
			}
		}()

		blobs = pause.NewRedisBlobStore(client)
	}

	bus := cmd.NewEventBus(command.String("event-bus"), "loom-janitor", logger)
	defer func() {
		if err := bus.Close(); err != nil {
			logger.Error("Failed to close event bus", "error", err)
		}
	}()

	manager := pause.NewManager(
		persistence.WorkflowExecutionRepository(),
		persistence.PauseRepository(),
		blobs,
	)

	janitor := &janitor{
		pauses:              manager,
		bus:                 bus,
		retention:           command.Duration("retention"),
		resumptionRetention: command.Duration("resumption-retention"),
		batchLimit:          command.Int("batch-limit"),
		logger:              logger,
	}

	scheduler := cron.New()

	_, err = scheduler.AddFunc(command.String("cron-schedule"), func() {
		janitor.sweep(ctx)
	})
	if err != nil {
		return fmt.Errorf("failed to schedule prune sweep: %w", err)
	}

	scheduler.Start()

	logger.Info("Janitor started",
		"cron_schedule", command.String("cron-schedule"),
		"retention", command.Duration("retention"),
		"resumption_retention", command.Duration("resumption-retention"))

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	<-ctx.Done()

	logger.Info("Shutting down")

	cronCtx := scheduler.Stop()
	<-cronCtx.Done()

	return nil
}

type janitor struct {
	pauses              *pause.Manager
	bus                 eventbus.EventBus
	retention           time.Duration
	resumptionRetention time.Duration
	batchLimit          int
	logger              *slog.Logger
}

// sweep prunes one batch of expired pauses and announces the result.
func (j *janitor) sweep(ctx context.Context) {
	now := time.Now().UTC()

	pruned, err := j.pauses.PrunePauses(ctx,
		now.Add(-j.retention),
		now.Add(-j.resumptionRetention),
		j.batchLimit)
	if err != nil {
		j.logger.Error("Prune sweep failed", "error", err, "pruned", len(pruned))
	}

	if len(pruned) == 0 {
		return
	}

	err = j.bus.Publish(ctx, "loom-janitor", &eventbus.PausePruned{
		PauseIDs: pruned,
		PrunedAt: now,
	})
	if err != nil {
		j.logger.Warn("Failed to publish pause pruned event", "error", err)
	}
}
