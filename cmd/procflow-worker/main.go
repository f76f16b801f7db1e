package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/procflow/procflow/pkg/clock"
	"github.com/procflow/procflow/pkg/cmd"
	"github.com/procflow/procflow/pkg/eventbus"
	"github.com/procflow/procflow/pkg/jobs"
	"github.com/procflow/procflow/pkg/log"
	"github.com/procflow/procflow/pkg/otelhelper"
	cli "github.com/urfave/cli/v3"
	"go.opentelemetry.io/otel/trace"
)

func main() {
	command := &cli.Command{
		Name:                  "procflow-worker",
		EnableShellCompletion: true,
		Usage:                 "Start a worker that executes due jobs",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "worker-id",
				Aliases: []string{"id"},
				Usage:   "Custom worker ID (auto-generated if not provided)",
				Value:   "",
				Sources: cli.EnvVars("WORKER_ID"),
			},
			&cli.StringFlag{
				Name:    "database-url",
				Usage:   "Database connection URL (memory:// or postgres://...)",
				Value:   "memory://",
				Sources: cli.EnvVars("DATABASE_URL"),
			},
			&cli.StringFlag{
				Name:    "event-bus",
				Usage:   "Event bus provider to relay engine events to (kafka, gochannel)",
				Value:   "",
				Sources: cli.EnvVars("EVENT_BUS_TYPE"),
			},
			&cli.StringFlag{
				Name:    "redis-url",
				Usage:   "Redis URL for cross-node job notifications (disabled if empty)",
				Value:   "",
				Sources: cli.EnvVars("REDIS_URL"),
			},
			&cli.BoolFlag{
				Name:    "tracing",
				Usage:   "Enable OpenTelemetry tracing",
				Sources: cli.EnvVars("OTEL_ENABLED"),
			},
			&cli.IntFlag{
				Name:    "max-jobs",
				Usage:   "Maximum jobs acquired per sweep",
				Value:   jobs.DefaultAcquireBatchSize,
				Sources: cli.EnvVars("MAX_JOBS"),
			},
			&cli.DurationFlag{
				Name:    "poll-interval",
				Usage:   "Initial idle backoff between acquisition sweeps",
				Value:   jobs.DefaultIdleInterval,
				Sources: cli.EnvVars("POLL_INTERVAL"),
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

	err := command.Run(context.Background(), os.Args)
	if err != nil {
		panic(err)
	}
}

func run(ctx context.Context, command *cli.Command) error {
	log.Setup(command.String("log-level"))

	workerID := command.String("worker-id")
	if workerID == "" {
		workerID = "worker-" + uuid.New().String()[:8]
	}

	logger := log.WithModule("procflow-worker").With("worker_id", workerID)

	logger.InfoContext(ctx, "Initializing worker")

	var tracer trace.Tracer

	if command.Bool("tracing") {
		var err error

		tracer, err = otelhelper.NewTracer(ctx, "procflow-worker")
		if err != nil {
			return err
		}
	}

	store := cmd.NewStore(ctx, logger, command.String("database-url"))
	defer func() {
		err := store.Close(ctx)
		if err != nil {
			logger.ErrorContext(ctx, "Failed to close store", "error", err)
		}
	}()

	clk := clock.NewSystemClock()

	runtime, err := cmd.NewRuntime(store, clk, tracer, logger)
	if err != nil {
		return err
	}

	if provider := command.String("event-bus"); provider != "" {
		bus := cmd.NewEventBus(provider, logger)
		defer func() {
			err := bus.Close()
			if err != nil {
				logger.ErrorContext(ctx, "Failed to close event bus", "error", err)
			}
		}()

		runtime.Dispatcher.Register(eventbus.NewRelay(bus, logger))
	}

	notifier := cmd.NewJobNotifier(command.String("redis-url"), logger)
	if notifier != nil {
		runtime.Dispatcher.Register(notifier.Listener())
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	worker := jobs.NewWorker(store, clk, runtime.Handlers, runtime.Dispatcher, notifier, jobs.WorkerConfig{
		WorkerID:     workerID,
		BatchSize:    command.Int("max-jobs"),
		PollInterval: command.Duration("poll-interval"),
	}, logger)

	logger.InfoContext(ctx, "Worker started", "handlers", runtime.Handlers.Types())
	worker.Run(ctx)

	return nil
}
