// Package cmd provides common initialization for the command-line binaries:
// store selection, event bus creation and full engine wiring.
package cmd

import (
	"context"
	"log/slog"

	"github.com/procflow/procflow/pkg/clock"
	"github.com/procflow/procflow/pkg/definition"
	"github.com/procflow/procflow/pkg/engine"
	"github.com/procflow/procflow/pkg/events"
	"github.com/procflow/procflow/pkg/jobs"
	"github.com/procflow/procflow/pkg/models"
	"github.com/procflow/procflow/pkg/persistence"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/trace"
)

// Runtime bundles the wired engine components a binary needs.
type Runtime struct {
	Store       persistence.Store
	Clock       clock.Clock
	Dispatcher  *events.Dispatcher
	Definitions *definition.Cache
	Deployer    *definition.Deployer
	Manager     *jobs.Manager
	Engine      *engine.Engine
	Handlers    *jobs.HandlerRegistry
}

// NewRuntime wires the engine stack over a store: event dispatcher,
// definition cache, job manager, engine and the job handlers that re-enter
// the engine for async continuations and timers.
func NewRuntime(store persistence.Store, clk clock.Clock, tracer trace.Tracer, logger *slog.Logger) (*Runtime, error) {
	dispatcher := events.NewDispatcher(logger)

	cache, err := definition.NewCache(store, definition.DefaultCacheSize)
	if err != nil {
		return nil, err
	}

	manager := jobs.NewManager(store, clk, dispatcher, logger)
	eng := engine.NewEngine(store, clk, dispatcher, cache, manager, tracer, logger)

	handlers := jobs.NewHandlerRegistry()

	err = registerEngineHandlers(handlers, eng)
	if err != nil {
		return nil, err
	}

	return &Runtime{
		Store:       store,
		Clock:       clk,
		Dispatcher:  dispatcher,
		Definitions: cache,
		Deployer:    definition.NewDeployer(store, definition.NewParser(), clk, logger),
		Manager:     manager,
		Engine:      eng,
		Handlers:    handlers,
	}, nil
}

// registerEngineHandlers binds the engine's job entry points into the handler
// registry. Handlers run inside the executor's transaction via the engine's
// job context.
func registerEngineHandlers(handlers *jobs.HandlerRegistry, eng *engine.Engine) error {
	bindings := []jobs.HandlerFunc{
		{HandlerType: engine.HandlerAsyncContinue, Fn: jobEntry(eng, (*engine.Engine).ResumeAsyncContinuation)},
		{HandlerType: engine.HandlerTimerFire, Fn: jobEntry(eng, (*engine.Engine).FireTimer)},
		{HandlerType: engine.HandlerBoundaryTimerFire, Fn: jobEntry(eng, (*engine.Engine).FireBoundaryTimer)},
	}

	for _, binding := range bindings {
		err := handlers.Register(binding)
		if err != nil {
			return err
		}
	}

	return nil
}

func jobEntry(eng *engine.Engine, entry func(*engine.Engine, context.Context, *engine.CommandContext, *models.Job) error) func(ctx context.Context, tx persistence.Tx, job *models.Job) error {
	return func(ctx context.Context, tx persistence.Tx, job *models.Job) error {
		return entry(eng, ctx, eng.JobContext(tx), job)
	}
}

// NewJobNotifier creates the redis-backed cross-node wake notifier. An empty
// URL disables notifications; acquirers fall back to plain polling.
func NewJobNotifier(redisURL string, logger *slog.Logger) *jobs.Notifier {
	if redisURL == "" {
		return nil
	}

	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		panic(err)
	}

	return jobs.NewNotifier(redis.NewClient(opts), jobs.DefaultNotifyChannel, logger)
}
