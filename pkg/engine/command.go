package engine

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/procflow/procflow/pkg/clock"
	"github.com/procflow/procflow/pkg/definition"
	"github.com/procflow/procflow/pkg/events"
	"github.com/procflow/procflow/pkg/otelhelper"
	"github.com/procflow/procflow/pkg/persistence"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Command is one atomic engine operation: start instance, signal execution,
// execute job. Commands run inside exactly one transaction; the interceptor
// stack owns its lifecycle.
type Command interface {
	Name() string
	Execute(ctx context.Context, cc *CommandContext) (any, error)
}

// Invoker advances the interceptor chain.
type Invoker func(ctx context.Context, command Command, cc *CommandContext) (any, error)

// Interceptor wraps command invocation. Interceptors run in registration
// order around the transaction and the command body.
type Interceptor interface {
	Intercept(ctx context.Context, command Command, cc *CommandContext, next Invoker) (any, error)
}

// staleRetries is how many times a command is re-run when an optimistic
// concurrency check fails at commit. Lost races are expected under
// contention and invisible to callers.
const staleRetries = 3

// CommandExecutor assembles the interceptor chain and runs commands through
// it. The default chain is logging, tracing, then the transaction boundary.
type CommandExecutor struct {
	store        persistence.Store
	clock        clock.Clock
	events       *events.Dispatcher
	definitions  *definition.Cache
	jobs         JobScheduler
	interceptors []Interceptor
	logger       *slog.Logger
}

func NewCommandExecutor(
	store persistence.Store,
	clk clock.Clock,
	dispatcher *events.Dispatcher,
	definitions *definition.Cache,
	jobs JobScheduler,
	tracer trace.Tracer,
	logger *slog.Logger,
) *CommandExecutor {
	executor := &CommandExecutor{
		store:       store,
		clock:       clk,
		events:      dispatcher,
		definitions: definitions,
		jobs:        jobs,
		logger:      logger.With("module", "command_executor"),
	}

	executor.interceptors = []Interceptor{
		&logInterceptor{logger: executor.logger},
		&traceInterceptor{tracer: tracer},
		&txInterceptor{store: store},
	}

	return executor
}

// Execute runs one command through the interceptor chain, retrying commands
// that lose an optimistic concurrency race.
func (e *CommandExecutor) Execute(ctx context.Context, command Command) (any, error) {
	var lastErr error

	for attempt := 0; attempt <= staleRetries; attempt++ {
		cc := &CommandContext{
			Clock:       e.clock,
			Events:      e.events,
			Definitions: e.definitions,
			Jobs:        e.jobs,
		}

		result, err := e.invoke(ctx, command, cc, 0)
		if err == nil {
			return result, nil
		}

		if !persistence.IsStaleEntity(err) {
			return nil, err
		}

		lastErr = err
		e.logger.DebugContext(ctx, "Command lost concurrency race, retrying", "command", command.Name(), "attempt", attempt+1)
	}

	return nil, fmt.Errorf("command %s: exhausted concurrency retries: %w", command.Name(), lastErr)
}

func (e *CommandExecutor) invoke(ctx context.Context, command Command, cc *CommandContext, depth int) (any, error) {
	if depth == len(e.interceptors) {
		return command.Execute(ctx, cc)
	}

	return e.interceptors[depth].Intercept(ctx, command, cc, func(ctx context.Context, command Command, cc *CommandContext) (any, error) {
		return e.invoke(ctx, command, cc, depth+1)
	})
}

type logInterceptor struct {
	logger *slog.Logger
}

func (i *logInterceptor) Intercept(ctx context.Context, command Command, cc *CommandContext, next Invoker) (any, error) {
	i.logger.DebugContext(ctx, "Executing command", "command", command.Name())

	result, err := next(ctx, command, cc)
	if err != nil {
		i.logger.DebugContext(ctx, "Command failed", "command", command.Name(), "error", err)

		return nil, err
	}

	return result, nil
}

type traceInterceptor struct {
	tracer trace.Tracer
}

func (i *traceInterceptor) Intercept(ctx context.Context, command Command, cc *CommandContext, next Invoker) (any, error) {
	if i.tracer == nil {
		return next(ctx, command, cc)
	}

	ctx, span := otelhelper.StartSpan(ctx, i.tracer, "engine.command",
		attribute.String(otelhelper.CommandNameKey, command.Name()))
	defer span.End()

	result, err := next(ctx, command, cc)
	if err != nil {
		otelhelper.RecordError(span, err)
	}

	return result, err
}

// txInterceptor opens the unit of work: graph mutation, job scheduling and
// entity deletion inside one command commit or roll back as a whole.
type txInterceptor struct {
	store persistence.Store
}

func (i *txInterceptor) Intercept(ctx context.Context, command Command, cc *CommandContext, next Invoker) (any, error) {
	tx, err := i.store.Begin(ctx)
	if err != nil {
		return nil, err
	}

	cc.Tx = tx

	result, err := next(ctx, command, cc)
	if err != nil {
		_ = tx.Rollback(ctx)

		return nil, err
	}

	err = tx.Commit(ctx)
	if err != nil {
		return nil, err
	}

	return result, nil
}
