package engine

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/procflow/procflow/pkg/clock"
	"github.com/procflow/procflow/pkg/definition"
	"github.com/procflow/procflow/pkg/events"
	"github.com/procflow/procflow/pkg/models"
	"github.com/procflow/procflow/pkg/persistence"
	"go.opentelemetry.io/otel/trace"
)

// Engine is the public entry point of the process interpreter. Every mutating
// operation runs as a command through the interceptor stack; job handlers
// re-enter through the Fire/Resume methods inside the job executor's own
// transaction.
type Engine struct {
	executor    *CommandExecutor
	interpreter *Interpreter
	delegates   *DelegateRegistry
	clock       clock.Clock
	events      *events.Dispatcher
	definitions *definition.Cache
	jobs        JobScheduler
	logger      *slog.Logger
}

func NewEngine(
	store persistence.Store,
	clk clock.Clock,
	dispatcher *events.Dispatcher,
	definitions *definition.Cache,
	jobs JobScheduler,
	tracer trace.Tracer,
	logger *slog.Logger,
) *Engine {
	delegates := NewDelegateRegistry()

	return &Engine{
		executor:    NewCommandExecutor(store, clk, dispatcher, definitions, jobs, tracer, logger),
		interpreter: NewInterpreter(delegates, logger),
		delegates:   delegates,
		clock:       clk,
		events:      dispatcher,
		definitions: definitions,
		jobs:        jobs,
		logger:      logger.With("module", "engine"),
	}
}

// Delegates exposes the service-task registry for wiring.
func (e *Engine) Delegates() *DelegateRegistry {
	return e.delegates
}

// StartProcessInstanceByID starts a new instance of the exact definition
// version identified by definitionID and returns its root execution.
func (e *Engine) StartProcessInstanceByID(ctx context.Context, definitionID string, variables map[string]any) (*models.Execution, error) {
	result, err := e.executor.Execute(ctx, &startProcessInstanceCommand{
		engine:       e,
		definitionID: definitionID,
		variables:    variables,
	})
	if err != nil {
		return nil, err
	}

	return result.(*models.Execution), nil
}

// StartProcessInstanceByKey starts a new instance of the latest deployed
// version of the given process key.
func (e *Engine) StartProcessInstanceByKey(ctx context.Context, key string, variables map[string]any) (*models.Execution, error) {
	result, err := e.executor.Execute(ctx, &startProcessInstanceCommand{
		engine:    e,
		key:       key,
		variables: variables,
	})
	if err != nil {
		return nil, err
	}

	return result.(*models.Execution), nil
}

// SignalExecution resumes an execution parked at a wait state, merging the
// payload into its variable scope.
func (e *Engine) SignalExecution(ctx context.Context, executionID string, payload map[string]any) error {
	_, err := e.executor.Execute(ctx, &signalExecutionCommand{
		engine:      e,
		executionID: executionID,
		payload:     payload,
	})

	return err
}

// SetVariables writes variables into an execution's local scope.
func (e *Engine) SetVariables(ctx context.Context, executionID string, variables map[string]any) error {
	_, err := e.executor.Execute(ctx, &setVariablesCommand{
		executionID: executionID,
		variables:   variables,
	})

	return err
}

// DeleteProcessInstance cancels a running instance: the whole execution tree
// and every job referencing it disappear in one transaction.
func (e *Engine) DeleteProcessInstance(ctx context.Context, processInstanceID, reason string) error {
	_, err := e.executor.Execute(ctx, &deleteProcessInstanceCommand{
		engine:            e,
		processInstanceID: processInstanceID,
		reason:            reason,
	})

	return err
}

// JobContext builds a command context over a caller-owned transaction. Job
// handlers run inside the executor's transaction, not through the command
// interceptor stack.
func (e *Engine) JobContext(tx persistence.Tx) *CommandContext {
	return &CommandContext{
		Tx:          tx,
		Clock:       e.clock,
		Events:      e.events,
		Definitions: e.definitions,
		Jobs:        e.jobs,
	}
}

// ResumeAsyncContinuation runs the delegate of an async service task and
// advances the token. Invoked by the async-continue job handler.
func (e *Engine) ResumeAsyncContinuation(ctx context.Context, cc *CommandContext, job *models.Job) error {
	execution, node, err := e.parkedExecution(ctx, cc, job.ExecutionID, job.HandlerConfig)
	if err != nil {
		return err
	}

	return runServiceTask(ctx, cc, e.interpreter, execution, node)
}

// FireTimer resumes an execution parked at a timer-catch node. Invoked by the
// timer-fire job handler.
func (e *Engine) FireTimer(ctx context.Context, cc *CommandContext, job *models.Job) error {
	execution, _, err := e.parkedExecution(ctx, cc, job.ExecutionID, job.HandlerConfig)
	if err != nil {
		return err
	}

	return e.interpreter.Signal(ctx, cc, execution, nil)
}

// FireBoundaryTimer interrupts the activity the boundary timer is attached
// to: the token leaves via the boundary's transition, or via the node's
// default outgoing flows when none is declared.
func (e *Engine) FireBoundaryTimer(ctx context.Context, cc *CommandContext, job *models.Job) error {
	execution, err := cc.Tx.ExecutionByID(ctx, job.ExecutionID)
	if err != nil {
		return err
	}

	def, err := cc.Definition(ctx, execution)
	if err != nil {
		return err
	}

	node := def.NodeByID(execution.CurrentActivityID)
	if node == nil {
		return fmt.Errorf("execution %s is not positioned at a node", execution.ID)
	}

	boundary := boundaryTimerByID(node, job.HandlerConfig)
	if boundary == nil {
		return fmt.Errorf("node %s has no boundary timer %s", node.ID, job.HandlerConfig)
	}

	err = e.jobs.CancelByExecution(ctx, cc.Tx, execution.ID)
	if err != nil {
		return err
	}

	if boundary.TransitionID != "" {
		transition := def.TransitionByID(boundary.TransitionID)
		if transition == nil {
			return fmt.Errorf("boundary timer %s references unknown transition %s", boundary.ID, boundary.TransitionID)
		}

		return e.interpreter.Take(ctx, cc, execution, transition)
	}

	return e.interpreter.LeaveIgnoringConditions(ctx, cc, execution)
}

func (e *Engine) parkedExecution(ctx context.Context, cc *CommandContext, executionID, nodeID string) (*models.Execution, *models.Node, error) {
	execution, err := cc.Tx.ExecutionByID(ctx, executionID)
	if err != nil {
		return nil, nil, err
	}

	if execution.CurrentActivityID != nodeID {
		return nil, nil, fmt.Errorf("execution %s moved on to %s, job targets node %s", execution.ID, execution.CurrentActivityID, nodeID)
	}

	def, err := cc.Definition(ctx, execution)
	if err != nil {
		return nil, nil, err
	}

	node := def.NodeByID(nodeID)
	if node == nil {
		return nil, nil, fmt.Errorf("definition %s has no node %s", execution.ProcessDefinitionID, nodeID)
	}

	return execution, node, nil
}

func boundaryTimerByID(node *models.Node, id string) *models.BoundaryTimer {
	for idx := range node.BoundaryTimers {
		if node.BoundaryTimers[idx].ID == id {
			return &node.BoundaryTimers[idx]
		}
	}

	return nil
}

type startProcessInstanceCommand struct {
	engine       *Engine
	definitionID string
	key          string
	variables    map[string]any
}

func (c *startProcessInstanceCommand) Name() string { return "start-process-instance" }

func (c *startProcessInstanceCommand) Execute(ctx context.Context, cc *CommandContext) (any, error) {
	var (
		def *models.ProcessDefinition
		err error
	)

	if c.definitionID != "" {
		def, err = cc.Definitions.Resolve(ctx, c.definitionID)
	} else {
		def, err = cc.Definitions.ResolveLatestByKey(ctx, c.key)
	}

	if err != nil {
		return nil, err
	}

	initial := def.InitialNode()
	if initial == nil {
		return nil, fmt.Errorf("definition %s has no start node", def.ID)
	}

	root := &models.Execution{
		ID:                  newExecutionID(),
		ProcessDefinitionID: def.ID,
		CurrentActivityID:   initial.ID,
		IsActive:            true,
		IsScope:             true,
		Variables:           c.variables,
		CreatedAt:           cc.Clock.Now(),
	}
	root.ProcessInstanceID = root.ID

	err = cc.Tx.SaveExecution(ctx, root)
	if err != nil {
		return nil, err
	}

	started := events.ProcessStarted{
		ProcessDefinitionID: def.ID,
		Variables:           c.variables,
	}
	cc.Dispatch(ctx, &started.BaseEvent, events.ProcessStartedEvent, root.ProcessInstanceID, &started)

	err = c.engine.interpreter.EnterNode(ctx, cc, root, initial)
	if err != nil {
		return nil, err
	}

	return root, nil
}

type signalExecutionCommand struct {
	engine      *Engine
	executionID string
	payload     map[string]any
}

func (c *signalExecutionCommand) Name() string { return "signal-execution" }

func (c *signalExecutionCommand) Execute(ctx context.Context, cc *CommandContext) (any, error) {
	execution, err := cc.Tx.ExecutionByID(ctx, c.executionID)
	if err != nil {
		return nil, err
	}

	return nil, c.engine.interpreter.Signal(ctx, cc, execution, c.payload)
}

type setVariablesCommand struct {
	executionID string
	variables   map[string]any
}

func (c *setVariablesCommand) Name() string { return "set-variables" }

func (c *setVariablesCommand) Execute(ctx context.Context, cc *CommandContext) (any, error) {
	execution, err := cc.Tx.ExecutionByID(ctx, c.executionID)
	if err != nil {
		return nil, err
	}

	for name, value := range c.variables {
		execution.SetVariable(name, value)
	}

	return nil, cc.Tx.SaveExecution(ctx, execution)
}

type deleteProcessInstanceCommand struct {
	engine            *Engine
	processInstanceID string
	reason            string
}

func (c *deleteProcessInstanceCommand) Name() string { return "delete-process-instance" }

func (c *deleteProcessInstanceCommand) Execute(ctx context.Context, cc *CommandContext) (any, error) {
	root, err := cc.Tx.ExecutionByID(ctx, c.processInstanceID)
	if err != nil {
		return nil, err
	}

	if !root.IsProcessInstance() {
		return nil, fmt.Errorf("execution %s is not a process instance root", root.ID)
	}

	err = c.engine.interpreter.deleteTree(ctx, cc, root)
	if err != nil {
		return nil, err
	}

	deleted := events.ProcessDeleted{
		Reason: c.reason,
	}
	cc.Dispatch(ctx, &deleted.BaseEvent, events.ProcessDeletedEvent, root.ProcessInstanceID, &deleted)

	return nil, nil
}
