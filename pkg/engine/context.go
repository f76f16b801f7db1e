// Package engine implements the process-graph interpreter and the command
// stack every mutating operation runs through. The interpreter advances
// execution tokens across the parsed graph, forking on multi-outgoing nodes,
// collapsing siblings at joins and parking tokens at wait states.
package engine

import (
	"context"
	"time"

	"github.com/procflow/procflow/pkg/clock"
	"github.com/procflow/procflow/pkg/definition"
	"github.com/procflow/procflow/pkg/events"
	"github.com/procflow/procflow/pkg/models"
	"github.com/procflow/procflow/pkg/persistence"
)

// JobScheduler is what the interpreter needs from the job subsystem. The job
// manager satisfies it; the engine stays ignorant of acquisition and retry
// mechanics.
type JobScheduler interface {
	// CreateJob allocates an unpersisted job with the default retry budget.
	CreateJob() *models.Job

	// ScheduleAsync persists a job due immediately into the executable queue.
	ScheduleAsync(ctx context.Context, tx persistence.Tx, job *models.Job) error

	// ScheduleTimer persists a job gated behind a due date.
	ScheduleTimer(ctx context.Context, tx persistence.Tx, job *models.Job, due time.Time) error

	// CancelByExecution removes all jobs referencing an execution.
	CancelByExecution(ctx context.Context, tx persistence.Tx, executionID string) error

	// CancelBoundaryTimers removes pending boundary-timer jobs of an
	// execution, leaving its other jobs in place.
	CancelBoundaryTimers(ctx context.Context, tx persistence.Tx, executionID string) error
}

// CommandContext carries everything one command invocation needs. It is
// passed explicitly through every interpreter call; there is no ambient or
// goroutine-local engine state.
type CommandContext struct {
	Tx          persistence.Tx
	Clock       clock.Clock
	Events      *events.Dispatcher
	Definitions *definition.Cache
	Jobs        JobScheduler
}

// Definition resolves the graph the given execution runs on.
func (cc *CommandContext) Definition(ctx context.Context, execution *models.Execution) (*models.ProcessDefinition, error) {
	return cc.Definitions.Resolve(ctx, execution.ProcessDefinitionID)
}

// Dispatch stamps and delivers an engine event. Listeners observe only; any
// failure is contained inside the dispatcher.
func (cc *CommandContext) Dispatch(ctx context.Context, base *events.BaseEvent, eventType events.EventType, processInstanceID string, event events.Event) {
	events.Stamp(base, eventType, processInstanceID, cc.Clock.Now())
	cc.Events.Dispatch(ctx, event)
}

// scopeResolver resolves a variable name against an execution's scope chain:
// local scope first, then each ancestor.
type scopeResolver struct {
	ctx       context.Context
	tx        persistence.Tx
	execution *models.Execution
}

func (r *scopeResolver) Variable(name string) (any, bool) {
	current := r.execution

	for current != nil {
		if v, ok := current.GetVariable(name); ok {
			return v, true
		}

		if current.ParentID == "" {
			return nil, false
		}

		parent, err := r.tx.ExecutionByID(r.ctx, current.ParentID)
		if err != nil {
			return nil, false
		}

		current = parent
	}

	return nil, false
}
