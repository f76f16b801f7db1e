package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/procflow/procflow/pkg/events"
	"github.com/procflow/procflow/pkg/models"
	"github.com/robfig/cron/v3"
)

// Handler types of the jobs the engine schedules for itself.
const (
	HandlerAsyncContinue     = "async-continue"
	HandlerTimerFire         = "timer-fire"
	HandlerBoundaryTimerFire = "boundary-timer-fire"
)

// Behavior is the per-node-kind execution strategy. Enter runs when a token
// arrives at the node; Signal resumes a token parked there.
type Behavior interface {
	Enter(ctx context.Context, cc *CommandContext, in *Interpreter, execution *models.Execution, node *models.Node) error
	Signal(ctx context.Context, cc *CommandContext, in *Interpreter, execution *models.Execution, node *models.Node, payload map[string]any) error
}

func behaviorFor(kind models.NodeKind) (Behavior, error) {
	switch kind {
	case models.NodeKindStart:
		return startBehavior{}, nil
	case models.NodeKindEnd:
		return endBehavior{}, nil
	case models.NodeKindServiceTask:
		return serviceTaskBehavior{}, nil
	case models.NodeKindReceiveTask:
		return receiveTaskBehavior{}, nil
	case models.NodeKindExclusiveGateway:
		return exclusiveGatewayBehavior{}, nil
	case models.NodeKindParallelGateway:
		return parallelGatewayBehavior{}, nil
	case models.NodeKindTimerCatch:
		return timerCatchBehavior{}, nil
	default:
		return nil, fmt.Errorf("no behavior registered for node kind %q", kind)
	}
}

type startBehavior struct{}

func (startBehavior) Enter(ctx context.Context, cc *CommandContext, in *Interpreter, execution *models.Execution, _ *models.Node) error {
	return in.Leave(ctx, cc, execution)
}

func (startBehavior) Signal(_ context.Context, _ *CommandContext, _ *Interpreter, execution *models.Execution, node *models.Node, _ map[string]any) error {
	return fmt.Errorf("start node %s is not a wait state, cannot signal execution %s", node.ID, execution.ID)
}

type endBehavior struct{}

func (endBehavior) Enter(ctx context.Context, cc *CommandContext, in *Interpreter, execution *models.Execution, node *models.Node) error {
	completed := events.ActivityCompleted{
		ExecutionID:  execution.ID,
		ActivityID:   node.ID,
		ActivityName: node.Name,
		ActivityKind: string(node.Kind),
	}
	cc.Dispatch(ctx, &completed.BaseEvent, events.ActivityCompletedEvent, execution.ProcessInstanceID, &completed)

	return in.End(ctx, cc, execution)
}

func (endBehavior) Signal(_ context.Context, _ *CommandContext, _ *Interpreter, execution *models.Execution, node *models.Node, _ map[string]any) error {
	return fmt.Errorf("end node %s is not a wait state, cannot signal execution %s", node.ID, execution.ID)
}

// serviceTaskBehavior runs a registered delegate. Async tasks do not run
// inline: entering schedules an async-continuation job and parks the token,
// so the caller's transaction commits before the delegate ever executes.
type serviceTaskBehavior struct{}

func (serviceTaskBehavior) Enter(ctx context.Context, cc *CommandContext, in *Interpreter, execution *models.Execution, node *models.Node) error {
	if node.Async {
		err := scheduleBoundaryTimers(ctx, cc, execution, node)
		if err != nil {
			return err
		}

		job := cc.Jobs.CreateJob()
		job.Type = models.JobTypeMessage
		job.ExecutionID = execution.ID
		job.ProcessInstanceID = execution.ProcessInstanceID
		job.ProcessDefinitionID = execution.ProcessDefinitionID
		job.HandlerType = HandlerAsyncContinue
		job.HandlerConfig = node.ID

		err = cc.Jobs.ScheduleAsync(ctx, cc.Tx, job)
		if err != nil {
			return err
		}

		dispatchJobScheduled(ctx, cc, job)

		return nil
	}

	return runServiceTask(ctx, cc, in, execution, node)
}

func (serviceTaskBehavior) Signal(_ context.Context, _ *CommandContext, _ *Interpreter, execution *models.Execution, node *models.Node, _ map[string]any) error {
	return fmt.Errorf("service task %s is not a wait state, cannot signal execution %s", node.ID, execution.ID)
}

// runServiceTask executes the delegate and leaves. The async-continuation job
// handler resumes here, inside the job executor's transaction.
func runServiceTask(ctx context.Context, cc *CommandContext, in *Interpreter, execution *models.Execution, node *models.Node) error {
	if node.HandlerType != "" {
		delegate, err := in.delegates.Get(node.HandlerType)
		if err != nil {
			return err
		}

		err = delegate.Execute(ctx, execution, node.HandlerConfig)
		if err != nil {
			return fmt.Errorf("delegate %s at node %s: %w", node.HandlerType, node.ID, err)
		}

		err = cc.Tx.SaveExecution(ctx, execution)
		if err != nil {
			return err
		}
	}

	err := cc.Jobs.CancelBoundaryTimers(ctx, cc.Tx, execution.ID)
	if err != nil {
		return err
	}

	return in.Leave(ctx, cc, execution)
}

// receiveTaskBehavior parks the token until an external signal arrives.
type receiveTaskBehavior struct{}

func (receiveTaskBehavior) Enter(ctx context.Context, cc *CommandContext, _ *Interpreter, execution *models.Execution, node *models.Node) error {
	return scheduleBoundaryTimers(ctx, cc, execution, node)
}

func (receiveTaskBehavior) Signal(ctx context.Context, cc *CommandContext, in *Interpreter, execution *models.Execution, _ *models.Node, payload map[string]any) error {
	for name, value := range payload {
		execution.SetVariable(name, value)
	}

	err := cc.Tx.SaveExecution(ctx, execution)
	if err != nil {
		return err
	}

	err = cc.Jobs.CancelBoundaryTimers(ctx, cc.Tx, execution.ID)
	if err != nil {
		return err
	}

	return in.Leave(ctx, cc, execution)
}

// timerCatchBehavior parks the token behind a timer job. The timer-fire
// handler signals the execution when the due date passes.
type timerCatchBehavior struct{}

func (timerCatchBehavior) Enter(ctx context.Context, cc *CommandContext, _ *Interpreter, execution *models.Execution, node *models.Node) error {
	if node.Timer == nil {
		return fmt.Errorf("timer node %s has no timer specification", node.ID)
	}

	due, err := timerDue(cc.Clock.Now(), *node.Timer)
	if err != nil {
		return fmt.Errorf("timer node %s: %w", node.ID, err)
	}

	job := cc.Jobs.CreateJob()
	job.Type = models.JobTypeTimer
	job.ExecutionID = execution.ID
	job.ProcessInstanceID = execution.ProcessInstanceID
	job.ProcessDefinitionID = execution.ProcessDefinitionID
	job.HandlerType = HandlerTimerFire
	job.HandlerConfig = node.ID

	err = cc.Jobs.ScheduleTimer(ctx, cc.Tx, job, due)
	if err != nil {
		return err
	}

	dispatchJobScheduled(ctx, cc, job)

	return nil
}

func (timerCatchBehavior) Signal(ctx context.Context, cc *CommandContext, in *Interpreter, execution *models.Execution, _ *models.Node, _ map[string]any) error {
	return in.Leave(ctx, cc, execution)
}

// exclusiveGatewayBehavior routes the token onto the first outgoing
// transition whose condition holds, in declaration order.
type exclusiveGatewayBehavior struct{}

func (exclusiveGatewayBehavior) Enter(ctx context.Context, cc *CommandContext, in *Interpreter, execution *models.Execution, node *models.Node) error {
	def, err := cc.Definition(ctx, execution)
	if err != nil {
		return err
	}

	completed := events.ActivityCompleted{
		ExecutionID:  execution.ID,
		ActivityID:   node.ID,
		ActivityName: node.Name,
		ActivityKind: string(node.Kind),
	}
	cc.Dispatch(ctx, &completed.BaseEvent, events.ActivityCompletedEvent, execution.ProcessInstanceID, &completed)

	resolver := &scopeResolver{ctx: ctx, tx: cc.Tx, execution: execution}

	for _, transition := range def.Outgoing(node.ID) {
		ok, err := in.conditions.Evaluate(transition.Condition, resolver)
		if err != nil {
			return fmt.Errorf("condition of transition %s: %w", transition.ID, err)
		}

		if ok {
			return in.Take(ctx, cc, execution, transition)
		}
	}

	return fmt.Errorf("exclusive gateway %s: no outgoing transition satisfied its condition", node.ID)
}

func (exclusiveGatewayBehavior) Signal(_ context.Context, _ *CommandContext, _ *Interpreter, execution *models.Execution, node *models.Node, _ map[string]any) error {
	return fmt.Errorf("exclusive gateway %s is not a wait state, cannot signal execution %s", node.ID, execution.ID)
}

// parallelGatewayBehavior forks on the way out and joins on the way in. A
// non-concurrent token, or a gateway with a single incoming flow, passes
// straight through.
type parallelGatewayBehavior struct{}

func (parallelGatewayBehavior) Enter(ctx context.Context, cc *CommandContext, in *Interpreter, execution *models.Execution, node *models.Node) error {
	def, err := cc.Definition(ctx, execution)
	if err != nil {
		return err
	}

	incoming := def.Incoming(node.ID)
	if len(incoming) <= 1 || !execution.IsConcurrent {
		return in.Leave(ctx, cc, execution)
	}

	_, err = in.joinOrWait(ctx, cc, execution, node, len(incoming))

	return err
}

func (parallelGatewayBehavior) Signal(_ context.Context, _ *CommandContext, _ *Interpreter, execution *models.Execution, node *models.Node, _ map[string]any) error {
	return fmt.Errorf("parallel gateway %s is not a wait state, cannot signal execution %s", node.ID, execution.ID)
}

func scheduleBoundaryTimers(ctx context.Context, cc *CommandContext, execution *models.Execution, node *models.Node) error {
	for _, boundary := range node.BoundaryTimers {
		due, err := timerDue(cc.Clock.Now(), boundary.Timer)
		if err != nil {
			return fmt.Errorf("boundary timer %s of node %s: %w", boundary.ID, node.ID, err)
		}

		job := cc.Jobs.CreateJob()
		job.Type = models.JobTypeBoundaryTimer
		job.ExecutionID = execution.ID
		job.ProcessInstanceID = execution.ProcessInstanceID
		job.ProcessDefinitionID = execution.ProcessDefinitionID
		job.HandlerType = HandlerBoundaryTimerFire
		job.HandlerConfig = boundary.ID

		err = cc.Jobs.ScheduleTimer(ctx, cc.Tx, job, due)
		if err != nil {
			return err
		}

		dispatchJobScheduled(ctx, cc, job)
	}

	return nil
}

// timerDue resolves a timer specification to an absolute due date relative to
// the engine clock.
func timerDue(now time.Time, spec models.TimerSpec) (time.Time, error) {
	if spec.Duration != "" {
		d, err := time.ParseDuration(spec.Duration)
		if err != nil {
			return time.Time{}, fmt.Errorf("invalid duration %q: %w", spec.Duration, err)
		}

		return now.Add(d), nil
	}

	if spec.Cycle != "" {
		schedule, err := cron.ParseStandard(spec.Cycle)
		if err != nil {
			return time.Time{}, fmt.Errorf("invalid cron expression %q: %w", spec.Cycle, err)
		}

		return schedule.Next(now), nil
	}

	return time.Time{}, fmt.Errorf("timer specification has neither duration nor cycle")
}

func dispatchJobScheduled(ctx context.Context, cc *CommandContext, job *models.Job) {
	scheduled := events.JobScheduled{
		JobID:       job.ID,
		JobType:     string(job.Type),
		HandlerType: job.HandlerType,
		DueDate:     job.DueDate,
	}
	cc.Dispatch(ctx, &scheduled.BaseEvent, events.JobScheduledEvent, job.ProcessInstanceID, &scheduled)
}
