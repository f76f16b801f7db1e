package engine

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/procflow/procflow/pkg/events"
	"github.com/procflow/procflow/pkg/models"
	"github.com/procflow/procflow/pkg/persistence"
)

// Interpreter walks execution tokens across the process graph. All methods
// mutate state through the command context's transaction; nothing becomes
// visible until the surrounding command commits.
type Interpreter struct {
	logger     *slog.Logger
	conditions models.ConditionInterpreter
	delegates  *DelegateRegistry
}

func NewInterpreter(delegates *DelegateRegistry, logger *slog.Logger) *Interpreter {
	return &Interpreter{
		logger:    logger.With("module", "interpreter"),
		delegates: delegates,
	}
}

// Take moves execution along transition to its target node and enters it.
// The execution must be active and positioned at the transition's source (or
// be a freshly created concurrent child of an execution positioned there).
func (i *Interpreter) Take(ctx context.Context, cc *CommandContext, execution *models.Execution, transition *models.Transition) error {
	if !execution.IsActive {
		return fmt.Errorf("execution %s is not active, cannot take transition %s", execution.ID, transition.ID)
	}

	def, err := cc.Definition(ctx, execution)
	if err != nil {
		return err
	}

	source := def.NodeByID(transition.SourceID)
	if source == nil {
		return fmt.Errorf("transition %s leaves unknown node %s", transition.ID, transition.SourceID)
	}

	target := def.NodeByID(transition.TargetID)
	if target == nil {
		return fmt.Errorf("transition %s targets unknown node %s", transition.ID, transition.TargetID)
	}

	execution.CurrentActivityID = target.ID

	err = cc.Tx.SaveExecution(ctx, execution)
	if err != nil {
		return err
	}

	flowTaken := events.SequenceFlowTaken{
		ExecutionID:    execution.ID,
		TransitionID:   transition.ID,
		TransitionName: transition.Name,
		SourceID:       source.ID,
		SourceName:     source.Name,
		SourceKind:     string(source.Kind),
		TargetID:       target.ID,
		TargetName:     target.Name,
		TargetKind:     string(target.Kind),
	}
	cc.Dispatch(ctx, &flowTaken.BaseEvent, events.SequenceFlowTakenEvent, execution.ProcessInstanceID, &flowTaken)

	return i.EnterNode(ctx, cc, execution, target)
}

// EnterNode fires the activity-started event and dispatches to the node
// kind's behavior.
func (i *Interpreter) EnterNode(ctx context.Context, cc *CommandContext, execution *models.Execution, node *models.Node) error {
	started := events.ActivityStarted{
		ExecutionID:  execution.ID,
		ActivityID:   node.ID,
		ActivityName: node.Name,
		ActivityKind: string(node.Kind),
	}
	cc.Dispatch(ctx, &started.BaseEvent, events.ActivityStartedEvent, execution.ProcessInstanceID, &started)

	behavior, err := behaviorFor(node.Kind)
	if err != nil {
		return err
	}

	return behavior.Enter(ctx, cc, i, execution, node)
}

// Signal resumes an execution parked at a wait state (receive task, timer
// catch) with an optional payload merged into its variable scope.
func (i *Interpreter) Signal(ctx context.Context, cc *CommandContext, execution *models.Execution, payload map[string]any) error {
	if !execution.IsActive || execution.CurrentActivityID == "" {
		return fmt.Errorf("execution %s is not waiting at an activity", execution.ID)
	}

	def, err := cc.Definition(ctx, execution)
	if err != nil {
		return err
	}

	node := def.NodeByID(execution.CurrentActivityID)
	if node == nil {
		return fmt.Errorf("execution %s references unknown activity %s", execution.ID, execution.CurrentActivityID)
	}

	behavior, err := behaviorFor(node.Kind)
	if err != nil {
		return err
	}

	return behavior.Signal(ctx, cc, i, execution, node, payload)
}

// Leave applies the default outgoing behavior of the execution's current
// node: continue on a single satisfied transition, fork on several, end on
// none.
func (i *Interpreter) Leave(ctx context.Context, cc *CommandContext, execution *models.Execution) error {
	return i.leave(ctx, cc, execution, false)
}

// LeaveIgnoringConditions takes every outgoing transition regardless of its
// condition. Used for default and error terminations.
func (i *Interpreter) LeaveIgnoringConditions(ctx context.Context, cc *CommandContext, execution *models.Execution) error {
	return i.leave(ctx, cc, execution, true)
}

func (i *Interpreter) leave(ctx context.Context, cc *CommandContext, execution *models.Execution, ignoreConditions bool) error {
	def, err := cc.Definition(ctx, execution)
	if err != nil {
		return err
	}

	node := def.NodeByID(execution.CurrentActivityID)
	if node == nil {
		return fmt.Errorf("execution %s is not positioned at a node", execution.ID)
	}

	completed := events.ActivityCompleted{
		ExecutionID:  execution.ID,
		ActivityID:   node.ID,
		ActivityName: node.Name,
		ActivityKind: string(node.Kind),
	}
	cc.Dispatch(ctx, &completed.BaseEvent, events.ActivityCompletedEvent, execution.ProcessInstanceID, &completed)

	outgoing := def.Outgoing(node.ID)
	if len(outgoing) == 0 {
		return i.End(ctx, cc, execution)
	}

	// Conditions are evaluated before any token is created: a transition
	// with a false condition produces no child at all.
	selected, err := i.selectTransitions(ctx, cc, execution, outgoing, ignoreConditions)
	if err != nil {
		return err
	}

	if len(selected) == 0 {
		return fmt.Errorf("no outgoing transition of node %s satisfied its condition", node.ID)
	}

	if len(outgoing) == 1 {
		return i.Take(ctx, cc, execution, selected[0])
	}

	return i.fork(ctx, cc, execution, node, selected)
}

func (i *Interpreter) selectTransitions(ctx context.Context, cc *CommandContext, execution *models.Execution, outgoing []*models.Transition, ignoreConditions bool) ([]*models.Transition, error) {
	if ignoreConditions {
		return outgoing, nil
	}

	resolver := &scopeResolver{ctx: ctx, tx: cc.Tx, execution: execution}

	var selected []*models.Transition

	for _, transition := range outgoing {
		ok, err := i.conditions.Evaluate(transition.Condition, resolver)
		if err != nil {
			return nil, fmt.Errorf("condition of transition %s: %w", transition.ID, err)
		}

		if ok {
			selected = append(selected, transition)
		}
	}

	return selected, nil
}

// fork deactivates the current execution into a scope token and spawns one
// concurrent child per selected transition, in declaration order.
func (i *Interpreter) fork(ctx context.Context, cc *CommandContext, execution *models.Execution, node *models.Node, selected []*models.Transition) error {
	execution.IsActive = false
	execution.IsScope = true
	execution.CurrentActivityID = node.ID

	children := make([]*models.Execution, 0, len(selected))

	for range selected {
		child := &models.Execution{
			ID:                  newExecutionID(),
			ProcessInstanceID:   execution.ProcessInstanceID,
			ProcessDefinitionID: execution.ProcessDefinitionID,
			ParentID:            execution.ID,
			IsActive:            true,
			IsConcurrent:        true,
			CreatedAt:           cc.Clock.Now(),
		}
		execution.ChildIDs = append(execution.ChildIDs, child.ID)
		children = append(children, child)
	}

	err := cc.Tx.SaveExecution(ctx, execution)
	if err != nil {
		return err
	}

	for idx, child := range children {
		err = cc.Tx.SaveExecution(ctx, child)
		if err != nil {
			return err
		}

		created := events.ExecutionCreated{
			ExecutionID: child.ID,
			ParentID:    execution.ID,
		}
		cc.Dispatch(ctx, &created.BaseEvent, events.ExecutionCreatedEvent, execution.ProcessInstanceID, &created)

		err = i.Take(ctx, cc, child, selected[idx])
		if err != nil {
			return err
		}
	}

	return nil
}

// joinOrWait implements the join half of a parallel gateway: the arriving
// execution parks at the gateway; when the last expected sibling arrives the
// siblings collapse into the parent scope, which resumes from the gateway.
func (i *Interpreter) joinOrWait(ctx context.Context, cc *CommandContext, execution *models.Execution, node *models.Node, expected int) (bool, error) {
	execution.IsActive = false
	execution.CurrentActivityID = node.ID

	err := cc.Tx.SaveExecution(ctx, execution)
	if err != nil {
		return false, err
	}

	siblings, err := i.arrivedSiblings(ctx, cc, execution, node.ID)
	if err != nil {
		return false, err
	}

	if len(siblings) < expected {
		return false, nil
	}

	parent, err := cc.Tx.ExecutionByID(ctx, execution.ParentID)
	if err != nil {
		return false, err
	}

	for _, sibling := range siblings {
		err = i.deleteTree(ctx, cc, sibling)
		if err != nil {
			return false, err
		}

		parent.RemoveChild(sibling.ID)
	}

	parent.IsActive = true
	parent.CurrentActivityID = node.ID

	err = cc.Tx.SaveExecution(ctx, parent)
	if err != nil {
		return false, err
	}

	return true, i.Leave(ctx, cc, parent)
}

func (i *Interpreter) arrivedSiblings(ctx context.Context, cc *CommandContext, execution *models.Execution, nodeID string) ([]*models.Execution, error) {
	all, err := cc.Tx.Executions(ctx, persistence.ExecutionQuery{
		ParentID:          execution.ParentID,
		CurrentActivityID: nodeID,
	})
	if err != nil {
		return nil, err
	}

	var arrived []*models.Execution

	for _, sibling := range all {
		if !sibling.IsActive {
			arrived = append(arrived, sibling)
		}
	}

	return arrived, nil
}

// End terminates an execution that reached a node with no outgoing
// transitions. The last execution of an instance completes the process.
func (i *Interpreter) End(ctx context.Context, cc *CommandContext, execution *models.Execution) error {
	err := i.deleteTree(ctx, cc, execution)
	if err != nil {
		return err
	}

	if execution.IsProcessInstance() {
		completed := events.ProcessCompleted{
			ProcessDefinitionID: execution.ProcessDefinitionID,
		}
		cc.Dispatch(ctx, &completed.BaseEvent, events.ProcessCompletedEvent, execution.ProcessInstanceID, &completed)

		return nil
	}

	parent, err := cc.Tx.ExecutionByID(ctx, execution.ParentID)
	if err != nil {
		return err
	}

	parent.RemoveChild(execution.ID)

	err = cc.Tx.SaveExecution(ctx, parent)
	if err != nil {
		return err
	}

	// A scope whose last child ended without a join has nothing left to
	// wait for; it ends as well.
	if len(parent.ChildIDs) == 0 && !parent.IsActive {
		return i.End(ctx, cc, parent)
	}

	return nil
}

// deleteTree removes an execution and all descendants, canceling every job
// that references any of them. Deletion never orphans a job.
func (i *Interpreter) deleteTree(ctx context.Context, cc *CommandContext, execution *models.Execution) error {
	for _, childID := range execution.ChildIDs {
		child, err := cc.Tx.ExecutionByID(ctx, childID)
		if err != nil {
			continue
		}

		err = i.deleteTree(ctx, cc, child)
		if err != nil {
			return err
		}
	}

	err := cc.Jobs.CancelByExecution(ctx, cc.Tx, execution.ID)
	if err != nil {
		return err
	}

	err = cc.Tx.DeleteExecution(ctx, execution.ID)
	if err != nil {
		return err
	}

	deleted := events.ExecutionDeleted{
		ExecutionID: execution.ID,
	}
	cc.Dispatch(ctx, &deleted.BaseEvent, events.ExecutionDeletedEvent, execution.ProcessInstanceID, &deleted)

	return nil
}

func newExecutionID() string {
	return "exec-" + uuid.New().String()[:8]
}
