package models

import (
	"time"
)

// NodeKind is the closed set of node types the interpreter knows how to
// execute. Behavior dispatch happens over this tag, not over a type
// hierarchy.
type NodeKind string

const (
	NodeKindStart            NodeKind = "start"
	NodeKindEnd              NodeKind = "end"
	NodeKindServiceTask      NodeKind = "service-task"
	NodeKindReceiveTask      NodeKind = "receive-task"
	NodeKindExclusiveGateway NodeKind = "exclusive-gateway"
	NodeKindParallelGateway  NodeKind = "parallel-gateway"
	NodeKindTimerCatch       NodeKind = "timer-catch"
)

// TimerSpec configures a timer node or an attached boundary timer. Exactly
// one of Duration or Cycle is expected; Cycle is a cron expression and makes
// the timer recurring.
type TimerSpec struct {
	Duration string `json:"duration,omitempty"` // Go duration string, e.g. "1h"
	Cycle    string `json:"cycle,omitempty"`    // cron expression for repeating timers
}

// BoundaryTimer attaches an interrupting timer to an activity node.
type BoundaryTimer struct {
	ID           string    `json:"id"    validate:"required"`
	Timer        TimerSpec `json:"timer" validate:"required"`
	TransitionID string    `json:"transition_id,omitempty"` // flow taken when the timer fires
}

// Node is one vertex of the executable process graph.
type Node struct {
	ID             string          `json:"id"   validate:"required"`
	Name           string          `json:"name"`
	Kind           NodeKind        `json:"kind" validate:"required"`
	Async          bool            `json:"async,omitempty"` // enter via async-continuation job
	HandlerType    string          `json:"handler_type,omitempty"`
	HandlerConfig  string          `json:"handler_config,omitempty"`
	Timer          *TimerSpec      `json:"timer,omitempty"`
	BoundaryTimers []BoundaryTimer `json:"boundary_timers,omitempty"`
}

// Transition is a directed sequence flow between two nodes. An empty
// Condition always evaluates true.
type Transition struct {
	ID        string `json:"id"        validate:"required"`
	Name      string `json:"name"`
	SourceID  string `json:"source_id" validate:"required"`
	TargetID  string `json:"target_id" validate:"required"`
	Condition string `json:"condition,omitempty"`
}

// ProcessDefinition is an immutable parsed executable graph. Definition IDs
// are never reused: redeploying a process key produces a new version with a
// new ID, so cached graphs can never be stale.
type ProcessDefinition struct {
	ID           string        `json:"id"            validate:"required"`
	Key          string        `json:"key"           validate:"required,min=3"`
	Name         string        `json:"name"`
	Version      int           `json:"version"`
	DeploymentID string        `json:"deployment_id" validate:"required"`
	Nodes        []*Node       `json:"nodes"         validate:"required,min=2,dive"`
	Transitions  []*Transition `json:"transitions"   validate:"dive"`
	CreatedAt    time.Time     `json:"created_at"`
}

// NodeByID returns the node with the given id, or nil.
func (d *ProcessDefinition) NodeByID(id string) *Node {
	for _, n := range d.Nodes {
		if n.ID == id {
			return n
		}
	}

	return nil
}

// TransitionByID returns the transition with the given id, or nil.
func (d *ProcessDefinition) TransitionByID(id string) *Transition {
	for _, t := range d.Transitions {
		if t.ID == id {
			return t
		}
	}

	return nil
}

// Outgoing returns the transitions leaving nodeID in declaration order. Fork
// fan-out and condition evaluation follow this order.
func (d *ProcessDefinition) Outgoing(nodeID string) []*Transition {
	var out []*Transition

	for _, t := range d.Transitions {
		if t.SourceID == nodeID {
			out = append(out, t)
		}
	}

	return out
}

// Incoming returns the transitions entering nodeID in declaration order.
func (d *ProcessDefinition) Incoming(nodeID string) []*Transition {
	var in []*Transition

	for _, t := range d.Transitions {
		if t.TargetID == nodeID {
			in = append(in, t)
		}
	}

	return in
}

// InitialNode returns the start node of the graph, or nil when the graph has
// none (which the parser rejects).
func (d *ProcessDefinition) InitialNode() *Node {
	for _, n := range d.Nodes {
		if n.Kind == NodeKindStart {
			return n
		}
	}

	return nil
}
