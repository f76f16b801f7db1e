// Package models defines the core domain models for token-based process
// execution: executions, jobs, process definitions and deployments.
package models

import (
	"time"
)

// Execution is one token of control within a process instance. The root
// execution of an instance is its own process instance (ProcessInstanceID ==
// ID); every other execution belongs to exactly one parent.
type Execution struct {
	ID                  string         `json:"id"                             validate:"required"`
	ProcessInstanceID   string         `json:"process_instance_id"            validate:"required"`
	ProcessDefinitionID string         `json:"process_definition_id"          validate:"required"`
	ParentID            string         `json:"parent_id,omitempty"`
	CurrentActivityID   string         `json:"current_activity_id,omitempty"` // empty when inactive/scope-only
	IsActive            bool           `json:"is_active"`
	IsConcurrent        bool           `json:"is_concurrent"`
	IsScope             bool           `json:"is_scope"`
	ChildIDs            []string       `json:"child_ids,omitempty"`
	Variables           map[string]any `json:"variables,omitempty"`
	Revision            int            `json:"revision"`
	CreatedAt           time.Time      `json:"created_at"`
}

// IsProcessInstance reports whether this execution is the root of its tree.
func (e *Execution) IsProcessInstance() bool {
	return e.ParentID == ""
}

// GetVariable resolves name against this execution's scope. Scope inheritance
// across the tree is resolved by the interpreter, which walks parents; this
// method only consults the local map.
func (e *Execution) GetVariable(name string) (any, bool) {
	if e.Variables == nil {
		return nil, false
	}

	v, ok := e.Variables[name]

	return v, ok
}

// SetVariable writes into the local scope.
func (e *Execution) SetVariable(name string, value any) {
	if e.Variables == nil {
		e.Variables = make(map[string]any)
	}

	e.Variables[name] = value
}

// RemoveChild drops id from ChildIDs. It is a no-op when id is absent.
func (e *Execution) RemoveChild(id string) {
	for i, c := range e.ChildIDs {
		if c == id {
			e.ChildIDs = append(e.ChildIDs[:i], e.ChildIDs[i+1:]...)

			return
		}
	}
}

// Clone returns a deep copy. Stores hand out clones so callers never alias
// committed state.
func (e *Execution) Clone() *Execution {
	clone := *e

	if e.ChildIDs != nil {
		clone.ChildIDs = append([]string(nil), e.ChildIDs...)
	}

	if e.Variables != nil {
		clone.Variables = make(map[string]any, len(e.Variables))
		for k, v := range e.Variables {
			clone.Variables[k] = v
		}
	}

	return &clone
}
