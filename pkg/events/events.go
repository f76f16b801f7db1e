// Package events defines the typed lifecycle events the engine emits while
// interpreting process graphs and executing jobs.
package events

import (
	"time"
)

type EventType string

// Topic is the bus topic engine events are relayed onto.
const Topic = "procflow.events"

const EventMetadataKey = "key"
const EventTypeMetadataKey = "event_type"

const (
	// Process instance lifecycle.
	ProcessStartedEvent   EventType = "process.started"
	ProcessCompletedEvent EventType = "process.completed"
	ProcessDeletedEvent   EventType = "process.deleted"

	// Graph traversal.
	ActivityStartedEvent    EventType = "activity.started"
	ActivityCompletedEvent  EventType = "activity.completed"
	SequenceFlowTakenEvent  EventType = "sequence_flow.taken"
	ExecutionCreatedEvent   EventType = "execution.created"
	ExecutionDeletedEvent   EventType = "execution.deleted"

	// Job lifecycle.
	JobScheduledEvent        EventType = "job.scheduled"
	JobExecutedEvent         EventType = "job.executed"
	JobFailedEvent           EventType = "job.failed"
	JobRetriesExhaustedEvent EventType = "job.retries.exhausted"
)

// Event is implemented by every engine event.
type Event interface {
	GetType() EventType
}

type BaseEvent struct {
	ID                string    `json:"id"`
	Type              EventType `json:"type"`
	Timestamp         time.Time `json:"timestamp"`
	ProcessInstanceID string    `json:"process_instance_id,omitempty"`
}

type ProcessStarted struct {
	BaseEvent

	ProcessDefinitionID string         `json:"process_definition_id"`
	Variables           map[string]any `json:"variables,omitempty"`
}

func (e ProcessStarted) GetType() EventType { return ProcessStartedEvent }

type ProcessCompleted struct {
	BaseEvent

	ProcessDefinitionID string `json:"process_definition_id"`
}

func (e ProcessCompleted) GetType() EventType { return ProcessCompletedEvent }

type ProcessDeleted struct {
	BaseEvent

	Reason string `json:"reason,omitempty"`
}

func (e ProcessDeleted) GetType() EventType { return ProcessDeletedEvent }

type ActivityStarted struct {
	BaseEvent

	ExecutionID  string `json:"execution_id"`
	ActivityID   string `json:"activity_id"`
	ActivityName string `json:"activity_name,omitempty"`
	ActivityKind string `json:"activity_kind"`
}

func (e ActivityStarted) GetType() EventType { return ActivityStartedEvent }

type ActivityCompleted struct {
	BaseEvent

	ExecutionID  string `json:"execution_id"`
	ActivityID   string `json:"activity_id"`
	ActivityName string `json:"activity_name,omitempty"`
	ActivityKind string `json:"activity_kind"`
}

func (e ActivityCompleted) GetType() EventType { return ActivityCompletedEvent }

// SequenceFlowTaken carries the full source/target endpoints of the flow, so
// listeners do not need graph access to interpret it.
type SequenceFlowTaken struct {
	BaseEvent

	ExecutionID    string `json:"execution_id"`
	TransitionID   string `json:"transition_id"`
	TransitionName string `json:"transition_name,omitempty"`
	SourceID       string `json:"source_id"`
	SourceName     string `json:"source_name,omitempty"`
	SourceKind     string `json:"source_kind"`
	TargetID       string `json:"target_id"`
	TargetName     string `json:"target_name,omitempty"`
	TargetKind     string `json:"target_kind"`
}

func (e SequenceFlowTaken) GetType() EventType { return SequenceFlowTakenEvent }

type ExecutionCreated struct {
	BaseEvent

	ExecutionID string `json:"execution_id"`
	ParentID    string `json:"parent_id,omitempty"`
}

func (e ExecutionCreated) GetType() EventType { return ExecutionCreatedEvent }

type ExecutionDeleted struct {
	BaseEvent

	ExecutionID string `json:"execution_id"`
}

func (e ExecutionDeleted) GetType() EventType { return ExecutionDeletedEvent }

type JobScheduled struct {
	BaseEvent

	JobID       string     `json:"job_id"`
	JobType     string     `json:"job_type"`
	HandlerType string     `json:"handler_type"`
	DueDate     *time.Time `json:"due_date,omitempty"`
}

func (e JobScheduled) GetType() EventType { return JobScheduledEvent }

type JobExecuted struct {
	BaseEvent

	JobID       string        `json:"job_id"`
	HandlerType string        `json:"handler_type"`
	WorkerID    string        `json:"worker_id,omitempty"`
	Duration    time.Duration `json:"duration"`
}

func (e JobExecuted) GetType() EventType { return JobExecutedEvent }

type JobFailed struct {
	BaseEvent

	JobID            string `json:"job_id"`
	HandlerType      string `json:"handler_type"`
	WorkerID         string `json:"worker_id,omitempty"`
	Error            string `json:"error"`
	RetriesRemaining int    `json:"retries_remaining"`
}

func (e JobFailed) GetType() EventType { return JobFailedEvent }

type JobRetriesExhausted struct {
	BaseEvent

	JobID       string `json:"job_id"`
	HandlerType string `json:"handler_type"`
	Error       string `json:"error"`
}

func (e JobRetriesExhausted) GetType() EventType { return JobRetriesExhaustedEvent }
