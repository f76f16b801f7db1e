package models

import (
	"time"
)

// JobType distinguishes the kinds of deferred work the job subsystem tracks.
type JobType string

const (
	JobTypeTimer         JobType = "timer"          // due-date gated, may repeat
	JobTypeMessage       JobType = "message"        // async continuation, due immediately
	JobTypeBoundaryTimer JobType = "boundary-timer" // timer attached to a running activity
	JobTypeSuspended     JobType = "suspended"      // parked execution awaiting operator action
)

// DefaultJobRetries is the retry budget assigned to newly created jobs.
const DefaultJobRetries = 3

// Job is a unit of deferred or asynchronous work. A job conceptually lives in
// one of three queues: timer (future due date), executable (due, retries left,
// unlocked) and dead-letter (retries exhausted or explicitly parked). The
// queues are query predicates over these fields, not separate tables.
type Job struct {
	ID                  string     `json:"id"                              validate:"required"`
	Type                JobType    `json:"type"                            validate:"required"`
	ExecutionID         string     `json:"execution_id,omitempty"`
	ProcessInstanceID   string     `json:"process_instance_id,omitempty"`
	ProcessDefinitionID string     `json:"process_definition_id,omitempty"`
	DueDate             *time.Time `json:"due_date,omitempty"` // nil means executable immediately
	Retries             int        `json:"retries"`
	LockOwner           string     `json:"lock_owner,omitempty"`
	LockExpirationTime  *time.Time `json:"lock_expiration_time,omitempty"`
	ExceptionMessage    string     `json:"exception_message,omitempty"`
	ExceptionStacktrace string     `json:"exception_stacktrace,omitempty"`
	HandlerType         string     `json:"handler_type"                    validate:"required"`
	HandlerConfig       string     `json:"handler_config,omitempty"`
	Repeat              string     `json:"repeat,omitempty"` // cron expression for recurring timers
	Suspended           bool       `json:"suspended"`        // explicitly dead-lettered by an operator
	Revision            int        `json:"revision"`
	CreatedAt           time.Time  `json:"created_at"`
}

// Executable reports whether the job may be handed to a worker at the given
// engine time: due, retries left, not parked and not held by a live lock.
func (j *Job) Executable(now time.Time) bool {
	if j.Suspended || j.Retries <= 0 {
		return false
	}

	if j.DueDate != nil && j.DueDate.After(now) {
		return false
	}

	return !j.Locked(now)
}

// Locked reports whether a lock owner currently holds this job.
func (j *Job) Locked(now time.Time) bool {
	if j.LockOwner == "" {
		return false
	}

	return j.LockExpirationTime != nil && j.LockExpirationTime.After(now)
}

// DeadLetter reports whether the job sits in the dead-letter queue.
func (j *Job) DeadLetter() bool {
	return j.Suspended || j.Retries <= 0
}

// ClearLock releases lock ownership without touching anything else.
func (j *Job) ClearLock() {
	j.LockOwner = ""
	j.LockExpirationTime = nil
}

// Clone returns a deep copy.
func (j *Job) Clone() *Job {
	clone := *j

	if j.DueDate != nil {
		due := *j.DueDate
		clone.DueDate = &due
	}

	if j.LockExpirationTime != nil {
		exp := *j.LockExpirationTime
		clone.LockExpirationTime = &exp
	}

	return &clone
}
