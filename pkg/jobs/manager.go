// Package jobs implements the asynchronous job subsystem: scheduling,
// competitive lock acquisition, retry bookkeeping with dead-lettering, and
// the worker pool that executes due jobs.
package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/procflow/procflow/pkg/clock"
	"github.com/procflow/procflow/pkg/events"
	"github.com/procflow/procflow/pkg/models"
	"github.com/procflow/procflow/pkg/persistence"
)

// Manager owns the job lifecycle outside of execution: scheduling inside
// engine transactions and the operator operations that run in transactions of
// their own. It satisfies the engine's scheduler contract.
type Manager struct {
	store  persistence.Store
	clock  clock.Clock
	events *events.Dispatcher
	logger *slog.Logger
}

func NewManager(store persistence.Store, clk clock.Clock, dispatcher *events.Dispatcher, logger *slog.Logger) *Manager {
	return &Manager{
		store:  store,
		clock:  clk,
		events: dispatcher,
		logger: logger.With("module", "job_manager"),
	}
}

// CreateJob allocates an unpersisted job with the default retry budget.
func (m *Manager) CreateJob() *models.Job {
	return &models.Job{
		ID:        "job-" + uuid.New().String()[:8],
		Retries:   models.DefaultJobRetries,
		CreatedAt: m.clock.Now(),
	}
}

// ScheduleAsync persists a job with no due date: it is executable as soon as
// the surrounding transaction commits.
func (m *Manager) ScheduleAsync(ctx context.Context, tx persistence.Tx, job *models.Job) error {
	err := validateJob(job)
	if err != nil {
		return err
	}

	job.DueDate = nil

	return tx.SaveJob(ctx, job)
}

// ScheduleTimer persists a job gated behind an absolute due date.
func (m *Manager) ScheduleTimer(ctx context.Context, tx persistence.Tx, job *models.Job, due time.Time) error {
	err := validateJob(job)
	if err != nil {
		return err
	}

	job.DueDate = &due

	return tx.SaveJob(ctx, job)
}

// CancelByExecution deletes every job referencing the execution, dead-letter
// jobs included. Execution deletion never orphans a job.
func (m *Manager) CancelByExecution(ctx context.Context, tx persistence.Tx, executionID string) error {
	return m.cancelMatching(ctx, tx, persistence.JobQuery{
		ExecutionID:       executionID,
		IncludeDeadLetter: true,
	})
}

// CancelBoundaryTimers deletes the execution's pending boundary-timer jobs
// and nothing else.
func (m *Manager) CancelBoundaryTimers(ctx context.Context, tx persistence.Tx, executionID string) error {
	return m.cancelMatching(ctx, tx, persistence.JobQuery{
		ExecutionID:       executionID,
		Type:              models.JobTypeBoundaryTimer,
		IncludeDeadLetter: true,
	})
}

// CancelByProcessInstance deletes every job of a process instance.
func (m *Manager) CancelByProcessInstance(ctx context.Context, tx persistence.Tx, processInstanceID string) error {
	return m.cancelMatching(ctx, tx, persistence.JobQuery{
		ProcessInstanceID: processInstanceID,
		IncludeDeadLetter: true,
	})
}

func (m *Manager) cancelMatching(ctx context.Context, tx persistence.Tx, query persistence.JobQuery) error {
	jobs, err := tx.Jobs(ctx, query)
	if err != nil {
		return err
	}

	for _, job := range jobs {
		err = tx.DeleteJob(ctx, job.ID)
		if err != nil {
			return err
		}
	}

	return nil
}

// Cancel deletes a single job in its own transaction. Canceling a job that no
// longer exists is not an error.
func (m *Manager) Cancel(ctx context.Context, jobID string) error {
	return m.inTx(ctx, func(tx persistence.Tx) error {
		_, err := tx.JobByID(ctx, jobID)
		if persistence.IsNotFound(err) {
			return nil
		}

		if err != nil {
			return err
		}

		return tx.DeleteJob(ctx, jobID)
	})
}

// SetRetries overwrites a job's remaining retry budget. Setting a positive
// budget on a retries-exhausted job moves it back into the executable queue.
func (m *Manager) SetRetries(ctx context.Context, jobID string, retries int) error {
	if retries < 0 {
		return fmt.Errorf("retries must not be negative, got %d: %w", retries, persistence.ErrIllegalArgument)
	}

	return m.inTx(ctx, func(tx persistence.Tx) error {
		job, err := tx.JobByID(ctx, jobID)
		if err != nil {
			return err
		}

		job.Retries = retries

		return tx.SaveJob(ctx, job)
	})
}

// MoveToDeadLetter parks a job so no worker picks it up until an operator
// restores it.
func (m *Manager) MoveToDeadLetter(ctx context.Context, jobID string) error {
	return m.inTx(ctx, func(tx persistence.Tx) error {
		job, err := tx.JobByID(ctx, jobID)
		if err != nil {
			return err
		}

		job.Suspended = true
		job.ClearLock()

		return tx.SaveJob(ctx, job)
	})
}

// MoveDeadLetterToExecutable restores a dead-letter job with a fresh retry
// budget. The due date and captured exception are cleared, so the job is
// immediately executable again.
func (m *Manager) MoveDeadLetterToExecutable(ctx context.Context, jobID string, retries int) error {
	if retries <= 0 {
		return fmt.Errorf("restoring a dead-letter job requires a positive retry budget, got %d: %w", retries, persistence.ErrIllegalArgument)
	}

	return m.inTx(ctx, func(tx persistence.Tx) error {
		job, err := tx.JobByID(ctx, jobID)
		if err != nil {
			return err
		}

		if !job.DeadLetter() {
			return fmt.Errorf("job %s is not in the dead-letter queue: %w", jobID, persistence.ErrIllegalArgument)
		}

		job.Suspended = false
		job.Retries = retries
		job.DueDate = nil
		job.ExceptionMessage = ""
		job.ExceptionStacktrace = ""
		job.ClearLock()

		return tx.SaveJob(ctx, job)
	})
}

func (m *Manager) inTx(ctx context.Context, fn func(tx persistence.Tx) error) error {
	tx, err := m.store.Begin(ctx)
	if err != nil {
		return err
	}

	err = fn(tx)
	if err != nil {
		_ = tx.Rollback(ctx)

		return err
	}

	return tx.Commit(ctx)
}

func validateJob(job *models.Job) error {
	if job.ID == "" || job.Type == "" || job.HandlerType == "" {
		return fmt.Errorf("job requires id, type and handler type: %w", persistence.ErrIllegalArgument)
	}

	return nil
}
