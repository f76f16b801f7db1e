package jobs

import (
	"context"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/procflow/procflow/pkg/clock"
	"github.com/procflow/procflow/pkg/events"
	"github.com/procflow/procflow/pkg/models"
	"github.com/procflow/procflow/pkg/persistence"
	"github.com/robfig/cron/v3"
)

const (
	// DefaultWorkerCount is the size of the executor's worker pool.
	DefaultWorkerCount = 4

	// DefaultRetryDelay is the fixed backoff before a failed job becomes
	// executable again.
	DefaultRetryDelay = 10 * time.Second
)

// Executor drains acquired jobs through a bounded worker pool. Each job runs
// its handler inside a fresh transaction; on failure the retry decrement
// happens in a transaction of its own, so the bookkeeping survives the
// rollback of the handler's work.
type Executor struct {
	store      persistence.Store
	clock      clock.Clock
	registry   *HandlerRegistry
	events     *events.Dispatcher
	workerID   string
	workers    int
	retryDelay time.Duration
	logger     *slog.Logger
}

func NewExecutor(store persistence.Store, clk clock.Clock, registry *HandlerRegistry, dispatcher *events.Dispatcher, workerID string, logger *slog.Logger) *Executor {
	return &Executor{
		store:      store,
		clock:      clk,
		registry:   registry,
		events:     dispatcher,
		workerID:   workerID,
		workers:    DefaultWorkerCount,
		retryDelay: DefaultRetryDelay,
		logger:     logger.With("module", "job_executor", "worker_id", workerID),
	}
}

// Run processes jobs from in until the channel closes.
func (e *Executor) Run(ctx context.Context, in <-chan *models.Job) {
	var wg sync.WaitGroup

	for range e.workers {
		wg.Add(1)

		go func() {
			defer wg.Done()

			for job := range in {
				e.process(ctx, job)
			}
		}()
	}

	wg.Wait()
}

func (e *Executor) process(ctx context.Context, job *models.Job) {
	start := time.Now()

	handler, err := e.registry.Get(job.HandlerType)
	if err != nil {
		e.fail(ctx, job, err)

		return
	}

	tx, err := e.store.Begin(ctx)
	if err != nil {
		e.logger.ErrorContext(ctx, "Failed to open job transaction", "job_id", job.ID, "error", err)

		return
	}

	err = handler.Handle(ctx, tx, job)
	if err != nil {
		_ = tx.Rollback(ctx)
		e.fail(ctx, job, err)

		return
	}

	err = e.finish(ctx, tx, job)
	if err != nil {
		_ = tx.Rollback(ctx)
		e.fail(ctx, job, err)

		return
	}

	err = tx.Commit(ctx)
	if err != nil {
		e.fail(ctx, job, err)

		return
	}

	executed := events.JobExecuted{
		JobID:       job.ID,
		HandlerType: job.HandlerType,
		WorkerID:    e.workerID,
		Duration:    time.Since(start),
	}
	events.Stamp(&executed.BaseEvent, events.JobExecutedEvent, job.ProcessInstanceID, e.clock.Now())
	e.events.Dispatch(ctx, executed)
}

// finish settles the job row inside the handler's transaction: recurring jobs
// reschedule to their next occurrence, everything else is deleted. The
// handler may already have deleted the job (cancellation cascades do); that
// is fine.
func (e *Executor) finish(ctx context.Context, tx persistence.Tx, job *models.Job) error {
	if job.Repeat == "" {
		err := tx.DeleteJob(ctx, job.ID)
		if persistence.IsNotFound(err) {
			return nil
		}

		return err
	}

	schedule, err := cron.ParseStandard(job.Repeat)
	if err != nil {
		return err
	}

	fresh, err := tx.JobByID(ctx, job.ID)
	if persistence.IsNotFound(err) {
		return nil
	}

	if err != nil {
		return err
	}

	next := schedule.Next(e.clock.Now())
	fresh.DueDate = &next
	fresh.ClearLock()

	return tx.SaveJob(ctx, fresh)
}

// fail records a handler failure: one retry is consumed, the lock released,
// the exception captured and the job pushed behind the retry delay. At zero
// retries the job lands in the dead-letter queue as-is.
func (e *Executor) fail(ctx context.Context, job *models.Job, cause error) {
	stack := string(debug.Stack())

	var remaining int

	err := func() error {
		tx, err := e.store.Begin(ctx)
		if err != nil {
			return err
		}

		fresh, err := tx.JobByID(ctx, job.ID)
		if err != nil {
			_ = tx.Rollback(ctx)

			if persistence.IsNotFound(err) {
				return nil
			}

			return err
		}

		// An operator may have zeroed the retries while the job was running;
		// the budget never goes negative.
		if fresh.Retries > 0 {
			fresh.Retries--
		}

		fresh.ClearLock()
		fresh.ExceptionMessage = cause.Error()
		fresh.ExceptionStacktrace = stack

		if fresh.Retries > 0 {
			due := e.clock.Now().Add(e.retryDelay)
			fresh.DueDate = &due
		}

		remaining = fresh.Retries

		err = tx.SaveJob(ctx, fresh)
		if err != nil {
			_ = tx.Rollback(ctx)

			return err
		}

		return tx.Commit(ctx)
	}()
	if err != nil {
		e.logger.ErrorContext(ctx, "Failed to record job failure", "job_id", job.ID, "error", err)

		return
	}

	e.logger.WarnContext(ctx, "Job execution failed", "job_id", job.ID, "handler_type", job.HandlerType, "retries_remaining", remaining, "error", cause)

	failed := events.JobFailed{
		JobID:            job.ID,
		HandlerType:      job.HandlerType,
		WorkerID:         e.workerID,
		Error:            cause.Error(),
		RetriesRemaining: remaining,
	}
	events.Stamp(&failed.BaseEvent, events.JobFailedEvent, job.ProcessInstanceID, e.clock.Now())
	e.events.Dispatch(ctx, failed)

	if remaining <= 0 {
		exhausted := events.JobRetriesExhausted{
			JobID:       job.ID,
			HandlerType: job.HandlerType,
			Error:       cause.Error(),
		}
		events.Stamp(&exhausted.BaseEvent, events.JobRetriesExhaustedEvent, job.ProcessInstanceID, e.clock.Now())
		e.events.Dispatch(ctx, exhausted)
	}
}
