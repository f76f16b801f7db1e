package jobs

import (
	"context"
	"testing"
	"time"

	"github.com/procflow/procflow/pkg/clock"
	"github.com/procflow/procflow/pkg/events"
	"github.com/procflow/procflow/pkg/log"
	"github.com/procflow/procflow/pkg/models"
	"github.com/procflow/procflow/pkg/persistence"
	"github.com/procflow/procflow/pkg/persistence/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager(store *memory.Store) (*Manager, *clock.FakeClock) {
	clk := clock.NewFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	dispatcher := events.NewDispatcher(log.WithModule("test"))

	return NewManager(store, clk, dispatcher, log.WithModule("test")), clk
}

func saveJobs(t *testing.T, store *memory.Store, jobs ...*models.Job) {
	t.Helper()

	ctx := context.Background()

	tx, err := store.Begin(ctx)
	require.NoError(t, err)

	for _, job := range jobs {
		require.NoError(t, tx.SaveJob(ctx, job))
	}

	require.NoError(t, tx.Commit(ctx))
}

func TestManager_CreateJobCarriesDefaults(t *testing.T) {
	store := memory.NewStore()
	manager, clk := newTestManager(store)

	job := manager.CreateJob()

	assert.NotEmpty(t, job.ID)
	assert.Equal(t, models.DefaultJobRetries, job.Retries)
	assert.Equal(t, clk.Now(), job.CreatedAt)
}

func TestManager_ScheduleRejectsIncompleteJobs(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	manager, _ := newTestManager(store)

	tx, err := store.Begin(ctx)
	require.NoError(t, err)

	defer func() { _ = tx.Rollback(ctx) }()

	job := manager.CreateJob()
	job.Type = models.JobTypeMessage
	// HandlerType left empty.

	err = manager.ScheduleAsync(ctx, tx, job)
	require.Error(t, err)
	assert.True(t, persistence.IsIllegalArgument(err))
}

func TestManager_ScheduleAsyncIsExecutableImmediately(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	manager, clk := newTestManager(store)

	tx, err := store.Begin(ctx)
	require.NoError(t, err)

	job := manager.CreateJob()
	job.Type = models.JobTypeMessage
	job.HandlerType = "async-continue"

	require.NoError(t, manager.ScheduleAsync(ctx, tx, job))
	require.NoError(t, tx.Commit(ctx))

	loaded, err := store.Read().JobByID(ctx, job.ID)
	require.NoError(t, err)
	assert.Nil(t, loaded.DueDate)
	assert.True(t, loaded.Executable(clk.Now()))
}

func TestManager_ScheduleTimerGatesOnDueDate(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	manager, clk := newTestManager(store)

	tx, err := store.Begin(ctx)
	require.NoError(t, err)

	job := manager.CreateJob()
	job.Type = models.JobTypeTimer
	job.HandlerType = "timer-fire"

	due := clk.Now().Add(time.Hour)
	require.NoError(t, manager.ScheduleTimer(ctx, tx, job, due))
	require.NoError(t, tx.Commit(ctx))

	loaded, err := store.Read().JobByID(ctx, job.ID)
	require.NoError(t, err)
	require.NotNil(t, loaded.DueDate)
	assert.False(t, loaded.Executable(clk.Now()))
	assert.True(t, loaded.Executable(due))
}

func TestManager_CancelByExecutionSweepsDeadLetterJobs(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	manager, _ := newTestManager(store)

	saveJobs(t, store,
		&models.Job{ID: "live", Type: models.JobTypeMessage, HandlerType: "noop", ExecutionID: "exec-1", Retries: 3},
		&models.Job{ID: "dead", Type: models.JobTypeMessage, HandlerType: "noop", ExecutionID: "exec-1", Retries: 0},
		&models.Job{ID: "other", Type: models.JobTypeMessage, HandlerType: "noop", ExecutionID: "exec-2", Retries: 3},
	)

	tx, err := store.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, manager.CancelByExecution(ctx, tx, "exec-1"))
	require.NoError(t, tx.Commit(ctx))

	remaining, err := store.Read().Jobs(ctx, persistence.JobQuery{IncludeDeadLetter: true})
	require.NoError(t, err)
	require.Len(t, remaining, 1)
	assert.Equal(t, "other", remaining[0].ID)
}

func TestManager_CancelBoundaryTimersKeepsOtherJobs(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	manager, _ := newTestManager(store)

	saveJobs(t, store,
		&models.Job{ID: "boundary", Type: models.JobTypeBoundaryTimer, HandlerType: "boundary-timer-fire", ExecutionID: "exec-1", Retries: 3},
		&models.Job{ID: "continuation", Type: models.JobTypeMessage, HandlerType: "async-continue", ExecutionID: "exec-1", Retries: 3},
	)

	tx, err := store.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, manager.CancelBoundaryTimers(ctx, tx, "exec-1"))
	require.NoError(t, tx.Commit(ctx))

	remaining, err := store.Read().Jobs(ctx, persistence.JobQuery{})
	require.NoError(t, err)
	require.Len(t, remaining, 1)
	assert.Equal(t, "continuation", remaining[0].ID)
}

func TestManager_CancelIsIdempotent(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	manager, _ := newTestManager(store)

	saveJobs(t, store, &models.Job{ID: "job-1", Type: models.JobTypeMessage, HandlerType: "noop", Retries: 3})

	require.NoError(t, manager.Cancel(ctx, "job-1"))
	require.NoError(t, manager.Cancel(ctx, "job-1"), "canceling a missing job is not an error")
}

func TestManager_SetRetriesValidatesInput(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	manager, _ := newTestManager(store)

	err := manager.SetRetries(ctx, "job-1", -1)
	require.Error(t, err)
	assert.True(t, persistence.IsIllegalArgument(err))
}

func TestManager_SetRetriesRevivesExhaustedJob(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	manager, clk := newTestManager(store)

	saveJobs(t, store, &models.Job{ID: "job-1", Type: models.JobTypeMessage, HandlerType: "noop", Retries: 0})

	require.NoError(t, manager.SetRetries(ctx, "job-1", 2))

	loaded, err := store.Read().JobByID(ctx, "job-1")
	require.NoError(t, err)
	assert.False(t, loaded.DeadLetter())
	assert.True(t, loaded.Executable(clk.Now()))
}

func TestManager_MoveToDeadLetterParksAndUnlocks(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	manager, clk := newTestManager(store)

	lockedUntil := clk.Now().Add(time.Minute)
	saveJobs(t, store, &models.Job{
		ID: "job-1", Type: models.JobTypeMessage, HandlerType: "noop", Retries: 3,
		LockOwner: "worker-1", LockExpirationTime: &lockedUntil,
	})

	require.NoError(t, manager.MoveToDeadLetter(ctx, "job-1"))

	loaded, err := store.Read().JobByID(ctx, "job-1")
	require.NoError(t, err)
	assert.True(t, loaded.Suspended)
	assert.True(t, loaded.DeadLetter())
	assert.Empty(t, loaded.LockOwner)
	assert.Nil(t, loaded.LockExpirationTime)
}

func TestManager_MoveDeadLetterToExecutableRestoresJob(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	manager, clk := newTestManager(store)

	past := clk.Now().Add(-time.Hour)
	saveJobs(t, store, &models.Job{
		ID: "job-1", Type: models.JobTypeTimer, HandlerType: "timer-fire", Retries: 0,
		DueDate: &past, ExceptionMessage: "boom", ExceptionStacktrace: "stack",
	})

	require.NoError(t, manager.MoveDeadLetterToExecutable(ctx, "job-1", 3))

	loaded, err := store.Read().JobByID(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, 3, loaded.Retries)
	assert.Nil(t, loaded.DueDate, "restore clears the stale due date")
	assert.Empty(t, loaded.ExceptionMessage)
	assert.Empty(t, loaded.ExceptionStacktrace)
	assert.True(t, loaded.Executable(clk.Now()))
}

func TestManager_MoveDeadLetterToExecutableRejectsLiveJobs(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	manager, _ := newTestManager(store)

	saveJobs(t, store, &models.Job{ID: "job-1", Type: models.JobTypeMessage, HandlerType: "noop", Retries: 3})

	err := manager.MoveDeadLetterToExecutable(ctx, "job-1", 3)
	require.Error(t, err)
	assert.True(t, persistence.IsIllegalArgument(err))

	err = manager.MoveDeadLetterToExecutable(ctx, "job-1", 0)
	require.Error(t, err)
	assert.True(t, persistence.IsIllegalArgument(err))
}
