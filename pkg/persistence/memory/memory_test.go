package memory

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/procflow/procflow/pkg/models"
	"github.com/procflow/procflow/pkg/persistence"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStore_CommitMakesWritesVisible(t *testing.T) {
	ctx := context.Background()
	store := NewStore()

	tx, err := store.Begin(ctx)
	require.NoError(t, err)

	execution := &models.Execution{ID: "exec-1", ProcessInstanceID: "exec-1", IsActive: true}
	require.NoError(t, tx.SaveExecution(ctx, execution))

	// Invisible before commit.
	_, err = store.Read().ExecutionByID(ctx, "exec-1")
	assert.True(t, persistence.IsNotFound(err))

	require.NoError(t, tx.Commit(ctx))

	loaded, err := store.Read().ExecutionByID(ctx, "exec-1")
	require.NoError(t, err)
	assert.Equal(t, 1, loaded.Revision)
}

func TestStore_RollbackDiscardsWrites(t *testing.T) {
	ctx := context.Background()
	store := NewStore()

	tx, err := store.Begin(ctx)
	require.NoError(t, err)

	require.NoError(t, tx.SaveJob(ctx, &models.Job{ID: "job-1", Type: models.JobTypeMessage, HandlerType: "noop", Retries: 3}))
	require.NoError(t, tx.Rollback(ctx))

	_, err = store.Read().JobByID(ctx, "job-1")
	assert.True(t, persistence.IsNotFound(err))
}

func TestStore_StaleRevisionAbortsWholeTransaction(t *testing.T) {
	ctx := context.Background()
	store := NewStore()

	seed, err := store.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, seed.SaveExecution(ctx, &models.Execution{ID: "exec-1", ProcessInstanceID: "exec-1"}))
	require.NoError(t, seed.Commit(ctx))

	first, err := store.Begin(ctx)
	require.NoError(t, err)

	second, err := store.Begin(ctx)
	require.NoError(t, err)

	e1, err := first.ExecutionByID(ctx, "exec-1")
	require.NoError(t, err)
	e1.IsActive = true
	require.NoError(t, first.SaveExecution(ctx, e1))

	e2, err := second.ExecutionByID(ctx, "exec-1")
	require.NoError(t, err)
	e2.CurrentActivityID = "task"
	require.NoError(t, second.SaveExecution(ctx, e2))
	// The second transaction also stages an unrelated new job; the stale
	// execution must drag it down with the rest of the transaction.
	require.NoError(t, second.SaveJob(ctx, &models.Job{ID: "job-1", Type: models.JobTypeMessage, HandlerType: "noop", Retries: 3}))

	require.NoError(t, first.Commit(ctx))

	err = second.Commit(ctx)
	require.Error(t, err)
	assert.True(t, persistence.IsStaleEntity(err))

	_, err = store.Read().JobByID(ctx, "job-1")
	assert.True(t, persistence.IsNotFound(err))
}

func TestStore_TransactionalReadsSeeStagedWrites(t *testing.T) {
	ctx := context.Background()
	store := NewStore()

	tx, err := store.Begin(ctx)
	require.NoError(t, err)

	require.NoError(t, tx.SaveExecution(ctx, &models.Execution{ID: "exec-1", ProcessInstanceID: "exec-1", ParentID: "", IsActive: true}))

	loaded, err := tx.ExecutionByID(ctx, "exec-1")
	require.NoError(t, err)
	assert.True(t, loaded.IsActive)

	require.NoError(t, tx.DeleteExecution(ctx, "exec-1"))

	_, err = tx.ExecutionByID(ctx, "exec-1")
	assert.True(t, persistence.IsNotFound(err))

	require.NoError(t, tx.Rollback(ctx))
}

func TestStore_AcquireJobIsExclusive(t *testing.T) {
	ctx := context.Background()
	store := NewStore()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	seed, err := store.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, seed.SaveJob(ctx, &models.Job{ID: "job-1", Type: models.JobTypeMessage, HandlerType: "noop", Retries: 3}))
	require.NoError(t, seed.Commit(ctx))

	var winners int

	var mu sync.Mutex

	var wg sync.WaitGroup

	for i := range 8 {
		wg.Add(1)

		owner := string(rune('a' + i))

		go func() {
			defer wg.Done()

			ok, err := store.AcquireJob(ctx, "job-1", owner, now, time.Minute)
			assert.NoError(t, err)

			if ok {
				mu.Lock()
				winners++
				mu.Unlock()
			}
		}()
	}

	wg.Wait()

	assert.Equal(t, 1, winners)

	// The lock expires; the job becomes acquirable again.
	later := now.Add(2 * time.Minute)
	ok, err := store.AcquireJob(ctx, "job-1", "late-worker", later, time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestStore_AcquireJobTreatsMissingJobAsLostRace(t *testing.T) {
	ctx := context.Background()
	store := NewStore()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	// A job deleted after it was listed as a candidate must read as a lost
	// race, not as an error that would abort the caller's sweep.
	ok, err := store.AcquireJob(ctx, "gone", "w1", now, time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStore_AcquireJobRespectsDueDateAndRetries(t *testing.T) {
	ctx := context.Background()
	store := NewStore()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	future := now.Add(time.Hour)

	seed, err := store.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, seed.SaveJob(ctx, &models.Job{ID: "timer", Type: models.JobTypeTimer, HandlerType: "noop", Retries: 3, DueDate: &future}))
	require.NoError(t, seed.SaveJob(ctx, &models.Job{ID: "dead", Type: models.JobTypeMessage, HandlerType: "noop", Retries: 0}))
	require.NoError(t, seed.Commit(ctx))

	ok, err := store.AcquireJob(ctx, "timer", "w1", now, time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "a future timer must not be acquirable")

	ok, err = store.AcquireJob(ctx, "timer", "w1", future, time.Minute)
	require.NoError(t, err)
	assert.True(t, ok, "a due timer must be acquirable")

	ok, err = store.AcquireJob(ctx, "dead", "w1", now, time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "dead-letter jobs are invisible to acquisition")
}

func TestStore_JobQueuesPartitionJobs(t *testing.T) {
	ctx := context.Background()
	store := NewStore()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	future := now.Add(time.Hour)

	seed, err := store.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, seed.SaveJob(ctx, &models.Job{ID: "due", Type: models.JobTypeMessage, HandlerType: "noop", Retries: 3}))
	require.NoError(t, seed.SaveJob(ctx, &models.Job{ID: "pending", Type: models.JobTypeTimer, HandlerType: "noop", Retries: 3, DueDate: &future}))
	require.NoError(t, seed.SaveJob(ctx, &models.Job{ID: "exhausted", Type: models.JobTypeMessage, HandlerType: "noop", Retries: 0, ExceptionMessage: "boom"}))
	require.NoError(t, seed.SaveJob(ctx, &models.Job{ID: "parked", Type: models.JobTypeMessage, HandlerType: "noop", Retries: 3, Suspended: true}))
	require.NoError(t, seed.Commit(ctx))

	executable, err := store.Read().Jobs(ctx, persistence.JobQuery{ExecutableOnly: true, Now: now})
	require.NoError(t, err)
	require.Len(t, executable, 1)
	assert.Equal(t, "due", executable[0].ID)

	timers, err := store.Read().Jobs(ctx, persistence.JobQuery{TimersOnly: true, Now: now})
	require.NoError(t, err)
	require.Len(t, timers, 1)
	assert.Equal(t, "pending", timers[0].ID)

	deadLetter, err := store.Read().Jobs(ctx, persistence.JobQuery{DeadLetterOnly: true, Now: now})
	require.NoError(t, err)
	require.Len(t, deadLetter, 2)

	// Default queries never surface dead-letter jobs.
	all, err := store.Read().Jobs(ctx, persistence.JobQuery{Now: now})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	withException, err := store.Read().Jobs(ctx, persistence.JobQuery{WithException: true, Now: now})
	require.NoError(t, err)
	require.Len(t, withException, 1)
	assert.Equal(t, "exhausted", withException[0].ID)
}

func TestStore_JobsSortIsStableAcrossKeys(t *testing.T) {
	ctx := context.Background()
	store := NewStore()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	seed, err := store.Begin(ctx)
	require.NoError(t, err)

	duA := base.Add(time.Minute)
	duB := base.Add(2 * time.Minute)

	// Same retries, different creation times, mixed due dates.
	require.NoError(t, seed.SaveJob(ctx, &models.Job{ID: "j3", Type: models.JobTypeTimer, HandlerType: "noop", Retries: 2, DueDate: &duB, CreatedAt: base}))
	require.NoError(t, seed.SaveJob(ctx, &models.Job{ID: "j1", Type: models.JobTypeMessage, HandlerType: "noop", Retries: 2, CreatedAt: base.Add(time.Second)}))
	require.NoError(t, seed.SaveJob(ctx, &models.Job{ID: "j2", Type: models.JobTypeTimer, HandlerType: "noop", Retries: 1, DueDate: &duA, CreatedAt: base}))
	require.NoError(t, seed.Commit(ctx))

	// Default order: nil due dates first, then ascending due date.
	jobs, err := store.Read().Jobs(ctx, persistence.JobQuery{})
	require.NoError(t, err)
	require.Len(t, jobs, 3)
	assert.Equal(t, []string{"j1", "j2", "j3"}, []string{jobs[0].ID, jobs[1].ID, jobs[2].ID})

	// Multi-key: retries descending, then created_at ascending.
	jobs, err = store.Read().Jobs(ctx, persistence.JobQuery{
		OrderBy: []persistence.JobOrder{
			{Field: persistence.JobOrderByRetries, Desc: true},
			{Field: persistence.JobOrderByCreatedAt},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"j3", "j1", "j2"}, []string{jobs[0].ID, jobs[1].ID, jobs[2].ID})
}
