package jobs

import (
	"context"
	"testing"
	"time"

	"github.com/procflow/procflow/pkg/clock"
	"github.com/procflow/procflow/pkg/log"
	"github.com/procflow/procflow/pkg/models"
	"github.com/procflow/procflow/pkg/persistence"
	"github.com/procflow/procflow/pkg/persistence/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestAcquirer(store *memory.Store) (*Acquirer, *clock.FakeClock) {
	clk := clock.NewFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))

	return NewAcquirer(store, clk, "worker-1", log.WithModule("test")), clk
}

func drain(out chan *models.Job) []*models.Job {
	var jobs []*models.Job

	for {
		select {
		case job := <-out:
			jobs = append(jobs, job)
		default:
			return jobs
		}
	}
}

func TestAcquirer_SweepAcquiresAndLocksDueJobs(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	acquirer, clk := newTestAcquirer(store)

	saveJobs(t, store, &models.Job{ID: "job-1", Type: models.JobTypeMessage, HandlerType: "noop", Retries: 3})

	out := make(chan *models.Job, DefaultAcquireBatchSize)

	acquired, err := acquirer.sweep(ctx, out)
	require.NoError(t, err)
	assert.Equal(t, 1, acquired)

	jobs := drain(out)
	require.Len(t, jobs, 1)
	assert.Equal(t, "worker-1", jobs[0].LockOwner)
	require.NotNil(t, jobs[0].LockExpirationTime)
	assert.Equal(t, clk.Now().Add(DefaultLockDuration), *jobs[0].LockExpirationTime)

	// An immediate re-sweep finds nothing: the lock hides the job.
	acquired, err = acquirer.sweep(ctx, out)
	require.NoError(t, err)
	assert.Zero(t, acquired)
}

func TestAcquirer_TimersBecomeAcquirableAsTheClockMoves(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	acquirer, clk := newTestAcquirer(store)

	base := clk.Now()
	due1 := base.Add(time.Hour)
	due2 := base.Add(2 * time.Hour)
	due3 := base.Add(3 * time.Hour)

	saveJobs(t, store,
		&models.Job{ID: "t1", Type: models.JobTypeTimer, HandlerType: "timer-fire", Retries: 3, DueDate: &due1},
		&models.Job{ID: "t2", Type: models.JobTypeTimer, HandlerType: "timer-fire", Retries: 3, DueDate: &due2},
		&models.Job{ID: "t3", Type: models.JobTypeTimer, HandlerType: "timer-fire", Retries: 3, DueDate: &due3},
	)

	out := make(chan *models.Job, DefaultAcquireBatchSize)

	acquired, err := acquirer.sweep(ctx, out)
	require.NoError(t, err)
	assert.Zero(t, acquired, "nothing is due yet")

	clk.Advance(2 * time.Hour)

	acquired, err = acquirer.sweep(ctx, out)
	require.NoError(t, err)
	assert.Equal(t, 2, acquired)

	jobs := drain(out)
	require.Len(t, jobs, 2)
	// Oldest due date first.
	assert.Equal(t, "t1", jobs[0].ID)
	assert.Equal(t, "t2", jobs[1].ID)

	// The executor would delete handled jobs; mimic that so their expiring
	// locks cannot re-expose them to the next sweep.
	tx, err := store.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, tx.DeleteJob(ctx, "t1"))
	require.NoError(t, tx.DeleteJob(ctx, "t2"))
	require.NoError(t, tx.Commit(ctx))

	clk.Advance(time.Hour)

	acquired, err = acquirer.sweep(ctx, out)
	require.NoError(t, err)
	assert.Equal(t, 1, acquired)

	jobs = drain(out)
	require.Len(t, jobs, 1)
	assert.Equal(t, "t3", jobs[0].ID)
}

func TestAcquirer_RewindingTheClockHidesTimersAgain(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	acquirer, clk := newTestAcquirer(store)

	base := clk.Now()
	due := base.Add(time.Hour)

	saveJobs(t, store, &models.Job{ID: "t1", Type: models.JobTypeTimer, HandlerType: "timer-fire", Retries: 3, DueDate: &due})

	out := make(chan *models.Job, DefaultAcquireBatchSize)

	clk.Advance(time.Hour)
	clk.Set(base)

	acquired, err := acquirer.sweep(ctx, out)
	require.NoError(t, err)
	assert.Zero(t, acquired, "executability follows the clock, not history")

	clk.Set(due)

	acquired, err = acquirer.sweep(ctx, out)
	require.NoError(t, err)
	assert.Equal(t, 1, acquired)
}

// vanishingJobStore lists a candidate that no longer exists by the time the
// lock is attempted, the way a concurrent cancellation cascade would.
type vanishingJobStore struct {
	*memory.Store
}

func (s *vanishingJobStore) Read() persistence.View {
	return &vanishingJobView{s.Store.Read()}
}

func (s *vanishingJobStore) AcquireJob(ctx context.Context, jobID, owner string, now time.Time, lockDuration time.Duration) (bool, error) {
	if jobID == "vanished" {
		return false, persistence.NewEntityError("AcquireJob", jobID, persistence.ErrJobNotFound)
	}

	return s.Store.AcquireJob(ctx, jobID, owner, now, lockDuration)
}

type vanishingJobView struct {
	persistence.View
}

func (v *vanishingJobView) Jobs(ctx context.Context, query persistence.JobQuery) ([]*models.Job, error) {
	jobs, err := v.View.Jobs(ctx, query)
	if err != nil {
		return nil, err
	}

	phantom := &models.Job{ID: "vanished", Type: models.JobTypeMessage, HandlerType: "noop", Retries: 3}

	return append([]*models.Job{phantom}, jobs...), nil
}

func TestAcquirer_SweepContinuesPastDeletedCandidate(t *testing.T) {
	ctx := context.Background()
	store := &vanishingJobStore{Store: memory.NewStore()}
	clk := clock.NewFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	acquirer := NewAcquirer(store, clk, "worker-1", log.WithModule("test"))

	saveJobs(t, store.Store, &models.Job{ID: "job-1", Type: models.JobTypeMessage, HandlerType: "noop", Retries: 3})

	out := make(chan *models.Job, DefaultAcquireBatchSize)

	// The phantom sorts ahead of the live job; losing it must not abort the
	// rest of the batch.
	acquired, err := acquirer.sweep(ctx, out)
	require.NoError(t, err)
	assert.Equal(t, 1, acquired)

	jobs := drain(out)
	require.Len(t, jobs, 1)
	assert.Equal(t, "job-1", jobs[0].ID)
}

func TestAcquirer_SkipsJobsLockedByOtherWorkers(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	acquirer, clk := newTestAcquirer(store)

	saveJobs(t, store, &models.Job{ID: "job-1", Type: models.JobTypeMessage, HandlerType: "noop", Retries: 3})

	ok, err := store.AcquireJob(ctx, "job-1", "rival-worker", clk.Now(), DefaultLockDuration)
	require.NoError(t, err)
	require.True(t, ok)

	out := make(chan *models.Job, DefaultAcquireBatchSize)

	acquired, err := acquirer.sweep(ctx, out)
	require.NoError(t, err)
	assert.Zero(t, acquired)

	// After the rival's lock expires the job is up for grabs again.
	clk.Advance(DefaultLockDuration + time.Second)

	acquired, err = acquirer.sweep(ctx, out)
	require.NoError(t, err)
	assert.Equal(t, 1, acquired)
}

func TestAcquirer_RunStopsAndClosesChannelOnCancel(t *testing.T) {
	store := memory.NewStore()
	acquirer, _ := newTestAcquirer(store)

	saveJobs(t, store, &models.Job{ID: "job-1", Type: models.JobTypeMessage, HandlerType: "noop", Retries: 3})

	ctx, cancel := context.WithCancel(context.Background())
	out := make(chan *models.Job, DefaultAcquireBatchSize)
	done := make(chan struct{})

	go func() {
		acquirer.Run(ctx, out)
		close(done)
	}()

	job, ok := <-out
	require.True(t, ok)
	assert.Equal(t, "job-1", job.ID)

	cancel()
	acquirer.Wake()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("acquirer did not stop after cancellation")
	}

	// The out channel closes with the acquirer.
	for range out {
	}
}

func TestAcquirer_WakeNeverBlocks(t *testing.T) {
	store := memory.NewStore()
	acquirer, _ := newTestAcquirer(store)

	for range 10 {
		acquirer.Wake()
	}
}
