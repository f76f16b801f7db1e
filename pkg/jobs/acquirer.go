package jobs

import (
	"context"
	"log/slog"
	"time"

	"github.com/procflow/procflow/pkg/clock"
	"github.com/procflow/procflow/pkg/models"
	"github.com/procflow/procflow/pkg/persistence"
)

const (
	// DefaultLockDuration is how long an acquired job stays invisible to
	// other acquirers before the lock expires.
	DefaultLockDuration = 5 * time.Minute

	// DefaultAcquireBatchSize bounds one acquisition sweep.
	DefaultAcquireBatchSize = 10

	// DefaultIdleInterval is the initial poll backoff when no job was
	// acquirable. Consecutive idle sweeps double the backoff.
	DefaultIdleInterval = 5 * time.Second

	// DefaultMaxIdleInterval caps the doubling idle backoff.
	DefaultMaxIdleInterval = 40 * time.Second
)

// Acquirer polls the store for executable jobs and competes for them with a
// compare-and-swap lock. Acquired jobs go out on a channel; losing a lock
// race to another worker is expected and silent.
type Acquirer struct {
	store        persistence.Store
	clock        clock.Clock
	workerID     string
	lockDuration time.Duration
	batchSize    int
	idleInterval time.Duration
	maxIdle      time.Duration
	wake         chan struct{}
	logger       *slog.Logger
}

func NewAcquirer(store persistence.Store, clk clock.Clock, workerID string, logger *slog.Logger) *Acquirer {
	return &Acquirer{
		store:        store,
		clock:        clk,
		workerID:     workerID,
		lockDuration: DefaultLockDuration,
		batchSize:    DefaultAcquireBatchSize,
		idleInterval: DefaultIdleInterval,
		maxIdle:      DefaultMaxIdleInterval,
		wake:         make(chan struct{}, 1),
		logger:       logger.With("module", "job_acquirer", "worker_id", workerID),
	}
}

// Wake nudges the acquirer out of its idle backoff, typically after a
// job-scheduled notification. Non-blocking.
func (a *Acquirer) Wake() {
	select {
	case a.wake <- struct{}{}:
	default:
	}
}

// Run sweeps for executable jobs until ctx is done, sending acquired jobs to
// out. The out channel is closed on return.
func (a *Acquirer) Run(ctx context.Context, out chan<- *models.Job) {
	defer close(out)

	idle := a.idleInterval

	for {
		acquired, err := a.sweep(ctx, out)
		if err != nil {
			if ctx.Err() != nil {
				return
			}

			a.logger.ErrorContext(ctx, "Acquisition sweep failed", "error", err)
		}

		if acquired > 0 {
			// More work may be waiting; sweep again right away.
			idle = a.idleInterval

			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-a.wake:
			idle = a.idleInterval
		case <-time.After(idle):
			idle = min(idle*2, a.maxIdle)
		}
	}
}

// sweep queries one batch of executable jobs and races for the lock on each.
func (a *Acquirer) sweep(ctx context.Context, out chan<- *models.Job) (int, error) {
	now := a.clock.Now()

	candidates, err := a.store.Read().Jobs(ctx, persistence.JobQuery{
		ExecutableOnly: true,
		Now:            now,
		Limit:          a.batchSize,
	})
	if err != nil {
		return 0, err
	}

	acquired := 0

	for _, candidate := range candidates {
		ok, err := a.store.AcquireJob(ctx, candidate.ID, a.workerID, now, a.lockDuration)
		if err != nil {
			// A candidate deleted since the query is a lost race; the rest
			// of the batch is still acquirable.
			if persistence.IsNotFound(err) {
				continue
			}

			return acquired, err
		}

		if !ok {
			continue
		}

		job, err := a.store.Read().JobByID(ctx, candidate.ID)
		if err != nil {
			if persistence.IsNotFound(err) {
				continue
			}

			return acquired, err
		}

		select {
		case out <- job:
			acquired++
		case <-ctx.Done():
			return acquired, ctx.Err()
		}
	}

	return acquired, nil
}
