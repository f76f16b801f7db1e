package jobs

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/procflow/procflow/pkg/clock"
	"github.com/procflow/procflow/pkg/events"
	"github.com/procflow/procflow/pkg/models"
	"github.com/procflow/procflow/pkg/persistence"
)

// WorkerConfig tunes a Worker. Zero values fall back to the package defaults.
type WorkerConfig struct {
	WorkerID     string
	BatchSize    int           // jobs per acquisition sweep
	PollInterval time.Duration // initial idle backoff between sweeps
	Workers      int           // executor pool size
}

// Worker couples an acquirer to an executor pool. One Worker per process;
// horizontal scaling runs more processes competing over the same store.
type Worker struct {
	acquirer *Acquirer
	executor *Executor
	notifier *Notifier
	logger   *slog.Logger
}

func NewWorker(
	store persistence.Store,
	clk clock.Clock,
	registry *HandlerRegistry,
	dispatcher *events.Dispatcher,
	notifier *Notifier,
	cfg WorkerConfig,
	logger *slog.Logger,
) *Worker {
	acquirer := NewAcquirer(store, clk, cfg.WorkerID, logger)
	if cfg.BatchSize > 0 {
		acquirer.batchSize = cfg.BatchSize
	}

	if cfg.PollInterval > 0 {
		acquirer.idleInterval = cfg.PollInterval
	}

	executor := NewExecutor(store, clk, registry, dispatcher, cfg.WorkerID, logger)
	if cfg.Workers > 0 {
		executor.workers = cfg.Workers
	}

	return &Worker{
		acquirer: acquirer,
		executor: executor,
		notifier: notifier,
		logger:   logger.With("module", "job_worker", "worker_id", cfg.WorkerID),
	}
}

// Run blocks until ctx is done, acquiring and executing jobs.
func (w *Worker) Run(ctx context.Context) {
	jobs := make(chan *models.Job)

	var wg sync.WaitGroup

	if w.notifier != nil {
		wg.Add(1)

		go func() {
			defer wg.Done()
			w.notifier.Subscribe(ctx, w.acquirer.Wake)
		}()
	}

	wg.Add(1)

	go func() {
		defer wg.Done()
		w.acquirer.Run(ctx, jobs)
	}()

	w.executor.Run(ctx, jobs)
	wg.Wait()

	w.logger.InfoContext(ctx, "Job worker stopped")
}
