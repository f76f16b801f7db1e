// Package persistence provides the transactional storage abstraction the
// engine core runs against. The engine never talks to a database directly: it
// sees entity CRUD by id, filtered queries over executions and jobs, and a
// compare-and-swap job lock acquisition.
package persistence

import (
	"context"
	"time"

	"github.com/procflow/procflow/pkg/models"
)

// View is read access to committed state. Inside a transaction the same
// interface additionally sees the transaction's own staged writes.
type View interface {
	ExecutionByID(ctx context.Context, id string) (*models.Execution, error)
	Executions(ctx context.Context, query ExecutionQuery) ([]*models.Execution, error)

	JobByID(ctx context.Context, id string) (*models.Job, error)
	Jobs(ctx context.Context, query JobQuery) ([]*models.Job, error)

	DeploymentByID(ctx context.Context, id string) (*models.Deployment, error)
	LatestDeploymentByName(ctx context.Context, name string) (*models.Deployment, error)

	DefinitionByID(ctx context.Context, id string) (*models.ProcessDefinition, error)
	LatestDefinitionByKey(ctx context.Context, key string) (*models.ProcessDefinition, error)
	Definitions(ctx context.Context) ([]*models.ProcessDefinition, error)
}

// Tx is a unit of work. Every mutating engine entry point runs inside exactly
// one Tx: graph-token mutation, job scheduling and event-relevant state all
// commit or roll back as a whole. Saves are subject to optimistic revision
// checks at commit; a lost race surfaces as ErrStaleEntity.
type Tx interface {
	View

	SaveExecution(ctx context.Context, execution *models.Execution) error
	DeleteExecution(ctx context.Context, id string) error

	SaveJob(ctx context.Context, job *models.Job) error
	DeleteJob(ctx context.Context, id string) error

	SaveDeployment(ctx context.Context, deployment *models.Deployment) error
	SaveDefinition(ctx context.Context, definition *models.ProcessDefinition) error

	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// Store is a transactional entity store.
type Store interface {
	Begin(ctx context.Context) (Tx, error)
	Read() View

	// AcquireJob attempts the conditional lock update for one job: set
	// owner and expiry if and only if the job is still due, unlocked (or
	// lock-expired), has retries left and is not parked. Returns false when
	// another acquirer won the race; that is not an error.
	AcquireJob(ctx context.Context, jobID, owner string, now time.Time, lockDuration time.Duration) (bool, error)

	HealthCheck(ctx context.Context) error
	Close(ctx context.Context) error
}
