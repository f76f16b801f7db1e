// Package memory provides the in-memory persistence backend. Entities live
// in id-indexed tables, references between them are ids, and a unit of work
// stages writes in an overlay that commits atomically under optimistic
// revision checks. This is the backend the engine tests run against.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/procflow/procflow/pkg/models"
	"github.com/procflow/procflow/pkg/persistence"
)

type Store struct {
	mu          sync.RWMutex
	executions  map[string]*models.Execution
	jobs        map[string]*models.Job
	deployments map[string]*models.Deployment
	definitions map[string]*models.ProcessDefinition
}

func NewStore() *Store {
	return &Store{
		executions:  make(map[string]*models.Execution),
		jobs:        make(map[string]*models.Job),
		deployments: make(map[string]*models.Deployment),
		definitions: make(map[string]*models.ProcessDefinition),
	}
}

func (s *Store) Begin(_ context.Context) (persistence.Tx, error) {
	return newTx(s), nil
}

func (s *Store) Read() persistence.View {
	return &view{store: s}
}

// AcquireJob is the compare-and-swap lock acquisition: the lock fields are
// written if and only if the job still matches the unlocked, due, retries-left
// predicate at call time. A false return means another acquirer won.
func (s *Store) AcquireJob(_ context.Context, jobID, owner string, now time.Time, lockDuration time.Duration) (bool, error) {
	if jobID == "" || owner == "" {
		return false, persistence.NewEntityError("AcquireJob", jobID, persistence.ErrIllegalArgument)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// A job deleted between candidate listing and acquisition is a lost
	// race, not an error.
	job, ok := s.jobs[jobID]
	if !ok {
		return false, nil
	}

	if !job.Executable(now) {
		return false, nil
	}

	expiration := now.Add(lockDuration)
	job.LockOwner = owner
	job.LockExpirationTime = &expiration
	job.Revision++

	return true, nil
}

func (s *Store) HealthCheck(_ context.Context) error {
	return nil
}

func (s *Store) Close(_ context.Context) error {
	return nil
}

// view reads committed state only.
type view struct {
	store *Store
}

func (v *view) ExecutionByID(_ context.Context, id string) (*models.Execution, error) {
	v.store.mu.RLock()
	defer v.store.mu.RUnlock()

	execution, ok := v.store.executions[id]
	if !ok {
		return nil, persistence.NewEntityError("ExecutionByID", id, persistence.ErrExecutionNotFound)
	}

	return execution.Clone(), nil
}

func (v *view) Executions(_ context.Context, query persistence.ExecutionQuery) ([]*models.Execution, error) {
	v.store.mu.RLock()
	defer v.store.mu.RUnlock()

	var result []*models.Execution

	for _, execution := range v.store.executions {
		if query.Matches(execution) {
			result = append(result, execution.Clone())
		}
	}

	sortExecutions(result)

	return result, nil
}

func (v *view) JobByID(_ context.Context, id string) (*models.Job, error) {
	v.store.mu.RLock()
	defer v.store.mu.RUnlock()

	job, ok := v.store.jobs[id]
	if !ok {
		return nil, persistence.NewEntityError("JobByID", id, persistence.ErrJobNotFound)
	}

	return job.Clone(), nil
}

func (v *view) Jobs(_ context.Context, query persistence.JobQuery) ([]*models.Job, error) {
	v.store.mu.RLock()

	var result []*models.Job

	for _, job := range v.store.jobs {
		if query.Matches(job) {
			result = append(result, job.Clone())
		}
	}

	v.store.mu.RUnlock()

	query.SortJobs(result)

	if query.Limit > 0 && len(result) > query.Limit {
		result = result[:query.Limit]
	}

	return result, nil
}

func (v *view) DeploymentByID(_ context.Context, id string) (*models.Deployment, error) {
	v.store.mu.RLock()
	defer v.store.mu.RUnlock()

	deployment, ok := v.store.deployments[id]
	if !ok {
		return nil, persistence.NewEntityError("DeploymentByID", id, persistence.ErrDeploymentNotFound)
	}

	return deployment.Clone(), nil
}

func (v *view) LatestDeploymentByName(_ context.Context, name string) (*models.Deployment, error) {
	v.store.mu.RLock()
	defer v.store.mu.RUnlock()

	var latest *models.Deployment

	for _, deployment := range v.store.deployments {
		if deployment.Name != name {
			continue
		}

		if latest == nil || deployment.DeployTime.After(latest.DeployTime) {
			latest = deployment
		}
	}

	if latest == nil {
		return nil, persistence.NewEntityError("LatestDeploymentByName", name, persistence.ErrDeploymentNotFound)
	}

	return latest.Clone(), nil
}

func (v *view) DefinitionByID(_ context.Context, id string) (*models.ProcessDefinition, error) {
	v.store.mu.RLock()
	defer v.store.mu.RUnlock()

	definition, ok := v.store.definitions[id]
	if !ok {
		return nil, persistence.NewEntityError("DefinitionByID", id, persistence.ErrDefinitionNotFound)
	}

	return definition, nil
}

func (v *view) LatestDefinitionByKey(_ context.Context, key string) (*models.ProcessDefinition, error) {
	v.store.mu.RLock()
	defer v.store.mu.RUnlock()

	latest := latestDefinition(v.store.definitions, key)
	if latest == nil {
		return nil, persistence.NewEntityError("LatestDefinitionByKey", key, persistence.ErrDefinitionNotFound)
	}

	return latest, nil
}

func (v *view) Definitions(_ context.Context) ([]*models.ProcessDefinition, error) {
	v.store.mu.RLock()
	defer v.store.mu.RUnlock()

	result := make([]*models.ProcessDefinition, 0, len(v.store.definitions))
	for _, definition := range v.store.definitions {
		result = append(result, definition)
	}

	return result, nil
}

func latestDefinition(definitions map[string]*models.ProcessDefinition, key string) *models.ProcessDefinition {
	var latest *models.ProcessDefinition

	for _, definition := range definitions {
		if definition.Key != key {
			continue
		}

		if latest == nil || definition.Version > latest.Version {
			latest = definition
		}
	}

	return latest
}
