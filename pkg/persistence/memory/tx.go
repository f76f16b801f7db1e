package memory

import (
	"context"
	"errors"
	"sort"

	"github.com/procflow/procflow/pkg/models"
	"github.com/procflow/procflow/pkg/persistence"
)

// tx stages writes in overlay maps on top of committed state. Reads inside
// the transaction see staged writes; nothing becomes visible to other readers
// before Commit. Commit re-checks the recorded base revision of every staged
// entity under the store lock and aborts with ErrStaleEntity when a
// concurrent transaction got there first.
type tx struct {
	store *Store

	stagedExecutions  map[string]*models.Execution
	deletedExecutions map[string]bool
	stagedJobs        map[string]*models.Job
	deletedJobs       map[string]bool
	stagedDeployments map[string]*models.Deployment
	stagedDefinitions map[string]*models.ProcessDefinition

	// expected committed revision per entity, -1 for entities the tx created
	baseRevisions map[string]int

	done bool
}

var errTxDone = errors.New("transaction already finished")

func newTx(store *Store) *tx {
	return &tx{
		store:             store,
		stagedExecutions:  make(map[string]*models.Execution),
		deletedExecutions: make(map[string]bool),
		stagedJobs:        make(map[string]*models.Job),
		deletedJobs:       make(map[string]bool),
		stagedDeployments: make(map[string]*models.Deployment),
		stagedDefinitions: make(map[string]*models.ProcessDefinition),
		baseRevisions:     make(map[string]int),
	}
}

func executionKey(id string) string { return "execution/" + id }
func jobKey(id string) string       { return "job/" + id }

func (t *tx) recordBase(key string, committedRevision int, existed bool) {
	if _, recorded := t.baseRevisions[key]; recorded {
		return
	}

	if existed {
		t.baseRevisions[key] = committedRevision
	} else {
		t.baseRevisions[key] = -1
	}
}

func (t *tx) SaveExecution(_ context.Context, execution *models.Execution) error {
	if t.done {
		return errTxDone
	}

	if execution == nil || execution.ID == "" {
		return persistence.NewEntityError("SaveExecution", "", persistence.ErrIllegalArgument)
	}

	t.store.mu.RLock()
	committed, existed := t.store.executions[execution.ID]
	t.store.mu.RUnlock()

	key := executionKey(execution.ID)
	if existed {
		t.recordBase(key, committed.Revision, true)
	} else {
		t.recordBase(key, 0, false)
	}

	staged := execution.Clone()
	// The -1 created-in-tx sentinel still commits at revision 1.
	staged.Revision = max(t.baseRevisions[key], 0) + 1
	t.stagedExecutions[execution.ID] = staged
	delete(t.deletedExecutions, execution.ID)

	return nil
}

func (t *tx) DeleteExecution(_ context.Context, id string) error {
	if t.done {
		return errTxDone
	}

	t.store.mu.RLock()
	committed, existed := t.store.executions[id]
	t.store.mu.RUnlock()

	if existed {
		t.recordBase(executionKey(id), committed.Revision, true)
	}

	delete(t.stagedExecutions, id)
	t.deletedExecutions[id] = true

	return nil
}

func (t *tx) SaveJob(_ context.Context, job *models.Job) error {
	if t.done {
		return errTxDone
	}

	if job == nil || job.ID == "" {
		return persistence.NewEntityError("SaveJob", "", persistence.ErrIllegalArgument)
	}

	t.store.mu.RLock()
	committed, existed := t.store.jobs[job.ID]
	t.store.mu.RUnlock()

	key := jobKey(job.ID)
	if existed {
		t.recordBase(key, committed.Revision, true)
	} else {
		t.recordBase(key, 0, false)
	}

	staged := job.Clone()
	// The -1 created-in-tx sentinel still commits at revision 1.
	staged.Revision = max(t.baseRevisions[key], 0) + 1
	t.stagedJobs[job.ID] = staged
	delete(t.deletedJobs, job.ID)

	return nil
}

func (t *tx) DeleteJob(_ context.Context, id string) error {
	if t.done {
		return errTxDone
	}

	t.store.mu.RLock()
	committed, existed := t.store.jobs[id]
	t.store.mu.RUnlock()

	if existed {
		t.recordBase(jobKey(id), committed.Revision, true)
	}

	delete(t.stagedJobs, id)
	t.deletedJobs[id] = true

	return nil
}

func (t *tx) SaveDeployment(_ context.Context, deployment *models.Deployment) error {
	if t.done {
		return errTxDone
	}

	if deployment == nil || deployment.ID == "" {
		return persistence.NewEntityError("SaveDeployment", "", persistence.ErrIllegalArgument)
	}

	t.stagedDeployments[deployment.ID] = deployment.Clone()

	return nil
}

func (t *tx) SaveDefinition(_ context.Context, definition *models.ProcessDefinition) error {
	if t.done {
		return errTxDone
	}

	if definition == nil || definition.ID == "" {
		return persistence.NewEntityError("SaveDefinition", "", persistence.ErrIllegalArgument)
	}

	t.stagedDefinitions[definition.ID] = definition

	return nil
}

func (t *tx) Commit(_ context.Context) error {
	if t.done {
		return errTxDone
	}

	t.done = true

	t.store.mu.Lock()
	defer t.store.mu.Unlock()

	// Validate every recorded base revision before touching anything, so a
	// stale entity aborts the transaction as a whole.
	for key, baseRevision := range t.baseRevisions {
		var current int

		var exists bool

		switch {
		case len(key) > len("execution/") && key[:len("execution/")] == "execution/":
			e, ok := t.store.executions[key[len("execution/"):]]
			if ok {
				current, exists = e.Revision, true
			}
		case len(key) > len("job/") && key[:len("job/")] == "job/":
			j, ok := t.store.jobs[key[len("job/"):]]
			if ok {
				current, exists = j.Revision, true
			}
		}

		if baseRevision == -1 {
			if exists {
				return persistence.NewEntityError("Commit", key, persistence.ErrStaleEntity)
			}

			continue
		}

		if !exists || current != baseRevision {
			return persistence.NewEntityError("Commit", key, persistence.ErrStaleEntity)
		}
	}

	for id := range t.deletedExecutions {
		delete(t.store.executions, id)
	}

	for id, execution := range t.stagedExecutions {
		t.store.executions[id] = execution
	}

	for id := range t.deletedJobs {
		delete(t.store.jobs, id)
	}

	for id, job := range t.stagedJobs {
		t.store.jobs[id] = job
	}

	for id, deployment := range t.stagedDeployments {
		t.store.deployments[id] = deployment
	}

	for id, definition := range t.stagedDefinitions {
		t.store.definitions[id] = definition
	}

	return nil
}

func (t *tx) Rollback(_ context.Context) error {
	if t.done {
		return nil
	}

	t.done = true

	return nil
}

// Transactional reads: staged state first, then committed.

func (t *tx) ExecutionByID(_ context.Context, id string) (*models.Execution, error) {
	if t.deletedExecutions[id] {
		return nil, persistence.NewEntityError("ExecutionByID", id, persistence.ErrExecutionNotFound)
	}

	if staged, ok := t.stagedExecutions[id]; ok {
		return staged.Clone(), nil
	}

	t.store.mu.RLock()
	defer t.store.mu.RUnlock()

	execution, ok := t.store.executions[id]
	if !ok {
		return nil, persistence.NewEntityError("ExecutionByID", id, persistence.ErrExecutionNotFound)
	}

	return execution.Clone(), nil
}

func (t *tx) Executions(_ context.Context, query persistence.ExecutionQuery) ([]*models.Execution, error) {
	merged := make(map[string]*models.Execution)

	t.store.mu.RLock()

	for id, execution := range t.store.executions {
		merged[id] = execution
	}

	t.store.mu.RUnlock()

	for id, execution := range t.stagedExecutions {
		merged[id] = execution
	}

	for id := range t.deletedExecutions {
		delete(merged, id)
	}

	var result []*models.Execution

	for _, execution := range merged {
		if query.Matches(execution) {
			result = append(result, execution.Clone())
		}
	}

	sortExecutions(result)

	return result, nil
}

func (t *tx) JobByID(_ context.Context, id string) (*models.Job, error) {
	if t.deletedJobs[id] {
		return nil, persistence.NewEntityError("JobByID", id, persistence.ErrJobNotFound)
	}

	if staged, ok := t.stagedJobs[id]; ok {
		return staged.Clone(), nil
	}

	t.store.mu.RLock()
	defer t.store.mu.RUnlock()

	job, ok := t.store.jobs[id]
	if !ok {
		return nil, persistence.NewEntityError("JobByID", id, persistence.ErrJobNotFound)
	}

	return job.Clone(), nil
}

func (t *tx) Jobs(_ context.Context, query persistence.JobQuery) ([]*models.Job, error) {
	merged := make(map[string]*models.Job)

	t.store.mu.RLock()

	for id, job := range t.store.jobs {
		merged[id] = job
	}

	t.store.mu.RUnlock()

	for id, job := range t.stagedJobs {
		merged[id] = job
	}

	for id := range t.deletedJobs {
		delete(merged, id)
	}

	var result []*models.Job

	for _, job := range merged {
		if query.Matches(job) {
			result = append(result, job.Clone())
		}
	}

	query.SortJobs(result)

	if query.Limit > 0 && len(result) > query.Limit {
		result = result[:query.Limit]
	}

	return result, nil
}

func (t *tx) DeploymentByID(ctx context.Context, id string) (*models.Deployment, error) {
	if staged, ok := t.stagedDeployments[id]; ok {
		return staged.Clone(), nil
	}

	return (&view{store: t.store}).DeploymentByID(ctx, id)
}

func (t *tx) LatestDeploymentByName(ctx context.Context, name string) (*models.Deployment, error) {
	var latest *models.Deployment

	for _, deployment := range t.stagedDeployments {
		if deployment.Name != name {
			continue
		}

		if latest == nil || deployment.DeployTime.After(latest.DeployTime) {
			latest = deployment
		}
	}

	committed, err := (&view{store: t.store}).LatestDeploymentByName(ctx, name)
	if err == nil {
		if latest == nil || committed.DeployTime.After(latest.DeployTime) {
			latest = committed
		}
	}

	if latest == nil {
		return nil, persistence.NewEntityError("LatestDeploymentByName", name, persistence.ErrDeploymentNotFound)
	}

	return latest.Clone(), nil
}

func (t *tx) DefinitionByID(ctx context.Context, id string) (*models.ProcessDefinition, error) {
	if staged, ok := t.stagedDefinitions[id]; ok {
		return staged, nil
	}

	return (&view{store: t.store}).DefinitionByID(ctx, id)
}

func (t *tx) LatestDefinitionByKey(ctx context.Context, key string) (*models.ProcessDefinition, error) {
	staged := latestDefinition(t.stagedDefinitions, key)

	committed, err := (&view{store: t.store}).LatestDefinitionByKey(ctx, key)
	if err == nil {
		if staged == nil || committed.Version > staged.Version {
			return committed, nil
		}
	}

	if staged == nil {
		return nil, persistence.NewEntityError("LatestDefinitionByKey", key, persistence.ErrDefinitionNotFound)
	}

	return staged, nil
}

func (t *tx) Definitions(ctx context.Context) ([]*models.ProcessDefinition, error) {
	result, err := (&view{store: t.store}).Definitions(ctx)
	if err != nil {
		return nil, err
	}

	for _, definition := range t.stagedDefinitions {
		result = append(result, definition)
	}

	return result, nil
}

func sortExecutions(executions []*models.Execution) {
	sort.SliceStable(executions, func(i, j int) bool {
		if !executions[i].CreatedAt.Equal(executions[j].CreatedAt) {
			return executions[i].CreatedAt.Before(executions[j].CreatedAt)
		}

		return executions[i].ID < executions[j].ID
	})
}
