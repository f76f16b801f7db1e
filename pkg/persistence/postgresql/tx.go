package postgresql

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/procflow/procflow/pkg/models"
	"github.com/procflow/procflow/pkg/persistence"
)

// tx wraps one *sql.Tx. Saves carry the caller's revision as the optimistic
// precondition: an existing row is only updated when its revision still
// matches, otherwise the save fails with ErrStaleEntity and the whole
// transaction is expected to roll back.
type tx struct {
	reader

	tx *sql.Tx
}

func (t *tx) SaveExecution(ctx context.Context, execution *models.Execution) error {
	if execution == nil || execution.ID == "" {
		return persistence.NewEntityError("SaveExecution", "", persistence.ErrIllegalArgument)
	}

	childIDs, err := json.Marshal(orEmptySlice(execution.ChildIDs))
	if err != nil {
		return fmt.Errorf("failed to encode child ids: %w", err)
	}

	variables, err := json.Marshal(orEmptyMap(execution.Variables))
	if err != nil {
		return fmt.Errorf("failed to encode variables: %w", err)
	}

	if execution.Revision == 0 {
		_, err = t.tx.ExecContext(ctx, `
			INSERT INTO executions (
				id, process_instance_id, process_definition_id, parent_id,
				current_activity_id, is_active, is_concurrent, is_scope,
				child_ids, variables, revision, created_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, 1, $11)
		`, execution.ID, execution.ProcessInstanceID, execution.ProcessDefinitionID,
			execution.ParentID, execution.CurrentActivityID, execution.IsActive,
			execution.IsConcurrent, execution.IsScope, childIDs, variables,
			execution.CreatedAt)
		if err != nil {
			return persistence.NewEntityError("SaveExecution", execution.ID, err)
		}

		// Keep the struct's revision in step with the row so a later save
		// in the same transaction updates instead of re-inserting.
		execution.Revision = 1

		return nil
	}

	result, err := t.tx.ExecContext(ctx, `
		UPDATE executions SET
			process_instance_id = $2, process_definition_id = $3, parent_id = $4,
			current_activity_id = $5, is_active = $6, is_concurrent = $7,
			is_scope = $8, child_ids = $9, variables = $10, revision = revision + 1
		WHERE id = $1 AND revision = $11
	`, execution.ID, execution.ProcessInstanceID, execution.ProcessDefinitionID,
		execution.ParentID, execution.CurrentActivityID, execution.IsActive,
		execution.IsConcurrent, execution.IsScope, childIDs, variables,
		execution.Revision)
	if err != nil {
		return persistence.NewEntityError("SaveExecution", execution.ID, err)
	}

	err = requireOneRow(result, "SaveExecution", execution.ID)
	if err != nil {
		return err
	}

	execution.Revision++

	return nil
}

func (t *tx) DeleteExecution(ctx context.Context, id string) error {
	_, err := t.tx.ExecContext(ctx, "DELETE FROM executions WHERE id = $1", id)
	if err != nil {
		return persistence.NewEntityError("DeleteExecution", id, err)
	}

	return nil
}

func (t *tx) SaveJob(ctx context.Context, job *models.Job) error {
	if job == nil || job.ID == "" {
		return persistence.NewEntityError("SaveJob", "", persistence.ErrIllegalArgument)
	}

	if job.Revision == 0 {
		_, err := t.tx.ExecContext(ctx, `
			INSERT INTO jobs (
				id, type, execution_id, process_instance_id, process_definition_id,
				due_date, retries, lock_owner, lock_expiration_time,
				exception_message, exception_stacktrace, handler_type,
				handler_config, repeat, suspended, revision, created_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, 1, $16)
		`, job.ID, string(job.Type), job.ExecutionID, job.ProcessInstanceID,
			job.ProcessDefinitionID, nullableTime(job.DueDate), job.Retries,
			job.LockOwner, nullableTime(job.LockExpirationTime),
			job.ExceptionMessage, job.ExceptionStacktrace, job.HandlerType,
			job.HandlerConfig, job.Repeat, job.Suspended, job.CreatedAt)
		if err != nil {
			return persistence.NewEntityError("SaveJob", job.ID, err)
		}

		job.Revision = 1

		return nil
	}

	result, err := t.tx.ExecContext(ctx, `
		UPDATE jobs SET
			type = $2, execution_id = $3, process_instance_id = $4,
			process_definition_id = $5, due_date = $6, retries = $7,
			lock_owner = $8, lock_expiration_time = $9, exception_message = $10,
			exception_stacktrace = $11, handler_type = $12, handler_config = $13,
			repeat = $14, suspended = $15, revision = revision + 1
		WHERE id = $1 AND revision = $16
	`, job.ID, string(job.Type), job.ExecutionID, job.ProcessInstanceID,
		job.ProcessDefinitionID, nullableTime(job.DueDate), job.Retries,
		job.LockOwner, nullableTime(job.LockExpirationTime),
		job.ExceptionMessage, job.ExceptionStacktrace, job.HandlerType,
		job.HandlerConfig, job.Repeat, job.Suspended, job.Revision)
	if err != nil {
		return persistence.NewEntityError("SaveJob", job.ID, err)
	}

	err = requireOneRow(result, "SaveJob", job.ID)
	if err != nil {
		return err
	}

	job.Revision++

	return nil
}

func (t *tx) DeleteJob(ctx context.Context, id string) error {
	_, err := t.tx.ExecContext(ctx, "DELETE FROM jobs WHERE id = $1", id)
	if err != nil {
		return persistence.NewEntityError("DeleteJob", id, err)
	}

	return nil
}

func (t *tx) SaveDeployment(ctx context.Context, deployment *models.Deployment) error {
	if deployment == nil || deployment.ID == "" {
		return persistence.NewEntityError("SaveDeployment", "", persistence.ErrIllegalArgument)
	}

	resources, err := json.Marshal(deployment.Resources)
	if err != nil {
		return fmt.Errorf("failed to encode deployment resources: %w", err)
	}

	_, err = t.tx.ExecContext(ctx, `
		INSERT INTO deployments (id, name, resources, deploy_time)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			resources = EXCLUDED.resources,
			deploy_time = EXCLUDED.deploy_time
	`, deployment.ID, deployment.Name, resources, deployment.DeployTime)
	if err != nil {
		return persistence.NewEntityError("SaveDeployment", deployment.ID, err)
	}

	return nil
}

func (t *tx) SaveDefinition(ctx context.Context, definition *models.ProcessDefinition) error {
	if definition == nil || definition.ID == "" {
		return persistence.NewEntityError("SaveDefinition", "", persistence.ErrIllegalArgument)
	}

	graph, err := json.Marshal(definition)
	if err != nil {
		return fmt.Errorf("failed to encode definition graph: %w", err)
	}

	_, err = t.tx.ExecContext(ctx, `
		INSERT INTO process_definitions (id, key, name, version, deployment_id, graph, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, definition.ID, definition.Key, definition.Name, definition.Version,
		definition.DeploymentID, graph, definition.CreatedAt)
	if err != nil {
		return persistence.NewEntityError("SaveDefinition", definition.ID, err)
	}

	return nil
}

func (t *tx) Commit(_ context.Context) error {
	return t.tx.Commit()
}

func (t *tx) Rollback(_ context.Context) error {
	return t.tx.Rollback()
}

func requireOneRow(result sql.Result, op, id string) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return persistence.NewEntityError(op, id, err)
	}

	if affected != 1 {
		return persistence.NewEntityError(op, id, persistence.ErrStaleEntity)
	}

	return nil
}

func orEmptySlice(s []string) []string {
	if s == nil {
		return []string{}
	}

	return s
}

func orEmptyMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}

	return m
}

func nullableTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}

	return sql.NullTime{Time: *t, Valid: true}
}
