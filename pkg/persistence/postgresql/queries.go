package postgresql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/procflow/procflow/pkg/models"
	"github.com/procflow/procflow/pkg/persistence"
)

// querier is satisfied by both *sql.DB and *sql.Tx, so the read side is
// shared between plain views and transactions.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type reader struct {
	q querier
}

const executionColumns = `id, process_instance_id, process_definition_id, parent_id,
	current_activity_id, is_active, is_concurrent, is_scope, child_ids, variables,
	revision, created_at`

const jobColumns = `id, type, execution_id, process_instance_id, process_definition_id,
	due_date, retries, lock_owner, lock_expiration_time, exception_message,
	exception_stacktrace, handler_type, handler_config, repeat, suspended,
	revision, created_at`

func (r *reader) ExecutionByID(ctx context.Context, id string) (*models.Execution, error) {
	row := r.q.QueryRowContext(ctx,
		"SELECT "+executionColumns+" FROM executions WHERE id = $1", id)

	execution, err := scanExecution(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, persistence.NewEntityError("ExecutionByID", id, persistence.ErrExecutionNotFound)
	}

	if err != nil {
		return nil, persistence.NewEntityError("ExecutionByID", id, err)
	}

	return execution, nil
}

func (r *reader) Executions(ctx context.Context, query persistence.ExecutionQuery) ([]*models.Execution, error) {
	var conditions []string

	var args []any

	add := func(condition string, value any) {
		args = append(args, value)
		conditions = append(conditions, fmt.Sprintf(condition, len(args)))
	}

	if query.ProcessInstanceID != "" {
		add("process_instance_id = $%d", query.ProcessInstanceID)
	}

	if query.ParentID != "" {
		add("parent_id = $%d", query.ParentID)
	}

	if query.CurrentActivityID != "" {
		add("current_activity_id = $%d", query.CurrentActivityID)
	}

	if query.ActiveOnly {
		conditions = append(conditions, "is_active = TRUE")
	}

	if query.RootsOnly {
		conditions = append(conditions, "parent_id = ''")
	}

	sqlQuery := "SELECT " + executionColumns + " FROM executions"
	if len(conditions) > 0 {
		sqlQuery += " WHERE " + strings.Join(conditions, " AND ")
	}

	sqlQuery += " ORDER BY created_at, id"

	rows, err := r.q.QueryContext(ctx, sqlQuery, args...)
	if err != nil {
		return nil, persistence.NewEntityError("Executions", "", err)
	}
	defer rows.Close()

	var result []*models.Execution

	for rows.Next() {
		execution, err := scanExecution(rows)
		if err != nil {
			return nil, persistence.NewEntityError("Executions", "", err)
		}

		result = append(result, execution)
	}

	return result, rows.Err()
}

func (r *reader) JobByID(ctx context.Context, id string) (*models.Job, error) {
	row := r.q.QueryRowContext(ctx,
		"SELECT "+jobColumns+" FROM jobs WHERE id = $1", id)

	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, persistence.NewEntityError("JobByID", id, persistence.ErrJobNotFound)
	}

	if err != nil {
		return nil, persistence.NewEntityError("JobByID", id, err)
	}

	return job, nil
}

func (r *reader) Jobs(ctx context.Context, query persistence.JobQuery) ([]*models.Job, error) {
	conditions, args := jobConditions(query)

	sqlQuery := "SELECT " + jobColumns + " FROM jobs"
	if len(conditions) > 0 {
		sqlQuery += " WHERE " + strings.Join(conditions, " AND ")
	}

	sqlQuery += jobOrderClause(query)

	if query.Limit > 0 {
		args = append(args, query.Limit)
		sqlQuery += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := r.q.QueryContext(ctx, sqlQuery, args...)
	if err != nil {
		return nil, persistence.NewEntityError("Jobs", "", err)
	}
	defer rows.Close()

	var result []*models.Job

	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, persistence.NewEntityError("Jobs", "", err)
		}

		result = append(result, job)
	}

	return result, rows.Err()
}

func jobConditions(query persistence.JobQuery) ([]string, []any) {
	var conditions []string

	var args []any

	add := func(condition string, value any) {
		args = append(args, value)
		conditions = append(conditions, strings.ReplaceAll(condition, "?", fmt.Sprintf("$%d", len(args))))
	}

	if query.ProcessInstanceID != "" {
		add("process_instance_id = ?", query.ProcessInstanceID)
	}

	if query.ExecutionID != "" {
		add("execution_id = ?", query.ExecutionID)
	}

	if query.Type != "" {
		add("type = ?", string(query.Type))
	}

	deadLetter := "(suspended OR retries <= 0)"

	switch {
	case query.DeadLetterOnly:
		conditions = append(conditions, deadLetter)
	case query.IncludeDeadLetter, query.WithException:
		// cancellation sweeps and exception queries see dead-letter rows
	default:
		conditions = append(conditions, "NOT "+deadLetter)
	}

	if query.ExecutableOnly {
		add("(due_date IS NULL OR due_date <= ?)", query.Now)
		add("(lock_owner = '' OR lock_expiration_time IS NULL OR lock_expiration_time <= ?)", query.Now)
		conditions = append(conditions, "retries > 0", "suspended = FALSE")
	}

	if query.TimersOnly {
		add("type IN ('timer', 'boundary-timer') AND due_date > ?", query.Now)
	}

	if query.WithException {
		conditions = append(conditions, "exception_message <> ''")
	}

	if query.ExceptionMessage != "" {
		add("exception_message LIKE '%' || ? || '%'", query.ExceptionMessage)
	}

	if query.DueBefore != nil {
		add("(due_date IS NULL OR due_date <= ?)", *query.DueBefore)
	}

	return conditions, args
}

func jobOrderClause(query persistence.JobQuery) string {
	orderBy := query.OrderBy
	if len(orderBy) == 0 {
		orderBy = []persistence.JobOrder{
			{Field: persistence.JobOrderByDueDate},
			{Field: persistence.JobOrderByCreatedAt},
		}
	}

	parts := make([]string, 0, len(orderBy)+1)

	for _, order := range orderBy {
		direction := "ASC"
		nulls := " NULLS FIRST"

		if order.Desc {
			direction = "DESC"
			nulls = " NULLS LAST"
		}

		if order.Field != persistence.JobOrderByDueDate {
			nulls = ""
		}

		parts = append(parts, fmt.Sprintf("%s %s%s", order.Field, direction, nulls))
	}

	// Tie-break on id so multi-key sorts are a stable total order.
	parts = append(parts, "id ASC")

	return " ORDER BY " + strings.Join(parts, ", ")
}

type scannable interface {
	Scan(dest ...any) error
}

func scanExecution(row scannable) (*models.Execution, error) {
	var execution models.Execution

	var childIDs, variables []byte

	err := row.Scan(
		&execution.ID,
		&execution.ProcessInstanceID,
		&execution.ProcessDefinitionID,
		&execution.ParentID,
		&execution.CurrentActivityID,
		&execution.IsActive,
		&execution.IsConcurrent,
		&execution.IsScope,
		&childIDs,
		&variables,
		&execution.Revision,
		&execution.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	err = json.Unmarshal(childIDs, &execution.ChildIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to decode child ids: %w", err)
	}

	err = json.Unmarshal(variables, &execution.Variables)
	if err != nil {
		return nil, fmt.Errorf("failed to decode variables: %w", err)
	}

	return &execution, nil
}

func scanJob(row scannable) (*models.Job, error) {
	var job models.Job

	var jobType string

	var dueDate, lockExpiration sql.NullTime

	err := row.Scan(
		&job.ID,
		&jobType,
		&job.ExecutionID,
		&job.ProcessInstanceID,
		&job.ProcessDefinitionID,
		&dueDate,
		&job.Retries,
		&job.LockOwner,
		&lockExpiration,
		&job.ExceptionMessage,
		&job.ExceptionStacktrace,
		&job.HandlerType,
		&job.HandlerConfig,
		&job.Repeat,
		&job.Suspended,
		&job.Revision,
		&job.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	job.Type = models.JobType(jobType)

	if dueDate.Valid {
		due := dueDate.Time
		job.DueDate = &due
	}

	if lockExpiration.Valid {
		exp := lockExpiration.Time
		job.LockExpirationTime = &exp
	}

	return &job, nil
}

func (r *reader) DeploymentByID(ctx context.Context, id string) (*models.Deployment, error) {
	row := r.q.QueryRowContext(ctx,
		"SELECT id, name, resources, deploy_time FROM deployments WHERE id = $1", id)

	deployment, err := scanDeployment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, persistence.NewEntityError("DeploymentByID", id, persistence.ErrDeploymentNotFound)
	}

	if err != nil {
		return nil, persistence.NewEntityError("DeploymentByID", id, err)
	}

	return deployment, nil
}

func (r *reader) LatestDeploymentByName(ctx context.Context, name string) (*models.Deployment, error) {
	row := r.q.QueryRowContext(ctx, `
		SELECT id, name, resources, deploy_time FROM deployments
		WHERE name = $1 ORDER BY deploy_time DESC LIMIT 1`, name)

	deployment, err := scanDeployment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, persistence.NewEntityError("LatestDeploymentByName", name, persistence.ErrDeploymentNotFound)
	}

	if err != nil {
		return nil, persistence.NewEntityError("LatestDeploymentByName", name, err)
	}

	return deployment, nil
}

func scanDeployment(row scannable) (*models.Deployment, error) {
	var deployment models.Deployment

	var resources []byte

	err := row.Scan(&deployment.ID, &deployment.Name, &resources, &deployment.DeployTime)
	if err != nil {
		return nil, err
	}

	err = json.Unmarshal(resources, &deployment.Resources)
	if err != nil {
		return nil, fmt.Errorf("failed to decode deployment resources: %w", err)
	}

	return &deployment, nil
}

func (r *reader) DefinitionByID(ctx context.Context, id string) (*models.ProcessDefinition, error) {
	row := r.q.QueryRowContext(ctx,
		"SELECT graph FROM process_definitions WHERE id = $1", id)

	definition, err := scanDefinition(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, persistence.NewEntityError("DefinitionByID", id, persistence.ErrDefinitionNotFound)
	}

	if err != nil {
		return nil, persistence.NewEntityError("DefinitionByID", id, err)
	}

	return definition, nil
}

func (r *reader) LatestDefinitionByKey(ctx context.Context, key string) (*models.ProcessDefinition, error) {
	row := r.q.QueryRowContext(ctx, `
		SELECT graph FROM process_definitions
		WHERE key = $1 ORDER BY version DESC LIMIT 1`, key)

	definition, err := scanDefinition(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, persistence.NewEntityError("LatestDefinitionByKey", key, persistence.ErrDefinitionNotFound)
	}

	if err != nil {
		return nil, persistence.NewEntityError("LatestDefinitionByKey", key, err)
	}

	return definition, nil
}

func (r *reader) Definitions(ctx context.Context) ([]*models.ProcessDefinition, error) {
	rows, err := r.q.QueryContext(ctx, "SELECT graph FROM process_definitions ORDER BY key, version")
	if err != nil {
		return nil, persistence.NewEntityError("Definitions", "", err)
	}
	defer rows.Close()

	var result []*models.ProcessDefinition

	for rows.Next() {
		definition, err := scanDefinition(rows)
		if err != nil {
			return nil, persistence.NewEntityError("Definitions", "", err)
		}

		result = append(result, definition)
	}

	return result, rows.Err()
}

func scanDefinition(row scannable) (*models.ProcessDefinition, error) {
	var graph []byte

	err := row.Scan(&graph)
	if err != nil {
		return nil, err
	}

	var definition models.ProcessDefinition

	err = json.Unmarshal(graph, &definition)
	if err != nil {
		return nil, fmt.Errorf("failed to decode definition graph: %w", err)
	}

	return &definition, nil
}
