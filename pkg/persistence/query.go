package persistence

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/procflow/procflow/pkg/models"
)

// JobOrderField names a sortable job column.
type JobOrderField string

const (
	JobOrderByDueDate   JobOrderField = "due_date"
	JobOrderByRetries   JobOrderField = "retries"
	JobOrderByCreatedAt JobOrderField = "created_at"
	JobOrderByID        JobOrderField = "id"
)

// JobOrder is one key of a multi-key sort. Keys apply in slice order and the
// resulting order is stable.
type JobOrder struct {
	Field JobOrderField
	Desc  bool
}

// JobQuery filters jobs. The zero query matches every job except dead-letter
// ones: jobs with an exhausted retry budget or an explicit park are invisible
// to default queries and only surface through DeadLetterOnly or
// WithException.
type JobQuery struct {
	ProcessInstanceID string
	ExecutionID       string
	Type              models.JobType

	// ExecutableOnly selects jobs due at Now, with retries left, unlocked or
	// lock-expired. Requires Now to be set.
	ExecutableOnly bool

	// TimersOnly selects timer-type jobs whose due date is still in the
	// future at Now.
	TimersOnly bool

	// DeadLetterOnly selects only dead-letter jobs.
	DeadLetterOnly bool

	// IncludeDeadLetter lifts the default dead-letter exclusion, matching
	// live and dead jobs alike. Cancellation sweeps use it.
	IncludeDeadLetter bool

	// WithException selects jobs carrying a captured exception message. Also
	// matches dead-letter jobs.
	WithException    bool
	ExceptionMessage string

	DueBefore *time.Time

	// Now is the engine time all due-date and lock comparisons are evaluated
	// against.
	Now time.Time

	OrderBy []JobOrder
	Limit   int
}

// Matches reports whether job satisfies every filter of the query.
func (q JobQuery) Matches(job *models.Job) bool {
	if q.ProcessInstanceID != "" && job.ProcessInstanceID != q.ProcessInstanceID {
		return false
	}

	if q.ExecutionID != "" && job.ExecutionID != q.ExecutionID {
		return false
	}

	if q.Type != "" && job.Type != q.Type {
		return false
	}

	if q.DeadLetterOnly {
		if !job.DeadLetter() {
			return false
		}
	} else if !q.IncludeDeadLetter && !q.WithException && job.DeadLetter() {
		// Dead-letter jobs are excluded from default queries.
		return false
	}

	if q.ExecutableOnly && !job.Executable(q.Now) {
		return false
	}

	if q.TimersOnly {
		if job.Type != models.JobTypeTimer && job.Type != models.JobTypeBoundaryTimer {
			return false
		}

		if job.DueDate == nil || !job.DueDate.After(q.Now) {
			return false
		}
	}

	if q.WithException && job.ExceptionMessage == "" {
		return false
	}

	if q.ExceptionMessage != "" && !strings.Contains(job.ExceptionMessage, q.ExceptionMessage) {
		return false
	}

	if q.DueBefore != nil {
		if job.DueDate != nil && job.DueDate.After(*q.DueBefore) {
			return false
		}
	}

	return true
}

// SortJobs applies the query's multi-key order. Without an explicit order,
// jobs sort oldest due-date first (nil due dates first), the fairness order
// the acquisition loop relies on.
func (q JobQuery) SortJobs(jobs []*models.Job) {
	orderBy := q.OrderBy
	if len(orderBy) == 0 {
		orderBy = []JobOrder{{Field: JobOrderByDueDate}, {Field: JobOrderByCreatedAt}}
	}

	sort.SliceStable(jobs, func(i, j int) bool {
		for _, order := range orderBy {
			c := compareJobs(jobs[i], jobs[j], order.Field)
			if c == 0 {
				continue
			}

			if order.Desc {
				return c > 0
			}

			return c < 0
		}

		return false
	})
}

func compareJobs(a, b *models.Job, field JobOrderField) int {
	switch field {
	case JobOrderByDueDate:
		return compareDue(a.DueDate, b.DueDate)
	case JobOrderByRetries:
		return a.Retries - b.Retries
	case JobOrderByCreatedAt:
		return compareTime(a.CreatedAt, b.CreatedAt)
	case JobOrderByID:
		return strings.Compare(a.ID, b.ID)
	default:
		return 0
	}
}

// compareDue orders nil due dates (immediately executable) before any
// concrete due date.
func compareDue(a, b *time.Time) int {
	switch {
	case a == nil && b == nil:
		return 0
	case a == nil:
		return -1
	case b == nil:
		return 1
	default:
		return compareTime(*a, *b)
	}
}

func compareTime(a, b time.Time) int {
	switch {
	case a.Before(b):
		return -1
	case a.After(b):
		return 1
	default:
		return 0
	}
}

// ExecutionQuery filters executions.
type ExecutionQuery struct {
	ProcessInstanceID string
	ParentID          string
	CurrentActivityID string
	ActiveOnly        bool
	RootsOnly         bool
}

// Matches reports whether execution satisfies every filter of the query.
func (q ExecutionQuery) Matches(execution *models.Execution) bool {
	if q.ProcessInstanceID != "" && execution.ProcessInstanceID != q.ProcessInstanceID {
		return false
	}

	if q.ParentID != "" && execution.ParentID != q.ParentID {
		return false
	}

	if q.CurrentActivityID != "" && execution.CurrentActivityID != q.CurrentActivityID {
		return false
	}

	if q.ActiveOnly && !execution.IsActive {
		return false
	}

	if q.RootsOnly && !execution.IsProcessInstance() {
		return false
	}

	return true
}

// FindOneJob enforces the single-result query contract: nil when nothing
// matches, ErrAmbiguousResult when more than one row does.
func FindOneJob(ctx context.Context, view View, query JobQuery) (*models.Job, error) {
	jobs, err := view.Jobs(ctx, query)
	if err != nil {
		return nil, err
	}

	switch len(jobs) {
	case 0:
		return nil, nil
	case 1:
		return jobs[0], nil
	default:
		return nil, ErrAmbiguousResult
	}
}

// FindOneExecution enforces the single-result query contract for executions.
func FindOneExecution(ctx context.Context, view View, query ExecutionQuery) (*models.Execution, error) {
	executions, err := view.Executions(ctx, query)
	if err != nil {
		return nil, err
	}

	switch len(executions) {
	case 0:
		return nil, nil
	case 1:
		return executions[0], nil
	default:
		return nil, ErrAmbiguousResult
	}
}
