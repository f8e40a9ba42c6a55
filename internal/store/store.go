package store

import (
	"context"
	"errors"
	"time"

	"github.com/mealgrid/orchestrator/internal/models"
)

// Sentinel errors for common error conditions
var (
	ErrJobNotFound    = errors.New("job not found")
	ErrStatusConflict = errors.New("job status precondition not met")
	ErrDuplicateJob   = errors.New("job already exists")
)

// JobFilter narrows and paginates ListJobs results. Zero-value fields are
// ignored. Scope filtering is mandatory for district callers and is applied
// here rather than re-checked per row by the controller.
type JobFilter struct {
	// Status filters by exact job status.
	Status models.JobStatus

	// Operation filters by operation name.
	Operation string

	// Scope restricts results to a single district when ScopeSet is true.
	// Scope may be empty with ScopeSet true to select platform-wide jobs.
	Scope    string
	ScopeSet bool

	// Page is 1-based. Limit caps the page size.
	Page  int
	Limit int
}

// JobUpdate carries the mutable fields of a job. Nil fields are left
// untouched. Only PENDING and SCHEDULED jobs may be updated.
type JobUpdate struct {
	Priority    *models.JobPriority
	ScheduledAt *time.Time
	Parameters  map[string]any
}

// JobStore is the durable record of orchestration jobs.
//
// TransitionStatus, UpdateJobFields, CompleteJob and DeleteJob are
// conditional writes: they apply only while the job's current status is in
// allowedFrom, and return ErrStatusConflict otherwise. This is what makes
// racing cancel-then-run or double-run safe.
//
// AppendResult must behave as append plus counter increment, not a
// read-modify-write of the whole record, so parallel target execution
// never loses updates.
type JobStore interface {
	// CreateJob persists a new job record. The job's ID must be unique.
	CreateJob(ctx context.Context, job *models.OrchestrationJob) error

	// GetJob returns the job with the given id, or ErrJobNotFound.
	GetJob(ctx context.Context, id string) (*models.OrchestrationJob, error)

	// ListJobs returns a page of jobs matching the filter, newest first,
	// along with the total match count.
	ListJobs(ctx context.Context, filter JobFilter) ([]*models.OrchestrationJob, int64, error)

	// UpdateJobFields applies the mutable-field update if the current
	// status is in allowedFrom, and returns the updated job.
	UpdateJobFields(ctx context.Context, id string, update JobUpdate, allowedFrom []models.JobStatus) (*models.OrchestrationJob, error)

	// TransitionStatus moves the job to the given status if its current
	// status is in allowedFrom, and returns the updated job.
	TransitionStatus(ctx context.Context, id string, to models.JobStatus, allowedFrom []models.JobStatus) (*models.OrchestrationJob, error)

	// AppendResult appends one target outcome, increments the matching
	// success/failed counter and advances progress, as a single write.
	AppendResult(ctx context.Context, id string, result models.TargetResult, progress float64) error

	// CompleteJob moves a RUNNING job to the given terminal status,
	// setting progress and stamping completed_at.
	CompleteJob(ctx context.Context, id string, status models.JobStatus, progress float64) (*models.OrchestrationJob, error)

	// DeleteJob removes the job if its current status is in allowedFrom.
	DeleteJob(ctx context.Context, id string, allowedFrom []models.JobStatus) error

	// ListDueJobs returns up to limit SCHEDULED jobs whose scheduled_at
	// is at or before now, oldest first. Implementations backing multiple
	// pollers must ensure two concurrent calls never both claim the same
	// job once the caller transitions it to RUNNING.
	ListDueJobs(ctx context.Context, now time.Time, limit int) ([]*models.OrchestrationJob, error)
}
