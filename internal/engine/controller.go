package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/mealgrid/orchestrator/internal/models"
	"github.com/mealgrid/orchestrator/internal/store"
)

const (
	defaultPageLimit = 20
	maxPageLimit     = 100

	// dueJobBatchSize caps how many due jobs one RunDueJobs pass claims.
	dueJobBatchSize = 50
)

// CreateJobInput is the caller-supplied portion of a new job.
type CreateJobInput struct {
	Operation     string
	TargetSchools []string
	Parameters    map[string]any
	Priority      models.JobPriority
	ScheduledAt   *time.Time
}

// UpdateJobInput carries the fields a caller may change while a job is
// still PENDING or SCHEDULED.
type UpdateJobInput struct {
	Priority    *models.JobPriority
	ScheduledAt *time.Time
	Parameters  map[string]any
}

// ListJobsInput filters and paginates List.
type ListJobsInput struct {
	Status    models.JobStatus
	Operation string
	Page      int
	Limit     int
}

// ListJobsOutput is one page of jobs plus pagination totals.
type ListJobsOutput struct {
	Jobs  []*models.OrchestrationJob
	Total int64
	Pages int
}

// Submitter hands a created job to a background runner. Implementations
// must not block.
type Submitter interface {
	Submit(jobID string) error
}

// Controller is the public entry point of the job engine. It validates
// input, enforces caller scope against target lists, and delegates to the
// store and executor. Scope enforcement lives here, not in the transport
// layer.
type Controller struct {
	store      store.JobStore
	dispatcher *Dispatcher
	executor   *BulkExecutor
	directory  SchoolDirectory
	now        func() time.Time
	submitter  Submitter
}

// AttachSubmitter makes Create hand PENDING jobs to a background runner
// instead of leaving them for an explicit trigger. Call before serving
// traffic; the controller does not synchronize this field.
func (c *Controller) AttachSubmitter(s Submitter) {
	c.submitter = s
}

// NewController wires a controller. The now function is injectable for
// tests; pass nil for time.Now.
func NewController(jobStore store.JobStore, dispatcher *Dispatcher, executor *BulkExecutor, directory SchoolDirectory, now func() time.Time) *Controller {
	if now == nil {
		now = time.Now
	}
	return &Controller{
		store:      jobStore,
		dispatcher: dispatcher,
		executor:   executor,
		directory:  directory,
		now:        now,
	}
}

// Create validates and persists a new job. The initial status is PENDING,
// or SCHEDULED when ScheduledAt is in the future. Validation and scope
// failures never leave a partial record.
func (c *Controller) Create(ctx context.Context, caller models.Caller, input CreateJobInput) (*models.OrchestrationJob, error) {
	return c.create(ctx, caller, input, true)
}

func (c *Controller) create(ctx context.Context, caller models.Caller, input CreateJobInput, submit bool) (*models.OrchestrationJob, error) {
	if err := c.validateCreate(ctx, caller, input); err != nil {
		return nil, err
	}

	now := c.now()
	status := models.JobStatusPending
	if input.ScheduledAt != nil && input.ScheduledAt.After(now) {
		status = models.JobStatusScheduled
	}

	priority := input.Priority
	if priority == "" {
		priority = models.JobPriorityMedium
	}
	if !priority.Valid() {
		return nil, fmt.Errorf("%w: invalid priority %q", ErrValidation, priority)
	}

	job := &models.OrchestrationJob{
		ID:            uuid.Must(uuid.NewV7()).String(),
		Scope:         caller.JobScope(),
		Operation:     input.Operation,
		TargetSchools: append([]string(nil), input.TargetSchools...),
		Parameters:    input.Parameters,
		Priority:      priority,
		Status:        status,
		Progress:      0,
		ScheduledAt:   input.ScheduledAt,
		CreatedBy:     caller.Subject,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	if err := c.store.CreateJob(ctx, job); err != nil {
		return nil, fmt.Errorf("failed to create job: %w", err)
	}

	log.Info().
		Str("job_id", job.ID).
		Str("operation", job.Operation).
		Str("status", string(job.Status)).
		Str("created_by", caller.Subject).
		Int("targets", job.TotalTargets()).
		Msg("Created job")

	if submit && status == models.JobStatusPending && c.submitter != nil {
		if err := c.submitter.Submit(job.ID); err != nil {
			// The record is durable; an operator or a re-submit can pick
			// it up later.
			log.Warn().Str("job_id", job.ID).Err(err).Msg("Failed to hand job to runner")
		}
	}

	return job, nil
}

// Schedule creates a job through the explicit scheduling path, which
// requires ScheduledAt to be strictly in the future.
func (c *Controller) Schedule(ctx context.Context, caller models.Caller, input CreateJobInput) (*models.OrchestrationJob, error) {
	if input.ScheduledAt == nil || !input.ScheduledAt.After(c.now()) {
		return nil, fmt.Errorf("%w: scheduled_at must be in the future", ErrValidation)
	}
	return c.Create(ctx, caller, input)
}

// ExecuteBulkNow creates the job and runs it synchronously, returning the
// final aggregate. The caller blocks for the full batch.
func (c *Controller) ExecuteBulkNow(ctx context.Context, caller models.Caller, input CreateJobInput) (*BulkOutcome, error) {
	input.ScheduledAt = nil

	job, err := c.create(ctx, caller, input, false)
	if err != nil {
		return nil, err
	}

	outcome, err := c.executor.Execute(ctx, job)
	if err != nil {
		return nil, err
	}
	if outcome == nil {
		// The job was claimed elsewhere between create and run; report
		// what the record says.
		return c.outcomeFromRecord(ctx, job.ID)
	}
	return outcome, nil
}

// Get returns a job by id. Jobs outside the caller's scope are reported
// as not found.
func (c *Controller) Get(ctx context.Context, caller models.Caller, jobID string) (*models.OrchestrationJob, error) {
	job, err := c.store.GetJob(ctx, jobID)
	if err != nil {
		if errors.Is(err, store.ErrJobNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, jobID)
		}
		return nil, err
	}
	if !caller.CanAccess(job.Scope) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, jobID)
	}
	return job, nil
}

// List returns a filtered, paginated page of jobs. District callers only
// ever see their own district's jobs.
func (c *Controller) List(ctx context.Context, caller models.Caller, input ListJobsInput) (*ListJobsOutput, error) {
	if input.Status != "" && !input.Status.Valid() {
		return nil, fmt.Errorf("%w: invalid status %q", ErrValidation, input.Status)
	}

	// A district caller without a district could otherwise filter on the
	// empty scope, which is exactly the platform-wide set.
	if !caller.Platform && caller.DistrictID == "" {
		return nil, fmt.Errorf("%w: caller has no district scope", ErrAccessDenied)
	}

	limit := input.Limit
	if limit <= 0 {
		limit = defaultPageLimit
	}
	if limit > maxPageLimit {
		limit = maxPageLimit
	}
	page := input.Page
	if page < 1 {
		page = 1
	}

	filter := store.JobFilter{
		Status:    input.Status,
		Operation: input.Operation,
		Page:      page,
		Limit:     limit,
	}
	if !caller.Platform {
		filter.Scope = caller.DistrictID
		filter.ScopeSet = true
	}

	jobs, total, err := c.store.ListJobs(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}

	pages := int((total + int64(limit) - 1) / int64(limit))
	return &ListJobsOutput{Jobs: jobs, Total: total, Pages: pages}, nil
}

// ListByStatus returns jobs in the given status, capped at one page.
func (c *Controller) ListByStatus(ctx context.Context, caller models.Caller, status models.JobStatus) ([]*models.OrchestrationJob, error) {
	if !status.Valid() {
		return nil, fmt.Errorf("%w: invalid status %q", ErrValidation, status)
	}
	out, err := c.List(ctx, caller, ListJobsInput{Status: status, Limit: maxPageLimit})
	if err != nil {
		return nil, err
	}
	return out.Jobs, nil
}

// Update changes the mutable fields of a PENDING or SCHEDULED job.
func (c *Controller) Update(ctx context.Context, caller models.Caller, jobID string, input UpdateJobInput) (*models.OrchestrationJob, error) {
	if _, err := c.Get(ctx, caller, jobID); err != nil {
		return nil, err
	}

	if input.Priority != nil && !input.Priority.Valid() {
		return nil, fmt.Errorf("%w: invalid priority %q", ErrValidation, *input.Priority)
	}

	updated, err := c.store.UpdateJobFields(ctx, jobID, store.JobUpdate{
		Priority:    input.Priority,
		ScheduledAt: input.ScheduledAt,
		Parameters:  input.Parameters,
	}, mutableStatuses)
	if err != nil {
		if errors.Is(err, store.ErrStatusConflict) {
			// The store's conflict error carries the status the write
			// actually saw, which the earlier Get may not.
			return nil, fmt.Errorf("%w: %w", ErrNotModifiable, err)
		}
		return nil, fmt.Errorf("failed to update job: %w", err)
	}
	return updated, nil
}

// Cancel transitions a PENDING or SCHEDULED job to CANCELLED. A RUNNING
// job cannot be cancelled; neither can a job already in a terminal status.
func (c *Controller) Cancel(ctx context.Context, caller models.Caller, jobID string) (string, error) {
	if _, err := c.Get(ctx, caller, jobID); err != nil {
		return "", err
	}

	_, err := c.store.TransitionStatus(ctx, jobID, models.JobStatusCancelled, mutableStatuses)
	if err != nil {
		if errors.Is(err, store.ErrStatusConflict) {
			return "", fmt.Errorf("%w: %w", ErrNotCancellable, err)
		}
		return "", fmt.Errorf("failed to cancel job: %w", err)
	}

	log.Info().
		Str("job_id", jobID).
		Str("cancelled_by", caller.Subject).
		Msg("Cancelled job")

	return jobID, nil
}

// Delete removes a job in a terminal status.
func (c *Controller) Delete(ctx context.Context, caller models.Caller, jobID string) (string, error) {
	if _, err := c.Get(ctx, caller, jobID); err != nil {
		return "", err
	}

	if err := c.store.DeleteJob(ctx, jobID, terminalStatuses); err != nil {
		if errors.Is(err, store.ErrStatusConflict) {
			return "", fmt.Errorf("%w: %w", ErrNotDeletable, err)
		}
		return "", fmt.Errorf("failed to delete job: %w", err)
	}
	return jobID, nil
}

// RunDueJobs claims SCHEDULED jobs whose time has come and executes them.
// It is the "run due jobs" entry point behind the scheduler trigger and
// may also be invoked directly by an operator.
func (c *Controller) RunDueJobs(ctx context.Context, now time.Time) (int, error) {
	due, err := c.store.ListDueJobs(ctx, now, dueJobBatchSize)
	if err != nil {
		return 0, fmt.Errorf("failed to list due jobs: %w", err)
	}

	ran := 0
	for _, job := range due {
		if ctx.Err() != nil {
			return ran, ctx.Err()
		}
		outcome, err := c.executor.Execute(ctx, job)
		if err != nil {
			log.Error().
				Str("job_id", job.ID).
				Err(err).
				Msg("Due job execution failed")
			continue
		}
		if outcome != nil {
			ran++
		}
	}
	return ran, nil
}

func (c *Controller) validateCreate(ctx context.Context, caller models.Caller, input CreateJobInput) error {
	if input.Operation == "" {
		return fmt.Errorf("%w: operation is required", ErrValidation)
	}
	if !c.dispatcher.Registered(input.Operation) {
		// Fail fast on typos rather than producing a job whose every
		// target fails at dispatch time.
		return fmt.Errorf("%w: %w: %s", ErrValidation, ErrUnknownOperation, input.Operation)
	}
	if len(input.TargetSchools) == 0 {
		return fmt.Errorf("%w: at least one target school is required", ErrValidation)
	}
	seen := make(map[string]struct{}, len(input.TargetSchools))
	for _, schoolID := range input.TargetSchools {
		if schoolID == "" {
			return fmt.Errorf("%w: empty target school id", ErrValidation)
		}
		if _, dup := seen[schoolID]; dup {
			return fmt.Errorf("%w: duplicate target school %s", ErrValidation, schoolID)
		}
		seen[schoolID] = struct{}{}
	}

	// Platform operators may target any school; the check below is the
	// once-at-creation scope enforcement for district callers.
	if caller.Platform {
		return nil
	}
	if caller.DistrictID == "" {
		return fmt.Errorf("%w: caller has no district scope", ErrAccessDenied)
	}

	for _, schoolID := range input.TargetSchools {
		district, err := c.directory.DistrictOf(ctx, schoolID)
		if err != nil {
			if errors.Is(err, ErrSchoolNotFound) {
				return fmt.Errorf("%w: school %s is outside caller scope", ErrAccessDenied, schoolID)
			}
			return fmt.Errorf("failed to resolve school %s: %w", schoolID, err)
		}
		if district != caller.DistrictID {
			return fmt.Errorf("%w: school %s is outside caller scope", ErrAccessDenied, schoolID)
		}
	}
	return nil
}

// outcomeFromRecord derives an aggregate from the persisted record when
// the synchronous path lost the claim race.
func (c *Controller) outcomeFromRecord(ctx context.Context, jobID string) (*BulkOutcome, error) {
	job, err := c.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	return &BulkOutcome{
		JobID:        job.ID,
		TotalTargets: job.TotalTargets(),
		SuccessCount: job.SuccessCount,
		FailedCount:  job.FailedCount,
		Results:      job.Results,
	}, nil
}
