package store

import (
	"context"
	"fmt"
	"maps"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/mealgrid/orchestrator/internal/models"
)

// MemoryJobStore implements JobStore using in-memory storage. It is the
// test double and the backend for single-process deployments without
// Postgres. All conditional-write semantics match the Postgres store.
type MemoryJobStore struct {
	mu   sync.RWMutex
	jobs map[string]*models.OrchestrationJob
}

// NewMemoryJobStore creates a new in-memory job store
func NewMemoryJobStore() *MemoryJobStore {
	return &MemoryJobStore{
		jobs: make(map[string]*models.OrchestrationJob),
	}
}

// CreateJob persists a new job record.
func (s *MemoryJobStore) CreateJob(_ context.Context, job *models.OrchestrationJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobs[job.ID]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateJob, job.ID)
	}

	s.jobs[job.ID] = cloneJob(job)

	log.Debug().
		Str("job_id", job.ID).
		Str("operation", job.Operation).
		Int("targets", job.TotalTargets()).
		Msg("Created job")

	return nil
}

// GetJob returns a copy of the job with the given id.
func (s *MemoryJobStore) GetJob(_ context.Context, id string) (*models.OrchestrationJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	job, ok := s.jobs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	return cloneJob(job), nil
}

// ListJobs returns a page of matching jobs, newest first, plus the total
// match count.
func (s *MemoryJobStore) ListJobs(_ context.Context, filter JobFilter) ([]*models.OrchestrationJob, int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []*models.OrchestrationJob
	for _, job := range s.jobs {
		if !matchesFilter(job, filter) {
			continue
		}
		matched = append(matched, job)
	}

	sort.Slice(matched, func(i, j int) bool {
		if matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].ID > matched[j].ID
		}
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	total := int64(len(matched))

	page := filter.Page
	if page < 1 {
		page = 1
	}
	limit := filter.Limit
	if limit < 1 {
		limit = 50
	}

	start := (page - 1) * limit
	if start >= len(matched) {
		return nil, total, nil
	}
	end := min(start+limit, len(matched))

	out := make([]*models.OrchestrationJob, 0, end-start)
	for _, job := range matched[start:end] {
		out = append(out, cloneJob(job))
	}
	return out, total, nil
}

// UpdateJobFields applies the mutable-field update conditionally on status.
func (s *MemoryJobStore) UpdateJobFields(_ context.Context, id string, update JobUpdate, allowedFrom []models.JobStatus) (*models.OrchestrationJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	if !statusIn(job.Status, allowedFrom) {
		return nil, fmt.Errorf("%w: status is %s", ErrStatusConflict, job.Status)
	}

	if update.Priority != nil {
		job.Priority = *update.Priority
	}
	if update.ScheduledAt != nil {
		t := *update.ScheduledAt
		job.ScheduledAt = &t
	}
	if update.Parameters != nil {
		job.Parameters = maps.Clone(update.Parameters)
	}
	job.UpdatedAt = time.Now()

	return cloneJob(job), nil
}

// TransitionStatus moves the job to the given status conditionally.
func (s *MemoryJobStore) TransitionStatus(_ context.Context, id string, to models.JobStatus, allowedFrom []models.JobStatus) (*models.OrchestrationJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	if !statusIn(job.Status, allowedFrom) {
		return nil, fmt.Errorf("%w: status is %s", ErrStatusConflict, job.Status)
	}

	job.Status = to
	job.UpdatedAt = time.Now()
	if to.Terminal() {
		now := time.Now()
		job.CompletedAt = &now
	}

	log.Debug().
		Str("job_id", id).
		Str("status", string(to)).
		Msg("Transitioned job status")

	return cloneJob(job), nil
}

// AppendResult appends one target outcome and bumps the counters under a
// single lock acquisition, matching the Postgres store's single-statement
// write.
func (s *MemoryJobStore) AppendResult(_ context.Context, id string, result models.TargetResult, progress float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}

	job.Results = append(job.Results, result)
	switch result.Outcome {
	case models.TargetSuccess:
		job.SuccessCount++
	case models.TargetFailed:
		job.FailedCount++
	}
	// Progress never moves backwards even if appends land out of order.
	if progress > job.Progress {
		job.Progress = progress
	}
	job.UpdatedAt = time.Now()

	return nil
}

// CompleteJob moves a RUNNING job to a terminal status.
func (s *MemoryJobStore) CompleteJob(_ context.Context, id string, status models.JobStatus, progress float64) (*models.OrchestrationJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	if job.Status != models.JobStatusRunning {
		return nil, fmt.Errorf("%w: status is %s", ErrStatusConflict, job.Status)
	}

	now := time.Now()
	job.Status = status
	job.Progress = progress
	job.UpdatedAt = now
	job.CompletedAt = &now

	return cloneJob(job), nil
}

// DeleteJob removes the job conditionally on status.
func (s *MemoryJobStore) DeleteJob(_ context.Context, id string, allowedFrom []models.JobStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	if !statusIn(job.Status, allowedFrom) {
		return fmt.Errorf("%w: status is %s", ErrStatusConflict, job.Status)
	}

	delete(s.jobs, id)
	return nil
}

// ListDueJobs returns SCHEDULED jobs whose scheduled_at is at or before
// now, oldest scheduled first.
func (s *MemoryJobStore) ListDueJobs(_ context.Context, now time.Time, limit int) ([]*models.OrchestrationJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var due []*models.OrchestrationJob
	for _, job := range s.jobs {
		if job.Status != models.JobStatusScheduled {
			continue
		}
		if job.ScheduledAt == nil || job.ScheduledAt.After(now) {
			continue
		}
		due = append(due, job)
	}

	sort.Slice(due, func(i, j int) bool {
		return due[i].ScheduledAt.Before(*due[j].ScheduledAt)
	})

	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}

	out := make([]*models.OrchestrationJob, 0, len(due))
	for _, job := range due {
		out = append(out, cloneJob(job))
	}
	return out, nil
}

func matchesFilter(job *models.OrchestrationJob, filter JobFilter) bool {
	if filter.Status != "" && job.Status != filter.Status {
		return false
	}
	if filter.Operation != "" && job.Operation != filter.Operation {
		return false
	}
	if filter.ScopeSet && job.Scope != filter.Scope {
		return false
	}
	return true
}

func statusIn(status models.JobStatus, set []models.JobStatus) bool {
	for _, s := range set {
		if s == status {
			return true
		}
	}
	return false
}

// cloneJob returns a deep copy so callers can never mutate stored state.
func cloneJob(job *models.OrchestrationJob) *models.OrchestrationJob {
	cp := *job
	cp.TargetSchools = append([]string(nil), job.TargetSchools...)
	cp.Results = append([]models.TargetResult(nil), job.Results...)
	if job.Parameters != nil {
		cp.Parameters = maps.Clone(job.Parameters)
	}
	if job.ScheduledAt != nil {
		t := *job.ScheduledAt
		cp.ScheduledAt = &t
	}
	if job.CompletedAt != nil {
		t := *job.CompletedAt
		cp.CompletedAt = &t
	}
	return &cp
}
