package models

import (
	"time"
)

// JobStatus is the lifecycle state of an orchestration job.
type JobStatus string

const (
	JobStatusPending   JobStatus = "PENDING"
	JobStatusScheduled JobStatus = "SCHEDULED"
	JobStatusRunning   JobStatus = "RUNNING"
	JobStatusCompleted JobStatus = "COMPLETED"
	JobStatusFailed    JobStatus = "FAILED"
	JobStatusCancelled JobStatus = "CANCELLED"
)

// Terminal reports whether the status has no outgoing transitions.
// Jobs may only be deleted from a terminal status.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	}
	return false
}

// Valid reports whether s is one of the known statuses.
func (s JobStatus) Valid() bool {
	switch s {
	case JobStatusPending, JobStatusScheduled, JobStatusRunning,
		JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	}
	return false
}

// JobPriority is informational metadata only; the engine performs no
// priority-based scheduling or preemption.
type JobPriority string

const (
	JobPriorityLow      JobPriority = "LOW"
	JobPriorityMedium   JobPriority = "MEDIUM"
	JobPriorityHigh     JobPriority = "HIGH"
	JobPriorityCritical JobPriority = "CRITICAL"
)

// Valid reports whether p is one of the known priorities.
func (p JobPriority) Valid() bool {
	switch p {
	case JobPriorityLow, JobPriorityMedium, JobPriorityHigh, JobPriorityCritical:
		return true
	}
	return false
}

// TargetOutcome is the per-school result of one handler invocation.
type TargetOutcome string

const (
	TargetSuccess TargetOutcome = "SUCCESS"
	TargetFailed  TargetOutcome = "FAILED"
)

// TargetResult records the outcome of executing a job's operation against
// a single target school. Exactly one of Payload or ErrorMessage is set.
type TargetResult struct {
	TargetID     string         `json:"target_id"`
	Outcome      TargetOutcome  `json:"outcome"`
	Payload      map[string]any `json:"payload,omitempty"`
	ErrorMessage string         `json:"error_message,omitempty"`
}

// OrchestrationJob is a trackable administrative operation executed against
// a list of target schools.
//
// TargetSchools is never mutated after creation. Results only ever grows,
// and its length never exceeds len(TargetSchools).
type OrchestrationJob struct {
	ID string `json:"id"`

	// Scope is the district the job belongs to. Empty means platform-wide;
	// only platform callers may create or view platform-scope jobs.
	Scope string `json:"scope,omitempty"`

	// Operation names a handler registered with the dispatcher. It is not
	// a closed enum at this layer; it is validated at creation and at
	// dispatch time.
	Operation string `json:"operation"`

	TargetSchools []string       `json:"target_schools"`
	Parameters    map[string]any `json:"parameters,omitempty"`
	Priority      JobPriority    `json:"priority"`
	Status        JobStatus      `json:"status"`

	// Progress is a percentage in [0,100], non-decreasing while RUNNING
	// and exactly 100 once the job reaches COMPLETED or FAILED.
	Progress float64 `json:"progress"`

	Results      []TargetResult `json:"results,omitempty"`
	SuccessCount int            `json:"success_count"`
	FailedCount  int            `json:"failed_count"`

	// ScheduledAt in the future at creation time makes the job start in
	// SCHEDULED instead of PENDING.
	ScheduledAt *time.Time `json:"scheduled_at,omitempty"`

	CreatedBy   string     `json:"created_by"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// TotalTargets returns the number of target schools.
func (j *OrchestrationJob) TotalTargets() int {
	return len(j.TargetSchools)
}

// PlatformScoped reports whether the job is visible platform-wide rather
// than belonging to a single district.
func (j *OrchestrationJob) PlatformScoped() bool {
	return j.Scope == ""
}
