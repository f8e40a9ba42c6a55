package engine

import "github.com/mealgrid/orchestrator/internal/models"

// statusTransitions is the job state machine. Self-transitions on PENDING
// and SCHEDULED cover mutable-field updates; terminal statuses have no
// outgoing transitions.
var statusTransitions = map[models.JobStatus][]models.JobStatus{
	models.JobStatusPending: {
		models.JobStatusPending,
		models.JobStatusRunning,
		models.JobStatusCancelled,
	},
	models.JobStatusScheduled: {
		models.JobStatusScheduled,
		models.JobStatusRunning,
		models.JobStatusCancelled,
	},
	models.JobStatusRunning: {
		models.JobStatusCompleted,
		models.JobStatusFailed,
	},
	models.JobStatusCompleted: nil,
	models.JobStatusFailed:    nil,
	models.JobStatusCancelled: nil,
}

// CanTransition reports whether a job may move from one status to another.
func CanTransition(from, to models.JobStatus) bool {
	for _, allowed := range statusTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// AllowedFrom returns every status a job may be in for a transition to the
// given status to be legal. The result feeds the store's conditional
// updates, so the precondition is enforced at write time rather than
// check-then-act.
func AllowedFrom(to models.JobStatus) []models.JobStatus {
	var from []models.JobStatus
	for status, allowed := range statusTransitions {
		for _, a := range allowed {
			if a == to {
				from = append(from, status)
				break
			}
		}
	}
	return from
}

// The status sets below feed the store's conditional writes. They are
// derived from statusTransitions so the table stays the single source of
// truth.
var (
	// startableStatuses are the statuses the executor may claim a job from.
	startableStatuses = AllowedFrom(models.JobStatusRunning)

	// mutableStatuses are the statuses in which update and cancel are
	// allowed: those whose self-transition is legal.
	mutableStatuses = selfTransitioningStatuses()

	// terminalStatuses are the only statuses a job may be deleted from.
	terminalStatuses = deadEndStatuses()
)

func selfTransitioningStatuses() []models.JobStatus {
	var out []models.JobStatus
	for status := range statusTransitions {
		if CanTransition(status, status) {
			out = append(out, status)
		}
	}
	return out
}

func deadEndStatuses() []models.JobStatus {
	var out []models.JobStatus
	for status, next := range statusTransitions {
		if len(next) == 0 {
			out = append(out, status)
		}
	}
	return out
}
