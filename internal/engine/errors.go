package engine

import "errors"

// Sentinel errors for common error conditions
var (
	// ErrValidation covers caller-correctable input problems: missing or
	// unregistered operation, empty target list, a non-future scheduled_at
	// on explicit scheduling.
	ErrValidation = errors.New("validation failed")

	// ErrAccessDenied means one or more target schools are outside the
	// caller's scope. No partial job is created.
	ErrAccessDenied = errors.New("access denied")

	// ErrNotFound means the job id is unknown or outside the caller's
	// scope; the two cases are deliberately indistinguishable.
	ErrNotFound = errors.New("job not found")

	// ErrNotCancellable, ErrNotModifiable and ErrNotDeletable are raised
	// when a status precondition is not met; they are wrapped with the
	// job's current status for caller diagnosis.
	ErrNotCancellable = errors.New("job not cancellable")
	ErrNotModifiable  = errors.New("job not modifiable")
	ErrNotDeletable   = errors.New("job not deletable")

	// ErrUnknownOperation is raised by the dispatcher for an operation
	// name with no registered handler. During a batch it is recorded as a
	// per-target failure; at creation time it surfaces as ErrValidation.
	ErrUnknownOperation = errors.New("unknown operation")
)
