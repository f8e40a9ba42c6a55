package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog/log"

	"github.com/mealgrid/orchestrator/internal/models"
	"github.com/mealgrid/orchestrator/internal/store"
)

// ExecutorConfig tunes how a job's target list is processed.
type ExecutorConfig struct {
	// Concurrency is the number of targets processed in parallel per job.
	// 1 gives strictly sequential, in-list-order execution.
	// Default: 4
	Concurrency int

	// TargetTimeout bounds a single handler invocation so a hung handler
	// becomes a FAILED target instead of stalling the batch.
	// Default: 2 minutes. Negative disables the per-target timeout.
	TargetTimeout time.Duration

	// MaxRetries is the number of additional attempts per target after a
	// handler error, with exponential backoff between attempts.
	// Default: 0 (a handler error immediately fails the target).
	MaxRetries int

	// RetryInitialInterval is the first backoff interval when MaxRetries
	// is set. Default: 500ms.
	RetryInitialInterval time.Duration
}

// ApplyDefaults applies default values to unset configuration fields.
func (c *ExecutorConfig) ApplyDefaults() {
	if c.Concurrency <= 0 {
		c.Concurrency = 4
	}
	if c.TargetTimeout == 0 {
		c.TargetTimeout = 2 * time.Minute
	}
	if c.RetryInitialInterval <= 0 {
		c.RetryInitialInterval = 500 * time.Millisecond
	}
}

// BulkOutcome is the aggregate result of one batch run. Results are in
// target-list order regardless of execution interleaving.
type BulkOutcome struct {
	JobID        string
	TotalTargets int
	SuccessCount int
	FailedCount  int
	Results      []models.TargetResult
}

// BulkExecutor turns a PENDING or SCHEDULED job into a COMPLETED or FAILED
// one by dispatching its operation against every target school.
//
// Per-target failures are isolated: a failing target never aborts the
// batch, and a job whose targets all failed still completes. FAILED is
// reserved for job-level faults such as the store becoming unavailable
// mid-run.
type BulkExecutor struct {
	store      store.JobStore
	dispatcher *Dispatcher
	cfg        ExecutorConfig
}

// NewBulkExecutor creates an executor over the given store and dispatcher.
func NewBulkExecutor(jobStore store.JobStore, dispatcher *Dispatcher, cfg ExecutorConfig) *BulkExecutor {
	cfg.ApplyDefaults()
	return &BulkExecutor{
		store:      jobStore,
		dispatcher: dispatcher,
		cfg:        cfg,
	}
}

// Execute runs the job's operation against every target and drives the
// job record to a terminal status.
//
// The claim is a conditional PENDING/SCHEDULED -> RUNNING transition, so a
// job that was cancelled or picked up by another runner in the meantime is
// skipped without error (nil outcome). Cancelling ctx stops dispatching
// further targets; targets already in flight finish and the job completes
// with the results gathered so far.
func (e *BulkExecutor) Execute(ctx context.Context, job *models.OrchestrationJob) (*BulkOutcome, error) {
	claimed, err := e.store.TransitionStatus(ctx, job.ID, models.JobStatusRunning, startableStatuses)
	if err != nil {
		if errors.Is(err, store.ErrStatusConflict) {
			log.Debug().
				Str("job_id", job.ID).
				Msg("Job no longer startable, skipping")
			return nil, nil
		}
		return nil, fmt.Errorf("failed to claim job %s: %w", job.ID, err)
	}

	log.Info().
		Str("job_id", claimed.ID).
		Str("operation", claimed.Operation).
		Int("targets", claimed.TotalTargets()).
		Int("concurrency", e.cfg.Concurrency).
		Msg("Starting bulk execution")

	total := claimed.TotalTargets()
	results := make([]models.TargetResult, total)

	// A store write failure is a job-level fault: record the first one,
	// stop dispatching, and mark the job FAILED.
	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()

	// Result writes survive a graceful cancel; only a store fault stops them.
	appendCtx := context.WithoutCancel(ctx)

	var (
		faultOnce  sync.Once
		fault      error
		mu         sync.Mutex
		processed  int
		dispatched int
		wg         sync.WaitGroup
	)

	targetCh := make(chan int)

	for range e.cfg.Concurrency {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for idx := range targetCh {
				result := e.runTarget(runCtx, claimed, claimed.TargetSchools[idx])
				results[idx] = result

				mu.Lock()
				processed++
				progress := float64(processed) / float64(total) * 100
				mu.Unlock()

				if err := e.store.AppendResult(appendCtx, claimed.ID, result, progress); err != nil {
					faultOnce.Do(func() {
						fault = fmt.Errorf("failed to persist result for target %s: %w", result.TargetID, err)
						cancelRun()
					})
					return
				}
			}
		}()
	}

	// Feed targets in list order; stop feeding once cancelled or faulted.
feed:
	for idx := range claimed.TargetSchools {
		if runCtx.Err() != nil {
			break
		}
		select {
		case targetCh <- idx:
			dispatched++
		case <-runCtx.Done():
			break feed
		}
	}
	close(targetCh)
	wg.Wait()

	if fault != nil {
		return nil, e.failJob(claimed, fault)
	}

	outcome := &BulkOutcome{
		JobID:        claimed.ID,
		TotalTargets: total,
	}
	for _, r := range results[:dispatched] {
		if r.TargetID == "" {
			continue
		}
		outcome.Results = append(outcome.Results, r)
		switch r.Outcome {
		case models.TargetSuccess:
			outcome.SuccessCount++
		case models.TargetFailed:
			outcome.FailedCount++
		}
	}

	// The run mutated the record; complete from a fresh context so caller
	// cancellation never strands the job in RUNNING. Progress is pinned to
	// 100 in every terminal status.
	completeCtx, cancelComplete := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancelComplete()

	if _, err := e.store.CompleteJob(completeCtx, claimed.ID, models.JobStatusCompleted, 100); err != nil {
		return nil, e.failJob(claimed, fmt.Errorf("failed to complete job %s: %w", claimed.ID, err))
	}

	log.Info().
		Str("job_id", claimed.ID).
		Int("success", outcome.SuccessCount).
		Int("failed", outcome.FailedCount).
		Msg("Bulk execution completed")

	return outcome, nil
}

// runTarget dispatches the operation against one target, applying the
// per-target timeout and retry policy. It always produces a result; an
// error is folded into a FAILED outcome.
func (e *BulkExecutor) runTarget(ctx context.Context, job *models.OrchestrationJob, targetID string) models.TargetResult {
	targetCtx := ctx
	if e.cfg.TargetTimeout > 0 {
		var cancel context.CancelFunc
		targetCtx, cancel = context.WithTimeout(ctx, e.cfg.TargetTimeout)
		defer cancel()
	}

	payload, err := e.dispatch(targetCtx, job, targetID)
	if err != nil {
		log.Warn().
			Str("job_id", job.ID).
			Str("school_id", targetID).
			Str("operation", job.Operation).
			Err(err).
			Msg("Target failed")

		return models.TargetResult{
			TargetID:     targetID,
			Outcome:      models.TargetFailed,
			ErrorMessage: err.Error(),
		}
	}

	return models.TargetResult{
		TargetID: targetID,
		Outcome:  models.TargetSuccess,
		Payload:  payload,
	}
}

// dispatch invokes the handler, retrying transient failures when a retry
// policy is configured. Unknown operations are never retried.
func (e *BulkExecutor) dispatch(ctx context.Context, job *models.OrchestrationJob, targetID string) (map[string]any, error) {
	if e.cfg.MaxRetries <= 0 {
		return e.dispatcher.Dispatch(ctx, job.Operation, targetID, job.Parameters)
	}

	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = e.cfg.RetryInitialInterval

	return backoff.Retry(ctx, func() (map[string]any, error) {
		payload, err := e.dispatcher.Dispatch(ctx, job.Operation, targetID, job.Parameters)
		if err != nil && errors.Is(err, ErrUnknownOperation) {
			return nil, backoff.Permanent(err)
		}
		return payload, err
	},
		backoff.WithBackOff(expo),
		backoff.WithMaxTries(uint(e.cfg.MaxRetries+1)),
	)
}

// failJob records a job-level fault. Best effort: the store may be the
// thing that is broken.
func (e *BulkExecutor) failJob(job *models.OrchestrationJob, fault error) error {
	log.Error().
		Str("job_id", job.ID).
		Err(fault).
		Msg("Bulk execution failed")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if _, err := e.store.CompleteJob(ctx, job.ID, models.JobStatusFailed, 100); err != nil {
		log.Error().
			Str("job_id", job.ID).
			Err(err).
			Msg("Failed to mark job as FAILED")
	}

	return fault
}
