// Package runner decouples job creation from execution: Create returns
// immediately with a PENDING record, a submitted job id lands on a buffered
// channel, and a fixed set of worker goroutines drives the executor. The
// executor's conditional PENDING/SCHEDULED -> RUNNING claim makes duplicate
// submissions harmless.
package runner

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/mealgrid/orchestrator/internal/engine"
	"github.com/mealgrid/orchestrator/internal/store"
)

// ErrQueueFull is returned by Submit when the job queue has no room.
// Callers can fall back to the scheduler poller, which will pick the job
// up from the store.
var ErrQueueFull = errors.New("runner queue full")

// Config tunes the runner.
type Config struct {
	// Workers is the number of jobs processed concurrently. Default: 2.
	Workers int

	// QueueSize is the submit buffer. Default: 64.
	QueueSize int

	// DrainTimeout bounds how long Stop waits for in-flight jobs.
	// Default: 30s.
	DrainTimeout time.Duration
}

// ApplyDefaults applies default values to unset configuration fields.
func (c *Config) ApplyDefaults() {
	if c.Workers <= 0 {
		c.Workers = 2
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 64
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = 30 * time.Second
	}
}

// Runner executes submitted jobs in the background.
type Runner struct {
	store    store.JobStore
	executor *engine.BulkExecutor
	cfg      Config

	jobCh  chan string
	stopCh chan struct{}
	wg     sync.WaitGroup

	mu      sync.Mutex
	running bool
}

// New creates a runner over the given store and executor.
func New(jobStore store.JobStore, executor *engine.BulkExecutor, cfg Config) *Runner {
	cfg.ApplyDefaults()
	return &Runner{
		store:    jobStore,
		executor: executor,
		cfg:      cfg,
		jobCh:    make(chan string, cfg.QueueSize),
		stopCh:   make(chan struct{}),
	}
}

// Start launches the worker goroutines. It returns immediately.
func (r *Runner) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running {
		return nil
	}
	r.running = true

	log.Info().
		Int("workers", r.cfg.Workers).
		Int("queue_size", r.cfg.QueueSize).
		Msg("Starting job runner")

	for range r.cfg.Workers {
		r.wg.Add(1)
		go r.workLoop()
	}
	return nil
}

// Stop signals the workers and waits for in-flight jobs up to DrainTimeout.
func (r *Runner) Stop() error {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return nil
	}
	r.running = false
	r.mu.Unlock()

	close(r.stopCh)

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Info().Msg("Job runner stopped")
	case <-time.After(r.cfg.DrainTimeout):
		log.Warn().Msg("Job runner drain timed out")
	}
	return nil
}

// Submit hands a job id to the workers without blocking.
func (r *Runner) Submit(jobID string) error {
	select {
	case r.jobCh <- jobID:
		return nil
	default:
		return ErrQueueFull
	}
}

func (r *Runner) workLoop() {
	defer r.wg.Done()

	for {
		select {
		case <-r.stopCh:
			return
		case jobID := <-r.jobCh:
			r.run(jobID)
		}
	}
}

func (r *Runner) run(jobID string) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Abort target dispatch when the runner shuts down; the executor
	// completes the job with whatever results it has gathered.
	go func() {
		select {
		case <-r.stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	job, err := r.store.GetJob(ctx, jobID)
	if err != nil {
		log.Error().Str("job_id", jobID).Err(err).Msg("Submitted job not found")
		return
	}

	if _, err := r.executor.Execute(ctx, job); err != nil {
		log.Error().Str("job_id", jobID).Err(err).Msg("Background execution failed")
	}
}
