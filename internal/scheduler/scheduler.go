// Package scheduler is the clock the engine itself does not run: a cron
// poller that periodically asks the controller to execute SCHEDULED jobs
// whose time has come.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"

	"github.com/mealgrid/orchestrator/internal/engine"
)

// Config tunes the due-job poller.
type Config struct {
	// PollInterval is how often due jobs are checked. Default: 15s.
	PollInterval time.Duration
}

// ApplyDefaults applies default values to unset configuration fields.
func (c *Config) ApplyDefaults() {
	if c.PollInterval <= 0 {
		c.PollInterval = 15 * time.Second
	}
}

// Scheduler runs the due-job poll on a cron schedule.
type Scheduler struct {
	controller *engine.Controller
	cron       *cron.Cron
	cfg        Config
}

// New creates a scheduler over the given controller.
func New(controller *engine.Controller, cfg Config) *Scheduler {
	cfg.ApplyDefaults()
	return &Scheduler{
		controller: controller,
		cron:       cron.New(cron.WithSeconds()),
		cfg:        cfg,
	}
}

// Start begins polling. It returns immediately.
func (s *Scheduler) Start() error {
	spec := fmt.Sprintf("@every %s", s.cfg.PollInterval)
	_, err := s.cron.AddFunc(spec, func() {
		// Overlapping polls are safe: the executor's conditional claim
		// means at most one of them runs any given job.
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()

		ran, err := s.controller.RunDueJobs(ctx, time.Now())
		if err != nil {
			log.Error().Err(err).Msg("Due job poll failed")
			return
		}
		if ran > 0 {
			log.Info().Int("jobs", ran).Msg("Ran due jobs")
		}
	})
	if err != nil {
		return fmt.Errorf("failed to register due-job poll: %w", err)
	}

	s.cron.Start()
	log.Info().Dur("poll_interval", s.cfg.PollInterval).Msg("Scheduler started")
	return nil
}

// Stop halts polling and waits for a running poll to finish.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	log.Info().Msg("Scheduler stopped")
}
