package commands

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"

	"github.com/mealgrid/orchestrator/internal/config"
	"github.com/mealgrid/orchestrator/internal/engine"
	"github.com/mealgrid/orchestrator/internal/logger"
	"github.com/mealgrid/orchestrator/internal/runner"
	"github.com/mealgrid/orchestrator/internal/scheduler"
	"github.com/mealgrid/orchestrator/internal/store"
	"github.com/mealgrid/orchestrator/internal/store/postgres"
)

// ServeCmd runs the job engine: store, runner workers and the due-job
// scheduler, until interrupted.
type ServeCmd struct {
	Config     string `help:"Path to YAML config file." type:"existingfile" optional:""`
	Backend    string `help:"Storage backend (memory or postgres), overrides config." optional:""`
	ConnString string `help:"PostgreSQL connection string, overrides config." env:"DATABASE_URL" optional:""`
}

func (s *ServeCmd) Run(ctx context.Context, globals *Globals) error {
	log.Logger = logger.Setup(globals.Debug)

	cfg, err := config.Load(s.Config)
	if err != nil {
		return err
	}
	if s.Backend != "" {
		cfg.Storage.Backend = s.Backend
	}
	if s.ConnString != "" {
		cfg.Storage.ConnString = s.ConnString
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	log.Info().
		Str("version", globals.Version).
		Str("backend", cfg.Storage.Backend).
		Msg("Starting orchestration job engine")

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var jobStore store.JobStore
	switch cfg.Storage.Backend {
	case "postgres":
		pgStore, err := postgres.NewJobStore(ctx, &postgres.Config{
			ConnString:  cfg.Storage.ConnString,
			AutoMigrate: cfg.Storage.AutoMigrate,
		})
		if err != nil {
			return fmt.Errorf("failed to open job store: %w", err)
		}
		if err := pgStore.Start(); err != nil {
			return err
		}
		defer pgStore.Stop() //nolint:errcheck
		jobStore = pgStore
	case "memory":
		jobStore = store.NewMemoryJobStore()
	default:
		return fmt.Errorf("unknown storage backend %q", cfg.Storage.Backend)
	}

	dispatcher := engine.NewDispatcher()
	executor := engine.NewBulkExecutor(jobStore, dispatcher, engine.ExecutorConfig{
		Concurrency:          cfg.Engine.Concurrency,
		TargetTimeout:        cfg.Engine.TargetTimeout,
		MaxRetries:           cfg.Engine.MaxRetries,
		RetryInitialInterval: cfg.Engine.RetryInitialInterval,
	})
	directory := engine.NewStaticDirectory(cfg.Schools.Districts)
	controller := engine.NewController(jobStore, dispatcher, executor, directory, nil)

	jobRunner := runner.New(jobStore, executor, runner.Config{
		Workers:   cfg.Runner.Workers,
		QueueSize: cfg.Runner.QueueSize,
	})
	if err := jobRunner.Start(); err != nil {
		return err
	}
	defer jobRunner.Stop() //nolint:errcheck
	controller.AttachSubmitter(jobRunner)

	poller := scheduler.New(controller, scheduler.Config{
		PollInterval: cfg.Scheduler.PollInterval,
	})
	if err := poller.Start(); err != nil {
		return err
	}
	defer poller.Stop()

	log.Info().
		Strs("operations", dispatcher.Operations()).
		Msg("Engine ready")

	<-ctx.Done()
	log.Info().Msg("Shutting down")
	return nil
}
