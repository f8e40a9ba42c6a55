package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"github.com/mealgrid/orchestrator/internal/models"
	"github.com/mealgrid/orchestrator/internal/store"
)

// jobColumns is the canonical select list; scanJob must match it.
const jobColumns = `
	id::text, COALESCE(scope, ''), operation, target_schools, parameters,
	priority, status, progress, results, success_count, failed_count,
	scheduled_at, created_by, created_at, updated_at, completed_at
`

// JobStore implements store.JobStore backed by PostgreSQL. All status
// preconditions are enforced inside single UPDATE/DELETE statements
// (status = ANY(...)), so concurrent cancel/run/delete races resolve in
// the database rather than in application code.
type JobStore struct {
	pool *pgxpool.Pool

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewJobStore creates a PostgreSQL-backed job store. It establishes a
// connection pool, verifies connectivity and optionally runs migrations.
func NewJobStore(ctx context.Context, cfg *Config) (*JobStore, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	poolConfig, err := pgxpool.ParseConfig(cfg.ConnString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}

	poolConfig.MaxConns = cfg.MaxConns
	poolConfig.MinConns = cfg.MinConns
	poolConfig.MaxConnLifetime = cfg.MaxConnLifetime
	poolConfig.MaxConnIdleTime = cfg.MaxConnIdleTime
	poolConfig.HealthCheckPeriod = time.Minute
	poolConfig.ConnConfig.ConnectTimeout = cfg.ConnectTimeout

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	log.Info().
		Str("database", poolConfig.ConnConfig.Database).
		Str("host", poolConfig.ConnConfig.Host).
		Int32("max_conns", cfg.MaxConns).
		Msg("Connected to PostgreSQL")

	if cfg.AutoMigrate {
		if err := runMigrations(ctx, pool); err != nil {
			pool.Close()
			return nil, fmt.Errorf("failed to run migrations: %w", err)
		}
		log.Info().Msg("Database migrations completed")
	}

	return &JobStore{
		pool:   pool,
		stopCh: make(chan struct{}),
	}, nil
}

// Start launches background pool monitoring.
func (s *JobStore) Start() error {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.monitorConnectionPool()
	}()
	return nil
}

// Stop shuts down background tasks and closes the pool.
func (s *JobStore) Stop() error {
	close(s.stopCh)
	s.wg.Wait()
	s.pool.Close()
	log.Info().Msg("PostgreSQL job store stopped")
	return nil
}

// monitorConnectionPool logs connection pool statistics periodically.
func (s *JobStore) monitorConnectionPool() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			stats := s.pool.Stat()
			log.Debug().
				Int32("total_conns", stats.TotalConns()).
				Int32("idle_conns", stats.IdleConns()).
				Int32("acquired_conns", stats.AcquiredConns()).
				Msg("Connection pool stats")
		case <-s.stopCh:
			return
		}
	}
}

// CreateJob persists a new job record.
func (s *JobStore) CreateJob(ctx context.Context, job *models.OrchestrationJob) error {
	targetsJSON, err := json.Marshal(job.TargetSchools)
	if err != nil {
		return fmt.Errorf("failed to marshal target_schools: %w", err)
	}
	paramsJSON, err := marshalNullable(job.Parameters)
	if err != nil {
		return fmt.Errorf("failed to marshal parameters: %w", err)
	}

	query := `
		INSERT INTO orchestration_jobs (
			id, scope, operation, target_schools, parameters, priority,
			status, progress, scheduled_at, created_by, created_at, updated_at
		) VALUES (
			$1::uuid, NULLIF($2, ''), $3, $4, $5, $6, $7, $8, $9, $10, $11, $12
		)
	`

	_, err = s.pool.Exec(ctx, query,
		job.ID,
		job.Scope,
		job.Operation,
		targetsJSON,
		paramsJSON,
		string(job.Priority),
		string(job.Status),
		job.Progress,
		job.ScheduledAt,
		job.CreatedBy,
		job.CreatedAt,
		job.UpdatedAt,
	)
	if err != nil {
		return mapPostgresError(err)
	}

	log.Debug().
		Str("job_id", job.ID).
		Str("operation", job.Operation).
		Int("targets", job.TotalTargets()).
		Msg("Created job")

	return nil
}

// GetJob returns the job with the given id.
func (s *JobStore) GetJob(ctx context.Context, id string) (*models.OrchestrationJob, error) {
	query := `SELECT ` + jobColumns + ` FROM orchestration_jobs WHERE id = $1::uuid`

	job, err := scanJob(s.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", store.ErrJobNotFound, id)
		}
		return nil, mapPostgresError(err)
	}
	return job, nil
}

// ListJobs returns a page of jobs matching the filter, newest first.
func (s *JobStore) ListJobs(ctx context.Context, filter store.JobFilter) ([]*models.OrchestrationJob, int64, error) {
	where := " WHERE 1=1"
	var args []any

	if filter.Status != "" {
		args = append(args, string(filter.Status))
		where += fmt.Sprintf(" AND status = $%d", len(args))
	}
	if filter.Operation != "" {
		args = append(args, filter.Operation)
		where += fmt.Sprintf(" AND operation = $%d", len(args))
	}
	if filter.ScopeSet {
		args = append(args, filter.Scope)
		where += fmt.Sprintf(" AND COALESCE(scope, '') = $%d", len(args))
	}

	var total int64
	countQuery := `SELECT COUNT(*) FROM orchestration_jobs` + where
	if err := s.pool.QueryRow(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, mapPostgresError(err)
	}

	page := filter.Page
	if page < 1 {
		page = 1
	}
	limit := filter.Limit
	if limit < 1 {
		limit = 50
	}

	args = append(args, limit, (page-1)*limit)
	query := `SELECT ` + jobColumns + ` FROM orchestration_jobs` + where +
		fmt.Sprintf(" ORDER BY created_at DESC, id DESC LIMIT $%d OFFSET $%d", len(args)-1, len(args))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, mapPostgresError(err)
	}
	defer rows.Close()

	var jobs []*models.OrchestrationJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, 0, mapPostgresError(err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, mapPostgresError(err)
	}

	return jobs, total, nil
}

// UpdateJobFields applies the mutable-field update if the current status
// is in allowedFrom.
func (s *JobStore) UpdateJobFields(ctx context.Context, id string, update store.JobUpdate, allowedFrom []models.JobStatus) (*models.OrchestrationJob, error) {
	var priority *string
	if update.Priority != nil {
		p := string(*update.Priority)
		priority = &p
	}
	paramsJSON, err := marshalNullable(update.Parameters)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal parameters: %w", err)
	}

	query := `
		UPDATE orchestration_jobs
		SET
			priority = COALESCE($2, priority),
			scheduled_at = COALESCE($3, scheduled_at),
			parameters = COALESCE($4, parameters),
			updated_at = NOW()
		WHERE id = $1::uuid
		  AND status = ANY($5)
		RETURNING ` + jobColumns

	job, err := scanJob(s.pool.QueryRow(ctx, query,
		id, priority, update.ScheduledAt, paramsJSON, statusStrings(allowedFrom),
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, s.conflictOrMissing(ctx, id)
		}
		return nil, mapPostgresError(err)
	}
	return job, nil
}

// TransitionStatus moves the job to the given status if its current
// status is in allowedFrom. The precondition rides inside the UPDATE, so
// a racing cancel-then-run or double-run loses cleanly.
func (s *JobStore) TransitionStatus(ctx context.Context, id string, to models.JobStatus, allowedFrom []models.JobStatus) (*models.OrchestrationJob, error) {
	query := `
		UPDATE orchestration_jobs
		SET
			status = $2,
			updated_at = NOW(),
			completed_at = CASE WHEN $3 THEN NOW() ELSE completed_at END
		WHERE id = $1::uuid
		  AND status = ANY($4)
		RETURNING ` + jobColumns

	job, err := scanJob(s.pool.QueryRow(ctx, query,
		id, string(to), to.Terminal(), statusStrings(allowedFrom),
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, s.conflictOrMissing(ctx, id)
		}
		return nil, mapPostgresError(err)
	}

	log.Debug().
		Str("job_id", id).
		Str("status", string(to)).
		Msg("Transitioned job status")

	return job, nil
}

// AppendResult appends one target outcome as a single statement: jsonb
// concatenation plus counter increments, never a read-modify-write of the
// whole record, so parallel target workers cannot lose updates.
func (s *JobStore) AppendResult(ctx context.Context, id string, result models.TargetResult, progress float64) error {
	resultJSON, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to marshal result: %w", err)
	}

	query := `
		UPDATE orchestration_jobs
		SET
			results = results || $2::jsonb,
			success_count = success_count + $3,
			failed_count = failed_count + $4,
			progress = GREATEST(progress, $5),
			updated_at = NOW()
		WHERE id = $1::uuid
	`

	successInc, failedInc := 0, 0
	switch result.Outcome {
	case models.TargetSuccess:
		successInc = 1
	case models.TargetFailed:
		failedInc = 1
	}

	tag, err := s.pool.Exec(ctx, query,
		id, resultJSON, successInc, failedInc, progress,
	)
	if err != nil {
		return mapPostgresError(err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", store.ErrJobNotFound, id)
	}
	return nil
}

// CompleteJob moves a RUNNING job to a terminal status.
func (s *JobStore) CompleteJob(ctx context.Context, id string, status models.JobStatus, progress float64) (*models.OrchestrationJob, error) {
	query := `
		UPDATE orchestration_jobs
		SET
			status = $2,
			progress = $3,
			updated_at = NOW(),
			completed_at = NOW()
		WHERE id = $1::uuid
		  AND status = 'RUNNING'
		RETURNING ` + jobColumns

	job, err := scanJob(s.pool.QueryRow(ctx, query, id, string(status), progress))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, s.conflictOrMissing(ctx, id)
		}
		return nil, mapPostgresError(err)
	}

	log.Info().
		Str("job_id", id).
		Str("status", string(status)).
		Int("success", job.SuccessCount).
		Int("failed", job.FailedCount).
		Msg("Completed job")

	return job, nil
}

// DeleteJob removes the job if its current status is in allowedFrom.
func (s *JobStore) DeleteJob(ctx context.Context, id string, allowedFrom []models.JobStatus) error {
	query := `
		DELETE FROM orchestration_jobs
		WHERE id = $1::uuid
		  AND status = ANY($2)
	`

	tag, err := s.pool.Exec(ctx, query, id, statusStrings(allowedFrom))
	if err != nil {
		return mapPostgresError(err)
	}
	if tag.RowsAffected() == 0 {
		return s.conflictOrMissing(ctx, id)
	}
	return nil
}

// ListDueJobs returns SCHEDULED jobs whose scheduled_at has passed,
// oldest first. Claiming is left to the caller's conditional RUNNING
// transition, which is what serializes concurrent pollers.
func (s *JobStore) ListDueJobs(ctx context.Context, now time.Time, limit int) ([]*models.OrchestrationJob, error) {
	query := `SELECT ` + jobColumns + `
		FROM orchestration_jobs
		WHERE status = 'SCHEDULED'
		  AND scheduled_at <= $1
		ORDER BY scheduled_at ASC
		LIMIT $2`

	rows, err := s.pool.Query(ctx, query, now, limit)
	if err != nil {
		return nil, mapPostgresError(err)
	}
	defer rows.Close()

	var jobs []*models.OrchestrationJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, mapPostgresError(err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, mapPostgresError(err)
	}
	return jobs, nil
}

// conflictOrMissing distinguishes a failed status precondition from a
// missing row after a conditional write matched nothing.
func (s *JobStore) conflictOrMissing(ctx context.Context, id string) error {
	var status string
	err := s.pool.QueryRow(ctx,
		`SELECT status FROM orchestration_jobs WHERE id = $1::uuid`, id,
	).Scan(&status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("%w: %s", store.ErrJobNotFound, id)
		}
		return mapPostgresError(err)
	}
	return fmt.Errorf("%w: status is %s", store.ErrStatusConflict, status)
}

// scanJob reads one row in jobColumns order.
func scanJob(row pgx.Row) (*models.OrchestrationJob, error) {
	var (
		job                      models.OrchestrationJob
		priority, status         string
		targetsJSON, resultsJSON []byte
		paramsJSON               []byte
	)

	err := row.Scan(
		&job.ID,
		&job.Scope,
		&job.Operation,
		&targetsJSON,
		&paramsJSON,
		&priority,
		&status,
		&job.Progress,
		&resultsJSON,
		&job.SuccessCount,
		&job.FailedCount,
		&job.ScheduledAt,
		&job.CreatedBy,
		&job.CreatedAt,
		&job.UpdatedAt,
		&job.CompletedAt,
	)
	if err != nil {
		return nil, err
	}

	job.Priority = models.JobPriority(priority)
	job.Status = models.JobStatus(status)

	if err := json.Unmarshal(targetsJSON, &job.TargetSchools); err != nil {
		return nil, fmt.Errorf("failed to unmarshal target_schools: %w", err)
	}
	if len(resultsJSON) > 0 {
		if err := json.Unmarshal(resultsJSON, &job.Results); err != nil {
			return nil, fmt.Errorf("failed to unmarshal results: %w", err)
		}
	}
	if len(paramsJSON) > 0 {
		if err := json.Unmarshal(paramsJSON, &job.Parameters); err != nil {
			return nil, fmt.Errorf("failed to unmarshal parameters: %w", err)
		}
	}

	return &job, nil
}

// marshalNullable marshals a map to JSON, passing nil through as SQL NULL.
func marshalNullable(m map[string]any) ([]byte, error) {
	if m == nil {
		return nil, nil
	}
	return json.Marshal(m)
}

func statusStrings(statuses []models.JobStatus) []string {
	out := make([]string, 0, len(statuses))
	for _, s := range statuses {
		out = append(out, string(s))
	}
	return out
}
