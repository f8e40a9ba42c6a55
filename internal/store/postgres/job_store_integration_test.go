//go:build integration

package postgres

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/mealgrid/orchestrator/internal/models"
	"github.com/mealgrid/orchestrator/internal/store"
)

func setupPostgresContainer(t *testing.T, ctx context.Context) (*JobStore, func()) {
	req := testcontainers.ContainerRequest{
		Image:        "postgres:18-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "test",
			"POSTGRES_PASSWORD": "test",
			"POSTGRES_DB":       "testdb",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").WithOccurrence(2),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err)

	host, err := container.Host(ctx)
	require.NoError(t, err)

	port, err := container.MappedPort(ctx, "5432")
	require.NoError(t, err)

	connString := fmt.Sprintf("postgres://test:test@%s:%s/testdb?sslmode=disable", host, port.Port())

	s, err := NewJobStore(ctx, &Config{
		ConnString:  connString,
		AutoMigrate: true,
	})
	require.NoError(t, err)
	require.NoError(t, s.Start())

	cleanup := func() {
		_ = s.Stop()
		_ = container.Terminate(ctx)
	}

	return s, cleanup
}

func makeJob(status models.JobStatus) *models.OrchestrationJob {
	now := time.Now().UTC()
	return &models.OrchestrationJob{
		ID:            uuid.Must(uuid.NewV7()).String(),
		Scope:         "district-1",
		Operation:     "UPDATE_MENU",
		TargetSchools: []string{"school-1", "school-2", "school-3"},
		Parameters:    map[string]any{"menu_id": "autumn-week-2"},
		Priority:      models.JobPriorityHigh,
		Status:        status,
		CreatedBy:     "ops@mealgrid",
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

func TestIntegration_JobLifecycle(t *testing.T) {
	ctx := context.Background()
	s, cleanup := setupPostgresContainer(t, ctx)
	defer cleanup()

	job := makeJob(models.JobStatusPending)
	require.NoError(t, s.CreateJob(ctx, job))

	t.Run("round trip", func(t *testing.T) {
		got, err := s.GetJob(ctx, job.ID)
		require.NoError(t, err)
		require.Equal(t, job.Operation, got.Operation)
		require.Equal(t, job.TargetSchools, got.TargetSchools)
		require.Equal(t, "district-1", got.Scope)
		require.Equal(t, models.JobStatusPending, got.Status)
		require.Empty(t, got.Results)
	})

	t.Run("conditional transition to running", func(t *testing.T) {
		running, err := s.TransitionStatus(ctx, job.ID, models.JobStatusRunning,
			[]models.JobStatus{models.JobStatusPending, models.JobStatusScheduled})
		require.NoError(t, err)
		require.Equal(t, models.JobStatusRunning, running.Status)

		// Second claim must observe the precondition failure.
		_, err = s.TransitionStatus(ctx, job.ID, models.JobStatusRunning,
			[]models.JobStatus{models.JobStatusPending, models.JobStatusScheduled})
		require.ErrorIs(t, err, store.ErrStatusConflict)
	})

	t.Run("append results and complete", func(t *testing.T) {
		require.NoError(t, s.AppendResult(ctx, job.ID, models.TargetResult{
			TargetID: "school-1",
			Outcome:  models.TargetSuccess,
			Payload:  map[string]any{"applied": true},
		}, 33.3))
		require.NoError(t, s.AppendResult(ctx, job.ID, models.TargetResult{
			TargetID:     "school-2",
			Outcome:      models.TargetFailed,
			ErrorMessage: "school unreachable",
		}, 66.6))
		require.NoError(t, s.AppendResult(ctx, job.ID, models.TargetResult{
			TargetID: "school-3",
			Outcome:  models.TargetSuccess,
		}, 100))

		completed, err := s.CompleteJob(ctx, job.ID, models.JobStatusCompleted, 100)
		require.NoError(t, err)
		require.Equal(t, models.JobStatusCompleted, completed.Status)
		require.Len(t, completed.Results, 3)
		require.Equal(t, 2, completed.SuccessCount)
		require.Equal(t, 1, completed.FailedCount)
		require.InDelta(t, 100, completed.Progress, 0.001)
		require.NotNil(t, completed.CompletedAt)
	})

	t.Run("delete only from terminal", func(t *testing.T) {
		require.NoError(t, s.DeleteJob(ctx, job.ID,
			[]models.JobStatus{models.JobStatusCompleted, models.JobStatusFailed, models.JobStatusCancelled}))

		_, err := s.GetJob(ctx, job.ID)
		require.ErrorIs(t, err, store.ErrJobNotFound)
	})
}

func TestIntegration_ListAndDueJobs(t *testing.T) {
	ctx := context.Background()
	s, cleanup := setupPostgresContainer(t, ctx)
	defer cleanup()

	past := time.Now().UTC().Add(-time.Hour)
	future := time.Now().UTC().Add(time.Hour)

	due := makeJob(models.JobStatusScheduled)
	due.ScheduledAt = &past
	notDue := makeJob(models.JobStatusScheduled)
	notDue.ScheduledAt = &future
	pending := makeJob(models.JobStatusPending)
	pending.Scope = "district-2"

	for _, j := range []*models.OrchestrationJob{due, notDue, pending} {
		require.NoError(t, s.CreateJob(ctx, j))
	}

	t.Run("scope filter", func(t *testing.T) {
		jobs, total, err := s.ListJobs(ctx, store.JobFilter{Scope: "district-2", ScopeSet: true})
		require.NoError(t, err)
		require.EqualValues(t, 1, total)
		require.Equal(t, pending.ID, jobs[0].ID)
	})

	t.Run("status filter with pagination", func(t *testing.T) {
		jobs, total, err := s.ListJobs(ctx, store.JobFilter{
			Status: models.JobStatusScheduled,
			Page:   1,
			Limit:  1,
		})
		require.NoError(t, err)
		require.EqualValues(t, 2, total)
		require.Len(t, jobs, 1)
	})

	t.Run("due jobs", func(t *testing.T) {
		got, err := s.ListDueJobs(ctx, time.Now().UTC(), 10)
		require.NoError(t, err)
		require.Len(t, got, 1)
		require.Equal(t, due.ID, got[0].ID)
	})

	t.Run("unknown id is not found", func(t *testing.T) {
		_, err := s.GetJob(ctx, "not-a-uuid")
		require.ErrorIs(t, err, store.ErrJobNotFound)
	})
}
