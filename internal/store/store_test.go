package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mealgrid/orchestrator/internal/models"
)

func newTestJob(id string, status models.JobStatus) *models.OrchestrationJob {
	now := time.Now()
	return &models.OrchestrationJob{
		ID:            id,
		Scope:         "district-1",
		Operation:     "UPDATE_MENU",
		TargetSchools: []string{"school-1", "school-2"},
		Priority:      models.JobPriorityMedium,
		Status:        status,
		CreatedBy:     "admin@district-1",
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

func TestMemoryJobStoreCreateGet(t *testing.T) {
	ctx := context.Background()

	t.Run("create then get returns a copy", func(t *testing.T) {
		s := NewMemoryJobStore()

		job := newTestJob("job-1", models.JobStatusPending)
		require.NoError(t, s.CreateJob(ctx, job))

		got, err := s.GetJob(ctx, "job-1")
		require.NoError(t, err)
		require.Equal(t, "UPDATE_MENU", got.Operation)
		require.Equal(t, models.JobStatusPending, got.Status)

		// Mutating the returned copy must not touch stored state.
		got.TargetSchools[0] = "tampered"
		again, err := s.GetJob(ctx, "job-1")
		require.NoError(t, err)
		require.Equal(t, "school-1", again.TargetSchools[0])
	})

	t.Run("duplicate id is rejected", func(t *testing.T) {
		s := NewMemoryJobStore()

		require.NoError(t, s.CreateJob(ctx, newTestJob("job-1", models.JobStatusPending)))
		err := s.CreateJob(ctx, newTestJob("job-1", models.JobStatusPending))
		require.ErrorIs(t, err, ErrDuplicateJob)
	})

	t.Run("get unknown id", func(t *testing.T) {
		s := NewMemoryJobStore()

		_, err := s.GetJob(ctx, "nope")
		require.ErrorIs(t, err, ErrJobNotFound)
	})
}

func TestMemoryJobStoreTransitionStatus(t *testing.T) {
	ctx := context.Background()

	t.Run("allowed transition succeeds", func(t *testing.T) {
		s := NewMemoryJobStore()
		require.NoError(t, s.CreateJob(ctx, newTestJob("job-1", models.JobStatusPending)))

		job, err := s.TransitionStatus(ctx, "job-1", models.JobStatusRunning,
			[]models.JobStatus{models.JobStatusPending, models.JobStatusScheduled})
		require.NoError(t, err)
		require.Equal(t, models.JobStatusRunning, job.Status)
	})

	t.Run("precondition failure returns conflict", func(t *testing.T) {
		s := NewMemoryJobStore()
		require.NoError(t, s.CreateJob(ctx, newTestJob("job-1", models.JobStatusRunning)))

		_, err := s.TransitionStatus(ctx, "job-1", models.JobStatusCancelled,
			[]models.JobStatus{models.JobStatusPending, models.JobStatusScheduled})
		require.ErrorIs(t, err, ErrStatusConflict)
	})

	t.Run("terminal transition stamps completed_at", func(t *testing.T) {
		s := NewMemoryJobStore()
		require.NoError(t, s.CreateJob(ctx, newTestJob("job-1", models.JobStatusPending)))

		job, err := s.TransitionStatus(ctx, "job-1", models.JobStatusCancelled,
			[]models.JobStatus{models.JobStatusPending, models.JobStatusScheduled})
		require.NoError(t, err)
		require.NotNil(t, job.CompletedAt)
	})

	t.Run("double transition loses the race", func(t *testing.T) {
		s := NewMemoryJobStore()
		require.NoError(t, s.CreateJob(ctx, newTestJob("job-1", models.JobStatusPending)))

		from := []models.JobStatus{models.JobStatusPending, models.JobStatusScheduled}
		_, err := s.TransitionStatus(ctx, "job-1", models.JobStatusRunning, from)
		require.NoError(t, err)

		_, err = s.TransitionStatus(ctx, "job-1", models.JobStatusRunning, from)
		require.ErrorIs(t, err, ErrStatusConflict)
	})
}

func TestMemoryJobStoreAppendResult(t *testing.T) {
	ctx := context.Background()

	t.Run("append bumps counters and progress", func(t *testing.T) {
		s := NewMemoryJobStore()
		require.NoError(t, s.CreateJob(ctx, newTestJob("job-1", models.JobStatusRunning)))

		err := s.AppendResult(ctx, "job-1", models.TargetResult{
			TargetID: "school-1",
			Outcome:  models.TargetSuccess,
			Payload:  map[string]any{"menu_version": 7},
		}, 50)
		require.NoError(t, err)

		err = s.AppendResult(ctx, "job-1", models.TargetResult{
			TargetID:     "school-2",
			Outcome:      models.TargetFailed,
			ErrorMessage: "school unreachable",
		}, 100)
		require.NoError(t, err)

		job, err := s.GetJob(ctx, "job-1")
		require.NoError(t, err)
		require.Len(t, job.Results, 2)
		require.Equal(t, 1, job.SuccessCount)
		require.Equal(t, 1, job.FailedCount)
		require.InDelta(t, 100, job.Progress, 0.001)
	})

	t.Run("progress never decreases", func(t *testing.T) {
		s := NewMemoryJobStore()
		require.NoError(t, s.CreateJob(ctx, newTestJob("job-1", models.JobStatusRunning)))

		require.NoError(t, s.AppendResult(ctx, "job-1", models.TargetResult{
			TargetID: "school-2", Outcome: models.TargetSuccess,
		}, 100))
		require.NoError(t, s.AppendResult(ctx, "job-1", models.TargetResult{
			TargetID: "school-1", Outcome: models.TargetSuccess,
		}, 50))

		job, err := s.GetJob(ctx, "job-1")
		require.NoError(t, err)
		require.InDelta(t, 100, job.Progress, 0.001)
	})
}

func TestMemoryJobStoreListJobs(t *testing.T) {
	ctx := context.Background()

	seed := func(t *testing.T) *MemoryJobStore {
		t.Helper()
		s := NewMemoryJobStore()
		base := time.Now()
		for i, spec := range []struct {
			id     string
			scope  string
			op     string
			status models.JobStatus
		}{
			{"job-1", "district-1", "UPDATE_MENU", models.JobStatusPending},
			{"job-2", "district-1", "BACKUP_DATA", models.JobStatusCompleted},
			{"job-3", "district-2", "UPDATE_MENU", models.JobStatusPending},
			{"job-4", "", "BACKUP_DATA", models.JobStatusPending},
		} {
			job := newTestJob(spec.id, spec.status)
			job.Scope = spec.scope
			job.Operation = spec.op
			job.CreatedAt = base.Add(time.Duration(i) * time.Second)
			require.NoError(t, s.CreateJob(ctx, job))
		}
		return s
	}

	t.Run("filter by status and operation", func(t *testing.T) {
		s := seed(t)

		jobs, total, err := s.ListJobs(ctx, JobFilter{
			Status:    models.JobStatusPending,
			Operation: "UPDATE_MENU",
		})
		require.NoError(t, err)
		require.EqualValues(t, 2, total)
		require.Len(t, jobs, 2)
	})

	t.Run("scope filter distinguishes empty scope", func(t *testing.T) {
		s := seed(t)

		jobs, total, err := s.ListJobs(ctx, JobFilter{Scope: "district-1", ScopeSet: true})
		require.NoError(t, err)
		require.EqualValues(t, 2, total)
		for _, j := range jobs {
			require.Equal(t, "district-1", j.Scope)
		}

		platform, total, err := s.ListJobs(ctx, JobFilter{Scope: "", ScopeSet: true})
		require.NoError(t, err)
		require.EqualValues(t, 1, total)
		require.Equal(t, "job-4", platform[0].ID)
	})

	t.Run("pagination newest first", func(t *testing.T) {
		s := seed(t)

		page1, total, err := s.ListJobs(ctx, JobFilter{Page: 1, Limit: 3})
		require.NoError(t, err)
		require.EqualValues(t, 4, total)
		require.Len(t, page1, 3)
		require.Equal(t, "job-4", page1[0].ID)

		page2, _, err := s.ListJobs(ctx, JobFilter{Page: 2, Limit: 3})
		require.NoError(t, err)
		require.Len(t, page2, 1)
		require.Equal(t, "job-1", page2[0].ID)
	})
}

func TestMemoryJobStoreDeleteJob(t *testing.T) {
	ctx := context.Background()
	terminal := []models.JobStatus{
		models.JobStatusCompleted, models.JobStatusFailed, models.JobStatusCancelled,
	}

	t.Run("delete terminal job", func(t *testing.T) {
		s := NewMemoryJobStore()
		require.NoError(t, s.CreateJob(ctx, newTestJob("job-1", models.JobStatusCompleted)))

		require.NoError(t, s.DeleteJob(ctx, "job-1", terminal))

		_, err := s.GetJob(ctx, "job-1")
		require.ErrorIs(t, err, ErrJobNotFound)
	})

	t.Run("delete running job is refused", func(t *testing.T) {
		s := NewMemoryJobStore()
		require.NoError(t, s.CreateJob(ctx, newTestJob("job-1", models.JobStatusRunning)))

		err := s.DeleteJob(ctx, "job-1", terminal)
		require.ErrorIs(t, err, ErrStatusConflict)
	})
}

func TestMemoryJobStoreListDueJobs(t *testing.T) {
	ctx := context.Background()

	t.Run("only due scheduled jobs, oldest first", func(t *testing.T) {
		s := NewMemoryJobStore()
		now := time.Now()

		past := now.Add(-time.Hour)
		earlier := now.Add(-2 * time.Hour)
		future := now.Add(time.Hour)

		j1 := newTestJob("job-1", models.JobStatusScheduled)
		j1.ScheduledAt = &past
		j2 := newTestJob("job-2", models.JobStatusScheduled)
		j2.ScheduledAt = &earlier
		j3 := newTestJob("job-3", models.JobStatusScheduled)
		j3.ScheduledAt = &future
		j4 := newTestJob("job-4", models.JobStatusPending)

		for _, j := range []*models.OrchestrationJob{j1, j2, j3, j4} {
			require.NoError(t, s.CreateJob(ctx, j))
		}

		due, err := s.ListDueJobs(ctx, now, 10)
		require.NoError(t, err)
		require.Len(t, due, 2)
		require.Equal(t, "job-2", due[0].ID)
		require.Equal(t, "job-1", due[1].ID)
	})

	t.Run("limit caps the batch", func(t *testing.T) {
		s := NewMemoryJobStore()
		now := time.Now()
		for _, id := range []string{"job-1", "job-2", "job-3"} {
			j := newTestJob(id, models.JobStatusScheduled)
			t0 := now.Add(-time.Minute)
			j.ScheduledAt = &t0
			require.NoError(t, s.CreateJob(ctx, j))
		}

		due, err := s.ListDueJobs(ctx, now, 2)
		require.NoError(t, err)
		require.Len(t, due, 2)
	})
}
