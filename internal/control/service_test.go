package control

import (
	"context"
	"encoding/json"
	"io"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gitpulse/gitpulse/internal/models"
	"github.com/gitpulse/gitpulse/internal/pipeline"
	"github.com/gitpulse/gitpulse/internal/scheduler"
	"github.com/gitpulse/gitpulse/internal/storage"
)

func testService(t *testing.T, ran *atomic.Int32) (*Service, *storage.Store) {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	store, err := storage.Open(":memory:", logger)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	ctx := context.Background()
	require.NoError(t, store.SeedPipelineStatus(ctx, []string{"repo-sync"}))

	exec := pipeline.New(store, logger)
	require.NoError(t, exec.Register(pipeline.Pipeline{
		Name: "repo-sync",
		Stages: []pipeline.Stage{{
			Name: "work",
			Run: func(_ context.Context, rc *pipeline.RunContext) error {
				if ran != nil {
					ran.Add(1)
				}
				rc.AddProcessed(1)
				return nil
			},
		}},
	}))
	sched := scheduler.New(store, exec, logger, time.Second)
	return New(store, exec, sched, logger), store
}

func TestUpsertScheduleValidatesAndAudits(t *testing.T) {
	svc, _ := testService(t, nil)
	ctx := context.Background()

	err := svc.UpsertSchedule(ctx, "ops", &models.PipelineSchedule{
		PipelineType: "repo-sync",
		CronExpr:     "bogus",
		Active:       true,
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid cron expression")

	err = svc.UpsertSchedule(ctx, "ops", &models.PipelineSchedule{
		PipelineType: "no-such-pipeline",
		CronExpr:     "*/5 * * * *",
	})
	assert.ErrorIs(t, err, pipeline.ErrUnknownPipeline)

	require.NoError(t, svc.UpsertSchedule(ctx, "ops", &models.PipelineSchedule{
		PipelineType: "repo-sync",
		CronExpr:     "*/5 * * * *",
		Active:       true,
		Description:  "sync every five minutes",
	}))

	scheds, err := svc.ListSchedules(ctx)
	require.NoError(t, err)
	require.Len(t, scheds, 1)
	assert.Equal(t, "*/5 * * * *", scheds[0].CronExpr)

	audit, err := svc.Audit(ctx, 10)
	require.NoError(t, err)
	require.Len(t, audit, 1)
	assert.Equal(t, "ops", audit[0].Actor)
	assert.Equal(t, "schedule.upsert", audit[0].Action)

	var after models.PipelineSchedule
	require.NoError(t, json.Unmarshal([]byte(audit[0].After), &after))
	assert.Equal(t, "*/5 * * * *", after.CronExpr)
}

func TestUpsertScheduleRejectedWhileRunning(t *testing.T) {
	svc, store := testService(t, nil)
	ctx := context.Background()

	acquired, err := store.AcquireRun(ctx, "repo-sync")
	require.NoError(t, err)
	require.True(t, acquired)

	err = svc.UpsertSchedule(ctx, "ops", &models.PipelineSchedule{
		PipelineType: "repo-sync",
		CronExpr:     "*/5 * * * *",
	})
	assert.ErrorIs(t, err, pipeline.ErrAlreadyRunning)
}

func TestTriggerRunsAndAudits(t *testing.T) {
	var ran atomic.Int32
	svc, store := testService(t, &ran)
	ctx := context.Background()

	assert.ErrorIs(t, svc.Trigger(ctx, "ops", "no-such-pipeline", nil),
		pipeline.ErrUnknownPipeline)

	require.NoError(t, svc.Trigger(ctx, "ops", "repo-sync", nil))
	require.Eventually(t, func() bool { return ran.Load() == 1 }, 5*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		hs, err := store.ListHistory(ctx, "repo-sync", 10)
		return err == nil && len(hs) == 1 && hs[0].Status == models.RunStatusCompleted
	}, 5*time.Second, 10*time.Millisecond)

	audit, err := svc.Audit(ctx, 10)
	require.NoError(t, err)
	require.NotEmpty(t, audit)
	assert.Equal(t, "pipeline.trigger", audit[0].Action)
}

func TestCancelWithoutRun(t *testing.T) {
	svc, _ := testService(t, nil)
	err := svc.Cancel(context.Background(), "ops", "repo-sync")
	assert.ErrorIs(t, err, scheduler.ErrNotRunning)

	// A failed cancel leaves no audit trace.
	audit, auditErr := svc.Audit(context.Background(), 10)
	require.NoError(t, auditErr)
	assert.Empty(t, audit)
}

func TestResetErrorState(t *testing.T) {
	svc, store := testService(t, nil)
	ctx := context.Background()

	require.NoError(t, store.SetPipelineStatus(ctx, "repo-sync", models.StatusError))
	require.NoError(t, svc.ResetErrorState(ctx, "ops", "repo-sync"))

	st, err := store.GetPipelineStatus(ctx, "repo-sync")
	require.NoError(t, err)
	assert.Equal(t, models.StatusIdle, st.Status)

	audit, err := svc.Audit(ctx, 10)
	require.NoError(t, err)
	require.Len(t, audit, 1)
	assert.Equal(t, "pipeline.reset", audit[0].Action)

	var before models.PipelineStatus
	require.NoError(t, json.Unmarshal([]byte(audit[0].Before), &before))
	assert.Equal(t, models.StatusError, before.Status)
}

func TestResetEnrichmentAttempts(t *testing.T) {
	svc, store := testService(t, nil)
	ctx := context.Background()

	username := "alice"
	id, err := store.UpsertContributor(ctx, &models.Contributor{
		GithubID: 500,
		Username: &username,
	})
	require.NoError(t, err)
	require.NoError(t, store.IncrementContributorEnrichmentAttempts(ctx, id))

	affected, err := svc.ResetEnrichmentAttempts(ctx, "ops", "contributors")
	require.NoError(t, err)
	assert.Equal(t, int64(1), affected)

	_, err = svc.ResetEnrichmentAttempts(ctx, "ops", "commits")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown entity kind")
}

func TestCountsAndQueueDepths(t *testing.T) {
	svc, store := testService(t, nil)
	ctx := context.Background()

	_, err := store.UpsertRepository(ctx, &models.Repository{
		GithubID: 100,
		Name:     "widget",
		FullName: "acme/widget",
	})
	require.NoError(t, err)
	_, err = store.EnqueueRaw(ctx, models.RawKindPullRequest, []byte(`{"id": 9001}`))
	require.NoError(t, err)

	counts, err := svc.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, counts.Repositories)
	assert.Zero(t, counts.Contributors)

	depths, err := svc.QueueDepths(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, depths[models.RawKindPullRequest])
	assert.Zero(t, depths[models.RawKindRepository])
}
