package pipeline

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gitpulse/gitpulse/internal/models"
	"github.com/gitpulse/gitpulse/internal/storage"
)

func testSetup(t *testing.T) (*Executor, *storage.Store) {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	store, err := storage.Open(":memory:", logger)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	require.NoError(t, store.SeedPipelineStatus(context.Background(), []string{"test-pipe"}))
	return New(store, logger), store
}

func noop(_ context.Context, _ *RunContext) error { return nil }

func TestTopoSortOrdersDependencies(t *testing.T) {
	stages := []Stage{
		{Name: "c", DependsOn: []string{"b"}, Run: noop},
		{Name: "a", Run: noop},
		{Name: "b", DependsOn: []string{"a"}, Run: noop},
	}
	ordered, err := topoSort(stages)
	require.NoError(t, err)
	names := []string{ordered[0].Name, ordered[1].Name, ordered[2].Name}
	assert.Equal(t, []string{"a", "b", "c"}, names)
}

func TestRegisterRejectsCycle(t *testing.T) {
	exec, _ := testSetup(t)
	err := exec.Register(Pipeline{
		Name: "test-pipe",
		Stages: []Stage{
			{Name: "a", DependsOn: []string{"b"}, Run: noop},
			{Name: "b", DependsOn: []string{"a"}, Run: noop},
		},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cycle")
}

func TestRegisterRejectsUnknownDependency(t *testing.T) {
	exec, _ := testSetup(t)
	err := exec.Register(Pipeline{
		Name:   "test-pipe",
		Stages: []Stage{{Name: "a", DependsOn: []string{"ghost"}, Run: noop}},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown stage dependency")
}

func TestRunCompletes(t *testing.T) {
	exec, store := testSetup(t)
	var order []string
	mk := func(name string) Stage {
		return Stage{Name: name, Run: func(_ context.Context, rc *RunContext) error {
			order = append(order, name)
			rc.AddProcessed(2)
			return nil
		}}
	}
	fetch := mk("fetch")
	process := mk("process")
	process.DependsOn = []string{"fetch"}
	require.NoError(t, exec.Register(Pipeline{Name: "test-pipe", Stages: []Stage{process, fetch}}))

	ctx := context.Background()
	result, err := exec.Run(ctx, "test-pipe", nil)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusCompleted, result.Status)
	assert.Equal(t, 4, result.ItemsProcessed)
	assert.Equal(t, []string{"fetch", "process"}, order)

	// Guard released, history finalized.
	st, err := store.GetPipelineStatus(ctx, "test-pipe")
	require.NoError(t, err)
	assert.False(t, st.IsRunning)
	assert.Equal(t, models.StatusIdle, st.Status)

	hs, err := store.ListHistory(ctx, "test-pipe", 10)
	require.NoError(t, err)
	require.Len(t, hs, 1)
	assert.Equal(t, models.RunStatusCompleted, hs[0].Status)
	assert.Equal(t, 4, hs[0].ItemsProcessed)
	assert.Equal(t, result.RunID, hs[0].RunID)
}

func TestRunFailFast(t *testing.T) {
	exec, store := testSetup(t)
	boom := errors.New("boom")
	ran := false
	require.NoError(t, exec.Register(Pipeline{
		Name: "test-pipe",
		Stages: []Stage{
			{Name: "fetch", Policy: FailFast, Run: func(_ context.Context, _ *RunContext) error {
				return boom
			}},
			{Name: "process", DependsOn: []string{"fetch"}, Run: func(_ context.Context, _ *RunContext) error {
				ran = true
				return nil
			}},
		},
	}))

	ctx := context.Background()
	result, err := exec.Run(ctx, "test-pipe", nil)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusFailed, result.Status)
	assert.False(t, ran, "dependent stage must not run after fail-fast")
	assert.ErrorIs(t, result.Failures["fetch"], boom)

	st, err := store.GetPipelineStatus(ctx, "test-pipe")
	require.NoError(t, err)
	assert.False(t, st.IsRunning)
	assert.Equal(t, models.StatusError, st.Status)
	require.NotNil(t, st.LastError)
	assert.Contains(t, *st.LastError, "boom")
}

func TestRunContinueOnErrorSkipsDependents(t *testing.T) {
	exec, _ := testSetup(t)
	boom := errors.New("enrich upstream down")
	var ran []string
	require.NoError(t, exec.Register(Pipeline{
		Name: "test-pipe",
		Stages: []Stage{
			{Name: "enrich", Policy: ContinueOnError, Run: func(_ context.Context, _ *RunContext) error {
				return boom
			}},
			{Name: "rank", DependsOn: []string{"enrich"}, Run: func(_ context.Context, _ *RunContext) error {
				ran = append(ran, "rank")
				return nil
			}},
			{Name: "sitemap", Run: func(_ context.Context, _ *RunContext) error {
				ran = append(ran, "sitemap")
				return nil
			}},
		},
	}))

	result, err := exec.Run(context.Background(), "test-pipe", nil)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusPartial, result.Status)
	assert.Equal(t, []string{"sitemap"}, ran, "independent stage runs, dependent is skipped")
	assert.Contains(t, result.Failures, "enrich")
	assert.Contains(t, result.Failures, "rank")
}

func TestRunBestEffortFailureIsInvisible(t *testing.T) {
	exec, _ := testSetup(t)
	require.NoError(t, exec.Register(Pipeline{
		Name: "test-pipe",
		Stages: []Stage{
			{Name: "sitemap", Policy: BestEffort, Run: func(_ context.Context, _ *RunContext) error {
				return errors.New("disk hiccup")
			}},
		},
	}))

	result, err := exec.Run(context.Background(), "test-pipe", nil)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusCompleted, result.Status)
	assert.Empty(t, result.Failures)
}

func TestRunItemFailuresDowngradeToPartial(t *testing.T) {
	exec, store := testSetup(t)
	require.NoError(t, exec.Register(Pipeline{
		Name: "test-pipe",
		Stages: []Stage{
			{Name: "process", Run: func(_ context.Context, rc *RunContext) error {
				// The batch stayed under its failure threshold, so the
				// stage itself succeeds.
				rc.AddProcessed(97)
				rc.RecordItemFailures(3, errors.New("undecodable payload"))
				return nil
			}},
		},
	}))

	ctx := context.Background()
	result, err := exec.Run(ctx, "test-pipe", nil)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusPartial, result.Status)
	assert.Contains(t, result.Failures, "_items")

	hs, err := store.ListHistory(ctx, "test-pipe", 1)
	require.NoError(t, err)
	require.Len(t, hs, 1)
	assert.Equal(t, models.RunStatusPartial, hs[0].Status)
	require.NotNil(t, hs[0].ErrorMessage)
	assert.Contains(t, *hs[0].ErrorMessage, "undecodable payload")
}

func TestRunGuardRejectsConcurrent(t *testing.T) {
	exec, store := testSetup(t)
	require.NoError(t, exec.Register(Pipeline{
		Name:   "test-pipe",
		Stages: []Stage{{Name: "a", Run: noop}},
	}))

	ctx := context.Background()
	acquired, err := store.AcquireRun(ctx, "test-pipe")
	require.NoError(t, err)
	require.True(t, acquired)

	_, err = exec.Run(ctx, "test-pipe", nil)
	assert.ErrorIs(t, err, ErrAlreadyRunning)
}

func TestRunUnknownPipeline(t *testing.T) {
	exec, _ := testSetup(t)
	_, err := exec.Run(context.Background(), "nope", nil)
	assert.ErrorIs(t, err, ErrUnknownPipeline)
}

func TestRunCancelledMidway(t *testing.T) {
	exec, store := testSetup(t)
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, exec.Register(Pipeline{
		Name: "test-pipe",
		Stages: []Stage{
			{Name: "fetch", Run: func(_ context.Context, _ *RunContext) error {
				cancel()
				return nil
			}},
			{Name: "process", DependsOn: []string{"fetch"}, Run: noop},
		},
	}))

	result, err := exec.Run(ctx, "test-pipe", nil)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusCancelled, result.Status)

	// Cleanup still ran despite the cancelled context.
	st, err := store.GetPipelineStatus(context.Background(), "test-pipe")
	require.NoError(t, err)
	assert.False(t, st.IsRunning)
}

func TestRunContextHandoff(t *testing.T) {
	exec, _ := testSetup(t)
	require.NoError(t, exec.Register(Pipeline{
		Name: "test-pipe",
		Stages: []Stage{
			{Name: "fetch", Run: func(_ context.Context, rc *RunContext) error {
				rc.Set("queued", 7)
				return nil
			}},
			{Name: "process", DependsOn: []string{"fetch"}, Run: func(_ context.Context, rc *RunContext) error {
				rc.AddProcessed(rc.GetInt("queued"))
				return nil
			}},
		},
	}))

	result, err := exec.Run(context.Background(), "test-pipe", nil)
	require.NoError(t, err)
	assert.Equal(t, 7, result.ItemsProcessed)
}
