package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/gitpulse/gitpulse/internal/models"
	"github.com/gitpulse/gitpulse/internal/storage"
)

var (
	// ErrAlreadyRunning means the per-type concurrency guard is held
	// by another run.
	ErrAlreadyRunning = errors.New("pipeline already running")

	// ErrUnknownPipeline means no pipeline is registered under the
	// requested type.
	ErrUnknownPipeline = errors.New("unknown pipeline")
)

// Result summarizes one pipeline run.
type Result struct {
	RunID          string
	Status         string
	ItemsProcessed int
	Failures       map[string]error
}

// Executor owns the registered pipelines and drives runs through the
// status, history, and raw-lock bookkeeping in the store.
type Executor struct {
	store  *storage.Store
	logger *logrus.Logger

	mu        sync.RWMutex
	pipelines map[string]*Pipeline
}

// New returns an executor with no pipelines registered.
func New(store *storage.Store, logger *logrus.Logger) *Executor {
	return &Executor{
		store:     store,
		logger:    logger,
		pipelines: map[string]*Pipeline{},
	}
}

// Register validates the pipeline's stage graph and stores it in
// dependency order. Registration happens at startup; a bad graph is a
// programming error and fails loudly.
func (e *Executor) Register(p Pipeline) error {
	if p.Name == "" {
		return errors.New("pipeline name is required")
	}
	if len(p.Stages) == 0 {
		return fmt.Errorf("pipeline %q has no stages", p.Name)
	}
	ordered, err := topoSort(p.Stages)
	if err != nil {
		return fmt.Errorf("pipeline %q: %w", p.Name, err)
	}
	p.Stages = ordered

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, dup := e.pipelines[p.Name]; dup {
		return fmt.Errorf("pipeline %q already registered", p.Name)
	}
	e.pipelines[p.Name] = &p
	return nil
}

// Types returns the registered pipeline types, sorted.
func (e *Executor) Types() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	types := make([]string, 0, len(e.pipelines))
	for name := range e.pipelines {
		types = append(types, name)
	}
	sort.Strings(types)
	return types
}

// Run executes one pipeline end to end. It acquires the per-type
// guard, writes the history row, runs stages in dependency order, and
// releases everything on the way out. At most one run per type is ever
// in flight.
func (e *Executor) Run(ctx context.Context, pipelineType string, params models.JSONText) (*Result, error) {
	e.mu.RLock()
	p, ok := e.pipelines[pipelineType]
	e.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPipeline, pipelineType)
	}

	acquired, err := e.store.AcquireRun(ctx, pipelineType)
	if err != nil {
		return nil, err
	}
	if !acquired {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyRunning, pipelineType)
	}

	rc := NewRunContext(pipelineType, params, e.logger)
	started := time.Now().UTC()
	historyID, err := e.store.InsertHistory(ctx, &models.PipelineHistory{
		PipelineType: pipelineType,
		RunID:        rc.RunID,
		Status:       models.RunStatusStarted,
		StartedAt:    started,
	})
	if err != nil {
		// Roll the guard back; the run never happened.
		releaseErr := e.store.ReleaseRun(context.WithoutCancel(ctx), pipelineType, models.StatusIdle, nil)
		return nil, errors.Join(err, releaseErr)
	}

	rc.Logger.WithField("stages", len(p.Stages)).Info("pipeline run started")
	result := e.runStages(ctx, p, rc)
	result.ItemsProcessed = rc.Processed()

	// Cleanup must proceed even when ctx was cancelled mid-run.
	cleanupCtx := context.WithoutCancel(ctx)

	var errMsg *string
	var lastErr *string
	if len(result.Failures) > 0 {
		msg := joinFailures(result.Failures)
		errMsg = &msg
		lastErr = &msg
	}
	statusAfter := models.StatusIdle
	if result.Status == models.RunStatusFailed {
		statusAfter = models.StatusError
	}

	if err := e.store.CompleteHistory(cleanupCtx, historyID, result.Status, result.ItemsProcessed, errMsg); err != nil {
		rc.Logger.WithError(err).Error("failed to finalize history row")
	}
	if err := e.store.UnlockRun(cleanupCtx, rc.RunID); err != nil {
		rc.Logger.WithError(err).Error("failed to release raw buffer locks")
	}
	if err := e.store.ReleaseRun(cleanupCtx, pipelineType, statusAfter, lastErr); err != nil {
		rc.Logger.WithError(err).Error("failed to release run guard")
	}

	rc.Logger.WithFields(logrus.Fields{
		"status":   result.Status,
		"items":    result.ItemsProcessed,
		"duration": time.Since(started).Round(time.Millisecond),
	}).Info("pipeline run finished")
	return result, nil
}

// runStages walks the ordered stages, honoring each stage's error
// policy and skipping dependents of failed stages.
func (e *Executor) runStages(ctx context.Context, p *Pipeline, rc *RunContext) *Result {
	result := &Result{RunID: rc.RunID, Status: models.RunStatusCompleted, Failures: map[string]error{}}

	for _, stage := range p.Stages {
		if err := ctx.Err(); err != nil {
			rc.Logger.WithField("stage", stage.Name).Warn("run cancelled")
			result.Status = models.RunStatusCancelled
			result.Failures["_run"] = err
			return result
		}

		if dep, failed := failedDependency(rc, stage); failed {
			rc.Logger.WithFields(logrus.Fields{
				"stage":      stage.Name,
				"failed_dep": dep,
			}).Warn("skipping stage, dependency failed")
			rc.recordFailure(stage.Name, fmt.Errorf("skipped: dependency %q failed", dep))
			continue
		}

		stageLog := rc.Logger.WithField("stage", stage.Name)
		stageLog.Info("stage started")
		stageStart := time.Now()
		err := stage.Run(ctx, rc)
		if err == nil {
			stageLog.WithField("duration", time.Since(stageStart).Round(time.Millisecond)).
				Info("stage completed")
			continue
		}

		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			result.Status = models.RunStatusCancelled
			result.Failures[stage.Name] = err
			rc.recordFailure(stage.Name, err)
			return result
		}

		switch stage.Policy {
		case FailFast:
			stageLog.WithError(err).Error("stage failed, aborting run")
			result.Status = models.RunStatusFailed
			result.Failures[stage.Name] = err
			rc.recordFailure(stage.Name, err)
			return result
		case ContinueOnError:
			stageLog.WithError(err).Error("stage failed, continuing")
			result.Status = models.RunStatusPartial
			result.Failures[stage.Name] = err
			rc.recordFailure(stage.Name, err)
		case BestEffort:
			stageLog.WithError(err).Warn("stage failed, ignoring")
		}
	}

	// Item failures under a stage's threshold and skipped dependents
	// downgrade a completed run to partial.
	if n, first := rc.ItemFailures(); n > 0 {
		if result.Status == models.RunStatusCompleted {
			result.Status = models.RunStatusPartial
		}
		result.Failures["_items"] = fmt.Errorf("%d items failed below stage thresholds: %w", n, first)
	}
	if result.Status == models.RunStatusCompleted && len(rc.Failures()) > 0 {
		result.Status = models.RunStatusPartial
	}
	if result.Status == models.RunStatusPartial {
		for name, err := range rc.Failures() {
			result.Failures[name] = err
		}
	}
	return result
}

func failedDependency(rc *RunContext, stage Stage) (string, bool) {
	for _, dep := range stage.DependsOn {
		if rc.stageFailed(dep) {
			return dep, true
		}
	}
	return "", false
}

func joinFailures(failures map[string]error) string {
	names := make([]string, 0, len(failures))
	for name := range failures {
		names = append(names, name)
	}
	sort.Strings(names)
	msg := ""
	for _, name := range names {
		if msg != "" {
			msg += "; "
		}
		msg += fmt.Sprintf("%s: %v", name, failures[name])
	}
	return msg
}
