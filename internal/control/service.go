package control

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/sirupsen/logrus"

	"github.com/gitpulse/gitpulse/internal/models"
	"github.com/gitpulse/gitpulse/internal/pipeline"
	"github.com/gitpulse/gitpulse/internal/scheduler"
	"github.com/gitpulse/gitpulse/internal/storage"
)

// Service is the read/write interface over scheduler and pipeline
// state, consumed by an external HTTP layer. Every mutation appends an
// audit row before returning.
type Service struct {
	store  *storage.Store
	exec   *pipeline.Executor
	sched  *scheduler.Scheduler
	logger *logrus.Entry
}

func New(store *storage.Store, exec *pipeline.Executor, sched *scheduler.Scheduler, logger *logrus.Logger) *Service {
	return &Service{
		store:  store,
		exec:   exec,
		sched:  sched,
		logger: logger.WithField("component", "control"),
	}
}

// ListSchedules returns every stored schedule, active or not.
func (s *Service) ListSchedules(ctx context.Context) ([]models.PipelineSchedule, error) {
	return s.store.ListSchedules(ctx)
}

// UpsertSchedule creates or updates a schedule. The cron expression is
// validated up front, and a schedule cannot be rewritten while its
// pipeline is mid-run.
func (s *Service) UpsertSchedule(ctx context.Context, actor string, sched *models.PipelineSchedule) error {
	if err := scheduler.ValidateExpr(sched.CronExpr); err != nil {
		return err
	}
	if !slices.Contains(s.exec.Types(), sched.PipelineType) {
		return fmt.Errorf("%w: %s", pipeline.ErrUnknownPipeline, sched.PipelineType)
	}
	st, err := s.store.GetPipelineStatus(ctx, sched.PipelineType)
	if err != nil {
		return err
	}
	if st.IsRunning {
		return fmt.Errorf("%w: %s", pipeline.ErrAlreadyRunning, sched.PipelineType)
	}

	before, err := s.store.GetSchedule(ctx, sched.PipelineType)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return err
	}
	if err := s.store.UpsertSchedule(ctx, sched); err != nil {
		return err
	}
	s.audit(ctx, actor, "schedule.upsert", before, sched)
	return nil
}

// Trigger enqueues an immediate run, bypassing cron but honoring the
// concurrency guard.
func (s *Service) Trigger(ctx context.Context, actor, pipelineType string, params models.JSONText) error {
	if !slices.Contains(s.exec.Types(), pipelineType) {
		return fmt.Errorf("%w: %s", pipeline.ErrUnknownPipeline, pipelineType)
	}
	if err := s.sched.Trigger(ctx, pipelineType, params); err != nil {
		return err
	}
	s.audit(ctx, actor, "pipeline.trigger", nil, map[string]any{
		"pipeline_type": pipelineType,
		"parameters":    params,
	})
	return nil
}

// Cancel requests cooperative cancellation of a running pipeline.
func (s *Service) Cancel(ctx context.Context, actor, pipelineType string) error {
	if err := s.sched.Cancel(pipelineType); err != nil {
		return err
	}
	s.audit(ctx, actor, "pipeline.cancel", nil, map[string]any{
		"pipeline_type": pipelineType,
	})
	return nil
}

// Status returns every pipeline's current state row.
func (s *Service) Status(ctx context.Context) ([]models.PipelineStatus, error) {
	return s.store.ListPipelineStatuses(ctx)
}

// History returns the most recent runs of a pipeline type.
func (s *Service) History(ctx context.Context, pipelineType string, limit int) ([]models.PipelineHistory, error) {
	if limit <= 0 {
		limit = 20
	}
	return s.store.ListHistory(ctx, pipelineType, limit)
}

// Counts returns totals for the main entity tables.
func (s *Service) Counts(ctx context.Context) (*models.EntityCounts, error) {
	return s.store.Counts(ctx)
}

// QueueDepths reports unprocessed raw buffer depth per payload kind.
func (s *Service) QueueDepths(ctx context.Context) (map[string]int, error) {
	depths := map[string]int{}
	for _, kind := range []string{models.RawKindRepository, models.RawKindPullRequest} {
		depth, err := s.store.RawDepth(ctx, kind)
		if err != nil {
			return nil, err
		}
		depths[kind] = depth
	}
	return depths, nil
}

// ResetErrorState forces a pipeline back to idle, cancelling any
// in-flight run first.
func (s *Service) ResetErrorState(ctx context.Context, actor, pipelineType string) error {
	before, err := s.store.GetPipelineStatus(ctx, pipelineType)
	if err != nil {
		return err
	}
	if err := s.sched.Reset(ctx, pipelineType); err != nil {
		return err
	}
	after, err := s.store.GetPipelineStatus(ctx, pipelineType)
	if err != nil {
		return err
	}
	s.audit(ctx, actor, "pipeline.reset", before, after)
	return nil
}

// ResetEnrichmentAttempts zeroes the attempt counters for an entity
// kind so capped entities become eligible for enrichment again.
func (s *Service) ResetEnrichmentAttempts(ctx context.Context, actor, entityKind string) (int64, error) {
	affected, err := s.store.ResetEnrichmentAttempts(ctx, entityKind)
	if err != nil {
		return 0, err
	}
	s.audit(ctx, actor, "enrichment.reset_attempts", nil, map[string]any{
		"entity_kind": entityKind,
		"affected":    affected,
	})
	return affected, nil
}

// Audit returns the most recent control mutations.
func (s *Service) Audit(ctx context.Context, limit int) ([]models.AuditEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.store.ListAudit(ctx, limit)
}

// audit failures never fail the mutation they describe; they are logged
// and dropped.
func (s *Service) audit(ctx context.Context, actor, action string, before, after any) {
	if err := s.store.AppendAudit(ctx, actor, action, before, after); err != nil {
		s.logger.WithError(err).WithField("action", action).Warn("failed to append audit row")
	}
}
