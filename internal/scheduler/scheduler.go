package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/gitpulse/gitpulse/internal/models"
	"github.com/gitpulse/gitpulse/internal/pipeline"
	"github.com/gitpulse/gitpulse/internal/storage"
)

// ErrNotRunning means a cancel was requested for a pipeline with no run
// in flight.
var ErrNotRunning = errors.New("pipeline not running")

// ValidateExpr checks a cron expression the way the scheduler will
// parse it, including CRON_TZ= timezone prefixes.
func ValidateExpr(expr string) error {
	_, err := cron.ParseStandard(expr)
	if err != nil {
		return fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}
	return nil
}

// tracked is the in-memory view of one schedule: the parsed expression
// and its next fire time.
type tracked struct {
	expr string
	next time.Time
}

// Scheduler drives pipelines from stored cron schedules. Expressions
// live in the database, so schedule changes take effect on the next
// tick without a restart. The executor's run guard keeps each pipeline
// type serial; different types run concurrently.
type Scheduler struct {
	store  *storage.Store
	exec   *pipeline.Executor
	logger *logrus.Entry

	pollInterval time.Duration

	mu      sync.Mutex
	entries map[string]*tracked
	cancels map[string]context.CancelFunc
	running sync.WaitGroup
}

// New builds a scheduler. pollInterval controls how often stored
// schedules are re-read and due pipelines launched.
func New(store *storage.Store, exec *pipeline.Executor, logger *logrus.Logger, pollInterval time.Duration) *Scheduler {
	if pollInterval <= 0 {
		pollInterval = 15 * time.Second
	}
	return &Scheduler{
		store:        store,
		exec:         exec,
		logger:       logger.WithField("component", "scheduler"),
		pollInterval: pollInterval,
		entries:      map[string]*tracked{},
		cancels:      map[string]context.CancelFunc{},
	}
}

// Start runs the scheduling loop until ctx is cancelled, then waits for
// in-flight runs to finish their cooperative shutdown.
func (s *Scheduler) Start(ctx context.Context) error {
	s.logger.WithField("poll_interval", s.pollInterval).Info("scheduler started")
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	s.Tick(ctx, time.Now())
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopping, waiting for in-flight runs")
			s.running.Wait()
			return nil
		case now := <-ticker.C:
			s.Tick(ctx, now)
		}
	}
}

// Tick reloads schedules, publishes recomputed fire times, and launches
// anything due. Exported so runs can be driven deterministically in
// tests.
func (s *Scheduler) Tick(ctx context.Context, now time.Time) {
	scheds, err := s.store.ListSchedules(ctx)
	if err != nil {
		s.logger.WithError(err).Error("failed to load schedules")
		return
	}

	for _, sched := range scheds {
		if !sched.Active {
			s.forget(sched.PipelineType)
			continue
		}
		schedule, err := cron.ParseStandard(sched.CronExpr)
		if err != nil {
			// Guarded against at write time; a row edited out of band
			// is skipped, not fatal.
			s.logger.WithError(err).WithField("pipeline", sched.PipelineType).
				Error("stored cron expression is unparsable, skipping")
			continue
		}

		entry := s.entry(sched.PipelineType)
		if entry.expr != sched.CronExpr || entry.next.IsZero() {
			entry.expr = sched.CronExpr
			entry.next = schedule.Next(now)
			s.publishNext(ctx, sched.PipelineType, entry.next)
			continue
		}

		if now.Before(entry.next) {
			continue
		}

		// Recompute before launching: a slow run must not cause a
		// burst of catch-up fires.
		entry.next = schedule.Next(now)
		s.publishNext(ctx, sched.PipelineType, entry.next)
		s.launch(ctx, sched.PipelineType, sched.Parameters)
	}
}

func (s *Scheduler) entry(pipelineType string) *tracked {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[pipelineType]
	if !ok {
		e = &tracked{}
		s.entries[pipelineType] = e
	}
	return e
}

func (s *Scheduler) forget(pipelineType string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, pipelineType)
}

// publishNext writes the fire time to the status row and moves an idle
// pipeline to scheduled.
func (s *Scheduler) publishNext(ctx context.Context, pipelineType string, next time.Time) {
	if err := s.store.SetNextRun(ctx, pipelineType, next); err != nil {
		s.logger.WithError(err).WithField("pipeline", pipelineType).Warn("failed to publish next run")
		return
	}
	st, err := s.store.GetPipelineStatus(ctx, pipelineType)
	if err != nil {
		return
	}
	if st.Status == models.StatusIdle {
		if err := s.store.SetPipelineStatus(ctx, pipelineType, models.StatusScheduled); err != nil {
			s.logger.WithError(err).WithField("pipeline", pipelineType).Warn("failed to publish status")
		}
	}
}

// launch starts one run in the background. The guard inside the
// executor rejects overlap; a skipped launch is logged and dropped.
func (s *Scheduler) launch(parent context.Context, pipelineType string, params models.JSONText) {
	runCtx, cancel := context.WithCancel(parent)

	s.mu.Lock()
	if _, inFlight := s.cancels[pipelineType]; inFlight {
		s.mu.Unlock()
		cancel()
		s.logger.WithField("pipeline", pipelineType).Info("skipping launch, run already in flight")
		return
	}
	s.cancels[pipelineType] = cancel
	s.mu.Unlock()

	s.running.Add(1)
	go func() {
		defer s.running.Done()
		defer func() {
			s.mu.Lock()
			delete(s.cancels, pipelineType)
			s.mu.Unlock()
			cancel()
		}()

		result, err := s.exec.Run(runCtx, pipelineType, params)
		switch {
		case errors.Is(err, pipeline.ErrAlreadyRunning):
			s.logger.WithField("pipeline", pipelineType).Info("skipping launch, already running")
		case err != nil:
			s.logger.WithError(err).WithField("pipeline", pipelineType).Error("run failed to start")
		default:
			s.logger.WithFields(logrus.Fields{
				"pipeline": pipelineType,
				"run_id":   result.RunID,
				"status":   result.Status,
			}).Info("scheduled run finished")
		}
	}()
}

// Trigger starts an immediate run, bypassing cron but honoring the
// concurrency guard. It returns once the run is accepted.
func (s *Scheduler) Trigger(ctx context.Context, pipelineType string, params models.JSONText) error {
	st, err := s.store.GetPipelineStatus(ctx, pipelineType)
	if err != nil {
		return err
	}
	if st.IsRunning {
		return fmt.Errorf("%w: %s", pipeline.ErrAlreadyRunning, pipelineType)
	}
	s.launch(context.WithoutCancel(ctx), pipelineType, params)
	return nil
}

// Cancel requests cooperative cancellation of a running pipeline. The
// run finishes its current batch transaction and exits as cancelled.
func (s *Scheduler) Cancel(pipelineType string) error {
	s.mu.Lock()
	cancel, ok := s.cancels[pipelineType]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotRunning, pipelineType)
	}
	cancel()
	return nil
}

// Reset forces a pipeline's status machine back to idle. Any in-flight
// run is cancelled first.
func (s *Scheduler) Reset(ctx context.Context, pipelineType string) error {
	if err := s.Cancel(pipelineType); err == nil {
		s.running.Wait()
	}
	s.forget(pipelineType)
	return s.store.ResetPipelineStatus(ctx, pipelineType)
}
