package pipeline

import (
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/gitpulse/gitpulse/internal/models"
)

// RunContext carries per-run state between stages: the run id used for
// raw buffer locks and logging correlation, arbitrary handoff values,
// and the processed-items counter that lands in the history row.
type RunContext struct {
	RunID        string
	PipelineType string
	Params       models.JSONText
	Logger       *logrus.Entry

	mu         sync.Mutex
	values     map[string]any
	processed  int
	failed     map[string]error
	itemFailed int
	itemErr    error
}

// NewRunContext builds a run context with a fresh run id. The executor
// calls this for every run; stage tests construct their own.
func NewRunContext(pipelineType string, params models.JSONText, logger *logrus.Logger) *RunContext {
	runID := uuid.NewString()
	return &RunContext{
		RunID:        runID,
		PipelineType: pipelineType,
		Params:       params,
		Logger: logger.WithFields(logrus.Fields{
			"pipeline": pipelineType,
			"run_id":   runID,
		}),
		values: map[string]any{},
		failed: map[string]error{},
	}
}

// Set stores a handoff value for later stages.
func (rc *RunContext) Set(key string, value any) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.values[key] = value
}

// Get returns a handoff value set by an earlier stage.
func (rc *RunContext) Get(key string) (any, bool) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	v, ok := rc.values[key]
	return v, ok
}

// GetInt returns an int handoff value, 0 when absent or mistyped.
func (rc *RunContext) GetInt(key string) int {
	v, ok := rc.Get(key)
	if !ok {
		return 0
	}
	n, _ := v.(int)
	return n
}

// AddProcessed bumps the run's items-processed total.
func (rc *RunContext) AddProcessed(n int) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.processed += n
}

// Processed returns the current items-processed total.
func (rc *RunContext) Processed() int {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.processed
}

// RecordItemFailures notes per-item failures that stayed under a
// stage's failure threshold. The executor downgrades an otherwise
// clean run to partial when any are present, so they land in the
// history row instead of vanishing.
func (rc *RunContext) RecordItemFailures(n int, first error) {
	if n <= 0 {
		return
	}
	rc.mu.Lock()
	defer rc.mu.Unlock()
	if rc.itemErr == nil {
		rc.itemErr = first
	}
	rc.itemFailed += n
}

// ItemFailures returns the recorded sub-threshold failure count and
// the first error seen.
func (rc *RunContext) ItemFailures() (int, error) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.itemFailed, rc.itemErr
}

func (rc *RunContext) recordFailure(stage string, err error) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.failed[stage] = err
}

func (rc *RunContext) stageFailed(stage string) bool {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	_, ok := rc.failed[stage]
	return ok
}

// Failures returns a copy of the stage failures recorded so far.
func (rc *RunContext) Failures() map[string]error {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	out := make(map[string]error, len(rc.failed))
	for k, v := range rc.failed {
		out[k] = v
	}
	return out
}
