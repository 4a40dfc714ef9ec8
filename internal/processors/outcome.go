package processors

import (
	"fmt"

	"github.com/gitpulse/gitpulse/internal/pipeline"
)

// maxRecordedErrors bounds the per-outcome error list so a pathological
// batch cannot balloon memory.
const maxRecordedErrors = 50

// Outcome is the structured result of one processor batch.
type Outcome struct {
	Processed int
	Skipped   int
	Failed    int
	Errors    []error

	skipErrs int
}

// Fail records one item failure.
func (o *Outcome) Fail(err error) {
	o.Failed++
	if len(o.Errors) < maxRecordedErrors {
		o.Errors = append(o.Errors, err)
	}
}

// Skip records one skipped item. A nil err marks a benign skip, such
// as a row another run already landed.
func (o *Outcome) Skip(err error) {
	o.Skipped++
	if err == nil {
		return
	}
	o.skipErrs++
	if len(o.Errors) < maxRecordedErrors {
		o.Errors = append(o.Errors, err)
	}
}

// Merge folds another outcome into this one.
func (o *Outcome) Merge(other Outcome) {
	o.Processed += other.Processed
	o.Skipped += other.Skipped
	o.Failed += other.Failed
	o.skipErrs += other.skipErrs
	for _, err := range other.Errors {
		if len(o.Errors) >= maxRecordedErrors {
			break
		}
		o.Errors = append(o.Errors, err)
	}
}

// Total is the number of items the batch attempted.
func (o *Outcome) Total() int {
	return o.Processed + o.Skipped + o.Failed
}

// FailureRate is failed+skipped over total, 0 for an empty batch.
func (o *Outcome) FailureRate() float64 {
	total := o.Total()
	if total == 0 {
		return 0
	}
	return float64(o.Failed+o.Skipped) / float64(total)
}

// Finalize closes out a batch: a failure rate over the threshold fails
// the stage, anything under it is recorded on the run context so the
// run finishes partial with the errors in its history row instead of
// silently completed.
func (o *Outcome) Finalize(rc *pipeline.RunContext, threshold float64) error {
	if err := o.ErrIfOver(threshold); err != nil {
		return err
	}
	if n := o.Failed + o.skipErrs; n > 0 {
		rc.RecordItemFailures(n, o.firstError())
	}
	return nil
}

// ErrIfOver returns a stage-level error when the failure rate exceeds
// the threshold. Per-item errors below the threshold stay recorded in
// the outcome but do not fail the stage.
func (o *Outcome) ErrIfOver(threshold float64) error {
	if o.Total() == 0 || o.FailureRate() <= threshold {
		return nil
	}
	return fmt.Errorf("batch failure rate %.0f%% exceeds threshold %.0f%% (%d failed, %d skipped of %d): first error: %w",
		o.FailureRate()*100, threshold*100, o.Failed, o.Skipped, o.Total(), o.firstError())
}

func (o *Outcome) firstError() error {
	if len(o.Errors) == 0 {
		return fmt.Errorf("no error recorded")
	}
	return o.Errors[0]
}
