package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/gitpulse/gitpulse/internal/models"
)

// SeedPipelineStatus inserts an idle status row for each pipeline type
// if absent. Existing rows are left alone.
func (s *Store) SeedPipelineStatus(ctx context.Context, pipelineTypes []string) error {
	now := time.Now().UTC()
	for _, pt := range pipelineTypes {
		_, err := s.ext.ExecContext(ctx, `
			INSERT INTO pipeline_status (pipeline_type, status, is_running, updated_at)
			VALUES (?, 'idle', 0, ?)
			ON CONFLICT (pipeline_type) DO NOTHING`, pt, now)
		if err != nil {
			return fmt.Errorf("seed status %s: %w", pt, err)
		}
	}
	return nil
}

// AcquireRun atomically transitions is_running false -> true for the
// pipeline type. Returns false without error when another run holds
// the flag. This is the concurrency guard: at most one run per type.
func (s *Store) AcquireRun(ctx context.Context, pipelineType string) (bool, error) {
	res, err := s.ext.ExecContext(ctx, `
		UPDATE pipeline_status
		SET is_running = 1, status = 'running', last_error = NULL, updated_at = ?
		WHERE pipeline_type = ? AND is_running = 0`,
		time.Now().UTC(), pipelineType)
	if err != nil {
		return false, fmt.Errorf("acquire run %s: %w", pipelineType, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// ReleaseRun clears the running flag and records the terminal status.
func (s *Store) ReleaseRun(ctx context.Context, pipelineType, status string, lastError *string) error {
	now := time.Now().UTC()
	_, err := s.ext.ExecContext(ctx, `
		UPDATE pipeline_status
		SET is_running = 0, status = ?, last_run = ?, last_error = ?, updated_at = ?
		WHERE pipeline_type = ?`,
		status, now, lastError, now, pipelineType)
	return err
}

// SetPipelineStatus writes the observable status fields without
// touching the running flag.
func (s *Store) SetPipelineStatus(ctx context.Context, pipelineType, status string) error {
	_, err := s.ext.ExecContext(ctx, `
		UPDATE pipeline_status SET status = ?, updated_at = ? WHERE pipeline_type = ?`,
		status, time.Now().UTC(), pipelineType)
	return err
}

// SetNextRun publishes the next computed fire time.
func (s *Store) SetNextRun(ctx context.Context, pipelineType string, next time.Time) error {
	_, err := s.ext.ExecContext(ctx, `
		UPDATE pipeline_status SET next_run = ?, updated_at = ? WHERE pipeline_type = ?`,
		next.UTC(), time.Now().UTC(), pipelineType)
	return err
}

// ResetPipelineStatus forces a pipeline back to idle, clearing the
// running flag and last error. Operator escape hatch.
func (s *Store) ResetPipelineStatus(ctx context.Context, pipelineType string) error {
	_, err := s.ext.ExecContext(ctx, `
		UPDATE pipeline_status
		SET status = 'idle', is_running = 0, last_error = NULL, updated_at = ?
		WHERE pipeline_type = ?`, time.Now().UTC(), pipelineType)
	return err
}

// GetPipelineStatus returns one status row.
func (s *Store) GetPipelineStatus(ctx context.Context, pipelineType string) (*models.PipelineStatus, error) {
	var st models.PipelineStatus
	err := sqlx.GetContext(ctx, s.ext, &st,
		`SELECT * FROM pipeline_status WHERE pipeline_type = ?`, pipelineType)
	if err != nil {
		return nil, notFoundOr(err)
	}
	return &st, nil
}

// ListPipelineStatuses returns all status rows.
func (s *Store) ListPipelineStatuses(ctx context.Context) ([]models.PipelineStatus, error) {
	var sts []models.PipelineStatus
	err := sqlx.SelectContext(ctx, s.ext, &sts,
		`SELECT * FROM pipeline_status ORDER BY pipeline_type`)
	return sts, err
}

// UpsertSchedule creates or replaces the schedule for a pipeline type.
func (s *Store) UpsertSchedule(ctx context.Context, sched *models.PipelineSchedule) error {
	if sched.ID == "" {
		sched.ID = uuid.NewString()
	}
	if len(sched.Parameters) == 0 {
		sched.Parameters = models.JSONText("{}")
	}
	sched.UpdatedAt = time.Now().UTC()
	_, err := sqlx.NamedExecContext(ctx, s.ext, `
		INSERT INTO pipeline_schedules (id, pipeline_type, cron_expr, active, parameters, description, updated_at)
		VALUES (:id, :pipeline_type, :cron_expr, :active, :parameters, :description, :updated_at)
		ON CONFLICT (pipeline_type) DO UPDATE SET
			cron_expr = excluded.cron_expr,
			active = excluded.active,
			parameters = excluded.parameters,
			description = excluded.description,
			updated_at = excluded.updated_at`, sched)
	return wrapConflict(err)
}

// GetSchedule returns the schedule for a pipeline type.
func (s *Store) GetSchedule(ctx context.Context, pipelineType string) (*models.PipelineSchedule, error) {
	var sched models.PipelineSchedule
	err := sqlx.GetContext(ctx, s.ext, &sched,
		`SELECT * FROM pipeline_schedules WHERE pipeline_type = ?`, pipelineType)
	if err != nil {
		return nil, notFoundOr(err)
	}
	return &sched, nil
}

// ListSchedules returns all schedules.
func (s *Store) ListSchedules(ctx context.Context) ([]models.PipelineSchedule, error) {
	var scheds []models.PipelineSchedule
	err := sqlx.SelectContext(ctx, s.ext, &scheds,
		`SELECT * FROM pipeline_schedules ORDER BY pipeline_type`)
	return scheds, err
}

// InsertHistory appends a run log row and returns its id.
func (s *Store) InsertHistory(ctx context.Context, h *models.PipelineHistory) (int64, error) {
	res, err := s.ext.ExecContext(ctx, `
		INSERT INTO pipeline_history (pipeline_type, run_id, status, started_at, completed_at, items_processed, error_message)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		h.PipelineType, h.RunID, h.Status, h.StartedAt.UTC(), h.CompletedAt, h.ItemsProcessed, h.ErrorMessage)
	if err != nil {
		return 0, fmt.Errorf("insert history: %w", err)
	}
	return res.LastInsertId()
}

// CompleteHistory finalizes a run log row.
func (s *Store) CompleteHistory(ctx context.Context, id int64, status string, itemsProcessed int, errorMessage *string) error {
	now := time.Now().UTC()
	_, err := s.ext.ExecContext(ctx, `
		UPDATE pipeline_history
		SET status = ?, completed_at = ?, items_processed = ?, error_message = ?
		WHERE id = ?`, status, now, itemsProcessed, errorMessage, id)
	return err
}

// ListHistory returns the most recent runs, optionally filtered by
// pipeline type.
func (s *Store) ListHistory(ctx context.Context, pipelineType string, limit int) ([]models.PipelineHistory, error) {
	var hs []models.PipelineHistory
	if pipelineType == "" {
		err := sqlx.SelectContext(ctx, s.ext, &hs,
			`SELECT * FROM pipeline_history ORDER BY started_at DESC, id DESC LIMIT ?`, limit)
		return hs, err
	}
	err := sqlx.SelectContext(ctx, s.ext, &hs, `
		SELECT * FROM pipeline_history WHERE pipeline_type = ?
		ORDER BY started_at DESC, id DESC LIMIT ?`, pipelineType, limit)
	return hs, err
}

// PruneHistory deletes run log rows older than the cutoff. Retention
// is an operator decision; nothing calls this on a schedule.
func (s *Store) PruneHistory(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.ext.ExecContext(ctx,
		`DELETE FROM pipeline_history WHERE started_at < ?`, before)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// SaveCheckpoint persists a stage cursor.
func (s *Store) SaveCheckpoint(ctx context.Context, pipelineType, stage, cursor string) error {
	_, err := s.ext.ExecContext(ctx, `
		INSERT INTO checkpoints (pipeline_type, stage, cursor, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (pipeline_type, stage) DO UPDATE SET
			cursor = excluded.cursor, updated_at = excluded.updated_at`,
		pipelineType, stage, cursor, time.Now().UTC())
	return err
}

// LoadCheckpoint returns the stored cursor, or "" when none exists.
func (s *Store) LoadCheckpoint(ctx context.Context, pipelineType, stage string) (string, error) {
	var cursor string
	err := sqlx.GetContext(ctx, s.ext, &cursor,
		`SELECT cursor FROM checkpoints WHERE pipeline_type = ? AND stage = ?`, pipelineType, stage)
	if err := notFoundOr(err); err != nil {
		if err == ErrNotFound {
			return "", nil
		}
		return "", err
	}
	return cursor, nil
}

// ClearCheckpoint removes a stage cursor after a clean completion.
func (s *Store) ClearCheckpoint(ctx context.Context, pipelineType, stage string) error {
	_, err := s.ext.ExecContext(ctx,
		`DELETE FROM checkpoints WHERE pipeline_type = ? AND stage = ?`, pipelineType, stage)
	return err
}

// Counts returns the entity totals for the control API. Commits are
// counted as logical commits.
func (s *Store) Counts(ctx context.Context) (*models.EntityCounts, error) {
	var c models.EntityCounts
	err := sqlx.GetContext(ctx, s.ext, &c, `
		SELECT
			(SELECT COUNT(*) FROM repositories) AS repositories,
			(SELECT COUNT(*) FROM merge_requests) AS merge_requests,
			(SELECT COUNT(*) FROM contributors) AS contributors,
			(SELECT COUNT(DISTINCT sha) FROM commits) AS commits`)
	if err != nil {
		return nil, err
	}
	return &c, nil
}
