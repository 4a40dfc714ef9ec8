package storage

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/gitpulse/gitpulse/internal/models"
)

// AppendAudit records a control API mutation. Before/after are
// marshaled snapshots of the touched state; nil marshals to JSON null.
func (s *Store) AppendAudit(ctx context.Context, actor, action string, before, after any) error {
	beforeJSON, err := json.Marshal(before)
	if err != nil {
		return err
	}
	afterJSON, err := json.Marshal(after)
	if err != nil {
		return err
	}
	_, err = s.ext.ExecContext(ctx, `
		INSERT INTO audit_log (actor, action, before, after, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		actor, action, string(beforeJSON), string(afterJSON), time.Now().UTC())
	return err
}

// ListAudit returns the most recent audit rows.
func (s *Store) ListAudit(ctx context.Context, limit int) ([]models.AuditEntry, error) {
	var entries []models.AuditEntry
	err := sqlx.SelectContext(ctx, s.ext, &entries,
		`SELECT * FROM audit_log ORDER BY id DESC LIMIT ?`, limit)
	return entries, err
}
