package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// AppendAudit records an audit log entry inside q's transaction.
func AppendAudit(ctx context.Context, q Querier, at time.Time, actor, action string, metadata any) error {
	meta, err := EncodeJSON(metadata)
	if err != nil {
		return err
	}
	_, err = q.ExecContext(ctx, `
		INSERT INTO audit_log (audit_id, actor_principal_id, action, metadata_json, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, uuid.NewString(), actor, action, meta, at)
	if err != nil {
		return fmt.Errorf("failed to append audit log: %w", err)
	}
	return nil
}

type AuditEntry struct {
	ActorPrincipalID string
	Action           string
	MetadataJSON     string
	CreatedAt        time.Time
}

// AuditLog returns audit entries, newest first.
func AuditLog(ctx context.Context, q Querier, limit int) ([]AuditEntry, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT COALESCE(actor_principal_id, ''), action, metadata_json, created_at
		FROM audit_log
		ORDER BY created_at DESC, audit_id
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit log: %w", err)
	}
	defer rows.Close()

	var entries []AuditEntry
	for rows.Next() {
		var e AuditEntry
		if err := rows.Scan(&e.ActorPrincipalID, &e.Action, &e.MetadataJSON, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan audit log: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// GetCheckpoint decodes the checkpoint stored under name into v. It reports false when
// no checkpoint exists.
func GetCheckpoint(ctx context.Context, q Querier, name string, v any) (bool, error) {
	var raw string
	err := q.QueryRowContext(ctx, `SELECT checkpoint_json FROM job_checkpoint WHERE job_name = $1`, name).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to read checkpoint %q: %w", name, err)
	}
	if err := DecodeJSON(raw, v); err != nil {
		return false, err
	}
	return true, nil
}

// PutCheckpoint upserts the checkpoint stored under name.
func PutCheckpoint(ctx context.Context, q Querier, at time.Time, name string, v any) error {
	raw, err := EncodeJSON(v)
	if err != nil {
		return err
	}
	_, err = q.ExecContext(ctx, `
		INSERT INTO job_checkpoint (job_name, checkpoint_json, updated_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (job_name) DO UPDATE SET checkpoint_json = EXCLUDED.checkpoint_json, updated_at = EXCLUDED.updated_at
	`, name, raw, at)
	if err != nil {
		return fmt.Errorf("failed to write checkpoint %q: %w", name, err)
	}
	return nil
}
