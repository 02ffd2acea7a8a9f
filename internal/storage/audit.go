package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// SystemAuditEntry is one row of the append-only system_audit_log.
type SystemAuditEntry struct {
	ID        int64          `json:"id"`
	Action    string         `json:"action"`
	Actor     string         `json:"actor"`
	Details   map[string]any `json:"details"`
	CreatedAt time.Time      `json:"created_at"`
}

// Audit appends a system audit record. The table rejects updates and deletes.
func (db *DB) Audit(ctx context.Context, action, actor string, details map[string]any) error {
	if details == nil {
		details = map[string]any{}
	}
	payload, err := json.Marshal(details)
	if err != nil {
		return fmt.Errorf("storage: marshal audit details: %w", err)
	}
	if _, err := db.pool.Exec(ctx,
		`INSERT INTO system_audit_log (action, actor, details) VALUES ($1, $2, $3::jsonb)`,
		action, actor, payload,
	); err != nil {
		return fmt.Errorf("storage: insert system audit: %w", err)
	}
	return nil
}

// ListAudit returns the most recent audit records, newest first.
func (db *DB) ListAudit(ctx context.Context, limit int) ([]SystemAuditEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.pool.Query(ctx,
		`SELECT id, action, actor, details, created_at
		 FROM system_audit_log ORDER BY id DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("storage: list audit: %w", err)
	}
	defer rows.Close()

	var out []SystemAuditEntry
	for rows.Next() {
		var (
			e       SystemAuditEntry
			details []byte
		)
		if err := rows.Scan(&e.ID, &e.Action, &e.Actor, &details, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan audit: %w", err)
		}
		if err := json.Unmarshal(details, &e.Details); err != nil {
			return nil, fmt.Errorf("storage: decode audit details: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
