package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/agenticverz/agenticverz/internal/model"
)

// IdempotencyStore persists idempotency records in idempotency_records. It
// satisfies idempotency.Store.
type IdempotencyStore struct {
	db *DB
}

// Idempotency returns the idempotency store backed by db.
func (db *DB) Idempotency() *IdempotencyStore {
	return &IdempotencyStore{db: db}
}

const idempotencyColumns = `tenant_id, key, fingerprint, status, result, expires_at, created_at, updated_at`

// Begin claims (tenant, key) with a single upsert. The conflict branch only
// takes over an expired record or a failed one with the same fingerprint;
// any other existing record is returned unchanged with created=false.
func (s *IdempotencyStore) Begin(ctx context.Context, tenantID uuid.UUID, key, fingerprint string, ttl time.Duration) (model.IdempotencyRecord, bool, error) {
	// The existing row can be purged between the upsert and the read; go
	// around again in that case.
	for range 3 {
		rec, err := scanIdempotency(s.db.pool.QueryRow(ctx,
			`INSERT INTO idempotency_records (tenant_id, key, fingerprint, status, expires_at, created_at, updated_at)
			 VALUES ($1, $2, $3, 'in_progress', now() + ($4 * interval '1 microsecond'), now(), now())
			 ON CONFLICT (tenant_id, key) DO UPDATE
			 SET fingerprint = EXCLUDED.fingerprint,
			     status = 'in_progress',
			     result = NULL,
			     expires_at = EXCLUDED.expires_at,
			     created_at = EXCLUDED.created_at,
			     updated_at = now()
			 WHERE idempotency_records.expires_at <= now()
			    OR (idempotency_records.status = 'failed'
			        AND idempotency_records.fingerprint = EXCLUDED.fingerprint)
			 RETURNING `+idempotencyColumns,
			tenantID, key, fingerprint, ttl.Microseconds(),
		))
		if err == nil {
			return rec, true, nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return model.IdempotencyRecord{}, false, fmt.Errorf("storage: begin idempotency: %w", err)
		}

		rec, err = scanIdempotency(s.db.pool.QueryRow(ctx,
			`SELECT `+idempotencyColumns+` FROM idempotency_records WHERE tenant_id = $1 AND key = $2`,
			tenantID, key,
		))
		if err == nil {
			return rec, false, nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return model.IdempotencyRecord{}, false, fmt.Errorf("storage: lookup idempotency: %w", err)
		}
	}
	return model.IdempotencyRecord{}, false, fmt.Errorf("storage: begin idempotency: record for key %q keeps disappearing", key)
}

func (s *IdempotencyStore) Get(ctx context.Context, tenantID uuid.UUID, key string) (model.IdempotencyRecord, bool, error) {
	rec, err := scanIdempotency(s.db.pool.QueryRow(ctx,
		`SELECT `+idempotencyColumns+`
		 FROM idempotency_records
		 WHERE tenant_id = $1 AND key = $2 AND expires_at > now()`,
		tenantID, key,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return model.IdempotencyRecord{}, false, nil
	}
	if err != nil {
		return model.IdempotencyRecord{}, false, fmt.Errorf("storage: get idempotency: %w", err)
	}
	return rec, true, nil
}

// Complete stores the result of an in-progress record.
func (s *IdempotencyStore) Complete(ctx context.Context, tenantID uuid.UUID, key string, result json.RawMessage) error {
	return s.finish(ctx, tenantID, key, model.IdempotencyCompleted, result)
}

// Fail marks an in-progress record failed so a retry with the same payload
// can take it over.
func (s *IdempotencyStore) Fail(ctx context.Context, tenantID uuid.UUID, key string) error {
	return s.finish(ctx, tenantID, key, model.IdempotencyFailed, nil)
}

func (s *IdempotencyStore) finish(ctx context.Context, tenantID uuid.UUID, key string, status model.IdempotencyStatus, result json.RawMessage) error {
	if _, err := s.db.pool.Exec(ctx,
		`UPDATE idempotency_records
		 SET status = $3, result = $4::jsonb, updated_at = now()
		 WHERE tenant_id = $1 AND key = $2 AND status = 'in_progress'`,
		tenantID, key, string(status), []byte(result),
	); err != nil {
		return fmt.Errorf("storage: finish idempotency %s: %w", status, err)
	}
	return nil
}

// PurgeExpired deletes records that expired before now.
func (s *IdempotencyStore) PurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	tag, err := s.db.pool.Exec(ctx, `DELETE FROM idempotency_records WHERE expires_at < $1`, now)
	if err != nil {
		return 0, fmt.Errorf("storage: purge idempotency: %w", err)
	}
	return tag.RowsAffected(), nil
}

func scanIdempotency(row pgx.Row) (model.IdempotencyRecord, error) {
	var (
		rec    model.IdempotencyRecord
		status string
		result []byte
	)
	if err := row.Scan(&rec.TenantID, &rec.Key, &rec.Fingerprint, &status, &result,
		&rec.ExpiresAt, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
		return model.IdempotencyRecord{}, err
	}
	rec.Status = model.IdempotencyStatus(status)
	if len(result) > 0 {
		rec.Result = json.RawMessage(result)
	}
	return rec, nil
}
