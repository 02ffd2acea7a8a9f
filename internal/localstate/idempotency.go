package localstate

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/agenticverz/agenticverz/internal/model"
)

// IdempotencyStore satisfies idempotency.Store.
type IdempotencyStore struct {
	d *DB
}

// Idempotency returns the idempotency store backed by d.
func (d *DB) Idempotency() *IdempotencyStore {
	return &IdempotencyStore{d: d}
}

const idempotencyColumns = `tenant_id, key, fingerprint, status, result, expires_at, created_at, updated_at`

func (s *IdempotencyStore) Begin(ctx context.Context, tenantID uuid.UUID, key, fingerprint string, ttl time.Duration) (model.IdempotencyRecord, bool, error) {
	var (
		rec     model.IdempotencyRecord
		created bool
	)
	err := s.d.immediate(ctx, func(conn *sql.Conn) error {
		now := s.d.now().UTC()
		existing, err := scanIdempotency(conn.QueryRowContext(ctx,
			`SELECT `+idempotencyColumns+` FROM idempotency_records WHERE tenant_id = ? AND key = ?`,
			tenantID.String(), key))
		switch {
		case isNoRows(err):
		case err != nil:
			return fmt.Errorf("read record: %w", err)
		case now.Before(existing.ExpiresAt) &&
			!(existing.Status == model.IdempotencyFailed && existing.Fingerprint == fingerprint):
			rec = existing
			return nil
		}

		rec = model.IdempotencyRecord{
			TenantID:    tenantID,
			Key:         key,
			Fingerprint: fingerprint,
			Status:      model.IdempotencyInProgress,
			ExpiresAt:   now.Add(ttl),
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		_, err = conn.ExecContext(ctx,
			`INSERT OR REPLACE INTO idempotency_records (`+idempotencyColumns+`)
			 VALUES (?, ?, ?, ?, NULL, ?, ?, ?)`,
			tenantID.String(), key, fingerprint, string(rec.Status),
			rec.ExpiresAt.UnixNano(), now.UnixNano(), now.UnixNano(),
		)
		if err != nil {
			return fmt.Errorf("write record: %w", err)
		}
		created = true
		return nil
	})
	if err != nil {
		return model.IdempotencyRecord{}, false, fmt.Errorf("localstate: begin idempotency: %w", err)
	}
	return rec, created, nil
}

func (s *IdempotencyStore) Get(ctx context.Context, tenantID uuid.UUID, key string) (model.IdempotencyRecord, bool, error) {
	rec, err := scanIdempotency(s.d.db.QueryRowContext(ctx,
		`SELECT `+idempotencyColumns+`
		 FROM idempotency_records
		 WHERE tenant_id = ? AND key = ? AND expires_at > ?`,
		tenantID.String(), key, s.d.now().UnixNano()))
	if isNoRows(err) {
		return model.IdempotencyRecord{}, false, nil
	}
	if err != nil {
		return model.IdempotencyRecord{}, false, fmt.Errorf("localstate: get idempotency: %w", err)
	}
	return rec, true, nil
}

func (s *IdempotencyStore) Complete(ctx context.Context, tenantID uuid.UUID, key string, result json.RawMessage) error {
	return s.finish(ctx, tenantID, key, model.IdempotencyCompleted, result)
}

func (s *IdempotencyStore) Fail(ctx context.Context, tenantID uuid.UUID, key string) error {
	return s.finish(ctx, tenantID, key, model.IdempotencyFailed, nil)
}

func (s *IdempotencyStore) finish(ctx context.Context, tenantID uuid.UUID, key string, status model.IdempotencyStatus, result json.RawMessage) error {
	if _, err := s.d.db.ExecContext(ctx,
		`UPDATE idempotency_records
		 SET status = ?, result = ?, updated_at = ?
		 WHERE tenant_id = ? AND key = ? AND status = 'in_progress'`,
		string(status), []byte(result), s.d.now().UnixNano(), tenantID.String(), key,
	); err != nil {
		return fmt.Errorf("localstate: finish idempotency %s: %w", status, err)
	}
	return nil
}

func (s *IdempotencyStore) PurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.d.db.ExecContext(ctx,
		`DELETE FROM idempotency_records WHERE expires_at < ?`, now.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("localstate: purge idempotency: %w", err)
	}
	return res.RowsAffected()
}

func scanIdempotency(row rowScanner) (model.IdempotencyRecord, error) {
	var (
		rec                       model.IdempotencyRecord
		tenant, status            string
		result                    []byte
		expires, created, updated int64
	)
	if err := row.Scan(&tenant, &rec.Key, &rec.Fingerprint, &status, &result,
		&expires, &created, &updated); err != nil {
		return model.IdempotencyRecord{}, err
	}
	id, err := uuid.Parse(tenant)
	if err != nil {
		return model.IdempotencyRecord{}, fmt.Errorf("parse tenant id: %w", err)
	}
	rec.TenantID = id
	rec.Status = model.IdempotencyStatus(status)
	if len(result) > 0 {
		rec.Result = json.RawMessage(result)
	}
	rec.ExpiresAt = time.Unix(0, expires).UTC()
	rec.CreatedAt = time.Unix(0, created).UTC()
	rec.UpdatedAt = time.Unix(0, updated).UTC()
	return rec, nil
}
