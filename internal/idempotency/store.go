package idempotency

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agenticverz/agenticverz/internal/model"
)

// Store persists idempotency records keyed by (tenant, key).
type Store interface {
	// Begin atomically claims (tenant, key) for processing. A missing, expired,
	// or failed-with-the-same-fingerprint record is replaced by a fresh
	// in_progress record and created is true. Otherwise the live record is
	// returned unchanged and created is false.
	Begin(ctx context.Context, tenantID uuid.UUID, key, fingerprint string, ttl time.Duration) (rec model.IdempotencyRecord, created bool, err error)

	// Get returns the live (unexpired) record, or found=false.
	Get(ctx context.Context, tenantID uuid.UUID, key string) (rec model.IdempotencyRecord, found bool, err error)

	Complete(ctx context.Context, tenantID uuid.UUID, key string, result json.RawMessage) error
	Fail(ctx context.Context, tenantID uuid.UUID, key string) error

	// PurgeExpired deletes records whose expiry is before now.
	PurgeExpired(ctx context.Context, now time.Time) (int64, error)
}

type memKey struct {
	tenant uuid.UUID
	key    string
}

// MemoryStore is a process-local Store.
type MemoryStore struct {
	mu      sync.Mutex
	records map[memKey]model.IdempotencyRecord
	now     func() time.Time
}

// NewMemoryStore creates an empty in-memory idempotency store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[memKey]model.IdempotencyRecord), now: time.Now}
}

func (m *MemoryStore) Begin(_ context.Context, tenantID uuid.UUID, key, fingerprint string, ttl time.Duration) (model.IdempotencyRecord, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	k := memKey{tenantID, key}
	if rec, ok := m.records[k]; ok && now.Before(rec.ExpiresAt) {
		retryable := rec.Status == model.IdempotencyFailed && rec.Fingerprint == fingerprint
		if !retryable {
			return rec, false, nil
		}
	}
	rec := model.IdempotencyRecord{
		TenantID:    tenantID,
		Key:         key,
		Fingerprint: fingerprint,
		Status:      model.IdempotencyInProgress,
		ExpiresAt:   now.Add(ttl),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	m.records[k] = rec
	return rec, true, nil
}

func (m *MemoryStore) Get(_ context.Context, tenantID uuid.UUID, key string) (model.IdempotencyRecord, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[memKey{tenantID, key}]
	if !ok || !m.now().Before(rec.ExpiresAt) {
		return model.IdempotencyRecord{}, false, nil
	}
	return rec, true, nil
}

func (m *MemoryStore) Complete(_ context.Context, tenantID uuid.UUID, key string, result json.RawMessage) error {
	return m.finish(tenantID, key, model.IdempotencyCompleted, result)
}

func (m *MemoryStore) Fail(_ context.Context, tenantID uuid.UUID, key string) error {
	return m.finish(tenantID, key, model.IdempotencyFailed, nil)
}

func (m *MemoryStore) finish(tenantID uuid.UUID, key string, status model.IdempotencyStatus, result json.RawMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := memKey{tenantID, key}
	rec, ok := m.records[k]
	if !ok || rec.Status != model.IdempotencyInProgress {
		return nil
	}
	rec.Status = status
	rec.Result = result
	rec.UpdatedAt = m.now()
	m.records[k] = rec
	return nil
}

func (m *MemoryStore) PurgeExpired(_ context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for k, rec := range m.records {
		if rec.ExpiresAt.Before(now) {
			delete(m.records, k)
			n++
		}
	}
	return n, nil
}
