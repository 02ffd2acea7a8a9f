package runner

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agenticverz/agenticverz/internal/model"
)

// ErrNotFound is returned by stores when a run or trace does not exist.
var ErrNotFound = errors.New("runner: not found")

// Store persists the outcome of a run attempt.
type Store interface {
	// FinishAttempt writes run's status, errors, tool calls and backoff gate,
	// the attempt's trace and, for succeeded runs, its provenance, atomically.
	FinishAttempt(ctx context.Context, run model.Run, trace model.TraceRecord, prov *model.Provenance) error

	// LatestTrace returns the trace of the most recent attempt of runID.
	LatestTrace(ctx context.Context, runID uuid.UUID) (model.TraceRecord, error)
}

// MemoryStore is a process-local run queue and Store. It backs the memory
// state backend and tests.
type MemoryStore struct {
	mu     sync.Mutex
	runs   map[uuid.UUID]model.Run
	traces map[uuid.UUID]model.TraceRecord
	provs  map[uuid.UUID]model.Provenance
	now    func() time.Time
}

// NewMemoryStore creates an empty in-memory run store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		runs:   make(map[uuid.UUID]model.Run),
		traces: make(map[uuid.UUID]model.TraceRecord),
		provs:  make(map[uuid.UUID]model.Provenance),
		now:    time.Now,
	}
}

// CreateRun enqueues a run.
func (m *MemoryStore) CreateRun(_ context.Context, req model.CreateRunRequest) (model.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	run := model.Run{
		ID:             uuid.New(),
		TenantID:       req.TenantID,
		AgentID:        req.AgentID,
		Goal:           req.Goal,
		Status:         model.RunStatusQueued,
		MaxAttempts:    req.MaxAttempts,
		IdempotencyKey: req.IdempotencyKey,
		ParentRunID:    req.ParentRunID,
		Priority:       req.Priority,
		Plan:           req.Plan,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	m.runs[run.ID] = run
	return run, nil
}

// GetRun returns a run by ID.
func (m *MemoryStore) GetRun(_ context.Context, id uuid.UUID) (model.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[id]
	if !ok {
		return model.Run{}, ErrNotFound
	}
	return run, nil
}

// PollRunnable returns up to limit dispatchable runs whose backoff gate has
// passed, oldest first.
func (m *MemoryStore) PollRunnable(_ context.Context, limit int) ([]model.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	var out []model.Run
	for _, run := range m.runs {
		if !run.Status.Dispatchable() {
			continue
		}
		if run.NextAttemptAt != nil && run.NextAttemptAt.After(now) {
			continue
		}
		out = append(out, run)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ClaimRun marks id running for owner if it is still dispatchable and due.
// claimed is false when another worker got there first.
func (m *MemoryStore) ClaimRun(_ context.Context, id uuid.UUID, owner string) (model.Run, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[id]
	if !ok {
		return model.Run{}, false, ErrNotFound
	}
	now := m.now()
	if !run.Status.Dispatchable() || (run.NextAttemptAt != nil && run.NextAttemptAt.After(now)) {
		return run, false, nil
	}
	run.Status = model.RunStatusRunning
	run.Attempts++
	run.StartedAt = &now
	run.ClaimedBy = &owner
	run.UpdatedAt = now
	m.runs[id] = run
	return run, true, nil
}

func (m *MemoryStore) FinishAttempt(_ context.Context, run model.Run, trace model.TraceRecord, prov *model.Provenance) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.runs[run.ID]
	if !ok {
		return ErrNotFound
	}
	if !model.CanTransition(cur.Status, run.Status) {
		return &TransitionError{From: cur.Status, To: run.Status}
	}
	run.ClaimedBy = nil
	run.UpdatedAt = m.now()
	m.runs[run.ID] = run
	m.traces[run.ID] = trace
	if prov != nil {
		m.provs[run.ID] = *prov
	}
	return nil
}

func (m *MemoryStore) LatestTrace(_ context.Context, runID uuid.UUID) (model.TraceRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tr, ok := m.traces[runID]
	if !ok {
		return model.TraceRecord{}, ErrNotFound
	}
	return tr, nil
}

// Provenance returns the provenance record of a succeeded run.
func (m *MemoryStore) Provenance(runID uuid.UUID) (model.Provenance, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.provs[runID]
	return p, ok
}

// TransitionError reports a status change the run lifecycle forbids.
type TransitionError struct {
	From, To model.RunStatus
}

func (e *TransitionError) Error() string {
	return "runner: invalid status transition " + string(e.From) + " -> " + string(e.To)
}
