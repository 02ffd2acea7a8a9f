package breaker

import (
	"context"
	"sort"
	"sync"

	"github.com/agenticverz/agenticverz/internal/model"
)

// UpdateFunc mutates st in place and reports whether the change should be
// persisted. A non-nil error aborts the update without writing.
type UpdateFunc func(st *model.BreakerState) (bool, error)

// Store persists breaker state. Update must be a locking read-modify-write:
// no other Update for the same target may interleave between the read handed
// to fn and the write of its result, across goroutines and processes.
type Store interface {
	// Get returns the state for target, or a CLOSED zero state if none exists.
	Get(ctx context.Context, target string) (model.BreakerState, error)
	Update(ctx context.Context, target string, fn UpdateFunc) (model.BreakerState, error)
	// Reset deletes any persisted state for target.
	Reset(ctx context.Context, target string) error
	List(ctx context.Context) ([]model.BreakerState, error)
}

// Closed returns the initial state for a target that has never failed.
func Closed(target string) model.BreakerState {
	return model.BreakerState{Target: target, State: model.CircuitClosed}
}

// MemoryStore is a process-local Store. It is consistent across goroutines
// but not across processes.
type MemoryStore struct {
	mu     sync.Mutex
	states map[string]model.BreakerState
}

// NewMemoryStore creates an empty in-memory breaker store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{states: make(map[string]model.BreakerState)}
}

func (m *MemoryStore) Get(_ context.Context, target string) (model.BreakerState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if st, ok := m.states[target]; ok {
		return st, nil
	}
	return Closed(target), nil
}

func (m *MemoryStore) Update(_ context.Context, target string, fn UpdateFunc) (model.BreakerState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.states[target]
	if !ok {
		st = Closed(target)
	}
	changed, err := fn(&st)
	if err != nil {
		return st, err
	}
	if changed {
		m.states[target] = st
	}
	return st, nil
}

func (m *MemoryStore) Reset(_ context.Context, target string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.states, target)
	return nil
}

func (m *MemoryStore) List(_ context.Context) ([]model.BreakerState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]model.BreakerState, 0, len(m.states))
	for _, st := range m.states {
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Target < out[j].Target })
	return out, nil
}
