package budget

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agenticverz/agenticverz/internal/model"
)

// Tier names one spend ceiling.
type Tier string

const (
	TierPerRequest  Tier = "per_request"
	TierPerModel    Tier = "per_model"
	TierPerWorkflow Tier = "per_workflow"
	TierHourly      Tier = "hourly"
	TierDaily       Tier = "daily"
	TierLifetime    Tier = "lifetime"
)

// Window is one spend counter touched by a charge. Limit zero means the
// counter is tracked but not enforced.
type Window struct {
	Tier  Tier
	Key   string
	Limit int64
}

// Windows returns the counters rec contributes to, in check order. Hourly and
// daily windows are UTC calendar buckets; the model window is per model per day.
func Windows(rec model.CostRecord, q model.BudgetQuota) []Window {
	day := rec.RecordedAt.UTC().Format("2006-01-02")
	ws := make([]Window, 0, 4)
	if rec.Model != "" {
		ws = append(ws, Window{Tier: TierPerModel, Key: "model:" + rec.Model + ":" + day, Limit: q.PerModel})
	}
	if rec.Workflow != "" {
		ws = append(ws, Window{Tier: TierPerWorkflow, Key: "workflow:" + rec.Workflow, Limit: q.PerWorkflow})
	}
	ws = append(ws,
		Window{Tier: TierHourly, Key: "hour:" + rec.RecordedAt.UTC().Format("2006-01-02T15"), Limit: q.Hourly},
		Window{Tier: TierDaily, Key: "day:" + day, Limit: q.Daily},
	)
	return ws
}

// LimitError reports the first counter that a Commit would have pushed past
// its limit. Nothing was recorded.
type LimitError struct {
	Tier    Tier
	Limit   int64
	Current int64
	Cost    int64
}

func (e *LimitError) Error() string {
	return fmt.Sprintf("%s limit %d: %d spent + %d", e.Tier, e.Limit, e.Current, e.Cost)
}

// ErrInsufficientBudget matches any *LimitError via errors.Is.
var ErrInsufficientBudget = errors.New("budget: insufficient budget")

func (e *LimitError) Is(target error) bool { return target == ErrInsufficientBudget }

// Ledger stores cost events and the counters derived from them.
type Ledger interface {
	// Spent returns the current value of each counter key. Missing keys are 0.
	Spent(ctx context.Context, tenantID uuid.UUID, keys []string) (map[string]int64, error)

	// Agent returns the lifetime budget of agentID, or a zero budget.
	Agent(ctx context.Context, tenantID uuid.UUID, agentID string) (model.AgentBudget, error)

	// Commit appends rec and adds rec.Cost to every window and to the agent's
	// lifetime spend in one atomic step. If any enforced window or the agent
	// limit would be exceeded, nothing is written and a *LimitError is returned.
	Commit(ctx context.Context, rec model.CostRecord, windows []Window) error

	// Quota returns the tenant's quota override, if any.
	Quota(ctx context.Context, tenantID uuid.UUID) (model.BudgetQuota, bool, error)

	SetAgentLimit(ctx context.Context, tenantID uuid.UUID, agentID string, limit int64) error
	SetPaused(ctx context.Context, tenantID uuid.UUID, agentID string, paused bool) error

	// RecomputeCounters rebuilds all counters and agent spend from the cost log.
	RecomputeCounters(ctx context.Context) error
}

type agentKey struct {
	tenant uuid.UUID
	agent  string
}

// MemoryLedger is a process-local Ledger.
type MemoryLedger struct {
	mu       sync.Mutex
	counters map[uuid.UUID]map[string]int64
	agents   map[agentKey]model.AgentBudget
	quotas   map[uuid.UUID]model.BudgetQuota
	records  []model.CostRecord
}

// NewMemoryLedger creates an empty in-memory ledger.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{
		counters: make(map[uuid.UUID]map[string]int64),
		agents:   make(map[agentKey]model.AgentBudget),
		quotas:   make(map[uuid.UUID]model.BudgetQuota),
	}
}

// SetQuota installs a tenant quota override.
func (m *MemoryLedger) SetQuota(q model.BudgetQuota) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.quotas[q.TenantID] = q
}

// Records returns a copy of the cost log.
func (m *MemoryLedger) Records() []model.CostRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]model.CostRecord(nil), m.records...)
}

func (m *MemoryLedger) Spent(_ context.Context, tenantID uuid.UUID, keys []string) (map[string]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]int64, len(keys))
	for _, k := range keys {
		out[k] = m.counters[tenantID][k]
	}
	return out, nil
}

func (m *MemoryLedger) Agent(_ context.Context, tenantID uuid.UUID, agentID string) (model.AgentBudget, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.agentLocked(tenantID, agentID), nil
}

func (m *MemoryLedger) agentLocked(tenantID uuid.UUID, agentID string) model.AgentBudget {
	if a, ok := m.agents[agentKey{tenantID, agentID}]; ok {
		return a
	}
	return model.AgentBudget{AgentID: agentID, TenantID: tenantID}
}

func (m *MemoryLedger) Commit(_ context.Context, rec model.CostRecord, windows []Window) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c := m.counters[rec.TenantID]
	for _, w := range windows {
		cur := c[w.Key]
		if w.Limit > 0 && cur+rec.Cost > w.Limit {
			return &LimitError{Tier: w.Tier, Limit: w.Limit, Current: cur, Cost: rec.Cost}
		}
	}
	a := m.agentLocked(rec.TenantID, rec.AgentID)
	if a.Limit > 0 && a.Spent+rec.Cost > a.Limit {
		return &LimitError{Tier: TierLifetime, Limit: a.Limit, Current: a.Spent, Cost: rec.Cost}
	}

	if c == nil {
		c = make(map[string]int64)
		m.counters[rec.TenantID] = c
	}
	for _, w := range windows {
		c[w.Key] += rec.Cost
	}
	a.Spent += rec.Cost
	a.UpdatedAt = rec.RecordedAt
	m.agents[agentKey{rec.TenantID, rec.AgentID}] = a
	m.records = append(m.records, rec)
	return nil
}

func (m *MemoryLedger) Quota(_ context.Context, tenantID uuid.UUID) (model.BudgetQuota, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.quotas[tenantID]
	return q, ok, nil
}

func (m *MemoryLedger) SetAgentLimit(_ context.Context, tenantID uuid.UUID, agentID string, limit int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a := m.agentLocked(tenantID, agentID)
	a.Limit = limit
	a.UpdatedAt = time.Now()
	m.agents[agentKey{tenantID, agentID}] = a
	return nil
}

func (m *MemoryLedger) SetPaused(_ context.Context, tenantID uuid.UUID, agentID string, paused bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a := m.agentLocked(tenantID, agentID)
	a.Paused = paused
	a.UpdatedAt = time.Now()
	m.agents[agentKey{tenantID, agentID}] = a
	return nil
}

func (m *MemoryLedger) RecomputeCounters(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	counters := make(map[uuid.UUID]map[string]int64)
	spent := make(map[agentKey]int64)
	for _, rec := range m.records {
		c := counters[rec.TenantID]
		if c == nil {
			c = make(map[string]int64)
			counters[rec.TenantID] = c
		}
		for _, w := range Windows(rec, model.BudgetQuota{}) {
			c[w.Key] += rec.Cost
		}
		spent[agentKey{rec.TenantID, rec.AgentID}] += rec.Cost
	}
	m.counters = counters
	for k, a := range m.agents {
		a.Spent = spent[k]
		m.agents[k] = a
	}
	for k, s := range spent {
		if _, ok := m.agents[k]; !ok {
			m.agents[k] = model.AgentBudget{AgentID: k.agent, TenantID: k.tenant, Spent: s}
		}
	}
	return nil
}
