package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// CircuitState is the state of a circuit breaker.
type CircuitState string

const (
	CircuitClosed   CircuitState = "CLOSED"
	CircuitOpen     CircuitState = "OPEN"
	CircuitHalfOpen CircuitState = "HALF_OPEN"
)

// BreakerState is the persisted state of one circuit breaker target.
// CooldownUntil is non-nil if and only if State == CircuitOpen.
type BreakerState struct {
	Target        string       `json:"target"`
	State         CircuitState `json:"state"`
	FailureCount  int          `json:"failure_count"`
	OpenedAt      *time.Time   `json:"opened_at,omitempty"`
	CooldownUntil *time.Time   `json:"cooldown_until,omitempty"`

	// Cooldown is the length of the current (or next) open period. It doubles
	// on every HALF_OPEN -> OPEN transition and resets on close.
	Cooldown time.Duration `json:"cooldown"`

	// TrialStartedAt marks the admitted HALF_OPEN trial call.
	TrialStartedAt *time.Time `json:"trial_started_at,omitempty"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// IdempotencyStatus is the processing state of an idempotency record.
type IdempotencyStatus string

const (
	IdempotencyInProgress IdempotencyStatus = "in_progress"
	IdempotencyCompleted  IdempotencyStatus = "completed"
	IdempotencyFailed     IdempotencyStatus = "failed"
)

// IdempotencyRecord is keyed by (TenantID, Key).
type IdempotencyRecord struct {
	TenantID    uuid.UUID         `json:"tenant_id"`
	Key         string            `json:"key"`
	Fingerprint string            `json:"fingerprint"`
	Status      IdempotencyStatus `json:"status"`
	Result      json.RawMessage   `json:"result,omitempty"`
	ExpiresAt   time.Time         `json:"expires_at"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
}

// CostRecord is an append-only cost event.
type CostRecord struct {
	ID         uuid.UUID `json:"id"`
	TenantID   uuid.UUID `json:"tenant_id"`
	AgentID    string    `json:"agent_id"`
	Workflow   string    `json:"workflow"`
	Skill      string    `json:"skill"`
	Model      string    `json:"model"`
	Cost       int64     `json:"cost"`
	Tokens     int64     `json:"tokens"`
	RecordedAt time.Time `json:"recorded_at"`
}

// BudgetQuota holds spend ceilings in minor currency units. Zero means unlimited.
type BudgetQuota struct {
	TenantID      uuid.UUID `json:"tenant_id"`
	PerRequest    int64     `json:"per_request"`
	PerModel      int64     `json:"per_model"`
	PerWorkflow   int64     `json:"per_workflow"`
	Hourly        int64     `json:"hourly"`
	Daily         int64     `json:"daily"`
	WarnThreshold float64   `json:"warn_threshold"`
	HardEnforce   bool      `json:"hard_enforce"`
	AutoPause     bool      `json:"auto_pause"`
}

// AgentBudget is the lifetime budget of an agent. Limit zero means unlimited.
type AgentBudget struct {
	AgentID   string    `json:"agent_id"`
	TenantID  uuid.UUID `json:"tenant_id"`
	Limit     int64     `json:"limit"`
	Spent     int64     `json:"spent"`
	Paused    bool      `json:"paused"`
	UpdatedAt time.Time `json:"updated_at"`
}
