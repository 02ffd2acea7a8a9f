// Package model defines the core domain types for the execution engine.
//
// Types correspond directly to database tables and to the records written by
// the golden recorder. They use strong typing (UUIDs, time.Time, enums) and
// avoid interface{} outside of skill parameter and result payloads, which are
// schema-validated JSON objects.
package model

import (
	"time"

	"github.com/google/uuid"
)

// RunStatus represents the lifecycle state of a run.
type RunStatus string

const (
	RunStatusQueued    RunStatus = "queued"
	RunStatusRunning   RunStatus = "running"
	RunStatusSucceeded RunStatus = "succeeded"
	RunStatusFailed    RunStatus = "failed"
	RunStatusRetry     RunStatus = "retry"
)

// Terminal reports whether no further transition is allowed from s.
func (s RunStatus) Terminal() bool {
	return s == RunStatusSucceeded || s == RunStatusFailed
}

// Dispatchable reports whether a run in status s may be claimed by a pool.
func (s RunStatus) Dispatchable() bool {
	return s == RunStatusQueued || s == RunStatusRetry
}

// CanTransition reports whether a run may move from one status to another.
// Runs only move forward, except retry -> running.
func CanTransition(from, to RunStatus) bool {
	switch from {
	case RunStatusQueued, RunStatusRetry:
		return to == RunStatusRunning
	case RunStatusRunning:
		return to == RunStatusSucceeded || to == RunStatusFailed || to == RunStatusRetry
	default:
		return false
	}
}

// ReplayBehavior controls how a step is treated when a run is replayed.
type ReplayBehavior string

const (
	ReplayExecute ReplayBehavior = "execute"
	ReplaySkip    ReplayBehavior = "skip"
	ReplayCheck   ReplayBehavior = "check"
)

// Valid reports whether b is a known replay behavior. The empty value is
// treated as execute.
func (b ReplayBehavior) Valid() bool {
	switch b {
	case "", ReplayExecute, ReplaySkip, ReplayCheck:
		return true
	}
	return false
}

// PlanStep is one skill invocation in a run's plan.
type PlanStep struct {
	ID             string         `json:"id"`
	Skill          string         `json:"skill"`
	Params         map[string]any `json:"params"`
	Model          string         `json:"model,omitempty"`
	IdempotencyKey string         `json:"idempotency_key,omitempty"`
	ReplayBehavior ReplayBehavior `json:"replay_behavior,omitempty"`
}

// Plan is the ordered step sequence produced by the planner.
type Plan struct {
	Steps []PlanStep `json:"steps"`
	Seed  int64      `json:"seed,omitempty"`
	// Replay asks the runner to enforce per-step replay behavior against the
	// trace recorded by the parent run.
	Replay bool `json:"replay,omitempty"`
}

// ToolCall is the recorded result of a single step execution.
type ToolCall struct {
	StepID     string         `json:"step_id"`
	StepIndex  int            `json:"step_index"`
	Skill      string         `json:"skill"`
	Output     map[string]any `json:"output,omitempty"`
	Duplicate  bool           `json:"duplicate,omitempty"`
	Skipped    bool           `json:"skipped,omitempty"`
	Cost       int64          `json:"cost"`
	DurationMS int64          `json:"duration_ms"`
}

// RunError is the machine-readable failure attached to a run.
type RunError struct {
	Code       string `json:"code"`
	Category   string `json:"category"`
	HTTPStatus int    `json:"http_status"`
	Message    string `json:"message"`
	Suggestion string `json:"suggestion,omitempty"`
	StepIndex  *int   `json:"step_index,omitempty"`
}

// Run is one execution of a goal-derived plan.
type Run struct {
	ID             uuid.UUID  `json:"id"`
	TenantID       uuid.UUID  `json:"tenant_id"`
	AgentID        string     `json:"agent_id"`
	Goal           string     `json:"goal"`
	Status         RunStatus  `json:"status"`
	Attempts       int        `json:"attempts"`
	MaxAttempts    int        `json:"max_attempts"`
	IdempotencyKey *string    `json:"idempotency_key,omitempty"`
	ParentRunID    *uuid.UUID `json:"parent_run_id,omitempty"`
	Priority       int        `json:"priority"`
	NextAttemptAt  *time.Time `json:"next_attempt_at,omitempty"`
	Plan           Plan       `json:"plan"`
	ToolCalls      []ToolCall `json:"tool_calls"`
	// FirstError is set once, on the first failure, and survives retries.
	FirstError *RunError `json:"first_error,omitempty"`
	LastError  *RunError `json:"last_error,omitempty"`
	// StepRetries counts, per step index, the earlier attempts that failed
	// at that step.
	StepRetries map[int]int `json:"step_retries,omitempty"`
	ClaimedBy   *string     `json:"claimed_by,omitempty"`
	CreatedAt   time.Time   `json:"created_at"`
	StartedAt   *time.Time  `json:"started_at,omitempty"`
	CompletedAt *time.Time  `json:"completed_at,omitempty"`
	UpdatedAt   time.Time   `json:"updated_at"`
}

// CreateRunRequest holds the fields the API layer supplies when enqueueing a run.
type CreateRunRequest struct {
	TenantID       uuid.UUID
	AgentID        string
	Goal           string
	Plan           Plan
	MaxAttempts    int
	IdempotencyKey *string
	ParentRunID    *uuid.UUID
	Priority       int
}

// Provenance is the audit record written when a run succeeds.
type Provenance struct {
	ID         uuid.UUID  `json:"id"`
	RunID      uuid.UUID  `json:"run_id"`
	TenantID   uuid.UUID  `json:"tenant_id"`
	AgentID    string     `json:"agent_id"`
	Plan       Plan       `json:"plan"`
	ToolCalls  []ToolCall `json:"tool_calls"`
	TotalCost  int64      `json:"total_cost"`
	DurationMS int64      `json:"duration_ms"`
	RootHash   string     `json:"root_hash"`
	CreatedAt  time.Time  `json:"created_at"`
}
