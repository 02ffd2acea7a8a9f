package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// StepStatus is the outcome of a traced step.
type StepStatus string

const (
	StepSucceeded StepStatus = "succeeded"
	StepFailed    StepStatus = "failed"
	StepSkipped   StepStatus = "skipped"
	StepDuplicate StepStatus = "duplicate"
)

// TraceStep is the replay-relevant record of one step. Only Index, Skill,
// Params, Status, OutcomeCategory, OutcomeCode and RetryCount feed the
// determinism hash; the remaining fields are informational.
type TraceStep struct {
	Index           int            `json:"index"`
	Skill           string         `json:"skill"`
	Params          map[string]any `json:"params"`
	Status          StepStatus     `json:"status"`
	OutcomeCategory string         `json:"outcome_category,omitempty"`
	OutcomeCode     string         `json:"outcome_code,omitempty"`
	RetryCount      int            `json:"retry_count"`
	Hash            string         `json:"hash"`

	StartedAt  time.Time `json:"started_at"`
	DurationMS int64     `json:"duration_ms"`
	Cost       int64     `json:"cost"`
}

// TraceRecord aggregates the steps of one run attempt.
type TraceRecord struct {
	RunID    uuid.UUID   `json:"run_id"`
	Seed     int64       `json:"seed"`
	Steps    []TraceStep `json:"steps"`
	RootHash string      `json:"root_hash"`
}

// GoldenEventType is the lifecycle event written to a golden file.
type GoldenEventType string

const (
	GoldenRunStart GoldenEventType = "run_start"
	GoldenStep     GoldenEventType = "step"
	GoldenRunEnd   GoldenEventType = "run_end"
)

// GoldenEvent is one immutable line of a golden file.
type GoldenEvent struct {
	EventType GoldenEventType `json:"event_type"`
	RunID     uuid.UUID       `json:"run_id"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}
