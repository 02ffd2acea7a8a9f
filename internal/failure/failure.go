// Package failure defines the error taxonomy surfaced by the execution engine.
//
// Every rejection or failure that reaches the Run Runner is an *Error carrying
// a machine-readable code, a category, an HTTP-style status, a retryable flag
// and a recovery suggestion. The runner decides retry versus terminal failure
// solely from IsRetryable.
package failure

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/agenticverz/agenticverz/internal/model"
)

// Category groups codes by how callers should react to them.
type Category string

const (
	CategoryTransient   Category = "transient"
	CategoryPermanent   Category = "permanent"
	CategoryResource    Category = "resource"
	CategoryPermission  Category = "permission"
	CategoryValidation  Category = "validation"
	CategorySecurity    Category = "security"
	CategoryCircuitOpen Category = "circuit_open"
)

// Code is a stable machine-readable failure identifier.
type Code string

const (
	CodeSkillExecution        Code = "SKILL_EXECUTION_FAILED"
	CodeSkillNotFound         Code = "SKILL_NOT_FOUND"
	CodeSkillValidation       Code = "SKILL_VALIDATION_FAILED"
	CodeBudgetExceeded        Code = "BUDGET_EXCEEDED"
	CodeRequestTooExpensive   Code = "REQUEST_TOO_EXPENSIVE"
	CodeAgentPaused           Code = "AGENT_PAUSED"
	CodeCircuitOpen           Code = "CIRCUIT_OPEN"
	CodeIdempotencyConflict   Code = "IDEMPOTENCY_CONFLICT"
	CodeIdempotencyInProgress Code = "IDEMPOTENCY_IN_PROGRESS"
	CodeReplayMismatch        Code = "REPLAY_MISMATCH"
	CodeRunTimeout            Code = "RUN_TIMEOUT"
	CodeClaimExpired          Code = "CLAIM_EXPIRED"
	CodeInvalidPlan           Code = "INVALID_PLAN"
)

// Error is a classified engine failure.
type Error struct {
	Code       Code
	Category   Category
	HTTPStatus int
	Message    string
	Suggestion string
	Retryable  bool
	// RetryAfter is a hint for circuit-open and in-progress rejections.
	RetryAfter time.Duration
	Cause      error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is matches any *Error with the same code, so errors.Is(err, &Error{Code: c})
// works as a code check.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

// RunError converts e into the persisted run error shape.
func (e *Error) RunError(stepIndex *int) *model.RunError {
	return &model.RunError{
		Code:       string(e.Code),
		Category:   string(e.Category),
		HTTPStatus: e.HTTPStatus,
		Message:    e.Error(),
		Suggestion: e.Suggestion,
		StepIndex:  stepIndex,
	}
}

// As extracts the *Error from err, classifying unknown errors as transient
// skill execution failures.
func As(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return RunTimeout(err)
	}
	return SkillExecution("", err)
}

// IsRetryable reports whether err should lead to a retry with backoff.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	return As(err).Retryable
}

// HasCode reports whether err carries the given code.
func HasCode(err error, code Code) bool {
	var e *Error
	return errors.As(err, &e) && e.Code == code
}

// permanentError marks a skill failure as not retryable.
type permanentError struct{ err error }

func (p permanentError) Error() string { return p.err.Error() }
func (p permanentError) Unwrap() error { return p.err }

// Permanent wraps err so that the gate classifies it as a permanent failure.
// Skill implementations return it for bad input or unrecoverable upstream
// responses.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{err: err}
}

// IsPermanent reports whether err was wrapped with Permanent.
func IsPermanent(err error) bool {
	var p permanentError
	return errors.As(err, &p)
}

// SkillExecution classifies a failure raised by a skill. It is retryable
// unless the cause was marked Permanent.
func SkillExecution(skill string, cause error) *Error {
	msg := "skill execution failed"
	if skill != "" {
		msg = fmt.Sprintf("skill %q execution failed", skill)
	}
	if IsPermanent(cause) {
		return &Error{
			Code:       CodeSkillExecution,
			Category:   CategoryPermanent,
			HTTPStatus: http.StatusUnprocessableEntity,
			Message:    msg,
			Suggestion: "inspect the skill input; retrying the same request will not succeed",
			Cause:      cause,
		}
	}
	return &Error{
		Code:       CodeSkillExecution,
		Category:   CategoryTransient,
		HTTPStatus: http.StatusBadGateway,
		Message:    msg,
		Suggestion: "the run will be retried with backoff",
		Retryable:  true,
		Cause:      cause,
	}
}

// SkillNotFound is returned when the registry has no skill by that name.
func SkillNotFound(skill string) *Error {
	return &Error{
		Code:       CodeSkillNotFound,
		Category:   CategoryPermanent,
		HTTPStatus: http.StatusNotFound,
		Message:    fmt.Sprintf("skill %q is not registered", skill),
		Suggestion: "check the plan for a misspelled skill name",
	}
}

// SkillValidation is returned when input or output violates the skill schema.
func SkillValidation(skill, phase string, cause error) *Error {
	return &Error{
		Code:       CodeSkillValidation,
		Category:   CategoryValidation,
		HTTPStatus: http.StatusBadRequest,
		Message:    fmt.Sprintf("skill %q %s does not match schema", skill, phase),
		Suggestion: "fix the step parameters to satisfy the skill schema",
		Cause:      cause,
	}
}

// BudgetExceeded is returned when a spend ceiling would be breached.
func BudgetExceeded(tier string, limit, current, estimate int64) *Error {
	return &Error{
		Code:       CodeBudgetExceeded,
		Category:   CategoryResource,
		HTTPStatus: http.StatusPaymentRequired,
		Message:    fmt.Sprintf("%s budget exceeded: %d spent + %d estimated > %d", tier, current, estimate, limit),
		Suggestion: "top up the budget or raise the " + tier + " ceiling",
	}
}

// RequestTooExpensive is returned when a single call exceeds the per-request ceiling.
func RequestTooExpensive(limit, estimate int64) *Error {
	return &Error{
		Code:       CodeRequestTooExpensive,
		Category:   CategoryResource,
		HTTPStatus: http.StatusPaymentRequired,
		Message:    fmt.Sprintf("estimated cost %d exceeds per-request ceiling %d", estimate, limit),
		Suggestion: "use a cheaper skill or raise the per-request ceiling",
	}
}

// AgentPaused is returned for agents paused after a daily breach.
func AgentPaused(agentID string) *Error {
	return &Error{
		Code:       CodeAgentPaused,
		Category:   CategoryResource,
		HTTPStatus: http.StatusPaymentRequired,
		Message:    fmt.Sprintf("agent %q is paused", agentID),
		Suggestion: "resume the agent after reviewing its spend",
	}
}

// CircuitOpen is a protective rejection while the target's breaker is open.
func CircuitOpen(target string, retryAfter time.Duration) *Error {
	return &Error{
		Code:       CodeCircuitOpen,
		Category:   CategoryCircuitOpen,
		HTTPStatus: http.StatusServiceUnavailable,
		Message:    fmt.Sprintf("circuit for %q is open", target),
		Suggestion: fmt.Sprintf("retry after %s", retryAfter.Round(time.Second)),
		Retryable:  true,
		RetryAfter: retryAfter,
	}
}

// IdempotencyConflict is returned when a key is reused with a different payload.
func IdempotencyConflict(key string) *Error {
	return &Error{
		Code:       CodeIdempotencyConflict,
		Category:   CategoryValidation,
		HTTPStatus: http.StatusConflict,
		Message:    fmt.Sprintf("idempotency key %q reused with a different payload", key),
		Suggestion: "use a new idempotency key for a different request",
	}
}

// IdempotencyInProgress is returned when another worker holds the key.
func IdempotencyInProgress(key string, retryAfter time.Duration) *Error {
	return &Error{
		Code:       CodeIdempotencyInProgress,
		Category:   CategoryTransient,
		HTTPStatus: http.StatusConflict,
		Message:    fmt.Sprintf("idempotency key %q is being processed", key),
		Suggestion: "retry once the in-flight request completes",
		Retryable:  true,
		RetryAfter: retryAfter,
	}
}

// RunTimeout is returned when a run exceeds the configured wall-clock limit.
func RunTimeout(cause error) *Error {
	return &Error{
		Code:       CodeRunTimeout,
		Category:   CategoryTransient,
		HTTPStatus: http.StatusGatewayTimeout,
		Message:    "run exceeded its time limit",
		Suggestion: "the run will be retried with backoff",
		Retryable:  true,
		Cause:      cause,
	}
}

// ClaimExpired is recorded when a worker stopped reporting on a claimed run
// and the run was taken back from it.
func ClaimExpired() *Error {
	return &Error{
		Code:       CodeClaimExpired,
		Category:   CategoryTransient,
		HTTPStatus: http.StatusGatewayTimeout,
		Message:    "worker claim expired before the attempt finished",
		Suggestion: "the run is retried while attempts remain",
		Retryable:  true,
	}
}

// InvalidPlan is returned for plans the runner cannot execute.
func InvalidPlan(msg string) *Error {
	return &Error{
		Code:       CodeInvalidPlan,
		Category:   CategoryPermanent,
		HTTPStatus: http.StatusUnprocessableEntity,
		Message:    msg,
		Suggestion: "regenerate the plan",
	}
}

// ReplayMismatch is returned when a replayed step diverges from its recording.
func ReplayMismatch(msg string) *Error {
	return &Error{
		Code:       CodeReplayMismatch,
		Category:   CategoryPermanent,
		HTTPStatus: http.StatusConflict,
		Message:    msg,
		Suggestion: "compare the original and replayed traces to locate the nondeterminism",
	}
}
