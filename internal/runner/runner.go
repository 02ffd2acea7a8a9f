// Package runner executes one run's plan end to end.
//
// Steps run in plan order through the skill gate. The first failure stops the
// attempt: retryable failures schedule another attempt with exponential
// backoff while attempts remain, anything else fails the run. Every attempt
// produces a sealed trace and golden events; a succeeded run also gets a
// provenance record.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/agenticverz/agenticverz/internal/failure"
	"github.com/agenticverz/agenticverz/internal/gate"
	"github.com/agenticverz/agenticverz/internal/golden"
	"github.com/agenticverz/agenticverz/internal/idempotency"
	"github.com/agenticverz/agenticverz/internal/integrity"
	"github.com/agenticverz/agenticverz/internal/model"
	"github.com/agenticverz/agenticverz/internal/replay"
	"github.com/agenticverz/agenticverz/internal/telemetry"
)

// Invoker is the part of the skill gate the runner depends on.
type Invoker interface {
	Invoke(ctx context.Context, inv gate.Invocation) (gate.Outcome, error)
}

// Config holds retry policy.
type Config struct {
	MaxAttempts int
	BackoffBase time.Duration
	BackoffMax  time.Duration
}

// Runner executes runs.
type Runner struct {
	store    Store
	gate     Invoker
	idem     *idempotency.Checker
	recorder *golden.Recorder
	cfg      Config
	logger   *slog.Logger
	tracer   trace.Tracer
	runs     metric.Int64Counter
	now      func() time.Time
}

// New creates a Runner. recorder may be nil to disable golden files.
func New(store Store, g Invoker, idem *idempotency.Checker, recorder *golden.Recorder, cfg Config, logger *slog.Logger, metrics *telemetry.EngineMetrics) *Runner {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 2 * time.Second
	}
	if cfg.BackoffMax < cfg.BackoffBase {
		cfg.BackoffMax = max(5*time.Minute, cfg.BackoffBase)
	}
	if metrics == nil {
		metrics = telemetry.NewEngineMetrics()
	}
	return &Runner{
		store:    store,
		gate:     g,
		idem:     idem,
		recorder: recorder,
		cfg:      cfg,
		logger:   logger,
		tracer:   telemetry.Tracer("agenticverz/runner"),
		runs:     metrics.RunsCompleted,
		now:      time.Now,
	}
}

// Backoff returns the delay before the attempt following attempt n (1-based):
// base * 2^(n-1), capped at the configured maximum.
func (r *Runner) Backoff(attempt int) time.Duration {
	d := r.cfg.BackoffBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= r.cfg.BackoffMax {
			return r.cfg.BackoffMax
		}
	}
	return min(d, r.cfg.BackoffMax)
}

// Run executes one claimed attempt of run and persists its outcome. The
// returned run carries the new status. An error means the outcome could not be
// persisted.
func (r *Runner) Run(ctx context.Context, run model.Run) (model.Run, error) {
	ctx, span := r.tracer.Start(ctx, "runner.run", trace.WithAttributes(
		attribute.String("run_id", run.ID.String()),
		attribute.String("agent_id", run.AgentID),
		attribute.Int("attempt", run.Attempts),
	))
	defer span.End()

	started := r.now()
	if run.MaxAttempts <= 0 {
		run.MaxAttempts = r.cfg.MaxAttempts
	}
	r.recorder.RunStart(ctx, run.ID, golden.RunStart{
		AgentID: run.AgentID, Goal: run.Goal, Attempt: run.Attempts, Seed: run.Plan.Seed, Plan: run.Plan,
	})

	rec := model.TraceRecord{RunID: run.ID, Seed: run.Plan.Seed}
	toolCalls, failedAt, runErr := r.execute(ctx, run, &rec)
	if err := integrity.Seal(&rec); err != nil && runErr == nil {
		runErr = failure.InvalidPlan(err.Error())
	}

	var totalCost int64
	for _, tc := range toolCalls {
		totalCost += tc.Cost
	}
	now := r.now()
	run.ToolCalls = toolCalls
	run.NextAttemptAt = nil

	var prov *model.Provenance
	if runErr == nil {
		run.Status = model.RunStatusSucceeded
		run.CompletedAt = &now
		prov = &model.Provenance{
			ID:         uuid.New(),
			RunID:      run.ID,
			TenantID:   run.TenantID,
			AgentID:    run.AgentID,
			Plan:       run.Plan,
			ToolCalls:  toolCalls,
			TotalCost:  totalCost,
			DurationMS: now.Sub(started).Milliseconds(),
			RootHash:   rec.RootHash,
			CreatedAt:  now,
		}
	} else {
		fe := failure.As(runErr)
		var idx *int
		if failedAt >= 0 {
			idx = &failedAt
		}
		runError := fe.RunError(idx)
		if run.FirstError == nil {
			run.FirstError = runError
		}
		run.LastError = runError
		if failedAt >= 0 {
			run.StepRetries = maps.Clone(run.StepRetries)
			if run.StepRetries == nil {
				run.StepRetries = make(map[int]int, 1)
			}
			run.StepRetries[failedAt]++
		}

		if failure.IsRetryable(runErr) && run.Attempts < run.MaxAttempts {
			next := now.Add(r.Backoff(run.Attempts))
			run.Status = model.RunStatusRetry
			run.NextAttemptAt = &next
		} else {
			run.Status = model.RunStatusFailed
			run.CompletedAt = &now
		}
		span.SetStatus(codes.Error, fe.Error())
	}
	span.SetAttributes(attribute.String("status", string(run.Status)), attribute.String("root_hash", rec.RootHash))

	end := golden.RunEnd{
		Status:     run.Status,
		Attempt:    run.Attempts,
		RootHash:   rec.RootHash,
		TotalCost:  totalCost,
		DurationMS: now.Sub(started).Milliseconds(),
	}
	if run.LastError != nil && runErr != nil {
		end.ErrorCode = run.LastError.Code
	}
	r.recorder.RunEnd(ctx, run.ID, end)

	// Persist even if the caller's context has gone away mid-run.
	if err := r.store.FinishAttempt(context.WithoutCancel(ctx), run, rec, prov); err != nil {
		span.RecordError(err)
		return run, fmt.Errorf("runner: persist run %s: %w", run.ID, err)
	}
	r.runs.Add(ctx, 1, metric.WithAttributes(attribute.String("status", string(run.Status))))

	attrs := []any{"run_id", run.ID, "status", run.Status, "attempt", run.Attempts, "root_hash", rec.RootHash}
	switch run.Status {
	case model.RunStatusSucceeded:
		r.logger.Info("runner: run succeeded", append(attrs, "total_cost", totalCost)...)
	case model.RunStatusRetry:
		r.logger.Warn("runner: run scheduled for retry", append(attrs, "next_attempt_at", run.NextAttemptAt, "error", runErr)...)
	default:
		r.logger.Error("runner: run failed", append(attrs, "error", runErr)...)
	}
	return run, nil
}

// execute runs the plan's steps, appending to rec. It returns the tool calls
// of the attempt, the index of the failing step (or -1) and the failure.
func (r *Runner) execute(ctx context.Context, run model.Run, rec *model.TraceRecord) ([]model.ToolCall, int, error) {
	if err := validatePlan(run.Plan); err != nil {
		return nil, -1, err
	}
	enforcer, err := r.replayEnforcer(ctx, run)
	if err != nil {
		return nil, -1, err
	}

	toolCalls := make([]model.ToolCall, 0, len(run.Plan.Steps))
	for i, step := range run.Plan.Steps {
		ts := model.TraceStep{
			Index:      i,
			Skill:      step.Skill,
			Params:     step.Params,
			RetryCount: run.StepRetries[i],
			StartedAt:  r.now(),
		}

		if enforcer != nil {
			out, ok, err := enforcer.Skip(ctx, step)
			if err != nil {
				r.logger.Warn("runner: replay skip lookup failed, executing step",
					"run_id", run.ID, "step_id", step.ID, "error", err)
			}
			if ok {
				ts.Status = model.StepSkipped
				r.appendStep(ctx, run.ID, rec, ts)
				toolCalls = append(toolCalls, model.ToolCall{
					StepID: step.ID, StepIndex: i, Skill: step.Skill, Output: out, Skipped: true,
				})
				continue
			}
		}

		stepCtx, span := r.tracer.Start(ctx, "runner.step", trace.WithAttributes(
			attribute.Int("step_index", i),
			attribute.String("skill", step.Skill),
		))
		outcome, err := r.gate.Invoke(stepCtx, gate.Invocation{
			TenantID:       run.TenantID,
			AgentID:        run.AgentID,
			RunID:          run.ID,
			StepID:         step.ID,
			StepIndex:      i,
			Skill:          step.Skill,
			Params:         step.Params,
			Model:          step.Model,
			IdempotencyKey: step.IdempotencyKey,
			BypassDedup:    enforcer != nil && step.ReplayBehavior == model.ReplayCheck,
		})
		ts.DurationMS = r.now().Sub(ts.StartedAt).Milliseconds()
		if err != nil {
			fe := failure.As(err)
			ts.Status = model.StepFailed
			ts.OutcomeCategory = string(fe.Category)
			ts.OutcomeCode = string(fe.Code)
			r.appendStep(ctx, run.ID, rec, ts)
			span.SetStatus(codes.Error, fe.Error())
			span.End()
			return toolCalls, i, err
		}
		span.End()

		ts.Status = model.StepSucceeded
		if outcome.Duplicate {
			ts.Status = model.StepDuplicate
		}
		ts.Cost = outcome.Cost
		toolCalls = append(toolCalls, model.ToolCall{
			StepID:     step.ID,
			StepIndex:  i,
			Skill:      step.Skill,
			Output:     outcome.Output,
			Duplicate:  outcome.Duplicate,
			Cost:       outcome.Cost,
			DurationMS: outcome.Metadata.Duration.Milliseconds(),
		})
		r.appendStep(ctx, run.ID, rec, ts)

		if enforcer != nil {
			if err := enforcer.Check(step.ReplayBehavior, ts); err != nil {
				return toolCalls, i, err
			}
		}
	}
	return toolCalls, -1, nil
}

func (r *Runner) appendStep(ctx context.Context, runID uuid.UUID, rec *model.TraceRecord, ts model.TraceStep) {
	if h, err := integrity.StepHash(ts); err == nil {
		ts.Hash = h
	}
	rec.Steps = append(rec.Steps, ts)
	r.recorder.Step(ctx, runID, ts)
}

// replayEnforcer loads the parent's trace for replay runs.
func (r *Runner) replayEnforcer(ctx context.Context, run model.Run) (*replay.Enforcer, error) {
	if !run.Plan.Replay {
		return nil, nil
	}
	if run.ParentRunID == nil {
		return nil, failure.InvalidPlan("replay requested without a parent run")
	}
	parent, err := r.store.LatestTrace(ctx, *run.ParentRunID)
	if errors.Is(err, ErrNotFound) {
		return nil, failure.InvalidPlan(fmt.Sprintf("no recorded trace for parent run %s", run.ParentRunID))
	}
	if err != nil {
		// Storage hiccup: let the attempt retry.
		return nil, failure.SkillExecution("", fmt.Errorf("load parent trace: %w", err))
	}
	return replay.NewEnforcer(parent, r.idem, run.TenantID), nil
}

func validatePlan(p model.Plan) error {
	if len(p.Steps) == 0 {
		return failure.InvalidPlan("plan has no steps")
	}
	for i, s := range p.Steps {
		if s.Skill == "" {
			return failure.InvalidPlan(fmt.Sprintf("step %d has no skill", i))
		}
		if !s.ReplayBehavior.Valid() {
			return failure.InvalidPlan(fmt.Sprintf("step %d has unknown replay behavior %q", i, s.ReplayBehavior))
		}
	}
	return nil
}
