// Package gate is the single boundary through which a plan step reaches a
// skill implementation.
//
// Each invocation is estimated, checked against the budget, the target's
// circuit breaker and the idempotency store, validated against the skill's
// input schema, executed, validated against the output schema, and finally
// charged its realized cost. Every rejection is a *failure.Error; the gate
// never swallows a failure.
package gate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/singleflight"

	"github.com/agenticverz/agenticverz/internal/breaker"
	"github.com/agenticverz/agenticverz/internal/budget"
	"github.com/agenticverz/agenticverz/internal/config"
	"github.com/agenticverz/agenticverz/internal/failure"
	"github.com/agenticverz/agenticverz/internal/idempotency"
	"github.com/agenticverz/agenticverz/internal/skill"
	"github.com/agenticverz/agenticverz/internal/telemetry"
)

// Invocation is one step presented to the gate.
type Invocation struct {
	TenantID       uuid.UUID
	AgentID        string
	RunID          uuid.UUID
	StepID         string
	StepIndex      int
	Skill          string
	Params         map[string]any
	Model          string
	IdempotencyKey string
	// BypassDedup executes the skill even when IdempotencyKey already has a
	// completed record. Replay checks set it so the step really runs.
	BypassDedup bool
}

// Metadata describes how an invocation was executed.
type Metadata struct {
	StepID    string
	Skill     string
	Target    string
	StartedAt time.Time
	Duration  time.Duration
}

// Outcome is a successful invocation.
type Outcome struct {
	Output map[string]any
	// Duplicate is set when the output came from a completed idempotency
	// record instead of a fresh execution.
	Duplicate bool
	// Cost is the realized cost charged for this invocation.
	Cost     int64
	Budget   budget.Result
	Metadata Metadata
}

// Deps are the collaborators of a Gate.
type Deps struct {
	Registry    *skill.Registry
	Estimator   *budget.Estimator
	Budget      *budget.Enforcer
	Breaker     *breaker.Breaker
	Idempotency *idempotency.Checker
	Targets     *skill.TargetResolver
	Metrics     *telemetry.EngineMetrics
}

// Gate executes skills under the resilience guards.
type Gate struct {
	deps   Deps
	mode   config.ValidationMode
	logger *slog.Logger
	group  singleflight.Group
}

// New creates a Gate. An empty mode selects ValidationWarn.
func New(deps Deps, mode config.ValidationMode, logger *slog.Logger) *Gate {
	if mode == "" {
		mode = config.ValidationWarn
	}
	if deps.Metrics == nil {
		deps.Metrics = telemetry.NewEngineMetrics()
	}
	return &Gate{deps: deps, mode: mode, logger: logger}
}

// ValidationMode reports how schema violations are treated.
func (g *Gate) ValidationMode() config.ValidationMode { return g.mode }

// Invoke runs inv through every guard and the skill.
func (g *Gate) Invoke(ctx context.Context, inv Invocation) (Outcome, error) {
	out, err := g.invoke(ctx, inv)
	if err != nil {
		code := failure.As(err).Code
		g.deps.Metrics.GateRejections.Add(ctx, 1, metric.WithAttributes(
			attribute.String("skill", inv.Skill),
			attribute.String("code", string(code)),
		))
		return out, err
	}
	result := "executed"
	if out.Duplicate {
		result = "duplicate"
	}
	g.deps.Metrics.GateInvocations.Add(ctx, 1, metric.WithAttributes(
		attribute.String("skill", inv.Skill),
		attribute.String("outcome", result),
	))
	return out, nil
}

func (g *Gate) invoke(ctx context.Context, inv Invocation) (Outcome, error) {
	entry, err := g.deps.Registry.Lookup(inv.Skill)
	if err != nil {
		return Outcome{}, err
	}

	req := budget.Request{
		TenantID: inv.TenantID,
		AgentID:  inv.AgentID,
		Workflow: inv.RunID.String(),
		Skill:    inv.Skill,
		Model:    inv.Model,
		Estimate: g.deps.Estimator.Estimate(inv.Skill, inv.Model),
	}
	budgetResult, err := g.deps.Budget.Check(ctx, req)
	if err != nil {
		return Outcome{}, err
	}

	target := g.deps.Targets.Target(inv.Skill)
	trial, err := g.deps.Breaker.Admit(ctx, target)
	if err != nil {
		if failure.HasCode(err, failure.CodeCircuitOpen) {
			return Outcome{}, err
		}
		g.logger.Error("gate: breaker unavailable, proceeding", "target", target, "error", err)
	}

	c := &call{gate: g, inv: inv, entry: entry, req: req, target: target, trial: trial}
	if inv.IdempotencyKey == "" || inv.BypassDedup {
		out, err := c.execute(ctx, false)
		out.Budget = budgetResult
		return out, err
	}

	// Concurrent duplicates within this process share one execution.
	fp, err := idempotency.Fingerprint(c.payload())
	if err != nil {
		c.release(ctx)
		return Outcome{}, failure.InvalidPlan(err.Error())
	}
	leader := false
	v, err, _ := g.group.Do(inv.TenantID.String()+"\x00"+inv.IdempotencyKey+"\x00"+fp, func() (any, error) {
		leader = true
		return c.deduplicated(ctx)
	})
	out, _ := v.(Outcome)
	if !leader {
		c.release(ctx)
	}
	if err != nil {
		return out, err
	}
	if !leader {
		out.Output = maps.Clone(out.Output)
		out.Duplicate = true
		out.Cost = 0
	}
	out.Budget = budgetResult
	return out, nil
}

// call carries the state of one invocation past the pre-checks.
type call struct {
	gate   *Gate
	inv    Invocation
	entry  *skill.Entry
	req    budget.Request
	target string
	// trial is set while this call holds the target's HALF_OPEN trial.
	trial bool
}

func (c *call) payload() map[string]any {
	p := map[string]any{"skill": c.inv.Skill, "params": c.inv.Params}
	if c.inv.Model != "" {
		p["model"] = c.inv.Model
	}
	return p
}

func (c *call) deduplicated(ctx context.Context) (Outcome, error) {
	g := c.gate
	d, err := g.deps.Idempotency.Check(ctx, c.inv.TenantID, c.inv.IdempotencyKey, c.payload())
	switch {
	case failure.HasCode(err, failure.CodeIdempotencyConflict), failure.HasCode(err, failure.CodeIdempotencyInProgress):
		c.release(ctx)
		return Outcome{}, err
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		c.release(ctx)
		return Outcome{}, err
	case err != nil:
		g.logger.Error("gate: idempotency store unavailable, proceeding without dedup",
			"key", c.inv.IdempotencyKey, "error", err)
		return c.execute(ctx, false)
	}

	if d.Outcome == idempotency.Duplicate {
		c.release(ctx)
		var out map[string]any
		if len(d.Result) > 0 {
			if err := json.Unmarshal(d.Result, &out); err != nil {
				return Outcome{}, failure.SkillExecution(c.inv.Skill, failure.Permanent(fmt.Errorf("decode cached result: %w", err)))
			}
		}
		g.logger.Debug("gate: duplicate short-circuit", "skill", c.inv.Skill, "key", c.inv.IdempotencyKey)
		return Outcome{
			Output:    out,
			Duplicate: true,
			Metadata:  Metadata{StepID: c.inv.StepID, Skill: c.inv.Skill, Target: c.target, StartedAt: time.Now()},
		}, nil
	}
	return c.execute(ctx, true)
}

// execute validates, runs the skill and charges it. When owned is true the
// caller holds the idempotency key and it is finalized here.
func (c *call) execute(ctx context.Context, owned bool) (Outcome, error) {
	g := c.gate
	fail := func(err error, countAgainstTarget bool) (Outcome, error) {
		if countAgainstTarget {
			c.trial = false
			if berr := g.deps.Breaker.RecordFailure(ctx, c.target); berr != nil {
				g.logger.Error("gate: record breaker failure", "target", c.target, "error", berr)
			}
		} else {
			c.release(ctx)
		}
		if owned {
			if ierr := g.deps.Idempotency.MarkFailed(context.WithoutCancel(ctx), c.inv.TenantID, c.inv.IdempotencyKey); ierr != nil {
				g.logger.Error("gate: mark idempotency failed", "key", c.inv.IdempotencyKey, "error", ierr)
			}
		}
		return Outcome{}, err
	}

	if err := c.validate("input", c.entry.ValidateInput(c.inv.Params)); err != nil {
		return fail(err, false)
	}

	inst, err := c.entry.Instantiate()
	if err != nil {
		return fail(failure.SkillExecution(c.inv.Skill, err), false)
	}

	started := time.Now()
	output, err := inst.Execute(ctx, c.inv.Params)
	meta := Metadata{
		StepID:    c.inv.StepID,
		Skill:     c.inv.Skill,
		Target:    c.target,
		StartedAt: started,
		Duration:  time.Since(started),
	}
	if err != nil {
		var fe *failure.Error
		if !errors.As(err, &fe) {
			if ctxErr := ctx.Err(); ctxErr != nil {
				// Cancellation is ours, not the target's.
				return fail(failure.As(ctxErr), false)
			}
			fe = failure.SkillExecution(c.inv.Skill, err)
		}
		countable := fe.Category != failure.CategoryValidation && fe.Category != failure.CategoryCircuitOpen &&
			fe.Code != failure.CodeIdempotencyConflict && fe.Code != failure.CodeIdempotencyInProgress
		return fail(fe, countable)
	}
	c.trial = false
	if berr := g.deps.Breaker.RecordSuccess(ctx, c.target); berr != nil {
		g.logger.Error("gate: record breaker success", "target", c.target, "error", berr)
	}

	if err := c.validate("output", c.entry.ValidateOutput(output)); err != nil {
		return fail(err, false)
	}

	cost, tokens := c.req.Estimate, int64(0)
	if m, ok := inst.(skill.Metered); ok {
		cost, tokens = m.Usage()
	}
	if err := g.deps.Budget.Commit(ctx, c.req, cost, tokens); err != nil {
		return fail(err, false)
	}

	if owned {
		if err := g.deps.Idempotency.MarkCompleted(ctx, c.inv.TenantID, c.inv.IdempotencyKey, output); err != nil {
			g.logger.Error("gate: mark idempotency completed", "key", c.inv.IdempotencyKey, "error", err)
		}
	}
	return Outcome{Output: output, Cost: cost, Metadata: meta}, nil
}

// release hands back the HALF_OPEN trial when the call ends without an
// outcome that says anything about the target.
func (c *call) release(ctx context.Context) {
	if !c.trial {
		return
	}
	c.trial = false
	if err := c.gate.deps.Breaker.Release(context.WithoutCancel(ctx), c.target); err != nil {
		c.gate.logger.Error("gate: release breaker trial", "target", c.target, "error", err)
	}
}

// validate applies the validation mode to a schema check result.
func (c *call) validate(phase string, verr error) error {
	if verr == nil {
		return nil
	}
	switch c.gate.mode {
	case config.ValidationOff:
		return nil
	case config.ValidationEnforce:
		return failure.SkillValidation(c.inv.Skill, phase, verr)
	default:
		c.gate.logger.Warn("gate: schema violation",
			"skill", c.inv.Skill, "phase", phase, "step_id", c.inv.StepID, "error", verr)
		return nil
	}
}
